package wsfanout

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"dronefleet/broker/internal/logging"
	"dronefleet/broker/internal/networking"
)

type fakeCloser struct {
	closed bool
}

func (c *fakeCloser) Close() error {
	c.closed = true
	return nil
}

type fakeSource struct {
	mu     sync.Mutex
	subs   map[string]func(string, []byte)
	closed map[string]*fakeCloser
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[string]func(string, []byte)), closed: make(map[string]*fakeCloser)}
}

func (f *fakeSource) Subscribe(_ context.Context, channel string, handler func(string, []byte)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[channel] = handler
	closer := &fakeCloser{}
	f.closed[channel] = closer
	return closer, nil
}

func (f *fakeSource) publish(channel string, payload []byte) {
	f.mu.Lock()
	handler := f.subs[channel]
	f.mu.Unlock()
	if handler != nil {
		handler(channel, payload)
	}
}

func (f *fakeSource) subscribed(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[channel]
	return ok
}

func (f *fakeSource) isClosed(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.closed[channel]
	return ok && c.closed
}

func newTestClient(id string) *Client {
	return &Client{id: id, send: make(chan []byte, 8), rooms: make(map[string]struct{})}
}

func TestJoinRoomSubscribesOnlyOnFirstMember(t *testing.T) {
	source := newFakeSource()
	hub := NewHub(source, logging.NewTestLogger(), 0, nil, nil)

	a := newTestClient("a")
	b := newTestClient("b")
	room := missionRoom("m-1")
	channel := "mission:m-1:telemetry"
	handler := hub.roomChannelHandler(room, eventTelemetryUpdate)

	hub.joinRoom(context.Background(), a, room, channel, handler)
	hub.joinRoom(context.Background(), b, room, channel, handler)

	if calls := len(source.subs); calls != 1 {
		t.Fatalf("expected exactly one subscribed channel, got %d", calls)
	}
	if !source.subscribed(channel) {
		t.Fatal("expected mission channel to be subscribed")
	}
}

func TestLeaveRoomUnsubscribesOnlyAfterLastMember(t *testing.T) {
	source := newFakeSource()
	hub := NewHub(source, logging.NewTestLogger(), 0, nil, nil)

	a := newTestClient("a")
	b := newTestClient("b")
	room := droneRoom("d-1")
	channel := "drone:d-1:status"
	handler := hub.roomChannelHandler(room, eventDroneStatus)

	hub.joinRoom(context.Background(), a, room, channel, handler)
	hub.joinRoom(context.Background(), b, room, channel, handler)

	hub.leaveRoom(a, room)
	if source.isClosed(channel) {
		t.Fatal("expected channel subscription to remain open while a member remains")
	}

	hub.leaveRoom(b, room)
	if !source.isClosed(channel) {
		t.Fatal("expected channel subscription to close once the last member leaves")
	}
}

func TestBroadcastRoomOnlyReachesMembers(t *testing.T) {
	source := newFakeSource()
	hub := NewHub(source, logging.NewTestLogger(), 0, nil, nil)

	subscriber := newTestClient("subscriber")
	bystander := newTestClient("bystander")
	room := missionRoom("m-1")
	channel := "mission:m-1:telemetry"
	handler := hub.roomChannelHandler(room, eventTelemetryUpdate)
	hub.joinRoom(context.Background(), subscriber, room, channel, handler)

	source.publish(channel, []byte(`{"drone_id":"d-1"}`))

	select {
	case msg := <-subscriber.send:
		if len(msg) == 0 {
			t.Fatal("expected non-empty envelope")
		}
	default:
		t.Fatal("expected subscriber to receive a message")
	}

	select {
	case <-bystander.send:
		t.Fatal("expected bystander to receive nothing")
	default:
	}
}

func TestHandleFleetStatusRoutesByOrgID(t *testing.T) {
	source := newFakeSource()
	hub := NewHub(source, logging.NewTestLogger(), 0, nil, nil)

	member := newTestClient("m")
	hub.joinRoom(context.Background(), member, orgRoom("org-1"), "", nil)

	hub.handleFleetStatus("fleet_status", []byte(`{"org_id":"org-1"}`))

	select {
	case <-member.send:
	default:
		t.Fatal("expected org room member to receive fleet_status broadcast")
	}
}

func TestHandleSystemAlertBroadcastsToEveryClient(t *testing.T) {
	source := newFakeSource()
	hub := NewHub(source, logging.NewTestLogger(), 0, nil, nil)

	a := newTestClient("a")
	b := newTestClient("b")
	hub.registerClient(a)
	hub.registerClient(b)

	hub.handleSystemAlert("system:alerts", []byte(`{"kind":"battery_critical"}`))

	for _, c := range []*Client{a, b} {
		select {
		case <-c.send:
		default:
			t.Fatalf("expected client %s to receive the system alert", c.id)
		}
	}
}

func TestDeliverRecordsBroadcastMetrics(t *testing.T) {
	source := newFakeSource()
	metrics := networking.NewBroadcastMetrics()
	hub := NewHub(source, logging.NewTestLogger(), 0, metrics, nil)

	subscriber := newTestClient("subscriber")
	room := missionRoom("m-1")
	channel := "mission:m-1:telemetry"
	handler := hub.roomChannelHandler(room, eventTelemetryUpdate)
	hub.joinRoom(context.Background(), subscriber, room, channel, handler)

	source.publish(channel, []byte(`{"drone_id":"d-1"}`))

	bytes := metrics.BytesPerClient()
	size, ok := bytes["subscriber"]
	if !ok || size == 0 {
		t.Fatalf("expected broadcast metrics to record subscriber delivery, got %v", bytes)
	}
}

func TestDeliverRecordsDropOnFullSendBuffer(t *testing.T) {
	source := newFakeSource()
	metrics := networking.NewBroadcastMetrics()
	hub := NewHub(source, logging.NewTestLogger(), 0, metrics, nil)

	slow := &Client{id: "slow", send: make(chan []byte), rooms: make(map[string]struct{})}
	hub.deliver(slow, "mission:m-1:telemetry", []byte("payload"))

	drops := metrics.DropCounts()
	if drops["mission:m-1:telemetry"] != 1 {
		t.Fatalf("expected one recorded drop, got %v", drops)
	}
}

func TestDeliverThrottlesOverBandwidthBudget(t *testing.T) {
	source := newFakeSource()
	metrics := networking.NewBroadcastMetrics()
	current := time.Unix(0, 0)
	bandwidth := networking.NewBandwidthRegulator(10, func() time.Time { return current })
	hub := NewHub(source, logging.NewTestLogger(), 0, metrics, bandwidth)

	client := newTestClient("throttled")
	hub.deliver(client, "mission:m-1:telemetry", make([]byte, 20))

	select {
	case <-client.send:
		t.Fatal("expected delivery to be throttled before reaching the send buffer")
	default:
	}
	if drops := metrics.DropCounts(); drops["mission:m-1:telemetry"] != 1 {
		t.Fatalf("expected throttled delivery to record a drop, got %v", drops)
	}
}

func TestDeregisterClientForgetsMetricsAndBandwidth(t *testing.T) {
	source := newFakeSource()
	metrics := networking.NewBroadcastMetrics()
	bandwidth := networking.NewBandwidthRegulator(100, nil)
	hub := NewHub(source, logging.NewTestLogger(), 0, metrics, bandwidth)

	client := newTestClient("ephemeral")
	hub.registerClient(client)
	hub.deliver(client, "system:alerts", []byte("payload"))
	bandwidth.Allow("ephemeral", 10)

	hub.deregisterClient(client)

	if _, ok := metrics.BytesPerClient()["ephemeral"]; ok {
		t.Fatal("expected broadcast metrics to forget the disconnected client")
	}
	if usage := bandwidth.SnapshotUsage(); usage != nil {
		if _, ok := usage["ephemeral"]; ok {
			t.Fatal("expected bandwidth regulator to forget the disconnected client")
		}
	}
}

func TestClientCountAndBroadcastCountTrackHubActivity(t *testing.T) {
	metrics := networking.NewBroadcastMetrics()
	hub := NewHub(newFakeSource(), logging.NewTestLogger(), 0, metrics, nil)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected zero clients initially, got %d", got)
	}
	if got := hub.BroadcastCount(); got != 0 {
		t.Fatalf("expected zero broadcasts initially, got %d", got)
	}

	client := &Client{id: "c-1", send: make(chan []byte, 1), rooms: make(map[string]struct{})}
	hub.registerClient(client)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected one registered client, got %d", got)
	}

	hub.deliver(client, "mission:m-1", []byte("payload"))
	if got := hub.BroadcastCount(); got != 1 {
		t.Fatalf("expected one observed delivery, got %d", got)
	}

	hub.deregisterClient(client)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected zero clients after deregistration, got %d", got)
	}
}

func TestReserveSlotEnforcesMaxClients(t *testing.T) {
	hub := NewHub(newFakeSource(), logging.NewTestLogger(), 1, nil, nil)

	if !hub.reserveSlot() {
		t.Fatal("expected first reservation to succeed")
	}
	if hub.reserveSlot() {
		t.Fatal("expected second reservation to fail at capacity")
	}
	hub.releaseSlot()
	if !hub.reserveSlot() {
		t.Fatal("expected reservation to succeed again after release")
	}
}
