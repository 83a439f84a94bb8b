// Package wsfanout implements C9: it upgrades authenticated WebSocket
// connections, organises clients into rooms keyed by org/mission/drone/site,
// and bridges C3's pub/sub channels (plus the analytics broadcasts from C8)
// into per-room fan-out so a client only receives events for what it has
// joined.
package wsfanout

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"dronefleet/broker/internal/analytics"
	"dronefleet/broker/internal/livestate"
	"dronefleet/broker/internal/logging"
	"dronefleet/broker/internal/networking"
)

// Source is the subset of C3's surface the hub needs to bridge pub/sub
// channels into rooms. livestate.Store satisfies it directly.
type Source interface {
	Subscribe(ctx context.Context, channelPattern string, handler func(channel string, payload []byte)) (io.Closer, error)
}

const (
	eventTelemetryUpdate = "telemetry:update"
	eventDroneStatus     = "drone:status"
	eventAlert           = "alert"
	eventDroneMetrics    = analytics.ChannelDroneMetrics
	eventMissionProgress = analytics.ChannelMissionProgress
	eventFleetStatus     = analytics.ChannelFleetStatus
)

func orgRoom(orgID string) string   { return "org:" + orgID }
func missionRoom(id string) string  { return "mission:" + id }
func droneRoom(id string) string    { return "drone:" + id }
func siteRoomName(id string) string { return "site:" + id }

type roomSubscription struct {
	closer io.Closer
	refs   int
}

// Hub owns the client registry, room membership, and the C3 subscriptions
// backing each dynamically-joined room.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	roomMembers map[string]map[*Client]struct{}
	roomSubs    map[string]*roomSubscription

	source    Source
	log       *logging.Logger
	metrics   *networking.BroadcastMetrics
	bandwidth *networking.BandwidthRegulator

	maxClients int
	pending    int

	cancel context.CancelFunc
}

// NewHub constructs a hub bridging the supplied C3 source. maxClients of 0
// disables the connection cap. metrics and bandwidth may both be nil.
func NewHub(source Source, logger *logging.Logger, maxClients int, metrics *networking.BroadcastMetrics, bandwidth *networking.BandwidthRegulator) *Hub {
	if logger == nil {
		logger = logging.L()
	}
	return &Hub{
		clients:     make(map[*Client]struct{}),
		roomMembers: make(map[string]map[*Client]struct{}),
		roomSubs:    make(map[string]*roomSubscription),
		source:      source,
		log:         logger.With(logging.String("component", "wsfanout")),
		metrics:     metrics,
		bandwidth:   bandwidth,
		maxClients:  maxClients,
	}
}

// Start subscribes the hub to the fixed analytics channels it always fans
// out regardless of room membership: drone_metrics and mission_progress are
// routed by mission_id, fleet_status by org_id, and system alerts are
// broadcast to every connected client.
func (h *Hub) Start(ctx context.Context) {
	if h == nil || h.source == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	subscribe := func(channel string, handler func(channel string, payload []byte)) {
		if _, err := h.source.Subscribe(ctx, channel, handler); err != nil {
			h.log.Warn("failed to subscribe fixed channel", logging.String("channel", channel), logging.Error(err))
		}
	}
	subscribe(livestate.SystemAlertsChannel, h.handleSystemAlert)
	subscribe(eventDroneMetrics, h.handleMissionScopedAnalytics(eventDroneMetrics))
	subscribe(eventMissionProgress, h.handleMissionScopedAnalytics(eventMissionProgress))
	subscribe(eventFleetStatus, h.handleFleetStatus)
}

// Stop cancels the fixed subscriptions established by Start.
func (h *Hub) Stop() {
	if h == nil || h.cancel == nil {
		return
	}
	h.cancel()
}

// ClientCount reports the number of currently registered connections, for
// readiness and stats reporting.
func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastCount reports the cumulative number of deliveries observed by
// the hub's metrics tracker, or zero if none is configured.
func (h *Hub) BroadcastCount() int {
	if h == nil || h.metrics == nil {
		return 0
	}
	return int(h.metrics.Broadcasts())
}

func (h *Hub) handleSystemAlert(_ string, payload []byte) {
	h.broadcastAll(eventAlert, livestate.SystemAlertsChannel, payload)
}

func (h *Hub) handleMissionScopedAnalytics(eventType string) func(string, []byte) {
	return func(channel string, payload []byte) {
		var scoped struct {
			MissionID string `json:"mission_id"`
		}
		if err := json.Unmarshal(payload, &scoped); err != nil || scoped.MissionID == "" {
			return
		}
		h.broadcastRoom(missionRoom(scoped.MissionID), eventType, channel, payload)
	}
}

// roomChannelHandler relays a C3 channel message to every member of room,
// tagging the envelope with eventType.
func (h *Hub) roomChannelHandler(room, eventType string) func(string, []byte) {
	return func(channel string, payload []byte) {
		h.broadcastRoom(room, eventType, channel, payload)
	}
}

func (h *Hub) handleFleetStatus(channel string, payload []byte) {
	var scoped struct {
		OrgID string `json:"org_id"`
	}
	if err := json.Unmarshal(payload, &scoped); err != nil || scoped.OrgID == "" {
		return
	}
	h.broadcastRoom(orgRoom(scoped.OrgID), eventFleetStatus, channel, payload)
}

// reserveSlot increments the pending-connection counter under the max
// client cap, returning false if the broker is at capacity.
func (h *Hub) reserveSlot() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxClients > 0 && len(h.clients)+h.pending >= h.maxClients {
		return false
	}
	h.pending++
	return true
}

func (h *Hub) releaseSlot() {
	h.mu.Lock()
	if h.pending > 0 {
		h.pending--
	}
	h.mu.Unlock()
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	if h.pending > 0 {
		h.pending--
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) deregisterClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	for _, room := range rooms {
		h.leaveRoom(c, room)
	}

	if h.metrics != nil {
		h.metrics.ForgetClient(c.id)
	}
	if h.bandwidth != nil {
		h.bandwidth.Forget(c.id)
	}
}

// joinRoom adds the client to room and, for rooms backed by a concrete C3
// channel, establishes the subscription on the first subscriber.
func (h *Hub) joinRoom(ctx context.Context, c *Client, room, channel string, handler func(string, []byte)) {
	h.mu.Lock()
	if _, ok := c.rooms[room]; ok {
		h.mu.Unlock()
		return
	}
	c.rooms[room] = struct{}{}
	members := h.roomMembers[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.roomMembers[room] = members
	}
	members[c] = struct{}{}

	var needsSubscribe bool
	sub := h.roomSubs[channel]
	if channel != "" {
		if sub == nil {
			sub = &roomSubscription{}
			h.roomSubs[channel] = sub
			needsSubscribe = true
		}
		sub.refs++
	}
	h.mu.Unlock()

	if needsSubscribe && h.source != nil {
		closer, err := h.source.Subscribe(ctx, channel, handler)
		h.mu.Lock()
		if err != nil {
			h.log.Warn("failed to subscribe room channel", logging.String("channel", channel), logging.Error(err))
			delete(h.roomSubs, channel)
		} else if existing := h.roomSubs[channel]; existing != nil {
			existing.closer = closer
		}
		h.mu.Unlock()
	}
}

// leaveRoom removes the client from room and tears down the backing C3
// subscription once the last member has left.
func (h *Hub) leaveRoom(c *Client, room string) {
	h.mu.Lock()
	delete(c.rooms, room)
	members := h.roomMembers[room]
	if members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.roomMembers, room)
		}
	}
	channel := channelForRoom(room)
	var closer io.Closer
	if channel != "" {
		if sub := h.roomSubs[channel]; sub != nil {
			sub.refs--
			if sub.refs <= 0 {
				closer = sub.closer
				delete(h.roomSubs, channel)
			}
		}
	}
	h.mu.Unlock()

	if closer != nil {
		_ = closer.Close()
	}
}

func channelForRoom(room string) string {
	switch {
	case hasPrefix(room, "mission:"):
		return livestate.MissionTelemetryChannel(room[len("mission:"):])
	case hasPrefix(room, "drone:"):
		return livestate.DroneStatusChannel(room[len("drone:"):])
	default:
		return ""
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (h *Hub) broadcastRoom(room, eventType, channel string, payload []byte) {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.roomMembers[room]))
	for c := range h.roomMembers[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()
	if len(members) == 0 {
		return
	}
	msg := encodeEnvelope(eventType, channel, payload)
	for _, c := range members {
		h.deliver(c, channel, msg)
	}
}

func (h *Hub) broadcastAll(eventType, channel string, payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	msg := encodeEnvelope(eventType, channel, payload)
	for _, c := range clients {
		h.deliver(c, channel, msg)
	}
}

// deliver attempts a non-blocking send; a client whose send buffer is full
// is considered unresponsive and dropped, matching the teacher's broadcast.
// A message that would exceed a client's bandwidth allowance is skipped and
// counted as a drop without touching the send buffer; unlike a slow client,
// a throttled client stays connected.
func (h *Hub) deliver(c *Client, channel string, msg []byte) {
	if h.bandwidth != nil && !h.bandwidth.Allow(c.id, len(msg)) {
		h.log.Warn("dropping throttled client", logging.String("client_id", c.id), logging.String("channel", channel))
		if h.metrics != nil {
			h.metrics.RecordDrop(channel)
		}
		return
	}
	select {
	case c.send <- msg:
		if h.metrics != nil {
			h.metrics.Observe(c.id, len(msg))
		}
	default:
		h.log.Warn("dropping slow client", logging.String("client_id", c.id))
		if h.metrics != nil {
			h.metrics.RecordDrop(channel)
		}
		go h.forceClose(c)
	}
}

func (h *Hub) forceClose(c *Client) {
	h.deregisterClient(c)
	c.closeSend()
}
