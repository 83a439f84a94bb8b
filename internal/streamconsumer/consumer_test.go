package streamconsumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"dronefleet/broker/internal/domain"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	pos       int
	committed int
}

func newFakeReader(records []domain.TelemetryRecord) *fakeReader {
	msgs := make([]kafka.Message, len(records))
	for i, rec := range records {
		payload, _ := json.Marshal(rec)
		msgs[i] = kafka.Message{Value: payload}
	}
	return &fakeReader{messages: msgs}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.messages) {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := f.messages[f.pos]
	f.pos++
	return msg, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed += len(msgs)
	return nil
}

type fakeDroneStore struct {
	mu      sync.Mutex
	batterY map[string]float64
	writes  int
}

func newFakeDroneStore() *fakeDroneStore {
	return &fakeDroneStore{batterY: make(map[string]float64)}
}

func (f *fakeDroneStore) UpdateBattery(_ context.Context, droneID string, batteryPct float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batterY[droneID] = batteryPct
	f.writes++
	return nil
}

type fakeCompleter struct {
	mu        sync.Mutex
	status    domain.MissionStatus
	completed []string
}

func (f *fakeCompleter) Status(_ context.Context, _ string) (domain.MissionStatus, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, "d-1", nil
}

func (f *fakeCompleter) Complete(_ context.Context, missionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, missionID)
	f.status = domain.MissionCompleted
	return nil
}

func runUntilDrained(t *testing.T, c *Consumer, reader *fakeReader, want int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		reader.mu.Lock()
		committed := reader.committed
		reader.mu.Unlock()
		if committed >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d committed messages, reader committed fewer", want)
}

func TestConsumerUpdatesBatteryThrottled(t *testing.T) {
	now := time.Now()
	records := []domain.TelemetryRecord{
		{DroneID: "d-1", SentAt: now, BatteryPct: 80},
		{DroneID: "d-1", SentAt: now, BatteryPct: 79},
	}
	reader := newFakeReader(records)
	drones := newFakeDroneStore()
	completer := &fakeCompleter{status: domain.MissionInProgress}
	c := New(reader, drones, completer, nil, Options{BatchSize: 2})

	runUntilDrained(t, c, reader, 2)

	drones.mu.Lock()
	defer drones.mu.Unlock()
	if drones.writes != 1 {
		t.Fatalf("expected exactly one throttled battery write, got %d", drones.writes)
	}
	if drones.batterY["d-1"] != 80 {
		t.Fatalf("expected first sample's battery to win the throttle window, got %v", drones.batterY["d-1"])
	}
}

func TestConsumerCompletesMissionOnFullProgress(t *testing.T) {
	records := []domain.TelemetryRecord{
		{DroneID: "d-1", MissionID: "m-1", SentAt: time.Now(), BatteryPct: 50, ProgressPct: 100},
	}
	reader := newFakeReader(records)
	drones := newFakeDroneStore()
	completer := &fakeCompleter{status: domain.MissionInProgress}
	c := New(reader, drones, completer, nil, Options{BatchSize: 1})

	runUntilDrained(t, c, reader, 1)

	completer.mu.Lock()
	defer completer.mu.Unlock()
	if len(completer.completed) != 1 || completer.completed[0] != "m-1" {
		t.Fatalf("expected mission m-1 to be completed, got %+v", completer.completed)
	}
}

func TestConsumerSkipsCompletionWhenMissionNotInProgress(t *testing.T) {
	records := []domain.TelemetryRecord{
		{DroneID: "d-1", MissionID: "m-1", SentAt: time.Now(), ProgressPct: 100},
	}
	reader := newFakeReader(records)
	drones := newFakeDroneStore()
	completer := &fakeCompleter{status: domain.MissionCompleted}
	c := New(reader, drones, completer, nil, Options{BatchSize: 1})

	runUntilDrained(t, c, reader, 1)

	completer.mu.Lock()
	defer completer.mu.Unlock()
	if len(completer.completed) != 0 {
		t.Fatalf("expected no completion calls for an already-terminal mission, got %+v", completer.completed)
	}
}
