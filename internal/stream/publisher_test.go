package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failN    int // fail the first failN calls
	calls    int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("simulated broker unavailable")
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestPublisherFlushesOnBatchSize(t *testing.T) {
	writer := &fakeWriter{}
	pub := NewPublisher(writer, Config{BatchSize: 2, FlushInterval: time.Hour}, nil)
	defer pub.Close()

	pub.Append(Record{Topic: TopicTelemetry, Key: "d-1", Value: []byte("one")})
	pub.Append(Record{Topic: TopicTelemetry, Key: "d-1", Value: []byte("two")})

	deadline := time.Now().Add(time.Second)
	for writer.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if writer.count() != 2 {
		t.Fatalf("expected 2 messages written, got %d", writer.count())
	}
}

func TestPublisherFlushesOnTimer(t *testing.T) {
	writer := &fakeWriter{}
	pub := NewPublisher(writer, Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, nil)
	defer pub.Close()

	pub.Append(Record{Topic: TopicEvents, Key: "m-1", Value: []byte("event")})

	deadline := time.Now().Add(time.Second)
	for writer.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if writer.count() != 1 {
		t.Fatalf("expected 1 message written by timer flush, got %d", writer.count())
	}
}

func TestPublisherRetriesThenDropsAfterBudget(t *testing.T) {
	writer := &fakeWriter{failN: 10}
	pub := NewPublisher(writer, Config{BatchSize: 1, FlushInterval: 10 * time.Millisecond, RetryBudget: 2}, nil)
	defer pub.Close()

	pub.Append(Record{Topic: TopicCommands, Key: "d-1", Value: []byte("cmd")})

	deadline := time.Now().Add(2 * time.Second)
	for pub.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped record after exhausting retry budget, got %d", pub.Dropped())
	}
	if writer.count() != 0 {
		t.Fatalf("expected no messages written, got %d", writer.count())
	}
}
