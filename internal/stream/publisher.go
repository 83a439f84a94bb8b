// Package stream is the durable, compressed append-only writer for the
// telemetry, commands, and events topics. Records are buffered and flushed
// on a size-or-time policy; a failed batch is re-queued at the head for a
// bounded number of retries before being dropped.
package stream

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/segmentio/kafka-go"

	"dronefleet/broker/internal/logging"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultRetryBudget   = 3
)

// Topic names the three durable append-only streams C2 writes to.
type Topic string

const (
	TopicTelemetry Topic = "telemetry"
	TopicCommands  Topic = "commands"
	TopicEvents    Topic = "events"
)

// Record is one buffered item awaiting a batched, compressed write.
type Record struct {
	Topic Topic
	Key   string // drone_id for telemetry/commands, mission_id for events
	Value []byte

	retries int
}

// Writer is the subset of a Kafka producer the publisher depends on,
// satisfied by *kafka.Writer in production and a fake in tests.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config controls batching policy and retry budget.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	RetryBudget   int
}

// Publisher batches, gzip-compresses, and durably writes records.
type Publisher struct {
	writer Writer
	logger *logging.Logger

	batchSize     int
	flushInterval time.Duration
	retryBudget   int

	mu      sync.Mutex
	pending []Record

	dropped atomic.Uint64

	flushNow chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher constructs a Publisher around a Kafka-compatible writer.
func NewPublisher(writer Writer, cfg Config, logger *logging.Logger) *Publisher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	retryBudget := cfg.RetryBudget
	if retryBudget <= 0 {
		retryBudget = defaultRetryBudget
	}
	p := &Publisher{
		writer:        writer,
		logger:        logger,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryBudget:   retryBudget,
		flushNow:      make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Dropped returns the count of records dropped after exhausting the retry budget.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Append buffers a record for the next batch flush, triggering an immediate
// flush once the batch reaches the configured size.
func (p *Publisher) Append(rec Record) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, rec)
	full := len(p.pending) >= p.batchSize
	p.mu.Unlock()

	if full {
		select {
		case p.flushNow <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop, attempting one final flush of buffered records.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	close(p.done)
	p.wg.Wait()
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			//1.- Flush on the timer leg of the "100 records or 1s" policy.
			p.flush(context.Background())
		case <-p.flushNow:
			p.flush(context.Background())
		case <-p.done:
			p.flush(context.Background())
			return
		}
	}
}

func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	p.writeWithRetry(ctx, batch)
}

// writeWithRetry groups batch by topic and writes each group. A group whose
// write fails is re-queued at the head of pending with its retry counter
// bumped; once a group's counter has reached the retry budget, its next
// failure drops and counts it instead of requeuing it.
func (p *Publisher) writeWithRetry(ctx context.Context, batch []Record) {
	byTopic := make(map[Topic][]Record)
	for _, rec := range batch {
		byTopic[rec.Topic] = append(byTopic[rec.Topic], rec)
	}
	for topic, recs := range byTopic {
		msgs, err := compressBatch(topic, recs)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("failed to encode batch", logging.Error(err), logging.String("topic", string(topic)))
			}
			continue
		}
		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			attempt := recs[0].retries
			if attempt < p.retryBudget {
				//1.- Re-queue at the head so the failed batch is retried before newer records.
				bumped := make([]Record, len(recs))
				for i, rec := range recs {
					rec.retries = attempt + 1
					bumped[i] = rec
				}
				p.mu.Lock()
				p.pending = append(bumped, p.pending...)
				p.mu.Unlock()
				if p.logger != nil {
					p.logger.Warn("stream write failed, requeued at head", logging.Error(err), logging.Field{Key: "attempt", Value: attempt + 1})
				}
				continue
			}
			p.dropped.Add(uint64(len(recs)))
			if p.logger != nil {
				p.logger.Error("stream write exhausted retry budget, dropping batch", logging.Error(err), logging.Field{Key: "count", Value: len(recs)})
			}
		}
	}
}

// compressBatch gzip-compresses each record's value individually, so a
// single corrupt record cannot prevent the rest of the batch from being
// read back independently by a consumer.
func compressBatch(topic Topic, recs []Record) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(rec.Value); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{
			Topic: string(topic),
			Key:   []byte(rec.Key),
			Value: buf.Bytes(),
			Headers: []kafka.Header{
				{Key: "content-encoding", Value: []byte("gzip")},
			},
		})
	}
	return msgs, nil
}
