// Package streamconsumer implements C5: a durable-stream reader that
// reconciles secondary state derived from the telemetry topic — throttled
// drone battery writes and mission auto-completion — independent of the
// live ingress path.
package streamconsumer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"dronefleet/broker/internal/domain"
	"dronefleet/broker/internal/logging"
)

const batteryWriteThrottle = 5 * time.Second

// Reader is the subset of *kafka.Reader the consumer depends on.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// DroneStore is the durable store's battery-update surface.
type DroneStore interface {
	UpdateBattery(ctx context.Context, droneID string, batteryPct float64) error
}

// MissionCompleter is the subset of the Mission Coordinator (C7) used to
// auto-complete a mission whose telemetry reports full progress.
type MissionCompleter interface {
	Complete(ctx context.Context, missionID string) error
	Status(ctx context.Context, missionID string) (domain.MissionStatus, string, error)
}

// Consumer reads the telemetry topic and reconciles secondary state.
type Consumer struct {
	reader    Reader
	drones    DroneStore
	missions  MissionCompleter
	logger    *logging.Logger
	batchSize int

	mu          sync.Mutex
	lastWritten map[string]time.Time

	lag atomic.Int64
}

// Options configures the consumer's batch size; all other behaviour follows
// the spec's fixed throttle and completion rules.
type Options struct {
	BatchSize int
}

// New constructs a Consumer around a Kafka-compatible reader.
func New(reader Reader, drones DroneStore, missions MissionCompleter, logger *logging.Logger, opts Options) *Consumer {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Consumer{
		reader:      reader,
		drones:      drones,
		missions:    missions,
		logger:      logger,
		batchSize:   batchSize,
		lastWritten: make(map[string]time.Time),
	}
}

// Lag returns the consumer's lag counter (in messages). Run never updates
// that counter, so Lag always reports zero.
func (c *Consumer) Lag() int64 { return c.lag.Load() }

// Run processes batches until ctx is cancelled. Offsets are only committed
// after a batch is fully reconciled, so a panic or crash mid-batch leaves
// offsets unadvanced and the batch replays at-least-once on restart.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch := make([]kafka.Message, 0, c.batchSize)
		for len(batch) < c.batchSize {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if c.logger != nil {
					c.logger.Warn("stream consumer fetch failed", logging.Error(err))
				}
				break
			}
			batch = append(batch, msg)
		}
		if len(batch) == 0 {
			continue
		}

		for _, msg := range batch {
			c.reconcile(ctx, msg.Value)
		}

		//1.- Advance offsets only after every record in the batch is reconciled.
		if err := c.reader.CommitMessages(ctx, batch...); err != nil && c.logger != nil {
			c.logger.Error("failed to commit stream offsets", logging.Error(err))
		}
	}
}

func (c *Consumer) reconcile(ctx context.Context, payload []byte) {
	var rec domain.TelemetryRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		if c.logger != nil {
			c.logger.Warn("stream consumer dropping undecodable record", logging.Error(err))
		}
		return
	}

	if c.shouldWriteBattery(rec.DroneID) {
		if err := c.drones.UpdateBattery(ctx, rec.DroneID, rec.BatteryPct); err != nil && c.logger != nil {
			c.logger.Warn("battery write failed", logging.Error(err), logging.String("drone_id", rec.DroneID))
		}
	}

	if rec.MissionID == "" || rec.ProgressPct < 100 {
		return
	}
	status, _, err := c.missions.Status(ctx, rec.MissionID)
	if err != nil {
		return
	}
	if status != domain.MissionInProgress {
		return
	}
	if err := c.missions.Complete(ctx, rec.MissionID); err != nil && c.logger != nil {
		c.logger.Warn("mission auto-complete failed", logging.Error(err), logging.String("mission_id", rec.MissionID))
	}
}

func (c *Consumer) shouldWriteBattery(droneID string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastWritten[droneID]
	if ok && now.Sub(last) < batteryWriteThrottle {
		return false
	}
	c.lastWritten[droneID] = now
	return true
}
