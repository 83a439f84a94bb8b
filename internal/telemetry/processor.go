// Package telemetry implements C4: the per-sample processing pipeline that
// runs between the transport adapter and live state / the durable stream /
// the WebSocket fan-out. Samples for a given drone are processed strictly
// in arrival order; samples for different drones are processed in parallel
// across a fixed worker pool.
package telemetry

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"dronefleet/broker/internal/domain"
	"dronefleet/broker/internal/livestate"
	"dronefleet/broker/internal/logging"
	"dronefleet/broker/internal/stream"
)

const defaultStaleThreshold = 60 * time.Second

// AlertKind enumerates the critical-condition events C4 can raise while
// processing a record. C4 only reports them; acting on an AlertCriticalBatt
// hint (for example with an auto-RTH) is left to whoever handles OnAlert.
type AlertKind string

const (
	AlertLowBattery   AlertKind = "low_battery"
	AlertWeakSignal   AlertKind = "weak_signal"
	AlertCriticalBatt AlertKind = "critical_battery_rth_hint"
)

// Alert is passed to Options.OnAlert when a telemetry record crosses a
// critical-condition threshold. The processor does not publish it to any
// live-state channel itself.
type Alert struct {
	Kind    AlertKind
	DroneID string
	Value   float64
}

// StateStore is the subset of livestate.Store's surface C4 depends on,
// narrowed to an interface so tests can substitute an in-memory fake.
type StateStore interface {
	SetLatestTelemetry(ctx context.Context, missionID string, rec domain.TelemetryRecord) error
	SetMissionState(ctx context.Context, missionID string, fields map[string]any) error
	UpdateDroneLocation(ctx context.Context, droneID string, pos domain.Position, vel domain.Velocity) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Buffer is the subset of stream.Publisher's surface C4 depends on.
type Buffer interface {
	Append(rec stream.Record)
}

// Archive is the subset of the mission audit recorder C4 optionally feeds so
// every accepted telemetry sample lands in the durable replay archive.
type Archive interface {
	RecordTelemetry(rec domain.TelemetryRecord)
}

// Options configures a Processor.
type Options struct {
	Workers        int
	QueueDepth     int
	StaleThreshold time.Duration
	Now            func() time.Time
	OnAlert        func(Alert)
	Archive        Archive
}

// Processor is C4's public contract: Process(rec).
type Processor struct {
	store     StateStore
	publisher Buffer
	archive   Archive
	logger    *logging.Logger
	now       func() time.Time
	onAlert   func(Alert)

	staleThreshold time.Duration

	queues  []chan domain.TelemetryRecord
	workers int

	mu        sync.Mutex
	lastSeen  map[string]time.Time

	rejectedStale      atomic.Uint64
	rejectedOutOfOrder atomic.Uint64
	processed          atomic.Uint64

	wg sync.WaitGroup
}

// New constructs a Processor. Call Start to spin up the worker pool before
// calling Process.
func New(store StateStore, publisher Buffer, logger *logging.Logger, opts Options) *Processor {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queueDepth := opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 256
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = defaultStaleThreshold
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Processor{
		store:          store,
		publisher:      publisher,
		archive:        opts.Archive,
		logger:         logger,
		now:            now,
		onAlert:        opts.OnAlert,
		staleThreshold: staleThreshold,
		workers:        workers,
		lastSeen:       make(map[string]time.Time),
	}
	p.queues = make([]chan domain.TelemetryRecord, workers)
	for i := range p.queues {
		p.queues[i] = make(chan domain.TelemetryRecord, queueDepth)
	}
	return p
}

// Start launches the worker pool; workers stop when ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, p.queues[i])
	}
}

// Wait blocks until every worker has exited (ctx cancelled and queues drained).
func (p *Processor) Wait() { p.wg.Wait() }

// RejectedStale returns the count of samples dropped for exceeding the
// stale-sample threshold.
func (p *Processor) RejectedStale() uint64 { return p.rejectedStale.Load() }

// RejectedOutOfOrder returns the count of samples dropped for arriving
// behind an already-processed sample for the same drone.
func (p *Processor) RejectedOutOfOrder() uint64 { return p.rejectedOutOfOrder.Load() }

// Processed returns the count of samples fully processed.
func (p *Processor) Processed() uint64 { return p.processed.Load() }

// Process enqueues rec on the worker selected by hashing drone_id, so all
// samples for a drone are handled by the same worker in arrival order. The
// queue is bounded; on overflow the oldest unprocessed sample for that
// worker is dropped in favor of the newest (prefer-freshness back-pressure).
func (p *Processor) Process(rec domain.TelemetryRecord) {
	if p == nil || len(p.queues) == 0 {
		return
	}
	idx := workerIndex(rec.DroneID, len(p.queues))
	queue := p.queues[idx]
	select {
	case queue <- rec:
		return
	default:
	}
	//1.- Queue full: drop the oldest pending sample, then enqueue the fresh one.
	select {
	case <-queue:
	default:
	}
	select {
	case queue <- rec:
	default:
	}
}

func workerIndex(droneID string, workers int) int {
	if workers <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(droneID))
	return int(h.Sum32() % uint32(workers))
}

func (p *Processor) worker(ctx context.Context, queue <-chan domain.TelemetryRecord) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			//1.- Drain what is already queued before exiting, so samples
			//    accepted before shutdown are still written and buffered.
			for {
				select {
				case rec, ok := <-queue:
					if !ok {
						return
					}
					p.processOne(context.Background(), rec)
				default:
					return
				}
			}
		case rec, ok := <-queue:
			if !ok {
				return
			}
			p.processOne(ctx, rec)
		}
	}
}

func (p *Processor) processOne(ctx context.Context, rec domain.TelemetryRecord) {
	receivedAt := p.now()

	//1.- Reject stale samples before touching any shared state.
	if receivedAt.Sub(rec.SentAt) > p.staleThreshold {
		p.rejectedStale.Add(1)
		return
	}

	//2.- Reject samples superseded by a newer one already processed for this drone.
	p.mu.Lock()
	last, seen := p.lastSeen[rec.DroneID]
	if seen && !rec.SentAt.After(last) {
		p.mu.Unlock()
		p.rejectedOutOfOrder.Add(1)
		return
	}
	p.lastSeen[rec.DroneID] = rec.SentAt
	p.mu.Unlock()

	latency := receivedAt.Sub(rec.SentAt)
	if latency < 0 {
		latency = 0
	}

	if p.store != nil && rec.MissionID != "" {
		//3.- Write to live state, one call per key (not pipelined). Failures are logged and otherwise
		//    ignored: telemetry is advisory and re-converges within one period.
		if err := p.store.SetLatestTelemetry(ctx, rec.MissionID, rec); err != nil && p.logger != nil {
			p.logger.Warn("live state latest write failed", logging.Error(err))
		}
		fields := map[string]any{
			"status":      rec.DroneStatus,
			"progress":    rec.ProgressPct,
			"battery":     rec.BatteryPct,
			"last_update": receivedAt.UTC().Format(time.RFC3339),
		}
		if err := p.store.SetMissionState(ctx, rec.MissionID, fields); err != nil && p.logger != nil {
			p.logger.Warn("live state merge write failed", logging.Error(err))
		}
	}
	if p.store != nil {
		if err := p.store.UpdateDroneLocation(ctx, rec.DroneID, rec.Position, rec.Velocity); err != nil && p.logger != nil {
			p.logger.Warn("live state location write failed", logging.Error(err))
		}
	}

	//4.- Publish the record for WS fan-out (C9), if the mission is known.
	if p.store != nil && rec.MissionID != "" {
		if payload, err := marshalRecord(rec); err == nil {
			if err := p.store.Publish(ctx, livestate.MissionTelemetryChannel(rec.MissionID), payload); err != nil && p.logger != nil {
				p.logger.Warn("live state publish failed", logging.Error(err))
			}
		}
	}

	//5.- Buffer for the durable stream (C2).
	if p.publisher != nil {
		if payload, err := marshalRecord(rec); err == nil {
			p.publisher.Append(stream.Record{Topic: stream.TopicTelemetry, Key: rec.DroneID, Value: payload})
		}
	}

	//6.- Feed the mission audit archive (C6/C7's replay recorder), if configured.
	if p.archive != nil {
		p.archive.RecordTelemetry(rec)
	}

	//7.- Critical-condition checks.
	p.checkCriticalConditions(rec)

	p.processed.Add(1)
}

func (p *Processor) checkCriticalConditions(rec domain.TelemetryRecord) {
	if p.onAlert == nil {
		return
	}
	if rec.BatteryPct < 5 {
		p.onAlert(Alert{Kind: AlertCriticalBatt, DroneID: rec.DroneID, Value: rec.BatteryPct})
	} else if rec.BatteryPct < 15 {
		p.onAlert(Alert{Kind: AlertLowBattery, DroneID: rec.DroneID, Value: rec.BatteryPct})
	}
	if rec.Signal < 20 {
		p.onAlert(Alert{Kind: AlertWeakSignal, DroneID: rec.DroneID, Value: rec.Signal})
	}
}

func marshalRecord(rec domain.TelemetryRecord) ([]byte, error) {
	return json.Marshal(rec)
}
