// Package dispatch implements C6: validates a mission-state transition,
// publishes the command over the transport, and awaits the drone's
// acknowledgment within a bounded deadline, mutating mission state only on
// a successful ack. The ack wait is notification-based: C1's ack handler
// signals a per-command_id waiter directly instead of polling live state.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dronefleet/broker/internal/apierror"
	"dronefleet/broker/internal/domain"
	"dronefleet/broker/internal/logging"
	"dronefleet/broker/internal/stream"
)

const (
	defaultAckDeadline = 30 * time.Second
	inFlightTTL        = 30 * time.Second
)

// Transport is the subset of the C1 adapter the dispatcher depends on.
type Transport interface {
	SendCommand(ctx context.Context, cmd domain.CommandRecord) error
}

// StreamAudit is the subset of C2's surface used to record dispatched
// commands for audit, published asynchronously so it never blocks the ack wait.
type StreamAudit interface {
	Append(rec stream.Record)
}

// PendingStore is the subset of C3's surface the dispatcher uses to make the
// in_flight guard and the pending-command/ack bookkeeping safe across
// horizontally replicated dispatcher instances, instead of relying solely on
// process-local state.
type PendingStore interface {
	AcquireInFlight(ctx context.Context, missionID string, ttl time.Duration) (bool, error)
	ReleaseInFlight(ctx context.Context, missionID string) error
	SetPending(ctx context.Context, cmd domain.CommandRecord) error
	DeletePending(ctx context.Context, commandID string) error
	SetAck(ctx context.Context, ack domain.AckRecord) error
}

// Archive is the subset of the mission audit recorder C6 optionally feeds so
// every dispatched command lands in the durable replay archive.
type Archive interface {
	RecordCommand(rec domain.CommandRecord)
}

// MissionStore resolves a mission's current status and applies a successful
// transition. It is implemented by the mission Coordinator (C7).
type MissionStore interface {
	Status(ctx context.Context, missionID string) (domain.MissionStatus, string, error) // status, droneID
	ApplyTransition(ctx context.Context, missionID string, action domain.CommandAction) error
}

// Dispatcher is C6's public contract: Send(mission_id, action, issued_by).
type Dispatcher struct {
	transport Transport
	missions  MissionStore
	audit     StreamAudit
	pending   PendingStore
	archive   Archive
	logger    *logging.Logger
	ackWait   time.Duration
	now       func() time.Time
	newID     func() string

	lateAcks atomic.Uint64

	mu       sync.Mutex
	inFlight map[string]time.Time             // mission_id -> expiry; used only when Pending is unset
	waiters  map[string]chan domain.AckRecord // command_id -> waiter
}

// Options configures optional Dispatcher behaviour.
type Options struct {
	AckWait time.Duration
	Now     func() time.Time
	NewID   func() string

	// Pending backs the in_flight guard and pending-command/ack bookkeeping
	// with Redis, giving cross-process mutual exclusion. When nil the
	// dispatcher falls back to a process-local guard (single-replica only).
	Pending PendingStore
	// Archive feeds dispatched commands into the mission audit recorder.
	Archive Archive
}

// New constructs a Dispatcher.
func New(transport Transport, missions MissionStore, audit StreamAudit, logger *logging.Logger, opts Options) *Dispatcher {
	ackWait := opts.AckWait
	if ackWait <= 0 {
		ackWait = defaultAckDeadline
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Dispatcher{
		transport: transport,
		missions:  missions,
		audit:     audit,
		pending:   opts.Pending,
		archive:   opts.Archive,
		logger:    logger,
		ackWait:   ackWait,
		now:       now,
		newID:     newID,
		inFlight:  make(map[string]time.Time),
		waiters:   make(map[string]chan domain.AckRecord),
	}
}

// LateAcks returns the count of acks that arrived after the dispatcher's
// wait for that command had already concluded (timeout, cancellation, or a
// prior ack already resolved the waiter).
func (d *Dispatcher) LateAcks() uint64 {
	if d == nil {
		return 0
	}
	return d.lateAcks.Load()
}

// HandleAck is wired to C1's ack sink. It signals any waiter blocked on the
// command's id. An ack with no registered waiter is late — the dispatcher
// already timed out or was cancelled — and is recorded for diagnostics
// rather than silently dropped.
func (d *Dispatcher) HandleAck(ack domain.AckRecord) {
	d.mu.Lock()
	waiter, ok := d.waiters[ack.CommandID]
	if ok {
		delete(d.waiters, ack.CommandID)
	}
	d.mu.Unlock()

	if d.pending != nil {
		if err := d.pending.SetAck(context.Background(), ack); err != nil && d.logger != nil {
			d.logger.Warn("failed to persist ack", logging.Error(err), logging.String("command_id", ack.CommandID))
		}
		if err := d.pending.DeletePending(context.Background(), ack.CommandID); err != nil && d.logger != nil {
			d.logger.Warn("failed to clear pending command", logging.Error(err), logging.String("command_id", ack.CommandID))
		}
	}

	if ok {
		select {
		case waiter <- ack:
		default:
		}
		return
	}
	d.lateAcks.Add(1)
	if d.logger != nil {
		d.logger.Warn("received ack with no registered waiter", logging.String("command_id", ack.CommandID))
	}
}

// Send validates the requested transition, dispatches the command, and
// waits for the drone's acknowledgment, mutating mission state only on a
// successful ack.
func (d *Dispatcher) Send(ctx context.Context, missionID string, action domain.CommandAction, issuedBy string) error {
	if d == nil {
		return apierror.Internal(fmt.Errorf("dispatcher is nil"))
	}

	//1.- Validate the transition against current status before taking locks
	//    or talking to the transport.
	status, droneID, err := d.missions.Status(ctx, missionID)
	if err != nil {
		return err
	}
	if _, ok := domain.NextStatus(status, action); !ok {
		return apierror.Validation(fmt.Sprintf("action %s is not legal from status %s", action, status))
	}

	//2.- Hold the in_flight guard so a second concurrent caller fails fast
	//    instead of racing the drone for a command that will be rejected anyway.
	//    When a Redis-backed PendingStore is configured the guard is a
	//    SETNX-with-TTL key, giving mutual exclusion across horizontally
	//    replicated dispatcher instances; otherwise it falls back to a
	//    process-local map for single-replica deployments.
	release, err := d.acquireInFlight(ctx, missionID)
	if err != nil {
		return apierror.Internal(fmt.Errorf("acquire in_flight guard: %w", err))
	}
	if !release {
		return apierror.Conflict("AlreadyDispatching")
	}
	defer d.releaseInFlight(missionID)

	now := d.now()
	cmd := domain.CommandRecord{
		CommandID: d.newID(),
		MissionID: missionID,
		DroneID:   droneID,
		Action:    action,
		IssuedAt:  now,
		IssuedBy:  issuedBy,
	}

	//3.- Register the waiter before sending so an ack that races the send
	//    cannot be missed.
	waiter := make(chan domain.AckRecord, 1)
	d.mu.Lock()
	d.waiters[cmd.CommandID] = waiter
	d.mu.Unlock()
	cleanup := func() {
		d.mu.Lock()
		delete(d.waiters, cmd.CommandID)
		d.mu.Unlock()
	}

	if d.pending != nil {
		if err := d.pending.SetPending(ctx, cmd); err != nil && d.logger != nil {
			d.logger.Warn("failed to persist pending command", logging.Error(err), logging.String("command_id", cmd.CommandID))
		}
	}

	if err := d.transport.SendCommand(ctx, cmd); err != nil {
		cleanup()
		if d.pending != nil {
			_ = d.pending.DeletePending(context.Background(), cmd.CommandID)
		}
		return apierror.Transport(err)
	}

	//4.- Audit the dispatch asynchronously; never let it block the ack wait.
	if d.audit != nil {
		if payload, merr := marshalCommand(cmd); merr == nil {
			d.audit.Append(stream.Record{Topic: stream.TopicCommands, Key: cmd.DroneID, Value: payload})
		}
	}
	if d.archive != nil {
		d.archive.RecordCommand(cmd)
	}

	//5.- Wait for ack via notification, not polling; bounded by ackWait and ctx.
	timer := time.NewTimer(d.ackWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		cleanup()
		return apierror.Cancelled()
	case <-timer.C:
		cleanup()
		return apierror.Timeout(fmt.Sprintf("no ack for command %s within %s", cmd.CommandID, d.ackWait))
	case ack := <-waiter:
		switch ack.Status {
		case domain.AckAccepted:
			if err := d.missions.ApplyTransition(ctx, missionID, action); err != nil {
				return apierror.Internal(err)
			}
			return nil
		default:
			return apierror.Rejected(ack.Reason)
		}
	}
}

// acquireInFlight returns (true, nil) when the caller may proceed, and
// (false, nil) when another dispatch already holds the guard.
func (d *Dispatcher) acquireInFlight(ctx context.Context, missionID string) (bool, error) {
	if d.pending != nil {
		return d.pending.AcquireInFlight(ctx, missionID, inFlightTTL)
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if expiry, busy := d.inFlight[missionID]; busy && expiry.After(now) {
		return false, nil
	}
	d.inFlight[missionID] = now.Add(inFlightTTL)
	return true, nil
}

func (d *Dispatcher) releaseInFlight(missionID string) {
	if d.pending != nil {
		if err := d.pending.ReleaseInFlight(context.Background(), missionID); err != nil && d.logger != nil {
			d.logger.Warn("failed to release in_flight guard", logging.Error(err), logging.String("mission_id", missionID))
		}
		return
	}
	d.mu.Lock()
	delete(d.inFlight, missionID)
	d.mu.Unlock()
}

func marshalCommand(cmd domain.CommandRecord) ([]byte, error) {
	return json.Marshal(cmd)
}
