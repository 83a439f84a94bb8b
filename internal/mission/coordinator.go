// Package mission implements C7: mission lifecycle management. It verifies
// drone availability and the one-active-mission-per-drone invariant via the
// fleet registry, persists mission records, keeps live state in sync, and
// publishes lifecycle events to the durable events topic.
package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dronefleet/broker/internal/apierror"
	"dronefleet/broker/internal/domain"
	"dronefleet/broker/internal/fleet"
	"dronefleet/broker/internal/logging"
	"dronefleet/broker/internal/stream"
)

// PlanGenerator invokes the external flight-plan waypoint generator. Its
// implementation lives outside this component's scope; the coordinator only
// calls it at mission-create time.
type PlanGenerator interface {
	Plan(ctx context.Context, surveyArea []domain.Position, pattern string) (waypoints []domain.Position, durationS int64, distanceM float64, err error)
}

// Repository is the durable mission store. A concrete implementation is out
// of scope for this component; the coordinator depends only on this interface.
type Repository interface {
	Get(ctx context.Context, missionID string) (domain.Mission, error)
	Save(ctx context.Context, m domain.Mission) error
}

// DroneLookup resolves and mutates drone availability.
type DroneLookup interface {
	Get(ctx context.Context, droneID string) (domain.Drone, error)
	SetStatus(ctx context.Context, droneID string, status domain.DroneStatus) error
}

// LiveState is the subset of C3 the coordinator keeps in sync with mission status.
type LiveState interface {
	SetMissionState(ctx context.Context, missionID string, fields map[string]any) error
}

// EventStream is the subset of C2's surface used to publish mission events.
type EventStream interface {
	Append(rec stream.Record)
}

// Archive is the subset of the mission audit recorder C7 optionally feeds so
// every lifecycle event lands in the durable replay archive alongside C6's
// dispatched commands.
type Archive interface {
	RecordEvent(rec domain.MissionEvent)
}

// CreateInput carries the parameters required to create a new mission.
type CreateInput struct {
	OrgID            string
	SiteID           string
	DroneID          string
	Name             string
	Pattern          string
	SurveyArea       []domain.Position
	PlannedSpeedMps  float64
	PlannedAltitudeM float64
	CreatedBy        string
}

// Coordinator is C7's public contract.
type Coordinator struct {
	repo     Repository
	drones   DroneLookup
	registry *fleet.Registry
	planner  PlanGenerator
	live     LiveState
	events   EventStream
	archive  Archive
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string

	mu sync.Mutex
}

// Option configures optional Coordinator behaviour.
type Option func(*Coordinator)

// WithArchive feeds every published mission event into the durable audit
// archive in addition to the events stream.
func WithArchive(archive Archive) Option {
	return func(c *Coordinator) { c.archive = archive }
}

// New constructs a Coordinator.
func New(repo Repository, drones DroneLookup, registry *fleet.Registry, planner PlanGenerator, live LiveState, events EventStream, logger *logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:     repo,
		drones:   drones,
		registry: registry,
		planner:  planner,
		live:     live,
		events:   events,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create verifies drone availability, generates the flight plan, persists
// the mission, initializes live state, and publishes a MissionCreated event.
func (c *Coordinator) Create(ctx context.Context, input CreateInput) (domain.Mission, error) {
	drone, err := c.drones.Get(ctx, input.DroneID)
	if err != nil {
		return domain.Mission{}, apierror.NotFound(fmt.Sprintf("drone %q not found", input.DroneID))
	}
	if drone.Status != domain.DroneAvailable {
		return domain.Mission{}, apierror.Conflict(fmt.Sprintf("drone %q is not AVAILABLE", input.DroneID))
	}

	missionID := c.newID()

	//1.- Claim the drone in the registry before any durable write so a
	//    concurrent Create for the same drone fails fast.
	if _, err := c.registry.Assign(input.DroneID, missionID); err != nil {
		return domain.Mission{}, apierror.Conflict(err.Error())
	}

	waypoints, durationS, distanceM, err := c.planner.Plan(ctx, input.SurveyArea, input.Pattern)
	if err != nil {
		c.registry.Release(input.DroneID)
		return domain.Mission{}, apierror.Internal(fmt.Errorf("flight plan generation failed: %w", err))
	}

	m := domain.Mission{
		ID:                 missionID,
		OrgID:              input.OrgID,
		SiteID:             input.SiteID,
		DroneID:            input.DroneID,
		Name:               input.Name,
		FlightPattern:      input.Pattern,
		SurveyArea:         input.SurveyArea,
		Waypoints:          waypoints,
		EstimatedDurationS: durationS,
		EstimatedDistanceM: distanceM,
		PlannedSpeedMps:    input.PlannedSpeedMps,
		PlannedAltitudeM:   input.PlannedAltitudeM,
		Status:             domain.MissionPlanned,
		CreatedBy:          input.CreatedBy,
		CreatedAt:          c.now(),
	}
	if err := c.repo.Save(ctx, m); err != nil {
		c.registry.Release(input.DroneID)
		return domain.Mission{}, apierror.Internal(fmt.Errorf("persist mission: %w", err))
	}

	if c.live != nil {
		_ = c.live.SetMissionState(ctx, m.ID, map[string]any{"status": string(m.Status), "progress": 0})
	}
	c.publishEvent(ctx, m.ID, m.DroneID, "MissionCreated", m)

	return m, nil
}

// ApplyTransition maps action to the mission's next status, persists the
// change, updates live state and drone status, and publishes the
// corresponding event.
func (c *Coordinator) ApplyTransition(ctx context.Context, missionID string, action domain.CommandAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.repo.Get(ctx, missionID)
	if err != nil {
		return apierror.NotFound(fmt.Sprintf("mission %q not found", missionID))
	}
	next, ok := domain.NextStatus(m.Status, action)
	if !ok {
		return apierror.Validation(fmt.Sprintf("action %s is not legal from status %s", action, m.Status))
	}

	now := c.now()
	if m.Status == domain.MissionPlanned && next == domain.MissionInProgress {
		m.ActualStart = &now
	}
	m.Status = next
	eventType := transitionEventType(action, next)

	if next.Terminal() {
		m.ActualEnd = &now
		c.registry.Release(m.DroneID)
		if c.drones != nil {
			if err := c.drones.SetStatus(ctx, m.DroneID, domain.DroneAvailable); err != nil && c.logger != nil {
				c.logger.Warn("failed to return drone to AVAILABLE", logging.Error(err), logging.String("drone_id", m.DroneID))
			}
		}
	} else if next == domain.MissionInProgress && c.drones != nil {
		if err := c.drones.SetStatus(ctx, m.DroneID, domain.DroneInMission); err != nil && c.logger != nil {
			c.logger.Warn("failed to mark drone IN_MISSION", logging.Error(err), logging.String("drone_id", m.DroneID))
		}
	}

	if err := c.repo.Save(ctx, m); err != nil {
		return apierror.Internal(fmt.Errorf("persist mission transition: %w", err))
	}
	if c.live != nil {
		fields := map[string]any{"status": string(m.Status)}
		_ = c.live.SetMissionState(ctx, m.ID, fields)
	}
	c.publishEvent(ctx, m.ID, m.DroneID, eventType, m)
	return nil
}

// Complete is the idempotent entry point C5 calls when a telemetry sample
// reports progress_pct >= 100. A mission already in a terminal state is a
// no-op: no second event is emitted.
func (c *Coordinator) Complete(ctx context.Context, missionID string) error {
	c.mu.Lock()
	m, err := c.repo.Get(ctx, missionID)
	c.mu.Unlock()
	if err != nil {
		return apierror.NotFound(fmt.Sprintf("mission %q not found", missionID))
	}
	if m.Status.Terminal() {
		return nil
	}
	if m.Status != domain.MissionInProgress {
		return apierror.Validation(fmt.Sprintf("cannot complete mission in status %s", m.Status))
	}
	return c.applyCompletion(ctx, missionID)
}

func (c *Coordinator) applyCompletion(ctx context.Context, missionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.repo.Get(ctx, missionID)
	if err != nil {
		return apierror.NotFound(fmt.Sprintf("mission %q not found", missionID))
	}
	if m.Status.Terminal() {
		//1.- Re-check under lock: a concurrent caller may have completed it already.
		return nil
	}
	now := c.now()
	m.Status = domain.MissionCompleted
	m.ActualEnd = &now
	c.registry.Release(m.DroneID)
	if c.drones != nil {
		if err := c.drones.SetStatus(ctx, m.DroneID, domain.DroneAvailable); err != nil && c.logger != nil {
			c.logger.Warn("failed to return drone to AVAILABLE on completion", logging.Error(err))
		}
	}
	if err := c.repo.Save(ctx, m); err != nil {
		return apierror.Internal(fmt.Errorf("persist mission completion: %w", err))
	}
	if c.live != nil {
		_ = c.live.SetMissionState(ctx, m.ID, map[string]any{"status": string(m.Status), "progress": 100})
	}
	c.publishEvent(ctx, m.ID, m.DroneID, "MissionCompleted", m)
	return nil
}

// Status returns a mission's current status and assigned drone, used by the
// dispatcher to validate a requested transition before it attempts dispatch.
func (c *Coordinator) Status(ctx context.Context, missionID string) (domain.MissionStatus, string, error) {
	m, err := c.repo.Get(ctx, missionID)
	if err != nil {
		return "", "", apierror.NotFound(fmt.Sprintf("mission %q not found", missionID))
	}
	return m.Status, m.DroneID, nil
}

func (c *Coordinator) publishEvent(_ context.Context, missionID, droneID, eventType string, payload any) {
	event := domain.MissionEvent{
		EventID:   c.newID(),
		MissionID: missionID,
		DroneID:   droneID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: c.now(),
	}
	if c.archive != nil {
		c.archive.RecordEvent(event)
	}
	if c.events == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("failed to marshal mission event", logging.Error(err))
		}
		return
	}
	c.events.Append(stream.Record{Topic: stream.TopicEvents, Key: missionID, Value: raw})
}

func transitionEventType(action domain.CommandAction, next domain.MissionStatus) string {
	switch {
	case action == domain.ActionStart:
		return "MissionStarted"
	case action == domain.ActionPause:
		return "MissionPaused"
	case action == domain.ActionResume:
		return "MissionResumed"
	case next == domain.MissionAborted:
		return "MissionAborted"
	default:
		return "MissionTransitioned"
	}
}
