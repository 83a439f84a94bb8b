// Package analytics implements C8: a single-ticker task that derives
// per-drone efficiency/coverage/alert metrics and a per-org fleet aggregate
// from the telemetry the live ingress path is already seeing, then
// broadcasts the result for C9 to fan out to dashboards.
package analytics

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"sync"
	"time"

	"dronefleet/broker/internal/domain"
	"dronefleet/broker/internal/livestate"
	"dronefleet/broker/internal/logging"
)

const (
	defaultInterval       = 5 * time.Second
	defaultStaleAfter     = 5 * time.Minute
	defaultPerDroneBudget = 100 * time.Millisecond
	waypointRadiusMeters  = 10
	earthRadiusMeters     = 6371000.0
)

// AlertSeverity classifies the urgency of a derived alert.
type AlertSeverity string

const (
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is a threshold-derived condition attached to a drone's metrics.
type Alert struct {
	Kind     string        `json:"kind"`
	Severity AlertSeverity `json:"severity"`
}

// DroneMetrics is the per-drone output of one analytics tick.
type DroneMetrics struct {
	DroneID     string    `json:"drone_id"`
	MissionID   string    `json:"mission_id,omitempty"`
	Efficiency  float64   `json:"efficiency"`
	CoveragePct float64   `json:"coverage_pct"`
	Alerts      []Alert   `json:"alerts"`
	ComputedAt  time.Time `json:"computed_at"`
}

// MissionProgress is the per-mission progress view broadcast alongside metrics.
type MissionProgress struct {
	MissionID   string    `json:"mission_id"`
	DroneID     string    `json:"drone_id"`
	ProgressPct float64   `json:"progress_pct"`
	CoveragePct float64   `json:"coverage_pct"`
	ComputedAt  time.Time `json:"computed_at"`
}

// FleetStatus is the per-org aggregate computed once per tick.
type FleetStatus struct {
	OrgID          string         `json:"org_id"`
	CountByStatus  map[string]int `json:"count_by_status"`
	MeanBatteryPct float64        `json:"mean_battery_pct"`
	ActiveAlerts   int            `json:"active_alerts"`
	ComputedAt     time.Time      `json:"computed_at"`
}

// MissionLookup resolves the mission a drone's samples are being measured
// against (planned speed/altitude/waypoints).
type MissionLookup interface {
	Get(ctx context.Context, missionID string) (domain.Mission, error)
}

// Source is C3's subscribe surface. When provided, Start uses it to observe
// telemetry directly off the live-state pub/sub bus instead of requiring a
// caller to push samples in via Ingest.
type Source interface {
	Subscribe(ctx context.Context, channelPattern string, handler func(channel string, payload []byte)) (io.Closer, error)
}

// Broadcaster is C3's publish surface; C9 subscribes to these channels and
// fans the payload out to subscribed dashboard rooms.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Persister durably records derived metrics. Writes are throttled to at most
// one per drone per tick by construction: the tick loop calls it once per
// drone per sweep.
type Persister interface {
	PersistDroneMetrics(ctx context.Context, metrics DroneMetrics) error
}

const (
	ChannelDroneMetrics    = "drone_metrics"
	ChannelMissionProgress = "mission_progress"
	ChannelFleetStatus     = "fleet_status"
)

type droneState struct {
	orgID            string
	missionID        string
	mission          domain.Mission
	last             domain.TelemetryRecord
	lastSeen         time.Time
	visitedWaypoints map[int]struct{}
}

// Options configures tick cadence and retention; zero values fall back to
// the spec's fixed defaults.
type Options struct {
	Interval       time.Duration
	StaleAfter     time.Duration
	PerDroneBudget time.Duration
	Now            func() time.Time
}

// Analytics is C8's public contract: a ticker task fed by telemetry as it
// arrives and consumed by nothing but its own Start/Stop lifecycle.
type Analytics struct {
	source      Source
	missions    MissionLookup
	broadcaster Broadcaster
	persister   Persister
	logger      *logging.Logger

	interval       time.Duration
	staleAfter     time.Duration
	perDroneBudget time.Duration
	now            func() time.Time

	mu     sync.Mutex
	drones map[string]*droneState

	cancel  context.CancelFunc
	running bool
	done    chan struct{}
	sub     io.Closer
}

// New constructs an Analytics tick task. source may be nil, in which case
// the caller is expected to push samples in via Ingest directly.
func New(source Source, missions MissionLookup, broadcaster Broadcaster, persister Persister, logger *logging.Logger, opts Options) *Analytics {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = defaultStaleAfter
	}
	budget := opts.PerDroneBudget
	if budget <= 0 {
		budget = defaultPerDroneBudget
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Analytics{
		source:         source,
		missions:       missions,
		broadcaster:    broadcaster,
		persister:      persister,
		logger:         logger,
		interval:       interval,
		staleAfter:     stale,
		perDroneBudget: budget,
		now:            now,
		drones:         make(map[string]*droneState),
	}
}

// Ingest records a drone's latest telemetry sample for the next tick to
// derive metrics from. It is safe to call from any C4 worker goroutine.
func (a *Analytics) Ingest(ctx context.Context, rec domain.TelemetryRecord, orgID string) {
	a.mu.Lock()
	st, ok := a.drones[rec.DroneID]
	if !ok {
		st = &droneState{visitedWaypoints: make(map[int]struct{})}
		a.drones[rec.DroneID] = st
	}
	missionChanged := st.missionID != rec.MissionID
	if missionChanged {
		st.missionID = rec.MissionID
		st.mission = domain.Mission{}
		st.visitedWaypoints = make(map[int]struct{})
	}
	st.orgID = orgID
	st.last = rec
	st.lastSeen = a.now()
	needMission := rec.MissionID != "" && st.mission.ID == ""
	a.mu.Unlock()

	var mission domain.Mission
	haveMission := false
	if needMission && a.missions != nil {
		if m, err := a.missions.Get(ctx, rec.MissionID); err == nil {
			mission = m
			haveMission = true
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok = a.drones[rec.DroneID]
	if !ok || st.missionID != rec.MissionID {
		return
	}
	if haveMission {
		st.mission = mission
	}
	if st.mission.ID != "" {
		markVisitedWaypoints(st, rec.Position)
	}
}

// Start begins the 5s tick loop until ctx is cancelled or Stop is called.
func (a *Analytics) Start(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(a.interval)
	derived, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.running = true
	if a.source != nil {
		if sub, err := a.source.Subscribe(derived, livestate.MissionTelemetryPattern, a.handleLiveStateMessage); err != nil {
			if a.logger != nil {
				a.logger.Warn("analytics failed to subscribe to live state telemetry", logging.Error(err))
			}
		} else {
			a.sub = sub
		}
	}
	a.mu.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-derived.Done():
				return
			case <-ticker.C:
				a.tick(derived)
			}
		}
	}()
}

// Stop cancels the tick loop and waits for the worker to exit.
func (a *Analytics) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	sub := a.sub
	a.cancel = nil
	a.done = nil
	a.sub = nil
	a.running = false
	a.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// handleLiveStateMessage decodes a live-state telemetry publication and
// ingests it the same way a direct Ingest call would.
func (a *Analytics) handleLiveStateMessage(channel string, payload []byte) {
	missionID, ok := livestate.MissionIDFromTelemetryChannel(channel)
	if !ok {
		return
	}
	var rec domain.TelemetryRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return
	}
	rec.MissionID = missionID

	orgID := ""
	if a.missions != nil {
		if m, err := a.missions.Get(context.Background(), missionID); err == nil {
			orgID = m.OrgID
		}
	}
	a.Ingest(context.Background(), rec, orgID)
}

// Tick runs one analytics sweep synchronously; exported so tests and a
// manually-driven runtime can trigger a sweep without waiting on the ticker.
func (a *Analytics) Tick(ctx context.Context) {
	a.tick(ctx)
}

func (a *Analytics) tick(ctx context.Context) {
	now := a.now()

	a.mu.Lock()
	for id, st := range a.drones {
		if now.Sub(st.lastSeen) > a.staleAfter {
			delete(a.drones, id)
		}
	}
	snapshot := make([]*droneState, 0, len(a.drones))
	for _, st := range a.drones {
		snapshot = append(snapshot, st)
	}
	a.mu.Unlock()

	fleets := make(map[string]*fleetAccumulator)
	for _, st := range snapshot {
		dctx, cancel := context.WithTimeout(ctx, a.perDroneBudget)
		metrics := a.deriveMetrics(st, now)
		expired := dctx.Err() != nil
		cancel()
		if expired {
			if a.logger != nil {
				a.logger.Debug("analytics tick abandoned drone computation", logging.String("drone_id", st.last.DroneID))
			}
			continue
		}

		a.broadcast(ctx, ChannelDroneMetrics, metrics)
		a.broadcast(ctx, ChannelMissionProgress, MissionProgress{
			MissionID:   st.missionID,
			DroneID:     st.last.DroneID,
			ProgressPct: st.last.ProgressPct,
			CoveragePct: metrics.CoveragePct,
			ComputedAt:  now,
		})
		if a.persister != nil {
			if err := a.persister.PersistDroneMetrics(ctx, metrics); err != nil && a.logger != nil {
				a.logger.Warn("failed to persist drone metrics", logging.Error(err), logging.String("drone_id", st.last.DroneID))
			}
		}

		acc := fleets[st.orgID]
		if acc == nil {
			acc = newFleetAccumulator()
			fleets[st.orgID] = acc
		}
		acc.add(st, metrics)
	}

	for orgID, acc := range fleets {
		a.broadcast(ctx, ChannelFleetStatus, acc.finalize(orgID, now))
	}
}

func (a *Analytics) deriveMetrics(st *droneState, now time.Time) DroneMetrics {
	speedScore := conformance(st.last.Velocity.SpeedMps, st.mission.PlannedSpeedMps)
	altitudeScore := conformance(st.last.Position.AltM, st.mission.PlannedAltitudeM)
	batteryScore := clamp(st.last.BatteryPct, 0, 100)
	efficiency := 0.4*speedScore + 0.3*altitudeScore + 0.3*batteryScore

	coverage := 0.0
	if n := len(st.mission.Waypoints); n > 0 {
		coverage = 100 * float64(len(st.visitedWaypoints)) / float64(n)
	}

	return DroneMetrics{
		DroneID:     st.last.DroneID,
		MissionID:   st.missionID,
		Efficiency:  efficiency,
		CoveragePct: coverage,
		Alerts:      deriveAlerts(st.last),
		ComputedAt:  now,
	}
}

func (a *Analytics) broadcast(ctx context.Context, channel string, payload any) {
	if a.broadcaster == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		if a.logger != nil {
			a.logger.Error("failed to marshal analytics payload", logging.Error(err), logging.String("channel", channel))
		}
		return
	}
	if err := a.broadcaster.Publish(ctx, channel, raw); err != nil && a.logger != nil {
		a.logger.Warn("failed to broadcast analytics payload", logging.Error(err), logging.String("channel", channel))
	}
}

func deriveAlerts(rec domain.TelemetryRecord) []Alert {
	var alerts []Alert
	switch {
	case rec.BatteryPct < 10:
		alerts = append(alerts, Alert{Kind: "BatteryCritical", Severity: SeverityCritical})
	case rec.BatteryPct < 20:
		alerts = append(alerts, Alert{Kind: "BatteryLow", Severity: SeverityHigh})
	}
	if rec.Position.AltM > 150 {
		alerts = append(alerts, Alert{Kind: "AltitudeExceeded", Severity: SeverityMedium})
	}
	if rec.Velocity.SpeedMps > 20 {
		alerts = append(alerts, Alert{Kind: "SpeedExceeded", Severity: SeverityMedium})
	}
	if rec.Signal < -80 {
		alerts = append(alerts, Alert{Kind: "SignalWeak", Severity: SeverityHigh})
	}
	return alerts
}

func conformance(actual, planned float64) float64 {
	if planned <= 0 {
		return 100
	}
	diff := math.Abs(actual-planned) / planned
	score := 100 * (1 - diff)
	return clamp(score, 0, 100)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func markVisitedWaypoints(st *droneState, pos domain.Position) {
	for idx, wp := range st.mission.Waypoints {
		if _, done := st.visitedWaypoints[idx]; done {
			continue
		}
		if haversineMeters(wp, pos) <= waypointRadiusMeters {
			st.visitedWaypoints[idx] = struct{}{}
		}
	}
}

func haversineMeters(a, b domain.Position) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

type fleetAccumulator struct {
	countByStatus map[string]int
	batterySum    float64
	batteryCount  int
	activeAlerts  int
}

func newFleetAccumulator() *fleetAccumulator {
	return &fleetAccumulator{countByStatus: make(map[string]int)}
}

func (f *fleetAccumulator) add(st *droneState, metrics DroneMetrics) {
	status := st.last.DroneStatus
	if status == "" {
		status = "UNKNOWN"
	}
	f.countByStatus[status]++
	f.batterySum += st.last.BatteryPct
	f.batteryCount++
	f.activeAlerts += len(metrics.Alerts)
}

func (f *fleetAccumulator) finalize(orgID string, now time.Time) FleetStatus {
	mean := 0.0
	if f.batteryCount > 0 {
		mean = f.batterySum / float64(f.batteryCount)
	}
	return FleetStatus{
		OrgID:          orgID,
		CountByStatus:  f.countByStatus,
		MeanBatteryPct: mean,
		ActiveAlerts:   f.activeAlerts,
		ComputedAt:     now,
	}
}
