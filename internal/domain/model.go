// Package domain defines the shared record types and the mission state
// machine that every other package in this module operates on.
package domain

import "time"

// MissionStatus enumerates the lifecycle states of a Mission.
type MissionStatus string

const (
	MissionPlanned    MissionStatus = "PLANNED"
	MissionInProgress MissionStatus = "IN_PROGRESS"
	MissionPaused     MissionStatus = "PAUSED"
	MissionCompleted  MissionStatus = "COMPLETED"
	MissionAborted    MissionStatus = "ABORTED"
	MissionFailed     MissionStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s MissionStatus) Terminal() bool {
	switch s {
	case MissionCompleted, MissionAborted, MissionFailed:
		return true
	default:
		return false
	}
}

// DroneStatus enumerates the operational state of a registered drone.
type DroneStatus string

const (
	DroneAvailable   DroneStatus = "AVAILABLE"
	DroneInMission   DroneStatus = "IN_MISSION"
	DroneCharging    DroneStatus = "CHARGING"
	DroneMaintenance DroneStatus = "MAINTENANCE"
	DroneOffline     DroneStatus = "OFFLINE"
)

// CommandAction enumerates the actions an operator may dispatch to a drone.
type CommandAction string

const (
	ActionStart  CommandAction = "START"
	ActionPause  CommandAction = "PAUSE"
	ActionResume CommandAction = "RESUME"
	ActionAbort  CommandAction = "ABORT"
	ActionRTH    CommandAction = "RTH"
)

// AckStatus enumerates a drone's response to a dispatched command.
type AckStatus string

const (
	AckAccepted AckStatus = "ACCEPTED"
	AckRejected AckStatus = "REJECTED"
	AckFailed   AckStatus = "FAILED"
)

// legalCommands maps each mission status to the set of actions an operator
// may legally dispatch while the mission sits in that status.
var legalCommands = map[MissionStatus]map[CommandAction]MissionStatus{
	MissionPlanned: {
		ActionStart: MissionInProgress,
	},
	MissionInProgress: {
		ActionPause: MissionPaused,
		ActionAbort: MissionAborted,
		ActionRTH:   MissionAborted,
	},
	MissionPaused: {
		ActionResume: MissionInProgress,
		ActionAbort:  MissionAborted,
		ActionRTH:    MissionAborted,
	},
}

// NextStatus reports the mission status reached by applying action to current,
// and whether the transition is legal.
func NextStatus(current MissionStatus, action CommandAction) (MissionStatus, bool) {
	transitions, ok := legalCommands[current]
	if !ok {
		return "", false
	}
	next, ok := transitions[action]
	return next, ok
}

// Position is a WGS84 coordinate with altitude above ground level.
type Position struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	AltM float64 `json:"alt_m"`
}

// Velocity describes a drone's instantaneous speed and heading.
type Velocity struct {
	SpeedMps   float64 `json:"speed_mps"`
	HeadingDeg float64 `json:"heading_deg"`
}

// TelemetryRecord is one sample reported by a drone at one instant.
type TelemetryRecord struct {
	DroneID     string    `json:"drone_id"`
	MissionID   string    `json:"mission_id,omitempty"`
	SentAt      time.Time `json:"sent_at"`
	Position    Position  `json:"position"`
	Velocity    Velocity  `json:"velocity"`
	BatteryPct  float64   `json:"battery_pct"`
	DroneStatus string    `json:"drone_status"`
	ProgressPct float64   `json:"progress_pct"`
	Signal      float64   `json:"signal"`
}

// Valid reports whether the record's coordinates fall within legal ranges.
func (r TelemetryRecord) Valid() bool {
	if r.Position.Lat < -90 || r.Position.Lat > 90 {
		return false
	}
	if r.Position.Lon < -180 || r.Position.Lon > 180 {
		return false
	}
	return r.DroneID != ""
}

// CommandRecord is an operator-issued action dispatched to a drone.
type CommandRecord struct {
	CommandID string        `json:"command_id"`
	MissionID string        `json:"mission_id"`
	DroneID   string        `json:"drone_id"`
	Action    CommandAction `json:"action"`
	IssuedAt  time.Time     `json:"issued_at"`
	IssuedBy  string        `json:"issued_by"`
}

// AckRecord is a drone's response to a dispatched command.
type AckRecord struct {
	CommandID string    `json:"command_id"`
	DroneID   string    `json:"drone_id"`
	Status    AckStatus `json:"status"`
	AckedAt   time.Time `json:"acked_at"`
	Reason    string    `json:"reason,omitempty"`
}

// MissionEvent is published to the durable events topic on every lifecycle
// transition. EventID is globally unique to support downstream deduplication.
type MissionEvent struct {
	EventID   string    `json:"event_id"`
	MissionID string    `json:"mission_id"`
	DroneID   string    `json:"drone_id"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Mission is the durable unit of work executed by a single drone.
type Mission struct {
	ID                  string        `json:"id"`
	OrgID               string        `json:"org_id"`
	SiteID              string        `json:"site_id"`
	DroneID             string        `json:"drone_id"`
	Name                string        `json:"name"`
	FlightPattern       string        `json:"flight_pattern"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	SurveyArea          []Position    `json:"survey_area,omitempty"`
	Waypoints           []Position    `json:"waypoints,omitempty"`
	EstimatedDurationS  int64         `json:"estimated_duration_s"`
	EstimatedDistanceM  float64       `json:"estimated_distance_m"`
	PlannedSpeedMps     float64       `json:"planned_speed_mps,omitempty"`
	PlannedAltitudeM    float64       `json:"planned_altitude_m,omitempty"`
	ScheduledStart      *time.Time    `json:"scheduled_start,omitempty"`
	ActualStart         *time.Time    `json:"actual_start,omitempty"`
	ActualEnd           *time.Time    `json:"actual_end,omitempty"`
	Status              MissionStatus `json:"status"`
	CreatedBy           string        `json:"created_by"`
	CreatedAt           time.Time     `json:"created_at"`
}

// Drone is a registered fleet asset.
type Drone struct {
	ID         string      `json:"id"`
	SiteID     string      `json:"site_id"`
	Serial     string      `json:"serial"`
	Model      string      `json:"model"`
	Status     DroneStatus `json:"status"`
	BatteryPct float64     `json:"battery_pct"`
	Home       Position    `json:"home"`
	LastSeen   time.Time   `json:"last_seen"`
}
