// Package livestate is the Redis-backed key/value and pub/sub surface that
// backs the ephemeral LiveState view: per-mission hashes, TTL'd latest
// telemetry and drone-location strings, a geo index of live drones, and the
// pending-command/ack keys consumed by the dispatcher.
package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"

	"dronefleet/broker/internal/domain"
)

const (
	latestTelemetryTTL = 60 * time.Second
	droneLocationTTL   = 30 * time.Second
	pendingCommandTTL  = 30 * time.Second
	ackTTL             = 60 * time.Second

	geoIndexKey = "drones:live"
)

// Store wraps a Redis client with the typed operations C3 exposes to the
// rest of the pipeline.
type Store struct {
	client *redis.Client
}

// New constructs a Store around an already-configured Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func missionStateKey(missionID string) string  { return fmt.Sprintf("mission:%s:state", missionID) }
func missionLatestKey(missionID string) string { return fmt.Sprintf("mission:%s:latest", missionID) }
func droneLocationKey(droneID string) string   { return fmt.Sprintf("drone:%s:location", droneID) }
func pendingCommandKey(commandID string) string { return fmt.Sprintf("command:%s:pending", commandID) }
func ackKey(commandID string) string            { return fmt.Sprintf("command:%s:ack", commandID) }
func inFlightKey(missionID string) string       { return fmt.Sprintf("mission:%s:in_flight", missionID) }

// MissionTelemetryChannel names the pub/sub channel C4 publishes samples to
// for a given mission.
func MissionTelemetryChannel(missionID string) string { return fmt.Sprintf("mission:%s:telemetry", missionID) }

// MissionTelemetryPattern is the PSUBSCRIBE pattern matching every mission's
// telemetry channel; C8 subscribes to this to observe samples fleet-wide.
const MissionTelemetryPattern = "mission:*:telemetry"

// MissionIDFromTelemetryChannel extracts the mission_id a concrete telemetry
// channel name was built from, for subscribers that only have the channel.
func MissionIDFromTelemetryChannel(channel string) (string, bool) {
	const prefix, suffix = "mission:", ":telemetry"
	if len(channel) <= len(prefix)+len(suffix) || channel[:len(prefix)] != prefix || channel[len(channel)-len(suffix):] != suffix {
		return "", false
	}
	return channel[len(prefix) : len(channel)-len(suffix)], true
}

// DroneStatusChannel names the pub/sub channel status transitions for a
// drone are published to.
func DroneStatusChannel(droneID string) string { return fmt.Sprintf("drone:%s:status", droneID) }

// SystemAlertsChannel is the fleet-wide channel for critical-condition events.
const SystemAlertsChannel = "system:alerts"

// SetMissionState merge-updates the mission's state hash with the supplied fields.
func (s *Store) SetMissionState(ctx context.Context, missionID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HSet(ctx, missionStateKey(missionID), fields).Err()
}

// GetMissionState reads the mission's state hash.
func (s *Store) GetMissionState(ctx context.Context, missionID string) (map[string]string, error) {
	return s.client.HGetAll(ctx, missionStateKey(missionID)).Result()
}

// SetLatestTelemetry stores the most recent full telemetry record for a
// mission with the standard 60 s TTL.
func (s *Store) SetLatestTelemetry(ctx context.Context, missionID string, rec domain.TelemetryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal telemetry record: %w", err)
	}
	return s.client.Set(ctx, missionLatestKey(missionID), payload, latestTelemetryTTL).Err()
}

// GetLatestTelemetry reads back the most recently stored telemetry record
// for a mission, if it has not expired.
func (s *Store) GetLatestTelemetry(ctx context.Context, missionID string) (domain.TelemetryRecord, bool, error) {
	raw, err := s.client.Get(ctx, missionLatestKey(missionID)).Bytes()
	if err == redis.Nil {
		return domain.TelemetryRecord{}, false, nil
	}
	if err != nil {
		return domain.TelemetryRecord{}, false, err
	}
	var rec domain.TelemetryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.TelemetryRecord{}, false, fmt.Errorf("unmarshal telemetry record: %w", err)
	}
	return rec, true, nil
}

// UpdateDroneLocation stores the drone's latest position and refreshes the
// geo index used for nearest-neighbor queries.
func (s *Store) UpdateDroneLocation(ctx context.Context, droneID string, pos domain.Position, vel domain.Velocity) error {
	payload, err := json.Marshal(struct {
		Position domain.Position `json:"position"`
		Velocity domain.Velocity `json:"velocity"`
	}{Position: pos, Velocity: vel})
	if err != nil {
		return fmt.Errorf("marshal drone location: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, droneLocationKey(droneID), payload, droneLocationTTL)
	pipe.GeoAdd(ctx, geoIndexKey, &redis.GeoLocation{Name: droneID, Longitude: pos.Lon, Latitude: pos.Lat})
	_, err = pipe.Exec(ctx)
	return err
}

// GeoQuery returns the drone ids within radiusKm kilometers of center,
// nearest first.
func (s *Store) GeoQuery(ctx context.Context, center domain.Position, radiusKm float64) ([]string, error) {
	results, err := s.client.GeoRadius(ctx, geoIndexKey, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	droneIDs := make([]string, 0, len(results))
	for _, r := range results {
		droneIDs = append(droneIDs, r.Name)
	}
	return droneIDs, nil
}

// Publish emits payload on channel for subscribers (C9 fan-out).
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pattern subscription and invokes handler for every
// message received until ctx is cancelled or the subscription is closed.
func (s *Store) Subscribe(ctx context.Context, channelPattern string, handler func(channel string, payload []byte)) (io.Closer, error) {
	sub := s.client.PSubscribe(ctx, channelPattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Channel, []byte(msg.Payload))
			}
		}
	}()
	return sub, nil
}

// AcquireInFlight implements the dispatcher's in_flight[mission_id] guard as
// a Redis SETNX with a TTL, giving cross-process mutual exclusion across
// horizontally replicated dispatcher instances instead of a process-local
// lock. It returns false without error when another replica already holds
// the guard.
func (s *Store) AcquireInFlight(ctx context.Context, missionID string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, inFlightKey(missionID), "1", ttl).Result()
}

// ReleaseInFlight clears the in_flight guard once a dispatch's ack wait
// concludes, successfully or not.
func (s *Store) ReleaseInFlight(ctx context.Context, missionID string) error {
	return s.client.Del(ctx, inFlightKey(missionID)).Err()
}

// SetPending records a dispatched command awaiting acknowledgment.
func (s *Store) SetPending(ctx context.Context, cmd domain.CommandRecord) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal pending command: %w", err)
	}
	return s.client.Set(ctx, pendingCommandKey(cmd.CommandID), payload, pendingCommandTTL).Err()
}

// DeletePending removes a pending command entry, e.g. after a transport
// failure aborts the dispatch before an ack could arrive.
func (s *Store) DeletePending(ctx context.Context, commandID string) error {
	return s.client.Del(ctx, pendingCommandKey(commandID)).Err()
}

// SetAck records a drone's acknowledgment of a dispatched command.
func (s *Store) SetAck(ctx context.Context, ack domain.AckRecord) error {
	payload, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("marshal ack record: %w", err)
	}
	return s.client.Set(ctx, ackKey(ack.CommandID), payload, ackTTL).Err()
}

// GetAck reads back a command's acknowledgment, if one has been recorded.
func (s *Store) GetAck(ctx context.Context, commandID string) (domain.AckRecord, bool, error) {
	raw, err := s.client.Get(ctx, ackKey(commandID)).Bytes()
	if err == redis.Nil {
		return domain.AckRecord{}, false, nil
	}
	if err != nil {
		return domain.AckRecord{}, false, err
	}
	var ack domain.AckRecord
	if err := json.Unmarshal(raw, &ack); err != nil {
		return domain.AckRecord{}, false, fmt.Errorf("unmarshal ack record: %w", err)
	}
	return ack, true, nil
}
