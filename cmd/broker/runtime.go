package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dronefleet/broker/internal/fleet"
	"dronefleet/broker/internal/logging"
	"dronefleet/broker/internal/replay"
	"dronefleet/broker/internal/wsfanout"
)

// Runtime bundles the pieces that the operational HTTP surface needs to
// read back (readiness, stats, replay dumps) but that no pipeline
// component owns outright. It mirrors the thin bookkeeping role the
// teacher's top-level broker type plays for those same endpoints.
type Runtime struct {
	hub    *wsfanout.Hub
	fleet  *fleet.Registry
	record *replay.Recorder
	log    *logging.Logger

	startedAt time.Time

	stateMu    sync.RWMutex
	startupErr error
}

func newRuntime(hub *wsfanout.Hub, registry *fleet.Registry, recorder *replay.Recorder, logger *logging.Logger, startedAt time.Time) *Runtime {
	return &Runtime{hub: hub, fleet: registry, record: recorder, log: logger, startedAt: startedAt}
}

// SnapshotClientCounts satisfies httpapi.ReadinessProvider.
func (rt *Runtime) SnapshotClientCounts() (clients, pending int) {
	if rt.hub == nil {
		return 0, 0
	}
	return rt.hub.ClientCount(), 0
}

// StartupError satisfies httpapi.ReadinessProvider.
func (rt *Runtime) StartupError() error {
	rt.stateMu.RLock()
	defer rt.stateMu.RUnlock()
	return rt.startupErr
}

func (rt *Runtime) setStartupError(err error) {
	rt.stateMu.Lock()
	rt.startupErr = err
	rt.stateMu.Unlock()
}

// Uptime satisfies httpapi.ReadinessProvider.
func (rt *Runtime) Uptime() time.Duration {
	if rt.startedAt.IsZero() {
		return 0
	}
	return time.Since(rt.startedAt)
}

// Stats satisfies httpapi.StatsFunc's shape via a closure in main().
func (rt *Runtime) broadcastAndClients() (broadcasts, clients int) {
	if rt.hub == nil {
		return 0, 0
	}
	return rt.hub.BroadcastCount(), rt.hub.ClientCount()
}

// Snapshot satisfies httpapi.SiteRegistry.
func (rt *Runtime) Snapshot() fleet.Snapshot {
	if rt.fleet == nil {
		return fleet.Snapshot{}
	}
	return rt.fleet.Snapshot()
}

// AdjustCapacity satisfies httpapi.SiteRegistry.
func (rt *Runtime) AdjustCapacity(minDrones, maxDrones int) (fleet.Snapshot, error) {
	if rt.fleet == nil {
		return fleet.Snapshot{}, fmt.Errorf("fleet registry unavailable")
	}
	return rt.fleet.AdjustCapacity(minDrones, maxDrones)
}

// DumpReplay satisfies httpapi.ReplayDumper.
//
//1.- Derive a deterministic mission identifier from the broker's own start time,
// mirroring how a per-mission roll would be keyed in production.
//2.- Trigger the recorder roll so buffered frames land on disk immediately.
func (rt *Runtime) DumpReplay(_ context.Context) (string, error) {
	if rt.record == nil {
		return "", fmt.Errorf("replay recorder unavailable")
	}
	missionID := rt.startedAt.UTC().Format("ops-dump-20060102T150405")
	path, err := rt.record.Roll(missionID)
	if err != nil {
		return "", err
	}
	if rt.log != nil {
		rt.log.Info("replay dump triggered", logging.String("path", path))
	}
	return path, nil
}

func (rt *Runtime) replayStats() replay.Stats {
	if rt.record == nil {
		return replay.Stats{}
	}
	return rt.record.Snapshot()
}
