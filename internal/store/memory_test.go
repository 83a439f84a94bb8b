package store

import (
	"context"
	"testing"
	"time"

	"dronefleet/broker/internal/analytics"
	"dronefleet/broker/internal/apierror"
	"dronefleet/broker/internal/domain"
)

func TestMissionStoreGetMissing(t *testing.T) {
	s := NewMissionStore()
	if _, err := s.Get(context.Background(), "missing"); apierror.KindOf(err) != apierror.KindNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestMissionStoreSaveThenGet(t *testing.T) {
	s := NewMissionStore()
	m := domain.Mission{ID: "m-1", Status: domain.MissionPlanned}
	if err := s.Save(context.Background(), m); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.MissionPlanned {
		t.Fatalf("unexpected status %q", got.Status)
	}
}

func TestDroneStoreSetStatusAndBattery(t *testing.T) {
	s := NewDroneStore([]domain.Drone{{ID: "d-1", Status: domain.DroneAvailable, BatteryPct: 90}})

	if err := s.SetStatus(context.Background(), "d-1", domain.DroneInMission); err != nil {
		t.Fatalf("set status: %v", err)
	}
	d, err := s.Get(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Status != domain.DroneInMission {
		t.Fatalf("unexpected status %q", d.Status)
	}

	if err := s.UpdateBattery(context.Background(), "d-1", 42); err != nil {
		t.Fatalf("update battery: %v", err)
	}
	d, err = s.Get(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.BatteryPct != 42 {
		t.Fatalf("unexpected battery %v", d.BatteryPct)
	}
}

func TestDroneStoreUnknownDrone(t *testing.T) {
	s := NewDroneStore(nil)
	if err := s.SetStatus(context.Background(), "ghost", domain.DroneOffline); apierror.KindOf(err) != apierror.KindNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestMetricsStoreRetainsBoundedHistoryPerDrone(t *testing.T) {
	s := NewMetricsStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < maxMetricsHistory+5; i++ {
		m := analytics.DroneMetrics{
			DroneID:    "d-1",
			Efficiency: float64(i),
			ComputedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.PersistDroneMetrics(context.Background(), m); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	history := s.History("d-1")
	if len(history) != maxMetricsHistory {
		t.Fatalf("expected history capped at %d, got %d", maxMetricsHistory, len(history))
	}
	if history[0].Efficiency != 5 {
		t.Fatalf("expected oldest retained entry to be the 6th sample, got efficiency %v", history[0].Efficiency)
	}
	if history[len(history)-1].Efficiency != float64(maxMetricsHistory+4) {
		t.Fatalf("expected newest entry last, got %v", history[len(history)-1].Efficiency)
	}
}

func TestMetricsStoreRejectsEmptyDroneID(t *testing.T) {
	s := NewMetricsStore()
	if err := s.PersistDroneMetrics(context.Background(), analytics.DroneMetrics{}); err == nil {
		t.Fatal("expected an error for an empty drone id")
	}
}
