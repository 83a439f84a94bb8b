package networking

import "testing"

func TestBroadcastMetricsObserveAndForget(t *testing.T) {
	metrics := NewBroadcastMetrics()
	metrics.Observe("client-1", 128)
	metrics.RecordDrop("mission:m-1")
	metrics.RecordDrop("mission:m-1")

	bytes := metrics.BytesPerClient()
	if bytes["client-1"] != 128 {
		t.Fatalf("unexpected bytes recorded: %+v", bytes)
	}

	counts := metrics.DropCounts()
	if counts["mission:m-1"] != 2 {
		t.Fatalf("unexpected drop counts: %+v", counts)
	}

	metrics.ForgetClient("client-1")
	if remaining := metrics.BytesPerClient(); len(remaining) != 0 {
		t.Fatalf("expected client removal, got %+v", remaining)
	}
}

func TestBroadcastMetricsCountsDeliveries(t *testing.T) {
	metrics := NewBroadcastMetrics()
	metrics.Observe("client-1", 64)
	metrics.Observe("client-2", 32)
	metrics.Observe("client-1", 16)

	if got := metrics.Broadcasts(); got != 3 {
		t.Fatalf("expected 3 observed deliveries, got %d", got)
	}
}
