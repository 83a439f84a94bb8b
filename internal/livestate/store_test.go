package livestate

import "testing"

func TestChannelNaming(t *testing.T) {
	if got, want := MissionTelemetryChannel("m-1"), "mission:m-1:telemetry"; got != want {
		t.Fatalf("MissionTelemetryChannel(%q) = %q, want %q", "m-1", got, want)
	}
	if got, want := DroneStatusChannel("d-1"), "drone:d-1:status"; got != want {
		t.Fatalf("DroneStatusChannel(%q) = %q, want %q", "d-1", got, want)
	}
	if SystemAlertsChannel != "system:alerts" {
		t.Fatalf("unexpected SystemAlertsChannel value: %q", SystemAlertsChannel)
	}
}

func TestMissionIDFromTelemetryChannel(t *testing.T) {
	id, ok := MissionIDFromTelemetryChannel("mission:m-42:telemetry")
	if !ok || id != "m-42" {
		t.Fatalf("MissionIDFromTelemetryChannel = (%q, %v), want (\"m-42\", true)", id, ok)
	}
	if _, ok := MissionIDFromTelemetryChannel("drone:d-1:status"); ok {
		t.Fatal("expected no match for a non-telemetry channel")
	}
}

func TestKeyNaming(t *testing.T) {
	if got, want := missionStateKey("m-1"), "mission:m-1:state"; got != want {
		t.Fatalf("missionStateKey = %q, want %q", got, want)
	}
	if got, want := missionLatestKey("m-1"), "mission:m-1:latest"; got != want {
		t.Fatalf("missionLatestKey = %q, want %q", got, want)
	}
	if got, want := droneLocationKey("d-1"), "drone:d-1:location"; got != want {
		t.Fatalf("droneLocationKey = %q, want %q", got, want)
	}
	if got, want := pendingCommandKey("c-1"), "command:c-1:pending"; got != want {
		t.Fatalf("pendingCommandKey = %q, want %q", got, want)
	}
	if got, want := ackKey("c-1"), "command:c-1:ack"; got != want {
		t.Fatalf("ackKey = %q, want %q", got, want)
	}
	if got, want := inFlightKey("m-1"), "mission:m-1:in_flight"; got != want {
		t.Fatalf("inFlightKey = %q, want %q", got, want)
	}
}
