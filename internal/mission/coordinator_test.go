package mission

import (
	"context"
	"sync"
	"testing"

	"dronefleet/broker/internal/domain"
	"dronefleet/broker/internal/fleet"
	"dronefleet/broker/internal/stream"
)

type fakeRepo struct {
	mu       sync.Mutex
	missions map[string]domain.Mission
}

func newFakeRepo() *fakeRepo { return &fakeRepo{missions: make(map[string]domain.Mission)} }

func (r *fakeRepo) Get(_ context.Context, id string) (domain.Mission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.missions[id]
	if !ok {
		return domain.Mission{}, errNotFound
	}
	return m, nil
}

func (r *fakeRepo) Save(_ context.Context, m domain.Mission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missions[m.ID] = m
	return nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

type fakeDrones struct {
	mu     sync.Mutex
	drones map[string]domain.Drone
}

func newFakeDrones(drones ...domain.Drone) *fakeDrones {
	m := make(map[string]domain.Drone)
	for _, d := range drones {
		m[d.ID] = d
	}
	return &fakeDrones{drones: m}
}

func (f *fakeDrones) Get(_ context.Context, id string) (domain.Drone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.drones[id]
	if !ok {
		return domain.Drone{}, errNotFound
	}
	return d, nil
}

func (f *fakeDrones) SetStatus(_ context.Context, id string, status domain.DroneStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.drones[id]
	d.Status = status
	f.drones[id] = d
	return nil
}

type fakePlanner struct{}

func (fakePlanner) Plan(_ context.Context, area []domain.Position, _ string) ([]domain.Position, int64, float64, error) {
	return area, 600, 1200.5, nil
}

type fakeLiveState struct {
	mu     sync.Mutex
	fields map[string]map[string]any
}

func newFakeLiveState() *fakeLiveState {
	return &fakeLiveState{fields: make(map[string]map[string]any)}
}

func (f *fakeLiveState) SetMissionState(_ context.Context, missionID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[missionID] = fields
	return nil
}

type fakeEvents struct {
	mu      sync.Mutex
	records []stream.Record
}

func (f *fakeEvents) Append(rec stream.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeArchive struct {
	mu     sync.Mutex
	events []domain.MissionEvent
}

func (f *fakeArchive) RecordEvent(rec domain.MissionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, rec)
}

func (f *fakeArchive) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestCoordinator(t *testing.T, drones *fakeDrones) (*Coordinator, *fakeRepo, *fakeEvents) {
	t.Helper()
	repo := newFakeRepo()
	events := &fakeEvents{}
	registry, err := fleet.NewRegistry(fleet.WithEnvLookup(func(string) string { return "" }))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	coord := New(repo, drones, registry, fakePlanner{}, newFakeLiveState(), events, nil)
	return coord, repo, events
}

func TestCoordinatorCreateRequiresAvailableDrone(t *testing.T) {
	drones := newFakeDrones(domain.Drone{ID: "d-1", Status: domain.DroneInMission})
	coord, _, _ := newTestCoordinator(t, drones)

	_, err := coord.Create(context.Background(), CreateInput{DroneID: "d-1", Name: "survey-1"})
	if err == nil {
		t.Fatal("expected error creating mission for a non-available drone")
	}
}

func TestCoordinatorCreatePersistsAndEmitsEvent(t *testing.T) {
	drones := newFakeDrones(domain.Drone{ID: "d-1", Status: domain.DroneAvailable})
	coord, repo, events := newTestCoordinator(t, drones)

	m, err := coord.Create(context.Background(), CreateInput{DroneID: "d-1", Name: "survey-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if m.Status != domain.MissionPlanned {
		t.Fatalf("expected PLANNED status, got %s", m.Status)
	}
	if _, err := repo.Get(context.Background(), m.ID); err != nil {
		t.Fatalf("expected mission to be persisted: %v", err)
	}
	if events.count() != 1 {
		t.Fatalf("expected one MissionCreated event, got %d", events.count())
	}
}

func TestCoordinatorApplyTransitionSetsActualStartAndDroneStatus(t *testing.T) {
	drones := newFakeDrones(domain.Drone{ID: "d-1", Status: domain.DroneAvailable})
	coord, repo, _ := newTestCoordinator(t, drones)

	m, err := coord.Create(context.Background(), CreateInput{DroneID: "d-1", Name: "survey-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := coord.ApplyTransition(context.Background(), m.ID, domain.ActionStart); err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}

	updated, _ := repo.Get(context.Background(), m.ID)
	if updated.Status != domain.MissionInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", updated.Status)
	}
	if updated.ActualStart == nil {
		t.Fatal("expected actual_start to be set")
	}
	drone, _ := drones.Get(context.Background(), "d-1")
	if drone.Status != domain.DroneInMission {
		t.Fatalf("expected drone IN_MISSION, got %s", drone.Status)
	}
}

func TestCoordinatorApplyTransitionTerminalReleasesDrone(t *testing.T) {
	drones := newFakeDrones(domain.Drone{ID: "d-1", Status: domain.DroneAvailable})
	coord, repo, _ := newTestCoordinator(t, drones)

	m, _ := coord.Create(context.Background(), CreateInput{DroneID: "d-1", Name: "survey-1"})
	_ = coord.ApplyTransition(context.Background(), m.ID, domain.ActionStart)

	if err := coord.ApplyTransition(context.Background(), m.ID, domain.ActionAbort); err != nil {
		t.Fatalf("ApplyTransition(ABORT) failed: %v", err)
	}
	updated, _ := repo.Get(context.Background(), m.ID)
	if updated.Status != domain.MissionAborted {
		t.Fatalf("expected ABORTED, got %s", updated.Status)
	}
	if updated.ActualEnd == nil {
		t.Fatal("expected actual_end to be set")
	}
	drone, _ := drones.Get(context.Background(), "d-1")
	if drone.Status != domain.DroneAvailable {
		t.Fatalf("expected drone AVAILABLE after termination, got %s", drone.Status)
	}

	// The drone should be assignable again once its mission reached a terminal state.
	if _, err := coord.registry.Assign("d-1", "another-mission"); err != nil {
		t.Fatalf("expected drone to be reassignable after release, got %v", err)
	}
}

func TestCoordinatorCompleteIsIdempotent(t *testing.T) {
	drones := newFakeDrones(domain.Drone{ID: "d-1", Status: domain.DroneAvailable})
	coord, repo, events := newTestCoordinator(t, drones)

	m, _ := coord.Create(context.Background(), CreateInput{DroneID: "d-1", Name: "survey-1"})
	_ = coord.ApplyTransition(context.Background(), m.ID, domain.ActionStart)

	before := events.count()
	if err := coord.Complete(context.Background(), m.ID); err != nil {
		t.Fatalf("first Complete failed: %v", err)
	}
	afterFirst := events.count()
	if afterFirst != before+1 {
		t.Fatalf("expected exactly one new event from Complete, got %d new", afterFirst-before)
	}

	if err := coord.Complete(context.Background(), m.ID); err != nil {
		t.Fatalf("second Complete failed: %v", err)
	}
	if events.count() != afterFirst {
		t.Fatalf("expected Complete to be a no-op the second time, event count changed from %d to %d", afterFirst, events.count())
	}

	updated, _ := repo.Get(context.Background(), m.ID)
	if updated.Status != domain.MissionCompleted {
		t.Fatalf("expected COMPLETED, got %s", updated.Status)
	}
}

func TestCoordinatorCreatePersistsSurveyArea(t *testing.T) {
	drones := newFakeDrones(domain.Drone{ID: "d-1", Status: domain.DroneAvailable})
	coord, repo, _ := newTestCoordinator(t, drones)

	area := []domain.Position{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 2}, {Lat: 2, Lon: 2}}
	m, err := coord.Create(context.Background(), CreateInput{DroneID: "d-1", Name: "survey-1", SurveyArea: area})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if len(m.SurveyArea) != len(area) {
		t.Fatalf("expected survey area on the returned mission, got %+v", m.SurveyArea)
	}

	stored, err := repo.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("expected mission to be persisted: %v", err)
	}
	if len(stored.SurveyArea) != len(area) || stored.SurveyArea[0] != area[0] {
		t.Fatalf("expected survey area to be persisted, got %+v", stored.SurveyArea)
	}
}

func TestCoordinatorFeedsArchiveOnLifecycleEvents(t *testing.T) {
	drones := newFakeDrones(domain.Drone{ID: "d-1", Status: domain.DroneAvailable})
	repo := newFakeRepo()
	events := &fakeEvents{}
	archive := &fakeArchive{}
	registry, err := fleet.NewRegistry(fleet.WithEnvLookup(func(string) string { return "" }))
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	coord := New(repo, drones, registry, fakePlanner{}, newFakeLiveState(), events, nil, WithArchive(archive))

	m, err := coord.Create(context.Background(), CreateInput{DroneID: "d-1", Name: "survey-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if archive.count() != 1 {
		t.Fatalf("expected one archived event from Create, got %d", archive.count())
	}

	if err := coord.ApplyTransition(context.Background(), m.ID, domain.ActionStart); err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}
	if archive.count() != 2 {
		t.Fatalf("expected a second archived event from ApplyTransition, got %d", archive.count())
	}
}

func TestCoordinatorStatusReportsCurrentMissionState(t *testing.T) {
	drones := newFakeDrones(domain.Drone{ID: "d-1", Status: domain.DroneAvailable})
	coord, _, _ := newTestCoordinator(t, drones)
	m, _ := coord.Create(context.Background(), CreateInput{DroneID: "d-1", Name: "survey-1"})

	status, droneID, err := coord.Status(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != domain.MissionPlanned || droneID != "d-1" {
		t.Fatalf("unexpected status/drone: %s / %s", status, droneID)
	}
}
