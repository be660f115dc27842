package tasksupervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/db"
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/instance"
	"github.com/snarg/audiocloud-domaind/internal/task"
)

type fakeActor struct {
	spec     domain.TaskSpec
	desired  []domain.DesiredTaskPlayState
}

func (a *fakeActor) SetSpec(spec domain.TaskSpec) { a.spec = spec }
func (a *fakeActor) SetDesiredPlayState(d domain.DesiredTaskPlayState) {
	a.desired = append(a.desired, d)
}
func (a *fakeActor) CancelRender()                       {}
func (a *fakeActor) Seek(context.Context, uint64)        {}
func (a *fakeActor) State() domain.TaskState { return domain.NewTaskState() }
func (a *fakeActor) NotifyFixedInstanceState(map[domain.FixedInstanceId]domain.FixedInstance) {}
func (a *fakeActor) NotifyMediaTaskState(map[domain.ObjectId]domain.MediaObject)               {}
func (a *fakeActor) NotifyEngineEvent(task.EngineEvent)                                        {}

func testFactory(spawned *[]domain.AppTaskId) ActorFactory {
	return func(_ context.Context, id domain.AppTaskId, _ domain.EngineId) ActorHandle {
		*spawned = append(*spawned, id)
		return &fakeActor{}
	}
}

func openDb(t *testing.T) *db.Db {
	t.Helper()
	d, err := db.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newSupervisor(t *testing.T, spawned *[]domain.AppTaskId) *Supervisor {
	t.Helper()
	d := openDb(t)
	instSup := instance.NewSupervisor(noopNotifier{}, zerolog.Nop())
	return New(d, instSup, testFactory(spawned), []domain.EngineId{"eng1", "eng2"}, zerolog.Nop())
}

type noopNotifier struct{}

func (noopNotifier) NotifyInstanceState(domain.AppTaskId, domain.FixedInstanceId, domain.PowerState, domain.MediaState) {
}
func (noopNotifier) NotifyInstanceReports(domain.AppTaskId, domain.FixedInstanceId, map[string]map[int]any) {
}
func (noopNotifier) NotifyInstanceError(domain.AppTaskId, domain.FixedInstanceId, string) {}

func TestCreateTaskSpawnsActorWhenReservationCoversNow(t *testing.T) {
	var spawned []domain.AppTaskId
	s := newSupervisor(t, &spawned)

	id := domain.AppTaskId{AppId: "app1", TaskId: "task1"}
	now := time.Now()
	_, err := s.CreateTask(context.Background(), id, domain.TaskSpec{}, []domain.ReservationWindow{
		{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	}, nil)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if len(spawned) != 1 || spawned[0] != id {
		t.Errorf("spawned = %v, want [%v]", spawned, id)
	}
}

func TestCreateTaskDoesNotSpawnOutsideReservation(t *testing.T) {
	var spawned []domain.AppTaskId
	s := newSupervisor(t, &spawned)

	id := domain.AppTaskId{AppId: "app1", TaskId: "task2"}
	now := time.Now()
	_, err := s.CreateTask(context.Background(), id, domain.TaskSpec{}, []domain.ReservationWindow{
		{From: now.Add(time.Hour), To: now.Add(2 * time.Hour)},
	}, nil)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if len(spawned) != 0 {
		t.Errorf("spawned = %v, want none (reservation not active yet)", spawned)
	}
}

func TestModifyTaskRevisionMismatchConflicts(t *testing.T) {
	var spawned []domain.AppTaskId
	s := newSupervisor(t, &spawned)

	id := domain.AppTaskId{AppId: "app1", TaskId: "task3"}
	if _, err := s.CreateTask(context.Background(), id, domain.TaskSpec{}, nil, nil); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	_, err := s.ModifyTask(context.Background(), id, domain.TaskSpec{}, 999)
	de, ok := domain.AsError(err)
	if !ok || de.Kind != domain.ErrRevisionConflict {
		t.Fatalf("ModifyTask() error = %v, want RevisionConflict", err)
	}

	if _, err := s.ModifyTask(context.Background(), id, domain.TaskSpec{Tracks: []domain.TrackSpec{{Id: "t1"}}}, 1); err != nil {
		t.Fatalf("ModifyTask() with correct revision error = %v", err)
	}
	got, _ := s.Get(id)
	if got.Revision != 2 {
		t.Errorf("Revision after ModifyTask = %d, want 2", got.Revision)
	}
}

func TestDeleteTaskClearsIndexAndStopsActor(t *testing.T) {
	var spawned []domain.AppTaskId
	s := newSupervisor(t, &spawned)

	id := domain.AppTaskId{AppId: "app1", TaskId: "task4"}
	fixedId := domain.FixedInstanceId{Manufacturer: "acme", Model: "amp", Instance: "r1"}
	spec := domain.TaskSpec{FixedInstances: []domain.FixedInstanceSlot{{SlotId: "s1", InstanceId: fixedId}}}
	now := time.Now()
	if _, err := s.CreateTask(context.Background(), id, spec, []domain.ReservationWindow{
		{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	}, nil); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	if _, ok := s.FixedInstanceOwner(fixedId); !ok {
		t.Fatal("expected fixed instance indexed to the task")
	}

	if err := s.DeleteTask(id, 1); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}
	if _, ok := s.Get(id); ok {
		t.Error("Get() found task after delete")
	}
	if _, ok := s.FixedInstanceOwner(fixedId); ok {
		t.Error("FixedInstanceOwner still set after delete")
	}
}

func TestBecomeOnlineReloadsPersistedTasks(t *testing.T) {
	var spawned []domain.AppTaskId
	d := openDb(t)
	instSup := instance.NewSupervisor(noopNotifier{}, zerolog.Nop())
	s := New(d, instSup, testFactory(&spawned), []domain.EngineId{"eng1"}, zerolog.Nop())

	id := domain.AppTaskId{AppId: "app1", TaskId: "task5"}
	now := time.Now()
	if _, err := s.CreateTask(context.Background(), id, domain.TaskSpec{}, []domain.ReservationWindow{
		{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	}, nil); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	spawned = nil
	s2 := New(d, instSup, testFactory(&spawned), []domain.EngineId{"eng1"}, zerolog.Nop())
	if err := s2.BecomeOnline(context.Background()); err != nil {
		t.Fatalf("BecomeOnline() error = %v", err)
	}
	if len(spawned) != 1 || spawned[0] != id {
		t.Errorf("BecomeOnline spawned = %v, want [%v]", spawned, id)
	}
}
