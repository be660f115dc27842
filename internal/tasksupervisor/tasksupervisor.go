// Package tasksupervisor implements TaskSupervisor (spec §4.8): loads task
// configs at boot, allocates engines to least-loaded, spawns TaskActors for
// reservations in effect now, and mutates persisted task records under Db
// transactions with If-Match-style revision checks.
package tasksupervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/db"
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/instance"
	"github.com/snarg/audiocloud-domaind/internal/task"
)

// ActorFactory constructs a TaskActor bound to runCtx and starts its Run
// loop, returning a handle the supervisor can drive. Implemented in
// cmd/domaind, since constructing an Actor needs the instance supervisor,
// bus client and socket supervisor collaborators that would otherwise make
// this package import everything.
type ActorFactory func(runCtx context.Context, id domain.AppTaskId, engineId domain.EngineId) ActorHandle

// ActorHandle is the subset of *task.Actor the supervisor drives directly.
type ActorHandle interface {
	SetSpec(spec domain.TaskSpec)
	SetDesiredPlayState(desired domain.DesiredTaskPlayState)
	CancelRender()
	Seek(ctx context.Context, position uint64)
	State() domain.TaskState
	NotifyFixedInstanceState(states map[domain.FixedInstanceId]domain.FixedInstance)
	NotifyMediaTaskState(updates map[domain.ObjectId]domain.MediaObject)
	NotifyEngineEvent(ev task.EngineEvent)
}

// Supervisor is TaskSupervisor (spec §4.8).
type Supervisor struct {
	mu        sync.RWMutex
	actors    map[domain.AppTaskId]ActorHandle
	cancels   map[domain.AppTaskId]context.CancelFunc
	tasks     map[domain.AppTaskId]*domain.Task
	fixedIdx  map[domain.FixedInstanceId]domain.AppTaskId    // instance -> owning task
	objectIdx map[domain.ObjectId]map[domain.AppTaskId]bool // media object -> referencing tasks

	engineLoad map[domain.EngineId]int
	engines    []domain.EngineId

	db      *db.Db
	instSup *instance.Supervisor
	factory ActorFactory
	log     zerolog.Logger
}

func New(database *db.Db, instSup *instance.Supervisor, factory ActorFactory, engines []domain.EngineId, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		actors:     make(map[domain.AppTaskId]ActorHandle),
		cancels:    make(map[domain.AppTaskId]context.CancelFunc),
		tasks:      make(map[domain.AppTaskId]*domain.Task),
		fixedIdx:   make(map[domain.FixedInstanceId]domain.AppTaskId),
		objectIdx:  make(map[domain.ObjectId]map[domain.AppTaskId]bool),
		engineLoad: make(map[domain.EngineId]int),
		engines:    engines,
		db:         database,
		instSup:    instSup,
		factory:    factory,
		log:        log,
	}
}

// BecomeOnline loads every persisted task and spawns an actor for each
// whose reservations contain now, per spec §4.8.
func (s *Supervisor) BecomeOnline(ctx context.Context) error {
	var loaded []*domain.Task
	err := s.db.Scan(db.BucketTaskInfo, func(id string, val []byte) error {
		var t domain.Task
		if err := json.Unmarshal(val, &t); err != nil {
			return fmt.Errorf("tasksupervisor: decode task %s: %w", id, err)
		}
		loaded = append(loaded, &t)
		return nil
	})
	if err != nil {
		return fmt.Errorf("tasksupervisor: BecomeOnline scan: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range loaded {
		s.tasks[t.Id] = t
		s.indexInstances(t)
		s.indexObjects(t)
		if t.ReservationsContain(now) {
			s.spawnLocked(ctx, t)
		}
	}
	return nil
}

func (s *Supervisor) indexInstances(t *domain.Task) {
	for _, id := range t.Spec.InstanceIds() {
		s.fixedIdx[id] = t.Id
		s.instSup.SetOwner(id, t.Id)
	}
}

func (s *Supervisor) deindexInstances(t *domain.Task) {
	for _, id := range t.Spec.InstanceIds() {
		delete(s.fixedIdx, id)
		s.instSup.ClearOwner(id)
	}
}

// indexObjects/deindexObjects maintain the media-object -> referencing-tasks
// reverse index (SPEC_FULL.md §4.12, generalizing spec §4.8's fixed-instance
// reverse index to media objects) that internal/mediatransfer uses to fan a
// completed transfer out to every task whose spec names the object.
func (s *Supervisor) indexObjects(t *domain.Task) {
	for _, id := range t.Spec.ObjectIds() {
		if s.objectIdx[id] == nil {
			s.objectIdx[id] = make(map[domain.AppTaskId]bool)
		}
		s.objectIdx[id][t.Id] = true
	}
}

func (s *Supervisor) deindexObjects(t *domain.Task) {
	for _, id := range t.Spec.ObjectIds() {
		delete(s.objectIdx[id], t.Id)
		if len(s.objectIdx[id]) == 0 {
			delete(s.objectIdx, id)
		}
	}
}

// TasksForObject returns every task whose current spec references id, for
// internal/mediatransfer.Coordinator to fan transfer-state updates out to
// (implements mediatransfer.TaskRouter).
func (s *Supervisor) TasksForObject(id domain.ObjectId) []domain.AppTaskId {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AppTaskId, 0, len(s.objectIdx[id]))
	for taskId := range s.objectIdx[id] {
		out = append(out, taskId)
	}
	return out
}

// leastLoadedEngine allocates an EngineId by least-loaded active-task count.
func (s *Supervisor) leastLoadedEngine() domain.EngineId {
	var best domain.EngineId
	bestLoad := -1
	for _, e := range s.engines {
		load := s.engineLoad[e]
		if bestLoad == -1 || load < bestLoad {
			best, bestLoad = e, load
		}
	}
	return best
}

func (s *Supervisor) spawnLocked(ctx context.Context, t *domain.Task) {
	if _, ok := s.actors[t.Id]; ok {
		return
	}
	engineId := t.EngineId
	if engineId == "" {
		engineId = s.leastLoadedEngine()
		t.EngineId = engineId
	}
	s.engineLoad[engineId]++
	runCtx, cancel := context.WithCancel(ctx)
	actor := s.factory(runCtx, t.Id, engineId)
	actor.SetSpec(t.Spec)
	s.actors[t.Id] = actor
	s.cancels[t.Id] = cancel
}

// FixedInstanceOwner returns the task id owning id, for routing instance
// reports to the correct actor (spec §4.8's fixed_instance -> task_id index).
func (s *Supervisor) FixedInstanceOwner(id domain.FixedInstanceId) (domain.AppTaskId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.fixedIdx[id]
	return owner, ok
}

// CreateTask persists a new task under a Db transaction and indexes its
// instances and media objects; no NotifyTask* message is sent to sockets.
// Revision starts at 1.
func (s *Supervisor) CreateTask(ctx context.Context, id domain.AppTaskId, spec domain.TaskSpec, reservations []domain.ReservationWindow, security map[domain.SecureKey]domain.Permissions) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		return nil, domain.NewRevisionConflict(0, 0)
	}

	t := &domain.Task{
		Id:           id,
		Revision:     1,
		Spec:         spec,
		Reservations: reservations,
		Security:     security,
		State:        domain.NewTaskState(),
	}

	err := s.db.TransactN([]db.Bucket{db.BucketTaskInfo, db.BucketTaskSpecs, db.BucketTaskPermissions}, func(txn *db.Txn) error {
		if err := txn.Put(db.BucketTaskInfo, id.String(), t); err != nil {
			return err
		}
		if err := txn.Put(db.BucketTaskSpecs, id.String(), spec); err != nil {
			return err
		}
		return txn.Put(db.BucketTaskPermissions, id.String(), security)
	})
	if err != nil {
		return nil, fmt.Errorf("tasksupervisor: create task persist: %w", err)
	}

	s.tasks[id] = t
	s.indexInstances(t)
	s.indexObjects(t)
	if t.ReservationsContain(time.Now()) {
		s.spawnLocked(ctx, t)
	}
	return t, nil
}

// ModifyTask requires the caller's revision to equal the current one,
// failing RevisionConflict otherwise (spec §4.8/§6 If-Match).
func (s *Supervisor) ModifyTask(ctx context.Context, id domain.AppTaskId, spec domain.TaskSpec, expectedRevision uint64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.NewTaskNotFound(id)
	}
	if t.Revision != expectedRevision {
		return nil, domain.NewRevisionConflict(t.Revision, expectedRevision)
	}

	s.deindexInstances(t)
	s.deindexObjects(t)
	t.Spec = spec
	t.Revision++

	err := s.db.TransactN([]db.Bucket{db.BucketTaskInfo, db.BucketTaskSpecs}, func(txn *db.Txn) error {
		if err := txn.Put(db.BucketTaskInfo, id.String(), t); err != nil {
			return err
		}
		return txn.Put(db.BucketTaskSpecs, id.String(), spec)
	})
	if err != nil {
		return nil, fmt.Errorf("tasksupervisor: modify task persist: %w", err)
	}

	s.indexInstances(t)
	s.indexObjects(t)
	if actor, ok := s.actors[id]; ok {
		actor.SetSpec(spec)
	}
	return t, nil
}

// DeleteTask removes a task's persisted record, stops its actor (in-flight
// engine commands drain per spec §5), and drops its reverse-index entries.
// Media transfers already started by mediatransfer are not cancelled; they
// run to completion on their own detached context.
func (s *Supervisor) DeleteTask(id domain.AppTaskId, expectedRevision uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return domain.NewTaskNotFound(id)
	}
	if t.Revision != expectedRevision {
		return domain.NewRevisionConflict(t.Revision, expectedRevision)
	}

	err := s.db.TransactN([]db.Bucket{db.BucketTaskInfo, db.BucketTaskSpecs, db.BucketTaskPermissions}, func(txn *db.Txn) error {
		if err := txn.Delete(db.BucketTaskInfo, id.String()); err != nil {
			return err
		}
		if err := txn.Delete(db.BucketTaskSpecs, id.String()); err != nil {
			return err
		}
		return txn.Delete(db.BucketTaskPermissions, id.String())
	})
	if err != nil {
		return fmt.Errorf("tasksupervisor: delete task persist: %w", err)
	}

	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.actors, id)
		delete(s.cancels, id)
		s.engineLoad[t.EngineId]--
	}
	s.deindexInstances(t)
	s.deindexObjects(t)
	delete(s.tasks, id)
	return nil
}

// SetDesiredPlayState routes a client's play/render/stop request to the
// task's actor.
func (s *Supervisor) SetDesiredPlayState(id domain.AppTaskId, desired domain.DesiredTaskPlayState) error {
	s.mu.RLock()
	actor, ok := s.actors[id]
	s.mu.RUnlock()
	if !ok {
		return domain.NewTaskNotFound(id)
	}
	actor.SetDesiredPlayState(desired)
	return nil
}

// PermissionsFor looks up the Permissions a task grants a SecureKey, for
// SocketSupervisor's AttachToTask/ModifyTaskSpec/SetDesiredPlayState checks.
func (s *Supervisor) PermissionsFor(taskId domain.AppTaskId, key domain.SecureKey) (domain.Permissions, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskId]
	if !ok {
		return domain.Permissions{}, false
	}
	return t.PermissionsFor(key)
}

// Get returns the persisted Task record for id.
func (s *Supervisor) Get(id domain.AppTaskId) (*domain.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// List returns every known task, for the GET /tasks/ summary endpoint.
func (s *Supervisor) List() []*domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// CancelRender drives a task's in-flight render back to Stopped (the
// REST transport/cancel operation of §6).
func (s *Supervisor) CancelRender(id domain.AppTaskId) error {
	s.mu.RLock()
	actor, ok := s.actors[id]
	s.mu.RUnlock()
	if !ok {
		return domain.NewTaskNotFound(id)
	}
	actor.CancelRender()
	return nil
}

// Seek forwards a transport/seek request to id's actor (spec §6,
// supplemented route — see SPEC_FULL.md).
func (s *Supervisor) Seek(ctx context.Context, id domain.AppTaskId, position uint64) error {
	s.mu.RLock()
	actor, ok := s.actors[id]
	s.mu.RUnlock()
	if !ok {
		return domain.NewTaskNotFound(id)
	}
	actor.Seek(ctx, position)
	return nil
}

// RouteEngineEvent forwards an engine event to its owning task's actor,
// per spec §2's "engine events → TaskSupervisor → TaskActor" dataflow.
// Unknown tasks are logged and dropped (spec §7: internal invariant
// violations are logged and ignored; the reconciler converges).
func (s *Supervisor) RouteEngineEvent(taskId domain.AppTaskId, ev task.EngineEvent) {
	s.mu.RLock()
	actor, ok := s.actors[taskId]
	s.mu.RUnlock()
	if !ok {
		s.log.Warn().Str("task", taskId.String()).Msg("tasksupervisor: engine event for unknown task")
		return
	}
	actor.NotifyEngineEvent(ev)
}

// RouteMediaUpdate forwards a batch of media-object updates to taskId's
// actor, dropping silently if the task has no live actor.
func (s *Supervisor) RouteMediaUpdate(taskId domain.AppTaskId, updates map[domain.ObjectId]domain.MediaObject) {
	s.mu.RLock()
	actor, ok := s.actors[taskId]
	s.mu.RUnlock()
	if ok {
		actor.NotifyMediaTaskState(updates)
	}
}

// NotifyInstanceState implements instance.TaskNotifier: forwarded to the
// owning task's actor as a single-entry batch.
func (s *Supervisor) NotifyInstanceState(owner domain.AppTaskId, id domain.FixedInstanceId, power domain.PowerState, media domain.MediaState) {
	s.mu.RLock()
	actor, ok := s.actors[owner]
	s.mu.RUnlock()
	if !ok {
		return
	}
	actor.NotifyFixedInstanceState(map[domain.FixedInstanceId]domain.FixedInstance{
		id: {Id: id, Power: &power, Media: &media},
	})
}

// NotifyInstanceReports implements instance.TaskNotifier and is a no-op:
// report content is not forwarded to the owning actor, and the actor's
// Snapshot() pull carries only power and media state, not reports.
func (s *Supervisor) NotifyInstanceReports(owner domain.AppTaskId, id domain.FixedInstanceId, changed map[string]map[int]any) {
}

// NotifyInstanceError implements instance.TaskNotifier: best-effort log,
// per spec §9's "where the source drops errors silently ... log at warn
// and continue".
func (s *Supervisor) NotifyInstanceError(owner domain.AppTaskId, id domain.FixedInstanceId, detail string) {
	s.log.Warn().Str("task", owner.String()).Str("instance", id.String()).Str("detail", detail).Msg("tasksupervisor: instance error")
}
