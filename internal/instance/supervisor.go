package instance

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

// TaskNotifier is implemented by internal/tasksupervisor: the notifications
// InstanceSupervisor fans reports toward, per spec §4.3's "Routes ...
// Driver events ... to target instance" and the reverse index it maintains.
type TaskNotifier interface {
	NotifyInstanceState(owner domain.AppTaskId, id domain.FixedInstanceId, power domain.PowerState, media domain.MediaState)
	NotifyInstanceReports(owner domain.AppTaskId, id domain.FixedInstanceId, changed map[string]map[int]any)
	NotifyInstanceError(owner domain.AppTaskId, id domain.FixedInstanceId, detail string)
}

// Supervisor owns the set of FixedInstances (spec §4.3) and maintains the
// instance→owning-task reverse index used to gate cross-task interference
// and route driver reports to the correct TaskActor.
type Supervisor struct {
	mu        sync.RWMutex
	instances map[domain.FixedInstanceId]*Instance
	owners    map[domain.FixedInstanceId]domain.AppTaskId
	notifier  TaskNotifier
	log       zerolog.Logger

	cancels map[domain.FixedInstanceId]context.CancelFunc
}

func NewSupervisor(notifier TaskNotifier, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		instances: make(map[domain.FixedInstanceId]*Instance),
		owners:    make(map[domain.FixedInstanceId]domain.AppTaskId),
		cancels:   make(map[domain.FixedInstanceId]context.CancelFunc),
		notifier:  notifier,
		log:       log,
	}
}

// supervisorObserver adapts Instance's per-instance StateObserver callbacks
// to the supervisor's owner-qualified TaskNotifier.
type supervisorObserver struct {
	s *Supervisor
}

func (o *supervisorObserver) NotifyInstanceState(id domain.FixedInstanceId, state domain.PowerState, media domain.MediaState) {
	if owner, ok := o.s.ownerOf(id); ok {
		o.s.notifier.NotifyInstanceState(owner, id, state, media)
	}
}

func (o *supervisorObserver) NotifyInstanceReports(id domain.FixedInstanceId, changed map[string]map[int]any) {
	if owner, ok := o.s.ownerOf(id); ok {
		o.s.notifier.NotifyInstanceReports(owner, id, changed)
	}
	// Fan POWER changes to every instance regardless of ownership (spec §4.3:
	// "fanned out to all instances; each self-filters on power.spec.instance").
	if powerChans, ok := changed["POWER"]; ok {
		vec := o.s.channelVector(id, powerChans)
		o.s.broadcastPowerChannels(id, vec)
	}
}

func (o *supervisorObserver) NotifyInstancePowerChannelsChanged(distributor domain.FixedInstanceId, channels []bool) {
	o.s.broadcastPowerChannels(distributor, channels)
}

func (o *supervisorObserver) NotifyInstanceError(id domain.FixedInstanceId, detail string) {
	if owner, ok := o.s.ownerOf(id); ok {
		o.s.notifier.NotifyInstanceError(owner, id, detail)
	}
}

func (s *Supervisor) channelVector(id domain.FixedInstanceId, powerChans map[int]any) []bool {
	s.mu.RLock()
	inst, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	vec := make([]bool, inst.model.PowerChannels)
	for ch, v := range powerChans {
		if ch >= 0 && ch < len(vec) {
			if b, ok := v.(bool); ok {
				vec[ch] = b
			}
		}
	}
	return vec
}

func (s *Supervisor) broadcastPowerChannels(distributor domain.FixedInstanceId, channels []bool) {
	s.mu.RLock()
	targets := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		targets = append(targets, inst)
	}
	s.mu.RUnlock()
	for _, inst := range targets {
		inst.OnPowerChannelsChanged(distributor, channels)
	}
}

func (s *Supervisor) ownerOf(id domain.FixedInstanceId) (domain.AppTaskId, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[id]
	return owner, ok
}

// Add registers and starts a FixedInstance's actor goroutine.
func (s *Supervisor) Add(ctx context.Context, id domain.FixedInstanceId, model domain.Model, spec domain.PowerSpec, driver DriverClient, log zerolog.Logger) *Instance {
	s.mu.Lock()
	if existing, ok := s.instances[id]; ok {
		s.mu.Unlock()
		return existing
	}
	runCtx, cancel := context.WithCancel(ctx)
	inst := New(id, model, spec, driver, &supervisorObserver{s: s}, log)
	s.instances[id] = inst
	s.cancels[id] = cancel
	s.mu.Unlock()

	go inst.Run(runCtx)
	return inst
}

// Remove stops and forgets a FixedInstance.
func (s *Supervisor) Remove(id domain.FixedInstanceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	delete(s.instances, id)
	delete(s.cancels, id)
	delete(s.owners, id)
}

// Get returns the instance actor for id, if registered.
func (s *Supervisor) Get(id domain.FixedInstanceId) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// SetOwner updates the instance→owning-task reverse index, maintained from
// NotifyTaskSpec/NotifyTaskReservation/NotifyTaskDeleted (spec §4.3).
func (s *Supervisor) SetOwner(id domain.FixedInstanceId, owner domain.AppTaskId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[id] = owner
}

// ClearOwner drops the reverse-index entry for id, e.g. on NotifyTaskDeleted.
func (s *Supervisor) ClearOwner(id domain.FixedInstanceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, id)
}

// SetInstanceParameters routes a parameter write to its target instance,
// dropping silently if the instance is unknown (spec §4.3).
func (s *Supervisor) SetInstanceParameters(id domain.FixedInstanceId, params map[string]map[int]any) {
	if inst, ok := s.Get(id); ok {
		inst.ApplyParameters(params)
	}
}

// SetInstanceDesiredPlayState routes a desired-play write, dropping silently
// if the instance is unknown.
func (s *Supervisor) SetInstanceDesiredPlayState(id domain.FixedInstanceId, desired domain.DesiredInstancePlayState) {
	if inst, ok := s.Get(id); ok {
		inst.SetDesiredPlay(desired)
	}
}

// OnDriverEvent routes a bus-delivered driver event to its target instance.
func (s *Supervisor) OnDriverEvent(id domain.FixedInstanceId, ev DriverEvent) {
	if inst, ok := s.Get(id); ok {
		inst.OnDriverEvent(ev)
	}
}

// Snapshot returns the current power/media state of every registered
// instance, for TaskInstances' batched poll (spec §4.7 step 1).
func (s *Supervisor) Snapshot() map[domain.FixedInstanceId]domain.FixedInstance {
	s.mu.RLock()
	instances := make([]*Instance, 0, len(s.instances))
	ids := make([]domain.FixedInstanceId, 0, len(s.instances))
	for id, inst := range s.instances {
		instances = append(instances, inst)
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make(map[domain.FixedInstanceId]domain.FixedInstance, len(instances))
	for idx, inst := range instances {
		power, media := inst.Snapshot()
		out[ids[idx]] = domain.FixedInstance{
			Id:    ids[idx],
			Model: inst.model,
			Power: &power,
			Media: &media,
		}
	}
	return out
}
