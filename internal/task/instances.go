package task

import (
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/tracker"
)

// instanceMirror is the per-instance bookkeeping TaskInstances keeps: the
// last observed state plus a retry tracker for reissuing a disagreeing
// desired-state write (spec §4.4).
type instanceMirror struct {
	lastNotify domain.FixedInstance
	tracker    *tracker.Tracker
}

// Instances is the per-task mirror of relevant FixedInstance states
// (spec §4.4).
type Instances struct {
	mirrors map[domain.FixedInstanceId]*instanceMirror
	desired domain.DesiredInstancePlayState
}

func NewInstances() *Instances {
	return &Instances{mirrors: make(map[domain.FixedInstanceId]*instanceMirror)}
}

// Track ensures id is mirrored, used when a TaskSpec first references it.
func (ti *Instances) Track(id domain.FixedInstanceId) {
	if _, ok := ti.mirrors[id]; !ok {
		ti.mirrors[id] = &instanceMirror{tracker: tracker.New()}
	}
}

// Untrack drops id, e.g. when the spec no longer references it.
func (ti *Instances) Untrack(id domain.FixedInstanceId) {
	delete(ti.mirrors, id)
}

// UpdateState records a fresh snapshot for id.
func (ti *Instances) UpdateState(id domain.FixedInstanceId, fi domain.FixedInstance) {
	m, ok := ti.mirrors[id]
	if !ok {
		return
	}
	m.lastNotify = fi
}

// SetDesiredState resets every mirror's tracker and stores the new desired
// state, per spec §4.4's set_desired_state(d).
func (ti *Instances) SetDesiredState(d domain.DesiredInstancePlayState) {
	ti.desired = d
	for _, m := range ti.mirrors {
		m.tracker.Reset()
	}
}

// powerSatisfied reports whether i.power.actual satisfies i.power.desired,
// or the instance has no power slot at all.
func powerSatisfied(fi domain.FixedInstance) bool {
	if fi.Power == nil {
		return true
	}
	return fi.Power.State.Value.Satisfies(fi.Power.Desired.Value)
}

// playSatisfied reports whether i.play.actual satisfies i.play.desired AND
// the instance's own desired agrees with the task's desired.
func playSatisfied(fi domain.FixedInstance, taskDesired domain.DesiredInstancePlayState) bool {
	if fi.Media == nil {
		return true
	}
	if fi.Media.Desired.Value != taskDesired {
		return false
	}
	return fi.Media.State.Value.Satisfies(fi.Media.Desired.Value)
}

// Reissuer is the collaborator used to push a disagreeing desired-state
// write back to an instance, subject to should_retry (spec §4.4).
type Reissuer interface {
	SetInstanceDesiredPlayState(id domain.FixedInstanceId, desired domain.DesiredInstancePlayState)
}

// WaitingForInstances returns the set where power or play is unsatisfied,
// reissuing desired-state writes for instances whose own desired disagrees.
func (ti *Instances) WaitingForInstances(r Reissuer) map[domain.FixedInstanceId]bool {
	waiting := make(map[domain.FixedInstanceId]bool)
	for id, m := range ti.mirrors {
		fi := m.lastNotify
		ps := powerSatisfied(fi)
		pl := playSatisfied(fi, ti.desired)
		if !ps || !pl {
			waiting[id] = true
		}
		if fi.Media != nil && fi.Media.Desired.Value != ti.desired && m.tracker.ShouldRetry() {
			r.SetInstanceDesiredPlayState(id, ti.desired)
			m.tracker.Retried()
		}
	}
	return waiting
}

// AnyWaiting is the boolean short-circuit over WaitingForInstances.
func (ti *Instances) AnyWaiting(r Reissuer) bool {
	return len(ti.WaitingForInstances(r)) > 0
}
