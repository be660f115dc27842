package task

import (
	"testing"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

type fakeReissuer struct {
	calls []domain.FixedInstanceId
}

func (r *fakeReissuer) SetInstanceDesiredPlayState(id domain.FixedInstanceId, _ domain.DesiredInstancePlayState) {
	r.calls = append(r.calls, id)
}

func TestWaitingForInstancesPowerAndPlay(t *testing.T) {
	ti := NewInstances()
	id := domain.FixedInstanceId{Manufacturer: "acme", Model: "amp", Instance: "r1"}
	ti.Track(id)
	ti.SetDesiredState(domain.DesiredInstancePlayState{Kind: domain.InstanceDesiredPlaying, PlayId: 1})

	// No state notified yet: zero-value FixedInstance has nil Power/Media,
	// so both predicates are vacuously satisfied.
	r := &fakeReissuer{}
	waiting := ti.WaitingForInstances(r)
	if len(waiting) != 0 {
		t.Fatalf("WaitingForInstances() = %v, want empty before any state notified", waiting)
	}

	power := domain.PowerState{
		State:   domain.NewTimestamped(domain.ShutDown),
		Desired: domain.NewTimestamped(domain.DesiredPowerOn),
	}
	ti.UpdateState(id, domain.FixedInstance{Id: id, Power: &power})

	waiting = ti.WaitingForInstances(r)
	if !waiting[id] {
		t.Errorf("WaitingForInstances() = %v, want %v waiting (power unsatisfied)", waiting, id)
	}
}

func TestWaitingForInstancesReissuesDisagreeingDesired(t *testing.T) {
	ti := NewInstances()
	id := domain.FixedInstanceId{Manufacturer: "acme", Model: "amp", Instance: "r1"}
	ti.Track(id)
	ti.SetDesiredState(domain.DesiredInstancePlayState{Kind: domain.InstanceDesiredPlaying, PlayId: 1})

	media := domain.MediaState{
		Desired: domain.NewTimestamped(domain.DesiredInstancePlayState{Kind: domain.InstanceDesiredStopped}),
	}
	ti.UpdateState(id, domain.FixedInstance{Id: id, Media: &media})

	r := &fakeReissuer{}
	ti.WaitingForInstances(r)
	if len(r.calls) != 1 || r.calls[0] != id {
		t.Errorf("reissuer calls = %v, want one call for %v", r.calls, id)
	}
}
