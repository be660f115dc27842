package task

import (
	"testing"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

func TestEnginePushesSetSpecFirst(t *testing.T) {
	e := NewEngine()
	e.SetSpec(domain.TaskSpec{Tracks: []domain.TrackSpec{{Id: "t1"}}})

	cmd := e.Update(nil, nil)
	if cmd == nil || cmd.Kind != EngineCmdSetSpec {
		t.Fatalf("Update() = %+v, want SetSpec first", cmd)
	}

	// Second call with unchanged instances/media should not re-push SetSpec.
	cmd = e.Update(nil, nil)
	if cmd != nil {
		t.Errorf("Update() = %+v, want nil (no desired state, spec already pushed)", cmd)
	}
}

func TestEngineEmitsPlayWhenReady(t *testing.T) {
	e := NewEngine()
	e.Update(nil, nil) // consume the initial SetSpec push
	e.SetDesiredState(domain.DesirePlay(5))
	e.SetInstancesAreReady(true)

	cmd := e.Update(nil, nil)
	if cmd == nil || cmd.Kind != EngineCmdPlay || cmd.PlayId != 5 {
		t.Fatalf("Update() = %+v, want Play{5}", cmd)
	}
}

func TestEngineWithholdsPlayUntilInstancesReady(t *testing.T) {
	e := NewEngine()
	e.Update(nil, nil)
	e.SetDesiredState(domain.DesirePlay(5))
	e.SetInstancesAreReady(false)

	if cmd := e.Update(nil, nil); cmd != nil {
		t.Errorf("Update() = %+v, want nil while instances not ready", cmd)
	}
}

func TestEngineEmitsStopPlayWhenDesiredStopped(t *testing.T) {
	e := NewEngine()
	e.Update(nil, nil)
	e.SetActualPlaying(5)
	e.SetDesiredState(domain.DesireStopped())

	cmd := e.Update(nil, nil)
	if cmd == nil || cmd.Kind != EngineCmdStopPlay || cmd.PlayId != 5 {
		t.Fatalf("Update() = %+v, want StopPlay{5}", cmd)
	}
}

// TestEngineWithholdsRenderUntilMediaReady covers spec §4.6's "media ready"
// gate and §8 Scenario 6: Render must stay withheld while a referenced
// object has no local path yet, and once it arrives SetSpec carrying the
// new path goes out before Render.
func TestEngineWithholdsRenderUntilMediaReady(t *testing.T) {
	e := NewEngine()
	e.SetSpec(domain.TaskSpec{Media: []domain.MediaSpec{{SlotId: "in1", ObjectId: "obj1"}}})
	e.Update(nil, nil) // consume the initial SetSpec push
	e.SetDesiredState(domain.DesireRender("r1"))
	e.SetInstancesAreReady(true)

	if cmd := e.Update(nil, nil); cmd != nil {
		t.Fatalf("Update() = %+v, want nil while obj1 has no local path", cmd)
	}

	ready := map[domain.ObjectId]string{"obj1": "/media/obj1.flac"}
	cmd := e.Update(nil, ready)
	if cmd == nil || cmd.Kind != EngineCmdSetSpec {
		t.Fatalf("Update() = %+v, want SetSpec carrying obj1's new path", cmd)
	}

	cmd = e.Update(nil, ready)
	if cmd == nil || cmd.Kind != EngineCmdRender || cmd.RenderId != "r1" {
		t.Fatalf("Update() = %+v, want Render{r1} once obj1 is ready", cmd)
	}
}

func TestShouldBePlayingGatesBySession(t *testing.T) {
	e := NewEngine()
	e.SetActualPlaying(5)
	if !e.ShouldBePlaying(5) {
		t.Error("ShouldBePlaying(5) = false, want true for current play session")
	}
	if e.ShouldBePlaying(6) {
		t.Error("ShouldBePlaying(6) = true, want false for a stale session")
	}
}
