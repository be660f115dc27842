package task

import (
	"testing"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

func TestMediaWaitingAndReady(t *testing.T) {
	m := NewMedia()
	m.SetReferences([]domain.ObjectId{"a", "b"})

	waiting := m.WaitingForMedia()
	if len(waiting) != 2 || !waiting["a"] || !waiting["b"] {
		t.Fatalf("WaitingForMedia() = %v, want both unready", waiting)
	}

	changed := m.UpdateMedia(map[domain.ObjectId]domain.MediaObject{
		"a": {Id: "a", Path: "/media/a"},
	})
	if !changed {
		t.Error("UpdateMedia() should report the ready set changed")
	}

	waiting = m.WaitingForMedia()
	if len(waiting) != 1 || !waiting["b"] {
		t.Errorf("WaitingForMedia() after a ready = %v, want only b", waiting)
	}

	ready := m.ReadyForEngine()
	if ready["a"] != "/media/a" {
		t.Errorf("ReadyForEngine()[a] = %q, want /media/a", ready["a"])
	}

	unchanged := m.UpdateMedia(map[domain.ObjectId]domain.MediaObject{"a": {Id: "a", Path: "/media/a"}})
	if unchanged {
		t.Error("UpdateMedia() with no change to ready set should report false")
	}
}

func TestMediaWaitingConsidersCompletedUploadWithoutLocalPath(t *testing.T) {
	m := NewMedia()
	m.SetReferences([]domain.ObjectId{"a"})

	completed := domain.MediaObject{Id: "a"}
	domain.Set(&completed.Upload.State, domain.MediaTransferState{Kind: domain.MediaCompleted})
	m.UpdateMedia(map[domain.ObjectId]domain.MediaObject{"a": completed})

	waiting := m.WaitingForMedia()
	if waiting["a"] {
		t.Errorf("WaitingForMedia() = %v, want a not waiting once its upload completed", waiting)
	}

	// ReadyForEngine still requires a local path: a completed upload with
	// no local copy is not something the engine can read from disk.
	if _, ok := m.ReadyForEngine()["a"]; ok {
		t.Error("ReadyForEngine()[a] should be absent without a local path")
	}
}
