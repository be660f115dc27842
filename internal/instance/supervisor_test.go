package instance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

type recordingNotifier struct {
	mu     sync.Mutex
	errors map[domain.AppTaskId][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{errors: make(map[domain.AppTaskId][]string)}
}

func (n *recordingNotifier) NotifyInstanceState(domain.AppTaskId, domain.FixedInstanceId, domain.PowerState, domain.MediaState) {
}
func (n *recordingNotifier) NotifyInstanceReports(domain.AppTaskId, domain.FixedInstanceId, map[string]map[int]any) {
}
func (n *recordingNotifier) NotifyInstanceError(owner domain.AppTaskId, _ domain.FixedInstanceId, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors[owner] = append(n.errors[owner], detail)
}

func (n *recordingNotifier) errCount(owner domain.AppTaskId) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errors[owner])
}

func TestSupervisorRoutesByOwner(t *testing.T) {
	notifier := newRecordingNotifier()
	sup := NewSupervisor(notifier, zerolog.Nop())

	id := testId()
	owner := domain.AppTaskId{AppId: "app1", TaskId: "task1"}
	sup.SetOwner(id, owner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Add(ctx, id, domain.Model{}, domain.PowerSpec{}, &fakeDriver{}, zerolog.Nop())

	sup.OnDriverEvent(id, DriverEvent{IOError: "boom"})

	deadline := time.After(2 * time.Second)
	for notifier.errCount(owner) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for routed error notification")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSupervisorDropsUnknownInstance(t *testing.T) {
	notifier := newRecordingNotifier()
	sup := NewSupervisor(notifier, zerolog.Nop())

	// No Add() call: routing to an unregistered instance must be a silent drop.
	sup.SetInstanceParameters(testId(), map[string]map[int]any{"GAIN": {0: 1.0}})
	sup.SetInstanceDesiredPlayState(testId(), domain.DesiredInstancePlayState{})
	sup.OnDriverEvent(testId(), DriverEvent{IOError: "ignored"})

	if _, ok := sup.Get(testId()); ok {
		t.Fatal("expected no instance registered")
	}
}

func TestSupervisorRemoveClearsOwner(t *testing.T) {
	notifier := newRecordingNotifier()
	sup := NewSupervisor(notifier, zerolog.Nop())
	id := testId()
	owner := domain.AppTaskId{AppId: "app1", TaskId: "task1"}
	sup.SetOwner(id, owner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Add(ctx, id, domain.Model{}, domain.PowerSpec{}, &fakeDriver{}, zerolog.Nop())

	sup.Remove(id)
	if _, ok := sup.Get(id); ok {
		t.Fatal("expected instance removed")
	}
	if _, ok := sup.ownerOf(id); ok {
		t.Fatal("expected owner index cleared on Remove")
	}
}
