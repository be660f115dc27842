package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

type fakeInstanceSource struct {
	mu        sync.Mutex
	snapshot  map[domain.FixedInstanceId]domain.FixedInstance
	desireLog []domain.FixedInstanceId
}

func (f *fakeInstanceSource) Snapshot() map[domain.FixedInstanceId]domain.FixedInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.FixedInstanceId]domain.FixedInstance, len(f.snapshot))
	for k, v := range f.snapshot {
		out[k] = v
	}
	return out
}

func (f *fakeInstanceSource) SetInstanceDesiredPlayState(id domain.FixedInstanceId, _ domain.DesiredInstancePlayState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desireLog = append(f.desireLog, id)
}

type fakeEngineSender struct {
	mu    sync.Mutex
	sent  []EngineCommand
}

func (f *fakeEngineSender) SendEngineCommand(_ context.Context, _ domain.EngineId, _ domain.AppTaskId, cmd EngineCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeEngineSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakePacketSink struct {
	mu      sync.Mutex
	packets []*domain.StreamingPacket
}

func (f *fakePacketSink) PublishStreamingPacket(_ domain.AppTaskId, p *domain.StreamingPacket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
}

func (f *fakePacketSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

type fakeBroadcast struct {
	mu     sync.Mutex
	states []domain.TaskState
}

func (f *fakeBroadcast) NotifyTaskState(_ domain.AppTaskId, s domain.TaskState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
}

func newTestActor() (*Actor, *fakeInstanceSource, *fakeEngineSender, *fakePacketSink, *fakeBroadcast) {
	src := &fakeInstanceSource{snapshot: map[domain.FixedInstanceId]domain.FixedInstance{}}
	send := &fakeEngineSender{}
	sink := &fakePacketSink{}
	bcast := &fakeBroadcast{}
	a := NewActor(domain.AppTaskId{AppId: "app1", TaskId: "task1"}, "engine1", src, send, sink, bcast, zerolog.Nop())
	return a, src, send, sink, bcast
}

func TestActorPlayPreparingToPlayingTransition(t *testing.T) {
	a, _, _, _, bcast := newTestActor()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.SetDesiredPlayState(domain.DesirePlay(1))
	if got := a.State().PlayState.Value.Kind; got != domain.TaskPreparingToPlay {
		t.Fatalf("PlayState = %v, want PreparingToPlay", got)
	}

	playId := domain.PlayId(1)
	a.NotifyEngineEvent(EngineEvent{Playing: &playId})

	deadline := time.After(2 * time.Second)
	for a.State().PlayState.Value.Kind != domain.TaskPlaying {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Playing transition")
		case <-time.After(10 * time.Millisecond):
		}
	}

	bcast.mu.Lock()
	n := len(bcast.states)
	bcast.mu.Unlock()
	if n == 0 {
		t.Error("expected at least one NotifyTaskState broadcast")
	}
}

func TestActorSecondDesiredBeforeAckDrivesToStoppingFirst(t *testing.T) {
	a, _, _, _, _ := newTestActor()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.SetDesiredPlayState(domain.DesirePlay(1))
	playId := domain.PlayId(1)
	a.NotifyEngineEvent(EngineEvent{Playing: &playId})

	deadline := time.After(2 * time.Second)
	for a.State().PlayState.Value.Kind != domain.TaskPlaying {
		select {
		case <-deadline:
			t.Fatal("timed out reaching Playing")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A render request arrives while still Playing: must drive to
	// StoppingPlay, never directly to PreparingToRender.
	a.SetDesiredPlayState(domain.DesireRender("r1"))
	got := a.State().PlayState.Value.Kind
	if got != domain.TaskStoppingPlay {
		t.Fatalf("PlayState = %v, want StoppingPlay (no direct transition allowed)", got)
	}
}

func TestActorEngineCommandSentOnReconcileTick(t *testing.T) {
	a, _, send, _, _ := newTestActor()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	deadline := time.After(2 * time.Second)
	for send.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for an engine command (expected initial SetSpec)")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
