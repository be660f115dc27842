package task

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

const (
	reconcileTick        = 30 * time.Millisecond
	maxPacketAgeDefault  = 250 * time.Millisecond
	maxPacketAudioFrames = 4
)

// InstanceSource is the collaborator Actor polls for FixedInstance state
// and writes desired-state changes to (spec §4.7 step 1; implemented by
// internal/instance.Supervisor).
type InstanceSource interface {
	Snapshot() map[domain.FixedInstanceId]domain.FixedInstance
	SetInstanceDesiredPlayState(id domain.FixedInstanceId, desired domain.DesiredInstancePlayState)
}

// EngineSender issues an engine command over the messaging bus.
type EngineSender interface {
	SendEngineCommand(ctx context.Context, engineId domain.EngineId, taskId domain.AppTaskId, cmd EngineCommand) error
}

// PacketSink receives flushed StreamingPackets for fan-out (spec §4.9).
type PacketSink interface {
	PublishStreamingPacket(taskId domain.AppTaskId, packet *domain.StreamingPacket)
}

// BroadcastSink receives task-level change notifications (spec §4.7
// "NotifyTaskSpec/Security/Reservation/State").
type BroadcastSink interface {
	NotifyTaskState(taskId domain.AppTaskId, state domain.TaskState)
}

// EngineEvent is the union of events NotifyEngineEvent carries.
type EngineEvent struct {
	Playing         *domain.PlayId
	Rendering       *domain.RenderId
	Stopped         bool
	RenderComplete  *domain.RenderId
	RenderFailed    *domain.RenderId
	PlayingFailed   *domain.PlayId
	Err             string

	AudioFrame  *domain.CompressedAudio
	InputMeters map[domain.PadId]domain.Metering
	OutputMeters map[domain.PadId]domain.Metering
}

// Actor is one TaskActor: the per-task reconciler of spec §4.7.
type Actor struct {
	id     domain.AppTaskId
	engine domain.EngineId

	instances *Instances
	media     *Media
	taskEngine *Engine

	instanceSrc InstanceSource
	engineSend  EngineSender
	packetSink  PacketSink
	broadcast   BroadcastSink
	log         zerolog.Logger

	mailbox chan func()
	done    chan struct{}

	state      domain.TaskState
	packet     *domain.StreamingPacket
	nextSerial uint64

	specInstanceIds []domain.FixedInstanceId
	maxPacketAge    time.Duration
}

func NewActor(id domain.AppTaskId, engineId domain.EngineId, src InstanceSource, send EngineSender, sink PacketSink, broadcast BroadcastSink, log zerolog.Logger) *Actor {
	a := &Actor{
		id:          id,
		engine:      engineId,
		instances:   NewInstances(),
		media:       NewMedia(),
		taskEngine:  NewEngine(),
		instanceSrc: src,
		engineSend:  send,
		packetSink:  sink,
		broadcast:   broadcast,
		log:         log.With().Str("task", id.String()).Logger(),
		mailbox:     make(chan func(), 64),
		done:        make(chan struct{}),
		state:       domain.NewTaskState(),
		maxPacketAge: maxPacketAgeDefault,
	}
	a.packet = domain.NewStreamingPacket(0)
	return a
}

func (a *Actor) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(a.done)
			return
		case fn := <-a.mailbox:
			fn()
		case <-ticker.C:
			a.reconcile(ctx)
		}
	}
}

func (a *Actor) post(fn func()) {
	select {
	case a.mailbox <- fn:
	case <-a.done:
	}
}

// SetSpec updates the task's graph spec, tracked instances and media
// references, per spec §4.7/§4.8's NotifyTaskSpec wiring.
func (a *Actor) SetSpec(spec domain.TaskSpec) {
	a.post(func() {
		for _, id := range a.specInstanceIds {
			a.instances.Untrack(id)
		}
		a.specInstanceIds = spec.InstanceIds()
		for _, id := range a.specInstanceIds {
			a.instances.Track(id)
		}
		a.media.SetReferences(spec.ObjectIds())
		a.taskEngine.SetSpec(spec)
	})
}

// SetDesiredPlayState is SetTaskDesiredPlayState: applies the play/render
// lifecycle rule that a second desired-state change before the previous
// acks must first drive back to Stopped via the stopping states (spec §4.7).
func (a *Actor) SetDesiredPlayState(desired domain.DesiredTaskPlayState) {
	a.post(func() {
		current := a.state.PlayState.Value
		if desired.Kind != domain.DesiredStopped && !isStoppedLike(current) {
			// A new play/render request arrives before the in-flight one
			// settled: force a stop first; the desired write after Stopped
			// is dropped here and must be reissued by the client once
			// observed Stopped (mirrors the abstract transition diagram).
			a.driveToStopped()
			return
		}
		domain.Set(&a.state.DesiredPlayState, desired)
		a.taskEngine.SetDesiredState(desired)
		a.instances.SetDesiredState(instanceDesiredFrom(desired))
		a.advanceDesired(desired)
		a.notifyState()
	})
}

func isStoppedLike(s domain.TaskPlayState) bool {
	return s.Kind == domain.TaskStopped
}

// instanceDesiredFrom translates a task's client-facing desired play state
// into the instance-level desired state TaskInstances compares against
// each FixedInstance's own desired (spec §4.4).
func instanceDesiredFrom(d domain.DesiredTaskPlayState) domain.DesiredInstancePlayState {
	switch d.Kind {
	case domain.DesiredPlay:
		return domain.DesiredInstancePlayState{Kind: domain.InstanceDesiredPlaying, PlayId: d.PlayId}
	case domain.DesiredRender:
		return domain.DesiredInstancePlayState{Kind: domain.InstanceDesiredRendering, RenderId: d.RenderId}
	default:
		return domain.DesiredInstancePlayState{Kind: domain.InstanceDesiredStopped}
	}
}

func (a *Actor) driveToStopped() {
	switch a.state.PlayState.Value.Kind {
	case domain.TaskPreparingToPlay, domain.TaskPlaying:
		domain.Set(&a.state.PlayState, domain.StoppingPlay(a.state.PlayState.Value.PlayId))
	case domain.TaskPreparingToRender, domain.TaskRendering:
		domain.Set(&a.state.PlayState, domain.StoppingRender(a.state.PlayState.Value.RenderId))
	}
	domain.Set(&a.state.DesiredPlayState, domain.DesireStopped())
	a.taskEngine.SetDesiredState(domain.DesireStopped())
	a.instances.SetDesiredState(domain.DesiredInstancePlayState{Kind: domain.InstanceDesiredStopped})
	a.notifyState()
}

func (a *Actor) advanceDesired(desired domain.DesiredTaskPlayState) {
	switch desired.Kind {
	case domain.DesiredPlay:
		if a.state.PlayState.Value.Kind == domain.TaskStopped {
			domain.Set(&a.state.PlayState, domain.PreparingToPlay(desired.PlayId))
		}
	case domain.DesiredRender:
		if a.state.PlayState.Value.Kind == domain.TaskStopped {
			domain.Set(&a.state.PlayState, domain.PreparingToRender(desired.RenderId))
		}
	case domain.DesiredStopped:
		switch a.state.PlayState.Value.Kind {
		case domain.TaskPreparingToPlay, domain.TaskPlaying:
			domain.Set(&a.state.PlayState, domain.StoppingPlay(a.state.PlayState.Value.PlayId))
		case domain.TaskPreparingToRender, domain.TaskRendering:
			domain.Set(&a.state.PlayState, domain.StoppingRender(a.state.PlayState.Value.RenderId))
		}
	}
}

// CancelRender drives an in-flight render to stopped.
func (a *Actor) CancelRender() {
	a.post(func() { a.driveToStopped() })
}

// Seek issues a desired-state-preserving seek command to the engine: it
// does not touch play_state or the desired-state revision, only the
// engine's playback position (spec §6 transport/seek, supplemented from
// original_source/ — see SPEC_FULL.md).
func (a *Actor) Seek(ctx context.Context, position uint64) {
	a.post(func() {
		go a.sendEngineCommand(ctx, EngineCommand{Kind: EngineCmdSeek, Position: position})
	})
}

// NotifyFixedInstanceState is the batched per-tick pull target; Actor
// copies supervisor snapshots into its TaskInstances mirror.
func (a *Actor) NotifyFixedInstanceState(states map[domain.FixedInstanceId]domain.FixedInstance) {
	a.post(func() {
		for id, fi := range states {
			a.instances.UpdateState(id, fi)
		}
	})
}

// NotifyMediaTaskState applies a batch of media object updates.
func (a *Actor) NotifyMediaTaskState(updates map[domain.ObjectId]domain.MediaObject) {
	a.post(func() { a.media.UpdateMedia(updates) })
}

// NotifyEngineEvent applies an engine event: play-state transitions and
// packet accumulation (spec §4.7).
func (a *Actor) NotifyEngineEvent(ev EngineEvent) {
	a.post(func() { a.applyEngineEvent(ev) })
}

func (a *Actor) applyEngineEvent(ev EngineEvent) {
	switch {
	case ev.Playing != nil:
		if a.state.PlayState.Value.Kind == domain.TaskPreparingToPlay {
			domain.Set(&a.state.PlayState, domain.Playing(*ev.Playing))
			a.taskEngine.SetActualPlaying(*ev.Playing)
			a.notifyState()
		}
		a.accumulatePacket(ev)
	case ev.Rendering != nil:
		if a.state.PlayState.Value.Kind == domain.TaskPreparingToRender {
			domain.Set(&a.state.PlayState, domain.Rendering(*ev.Rendering))
			a.taskEngine.SetActualRendering(*ev.Rendering)
			a.notifyState()
		}
		a.accumulatePacket(ev)
	case ev.Stopped:
		domain.Set(&a.state.PlayState, domain.Stopped())
		a.taskEngine.SetActualStopped()
		a.notifyState()
	case ev.RenderComplete != nil:
		domain.Set(&a.state.PlayState, domain.Stopped())
		a.taskEngine.SetActualStopped()
		a.notifyState()
	case ev.RenderFailed != nil, ev.PlayingFailed != nil:
		a.packet.Errors = append(a.packet.Errors, domain.NewTimestamped(domain.TaskPacketError{
			Kind: domain.PacketErrorGeneral, Detail: ev.Err,
		}))
		domain.Set(&a.state.PlayState, domain.Stopped())
		a.taskEngine.SetActualStopped()
		a.notifyState()
	}
}

func (a *Actor) accumulatePacket(ev EngineEvent) {
	offset := time.Since(a.packet.CreatedAt).Milliseconds()
	if ev.AudioFrame != nil {
		a.packet.Audio = append(a.packet.Audio, domain.DiffStamped[domain.CompressedAudio]{OffsetMs: offset, Value: *ev.AudioFrame})
	}
	for pad, m := range ev.InputMeters {
		a.packet.NodeInputs[pad] = append(a.packet.NodeInputs[pad], domain.DiffStamped[domain.Metering]{OffsetMs: offset, Value: m})
	}
	for pad, m := range ev.OutputMeters {
		a.packet.NodeOutputs[pad] = append(a.packet.NodeOutputs[pad], domain.DiffStamped[domain.Metering]{OffsetMs: offset, Value: m})
	}
	a.maybeFlushPacket()
}

func (a *Actor) maybeFlushPacket() {
	aged := time.Since(a.packet.CreatedAt) >= a.maxPacketAge
	full := len(a.packet.Audio) >= maxPacketAudioFrames
	if !aged && !full {
		return
	}
	a.flushPacket()
}

func (a *Actor) flushPacket() {
	a.packet.PlayState = a.state.PlayState.Value
	a.packet.DesiredPlayState = a.state.DesiredPlayState.Value
	a.packet.WaitingForInstances = a.instances.WaitingForInstances(a.instanceSrc)
	a.packet.WaitingForMedia = a.media.WaitingForMedia()
	a.packetSink.PublishStreamingPacket(a.id, a.packet)

	a.nextSerial++
	a.packet = domain.NewStreamingPacket(a.nextSerial)
}

func (a *Actor) notifyState() {
	a.broadcast.NotifyTaskState(a.id, a.state)
}

// reconcile is the 30ms tick: pull instance states, drive engine, emit
// commands (spec §4.7 Reconciliation loop).
func (a *Actor) reconcile(ctx context.Context) {
	a.post(func() {
		for id, fi := range a.instanceSrc.Snapshot() {
			a.instances.UpdateState(id, fi)
		}

		anyWaiting := a.instances.AnyWaiting(a.instanceSrc)
		a.taskEngine.SetInstancesAreReady(!anyWaiting)

		cmd := a.taskEngine.Update(a.specInstanceIds, a.media.ReadyForEngine())
		if cmd == nil {
			a.maybeFlushPacket()
			return
		}
		// Detached from the actor's context so a command already sent drains
		// to its reply (or the bus timeout) even after the actor stops.
		go a.sendEngineCommand(context.WithoutCancel(ctx), *cmd)
	})
}

func (a *Actor) sendEngineCommand(ctx context.Context, cmd EngineCommand) {
	if err := a.engineSend.SendEngineCommand(ctx, a.engine, a.id, cmd); err != nil {
		a.post(func() {
			a.packet.Errors = append(a.packet.Errors, domain.NewTimestamped(domain.TaskPacketError{
				Kind: domain.PacketErrorGeneral, Detail: err.Error(),
			}))
		})
	}
}

// State returns a copy of the task's current play state, for REST reads.
func (a *Actor) State() domain.TaskState {
	result := make(chan domain.TaskState, 1)
	a.post(func() { result <- a.state })
	return <-result
}
