package task

import (
	"reflect"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/tracker"
)

// EngineCommandKind selects which engine command Engine.Update emits.
type EngineCommandKind int

const (
	EngineCmdPlay EngineCommandKind = iota
	EngineCmdRender
	EngineCmdStopPlay
	EngineCmdStopRender
	EngineCmdSetSpec
	EngineCmdSeek
)

// EngineCommand is the at-most-one-per-tick command TaskEngine.Update emits
// for TaskActor to send over the bus (spec §4.6).
type EngineCommand struct {
	Kind EngineCommandKind

	PlayId   domain.PlayId
	RenderId domain.RenderId
	Position uint64

	Spec         domain.TaskSpec
	Instances    []domain.FixedInstanceId
	MediaReady   map[domain.ObjectId]string
}

// Engine holds the desired play state for the engine and a monotone
// revision number incremented on every desired-state mutation, used as
// the client's ETag-style concurrency token (spec §4.6).
type Engine struct {
	desired  domain.DesiredTaskPlayState
	revision uint64

	instancesReady bool
	actual         domain.TaskPlayState

	spec          domain.TaskSpec
	specPushed    bool
	lastInstances []domain.FixedInstanceId
	lastMedia     map[domain.ObjectId]string

	tracker *tracker.Tracker
}

func NewEngine() *Engine {
	return &Engine{
		desired: domain.DesireStopped(),
		actual:  domain.Stopped(),
		tracker: tracker.New(),
	}
}

// SetDesiredState stores the client's requested state and returns the new
// revision, for ETag-style optimistic concurrency.
func (e *Engine) SetDesiredState(d domain.DesiredTaskPlayState) uint64 {
	e.desired = d
	e.revision++
	e.tracker.Reset()
	return e.revision
}

func (e *Engine) Revision() uint64 { return e.revision }

func (e *Engine) SetInstancesAreReady(ready bool) { e.instancesReady = ready }

func (e *Engine) SetActualPlaying(p domain.PlayId)     { e.actual = domain.Playing(p) }
func (e *Engine) SetActualRendering(r domain.RenderId) { e.actual = domain.Rendering(r) }
func (e *Engine) SetActualStopped()                    { e.actual = domain.Stopped() }

// SetSpec updates the graph spec the engine must implement, to be pushed
// on the next Update() call if it changed.
func (e *Engine) SetSpec(spec domain.TaskSpec) {
	if !reflect.DeepEqual(spec, e.spec) {
		e.spec = spec
		e.specPushed = false
	}
}

// ShouldBePlaying gates whether arriving compressed audio belongs to the
// current session (spec §4.6).
func (e *Engine) ShouldBePlaying(playId domain.PlayId) bool {
	return e.actual.Kind == domain.TaskPlaying && e.actual.PlayId == playId
}

// Update emits at most one command per invocation, respecting the
// RequestTracker, per the emission rules of spec §4.6.
func (e *Engine) Update(instances []domain.FixedInstanceId, mediaReady map[domain.ObjectId]string) *EngineCommand {
	if !e.specPushed || !sameInstanceSet(e.lastInstances, instances) || !sameMediaSet(e.lastMedia, mediaReady) {
		e.specPushed = true
		e.lastInstances = append([]domain.FixedInstanceId(nil), instances...)
		e.lastMedia = mediaReady
		return &EngineCommand{Kind: EngineCmdSetSpec, Spec: e.spec, Instances: instances, MediaReady: mediaReady}
	}

	if !e.tracker.ShouldRetry() {
		return nil
	}

	switch e.desired.Kind {
	case domain.DesiredPlay:
		if e.actual.Kind != domain.TaskPlaying || e.actual.PlayId != e.desired.PlayId {
			if e.instancesReady {
				e.tracker.Retried()
				return &EngineCommand{Kind: EngineCmdPlay, PlayId: e.desired.PlayId}
			}
		}
	case domain.DesiredRender:
		if e.actual.Kind != domain.TaskRendering || e.actual.RenderId != e.desired.RenderId {
			if e.instancesReady && e.mediaReadyForSpec(mediaReady) {
				e.tracker.Retried()
				return &EngineCommand{Kind: EngineCmdRender, RenderId: e.desired.RenderId}
			}
		}
	case domain.DesiredStopped:
		switch e.actual.Kind {
		case domain.TaskPlaying, domain.TaskPreparingToPlay:
			e.tracker.Retried()
			return &EngineCommand{Kind: EngineCmdStopPlay, PlayId: e.actual.PlayId}
		case domain.TaskRendering, domain.TaskPreparingToRender:
			e.tracker.Retried()
			return &EngineCommand{Kind: EngineCmdStopRender, RenderId: e.actual.RenderId}
		}
	}
	return nil
}

// mediaReadyForSpec reports whether every media object the current spec
// references is present in mediaReady, per spec §4.6's "media ready" gate
// on Render and §8 Scenario 6 (withhold Render while an input is still
// uploading).
func (e *Engine) mediaReadyForSpec(mediaReady map[domain.ObjectId]string) bool {
	for _, id := range e.spec.ObjectIds() {
		if _, ok := mediaReady[id]; !ok {
			return false
		}
	}
	return true
}

func sameInstanceSet(a, b []domain.FixedInstanceId) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[domain.FixedInstanceId]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			return false
		}
	}
	return true
}

func sameMediaSet(a, b map[domain.ObjectId]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
