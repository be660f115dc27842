package domain

import "time"

// TaskPlayState is the actual, observed play state of a task. Exactly one
// variant holds at any time (spec §8 universal invariant).
type TaskPlayStateKind int

const (
	TaskStopped TaskPlayStateKind = iota
	TaskPreparingToPlay
	TaskPlaying
	TaskPreparingToRender
	TaskRendering
	TaskStoppingPlay
	TaskStoppingRender
)

func (k TaskPlayStateKind) String() string {
	switch k {
	case TaskStopped:
		return "Stopped"
	case TaskPreparingToPlay:
		return "PreparingToPlay"
	case TaskPlaying:
		return "Playing"
	case TaskPreparingToRender:
		return "PreparingToRender"
	case TaskRendering:
		return "Rendering"
	case TaskStoppingPlay:
		return "StoppingPlay"
	case TaskStoppingRender:
		return "StoppingRender"
	default:
		return "Unknown"
	}
}

// TaskPlayState pairs the state kind with whichever id is relevant
// (PlayId for the Play* states, RenderId for the Render* states).
type TaskPlayState struct {
	Kind     TaskPlayStateKind
	PlayId   PlayId
	RenderId RenderId
}

func Stopped() TaskPlayState { return TaskPlayState{Kind: TaskStopped} }
func PreparingToPlay(p PlayId) TaskPlayState {
	return TaskPlayState{Kind: TaskPreparingToPlay, PlayId: p}
}
func Playing(p PlayId) TaskPlayState { return TaskPlayState{Kind: TaskPlaying, PlayId: p} }
func PreparingToRender(r RenderId) TaskPlayState {
	return TaskPlayState{Kind: TaskPreparingToRender, RenderId: r}
}
func Rendering(r RenderId) TaskPlayState { return TaskPlayState{Kind: TaskRendering, RenderId: r} }
func StoppingPlay(p PlayId) TaskPlayState {
	return TaskPlayState{Kind: TaskStoppingPlay, PlayId: p}
}
func StoppingRender(r RenderId) TaskPlayState {
	return TaskPlayState{Kind: TaskStoppingRender, RenderId: r}
}

// DesiredTaskPlayStateKind is the client-requested target play state.
type DesiredTaskPlayStateKind int

const (
	DesiredStopped DesiredTaskPlayStateKind = iota
	DesiredPlay
	DesiredRender
)

type DesiredTaskPlayState struct {
	Kind     DesiredTaskPlayStateKind
	PlayId   PlayId
	RenderId RenderId
}

func DesireStopped() DesiredTaskPlayState { return DesiredTaskPlayState{Kind: DesiredStopped} }
func DesirePlay(p PlayId) DesiredTaskPlayState {
	return DesiredTaskPlayState{Kind: DesiredPlay, PlayId: p}
}
func DesireRender(r RenderId) DesiredTaskPlayState {
	return DesiredTaskPlayState{Kind: DesiredRender, RenderId: r}
}

// TaskState is the task's play-state pair, each independently timestamped.
type TaskState struct {
	PlayState        Timestamped[TaskPlayState]
	DesiredPlayState Timestamped[DesiredTaskPlayState]
}

func NewTaskState() TaskState {
	return TaskState{
		PlayState:        NewTimestamped(Stopped()),
		DesiredPlayState: NewTimestamped(DesireStopped()),
	}
}

// Permissions is the capability set a SecureKey grants on a task.
type Permissions struct {
	Transport  bool
	ModifySpec bool
}

// ReservationWindow is a fixed-instance reservation over a half-open time
// window [From, To).
type ReservationWindow struct {
	InstanceId FixedInstanceId
	From       time.Time
	To         time.Time
}

// Contains reports whether t falls within [From, To).
func (r ReservationWindow) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

// TrackSpec, FixedInstanceSlot, DynamicInstanceSlot, MixerSpec and
// ConnectionSpec together describe the audio graph a task's engine must
// render. The kernel treats the graph as an opaque blob for engine
// purposes beyond the instance/media references it must extract.
type TrackSpec struct {
	Id   string
	Name string
}

type FixedInstanceSlot struct {
	SlotId     string
	InstanceId FixedInstanceId
}

type DynamicInstanceSlot struct {
	SlotId  string
	ModelId ModelId
}

type MixerSpec struct {
	Id string
}

type ConnectionSpec struct {
	From string
	To   string
}

// MediaSpec references a media object used as a track's source within the
// graph (e.g. a backing track or a render destination).
type MediaSpec struct {
	SlotId   string
	ObjectId ObjectId
}

// TaskSpec is the graph of tracks, instance slots, mixers and connections
// a task's engine session must implement.
type TaskSpec struct {
	Tracks           []TrackSpec
	FixedInstances   []FixedInstanceSlot
	DynamicInstances []DynamicInstanceSlot
	Mixers           []MixerSpec
	Connections      []ConnectionSpec
	Media            []MediaSpec
}

// InstanceIds returns the fixed-instance ids the spec references.
func (s TaskSpec) InstanceIds() []FixedInstanceId {
	ids := make([]FixedInstanceId, 0, len(s.FixedInstances))
	for _, slot := range s.FixedInstances {
		ids = append(ids, slot.InstanceId)
	}
	return ids
}

// ObjectIds returns the media object ids the spec references.
func (s TaskSpec) ObjectIds() []ObjectId {
	ids := make([]ObjectId, 0, len(s.Media))
	for _, m := range s.Media {
		ids = append(ids, m.ObjectId)
	}
	return ids
}

// Task is the persisted+live record for one scheduled reservation window,
// owned by TaskSupervisor.
type Task struct {
	Id           AppTaskId
	Revision     uint64
	Spec         TaskSpec
	Reservations []ReservationWindow
	Security     map[SecureKey]Permissions
	State        TaskState
	EngineId     EngineId
}

// ReservationsContain reports whether t falls within any reservation window.
func (t *Task) ReservationsContain(when time.Time) bool {
	for _, r := range t.Reservations {
		if r.Contains(when) {
			return true
		}
	}
	return false
}

// PermissionsFor returns the Permissions granted by key, and whether the
// key is known to the task at all.
func (t *Task) PermissionsFor(key SecureKey) (Permissions, bool) {
	p, ok := t.Security[key]
	return p, ok
}
