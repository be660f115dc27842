// Package task implements TaskMedia, TaskInstances, TaskEngine and
// TaskActor (spec §4.5-§4.7): the per-task reconciler that drives one
// live task's instances, engine session and streaming-packet emission.
package task

import "github.com/snarg/audiocloud-domaind/internal/domain"

// Media is the per-task view of media readiness (spec §4.5).
type Media struct {
	objects map[domain.ObjectId]domain.MediaObject
	refs    map[domain.ObjectId]bool // object ids the current TaskSpec references
}

func NewMedia() *Media {
	return &Media{
		objects: make(map[domain.ObjectId]domain.MediaObject),
		refs:    make(map[domain.ObjectId]bool),
	}
}

// SetReferences updates which object ids the task spec currently uses.
func (m *Media) SetReferences(ids []domain.ObjectId) {
	m.refs = make(map[domain.ObjectId]bool, len(ids))
	for _, id := range ids {
		m.refs[id] = true
	}
}

// UpdateMedia replaces state for the given objects, returning true if the
// set of ready (locally available, referenced) objects changed. TaskActor
// does not act on the return value; new local paths reach the engine through
// the SetSpec push Engine.Update makes when ReadyForEngine's map changes.
func (m *Media) UpdateMedia(updates map[domain.ObjectId]domain.MediaObject) bool {
	before := m.readyIds()
	for id, obj := range updates {
		m.objects[id] = obj
	}
	after := m.readyIds()
	return !sameSet(before, after)
}

func (m *Media) readyIds() map[domain.ObjectId]bool {
	out := make(map[domain.ObjectId]bool)
	for id, obj := range m.objects {
		if m.refs[id] && obj.Ready() {
			out[id] = true
		}
	}
	return out
}

func sameSet(a, b map[domain.ObjectId]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// WaitingForMedia returns the ids with neither a local path nor a
// completed upload — referenced objects not yet usable by the engine.
func (m *Media) WaitingForMedia() map[domain.ObjectId]bool {
	out := make(map[domain.ObjectId]bool)
	for id := range m.refs {
		obj, ok := m.objects[id]
		if !ok || (!obj.Ready() && !uploadCompleted(obj)) {
			out[id] = true
		}
	}
	return out
}

// uploadCompleted reports whether obj's upload leg has finished, the
// second disjunct of spec.md §4.5's waiting_for_media() condition
// ("neither a local path nor a completed upload").
func uploadCompleted(obj domain.MediaObject) bool {
	return obj.Upload.State.Value.Kind == domain.MediaCompleted
}

// ReadyForEngine returns the local path for every referenced object whose
// path is present, for TaskEngine's SetSpec payload.
func (m *Media) ReadyForEngine() map[domain.ObjectId]string {
	out := make(map[domain.ObjectId]string)
	for id := range m.refs {
		if obj, ok := m.objects[id]; ok && obj.Ready() {
			out[id] = obj.Path
		}
	}
	return out
}
