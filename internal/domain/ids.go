// Package domain holds the identifiers, value types, and error taxonomy
// shared by every component of the task-orchestration kernel.
package domain

import "fmt"

// AppId identifies the owning application (tenant) of a task.
type AppId string

// TaskId identifies a task within an app.
type TaskId string

// AppTaskId is the (app, task) pair used as the primary key for a live task.
type AppTaskId struct {
	AppId  AppId
	TaskId TaskId
}

func (a AppTaskId) String() string {
	return fmt.Sprintf("%s/%s", a.AppId, a.TaskId)
}

// FixedInstanceId identifies a configured hardware unit by its
// manufacturer/model/instance triple.
type FixedInstanceId struct {
	Manufacturer string
	Model        string
	Instance     string
}

func (f FixedInstanceId) String() string {
	return fmt.Sprintf("%s.%s.%s", f.Manufacturer, f.Model, f.Instance)
}

// ModelId identifies a hardware model's capability descriptor (manufacturer/model).
type ModelId struct {
	Manufacturer string
	Model        string
}

func (m ModelId) String() string {
	return fmt.Sprintf("%s.%s", m.Manufacturer, m.Model)
}

// EngineId identifies an audio-engine (Reaper) process.
type EngineId string

// SocketId identifies a connected client socket (WebSocket or WebRTC).
type SocketId string

// PlayId identifies one play session. Allocated by the client, carried
// through the whole play lifecycle.
type PlayId uint64

// RenderId identifies one render session. A uuid, allocated by the client.
type RenderId string

// ObjectId identifies a media object.
type ObjectId string

// SecureKey is an opaque per-task credential granting some Permissions.
type SecureKey string

// PadId identifies an audio graph input/output pad for metering purposes.
type PadId string
