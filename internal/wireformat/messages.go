package wireformat

import "github.com/snarg/audiocloud-domaind/internal/domain"

// ClientMessage is the envelope for every client→server WebSocket message
// (spec §6). Exactly one of the typed fields is populated; the receiver
// dispatches on which field is non-nil, and Type is not consulted.
type ClientMessage struct {
	Type string `json:"type" msgpack:"type"`

	RequestAttachToTask       *RequestAttachToTask       `json:"request_attach_to_task,omitempty" msgpack:"request_attach_to_task,omitempty"`
	RequestDetachFromTask     *RequestDetachFromTask     `json:"request_detach_from_task,omitempty" msgpack:"request_detach_from_task,omitempty"`
	RequestModifyTaskSpec     *RequestModifyTaskSpec     `json:"request_modify_task_spec,omitempty" msgpack:"request_modify_task_spec,omitempty"`
	RequestSetDesiredPlayState *RequestSetDesiredPlayState `json:"request_set_desired_play_state,omitempty" msgpack:"request_set_desired_play_state,omitempty"`
	RequestPeerConnection     *RequestPeerConnection     `json:"request_peer_connection,omitempty" msgpack:"request_peer_connection,omitempty"`
	SubmitPeerConnectionCandidate *SubmitPeerConnectionCandidate `json:"submit_peer_connection_candidate,omitempty" msgpack:"submit_peer_connection_candidate,omitempty"`
	Pong                      *Pong                      `json:"pong,omitempty" msgpack:"pong,omitempty"`
}

type RequestAttachToTask struct {
	RequestId string         `json:"request_id" msgpack:"request_id"`
	TaskId    domain.AppTaskId `json:"task_id" msgpack:"task_id"`
	SecureKey domain.SecureKey `json:"secure_key" msgpack:"secure_key"`
}

type RequestDetachFromTask struct {
	RequestId string `json:"request_id" msgpack:"request_id"`
}

type RequestModifyTaskSpec struct {
	RequestId string         `json:"request_id" msgpack:"request_id"`
	TaskId    domain.AppTaskId `json:"task_id" msgpack:"task_id"`
	ModifySpec domain.TaskSpec `json:"modify_spec" msgpack:"modify_spec"`
	Revision  uint64         `json:"revision" msgpack:"revision"`
}

type RequestSetDesiredPlayState struct {
	RequestId string                     `json:"request_id" msgpack:"request_id"`
	TaskId    domain.AppTaskId             `json:"task_id" msgpack:"task_id"`
	Desired   domain.DesiredTaskPlayState `json:"desired" msgpack:"desired"`
	Revision  uint64                     `json:"revision" msgpack:"revision"`
}

type RequestPeerConnection struct {
	RequestId string `json:"request_id" msgpack:"request_id"`
	SdpOffer  string `json:"sdp_offer" msgpack:"sdp_offer"`
}

type SubmitPeerConnectionCandidate struct {
	RequestId    string         `json:"request_id" msgpack:"request_id"`
	SocketId     domain.SocketId `json:"socket_id" msgpack:"socket_id"`
	IceCandidate string         `json:"ice_candidate" msgpack:"ice_candidate"`
}

type Pong struct {
	Challenge uint64 `json:"challenge" msgpack:"challenge"`
	Response  uint64 `json:"response" msgpack:"response"`
}

// ServerMessage is the envelope for every server→client message.
type ServerMessage struct {
	Type string `json:"type" msgpack:"type"`

	Response  *Response  `json:"response,omitempty" msgpack:"response,omitempty"`
	Ping      *Ping      `json:"ping,omitempty" msgpack:"ping,omitempty"`
	TaskEvent *TaskEvent `json:"task_event,omitempty" msgpack:"task_event,omitempty"`
}

// Response carries the result of a client request, echoing its RequestId.
// Exactly one of Ok/Error is set.
type Response struct {
	RequestId string      `json:"request_id" msgpack:"request_id"`
	Ok        any         `json:"ok,omitempty" msgpack:"ok,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty" msgpack:"error,omitempty"`
}

type ErrorBody struct {
	Kind    string         `json:"kind" msgpack:"kind"`
	Payload map[string]any `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

func ErrorBodyFrom(err *domain.Error) *ErrorBody {
	return &ErrorBody{Kind: string(err.Kind), Payload: err.Payload}
}

type Ping struct {
	Challenge uint64 `json:"challenge" msgpack:"challenge"`
}

// TaskEventKind selects which variant of TaskEvent is populated.
type TaskEventKind string

const (
	TaskEventPacket  TaskEventKind = "StreamingPacket"
	TaskEventState   TaskEventKind = "StateChanged"
	TaskEventDeleted TaskEventKind = "Deleted"
)

type TaskEvent struct {
	TaskId domain.AppTaskId `json:"task_id" msgpack:"task_id"`
	Kind   TaskEventKind    `json:"kind" msgpack:"kind"`

	Packet *domain.StreamingPacket `json:"packet,omitempty" msgpack:"packet,omitempty"`
	State  *domain.TaskState       `json:"state,omitempty" msgpack:"state,omitempty"`
}
