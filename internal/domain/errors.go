package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of error variants the kernel can produce,
// matching the taxonomy of spec §7. Carried over the wire (bus replies,
// REST bodies) without stack traces.
type ErrorKind string

const (
	ErrTaskNotFound         ErrorKind = "TaskNotFound"
	ErrRevisionConflict     ErrorKind = "RevisionConflict"
	ErrRevisionMalformed    ErrorKind = "RevisionMalformed"
	ErrAuthorizationDenied  ErrorKind = "AuthorizationDenied"
	ErrBadGateway           ErrorKind = "BadGateway"
	ErrSocketNotFound       ErrorKind = "SocketNotFound"
	ErrSerialization        ErrorKind = "Serialization"
	ErrWebRTCError          ErrorKind = "WebRTCError"
	ErrNotImplemented       ErrorKind = "NotImplemented"
	ErrMediaNotReady        ErrorKind = "MediaNotReady"
	ErrSelfPoweredInstance  ErrorKind = "SelfPoweredInstance"
)

// Error is the single error type returned across every kernel boundary.
// Payload holds the minimal structured detail named by each ErrorKind in
// spec §7 (e.g. TaskId for TaskNotFound, Expected/Got for RevisionConflict).
type Error struct {
	Kind    ErrorKind
	Payload map[string]any
	msg     string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return string(e.Kind)
}

func newErr(kind ErrorKind, msg string, payload map[string]any) *Error {
	return &Error{Kind: kind, Payload: payload, msg: msg}
}

func NewTaskNotFound(id AppTaskId) *Error {
	return newErr(ErrTaskNotFound, fmt.Sprintf("task not found: %s", id), map[string]any{"task_id": id.String()})
}

func NewRevisionConflict(expected, got uint64) *Error {
	return newErr(ErrRevisionConflict, fmt.Sprintf("revision conflict: expected %d, got %d", expected, got),
		map[string]any{"expected": expected, "got": got})
}

func NewRevisionMalformed(raw string) *Error {
	return newErr(ErrRevisionMalformed, fmt.Sprintf("malformed revision: %q", raw), map[string]any{"raw": raw})
}

func NewAuthorizationDenied(capability string) *Error {
	return newErr(ErrAuthorizationDenied, fmt.Sprintf("missing capability: %s", capability), map[string]any{"capability": capability})
}

func NewBadGateway(detail string) *Error {
	return newErr(ErrBadGateway, detail, map[string]any{"detail": detail})
}

func NewSocketNotFound(id SocketId) *Error {
	return newErr(ErrSocketNotFound, fmt.Sprintf("socket not found: %s", id), map[string]any{"socket_id": string(id)})
}

func NewSerialization(detail string) *Error {
	return newErr(ErrSerialization, detail, map[string]any{"detail": detail})
}

func NewWebRTCError(detail string) *Error {
	return newErr(ErrWebRTCError, detail, map[string]any{"detail": detail})
}

func NewNotImplemented(call, reason string) *Error {
	return newErr(ErrNotImplemented, fmt.Sprintf("%s not implemented: %s", call, reason),
		map[string]any{"call": call, "reason": reason})
}

func NewMediaNotReady(ids []ObjectId) *Error {
	return newErr(ErrMediaNotReady, "render refused: media not ready", map[string]any{"ids": ids})
}

func NewSelfPoweredInstance(id FixedInstanceId) *Error {
	return newErr(ErrSelfPoweredInstance, fmt.Sprintf("instance %s names itself as its own power distributor", id),
		map[string]any{"instance_id": id.String()})
}

// HTTPStatus maps an ErrorKind to the status column of spec §7.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrTaskNotFound, ErrSocketNotFound:
		return 404
	case ErrRevisionConflict:
		return 409
	case ErrRevisionMalformed:
		return 400
	case ErrAuthorizationDenied:
		return 403
	case ErrBadGateway:
		return 502
	case ErrSerialization:
		return 500
	case ErrWebRTCError:
		return 500
	case ErrNotImplemented:
		return 501
	case ErrMediaNotReady:
		return 409
	case ErrSelfPoweredInstance:
		return 400
	default:
		return 500
	}
}

// AsError unwraps err into a *Error if possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
