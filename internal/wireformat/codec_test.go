package wireformat

import (
	"testing"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

func TestNegotiate(t *testing.T) {
	cases := []struct {
		accept string
		want   Encoding
	}{
		{"", JSON},
		{"application/json", JSON},
		{"application/msgpack", MsgPack},
		{"text/html, application/msgpack;q=0.9", MsgPack},
		{"application/xml", JSON},
	}
	for _, c := range cases {
		if got := Negotiate(c.accept); got != c.want {
			t.Errorf("Negotiate(%q) = %v, want %v", c.accept, got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	msg := ClientMessage{
		Type: "request_attach_to_task",
		RequestAttachToTask: &RequestAttachToTask{
			RequestId: "r1",
			TaskId:    domain.AppTaskId{AppId: "app1", TaskId: "task1"},
			SecureKey: "secret",
		},
	}

	for _, enc := range []Encoding{JSON, MsgPack} {
		data, err := Marshal(enc, msg)
		if err != nil {
			t.Fatalf("Marshal(%v) error: %v", enc, err)
		}
		var out ClientMessage
		if err := Unmarshal(enc, data, &out); err != nil {
			t.Fatalf("Unmarshal(%v) error: %v", enc, err)
		}
		if out.RequestAttachToTask == nil || out.RequestAttachToTask.RequestId != "r1" {
			t.Errorf("encoding %v: round trip mismatch: %+v", enc, out)
		}
		if out.RequestAttachToTask.TaskId != msg.RequestAttachToTask.TaskId {
			t.Errorf("encoding %v: task id mismatch: %+v", enc, out.RequestAttachToTask.TaskId)
		}
	}
}

func TestRoundTripServerMessage(t *testing.T) {
	packet := domain.NewStreamingPacket(3)
	packet.PlayId = 7
	msg := ServerMessage{
		Type: "task_event",
		TaskEvent: &TaskEvent{
			TaskId: domain.AppTaskId{AppId: "app1", TaskId: "task1"},
			Kind:   TaskEventPacket,
			Packet: packet,
		},
	}
	for _, enc := range []Encoding{JSON, MsgPack} {
		data, err := Marshal(enc, msg)
		if err != nil {
			t.Fatalf("Marshal(%v) error: %v", enc, err)
		}
		var out ServerMessage
		if err := Unmarshal(enc, data, &out); err != nil {
			t.Fatalf("Unmarshal(%v) error: %v", enc, err)
		}
		if out.TaskEvent == nil || out.TaskEvent.Packet == nil || out.TaskEvent.Packet.Serial != 3 {
			t.Errorf("encoding %v: round trip mismatch: %+v", enc, out)
		}
	}
}
