package socket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

type fakeTransport struct {
	kind  TransportKind
	order *sendOrder // optional log shared across transports

	mu     sync.Mutex
	sent   []wireformat.ServerMessage
	closed bool
}

// sendOrder records which transport kind each Send went to, in order.
type sendOrder struct {
	mu    sync.Mutex
	kinds []TransportKind
}

func (f *fakeTransport) Kind() TransportKind { return f.kind }
func (f *fakeTransport) Send(_ wireformat.Encoding, msg wireformat.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.order != nil {
		f.order.mu.Lock()
		f.order.kinds = append(f.order.kinds, f.kind)
		f.order.mu.Unlock()
	}
	return nil
}
func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeGateway struct {
	perms map[domain.SecureKey]domain.Permissions
}

func (g *fakeGateway) PermissionsFor(_ domain.AppTaskId, key domain.SecureKey) (domain.Permissions, bool) {
	p, ok := g.perms[key]
	return p, ok
}
func (g *fakeGateway) ModifyTask(_ context.Context, _ domain.AppTaskId, _ domain.TaskSpec, _ uint64) (*domain.Task, error) {
	return &domain.Task{}, nil
}
func (g *fakeGateway) SetDesiredPlayState(_ domain.AppTaskId, _ domain.DesiredTaskPlayState) error {
	return nil
}

func runSupervisor(t *testing.T, gw TaskGateway) (*Supervisor, context.CancelFunc) {
	t.Helper()
	s := New(gw, nil, time.Minute, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return s, cancel
}

// drain gives the mailbox goroutine a moment to process posted work; the
// supervisor's operations are all single-goroutine and asynchronous by
// design, so tests poll rather than assume synchronous completion.
func drain() { time.Sleep(20 * time.Millisecond) }

func TestAttachToTaskDeniedWithoutPermission(t *testing.T) {
	gw := &fakeGateway{perms: map[domain.SecureKey]domain.Permissions{}}
	s, cancel := runSupervisor(t, gw)
	defer cancel()

	tr := &fakeTransport{kind: TransportWebSocket}
	s.RegisterSocket("s1", tr)

	taskId := domain.AppTaskId{AppId: "app1", TaskId: "t1"}
	msg := wireformat.ClientMessage{RequestAttachToTask: &wireformat.RequestAttachToTask{
		RequestId: "r1", TaskId: taskId, SecureKey: "bad-key",
	}}
	buf, _ := wireformat.Marshal(wireformat.JSON, msg)
	s.SocketReceived(context.Background(), "s1", buf, wireformat.JSON)
	drain()

	if tr.count() != 1 {
		t.Fatalf("sent = %d messages, want 1", tr.count())
	}
	if tr.sent[0].Response == nil || tr.sent[0].Response.Error == nil {
		t.Fatalf("response = %+v, want an AuthorizationDenied error", tr.sent[0].Response)
	}
}

func TestAttachToTaskThenPacketFansOut(t *testing.T) {
	gw := &fakeGateway{perms: map[domain.SecureKey]domain.Permissions{"good-key": {Transport: true}}}
	s, cancel := runSupervisor(t, gw)
	defer cancel()

	tr := &fakeTransport{kind: TransportWebSocket}
	s.RegisterSocket("s1", tr)

	taskId := domain.AppTaskId{AppId: "app1", TaskId: "t1"}
	msg := wireformat.ClientMessage{RequestAttachToTask: &wireformat.RequestAttachToTask{
		RequestId: "r1", TaskId: taskId, SecureKey: "good-key",
	}}
	buf, _ := wireformat.Marshal(wireformat.JSON, msg)
	s.SocketReceived(context.Background(), "s1", buf, wireformat.JSON)
	drain()

	if tr.count() != 1 || tr.sent[0].Response.Error != nil {
		t.Fatalf("attach response = %+v, want success", tr.sent[0])
	}

	packet := domain.NewStreamingPacket(0)
	s.PublishStreamingPacket(taskId, packet)
	drain()

	if tr.count() != 2 {
		t.Fatalf("sent = %d messages after publish, want 2 (attach ack + packet)", tr.count())
	}
	if tr.sent[1].TaskEvent == nil || tr.sent[1].TaskEvent.Kind != wireformat.TaskEventPacket {
		t.Errorf("second message = %+v, want a StreamingPacket task_event", tr.sent[1])
	}
}

func TestFanOutPrefersWebRTCOverWebSocket(t *testing.T) {
	gw := &fakeGateway{perms: map[domain.SecureKey]domain.Permissions{"good-key": {Transport: true}}}
	s, cancel := runSupervisor(t, gw)
	defer cancel()

	order := &sendOrder{}
	wsTr := &fakeTransport{kind: TransportWebSocket, order: order}
	rtcTr := &fakeTransport{kind: TransportWebRTC, order: order}
	s.RegisterSocket("ws1", wsTr)
	s.RegisterSocket("rtc1", rtcTr)

	taskId := domain.AppTaskId{AppId: "app1", TaskId: "t1"}
	for _, id := range []domain.SocketId{"ws1", "rtc1"} {
		msg := wireformat.ClientMessage{RequestAttachToTask: &wireformat.RequestAttachToTask{
			RequestId: "r", TaskId: taskId, SecureKey: "good-key",
		}}
		buf, _ := wireformat.Marshal(wireformat.JSON, msg)
		s.SocketReceived(context.Background(), id, buf, wireformat.JSON)
	}
	drain()

	s.PublishStreamingPacket(taskId, domain.NewStreamingPacket(0))
	drain()

	if wsTr.count() != 2 || rtcTr.count() != 2 {
		t.Fatalf("ws sent=%d rtc sent=%d, want 2 each (attach ack + packet)", wsTr.count(), rtcTr.count())
	}
	order.mu.Lock()
	defer order.mu.Unlock()
	// kinds[0:2] are the attach acks (ws1 then rtc1); kinds[2:4] the packet fan-out.
	if order.kinds[2] != TransportWebRTC || order.kinds[3] != TransportWebSocket {
		t.Errorf("packet fan-out order = %v, want WebRTC before WebSocket", order.kinds[2:])
	}
}

func TestSocketDroppedAfterMissedPongsClearsMembership(t *testing.T) {
	gw := &fakeGateway{perms: map[domain.SecureKey]domain.Permissions{"good-key": {Transport: true}}}
	s, cancel := runSupervisor(t, gw)
	defer cancel()

	tr := &fakeTransport{kind: TransportWebSocket}
	s.RegisterSocket("s1", tr)
	taskId := domain.AppTaskId{AppId: "app1", TaskId: "t1"}
	msg := wireformat.ClientMessage{RequestAttachToTask: &wireformat.RequestAttachToTask{
		RequestId: "r1", TaskId: taskId, SecureKey: "good-key",
	}}
	buf, _ := wireformat.Marshal(wireformat.JSON, msg)
	s.SocketReceived(context.Background(), "s1", buf, wireformat.JSON)
	drain()

	result := make(chan struct{})
	s.post(func() {
		s.sockets["s1"].lastPongAt = time.Now().Add(-10 * time.Second)
		close(result)
	})
	<-result

	s.post(func() { s.cleanup() })
	drain()

	done := make(chan bool, 1)
	s.post(func() {
		_, stillThere := s.sockets["s1"]
		done <- stillThere
	})
	if stillThere := <-done; stillThere {
		t.Error("socket still present after cleanup should have dropped it")
	}

	empty := make(chan bool, 1)
	s.post(func() { empty <- (len(s.members[taskId]) == 0) })
	if !<-empty {
		t.Error("task membership should be empty after its only socket dropped")
	}
}
