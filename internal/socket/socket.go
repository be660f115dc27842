// Package socket implements SocketSupervisor (spec §4.9): owns client
// sockets and per-task membership, caches flushed StreamingPackets for
// reattach, fans them out preferring WebRTC over WebSocket, and prunes
// sockets that miss their liveness pings. Grounded on the teacher's
// internal/ingest/eventbus.go pub/sub-with-ring-buffer shape, generalized
// from SSE replay to a TTL'd packet cache plus liveness pruning.
package socket

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

const (
	defaultPingInterval       = 1000 * time.Millisecond
	defaultDropTimeout        = 5 * time.Second
	defaultCacheCleanupTick   = 250 * time.Millisecond
	defaultCacheRetention     = 60 * time.Second
)

// TransportKind distinguishes a socket's underlying transport, used to
// prefer WebRTC over WebSocket on fan-out (spec §4.9 "sort-by-variant").
type TransportKind int

const (
	TransportWebSocket TransportKind = iota
	TransportWebRTC
)

// Transport is the per-connection send primitive; internal/wsproto supplies
// the WebSocket and WebRTC implementations.
type Transport interface {
	Kind() TransportKind
	Send(enc wireformat.Encoding, msg wireformat.ServerMessage) error
	Close() error
}

// TaskGateway is the subset of internal/tasksupervisor.Supervisor the
// SocketSupervisor needs to authorize and forward client requests.
type TaskGateway interface {
	PermissionsFor(taskId domain.AppTaskId, key domain.SecureKey) (domain.Permissions, bool)
	ModifyTask(ctx context.Context, id domain.AppTaskId, spec domain.TaskSpec, expectedRevision uint64) (*domain.Task, error)
	SetDesiredPlayState(id domain.AppTaskId, desired domain.DesiredTaskPlayState) error
}

// PeerConnectionBroker negotiates WebRTC peer connections; internal/wsproto
// implements it atop pion/webrtc.
type PeerConnectionBroker interface {
	CreatePeerConnection(ctx context.Context, sdpOffer string) (answerSdp string, rtcSocketId domain.SocketId, err error)
	SubmitCandidate(rtcSocketId domain.SocketId, iceCandidate string) error
}

type clientSocket struct {
	id         domain.SocketId
	transport  Transport
	connected  bool
	lastPongAt time.Time
	nextChallenge uint64
}

func (s *clientSocket) valid(now time.Time) bool {
	return s.connected && now.Sub(s.lastPongAt) < defaultDropTimeout
}

type cacheKey struct {
	taskId domain.AppTaskId
	playId domain.PlayId
	serial uint64
}

type cacheEntry struct {
	packet    *domain.StreamingPacket
	expiresAt time.Time
}

// Supervisor is SocketSupervisor.
type Supervisor struct {
	mailbox chan func()
	done    chan struct{}

	sockets map[domain.SocketId]*clientSocket

	// membership: task -> member socket ids; each member socket's secure key
	// is recorded for permission lookups on ModifyTaskSpec/SetDesiredPlayState.
	members    map[domain.AppTaskId]map[domain.SocketId]domain.SecureKey
	socketTask map[domain.SocketId]domain.AppTaskId // a socket attaches to at most one task at a time

	cache map[cacheKey]cacheEntry

	gateway       TaskGateway
	peers         PeerConnectionBroker
	cacheRetention time.Duration
	log           zerolog.Logger
}

func New(gateway TaskGateway, peers PeerConnectionBroker, cacheRetention time.Duration, log zerolog.Logger) *Supervisor {
	if cacheRetention <= 0 {
		cacheRetention = defaultCacheRetention
	}
	return &Supervisor{
		mailbox:        make(chan func(), 256),
		done:           make(chan struct{}),
		sockets:        make(map[domain.SocketId]*clientSocket),
		members:        make(map[domain.AppTaskId]map[domain.SocketId]domain.SecureKey),
		socketTask:     make(map[domain.SocketId]domain.AppTaskId),
		cache:          make(map[cacheKey]cacheEntry),
		gateway:        gateway,
		peers:          peers,
		cacheRetention: cacheRetention,
		log:            log,
	}
}

// Run drives the ping and cache-cleanup ticks alongside the mailbox; per
// spec §4.9 these ticks never suspend the component.
func (s *Supervisor) Run(ctx context.Context) {
	pingTicker := time.NewTicker(defaultPingInterval)
	cleanupTicker := time.NewTicker(defaultCacheCleanupTick)
	defer pingTicker.Stop()
	defer cleanupTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(s.done)
			return
		case fn := <-s.mailbox:
			fn()
		case <-pingTicker.C:
			s.pingAll()
		case <-cleanupTicker.C:
			s.cleanup()
		}
	}
}

func (s *Supervisor) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.done:
	}
}

// RegisterSocket admits a newly connected socket (spec §4.9).
func (s *Supervisor) RegisterSocket(id domain.SocketId, transport Transport) {
	s.post(func() {
		s.sockets[id] = &clientSocket{id: id, transport: transport, connected: true, lastPongAt: time.Now()}
	})
}

// SocketReceived decodes a ClientMessage and dispatches it (spec §4.9).
func (s *Supervisor) SocketReceived(ctx context.Context, id domain.SocketId, payload []byte, enc wireformat.Encoding) {
	var msg wireformat.ClientMessage
	if err := wireformat.Unmarshal(enc, payload, &msg); err != nil {
		s.log.Warn().Err(err).Str("socket", string(id)).Msg("socket: malformed client message")
		return
	}
	s.post(func() { s.dispatch(ctx, id, msg, enc) })
}

func (s *Supervisor) dispatch(ctx context.Context, id domain.SocketId, msg wireformat.ClientMessage, enc wireformat.Encoding) {
	sock, ok := s.sockets[id]
	if !ok {
		return
	}
	switch {
	case msg.RequestAttachToTask != nil:
		s.handleAttach(sock, enc, *msg.RequestAttachToTask)
	case msg.RequestDetachFromTask != nil:
		s.detach(id)
		s.reply(sock, enc, msg.RequestDetachFromTask.RequestId, struct{}{}, nil)
	case msg.RequestModifyTaskSpec != nil:
		s.handleModifySpec(ctx, sock, enc, *msg.RequestModifyTaskSpec)
	case msg.RequestSetDesiredPlayState != nil:
		s.handleSetDesired(sock, enc, *msg.RequestSetDesiredPlayState)
	case msg.RequestPeerConnection != nil:
		s.handlePeerConnection(ctx, sock, enc, *msg.RequestPeerConnection)
	case msg.SubmitPeerConnectionCandidate != nil:
		s.handleCandidate(sock, enc, *msg.SubmitPeerConnectionCandidate)
	case msg.Pong != nil:
		sock.lastPongAt = time.Now()
	}
}

func (s *Supervisor) handleAttach(sock *clientSocket, enc wireformat.Encoding, req wireformat.RequestAttachToTask) {
	perms, ok := s.gateway.PermissionsFor(req.TaskId, req.SecureKey)
	if !ok || !perms.Transport {
		s.reply(sock, enc, req.RequestId, nil, domain.NewAuthorizationDenied("transport"))
		return
	}
	if existing, ok := s.socketTask[sock.id]; ok {
		s.removeMembership(existing, sock.id)
	}
	s.socketTask[sock.id] = req.TaskId
	if s.members[req.TaskId] == nil {
		s.members[req.TaskId] = make(map[domain.SocketId]domain.SecureKey)
	}
	s.members[req.TaskId][sock.id] = req.SecureKey
	s.reply(sock, enc, req.RequestId, struct{}{}, nil)
}

func (s *Supervisor) handleModifySpec(ctx context.Context, sock *clientSocket, enc wireformat.Encoding, req wireformat.RequestModifyTaskSpec) {
	key, ok := s.memberKey(sock.id, req.TaskId)
	if !ok {
		s.reply(sock, enc, req.RequestId, nil, domain.NewAuthorizationDenied("modify_spec"))
		return
	}
	perms, _ := s.gateway.PermissionsFor(req.TaskId, key)
	if !perms.ModifySpec {
		s.reply(sock, enc, req.RequestId, nil, domain.NewAuthorizationDenied("modify_spec"))
		return
	}
	_, err := s.gateway.ModifyTask(ctx, req.TaskId, req.ModifySpec, req.Revision)
	s.reply(sock, enc, req.RequestId, struct{}{}, asDomainError(err))
}

func (s *Supervisor) handleSetDesired(sock *clientSocket, enc wireformat.Encoding, req wireformat.RequestSetDesiredPlayState) {
	key, ok := s.memberKey(sock.id, req.TaskId)
	if !ok {
		s.reply(sock, enc, req.RequestId, nil, domain.NewAuthorizationDenied("transport"))
		return
	}
	perms, _ := s.gateway.PermissionsFor(req.TaskId, key)
	if !perms.Transport {
		s.reply(sock, enc, req.RequestId, nil, domain.NewAuthorizationDenied("transport"))
		return
	}
	err := s.gateway.SetDesiredPlayState(req.TaskId, req.Desired)
	s.reply(sock, enc, req.RequestId, struct{}{}, asDomainError(err))
}

func (s *Supervisor) handlePeerConnection(ctx context.Context, sock *clientSocket, enc wireformat.Encoding, req wireformat.RequestPeerConnection) {
	if s.peers == nil {
		s.reply(sock, enc, req.RequestId, nil, domain.NewNotImplemented("RequestPeerConnection", "no WebRTC broker configured"))
		return
	}
	answer, rtcId, err := s.peers.CreatePeerConnection(ctx, req.SdpOffer)
	if err != nil {
		s.reply(sock, enc, req.RequestId, nil, domain.NewWebRTCError(err.Error()))
		return
	}
	s.reply(sock, enc, req.RequestId, map[string]any{"sdp_answer": answer, "socket_id": rtcId}, nil)
}

func (s *Supervisor) handleCandidate(sock *clientSocket, enc wireformat.Encoding, req wireformat.SubmitPeerConnectionCandidate) {
	if s.peers == nil {
		s.reply(sock, enc, req.RequestId, nil, domain.NewNotImplemented("SubmitPeerConnectionCandidate", "no WebRTC broker configured"))
		return
	}
	if _, ok := s.sockets[req.SocketId]; !ok {
		s.reply(sock, enc, req.RequestId, nil, domain.NewSocketNotFound(req.SocketId))
		return
	}
	if err := s.peers.SubmitCandidate(req.SocketId, req.IceCandidate); err != nil {
		s.reply(sock, enc, req.RequestId, nil, domain.NewWebRTCError(err.Error()))
		return
	}
	s.reply(sock, enc, req.RequestId, struct{}{}, nil)
}

func (s *Supervisor) memberKey(id domain.SocketId, taskId domain.AppTaskId) (domain.SecureKey, bool) {
	members, ok := s.members[taskId]
	if !ok {
		return "", false
	}
	key, ok := members[id]
	return key, ok
}

func asDomainError(err error) *domain.Error {
	if err == nil {
		return nil
	}
	if de, ok := domain.AsError(err); ok {
		return de
	}
	return domain.NewBadGateway(err.Error())
}

func (s *Supervisor) reply(sock *clientSocket, enc wireformat.Encoding, requestId string, ok any, derr *domain.Error) {
	resp := &wireformat.Response{RequestId: requestId}
	if derr != nil {
		resp.Error = wireformat.ErrorBodyFrom(derr)
	} else {
		resp.Ok = ok
	}
	_ = sock.transport.Send(enc, wireformat.ServerMessage{Type: "response", Response: resp})
}

// PublishStreamingPacket implements task.PacketSink: caches the packet and
// fans it out to the task's members, WebRTC sockets first (spec §4.9).
func (s *Supervisor) PublishStreamingPacket(taskId domain.AppTaskId, packet *domain.StreamingPacket) {
	s.post(func() {
		key := cacheKey{taskId: taskId, playId: packet.PlayId, serial: packet.Serial}
		s.cache[key] = cacheEntry{packet: packet, expiresAt: time.Now().Add(s.cacheRetention)}

		members := s.members[taskId]
		if len(members) == 0 {
			return
		}
		targets := make([]*clientSocket, 0, len(members))
		for id := range members {
			if sock, ok := s.sockets[id]; ok {
				targets = append(targets, sock)
			}
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].transport.Kind() > targets[j].transport.Kind() })

		msg := wireformat.ServerMessage{Type: "task_event", TaskEvent: &wireformat.TaskEvent{
			TaskId: taskId, Kind: wireformat.TaskEventPacket, Packet: packet,
		}}
		for _, sock := range targets {
			_ = sock.transport.Send(wireformat.MsgPack, msg)
		}
	})
}

// NotifyTaskState implements task.BroadcastSink: fans a state change to
// every socket attached to the task.
func (s *Supervisor) NotifyTaskState(taskId domain.AppTaskId, state domain.TaskState) {
	s.post(func() {
		members := s.members[taskId]
		if len(members) == 0 {
			return
		}
		msg := wireformat.ServerMessage{Type: "task_event", TaskEvent: &wireformat.TaskEvent{
			TaskId: taskId, Kind: wireformat.TaskEventState, State: &state,
		}}
		for id := range members {
			if sock, ok := s.sockets[id]; ok {
				_ = sock.transport.Send(wireformat.MsgPack, msg)
			}
		}
	})
}

func (s *Supervisor) pingAll() {
	s.post(func() {
		for _, sock := range s.sockets {
			sock.nextChallenge++
			_ = sock.transport.Send(wireformat.MsgPack, wireformat.ServerMessage{
				Type: "ping", Ping: &wireformat.Ping{Challenge: sock.nextChallenge},
			})
		}
	})
}

// cleanup prunes expired cache entries and sockets that failed liveness,
// dropping their memberships per spec §4.9's membership-pruning rule.
func (s *Supervisor) cleanup() {
	s.post(func() {
		now := time.Now()
		for key, entry := range s.cache {
			if now.After(entry.expiresAt) {
				delete(s.cache, key)
			}
		}
		for id, sock := range s.sockets {
			if !sock.valid(now) {
				s.removeSocket(id)
			}
		}
	})
}

// detach drops id's membership in whichever task it is currently attached
// to, without removing the socket itself.
func (s *Supervisor) detach(id domain.SocketId) {
	if taskId, ok := s.socketTask[id]; ok {
		s.removeMembership(taskId, id)
		delete(s.socketTask, id)
	}
}

func (s *Supervisor) removeMembership(taskId domain.AppTaskId, id domain.SocketId) {
	members, ok := s.members[taskId]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.members, taskId)
	}
}

// removeSocket drops a socket entirely: closes its transport, clears its
// membership, forgets it (spec §4.9 membership pruning).
func (s *Supervisor) removeSocket(id domain.SocketId) {
	sock, ok := s.sockets[id]
	if !ok {
		return
	}
	_ = sock.transport.Close()
	s.detach(id)
	delete(s.sockets, id)
}

// Unregister is the external-facing removal hook (transport-reported
// disconnect), per spec §4.9 "its underlying transport reports disconnected".
func (s *Supervisor) Unregister(id domain.SocketId) {
	s.post(func() { s.removeSocket(id) })
}
