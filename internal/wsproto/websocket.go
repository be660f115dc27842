// Package wsproto implements the client-facing transports of spec §4.9/§6:
// a gorilla/websocket upgrade handler feeding SocketSupervisor, and a
// pion/webrtc data-channel broker for the lower-latency streaming path
// SocketSupervisor prefers when both are attached to the same task. The
// HTTP-handler and connection-registration shape mirrors the teacher's
// internal/api server wiring; the framing loop is new, since the teacher
// has no persistent client connection (its nearest analogue is the SSE
// ring-buffer subscriber in internal/ingest/eventbus.go).
package wsproto

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/socket"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

const (
	writeWait  = 5 * time.Second
	maxMessage = 1 << 20
)

// SocketRegistry is the subset of socket.Supervisor the WebSocket handler
// drives.
type SocketRegistry interface {
	RegisterSocket(id domain.SocketId, transport socket.Transport)
	SocketReceived(ctx context.Context, id domain.SocketId, payload []byte, enc wireformat.Encoding)
	Unregister(id domain.SocketId)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Client origin is the app operator's own front end; the task's
	// SecureKey (sent in the first RequestAttachToTask) is the real
	// authorization boundary, so the origin check stays permissive like
	// the teacher's CORSWithOrigins does for unconfigured origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts one upgraded connection to socket.Transport. Writes are
// serialized behind a mutex so concurrent Send calls never interleave frames
// on the connection; the read-pump itself never calls Send.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) Kind() socket.TransportKind { return socket.TransportWebSocket }

func (t *wsTransport) Send(enc wireformat.Encoding, msg wireformat.ServerMessage) error {
	data, err := wireformat.Marshal(enc, msg)
	if err != nil {
		return err
	}
	frameType := websocket.TextMessage
	if enc == wireformat.MsgPack {
		frameType = websocket.BinaryMessage
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(frameType, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Handler serves the WebSocket upgrade endpoint and pumps frames into the
// registry until the connection drops.
type Handler struct {
	registry SocketRegistry
	log      zerolog.Logger
}

func NewHandler(registry SocketRegistry, log zerolog.Logger) *Handler {
	return &Handler{registry: registry, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("wsproto: upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessage)

	id := domain.SocketId(uuid.NewString())
	transport := &wsTransport{conn: conn}
	h.registry.RegisterSocket(id, transport)
	h.log.Debug().Str("socket", string(id)).Msg("wsproto: socket connected")

	h.pump(r.Context(), id, conn)
}

// pump is the read loop: one goroutine per connection, blocking on
// ReadMessage and posting each frame to the registry's mailbox, matching
// the teacher's one-goroutine-per-connection treatment of long-lived
// streaming endpoints (its SSE handlers block similarly on a subscriber
// channel instead of a socket read).
func (h *Handler) pump(ctx context.Context, id domain.SocketId, conn *websocket.Conn) {
	defer h.registry.Unregister(id)
	defer conn.Close()
	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Debug().Err(err).Str("socket", string(id)).Msg("wsproto: socket disconnected")
			return
		}
		enc := wireformat.JSON
		if frameType == websocket.BinaryMessage {
			enc = wireformat.MsgPack
		}
		h.registry.SocketReceived(ctx, id, data, enc)
	}
}
