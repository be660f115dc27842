// Package bus wraps a NATS connection as the instance/engine backplane of
// spec §6: subjects of the form ac.inst.{manuf}.{model}.{inst}.{cmd|evt}
// and ac.aeng.{engine}.{cmd|evt}, MsgPack payloads, request/reply with the
// implicit 2s timeout of spec §5.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

// DefaultRequestTimeout is the implicit request timeout of spec §5.
const DefaultRequestTimeout = 2 * time.Second

// Bus is the process-wide messaging bus handle: cheap to clone, safe for
// concurrent use, initialised once at boot (spec §5).
type Bus struct {
	conn *nats.Conn
	log  zerolog.Logger
}

type Options struct {
	URL string
	Log zerolog.Logger
}

// Connect establishes the NATS connection used for the lifetime of the process.
func Connect(opts Options) (*Bus, error) {
	conn, err := nats.Connect(opts.URL,
		nats.Name("audiocloud-domaind"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				opts.Log.Warn().Err(err).Msg("bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			opts.Log.Info().Msg("bus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus connect: %w", err)
	}
	return &Bus{conn: conn, log: opts.Log}, nil
}

func (b *Bus) Close() {
	b.log.Info().Msg("closing bus connection")
	b.conn.Close()
}

// Publish is a fire-and-forget send, used for notifications where the
// best-effort semantics of spec §9 apply (log+continue on failure).
func (b *Bus) Publish(subject string, payload any) {
	data, err := wireformat.Marshal(wireformat.MsgPack, payload)
	if err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("bus publish marshal failed")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.log.Warn().Err(err).Str("subject", subject).Msg("bus publish failed")
	}
}

// Request issues a request/reply call with the implicit 2s timeout unless
// ctx carries a shorter deadline. Returns *domain.Error wrapping
// ErrBadGateway on timeout or transport failure, so callers can treat bus
// failures uniformly with other downstream errors.
func (b *Bus) Request(ctx context.Context, subject string, payload, reply any) error {
	data, err := wireformat.Marshal(wireformat.MsgPack, payload)
	if err != nil {
		return domain.NewSerialization(fmt.Sprintf("bus request marshal: %v", err))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return domain.NewBadGateway(fmt.Sprintf("bus request %s: %v", subject, err))
	}

	if reply == nil {
		return nil
	}
	if err := wireformat.Unmarshal(wireformat.MsgPack, msg.Data, reply); err != nil {
		return domain.NewSerialization(fmt.Sprintf("bus reply decode: %v", err))
	}
	return nil
}

// Handler processes one inbound message and returns the reply payload (or
// an error translated by the caller into the wire's SerializableResult).
type Handler func(subject string, payload []byte) ([]byte, error)

// Subscribe registers a queue-grouped subscription: only one process in a
// deployment handles a given subject if the domain is ever run redundantly.
func (b *Bus) Subscribe(subject, queue string, h Handler) (*nats.Subscription, error) {
	return b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		reply, err := h(msg.Subject, msg.Data)
		if msg.Reply == "" {
			if err != nil {
				b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("bus handler error (no reply expected)")
			}
			return
		}
		if err != nil {
			reply, _ = wireformat.Marshal(wireformat.MsgPack, errReply(err))
		}
		if pubErr := b.conn.Publish(msg.Reply, reply); pubErr != nil {
			b.log.Warn().Err(pubErr).Str("subject", msg.Subject).Msg("bus reply publish failed")
		}
	})
}

func errReply(err error) map[string]any {
	if de, ok := domain.AsError(err); ok {
		return map[string]any{"error": map[string]any{"kind": string(de.Kind), "payload": de.Payload}}
	}
	return map[string]any{"error": map[string]any{"kind": "BadGateway", "payload": map[string]any{"detail": err.Error()}}}
}

// InstanceSubject builds the ac.inst.{manuf}.{model}.{inst}.{suffix} subject.
func InstanceSubject(id domain.FixedInstanceId, suffix string) string {
	return fmt.Sprintf("ac.inst.%s.%s.%s.%s", id.Manufacturer, id.Model, id.Instance, suffix)
}

// EngineSubject builds the ac.aeng.{engine}.{suffix} subject.
func EngineSubject(id domain.EngineId, suffix string) string {
	return fmt.Sprintf("ac.aeng.%s.%s", id, suffix)
}
