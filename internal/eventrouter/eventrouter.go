// Package eventrouter subscribes to the messaging bus's wildcard event
// subjects (ac.aeng.*.evt, ac.inst.*.*.*.evt) and dispatches decoded
// payloads to TaskSupervisor and InstanceSupervisor, completing the
// "engine/instance events -> supervisor -> actor" dataflow of spec §2.
// Grounded on the teacher's internal/mqttclient message-dispatch shape
// (one handler, pattern-matched and routed by topic/subject), generalized
// from MQTT callback registration to NATS queue subscriptions.
package eventrouter

import (
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/bus"
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/instance"
	"github.com/snarg/audiocloud-domaind/internal/task"
	"github.com/snarg/audiocloud-domaind/internal/wireformat"
)

// TaskRouter is the subset of *tasksupervisor.Supervisor event routing needs.
type TaskRouter interface {
	RouteEngineEvent(taskId domain.AppTaskId, ev task.EngineEvent)
	RouteMediaUpdate(taskId domain.AppTaskId, updates map[domain.ObjectId]domain.MediaObject)
}

// InstanceRouter is the subset of *instance.Supervisor driver-event routing needs.
type InstanceRouter interface {
	OnDriverEvent(id domain.FixedInstanceId, ev instance.DriverEvent)
}

// Router owns the NATS subscriptions for the process's lifetime.
type Router struct {
	bus  *bus.Bus
	subs []*nats.Subscription
	log  zerolog.Logger
}

// New subscribes to the engine and instance event wildcards. Subscriptions
// are queue-grouped under "domaind" so only one process in a redundant
// deployment handles a given event (spec §5 "freely cloned, process-wide").
func New(b *bus.Bus, tasks TaskRouter, instances InstanceRouter, log zerolog.Logger) (*Router, error) {
	r := &Router{bus: b, log: log}

	engineSub, err := b.Subscribe("ac.aeng.*.evt", "domaind", func(subject string, payload []byte) ([]byte, error) {
		r.handleEngineEvent(subject, payload, tasks)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	r.subs = append(r.subs, engineSub)

	instSub, err := b.Subscribe("ac.inst.*.*.*.evt", "domaind", func(subject string, payload []byte) ([]byte, error) {
		r.handleInstanceEvent(subject, payload, instances)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	r.subs = append(r.subs, instSub)

	return r, nil
}

func (r *Router) handleEngineEvent(subject string, payload []byte, tasks TaskRouter) {
	var envelope task.EngineEventEnvelope
	if err := wireformat.Unmarshal(wireformat.MsgPack, payload, &envelope); err != nil {
		r.log.Warn().Err(err).Str("subject", subject).Msg("eventrouter: decode engine event failed")
		return
	}
	tasks.RouteEngineEvent(envelope.TaskId, envelope.Event)
}

// instanceIdFromSubject parses ac.inst.{manuf}.{model}.{inst}.evt back into
// a FixedInstanceId, the inverse of bus.InstanceSubject.
func instanceIdFromSubject(subject string) (domain.FixedInstanceId, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 6 || parts[0] != "ac" || parts[1] != "inst" {
		return domain.FixedInstanceId{}, false
	}
	return domain.FixedInstanceId{Manufacturer: parts[2], Model: parts[3], Instance: parts[4]}, true
}

func (r *Router) handleInstanceEvent(subject string, payload []byte, instances InstanceRouter) {
	id, ok := instanceIdFromSubject(subject)
	if !ok {
		r.log.Warn().Str("subject", subject).Msg("eventrouter: malformed instance event subject")
		return
	}
	var ev instance.DriverEvent
	if err := wireformat.Unmarshal(wireformat.MsgPack, payload, &ev); err != nil {
		r.log.Warn().Err(err).Str("subject", subject).Msg("eventrouter: decode instance event failed")
		return
	}
	instances.OnDriverEvent(id, ev)
}

// Close unsubscribes from every subject, for graceful shutdown.
func (r *Router) Close() {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
}
