package task

import (
	"context"

	"github.com/snarg/audiocloud-domaind/internal/bus"
	"github.com/snarg/audiocloud-domaind/internal/domain"
)

// busEngineSender is the production EngineSender, issuing engine commands
// over the ac.aeng.{engine}.cmd.* subjects of spec §6.
type busEngineSender struct{ b *bus.Bus }

func NewBusEngineSender(b *bus.Bus) EngineSender { return &busEngineSender{b: b} }

func (s *busEngineSender) SendEngineCommand(ctx context.Context, engineId domain.EngineId, taskId domain.AppTaskId, cmd EngineCommand) error {
	switch cmd.Kind {
	case EngineCmdSetSpec:
		return s.b.Request(ctx, bus.EngineSubject(engineId, "cmd.set_spec"), map[string]any{
			"task_id": taskId, "spec": cmd.Spec, "instances": cmd.Instances, "media_ready": cmd.MediaReady,
		}, nil)
	case EngineCmdPlay:
		return s.b.Request(ctx, bus.EngineSubject(engineId, "cmd.play"), map[string]any{
			"task_id": taskId, "play_id": cmd.PlayId,
		}, nil)
	case EngineCmdRender:
		return s.b.Request(ctx, bus.EngineSubject(engineId, "cmd.render"), map[string]any{
			"task_id": taskId, "render_id": cmd.RenderId,
		}, nil)
	case EngineCmdStopPlay:
		return s.b.Request(ctx, bus.EngineSubject(engineId, "cmd.stop_play"), map[string]any{
			"task_id": taskId, "play_id": cmd.PlayId,
		}, nil)
	case EngineCmdStopRender:
		return s.b.Request(ctx, bus.EngineSubject(engineId, "cmd.stop_render"), map[string]any{
			"task_id": taskId, "render_id": cmd.RenderId,
		}, nil)
	case EngineCmdSeek:
		return s.b.Request(ctx, bus.EngineSubject(engineId, "cmd.seek"), map[string]any{
			"task_id": taskId, "position": cmd.Position,
		}, nil)
	default:
		return nil
	}
}

// EngineEventEnvelope is the wire shape of an ac.aeng.{engine}.evt message:
// every engine event names the task it concerns, since one engine process
// may host several tasks' sessions concurrently (spec §4.8 least-loaded
// allocation).
type EngineEventEnvelope struct {
	TaskId domain.AppTaskId `msgpack:"task_id"`
	Event  EngineEvent      `msgpack:"event"`
}
