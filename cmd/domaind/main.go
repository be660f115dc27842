// Command domaind is the task-orchestration kernel's process entrypoint:
// it wires Db, the messaging bus, InstanceSupervisor, TaskSupervisor,
// SocketSupervisor, the WebSocket/WebRTC transports and the REST server,
// then blocks until a shutdown signal — sequenced the way the teacher's
// cmd/tr-engine/main.go wires its own pipeline/server stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/api"
	"github.com/snarg/audiocloud-domaind/internal/bootconfig"
	"github.com/snarg/audiocloud-domaind/internal/bus"
	"github.com/snarg/audiocloud-domaind/internal/config"
	"github.com/snarg/audiocloud-domaind/internal/db"
	"github.com/snarg/audiocloud-domaind/internal/domain"
	"github.com/snarg/audiocloud-domaind/internal/eventrouter"
	"github.com/snarg/audiocloud-domaind/internal/instance"
	"github.com/snarg/audiocloud-domaind/internal/mediastore"
	"github.com/snarg/audiocloud-domaind/internal/mediatransfer"
	"github.com/snarg/audiocloud-domaind/internal/metrics"
	"github.com/snarg/audiocloud-domaind/internal/socket"
	"github.com/snarg/audiocloud-domaind/internal/task"
	"github.com/snarg/audiocloud-domaind/internal/tasksupervisor"
	"github.com/snarg/audiocloud-domaind/internal/wsproto"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.Bind, "bind", "", "Bind address (overrides BIND)")
	flag.IntVar(&overrides.Port, "port", 0, "Listen port (overrides PORT)")
	flag.StringVar(&overrides.ConfigSource, "config-source", "", "Bootstrap config source: file or cloud")
	flag.StringVar(&overrides.ConfigFile, "config-file", "", "Bootstrap JSON config file path")
	flag.StringVar(&overrides.CloudURL, "cloud-url", "", "Cloud bootstrap config URL")
	flag.StringVar(&overrides.APIKey, "api-key", "", "API bearer key (REST auth, cloud bootstrap auth)")
	flag.StringVar(&overrides.DatabaseFile, "database-file", "", "Badger database directory")
	flag.StringVar(&overrides.MediaRoot, "media-root", "", "Local media storage root")
	flag.StringVar(&overrides.NATSURL, "nats-url", "", "NATS server URL")
	flag.IntVar(&overrides.PacketCacheMaxRetentionMs, "packet-cache-max-retention-ms", 0, "Streaming packet cache retention in ms")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("domaind %s (commit=%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("commit", commit).Msg("domaind starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DatabaseFile, log.With().Str("component", "db").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	messageBus, err := bus.Connect(bus.Options{URL: cfg.NATSURL, Log: log.With().Str("component", "bus").Logger()})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to messaging bus")
	}
	defer messageBus.Close()

	store, err := mediastore.New(mediastore.Config{MediaRoot: cfg.MediaRoot}, log.With().Str("component", "mediastore").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize media store")
	}

	boot, err := bootconfig.Discover(cfg, log.With().Str("component", "bootconfig").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to discover bootstrap config")
	}

	driver := instance.NewBusDriverClient(messageBus)

	var instSup *instance.Supervisor
	var taskSup *tasksupervisor.Supervisor
	var sockSup *socket.Supervisor

	instSup = instance.NewSupervisor(notifierAdapter{taskSupRef: &taskSup}, log.With().Str("component", "instance").Logger())

	if err := boot.Apply(ctx, instSup, driver, log); err != nil {
		log.Fatal().Err(err).Msg("failed to apply bootstrap instance config")
	}

	engineSender := task.NewBusEngineSender(messageBus)

	actorFactory := func(runCtx context.Context, id domain.AppTaskId, engineId domain.EngineId) tasksupervisor.ActorHandle {
		actorLog := log.With().Str("component", "task_actor").Str("task", id.String()).Logger()
		actor := task.NewActor(id, engineId, instSup, engineSender, sockSupAdapter{sockSupRef: &sockSup}, sockSupAdapter{sockSupRef: &sockSup}, actorLog)
		go actor.Run(runCtx)
		return actor
	}

	taskSup = tasksupervisor.New(database, instSup, actorFactory, boot.Engines, log.With().Str("component", "tasksupervisor").Logger())
	if err := taskSup.BecomeOnline(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bring task supervisor online")
	}

	mediaCoord := mediatransfer.New(database, store, taskSup, log.With().Str("component", "mediatransfer").Logger())

	broker := wsproto.NewBroker(nil, parseICEServers(cfg.ICEServers), log.With().Str("component", "webrtc").Logger())
	sockSup = socket.New(taskSup, broker, cfg.PacketCacheMaxRetention, log.With().Str("component", "socket").Logger())
	broker.SetRegistry(sockSup)
	go sockSup.Run(ctx)

	router, err := eventrouter.New(messageBus, taskSup, instSup, log.With().Str("component", "eventrouter").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe event router")
	}
	defer router.Close()

	wsHandler := wsproto.NewHandler(sockSup, log.With().Str("component", "websocket").Logger())

	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Tasks:     taskSup,
		Media:     mediaCoord,
		WSHandler: wsHandler,
		Log:       log.With().Str("component", "http").Logger(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info().Str("addr", cfg.Addr()).Msg("domaind ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("domaind stopped")
}

func parseICEServers(raw string) []string {
	if raw == "" {
		return nil
	}
	var servers []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if s := raw[start:i]; s != "" {
				servers = append(servers, s)
			}
			start = i + 1
		}
	}
	return servers
}

// notifierAdapter breaks the InstanceSupervisor<->TaskSupervisor
// construction cycle: InstanceSupervisor needs a TaskNotifier at
// construction time, but TaskSupervisor needs the already-constructed
// InstanceSupervisor. The adapter defers the indirection to call time,
// once both are assigned, mirroring the teacher's practice of threading
// a *T through a closure when Go's single-pass initialization can't
// express a cycle directly.
type notifierAdapter struct {
	taskSupRef **tasksupervisor.Supervisor
}

func (n notifierAdapter) NotifyInstanceState(owner domain.AppTaskId, id domain.FixedInstanceId, power domain.PowerState, media domain.MediaState) {
	(*n.taskSupRef).NotifyInstanceState(owner, id, power, media)
}

func (n notifierAdapter) NotifyInstanceReports(owner domain.AppTaskId, id domain.FixedInstanceId, changed map[string]map[int]any) {
	(*n.taskSupRef).NotifyInstanceReports(owner, id, changed)
}

func (n notifierAdapter) NotifyInstanceError(owner domain.AppTaskId, id domain.FixedInstanceId, detail string) {
	(*n.taskSupRef).NotifyInstanceError(owner, id, detail)
}

// sockSupAdapter breaks the same construction-order cycle for
// SocketSupervisor: TaskActors need a PacketSink/BroadcastSink at
// construction, but SocketSupervisor needs the already-constructed
// TaskGateway (TaskSupervisor).
type sockSupAdapter struct {
	sockSupRef **socket.Supervisor
}

func (s sockSupAdapter) PublishStreamingPacket(taskId domain.AppTaskId, packet *domain.StreamingPacket) {
	(*s.sockSupRef).PublishStreamingPacket(taskId, packet)
}

func (s sockSupAdapter) NotifyTaskState(taskId domain.AppTaskId, state domain.TaskState) {
	(*s.sockSupRef).NotifyTaskState(taskId, state)
}
