package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/config"
	"github.com/snarg/audiocloud-domaind/internal/metrics"
)

// Server is domaind's HTTP server: the REST task-control surface of
// spec §6 plus the WebSocket upgrade endpoint, adapted from the teacher's
// internal/api/server.go middleware chain and route-grouping shape.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config    *config.Config
	Tasks     TaskSupervisor
	Media     MediaCoordinator // nil disables the /v1/media/* routes
	WSHandler http.Handler     // wsproto.Handler, upgrades /v1/ws
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	r.Get("/healthz", NewHealthHandler().ServeHTTP)

	if opts.Config.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20))
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		r.Use(BearerAuth(opts.Config.APIKey))
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))

		r.Route("/v1", func(r chi.Router) {
			NewTasksHandler(opts.Tasks).Routes(r)
			if opts.Media != nil {
				NewMediaHandler(opts.Media).Routes(r)
			}
			if opts.WSHandler != nil {
				r.Get("/ws", opts.WSHandler.ServeHTTP)
			}
		})
	})

	srv := &http.Server{
		Addr:         opts.Config.Addr(),
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
		WriteTimeout: 0, // the WebSocket upgrade holds the connection open indefinitely
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
