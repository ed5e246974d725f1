package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/heimdex/clipd/internal/ffmpeg"
	"github.com/heimdex/clipd/internal/pipeline"
)

// JobService runs merge and cut jobs. *pipeline.Service implements it.
type JobService interface {
	Merge(ctx context.Context, req pipeline.MergeRequest) (*pipeline.MergeResult, error)
	Cut(ctx context.Context, req pipeline.CutRequest, sink func(path string) error) error
}

// ToolDoctor reports media tool availability. *ffmpeg.CachedDoctor implements it.
type ToolDoctor interface {
	Get(ctx context.Context) ffmpeg.Capabilities
}

// Readiness reports whether a dependency can currently be used.
type Readiness interface {
	Ready() error
}

// SweepStats reports scratch cleanup. *scratch.Janitor implements it.
type SweepStats interface {
	Swept() int64
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Addr      string
	Jobs      JobService
	Doctor    ToolDoctor
	Publisher Readiness
	Janitor   SweepStats
	// APIToken enables bearer auth on job endpoints when non-empty.
	APIToken  string
	Version   string
	Logger    *slog.Logger
	StartTime time.Time

	// BaseContext, when set, parents every request context so that
	// cancelling it aborts in-flight jobs.
	BaseContext context.Context
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	srv := &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Jobs run for as long as the media tool needs; the tool timeout bounds them.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
	if cfg.BaseContext != nil {
		srv.httpServer.BaseContext = func(net.Listener) context.Context { return cfg.BaseContext }
	}
	return srv
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
