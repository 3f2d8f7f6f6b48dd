// Package worker is the tandem HTTP service: the client WebSocket plus a
// small REST and SSE surface.
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/tandem/internal/config"
	workspacedb "github.com/thebtf/tandem/internal/db/gorm"
	"github.com/thebtf/tandem/internal/db/sqlite"
	"github.com/thebtf/tandem/internal/worker/gateway"
	"github.com/thebtf/tandem/internal/worker/session"
	"github.com/thebtf/tandem/internal/worker/sse"
	"github.com/thebtf/tandem/internal/worker/statesync"
)

const shutdownTimeout = 10 * time.Second

// Options are the shared collaborators of the service, built once by the caller.
type Options struct {
	Version    string
	Config     *config.Config
	Workspace  *workspacedb.Store
	Memory     *sqlite.MemoryStore
	Sessions   *session.Manager
	Maintainer *gateway.Maintainer
	Tasks      *gateway.TaskSet
	// ToolRoutes serves agent tool calls under /api/tools. May be nil.
	ToolRoutes http.Handler
	// UploadDir defaults to config.UploadDir().
	UploadDir string
}

// Service owns the HTTP router and the per-connection gateways.
type Service struct {
	version    string
	config     *config.Config
	workspace  *workspacedb.Store
	memory     *sqlite.MemoryStore
	sessions   *session.Manager
	maintainer *gateway.Maintainer
	tasks      *gateway.TaskSet
	locks      *gateway.Locks
	snapshots  *statesync.Builder
	broadcast  *sse.Broadcaster
	toolRoutes http.Handler
	uploadDir  string

	router   chi.Router
	upgrader websocket.Upgrader

	conns     atomic.Int64
	ready     atomic.Bool
	startTime time.Time
}

// NewService wires routes over opts.
func NewService(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Get()
	}
	tasks := opts.Tasks
	if tasks == nil {
		tasks = gateway.NewTaskSet(context.Background())
	}
	s := &Service{
		version:    opts.Version,
		config:     cfg,
		workspace:  opts.Workspace,
		memory:     opts.Memory,
		sessions:   opts.Sessions,
		maintainer: opts.Maintainer,
		tasks:      tasks,
		locks:      gateway.NewLocks(),
		snapshots:  statesync.NewBuilder(opts.Workspace),
		broadcast:  sse.NewBroadcaster(),
		toolRoutes: opts.ToolRoutes,
		uploadDir:  opts.UploadDir,
		router:     chi.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local single-user gateway; browsers on any origin may attach.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
	if s.uploadDir == "" {
		s.uploadDir = config.UploadDir()
	}
	s.setupRoutes()
	return s
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/api/ready", s.handleReady)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Get("/ws", s.handleWS)
		r.Get("/api/state", s.handleState)
		r.Get("/api/memory/search", s.handleMemorySearch)
		r.Get("/api/events", s.broadcast.HandleSSE)
		if s.toolRoutes != nil {
			r.Mount("/api/tools", s.toolRoutes)
		}
	})
}

// Handler returns the service's HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// SetReady toggles whether requests beyond health checks are served.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Broadcaster returns the SSE mirror.
func (s *Service) Broadcaster() *sse.Broadcaster {
	return s.broadcast
}

// Serve listens on the configured address until ctx is done, then shuts the
// server down, cancels background tasks and closes sessions.
func (s *Service) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", s.version).Msg("Gateway listening")
		s.SetReady(true)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("Shutting down gateway")
		err := srv.Shutdown(shutdownCtx)
		s.tasks.CancelTasks()
		s.tasks.Wait()
		if s.sessions != nil {
			s.sessions.Close()
		}
		return err
	})
	return g.Wait()
}
