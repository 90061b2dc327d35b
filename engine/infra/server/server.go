package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const (
	httpIdleTimeout      = 60 * time.Second
	schedulerStopTimeout = 30 * time.Second
	maxRequestBodyBytes  = 4 << 20
	hostAny              = "0.0.0.0"
	hostLoopback         = "127.0.0.1"
)

type Server struct {
	cfg          *config.Config
	instanceID   string
	router       *gin.Engine
	state        *State
	ctx          context.Context
	cancel       context.CancelFunc
	httpServer   *http.Server
	shutdownOnce sync.Once
	cleanupMu    sync.Mutex
	cleanups     []func()
}

// NewServer reads the configuration from ctx when cfg is nil.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	if cfg == nil {
		cfg = config.FromContext(ctx)
	}
	if cfg == nil {
		return nil, errors.New("configuration missing")
	}
	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		cfg:        cfg,
		instanceID: core.MustNewID().String(),
		ctx:        serverCtx,
		cancel:     cancel,
	}, nil
}

// Setup builds the engine and the HTTP router without serving.
func (s *Server) Setup() error {
	state, cleanups, err := s.setupDependencies()
	s.addCleanups(cleanups)
	if err != nil {
		s.cleanup()
		return err
	}
	s.state = state
	s.buildRouter(state)
	return nil
}

// Handler is the HTTP handler built by Setup.
func (s *Server) Handler() http.Handler { return s.router }

// State exposes the wired engine built by Setup.
func (s *Server) State() *State { return s.state }

// Run serves HTTP and ticks the scheduler until ctx is canceled or the
// listener fails, then shuts everything down.
func (s *Server) Run() error {
	if s.router == nil {
		if err := s.Setup(); err != nil {
			return err
		}
	}
	defer s.cleanup()
	log := logger.FromContext(s.ctx)
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  httpIdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.ctx },
	}
	if s.cfg.Scheduler.Enabled {
		if err := s.state.Scheduler.Start(s.ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		log.Info("Starting HTTP server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Shutdown()
		return nil
	})
	if s.cfg.Apps.Watch {
		g.Go(func() error {
			if err := app.Watch(gctx, s.cfg.Apps.Dir, s.state.Registry); err != nil {
				log.Error("Apps watcher stopped", "dir", s.cfg.Apps.Dir, "error", err)
			}
			return nil
		})
	}
	s.logStartupBanner()
	return g.Wait()
}

// Shutdown stops the scheduler first so no job is launched against a
// closing server, then drains HTTP. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		log := logger.FromContext(s.ctx)
		log.Info("Shutting down server")
		base := context.WithoutCancel(s.ctx)
		if s.state != nil {
			stopCtx, cancel := context.WithTimeout(base, schedulerStopTimeout)
			s.state.Scheduler.Stop(stopCtx)
			cancel()
		}
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(base, s.cfg.Server.ShutdownTimeout)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Error("Server shutdown failed", "error", err)
			}
			cancel()
		}
		s.cancel()
	})
}

func (s *Server) addCleanups(fns []func()) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.cleanups = append(s.cleanups, fns...)
}

// cleanup runs registered cleanups in reverse order, once.
func (s *Server) cleanup() {
	s.cleanupMu.Lock()
	fns := s.cleanups
	s.cleanups = nil
	s.cleanupMu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
