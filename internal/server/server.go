// Package server composes the project loader, registry and dispatcher
// into the local agent server exposing the unary and streaming endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runagent-dev/runagent-go/internal/dispatch"
	"github.com/runagent-dev/runagent-go/internal/logger"
	"github.com/runagent-dev/runagent-go/internal/project"
	"github.com/runagent-dev/runagent-go/internal/registry"
	"github.com/runagent-dev/runagent-go/pkg/constants"
)

// Options configures a Server for one project.
type Options struct {
	AgentID     string
	ProjectPath string
	Callables   *project.Callables

	// Host/Port override the loaded Config. Port 0 asks the OS for a
	// port which is written back to the registry; a negative port
	// allocates from the registry's default window so SDK clients can
	// find the agent without discovery.
	Host string
	Port int

	// AuthToken, when set, switches on bearer authentication.
	AuthToken string

	// RegistryPath overrides the per-user registry location (tests).
	// Registry, when set, is used directly and not closed on Stop.
	RegistryPath string
	Registry     *registry.Service

	Logger *logger.Logger
}

// Server hosts one agent: loads the project, registers the agent, serves
// the invocation endpoints and keeps the registry status current.
type Server struct {
	agentID       string
	projectPath   string
	projectConfig *project.Config
	dispatcher    *dispatch.Dispatcher

	reg      *registry.Service
	ownedReg bool

	host      string
	port      int
	authToken string

	httpServer *http.Server
	upgrader   websocket.Upgrader
	ready      atomic.Bool
	drain      time.Duration

	log *logger.Logger
}

// New loads the project and prepares a server. The entrypoint map is
// built once here and read-only afterwards.
func New(opts Options) (*Server, error) {
	if opts.AgentID == "" {
		return nil, errors.New("agent id is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithAgentID(opts.AgentID)

	cfg, entrypoints, err := project.Load(opts.ProjectPath, opts.Callables)
	if err != nil {
		return nil, err
	}

	reg := opts.Registry
	owned := false
	if reg == nil {
		reg, err = registry.NewService(opts.RegistryPath)
		if err != nil {
			return nil, err
		}
		owned = true
	}

	host := opts.Host
	if host == "" {
		host = constants.DefaultLocalHost
	}

	s := &Server{
		agentID:       opts.AgentID,
		projectPath:   opts.ProjectPath,
		projectConfig: cfg,
		dispatcher:    dispatch.New(entrypoints, log),
		reg:           reg,
		ownedReg:      owned,
		host:          host,
		port:          opts.Port,
		authToken:     opts.AuthToken,
		drain:         15 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}

	s.httpServer = &http.Server{Handler: s.setupRoutes()}
	return s, nil
}

// SetDrainTimeout overrides how long Stop waits for in-flight requests.
func (s *Server) SetDrainTimeout(d time.Duration) {
	s.drain = d
}

// Addr returns the bound listener address, valid once Start has returned
// from its bind phase.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// AgentID returns the hosted agent's ID.
func (s *Server) AgentID() string {
	return s.agentID
}

// Run binds the listener, registers the agent, serves until ctx is
// cancelled, then drains and marks the agent stopped.
func (s *Server) Run(ctx context.Context) error {
	listener, err := s.bindAndRegister()
	if err != nil {
		return err
	}

	if err := s.reg.SetStatus(s.agentID, registry.StatusRunning); err != nil {
		listener.Close()
		return err
	}
	s.ready.Store(true)
	s.log.Info("agent server running",
		zap.String("address", s.Addr()),
		zap.String("framework", s.projectConfig.Framework))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err = g.Wait()
	if err != nil && err != context.Canceled {
		_ = s.reg.SetStatus(s.agentID, registry.StatusError)
		s.closeRegistry()
		return err
	}

	_ = s.reg.SetStatus(s.agentID, registry.StatusStopped)
	s.closeRegistry()
	return nil
}

// bindAndRegister opens the listener and brings the registry record to
// starting. Binding first makes crash recovery cheap: if we can bind the
// address, any running record still holding it is stale and is marked
// stopped before registration.
func (s *Server) bindAndRegister() (net.Listener, error) {
	if s.port < 0 {
		port, err := s.reg.AllocatePort(s.host)
		if err != nil {
			return nil, err
		}
		s.port = port
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s:%d: %w", s.host, s.port, err)
	}

	s.port = listener.Addr().(*net.TCPAddr).Port

	if err := s.reg.MarkStaleStopped(s.host, s.port); err != nil {
		listener.Close()
		return nil, err
	}

	existing, err := s.reg.Get(s.agentID)
	if err != nil {
		listener.Close()
		return nil, err
	}

	if existing == nil {
		rec := &registry.Record{
			AgentID:     s.agentID,
			ProjectPath: s.projectPath,
			Host:        s.host,
			Port:        s.port,
			Framework:   s.projectConfig.Framework,
			Status:      registry.StatusStarting,
		}
		if err := s.reg.Register(rec); err != nil {
			listener.Close()
			return nil, err
		}
		return listener, nil
	}

	if existing.Status == registry.StatusRunning {
		// A running record whose listener we just bound is stale.
		if err := s.reg.SetStatus(s.agentID, registry.StatusStopped); err != nil {
			listener.Close()
			return nil, err
		}
	}
	if err := s.reg.SetAddress(s.agentID, s.host, s.port); err != nil {
		listener.Close()
		return nil, err
	}
	if err := s.reg.SetStatus(s.agentID, registry.StatusStarting); err != nil {
		listener.Close()
		return nil, err
	}
	return listener, nil
}

// shutdown stops accepting connections and waits up to the drain deadline
// for in-flight unary requests and streaming sockets to finish.
func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.log.Info("draining agent server", zap.Duration("deadline", s.drain))

	drainCtx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()
	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		s.log.Warn("drain deadline exceeded, closing connections", zap.Error(err))
		_ = s.httpServer.Close()
	}
	return context.Canceled
}

func (s *Server) closeRegistry() {
	if s.ownedReg {
		_ = s.reg.Close()
	}
}

func pathAgentID(r *http.Request) string {
	return mux.Vars(r)["agentId"]
}
