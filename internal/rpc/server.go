// Package rpc exposes the session runtime over JSON-RPC 2.0: a single
// POST endpoint dispatches the method table from session/new through
// permission_result, and a companion SSE stream delivers session/update
// notifications translated from the event journal/fanout.
package rpc

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/querymt/qmt/internal/agentctx"
	"github.com/querymt/qmt/internal/agentreg"
	"github.com/querymt/qmt/internal/domain"
	"github.com/querymt/qmt/internal/eventbus"
)

// Config holds server configuration, mirroring the teacher's REST server
// Config one field at a time: this is a JSON-RPC surface over the same
// go-chi/cors stack, not a rewrite of it.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:         8090,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: SSE streams hold the connection open
	}
}

// refResolver is the subset of *agentctx.Runtime the server needs to
// reach a session's full actor surface. Kept as an interface so tests can
// stub it without a real turn.Engine.
type refResolver interface {
	Ref(ctx context.Context, sessionID domain.PublicID) (agentctx.SessionRef, error)
}

// sessionEntry tracks which agent and runtime a live session belongs to,
// since domain.Session itself carries no agent name (see DESIGN.md for
// why: it would tie the store to the agent registry for no benefit
// outside this lookup).
type sessionEntry struct {
	agent   string
	runtime refResolver
}

// Server is the JSON-RPC + SSE front door onto the agent registry. One
// Server serves every agent registered in agents; session/new's "agent"
// parameter selects which AgentHandle (and, for the fuller SessionRef
// surface, which Runtime) a session is dispatched through.
type Server struct {
	config Config
	router *chi.Mux
	httpSrv *http.Server

	agents *agentreg.Registry
	sink   *eventbus.Sink
	bridge *ClientBridge
	log    zerolog.Logger

	mu       sync.RWMutex
	runtimes map[string]refResolver
	sessions map[domain.PublicID]sessionEntry
}

// New builds a Server. sink carries every session's journaled/ephemeral
// events system-wide; it is what the SSE stream subscribes against.
func New(cfg Config, agents *agentreg.Registry, sink *eventbus.Sink, log zerolog.Logger) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		agents:   agents,
		sink:     sink,
		bridge:   NewClientBridge(),
		log:      log,
		runtimes: make(map[string]refResolver),
		sessions: make(map[domain.PublicID]sessionEntry),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// RegisterRuntime makes agentName's Runtime reachable for the SessionRef
// methods (SetMode, Undo/Redo, GetHistory, ...) that agentreg.AgentHandle
// doesn't expose. Call once per agent at process startup, after the
// agent's Runtime and registry entry both exist.
func (s *Server) RegisterRuntime(agentName string, rt refResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[agentName] = rt
}

// Bridge returns the permission.ClientBridge this server answers
// permission_result calls through, for wiring into each agent's
// permission.Checker via SetBridge.
func (s *Server) Bridge() *ClientBridge {
	return s.bridge
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"POST", "GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	s.router.Post("/rpc", s.handleRPC)
	s.router.Get("/sse", s.handleSSE)
}

// Start runs the HTTP server, blocking until it stops or errors.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) sessionRuntime(sessionID domain.PublicID) (refResolver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[sessionID]
	return entry.runtime, ok
}

func (s *Server) trackSession(id domain.PublicID, agent string, rt refResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sessionEntry{agent: agent, runtime: rt}
}

func (s *Server) handle(name string) (agentreg.AgentHandle, refResolver, error) {
	h, err := s.agents.Handle(name)
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	rt := s.runtimes[name]
	s.mu.RUnlock()
	return h, rt, nil
}
