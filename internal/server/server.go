// Package server exposes widget sessions over HTTP. Each session is an
// independent timeline driver or propagation network; websocket clients
// watch its snapshots and send it control commands.
package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/stepwise/internal/bus"
	"github.com/xkilldash9x/stepwise/internal/config"
	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

// Server serves the session API.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	sources  Sources
	bus      *bus.SnapshotBus
	sessions *Registry
	echo     *echo.Echo
	upgrader websocket.Upgrader

	mu        sync.Mutex
	closed    bool
	conns     sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// New wires the HTTP routes. Nothing listens until Run.
func New(logger *zap.Logger, cfg config.ServerConfig, sources Sources) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		sources: sources,
		bus:     bus.New(logger, cfg.BusBuffer),
		closing: make(chan struct{}),
	}
	s.sessions = NewRegistry(logger, sources, cfg.MaxSessions, s.bus.Observer)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("Request served.",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	s.echo = e
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.health)
	v1 := s.echo.Group("/v1")
	v1.GET("/scenarios", s.listScenarios)
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.DELETE("/sessions/:id", s.deleteSession)
	v1.GET("/sessions/:id/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Run listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Listening.", zap.String("addr", s.cfg.Addr))
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down server...")
	err := s.echo.Shutdown(ctx)
	s.Close()
	return err
}

// Close stops every session and disconnects every websocket. It does not
// stop the HTTP listener; Run does that.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closing)

		s.sessions.CloseAll()
		s.bus.Shutdown()
		s.conns.Wait()
	})
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return sameOrigin(r)
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// --- Handlers ---

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
}

// ScenarioInfo describes one selectable agent scenario.
type ScenarioInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Goal      string `json:"goal"`
	StepCount int    `json:"stepCount"`
}

// Listing is the body of GET /v1/scenarios.
type Listing struct {
	Agent   []ScenarioInfo  `json:"agent"`
	DNS     DNSListing      `json:"dns"`
	Network NetworkListing  `json:"network"`
	Speeds  []script.Speed  `json:"speeds"`
	Modes   []timeline.Mode `json:"modes"`
}

// DNSListing names the domains with a fixed address.
type DNSListing struct {
	Default string   `json:"default"`
	Domains []string `json:"domains"`
}

// NetworkListing describes the propagation graph.
type NetworkListing struct {
	Origin string      `json:"origin"`
	Nodes  []string    `json:"nodes"`
	Edges  [][2]string `json:"edges"`
}

func (s *Server) listScenarios(c echo.Context) error {
	l := Listing{
		Speeds: script.Speeds,
		Modes:  []timeline.Mode{timeline.ModeManual, timeline.ModeAuto},
	}
	if ids, ok := s.sources.Agent.(interface{ IDs() []string }); ok {
		for _, id := range ids.IDs() {
			sc, err := s.sources.Agent.Lookup(id)
			if err != nil {
				return err
			}
			l.Agent = append(l.Agent, ScenarioInfo{ID: sc.ID, Name: sc.Name, Goal: sc.Goal, StepCount: len(sc.Steps)})
		}
	}
	if d, ok := s.sources.DNS.(interface {
		Domains() []string
		DefaultDomain() string
	}); ok {
		l.DNS = DNSListing{Default: d.DefaultDomain(), Domains: d.Domains()}
	}
	if t := s.sources.Topology; t != nil {
		l.Network = NetworkListing{Origin: t.Origin, Nodes: t.Nodes, Edges: t.Edges}
	}
	return c.JSON(http.StatusOK, l)
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	Widget   string `json:"widget"`
	Scenario string `json:"scenario"`
}

// SessionResponse describes a session and where it stands.
type SessionResponse struct {
	ID       string            `json:"id"`
	Widget   string            `json:"widget"`
	Snapshot timeline.Snapshot `json:"snapshot"`
}

func (s *Server) createSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	sess, err := s.sessions.Create(req.Widget, req.Scenario)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, SessionResponse{ID: sess.ID, Widget: sess.Widget, Snapshot: sess.Current()})
}

func (s *Server) getSession(c echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, SessionResponse{ID: sess.ID, Widget: sess.Widget, Snapshot: sess.Current()})
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.sessions.Delete(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownWidget):
		code = http.StatusBadRequest
	case errors.Is(err, timeline.ErrInvalidScenario), errors.Is(err, ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrTooManySessions), errors.Is(err, ErrClosed):
		code = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}
