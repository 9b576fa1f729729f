package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stepwise/internal/propagation"
	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

// Widgets a session can host.
const (
	WidgetAgent   = "agent"
	WidgetDNS     = "dns"
	WidgetNetwork = "network"
)

var (
	// ErrUnknownWidget is returned when creating a session for a widget that
	// does not exist.
	ErrUnknownWidget = errors.New("unknown widget")
	// ErrUnsupportedCommand is returned for commands the session's widget
	// cannot perform, such as broadcast on a driver session.
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned once the session limit is reached.
	ErrTooManySessions = errors.New("too many sessions")
	// ErrClosed is returned by Create once the registry has been closed.
	ErrClosed = errors.New("session registry closed")
)

// Command is an inbound websocket control message.
type Command struct {
	Cmd string                 `json:"cmd"`
	Arg string                 `json:"arg,omitempty"`
	Tx  *propagation.TxRequest `json:"tx,omitempty"`
}

// Result is what a successful command hands back beyond snapshots.
type Result struct {
	Tx   *propagation.Transaction `json:"tx,omitempty"`
	View *propagation.View        `json:"view,omitempty"`
}

// player is the part of a driver or network a session drives.
type player interface {
	Run(ctx context.Context) error
	Subscribe(o timeline.Observer) (unsubscribe func())
	Current() timeline.Snapshot
	apply(ctx context.Context, cmd Command) (Result, error)
}

// Session is one independently running widget instance.
type Session struct {
	ID     string `json:"id"`
	Widget string `json:"widget"`

	p      player
	cancel context.CancelFunc
	done   chan struct{}
}

// Current returns the session's latest snapshot.
func (s *Session) Current() timeline.Snapshot { return s.p.Current() }

// Done is closed once the session's player has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Apply runs cmd against the session's player.
func (s *Session) Apply(ctx context.Context, cmd Command) (Result, error) {
	return s.p.apply(ctx, cmd)
}

func (s *Session) stop() {
	s.cancel()
	<-s.done
}

// driverPlayer adapts a timeline driver.
type driverPlayer struct{ *timeline.Driver }

func (d driverPlayer) apply(ctx context.Context, cmd Command) (Result, error) {
	var err error
	switch cmd.Cmd {
	case "start":
		err = d.Start(ctx)
	case "step":
		err = d.Step(ctx)
	case "pause":
		err = d.TogglePause(ctx)
	case "reset":
		err = d.Reset(ctx)
	case "select":
		err = d.SelectScenario(ctx, cmd.Arg)
	case "speed":
		err = d.SetSpeed(ctx, cmd.Arg)
	case "mode":
		err = d.SetMode(ctx, cmd.Arg)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Cmd)
	}
	return Result{}, err
}

// networkPlayer adapts a propagation network.
type networkPlayer struct{ *propagation.Network }

func (n networkPlayer) apply(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Cmd {
	case "broadcast", "start":
		var req propagation.TxRequest
		if cmd.Tx != nil {
			req = *cmd.Tx
		}
		var (
			tx  propagation.Transaction
			err error
		)
		if cmd.Arg != "" {
			tx, err = n.BroadcastFrom(ctx, cmd.Arg, req)
		} else {
			tx, err = n.Broadcast(ctx, req)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Tx: &tx}, nil
	case "reset":
		return Result{}, n.Reset(ctx)
	case "speed":
		return Result{}, n.SetSpeed(ctx, cmd.Arg)
	case "view":
		v, err := n.View(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{View: &v}, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Cmd)
	}
}

// Sources bundles everything a session needs to build its player.
type Sources struct {
	Agent    timeline.Source
	DNS      timeline.Source
	Topology *propagation.Topology

	DefaultAgent  string
	DefaultDomain string
	Mode          timeline.Mode
	Speed         script.Speed
	Clock         clockwork.Clock
}

func (src Sources) newPlayer(logger *zap.Logger, widget, scenario string) (player, error) {
	clock := src.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts := []timeline.Option{timeline.WithClock(clock), timeline.WithMode(src.Mode), timeline.WithSpeed(src.Speed)}

	switch widget {
	case WidgetAgent:
		if scenario == "" {
			scenario = src.DefaultAgent
		}
		d, err := timeline.NewDriver(logger, src.Agent, scenario, opts...)
		if err != nil {
			return nil, err
		}
		return driverPlayer{d}, nil
	case WidgetDNS:
		if scenario == "" {
			scenario = src.DefaultDomain
		}
		d, err := timeline.NewDriver(logger, src.DNS, scenario, opts...)
		if err != nil {
			return nil, err
		}
		return driverPlayer{d}, nil
	case WidgetNetwork:
		n, err := propagation.NewNetwork(logger, src.Topology,
			propagation.WithClock(clock), propagation.WithSpeed(src.Speed))
		if err != nil {
			return nil, err
		}
		return networkPlayer{n}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownWidget, widget)
	}
}

// Registry owns every live session.
type Registry struct {
	logger   *zap.Logger
	sources  Sources
	observe  func(ctx context.Context, id string) timeline.Observer
	max      int
	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
}

// NewRegistry creates a registry. observe returns the observer that receives
// a new session's snapshots.
func NewRegistry(logger *zap.Logger, sources Sources, max int, observe func(ctx context.Context, id string) timeline.Observer) *Registry {
	return &Registry{
		logger:   logger.Named("sessions"),
		sources:  sources,
		observe:  observe,
		max:      max,
		sessions: make(map[string]*Session),
	}
}

// Create builds a session for widget and starts playing it in the
// background. scenario picks the agent scenario or DNS domain and may be
// empty for the configured default.
func (r *Registry) Create(widget, scenario string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if len(r.sessions) >= r.max {
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	logger := r.logger.With(zap.String("session_id", id), zap.String("widget", widget))
	p, err := r.sources.newPlayer(logger, widget, scenario)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{ID: id, Widget: widget, p: p, cancel: cancel, done: make(chan struct{})}
	if r.observe != nil {
		p.Subscribe(r.observe(ctx, id))
	}
	go func() {
		defer close(s.done)
		if err := p.Run(ctx); err != nil {
			logger.Error("Session stopped with error.", zap.Error(err))
		}
	}()

	r.sessions[id] = s
	logger.Info("Session created.", zap.String("scenario", p.Current().ScenarioID))
	return s, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

// Delete stops the session and forgets it.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	s.stop()
	r.logger.Info("Session deleted.", zap.String("session_id", id))
	return nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll stops every session. Later calls to Create fail with ErrClosed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stop()
		}()
	}
	wg.Wait()
}
