// Package timeline implements the scripted timeline driver: a single-owner
// state machine that walks a scenario's steps one sub-phase at a time,
// waiting out each sub-phase's delay and honouring pause, reset and scenario
// changes between sub-phases.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stepwise/internal/script"
)

var (
	// ErrInvalidScenario is returned for unknown scenario ids and for
	// scenarios that fail validation.
	ErrInvalidScenario = script.ErrInvalidScenario
	// ErrInvalidSpeed is returned by SetSpeed for presets the source lacks.
	ErrInvalidSpeed = errors.New("invalid speed profile")
	// ErrInvalidMode is returned by SetMode for unknown play modes.
	ErrInvalidMode = errors.New("invalid play mode")
	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("timeline driver stopped")
)

// Source supplies scenarios by id and the speed table they are played with.
// Implementations must be safe for concurrent use.
type Source interface {
	Lookup(id string) (script.Scenario, error)
	Profiles() script.SpeedTable
}

// the driver only ever has one delay outstanding
const driverSlot = 0

// Option configures a Driver.
type Option func(*Driver)

// WithClock replaces the real clock, typically with a fake one in tests.
func WithClock(c clockwork.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

// WithMode sets the initial play mode.
func WithMode(m Mode) Option {
	return func(d *Driver) { d.st.mode = m }
}

// WithSpeed sets the initial speed preset.
func WithSpeed(s script.Speed) Option {
	return func(d *Driver) { d.st.speed = s }
}

type command struct {
	apply func() error
	reply chan error
}

// runState is owned by the Run goroutine.
type runState struct {
	scenario   script.Scenario
	runID      string
	seq        uint64
	stepIndex  int
	phaseIndex int
	subPhase   string
	mode       Mode
	speed      script.Speed
	paused     bool
	started    bool
	inFlight   bool
	suspended  bool
	manual     bool
}

func (s *runState) terminal() bool { return s.stepIndex >= len(s.scenario.Steps) }

// Driver plays one scenario at a time. All state lives on the goroutine
// running Run; the exported commands hand work to it and return once it has
// been applied, never waiting for a delay to elapse.
type Driver struct {
	logger    *zap.Logger
	clock     clockwork.Clock
	source    Source
	speeds    script.SpeedTable
	observers Observers

	cmds    chan command
	done    chan struct{}
	running atomic.Bool
	latest  atomic.Pointer[Snapshot]

	st     runState
	delays *Delays
	last   Snapshot
}

// NewDriver creates a driver with the scenario identified by initial loaded
// and idle. Call Run to start processing commands.
func NewDriver(logger *zap.Logger, source Source, initial string, opts ...Option) (*Driver, error) {
	d := &Driver{
		logger: logger.Named("timeline"),
		clock:  clockwork.NewRealClock(),
		source: source,
		speeds: source.Profiles(),
		cmds:   make(chan command),
		done:   make(chan struct{}),
		st:     runState{mode: ModeManual, speed: script.SpeedMedium},
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.speeds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid speed table: %w", err)
	}
	if _, ok := d.speeds[d.st.speed]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSpeed, d.st.speed)
	}
	if _, err := ParseMode(string(d.st.mode)); err != nil {
		return nil, err
	}

	s, err := d.lookup(initial)
	if err != nil {
		return nil, err
	}
	d.delays = NewDelays(d.clock, d.done)
	d.load(s)
	return d, nil
}

// Run processes commands and elapsed delays until ctx is cancelled. It may be
// called once.
func (d *Driver) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("timeline driver already running")
	}
	defer close(d.done)
	defer d.delays.CancelAll()

	d.logger.Debug("Driver loop started.", zap.String("scenario", d.st.scenario.ID))
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("Driver loop stopping.", zap.Error(ctx.Err()))
			return nil
		case cmd := <-d.cmds:
			cmd.reply <- cmd.apply()
		case tick := <-d.delays.C():
			if d.delays.Accept(tick) {
				d.onDelayElapsed()
			}
		}
	}
}

// Subscribe registers o for every future snapshot.
func (d *Driver) Subscribe(o Observer) (unsubscribe func()) {
	return d.observers.Add(o)
}

// Current returns the most recently emitted snapshot.
func (d *Driver) Current() Snapshot {
	return *d.latest.Load()
}

// LoadScenario cancels anything in flight and makes s the current scenario,
// idle at step 0.
func (d *Driver) LoadScenario(ctx context.Context, s script.Scenario) error {
	if err := s.Validate(d.speeds); err != nil {
		return err
	}
	return d.do(ctx, func() error {
		d.load(s)
		return nil
	})
}

// SelectScenario loads the scenario with the given id from the source. An
// unknown id fails with ErrInvalidScenario and leaves the run untouched.
func (d *Driver) SelectScenario(ctx context.Context, id string) error {
	s, err := d.lookup(id)
	if err != nil {
		return err
	}
	return d.LoadScenario(ctx, s)
}

// Start reloads the current scenario and begins step 0. In auto mode the
// driver then chains through every step; in manual mode it stops after one.
func (d *Driver) Start(ctx context.Context) error {
	return d.do(ctx, func() error {
		d.load(d.st.scenario)
		d.st.started = true
		d.beginStep(false)
		return nil
	})
}

// Step runs the next pending step to completion. It is a no-op once the run
// is terminal or while a sub-phase delay is still in flight. A step parked by
// pause is finished from the boundary it stopped at, regardless of the pause
// flag.
func (d *Driver) Step(ctx context.Context) error {
	return d.do(ctx, func() error {
		switch {
		case d.st.terminal():
		case d.st.inFlight:
			d.logger.Debug("Step ignored; sub-phase in flight.", zap.String("sub_phase", d.st.subPhase))
		case d.st.suspended:
			d.st.suspended = false
			d.st.manual = true
			d.advance()
		default:
			d.st.started = true
			d.beginStep(true)
		}
		return nil
	})
}

// TogglePause flips the paused flag. Pausing takes effect at the next
// sub-phase boundary; unpausing resumes a parked step, or auto-play.
func (d *Driver) TogglePause(ctx context.Context) error {
	return d.do(ctx, func() error {
		d.st.paused = !d.st.paused
		d.restate()
		if !d.st.paused {
			d.resume()
		}
		return nil
	})
}

// Reset cancels any pending delay and returns the current scenario to idle at
// step 0. Mode and speed are kept.
func (d *Driver) Reset(ctx context.Context) error {
	return d.do(ctx, func() error {
		d.load(d.st.scenario)
		return nil
	})
}

// SetSpeed switches the speed preset. The delay already in flight keeps its
// duration; the next one uses the new preset.
func (d *Driver) SetSpeed(ctx context.Context, name string) error {
	sp, err := script.ParseSpeed(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, err)
	}
	if _, ok := d.speeds[sp]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSpeed, name)
	}
	return d.do(ctx, func() error {
		d.st.speed = sp
		d.restate()
		return nil
	})
}

// SetMode switches between manual and auto-play. Switching to auto at an idle
// boundary of a started run continues playing.
func (d *Driver) SetMode(ctx context.Context, name string) error {
	m, err := ParseMode(name)
	if err != nil {
		return err
	}
	return d.do(ctx, func() error {
		d.st.mode = m
		if m == ModeAuto {
			d.st.manual = false
		}
		d.restate()
		if m == ModeAuto && !d.st.paused {
			d.resume()
		}
		return nil
	})
}

func (d *Driver) lookup(id string) (script.Scenario, error) {
	s, err := d.source.Lookup(id)
	if err != nil {
		if !errors.Is(err, ErrInvalidScenario) {
			err = fmt.Errorf("%w: %v", ErrInvalidScenario, err)
		}
		return script.Scenario{}, err
	}
	if err := s.Validate(d.speeds); err != nil {
		return script.Scenario{}, err
	}
	return s, nil
}

func (d *Driver) do(ctx context.Context, fn func() error) error {
	c := command{apply: fn, reply: make(chan error, 1)}
	select {
	case d.cmds <- c:
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.reply
}

func (d *Driver) load(s script.Scenario) {
	d.delays.CancelAll()
	d.st = runState{
		scenario: s,
		runID:    uuid.NewString(),
		seq:      d.st.seq,
		subPhase: script.PhaseIdle,
		mode:     d.st.mode,
		speed:    d.st.speed,
	}
	d.emit(d.narrate(s.Intro, script.PhaseIdle))
}

func (d *Driver) beginStep(manual bool) {
	d.st.phaseIndex = 0
	d.st.manual = manual
	d.enterPhase()
}

// advance continues the current step from the boundary it is parked at.
func (d *Driver) advance() {
	step := d.st.scenario.Steps[d.st.stepIndex]
	if d.st.phaseIndex < len(step.Phases) {
		d.enterPhase()
		return
	}
	d.finishStep()
}

func (d *Driver) enterPhase() {
	ph := d.st.scenario.Steps[d.st.stepIndex].Phases[d.st.phaseIndex]
	delay := d.speeds[d.st.speed].Duration(ph.Delay)
	d.st.subPhase = ph.ID
	d.st.inFlight = true
	d.delays.After(driverSlot, delay)

	s := d.base()
	s.SubPhase = ph.ID
	s.Label = ph.Label
	s.NarrativeText = script.Render(ph.Text, d.st.scenario.Vars)
	s.Payload = d.payload(ph.Payload)
	s.Delay = delay
	d.emit(s)
}

func (d *Driver) onDelayElapsed() {
	d.st.inFlight = false
	d.st.phaseIndex++
	if d.st.paused && !d.st.manual {
		d.st.suspended = true
		d.logger.Debug("Run suspended at sub-phase boundary.",
			zap.Int("step", d.st.stepIndex), zap.Int("next_phase", d.st.phaseIndex))
		return
	}
	d.advance()
}

func (d *Driver) finishStep() {
	manual := d.st.manual
	d.st.stepIndex++
	d.st.phaseIndex = 0
	d.st.manual = false

	if d.st.terminal() {
		d.st.subPhase = script.PhaseComplete
		d.emit(d.terminalSnapshot())
		d.logger.Info("Scenario complete.", zap.String("scenario", d.st.scenario.ID), zap.String("run_id", d.st.runID))
		return
	}

	d.st.subPhase = script.PhaseIdle
	d.emit(d.narrate(d.st.scenario.Interlude, script.PhaseIdle))
	if d.st.mode == ModeAuto && !d.st.paused && !manual {
		d.beginStep(false)
	}
}

// resume picks the run back up after an unpause or a switch to auto.
func (d *Driver) resume() {
	switch {
	case d.st.suspended:
		d.st.suspended = false
		d.advance()
	case d.st.mode == ModeAuto && d.st.started && !d.st.inFlight && !d.st.terminal():
		d.beginStep(false)
	}
}

func (d *Driver) base() Snapshot {
	return Snapshot{
		ScenarioID: d.st.scenario.ID,
		StepIndex:  d.st.stepIndex,
		StepCount:  len(d.st.scenario.Steps),
		Mode:       d.st.mode,
		Speed:      d.st.speed,
		Paused:     d.st.paused,
	}
}

func (d *Driver) payload(extra map[string]string) map[string]string {
	vars := d.st.scenario.Vars
	out := script.RenderPayload(extra, vars)
	if d.st.scenario.Goal != "" {
		if _, ok := out["goal"]; !ok {
			out["goal"] = script.Render(d.st.scenario.Goal, vars)
		}
	}
	return out
}

func (d *Driver) narrate(n script.Narration, subPhase string) Snapshot {
	s := d.base()
	s.SubPhase = subPhase
	s.Label = n.Label
	s.NarrativeText = script.Render(n.Text, d.st.scenario.Vars)
	s.Payload = d.payload(n.Payload)
	return s
}

func (d *Driver) terminalSnapshot() Snapshot {
	sc := d.st.scenario
	result := script.Render(sc.Result, sc.Vars)
	s := d.narrate(sc.Done, script.PhaseComplete)
	if s.NarrativeText == "" {
		s.NarrativeText = result
	}
	s.Payload["result"] = result
	s.IsTerminal = true
	return s
}

// restate re-emits the current state after a control change that has no
// sub-phase of its own.
func (d *Driver) restate() {
	s := d.last
	s.Payload = maps.Clone(d.last.Payload)
	s.Mode = d.st.mode
	s.Speed = d.st.speed
	s.Paused = d.st.paused
	d.emit(s)
}

func (d *Driver) emit(s Snapshot) {
	d.st.seq++
	s.Seq = d.st.seq
	s.RunID = d.st.runID
	s.Timestamp = d.clock.Now()
	d.last = s

	published := s
	d.latest.Store(&published)
	d.logger.Debug("Snapshot emitted.",
		zap.String("scenario", s.ScenarioID),
		zap.Int("step", s.StepIndex),
		zap.String("sub_phase", s.SubPhase),
		zap.Uint64("seq", s.Seq),
		zap.Bool("terminal", s.IsTerminal))
	d.observers.Notify(s)
}
