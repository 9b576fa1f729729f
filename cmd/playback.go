package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/xkilldash9x/stepwise/internal/config"
	"github.com/xkilldash9x/stepwise/internal/present"
	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

// Controller is the set of driver controls the interactive prompt exposes.
type Controller interface {
	Start(ctx context.Context) error
	Step(ctx context.Context) error
	TogglePause(ctx context.Context) error
	Reset(ctx context.Context) error
	SelectScenario(ctx context.Context, id string) error
	SetSpeed(ctx context.Context, name string) error
	SetMode(ctx context.Context, name string) error
}

// playOptions carries what a playback command needs besides its config.
type playOptions struct {
	clock       clockwork.Clock
	in          io.Reader
	out         io.Writer
	interactive bool
	verbose     bool
	// observers see every snapshot after the console does.
	observers []timeline.Observer
}

func newPlayOptions(cmd *cobra.Command, cfg config.Interface, interactive bool) playOptions {
	return playOptions{
		clock:       clockwork.NewRealClock(),
		in:          cmd.InOrStdin(),
		out:         cmd.OutOrStdout(),
		interactive: interactive,
		verbose:     cfg.Playback().Verbose,
	}
}

// driverOptions turns the playback config into driver options. Without a
// prompt nobody can step, so non-interactive runs always play automatically.
func (o playOptions) driverOptions(pc config.PlaybackConfig) ([]timeline.Option, error) {
	speed, err := script.ParseSpeed(pc.Speed)
	if err != nil {
		return nil, err
	}
	mode := timeline.ModeAuto
	if o.interactive {
		if mode, err = timeline.ParseMode(pc.Mode); err != nil {
			return nil, err
		}
	}
	return []timeline.Option{
		timeline.WithClock(o.clock),
		timeline.WithSpeed(speed),
		timeline.WithMode(mode),
	}, nil
}

// syncWriter serialises writes from the driver goroutine and the prompt.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// playDriver runs d until its scenario finishes or, interactively, until the
// user quits.
func playDriver(ctx context.Context, logger *zap.Logger, d *timeline.Driver, opts playOptions) error {
	out := &syncWriter{w: opts.out}
	console := present.NewConsole(out, present.WithColor(isTerminal(opts.out)), present.WithVerbose(opts.verbose))
	d.Subscribe(console)
	for _, o := range opts.observers {
		d.Subscribe(o)
	}

	finished := make(chan struct{})
	var once sync.Once
	d.Subscribe(timeline.ObserverFunc(func(s timeline.Snapshot) {
		if s.IsTerminal {
			once.Do(func() { close(finished) })
		}
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		if opts.interactive {
			console.Observe(d.Current())
			return runInteractive(gctx, opts.in, out, d)
		}
		if err := d.Start(gctx); err != nil {
			return err
		}
		select {
		case <-finished:
			logger.Debug("Scenario finished.", zap.String("scenario", d.Current().ScenarioID))
			return nil
		case <-gctx.Done():
			return ctx.Err()
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		// Report the interruption rather than how the workers wound down.
		err = ctx.Err()
	}
	return errors.Join(err, console.Err())
}

const promptHelp = `Commands:
  s, step, <enter>   advance one step
  start              start the scenario from the top
  p, pause           pause or resume
  r, reset           back to the intro
  speed <name>       slow, medium or fast
  mode <name>        manual or auto
  scenario <id>      switch scenario
  h, help            show this help
  q, quit            leave`

// runInteractive reads one command per line from in and applies it to ctrl
// until EOF, quit, or cancellation. Rejected commands are reported on out and
// do not end the loop.
func runInteractive(ctx context.Context, in io.Reader, out io.Writer, ctrl Controller) error {
	done := make(chan struct{})
	defer close(done)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
	}()

	fmt.Fprintln(out, promptHelp)
	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		fields := strings.Fields(line)
		name, arg := "", ""
		if len(fields) > 0 {
			name = strings.ToLower(fields[0])
		}
		if len(fields) > 1 {
			arg = fields[1]
		}

		var err error
		switch name {
		case "", "s", "step":
			err = ctrl.Step(ctx)
		case "start":
			err = ctrl.Start(ctx)
		case "p", "pause":
			err = ctrl.TogglePause(ctx)
		case "r", "reset":
			err = ctrl.Reset(ctx)
		case "speed":
			err = requireArg(ctx, name, arg, ctrl.SetSpeed)
		case "mode":
			err = requireArg(ctx, name, arg, ctrl.SetMode)
		case "scenario":
			err = requireArg(ctx, name, arg, ctrl.SelectScenario)
		case "h", "help", "?":
			fmt.Fprintln(out, promptHelp)
		case "q", "quit", "exit":
			return nil
		default:
			fmt.Fprintf(out, "unknown command %q, type h for help\n", name)
		}

		if err != nil {
			if errors.Is(err, timeline.ErrStopped) || ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func requireArg(ctx context.Context, name, arg string, fn func(context.Context, string) error) error {
	if arg == "" {
		return fmt.Errorf("%s needs an argument", name)
	}
	return fn(ctx, arg)
}
