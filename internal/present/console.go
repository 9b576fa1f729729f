// Package present renders timeline snapshots for a terminal.
package present

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorPurple = "\033[35m"
)

// Payload keys with their own rendering. Everything else is shown only in
// verbose mode.
var (
	narratedKeys = []string{"context", "reasoning", "decision"}
	quietKeys    = map[string]bool{
		"goal": true, "result": true, "message": true, "direction": true, "log": true,
		"context": true, "reasoning": true, "decision": true,
	}
)

// Console is a timeline.Observer that writes one block of text per snapshot.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	color   bool
	verbose bool
	last    *timeline.Snapshot
	err     error
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithColor forces colour on or off. By default colour is used when w is a
// terminal.
func WithColor(on bool) ConsoleOption {
	return func(c *Console) { c.color = on }
}

// WithVerbose also prints payload fields that have no dedicated rendering.
func WithVerbose(on bool) ConsoleOption {
	return func(c *Console) { c.verbose = on }
}

// NewConsole writes to w.
func NewConsole(w io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.color = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe renders s. Write errors are kept and reported by Err.
func (c *Console) Observe(s timeline.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out string
	if c.last != nil && isRestate(*c.last, s) {
		out = c.paint(colorGray, "  · "+describeControls(*c.last, s)) + "\n"
	} else {
		out = Format(s, c.color, c.verbose)
	}
	snap := s
	c.last = &snap

	if c.err != nil {
		return
	}
	if _, err := io.WriteString(c.w, out); err != nil {
		c.err = err
	}
}

// Err returns the first write error, if any.
func (c *Console) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Console) paint(code, s string) string {
	return paint(c.color, code, s)
}

func paint(on bool, code, s string) string {
	if !on || s == "" {
		return s
	}
	return code + s + colorReset
}

// Format renders a snapshot as a multi-line block ending in a newline.
func Format(s timeline.Snapshot, color, verbose bool) string {
	var b strings.Builder

	header := fmt.Sprintf("[%s %d/%d]", s.ScenarioID, min(s.StepIndex+1, s.StepCount), s.StepCount)
	switch {
	case s.IsTerminal:
		header = fmt.Sprintf("[%s done]", s.ScenarioID)
	case s.SubPhase == script.PhaseIdle:
		header = fmt.Sprintf("[%s]", s.ScenarioID)
	}
	labelColor := colorCyan
	if s.IsTerminal {
		labelColor = colorGreen
	}
	b.WriteString(paint(color, colorGray, header))
	b.WriteString(" ")
	b.WriteString(paint(color, colorBold+labelColor, s.Label))
	if s.Paused {
		b.WriteString(paint(color, colorYellow, " (paused)"))
	}
	b.WriteString("\n")

	p := s.Payload
	if goal := p["goal"]; goal != "" && s.SubPhase == script.PhaseIdle && s.StepIndex == 0 {
		fmt.Fprintf(&b, "  goal: %s\n", goal)
	}
	if s.NarrativeText != "" && s.NarrativeText != p["message"] {
		for _, line := range strings.Split(s.NarrativeText, "\n") {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	if msg := p["message"]; msg != "" {
		arrow, code := "→ LLM:", colorYellow
		if p["direction"] == "llm->agent" {
			arrow, code = "← LLM:", colorPurple
		}
		lines := strings.Split(msg, "\n")
		fmt.Fprintf(&b, "  %s %s\n", paint(color, code, arrow), lines[0])
		for _, line := range lines[1:] {
			fmt.Fprintf(&b, "         %s\n", line)
		}
	}
	if log := p["log"]; log != "" {
		for _, line := range strings.Split(log, "\n") {
			fmt.Fprintf(&b, "  %s %s\n", paint(color, colorGray, "|"), line)
		}
	}
	for _, k := range narratedKeys {
		if v := p[k]; v != "" && v != s.NarrativeText {
			fmt.Fprintf(&b, "  %s %s\n", paint(color, colorGray, k+":"), v)
		}
	}
	if verbose {
		keys := make([]string, 0, len(p))
		for k := range p {
			if !quietKeys[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s %s\n", paint(color, colorGray, k+"="), p[k])
		}
	}
	if s.IsTerminal {
		if r := p["result"]; r != "" && r != s.NarrativeText {
			fmt.Fprintf(&b, "  %s\n", paint(color, colorBold+colorGreen, "✔ "+r))
		}
	}
	return b.String()
}

// isRestate reports whether next only changes controls relative to prev.
func isRestate(prev, next timeline.Snapshot) bool {
	return prev.RunID == next.RunID &&
		prev.ScenarioID == next.ScenarioID &&
		prev.StepIndex == next.StepIndex &&
		prev.SubPhase == next.SubPhase &&
		prev.Label == next.Label &&
		prev.NarrativeText == next.NarrativeText &&
		prev.IsTerminal == next.IsTerminal &&
		prev.Delay == next.Delay
}

func describeControls(prev, next timeline.Snapshot) string {
	var parts []string
	if prev.Paused != next.Paused {
		if next.Paused {
			parts = append(parts, "paused")
		} else {
			parts = append(parts, "resumed")
		}
	}
	if prev.Mode != next.Mode {
		parts = append(parts, "mode "+string(next.Mode))
	}
	if prev.Speed != next.Speed {
		parts = append(parts, "speed "+string(next.Speed))
	}
	if len(parts) == 0 {
		return "no change"
	}
	return strings.Join(parts, ", ")
}
