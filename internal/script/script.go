// Package script defines the immutable scenario tables walked by the timeline
// driver: scenarios, their steps and sub-phases, and the speed profiles that
// turn a sub-phase's delay beats into wall-clock durations.
package script

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrInvalidScenario is returned for unknown scenario ids and for tables that
// fail validation.
var ErrInvalidScenario = errors.New("invalid scenario")

// Reserved sub-phase identifiers. Scenario phases may not use them.
const (
	PhaseIdle     = "idle"
	PhaseComplete = "complete"
)

// Speed names a preset in a SpeedTable.
type Speed string

const (
	SpeedSlow   Speed = "slow"
	SpeedMedium Speed = "medium"
	SpeedFast   Speed = "fast"
)

// Speeds lists the presets every table must define, slowest first.
var Speeds = []Speed{SpeedSlow, SpeedMedium, SpeedFast}

// ParseSpeed validates a speed name.
func ParseSpeed(s string) (Speed, error) {
	sp := Speed(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Speeds {
		if sp == known {
			return sp, nil
		}
	}
	return "", fmt.Errorf("unknown speed %q", s)
}

// Narration is the label, text and payload shown for a driver state that is
// not a scenario sub-phase (idle before the run, idle between steps, done).
type Narration struct {
	Label   string            `yaml:"label" json:"label"`
	Text    string            `yaml:"text" json:"text"`
	Payload map[string]string `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// Beats maps a delay category to a multiplier of that category's duration.
type Beats map[string]float64

// Phase is one named, delay-bounded unit of work within a Step.
type Phase struct {
	ID      string            `yaml:"id" json:"id"`
	Label   string            `yaml:"label" json:"label"`
	Text    string            `yaml:"text" json:"text"`
	Delay   Beats             `yaml:"delay,omitempty" json:"delay,omitempty"`
	Payload map[string]string `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// Step is one full cycle of sub-phases. Continue reports whether the run goes
// on after this step; only the last step of a scenario clears it.
type Step struct {
	Phases   []Phase `yaml:"phases" json:"phases"`
	Continue bool    `yaml:"continue" json:"continue"`
}

// Scenario is one complete named script.
type Scenario struct {
	ID        string            `yaml:"id" json:"id"`
	Name      string            `yaml:"name" json:"name"`
	Goal      string            `yaml:"goal" json:"goal"`
	Steps     []Step            `yaml:"steps" json:"steps"`
	Result    string            `yaml:"result" json:"result"`
	Intro     Narration         `yaml:"intro" json:"intro"`
	Interlude Narration         `yaml:"interlude" json:"interlude"`
	Done      Narration         `yaml:"done" json:"done"`
	Vars      map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
}

// PhaseCount returns the number of sub-phases across all steps.
func (s Scenario) PhaseCount() int {
	n := 0
	for _, st := range s.Steps {
		n += len(st.Phases)
	}
	return n
}

// Profile maps a delay category to its duration under one speed preset.
type Profile map[string]time.Duration

// Duration resolves a set of beats against the profile. Categories missing
// from the profile contribute nothing; Validate rejects them up front.
func (p Profile) Duration(b Beats) time.Duration {
	var total time.Duration
	for category, mult := range b {
		total += time.Duration(float64(p[category]) * mult)
	}
	return total
}

// SpeedTable holds one Profile per speed preset.
type SpeedTable map[Speed]Profile

// Validate checks that every preset is present with non-negative durations
// and that all presets share one set of categories.
func (t SpeedTable) Validate() error {
	var reference []string
	for _, sp := range Speeds {
		p, ok := t[sp]
		if !ok {
			return fmt.Errorf("speed table is missing preset %q", sp)
		}
		cats := make([]string, 0, len(p))
		for c, d := range p {
			if d < 0 {
				return fmt.Errorf("speed %q category %q has negative duration %s", sp, c, d)
			}
			cats = append(cats, c)
		}
		sort.Strings(cats)
		if reference == nil {
			reference = cats
			continue
		}
		if strings.Join(cats, ",") != strings.Join(reference, ",") {
			return fmt.Errorf("speed %q categories %v differ from %v", sp, cats, reference)
		}
	}
	return nil
}

// Validate checks the scenario against the speed table it will be played with.
// All failures wrap ErrInvalidScenario.
func (s Scenario) Validate(speeds SpeedTable) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: scenario %q: %s", ErrInvalidScenario, s.ID, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(s.ID) == "" {
		return fail("id is required")
	}
	if len(s.Steps) == 0 {
		return fail("at least one step is required")
	}
	medium := speeds[SpeedMedium]
	for i, st := range s.Steps {
		if len(st.Phases) == 0 {
			return fail("step %d has no sub-phases", i)
		}
		last := i == len(s.Steps)-1
		if last && st.Continue {
			return fail("last step %d must not continue", i)
		}
		if !last && !st.Continue {
			return fail("step %d stops the run before the last step", i)
		}
		for j, ph := range st.Phases {
			switch ph.ID {
			case "":
				return fail("step %d phase %d has no id", i, j)
			case PhaseIdle, PhaseComplete:
				return fail("step %d phase %d uses reserved id %q", i, j, ph.ID)
			}
			if ph.Label == "" {
				return fail("step %d phase %q has no label", i, ph.ID)
			}
			for cat, mult := range ph.Delay {
				if math.IsNaN(mult) || math.IsInf(mult, 0) || mult < 0 {
					return fail("step %d phase %q has bad multiplier %v for %q", i, ph.ID, mult, cat)
				}
				if _, ok := medium[cat]; !ok {
					return fail("step %d phase %q uses unknown delay category %q", i, ph.ID, cat)
				}
			}
		}
	}
	return nil
}

// Render substitutes {name} placeholders from vars. Unknown placeholders are
// left in place.
func Render(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// RenderPayload renders every value of a payload into a fresh map, so callers
// can hand the result out without sharing the table's storage.
func RenderPayload(payload map[string]string, vars map[string]string) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		out[k] = Render(v, vars)
	}
	return out
}
