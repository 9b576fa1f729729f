package present

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		snap     timeline.Snapshot
		verbose  bool
		contains []string
		excludes []string
	}{
		{
			name: "intro shows the goal",
			snap: timeline.Snapshot{
				ScenarioID: "math", StepCount: 2, SubPhase: script.PhaseIdle, Label: "IDLE",
				NarrativeText: "Select a scenario and press Start to begin...",
				Payload:       map[string]string{"goal": "Calculate (2+2) × 3"},
			},
			contains: []string{"[math] IDLE\n", "  goal: Calculate (2+2) × 3\n", "  Select a scenario"},
		},
		{
			name: "request shows the outgoing message once",
			snap: timeline.Snapshot{
				ScenarioID: "math", StepIndex: 0, StepCount: 2, SubPhase: "request", Label: "ACTING",
				NarrativeText: "What is 2+2?",
				Payload:       map[string]string{"message": "What is 2+2?", "direction": "agent->llm", "goal": "g"},
			},
			contains: []string{"[math 1/2] ACTING\n", "  → LLM: What is 2+2?\n"},
			excludes: []string{"goal:", "  What is 2+2?\n"},
		},
		{
			name: "multi-line response is indented",
			snap: timeline.Snapshot{
				ScenarioID: "code", StepIndex: 1, StepCount: 4, SubPhase: "response", Label: "PROCESSING",
				NarrativeText: "function f() {\n}",
				Payload:       map[string]string{"message": "function f() {\n}", "direction": "llm->agent"},
			},
			contains: []string{"[code 2/4] PROCESSING\n", "  ← LLM: function f() {\n", "         }\n"},
		},
		{
			name: "log lines and statuses",
			snap: timeline.Snapshot{
				ScenarioID: "github.com", StepCount: 1, SubPhase: "lookup", Label: "DNS looks it up",
				Payload: map[string]string{"log": "one\ntwo", "dns": "Searching...", "icon": "📖"},
			},
			verbose:  true,
			contains: []string{"  | one\n", "  | two\n", "  dns= Searching...\n", "  icon= 📖\n"},
		},
		{
			name: "statuses hidden unless verbose",
			snap: timeline.Snapshot{
				ScenarioID: "github.com", StepCount: 1, SubPhase: "lookup", Label: "DNS looks it up",
				Payload: map[string]string{"dns": "Searching..."},
			},
			excludes: []string{"dns="},
		},
		{
			name: "terminal shows the result",
			snap: timeline.Snapshot{
				ScenarioID: "math", StepIndex: 2, StepCount: 2, SubPhase: script.PhaseComplete, Label: "DONE",
				NarrativeText: "Task complete!", IsTerminal: true,
				Payload: map[string]string{"result": "Final Result: 12", "reasoning": "All objectives achieved."},
			},
			contains: []string{"[math done] DONE\n", "  Task complete!\n", "  reasoning: All objectives achieved.\n", "  ✔ Final Result: 12\n"},
		},
		{
			name: "paused marker",
			snap: timeline.Snapshot{ScenarioID: "math", StepCount: 2, SubPhase: "decide", Label: "DECIDING", Paused: true},
			contains: []string{"DECIDING (paused)\n"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.snap, false, tt.verbose)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, got, unwanted)
			}
			assert.NotContains(t, got, "\033[", "colour disabled")
		})
	}
}

func TestFormatColor(t *testing.T) {
	got := Format(timeline.Snapshot{ScenarioID: "x", StepCount: 1, SubPhase: "a", Label: "A"}, true, false)
	assert.Contains(t, got, colorBold+colorCyan+"A"+colorReset)
}

func TestConsoleCollapsesControlChanges(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, WithColor(false))

	s := timeline.Snapshot{RunID: "r", Seq: 1, ScenarioID: "math", StepCount: 2, SubPhase: "decide", Label: "DECIDING",
		Mode: timeline.ModeAuto, Speed: script.SpeedMedium}
	c.Observe(s)
	paused := s
	paused.Seq, paused.Paused = 2, true
	c.Observe(paused)
	faster := paused
	faster.Seq, faster.Speed, faster.Mode = 3, script.SpeedFast, timeline.ModeManual
	c.Observe(faster)

	out := buf.String()
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("DECIDING")))
	assert.Contains(t, out, "  · paused\n")
	assert.Contains(t, out, "  · mode manual, speed fast\n")
	require.NoError(t, c.Err())
}

func TestConsoleNewRunIsNotARestate(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	s := timeline.Snapshot{RunID: "r1", ScenarioID: "math", SubPhase: script.PhaseIdle, Label: "IDLE"}
	c.Observe(s)
	s.RunID = "r2"
	c.Observe(s)
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("IDLE")))
}

type failingWriter struct{ calls int }

func (f *failingWriter) Write([]byte) (int, error) {
	f.calls++
	return 0, errors.New("disk full")
}

func TestConsoleKeepsFirstWriteError(t *testing.T) {
	w := &failingWriter{}
	c := NewConsole(w)
	c.Observe(timeline.Snapshot{RunID: "a", Label: "A"})
	c.Observe(timeline.Snapshot{RunID: "b", Label: "B"})

	assert.EqualError(t, c.Err(), "disk full")
	assert.Equal(t, 1, w.calls)
}
