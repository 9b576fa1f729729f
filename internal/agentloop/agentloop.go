// Package agentloop scripts the perceive, decide, act, evaluate cycle of an
// LLM-driven agent as timeline scenarios. Each loop iteration becomes one step
// with seven sub-phases; the model exchange sits between decide and evaluate.
package agentloop

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/stepwise/internal/script"
)

// Family is the catalog family name.
const Family = "agent"

// Sub-phase labels.
const (
	StateIdle       = "IDLE"
	StatePerceiving = "PERCEIVING"
	StateDeciding   = "DECIDING"
	StateActing     = "ACTING"
	StateWaiting    = "WAITING"
	StateProcessing = "PROCESSING"
	StateEvaluating = "EVALUATING"
	StateDone       = "DONE"
)

// Payload keys.
const (
	KeyContext   = "context"
	KeyReasoning = "reasoning"
	KeyMessage   = "message"
	KeyDirection = "direction"
	KeyDecision  = "decision"
)

// Message directions.
const (
	ToModel   = "agent->llm"
	FromModel = "llm->agent"
)

//go:embed agent.yaml
var tableYAML []byte

// Loop is one scripted iteration of the agent.
type Loop struct {
	Perceive       string `yaml:"perceive"`
	Decide         string `yaml:"decide"`
	Request        string `yaml:"request"`
	Response       string `yaml:"response"`
	Act            string `yaml:"act"`
	Context        string `yaml:"context"`
	Reasoning      string `yaml:"reasoning"`
	ShouldContinue bool   `yaml:"should_continue"`
}

// Walkthrough is one agent task as written in the table.
type Walkthrough struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Goal   string `yaml:"goal"`
	Result string `yaml:"result"`
	Loops  []Loop `yaml:"loops"`
}

type table struct {
	Speeds    script.SpeedTable `yaml:"speeds"`
	Scenarios []Walkthrough     `yaml:"scenarios"`
}

var (
	catalogOnce sync.Once
	catalog     *script.Catalog
	catalogErr  error
)

// Catalog returns the built-in agent scenarios. The table is decoded and
// validated once; later calls share the result.
func Catalog() (*script.Catalog, error) {
	catalogOnce.Do(func() {
		catalog, catalogErr = Parse(tableYAML)
	})
	return catalog, catalogErr
}

// Parse decodes an agent table and maps every walkthrough onto a scenario.
func Parse(data []byte) (*script.Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t table
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: decode agent table: %v", script.ErrInvalidScenario, err)
	}
	c := &script.Catalog{Family: Family, Speeds: t.Speeds}
	for _, w := range t.Scenarios {
		c.Scenarios = append(c.Scenarios, Build(w))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Build maps a walkthrough onto a timeline scenario.
func Build(w Walkthrough) script.Scenario {
	s := script.Scenario{
		ID:     w.ID,
		Name:   w.Name,
		Goal:   w.Goal,
		Result: w.Result,
		Intro: script.Narration{
			Label:   StateIdle,
			Text:    "Select a scenario and press Start to begin...",
			Payload: map[string]string{KeyContext: "Waiting for task...", KeyReasoning: "Not started"},
		},
		Interlude: script.Narration{
			Label: StateIdle,
			Text:  "Goal not complete. Starting next iteration...",
		},
		Done: script.Narration{
			Label: StateDone,
			Text:  "Task complete!",
			Payload: map[string]string{
				KeyContext:   "Task completed successfully",
				KeyReasoning: "All objectives achieved. Agent stopping.",
				KeyDecision:  "stop",
			},
		},
	}
	for _, l := range w.Loops {
		s.Steps = append(s.Steps, script.Step{Phases: phases(l), Continue: l.ShouldContinue})
	}
	return s
}

func phases(l Loop) []script.Phase {
	decision := "stop"
	if l.ShouldContinue {
		decision = "continue"
	}
	return []script.Phase{
		{
			ID: "perceive", Label: StatePerceiving, Text: l.Perceive,
			Delay:   script.Beats{"perceive": 1},
			Payload: map[string]string{KeyContext: "Gathering information..."},
		},
		{
			ID: "decide", Label: StateDeciding, Text: l.Decide,
			Delay:   script.Beats{"decide": 1},
			Payload: map[string]string{KeyReasoning: l.Decide},
		},
		{
			ID: "act", Label: StateActing, Text: l.Act,
			Delay: script.Beats{"act": 1},
		},
		{
			ID: "request", Label: StateActing, Text: l.Request,
			Delay:   script.Beats{"act": 1},
			Payload: map[string]string{KeyMessage: l.Request, KeyDirection: ToModel},
		},
		{
			ID: "wait", Label: StateWaiting, Text: "Waiting for LLM response...",
			Delay: script.Beats{"wait": 1},
		},
		{
			ID: "response", Label: StateProcessing, Text: l.Response,
			Delay:   script.Beats{"process": 1},
			Payload: map[string]string{KeyMessage: l.Response, KeyDirection: FromModel, KeyContext: l.Context},
		},
		{
			ID: "evaluate", Label: StateEvaluating, Text: l.Reasoning,
			Delay:   script.Beats{"evaluate": 2},
			Payload: map[string]string{KeyReasoning: l.Reasoning, KeyDecision: decision},
		},
	}
}
