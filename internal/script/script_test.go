package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpeeds() SpeedTable {
	return SpeedTable{
		SpeedSlow:   {"work": 2 * time.Second, "rest": time.Second},
		SpeedMedium: {"work": time.Second, "rest": 500 * time.Millisecond},
		SpeedFast:   {"work": 500 * time.Millisecond, "rest": 250 * time.Millisecond},
	}
}

func validScenario() Scenario {
	return Scenario{
		ID: "demo",
		Steps: []Step{
			{Continue: true, Phases: []Phase{{ID: "a", Label: "A", Delay: Beats{"work": 1}}}},
			{Continue: false, Phases: []Phase{{ID: "b", Label: "B", Delay: Beats{"rest": 2}}}},
		},
	}
}

func TestParseSpeed(t *testing.T) {
	for _, in := range []string{"slow", " Medium ", "FAST"} {
		_, err := ParseSpeed(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseSpeed("ludicrous")
	assert.Error(t, err)
}

func TestProfileDuration(t *testing.T) {
	p := Profile{"step": 1200 * time.Millisecond, "packet": 600 * time.Millisecond}

	assert.Equal(t, 1800*time.Millisecond, p.Duration(Beats{"step": 1, "packet": 1}))
	assert.Equal(t, 600*time.Millisecond, p.Duration(Beats{"step": 0.5}))
	assert.Equal(t, time.Duration(0), p.Duration(nil))
}

func TestSpeedTableValidate(t *testing.T) {
	t.Run("complete table", func(t *testing.T) {
		assert.NoError(t, testSpeeds().Validate())
	})

	t.Run("missing preset", func(t *testing.T) {
		table := testSpeeds()
		delete(table, SpeedFast)
		assert.ErrorContains(t, table.Validate(), `missing preset "fast"`)
	})

	t.Run("mismatched categories", func(t *testing.T) {
		table := testSpeeds()
		table[SpeedFast] = Profile{"work": time.Second}
		assert.Error(t, table.Validate())
	})

	t.Run("negative duration", func(t *testing.T) {
		table := testSpeeds()
		table[SpeedSlow]["work"] = -time.Second
		assert.ErrorContains(t, table.Validate(), "negative duration")
	})
}

func TestScenarioValidate(t *testing.T) {
	require.NoError(t, validScenario().Validate(testSpeeds()))

	cases := map[string]func(s *Scenario){
		"empty id":         func(s *Scenario) { s.ID = " " },
		"no steps":         func(s *Scenario) { s.Steps = nil },
		"empty step":       func(s *Scenario) { s.Steps[0].Phases = nil },
		"last continues":   func(s *Scenario) { s.Steps[1].Continue = true },
		"early stop":       func(s *Scenario) { s.Steps[0].Continue = false },
		"phase without id": func(s *Scenario) { s.Steps[0].Phases[0].ID = "" },
		"reserved id":      func(s *Scenario) { s.Steps[0].Phases[0].ID = PhaseComplete },
		"missing label":    func(s *Scenario) { s.Steps[0].Phases[0].Label = "" },
		"unknown category": func(s *Scenario) { s.Steps[0].Phases[0].Delay = Beats{"nap": 1} },
		"negative beat":    func(s *Scenario) { s.Steps[0].Phases[0].Delay = Beats{"work": -1} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := validScenario()
			mutate(&s)
			err := s.Validate(testSpeeds())
			assert.ErrorIs(t, err, ErrInvalidScenario)
		})
	}
}

func TestRender(t *testing.T) {
	vars := map[string]string{"domain": "github.com", "ip": "140.82.121.4"}

	assert.Equal(t,
		"github.com lives at 140.82.121.4, ask {nobody}",
		Render("{domain} lives at {ip}, ask {nobody}", vars))
	assert.Equal(t, "plain", Render("plain", vars))
	assert.Equal(t, "{domain}", Render("{domain}", nil))

	payload := map[string]string{"log": "Connecting to {ip}..."}
	out := RenderPayload(payload, vars)
	assert.Equal(t, "Connecting to 140.82.121.4...", out["log"])
	assert.Equal(t, "Connecting to {ip}...", payload["log"], "source payload must not be touched")
}

func TestParse(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "tea.yaml"))
	require.NoError(t, err)

	c, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "kitchen", c.Family)
	assert.Equal(t, []string{"tea"}, c.IDs())
	assert.Equal(t, 500*time.Millisecond, c.Profiles()[SpeedMedium]["pour"])

	s, err := c.Lookup("tea")
	require.NoError(t, err)
	assert.Equal(t, 3, s.PhaseCount())
	assert.Equal(t, "green tea", s.Vars["drink"])
	assert.Equal(t, 3500*time.Millisecond, c.Speeds[SpeedMedium].Duration(s.Steps[1].Phases[0].Delay))

	_, err = c.Lookup("coffee")
	assert.ErrorIs(t, err, ErrInvalidScenario)
}

func TestParseRejects(t *testing.T) {
	t.Run("empty document", func(t *testing.T) {
		_, err := Parse(nil)
		assert.ErrorIs(t, err, ErrInvalidScenario)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Parse([]byte("family: x\nflavour: sweet\n"))
		assert.ErrorIs(t, err, ErrInvalidScenario)
	})

	t.Run("duplicate ids", func(t *testing.T) {
		c := &Catalog{Speeds: testSpeeds(), Scenarios: []Scenario{validScenario(), validScenario()}}
		assert.ErrorContains(t, c.Validate(), "duplicate scenario id")
	})

	t.Run("no scenarios", func(t *testing.T) {
		c := &Catalog{Speeds: testSpeeds()}
		assert.ErrorIs(t, c.Validate(), ErrInvalidScenario)
	})
}

func TestLoad(t *testing.T) {
	c, err := Load(filepath.Join("testdata", "tea.yaml"))
	require.NoError(t, err)
	assert.Len(t, c.Scenarios, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read script table")
}
