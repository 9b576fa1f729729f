package dnsjourney

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/stepwise/internal/script"
	"github.com/xkilldash9x/stepwise/internal/timeline"
)

func journey(t *testing.T) *Journey {
	t.Helper()
	j, err := Default()
	require.NoError(t, err)
	return j
}

func TestNormalize(t *testing.T) {
	j := journey(t)

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "lower-cases and trims", in: "  GitHub.COM ", want: "github.com"},
		{name: "empty falls back to default", in: "", want: "google.com"},
		{name: "blank falls back to default", in: " \t ", want: "google.com"},
		{name: "unknown domains are accepted", in: "example.net", want: "example.net"},
		{name: "inner whitespace", in: "exa mple.com", wantErr: true},
		{name: "too long", in: strings.Repeat("a", MaxDomainLength+1), wantErr: true},
		{name: "at the limit", in: strings.Repeat("a", MaxDomainLength), want: strings.Repeat("a", MaxDomainLength)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.Normalize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, script.ErrInvalidScenario)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveIP(t *testing.T) {
	j := journey(t)

	assert.Equal(t, "142.250.80.46", j.ResolveIP("google.com"))
	assert.Equal(t, "208.80.154.224", j.ResolveIP("wikipedia.org"))

	// "ab" sums to 195.
	assert.Equal(t, "245.134.73.12", j.ResolveIP("ab"))
	// Code points, not bytes: "ü" counts 252 although it encodes as two bytes.
	assert.Equal(t, "65.238.229.220", j.ResolveIP("bücher.de"))
	assert.Equal(t, j.ResolveIP("example.net"), j.ResolveIP("example.net"))
	assert.Len(t, j.Domains(), 10)
}

func TestLookupBuildsPerDomainScenario(t *testing.T) {
	j := journey(t)

	s, err := j.Lookup("GitHub.com")
	require.NoError(t, err)
	require.NoError(t, s.Validate(j.Profiles()))

	assert.Equal(t, "github.com", s.ID)
	assert.Equal(t, "140.82.121.4", s.Vars["ip"], "the address lookup ignores case")
	assert.Equal(t, "GitHub.com", s.Vars["domain"], "narration keeps the typed casing")
	assert.Equal(t, "DNS journey to GitHub.com", s.Name)
	require.Len(t, s.Steps, 1)
	assert.False(t, s.Steps[0].Continue)

	var ids []string
	for _, ph := range s.Steps[0].Phases {
		ids = append(ids, ph.ID)
	}
	assert.Equal(t, []string{"typing", "query", "lookup", "response", "connect", "fetch"}, ids)

	// "You type: github.com" is 20 runes, typed one per beat plus the final beat.
	typing := s.Steps[0].Phases[0]
	assert.Equal(t, script.Beats{"step": 1, "typing": 21}, typing.Delay)
	assert.Equal(t, 840*time.Millisecond+1200*time.Millisecond, j.Profiles()[script.SpeedMedium].Duration(typing.Delay))

	lookup := s.Steps[0].Phases[2]
	assert.Equal(t, 1200*time.Millisecond, j.Profiles()[script.SpeedMedium].Duration(lookup.Delay))

	def, err := j.Lookup("   ")
	require.NoError(t, err)
	assert.Equal(t, "google.com", def.ID)
	assert.Equal(t, "google.com", def.Vars["domain"])

	other, err := j.Lookup("a.io")
	require.NoError(t, err)
	assert.Equal(t, float64(15), other.Steps[0].Phases[0].Delay["typing"])
	assert.NotContains(t, j.t.Phases[0].Delay, "typing", "building a scenario must not touch the table")
}

func TestLookupRejectsBadDomains(t *testing.T) {
	j := journey(t)
	_, err := j.Lookup("two words.com")
	assert.ErrorIs(t, err, script.ErrInvalidScenario)
}

func TestJourneyPlaysToLoadedPage(t *testing.T) {
	j := journey(t)
	clock := clockwork.NewFakeClock()
	d, err := timeline.NewDriver(zaptest.NewLogger(t), j, "reddit.com",
		timeline.WithClock(clock), timeline.WithMode(timeline.ModeAuto), timeline.WithSpeed(script.SpeedFast))
	require.NoError(t, err)

	snaps := make(chan timeline.Snapshot, 64)
	d.Subscribe(timeline.ObserverFunc(func(s timeline.Snapshot) { snaps <- s }))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-errc)
	}()

	require.NoError(t, d.Start(ctx))
	intro := <-snaps
	assert.Equal(t, "Ready to explore!", intro.Label)
	assert.Equal(t, "Ready", intro.Payload[KeyComputer])

	var logs []string
	for {
		var s timeline.Snapshot
		select {
		case s = <-snaps:
		case <-time.After(2 * time.Second):
			t.Fatal("journey stalled")
		}
		if s.IsTerminal {
			assert.Equal(t, "Page loaded!", s.Label)
			assert.Equal(t, "✅ reddit.com loaded successfully!", s.Payload["result"])
			assert.Equal(t, "Page loaded! ✓", s.Payload[KeyComputer])
			assert.Equal(t, "IP: 151.101.1.140", s.Payload[KeyServerIP])
			break
		}
		logs = append(logs, s.Payload[KeyLog])
		clock.BlockUntil(1)
		clock.Advance(s.Delay)
	}

	require.Len(t, logs, 6)
	assert.Equal(t, "You type: reddit.com", logs[0])
	assert.Contains(t, logs[2], `DNS: "Found it! reddit.com = 151.101.1.140"`)
	assert.Equal(t, "← DNS Response: IP = 151.101.1.140", logs[3])
}

func TestParseRejectsBrokenTables(t *testing.T) {
	tests := map[string]string{
		"unknown field": "default_domain: a.com\nwho: me\n",
		"no typing speed": `
default_domain: a.com
speeds:
  slow: {step: 1s}
  medium: {step: 1s}
  fast: {step: 1s}
phases:
  - {id: typing, label: T, delay: {step: 1}}`,
		"bad default domain": `
default_domain: "a b"
speeds:
  slow: {step: 1s, typing: 1ms}
  medium: {step: 1s, typing: 1ms}
  fast: {step: 1s, typing: 1ms}
phases:
  - {id: typing, label: T, delay: {step: 1}}`,
		"no phases": `
default_domain: a.com
speeds:
  slow: {step: 1s, typing: 1ms}
  medium: {step: 1s, typing: 1ms}
  fast: {step: 1s, typing: 1ms}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, script.ErrInvalidScenario)
		})
	}
}
