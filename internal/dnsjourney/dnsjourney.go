// Package dnsjourney scripts a browser resolving a domain name and fetching the
// page behind it. Scenarios are built per domain: the scenario id is the
// normalised domain and the typing delay grows with its length.
package dnsjourney

import (
	"bytes"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/stepwise/internal/script"
)

// Family is the catalog family name.
const Family = "dns"

// MaxDomainLength is the longest domain name accepted.
const MaxDomainLength = 253

// Payload keys.
const (
	KeyIcon     = "icon"
	KeyLog      = "log"
	KeyComputer = "computer"
	KeyDNS      = "dns"
	KeyServer   = "server"
	KeyServerIP = "server_ip"
	KeyPacket   = "packet"
)

//go:embed dns.yaml
var tableYAML []byte

// phase is a journey sub-phase. TypeOut, when set, is typed into the log one
// character per typing beat before the phase's own delay.
type phase struct {
	script.Phase `yaml:",inline"`
	TypeOut      string `yaml:"type_out,omitempty"`
}

type table struct {
	DefaultDomain string            `yaml:"default_domain"`
	Domains       map[string]string `yaml:"domains"`
	Speeds        script.SpeedTable `yaml:"speeds"`
	Goal          string            `yaml:"goal"`
	Result        string            `yaml:"result"`
	Intro         script.Narration  `yaml:"intro"`
	Done          script.Narration  `yaml:"done"`
	Phases        []phase           `yaml:"phases"`
}

// Journey builds DNS journey scenarios. It satisfies the timeline driver's
// Source, treating scenario ids as domain names.
type Journey struct {
	t table
}

var (
	defaultOnce    sync.Once
	defaultJourney *Journey
	defaultErr     error
)

// Default returns the built-in journey.
func Default() (*Journey, error) {
	defaultOnce.Do(func() {
		defaultJourney, defaultErr = Parse(tableYAML)
	})
	return defaultJourney, defaultErr
}

// Parse decodes a journey table and checks that it yields a valid scenario for
// its default domain.
func Parse(data []byte) (*Journey, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t table
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: decode dns table: %v", script.ErrInvalidScenario, err)
	}
	if err := t.Speeds.Validate(); err != nil {
		return nil, fmt.Errorf("%w: dns table: %v", script.ErrInvalidScenario, err)
	}
	if _, ok := t.Speeds[script.SpeedMedium]["typing"]; !ok {
		return nil, fmt.Errorf("%w: dns table has no typing speed", script.ErrInvalidScenario)
	}
	j := &Journey{t: t}
	if _, err := j.Normalize(t.DefaultDomain); err != nil {
		return nil, err
	}
	s, err := j.Lookup(t.DefaultDomain)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(t.Speeds); err != nil {
		return nil, err
	}
	return j, nil
}

// Normalize trims and lower-cases a domain. An empty domain becomes the
// table's default; domains containing whitespace or longer than
// MaxDomainLength fail with script.ErrInvalidScenario.
func (j *Journey) Normalize(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		d = j.t.DefaultDomain
	}
	if len(d) > MaxDomainLength {
		return "", fmt.Errorf("%w: domain is %d bytes long, limit is %d", script.ErrInvalidScenario, len(d), MaxDomainLength)
	}
	if strings.IndexFunc(d, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: domain %q contains whitespace", script.ErrInvalidScenario, d)
	}
	return d, nil
}

// ResolveIP returns the address for a normalised domain. Domains missing from
// the table get a made-up but stable address derived from the sum of their
// code points.
func (j *Journey) ResolveIP(domain string) string {
	if ip, ok := j.t.Domains[domain]; ok {
		return ip
	}
	return hashedIP(domain)
}

func hashedIP(domain string) string {
	h := 0
	for _, r := range domain {
		h += int(r)
	}
	return fmt.Sprintf("%d.%d.%d.%d", h%200+50, (h*2)%256, (h*3)%256, (h*4)%256)
}

// Lookup builds the journey for domain. The scenario id and address come
// from the normalised domain; the narration shows it as typed.
func (j *Journey) Lookup(domain string) (script.Scenario, error) {
	d, err := j.Normalize(domain)
	if err != nil {
		return script.Scenario{}, err
	}
	typed := strings.TrimSpace(domain)
	if typed == "" {
		typed = d
	}
	vars := map[string]string{"domain": typed, "ip": j.ResolveIP(d)}

	step := script.Step{Phases: make([]script.Phase, 0, len(j.t.Phases))}
	for _, p := range j.t.Phases {
		ph := p.Phase
		ph.Delay = make(script.Beats, len(p.Delay)+1)
		for k, v := range p.Delay {
			ph.Delay[k] = v
		}
		if p.TypeOut != "" {
			line := script.Render(p.TypeOut, vars)
			ph.Delay["typing"] += float64(utf8.RuneCountInString(line) + 1)
		}
		step.Phases = append(step.Phases, ph)
	}

	return script.Scenario{
		ID:     d,
		Name:   "DNS journey to " + typed,
		Goal:   j.t.Goal,
		Steps:  []script.Step{step},
		Result: j.t.Result,
		Intro:  j.t.Intro,
		Done:   j.t.Done,
		Vars:   vars,
	}, nil
}

// Profiles returns the journey's speed table.
func (j *Journey) Profiles() script.SpeedTable { return j.t.Speeds }

// Domains lists the domains with known addresses, sorted.
func (j *Journey) Domains() []string {
	out := make([]string, 0, len(j.t.Domains))
	for d := range j.t.Domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DefaultDomain is the domain used when none is given.
func (j *Journey) DefaultDomain() string { return j.t.DefaultDomain }
