package propagation

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/stepwise/internal/script"
)

// ErrInvalidTopology is returned for topology tables that fail validation.
var ErrInvalidTopology = errors.New("invalid topology")

//go:embed topology.yaml
var topologyYAML []byte

// TxDefaults fills in the blanks of a TxRequest.
type TxDefaults struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Amount int    `yaml:"amount"`
}

// Topology is an undirected graph of named nodes plus the delays used when a
// transaction crosses it.
type Topology struct {
	Origin   string            `yaml:"origin"`
	Nodes    []string          `yaml:"nodes"`
	Edges    [][2]string       `yaml:"edges"`
	Speeds   script.SpeedTable `yaml:"speeds"`
	Defaults TxDefaults        `yaml:"defaults"`

	index     map[string]int
	neighbors [][]int
}

var (
	defaultOnce sync.Once
	defaultTopo *Topology
	defaultErr  error
)

// DefaultTopology returns the built-in five node network.
func DefaultTopology() (*Topology, error) {
	defaultOnce.Do(func() {
		defaultTopo, defaultErr = ParseTopology(topologyYAML)
	})
	return defaultTopo, defaultErr
}

// ParseTopology decodes and validates a topology table.
func ParseTopology(data []byte) (*Topology, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t Topology
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidTopology, err)
	}
	if err := t.build(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Topology) build() error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidTopology)
	}
	if err := t.Speeds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTopology, err)
	}
	for _, cat := range []string{"propagate", "sync"} {
		if _, ok := t.Speeds[script.SpeedMedium][cat]; !ok {
			return fmt.Errorf("%w: speeds lack the %q category", ErrInvalidTopology, cat)
		}
	}

	t.index = make(map[string]int, len(t.Nodes))
	for i, n := range t.Nodes {
		if n == "" {
			return fmt.Errorf("%w: node %d has no name", ErrInvalidTopology, i)
		}
		if _, dup := t.index[n]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidTopology, n)
		}
		t.index[n] = i
	}
	if _, ok := t.index[t.Origin]; !ok {
		return fmt.Errorf("%w: origin %q is not a node", ErrInvalidTopology, t.Origin)
	}

	t.neighbors = make([][]int, len(t.Nodes))
	for _, e := range t.Edges {
		a, okA := t.index[e[0]]
		b, okB := t.index[e[1]]
		if !okA || !okB {
			return fmt.Errorf("%w: edge %v names an unknown node", ErrInvalidTopology, e)
		}
		if a == b {
			return fmt.Errorf("%w: edge %v is a loop", ErrInvalidTopology, e)
		}
		t.neighbors[a] = append(t.neighbors[a], b)
		t.neighbors[b] = append(t.neighbors[b], a)
	}
	return nil
}

// Levels returns the nodes reachable from origin grouped by breadth-first
// depth. Each level holds the not-yet-visited neighbours of the level before
// it, once each, in edge order. Unreachable nodes appear in no level.
func (t *Topology) Levels(origin int) [][]int {
	visited := make([]bool, len(t.Nodes))
	visited[origin] = true
	levels := [][]int{{origin}}
	for {
		var next []int
		for _, n := range levels[len(levels)-1] {
			for _, nb := range t.neighbors[n] {
				if !visited[nb] {
					visited[nb] = true
					next = append(next, nb)
				}
			}
		}
		if len(next) == 0 {
			return levels
		}
		levels = append(levels, next)
	}
}
