package script

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Catalog is a family of scenarios sharing one speed table. It satisfies the
// timeline driver's Source.
type Catalog struct {
	Family    string     `yaml:"family" json:"family"`
	Speeds    SpeedTable `yaml:"speeds" json:"-"`
	Scenarios []Scenario `yaml:"scenarios" json:"scenarios"`
}

// Parse decodes and validates a YAML script table. Unknown fields are
// rejected so typos in hand-written tables surface immediately.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty script table", ErrInvalidScenario)
		}
		return nil, fmt.Errorf("%w: decode script table: %v", ErrInvalidScenario, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads a script table from disk. A leading ~ is expanded to the home
// directory.
func Load(path string) (*Catalog, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand script path %q: %w", path, err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read script table: %w", err)
	}
	return Parse(data)
}

// Validate checks the speed table and every scenario, and rejects duplicate
// scenario ids.
func (c *Catalog) Validate() error {
	if err := c.Speeds.Validate(); err != nil {
		return fmt.Errorf("%w: family %q: %v", ErrInvalidScenario, c.Family, err)
	}
	if len(c.Scenarios) == 0 {
		return fmt.Errorf("%w: family %q has no scenarios", ErrInvalidScenario, c.Family)
	}
	seen := make(map[string]struct{}, len(c.Scenarios))
	for _, s := range c.Scenarios {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate scenario id %q", ErrInvalidScenario, s.ID)
		}
		seen[s.ID] = struct{}{}
		if err := s.Validate(c.Speeds); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the scenario with the given id.
func (c *Catalog) Lookup(id string) (Scenario, error) {
	for _, s := range c.Scenarios {
		if s.ID == id {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: unknown scenario id %q", ErrInvalidScenario, id)
}

// IDs lists scenario ids in table order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.Scenarios))
	for i, s := range c.Scenarios {
		ids[i] = s.ID
	}
	return ids
}

// Profiles returns the catalog's speed table.
func (c *Catalog) Profiles() SpeedTable { return c.Speeds }
