// Package warmer pre-populates the cache from a catalog of query
// patterns so the first reader of a common query never pays the load
// penalty. Patterns are grouped by priority; priorities run strictly in
// order, patterns within a priority run concurrently.
package warmer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Priority orders pattern groups. Critical patterns warm first; the
// next group starts only once the previous one has finished.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityOrder is the execution order for a warming run.
var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// ParsePriority normalizes a priority name. Empty means medium.
func ParsePriority(name string) (Priority, error) {
	switch Priority(name) {
	case "":
		return PriorityMedium, nil
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(name), nil
	default:
		return "", fmt.Errorf("unknown priority %q", name)
	}
}

// Pattern is one warmable query shape.
type Pattern struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     string   `yaml:"kind" json:"kind"`
	Priority Priority `yaml:"priority" json:"priority"`
	// Page is the dashboard page the pattern warms; empty means the
	// default page.
	Page     string   `yaml:"page,omitempty" json:"page,omitempty"`
	Entities []string `yaml:"entities" json:"entities"`
	// Parameters narrows the pattern to specific measured parameters.
	Parameters []string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	// Months is how many trailing months of data the pattern covers.
	Months int `yaml:"months" json:"months"`
	// Tier names the performance tier the warmed responses target.
	Tier string `yaml:"tier" json:"tier"`
}

// Catalog is the full set of warmable patterns, normally loaded from a
// YAML file shipped alongside the service config.
type Catalog struct {
	Patterns []Pattern `yaml:"patterns"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read warming catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse warming catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid warming catalog: %w", err)
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.Patterns))
	for i := range c.Patterns {
		p := &c.Patterns[i]
		if p.Name == "" {
			return fmt.Errorf("pattern %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("pattern %q: duplicate name", p.Name)
		}
		seen[p.Name] = true

		if p.Kind == "" {
			return fmt.Errorf("pattern %q: kind is required", p.Name)
		}
		pri, err := ParsePriority(string(p.Priority))
		if err != nil {
			return fmt.Errorf("pattern %q: %w", p.Name, err)
		}
		p.Priority = pri

		if p.Months < 0 {
			return fmt.Errorf("pattern %q: months must not be negative", p.Name)
		}
		if p.Months == 0 {
			p.Months = 3
		}
	}
	return nil
}

// byPriority returns the patterns of one priority group in catalog
// order.
func (c *Catalog) byPriority(pri Priority) []Pattern {
	var out []Pattern
	for _, p := range c.Patterns {
		if p.Priority == pri {
			out = append(out, p)
		}
	}
	return out
}
