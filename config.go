package workflow

import (
	"fmt"
	"strings"
	"time"
)

// DefinitionSet represents a collection of workflow definitions loaded
// from config.
type DefinitionSet struct {
	Version   int                `json:"version" yaml:"version"`
	Workflows []DefinitionConfig `json:"workflows" yaml:"workflows"`
	Meta      map[string]any     `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate performs basic structural validation.
func (c DefinitionSet) Validate() error {
	seen := make(map[string]struct{}, len(c.Workflows))
	for idx, def := range c.Workflows {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("workflow[%d]: %w", idx, err)
		}
		key := strings.TrimSpace(def.Type)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("workflow[%d]: duplicate type %s", idx, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// DefinitionConfig describes a single workflow type in config form. Step
// handlers are referenced by name and bound against a HandlerRegistry at
// build time.
type DefinitionConfig struct {
	Type                 string         `json:"type" yaml:"type"`
	MaxRetries           int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RequiresCompensation bool           `json:"requires_compensation,omitempty" yaml:"requires_compensation,omitempty"`
	Steps                []StepConfig   `json:"steps" yaml:"steps"`
	Meta                 map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate checks required fields for the workflow config.
func (d DefinitionConfig) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("type is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s requires steps", d.Type)
	}
	for idx, step := range d.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("workflow %s step[%d]: %w", d.Type, idx, err)
		}
	}
	return nil
}

// StepConfig describes one step in config form. Timeout is a duration
// string ("30s", "2m").
type StepConfig struct {
	Name         string         `json:"name" yaml:"name"`
	Handler      string         `json:"handler" yaml:"handler"`
	Compensation string         `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	IsIdempotent bool           `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	MaxRetries   int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Timeout      string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Validate checks required fields for the step config.
func (s StepConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(s.Handler) == "" {
		return fmt.Errorf("step %s requires a handler", s.Name)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("step %s has negative retry budget", s.Name)
	}
	if _, err := s.ParsedTimeout(); err != nil {
		return fmt.Errorf("step %s has invalid timeout: %w", s.Name, err)
	}
	return nil
}

// ParsedTimeout resolves the timeout string; empty means no timeout.
func (s StepConfig) ParsedTimeout() (time.Duration, error) {
	value := strings.TrimSpace(s.Timeout)
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}
