package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinitionSet attempts to parse JSON or YAML into a DefinitionSet.
func ParseDefinitionSet(data []byte) (DefinitionSet, error) {
	var cfg DefinitionSet
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadDefinitionSet reads and parses a definition set from disk.
func LoadDefinitionSet(path string) (DefinitionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionSet{}, err
	}
	return ParseDefinitionSet(data)
}

// BuildDefinitions constructs workflow definitions from config, binding
// step and compensation handlers by name against the registry.
func BuildDefinitions(cfg DefinitionSet, handlers *HandlerRegistry) ([]Definition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	defs := make([]Definition, 0, len(cfg.Workflows))
	for _, dc := range cfg.Workflows {
		def, err := buildDefinition(dc, handlers)
		if err != nil {
			return nil, fmt.Errorf("build workflow %s: %w", dc.Type, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterDefinitions builds definitions from config and registers them.
func RegisterDefinitions(cfg DefinitionSet, handlers *HandlerRegistry, registry *DefinitionRegistry) error {
	defs, err := BuildDefinitions(cfg, handlers)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func buildDefinition(dc DefinitionConfig, handlers *HandlerRegistry) (Definition, error) {
	def := Definition{
		Type:                 strings.TrimSpace(dc.Type),
		MaxRetries:           dc.MaxRetries,
		RequiresCompensation: dc.RequiresCompensation,
	}
	for _, sc := range dc.Steps {
		handler, ok := handlers.Lookup(sc.Handler)
		if !ok {
			return Definition{}, cloneEngineError(ErrStepHandlerMissing, "", nil, map[string]any{
				"step_name": sc.Name,
				"handler":   strings.TrimSpace(sc.Handler),
			})
		}
		timeout, err := sc.ParsedTimeout()
		if err != nil {
			return Definition{}, fmt.Errorf("step %s: %w", sc.Name, err)
		}
		sd := StepDefinition{
			Name:         strings.TrimSpace(sc.Name),
			Handler:      handler,
			IsIdempotent: sc.IsIdempotent,
			MaxRetries:   sc.MaxRetries,
			Timeout:      timeout,
			Config:       copyMap(sc.Config),
		}
		if ref := strings.TrimSpace(sc.Compensation); ref != "" {
			if _, ok := handlers.LookupCompensation(ref); !ok {
				return Definition{}, cloneEngineError(ErrStepHandlerMissing,
					"compensation handler not registered", nil, map[string]any{
						"step_name": sc.Name,
						"handler":   ref,
					})
			}
			sd.CompensationRef = ref
		}
		def.Steps = append(def.Steps, sd)
	}
	return def, nil
}
