package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

// Workflow types registered by the surrounding platform. The set is closed:
// starting a workflow of any other type is rejected.
const (
	TypeContractDeployment   = "contract_deployment"
	TypeTradeExecution       = "trade_execution"
	TypeAIJobChain           = "ai_job_chain"
	TypeIndexingVerification = "indexing_verification"
	TypePortfolioUpdate      = "portfolio_update"
	TypeRewardGrant          = "reward_grant"
)

// StepDefinition describes one step of a workflow type: which handler runs
// it, its retry budget, and whether the engine may blindly re-invoke it
// after a crash mid-execution (IsIdempotent). Non-idempotent steps must
// carry their own idempotency token to downstream systems; the engine does
// not invent one for them.
type StepDefinition struct {
	Name            string
	Handler         StepHandler
	IsIdempotent    bool
	MaxRetries      int
	Timeout         time.Duration
	Compensation    CompensationHandler
	CompensationRef string
	Config          map[string]any
}

// Validate checks the definition is executable.
func (d StepDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return apperrors.New("step name required", apperrors.CategoryValidation).
			WithTextCode("WORKFLOW_DEFINITION_INVALID")
	}
	if d.Handler == nil {
		return cloneEngineError(ErrStepHandlerMissing, "", nil, map[string]any{"step_name": d.Name})
	}
	if d.MaxRetries < 0 {
		return apperrors.New(fmt.Sprintf("step %s has negative retry budget", d.Name), apperrors.CategoryValidation).
			WithTextCode("WORKFLOW_DEFINITION_INVALID")
	}
	return nil
}

// Definition is the static, in-memory description of a workflow type:
// an ordered list of steps plus workflow-level retry and compensation
// policy. Immutable after registration.
type Definition struct {
	Type                 string
	Steps                []StepDefinition
	MaxRetries           int
	RequiresCompensation bool
}

// Validate checks the definition has a type and at least one valid step.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return apperrors.New("workflow type required", apperrors.CategoryValidation).
			WithTextCode("WORKFLOW_DEFINITION_INVALID")
	}
	if len(d.Steps) == 0 {
		return apperrors.New(fmt.Sprintf("workflow type %s requires steps", d.Type), apperrors.CategoryValidation).
			WithTextCode("WORKFLOW_DEFINITION_INVALID")
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for idx, step := range d.Steps {
		if err := step.Validate(); err != nil {
			return apperrors.Wrap(err, apperrors.CategoryValidation, fmt.Sprintf("workflow %s step[%d]", d.Type, idx)).
				WithTextCode("WORKFLOW_DEFINITION_INVALID")
		}
		if _, dup := seen[step.Name]; dup {
			return apperrors.New(fmt.Sprintf("workflow %s has duplicate step %s", d.Type, step.Name), apperrors.CategoryValidation).
				WithTextCode("WORKFLOW_DEFINITION_INVALID")
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// DefinitionRegistry maps workflow type to definition. Populated once at
// startup; read-only thereafter (Freeze).
type DefinitionRegistry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	frozen      bool
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{
		definitions: make(map[string]Definition),
	}
}

// Register adds a workflow definition. Registration after Freeze is
// rejected.
func (r *DefinitionRegistry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return apperrors.New("definition registry is frozen", apperrors.CategoryConflict).
			WithTextCode("WORKFLOW_REGISTRY_FROZEN")
	}
	def.Type = strings.TrimSpace(def.Type)
	if _, exists := r.definitions[def.Type]; exists {
		return apperrors.New(fmt.Sprintf("workflow type %s already registered", def.Type), apperrors.CategoryConflict).
			WithTextCode("WORKFLOW_TYPE_CONFLICT")
	}
	def.Steps = append([]StepDefinition(nil), def.Steps...)
	r.definitions[def.Type] = def
	return nil
}

// Freeze marks the registry read-only. The engine freezes the registry it
// is constructed with.
func (r *DefinitionRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup retrieves a definition by workflow type.
func (r *DefinitionRegistry) Lookup(wfType string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[strings.TrimSpace(wfType)]
	return def, ok
}

// Types returns the registered workflow types in sorted order.
func (r *DefinitionRegistry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
