package workflow

import (
	"strings"
	"time"
)

// State is the lifecycle state of a workflow or one of its steps.
type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
	StateCompensating State = "compensating"
	StateCompensated  State = "compensated"
	// StateSkipped applies to steps only; a skipped step never ran and
	// never will.
	StateSkipped State = "skipped"
)

// NormalizeState trims and lowercases a state value.
func NormalizeState(s State) State {
	return State(strings.ToLower(strings.TrimSpace(string(s))))
}

// IsTerminal reports whether a workflow in this state accepts no further
// execution. COMPENSATING is not terminal: it is parked awaiting either
// compensation progress or manual intervention.
func (s State) IsTerminal() bool {
	switch NormalizeState(s) {
	case StateCompleted, StateFailed, StateCancelled, StateCompensated:
		return true
	default:
		return false
	}
}

// IsTerminalStep reports whether a step in this state is settled.
func (s State) IsTerminalStep() bool {
	switch NormalizeState(s) {
	case StateCompleted, StateFailed, StateSkipped, StateCompensated:
		return true
	default:
		return false
	}
}

// Workflow is the persisted aggregate root for one running instance of a
// registered multi-step operation. The store owns the `(type,
// idempotency_key)` unique constraint; steps belong to exactly one workflow
// and are deleted only with it.
type Workflow struct {
	ID             string
	IdempotencyKey string
	Type           string
	State          State
	UserID         string
	WalletAddress  string
	Input          map[string]any
	Output         map[string]any
	// Context is mutable scratch data threaded between steps. Handlers
	// receive a copy and return deltas; the engine merges and persists.
	Context              map[string]any
	CurrentStepIndex     int
	TotalSteps           int
	RetryCount           int
	MaxRetries           int
	NextRetryAt          time.Time
	RequiresCompensation bool
	IsCompensated        bool
	FailureReason        string
	StartedAt            time.Time
	CompletedAt          time.Time
	FailedAt             time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Clone returns a deep copy safe to hand to callers.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Input = copyMap(w.Input)
	cp.Output = copyMap(w.Output)
	cp.Context = copyMap(w.Context)
	return &cp
}

// WorkflowStep is one unit of work owned by a workflow, executed in
// strictly increasing StepIndex order. At most one step per workflow is
// RUNNING at a time.
type WorkflowStep struct {
	ID                   string
	WorkflowID           string
	StepName             string
	StepIndex            int
	State                State
	Input                map[string]any
	Output               map[string]any
	Config               map[string]any
	RetryCount           int
	MaxRetries           int
	NextRetryAt          time.Time
	RequiresCompensation bool
	IsCompensated        bool
	CompensatedAt        time.Time
	CompensationStepName string
	IsIdempotent         bool
	IdempotencyKey       string
	FailureReason        string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Clone returns a deep copy safe to hand to callers.
func (s *WorkflowStep) Clone() *WorkflowStep {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Input = copyMap(s.Input)
	cp.Output = copyMap(s.Output)
	cp.Config = copyMap(s.Config)
	return &cp
}

// Aggregate bundles a workflow with its steps, ordered by StepIndex, as
// loaded in one store call.
type Aggregate struct {
	Workflow *Workflow
	Steps    []*WorkflowStep
}

// Clone deep-copies the aggregate.
func (a *Aggregate) Clone() *Aggregate {
	if a == nil {
		return nil
	}
	cp := &Aggregate{Workflow: a.Workflow.Clone()}
	if len(a.Steps) > 0 {
		cp.Steps = make([]*WorkflowStep, len(a.Steps))
		for i, s := range a.Steps {
			cp.Steps[i] = s.Clone()
		}
	}
	return cp
}

// StepAt returns the step at the given index, or nil when out of range.
func (a *Aggregate) StepAt(index int) *WorkflowStep {
	if a == nil || index < 0 || index >= len(a.Steps) {
		return nil
	}
	return a.Steps[index]
}

// CurrentStep returns the step the workflow's step pointer designates.
func (a *Aggregate) CurrentStep() *WorkflowStep {
	if a == nil || a.Workflow == nil {
		return nil
	}
	return a.StepAt(a.Workflow.CurrentStepIndex)
}

// CompletedSteps returns the COMPLETED steps in ascending StepIndex order.
func (a *Aggregate) CompletedSteps() []*WorkflowStep {
	if a == nil {
		return nil
	}
	out := make([]*WorkflowStep, 0, len(a.Steps))
	for _, s := range a.Steps {
		if NormalizeState(s.State) == StateCompleted {
			out = append(out, s)
		}
	}
	return out
}

// Stats aggregates workflow counts per state.
type Stats struct {
	Total    int
	ByState  map[State]int
	ByType   map[string]int
	Oldest   time.Time
	Youngest time.Time
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mergeMaps(base, delta map[string]any) map[string]any {
	if len(delta) == 0 {
		return base
	}
	out := copyMap(base)
	if out == nil {
		out = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}
