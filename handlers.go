package workflow

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/goliatone/go-errors"
)

// StepRequest is the envelope a step handler receives. Input is the step's
// own payload; Context is the workflow scratch data accumulated by earlier
// steps. Both are copies; mutations are returned through StepResult.
type StepRequest struct {
	WorkflowID   string
	WorkflowType string
	StepName     string
	StepIndex    int
	Attempt      int
	Input        map[string]any
	Context      map[string]any
	Config       map[string]any
}

// StepResult carries a handler's output plus context deltas to merge into
// the workflow scratch data before the next step runs.
type StepResult struct {
	Output  map[string]any
	Context map[string]any
}

// StepHandler executes one step's side effects. It is the only place the
// engine waits on external systems.
type StepHandler func(ctx context.Context, req StepRequest) (*StepResult, error)

// CompensationHandler reverses a completed step's side effects. Receives
// the step's recorded output so it can undo exactly what was done.
type CompensationHandler func(ctx context.Context, req CompensationRequest) error

// CompensationRequest is the envelope a compensation handler receives.
type CompensationRequest struct {
	WorkflowID   string
	WorkflowType string
	StepName     string
	StepIndex    int
	Input        map[string]any
	Output       map[string]any
	Context      map[string]any
}

// HandlerRegistry stores named step and compensation handlers. Populated at
// startup and passed into the engine constructor; no runtime reflection.
type HandlerRegistry struct {
	mu            sync.RWMutex
	steps         map[string]StepHandler
	compensations map[string]CompensationHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		steps:         make(map[string]StepHandler),
		compensations: make(map[string]CompensationHandler),
	}
}

// Register adds a step handler by name.
func (r *HandlerRegistry) Register(name string, handler StepHandler) error {
	name = strings.TrimSpace(name)
	if name == "" || handler == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[name]; exists {
		return apperrors.New(fmt.Sprintf("step handler %s already registered", name), apperrors.CategoryConflict).
			WithTextCode("WORKFLOW_HANDLER_CONFLICT")
	}
	r.steps[name] = handler
	return nil
}

// RegisterCompensation adds a compensation handler by name.
func (r *HandlerRegistry) RegisterCompensation(name string, handler CompensationHandler) error {
	name = strings.TrimSpace(name)
	if name == "" || handler == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.compensations[name]; exists {
		return apperrors.New(fmt.Sprintf("compensation handler %s already registered", name), apperrors.CategoryConflict).
			WithTextCode("WORKFLOW_HANDLER_CONFLICT")
	}
	r.compensations[name] = handler
	return nil
}

// Lookup retrieves a step handler by name.
func (r *HandlerRegistry) Lookup(name string) (StepHandler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.steps[strings.TrimSpace(name)]
	return h, ok
}

// LookupCompensation retrieves a compensation handler by name.
func (r *HandlerRegistry) LookupCompensation(name string) (CompensationHandler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.compensations[strings.TrimSpace(name)]
	return h, ok
}

// IDs returns sorted step handler names for deterministic catalogs.
func (r *HandlerRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.steps))
	for id := range r.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// safeInvoke runs a step handler converting panics into errors so a broken
// handler cannot take down the executor goroutine.
func safeInvoke(ctx context.Context, handler StepHandler, req StepRequest) (res *StepResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			err = apperrors.New(fmt.Sprintf("step handler panic: %v", rec), apperrors.CategoryHandler).
				WithTextCode(ErrCodeStepPanic).
				WithMetadata(map[string]any{
					"step_name": req.StepName,
					"stack":     string(stack[:n]),
				})
		}
	}()
	return handler(ctx, req)
}

// safeCompensate runs a compensation handler with the same panic containment.
func safeCompensate(ctx context.Context, handler CompensationHandler, req CompensationRequest) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			err = apperrors.New(fmt.Sprintf("compensation handler panic: %v", rec), apperrors.CategoryHandler).
				WithTextCode(ErrCodeStepPanic).
				WithMetadata(map[string]any{
					"step_name": req.StepName,
					"stack":     string(stack[:n]),
				})
		}
	}()
	return handler(ctx, req)
}
