package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

// Compensate reverses a workflow's completed steps in reverse execution
// order. The workflow must be terminal, declare RequiresCompensation, and
// not be compensated already. Compensation halts on the first handler
// failure and leaves the workflow in COMPENSATING so the call can be
// repeated once the fault clears; compensation handlers must therefore be
// idempotent. Steps without a compensation handler are passed over.
func (e *Engine) Compensate(ctx context.Context, id string) (*Workflow, error) {
	unlock := e.locker.Lock("wf:" + strings.TrimSpace(id))
	defer unlock()
	return e.compensate(ctx, id)
}

// compensate assumes the caller arbitrated access: either holding the
// per-workflow lock or, on the automatic failure path, being the executor
// that just moved the workflow to FAILED.
func (e *Engine) compensate(ctx context.Context, id string) (*Workflow, error) {
	agg, err := e.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	wf := agg.Workflow

	if NormalizeState(wf.State) != StateCompensating {
		if _, derr := Transition(wf, nil, Event{Kind: EventCompensationTriggered}); derr != nil {
			return nil, derr
		}
		previous := NormalizeState(wf.State)
		claimed, cerr := e.store.ClaimWorkflow(ctx, id, []State{StateFailed, StateCancelled}, StateCompensating)
		if cerr != nil {
			return nil, cerr
		}
		now := e.nowFn()
		claimed.NextRetryAt = time.Time{}
		claimed.UpdatedAt = now
		if err := e.store.SaveWorkflow(ctx, claimed); err != nil {
			return nil, err
		}
		wf = claimed
		agg.Workflow = claimed
		e.emit(ctx, LifecycleEvent{
			Phase:         PhaseCompensationBegan,
			WorkflowID:    wf.ID,
			WorkflowType:  wf.Type,
			PreviousState: previous,
			CurrentState:  StateCompensating,
			OccurredAt:    now,
		})
	}

	if err := e.rollback(ctx, agg); err != nil {
		return wf.Clone(), err
	}

	now := e.nowFn()
	wf.State = StateCompensated
	wf.IsCompensated = true
	wf.UpdatedAt = now
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	e.emit(ctx, LifecycleEvent{
		Phase:         PhaseCompensationEnded,
		WorkflowID:    wf.ID,
		WorkflowType:  wf.Type,
		PreviousState: StateCompensating,
		CurrentState:  StateCompensated,
		OccurredAt:    now,
	})
	return wf.Clone(), nil
}

// rollback walks completed steps newest first, invoking each step's
// compensation handler and recording per-step compensation state so a
// resumed rollback never re-runs an already-compensated step.
func (e *Engine) rollback(ctx context.Context, agg *Aggregate) error {
	wf := agg.Workflow
	def, ok := e.definitions.Lookup(wf.Type)
	if !ok {
		return cloneEngineError(ErrUnknownType, "", nil, map[string]any{"type": wf.Type})
	}

	for i := len(agg.Steps) - 1; i >= 0; i-- {
		step := agg.Steps[i]
		switch NormalizeState(step.State) {
		case StateCompleted, StateCompensating, StateCompensated:
		default:
			continue
		}
		if step.IsCompensated {
			continue
		}
		handler := e.compensationFor(def, step)
		if handler == nil {
			continue
		}
		now := e.nowFn()
		step.State = StateCompensating
		step.UpdatedAt = now
		if err := e.store.SaveStep(ctx, step); err != nil {
			return err
		}
		req := CompensationRequest{
			WorkflowID:   wf.ID,
			WorkflowType: wf.Type,
			StepName:     step.StepName,
			StepIndex:    step.StepIndex,
			Input:        copyMap(wf.Input),
			Output:       copyMap(step.Output),
			Context:      copyMap(wf.Context),
		}
		if err := safeCompensate(ctx, handler, req); err != nil {
			step.FailureReason = err.Error()
			step.UpdatedAt = e.nowFn()
			if serr := e.store.SaveStep(ctx, step); serr != nil {
				return serr
			}
			return apperrors.Wrap(err, apperrors.CategoryHandler,
				fmt.Sprintf("compensation failed at step %d (%s)", step.StepIndex, step.StepName)).
				WithTextCode("WORKFLOW_COMPENSATION_FAILED").
				WithMetadata(map[string]any{
					"workflow_id": wf.ID,
					"step_index":  step.StepIndex,
					"step_name":   step.StepName,
				})
		}
		now = e.nowFn()
		step.State = StateCompensated
		step.IsCompensated = true
		step.CompensatedAt = now
		step.FailureReason = ""
		step.UpdatedAt = now
		if err := e.store.SaveStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// compensationFor resolves a step's compensation handler: the definition's
// inline handler first, then the named handler from the registry.
func (e *Engine) compensationFor(def Definition, step *WorkflowStep) CompensationHandler {
	if step.StepIndex < len(def.Steps) {
		if sd := def.Steps[step.StepIndex]; sd.Compensation != nil {
			return sd.Compensation
		}
	}
	if ref := strings.TrimSpace(step.CompensationStepName); ref != "" {
		if handler, ok := e.handlers.LookupCompensation(ref); ok {
			return handler
		}
	}
	return nil
}
