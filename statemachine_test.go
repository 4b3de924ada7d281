package workflow

import (
	"errors"
	"testing"
)

func runningWorkflow(total int) *Workflow {
	return &Workflow{
		ID:         "wf-1",
		Type:       TypeTradeExecution,
		State:      StateRunning,
		TotalSteps: total,
		MaxRetries: 3,
	}
}

func pendingStep(index, retries, maxRetries int) *WorkflowStep {
	return &WorkflowStep{
		ID:         "step-1",
		WorkflowID: "wf-1",
		StepName:   "reserve_funds",
		StepIndex:  index,
		State:      StateRunning,
		RetryCount: retries,
		MaxRetries: maxRetries,
	}
}

func TestTransitionStepSucceededAdvances(t *testing.T) {
	wf := runningWorkflow(3)
	step := pendingStep(0, 0, 3)

	d, err := Transition(wf, step, Event{Kind: EventStepSucceeded})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if d.StepState != StateCompleted {
		t.Fatalf("expected completed step, got %s", d.StepState)
	}
	adv, ok := d.Effect.(AdvanceStep)
	if !ok {
		t.Fatalf("expected AdvanceStep effect, got %T", d.Effect)
	}
	if adv.NextIndex != 1 {
		t.Fatalf("expected next index 1, got %d", adv.NextIndex)
	}
}

func TestTransitionLastStepSucceededCompletesWorkflow(t *testing.T) {
	wf := runningWorkflow(2)
	step := pendingStep(1, 0, 3)

	d, err := Transition(wf, step, Event{Kind: EventStepSucceeded})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if d.WorkflowState != StateCompleted {
		t.Fatalf("expected completed workflow, got %s", d.WorkflowState)
	}
	if _, ok := d.Effect.(CompleteWorkflow); !ok {
		t.Fatalf("expected CompleteWorkflow effect, got %T", d.Effect)
	}
}

func TestTransitionTransientFailureSchedulesRetry(t *testing.T) {
	wf := runningWorkflow(3)
	step := pendingStep(0, 0, 3)

	d, err := Transition(wf, step, Event{Kind: EventStepFailed, Err: errors.New("rpc unavailable")})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if d.StepState != StatePending {
		t.Fatalf("expected pending step for retry, got %s", d.StepState)
	}
	if d.StepRetries != 1 {
		t.Fatalf("expected retry count 1, got %d", d.StepRetries)
	}
	retry, ok := d.Effect.(ScheduleRetry)
	if !ok {
		t.Fatalf("expected ScheduleRetry effect, got %T", d.Effect)
	}
	if retry.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", retry.Attempt)
	}
}

func TestTransitionRetryBudgetAllowsExactlyMaxRetriesAttempts(t *testing.T) {
	wf := runningWorkflow(3)
	maxRetries := 3
	attempts := 0
	step := pendingStep(0, 0, maxRetries)

	for {
		attempts++
		d, err := Transition(wf, step, Event{Kind: EventStepFailed, Err: errors.New("boom")})
		if err != nil {
			t.Fatalf("attempt %d: %v", attempts, err)
		}
		step.RetryCount = d.StepRetries
		if _, failed := d.Effect.(FailWorkflow); failed {
			break
		}
		if attempts > maxRetries+1 {
			t.Fatalf("retry loop never exhausted")
		}
	}
	if attempts != maxRetries {
		t.Fatalf("expected exactly %d attempts, got %d", maxRetries, attempts)
	}
	if step.RetryCount != maxRetries {
		t.Fatalf("expected final retry count %d, got %d", maxRetries, step.RetryCount)
	}
}

func TestTransitionPermanentFailureSkipsRetry(t *testing.T) {
	wf := runningWorkflow(3)
	step := pendingStep(0, 0, 5)

	d, err := Transition(wf, step, Event{
		Kind:      EventStepFailed,
		Err:       errors.New("insufficient balance"),
		Permanent: true,
	})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	fail, ok := d.Effect.(FailWorkflow)
	if !ok {
		t.Fatalf("expected FailWorkflow effect, got %T", d.Effect)
	}
	if !fail.Permanent {
		t.Fatalf("expected permanent failure flag")
	}
	if d.StepState != StateFailed || d.WorkflowState != StateFailed {
		t.Fatalf("expected failed step and workflow, got %s/%s", d.StepState, d.WorkflowState)
	}
}

func TestTransitionTimeoutIsAlwaysTransient(t *testing.T) {
	wf := runningWorkflow(3)
	step := pendingStep(0, 0, 3)

	// Permanent flag must not stick to timeouts.
	d, err := Transition(wf, step, Event{Kind: EventStepTimedOut, Permanent: true})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, ok := d.Effect.(ScheduleRetry); !ok {
		t.Fatalf("expected ScheduleRetry effect for timeout, got %T", d.Effect)
	}
}

func TestTransitionCancelRejectedOnTerminalStates(t *testing.T) {
	for _, state := range []State{StateCompleted, StateFailed, StateCancelled, StateCompensated} {
		wf := runningWorkflow(2)
		wf.State = state
		if _, err := Transition(wf, nil, Event{Kind: EventCancelRequested}); err == nil {
			t.Fatalf("expected cancel rejection in state %s", state)
		} else if errorCode(err) != ErrCodeInvalidTransition {
			t.Fatalf("expected %s, got %s", ErrCodeInvalidTransition, errorCode(err))
		}
	}
}

func TestTransitionCancelFromRunning(t *testing.T) {
	wf := runningWorkflow(2)
	d, err := Transition(wf, nil, Event{Kind: EventCancelRequested})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if d.WorkflowState != StateCancelled {
		t.Fatalf("expected cancelled, got %s", d.WorkflowState)
	}
}

func TestTransitionAdminRetryOnlyFromFailed(t *testing.T) {
	wf := runningWorkflow(2)
	if _, err := Transition(wf, nil, Event{Kind: EventAdminRetry}); err == nil {
		t.Fatalf("expected retry rejection for running workflow")
	}

	wf.State = StateFailed
	d, err := Transition(wf, nil, Event{Kind: EventAdminRetry})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if _, ok := d.Effect.(ReopenWorkflow); !ok {
		t.Fatalf("expected ReopenWorkflow effect, got %T", d.Effect)
	}
}

func TestTransitionAdminRetryRejectedAfterCompensation(t *testing.T) {
	wf := runningWorkflow(2)
	wf.State = StateFailed
	wf.RequiresCompensation = true
	wf.IsCompensated = true

	_, err := Transition(wf, nil, Event{Kind: EventAdminRetry})
	if err == nil {
		t.Fatalf("expected retry rejection for compensated workflow")
	}
	if errorCode(err) != ErrCodeCompensationConflict {
		t.Fatalf("expected %s, got %s", ErrCodeCompensationConflict, errorCode(err))
	}
}

func TestTransitionCompensationEligibility(t *testing.T) {
	wf := runningWorkflow(2)
	wf.RequiresCompensation = true
	wf.State = StateFailed

	d, err := Transition(wf, nil, Event{Kind: EventCompensationTriggered})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if d.WorkflowState != StateCompensating {
		t.Fatalf("expected compensating, got %s", d.WorkflowState)
	}

	wf.State = StateRunning
	if _, err := Transition(wf, nil, Event{Kind: EventCompensationTriggered}); err == nil {
		t.Fatalf("expected rejection for non-terminal workflow")
	}

	wf.State = StateFailed
	wf.IsCompensated = true
	if _, err := Transition(wf, nil, Event{Kind: EventCompensationTriggered}); err == nil {
		t.Fatalf("expected rejection for already compensated workflow")
	}

	wf.IsCompensated = false
	wf.RequiresCompensation = false
	if _, err := Transition(wf, nil, Event{Kind: EventCompensationTriggered}); err == nil {
		t.Fatalf("expected rejection when compensation not required")
	}
}
