package workflow

import (
	"strings"
)

// EventKind identifies what happened to the workflow or its current step.
type EventKind string

const (
	EventStepSucceeded         EventKind = "step_succeeded"
	EventStepFailed            EventKind = "step_failed"
	EventStepTimedOut          EventKind = "step_timed_out"
	EventCancelRequested       EventKind = "cancel_requested"
	EventAdminRetry            EventKind = "admin_retry"
	EventCompensationTriggered EventKind = "compensation_triggered"
)

// Event is the input to Transition.
type Event struct {
	Kind EventKind
	// Err is the handler error for failure events.
	Err error
	// Permanent marks a business-logic failure that must not be retried.
	Permanent bool
}

// Effect tells the engine what bookkeeping a transition requires. The
// transition function itself performs no I/O.
type Effect interface{ effect() }

// AdvanceStep moves the step pointer forward and continues execution.
type AdvanceStep struct {
	NextIndex int
}

// ScheduleRetry parks the step in PENDING until the backoff window
// elapses; Attempt is the failure count used to size the delay.
type ScheduleRetry struct {
	StepIndex int
	Attempt   int
}

// CompleteWorkflow marks the workflow COMPLETED.
type CompleteWorkflow struct{}

// FailWorkflow marks the workflow FAILED. Permanent failures are excluded
// from automatic workflow-level retry; transient exhaustion is not.
type FailWorkflow struct {
	Reason    string
	Permanent bool
}

// CancelWorkflow marks the workflow CANCELLED at the next step boundary.
type CancelWorkflow struct{}

// ReopenWorkflow resets a FAILED workflow back to RUNNING for an admin
// retry, clearing failure fields and re-arming the failed step.
type ReopenWorkflow struct{}

// BeginCompensation moves the workflow into COMPENSATING so the
// coordinator can walk completed steps in reverse.
type BeginCompensation struct{}

func (AdvanceStep) effect()       {}
func (ScheduleRetry) effect()     {}
func (CompleteWorkflow) effect()  {}
func (FailWorkflow) effect()      {}
func (CancelWorkflow) effect()    {}
func (ReopenWorkflow) effect()    {}
func (BeginCompensation) effect() {}

// Decision is the output of Transition: the next workflow and step states
// plus the side effect the engine must apply.
type Decision struct {
	WorkflowState State
	StepState     State
	StepRetries   int
	FailureReason string
	Effect        Effect
}

// Transition is the pure state-transition function: given the current
// workflow, the step the event concerns (nil for workflow-level events),
// and the event, it computes the next states and required effect. It
// rejects transitions that are invalid for the current state with a typed
// conflict error so callers can distinguish "already done" from
// "malformed request".
func Transition(wf *Workflow, step *WorkflowStep, ev Event) (Decision, error) {
	if wf == nil {
		return Decision{}, cloneEngineError(ErrNotFound, "transition requires a workflow", nil, nil)
	}
	wfState := NormalizeState(wf.State)

	switch ev.Kind {
	case EventStepSucceeded:
		if step == nil {
			return Decision{}, invalidTransition(wf, ev, "step event requires a step")
		}
		next := step.StepIndex + 1
		d := Decision{
			WorkflowState: StateRunning,
			StepState:     StateCompleted,
			StepRetries:   step.RetryCount,
		}
		if next >= wf.TotalSteps {
			d.WorkflowState = StateCompleted
			d.Effect = CompleteWorkflow{}
			return d, nil
		}
		d.Effect = AdvanceStep{NextIndex: next}
		return d, nil

	case EventStepFailed, EventStepTimedOut:
		if step == nil {
			return Decision{}, invalidTransition(wf, ev, "step event requires a step")
		}
		permanent := ev.Permanent && ev.Kind != EventStepTimedOut
		attempts := step.RetryCount + 1
		reason := failureReason(ev)
		if !permanent && attempts < step.MaxRetries {
			return Decision{
				WorkflowState: StateRunning,
				StepState:     StatePending,
				StepRetries:   attempts,
				FailureReason: reason,
				Effect:        ScheduleRetry{StepIndex: step.StepIndex, Attempt: attempts},
			}, nil
		}
		// Retries exhausted (or never allowed): the step fails the
		// owning workflow. A permanent failure still burns the whole
		// budget so nothing re-arms it.
		retries := attempts
		if permanent || retries > step.MaxRetries {
			retries = step.MaxRetries
		}
		return Decision{
			WorkflowState: StateFailed,
			StepState:     StateFailed,
			StepRetries:   retries,
			FailureReason: reason,
			Effect:        FailWorkflow{Reason: reason, Permanent: permanent},
		}, nil

	case EventCancelRequested:
		if wfState.IsTerminal() {
			return Decision{}, invalidTransition(wf, ev, "cannot cancel a workflow in a terminal state")
		}
		return Decision{
			WorkflowState: StateCancelled,
			Effect:        CancelWorkflow{},
		}, nil

	case EventAdminRetry:
		if wfState != StateFailed {
			return Decision{}, invalidTransition(wf, ev, "retry is only valid for failed workflows")
		}
		if wf.RequiresCompensation && wf.IsCompensated {
			return Decision{}, cloneEngineError(ErrCompensationConflict,
				"cannot retry a compensated workflow", nil, transitionMetadata(wf, ev))
		}
		return Decision{
			WorkflowState: StateRunning,
			Effect:        ReopenWorkflow{},
		}, nil

	case EventCompensationTriggered:
		if !wf.RequiresCompensation {
			return Decision{}, cloneEngineError(ErrCompensationIneligible,
				"workflow does not require compensation", nil, transitionMetadata(wf, ev))
		}
		if wf.IsCompensated {
			return Decision{}, cloneEngineError(ErrCompensationIneligible,
				"workflow already compensated", nil, transitionMetadata(wf, ev))
		}
		switch wfState {
		case StateCompleted, StateFailed, StateCancelled:
			return Decision{
				WorkflowState: StateCompensating,
				Effect:        BeginCompensation{},
			}, nil
		default:
			return Decision{}, cloneEngineError(ErrCompensationIneligible,
				"compensation requires a terminal workflow", nil, transitionMetadata(wf, ev))
		}

	default:
		return Decision{}, invalidTransition(wf, ev, "unknown event")
	}
}

func invalidTransition(wf *Workflow, ev Event, message string) error {
	return cloneEngineError(ErrInvalidTransition, message, nil, transitionMetadata(wf, ev))
}

func transitionMetadata(wf *Workflow, ev Event) map[string]any {
	return map[string]any{
		"workflow_id": wf.ID,
		"state":       string(NormalizeState(wf.State)),
		"event":       string(ev.Kind),
	}
}

func failureReason(ev Event) string {
	if ev.Err != nil {
		return strings.TrimSpace(ev.Err.Error())
	}
	if ev.Kind == EventStepTimedOut {
		return "step execution timed out"
	}
	return "step failed"
}
