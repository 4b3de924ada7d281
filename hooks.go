package workflow

import (
	"context"
	"strings"
	"time"
)

// LifecyclePhase identifies lifecycle event emission points.
type LifecyclePhase string

const (
	PhaseWorkflowCreated   LifecyclePhase = "workflow_created"
	PhaseWorkflowStarted   LifecyclePhase = "workflow_started"
	PhaseWorkflowCompleted LifecyclePhase = "workflow_completed"
	PhaseWorkflowFailed    LifecyclePhase = "workflow_failed"
	PhaseWorkflowCancelled LifecyclePhase = "workflow_cancelled"
	PhaseStepStarted       LifecyclePhase = "step_started"
	PhaseStepCompleted     LifecyclePhase = "step_completed"
	PhaseStepFailed        LifecyclePhase = "step_failed"
	PhaseStepSkipped       LifecyclePhase = "step_skipped"
	PhaseStepRetryQueued   LifecyclePhase = "step_retry_queued"
	PhaseCompensationBegan LifecyclePhase = "compensation_began"
	PhaseCompensationEnded LifecyclePhase = "compensation_ended"
)

// HookFailureMode controls lifecycle-hook error behavior.
type HookFailureMode string

const (
	HookFailureModeFailOpen   HookFailureMode = "fail_open"
	HookFailureModeFailClosed HookFailureMode = "fail_closed"
)

// LifecycleEvent captures auditable state-change metadata.
type LifecycleEvent struct {
	Phase         LifecyclePhase
	WorkflowID    string
	WorkflowType  string
	StepName      string
	StepIndex     int
	PreviousState State
	CurrentState  State
	Attempt       int
	ErrorMessage  string
	Metadata      map[string]any
	OccurredAt    time.Time
}

// LifecycleHook receives workflow lifecycle events.
type LifecycleHook interface {
	Notify(ctx context.Context, evt LifecycleEvent) error
}

// LifecycleHooks fan-out collection for lifecycle hooks.
type LifecycleHooks []LifecycleHook

// LifecycleHookFunc adapts a function to the LifecycleHook interface.
type LifecycleHookFunc func(ctx context.Context, evt LifecycleEvent) error

func (f LifecycleHookFunc) Notify(ctx context.Context, evt LifecycleEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, evt)
}

func normalizeHookFailureMode(mode HookFailureMode) HookFailureMode {
	switch HookFailureMode(strings.ToLower(strings.TrimSpace(string(mode)))) {
	case HookFailureModeFailClosed:
		return HookFailureModeFailClosed
	default:
		return HookFailureModeFailOpen
	}
}

func cloneLifecycleEvent(evt LifecycleEvent) LifecycleEvent {
	cp := evt
	cp.Metadata = copyMap(evt.Metadata)
	return cp
}

func fanoutLifecycleHooks(
	ctx context.Context,
	hooks LifecycleHooks,
	evt LifecycleEvent,
	mode HookFailureMode,
	logger Logger,
) error {
	if len(hooks) == 0 {
		return nil
	}
	mode = normalizeHookFailureMode(mode)
	fields := map[string]any{
		"workflow_id":   strings.TrimSpace(evt.WorkflowID),
		"workflow_type": strings.TrimSpace(evt.WorkflowType),
		"step_name":     strings.TrimSpace(evt.StepName),
		"phase":         string(evt.Phase),
	}
	logger = loggerWith(logger, fields)

	for idx, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook.Notify(ctx, cloneLifecycleEvent(evt)); err != nil {
			if mode == HookFailureModeFailClosed {
				return cloneEngineError(ErrHookFailed, "lifecycle hook failed", err, fields)
			}
			logger.Warn("lifecycle hook failed at index=%d: %v", idx, err)
		}
	}
	return nil
}
