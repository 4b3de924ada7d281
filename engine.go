package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultStepMaxRetries     = 3
	defaultWorkflowMaxRetries = 3
	defaultRecoveryGrace      = time.Minute
)

// Engine drives workflows through their steps: it owns creation with
// idempotency-key deduplication, the sequential step loop, retry
// bookkeeping, cancellation, and compensation. All instance state lives in
// the Store; the engine reloads it before every action so any executor can
// pick up any workflow.
type Engine struct {
	store       Store
	definitions *DefinitionRegistry
	handlers    *HandlerRegistry
	retry       RetryStrategy
	logger      Logger
	hooks       LifecycleHooks
	hookMode    HookFailureMode
	autoComp    bool
	locker      *keyLocker
	recovery    time.Duration
	idFn        func() string
	nowFn       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) { e.logger = ensureLogger(logger) }
}

// WithRetryStrategy sets the backoff strategy for step and workflow
// retries.
func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(e *Engine) {
		if strategy != nil {
			e.retry = strategy
		}
	}
}

// WithHooks appends lifecycle hooks.
func WithHooks(hooks ...LifecycleHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, hooks...) }
}

// WithHookFailureMode sets fail-open or fail-closed hook behavior.
func WithHookFailureMode(mode HookFailureMode) Option {
	return func(e *Engine) { e.hookMode = normalizeHookFailureMode(mode) }
}

// WithAutoCompensation toggles automatic compensation of failed workflows
// that declare RequiresCompensation. Enabled by default; cancelled
// workflows are only ever compensated through an explicit Compensate call.
func WithAutoCompensation(enabled bool) Option {
	return func(e *Engine) { e.autoComp = enabled }
}

// WithRecoveryGrace sets how long a non-idempotent step may sit in RUNNING
// before Resume treats its executor as lost and fails the attempt. Within
// the grace window the step is assumed to be live in another executor.
func WithRecoveryGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.recovery = d
		}
	}
}

// WithIDGenerator overrides workflow/step ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.idFn = fn
		}
	}
}

// WithClock overrides the engine clock.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.nowFn = fn
		}
	}
}

// NewEngine builds an engine over the given store, definition registry,
// and handler registry. The definition registry is frozen: the set of
// workflow types is fixed for the engine's lifetime.
func NewEngine(store Store, definitions *DefinitionRegistry, handlers *HandlerRegistry, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine requires a store")
	}
	if definitions == nil {
		return nil, errors.New("engine requires a definition registry")
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	e := &Engine{
		store:       store,
		definitions: definitions,
		handlers:    handlers,
		retry:       DefaultRetryStrategy(),
		logger:      NewPlainLogger(nil),
		hookMode:    HookFailureModeFailOpen,
		autoComp:    true,
		locker:      newKeyLocker(),
		recovery:    defaultRecoveryGrace,
		idFn:        uuid.NewString,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	definitions.Freeze()
	return e, nil
}

// StartRequest describes a workflow to create and run.
type StartRequest struct {
	Type          string
	Input         map[string]any
	Context       map[string]any
	UserID        string
	WalletAddress string
	// IdempotencyKey overrides the derived input hash when the caller
	// already holds a request-scoped key.
	IdempotencyKey string
}

// Start creates a workflow for the request and drives it until it
// completes, fails, cancels, or parks waiting for a retry window. When a
// workflow with the same idempotency key already exists, the existing
// workflow is returned and no new execution begins.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Workflow, error) {
	wfType := strings.TrimSpace(req.Type)
	def, ok := e.definitions.Lookup(wfType)
	if !ok {
		return nil, cloneEngineError(ErrUnknownType, "", nil, map[string]any{"type": wfType})
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = IdempotencyKey(wfType, req.Input)
	}
	unlock := e.locker.Lock(key)
	defer unlock()

	if existing, err := e.store.FindByIdempotencyKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	wf, steps := e.newInstance(def, req, key)
	if err := e.store.CreateWorkflow(ctx, wf, steps); err != nil {
		if errorCode(err) == ErrCodeDuplicateKey {
			// Lost the insert race to another executor; the winner's
			// workflow answers this request.
			winner, ferr := e.store.FindByIdempotencyKey(ctx, key)
			if ferr != nil {
				return nil, ferr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}
	e.emit(ctx, LifecycleEvent{
		Phase:        PhaseWorkflowCreated,
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		CurrentState: StatePending,
		OccurredAt:   e.nowFn(),
	})

	if _, err := e.store.ClaimWorkflow(ctx, wf.ID, []State{StatePending}, StateRunning); err != nil {
		if errorCode(err) == ErrCodeClaimLost {
			// Another executor picked it up first; hand back the row.
			return e.Get(ctx, wf.ID)
		}
		return nil, err
	}
	e.emit(ctx, LifecycleEvent{
		Phase:         PhaseWorkflowStarted,
		WorkflowID:    wf.ID,
		WorkflowType:  wf.Type,
		PreviousState: StatePending,
		CurrentState:  StateRunning,
		OccurredAt:    e.nowFn(),
	})
	return e.run(ctx, wf.ID)
}

func (e *Engine) newInstance(def Definition, req StartRequest, key string) (*Workflow, []*WorkflowStep) {
	now := e.nowFn()
	maxRetries := def.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultWorkflowMaxRetries
	}
	wf := &Workflow{
		ID:                   e.idFn(),
		IdempotencyKey:       key,
		Type:                 def.Type,
		State:                StatePending,
		UserID:               strings.TrimSpace(req.UserID),
		WalletAddress:        strings.TrimSpace(req.WalletAddress),
		Input:                copyMap(req.Input),
		Context:              copyMap(req.Context),
		TotalSteps:           len(def.Steps),
		MaxRetries:           maxRetries,
		RequiresCompensation: def.RequiresCompensation,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	steps := make([]*WorkflowStep, 0, len(def.Steps))
	for idx, sd := range def.Steps {
		stepRetries := sd.MaxRetries
		if stepRetries <= 0 {
			stepRetries = defaultStepMaxRetries
		}
		step := &WorkflowStep{
			ID:                   e.idFn(),
			WorkflowID:           wf.ID,
			StepName:             sd.Name,
			StepIndex:            idx,
			State:                StatePending,
			Config:               copyMap(sd.Config),
			MaxRetries:           stepRetries,
			RequiresCompensation: sd.Compensation != nil || strings.TrimSpace(sd.CompensationRef) != "",
			CompensationStepName: strings.TrimSpace(sd.CompensationRef),
			IsIdempotent:         sd.IsIdempotent,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if sd.IsIdempotent {
			step.IdempotencyKey = StepIdempotencyKey(key, sd.Name)
		}
		steps = append(steps, step)
	}
	return wf, steps
}

// Resume re-drives a RUNNING workflow: parked step retries whose window
// has elapsed, and crash recovery for workflows abandoned mid-step.
// Idempotent steps found RUNNING are re-invoked; non-idempotent ones are
// failed through the normal transition once stale past the recovery grace,
// so the retry budget decides their fate.
func (e *Engine) Resume(ctx context.Context, id string) (*Workflow, error) {
	unlock := e.locker.Lock("wf:" + strings.TrimSpace(id))
	defer unlock()

	agg, err := e.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	wf := agg.Workflow
	if NormalizeState(wf.State) != StateRunning {
		return nil, cloneEngineError(ErrInvalidTransition,
			"resume is only valid for running workflows", nil, map[string]any{
				"workflow_id": wf.ID,
				"state":       string(NormalizeState(wf.State)),
			})
	}
	step := agg.CurrentStep()
	if step != nil && NormalizeState(step.State) == StateRunning && !step.IsIdempotent &&
		(step.UpdatedAt.IsZero() || e.nowFn().Sub(step.UpdatedAt) >= e.recovery) {
		// Stale beyond the grace window: the owning executor is treated
		// as lost. The claim arbitrates concurrent recoveries.
		if _, cerr := e.store.ClaimStep(ctx, wf.ID, step.StepIndex, StateRunning, StatePending); cerr != nil {
			if errorCode(cerr) == ErrCodeClaimLost {
				return e.Get(ctx, wf.ID)
			}
			return nil, cerr
		}
		now := e.nowFn()
		decision, derr := Transition(wf, step, Event{Kind: EventStepFailed, Err: errors.New("executor lost mid-step")})
		if derr != nil {
			return nil, derr
		}
		if _, err := e.applyStepDecision(ctx, agg, step, decision, errors.New("executor lost mid-step"), now); err != nil {
			return nil, err
		}
		if _, failed := decision.Effect.(FailWorkflow); failed {
			return e.Get(ctx, wf.ID)
		}
	}
	return e.run(ctx, wf.ID)
}

// Cancel requests cancellation. The workflow is marked CANCELLED at the
// next step boundary: a handler already in flight runs to completion but
// no further step starts.
func (e *Engine) Cancel(ctx context.Context, id string) (*Workflow, error) {
	agg, err := e.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	wf := agg.Workflow
	if _, err := Transition(wf, nil, Event{Kind: EventCancelRequested}); err != nil {
		return nil, err
	}
	previous := NormalizeState(wf.State)
	claimed, err := e.store.ClaimWorkflow(ctx, id, []State{StatePending, StateRunning}, StateCancelled)
	if err != nil {
		if errorCode(err) == ErrCodeClaimLost {
			// The workflow left a cancellable state underneath us;
			// report against what it became.
			fresh, ferr := e.Get(ctx, id)
			if ferr != nil {
				return nil, ferr
			}
			if _, terr := Transition(fresh, nil, Event{Kind: EventCancelRequested}); terr != nil {
				return nil, terr
			}
		}
		return nil, err
	}
	now := e.nowFn()
	claimed.NextRetryAt = time.Time{}
	claimed.UpdatedAt = now
	if err := e.store.SaveWorkflow(ctx, claimed); err != nil {
		return nil, err
	}
	wf = claimed
	// The current step stays PENDING: the cancelled workflow state is
	// what keeps it from starting. Only its retry window is cleared.
	if step := agg.CurrentStep(); step != nil && NormalizeState(step.State) == StatePending && !step.NextRetryAt.IsZero() {
		step.NextRetryAt = time.Time{}
		step.UpdatedAt = now
		if err := e.store.SaveStep(ctx, step); err != nil {
			return nil, err
		}
	}
	e.emit(ctx, LifecycleEvent{
		Phase:         PhaseWorkflowCancelled,
		WorkflowID:    wf.ID,
		WorkflowType:  wf.Type,
		PreviousState: previous,
		CurrentState:  StateCancelled,
		OccurredAt:    now,
	})
	return wf.Clone(), nil
}

// Retry re-opens a FAILED workflow on operator request: the failed step is
// re-armed with a fresh retry budget and execution continues from it.
// Compensated workflows are not retryable.
func (e *Engine) Retry(ctx context.Context, id string) (*Workflow, error) {
	return e.reopen(ctx, id, false)
}

// retryDue is the scheduler path: same re-open, but it spends one unit of
// the workflow-level retry budget.
func (e *Engine) retryDue(ctx context.Context, id string) (*Workflow, error) {
	return e.reopen(ctx, id, true)
}

func (e *Engine) reopen(ctx context.Context, id string, automatic bool) (*Workflow, error) {
	unlock := e.locker.Lock("wf:" + strings.TrimSpace(id))
	defer unlock()

	agg, err := e.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	wf := agg.Workflow
	if _, err := Transition(wf, nil, Event{Kind: EventAdminRetry}); err != nil {
		return nil, err
	}
	if automatic && wf.RetryCount >= wf.MaxRetries {
		return nil, cloneEngineError(ErrInvalidTransition,
			"workflow retry budget exhausted", nil, map[string]any{
				"workflow_id": wf.ID,
				"retry_count": wf.RetryCount,
			})
	}
	claimed, err := e.store.ClaimWorkflow(ctx, id, []State{StateFailed}, StateRunning)
	if err != nil {
		return nil, err
	}
	now := e.nowFn()
	claimed.FailureReason = ""
	claimed.FailedAt = time.Time{}
	claimed.NextRetryAt = time.Time{}
	if automatic {
		claimed.RetryCount++
	}
	claimed.UpdatedAt = now
	if err := e.store.SaveWorkflow(ctx, claimed); err != nil {
		return nil, err
	}
	if step := agg.StepAt(claimed.CurrentStepIndex); step != nil && NormalizeState(step.State) == StateFailed {
		step.State = StatePending
		step.RetryCount = 0
		step.NextRetryAt = time.Time{}
		step.FailureReason = ""
		step.UpdatedAt = now
		if err := e.store.SaveStep(ctx, step); err != nil {
			return nil, err
		}
	}
	return e.run(ctx, id)
}

// SkipStep marks the named step SKIPPED on a FAILED workflow and resumes
// execution from the following step. Only the workflow's current, failed
// step can be skipped.
func (e *Engine) SkipStep(ctx context.Context, id, stepName string) (*Workflow, error) {
	unlock := e.locker.Lock("wf:" + strings.TrimSpace(id))
	defer unlock()

	agg, err := e.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	wf := agg.Workflow
	if NormalizeState(wf.State) != StateFailed {
		return nil, cloneEngineError(ErrInvalidTransition,
			"skip is only valid for failed workflows", nil, map[string]any{
				"workflow_id": wf.ID,
				"state":       string(NormalizeState(wf.State)),
			})
	}
	step := agg.StepAt(wf.CurrentStepIndex)
	if step == nil || !strings.EqualFold(strings.TrimSpace(stepName), step.StepName) {
		return nil, cloneEngineError(ErrInvalidTransition,
			"only the current failed step can be skipped", nil, map[string]any{
				"workflow_id": wf.ID,
				"step_name":   stepName,
			})
	}
	claimed, err := e.store.ClaimWorkflow(ctx, id, []State{StateFailed}, StateRunning)
	if err != nil {
		return nil, err
	}
	now := e.nowFn()
	step.State = StateSkipped
	step.NextRetryAt = time.Time{}
	step.FailureReason = ""
	step.UpdatedAt = now
	if err := e.store.SaveStep(ctx, step); err != nil {
		return nil, err
	}
	claimed.CurrentStepIndex = step.StepIndex + 1
	claimed.FailureReason = ""
	claimed.FailedAt = time.Time{}
	claimed.NextRetryAt = time.Time{}
	claimed.UpdatedAt = now
	if err := e.store.SaveWorkflow(ctx, claimed); err != nil {
		return nil, err
	}
	e.emit(ctx, LifecycleEvent{
		Phase:        PhaseStepSkipped,
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		StepName:     step.StepName,
		StepIndex:    step.StepIndex,
		CurrentState: StateSkipped,
		OccurredAt:   now,
	})
	return e.run(ctx, id)
}

// Get returns the workflow by ID.
func (e *Engine) Get(ctx context.Context, id string) (*Workflow, error) {
	agg, err := e.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	return agg.Workflow.Clone(), nil
}

// GetAggregate returns the workflow with its steps.
func (e *Engine) GetAggregate(ctx context.Context, id string) (*Aggregate, error) {
	agg, err := e.loadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	return agg.Clone(), nil
}

// FindByIdempotencyKey returns the workflow owning the key, or nil.
func (e *Engine) FindByIdempotencyKey(ctx context.Context, key string) (*Workflow, error) {
	return e.store.FindByIdempotencyKey(ctx, key)
}

// ListByState pages workflows in a state, oldest first.
func (e *Engine) ListByState(ctx context.Context, state State, page, limit int) ([]*Workflow, error) {
	return e.store.ListByState(ctx, state, page, limit)
}

// ListByUser pages a user's workflows, oldest first.
func (e *Engine) ListByUser(ctx context.Context, userID string, page, limit int) ([]*Workflow, error) {
	return e.store.ListByUser(ctx, userID, page, limit)
}

// Stats aggregates workflow counts by state and type.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	return e.store.Stats(ctx)
}

// CleanupOldWorkflows hard-deletes terminal workflows untouched since the
// cutoff. Only COMPLETED, CANCELLED, and COMPENSATED workflows are
// eligible; FAILED rows are kept for operators.
func (e *Engine) CleanupOldWorkflows(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := e.nowFn().Add(-olderThan)
	return e.store.DeleteOlderThan(ctx, cutoff, []State{StateCompleted, StateCancelled, StateCompensated})
}

func (e *Engine) loadAggregate(ctx context.Context, id string) (*Aggregate, error) {
	agg, err := e.store.LoadAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	if agg == nil || agg.Workflow == nil {
		return nil, cloneEngineError(ErrNotFound, "", nil, map[string]any{"workflow_id": strings.TrimSpace(id)})
	}
	return agg, nil
}

// run is the sequential step loop. It reloads the aggregate before every
// step so cancellations and concurrent updates are observed at step
// boundaries, and returns when the workflow reaches a terminal state or
// parks for a retry window.
func (e *Engine) run(ctx context.Context, id string) (*Workflow, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.Get(ctx, id)
		}
		agg, err := e.loadAggregate(ctx, id)
		if err != nil {
			return nil, err
		}
		wf := agg.Workflow
		if NormalizeState(wf.State) != StateRunning {
			return wf.Clone(), nil
		}

		step := agg.CurrentStep()
		if step == nil {
			if err := e.completeWorkflow(ctx, agg); err != nil {
				return nil, err
			}
			continue
		}
		switch NormalizeState(step.State) {
		case StateCompleted, StateSkipped:
			wf.CurrentStepIndex = step.StepIndex + 1
			wf.UpdatedAt = e.nowFn()
			if err := e.store.SaveWorkflow(ctx, wf); err != nil {
				return nil, err
			}
			continue
		case StatePending:
			if !step.NextRetryAt.IsZero() && step.NextRetryAt.After(e.nowFn()) {
				// Parked: the retry scheduler re-drives it once the
				// window elapses.
				return wf.Clone(), nil
			}
		case StateRunning:
			if !step.IsIdempotent {
				return nil, cloneEngineError(ErrInvalidTransition,
					"non-idempotent step already running", nil, map[string]any{
						"workflow_id": wf.ID,
						"step_name":   step.StepName,
					})
			}
		default:
			return nil, cloneEngineError(ErrInvalidTransition,
				"current step is not runnable", nil, map[string]any{
					"workflow_id": wf.ID,
					"step_name":   step.StepName,
					"step_state":  string(NormalizeState(step.State)),
				})
		}

		done, err := e.executeStep(ctx, agg, step)
		if err != nil {
			return nil, err
		}
		if done {
			return e.Get(ctx, id)
		}
	}
}

// executeStep runs one step attempt end to end. The returned bool reports
// whether the loop should stop (terminal workflow or parked retry).
func (e *Engine) executeStep(ctx context.Context, agg *Aggregate, step *WorkflowStep) (bool, error) {
	wf := agg.Workflow
	def, ok := e.definitions.Lookup(wf.Type)
	if !ok {
		return false, cloneEngineError(ErrUnknownType, "", nil, map[string]any{"type": wf.Type})
	}
	if step.StepIndex >= len(def.Steps) {
		return false, cloneEngineError(ErrInvalidTransition,
			"step index beyond definition", nil, map[string]any{
				"workflow_id": wf.ID,
				"step_index":  step.StepIndex,
			})
	}
	sd := def.Steps[step.StepIndex]

	now := e.nowFn()
	if _, err := e.store.ClaimStep(ctx, wf.ID, step.StepIndex, NormalizeState(step.State), StateRunning); err != nil {
		if errorCode(err) == ErrCodeClaimLost {
			// Another executor claimed this attempt; it reports the
			// outcome.
			return true, nil
		}
		return false, err
	}
	step.State = StateRunning
	step.NextRetryAt = time.Time{}
	step.UpdatedAt = now
	e.emit(ctx, LifecycleEvent{
		Phase:        PhaseStepStarted,
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		StepName:     step.StepName,
		StepIndex:    step.StepIndex,
		Attempt:      step.RetryCount + 1,
		CurrentState: StateRunning,
		OccurredAt:   now,
	})

	req := StepRequest{
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		StepName:     step.StepName,
		StepIndex:    step.StepIndex,
		Attempt:      step.RetryCount + 1,
		Input:        copyMap(wf.Input),
		Context:      copyMap(wf.Context),
		Config:       copyMap(step.Config),
	}

	stepCtx := ctx
	cancel := func() {}
	if sd.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, sd.Timeout)
	}
	res, herr := safeInvoke(stepCtx, sd.Handler, req)
	timedOut := herr != nil && stepCtx.Err() != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded)
	cancel()

	ev := Event{Kind: EventStepSucceeded}
	if herr != nil {
		ev = Event{Kind: EventStepFailed, Err: herr, Permanent: IsPermanent(herr)}
		if timedOut {
			ev = Event{Kind: EventStepTimedOut, Err: herr}
		}
	}
	decision, derr := Transition(wf, step, ev)
	if derr != nil {
		return false, derr
	}

	if herr == nil && res != nil {
		step.Output = copyMap(res.Output)
		if len(res.Context) > 0 {
			wf.Context = mergeMaps(wf.Context, res.Context)
		}
	}
	return e.applyStepDecision(ctx, agg, step, decision, herr, e.nowFn())
}

// applyStepDecision persists the outcome of a step attempt and emits the
// matching lifecycle events. The workflow row is reloaded before every
// workflow-level save so a cancellation issued while the handler ran is
// never overwritten; the step result itself is always recorded.
func (e *Engine) applyStepDecision(ctx context.Context, agg *Aggregate, step *WorkflowStep, decision Decision, herr error, now time.Time) (bool, error) {
	wf := agg.Workflow
	step.State = decision.StepState
	step.RetryCount = decision.StepRetries
	step.FailureReason = failureText(decision, herr)
	step.UpdatedAt = now
	if _, retrying := decision.Effect.(ScheduleRetry); !retrying {
		step.NextRetryAt = time.Time{}
	}

	switch effect := decision.Effect.(type) {
	case AdvanceStep:
		if err := e.store.SaveStep(ctx, step); err != nil {
			return false, err
		}
		e.emitStep(ctx, wf, step, PhaseStepCompleted, "")
		fresh, usurped, err := e.refreshWorkflow(ctx, agg)
		if err != nil || usurped {
			return true, err
		}
		fresh.CurrentStepIndex = effect.NextIndex
		fresh.Context = copyMap(wf.Context)
		fresh.UpdatedAt = now
		if err := e.store.SaveWorkflow(ctx, fresh); err != nil {
			return false, err
		}
		agg.Workflow = fresh
		return false, nil

	case CompleteWorkflow:
		if err := e.store.SaveStep(ctx, step); err != nil {
			return false, err
		}
		e.emitStep(ctx, wf, step, PhaseStepCompleted, "")
		fresh, usurped, err := e.refreshWorkflow(ctx, agg)
		if err != nil || usurped {
			return true, err
		}
		fresh.CurrentStepIndex = step.StepIndex + 1
		fresh.Context = copyMap(wf.Context)
		agg.Workflow = fresh
		if err := e.completeWorkflow(ctx, agg); err != nil {
			return false, err
		}
		return true, nil

	case ScheduleRetry:
		delay := e.retry.SleepDuration(effect.Attempt, herr)
		step.NextRetryAt = now.Add(delay)
		if err := e.store.SaveStep(ctx, step); err != nil {
			return false, err
		}
		e.emitStep(ctx, wf, step, PhaseStepRetryQueued, step.FailureReason)
		return true, nil

	case FailWorkflow:
		if err := e.store.SaveStep(ctx, step); err != nil {
			return false, err
		}
		e.emitStep(ctx, wf, step, PhaseStepFailed, step.FailureReason)
		fresh, usurped, err := e.refreshWorkflow(ctx, agg)
		if err != nil || usurped {
			return true, err
		}
		agg.Workflow = fresh
		if err := e.failWorkflow(ctx, agg, effect, now); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, cloneEngineError(ErrInvalidTransition,
			"unexpected step effect", nil, map[string]any{"workflow_id": wf.ID})
	}
}

// refreshWorkflow reloads the workflow row. The bool reports whether the
// workflow left RUNNING underneath the executor (cancellation mid-step).
func (e *Engine) refreshWorkflow(ctx context.Context, agg *Aggregate) (*Workflow, bool, error) {
	fresh, err := e.loadAggregate(ctx, agg.Workflow.ID)
	if err != nil {
		return nil, false, err
	}
	wf := fresh.Workflow
	if NormalizeState(wf.State) != StateRunning {
		agg.Workflow = wf
		return wf, true, nil
	}
	return wf, false, nil
}

func (e *Engine) completeWorkflow(ctx context.Context, agg *Aggregate) error {
	wf := agg.Workflow
	now := e.nowFn()
	previous := NormalizeState(wf.State)
	wf.State = StateCompleted
	wf.CompletedAt = now
	wf.NextRetryAt = time.Time{}
	wf.UpdatedAt = now
	if last := lastCompletedStep(agg); last != nil {
		wf.Output = copyMap(last.Output)
	}
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	e.emit(ctx, LifecycleEvent{
		Phase:         PhaseWorkflowCompleted,
		WorkflowID:    wf.ID,
		WorkflowType:  wf.Type,
		PreviousState: previous,
		CurrentState:  StateCompleted,
		OccurredAt:    now,
	})
	return nil
}

func (e *Engine) failWorkflow(ctx context.Context, agg *Aggregate, effect FailWorkflow, now time.Time) error {
	wf := agg.Workflow
	previous := NormalizeState(wf.State)
	wf.State = StateFailed
	wf.FailureReason = effect.Reason
	wf.FailedAt = now
	wf.NextRetryAt = time.Time{}
	if !effect.Permanent && wf.RetryCount < wf.MaxRetries {
		wf.NextRetryAt = now.Add(e.retry.SleepDuration(wf.RetryCount+1, nil))
	}
	wf.UpdatedAt = now
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		return err
	}
	e.emit(ctx, LifecycleEvent{
		Phase:         PhaseWorkflowFailed,
		WorkflowID:    wf.ID,
		WorkflowType:  wf.Type,
		PreviousState: previous,
		CurrentState:  StateFailed,
		ErrorMessage:  effect.Reason,
		OccurredAt:    now,
	})
	if e.autoComp && wf.RequiresCompensation && !wf.IsCompensated && len(agg.CompletedSteps()) > 0 {
		if _, cerr := e.compensate(ctx, wf.ID); cerr != nil {
			loggerWith(e.logger, map[string]any{"workflow_id": wf.ID}).
				Warn("automatic compensation failed: %v", cerr)
		}
	}
	return nil
}

func (e *Engine) emitStep(ctx context.Context, wf *Workflow, step *WorkflowStep, phase LifecyclePhase, errMsg string) {
	e.emit(ctx, LifecycleEvent{
		Phase:        phase,
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		StepName:     step.StepName,
		StepIndex:    step.StepIndex,
		Attempt:      step.RetryCount,
		CurrentState: NormalizeState(step.State),
		ErrorMessage: errMsg,
		OccurredAt:   step.UpdatedAt,
	})
}

func (e *Engine) emit(ctx context.Context, evt LifecycleEvent) {
	if err := fanoutLifecycleHooks(ctx, e.hooks, evt, e.hookMode, e.logger); err != nil {
		loggerWith(e.logger, map[string]any{"workflow_id": evt.WorkflowID}).
			Error("lifecycle hook rejected event phase=%s: %v", evt.Phase, err)
	}
}

func lastCompletedStep(agg *Aggregate) *WorkflowStep {
	for i := len(agg.Steps) - 1; i >= 0; i-- {
		if NormalizeState(agg.Steps[i].State) == StateCompleted {
			return agg.Steps[i]
		}
	}
	return nil
}

func failureText(decision Decision, herr error) string {
	if reason := strings.TrimSpace(decision.FailureReason); reason != "" {
		return reason
	}
	if herr != nil {
		return herr.Error()
	}
	return ""
}
