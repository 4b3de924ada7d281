package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, defs []Definition, opts ...Option) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	registry := NewDefinitionRegistry()
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Type, err)
		}
	}
	opts = append([]Option{WithRetryStrategy(NoDelayStrategy{})}, opts...)
	engine, err := NewEngine(store, registry, NewHandlerRegistry(), opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, store
}

func okHandler(record *[]string, name string) StepHandler {
	return func(_ context.Context, req StepRequest) (*StepResult, error) {
		*record = append(*record, name)
		return &StepResult{
			Output:  map[string]any{"step": name},
			Context: map[string]any{name + "_done": true},
		}, nil
	}
}

func TestEngineStartCompletesContractDeployment(t *testing.T) {
	var order []string
	def := Definition{
		Type: TypeContractDeployment,
		Steps: []StepDefinition{
			{Name: "validate_contract_code", Handler: okHandler(&order, "validate"), IsIdempotent: true, MaxRetries: 1},
			{Name: "deploy_contract", Handler: func(_ context.Context, req StepRequest) (*StepResult, error) {
				order = append(order, "deploy")
				if req.Input["wasm_hash"] != "abc123" {
					return nil, Permanent(errors.New("unexpected input"))
				}
				return &StepResult{
					Output:  map[string]any{"contract_id": "CCONTRACT"},
					Context: map[string]any{"contract_id": "CCONTRACT"},
				}, nil
			}, MaxRetries: 3},
			{Name: "verify_deployment", Handler: func(_ context.Context, req StepRequest) (*StepResult, error) {
				order = append(order, "verify")
				if req.Context["contract_id"] != "CCONTRACT" {
					return nil, errors.New("context not propagated")
				}
				return &StepResult{Output: map[string]any{"verified": true}}, nil
			}, IsIdempotent: true, MaxRetries: 5},
			{Name: "register_contract", Handler: okHandler(&order, "register"), IsIdempotent: true, MaxRetries: 3},
		},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{
		Type:   TypeContractDeployment,
		Input:  map[string]any{"wasm_hash": "abc123"},
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if wf.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", wf.State, wf.FailureReason)
	}
	want := []string{"validate", "deploy", "verify", "register"}
	if len(order) != len(want) {
		t.Fatalf("expected steps %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected steps %v, got %v", want, order)
		}
	}
	if wf.CompletedAt.IsZero() || wf.StartedAt.IsZero() {
		t.Fatalf("expected timestamps stamped: %+v", wf)
	}
	if wf.Output["step"] != "register" {
		t.Fatalf("expected final step output on workflow, got %v", wf.Output)
	}
	if wf.CurrentStepIndex != wf.TotalSteps {
		t.Fatalf("expected step pointer at end, got %d/%d", wf.CurrentStepIndex, wf.TotalSteps)
	}

	agg, err := engine.GetAggregate(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	for _, step := range agg.Steps {
		if step.State != StateCompleted {
			t.Fatalf("expected completed step %s, got %s", step.StepName, step.State)
		}
	}
	if agg.Steps[0].IdempotencyKey == "" {
		t.Fatalf("expected idempotent step to carry a derived key")
	}
	if agg.Steps[1].IdempotencyKey != "" {
		t.Fatalf("expected non-idempotent step to carry no key")
	}
}

func TestEngineStartDeduplicatesByIdempotencyKey(t *testing.T) {
	invocations := 0
	def := Definition{
		Type: TypePortfolioUpdate,
		Steps: []StepDefinition{{
			Name: "refresh_holdings",
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				invocations++
				return &StepResult{}, nil
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	input := map[string]any{"user_id": "u-1", "wallet": "GABC"}
	first, err := engine.Start(context.Background(), StartRequest{Type: TypePortfolioUpdate, Input: input})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	second, err := engine.Start(context.Background(), StartRequest{Type: TypePortfolioUpdate, Input: map[string]any{
		"wallet": "GABC", "user_id": "u-1",
	}})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same workflow, got %s vs %s", first.ID, second.ID)
	}
	if invocations != 1 {
		t.Fatalf("expected one execution, got %d", invocations)
	}
}

func TestEngineStartDeduplicatesConcurrently(t *testing.T) {
	var mu sync.Mutex
	invocations := 0
	def := Definition{
		Type: TypeRewardGrant,
		Steps: []StepDefinition{{
			Name: "mint_reward",
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				mu.Lock()
				invocations++
				mu.Unlock()
				return &StepResult{}, nil
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	const racers = 8
	ids := make([]string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			wf, err := engine.Start(context.Background(), StartRequest{
				Type:  TypeRewardGrant,
				Input: map[string]any{"user_id": "u-1", "reward": "launch"},
			})
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			ids[slot] = wf.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected one workflow, got %v", ids)
		}
	}
	if invocations != 1 {
		t.Fatalf("expected one execution, got %d", invocations)
	}
}

func TestEngineStartRejectsUnknownType(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	_, err := engine.Start(context.Background(), StartRequest{Type: "mystery"})
	if err == nil || errorCode(err) != ErrCodeUnknownType {
		t.Fatalf("expected %s, got %v", ErrCodeUnknownType, err)
	}
}

func TestEngineTransientFailureRetriesViaResume(t *testing.T) {
	attempts := 0
	def := Definition{
		Type: TypeTradeExecution,
		Steps: []StepDefinition{{
			Name:       "execute_trade",
			MaxRetries: 3,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				attempts++
				if attempts == 1 {
					return nil, errors.New("horizon timeout")
				}
				return &StepResult{Output: map[string]any{"tx": "ok"}}, nil
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeTradeExecution, Input: map[string]any{"id": 1}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateRunning {
		t.Fatalf("expected parked running workflow, got %s", wf.State)
	}
	agg, _ := engine.GetAggregate(context.Background(), wf.ID)
	step := agg.Steps[0]
	if step.State != StatePending || step.RetryCount != 1 {
		t.Fatalf("expected pending step with one failure, got %s rc=%d", step.State, step.RetryCount)
	}
	if step.NextRetryAt.IsZero() {
		t.Fatalf("expected retry window stamped")
	}

	wf, err = engine.Resume(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf.State != StateCompleted {
		t.Fatalf("expected completed after retry, got %s", wf.State)
	}
	if attempts != 2 {
		t.Fatalf("expected two attempts, got %d", attempts)
	}
}

func TestEngineConcurrentResumeRunsStepOnce(t *testing.T) {
	store := NewMemoryStore()
	var invocations atomic.Int32
	def := Definition{
		Type: TypeTradeExecution,
		Steps: []StepDefinition{{
			Name:       "execute_trade",
			MaxRetries: 3,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				if invocations.Add(1) == 1 {
					return nil, errors.New("venue unavailable")
				}
				time.Sleep(10 * time.Millisecond)
				return &StepResult{Output: map[string]any{"tx": "ok"}}, nil
			},
		}},
	}
	newEngine := func() *Engine {
		registry := NewDefinitionRegistry()
		if err := registry.Register(def); err != nil {
			t.Fatalf("register: %v", err)
		}
		engine, err := NewEngine(store, registry, NewHandlerRegistry(), WithRetryStrategy(NoDelayStrategy{}))
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		return engine
	}
	first, second := newEngine(), newEngine()

	wf, err := first.Start(context.Background(), StartRequest{Type: TypeTradeExecution, Input: map[string]any{"id": 7}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateRunning {
		t.Fatalf("expected parked running workflow, got %s", wf.State)
	}

	// Two executors over the same store race to drive the due retry;
	// the step claim lets exactly one of them run the handler.
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for _, engine := range []*Engine{first, second} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			<-gate
			e.Resume(context.Background(), wf.ID)
		}(engine)
	}
	close(gate)
	wg.Wait()

	if got := invocations.Load(); got != 2 {
		t.Fatalf("expected one initial attempt and one retry, got %d invocations", got)
	}
	final, err := first.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != StateCompleted {
		t.Fatalf("expected completed workflow, got %s", final.State)
	}
}

func TestEngineRetryExhaustionFailsWorkflow(t *testing.T) {
	attempts := 0
	def := Definition{
		Type: TypeTradeExecution,
		Steps: []StepDefinition{{
			Name:       "execute_trade",
			MaxRetries: 2,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				attempts++
				return nil, errors.New("soroban rpc unavailable")
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeTradeExecution, Input: map[string]any{"id": 2}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	wf, err = engine.Resume(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf.State != StateFailed {
		t.Fatalf("expected failed workflow, got %s", wf.State)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
	agg, _ := engine.GetAggregate(context.Background(), wf.ID)
	step := agg.Steps[0]
	if step.State != StateFailed || step.RetryCount != 2 {
		t.Fatalf("expected failed step with rc=2, got %s rc=%d", step.State, step.RetryCount)
	}
	if wf.FailedAt.IsZero() || wf.FailureReason == "" {
		t.Fatalf("expected failure bookkeeping, got %+v", wf)
	}
	// Transient exhaustion keeps the workflow on the automatic retry
	// queue.
	if wf.NextRetryAt.IsZero() {
		t.Fatalf("expected workflow retry window stamped")
	}
}

func TestEnginePermanentFailureSkipsRetries(t *testing.T) {
	attempts := 0
	def := Definition{
		Type: TypeTradeExecution,
		Steps: []StepDefinition{{
			Name:       "validate_trade",
			MaxRetries: 5,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				attempts++
				return nil, Permanent(errors.New("insufficient balance"))
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeTradeExecution, Input: map[string]any{"id": 3}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateFailed {
		t.Fatalf("expected failed workflow, got %s", wf.State)
	}
	if attempts != 1 {
		t.Fatalf("expected single attempt, got %d", attempts)
	}
	// Permanent failures never re-enter the automatic retry queue.
	if !wf.NextRetryAt.IsZero() {
		t.Fatalf("expected no workflow retry window, got %v", wf.NextRetryAt)
	}
	ids, err := engine.store.ListDueWorkflowRetries(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty retry queue, got %v", ids)
	}
}

func TestEngineCancelAtStepBoundary(t *testing.T) {
	var engineRef *Engine
	ran := []string{}
	def := Definition{
		Type: TypeAIJobChain,
		Steps: []StepDefinition{
			{Name: "prepare_dataset", Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				ran = append(ran, "prepare")
				return &StepResult{}, nil
			}},
			{Name: "run_inference", Handler: func(ctx context.Context, req StepRequest) (*StepResult, error) {
				ran = append(ran, "inference")
				if _, err := engineRef.Cancel(ctx, req.WorkflowID); err != nil {
					return nil, err
				}
				return &StepResult{Output: map[string]any{"model": "done"}}, nil
			}},
			{Name: "post_process", Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				ran = append(ran, "post")
				return &StepResult{}, nil
			}},
		},
	}
	registry := NewDefinitionRegistry()
	if err := registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine, err := NewEngine(NewMemoryStore(), registry, NewHandlerRegistry(), WithRetryStrategy(NoDelayStrategy{}))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engineRef = engine

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeAIJobChain, Input: map[string]any{"job": 1}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateCancelled {
		t.Fatalf("expected cancelled workflow, got %s", wf.State)
	}
	for _, name := range ran {
		if name == "post" {
			t.Fatalf("expected no step after cancellation, ran %v", ran)
		}
	}
	// The in-flight step still records its completion.
	agg, _ := engine.GetAggregate(context.Background(), wf.ID)
	if agg.Steps[1].State != StateCompleted {
		t.Fatalf("expected in-flight step recorded, got %s", agg.Steps[1].State)
	}
	if agg.Steps[2].State != StatePending {
		t.Fatalf("expected untouched trailing step, got %s", agg.Steps[2].State)
	}
}

func TestEngineCancelLeavesParkedStepPending(t *testing.T) {
	attempts := 0
	def := Definition{
		Type: TypeRewardGrant,
		Steps: []StepDefinition{{
			Name:       "mint_reward",
			MaxRetries: 3,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				attempts++
				return nil, errors.New("mint service down")
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeRewardGrant, Input: map[string]any{"user": 4}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateRunning {
		t.Fatalf("expected parked running workflow, got %s", wf.State)
	}

	cancelled, err := engine.Cancel(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != StateCancelled {
		t.Fatalf("expected cancelled workflow, got %s", cancelled.State)
	}
	agg, _ := engine.GetAggregate(context.Background(), wf.ID)
	step := agg.Steps[0]
	if step.State != StatePending {
		t.Fatalf("expected parked step left pending, got %s", step.State)
	}
	if !step.NextRetryAt.IsZero() {
		t.Fatalf("expected retry window cleared on cancel")
	}
	if _, err := engine.Resume(context.Background(), wf.ID); err == nil {
		t.Fatalf("expected resume rejection after cancel")
	}
	if attempts != 1 {
		t.Fatalf("expected no attempt after cancel, got %d", attempts)
	}
}

func TestEngineCancelRejectedAfterCompletion(t *testing.T) {
	var order []string
	def := Definition{
		Type: TypePortfolioUpdate,
		Steps: []StepDefinition{
			{Name: "refresh_holdings", Handler: okHandler(&order, "refresh")},
		},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypePortfolioUpdate, Input: map[string]any{"u": 2}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateCompleted {
		t.Fatalf("expected completed workflow, got %s", wf.State)
	}

	_, err = engine.Cancel(context.Background(), wf.ID)
	if err == nil || errorCode(err) != ErrCodeInvalidTransition {
		t.Fatalf("expected %s, got %v", ErrCodeInvalidTransition, err)
	}
	final, _ := engine.Get(context.Background(), wf.ID)
	if final.State != StateCompleted {
		t.Fatalf("expected completion preserved, got %s", final.State)
	}
}

func TestEngineAdminRetryReopensFailedWorkflow(t *testing.T) {
	healthy := false
	def := Definition{
		Type: TypeRewardGrant,
		Steps: []StepDefinition{{
			Name:       "mint_reward",
			MaxRetries: 1,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				if !healthy {
					return nil, errors.New("asset issuer unreachable")
				}
				return &StepResult{Output: map[string]any{"minted": true}}, nil
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeRewardGrant, Input: map[string]any{"id": 4}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateFailed {
		t.Fatalf("expected failed workflow, got %s", wf.State)
	}

	healthy = true
	wf, err = engine.Retry(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if wf.State != StateCompleted {
		t.Fatalf("expected completed after retry, got %s", wf.State)
	}
	if wf.FailureReason != "" || !wf.FailedAt.IsZero() {
		t.Fatalf("expected failure fields cleared, got %+v", wf)
	}
	// Manual retry spends none of the automatic budget.
	if wf.RetryCount != 0 {
		t.Fatalf("expected retry count 0, got %d", wf.RetryCount)
	}
}

func TestEngineSkipStepAdvancesPastFailure(t *testing.T) {
	ran := []string{}
	def := Definition{
		Type: TypeIndexingVerification,
		Steps: []StepDefinition{
			{Name: "fetch_ledger_range", Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				ran = append(ran, "fetch")
				return &StepResult{}, nil
			}},
			{Name: "compare_index", MaxRetries: 1, Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				ran = append(ran, "compare")
				return nil, Permanent(errors.New("schema drift"))
			}},
			{Name: "record_mismatches", Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				ran = append(ran, "record")
				return &StepResult{}, nil
			}},
		},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeIndexingVerification, Input: map[string]any{"range": "1-100"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateFailed {
		t.Fatalf("expected failed workflow, got %s", wf.State)
	}

	// Only the current failed step can be skipped.
	if _, err := engine.SkipStep(context.Background(), wf.ID, "record_mismatches"); err == nil {
		t.Fatalf("expected skip rejection for non-current step")
	}

	wf, err = engine.SkipStep(context.Background(), wf.ID, "compare_index")
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if wf.State != StateCompleted {
		t.Fatalf("expected completed after skip, got %s", wf.State)
	}
	agg, _ := engine.GetAggregate(context.Background(), wf.ID)
	if agg.Steps[1].State != StateSkipped {
		t.Fatalf("expected skipped step, got %s", agg.Steps[1].State)
	}
	if ran[len(ran)-1] != "record" {
		t.Fatalf("expected trailing step to run, got %v", ran)
	}
}

func TestEngineResumeRecoversIdempotentStep(t *testing.T) {
	attempts := 0
	def := Definition{
		Type: TypePortfolioUpdate,
		Steps: []StepDefinition{{
			Name:         "snapshot_portfolio",
			IsIdempotent: true,
			MaxRetries:   3,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				attempts++
				return &StepResult{}, nil
			},
		}},
	}
	engine, store := newTestEngine(t, []Definition{def})

	// Simulate an executor that died mid-step: workflow RUNNING with the
	// step stuck in RUNNING.
	wf := &Workflow{
		ID:             "wf-crashed",
		IdempotencyKey: "key-crashed",
		Type:           TypePortfolioUpdate,
		State:          StateRunning,
		TotalSteps:     1,
		MaxRetries:     3,
	}
	steps := []*WorkflowStep{{
		ID:           "wf-crashed-s0",
		WorkflowID:   wf.ID,
		StepName:     "snapshot_portfolio",
		StepIndex:    0,
		State:        StateRunning,
		IsIdempotent: true,
		MaxRetries:   3,
	}}
	if err := store.CreateWorkflow(context.Background(), wf, steps); err != nil {
		t.Fatalf("seed: %v", err)
	}

	recovered, err := engine.Resume(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if recovered.State != StateCompleted {
		t.Fatalf("expected completed, got %s", recovered.State)
	}
	if attempts != 1 {
		t.Fatalf("expected one re-invocation, got %d", attempts)
	}
}

func TestEngineResumeFailsStuckNonIdempotentStep(t *testing.T) {
	def := Definition{
		Type: TypeTradeExecution,
		Steps: []StepDefinition{{
			Name:       "execute_trade",
			MaxRetries: 3,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				return &StepResult{}, nil
			},
		}},
	}
	engine, store := newTestEngine(t, []Definition{def}, WithRecoveryGrace(time.Nanosecond))

	wf := &Workflow{
		ID:             "wf-stuck",
		IdempotencyKey: "key-stuck",
		Type:           TypeTradeExecution,
		State:          StateRunning,
		TotalSteps:     1,
		MaxRetries:     3,
	}
	steps := []*WorkflowStep{{
		ID:         "wf-stuck-s0",
		WorkflowID: wf.ID,
		StepName:   "execute_trade",
		StepIndex:  0,
		State:      StateRunning,
		MaxRetries: 3,
	}}
	if err := store.CreateWorkflow(context.Background(), wf, steps); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The stuck attempt burns one retry; the step is not blindly re-run.
	time.Sleep(5 * time.Millisecond)
	if _, err := engine.Resume(context.Background(), wf.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	agg, _ := engine.GetAggregate(context.Background(), wf.ID)
	step := agg.Steps[0]
	if step.RetryCount != 1 {
		t.Fatalf("expected one burned retry, got %d", step.RetryCount)
	}
}

func TestEngineStepTimeoutIsTransient(t *testing.T) {
	def := Definition{
		Type: TypeAIJobChain,
		Steps: []StepDefinition{{
			Name:       "run_inference",
			MaxRetries: 3,
			Timeout:    20 * time.Millisecond,
			Handler: func(ctx context.Context, _ StepRequest) (*StepResult, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(5 * time.Second):
					return &StepResult{}, nil
				}
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeAIJobChain, Input: map[string]any{"job": 9}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateRunning {
		t.Fatalf("expected parked workflow after timeout, got %s", wf.State)
	}
	agg, _ := engine.GetAggregate(context.Background(), wf.ID)
	step := agg.Steps[0]
	if step.State != StatePending || step.RetryCount != 1 {
		t.Fatalf("expected pending retry after timeout, got %s rc=%d", step.State, step.RetryCount)
	}
	if step.FailureReason == "" {
		t.Fatalf("expected timeout reason recorded")
	}
}

func TestEngineStepPanicIsContained(t *testing.T) {
	def := Definition{
		Type: TypeAIJobChain,
		Steps: []StepDefinition{{
			Name:       "post_process",
			MaxRetries: 1,
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) {
				panic("nil pointer in handler")
			},
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypeAIJobChain, Input: map[string]any{"job": 10}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateFailed {
		t.Fatalf("expected failed workflow, got %s", wf.State)
	}
	agg, _ := engine.GetAggregate(context.Background(), wf.ID)
	if agg.Steps[0].FailureReason == "" {
		t.Fatalf("expected panic recorded as failure reason")
	}
}

func TestEngineHooksObserveLifecycle(t *testing.T) {
	var mu sync.Mutex
	phases := []LifecyclePhase{}
	hook := LifecycleHookFunc(func(_ context.Context, evt LifecycleEvent) error {
		mu.Lock()
		phases = append(phases, evt.Phase)
		mu.Unlock()
		return nil
	})
	def := Definition{
		Type: TypePortfolioUpdate,
		Steps: []StepDefinition{{
			Name:    "refresh_holdings",
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) { return &StepResult{}, nil },
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def}, WithHooks(hook))

	if _, err := engine.Start(context.Background(), StartRequest{Type: TypePortfolioUpdate, Input: map[string]any{"u": 1}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := []LifecyclePhase{
		PhaseWorkflowCreated,
		PhaseWorkflowStarted,
		PhaseStepStarted,
		PhaseStepCompleted,
		PhaseWorkflowCompleted,
	}
	if len(phases) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, phases)
		}
	}
}

func TestEngineFailClosedHookBlocksNothingButLogs(t *testing.T) {
	hook := LifecycleHookFunc(func(_ context.Context, _ LifecycleEvent) error {
		return errors.New("audit sink down")
	})
	def := Definition{
		Type: TypePortfolioUpdate,
		Steps: []StepDefinition{{
			Name:    "refresh_holdings",
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) { return &StepResult{}, nil },
		}},
	}
	engine, _ := newTestEngine(t, []Definition{def}, WithHooks(hook))

	// Fail-open is the default: a broken hook never blocks execution.
	wf, err := engine.Start(context.Background(), StartRequest{Type: TypePortfolioUpdate, Input: map[string]any{"u": 2}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateCompleted {
		t.Fatalf("expected completed despite hook errors, got %s", wf.State)
	}
}

func TestEngineCleanupOldWorkflows(t *testing.T) {
	def := Definition{
		Type: TypePortfolioUpdate,
		Steps: []StepDefinition{{
			Name:    "refresh_holdings",
			Handler: func(_ context.Context, _ StepRequest) (*StepResult, error) { return &StepResult{}, nil },
		}},
	}
	future := time.Now().Add(48 * time.Hour)
	engine, _ := newTestEngine(t, []Definition{def})

	wf, err := engine.Start(context.Background(), StartRequest{Type: TypePortfolioUpdate, Input: map[string]any{"u": 3}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if wf.State != StateCompleted {
		t.Fatalf("expected completed, got %s", wf.State)
	}

	engine.nowFn = func() time.Time { return future }
	removed, err := engine.CleanupOldWorkflows(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := engine.Get(context.Background(), wf.ID); errorCode(err) != ErrCodeNotFound {
		t.Fatalf("expected not found after cleanup, got %v", err)
	}
}
