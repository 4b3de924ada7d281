package workflow

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the durable persistence boundary. It is the single source of
// truth and the only shared mutable resource: the engine reloads all
// instance state from it before every action. Implementations must provide
// atomic claim semantics and a unique constraint on the idempotency key.
type Store interface {
	// CreateWorkflow inserts a workflow plus its full ordered step rows
	// in one transaction. Returns ErrDuplicateKey when a workflow with
	// the same idempotency key already exists.
	CreateWorkflow(ctx context.Context, wf *Workflow, steps []*WorkflowStep) error
	// LoadAggregate returns the workflow with its steps ordered by
	// StepIndex, or nil when absent.
	LoadAggregate(ctx context.Context, id string) (*Aggregate, error)
	// FindByIdempotencyKey returns the workflow owning the key, or nil.
	FindByIdempotencyKey(ctx context.Context, key string) (*Workflow, error)
	// ClaimWorkflow atomically moves a workflow from one of the `from`
	// states into `to`, acting as the ownership lock. Returns
	// ErrClaimLost when the workflow is no longer in any `from` state.
	ClaimWorkflow(ctx context.Context, id string, from []State, to State) (*Workflow, error)
	// SaveWorkflow persists workflow fields. UpdatedAt is stamped.
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	// SaveStep persists step fields. UpdatedAt is stamped.
	SaveStep(ctx context.Context, step *WorkflowStep) error
	// ClaimStep atomically moves a step from `from` into `to`, clearing
	// its retry window. This is the step dispatch lock: of all executors
	// driving the same workflow, only the claimer may run the handler.
	// Returns ErrClaimLost when the step is no longer in `from`.
	ClaimStep(ctx context.Context, workflowID string, stepIndex int, from, to State) (*WorkflowStep, error)
	// ListByState pages workflows in a state, oldest first.
	ListByState(ctx context.Context, state State, page, limit int) ([]*Workflow, error)
	// ListByUser pages a user's workflows, oldest first.
	ListByUser(ctx context.Context, userID string, page, limit int) ([]*Workflow, error)
	// ListDueStepRetries returns IDs of RUNNING workflows whose pending
	// step's retry window has elapsed.
	ListDueStepRetries(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListDueWorkflowRetries returns IDs of FAILED workflows eligible
	// for automatic re-open: retry budget remaining and a non-zero
	// NextRetryAt that has elapsed.
	ListDueWorkflowRetries(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Stats aggregates workflow counts by state and type.
	Stats(ctx context.Context) (*Stats, error)
	// DeleteOlderThan hard-deletes workflows (and their steps) in the
	// given states whose UpdatedAt is before the cutoff. Returns the
	// number of workflows removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, states []State) (int, error)
}

// MemoryStore is a thread-safe in-memory Store for tests and ephemeral
// embedding.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Aggregate
	byKey map[string]string
	nowFn func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Aggregate),
		byKey: make(map[string]string),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow, steps []*WorkflowStep) error {
	if s == nil {
		return errors.New("memory store not configured")
	}
	if wf == nil || strings.TrimSpace(wf.ID) == "" {
		return errors.New("workflow with id required")
	}
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()
	if key := strings.TrimSpace(wf.IdempotencyKey); key != "" {
		if _, exists := s.byKey[key]; exists {
			return cloneEngineError(ErrDuplicateKey, "", nil, map[string]any{
				"idempotency_key": key,
				"type":            wf.Type,
			})
		}
	}
	if _, exists := s.byID[wf.ID]; exists {
		return cloneEngineError(ErrDuplicateKey, "workflow id already exists", nil, map[string]any{
			"workflow_id": wf.ID,
		})
	}

	agg := &Aggregate{Workflow: wf.Clone()}
	if agg.Workflow.CreatedAt.IsZero() {
		agg.Workflow.CreatedAt = now
	}
	agg.Workflow.UpdatedAt = now
	agg.Steps = make([]*WorkflowStep, 0, len(steps))
	for _, step := range steps {
		cp := step.Clone()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		agg.Steps = append(agg.Steps, cp)
	}
	sort.Slice(agg.Steps, func(i, j int) bool { return agg.Steps[i].StepIndex < agg.Steps[j].StepIndex })

	s.byID[wf.ID] = agg
	if key := strings.TrimSpace(wf.IdempotencyKey); key != "" {
		s.byKey[key] = wf.ID
	}
	return nil
}

func (s *MemoryStore) LoadAggregate(_ context.Context, id string) (*Aggregate, error) {
	if s == nil {
		return nil, errors.New("memory store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return agg.Clone(), nil
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*Workflow, error) {
	if s == nil {
		return nil, errors.New("memory store not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	agg, ok := s.byID[id]
	if !ok || agg == nil {
		return nil, nil
	}
	return agg.Workflow.Clone(), nil
}

func (s *MemoryStore) ClaimWorkflow(_ context.Context, id string, from []State, to State) (*Workflow, error) {
	if s == nil {
		return nil, errors.New("memory store not configured")
	}
	id = strings.TrimSpace(id)
	now := s.nowFn()

	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.byID[id]
	if !ok || agg == nil || agg.Workflow == nil {
		return nil, cloneEngineError(ErrNotFound, "", nil, map[string]any{"workflow_id": id})
	}
	current := NormalizeState(agg.Workflow.State)
	eligible := false
	for _, st := range from {
		if current == NormalizeState(st) {
			eligible = true
			break
		}
	}
	if !eligible {
		return nil, cloneEngineError(ErrClaimLost, "", nil, map[string]any{
			"workflow_id": id,
			"state":       string(current),
		})
	}
	agg.Workflow.State = NormalizeState(to)
	if agg.Workflow.State == StateRunning && agg.Workflow.StartedAt.IsZero() {
		agg.Workflow.StartedAt = now
	}
	agg.Workflow.UpdatedAt = now
	return agg.Workflow.Clone(), nil
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	if s == nil {
		return errors.New("memory store not configured")
	}
	if wf == nil || strings.TrimSpace(wf.ID) == "" {
		return errors.New("workflow with id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.byID[wf.ID]
	if !ok || agg == nil {
		return cloneEngineError(ErrNotFound, "", nil, map[string]any{"workflow_id": wf.ID})
	}
	cp := wf.Clone()
	cp.CreatedAt = agg.Workflow.CreatedAt
	cp.UpdatedAt = s.nowFn()
	agg.Workflow = cp
	return nil
}

func (s *MemoryStore) SaveStep(_ context.Context, step *WorkflowStep) error {
	if s == nil {
		return errors.New("memory store not configured")
	}
	if step == nil || strings.TrimSpace(step.WorkflowID) == "" {
		return errors.New("step with workflow id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.byID[step.WorkflowID]
	if !ok || agg == nil {
		return cloneEngineError(ErrNotFound, "", nil, map[string]any{"workflow_id": step.WorkflowID})
	}
	for i, existing := range agg.Steps {
		if existing.StepIndex == step.StepIndex {
			cp := step.Clone()
			cp.CreatedAt = existing.CreatedAt
			cp.UpdatedAt = s.nowFn()
			agg.Steps[i] = cp
			return nil
		}
	}
	return cloneEngineError(ErrNotFound, "step not found", nil, map[string]any{
		"workflow_id": step.WorkflowID,
		"step_index":  step.StepIndex,
	})
}

func (s *MemoryStore) ClaimStep(_ context.Context, workflowID string, stepIndex int, from, to State) (*WorkflowStep, error) {
	if s == nil {
		return nil, errors.New("memory store not configured")
	}
	workflowID = strings.TrimSpace(workflowID)
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.byID[workflowID]
	if !ok || agg == nil {
		return nil, cloneEngineError(ErrNotFound, "", nil, map[string]any{"workflow_id": workflowID})
	}
	for _, step := range agg.Steps {
		if step.StepIndex != stepIndex {
			continue
		}
		if NormalizeState(step.State) != NormalizeState(from) {
			return nil, cloneEngineError(ErrClaimLost, "", nil, map[string]any{
				"workflow_id": workflowID,
				"step_index":  stepIndex,
				"step_state":  string(NormalizeState(step.State)),
			})
		}
		step.State = NormalizeState(to)
		step.NextRetryAt = time.Time{}
		step.UpdatedAt = s.nowFn()
		return step.Clone(), nil
	}
	return nil, cloneEngineError(ErrNotFound, "step not found", nil, map[string]any{
		"workflow_id": workflowID,
		"step_index":  stepIndex,
	})
}

func (s *MemoryStore) ListByState(_ context.Context, state State, page, limit int) ([]*Workflow, error) {
	return s.list(func(wf *Workflow) bool {
		return NormalizeState(wf.State) == NormalizeState(state)
	}, page, limit)
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, page, limit int) ([]*Workflow, error) {
	userID = strings.TrimSpace(userID)
	return s.list(func(wf *Workflow) bool {
		return wf.UserID == userID
	}, page, limit)
}

func (s *MemoryStore) list(match func(*Workflow) bool, page, limit int) ([]*Workflow, error) {
	if s == nil {
		return nil, errors.New("memory store not configured")
	}
	page, limit = normalizePage(page, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Workflow, 0, len(s.byID))
	for _, agg := range s.byID {
		if agg == nil || agg.Workflow == nil {
			continue
		}
		if match(agg.Workflow) {
			all = append(all, agg.Workflow.Clone())
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *MemoryStore) ListDueStepRetries(_ context.Context, now time.Time, limit int) ([]string, error) {
	if s == nil {
		return nil, errors.New("memory store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, limit)
	for _, agg := range s.byID {
		if agg == nil || agg.Workflow == nil {
			continue
		}
		if NormalizeState(agg.Workflow.State) != StateRunning {
			continue
		}
		step := agg.CurrentStep()
		if step == nil || NormalizeState(step.State) != StatePending {
			continue
		}
		if step.NextRetryAt.IsZero() || step.NextRetryAt.After(now) {
			continue
		}
		ids = append(ids, agg.Workflow.ID)
		if len(ids) >= limit {
			break
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListDueWorkflowRetries(_ context.Context, now time.Time, limit int) ([]string, error) {
	if s == nil {
		return nil, errors.New("memory store not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, limit)
	for _, agg := range s.byID {
		if agg == nil || agg.Workflow == nil {
			continue
		}
		wf := agg.Workflow
		if NormalizeState(wf.State) != StateFailed {
			continue
		}
		if wf.RetryCount >= wf.MaxRetries {
			continue
		}
		if wf.NextRetryAt.IsZero() || wf.NextRetryAt.After(now) {
			continue
		}
		ids = append(ids, wf.ID)
		if len(ids) >= limit {
			break
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	if s == nil {
		return nil, errors.New("memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{
		ByState: make(map[State]int),
		ByType:  make(map[string]int),
	}
	for _, agg := range s.byID {
		if agg == nil || agg.Workflow == nil {
			continue
		}
		wf := agg.Workflow
		stats.Total++
		stats.ByState[NormalizeState(wf.State)]++
		stats.ByType[wf.Type]++
		if stats.Oldest.IsZero() || wf.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = wf.CreatedAt
		}
		if wf.CreatedAt.After(stats.Youngest) {
			stats.Youngest = wf.CreatedAt
		}
	}
	return stats, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time, states []State) (int, error) {
	if s == nil {
		return 0, errors.New("memory store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, agg := range s.byID {
		if agg == nil || agg.Workflow == nil {
			continue
		}
		wf := agg.Workflow
		if !stateIn(wf.State, states) {
			continue
		}
		if !wf.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.byID, id)
		if key := strings.TrimSpace(wf.IdempotencyKey); key != "" {
			delete(s.byKey, key)
		}
		removed++
	}
	return removed, nil
}

func stateIn(state State, states []State) bool {
	current := NormalizeState(state)
	for _, st := range states {
		if current == NormalizeState(st) {
			return true
		}
	}
	return false
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	return page, limit
}
