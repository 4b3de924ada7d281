package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore persists workflows and steps in SQLite through database/sql.
// The driver is supplied by the caller (tests and examples use
// mattn/go-sqlite3). Timestamps are stored as RFC3339Nano text, maps as
// JSON text, and the `(idempotency_key)` unique index enforces the
// at-most-one-instance-per-key guarantee.
type SQLiteStore struct {
	db            *sql.DB
	workflowTable string
	stepTable     string
}

// NewSQLiteStore builds a store on the given DB using an optional table
// prefix.
func NewSQLiteStore(db *sql.DB, prefix string) *SQLiteStore {
	prefix = strings.TrimSpace(prefix)
	return &SQLiteStore{
		db:            db,
		workflowTable: prefix + "workflows",
		stepTable:     prefix + "workflow_steps",
	}
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *Workflow, steps []*WorkflowStep) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if wf == nil || strings.TrimSpace(wf.ID) == "" {
		return errors.New("workflow with id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	wf = wf.Clone()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	if err := insertWorkflow(ctx, tx, s.workflowTable, wf); err != nil {
		if isUniqueConstraintError(err) {
			return cloneEngineError(ErrDuplicateKey, "", err, map[string]any{
				"idempotency_key": wf.IdempotencyKey,
				"type":            wf.Type,
			})
		}
		return err
	}
	for _, step := range steps {
		cp := step.Clone()
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		if err := insertStep(ctx, tx, s.stepTable, cp); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	tx = nil
	return nil
}

func (s *SQLiteStore) LoadAggregate(ctx context.Context, id string) (*Aggregate, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	wf, err := s.queryWorkflow(ctx, fmt.Sprintf(`WHERE id = ?`), id)
	if err != nil || wf == nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE workflow_id = ? ORDER BY step_index ASC`,
		stepColumns, s.stepTable), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	agg := &Aggregate{Workflow: wf}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		agg.Steps = append(agg.Steps, step)
	}
	return agg, rows.Err()
}

func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (*Workflow, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s.queryWorkflow(ctx, `WHERE idempotency_key = ?`, key)
}

func (s *SQLiteStore) ClaimWorkflow(ctx context.Context, id string, from []State, to State) (*Workflow, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	id = strings.TrimSpace(id)
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if len(from) == 0 {
		return nil, errors.New("claim requires source states")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	q := fmt.Sprintf(`UPDATE %s
		SET state=?, started_at=CASE WHEN started_at='' AND ?='%s' THEN ? ELSE started_at END, updated_at=?
		WHERE id=? AND state IN (%s)`, s.workflowTable, StateRunning, placeholders)
	args := []any{string(NormalizeState(to)), string(NormalizeState(to)), now, now, id}
	for _, st := range from {
		args = append(args, string(NormalizeState(st)))
	}
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		existing, err := s.queryWorkflow(ctx, `WHERE id = ?`, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, cloneEngineError(ErrNotFound, "", nil, map[string]any{"workflow_id": id})
		}
		return nil, cloneEngineError(ErrClaimLost, "", nil, map[string]any{
			"workflow_id": id,
			"state":       string(NormalizeState(existing.State)),
		})
	}
	return s.queryWorkflow(ctx, `WHERE id = ?`, id)
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if wf == nil || strings.TrimSpace(wf.ID) == "" {
		return errors.New("workflow with id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	input, output, wctx, err := encodeWorkflowMaps(wf)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET
		state=?, user_id=?, wallet_address=?, input=?, output=?, context=?,
		current_step_index=?, total_steps=?, retry_count=?, max_retries=?, next_retry_at=?,
		requires_compensation=?, is_compensated=?, failure_reason=?,
		started_at=?, completed_at=?, failed_at=?, updated_at=?
		WHERE id=?`, s.workflowTable)
	result, err := s.db.ExecContext(ctx, q,
		string(NormalizeState(wf.State)),
		wf.UserID,
		wf.WalletAddress,
		input,
		output,
		wctx,
		wf.CurrentStepIndex,
		wf.TotalSteps,
		wf.RetryCount,
		wf.MaxRetries,
		formatTime(wf.NextRetryAt),
		boolInt(wf.RequiresCompensation),
		boolInt(wf.IsCompensated),
		wf.FailureReason,
		formatTime(wf.StartedAt),
		formatTime(wf.CompletedAt),
		formatTime(wf.FailedAt),
		time.Now().UTC().Format(time.RFC3339Nano),
		wf.ID,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return cloneEngineError(ErrNotFound, "", nil, map[string]any{"workflow_id": wf.ID})
	}
	return nil
}

func (s *SQLiteStore) SaveStep(ctx context.Context, step *WorkflowStep) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	if step == nil || strings.TrimSpace(step.WorkflowID) == "" {
		return errors.New("step with workflow id required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	input, err := encodeMap(step.Input)
	if err != nil {
		return err
	}
	output, err := encodeMap(step.Output)
	if err != nil {
		return err
	}
	config, err := encodeMap(step.Config)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET
		state=?, input=?, output=?, config=?, retry_count=?, max_retries=?, next_retry_at=?,
		requires_compensation=?, is_compensated=?, compensated_at=?, compensation_step_name=?,
		is_idempotent=?, idempotency_key=?, failure_reason=?, updated_at=?
		WHERE workflow_id=? AND step_index=?`, s.stepTable)
	result, err := s.db.ExecContext(ctx, q,
		string(NormalizeState(step.State)),
		input,
		output,
		config,
		step.RetryCount,
		step.MaxRetries,
		formatTime(step.NextRetryAt),
		boolInt(step.RequiresCompensation),
		boolInt(step.IsCompensated),
		formatTime(step.CompensatedAt),
		step.CompensationStepName,
		boolInt(step.IsIdempotent),
		step.IdempotencyKey,
		step.FailureReason,
		time.Now().UTC().Format(time.RFC3339Nano),
		step.WorkflowID,
		step.StepIndex,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return cloneEngineError(ErrNotFound, "step not found", nil, map[string]any{
			"workflow_id": step.WorkflowID,
			"step_index":  step.StepIndex,
		})
	}
	return nil
}

func (s *SQLiteStore) ClaimStep(ctx context.Context, workflowID string, stepIndex int, from, to State) (*WorkflowStep, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	workflowID = strings.TrimSpace(workflowID)
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	q := fmt.Sprintf(`UPDATE %s SET state=?, next_retry_at='', updated_at=?
		WHERE workflow_id=? AND step_index=? AND state=?`, s.stepTable)
	result, err := s.db.ExecContext(ctx, q,
		string(NormalizeState(to)), now, workflowID, stepIndex, string(NormalizeState(from)))
	if err != nil {
		return nil, err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		existing, err := s.queryStep(ctx, workflowID, stepIndex)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, cloneEngineError(ErrNotFound, "step not found", nil, map[string]any{
				"workflow_id": workflowID,
				"step_index":  stepIndex,
			})
		}
		return nil, cloneEngineError(ErrClaimLost, "", nil, map[string]any{
			"workflow_id": workflowID,
			"step_index":  stepIndex,
			"step_state":  string(NormalizeState(existing.State)),
		})
	}
	return s.queryStep(ctx, workflowID, stepIndex)
}

func (s *SQLiteStore) ListByState(ctx context.Context, state State, page, limit int) ([]*Workflow, error) {
	return s.listWorkflows(ctx, `WHERE state = ?`, page, limit, string(NormalizeState(state)))
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, page, limit int) ([]*Workflow, error) {
	return s.listWorkflows(ctx, `WHERE user_id = ?`, page, limit, strings.TrimSpace(userID))
}

func (s *SQLiteStore) listWorkflows(ctx context.Context, where string, page, limit int, args ...any) ([]*Workflow, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	page, limit = normalizePage(page, limit)
	q := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		workflowColumns, s.workflowTable, where)
	args = append(args, limit, (page-1)*limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDueStepRetries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT w.id FROM %s w
		JOIN %s s ON s.workflow_id = w.id AND s.step_index = w.current_step_index
		WHERE w.state = ? AND s.state = ? AND s.next_retry_at != '' AND s.next_retry_at <= ?
		ORDER BY s.next_retry_at ASC LIMIT ?`, s.workflowTable, s.stepTable)
	return s.queryIDs(ctx, q,
		string(StateRunning), string(StatePending), now.UTC().Format(time.RFC3339Nano), limit)
}

func (s *SQLiteStore) ListDueWorkflowRetries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT id FROM %s
		WHERE state = ? AND retry_count < max_retries AND next_retry_at != '' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC LIMIT ?`, s.workflowTable)
	return s.queryIDs(ctx, q, string(StateFailed), now.UTC().Format(time.RFC3339Nano), limit)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, strings.TrimSpace(id))
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	stats := &Stats{
		ByState: make(map[State]int),
		ByType:  make(map[string]int),
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT state, type, COUNT(*), MIN(created_at), MAX(created_at) FROM %s GROUP BY state, type`,
		s.workflowTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state, wfType, oldest, youngest string
		var count int
		if err := rows.Scan(&state, &wfType, &count, &oldest, &youngest); err != nil {
			return nil, err
		}
		stats.Total += count
		stats.ByState[NormalizeState(State(state))] += count
		stats.ByType[wfType] += count
		if ts, ok := parseTime(oldest); ok && (stats.Oldest.IsZero() || ts.Before(stats.Oldest)) {
			stats.Oldest = ts
		}
		if ts, ok := parseTime(youngest); ok && ts.After(stats.Youngest) {
			stats.Youngest = ts
		}
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, states []State) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	if len(states) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := []any{}
	for _, st := range states {
		args = append(args, string(NormalizeState(st)))
	}
	args = append(args, cutoff.UTC().Format(time.RFC3339Nano))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if tx != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE workflow_id IN (SELECT id FROM %s WHERE state IN (%s) AND updated_at < ?)`,
		s.stepTable, s.workflowTable, placeholders), args...)
	if err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE state IN (%s) AND updated_at < ?`,
		s.workflowTable, placeholders), args...)
	if err != nil {
		return 0, err
	}
	removed, _ := result.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	tx = nil
	return int(removed), nil
}

const workflowColumns = `id, idempotency_key, type, state, user_id, wallet_address,
	input, output, context, current_step_index, total_steps, retry_count, max_retries,
	next_retry_at, requires_compensation, is_compensated, failure_reason,
	started_at, completed_at, failed_at, created_at, updated_at`

const stepColumns = `id, workflow_id, step_name, step_index, state, input, output, config,
	retry_count, max_retries, next_retry_at, requires_compensation, is_compensated,
	compensated_at, compensation_step_name, is_idempotent, idempotency_key, failure_reason,
	created_at, updated_at`

func (s *SQLiteStore) queryWorkflow(ctx context.Context, where string, args ...any) (*Workflow, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s %s`, workflowColumns, s.workflowTable, where)
	row := s.db.QueryRowContext(ctx, q, args...)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

func (s *SQLiteStore) queryStep(ctx context.Context, workflowID string, stepIndex int) (*WorkflowStep, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE workflow_id=? AND step_index=?`, stepColumns, s.stepTable)
	row := s.db.QueryRowContext(ctx, q, workflowID, stepIndex)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return step, err
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	workflowDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		wallet_address TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT 'null',
		output TEXT NOT NULL DEFAULT 'null',
		context TEXT NOT NULL DEFAULT 'null',
		current_step_index INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT NOT NULL DEFAULT '',
		requires_compensation INTEGER NOT NULL DEFAULT 0,
		is_compensated INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL DEFAULT '',
		completed_at TEXT NOT NULL DEFAULT '',
		failed_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.workflowTable)
	if _, err := s.db.ExecContext(ctx, workflowDDL); err != nil {
		return err
	}
	stepDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES %s(id),
		step_name TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		state TEXT NOT NULL,
		input TEXT NOT NULL DEFAULT 'null',
		output TEXT NOT NULL DEFAULT 'null',
		config TEXT NOT NULL DEFAULT 'null',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT NOT NULL DEFAULT '',
		requires_compensation INTEGER NOT NULL DEFAULT 0,
		is_compensated INTEGER NOT NULL DEFAULT 0,
		compensated_at TEXT NOT NULL DEFAULT '',
		compensation_step_name TEXT NOT NULL DEFAULT '',
		is_idempotent INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(workflow_id, step_index)
	)`, s.stepTable, s.workflowTable)
	if _, err := s.db.ExecContext(ctx, stepDDL); err != nil {
		return err
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(state)`, s.workflowTable, s.workflowTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(user_id)`, s.workflowTable, s.workflowTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_workflow ON %s(workflow_id)`, s.stepTable, s.stepTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(state)`, s.stepTable, s.stepTable),
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func insertWorkflow(ctx context.Context, tx *sql.Tx, table string, wf *Workflow) error {
	input, output, wctx, err := encodeWorkflowMaps(wf)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (
		id, idempotency_key, type, state, user_id, wallet_address, input, output, context,
		current_step_index, total_steps, retry_count, max_retries, next_retry_at,
		requires_compensation, is_compensated, failure_reason,
		started_at, completed_at, failed_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	_, err = tx.ExecContext(ctx, q,
		wf.ID,
		wf.IdempotencyKey,
		wf.Type,
		string(NormalizeState(wf.State)),
		wf.UserID,
		wf.WalletAddress,
		input,
		output,
		wctx,
		wf.CurrentStepIndex,
		wf.TotalSteps,
		wf.RetryCount,
		wf.MaxRetries,
		formatTime(wf.NextRetryAt),
		boolInt(wf.RequiresCompensation),
		boolInt(wf.IsCompensated),
		wf.FailureReason,
		formatTime(wf.StartedAt),
		formatTime(wf.CompletedAt),
		formatTime(wf.FailedAt),
		wf.CreatedAt.UTC().Format(time.RFC3339Nano),
		wf.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func insertStep(ctx context.Context, tx *sql.Tx, table string, step *WorkflowStep) error {
	input, err := encodeMap(step.Input)
	if err != nil {
		return err
	}
	output, err := encodeMap(step.Output)
	if err != nil {
		return err
	}
	config, err := encodeMap(step.Config)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (
		id, workflow_id, step_name, step_index, state, input, output, config,
		retry_count, max_retries, next_retry_at, requires_compensation, is_compensated,
		compensated_at, compensation_step_name, is_idempotent, idempotency_key, failure_reason,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table)
	_, err = tx.ExecContext(ctx, q,
		step.ID,
		step.WorkflowID,
		step.StepName,
		step.StepIndex,
		string(NormalizeState(step.State)),
		input,
		output,
		config,
		step.RetryCount,
		step.MaxRetries,
		formatTime(step.NextRetryAt),
		boolInt(step.RequiresCompensation),
		boolInt(step.IsCompensated),
		formatTime(step.CompensatedAt),
		step.CompensationStepName,
		boolInt(step.IsIdempotent),
		step.IdempotencyKey,
		step.FailureReason,
		step.CreatedAt.UTC().Format(time.RFC3339Nano),
		step.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		wf                             Workflow
		state                          string
		input, output, wctx            string
		requiresCompensation, isComped int
		nextRetry, started, completed  string
		failed, created, updated       string
	)
	if err := row.Scan(
		&wf.ID,
		&wf.IdempotencyKey,
		&wf.Type,
		&state,
		&wf.UserID,
		&wf.WalletAddress,
		&input,
		&output,
		&wctx,
		&wf.CurrentStepIndex,
		&wf.TotalSteps,
		&wf.RetryCount,
		&wf.MaxRetries,
		&nextRetry,
		&requiresCompensation,
		&isComped,
		&wf.FailureReason,
		&started,
		&completed,
		&failed,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	wf.State = NormalizeState(State(state))
	wf.RequiresCompensation = requiresCompensation != 0
	wf.IsCompensated = isComped != 0
	wf.Input = decodeMap(input)
	wf.Output = decodeMap(output)
	wf.Context = decodeMap(wctx)
	wf.NextRetryAt, _ = parseTime(nextRetry)
	wf.StartedAt, _ = parseTime(started)
	wf.CompletedAt, _ = parseTime(completed)
	wf.FailedAt, _ = parseTime(failed)
	wf.CreatedAt, _ = parseTime(created)
	wf.UpdatedAt, _ = parseTime(updated)
	return &wf, nil
}

func scanStep(row rowScanner) (*WorkflowStep, error) {
	var (
		step                           WorkflowStep
		state                          string
		input, output, config          string
		requiresCompensation, isComped int
		isIdempotent                   int
		nextRetry, compensated         string
		created, updated               string
	)
	if err := row.Scan(
		&step.ID,
		&step.WorkflowID,
		&step.StepName,
		&step.StepIndex,
		&state,
		&input,
		&output,
		&config,
		&step.RetryCount,
		&step.MaxRetries,
		&nextRetry,
		&requiresCompensation,
		&isComped,
		&compensated,
		&step.CompensationStepName,
		&isIdempotent,
		&step.IdempotencyKey,
		&step.FailureReason,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}
	step.State = NormalizeState(State(state))
	step.Input = decodeMap(input)
	step.Output = decodeMap(output)
	step.Config = decodeMap(config)
	step.RequiresCompensation = requiresCompensation != 0
	step.IsCompensated = isComped != 0
	step.IsIdempotent = isIdempotent != 0
	step.NextRetryAt, _ = parseTime(nextRetry)
	step.CompensatedAt, _ = parseTime(compensated)
	step.CreatedAt, _ = parseTime(created)
	step.UpdatedAt, _ = parseTime(updated)
	return &step, nil
}

func encodeWorkflowMaps(wf *Workflow) (input, output, wctx string, err error) {
	if input, err = encodeMap(wf.Input); err != nil {
		return
	}
	if output, err = encodeMap(wf.Output); err != nil {
		return
	}
	wctx, err = encodeMap(wf.Context)
	return
}

func encodeMap(in map[string]any) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMap(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
