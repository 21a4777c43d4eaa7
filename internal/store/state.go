package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// ErrNotFound is returned when no entry exists for the requested key.
var ErrNotFound = errors.New("store: entry not found")

// ErrTerminal is returned when a write would reopen a terminal entry.
var ErrTerminal = errors.New("store: entry is terminal")

// StateStore is the durable record of every step's lifecycle. It is the
// single source of truth for step state across restarts and redeliveries.
type StateStore struct {
	DB        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// StateStoreOption customizes a StateStore.
type StateStoreOption func(*StateStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StateStoreOption {
	return func(s *StateStore) { s.now = now }
}

// NewStateStore opens (or creates) the sqlite database at dbPath and prunes
// every entry whose updated_at exceeds the retention window.
func NewStateStore(dbPath string, retention time.Duration, opts ...StateStoreOption) (*StateStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			plan_id TEXT PRIMARY KEY,
			goal TEXT,
			subject TEXT,
			plan TEXT,
			created_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS plan_steps (
			plan_id TEXT,
			step_id TEXT,
			step TEXT,
			state TEXT,
			summary TEXT,
			output TEXT,
			attempt INTEGER,
			idempotency_key TEXT,
			approvals TEXT,
			trace_id TEXT,
			created_at INTEGER,
			updated_at INTEGER,
			PRIMARY KEY (plan_id, step_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plan_steps_idem ON plan_steps (idempotency_key);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return nil, err
		}
	}

	s := &StateStore{DB: db, retention: retention, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.prune(); err != nil {
		return nil, fmt.Errorf("prune expired entries: %w", err)
	}
	return s, nil
}

// prune drops terminal entries older than the retention window.
func (s *StateStore) prune() error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := s.now().Add(-s.retention).UnixMilli()
	_, err := s.DB.Exec(
		`DELETE FROM plan_steps WHERE state IN (?, ?, ?) AND updated_at < ?`,
		StateCompleted, StateFailed, StateDeadLettered, cutoff,
	)
	return err
}

// Close releases the underlying database handle.
func (s *StateStore) Close() error {
	return s.DB.Close()
}

// RememberPlan persists the immutable plan record and its subject.
func (s *StateStore) RememberPlan(plan Plan, subject Subject) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	subjectJSON, err := json.Marshal(subject)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(
		`INSERT INTO plans (plan_id, goal, subject, plan, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(plan_id) DO UPDATE SET goal=excluded.goal, subject=excluded.subject, plan=excluded.plan`,
		plan.ID, plan.Goal, string(subjectJSON), string(planJSON), s.now().UnixMilli(),
	)
	return err
}

// GetPlan returns the persisted plan record.
func (s *StateStore) GetPlan(planID string) (Plan, error) {
	var raw string
	err := s.DB.QueryRow(`SELECT plan FROM plans WHERE plan_id = ?`, planID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, err
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// GetPlanSubject returns the subject a plan was submitted on behalf of.
func (s *StateStore) GetPlanSubject(planID string) (Subject, error) {
	var raw string
	err := s.DB.QueryRow(`SELECT subject FROM plans WHERE plan_id = ?`, planID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Subject{}, ErrNotFound
	}
	if err != nil {
		return Subject{}, err
	}
	var subject Subject
	if err := json.Unmarshal([]byte(raw), &subject); err != nil {
		return Subject{}, err
	}
	return subject, nil
}

// RememberOpts configures RememberStep.
type RememberOpts struct {
	IdempotencyKey string
	Attempt        int
	CreatedAt      time.Time
	InitialState   StepState
}

// RememberStep creates (or overwrites) the entry for (planID, step.ID).
// Re-dispatch overwrites rather than duplicates.
func (s *StateStore) RememberStep(planID string, step PlanStep, traceID string, opts RememberOpts) error {
	state := opts.InitialState
	if state == "" {
		state = StateQueued
	}
	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	stepJSON, err := json.Marshal(step)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(
		`INSERT INTO plan_steps
			(plan_id, step_id, step, state, summary, output, attempt, idempotency_key, approvals, trace_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', '', ?, ?, '{}', ?, ?, ?)
		 ON CONFLICT(plan_id, step_id) DO UPDATE SET
			step=excluded.step, state=excluded.state, summary='', output='',
			attempt=excluded.attempt, idempotency_key=excluded.idempotency_key,
			trace_id=excluded.trace_id, updated_at=excluded.updated_at`,
		planID, step.ID, string(stepJSON), state, opts.Attempt, opts.IdempotencyKey,
		traceID, createdAt.UnixMilli(), createdAt.UnixMilli(),
	)
	return err
}

// SetState transitions an entry. Terminal entries are never reopened;
// attempting to do so returns ErrTerminal so callers can treat the replay
// as a no-op.
func (s *StateStore) SetState(planID, stepID string, state StepState, summary, output string, attempt int) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current StepState
	err = tx.QueryRow(`SELECT state FROM plan_steps WHERE plan_id = ? AND step_id = ?`, planID, stepID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current.Terminal() {
		return ErrTerminal
	}

	_, err = tx.Exec(
		`UPDATE plan_steps SET state = ?, summary = ?, output = ?, attempt = ?, updated_at = ?
		 WHERE plan_id = ? AND step_id = ?`,
		state, summary, output, attempt, s.now().UnixMilli(), planID, stepID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RecordApproval marks a capability as approved or rejected on the entry.
func (s *StateStore) RecordApproval(planID, stepID, capability string, approved bool) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(`SELECT approvals FROM plan_steps WHERE plan_id = ? AND step_id = ?`, planID, stepID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	approvals := map[string]bool{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &approvals); err != nil {
			return err
		}
	}
	approvals[capability] = approved

	updated, err := json.Marshal(approvals)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE plan_steps SET approvals = ?, updated_at = ? WHERE plan_id = ? AND step_id = ?`,
		string(updated), s.now().UnixMilli(), planID, stepID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetEntry returns the entry for (planID, stepID).
func (s *StateStore) GetEntry(planID, stepID string) (*PersistedStepEntry, error) {
	row := s.DB.QueryRow(
		`SELECT plan_id, step_id, step, state, summary, output, attempt, idempotency_key, approvals, trace_id, created_at, updated_at
		 FROM plan_steps WHERE plan_id = ? AND step_id = ?`, planID, stepID)
	return scanEntry(row)
}

// GetEntryByIdempotencyKey resolves the entry a completion message claims
// to belong to. A miss means the completion is unknown or forged.
func (s *StateStore) GetEntryByIdempotencyKey(key string) (*PersistedStepEntry, error) {
	row := s.DB.QueryRow(
		`SELECT plan_id, step_id, step, state, summary, output, attempt, idempotency_key, approvals, trace_id, created_at, updated_at
		 FROM plan_steps WHERE idempotency_key = ?`, key)
	return scanEntry(row)
}

// ListActiveSteps returns every non-terminal entry. The listing is what a
// restarting process uses to resume in-flight dispatch without re-enqueuing
// finished work.
func (s *StateStore) ListActiveSteps() ([]*PersistedStepEntry, error) {
	rows, err := s.DB.Query(
		`SELECT plan_id, step_id, step, state, summary, output, attempt, idempotency_key, approvals, trace_id, created_at, updated_at
		 FROM plan_steps WHERE state NOT IN (?, ?, ?) ORDER BY created_at`,
		StateCompleted, StateFailed, StateDeadLettered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*PersistedStepEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ForgetStep removes the entry for (planID, stepID).
func (s *StateStore) ForgetStep(planID, stepID string) error {
	_, err := s.DB.Exec(`DELETE FROM plan_steps WHERE plan_id = ? AND step_id = ?`, planID, stepID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*PersistedStepEntry, error) {
	var (
		entry                      PersistedStepEntry
		stepJSON, approvalsJSON    string
		createdMilli, updatedMilli int64
	)
	err := row.Scan(
		&entry.PlanID, &entry.Step.ID, &stepJSON, &entry.State, &entry.Summary, &entry.Output,
		&entry.Attempt, &entry.IdempotencyKey, &approvalsJSON, &entry.TraceID,
		&createdMilli, &updatedMilli,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepJSON), &entry.Step); err != nil {
		return nil, err
	}
	if approvalsJSON != "" {
		if err := json.Unmarshal([]byte(approvalsJSON), &entry.Approvals); err != nil {
			return nil, err
		}
	}
	entry.CreatedAt = time.UnixMilli(createdMilli)
	entry.UpdatedAt = time.UnixMilli(updatedMilli)
	return &entry, nil
}
