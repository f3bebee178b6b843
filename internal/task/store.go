package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists tasks. State transitions are write-ahead: the new state is
// committed with a compare-and-swap on the prior state before the
// corresponding side effect runs, so a crash between "decided to act" and
// "acted" is recoverable by re-reading persisted state.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new task in Submitted state and returns its id.
func (s *Store) Create(ctx context.Context, actorID string, payload json.RawMessage, requests []StepRequest) (string, error) {
	if actorID == "" {
		return "", fmt.Errorf("actor id is empty")
	}
	if len(requests) == 0 {
		return "", fmt.Errorf("at least one step request is required")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	reqJSON, err := json.Marshal(requests)
	if err != nil {
		return "", fmt.Errorf("marshal requests: %w", err)
	}
	var payloadVal any
	if len(payload) > 0 {
		payloadVal = string(payload)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks(id, actor_id, payload, requests, state, reroutes, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, 0, ?, ?);
`, id, actorID, payloadVal, string(reqJSON), StateSubmitted, now, now)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// Get returns one task.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, actor_id, payload, requests, assignments, state, reroutes, summary, created_at, updated_at
FROM tasks WHERE id = ?;
`, id)
	return scanTask(row)
}

// Transition moves a task from an expected state to a new one. The UPDATE
// is conditional on the current state (per-key compare-and-swap); a row
// mismatch yields ErrStateConflict so concurrent movers lose cleanly.
func (s *Store) Transition(ctx context.Context, id string, from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?;
`, to, now, id, from)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if cur.State == to {
			// Another mover already landed this transition; idempotent.
			return nil
		}
		return fmt.Errorf("%w: task %s is %s, expected %s", ErrStateConflict, id, cur.State, from)
	}
	return nil
}

// SetAssignments records the worker chosen for each step request.
func (s *Store) SetAssignments(ctx context.Context, id string, assignments []string) error {
	b, err := json.Marshal(assignments)
	if err != nil {
		return fmt.Errorf("marshal assignments: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET assignments = ?, updated_at = ? WHERE id = ?;",
		string(b), now, id,
	)
	if err != nil {
		return fmt.Errorf("set assignments: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// IncrementReroutes bumps the re-route counter and returns the new value.
func (s *Store) IncrementReroutes(ctx context.Context, id string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET reroutes = reroutes + 1, updated_at = ? WHERE id = ?;",
		now, id,
	)
	if err != nil {
		return 0, fmt.Errorf("increment reroutes: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT reroutes FROM tasks WHERE id = ?;", id).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrTaskNotFound
		}
		return 0, fmt.Errorf("read reroutes: %w", err)
	}
	return n, nil
}

// SetSummary records the user-visible outcome line for a task.
func (s *Store) SetSummary(ctx context.Context, id, summary string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET summary = ?, updated_at = ? WHERE id = ?;",
		summary, now, id,
	)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

// ListByState returns tasks in a given state, oldest first. Used by crash
// recovery and the API.
func (s *Store) ListByState(ctx context.Context, state State) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, actor_id, payload, requests, assignments, state, reroutes, summary, created_at, updated_at
FROM tasks WHERE state = ? ORDER BY created_at ASC;
`, state)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAssignedTo returns non-terminal tasks with any step assigned to the
// given worker. Used when a worker dies.
func (s *Store) ListAssignedTo(ctx context.Context, workerID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, actor_id, payload, requests, assignments, state, reroutes, summary, created_at, updated_at
FROM tasks
WHERE state IN (?, ?, ?) AND assignments IS NOT NULL
ORDER BY created_at ASC;
`, StateRouted, StateExecuting, StateAwaitingApproval)
	if err != nil {
		return nil, fmt.Errorf("list assigned tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		for _, w := range t.Assignments {
			if w == workerID {
				out = append(out, t)
				break
			}
		}
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t           Task
		payload     sql.NullString
		requests    string
		assignments sql.NullString
		summary     sql.NullString
		createdAtS  string
		updatedAtS  string
	)
	err := row.Scan(
		&t.ID, &t.ActorID, &payload, &requests, &assignments,
		&t.State, &t.Reroutes, &summary, &createdAtS, &updatedAtS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if payload.Valid {
		t.Payload = []byte(payload.String)
	}
	if err := json.Unmarshal([]byte(requests), &t.Requests); err != nil {
		return nil, fmt.Errorf("decode requests: %w", err)
	}
	if assignments.Valid {
		if err := json.Unmarshal([]byte(assignments.String), &t.Assignments); err != nil {
			return nil, fmt.Errorf("decode assignments: %w", err)
		}
	}
	if summary.Valid {
		t.Summary = summary.String
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}
