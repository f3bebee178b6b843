package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Decision is the lifecycle of one approval request.
type Decision string

const (
	Pending  Decision = "pending"
	Approved Decision = "approved"
	Denied   Decision = "denied"
	Expired  Decision = "expired"
)

// Request is a pending human sign-off for one critical step.
type Request struct {
	ID         string
	TaskID     string
	StepIndex  int
	ActionType string
	ActionHash string
	Risk       Category
	Descriptor string
	Decision   Decision
	DecidedBy  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	DecidedAt  *time.Time
}

var (
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrAlreadyDecided means the request left pending before this decision.
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Store persists approval requests.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new pending request and returns it.
func (s *Store) Create(ctx context.Context, taskID string, stepIndex int, actionType, actionHash string, risk Category, descriptor string, expiry time.Duration) (*Request, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is empty")
	}
	if expiry <= 0 {
		return nil, fmt.Errorf("expiry must be positive")
	}

	now := time.Now().UTC()
	req := &Request{
		ID:         uuid.NewString(),
		TaskID:     taskID,
		StepIndex:  stepIndex,
		ActionType: actionType,
		ActionHash: actionHash,
		Risk:       risk,
		Descriptor: descriptor,
		Decision:   Pending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(expiry),
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO approval_requests(
  id, task_id, step_index, action_type, action_hash, risk, descriptor,
  decision, created_at, expires_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, req.ID, req.TaskID, req.StepIndex, req.ActionType, req.ActionHash, req.Risk,
		req.Descriptor, req.Decision,
		now.Format(time.RFC3339Nano), req.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}
	return req, nil
}

// Get returns one request.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, task_id, step_index, action_type, action_hash, risk, descriptor,
       decision, decided_by, created_at, expires_at, decided_at
FROM approval_requests WHERE id = ?;
`, id)
	return scanRequest(row)
}

// Pending returns all undecided requests, oldest first. This is the poll
// interface the operator console consumes.
func (s *Store) Pending(ctx context.Context) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, step_index, action_type, action_hash, risk, descriptor,
       decision, decided_by, created_at, expires_at, decided_at
FROM approval_requests WHERE decision = ? ORDER BY created_at ASC;
`, Pending)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Decide resolves a pending request. The UPDATE is conditional on the
// request still being pending, so a decision racing expiry loses cleanly.
func (s *Store) Decide(ctx context.Context, id string, decision Decision, decidedBy string) (*Request, error) {
	if decision != Approved && decision != Denied {
		return nil, fmt.Errorf("decision must be approved or denied, got %q", decision)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE approval_requests
SET decision = ?, decided_by = ?, decided_at = ?
WHERE id = ? AND decision = ?;
`, decision, decidedBy, now, id, Pending)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrRequestNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, ErrAlreadyDecided
	}
	return s.Get(ctx, id)
}

// ExpireDue marks every pending request past its expiry as expired and
// returns them. No decision by expiry means Deny: the system fails closed.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]*Request, error) {
	nowS := now.UTC().Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM approval_requests WHERE decision = ? AND expires_at <= ?;
`, Pending, nowS)
	if err != nil {
		return nil, fmt.Errorf("find due approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due approval: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []*Request
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
UPDATE approval_requests SET decision = ?, decided_at = ?
WHERE id = ? AND decision = ?;
`, Expired, nowS, id, Pending)
		if err != nil {
			return nil, fmt.Errorf("expire approval: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Decided between the scan and the update; not ours to expire.
			continue
		}
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		expired = append(expired, req)
	}
	return expired, nil
}

// DecisionFor returns the latest decision covering an action hash within a
// task. The dispatcher uses this to resume a suspended critical step.
func (s *Store) DecisionFor(ctx context.Context, taskID, actionHash string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, task_id, step_index, action_type, action_hash, risk, descriptor,
       decision, decided_by, created_at, expires_at, decided_at
FROM approval_requests
WHERE task_id = ? AND action_hash = ?
ORDER BY created_at DESC LIMIT 1;
`, taskID, actionHash)
	return scanRequest(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req        Request
		descriptor sql.NullString
		decidedBy  sql.NullString
		createdAtS string
		expiresAtS string
		decidedAtS sql.NullString
	)
	err := row.Scan(
		&req.ID, &req.TaskID, &req.StepIndex, &req.ActionType, &req.ActionHash,
		&req.Risk, &descriptor, &req.Decision, &decidedBy,
		&createdAtS, &expiresAtS, &decidedAtS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval request: %w", err)
	}
	if descriptor.Valid {
		req.Descriptor = descriptor.String
	}
	if decidedBy.Valid {
		req.DecidedBy = decidedBy.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		req.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, expiresAtS); err == nil {
		req.ExpiresAt = t
	}
	if decidedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, decidedAtS.String); err == nil {
			req.DecidedAt = &t
		}
	}
	return &req, nil
}
