package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ledger is the durable record of every attempted action. Sequence numbers
// are assigned inside the append transaction, so they are unique and
// monotonically increasing per task with no gaps.
type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append records one step attempt and returns its assigned sequence number.
func (l *Ledger) Append(ctx context.Context, step Step) (int, error) {
	if step.TaskID == "" {
		return 0, fmt.Errorf("task id is empty")
	}
	if step.ActionType == "" {
		return 0, fmt.Errorf("action type is empty")
	}
	if step.Kind == "" {
		step.Kind = KindEffect
	}
	if step.Reversibility == "" {
		step.Reversibility = Irreversible
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM task_steps WHERE task_id = ?;",
		step.TaskID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var payload any
	if len(step.Payload) > 0 {
		payload = string(step.Payload)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO task_steps(
  task_id, seq, kind, action_type, worker_id, cost, reversibility,
  payload, outcome, detail, compensated, compensates_seq, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
`, step.TaskID, seq, step.Kind, step.ActionType, step.WorkerID, step.Cost,
		step.Reversibility, payload, step.Outcome, step.Detail, step.CompensatesSeq, now)
	if err != nil {
		return 0, fmt.Errorf("append step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return seq, nil
}

// Steps returns every recorded step for a task, ordered by sequence number.
func (l *Ledger) Steps(ctx context.Context, taskID string) ([]Step, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is empty")
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT task_id, seq, kind, action_type, worker_id, cost, reversibility,
       payload, outcome, detail, compensated, compensates_seq, created_at
FROM task_steps
WHERE task_id = ?
ORDER BY seq ASC;
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// CompletedEffects returns succeeded, not-yet-compensated effect steps in
// strict reverse sequence order, which is the order rollback processes them.
func (l *Ledger) CompletedEffects(ctx context.Context, taskID string) ([]Step, error) {
	steps, err := l.Steps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []Step
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.Kind == KindEffect && s.Outcome == OutcomeSucceeded && !s.Compensated {
			out = append(out, s)
		}
	}
	return out, nil
}

// Has reports whether a step with the given sequence number is already
// recorded. Bus handlers use this to make redelivered messages no-ops.
func (l *Ledger) Has(ctx context.Context, taskID string, seq int) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM task_steps WHERE task_id = ? AND seq = ?;",
		taskID, seq,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check step: %w", err)
	}
	return n > 0, nil
}

// SucceededEffectCount returns how many effect steps have succeeded for a
// task. The dispatcher uses it to resume from the next pending step request.
func (l *Ledger) SucceededEffectCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM task_steps
WHERE task_id = ? AND kind = ? AND outcome = ?;
`, taskID, KindEffect, OutcomeSucceeded).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count effects: %w", err)
	}
	return n, nil
}

// MarkCompensated flips the compensated flag on one effect step.
func (l *Ledger) MarkCompensated(ctx context.Context, taskID string, seq int) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE task_steps SET compensated = 1 WHERE task_id = ? AND seq = ? AND kind = ?;",
		taskID, seq, KindEffect,
	)
	if err != nil {
		return fmt.Errorf("mark compensated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStepNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (Step, error) {
	var (
		s              Step
		payload        sql.NullString
		detail         sql.NullString
		compensated    int
		compensatesSeq sql.NullInt64
		createdAtS     string
	)
	err := row.Scan(
		&s.TaskID, &s.Seq, &s.Kind, &s.ActionType, &s.WorkerID, &s.Cost,
		&s.Reversibility, &payload, &s.Outcome, &detail, &compensated,
		&compensatesSeq, &createdAtS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrStepNotFound
	}
	if err != nil {
		return Step{}, fmt.Errorf("scan step: %w", err)
	}
	if payload.Valid {
		s.Payload = []byte(payload.String)
	}
	if detail.Valid {
		s.Detail = detail.String
	}
	s.Compensated = compensated != 0
	if compensatesSeq.Valid {
		v := int(compensatesSeq.Int64)
		s.CompensatesSeq = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		s.CreatedAt = t
	}
	return s, nil
}
