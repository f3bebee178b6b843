package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/wardenhq/warden/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	for want := 1; want <= 5; want++ {
		seq, err := l.Append(ctx, Step{
			TaskID:        "task-1",
			ActionType:    "email.send",
			WorkerID:      "w1",
			Reversibility: Reversible,
			Outcome:       OutcomeSucceeded,
		})
		if err != nil {
			t.Fatalf("Append %d: %v", want, err)
		}
		if seq != want {
			t.Fatalf("seq = %d, want %d", seq, want)
		}
	}

	// A second task starts its own sequence.
	seq, err := l.Append(ctx, Step{
		TaskID:     "task-2",
		ActionType: "record.create",
		WorkerID:   "w1",
		Outcome:    OutcomeSucceeded,
	})
	if err != nil {
		t.Fatalf("Append task-2: %v", err)
	}
	if seq != 1 {
		t.Fatalf("task-2 seq = %d, want 1", seq)
	}

	steps, err := l.Steps(ctx, "task-1")
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 5 {
		t.Fatalf("len(steps) = %d, want 5", len(steps))
	}
	for i, s := range steps {
		if s.Seq != i+1 {
			t.Fatalf("steps[%d].Seq = %d, want gapless increasing", i, s.Seq)
		}
	}
}

func TestCompletedEffectsReverseOrder(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	outcomes := []Outcome{OutcomeSucceeded, OutcomeSucceeded, OutcomeFailed}
	for _, o := range outcomes {
		if _, err := l.Append(ctx, Step{
			TaskID:        "task-1",
			ActionType:    "record.create",
			WorkerID:      "w1",
			Reversibility: Reversible,
			Outcome:       o,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	effects, err := l.CompletedEffects(ctx, "task-1")
	if err != nil {
		t.Fatalf("CompletedEffects: %v", err)
	}
	if len(effects) != 2 {
		t.Fatalf("len(effects) = %d, want 2 (failed step excluded)", len(effects))
	}
	if effects[0].Seq != 2 || effects[1].Seq != 1 {
		t.Fatalf("effects out of reverse order: %d, %d", effects[0].Seq, effects[1].Seq)
	}
}

func TestMarkCompensatedExcludesStep(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	seq, err := l.Append(ctx, Step{
		TaskID:        "task-1",
		ActionType:    "record.create",
		WorkerID:      "w1",
		Reversibility: Reversible,
		Outcome:       OutcomeSucceeded,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := l.MarkCompensated(ctx, "task-1", seq); err != nil {
		t.Fatalf("MarkCompensated: %v", err)
	}

	effects, err := l.CompletedEffects(ctx, "task-1")
	if err != nil {
		t.Fatalf("CompletedEffects: %v", err)
	}
	if len(effects) != 0 {
		t.Fatalf("compensated step still pending: %#v", effects)
	}

	if err := l.MarkCompensated(ctx, "task-1", 99); err != ErrStepNotFound {
		t.Fatalf("expected ErrStepNotFound, got %v", err)
	}
}

func TestHasAndSucceededEffectCount(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	ctx := context.Background()

	ok, err := l.Has(ctx, "task-1", 1)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatal("Has = true on empty ledger")
	}

	if _, err := l.Append(ctx, Step{
		TaskID:     "task-1",
		ActionType: "email.send",
		WorkerID:   "w1",
		Outcome:    OutcomeSucceeded,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ok, err = l.Has(ctx, "task-1", 1)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if !ok {
		t.Fatal("Has = false after append")
	}

	n, err := l.SucceededEffectCount(ctx, "task-1")
	if err != nil {
		t.Fatalf("SucceededEffectCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("SucceededEffectCount = %d, want 1", n)
	}
}
