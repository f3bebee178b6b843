package rollback

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/internal/task"
	"github.com/wardenhq/warden/internal/worker"
)

type mapFleet map[string]worker.Worker

func (f mapFleet) Get(id string) (worker.Worker, bool) {
	w, ok := f[id]
	return w, ok
}

type fixture struct {
	ledger    *ledger.Ledger
	tasks     *task.Store
	approvals *approval.Store
	fleet     mapFleet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &fixture{
		ledger:    ledger.New(db),
		tasks:     task.NewStore(db),
		approvals: approval.NewStore(db),
		fleet:     mapFleet{},
	}
}

func (f *fixture) coordinator(t *testing.T, cfg config.RollbackConfig) *Coordinator {
	t.Helper()
	return New(f.ledger, f.tasks, f.fleet, f.approvals, nil, notify.FuncNotifier(
		func(ctx context.Context, actorID, message string) error { return nil },
	), nil, cfg, time.Hour)
}

// newFailedTask creates a task in Failed state with the given succeeded
// effect steps already ledgered.
func (f *fixture) newFailedTask(t *testing.T, effects []ledger.Step) string {
	t.Helper()
	ctx := context.Background()

	id, err := f.tasks.Create(ctx, "agent-1", nil, []task.StepRequest{{ActionType: "multi.step"}})
	require.NoError(t, err)
	require.NoError(t, f.tasks.Transition(ctx, id, task.StateSubmitted, task.StateRouted))
	require.NoError(t, f.tasks.Transition(ctx, id, task.StateRouted, task.StateExecuting))

	for _, s := range effects {
		s.TaskID = id
		s.Kind = ledger.KindEffect
		s.Outcome = ledger.OutcomeSucceeded
		_, err := f.ledger.Append(ctx, s)
		require.NoError(t, err)
	}

	require.NoError(t, f.tasks.Transition(ctx, id, task.StateExecuting, task.StateFailed))
	return id
}

func TestRollbackCompensatesInReverseOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var compensated []int
	f.fleet["w1"] = &worker.Func{
		WorkerID: "w1",
		CompensateFn: func(ctx context.Context, step ledger.Step) worker.Outcome {
			mu.Lock()
			compensated = append(compensated, step.Seq)
			mu.Unlock()
			return worker.Outcome{Status: ledger.OutcomeSucceeded}
		},
	}

	// Steps 1 and 2 succeeded before step 3 failed.
	id := f.newFailedTask(t, []ledger.Step{
		{ActionType: "email.send", WorkerID: "w1", Reversibility: ledger.Reversible},
		{ActionType: "calendar.book", WorkerID: "w1", Reversibility: ledger.Reversible},
	})

	c := f.coordinator(t, config.RollbackConfig{})
	require.NoError(t, c.Run(ctx, id))

	mu.Lock()
	assert.Equal(t, []int{2, 1}, compensated, "undo runs newest effect first")
	mu.Unlock()

	got, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateRolledBack, got.State)

	// Each undone effect has a ledgered compensation pointing back at it.
	steps, err := f.ledger.Steps(ctx, id)
	require.NoError(t, err)
	var comps []ledger.Step
	for _, s := range steps {
		if s.Kind == ledger.KindCompensation {
			comps = append(comps, s)
		}
	}
	require.Len(t, comps, 2)
	require.NotNil(t, comps[0].CompensatesSeq)
	assert.Equal(t, 2, *comps[0].CompensatesSeq)
	require.NotNil(t, comps[1].CompensatesSeq)
	assert.Equal(t, 1, *comps[1].CompensatesSeq)
}

func TestRollbackUsesRecoveryForRecoverableSteps(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	var recovered, compensated int
	f.fleet["w1"] = &worker.Func{
		WorkerID: "w1",
		CompensateFn: func(ctx context.Context, step ledger.Step) worker.Outcome {
			compensated++
			return worker.Outcome{Status: ledger.OutcomeSucceeded}
		},
		RecoverFn: func(ctx context.Context, step ledger.Step) worker.Outcome {
			recovered++
			return worker.Outcome{Status: ledger.OutcomeSucceeded}
		},
	}

	id := f.newFailedTask(t, []ledger.Step{
		{ActionType: "email.send", WorkerID: "w1", Reversibility: ledger.Reversible},
		{ActionType: "vm.create", WorkerID: "w1", Reversibility: ledger.Recoverable},
	})

	c := f.coordinator(t, config.RollbackConfig{})
	require.NoError(t, c.Run(ctx, id))

	assert.Equal(t, 1, compensated)
	assert.Equal(t, 1, recovered)

	got, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateRolledBack, got.State)
}

func TestRollbackEscalatesIrreversibleSteps(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.fleet["w1"] = &worker.Func{WorkerID: "w1"}

	var notified string
	c := New(f.ledger, f.tasks, f.fleet, f.approvals, nil, notify.FuncNotifier(
		func(ctx context.Context, actorID, message string) error {
			notified = message
			return nil
		},
	), nil, config.RollbackConfig{}, time.Hour)

	id := f.newFailedTask(t, []ledger.Step{
		{ActionType: "email.send", WorkerID: "w1", Reversibility: ledger.Reversible},
		{ActionType: "payment.charge", WorkerID: "w1", Reversibility: ledger.Irreversible},
	})

	require.NoError(t, c.Run(ctx, id))

	got, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateRolledBackPartial, got.State)
	assert.Contains(t, notified, "manual rollback required")

	// A critical approval request names the unresolved effect.
	pending, err := f.approvals.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, approval.Critical, pending[0].Risk)
	assert.Equal(t, "rollback.manual", pending[0].ActionType)
	assert.Contains(t, pending[0].Descriptor, "step(s) 2")

	// The reversible step was still undone.
	effects, err := f.ledger.CompletedEffects(ctx, id)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, "payment.charge", effects[0].ActionType)
}

func TestRollbackEscalatesOnCompensationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.fleet["w1"] = &worker.Func{
		WorkerID: "w1",
		CompensateFn: func(ctx context.Context, step ledger.Step) worker.Outcome {
			return worker.Outcome{Status: ledger.OutcomeFailed, Detail: "inverse rejected upstream"}
		},
	}

	id := f.newFailedTask(t, []ledger.Step{
		{ActionType: "email.send", WorkerID: "w1", Reversibility: ledger.Reversible},
	})

	c := f.coordinator(t, config.RollbackConfig{})
	require.NoError(t, c.Run(ctx, id))

	got, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateRolledBackPartial, got.State)

	// The failed attempt is still on the record.
	steps, err := f.ledger.Steps(ctx, id)
	require.NoError(t, err)
	var failed int
	for _, s := range steps {
		if s.Kind == ledger.KindCompensation && s.Outcome == ledger.OutcomeFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRollbackEscalatesWhenWorkerUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	id := f.newFailedTask(t, []ledger.Step{
		{ActionType: "email.send", WorkerID: "ghost", Reversibility: ledger.Reversible},
	})

	c := f.coordinator(t, config.RollbackConfig{})
	require.NoError(t, c.Run(ctx, id))

	got, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateRolledBackPartial, got.State)
}

func TestRollbackIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	var calls int
	f.fleet["w1"] = &worker.Func{
		WorkerID: "w1",
		CompensateFn: func(ctx context.Context, step ledger.Step) worker.Outcome {
			calls++
			return worker.Outcome{Status: ledger.OutcomeSucceeded}
		},
	}

	id := f.newFailedTask(t, []ledger.Step{
		{ActionType: "email.send", WorkerID: "w1", Reversibility: ledger.Reversible},
	})

	c := f.coordinator(t, config.RollbackConfig{})
	require.NoError(t, c.Run(ctx, id))
	require.NoError(t, c.Run(ctx, id))

	assert.Equal(t, 1, calls, "compensated effects are not undone again")

	got, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateRolledBack, got.State)
}

func TestRollbackResumesFromRollingBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	f.fleet["w1"] = &worker.Func{WorkerID: "w1"}

	id := f.newFailedTask(t, []ledger.Step{
		{ActionType: "email.send", WorkerID: "w1", Reversibility: ledger.Reversible},
	})
	// Simulate a crash after entering rollback but before any undo ran.
	require.NoError(t, f.tasks.Transition(ctx, id, task.StateFailed, task.StateRollingBack))

	c := f.coordinator(t, config.RollbackConfig{})
	require.NoError(t, c.Run(ctx, id))

	got, err := f.tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateRolledBack, got.State)
}
