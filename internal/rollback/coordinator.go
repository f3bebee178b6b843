// Package rollback walks a task's completed effects backwards and undoes
// them. Undo is three-tiered: reversible effects are compensated by the
// worker that produced them, recoverable effects go through the worker's
// recovery hook, and anything irreversible is escalated to a human instead
// of being touched again.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/task"
	"github.com/wardenhq/warden/internal/worker"
)

// Fleet resolves worker ids to implementations.
type Fleet interface {
	Get(workerID string) (worker.Worker, bool)
}

// Coordinator drives rollback for one task at a time. Running it twice for
// the same task is safe: already-compensated effects are skipped and the
// terminal state transition is idempotent.
type Coordinator struct {
	ledger    *ledger.Ledger
	tasks     *task.Store
	fleet     Fleet
	approvals *approval.Store
	budgets   *budget.Manager
	notifier  notify.Notifier
	hub       *events.Hub
	cfg       config.RollbackConfig
	expiry    time.Duration
	logger    *slog.Logger
}

func New(
	l *ledger.Ledger,
	tasks *task.Store,
	fleet Fleet,
	approvals *approval.Store,
	budgets *budget.Manager,
	notifier notify.Notifier,
	hub *events.Hub,
	cfg config.RollbackConfig,
	approvalExpiry time.Duration,
) *Coordinator {
	if notifier == nil {
		notifier = notify.NewLogNotifier()
	}
	if approvalExpiry <= 0 {
		approvalExpiry = 30 * time.Minute
	}
	return &Coordinator{
		ledger:    l,
		tasks:     tasks,
		fleet:     fleet,
		approvals: approvals,
		budgets:   budgets,
		notifier:  notifier,
		hub:       hub,
		cfg:       cfg,
		expiry:    approvalExpiry,
		logger:    log.WithComponent("rollback"),
	}
}

// Run rolls back every completed effect of a task, newest first, and lands
// the task in RolledBack or RolledBackPartial.
func (c *Coordinator) Run(ctx context.Context, taskID string) error {
	t, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	switch t.State {
	case task.StateRolledBack, task.StateRolledBackPartial:
		// Already landed; nothing left to undo.
		return nil
	case task.StateRollingBack:
		// Resuming after a crash mid-rollback.
	default:
		if err := c.tasks.Transition(ctx, taskID, t.State, task.StateRollingBack); err != nil {
			return fmt.Errorf("enter rollback: %w", err)
		}
	}

	c.logger.Info("rollback started", "task_id", taskID, "from_state", t.State)
	if c.hub != nil {
		c.hub.Publish(events.TypeRollbackStarted, map[string]any{
			"task_id":    taskID,
			"from_state": t.State,
		})
	}

	effects, err := c.ledger.CompletedEffects(ctx, taskID)
	if err != nil {
		return err
	}

	var unresolved []int
	for _, effect := range effects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok, reason := c.undo(ctx, t, effect); !ok {
			c.logger.Warn("effect not undone",
				"task_id", taskID, "seq", effect.Seq,
				"action", effect.ActionType, "reason", reason)
			unresolved = append(unresolved, effect.Seq)
		}
	}

	if len(unresolved) == 0 {
		if err := c.tasks.Transition(ctx, taskID, task.StateRollingBack, task.StateRolledBack); err != nil {
			return err
		}
		summary := fmt.Sprintf("rolled back: %d effect(s) undone", len(effects))
		_ = c.tasks.SetSummary(ctx, taskID, summary)
		_ = c.notifier.Notify(ctx, t.ActorID, fmt.Sprintf("task %s %s", taskID, summary))
		c.logger.Info("rollback complete", "task_id", taskID, "undone", len(effects))
		return nil
	}

	return c.escalate(ctx, t, unresolved)
}

// undo attempts one effect. The attempt itself is ledgered as a compensation
// step before the original effect is marked compensated, so a crash between
// the two re-runs the (idempotent) compensation rather than losing it.
func (c *Coordinator) undo(ctx context.Context, t *task.Task, effect ledger.Step) (bool, string) {
	if effect.Reversibility == ledger.Irreversible {
		return false, "irreversible"
	}

	w, ok := c.fleet.Get(effect.WorkerID)
	if !ok {
		return false, "worker unavailable"
	}

	res, err := c.reserveCompensation(t.ActorID, effect)
	if err != nil {
		return false, err.Error()
	}

	var out worker.Outcome
	switch effect.Reversibility {
	case ledger.Reversible:
		out = w.Compensate(ctx, effect)
	case ledger.Recoverable:
		out = w.Recover(ctx, effect)
	default:
		c.release(res)
		return false, fmt.Sprintf("unknown reversibility %q", effect.Reversibility)
	}

	seq := effect.Seq
	comp := ledger.Step{
		TaskID:         t.ID,
		Kind:           ledger.KindCompensation,
		ActionType:     effect.ActionType,
		WorkerID:       effect.WorkerID,
		Cost:           compensationCost(c.cfg, effect),
		Reversibility:  ledger.Irreversible,
		Payload:        effect.Payload,
		Outcome:        out.Status,
		Detail:         out.Detail,
		CompensatesSeq: &seq,
	}
	if _, err := c.ledger.Append(ctx, comp); err != nil {
		c.release(res)
		return false, fmt.Sprintf("record compensation: %v", err)
	}

	if out.Status != ledger.OutcomeSucceeded || out.Irreversible {
		c.release(res)
		reason := out.Detail
		if reason == "" {
			reason = "compensation failed"
		}
		return false, reason
	}

	c.commit(res)
	if err := c.ledger.MarkCompensated(ctx, t.ID, effect.Seq); err != nil {
		return false, fmt.Sprintf("mark compensated: %v", err)
	}
	return true, ""
}

// escalate lands the task in RolledBackPartial and opens a critical approval
// request naming the effects a human must resolve.
func (c *Coordinator) escalate(ctx context.Context, t *task.Task, unresolved []int) error {
	sort.Ints(unresolved)

	if err := c.tasks.Transition(ctx, t.ID, task.StateRollingBack, task.StateRolledBackPartial); err != nil {
		return err
	}

	seqs := make([]string, len(unresolved))
	for i, s := range unresolved {
		seqs[i] = fmt.Sprintf("%d", s)
	}
	descriptor := fmt.Sprintf("manual rollback required for task %s, unresolved step(s) %s",
		t.ID, strings.Join(seqs, ", "))

	hash := approval.ActionHash(t.ID, -1, "rollback.manual", []byte(strings.Join(seqs, ",")))
	if c.approvals != nil {
		if _, err := c.approvals.Create(ctx, t.ID, -1, "rollback.manual", hash,
			approval.Critical, descriptor, c.expiry); err != nil && !isDuplicate(err) {
			return fmt.Errorf("open escalation: %w", err)
		}
	}

	_ = c.tasks.SetSummary(ctx, t.ID, descriptor)
	_ = c.notifier.Notify(ctx, t.ActorID, descriptor)

	c.logger.Warn("rollback escalated", "task_id", t.ID, "unresolved", unresolved)
	return nil
}

func (c *Coordinator) reserveCompensation(actorID string, effect ledger.Step) (*budget.Reservation, error) {
	if c.budgets == nil || !c.cfg.MeterCompensations {
		return nil, nil
	}
	res, err := c.budgets.Reserve(actorID, effect.ActionType, effect.Cost)
	if err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			// Compensations restore safety; budget pressure must not leave
			// effects standing. Proceed unmetered.
			return nil, nil
		}
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) release(res *budget.Reservation) {
	if res.Metered() {
		c.budgets.Release(res.ID)
	}
}

func (c *Coordinator) commit(res *budget.Reservation) {
	if res.Metered() {
		c.budgets.Commit(res.ID)
	}
}

func compensationCost(cfg config.RollbackConfig, effect ledger.Step) float64 {
	if cfg.MeterCompensations {
		return effect.Cost
	}
	return 0
}

func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
