// Package dispatch executes routed tasks step by step. Every step passes the
// approval gate and the budget manager before it runs, and every attempt is
// ledgered before the task advances. On failure the dispatcher hands the
// task to the rollback coordinator; it never leaves effects unaccounted for.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/rollback"
	"github.com/wardenhq/warden/internal/router"
	"github.com/wardenhq/warden/internal/task"
)

// Archiver receives finished records for long-term storage. Optional.
type Archiver interface {
	ArchiveTask(ctx context.Context, t *task.Task, steps []ledger.Step) error
	ArchiveApproval(ctx context.Context, req *approval.Request) error
}

// Dispatcher consumes routed tasks from the coordination bus and drives them
// to a terminal state.
type Dispatcher struct {
	bus       *bus.Bus
	tasks     *task.Store
	ledger    *ledger.Ledger
	registry  *registry.Registry
	gate      *approval.Gate
	approvals *approval.Store
	budgets   *budget.Manager
	rollback  *rollback.Coordinator
	router    *router.Router
	notifier  notify.Notifier
	hub       *events.Hub
	archiver  Archiver
	cfg       config.DispatchConfig
	expiry    time.Duration
	grace     time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]bool // task ids currently being driven

	cancels []func()
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type Deps struct {
	Bus       *bus.Bus
	Tasks     *task.Store
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Gate      *approval.Gate
	Approvals *approval.Store
	Budgets   *budget.Manager
	Rollback  *rollback.Coordinator
	Router    *router.Router
	Notifier  notify.Notifier
	Hub       *events.Hub
	Archiver  Archiver
}

func New(deps Deps, cfg config.DispatchConfig, approvalExpiry, rerouteGrace time.Duration) *Dispatcher {
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 120 * time.Second
	}
	if approvalExpiry <= 0 {
		approvalExpiry = 30 * time.Minute
	}
	return &Dispatcher{
		bus:       deps.Bus,
		tasks:     deps.Tasks,
		ledger:    deps.Ledger,
		registry:  deps.Registry,
		gate:      deps.Gate,
		approvals: deps.Approvals,
		budgets:   deps.Budgets,
		rollback:  deps.Rollback,
		router:    deps.Router,
		notifier:  deps.Notifier,
		hub:       deps.Hub,
		archiver:  deps.Archiver,
		cfg:       cfg,
		expiry:    approvalExpiry,
		grace:     rerouteGrace,
		logger:    log.WithComponent("dispatch"),
		running:   make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to the coordination bus, recovers interrupted tasks from
// persisted state and launches the approval expiry sweeper.
func (d *Dispatcher) Start(ctx context.Context) error {
	c1 := d.bus.Subscribe(ctx, bus.DispatchChannel, func(ctx context.Context, msg bus.Message) error {
		d.spawn(ctx, msg.TaskID)
		return nil
	})
	c2 := d.bus.Subscribe(ctx, bus.RegistryChannel, func(ctx context.Context, msg bus.Message) error {
		if msg.ActionType == "worker.dead" {
			return d.onWorkerDead(ctx, msg.Payload)
		}
		return nil
	})
	d.cancels = append(d.cancels, c1, c2)

	if err := d.recover(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}

	d.wg.Add(1)
	go d.sweepLoop(ctx)
	return nil
}

// Stop halts the sweeper and detaches from the bus.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	for _, cancel := range d.cancels {
		cancel()
	}
	d.wg.Wait()
}

// spawn drives a task on its own goroutine, once. A task already being
// driven ignores duplicate dispatch messages (the bus is at-least-once).
func (d *Dispatcher) spawn(ctx context.Context, taskID string) {
	d.mu.Lock()
	if d.running[taskID] {
		d.mu.Unlock()
		return
	}
	d.running[taskID] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.running, taskID)
			d.mu.Unlock()
		}()
		if err := d.runTask(ctx, taskID); err != nil {
			d.logger.Error("task run failed", "task_id", taskID, "error", err)
		}
	}()
}

// runTask executes pending step requests from the first one without a
// succeeded effect. The resume point comes from the ledger, so a redelivered
// dispatch message or a restart never re-executes a completed step.
func (d *Dispatcher) runTask(ctx context.Context, taskID string) error {
	t, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}

	switch t.State {
	case task.StateRouted:
		if err := d.tasks.Transition(ctx, taskID, task.StateRouted, task.StateExecuting); err != nil {
			return err
		}
		d.publishState(t, task.StateExecuting)
	case task.StateExecuting, task.StateAwaitingApproval:
		// Resuming.
	default:
		return nil
	}

	start, err := d.ledger.SucceededEffectCount(ctx, taskID)
	if err != nil {
		return err
	}

	for i := start; i < len(t.Requests); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := d.runStep(ctx, t, i)
		if err != nil {
			return err
		}
		if !next {
			return nil // suspended: approval pending or budget backoff
		}
	}

	return d.complete(ctx, t)
}

// runStep executes one step request. It returns next=false when the task
// was suspended and the loop must stop without failing the task.
func (d *Dispatcher) runStep(ctx context.Context, t *task.Task, i int) (next bool, err error) {
	req := t.Requests[i]
	workerID := ""
	if i < len(t.Assignments) {
		workerID = t.Assignments[i]
	}

	// Approval gate first: a critical step never reaches the budget or the
	// worker without an explicit approval on the books.
	risk := d.gate.Classify(req.ActionType)
	if risk == approval.Critical {
		proceed, err := d.checkApproval(ctx, t, i, req)
		if err != nil || !proceed {
			return false, err
		}
	}

	res, err := d.budgets.Reserve(t.ActorID, req.ActionType, req.Cost)
	if err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			return false, d.backoff(t, exceeded.RetryAfter)
		}
		return false, d.fail(ctx, t, i, req, workerID, fmt.Sprintf("budget: %v", err))
	}

	w, ok := d.registry.Get(workerID)
	if !ok {
		d.release(res)
		return false, d.fail(ctx, t, i, req, workerID, "assigned worker unavailable")
	}

	stepCtx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	out := w.Execute(stepCtx, ledger.Step{
		TaskID:     t.ID,
		ActionType: req.ActionType,
		WorkerID:   workerID,
		Cost:       req.Cost,
		Payload:    req.Payload,
	})
	cancel()

	reversibility := out.Reversibility
	if reversibility == "" {
		reversibility = ledger.Irreversible
	}
	seq, err := d.ledger.Append(ctx, ledger.Step{
		TaskID:        t.ID,
		Kind:          ledger.KindEffect,
		ActionType:    req.ActionType,
		WorkerID:      workerID,
		Cost:          req.Cost,
		Reversibility: reversibility,
		Payload:       req.Payload,
		Outcome:       out.Status,
		Detail:        out.Detail,
	})
	if err != nil {
		d.release(res)
		return false, err
	}

	d.registry.NoteDone(workerID)

	if out.Status != ledger.OutcomeSucceeded {
		// The action was attempted; tokens are spent whether or not it
		// succeeded. Only reserves that never reached a worker refund.
		d.commit(res)
		detail := out.Detail
		if detail == "" {
			detail = "step failed"
		}
		return false, d.failRecorded(ctx, t, detail)
	}

	d.commit(res)

	d.bus.Publish(bus.TaskChannel(t.ID), bus.Message{
		TaskID:     t.ID,
		Seq:        seq,
		ActionType: "step.completed",
		Payload:    req.Payload,
	})
	if d.hub != nil {
		d.hub.Publish(events.TypeStepCompleted, map[string]any{
			"task_id": t.ID,
			"seq":     seq,
			"action":  req.ActionType,
			"worker":  workerID,
		})
	}

	// Sensitive actions proceed without blocking but the actor hears about
	// them immediately.
	if risk == approval.Sensitive {
		_ = d.notifier.Notify(ctx, t.ActorID,
			fmt.Sprintf("task %s executed sensitive action %s (step %d)", t.ID, req.ActionType, seq))
	}
	return true, nil
}

// checkApproval resolves the gate for one critical step. proceed is true
// only with an explicit approval on record.
func (d *Dispatcher) checkApproval(ctx context.Context, t *task.Task, i int, req task.StepRequest) (proceed bool, err error) {
	hash := approval.ActionHash(t.ID, i, req.ActionType, req.Payload)

	decision, err := d.approvals.DecisionFor(ctx, t.ID, hash)
	if errors.Is(err, approval.ErrRequestNotFound) {
		return false, d.suspendForApproval(ctx, t, i, req, hash)
	}
	if err != nil {
		return false, err
	}

	switch decision.Decision {
	case approval.Approved:
		if t.State == task.StateAwaitingApproval {
			if err := d.tasks.Transition(ctx, t.ID, task.StateAwaitingApproval, task.StateExecuting); err != nil {
				return false, err
			}
			t.State = task.StateExecuting
			d.publishState(t, task.StateExecuting)
		}
		return true, nil
	case approval.Pending:
		return false, nil
	default:
		// Denied or expired: the step never runs and the task unwinds.
		_ = d.notifier.Notify(ctx, t.ActorID,
			fmt.Sprintf("task %s: approval %s for %s, rolling back", t.ID, decision.Decision, req.ActionType))
		return false, d.rollback.Run(ctx, t.ID)
	}
}

func (d *Dispatcher) suspendForApproval(ctx context.Context, t *task.Task, i int, req task.StepRequest, hash string) error {
	descriptor := fmt.Sprintf("step %d: %s", i, req.ActionType)
	if len(req.Payload) > 0 {
		descriptor = fmt.Sprintf("%s %s", descriptor, compactJSON(req.Payload))
	}

	apReq, err := d.approvals.Create(ctx, t.ID, i, req.ActionType, hash, approval.Critical, descriptor, d.expiry)
	if err != nil {
		return err
	}
	if t.State != task.StateAwaitingApproval {
		if err := d.tasks.Transition(ctx, t.ID, t.State, task.StateAwaitingApproval); err != nil {
			return err
		}
		t.State = task.StateAwaitingApproval
		d.publishState(t, task.StateAwaitingApproval)
	}

	if d.hub != nil {
		d.hub.Publish(events.TypeApprovalCreated, map[string]any{
			"request_id": apReq.ID,
			"task_id":    t.ID,
			"action":     req.ActionType,
			"expires_at": apReq.ExpiresAt,
		})
	}
	_ = d.notifier.Notify(ctx, t.ActorID,
		fmt.Sprintf("task %s paused: %s requires approval (request %s, expires %s)",
			t.ID, req.ActionType, apReq.ID, apReq.ExpiresAt.Format(time.RFC3339)))

	d.logger.Info("task awaiting approval",
		"task_id", t.ID, "request_id", apReq.ID, "action", req.ActionType)
	return nil
}

// ResolveApproval records an operator decision and resumes or unwinds the
// task it belongs to.
func (d *Dispatcher) ResolveApproval(ctx context.Context, requestID string, decision approval.Decision, decidedBy string) (*approval.Request, error) {
	req, err := d.approvals.Decide(ctx, requestID, decision, decidedBy)
	if err != nil {
		return nil, err
	}

	if d.hub != nil {
		d.hub.Publish(events.TypeApprovalDecided, map[string]any{
			"request_id": req.ID,
			"task_id":    req.TaskID,
			"decision":   req.Decision,
			"decided_by": decidedBy,
		})
	}
	d.archiveApproval(ctx, req)

	// Escalation records from partial rollbacks track manual cleanup; there
	// is no task left to resume.
	if req.ActionType == "rollback.manual" {
		return req, nil
	}

	t, err := d.tasks.Get(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.State != task.StateAwaitingApproval {
		return req, nil
	}

	if decision == approval.Approved {
		// Resume over the bus so the run inherits the dispatcher's lifetime
		// rather than the caller's request context.
		d.bus.Publish(bus.DispatchChannel, bus.Message{TaskID: req.TaskID, ActionType: "task.dispatch"})
		return req, nil
	}
	if err := d.rollback.Run(ctx, req.TaskID); err != nil {
		return nil, err
	}
	return req, nil
}

// backoff re-dispatches the task once enough budget tokens have accrued.
// The task stays in its current state; no effect was recorded.
func (d *Dispatcher) backoff(t *task.Task, retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	d.logger.Info("budget exhausted, deferring task",
		"task_id", t.ID, "actor", t.ActorID, "retry_after", retryAfter)

	taskID := t.ID
	time.AfterFunc(retryAfter, func() {
		select {
		case <-d.stopCh:
		default:
			d.bus.Publish(bus.DispatchChannel, bus.Message{TaskID: taskID, ActionType: "task.dispatch"})
		}
	})
	return nil
}

// fail ledgers a failed effect attempt for the step and unwinds the task.
func (d *Dispatcher) fail(ctx context.Context, t *task.Task, i int, req task.StepRequest, workerID, detail string) error {
	_, err := d.ledger.Append(ctx, ledger.Step{
		TaskID:        t.ID,
		Kind:          ledger.KindEffect,
		ActionType:    req.ActionType,
		WorkerID:      workerID,
		Cost:          req.Cost,
		Reversibility: ledger.Irreversible,
		Payload:       req.Payload,
		Outcome:       ledger.OutcomeFailed,
		Detail:        detail,
	})
	if err != nil {
		return err
	}
	return d.failRecorded(ctx, t, detail)
}

// failRecorded moves an executing task to Failed and starts rollback. The
// failed attempt is already on the ledger.
func (d *Dispatcher) failRecorded(ctx context.Context, t *task.Task, detail string) error {
	if err := d.tasks.Transition(ctx, t.ID, task.StateExecuting, task.StateFailed); err != nil {
		return err
	}
	d.publishState(t, task.StateFailed)
	_ = d.tasks.SetSummary(ctx, t.ID, "failed: "+detail)
	_ = d.notifier.Notify(ctx, t.ActorID, fmt.Sprintf("task %s failed: %s", t.ID, detail))
	return d.rollback.Run(ctx, t.ID)
}

func (d *Dispatcher) complete(ctx context.Context, t *task.Task) error {
	if err := d.tasks.Transition(ctx, t.ID, task.StateExecuting, task.StateCompleted); err != nil {
		return err
	}
	d.publishState(t, task.StateCompleted)

	summary := fmt.Sprintf("completed: %d step(s)", len(t.Requests))
	_ = d.tasks.SetSummary(ctx, t.ID, summary)
	_ = d.notifier.Notify(ctx, t.ActorID, fmt.Sprintf("task %s %s", t.ID, summary))
	d.logger.Info("task completed", "task_id", t.ID, "steps", len(t.Requests))

	d.archiveTask(ctx, t.ID)
	return nil
}

// onWorkerDead reacts to a worker death. With a grace period configured the
// re-route is deferred so a worker that comes back keeps its assignments.
func (d *Dispatcher) onWorkerDead(ctx context.Context, payload json.RawMessage) error {
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.WorkerID == "" {
		return nil // malformed health event; nothing to act on
	}

	if d.grace <= 0 {
		return d.rerouteFrom(ctx, body.WorkerID)
	}

	d.logger.Info("worker dead, waiting out re-route grace",
		"worker_id", body.WorkerID, "grace", d.grace)
	workerID := body.WorkerID
	time.AfterFunc(d.grace, func() {
		select {
		case <-d.stopCh:
			return
		default:
		}
		if d.workerAlive(workerID) {
			d.logger.Info("worker back within grace, keeping assignments", "worker_id", workerID)
			return
		}
		// The timer outlives the triggering bus delivery, so the deferred
		// pass runs on the dispatcher's own lifetime.
		if err := d.rerouteFrom(context.Background(), workerID); err != nil {
			d.logger.Error("deferred re-route failed", "worker_id", workerID, "error", err)
		}
	})
	return nil
}

func (d *Dispatcher) workerAlive(workerID string) bool {
	for _, w := range d.registry.Snapshot() {
		if w.ID == workerID {
			return w.Health != registry.HealthDead
		}
	}
	return false
}

// rerouteFrom re-routes every non-terminal task assigned to a dead worker.
// A task that already burned its one re-route fails and unwinds.
func (d *Dispatcher) rerouteFrom(ctx context.Context, workerID string) error {
	affected, err := d.tasks.ListAssignedTo(ctx, workerID)
	if err != nil {
		return err
	}

	for _, t := range affected {
		if t.State == task.StateAwaitingApproval {
			// Suspended on a human; re-routing happens when it resumes.
			continue
		}
		err := d.router.Reroute(ctx, t.ID, workerID)
		switch {
		case err == nil:
			d.logger.Info("task re-routed after worker death",
				"task_id", t.ID, "dead_worker", workerID)
		case errors.Is(err, router.ErrRerouteExhausted),
			errors.Is(err, router.ErrNoCapableWorker):
			d.logger.Warn("no re-route available, failing task",
				"task_id", t.ID, "dead_worker", workerID, "error", err)
			if failErr := d.failStranded(ctx, t, workerID); failErr != nil {
				return failErr
			}
		default:
			return err
		}
	}
	return nil
}

// failStranded unwinds a task whose worker died with no replacement.
func (d *Dispatcher) failStranded(ctx context.Context, t *task.Task, deadWorkerID string) error {
	if t.State == task.StateRouted {
		if err := d.tasks.Transition(ctx, t.ID, task.StateRouted, task.StateExecuting); err != nil {
			return err
		}
		t.State = task.StateExecuting
	}
	return d.failRecorded(ctx, t, fmt.Sprintf("worker %s died, no replacement", deadWorkerID))
}

// recover re-derives in-flight work from persisted state after a restart.
func (d *Dispatcher) recover(ctx context.Context) error {
	for _, state := range []task.State{task.StateRouted, task.StateExecuting} {
		pending, err := d.tasks.ListByState(ctx, state)
		if err != nil {
			return err
		}
		for _, t := range pending {
			d.logger.Info("recovering task", "task_id", t.ID, "state", state)
			d.bus.Publish(bus.DispatchChannel, bus.Message{TaskID: t.ID, ActionType: "task.dispatch"})
		}
	}

	interrupted, err := d.tasks.ListByState(ctx, task.StateRollingBack)
	if err != nil {
		return err
	}
	for _, t := range interrupted {
		d.logger.Info("resuming interrupted rollback", "task_id", t.ID)
		if err := d.rollback.Run(ctx, t.ID); err != nil {
			d.logger.Error("rollback resume failed", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

// sweepLoop expires overdue approval requests. Expiry means Deny: the
// suspended task unwinds.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()

	interval := d.expiry / 10
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.SweepExpired(ctx)
		}
	}
}

// SweepExpired runs one expiry pass immediately. Exposed for tests.
func (d *Dispatcher) SweepExpired(ctx context.Context) {
	expired, err := d.approvals.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		d.logger.Error("approval expiry sweep failed", "error", err)
		return
	}

	for _, req := range expired {
		d.logger.Warn("approval request expired",
			"request_id", req.ID, "task_id", req.TaskID, "action", req.ActionType)
		if d.hub != nil {
			d.hub.Publish(events.TypeApprovalDecided, map[string]any{
				"request_id": req.ID,
				"task_id":    req.TaskID,
				"decision":   approval.Expired,
			})
		}
		d.archiveApproval(ctx, req)

		if req.ActionType == "rollback.manual" {
			continue
		}
		t, err := d.tasks.Get(ctx, req.TaskID)
		if err != nil || t.State != task.StateAwaitingApproval {
			continue
		}
		_ = d.notifier.Notify(ctx, t.ActorID,
			fmt.Sprintf("task %s: approval for %s expired, rolling back", t.ID, req.ActionType))
		if err := d.rollback.Run(ctx, req.TaskID); err != nil {
			d.logger.Error("rollback after expiry failed", "task_id", req.TaskID, "error", err)
		}
	}
}

func (d *Dispatcher) publishState(t *task.Task, to task.State) {
	if d.hub != nil {
		d.hub.Publish(events.TypeTaskStateChanged, map[string]any{
			"task_id": t.ID,
			"state":   to,
		})
	}
}

func (d *Dispatcher) archiveTask(ctx context.Context, taskID string) {
	if d.archiver == nil {
		return
	}
	t, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return
	}
	steps, err := d.ledger.Steps(ctx, taskID)
	if err != nil {
		return
	}
	if err := d.archiver.ArchiveTask(ctx, t, steps); err != nil {
		d.logger.Warn("task archive failed", "task_id", taskID, "error", err)
	}
}

func (d *Dispatcher) archiveApproval(ctx context.Context, req *approval.Request) {
	if d.archiver == nil {
		return
	}
	if err := d.archiver.ArchiveApproval(ctx, req); err != nil {
		d.logger.Warn("approval archive failed", "request_id", req.ID, "error", err)
	}
}

func (d *Dispatcher) release(res *budget.Reservation) {
	if res.Metered() {
		d.budgets.Release(res.ID)
	}
}

func (d *Dispatcher) commit(res *budget.Reservation) {
	if res.Metered() {
		d.budgets.Commit(res.ID)
	}
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	if len(b) > 120 {
		return string(b[:117]) + "..."
	}
	return string(b)
}
