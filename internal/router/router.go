package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/task"
)

// ErrNoCapableWorker is the routing failure surfaced to the caller when no
// worker scores above the threshold and no fallback is configured. The task
// never reaches Executing.
var ErrNoCapableWorker = errors.New("no capable worker for task")

// ErrRerouteExhausted means a task already used its one automatic re-route.
var ErrRerouteExhausted = errors.New("re-route already attempted")

// Directory is the registry view the router depends on.
type Directory interface {
	Snapshot() []registry.WorkerInfo
	NoteDispatch(workerID string)
}

// Submission is an inbound task.
type Submission struct {
	ActorID  string
	Payload  json.RawMessage
	Requests []task.StepRequest
}

// Router selects workers for step requests by capability matching and
// announces routed tasks on the coordination bus. Routing is deterministic
// given a registry snapshot: score by matching tags, break ties by
// least-recently-used, then by lowest in-flight count, then by id. Workers
// at their concurrency limit are not candidates.
type Router struct {
	dir    Directory
	tasks  *task.Store
	bus    *bus.Bus
	hub    *events.Hub
	cfg    config.RouterConfig
	logger *slog.Logger
}

func New(dir Directory, tasks *task.Store, b *bus.Bus, hub *events.Hub, cfg config.RouterConfig) *Router {
	if cfg.MinScore <= 0 {
		cfg.MinScore = 1
	}
	return &Router{
		dir:    dir,
		tasks:  tasks,
		bus:    b,
		hub:    hub,
		cfg:    cfg,
		logger: log.WithComponent("router"),
	}
}

// Submit routes a task and persists it. Routing is resolved before the task
// is created so a routing failure leaves no half-born record behind.
func (r *Router) Submit(ctx context.Context, sub Submission) (string, error) {
	if len(sub.Requests) == 0 {
		return "", fmt.Errorf("at least one step request is required")
	}

	snapshot := r.dir.Snapshot()
	assignments, err := r.resolve(snapshot, sub.Requests, "")
	if err != nil {
		return "", err
	}

	id, err := r.tasks.Create(ctx, sub.ActorID, sub.Payload, sub.Requests)
	if err != nil {
		return "", err
	}
	if err := r.tasks.SetAssignments(ctx, id, assignments); err != nil {
		return "", err
	}
	if err := r.tasks.Transition(ctx, id, task.StateSubmitted, task.StateRouted); err != nil {
		return "", err
	}

	for _, w := range assignments {
		r.dir.NoteDispatch(w)
	}

	r.logger.Info("task routed", "task_id", id, "assignments", assignments)
	if r.hub != nil {
		r.hub.Publish(events.TypeTaskRouted, map[string]any{
			"task_id":     id,
			"actor_id":    sub.ActorID,
			"assignments": assignments,
		})
	}
	r.announce(id)
	return id, nil
}

// Reroute reassigns a task whose worker died. A task is re-routed at most
// once; the second failure is the caller's cue to fail the task.
func (r *Router) Reroute(ctx context.Context, taskID, deadWorkerID string) error {
	t, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}

	n, err := r.tasks.IncrementReroutes(ctx, taskID)
	if err != nil {
		return err
	}
	if n > 1 {
		return ErrRerouteExhausted
	}

	assignments, err := r.resolve(r.dir.Snapshot(), t.Requests, deadWorkerID)
	if err != nil {
		return err
	}
	if err := r.tasks.SetAssignments(ctx, taskID, assignments); err != nil {
		return err
	}
	for _, w := range assignments {
		r.dir.NoteDispatch(w)
	}

	r.logger.Info("task re-routed", "task_id", taskID, "dead_worker", deadWorkerID, "assignments", assignments)
	r.announce(taskID)
	return nil
}

// Cancel removes a task from the dispatch path. Only legal before any step
// has executed; later cancellation must go through the rollback coordinator.
func (r *Router) Cancel(ctx context.Context, taskID string) error {
	t, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.State.Cancellable() {
		return fmt.Errorf("task %s is %s and can no longer be cancelled directly", taskID, t.State)
	}
	return r.tasks.Transition(ctx, taskID, t.State, task.StateCancelled)
}

func (r *Router) announce(taskID string) {
	if r.bus != nil {
		r.bus.Publish(bus.DispatchChannel, bus.Message{
			TaskID:     taskID,
			ActionType: "task.dispatch",
		})
	}
}

// resolve picks one worker per step request from the snapshot. exclude names
// a dead worker that must not be chosen again.
func (r *Router) resolve(snapshot []registry.WorkerInfo, requests []task.StepRequest, exclude string) ([]string, error) {
	assignments := make([]string, len(requests))
	for i, req := range requests {
		chosen, ok := r.pick(snapshot, req.Tags(), exclude)
		if !ok {
			if r.cfg.DefaultWorker != "" && r.cfg.DefaultWorker != exclude &&
				hasCapacity(snapshot, r.cfg.DefaultWorker) {
				assignments[i] = r.cfg.DefaultWorker
				continue
			}
			return nil, fmt.Errorf("%w: step %d (%s)", ErrNoCapableWorker, i, req.ActionType)
		}
		assignments[i] = chosen
	}
	return assignments, nil
}

func (r *Router) pick(snapshot []registry.WorkerInfo, signals []string, exclude string) (string, bool) {
	best := ""
	bestScore := 0
	var bestInfo registry.WorkerInfo

	for _, w := range snapshot {
		if w.ID == exclude || w.Health == registry.HealthDead {
			continue
		}
		if saturated(w) {
			continue
		}
		score := matchScore(w.Tags, signals)
		if score < r.cfg.MinScore {
			continue
		}
		if best == "" || betterCandidate(score, w, bestScore, bestInfo) {
			best = w.ID
			bestScore = score
			bestInfo = w
		}
	}
	return best, best != ""
}

func matchScore(tags, signals []string) int {
	score := 0
	for _, sig := range signals {
		for _, tag := range tags {
			if tag == sig {
				score++
				break
			}
		}
	}
	return score
}

// betterCandidate orders candidates: higher score, then least-recently
// dispatched, then lower in-flight count, then id for determinism.
func betterCandidate(score int, w registry.WorkerInfo, bestScore int, best registry.WorkerInfo) bool {
	if score != bestScore {
		return score > bestScore
	}
	if !w.LastDispatch.Equal(best.LastDispatch) {
		return w.LastDispatch.Before(best.LastDispatch)
	}
	if w.InFlight != best.InFlight {
		return w.InFlight < best.InFlight
	}
	return w.ID < best.ID
}

// CapableWorkers reports which workers could serve each signal set. Used by
// the API's routing preview endpoint.
func (r *Router) CapableWorkers(signals []string) []string {
	var out []string
	for _, w := range r.dir.Snapshot() {
		if w.Health == registry.HealthDead {
			continue
		}
		if matchScore(w.Tags, signals) >= r.cfg.MinScore {
			out = append(out, w.ID)
		}
	}
	sort.Strings(out)
	return out
}

// saturated reports whether a worker has reached its declared concurrency
// limit. A limit of zero means unlimited.
func saturated(w registry.WorkerInfo) bool {
	return w.Concurrency > 0 && w.InFlight >= w.Concurrency
}

// hasCapacity reports whether id is alive and below its concurrency limit.
func hasCapacity(snapshot []registry.WorkerInfo, id string) bool {
	for _, w := range snapshot {
		if w.ID == id {
			return w.Health != registry.HealthDead && !saturated(w)
		}
	}
	return false
}
