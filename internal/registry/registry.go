package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/worker"
)

var ErrUnknownWorker = errors.New("unknown worker")

// Health is a worker's liveness status.
type Health string

const (
	HealthAlive    Health = "alive"
	HealthDegraded Health = "degraded"
	HealthDead     Health = "dead"
)

// WorkerInfo is a point-in-time view of one registered worker.
type WorkerInfo struct {
	ID            string
	Tags          []string
	Health        Health
	Concurrency   int
	InFlight      int
	LastHeartbeat time.Time
	LastDispatch  time.Time
}

// Registration declares a worker to the registry.
type Registration struct {
	Worker      worker.Worker
	Concurrency int
}

type entry struct {
	impl          worker.Worker
	tags          []string
	health        Health
	concurrency   int
	inFlight      int
	misses        int
	lastHeartbeat time.Time
	lastDispatch  time.Time
}

// Registry tracks live workers, their capability tags and their health.
// A worker missing maxMissed consecutive heartbeats transitions to dead and
// a worker.dead message is broadcast on the registry channel so the router
// can re-queue its in-flight tasks.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*entry

	interval  time.Duration
	maxMissed int
	bus       *bus.Bus
	hub       *events.Hub
	logger    *slog.Logger
	now       func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(interval time.Duration, maxMissed int, b *bus.Bus, hub *events.Hub) *Registry {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxMissed <= 0 {
		maxMissed = 3
	}
	return &Registry{
		workers:   make(map[string]*entry),
		interval:  interval,
		maxMissed: maxMissed,
		bus:       b,
		hub:       hub,
		logger:    log.WithComponent("registry"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Register adds a worker or, if the id already exists, updates its
// capability set and concurrency. Registration is idempotent.
func (r *Registry) Register(reg Registration) error {
	if reg.Worker == nil || reg.Worker.ID() == "" {
		return errors.New("worker id is empty")
	}
	if reg.Concurrency <= 0 {
		reg.Concurrency = 1
	}

	id := reg.Worker.ID()
	tags := append([]string(nil), reg.Worker.Capabilities()...)
	sort.Strings(tags)

	r.mu.Lock()
	e, ok := r.workers[id]
	if ok {
		e.impl = reg.Worker
		e.tags = tags
		e.concurrency = reg.Concurrency
		e.health = HealthAlive
		e.misses = 0
		e.lastHeartbeat = r.now()
	} else {
		r.workers[id] = &entry{
			impl:          reg.Worker,
			tags:          tags,
			health:        HealthAlive,
			concurrency:   reg.Concurrency,
			lastHeartbeat: r.now(),
		}
	}
	r.mu.Unlock()

	r.logger.Info("worker registered", "worker", id, "tags", tags, "updated", ok)
	r.publishHealth(id, HealthAlive)
	return nil
}

// Heartbeat records a liveness signal. A dead worker that heartbeats again
// is revived.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownWorker
	}
	wasDead := e.health == HealthDead
	e.lastHeartbeat = r.now()
	e.misses = 0
	e.health = HealthAlive
	r.mu.Unlock()

	if wasDead {
		r.logger.Info("worker revived", "worker", workerID)
		r.publishHealth(workerID, HealthAlive)
	}
	return nil
}

// Deregister removes a worker. Unknown ids are ignored.
func (r *Registry) Deregister(workerID string) {
	r.mu.Lock()
	_, ok := r.workers[workerID]
	delete(r.workers, workerID)
	r.mu.Unlock()
	if ok {
		r.logger.Info("worker deregistered", "worker", workerID)
	}
}

// ListCapable returns the ids of non-dead workers declaring tag, sorted.
func (r *Registry) ListCapable(tag string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for id, e := range r.workers {
		if e.health == HealthDead {
			continue
		}
		for _, t := range e.tags {
			if t == tag {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Get returns the worker implementation for id.
func (r *Registry) Get(workerID string) (worker.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return e.impl, true
}

// Snapshot returns every worker's current view, sorted by id for
// deterministic routing.
func (r *Registry) Snapshot() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkerInfo, 0, len(r.workers))
	for id, e := range r.workers {
		out = append(out, WorkerInfo{
			ID:            id,
			Tags:          append([]string(nil), e.tags...),
			Health:        e.health,
			Concurrency:   e.concurrency,
			InFlight:      e.inFlight,
			LastHeartbeat: e.lastHeartbeat,
			LastDispatch:  e.lastDispatch,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NoteDispatch records that work was routed to a worker. Used for
// least-recently-used tie-breaking and in-flight accounting.
func (r *Registry) NoteDispatch(workerID string) {
	r.mu.Lock()
	if e, ok := r.workers[workerID]; ok {
		e.lastDispatch = r.now()
		e.inFlight++
	}
	r.mu.Unlock()
}

// NoteDone records that a dispatched unit finished.
func (r *Registry) NoteDone(workerID string) {
	r.mu.Lock()
	if e, ok := r.workers[workerID]; ok && e.inFlight > 0 {
		e.inFlight--
	}
	r.mu.Unlock()
}

// Start runs the liveness monitor until ctx is cancelled or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.monitorLoop(ctx)
}

// Stop halts the liveness monitor.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) monitorLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep increments miss counters for silent workers and marks the ones past
// the threshold dead.
func (r *Registry) sweep() {
	now := r.now()
	var died []string

	r.mu.Lock()
	for id, e := range r.workers {
		if e.health == HealthDead {
			continue
		}
		if now.Sub(e.lastHeartbeat) < r.interval {
			continue
		}
		e.misses++
		if e.misses >= r.maxMissed {
			e.health = HealthDead
			died = append(died, id)
		} else {
			e.health = HealthDegraded
		}
	}
	r.mu.Unlock()

	for _, id := range died {
		r.logger.Warn("worker marked dead", "worker", id, "max_missed", r.maxMissed)
		r.publishHealth(id, HealthDead)
	}
}

// CheckLiveness runs one monitor pass immediately. Exposed for tests and
// for the dispatcher's crash recovery.
func (r *Registry) CheckLiveness() {
	r.sweep()
}

func (r *Registry) publishHealth(workerID string, health Health) {
	if r.bus != nil {
		action := "worker.alive"
		if health == HealthDead {
			action = "worker.dead"
		}
		r.bus.Publish(bus.RegistryChannel, bus.Message{
			ActionType: action,
			Payload:    []byte(`{"worker_id":"` + workerID + `"}`),
		})
	}
	if r.hub != nil {
		r.hub.Publish(events.TypeWorkerHealth, map[string]any{
			"worker_id": workerID,
			"health":    health,
		})
	}
}
