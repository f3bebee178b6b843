package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/config"
)

// ExceededError is returned when a reservation would drive a bucket negative.
// It is backpressure, not a fault: RetryAfter tells the caller when enough
// tokens will have accrued.
type ExceededError struct {
	ActorID    string
	ActionType string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for actor=%s action=%s, retry after %s",
		e.ActorID, e.ActionType, e.RetryAfter)
}

// Reservation is a granted debit that must either be followed by the action
// it covers or explicitly released.
type Reservation struct {
	ID         string
	ActorID    string
	ActionType string
	Cost       float64
}

// Metered reports whether the reservation actually debited a bucket.
// Action types without a configured policy are unmetered.
func (r *Reservation) Metered() bool { return r != nil && r.ID != "" }

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	policy     config.BudgetPolicy
}

type key struct {
	actor  string
	action string
}

// Manager owns every token bucket. Each (actor, actionType) pair has its own
// bucket and its own mutex; the manager-level mutex only guards the maps, so
// reserves on distinct keys never contend.
type Manager struct {
	mu           sync.Mutex
	buckets      map[key]*bucket
	reservations map[string]*Reservation
	policies     map[string]config.BudgetPolicy
	now          func() time.Time
}

func NewManager(policies []config.BudgetPolicy) *Manager {
	m := &Manager{
		buckets:      make(map[key]*bucket),
		reservations: make(map[string]*Reservation),
		policies:     make(map[string]config.BudgetPolicy, len(policies)),
		now:          time.Now,
	}
	for _, p := range policies {
		m.policies[p.Action] = p
	}
	return m
}

// Reserve attempts to debit cost tokens from the (actor, actionType) bucket.
// Denied reservations never consume tokens.
func (m *Manager) Reserve(actorID, actionType string, cost float64) (*Reservation, error) {
	if actorID == "" {
		return nil, fmt.Errorf("actor id is empty")
	}
	if actionType == "" {
		return nil, fmt.Errorf("action type is empty")
	}
	if cost < 0 {
		return nil, fmt.Errorf("cost must be non-negative, got %v", cost)
	}

	policy, metered := m.policies[actionType]
	if !metered {
		return &Reservation{ActorID: actorID, ActionType: actionType, Cost: cost}, nil
	}
	if cost > policy.Capacity {
		return nil, fmt.Errorf("cost %v exceeds bucket capacity %v for action %q",
			cost, policy.Capacity, actionType)
	}

	b := m.bucketFor(actorID, actionType, policy)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now()
	b.refillLocked(now)

	if b.tokens < cost {
		deficit := cost - b.tokens
		perToken := float64(policy.Per) / policy.Refill
		retryAfter := time.Duration(deficit * perToken)
		return nil, &ExceededError{
			ActorID:    actorID,
			ActionType: actionType,
			RetryAfter: retryAfter,
		}
	}

	b.tokens -= cost
	res := &Reservation{
		ID:         uuid.NewString(),
		ActorID:    actorID,
		ActionType: actionType,
		Cost:       cost,
	}

	m.mu.Lock()
	m.reservations[res.ID] = res
	m.mu.Unlock()

	return res, nil
}

// Release returns a reservation's tokens to its bucket. Used when a reserved
// action never executes (e.g. blocked by the approval gate). Releasing an
// unknown or unmetered reservation is a no-op.
func (m *Manager) Release(reservationID string) {
	if reservationID == "" {
		return
	}

	m.mu.Lock()
	res, ok := m.reservations[reservationID]
	if ok {
		delete(m.reservations, reservationID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	policy, metered := m.policies[res.ActionType]
	if !metered {
		return
	}

	b := m.bucketFor(res.ActorID, res.ActionType, policy)
	b.mu.Lock()
	b.tokens += res.Cost
	if b.tokens > policy.Capacity {
		b.tokens = policy.Capacity
	}
	b.mu.Unlock()
}

// Commit forgets a reservation whose action executed. The tokens stay spent.
func (m *Manager) Commit(reservationID string) {
	if reservationID == "" {
		return
	}
	m.mu.Lock()
	delete(m.reservations, reservationID)
	m.mu.Unlock()
}

// Tokens returns the current token count for a key, refilled to now.
// Intended for inspection and tests.
func (m *Manager) Tokens(actorID, actionType string) (float64, bool) {
	policy, metered := m.policies[actionType]
	if !metered {
		return 0, false
	}
	b := m.bucketFor(actorID, actionType, policy)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(m.now())
	return b.tokens, true
}

func (m *Manager) bucketFor(actorID, actionType string, policy config.BudgetPolicy) *bucket {
	k := key{actor: actorID, action: actionType}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[k]
	if !ok {
		b = &bucket{
			tokens:     policy.Capacity,
			lastRefill: m.now(),
			policy:     policy,
		}
		m.buckets[k] = b
	}
	return b
}

// refillLocked adds elapsed*rate tokens capped at capacity. Caller holds b.mu.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	accrued := b.policy.Refill * (float64(elapsed) / float64(b.policy.Per))
	b.tokens += accrued
	if b.tokens > b.policy.Capacity {
		b.tokens = b.policy.Capacity
	}
}
