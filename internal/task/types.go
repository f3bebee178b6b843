package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is a task's lifecycle position. Completed, RolledBack and
// RolledBackPartial are terminal.
type State string

const (
	StateSubmitted         State = "submitted"
	StateRouted            State = "routed"
	StateExecuting         State = "executing"
	StateAwaitingApproval  State = "awaiting_approval"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateRollingBack       State = "rolling_back"
	StateRolledBack        State = "rolled_back"
	StateRolledBackPartial State = "rolled_back_partial"
	StateCancelled         State = "cancelled"
)

// transitions is the full legal state graph. Anything not listed is rejected.
var transitions = map[State][]State{
	StateSubmitted:        {StateRouted, StateCancelled},
	StateRouted:           {StateExecuting, StateCancelled},
	StateExecuting:        {StateCompleted, StateAwaitingApproval, StateFailed},
	StateAwaitingApproval: {StateExecuting, StateRollingBack},
	StateFailed:           {StateRollingBack},
	StateRollingBack:      {StateRolledBack, StateRolledBackPartial},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Cancellable reports whether a task in this state may be cancelled by
// removal from the dispatch path. Anything later must go through rollback.
func (s State) Cancellable() bool {
	return s == StateSubmitted || s == StateRouted
}

// StepRequest is one planned unit of work inside a task submission.
type StepRequest struct {
	ActionType string          `json:"action_type"`
	Tag        string          `json:"tag,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Tags returns the capability signals used for routing: the explicit tag
// plus the action type's family prefix ("email.send" → "email").
func (s StepRequest) Tags() []string {
	tags := make([]string, 0, 2)
	if s.Tag != "" {
		tags = append(tags, s.Tag)
	}
	if i := strings.IndexByte(s.ActionType, '.'); i > 0 {
		family := s.ActionType[:i]
		if family != s.Tag {
			tags = append(tags, family)
		}
	}
	return tags
}

// Task is a unit of work submitted to the router.
type Task struct {
	ID          string
	ActorID     string
	Payload     json.RawMessage
	Requests    []StepRequest
	Assignments []string // worker id per step request index
	State       State
	Reroutes    int
	Summary     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FanOut reports whether the task requires more than one distinct worker.
func (t *Task) FanOut() bool {
	seen := make(map[string]struct{}, len(t.Assignments))
	for _, w := range t.Assignments {
		seen[w] = struct{}{}
	}
	return len(seen) > 1
}

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrStateConflict means the persisted state did not match the expected
	// one during a compare-and-swap transition.
	ErrStateConflict = errors.New("task state conflict")
)

// TransitionError reports an illegal state machine move.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s", e.From, e.To)
}
