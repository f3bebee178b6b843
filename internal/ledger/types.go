package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

// Reversibility classifies how a recorded effect can be undone.
type Reversibility string

const (
	// Reversible steps have a literal inverse the worker can replay.
	Reversible Reversibility = "reversible"
	// Recoverable steps cannot be inverted at the data level but can be
	// cleaned up through the worker's dedicated recovery hook.
	Recoverable Reversibility = "recoverable"
	// Irreversible steps cannot be compensated automatically.
	Irreversible Reversibility = "irreversible"
)

// Kind distinguishes original effects from the compensations that undo them.
type Kind string

const (
	KindEffect       Kind = "effect"
	KindCompensation Kind = "compensation"
)

// Outcome is the terminal result of one step attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Step is one atomic, recorded effect produced while executing a task.
// Steps are append-only; the only mutation ever applied is flipping the
// compensated flag once a later compensation step lands.
type Step struct {
	TaskID         string
	Seq            int
	Kind           Kind
	ActionType     string
	WorkerID       string
	Cost           float64
	Reversibility  Reversibility
	Payload        json.RawMessage
	Outcome        Outcome
	Detail         string
	Compensated    bool
	CompensatesSeq *int
	CreatedAt      time.Time
}

var ErrStepNotFound = errors.New("step not found")
