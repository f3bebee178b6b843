// Package worker defines the narrow, auditable contract every capability
// provider implements. The core never runs arbitrary worker code paths:
// execute produces effects, compensate and recover undo them, and that is
// the whole surface the safety properties rest on.
package worker

import (
	"context"

	"github.com/wardenhq/warden/internal/ledger"
)

// Outcome is a worker's report for one execute/compensate/recover call.
type Outcome struct {
	Status ledger.Outcome
	Detail string
	// Irreversible reports that the worker cannot undo this step at all;
	// set by Compensate/Recover to force escalation.
	Irreversible bool
	// Reversibility describes how the produced effect can later be undone.
	// Only meaningful on Execute outcomes.
	Reversibility ledger.Reversibility
}

// Worker is a registered capability provider.
type Worker interface {
	// ID returns the worker's stable identity.
	ID() string
	// Capabilities returns the worker's declared capability tags.
	Capabilities() []string
	// Execute performs one step and reports its effect.
	Execute(ctx context.Context, step ledger.Step) Outcome
	// Compensate semantically reverses a previously executed step.
	Compensate(ctx context.Context, step ledger.Step) Outcome
	// Recover cleans up a step that has no literal inverse but is
	// recoverable at the infrastructure level.
	Recover(ctx context.Context, step ledger.Step) Outcome
}

// Func adapts plain functions into a Worker. Handy for tests and for the
// simulated fleet the service can start from static configuration.
type Func struct {
	WorkerID     string
	Tags         []string
	ExecuteFn    func(ctx context.Context, step ledger.Step) Outcome
	CompensateFn func(ctx context.Context, step ledger.Step) Outcome
	RecoverFn    func(ctx context.Context, step ledger.Step) Outcome
}

var _ Worker = (*Func)(nil)

func (f *Func) ID() string             { return f.WorkerID }
func (f *Func) Capabilities() []string { return f.Tags }

func (f *Func) Execute(ctx context.Context, step ledger.Step) Outcome {
	if f.ExecuteFn == nil {
		return Outcome{Status: ledger.OutcomeSucceeded, Reversibility: ledger.Reversible}
	}
	return f.ExecuteFn(ctx, step)
}

func (f *Func) Compensate(ctx context.Context, step ledger.Step) Outcome {
	if f.CompensateFn == nil {
		return Outcome{Status: ledger.OutcomeSucceeded}
	}
	return f.CompensateFn(ctx, step)
}

func (f *Func) Recover(ctx context.Context, step ledger.Step) Outcome {
	if f.RecoverFn == nil {
		return Outcome{Status: ledger.OutcomeSucceeded}
	}
	return f.RecoverFn(ctx, step)
}
