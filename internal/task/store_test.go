package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wardenhq/warden/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func oneStep() []StepRequest {
	return []StepRequest{{ActionType: "email.send", Tag: "email", Cost: 1}}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "actor-a", []byte(`{"note":"hi"}`), oneStep())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != StateSubmitted || got.ActorID != "actor-a" || len(got.Requests) != 1 {
		t.Fatalf("unexpected task: %#v", got)
	}
	if got.Requests[0].ActionType != "email.send" {
		t.Fatalf("requests not round-tripped: %#v", got.Requests)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "actor-a", nil, oneStep())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	steps := []struct{ from, to State }{
		{StateSubmitted, StateRouted},
		{StateRouted, StateExecuting},
		{StateExecuting, StateCompleted},
	}
	for _, step := range steps {
		if err := s.Transition(ctx, id, step.from, step.to); err != nil {
			t.Fatalf("Transition %s -> %s: %v", step.from, step.to, err)
		}
	}

	got, _ := s.Get(ctx, id)
	if got.State != StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, "actor-a", nil, oneStep())

	err := s.Transition(ctx, id, StateSubmitted, StateCompleted)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
}

func TestTransitionCASConflict(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, "actor-a", nil, oneStep())
	if err := s.Transition(ctx, id, StateSubmitted, StateRouted); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Stale expectation loses.
	err := s.Transition(ctx, id, StateSubmitted, StateCancelled)
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	// Replaying the transition that already landed is a no-op.
	if err := s.Transition(ctx, id, StateSubmitted, StateRouted); err != nil {
		t.Fatalf("idempotent replay: %v", err)
	}
}

func TestAssignmentsAndReroutes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, "actor-a", nil, []StepRequest{
		{ActionType: "record.create"},
		{ActionType: "email.send"},
	})

	if err := s.SetAssignments(ctx, id, []string{"w1", "w2"}); err != nil {
		t.Fatalf("SetAssignments: %v", err)
	}

	got, _ := s.Get(ctx, id)
	if len(got.Assignments) != 2 || got.Assignments[1] != "w2" {
		t.Fatalf("assignments = %#v", got.Assignments)
	}
	if !got.FanOut() {
		t.Fatal("two distinct workers should be fan-out")
	}

	n, err := s.IncrementReroutes(ctx, id)
	if err != nil || n != 1 {
		t.Fatalf("IncrementReroutes = %d, %v", n, err)
	}
}

func TestListAssignedTo(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, "actor-a", nil, oneStep())
	_ = s.Transition(ctx, id, StateSubmitted, StateRouted)
	_ = s.SetAssignments(ctx, id, []string{"w1"})

	tasks, err := s.ListAssignedTo(ctx, "w1")
	if err != nil {
		t.Fatalf("ListAssignedTo: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}

	tasks, _ = s.ListAssignedTo(ctx, "w2")
	if len(tasks) != 0 {
		t.Fatalf("w2 has no tasks, got %d", len(tasks))
	}
}

func TestStateHelpers(t *testing.T) {
	t.Parallel()

	if !StateCompleted.Terminal() || !StateRolledBack.Terminal() || !StateRolledBackPartial.Terminal() {
		t.Fatal("terminal states misreported")
	}
	if StateExecuting.Terminal() {
		t.Fatal("executing is not terminal")
	}
	if !StateSubmitted.Cancellable() || !StateRouted.Cancellable() {
		t.Fatal("pre-execution states are cancellable")
	}
	if StateExecuting.Cancellable() {
		t.Fatal("executing tasks must cancel through rollback")
	}
}

func TestStepRequestTags(t *testing.T) {
	t.Parallel()

	r := StepRequest{ActionType: "email.send", Tag: "messaging"}
	tags := r.Tags()
	if len(tags) != 2 || tags[0] != "messaging" || tags[1] != "email" {
		t.Fatalf("tags = %#v", tags)
	}

	r = StepRequest{ActionType: "email.send", Tag: "email"}
	if tags := r.Tags(); len(tags) != 1 {
		t.Fatalf("duplicate family tag not collapsed: %#v", tags)
	}
}
