package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wardenhq/warden/internal/events"
)

func ev(t string, data string) events.Event {
	return events.Event{Type: t, At: time.Now(), Data: []byte(data)}
}

func TestApplyEventTracksTaskLifecycle(t *testing.T) {
	t.Parallel()

	tasks := map[string]*TaskState{}
	approvals := map[string]*ApprovalState{}
	workers := map[string]*WorkerState{}

	applyEvent(tasks, approvals, workers, ev(events.TypeTaskRouted, `{"task_id":"t-1"}`))
	applyEvent(tasks, approvals, workers, ev(events.TypeStepCompleted, `{"task_id":"t-1","action":"email.send"}`))
	applyEvent(tasks, approvals, workers, ev(events.TypeTaskStateChanged, `{"task_id":"t-1","state":"completed"}`))

	assert.Len(t, tasks, 1)
	assert.Equal(t, "completed", tasks["t-1"].State)
	assert.Equal(t, 1, tasks["t-1"].StepsDone)
	assert.Equal(t, "email.send", tasks["t-1"].LastAction)
}

func TestApplyEventTracksApprovals(t *testing.T) {
	t.Parallel()

	tasks := map[string]*TaskState{}
	approvals := map[string]*ApprovalState{}
	workers := map[string]*WorkerState{}

	applyEvent(tasks, approvals, workers,
		ev(events.TypeApprovalCreated, `{"request_id":"r-1","task_id":"t-1","action":"payment.charge"}`))
	assert.Len(t, approvals, 1)
	assert.Equal(t, "payment.charge", approvals["r-1"].Action)

	applyEvent(tasks, approvals, workers,
		ev(events.TypeApprovalDecided, `{"request_id":"r-1","decision":"approved"}`))
	assert.Empty(t, approvals)
}

func TestApplyEventTracksWorkerHealth(t *testing.T) {
	t.Parallel()

	tasks := map[string]*TaskState{}
	approvals := map[string]*ApprovalState{}
	workers := map[string]*WorkerState{}

	applyEvent(tasks, approvals, workers,
		ev(events.TypeWorkerHealth, `{"worker_id":"mailer","health":"dead"}`))
	assert.Equal(t, "dead", workers["mailer"].Health)
}
