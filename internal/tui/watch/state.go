package watch

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/wardenhq/warden/internal/events"
)

// TaskState is the monitor's view of one task, rebuilt from the event stream.
type TaskState struct {
	ID         string
	State      string
	StepsDone  int
	LastAction string
	UpdatedAt  time.Time
}

// ApprovalState is one pending approval request seen on the stream.
type ApprovalState struct {
	RequestID string
	TaskID    string
	Action    string
	ExpiresAt time.Time
}

// WorkerState is one worker's last reported health.
type WorkerState struct {
	ID     string
	Health string
}

func applyEvent(tasks map[string]*TaskState, approvals map[string]*ApprovalState, workers map[string]*WorkerState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	taskID, _ := data["task_id"].(string)

	switch e.Type {
	case events.TypeTaskSubmitted, events.TypeTaskRouted:
		if taskID == "" {
			return
		}
		t := ensureTask(tasks, taskID)
		t.State = "routed"
		t.UpdatedAt = e.At

	case events.TypeTaskStateChanged:
		if taskID == "" {
			return
		}
		t := ensureTask(tasks, taskID)
		if state, ok := data["state"].(string); ok {
			t.State = state
		}
		t.UpdatedAt = e.At

	case events.TypeStepCompleted:
		if taskID == "" {
			return
		}
		t := ensureTask(tasks, taskID)
		t.StepsDone++
		if action, ok := data["action"].(string); ok {
			t.LastAction = action
		}
		t.UpdatedAt = e.At

	case events.TypeRollbackStarted:
		if taskID == "" {
			return
		}
		t := ensureTask(tasks, taskID)
		t.State = "rolling_back"
		t.UpdatedAt = e.At

	case events.TypeApprovalCreated:
		id, _ := data["request_id"].(string)
		if id == "" {
			return
		}
		a := &ApprovalState{RequestID: id, TaskID: taskID}
		if action, ok := data["action"].(string); ok {
			a.Action = action
		}
		if exp, ok := data["expires_at"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, exp); err == nil {
				a.ExpiresAt = ts
			}
		}
		approvals[id] = a

	case events.TypeApprovalDecided:
		if id, ok := data["request_id"].(string); ok {
			delete(approvals, id)
		}

	case events.TypeWorkerHealth:
		id, _ := data["worker_id"].(string)
		if id == "" {
			return
		}
		health, _ := data["health"].(string)
		workers[id] = &WorkerState{ID: id, Health: health}
	}
}

func ensureTask(tasks map[string]*TaskState, id string) *TaskState {
	t, ok := tasks[id]
	if !ok {
		t = &TaskState{ID: id, State: "submitted"}
		tasks[id] = t
	}
	return t
}

// sortedTasks returns tasks newest-activity-first for display.
func sortedTasks(tasks map[string]*TaskState) []*TaskState {
	out := make([]*TaskState, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedApprovals(approvals map[string]*ApprovalState) []*ApprovalState {
	out := make([]*ApprovalState, 0, len(approvals))
	for _, a := range approvals {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}
