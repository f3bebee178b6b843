package api

import (
	"encoding/json"
	"time"

	"github.com/wardenhq/warden/internal/task"
)

// SubmitTaskRequest is the JSON body for POST /tasks.
type SubmitTaskRequest struct {
	ActorID  string             `json:"actor_id"`
	Payload  json.RawMessage    `json:"payload,omitempty"`
	Requests []task.StepRequest `json:"requests"`
}

// SubmitTaskResponse is returned on successful submission.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

// StepView is one ledgered step in a task status response.
type StepView struct {
	Seq            int             `json:"seq"`
	Kind           string          `json:"kind"`
	ActionType     string          `json:"action_type"`
	WorkerID       string          `json:"worker_id"`
	Cost           float64         `json:"cost,omitempty"`
	Reversibility  string          `json:"reversibility"`
	Outcome        string          `json:"outcome"`
	Detail         string          `json:"detail,omitempty"`
	Compensated    bool            `json:"compensated,omitempty"`
	CompensatesSeq *int            `json:"compensates_seq,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TaskStatusResponse is returned by GET /tasks/{task_id}.
type TaskStatusResponse struct {
	TaskID      string             `json:"task_id"`
	ActorID     string             `json:"actor_id"`
	State       string             `json:"state"`
	Requests    []task.StepRequest `json:"requests"`
	Assignments []string           `json:"assignments,omitempty"`
	Reroutes    int                `json:"reroutes"`
	Summary     string             `json:"summary,omitempty"`
	Steps       []StepView         `json:"steps"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ApprovalView is one pending approval request.
type ApprovalView struct {
	RequestID  string    `json:"request_id"`
	TaskID     string    `json:"task_id"`
	StepIndex  int       `json:"step_index"`
	ActionType string    `json:"action_type"`
	Risk       string    `json:"risk"`
	Descriptor string    `json:"descriptor,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DecisionRequest is the JSON body for POST /approvals/{request_id}/decision.
type DecisionRequest struct {
	Decision  string `json:"decision"` // "approved" or "denied"
	DecidedBy string `json:"decided_by"`
}

// DecisionResponse confirms a recorded decision.
type DecisionResponse struct {
	RequestID string `json:"request_id"`
	TaskID    string `json:"task_id"`
	Decision  string `json:"decision"`
}

// WorkerView is one registered worker.
type WorkerView struct {
	ID            string    `json:"id"`
	Tags          []string  `json:"tags"`
	Health        string    `json:"health"`
	Concurrency   int       `json:"concurrency"`
	InFlight      int       `json:"in_flight"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkersAlive  int    `json:"workers_alive"`
	WorkersTotal  int    `json:"workers_total"`
}
