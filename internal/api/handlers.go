package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/router"
	"github.com/wardenhq/warden/internal/task"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	alive, total := 0, 0
	for _, wi := range s.fleet.Snapshot() {
		total++
		if wi.Health != registry.HealthDead {
			alive++
		}
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkersAlive:  alive,
		WorkersTotal:  total,
	})
}

// handleSubmitTask handles POST /tasks.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ActorID == "" {
		s.writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}
	if len(req.Requests) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one step request is required")
		return
	}

	id, err := s.submitter.Submit(r.Context(), router.Submission{
		ActorID:  req.ActorID,
		Payload:  req.Payload,
		Requests: req.Requests,
	})
	if err != nil {
		if errors.Is(err, router.ErrNoCapableWorker) {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.logger.Error("task submission failed", "actor", req.ActorID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "task submission failed")
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID: id,
		State:  string(task.StateRouted),
	})
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	t, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("task lookup failed", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}

	steps, err := s.steps.Steps(r.Context(), taskID)
	if err != nil {
		s.logger.Error("step lookup failed", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "step lookup failed")
		return
	}

	resp := TaskStatusResponse{
		TaskID:      t.ID,
		ActorID:     t.ActorID,
		State:       string(t.State),
		Requests:    t.Requests,
		Assignments: t.Assignments,
		Reroutes:    t.Reroutes,
		Summary:     t.Summary,
		Steps:       make([]StepView, 0, len(steps)),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	for _, st := range steps {
		resp.Steps = append(resp.Steps, StepView{
			Seq:            st.Seq,
			Kind:           string(st.Kind),
			ActionType:     st.ActionType,
			WorkerID:       st.WorkerID,
			Cost:           st.Cost,
			Reversibility:  string(st.Reversibility),
			Outcome:        string(st.Outcome),
			Detail:         st.Detail,
			Compensated:    st.Compensated,
			CompensatesSeq: st.CompensatesSeq,
			Payload:        st.Payload,
			CreatedAt:      st.CreatedAt,
		})
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleCancelTask handles POST /tasks/{taskID}/cancel.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if err := s.submitter.Cancel(r.Context(), taskID); err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, SubmitTaskResponse{
		TaskID: taskID,
		State:  string(task.StateCancelled),
	})
}

// handleListApprovals handles GET /approvals.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.approvals.Pending(r.Context())
	if err != nil {
		s.logger.Error("approval list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "approval list failed")
		return
	}

	out := make([]ApprovalView, 0, len(pending))
	for _, req := range pending {
		out = append(out, ApprovalView{
			RequestID:  req.ID,
			TaskID:     req.TaskID,
			StepIndex:  req.StepIndex,
			ActionType: req.ActionType,
			Risk:       string(req.Risk),
			Descriptor: req.Descriptor,
			CreatedAt:  req.CreatedAt,
			ExpiresAt:  req.ExpiresAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleDecideApproval handles POST /approvals/{requestID}/decision.
func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var body DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	var decision approval.Decision
	switch body.Decision {
	case "approved", "approve":
		decision = approval.Approved
	case "denied", "deny":
		decision = approval.Denied
	default:
		s.writeError(w, http.StatusBadRequest, "decision must be approved or denied")
		return
	}
	if body.DecidedBy == "" {
		s.writeError(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	req, err := s.resolver.ResolveApproval(r.Context(), requestID, decision, body.DecidedBy)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrRequestNotFound):
			s.writeError(w, http.StatusNotFound, "approval request not found")
		case errors.Is(err, approval.ErrAlreadyDecided):
			s.writeError(w, http.StatusConflict, "approval request already decided")
		default:
			s.logger.Error("approval decision failed", "request_id", requestID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "approval decision failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, DecisionResponse{
		RequestID: req.ID,
		TaskID:    req.TaskID,
		Decision:  string(req.Decision),
	})
}

// handleListWorkers handles GET /workers.
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.fleet.Snapshot()
	out := make([]WorkerView, 0, len(snapshot))
	for _, wi := range snapshot {
		out = append(out, WorkerView{
			ID:            wi.ID,
			Tags:          wi.Tags,
			Health:        string(wi.Health),
			Concurrency:   wi.Concurrency,
			InFlight:      wi.InFlight,
			LastHeartbeat: wi.LastHeartbeat,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleHeartbeat handles POST /workers/{workerID}/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := s.fleet.Heartbeat(workerID); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			s.writeError(w, http.StatusNotFound, "unknown worker")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
