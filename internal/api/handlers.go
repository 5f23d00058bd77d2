package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"warpgate/internal/cycle"
	"warpgate/internal/gate"
	"warpgate/internal/types"
)

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ADMISSION GATE
// =============================================================================

func (s *Server) handleAdmissionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Gate.Status())
}

// handleActivateWarp answers with the status after activation. ActivateWarp
// itself returns the previous status.
func (s *Server) handleActivateWarp(w http.ResponseWriter, r *http.Request) {
	s.deps.Gate.ActivateWarp()
	writeJSON(w, http.StatusOK, s.deps.Gate.Status())
}

func (s *Server) handleDeactivateWarp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Gate.DeactivateWarp())
}

// ChaosRequest is the body of POST /activate-chaos.
type ChaosRequest struct {
	DurationSeconds int64 `json:"duration_seconds"`
}

func (s *Server) handleActivateChaos(w http.ResponseWriter, r *http.Request) {
	var req ChaosRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, s.deps.Gate.Status())
		return
	}
	st, err := s.deps.Gate.ActivateChaos(time.Duration(req.DurationSeconds) * time.Second)
	if err != nil {
		var state any = st
		if cur, ok := types.StateOf(err).(gate.Status); ok {
			state = cur
		}
		writeError(w, r, err, state)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDeactivateChaos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Gate.DeactivateChaos())
}

// =============================================================================
// PROPOSALS
// =============================================================================

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var p types.Proposal
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := s.deps.Approvals.Submit(r.Context(), &p)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	status := http.StatusCreated
	if !res.Created() {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Approvals.GetProposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// APPROVALS
// =============================================================================

// DecisionRequest is the body of approve and reject.
type DecisionRequest struct {
	Reviewer string `json:"reviewer"`
	Reason   string `json:"reason"`
}

// BuildResultRequest reports an external build.
type BuildResultRequest struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// PublishResultRequest reports an external publish. Error set means failure.
type PublishResultRequest struct {
	Ref   string `json:"ref"`
	Error string `json:"error"`
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	agent := types.AgentType(r.URL.Query().Get("agent_type"))
	list, err := s.deps.Approvals.ListPending(r.Context(), agent, limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if list == nil {
		list = []*types.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list, "count": len(list)})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Approvals.GetDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	a, err := s.deps.Approvals.Approve(r.Context(), chi.URLParam(r, "id"), req.Reviewer, req.Reason)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	a, err := s.deps.Approvals.Reject(r.Context(), chi.URLParam(r, "id"), req.Reviewer, req.Reason)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleBuildResult(w http.ResponseWriter, r *http.Request) {
	var req BuildResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	a, err := s.deps.Approvals.ReportBuild(r.Context(), chi.URLParam(r, "id"), req.Success, req.Output)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handlePublishResult(w http.ResponseWriter, r *http.Request) {
	var req PublishResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	a, err := s.deps.Approvals.ReportPublish(r.Context(), chi.URLParam(r, "id"), req.Ref, req.Error)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "window_days", 30)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	agent := types.AgentType(r.URL.Query().Get("agent_type"))
	st, err := s.deps.Approvals.Stats(r.Context(), agent, days)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// =============================================================================
// CYCLES
// =============================================================================

var errNoCycles = types.NewNotFoundError("run cycle", "cycle service", "")

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cycles == nil {
		writeError(w, r, errNoCycles, nil)
		return
	}
	var ev cycle.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cycles.Run(r.Context(), ev))
}

func (s *Server) handleEnqueueCycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, r, errNoCycles, nil)
		return
	}
	var ev cycle.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if err := s.deps.Queue.Enqueue(ev); err != nil {
		status := http.StatusServiceUnavailable
		if !errors.Is(err, cycle.ErrQueueFull) && !errors.Is(err, cycle.ErrRunnerStopped) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, ErrorBody{Error: "unavailable", Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "pending": s.deps.Queue.Pending()})
}
