package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/decision"
	"github.com/Mindburn-Labs/docket/pkg/inbound"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

// decisionRequest is the body of POST /decisions/{proposalID}. The
// acting user comes from the token, never the body.
type decisionRequest struct {
	Action      string `json:"action"`
	Instruction string `json:"instruction,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RouteMode   string `json:"route_mode,omitempty"`
}

// handleDecision applies a human decision to a gated proposal. 200 when
// the decision settled inline, 202 when a run was scheduled to carry it
// out.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	proposalID := chi.URLParam(r, "proposalID")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Malformed JSON body")
		return
	}

	prop, err := s.store.GetProposal(r.Context(), proposalID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if !s.authorizeCase(w, r, prop.CaseID) {
		return
	}

	principal, _ := PrincipalFrom(r.Context())
	res, err := s.resolver.Resolve(r.Context(), proposalID, contracts.HumanDecision{
		Action:      contracts.DecisionAction(req.Action),
		Instruction: req.Instruction,
		Reason:      req.Reason,
		RouteMode:   req.RouteMode,
		UserID:      principal.UserID,
	})
	if err != nil {
		switch {
		case errors.Is(err, decision.ErrInvalidDecision):
			WriteBadRequest(w, err.Error())
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "No such proposal")
		case errors.Is(err, decision.ErrNotPending), errors.Is(err, decision.ErrActiveRun):
			WriteConflict(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}

	status := http.StatusOK
	if res.RunID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// handleReset rewinds a case to its most recent inbound message and
// reprocesses it. Always 202 on success; the work happens on a run.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	if !s.authorizeCase(w, r, caseID) {
		return
	}

	runID, err := s.pipeline.ResetToLastInbound(r.Context(), caseID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "No such case")
		case errors.Is(err, inbound.ErrNoInbound):
			WriteConflict(w, "Case has no inbound message to reset to")
		case errors.Is(err, lifecycle.ErrTerminal):
			WriteConflict(w, "Case is closed")
		case errors.Is(err, caselock.ErrLockContention):
			WriteConflict(w, "Another operation holds the case; retry shortly")
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"case_id": caseID, "run_id": runID})
}

// triggerRequest is the optional body of POST /trigger-inbound.
type triggerRequest struct {
	ForceNewRun bool `json:"force_new_run,omitempty"`
}

// handleTrigger reprocesses one already-attached message. Without
// force_new_run an occupied case is refused; with it the active run is
// superseded.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	messageID := chi.URLParam(r, "messageID")
	if !s.authorizeCase(w, r, caseID) {
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "Malformed JSON body")
		return
	}

	runID, err := s.pipeline.Retrigger(r.Context(), caseID, messageID, req.ForceNewRun)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "No such message")
		case errors.Is(err, inbound.ErrWrongCase):
			WriteBadRequest(w, "Message belongs to a different case")
		case errors.Is(err, inbound.ErrActiveRun):
			WriteConflict(w, "Case has an active run; pass force_new_run to supersede it")
		case errors.Is(err, caselock.ErrLockContention):
			WriteConflict(w, "Another operation holds the case; retry shortly")
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"case_id": caseID, "run_id": runID})
}

// handleActivity returns the case's audit trail, newest first.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	if !s.authorizeCase(w, r, caseID) {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			WriteBadRequest(w, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.store.ListActivity(r.Context(), caseID, limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []*contracts.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "activity": entries})
}

// authorizeCase loads the case and verifies the caller may act on it.
// Unowned cases 404 rather than 403 so IDs cannot be probed.
func (s *Server) authorizeCase(w http.ResponseWriter, r *http.Request, caseID string) bool {
	c, err := s.store.GetCase(r.Context(), caseID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return false
	}
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return false
	}
	if !principal.Admin() && c.OwnerID != principal.UserID {
		WriteNotFound(w, "No such case")
		return false
	}
	return true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "No such resource")
		return
	}
	WriteInternal(w, err)
}
