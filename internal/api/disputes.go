package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/dispute"
	"github.com/hustlexp/backend/internal/hxerr"
)

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID   string `json:"task_id"`
		EscrowID string `json:"escrow_id"`
		Reason   string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	d, err := s.disputes.Create(r.Context(), dispute.CreateParams{
		TaskID:      req.TaskID,
		EscrowID:    req.EscrowID,
		InitiatedBy: userID(r),
		Reason:      req.Reason,
	})
	if err != nil {
		fail(w, err)
		return
	}
	created(w, d)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, d)
}

func (s *Server) handleRespondDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	d, err := s.disputes.Respond(r.Context(), mux.Vars(r)["id"], userID(r), req.Message)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, d)
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if err := s.disputes.AddEvidence(r.Context(), mux.Vars(r)["id"], userID(r), req.Message); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]string{"evidence": "recorded"})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome       string `json:"outcome"`
		RefundAmount  int64  `json:"refund_amount"`
		ReleaseAmount int64  `json:"release_amount"`
		RefundID      string `json:"refund_id"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	outcome := core.DisputeOutcome(req.Outcome)
	if !outcome.Valid() {
		fail(w, hxerr.New(hxerr.InvalidState, "unknown dispute outcome %q", req.Outcome))
		return
	}
	d, err := s.disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:     mux.Vars(r)["id"],
		ResolvedBy:    userID(r),
		Outcome:       outcome,
		RefundAmount:  req.RefundAmount,
		ReleaseAmount: req.ReleaseAmount,
		RefundID:      req.RefundID,
	})
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, d)
}
