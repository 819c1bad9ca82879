package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
)

func (s *Server) handlePromoteUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target_tier"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	target := core.TrustTier(req.Target)
	if !target.Valid() {
		fail(w, hxerr.New(hxerr.InvalidState, "unknown trust tier %q", req.Target))
		return
	}
	u, err := s.trust.ApplyPromotion(r.Context(), mux.Vars(r)["id"], target, "admin:"+userID(r))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, u)
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.Reason == "" {
		fail(w, hxerr.New(hxerr.InvalidState, "ban reason is required"))
		return
	}
	if err := s.trust.BanUser(r.Context(), mux.Vars(r)["id"], req.Reason); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]string{"banned": mux.Vars(r)["id"]})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	profile, err := s.recompute.Recompute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, profile)
}

func (s *Server) handlePayTax(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentIntentID string `json:"payment_intent_id"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	cleared, err := s.xp.PayTax(r.Context(), userID(r), req.PaymentIntentID)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]int{"cleared_entries": cleared})
}
