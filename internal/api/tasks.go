package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/task"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title         string `json:"title"`
		Description   string `json:"description"`
		Price         int64  `json:"price"`
		Location      string `json:"location"`
		Category      string `json:"category"`
		RequiresProof bool   `json:"requires_proof"`
		RiskLevel     string `json:"risk_level"`
		Mode          string `json:"mode"`
		InstantMode   bool   `json:"instant_mode"`
		Sensitive     bool   `json:"sensitive"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if req.RiskLevel == "" {
		req.RiskLevel = string(core.RiskTier0)
	}
	if req.Mode == "" {
		req.Mode = string(core.ModeStandard)
	}

	t, err := s.tasks.Create(r.Context(), task.CreateParams{
		PosterID:      userID(r),
		Title:         req.Title,
		Description:   req.Description,
		Price:         req.Price,
		Location:      req.Location,
		Category:      req.Category,
		RequiresProof: req.RequiresProof,
		RiskLevel:     core.RiskLevel(req.RiskLevel),
		Mode:          core.TaskMode(req.Mode),
		InstantMode:   req.InstantMode,
		Sensitive:     req.Sensitive,
	})
	if err != nil {
		fail(w, err)
		return
	}
	created(w, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, t)
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Accept(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, t)
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string   `json:"description"`
		Media       []string `json:"media"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	p, err := s.tasks.SubmitProof(r.Context(), mux.Vars(r)["id"], userID(r), req.Description, req.Media)
	if err != nil {
		fail(w, err)
		return
	}
	created(w, p)
}

func (s *Server) handleAcceptProof(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.AcceptProof(r.Context(), mux.Vars(r)["id"], userID(r)); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]string{"proof": "accepted"})
}

func (s *Server) handleRejectProof(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.RejectProof(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, t)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Complete(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Cancel(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, t)
}

func (s *Server) handleAdvanceProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	to := core.ProgressState(req.To)
	if !to.Valid() {
		fail(w, hxerr.New(hxerr.InvalidState, "unknown progress state %q", req.To))
		return
	}
	t, err := s.tasks.AdvanceProgress(r.Context(), mux.Vars(r)["id"], to, core.ActorWorker, userID(r))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, t)
}

func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Title   string `json:"title"`
		Cadence string `json:"cadence"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if err := s.plans.CreateSeries(r.Context(), req.ID, userID(r), req.Title, req.Cadence); err != nil {
		fail(w, err)
		return
	}
	created(w, map[string]string{"series_id": req.ID})
}
