// Package api exposes the transactional core over HTTP. Authentication
// is handled upstream; the gateway injects the caller identity as the
// X-User-ID header and this layer trusts it.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hustlexp/backend/internal/dispute"
	"github.com/hustlexp/backend/internal/fabric"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/notify"
	"github.com/hustlexp/backend/internal/payments"
	"github.com/hustlexp/backend/internal/plan"
	"github.com/hustlexp/backend/internal/recompute"
	"github.com/hustlexp/backend/internal/task"
	"github.com/hustlexp/backend/internal/trust"
	"github.com/hustlexp/backend/internal/xp"
)

// Server wires the engines behind the HTTP surface.
type Server struct {
	tasks         *task.Engine
	disputes      *dispute.Service
	trust         *trust.Service
	xp            *xp.Service
	plans         *plan.Service
	recompute     *recompute.Service
	ingestor      *payments.Ingestor
	hub           *fabric.Hub
	registry      *notify.Registry
	webhookSecret string
	healthChecks  map[string]func(context.Context) error
	logger        *log.Logger
}

type Deps struct {
	Tasks         *task.Engine
	Disputes      *dispute.Service
	Trust         *trust.Service
	XP            *xp.Service
	Plans         *plan.Service
	Recompute     *recompute.Service
	Ingestor      *payments.Ingestor
	Hub           *fabric.Hub
	Registry      *notify.Registry
	WebhookSecret string
	HealthChecks  map[string]func(context.Context) error
}

func NewServer(d Deps) *Server {
	return &Server{
		tasks:         d.Tasks,
		disputes:      d.Disputes,
		trust:         d.Trust,
		xp:            d.XP,
		plans:         d.Plans,
		recompute:     d.Recompute,
		ingestor:      d.Ingestor,
		hub:           d.Hub,
		registry:      d.Registry,
		webhookSecret: d.WebhookSecret,
		healthChecks:  d.HealthChecks,
		logger:        log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// External payment processor callbacks. Signature-checked, never
	// behind the identity middleware.
	r.HandleFunc("/webhooks/payments", s.handlePaymentWebhook).Methods("POST")

	// Realtime progress stream.
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)
	api.Use(loggingMiddleware)

	api.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods("GET")
	api.HandleFunc("/tasks/{id}/accept", s.handleAcceptTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/proof", s.handleSubmitProof).Methods("POST")
	api.HandleFunc("/tasks/{id}/proof/accept", s.handleAcceptProof).Methods("POST")
	api.HandleFunc("/tasks/{id}/proof/reject", s.handleRejectProof).Methods("POST")
	api.HandleFunc("/tasks/{id}/complete", s.handleCompleteTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods("POST")
	api.HandleFunc("/tasks/{id}/progress", s.handleAdvanceProgress).Methods("POST")

	api.HandleFunc("/disputes", s.handleCreateDispute).Methods("POST")
	api.HandleFunc("/disputes/{id}", s.handleGetDispute).Methods("GET")
	api.HandleFunc("/disputes/{id}/respond", s.handleRespondDispute).Methods("POST")
	api.HandleFunc("/disputes/{id}/evidence", s.handleAddEvidence).Methods("POST")

	api.HandleFunc("/xp/tax/pay", s.handlePayTax).Methods("POST")
	api.HandleFunc("/series", s.handleCreateSeries).Methods("POST")

	api.HandleFunc("/webhooks/subscriptions", s.handleRegisterWebhook).Methods("POST")
	api.HandleFunc("/webhooks/subscriptions/{id}", s.handleUnregisterWebhook).Methods("DELETE")

	// Admin surface. Capability checks happen inside the services
	// (admin_roles), not here.
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/disputes/{id}/resolve", s.handleResolveDispute).Methods("POST")
	admin.HandleFunc("/users/{id}/promote", s.handlePromoteUser).Methods("POST")
	admin.HandleFunc("/users/{id}/ban", s.handleBanUser).Methods("POST")
	admin.HandleFunc("/users/{id}/recompute", s.handleRecompute).Methods("POST")

	return r
}

// userID extracts the authenticated caller set by the gateway.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			writeResult(w, http.StatusUnauthorized, hxerr.Failf(hxerr.Forbidden, "missing caller identity"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[API] %s %s (%v)", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]any{"status": "healthy", "service": "hustlexp-api"}
	code := http.StatusOK
	for name, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			status[name] = "error"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			status[name] = "connected"
		}
	}
	if s.hub != nil {
		status["realtime_users"] = s.hub.ConnectedUsers()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		uid = r.URL.Query().Get("user_id")
	}
	if uid == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	s.hub.HandleWebSocket(w, r, uid)
}

// writeResult sends the standard envelope with the mapped HTTP status.
func writeResult(w http.ResponseWriter, status int, res *hxerr.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func ok(w http.ResponseWriter, data any) {
	writeResult(w, http.StatusOK, hxerr.OK(data))
}

func created(w http.ResponseWriter, data any) {
	writeResult(w, http.StatusCreated, hxerr.OK(data))
}

func fail(w http.ResponseWriter, err error) {
	writeResult(w, httpStatus(hxerr.CodeOf(hxerr.FromDB(err))), hxerr.Fail(err))
}

// httpStatus maps stable codes to transport statuses. Kernel invariant
// codes are conflicts: the request was well-formed but the state refused.
func httpStatus(code hxerr.Code) int {
	switch code {
	case hxerr.NotFound:
		return http.StatusNotFound
	case hxerr.Duplicate:
		return http.StatusConflict
	case hxerr.Forbidden, hxerr.UserBanned, hxerr.TrustTierInsufficient,
		hxerr.TaskRiskBlockedAlpha, hxerr.InstantTaskTrustInsufficient,
		hxerr.PlanRequired:
		return http.StatusForbidden
	case hxerr.RateLimitExceeded:
		return http.StatusTooManyRequests
	case hxerr.PriceTooLow, hxerr.Live2Violation, hxerr.InstantTaskIncomplete,
		hxerr.InvalidState:
		return http.StatusBadRequest
	case hxerr.InvalidTransition, hxerr.TaskTerminal, hxerr.EscrowTerminal:
		return http.StatusConflict
	case hxerr.DBError, hxerr.Internal:
		return http.StatusInternalServerError
	default:
		// HX### kernel codes.
		return http.StatusConflict
	}
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return hxerr.New(hxerr.InvalidState, "invalid request body: %v", err)
	}
	return nil
}
