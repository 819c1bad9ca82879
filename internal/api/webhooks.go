package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hustlexp/backend/internal/notify"
	"github.com/hustlexp/backend/internal/payments"
)

const maxWebhookBody = 1 << 20 // 1MB

// handlePaymentWebhook ingests a raw payment processor event. Signature
// verification happens before any parsing; ingestion itself is
// idempotent on the external event id so redeliveries are safe.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Payment-Signature")
	if s.webhookSecret != "" && !payments.VerifySignature(body, s.webhookSecret, sig) {
		s.logger.Printf("⚠️ Rejected payment webhook with bad signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ID == "" || envelope.Type == "" {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	if err := s.ingestor.Ingest(r.Context(), envelope.ID, envelope.Type, body); err != nil {
		// The processor retries on 5xx; everything transient lands here.
		s.logger.Printf("❌ Webhook ingest failed for %s: %v", envelope.ID, err)
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"received":true}`))
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret string   `json:"secret"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	sub := &notify.Subscription{
		URL:    req.URL,
		Events: req.Events,
		Secret: req.Secret,
		UserID: userID(r),
	}
	if err := s.registry.Register(sub); err != nil {
		fail(w, err)
		return
	}
	created(w, sub)
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]string{"unregistered": mux.Vars(r)["id"]})
}
