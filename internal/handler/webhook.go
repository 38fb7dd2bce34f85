package handler

import (
	"context"
	"net/http"

	"github.com/ComUnity/edge-service/internal/service"
	"github.com/ComUnity/edge-service/internal/util"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

const signatureHeader = "x-wh-signature"

// WebhookReceiver is implemented by *service.WebhookService.
type WebhookReceiver interface {
	Receive(ctx context.Context, env *service.WebhookEnvelope) (*service.Receipt, error)
}

type WebhookHandler struct {
	svc      WebhookReceiver
	verifier util.SignatureVerifier
	maxBody  int64
}

func NewWebhookHandler(svc WebhookReceiver, verifier util.SignatureVerifier, maxBody int64) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &WebhookHandler{svc: svc, verifier: verifier, maxBody: maxBody}
}

// Receive serves POST /. Processing happens after the response.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, tooLarge, err := readBody(w, r, h.maxBody)
	if tooLarge {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Payload too large")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Could not read body")
		return
	}

	env, err := service.ParseEnvelope(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if err := env.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get(signatureHeader)); err != nil {
		logger.Warnf("webhook %s rejected: %v", env.Type, err)
		writeJSONError(w, http.StatusUnauthorized, "invalid_signature", "Invalid signature")
		return
	}

	receipt, err := h.svc.Receive(r.Context(), env)
	if err != nil {
		logger.Errorf("webhook %s: %v", env.Type, err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}
	if receipt.Duplicate {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook already processed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook received", "id": receipt.ID})
}
