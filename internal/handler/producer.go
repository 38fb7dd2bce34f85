package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ComUnity/edge-service/internal/middleware"
	"github.com/ComUnity/edge-service/internal/models"
	"github.com/ComUnity/edge-service/internal/service"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

// EventIngester is implemented by *service.EventService.
type EventIngester interface {
	Authorize(meta service.RequestMeta) error
	Ingest(ctx context.Context, ev models.TrackingEvent, meta service.RequestMeta) (models.TrackingEvent, error)
}

type ProducerHandler struct {
	svc     EventIngester
	maxBody int64
}

func NewProducerHandler(svc EventIngester, maxBody int64) *ProducerHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &ProducerHandler{svc: svc, maxBody: maxBody}
}

// Collect serves POST /. The rate limiter runs before it as middleware.
func (h *ProducerHandler) Collect(w http.ResponseWriter, r *http.Request) {
	meta := service.RequestMeta{
		Origin:    r.Header.Get("Origin"),
		Referer:   r.Header.Get("Referer"),
		Secret:    r.Header.Get("X-GTM-Secret"),
		IP:        middleware.ClientIPFromContext(r.Context()),
		UserAgent: r.UserAgent(),
	}

	switch err := h.svc.Authorize(meta); {
	case errors.Is(err, service.ErrForbiddenOrigin):
		logger.Warnf("rejected event from origin %q referer %q", meta.Origin, meta.Referer)
		writeJSONError(w, http.StatusForbidden, "forbidden", "Origin not allowed")
		return
	case err != nil:
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid secret")
		return
	}

	body, tooLarge, err := readBody(w, r, h.maxBody)
	if tooLarge {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Payload too large")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "Could not read body")
		return
	}

	var ev models.TrackingEvent
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil || ev == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_json", "Body must be a JSON object")
		return
	}

	if _, err := h.svc.Ingest(r.Context(), ev, meta); err != nil {
		switch {
		case errors.Is(err, service.ErrMissingEventName):
			writeJSONError(w, http.StatusBadRequest, "missing_event_name", "event_name is required")
		case errors.Is(err, service.ErrEnqueue):
			logger.Errorf("event %s not queued: %v", ev.Name(), err)
			writeJSONError(w, http.StatusServiceUnavailable, "queue_unavailable", "Event could not be queued")
		default:
			logger.Errorf("ingest %s: %v", ev.Name(), err)
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "queued": true})
}

// MethodNotAllowed answers anything but POST and OPTIONS.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
}
