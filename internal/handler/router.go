package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ComUnity/edge-service/internal/service"
	"github.com/ComUnity/edge-service/internal/util"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

const (
	pageCacheControl     = "public, max-age=3600, s-maxage=86400, stale-while-revalidate=86400"
	redirectCacheControl = "no-store"
)

// Redirector is implemented by *service.RedirectService.
type Redirector interface {
	Resolve(ctx context.Context, slug string, query url.Values) (*service.Resolution, error)
	Preview(ctx context.Context, slug string, query url.Values) (*service.Resolution, error)
	PublishPage(ctx context.Context, slug, html string) error
	UnpublishPage(ctx context.Context, slug string) error
	Purge(ctx context.Context, slug string) error
}

// TokenValidator is implemented by *util.AdminTokenValidator.
type TokenValidator interface {
	Validate(token string) (*util.AdminClaims, error)
}

type RouterHandler struct {
	svc   Redirector
	admin TokenValidator
}

func NewRouterHandler(svc Redirector, admin TokenValidator) *RouterHandler {
	return &RouterHandler{svc: svc, admin: admin}
}

// Resolve serves GET /{slug...}: a published page or a 302 to a variant.
// HEAD gets the same answer without counting a visit.
func (h *RouterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	slug := strings.Trim(chi.URLParam(r, "*"), "/")
	if slug == "" || slug == "favicon.ico" {
		writeText(w, http.StatusNotFound, "Not Found")
		return
	}

	resolve := h.svc.Resolve
	if r.Method == http.MethodHead {
		resolve = h.svc.Preview
	}
	res, err := resolve(r.Context(), slug, r.URL.Query())
	switch {
	case errors.Is(err, service.ErrTestNotFound):
		writeText(w, http.StatusNotFound, "Test not found")
		return
	case errors.Is(err, service.ErrNoVariants):
		logger.Errorf("test %s is active without variants", slug)
		writeText(w, http.StatusInternalServerError, "No variants configured")
		return
	case err != nil:
		logger.Errorf("resolve %s: %v", slug, err)
		writeText(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	setWorkerTiming(w, start)
	if res.IsPage {
		w.Header().Set("Cache-Control", pageCacheControl)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(res.Page))
		return
	}

	// 302, so every visit re-enters the split
	w.Header().Set("Cache-Control", redirectCacheControl)
	w.Header().Set("Location", res.Location)
	w.WriteHeader(http.StatusFound)
}

// RequireAdmin rejects requests without a valid bearer token.
func (h *RouterHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.admin.Validate(bearerToken(r)); err != nil {
			writeText(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Purge serves POST /admin/purge?slug=.
func (h *RouterHandler) Purge(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.URL.Query().Get("slug"))
	if slug == "" {
		writeText(w, http.StatusBadRequest, "Missing slug")
		return
	}
	if err := h.svc.Purge(r.Context(), slug); err != nil {
		logger.Errorf("purge %s: %v", slug, err)
		writeText(w, http.StatusInternalServerError, "Purge failed")
		return
	}
	logger.Infof("purged cache for %s", slug)
	writeText(w, http.StatusOK, "Purged cache for "+slug)
}

type publishRequest struct {
	Slug string `json:"slug"`
	HTML string `json:"html"`
}

// Publish serves POST /admin/pages.
func (h *RouterHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid body")
		return
	}
	req.Slug = strings.Trim(req.Slug, "/ ")
	if req.Slug == "" || req.HTML == "" {
		writeText(w, http.StatusBadRequest, "Invalid body")
		return
	}
	if err := h.svc.PublishPage(r.Context(), req.Slug, req.HTML); err != nil {
		logger.Errorf("publish %s: %v", req.Slug, err)
		writeText(w, http.StatusInternalServerError, "Publish failed")
		return
	}
	logger.Infof("published page %s (%d bytes)", req.Slug, len(req.HTML))
	writeText(w, http.StatusOK, "Published "+req.Slug)
}

// Unpublish serves DELETE /admin/pages?slug=.
func (h *RouterHandler) Unpublish(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(r.URL.Query().Get("slug"))
	if slug == "" {
		writeText(w, http.StatusBadRequest, "Missing slug")
		return
	}
	if err := h.svc.UnpublishPage(r.Context(), slug); err != nil {
		logger.Errorf("unpublish %s: %v", slug, err)
		writeText(w, http.StatusInternalServerError, "Unpublish failed")
		return
	}
	writeText(w, http.StatusOK, "Unpublished "+slug)
}

func setWorkerTiming(w http.ResponseWriter, start time.Time) {
	ms := time.Since(start).Milliseconds()
	w.Header().Set("Server-Timing", "worker;dur="+strconv.FormatInt(ms, 10))
	w.Header().Set("X-Worker-Time", strconv.FormatInt(ms, 10)+"ms")
}
