// Package server provides the HTTP surface of the prerender server: the page
// itself, a fake login that sets the identity cookie, and a small JSON API
// over builds and the cache.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/resume"
	"github.com/rogers-f/prerender/internal/store"
)

// RebuildFunc runs a build and returns its artifacts.
type RebuildFunc func(ctx context.Context) (*domain.BuildArtifacts, error)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Resumer *resume.Resumer

	// DB is optional; without it the build history endpoints return 404.
	DB        *sql.DB
	BuildRepo *store.BuildRepo
	EventRepo *store.EventRepo

	// Rebuild is optional; without it POST /api/v1/build is rejected.
	Rebuild RebuildFunc

	IdentityCookie string
	PollInterval   time.Duration
	Logger         *zap.Logger

	buildMu sync.Mutex
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	BuildID string `json:"build_id,omitempty"`
}

// BuildResponse is the response for the build endpoints.
type BuildResponse struct {
	domain.BuildMetadata
	Accesses []domain.AccessEvent `json:"accesses,omitempty"`
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// Page handles GET /.
func (h *Handler) Page(w http.ResponseWriter, r *http.Request) {
	h.Resumer.ServeHTTP(w, r)
}

// Login handles GET /login?name=X. It sets the identity cookie and redirects
// to the page.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "name is required"})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.IdentityCookie,
		Value:    name,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Logout handles GET /logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.IdentityCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if a := h.Resumer.Artifacts(); a != nil {
		resp.BuildID = a.Metadata.BuildID
	} else {
		resp.Status = "no_build"
	}
	writeJSON(w, http.StatusOK, resp)
}

// CurrentBuild handles GET /api/v1/build.
func (h *Handler) CurrentBuild(w http.ResponseWriter, r *http.Request) {
	a := h.Resumer.Artifacts()
	if a == nil {
		writeError(w, domain.ErrArtifactsMissing)
		return
	}
	writeJSON(w, http.StatusOK, BuildResponse{BuildMetadata: a.Metadata, Accesses: a.Accesses})
}

// TriggerBuild handles POST /api/v1/build. The new build is served as soon
// as it finishes.
func (h *Handler) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	if h.Rebuild == nil {
		writeJSON(w, http.StatusMethodNotAllowed, APIError{Code: 405, Message: "rebuild is not enabled"})
		return
	}
	if !h.buildMu.TryLock() {
		writeError(w, domain.ErrBuildInProgress)
		return
	}
	defer h.buildMu.Unlock()

	a, err := h.Rebuild(r.Context())
	if err != nil {
		h.logger().Error("rebuild failed", zap.Error(err))
		writeError(w, err)
		return
	}
	if err := h.Resumer.Load(a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, BuildResponse{BuildMetadata: a.Metadata, Accesses: a.Accesses})
}

// ListBuilds handles GET /api/v1/builds?limit=N.
func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeError(w, domain.ErrBuildNotFound)
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	recs, err := h.BuildRepo.List(r.Context(), h.DB, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]domain.BuildMetadata, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Metadata)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetBuild handles GET /api/v1/builds/{buildID}.
func (h *Handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeError(w, domain.ErrBuildNotFound)
		return
	}
	rec, err := h.BuildRepo.GetByID(r.Context(), h.DB, r.PathValue("buildID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeError(w, domain.ErrBuildNotFound)
		return
	}
	writeJSON(w, http.StatusOK, BuildResponse{BuildMetadata: rec.Metadata, Accesses: rec.Accesses})
}

// ListEvents handles GET /api/v1/builds/{buildID}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeError(w, domain.ErrBuildNotFound)
		return
	}
	buildID := r.PathValue("buildID")
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.EventRepo.ListByBuild(r.Context(), h.DB, buildID, sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.BuildEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamEvents handles GET /api/v1/builds/{buildID}/events/stream (SSE).
// The stream ends when the build reaches a terminal phase or the client
// goes away.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeError(w, domain.ErrBuildNotFound)
		return
	}
	buildID := r.PathValue("buildID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	lastSeq := int64(0)
	send := func() (done bool, err error) {
		events, err := h.EventRepo.ListByBuild(ctx, h.DB, buildID, lastSeq)
		if err != nil {
			return false, err
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, ev)
			lastSeq = ev.SeqNo
			if ev.Phase == domain.PhaseDone || ev.Phase == domain.PhaseFailed {
				done = true
			}
		}
		return done, nil
	}

	if done, err := send(); err != nil {
		writeSSEError(w, flusher, err)
		return
	} else if done {
		return
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := send()
			if err != nil || done {
				return
			}
		}
	}
}

// CacheStats handles GET /api/v1/cache.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := h.Resumer.CacheStats()
	if !ok {
		writeError(w, domain.ErrArtifactsMissing)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrArtifactsMissing.Code, domain.ErrBuildNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrBuildInProgress.Code:
			status = http.StatusConflict
		case domain.ErrSnapshotCorrupt.Code:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.BuildEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
