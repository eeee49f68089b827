package offlinekit

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// AdminOptions configures the admin HTTP API.
type AdminOptions struct {
	// Token, when set, is required as a bearer token on every route but /health.
	Token  string
	Logger *zap.Logger
}

type adminHandler struct {
	layer *Layer
	token string
	log   *zap.Logger
}

// NewAdminHandler returns the local introspection API for layer.
func NewAdminHandler(layer *Layer, opts *AdminOptions) http.Handler {
	h := &adminHandler{layer: layer}
	if opts != nil {
		h.token = opts.Token
		h.log = opts.Logger
	}
	h.log = nopIfNil(h.log)
	return h.routes()
}

func (h *adminHandler) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(h.auth)

		r.Get("/status", h.status)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.listQueue)
			r.Post("/sync", h.syncQueue)
			r.Delete("/", h.clearQueue)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", h.cacheStats)
			r.Get("/entries", h.cacheEntries)
			r.Post("/invalidate", h.invalidate)
			r.Post("/cleanup", h.cleanup)
		})

		r.Get("/entities/{entity}", h.entity)
	})

	return r
}

// ── Middleware ───────────────────────────────────────────

func (h *adminHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *adminHandler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errResult(&APIError{Code: "UNAUTHORIZED", Message: "missing or invalid token"}))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ── Handlers ─────────────────────────────────────────────

func (h *adminHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *adminHandler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResult(h.layer.Status()))
}

func (h *adminHandler) listQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResult(h.layer.Queue().GetPendingActions()))
}

func (h *adminHandler) syncQueue(w http.ResponseWriter, r *http.Request) {
	res := h.layer.Drain(r.Context())
	status := http.StatusOK
	if !res.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (h *adminHandler) clearQueue(w http.ResponseWriter, r *http.Request) {
	n := h.layer.Queue().Len()
	h.layer.Queue().ClearPendingActions(r.Context())
	writeJSON(w, http.StatusOK, okResult(map[string]int{"cleared": n}))
}

func (h *adminHandler) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResult(h.layer.Cache().Stats()))
}

func (h *adminHandler) cacheEntries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResult(h.layer.Cache().Entries()))
}

func (h *adminHandler) invalidate(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		writeJSON(w, http.StatusBadRequest, errResult(&APIError{Code: "VALIDATION", Message: "tag is required"}))
		return
	}
	n := h.layer.Cache().InvalidateByTag(tag)
	writeJSON(w, http.StatusOK, okResult(map[string]any{"tag": tag, "removed": n}))
}

func (h *adminHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	n := h.layer.Cache().Cleanup()
	writeJSON(w, http.StatusOK, okResult(map[string]int{"removed": n}))
}

func (h *adminHandler) entity(w http.ResponseWriter, r *http.Request) {
	rec := h.layer.SyncChannel().Entity(r.Context(), chi.URLParam(r, "entity"))
	writeJSON(w, http.StatusOK, okResult(rec))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
