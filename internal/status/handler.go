package status

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler provides the HTTP surface of the status service.
type Handler struct {
	svc    *Service
	guard  func(http.Handler) http.Handler
	writer func(http.Handler) http.Handler
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithWriterGuard wraps the history write routes.
func WithWriterGuard(g func(http.Handler) http.Handler) HandlerOption {
	return func(h *Handler) { h.writer = g }
}

func passThrough(next http.Handler) http.Handler { return next }

// NewHandler creates a handler. guard wraps the owner-only routes; nil leaves
// them open. History writes are open unless WithWriterGuard is given.
func NewHandler(svc *Service, guard func(http.Handler) http.Handler, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, guard: guard, writer: passThrough}
	if h.guard == nil {
		h.guard = passThrough
	}
	for _, o := range opts {
		o(h)
	}
	if h.writer == nil {
		h.writer = passThrough
	}
	return h
}

// Routes returns a chi.Router with every status route mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", h.HandleStatus)
	r.Get("/history", h.HandleHistory)
	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.writer)
		r.Post("/history", h.HandleAppend)
		r.Post("/add_history", h.HandleAppend)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.guard)
		r.Post("/trigger/overload", h.HandleOverload)
		r.Post("/trigger/sub", h.HandleExpiring)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
	})
	return r
}

// HandleStatus handles GET /status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Snapshot(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleHistory handles GET /history?limit=N.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.svc.History(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleAppend handles POST /history and the legacy POST /add_history.
func (h *Handler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	var e HistoryEntry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	rec, err := h.svc.Record(r.Context(), e)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// HandleOverload handles POST /trigger/overload.
func (h *Handler) HandleOverload(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.TriggerOverload(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleExpiring handles POST /trigger/sub.
func (h *Handler) HandleExpiring(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.TriggerExpiring(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandlePause handles POST /pause.
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.SetPaused(r.Context(), true)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleResume handles POST /resume.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.SetPaused(r.Context(), false)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.Snapshot(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	default:
		slog.Error("status: internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}
