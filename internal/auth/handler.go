package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler provides HTTP handlers for auth endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a new auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns a chi.Router with the SIWE endpoints mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/nonce", h.HandleNonce)
	r.Post("/verify", h.HandleVerify)
	return r
}

// nonceResponse is the JSON response for POST /auth/nonce.
type nonceResponse struct {
	Nonce string `json:"nonce"`
}

// verifyRequest is the JSON request body for POST /auth/verify.
type verifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// verifyResponse is the JSON response for POST /auth/verify.
type verifyResponse struct {
	Token string `json:"token"`
}

// HandleNonce handles POST /auth/nonce: generates and returns a nonce.
func (h *Handler) HandleNonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := h.svc.GenerateNonce(r.Context())
	if err != nil {
		slog.Error("auth: generate nonce", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to generate nonce")
		return
	}
	writeJSON(w, http.StatusOK, nonceResponse{Nonce: nonce})
}

// HandleVerify handles POST /auth/verify: verifies the SIWE signature and returns a JWT.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.Message == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "message and signature are required")
		return
	}

	token, err := h.svc.VerifySIWE(r.Context(), req.Message, req.Signature)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrNonceNotFound):
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		case errors.Is(err, ErrBadMessage):
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		case errors.Is(err, ErrNotOwner):
			writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
		default:
			slog.Error("auth: SIWE verification failed", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "verification failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Token: token})
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
