// internal/membership/handler.go
package membership

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/libranexus/lending/internal/api"
)

// Handler serves the patron endpoints over HTTP.
type Handler struct {
	service Service
}

// NewHandler creates a Handler backed by service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the patron endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/patrons", h.handleRegisterPatron)
	r.Get("/patrons/{id}", h.handleGetPatron)
	r.Post("/patrons/{id}/block", h.handleSetBlocked(true))
	r.Post("/patrons/{id}/unblock", h.handleSetBlocked(false))
}

func (h *Handler) handleRegisterPatron(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email          string `json:"email" validate:"required,email"`
		Name           string `json:"name" validate:"required"`
		MaxActiveLoans int    `json:"max_active_loans" validate:"gte=0"`
		TelegramChatID int64  `json:"telegram_chat_id"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	patron, err := h.service.RegisterPatron(r.Context(), Registration{
		Email:          req.Email,
		Name:           req.Name,
		MaxActiveLoans: req.MaxActiveLoans,
		TelegramChatID: req.TelegramChatID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, patron)
}

func (h *Handler) handleGetPatron(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	patron, err := h.service.GetPatron(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, patron)
}

func (h *Handler) handleSetBlocked(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := api.IDParam(r, "id")
		if err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
		patron, err := h.service.SetBlocked(r.Context(), id, blocked)
		if err != nil {
			h.writeError(w, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, patron)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPatronNotFound):
		api.WriteError(w, http.StatusNotFound, "patron_not_found", err)
	case errors.Is(err, ErrInvalidPatron):
		api.WriteError(w, http.StatusBadRequest, "invalid_patron", err)
	case errors.Is(err, ErrDuplicatePatron):
		api.WriteError(w, http.StatusConflict, "duplicate_patron", err)
	case errors.Is(err, ErrRateLimited):
		api.WriteError(w, http.StatusTooManyRequests, "rate_limited", err)
	default:
		api.WriteError(w, http.StatusInternalServerError, "internal", err)
	}
}
