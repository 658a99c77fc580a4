// internal/catalog/handler.go
package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/libranexus/lending/internal/api"
)

// Handler serves the catalog endpoints over HTTP.
type Handler struct {
	service Service
}

// NewHandler creates a Handler backed by service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the title endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/titles", h.handleAddTitle)
	r.Get("/titles", h.handleListTitles)
	r.Get("/titles/{id}", h.handleGetTitle)
	r.Delete("/titles/{id}", h.handleRetireTitle)
}

func (h *Handler) handleAddTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ISBN        string `json:"isbn"`
		Name        string `json:"name" validate:"required"`
		Author      string `json:"author"`
		TotalCopies int    `json:"total_copies" validate:"gte=0"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	title, err := h.service.AddTitle(r.Context(), req.ISBN, req.Name, req.Author, req.TotalCopies)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, title)
}

func (h *Handler) handleListTitles(w http.ResponseWriter, r *http.Request) {
	titles, err := h.service.ListTitles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, titles)
}

func (h *Handler) handleGetTitle(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	title, err := h.service.GetTitle(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, title)
}

func (h *Handler) handleRetireTitle(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	title, err := h.service.RetireTitle(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, title)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTitleNotFound):
		api.WriteError(w, http.StatusNotFound, "title_not_found", err)
	case errors.Is(err, ErrInvalidTitle):
		api.WriteError(w, http.StatusBadRequest, "invalid_title", err)
	default:
		api.WriteError(w, http.StatusInternalServerError, "internal", err)
	}
}
