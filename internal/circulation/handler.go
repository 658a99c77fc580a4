// internal/circulation/handler.go
package circulation

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/libranexus/lending/internal/api"
)

// Handler serves the lending endpoints over HTTP.
type Handler struct {
	service Service
}

// NewHandler creates a Handler backed by service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the loan and reservation endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/loans", func(r chi.Router) {
		r.Post("/", h.handleCheckout)
		r.Get("/", h.handleListLoans)
		r.Get("/{id}", h.handleGetLoan)
		r.Post("/{id}/extend", h.handleExtend)
		r.Post("/{id}/return", h.handleReturn)
	})
	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", h.handleReserve)
		r.Get("/", h.handleListReservations)
		r.Get("/{id}", h.handleGetReservation)
		r.Post("/{id}/cancel", h.handleCancel)
		r.Post("/{id}/claim", h.handleClaim)
	})
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatronID     uuid.UUID `json:"patron_id" validate:"required"`
		TitleID      uuid.UUID `json:"title_id" validate:"required"`
		DurationDays int       `json:"duration_days" validate:"gte=0"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	loan, err := h.service.Checkout(r.Context(), req.PatronID, req.TitleID, req.DurationDays)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleListLoans(w http.ResponseWriter, r *http.Request) {
	var (
		f   LoanFilter
		err error
	)
	if f.TitleID, err = api.QueryID(r, "title_id"); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if f.PatronID, err = api.QueryID(r, "patron_id"); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	for _, s := range queryList(r, "state") {
		f.States = append(f.States, LoanState(s))
	}

	loans, err := h.service.ListLoans(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if loans == nil {
		loans = []*Loan{}
	}
	api.WriteJSON(w, http.StatusOK, loans)
}

func (h *Handler) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	loan, err := h.service.GetLoan(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var req struct {
		Days int `json:"days" validate:"gte=0"`
	}
	if r.ContentLength != 0 {
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}

	loan, err := h.service.Extend(r.Context(), id, req.Days)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var req struct {
		ReturnedAt time.Time `json:"returned_at"`
	}
	if r.ContentLength != 0 {
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}

	loan, err := h.service.Return(r.Context(), id, req.ReturnedAt)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatronID uuid.UUID `json:"patron_id" validate:"required"`
		TitleID  uuid.UUID `json:"title_id" validate:"required"`
	}
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}

	res, err := h.service.Reserve(r.Context(), req.PatronID, req.TitleID)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleListReservations(w http.ResponseWriter, r *http.Request) {
	var (
		f   ReservationFilter
		err error
	)
	if f.TitleID, err = api.QueryID(r, "title_id"); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if f.PatronID, err = api.QueryID(r, "patron_id"); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	for _, s := range queryList(r, "state") {
		f.States = append(f.States, ReservationState(s))
	}

	rs, err := h.service.ListReservations(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if rs == nil {
		rs = []*Reservation{}
	}
	api.WriteJSON(w, http.StatusOK, rs)
}

func (h *Handler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.service.GetReservation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, err := api.IDParam(r, "id")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
		return
	}
	var req struct {
		DurationDays int `json:"duration_days" validate:"gte=0"`
	}
	if r.ContentLength != 0 {
		if err := api.Decode(r, &req); err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}

	loan, err := h.service.Claim(r.Context(), id, req.DurationDays)
	if err != nil {
		writeError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, loan)
}

// queryList accepts both repeated and comma separated values.
func queryList(r *http.Request, name string) []string {
	var out []string
	for _, v := range r.URL.Query()[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var statusByKind = map[Kind]int{
	KindValidation: http.StatusUnprocessableEntity,
	KindNotFound:   http.StatusNotFound,
	KindState:      http.StatusConflict,
	KindConflict:   http.StatusConflict,
	KindInvariant:  http.StatusInternalServerError,
	KindInternal:   http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, err error) {
	status := statusByKind[Classify(err)]
	if errors.Is(err, ErrInvalidRequest) {
		status = http.StatusBadRequest
	}
	api.WriteError(w, status, Code(err), err)
}
