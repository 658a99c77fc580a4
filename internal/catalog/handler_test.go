package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/internal/clock"
	"github.com/libranexus/lending/internal/store/memstore"
)

func newService(t *testing.T) (catalog.Service, http.Handler) {
	t.Helper()
	clk := clock.NewManual(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	svc := catalog.NewService(memstore.New(), catalog.NewLedger(clk, zap.NewNop()), clk, zap.NewNop())
	r := chi.NewRouter()
	catalog.NewHandler(svc).Routes(r)
	return svc, r
}

func TestAddTitleValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.AddTitle(ctx, "", "  ", "", 1)
	assert.ErrorIs(t, err, catalog.ErrInvalidTitle)
	_, err = svc.AddTitle(ctx, "", "Dune", "", -1)
	assert.ErrorIs(t, err, catalog.ErrInvalidTitle)

	title, err := svc.AddTitle(ctx, "", "Dune", "Herbert", 0)
	require.NoError(t, err)
	assert.True(t, title.Active)
	assert.Zero(t, title.AvailableCopies)
}

func TestRetireTitleIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	title, err := svc.AddTitle(ctx, "", "Dune", "Herbert", 2)
	require.NoError(t, err)

	retired, err := svc.RetireTitle(ctx, title.ID)
	require.NoError(t, err)
	assert.False(t, retired.Active)
	assert.Equal(t, 2, retired.AvailableCopies)

	again, err := svc.RetireTitle(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, retired.Version, again.Version)

	_, err = svc.RetireTitle(ctx, uuid.New())
	assert.ErrorIs(t, err, catalog.ErrTitleNotFound)
}

func TestTitleHandlers(t *testing.T) {
	_, h := newService(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/titles",
		strings.NewReader(`{"isbn":"978-0441013593","name":"Dune","author":"Frank Herbert","total_copies":3}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var title catalog.Title
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &title))
	assert.Equal(t, 3, title.AvailableCopies)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/titles/"+title.ID.String(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/titles", nil))
	var titles []catalog.Title
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &titles))
	assert.Len(t, titles, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/titles/"+title.ID.String(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing name", http.MethodPost, "/titles", `{"total_copies":1}`, http.StatusBadRequest},
		{"negative copies", http.MethodPost, "/titles", `{"name":"X","total_copies":-1}`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/titles/not-a-uuid", "", http.StatusBadRequest},
		{"unknown title", http.MethodGet, "/titles/" + uuid.NewString(), "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
