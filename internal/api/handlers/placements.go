package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"quotebid/internal/core"
	"quotebid/internal/types"
)

// PlacementStore is the read subset of db.PlacementRepository used by the
// placement handler.
type PlacementStore interface {
	Get(ctx context.Context, id string) (*types.Placement, error)
}

// PlacementBiller runs the billing workflow against a placement.
type PlacementBiller interface {
	Bill(ctx context.Context, placementID string) (*types.Placement, error)
	RetryBilling(ctx context.Context, placementID string) (*types.Placement, error)
	Notify(ctx context.Context, placementID string) error
}

// PlacementHandler exposes the placement billing operations.
type PlacementHandler struct {
	store  PlacementStore
	biller PlacementBiller
	logger *slog.Logger
}

func NewPlacementHandler(store PlacementStore, biller PlacementBiller, l *slog.Logger) *PlacementHandler {
	if l == nil {
		l = slog.Default()
	}
	return &PlacementHandler{
		store:  store,
		biller: biller,
		logger: l,
	}
}

// RegisterRoutes mounts placement routes on the provided chi.Router.
func (h *PlacementHandler) RegisterRoutes(r chi.Router) {
	r.Route("/placements", func(r chi.Router) {
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/bill", h.Bill)
			r.Post("/retry-billing", h.RetryBilling)
			r.Post("/notify", h.Notify)
		})
	})
}

// Get handles GET /v1/placements/{id}.
func (h *PlacementHandler) Get(w http.ResponseWriter, r *http.Request) {
	placement, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, placement)
}

// Bill handles POST /v1/placements/{id}/bill. Errors carry the workflow's
// conflict and precondition codes; a capture decline surfaces as a payment
// error with the placement left in error state.
func (h *PlacementHandler) Bill(w http.ResponseWriter, r *http.Request) {
	placement, err := h.biller.Bill(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, placement)
}

// RetryBilling handles POST /v1/placements/{id}/retry-billing. Only
// placements in error state are retryable.
func (h *PlacementHandler) RetryBilling(w http.ResponseWriter, r *http.Request) {
	placement, err := h.biller.RetryBilling(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, placement)
}

// Notify handles POST /v1/placements/{id}/notify. Repeated calls after a
// successful notification are no-ops.
func (h *PlacementHandler) Notify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.biller.Notify(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	placement, err := h.store.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, placement)
}
