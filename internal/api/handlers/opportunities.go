// Package handlers contains the HTTP handler implementations for the QuoteBid
// admin API. Each handler declares the narrow interfaces it depends on and
// registers its own routes on the v1 router.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"quotebid/internal/core"
	"quotebid/internal/types"
)

// OpportunityStore is the subset of db.OpportunityRepository used by the
// opportunity handler.
type OpportunityStore interface {
	Create(ctx context.Context, o *types.Opportunity) error
	Get(ctx context.Context, id string) (*types.Opportunity, error)
	List(ctx context.Context, limit int) ([]*types.Opportunity, error)
}

// AlertEmailScheduler schedules the opportunity alert email and surfaces rows
// whose send attempt never completed.
type AlertEmailScheduler interface {
	ScheduleEmail(ctx context.Context, opportunityID string) error
	ListStuckAttempts(ctx context.Context) ([]*types.Opportunity, error)
}

// SavedReminderScheduler manages saved-opportunity reminder rows.
type SavedReminderScheduler interface {
	ScheduleSavedReminder(ctx context.Context, userID, opportunityID string) error
	CancelSavedReminder(ctx context.Context, userID, opportunityID string) error
}

// CreateOpportunityRequest is the request body for POST /v1/opportunities.
type CreateOpportunityRequest struct {
	PublicationID string    `json:"publication_id" validate:"required"`
	Title         string    `json:"title" validate:"required,max=200"`
	Description   string    `json:"description,omitempty" validate:"max=5000"`
	Industry      string    `json:"industry" validate:"required,max=100"`
	MinimumBid    int64     `json:"minimum_bid_cents" validate:"required,gt=0"`
	Deadline      time.Time `json:"deadline" validate:"required"`
}

// SaveOpportunityRequest is the request body for the save/unsave endpoints.
type SaveOpportunityRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// OpportunityHandler manages opportunity creation, retrieval, and alert email
// scheduling.
type OpportunityHandler struct {
	store     OpportunityStore
	alerts    AlertEmailScheduler
	reminders SavedReminderScheduler
	validator *core.Validator
	logger    *slog.Logger
}

func NewOpportunityHandler(
	store OpportunityStore,
	alerts AlertEmailScheduler,
	reminders SavedReminderScheduler,
	v *core.Validator,
	l *slog.Logger,
) *OpportunityHandler {
	if l == nil {
		l = slog.Default()
	}
	return &OpportunityHandler{
		store:     store,
		alerts:    alerts,
		reminders: reminders,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts opportunity routes on the provided chi.Router.
// The static stuck-attempts route is registered before the {id} subtree so
// chi matches it first.
func (h *OpportunityHandler) RegisterRoutes(r chi.Router) {
	r.Route("/opportunities", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/stuck-attempts", h.StuckAttempts)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/schedule-email", h.ScheduleEmail)
			r.Post("/save", h.Save)
			r.Post("/unsave", h.Unsave)
		})
	})
}

// Create handles POST /v1/opportunities. The opportunity opens at its minimum
// bid and its alert email is scheduled immediately after persistence.
func (h *OpportunityHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateOpportunityRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	opp := &types.Opportunity{
		ID:            types.NewID(types.IDPrefixOpportunity),
		PublicationID: req.PublicationID,
		Title:         req.Title,
		Description:   req.Description,
		Industry:      req.Industry,
		Status:        types.OpportunityOpen,
		MinimumBid:    req.MinimumBid,
		CurrentPrice:  req.MinimumBid,
		Deadline:      req.Deadline,
	}

	if err := h.store.Create(r.Context(), opp); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.alerts.ScheduleEmail(r.Context(), opp.ID); err != nil {
		// The row exists; the fail-safe listing picks up opportunities that
		// were never scheduled, so creation still succeeds.
		h.logger.ErrorContext(r.Context(), "failed to schedule alert email",
			"opportunity_id", opp.ID,
			"error", err,
		)
	}

	core.JSON(w, r, http.StatusCreated, opp)
}

// Get handles GET /v1/opportunities/{id}.
func (h *OpportunityHandler) Get(w http.ResponseWriter, r *http.Request) {
	opp, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, opp)
}

// List handles GET /v1/opportunities. The limit query parameter caps the
// result set; the store applies its own default when absent.
func (h *OpportunityHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"limit must be a non-negative integer",
				err,
			))
			return
		}
		limit = n
	}

	opps, err := h.store.List(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, opps)
}

// ScheduleEmail handles POST /v1/opportunities/{id}/schedule-email. It
// re-arms the alert email even when a prior schedule exists.
func (h *OpportunityHandler) ScheduleEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.Get(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.alerts.ScheduleEmail(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	opp, err := h.store.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, opp)
}

// StuckAttempts handles GET /v1/opportunities/stuck-attempts. It lists
// opportunities whose alert email attempt was claimed but never completed,
// for manual reconciliation.
func (h *OpportunityHandler) StuckAttempts(w http.ResponseWriter, r *http.Request) {
	opps, err := h.alerts.ListStuckAttempts(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, opps)
}

// Save handles POST /v1/opportunities/{id}/save. Saving schedules (or
// re-arms) the saved-opportunity reminder for the user.
func (h *OpportunityHandler) Save(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SaveOpportunityRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if _, err := h.store.Get(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.reminders.ScheduleSavedReminder(r.Context(), req.UserID, id); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, map[string]string{
		"opportunity_id": id,
		"user_id":        req.UserID,
		"status":         "reminder_scheduled",
	})
}

// Unsave handles POST /v1/opportunities/{id}/unsave. Cancellation of an
// absent reminder is a no-op.
func (h *OpportunityHandler) Unsave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SaveOpportunityRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.reminders.CancelSavedReminder(r.Context(), req.UserID, id); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, map[string]string{
		"opportunity_id": id,
		"user_id":        req.UserID,
		"status":         "reminder_canceled",
	})
}
