package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"quotebid/internal/billing"
	"quotebid/internal/core"
	"quotebid/internal/types"
)

// PitchStore is the subset of db.PitchRepository used by the pitch handler.
type PitchStore interface {
	Create(ctx context.Context, p *types.Pitch) error
	Get(ctx context.Context, id string) (*types.Pitch, error)
	UpdateStatus(ctx context.Context, id string, status types.PitchStatus, now time.Time) (*types.Pitch, error)
}

// PlacementCreator runs the successful-pitch workflow: status transition,
// opportunity closure, and placement creation.
type PlacementCreator interface {
	MarkPitchSuccessful(ctx context.Context, pitchID string, input billing.MarkPitchSuccessfulInput) (*types.Placement, error)
}

// DraftReminderScheduler manages reminder rows affected by pitch lifecycle
// changes.
type DraftReminderScheduler interface {
	ScheduleDraftReminder(ctx context.Context, userID, pitchID, opportunityID string) error
	CancelDraftReminder(ctx context.Context, userID, pitchID string) error
	CancelSavedReminder(ctx context.Context, userID, opportunityID string) error
}

// CreatePitchRequest is the request body for POST /v1/pitches.
type CreatePitchRequest struct {
	UserID        string `json:"user_id" validate:"required"`
	OpportunityID string `json:"opportunity_id" validate:"required"`
	Content       string `json:"content,omitempty" validate:"max=10000"`
	AudioURL      string `json:"audio_url,omitempty" validate:"omitempty,url"`
	Status        string `json:"status,omitempty" validate:"omitempty,oneof=draft pending"`
	BidAmount     int64  `json:"bid_amount_cents" validate:"gte=0"`
}

// UpdatePitchStatusRequest is the request body for PATCH /v1/pitches/{id}/status.
// ArticleTitle and ArticleURL accompany the successful transition.
type UpdatePitchStatusRequest struct {
	Status       string `json:"status" validate:"required,oneof=draft pending sent_to_reporter interested not_interested successful"`
	ArticleTitle string `json:"article_title,omitempty" validate:"max=500"`
	ArticleURL   string `json:"article_url,omitempty" validate:"omitempty,url"`
}

// PitchStatusResult is the response body for the status transition. Placement
// is present only for the successful transition.
type PitchStatusResult struct {
	Pitch     *types.Pitch     `json:"pitch"`
	Placement *types.Placement `json:"placement,omitempty"`
}

// PitchHandler manages pitch creation and editorial status transitions.
type PitchHandler struct {
	store     PitchStore
	billing   PlacementCreator
	reminders DraftReminderScheduler
	validator *core.Validator
	clock     types.Clock
	logger    *slog.Logger
}

func NewPitchHandler(
	store PitchStore,
	b PlacementCreator,
	reminders DraftReminderScheduler,
	v *core.Validator,
	clock types.Clock,
	l *slog.Logger,
) *PitchHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if l == nil {
		l = slog.Default()
	}
	return &PitchHandler{
		store:     store,
		billing:   b,
		reminders: reminders,
		validator: v,
		clock:     clock,
		logger:    l,
	}
}

// RegisterRoutes mounts pitch routes on the provided chi.Router.
func (h *PitchHandler) RegisterRoutes(r chi.Router) {
	r.Route("/pitches", func(r chi.Router) {
		r.Post("/", h.Create)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/status", h.UpdateStatus)
		})
	})
}

// Create handles POST /v1/pitches. A draft pitch arms the draft reminder;
// any pitch supersedes the user's saved-opportunity reminder.
func (h *PitchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreatePitchRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	status := types.PitchStatus(req.Status)
	if status == "" {
		status = types.PitchPending
	}

	pitch := &types.Pitch{
		ID:            types.NewID(types.IDPrefixPitch),
		UserID:        req.UserID,
		OpportunityID: req.OpportunityID,
		Content:       req.Content,
		AudioURL:      req.AudioURL,
		Status:        status,
		BidAmount:     req.BidAmount,
	}

	if err := h.store.Create(r.Context(), pitch); err != nil {
		core.Error(w, r, err)
		return
	}

	// Reminder bookkeeping is best-effort; the fire-time revalidation
	// suppresses any reminder whose subject state has moved on.
	if pitch.IsDraft() {
		if err := h.reminders.ScheduleDraftReminder(r.Context(), pitch.UserID, pitch.ID, pitch.OpportunityID); err != nil {
			h.logger.ErrorContext(r.Context(), "failed to schedule draft reminder",
				"pitch_id", pitch.ID,
				"error", err,
			)
		}
	}
	if err := h.reminders.CancelSavedReminder(r.Context(), pitch.UserID, pitch.OpportunityID); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to cancel saved-opportunity reminder",
			"pitch_id", pitch.ID,
			"error", err,
		)
	}

	core.JSON(w, r, http.StatusCreated, pitch)
}

// Get handles GET /v1/pitches/{id}.
func (h *PitchHandler) Get(w http.ResponseWriter, r *http.Request) {
	pitch, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, pitch)
}

// UpdateStatus handles PATCH /v1/pitches/{id}/status.
//
// The successful transition runs the full placement workflow; every other
// transition is a plain status write. Leaving draft cancels the draft
// reminder, re-entering draft re-arms it.
func (h *PitchHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdatePitchStatusRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	current, err := h.store.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	newStatus := types.PitchStatus(req.Status)

	if newStatus.IsSuccessful() {
		placement, err := h.billing.MarkPitchSuccessful(r.Context(), id, billing.MarkPitchSuccessfulInput{
			ArticleTitle: req.ArticleTitle,
			ArticleURL:   req.ArticleURL,
		})
		if err != nil {
			core.Error(w, r, err)
			return
		}

		updated, err := h.store.Get(r.Context(), id)
		if err != nil {
			core.Error(w, r, err)
			return
		}

		h.reconcileDraftReminder(r.Context(), current, updated)
		core.JSON(w, r, http.StatusOK, PitchStatusResult{Pitch: updated, Placement: placement})
		return
	}

	updated, err := h.store.UpdateStatus(r.Context(), id, newStatus, h.clock.Now())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.reconcileDraftReminder(r.Context(), current, updated)
	core.JSON(w, r, http.StatusOK, PitchStatusResult{Pitch: updated})
}

// reconcileDraftReminder keeps the draft reminder row in step with the
// pitch's draft-ness after a status transition.
func (h *PitchHandler) reconcileDraftReminder(ctx context.Context, before, after *types.Pitch) {
	switch {
	case before.IsDraft() && !after.IsDraft():
		if err := h.reminders.CancelDraftReminder(ctx, after.UserID, after.ID); err != nil {
			h.logger.ErrorContext(ctx, "failed to cancel draft reminder",
				"pitch_id", after.ID,
				"error", err,
			)
		}
	case !before.IsDraft() && after.IsDraft():
		if err := h.reminders.ScheduleDraftReminder(ctx, after.UserID, after.ID, after.OpportunityID); err != nil {
			h.logger.ErrorContext(ctx, "failed to schedule draft reminder",
				"pitch_id", after.ID,
				"error", err,
			)
		}
	}
}
