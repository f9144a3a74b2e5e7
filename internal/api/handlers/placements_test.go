package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"quotebid/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockPlacementStore struct {
	getFn func(ctx context.Context, id string) (*types.Placement, error)
}

func (m *mockPlacementStore) Get(ctx context.Context, id string) (*types.Placement, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return &types.Placement{
		ID:     id,
		Status: types.PlacementReadyForBilling,
		Amount: 30000,
	}, nil
}

type mockPlacementBiller struct {
	billFn   func(ctx context.Context, placementID string) (*types.Placement, error)
	retryFn  func(ctx context.Context, placementID string) (*types.Placement, error)
	notifyFn func(ctx context.Context, placementID string) error

	billed   []string
	retried  []string
	notified []string
}

func (m *mockPlacementBiller) Bill(ctx context.Context, placementID string) (*types.Placement, error) {
	m.billed = append(m.billed, placementID)
	if m.billFn != nil {
		return m.billFn(ctx, placementID)
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &types.Placement{
		ID:              placementID,
		Status:          types.PlacementPaid,
		Amount:          30000,
		PaymentIntentID: "pi_1",
		ChargeID:        "ch_1",
		ChargedAt:       &now,
	}, nil
}

func (m *mockPlacementBiller) RetryBilling(ctx context.Context, placementID string) (*types.Placement, error) {
	m.retried = append(m.retried, placementID)
	if m.retryFn != nil {
		return m.retryFn(ctx, placementID)
	}
	return &types.Placement{ID: placementID, Status: types.PlacementPaid, Amount: 30000}, nil
}

func (m *mockPlacementBiller) Notify(ctx context.Context, placementID string) error {
	m.notified = append(m.notified, placementID)
	if m.notifyFn != nil {
		return m.notifyFn(ctx, placementID)
	}
	return nil
}

var (
	_ PlacementStore  = (*mockPlacementStore)(nil)
	_ PlacementBiller = (*mockPlacementBiller)(nil)
)

func newPlacementRouter(store *mockPlacementStore, biller *mockPlacementBiller) chi.Router {
	h := NewPlacementHandler(store, biller, testHandlerLogger())
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// =============================================================================
// Tests
// =============================================================================

func TestBillPlacement_Success(t *testing.T) {
	biller := &mockPlacementBiller{}
	router := newPlacementRouter(&mockPlacementStore{}, biller)

	rr := doJSON(t, router, http.MethodPost, "/placements/pl_1/bill", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rr.Code, rr.Body.String())
	}
	if len(biller.billed) != 1 || biller.billed[0] != "pl_1" {
		t.Errorf("billed = %v, want [pl_1]", biller.billed)
	}

	placement := decodeData[types.Placement](t, rr)
	if placement.Status != types.PlacementPaid {
		t.Errorf("status = %q, want paid", placement.Status)
	}
	if placement.PaymentIntentID != "pi_1" {
		t.Errorf("payment intent = %q, want pi_1", placement.PaymentIntentID)
	}
}

func TestBillPlacement_AlreadyPaid(t *testing.T) {
	biller := &mockPlacementBiller{
		billFn: func(ctx context.Context, placementID string) (*types.Placement, error) {
			return nil, types.NewAppError(
				types.ErrCodeConflictAlreadyPaid,
				"placement "+placementID+" is already paid",
				nil,
			)
		},
	}
	router := newPlacementRouter(&mockPlacementStore{}, biller)

	rr := doJSON(t, router, http.MethodPost, "/placements/pl_1/bill", nil)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != string(types.ErrCodeConflictAlreadyPaid) {
		t.Errorf("error code = %q", code)
	}
}

func TestBillPlacement_Declined(t *testing.T) {
	biller := &mockPlacementBiller{
		billFn: func(ctx context.Context, placementID string) (*types.Placement, error) {
			return nil, types.NewAppError(types.ErrCodePaymentDeclined, "Your card was declined.", nil)
		},
	}
	router := newPlacementRouter(&mockPlacementStore{}, biller)

	rr := doJSON(t, router, http.MethodPost, "/placements/pl_1/bill", nil)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rr.Code)
	}
}

func TestRetryBilling_NotRetryable(t *testing.T) {
	biller := &mockPlacementBiller{
		retryFn: func(ctx context.Context, placementID string) (*types.Placement, error) {
			return nil, types.NewAppError(
				types.ErrCodeConflictNotRetryable,
				"placement "+placementID+" is not in error state",
				nil,
			)
		},
	}
	router := newPlacementRouter(&mockPlacementStore{}, biller)

	rr := doJSON(t, router, http.MethodPost, "/placements/pl_1/retry-billing", nil)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
	if len(biller.retried) != 1 {
		t.Errorf("retried = %v, want one call", biller.retried)
	}
}

func TestNotifyPlacement_ReturnsPlacement(t *testing.T) {
	store := &mockPlacementStore{
		getFn: func(ctx context.Context, id string) (*types.Placement, error) {
			return &types.Placement{ID: id, Status: types.PlacementPaid, NotificationSent: true}, nil
		},
	}
	biller := &mockPlacementBiller{}
	router := newPlacementRouter(store, biller)

	rr := doJSON(t, router, http.MethodPost, "/placements/pl_1/notify", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rr.Code, rr.Body.String())
	}
	if len(biller.notified) != 1 || biller.notified[0] != "pl_1" {
		t.Errorf("notified = %v, want [pl_1]", biller.notified)
	}

	placement := decodeData[types.Placement](t, rr)
	if !placement.NotificationSent {
		t.Error("notification_sent should be true in the response")
	}
}

func TestNotifyPlacement_UnpaidRejected(t *testing.T) {
	biller := &mockPlacementBiller{
		notifyFn: func(ctx context.Context, placementID string) error {
			return types.NewAppError(
				types.ErrCodeConflictNotBillable,
				"placement "+placementID+" is not paid; nothing to notify",
				nil,
			)
		},
	}
	router := newPlacementRouter(&mockPlacementStore{}, biller)

	rr := doJSON(t, router, http.MethodPost, "/placements/pl_1/notify", nil)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestGetPlacement_NotFound(t *testing.T) {
	store := &mockPlacementStore{
		getFn: func(ctx context.Context, id string) (*types.Placement, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlacement, "placement not found", nil)
		},
	}
	router := newPlacementRouter(store, &mockPlacementBiller{})

	rr := doJSON(t, router, http.MethodGet, "/placements/pl_missing", nil)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
