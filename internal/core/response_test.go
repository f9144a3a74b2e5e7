package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"quotebid/internal/types"
)

func TestJSON_WritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	JSON(w, r, http.StatusCreated, APIResponse{Data: map[string]string{"id": "opp_1"}})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var resp APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["id"] != "opp_1" {
		t.Errorf("unexpected data: %#v", resp.Data)
	}
}

func TestError_AppErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		code       types.ErrorCode
		wantStatus int
	}{
		{"not found", types.ErrCodeNotFoundOpportunity, http.StatusNotFound},
		{"conflict", types.ErrCodeConflictAlreadyPaid, http.StatusConflict},
		{"precondition", types.ErrCodePreconditionNoCustomer, http.StatusUnprocessableEntity},
		{"validation", types.ErrCodeValidationInvalidField, http.StatusBadRequest},
		{"declined", types.ErrCodePaymentDeclined, http.StatusPaymentRequired},
		{"upstream", types.ErrCodeUpstreamStripe, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/test", nil)
			r = r.WithContext(types.WithRequestID(r.Context(), "req-123"))

			Error(w, r, types.NewAppError(tt.code, "boom", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, w.Code)
			}

			var resp APIErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("invalid JSON response: %v", err)
			}
			if resp.Error.Code != string(tt.code) {
				t.Errorf("expected code %q, got %q", tt.code, resp.Error.Code)
			}
			if resp.Error.RequestID != "req-123" {
				t.Errorf("expected request_id req-123, got %q", resp.Error.RequestID)
			}
		})
	}
}

func TestError_GenericErrorHidesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	Error(w, r, errors.New("pgx: connection refused to 10.0.0.5"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.5") {
		t.Error("internal error details leaked to client")
	}

	var resp APIErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected internal_unexpected_error, got %q", resp.Error.Code)
	}
}

func TestError_WrappedAppErrorUnwrapped(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	inner := types.NewAppError(types.ErrCodeNotFoundPlacement, "placement not found", nil)
	Error(w, r, errors.Join(errors.New("outer"), inner))

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from wrapped AppError, got %d", w.Code)
	}
}

type decodeTarget struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

func TestDecodeJSON_Success(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"name":"x","amount":500}`))

	var dst decodeTarget
	if err := DecodeJSON(w, r, &dst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dst.Name != "x" || dst.Amount != 500 {
		t.Errorf("unexpected decode result: %+v", dst)
	}
}

func TestDecodeJSON_Failures(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed", `{"name":`},
		{"unknown field", `{"name":"x","bogus":true}`},
		{"type mismatch", `{"name":"x","amount":"five"}`},
		{"multiple values", `{"name":"x"} {"name":"y"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))

			var dst decodeTarget
			err := DecodeJSON(w, r, &dst)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *types.AppError, got %T", err)
			}
			if appErr.Code != types.ErrCodeValidationInvalidJSON {
				t.Errorf("expected validation_invalid_json, got %q", appErr.Code)
			}
		})
	}
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	big := `{"name":"` + strings.Repeat("a", maxRequestBodySize) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(big))

	var dst decodeTarget
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for oversized body")
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if appErr.Code != types.ErrCodeValidationInvalidJSON {
		t.Errorf("expected validation_invalid_json, got %q", appErr.Code)
	}
}
