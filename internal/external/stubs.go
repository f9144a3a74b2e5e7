package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"quotebid/internal/types"

	"github.com/google/uuid"
)

// Stub implementations let the application boot in local mode without real
// vendor credentials. They log every call and return predictable values.

// StubPaymentProcessor implements PaymentProcessor by logging calls and
// returning test-safe defaults. Used when APP_ENV=local.
type StubPaymentProcessor struct {
	logger *slog.Logger
}

// NewStubPaymentProcessor creates a new StubPaymentProcessor.
func NewStubPaymentProcessor(logger *slog.Logger) *StubPaymentProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubPaymentProcessor{logger: logger}
}

func (s *StubPaymentProcessor) EnsureCustomer(ctx context.Context, userID string, email string) (string, error) {
	s.logger.InfoContext(ctx, "stub: EnsureCustomer called",
		"user_id", userID,
		"email", email,
	)
	return fmt.Sprintf("cus_stub_%s", userID), nil
}

func (s *StubPaymentProcessor) Capture(ctx context.Context, customerID string, amountCents int64, placementID string) (types.ChargeResult, error) {
	s.logger.InfoContext(ctx, "stub: Capture called",
		"customer_id", customerID,
		"amount_cents", amountCents,
		"placement_id", placementID,
	)
	return types.ChargeResult{
		PaymentIntentID: "pi_stub_" + uuid.NewString(),
		ChargeID:        "ch_stub_" + uuid.NewString(),
	}, nil
}

// StubEmailProvider implements EmailProvider by logging sends and recording
// them in memory. Used when APP_ENV=local and by scheduler tests.
type StubEmailProvider struct {
	logger *slog.Logger

	mu    sync.Mutex
	sent  []types.SendInput
	calls atomic.Int64
}

// NewStubEmailProvider creates a new StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.sent = append(s.sent, input)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stub: Send called",
		"to", input.To,
		"kind", input.Kind,
		"subject", input.Subject,
	)
	return "msg_stub_" + uuid.NewString(), nil
}

// Sent returns a copy of all inputs passed to Send.
func (s *StubEmailProvider) Sent() []types.SendInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SendInput, len(s.sent))
	copy(out, s.sent)
	return out
}

// CallCount returns how many times Send was invoked.
func (s *StubEmailProvider) CallCount() int64 {
	return s.calls.Load()
}
