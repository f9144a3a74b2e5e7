package notifications

import (
	"context"
	"log/slog"
	"sync"

	"quotebid/internal/types"

	"golang.org/x/sync/errgroup"
)

// DefaultFanOutConcurrency bounds how many provider sends run at once.
const DefaultFanOutConcurrency = 8

// Sender is the minimal email transmission surface the fan-out needs.
type Sender interface {
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// EmailMetrics records delivery outcomes. Nil disables recording.
type EmailMetrics interface {
	RecordEmail(kind string, delivered bool)
}

// DeliveryResult summarizes one fan-out run.
type DeliveryResult struct {
	Delivered int
	Failed    int
}

// FanOutConfig holds the parameters for constructing a FanOut.
type FanOutConfig struct {
	Sender      Sender
	Logger      *slog.Logger
	Metrics     EmailMetrics
	Concurrency int
}

// FanOut delivers a batch of emails concurrently with per-recipient failure
// isolation: one recipient's provider error never blocks the rest of the
// batch, and a batch with zero recipients is a successful no-op.
type FanOut struct {
	sender      Sender
	logger      *slog.Logger
	metrics     EmailMetrics
	concurrency int
}

// NewFanOut creates a FanOut from the given config.
func NewFanOut(cfg FanOutConfig) *FanOut {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultFanOutConcurrency
	}
	return &FanOut{
		sender:      cfg.Sender,
		logger:      logger,
		metrics:     cfg.Metrics,
		concurrency: concurrency,
	}
}

// Deliver sends every input and reports how many succeeded and failed.
// Individual send failures are logged and counted but never propagated;
// the returned error is reserved for context cancellation.
func (f *FanOut) Deliver(ctx context.Context, inputs []types.SendInput) (DeliveryResult, error) {
	if len(inputs) == 0 {
		return DeliveryResult{}, nil
	}

	var mu sync.Mutex
	result := DeliveryResult{}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for _, input := range inputs {
		input := input

		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			msgID, err := f.sender.Send(gCtx, input)
			if f.metrics != nil {
				f.metrics.RecordEmail(string(input.Kind), err == nil)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				f.logger.ErrorContext(gCtx, "email delivery failed",
					"to", input.To,
					"kind", input.Kind,
					"reference_id", input.ReferenceID,
					"error", err,
				)
				// Failure isolation: other recipients still get their email.
				return nil
			}

			result.Delivered++
			f.logger.InfoContext(gCtx, "email delivered",
				"to", input.To,
				"kind", input.Kind,
				"reference_id", input.ReferenceID,
				"provider_msg_id", msgID,
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}
