package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/billing"
)

// PaymentApplier is the slice of the billing service the processor needs.
type PaymentApplier interface {
	ApplyPaymentSignal(ctx context.Context, sig billing.PaymentSignal) (*billing.Document, error)
}

// PaymentProcessor consumes payment-received tasks and drives the pay
// transition. Rejected transitions are not retried: the signal's target was
// already reached or is genuinely unreachable.
type PaymentProcessor struct {
	logger  *slog.Logger
	service PaymentApplier
}

// NewPaymentProcessor builds a PaymentProcessor instance.
func NewPaymentProcessor(logger *slog.Logger, service PaymentApplier) *PaymentProcessor {
	return &PaymentProcessor{logger: logger, service: service}
}

// HandlePaymentReceivedTask processes TaskTypePaymentReceived tasks.
func (p *PaymentProcessor) HandlePaymentReceivedTask(ctx context.Context, t *asynq.Task) error {
	var payload PaymentReceivedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		p.logger.Error("malformed payment payload", slog.Any("error", err))
		return asynq.SkipRetry
	}
	amount := decimal.Zero
	if payload.Amount != "" {
		var err error
		if amount, err = decimal.NewFromString(payload.Amount); err != nil {
			p.logger.Error("malformed payment amount",
				slog.String("signal_id", payload.SignalID),
				slog.String("amount", payload.Amount))
			return asynq.SkipRetry
		}
	}
	receivedAt := payload.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	doc, err := p.service.ApplyPaymentSignal(ctx, billing.PaymentSignal{
		SignalID:   payload.SignalID,
		DocumentID: payload.DocumentID,
		Amount:     amount,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		if errors.Is(err, billing.ErrInvalidTransition) || errors.Is(err, billing.ErrValidation) || errors.Is(err, billing.ErrNotFound) {
			p.logger.Warn("payment signal rejected",
				slog.String("signal_id", payload.SignalID),
				slog.Int64("document_id", payload.DocumentID),
				slog.Any("error", err))
			return asynq.SkipRetry
		}
		return err
	}

	p.logger.Info("payment signal applied",
		slog.String("signal_id", payload.SignalID),
		slog.Int64("document_id", doc.ID),
		slog.String("state", string(doc.State)))
	return nil
}
