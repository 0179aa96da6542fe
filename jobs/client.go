package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/ledgerline/ledgerline/internal/billing"
)

// Client enqueues billing jobs onto the worker queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs a Client for the given redis connection.
func NewClient(opts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(opts)}
}

// EnqueuePaymentSignal queues a payment signal for background processing.
func (c *Client) EnqueuePaymentSignal(ctx context.Context, sig billing.PaymentSignal) error {
	task, err := NewPaymentReceivedTask(PaymentReceivedPayload{
		SignalID:   sig.SignalID,
		DocumentID: sig.DocumentID,
		Amount:     sig.Amount.String(),
		ReceivedAt: sig.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("jobs: build payment task: %w", err)
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
	if err != nil {
		return fmt.Errorf("jobs: enqueue payment task: %w", err)
	}
	return nil
}

// Close releases the underlying redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
