package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypePaymentReceived is the task type carrying payment-gateway
	// "payment succeeded" signals.
	TaskTypePaymentReceived = "payment:received"
)

// PaymentReceivedPayload describes an inbound payment signal. The amount
// travels as a string to keep its decimal representation exact.
type PaymentReceivedPayload struct {
	SignalID   string    `json:"signal_id"`
	DocumentID int64     `json:"document_id"`
	Amount     string    `json:"amount"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewPaymentReceivedTask constructs an Asynq task for a payment signal.
func NewPaymentReceivedTask(payload PaymentReceivedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePaymentReceived, data), nil
}
