package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Task type names for downstream processing of ledger events.
const (
	TaskReceiptPosted     = "ledger:receipt_posted"
	TaskConsumptionPosted = "ledger:consumption_posted"
)

// ReceiptPostedEvent is emitted after an inbound layer is committed.
type ReceiptPostedEvent struct {
	Code        string    `json:"code"`
	ProductID   int64     `json:"product_id"`
	WarehouseID int64     `json:"warehouse_id"`
	CompanyID   int64     `json:"company_id"`
	Qty         float64   `json:"qty"`
	UnitCost    float64   `json:"unit_cost"`
	PostedAt    time.Time `json:"posted_at"`
}

// ConsumptionPostedEvent is emitted after an outbound layer is committed.
type ConsumptionPostedEvent struct {
	Code             string    `json:"code"`
	ProductID        int64     `json:"product_id"`
	WarehouseID      int64     `json:"warehouse_id"`
	CompanyID        int64     `json:"company_id"`
	Qty              float64   `json:"qty"`
	Cost             float64   `json:"cost"`
	UnitCost         float64   `json:"unit_cost"`
	NegativeOverride bool      `json:"negative_override"`
	PostedAt         time.Time `json:"posted_at"`
}

// IntegrationHandler receives committed ledger events for downstream systems.
type IntegrationHandler interface {
	HandleReceiptPosted(ctx context.Context, evt ReceiptPostedEvent) error
	HandleConsumptionPosted(ctx context.Context, evt ConsumptionPostedEvent) error
}

// TaskEmitter forwards ledger events onto the background queue. Enqueue
// failures are logged, not surfaced: the ledger write already committed and
// downstream consumers tolerate replays.
type TaskEmitter struct {
	client *asynq.Client
	logger *slog.Logger
}

// NewTaskEmitter constructs TaskEmitter.
func NewTaskEmitter(client *asynq.Client, logger *slog.Logger) *TaskEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskEmitter{client: client, logger: logger}
}

// HandleReceiptPosted enqueues the receipt event.
func (e *TaskEmitter) HandleReceiptPosted(ctx context.Context, evt ReceiptPostedEvent) error {
	e.enqueue(ctx, TaskReceiptPosted, evt)
	return nil
}

// HandleConsumptionPosted enqueues the consumption event.
func (e *TaskEmitter) HandleConsumptionPosted(ctx context.Context, evt ConsumptionPostedEvent) error {
	e.enqueue(ctx, TaskConsumptionPosted, evt)
	return nil
}

func (e *TaskEmitter) enqueue(ctx context.Context, taskType string, payload any) {
	if e == nil || e.client == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal ledger event", slog.String("task", taskType), slog.Any("error", err))
		return
	}
	if _, err := e.client.EnqueueContext(ctx, asynq.NewTask(taskType, body), asynq.MaxRetry(5)); err != nil {
		e.logger.Error("enqueue ledger event", slog.String("task", taskType), slog.Any("error", err))
	}
}
