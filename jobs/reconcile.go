package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stock-ledger/internal/jobmetrics"
	"github.com/odyssey-erp/stock-ledger/internal/ledger"
	"github.com/odyssey-erp/stock-ledger/internal/reconcile"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcile runs a ledger reconciliation operation.
	TaskReconcile = "ledger:reconcile"
)

// ReconcilePayload describes one reconciliation run.
type ReconcilePayload struct {
	Operation   string `json:"operation"`
	CompanyID   int64  `json:"company_id"`
	ProductID   int64  `json:"product_id,omitempty"`
	WarehouseID int64  `json:"warehouse_id,omitempty"`
	DryRun      bool   `json:"dry_run"`
}

// NewReconcileTask constructs an Asynq task for reconciliation.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, body, asynq.Queue(QueueDefault)), nil
}

// NewNightlyRecalculateTask builds the scheduled full recalculation task.
func NewNightlyRecalculateTask(companyID int64) (*asynq.Task, error) {
	return NewReconcileTask(ReconcilePayload{Operation: string(reconcile.OpRecalculate), CompanyID: companyID})
}

// NewReconcileHandler builds the Asynq handler running reconciliation
// operations through the service.
func NewReconcileHandler(svc *reconcile.Service, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReconcilePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		scope := reconcile.Scope{CompanyID: payload.CompanyID, ProductID: payload.ProductID, WarehouseID: payload.WarehouseID}

		tracker := metrics.Track(payload.Operation)
		var summary reconcile.Summary
		var err error
		switch reconcile.Operation(payload.Operation) {
		case reconcile.OpBackfillWarehouse:
			summary, err = svc.BackfillWarehouse(ctx, payload.CompanyID, payload.DryRun)
		case reconcile.OpRecalculate:
			summary, err = svc.RecalculateRemaining(ctx, scope, payload.DryRun)
		case reconcile.OpFixValueMismatch:
			summary, err = svc.FixValueMismatch(ctx, scope, payload.DryRun)
		default:
			return asynq.SkipRetry
		}
		tracker.Done(err)
		if err != nil {
			return err
		}
		metrics.CountRepaired(payload.Operation, summary.Updated)

		logger.Info("reconciliation job finished",
			slog.String("operation", payload.Operation),
			slog.Int64("company_id", payload.CompanyID),
			slog.Bool("dry_run", payload.DryRun),
			slog.Int("updated", summary.Updated),
			slog.Int("errors", len(summary.Errors)))
		return nil
	}
}

// NewReceiptEventHandler logs committed receipts for downstream consumers.
func NewReceiptEventHandler(logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var evt ledger.ReceiptPostedEvent
		if err := json.Unmarshal(t.Payload(), &evt); err != nil {
			return asynq.SkipRetry
		}
		logger.Info("receipt posted",
			slog.String("code", evt.Code),
			slog.Int64("product_id", evt.ProductID),
			slog.Int64("warehouse_id", evt.WarehouseID),
			slog.Float64("qty", evt.Qty),
			slog.Time("posted_at", evt.PostedAt))
		return nil
	}
}

// NewConsumptionEventHandler logs committed consumptions; negative-balance
// overrides are called out so operators can chase them.
func NewConsumptionEventHandler(logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var evt ledger.ConsumptionPostedEvent
		if err := json.Unmarshal(t.Payload(), &evt); err != nil {
			return asynq.SkipRetry
		}
		level := slog.LevelInfo
		if evt.NegativeOverride {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "consumption posted",
			slog.String("code", evt.Code),
			slog.Int64("product_id", evt.ProductID),
			slog.Int64("warehouse_id", evt.WarehouseID),
			slog.Float64("qty", evt.Qty),
			slog.Float64("cost", evt.Cost),
			slog.Bool("negative_override", evt.NegativeOverride))
		return nil
	}
}

// DefaultCron builds the recurring reconciliation schedule for one company.
func DefaultCron(companyID int64) ([]CronRegistration, error) {
	nightly, err := NewNightlyRecalculateTask(companyID)
	if err != nil {
		return nil, err
	}
	return []CronRegistration{
		{Spec: "15 2 * * *", Task: nightly, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Timeout(30 * time.Minute)}},
	}, nil
}
