package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stock-ledger/internal/locking"
	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRemaining(ctx context.Context, productID, warehouseID, companyID int64) (Remaining, error)
	LayerHistory(ctx context.Context, productID, warehouseID, companyID int64) ([]ValuationLayer, error)
}

// LockPort serialises mutations per FIFO queue key.
type LockPort interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// ShortagePort looks up fallback warehouses when a consumption cannot be covered.
type ShortagePort interface {
	Candidates(ctx context.Context, productID, warehouseID, companyID int64, needed float64) ([]WarehouseCandidate, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates valuation ledger operations.
type Service struct {
	repo        RepositoryPort
	locks       LockPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	shortages   ShortagePort
	integration IntegrationHandler
	logger      *slog.Logger
	allowNeg    bool
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// AllowNegativeStock authorises negative-balance layers globally. Per-call
	// overrides remain available through ConsumeInput.AllowNegative.
	AllowNegativeStock bool
}

// ServiceParams groups dependencies for NewService.
type ServiceParams struct {
	Repo        RepositoryPort
	Locks       LockPort
	Audit       AuditPort
	Idempotency *shared.IdempotencyStore
	Shortages   ShortagePort
	Integration IntegrationHandler
	Logger      *slog.Logger
	Config      ServiceConfig
}

// NewService builds Service.
func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        p.Repo,
		locks:       p.Locks,
		audit:       p.Audit,
		idempotency: p.Idempotency,
		shortages:   p.Shortages,
		integration: p.Integration,
		logger:      logger,
		allowNeg:    p.Config.AllowNegativeStock,
	}
}

// Receive posts an inbound movement and creates a fresh positive layer at the
// tail of the warehouse FIFO queue.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (ValuationLayer, error) {
	return s.receive(ctx, input, MovementReceipt)
}

func (s *Service) receive(ctx context.Context, input ReceiveInput, kind MovementKind) (ValuationLayer, error) {
	if input.ProductID == 0 || input.WarehouseID == 0 || input.CompanyID == 0 {
		return ValuationLayer{}, ErrWarehouseRequired
	}
	if input.Qty <= 0 {
		return ValuationLayer{}, ErrInvalidQuantity
	}
	if input.UnitCost < 0 {
		return ValuationLayer{}, ErrInvalidUnitCost
	}
	if err := validateSourceRef(input.SourceRef); err != nil {
		return ValuationLayer{}, err
	}

	now := time.Now().UTC()
	code := input.Code
	if code == "" {
		code = fmt.Sprintf("RCV-%d", now.UnixNano())
	}

	key := fmt.Sprintf("%s:%s:%d:%d", kind, code, input.WarehouseID, input.ProductID)
	insertedKey, err := s.claimIdempotency(ctx, key)
	if err != nil {
		return ValuationLayer{}, err
	}

	var created ValuationLayer
	err = s.withLock(ctx, locking.Key(input.CompanyID, input.ProductID, input.WarehouseID), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			onHand, err := tx.ProductOnHand(ctx, input.ProductID, input.CompanyID)
			if err != nil {
				return err
			}
			std, err := tx.StandardCost(ctx, input.ProductID, input.CompanyID)
			if err != nil {
				return err
			}

			mvID, err := tx.InsertMovement(ctx, Movement{
				Code:           code,
				Kind:           kind,
				ProductID:      input.ProductID,
				CompanyID:      input.CompanyID,
				DstWarehouseID: input.WarehouseID,
				Qty:            input.Qty,
				SourceRef:      input.SourceRef,
				Note:           input.Note,
				PostedAt:       now,
				CreatedBy:      input.ActorID,
			})
			if err != nil {
				return err
			}

			layer := ValuationLayer{
				ProductID:      input.ProductID,
				WarehouseID:    input.WarehouseID,
				CompanyID:      input.CompanyID,
				Quantity:       input.Qty,
				UnitCost:       input.UnitCost,
				Value:          input.Qty * input.UnitCost,
				RemainingQty:   input.Qty,
				RemainingValue: input.Qty * input.UnitCost,
				LotID:          input.LotID,
				SourceRef:      input.SourceRef,
				MovementID:     mvID,
				Description:    input.Note,
				CreatedAt:      now,
			}
			created, err = tx.InsertLayer(ctx, layer)
			if err != nil {
				return err
			}
			return tx.UpsertStandardCost(ctx, input.ProductID, input.CompanyID,
				MovingAverage(onHand, std, input.Qty, input.UnitCost))
		})
	})
	if err != nil {
		s.releaseIdempotency(ctx, key, insertedKey)
		return ValuationLayer{}, err
	}

	s.recordAudit(ctx, input.ActorID, kind, created, map[string]any{
		"warehouse_id": input.WarehouseID,
		"qty":          input.Qty,
		"unit_cost":    input.UnitCost,
	})
	if s.integration != nil {
		evt := ReceiptPostedEvent{
			Code:        code,
			ProductID:   input.ProductID,
			WarehouseID: input.WarehouseID,
			CompanyID:   input.CompanyID,
			Qty:         input.Qty,
			UnitCost:    input.UnitCost,
			PostedAt:    now,
		}
		if err := s.integration.HandleReceiptPosted(ctx, evt); err != nil {
			return ValuationLayer{}, err
		}
	}
	return created, nil
}

// Consume posts an outbound movement, walking the warehouse FIFO queue
// oldest-first. It never goes negative implicitly: when the queue cannot
// cover the quantity and no override is set, it returns a ShortageError with
// fallback candidates attached.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (ConsumptionResult, error) {
	return s.consume(ctx, input, MovementIssue)
}

func (s *Service) consume(ctx context.Context, input ConsumeInput, kind MovementKind) (ConsumptionResult, error) {
	if input.ProductID == 0 || input.WarehouseID == 0 || input.CompanyID == 0 {
		return ConsumptionResult{}, ErrWarehouseRequired
	}
	if input.Qty <= 0 {
		return ConsumptionResult{}, ErrInvalidQuantity
	}
	if err := validateSourceRef(input.SourceRef); err != nil {
		return ConsumptionResult{}, err
	}

	now := time.Now().UTC()
	code := input.Code
	if code == "" {
		code = fmt.Sprintf("ISS-%d", now.UnixNano())
	}
	allowNeg := input.AllowNegative || s.allowNeg

	key := fmt.Sprintf("%s:%s:%d:%d", kind, code, input.WarehouseID, input.ProductID)
	insertedKey, err := s.claimIdempotency(ctx, key)
	if err != nil {
		return ConsumptionResult{}, err
	}

	var result ConsumptionResult
	err = s.withLock(ctx, locking.Key(input.CompanyID, input.ProductID, input.WarehouseID), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			queue, err := tx.FifoQueueForUpdate(ctx, input.ProductID, input.WarehouseID, input.CompanyID)
			if err != nil {
				return err
			}
			draws, cost, shortfall := ConsumeQueue(queue, input.Qty)

			if shortfall > QtyEpsilon && !allowNeg {
				return s.shortageError(ctx, input, input.Qty-shortfall, shortfall)
			}
			negOverride := false
			if shortfall > QtyEpsilon {
				std, err := tx.StandardCost(ctx, input.ProductID, input.CompanyID)
				if err != nil {
					return err
				}
				cost += shortfall * std
				negOverride = true
			}

			mvID, err := tx.InsertMovement(ctx, Movement{
				Code:           code,
				Kind:           kind,
				ProductID:      input.ProductID,
				CompanyID:      input.CompanyID,
				SrcWarehouseID: input.WarehouseID,
				Qty:            -input.Qty,
				SourceRef:      input.SourceRef,
				Note:           input.Note,
				PostedAt:       now,
				CreatedBy:      input.ActorID,
			})
			if err != nil {
				return err
			}

			unitCost := 0.0
			if input.Qty > 0 {
				unitCost = cost / input.Qty
			}
			layer := ValuationLayer{
				ProductID:        input.ProductID,
				WarehouseID:      input.WarehouseID,
				CompanyID:        input.CompanyID,
				Quantity:         -input.Qty,
				UnitCost:         unitCost,
				Value:            -cost,
				RemainingQty:     0,
				RemainingValue:   0,
				SourceRef:        input.SourceRef,
				MovementID:       mvID,
				Description:      input.Note,
				NegativeOverride: negOverride,
				CreatedAt:        now,
			}
			created, err := tx.InsertLayer(ctx, layer)
			if err != nil {
				return err
			}
			for _, d := range draws {
				if err := tx.UpdateRemaining(ctx, d.LayerID, d.RemainingQty, d.RemainingValue); err != nil {
					return err
				}
			}
			if len(draws) > 0 {
				if err := tx.InsertUsages(ctx, created.ID, draws); err != nil {
					return err
				}
			}

			result = ConsumptionResult{
				Layer:          created,
				Cost:           cost,
				QtyConsumed:    input.Qty,
				UnitCost:       unitCost,
				FullySatisfied: shortfall <= QtyEpsilon,
				Shortfall:      shortfall,
				Draws:          draws,
			}
			return nil
		})
	})
	if err != nil {
		s.releaseIdempotency(ctx, key, insertedKey)
		return ConsumptionResult{}, err
	}

	if !result.FullySatisfied {
		s.logger.Warn("negative balance override",
			slog.Int64("product_id", input.ProductID),
			slog.Int64("warehouse_id", input.WarehouseID),
			slog.Float64("shortfall", result.Shortfall))
	}
	s.recordAudit(ctx, input.ActorID, kind, result.Layer, map[string]any{
		"warehouse_id": input.WarehouseID,
		"qty":          input.Qty,
		"cost":         result.Cost,
		"override":     !result.FullySatisfied,
	})
	if s.integration != nil {
		evt := ConsumptionPostedEvent{
			Code:             code,
			ProductID:        input.ProductID,
			WarehouseID:      input.WarehouseID,
			CompanyID:        input.CompanyID,
			Qty:              input.Qty,
			Cost:             result.Cost,
			UnitCost:         result.UnitCost,
			NegativeOverride: !result.FullySatisfied,
			PostedAt:         now,
		}
		if err := s.integration.HandleConsumptionPosted(ctx, evt); err != nil {
			return ConsumptionResult{}, err
		}
	}
	return result, nil
}

// Transfer moves stock between warehouses as two linked engine calls: a FIFO
// consumption at the source priced by the source queue, then a brand-new
// positive layer at the destination carrying the consumed average cost. The
// destination layer is a fresh FIFO source; warehouse queues never leak into
// each other.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (ConsumptionResult, ValuationLayer, error) {
	if input.SrcWarehouse == 0 || input.DstWarehouse == 0 || input.ProductID == 0 || input.CompanyID == 0 {
		return ConsumptionResult{}, ValuationLayer{}, ErrWarehouseRequired
	}
	if input.SrcWarehouse == input.DstWarehouse {
		return ConsumptionResult{}, ValuationLayer{}, fmt.Errorf("%w: source and destination warehouse must differ", shared.ErrInvalidInput)
	}
	if input.Qty <= 0 {
		return ConsumptionResult{}, ValuationLayer{}, ErrInvalidQuantity
	}

	base := baseCode(input.Code)
	out, err := s.consume(ctx, ConsumeInput{
		Code:        fmt.Sprintf("%s-OUT", base),
		ProductID:   input.ProductID,
		WarehouseID: input.SrcWarehouse,
		CompanyID:   input.CompanyID,
		Qty:         input.Qty,
		SourceRef:   input.SourceRef,
		Note:        fmt.Sprintf("Transfer to %d: %s", input.DstWarehouse, input.Note),
		ActorID:     input.ActorID,
	}, MovementTransferOut)
	if err != nil {
		return ConsumptionResult{}, ValuationLayer{}, err
	}

	in, err := s.receive(ctx, ReceiveInput{
		Code:        fmt.Sprintf("%s-IN", base),
		ProductID:   input.ProductID,
		WarehouseID: input.DstWarehouse,
		CompanyID:   input.CompanyID,
		Qty:         input.Qty,
		UnitCost:    out.UnitCost,
		SourceRef:   input.SourceRef,
		Note:        fmt.Sprintf("Transfer from %d: %s", input.SrcWarehouse, input.Note),
		ActorID:     input.ActorID,
	}, MovementTransferIn)
	if err != nil {
		return ConsumptionResult{}, ValuationLayer{}, err
	}
	return out, in, nil
}

// GetRemaining reports on-hand quantity and valuation for one product at one
// warehouse, for accounting and reporting callers.
func (s *Service) GetRemaining(ctx context.Context, productID, warehouseID, companyID int64) (Remaining, error) {
	if productID == 0 || warehouseID == 0 || companyID == 0 {
		return Remaining{}, ErrWarehouseRequired
	}
	return s.repo.GetRemaining(ctx, productID, warehouseID, companyID)
}

func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.locks == nil {
		return fn(ctx)
	}
	return s.locks.WithLock(ctx, key, fn)
}

func (s *Service) shortageError(ctx context.Context, input ConsumeInput, available, shortfall float64) error {
	shortage := &ShortageError{
		ProductID:   input.ProductID,
		WarehouseID: input.WarehouseID,
		CompanyID:   input.CompanyID,
		Needed:      input.Qty,
		Available:   available,
		Shortfall:   shortfall,
	}
	if s.shortages != nil {
		candidates, err := s.shortages.Candidates(ctx, input.ProductID, input.WarehouseID, input.CompanyID, shortfall)
		if err != nil {
			s.logger.Warn("fallback lookup failed", slog.Any("error", err))
		} else {
			shortage.Candidates = candidates
		}
	}
	return shortage
}

func (s *Service) claimIdempotency(ctx context.Context, key string) (bool, error) {
	if s.idempotency == nil {
		return false, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) releaseIdempotency(ctx context.Context, key string, inserted bool) {
	if inserted {
		_ = s.idempotency.Delete(ctx, key)
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, kind MovementKind, layer ValuationLayer, meta map[string]any) {
	if s.audit == nil {
		return
	}
	meta["product_id"] = layer.ProductID
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   fmt.Sprintf("ledger:%s", kind),
		Entity:   "valuation_layer",
		EntityID: fmt.Sprintf("%d", layer.ID),
		Meta:     meta,
	})
}

func validateSourceRef(ref string) error {
	if ref == "" {
		return nil
	}
	if _, err := uuid.Parse(ref); err != nil {
		return fmt.Errorf("ledger: invalid source ref: %w", err)
	}
	return nil
}

func baseCode(code string) string {
	if code != "" {
		return code
	}
	return fmt.Sprintf("TRF-%d", time.Now().UnixNano())
}
