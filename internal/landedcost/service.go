package landedcost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stock-ledger/internal/ledger"
	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service spreads landed cost over the valuation layers of a receipt. Each
// layer absorbs the fraction of the line still on hand, remaining qty over
// the quantity originally received; the consumed share is never shifted onto
// surviving stock and is reported back as expense-bound.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// Allocate applies one landed-cost document. Each (cost_doc_ref, line_ref)
// pair is applied at most once; replays return the line as already applied
// without touching any layer.
func (s *Service) Allocate(ctx context.Context, input AllocateInput) (AllocateResult, error) {
	if input.CostDocRef == "" || input.CompanyID == 0 {
		return AllocateResult{}, fmt.Errorf("%w: cost doc ref and company required", shared.ErrInvalidInput)
	}
	if _, err := uuid.Parse(input.CostDocRef); err != nil {
		return AllocateResult{}, fmt.Errorf("%w: cost doc ref must be a uuid", shared.ErrInvalidInput)
	}
	if len(input.Lines) == 0 {
		return AllocateResult{}, fmt.Errorf("%w: at least one cost line required", shared.ErrInvalidInput)
	}
	for _, line := range input.Lines {
		if line.Amount <= 0 {
			return AllocateResult{}, ErrInvalidAmount
		}
		if line.LineRef == "" || line.SourceRef == "" {
			return AllocateResult{}, fmt.Errorf("%w: line ref and source ref required", shared.ErrInvalidInput)
		}
	}
	updateUnitCost := true
	if input.UpdateUnitCost != nil {
		updateUnitCost = *input.UpdateUnitCost
	}

	result := AllocateResult{CostDocRef: input.CostDocRef}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, line := range input.Lines {
			lineResult, err := s.allocateLine(ctx, tx, input, line, updateUnitCost)
			if err != nil {
				return err
			}
			result.Lines = append(result.Lines, lineResult)
			for _, share := range lineResult.Shares {
				result.Allocated += share.Amount
			}
			result.Expensed += lineResult.Expensed
		}
		return nil
	})
	if err != nil {
		return AllocateResult{}, err
	}

	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "landedcost:allocate",
			Entity:   "landed_cost_doc",
			EntityID: input.CostDocRef,
			Meta:     map[string]any{"allocated": result.Allocated, "lines": len(input.Lines)},
		})
	}
	return result, nil
}

func (s *Service) allocateLine(ctx context.Context, tx TxRepository, input AllocateInput, line CostLine, updateUnitCost bool) (LineResult, error) {
	lineResult := LineResult{LineRef: line.LineRef, Amount: line.Amount}

	exists, err := tx.AllocationExists(ctx, input.CostDocRef, line.LineRef)
	if err != nil {
		return LineResult{}, err
	}
	if exists {
		lineResult.Reason = "already applied"
		return lineResult, nil
	}

	layers, err := tx.LayersBySourceRef(ctx, line.SourceRef, input.CompanyID)
	if err != nil {
		return LineResult{}, err
	}
	if len(layers) == 0 {
		return LineResult{}, fmt.Errorf("%w: %s", ErrNoTargetLayers, line.SourceRef)
	}

	var totalQty, totalRemaining float64
	open := []ledger.ValuationLayer{}
	for _, l := range layers {
		if l.Quantity > 0 {
			totalQty += l.Quantity
			if l.RemainingQty > ledger.QtyEpsilon {
				totalRemaining += l.RemainingQty
				open = append(open, l)
			}
		}
	}
	if totalQty <= ledger.QtyEpsilon {
		return LineResult{}, fmt.Errorf("%w: %s", ErrNoTargetLayers, line.SourceRef)
	}
	if totalRemaining <= ledger.QtyEpsilon {
		// Everything already consumed: the cost belongs to expense, not stock.
		lineResult.Reason = "layers fully consumed"
		lineResult.Expensed = line.Amount
		if err := tx.InsertAllocation(ctx, Allocation{
			CostDocRef: input.CostDocRef,
			LineRef:    line.LineRef,
			Amount:     line.Amount,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return LineResult{}, err
		}
		return lineResult, nil
	}

	allocated := 0.0
	for _, l := range open {
		// The layer absorbs only its still-on-hand slice of the line. The
		// consumed slice stays out of stock value and falls to expense.
		share := line.Amount * (l.RemainingQty / totalQty)
		if err := tx.AddLayerValue(ctx, l.ID, share); err != nil {
			return LineResult{}, err
		}
		if err := tx.InsertAllocation(ctx, Allocation{
			CostDocRef:     input.CostDocRef,
			LineRef:        line.LineRef,
			LayerID:        l.ID,
			ProductID:      l.ProductID,
			WarehouseID:    l.WarehouseID,
			Qty:            l.RemainingQty,
			Amount:         share,
			UnitLandedCost: share / l.RemainingQty,
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			return LineResult{}, err
		}
		lineResult.Shares = append(lineResult.Shares, LayerShare{LayerID: l.ID, Amount: share})
		allocated += share

		if updateUnitCost {
			if err := s.raiseStandardCost(ctx, tx, l.ProductID, input.CompanyID, share); err != nil {
				return LineResult{}, err
			}
		}
	}
	lineResult.Applied = true
	lineResult.Expensed = line.Amount - allocated
	return lineResult, nil
}

func (s *Service) raiseStandardCost(ctx context.Context, tx TxRepository, productID, companyID int64, amount float64) error {
	onHand, err := tx.ProductOnHand(ctx, productID, companyID)
	if err != nil {
		return err
	}
	if onHand <= ledger.QtyEpsilon {
		return nil
	}
	std, err := tx.StandardCost(ctx, productID, companyID)
	if err != nil {
		return err
	}
	return tx.UpsertStandardCost(ctx, productID, companyID, std+amount/onHand)
}
