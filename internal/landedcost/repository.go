package landedcost

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stock-ledger/internal/ledger"
	"github.com/odyssey-erp/stock-ledger/internal/platform/db"
)

// Repository persists landed-cost allocations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	LayersBySourceRef(ctx context.Context, sourceRef string, companyID int64) ([]ledger.ValuationLayer, error)
	AllocationExists(ctx context.Context, costDocRef, lineRef string) (bool, error)
	InsertAllocation(ctx context.Context, alloc Allocation) error
	AddLayerValue(ctx context.Context, layerID int64, amount float64) error
	ProductOnHand(ctx context.Context, productID, companyID int64) (float64, error)
	StandardCost(ctx context.Context, productID, companyID int64) (float64, error)
	UpsertStandardCost(ctx context.Context, productID, companyID int64, cost float64) error
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("landedcost repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *txRepository) LayersBySourceRef(ctx context.Context, sourceRef string, companyID int64) ([]ledger.ValuationLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, product_id, warehouse_id, company_id, quantity, unit_cost, value,
remaining_qty, remaining_value, COALESCE(lot_id,0), COALESCE(source_ref::text,''), COALESCE(movement_id,0),
COALESCE(description,''), negative_override, created_at
FROM valuation_layers
WHERE source_ref=$1 AND company_id=$2
ORDER BY created_at ASC, id ASC
FOR UPDATE`, sourceRef, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	layers := []ledger.ValuationLayer{}
	for rows.Next() {
		var l ledger.ValuationLayer
		if err := rows.Scan(&l.ID, &l.ProductID, &l.WarehouseID, &l.CompanyID, &l.Quantity, &l.UnitCost, &l.Value,
			&l.RemainingQty, &l.RemainingValue, &l.LotID, &l.SourceRef, &l.MovementID,
			&l.Description, &l.NegativeOverride, &l.CreatedAt); err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

func (r *txRepository) AllocationExists(ctx context.Context, costDocRef, lineRef string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM landed_cost_allocations WHERE cost_doc_ref=$1 AND line_ref=$2)`,
		costDocRef, lineRef).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertAllocation(ctx context.Context, alloc Allocation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO landed_cost_allocations (cost_doc_ref, line_ref, layer_id, product_id, warehouse_id, qty, amount, unit_landed_cost, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		alloc.CostDocRef, alloc.LineRef, nullInt(alloc.LayerID), nullInt(alloc.ProductID), nullInt(alloc.WarehouseID),
		alloc.Qty, alloc.Amount, alloc.UnitLandedCost, alloc.CreatedAt)
	return err
}

func (r *txRepository) AddLayerValue(ctx context.Context, layerID int64, amount float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE valuation_layers
SET value = value + $2, remaining_value = remaining_value + $2
WHERE id=$1 AND remaining_qty > 0`, layerID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrLayerNotFound
	}
	return nil
}

func (r *txRepository) ProductOnHand(ctx context.Context, productID, companyID int64) (float64, error) {
	var qty float64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(remaining_qty),0) FROM valuation_layers
WHERE product_id=$1 AND company_id=$2 AND remaining_qty > 0`, productID, companyID).Scan(&qty)
	return qty, err
}

func (r *txRepository) StandardCost(ctx context.Context, productID, companyID int64) (float64, error) {
	var cost float64
	err := r.tx.QueryRow(ctx, `SELECT cost FROM standard_costs WHERE product_id=$1 AND company_id=$2`,
		productID, companyID).Scan(&cost)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return cost, err
}

func (r *txRepository) UpsertStandardCost(ctx context.Context, productID, companyID int64, cost float64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO standard_costs (product_id, company_id, cost, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (product_id, company_id) DO UPDATE SET cost=EXCLUDED.cost, updated_at=NOW()`,
		productID, companyID, cost)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}
