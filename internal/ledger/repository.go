package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stock-ledger/internal/platform/db"
)

// Repository persists valuation ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertMovement(ctx context.Context, mv Movement) (int64, error)
	InsertLayer(ctx context.Context, layer ValuationLayer) (ValuationLayer, error)
	FifoQueueForUpdate(ctx context.Context, productID, warehouseID, companyID int64) ([]ValuationLayer, error)
	UpdateRemaining(ctx context.Context, layerID int64, remainingQty, remainingValue float64) error
	InsertUsages(ctx context.Context, consumerLayerID int64, draws []LayerDraw) error
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
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetRemaining sums the open layers for one product at one warehouse.
func (r *Repository) GetRemaining(ctx context.Context, productID, warehouseID, companyID int64) (Remaining, error) {
	if r == nil {
		return Remaining{}, errors.New("ledger repository not initialised")
	}
	rem := Remaining{ProductID: productID, WarehouseID: warehouseID, CompanyID: companyID}
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(remaining_qty),0), COALESCE(SUM(remaining_value),0)
FROM valuation_layers
WHERE product_id=$1 AND warehouse_id=$2 AND company_id=$3 AND remaining_qty > 0`,
		productID, warehouseID, companyID).Scan(&rem.Qty, &rem.Value)
	return rem, err
}

// LayerHistory returns every layer for one product at one warehouse in
// creation order, oldest first, open or not. Reconciliation replays it.
func (r *Repository) LayerHistory(ctx context.Context, productID, warehouseID, companyID int64) ([]ValuationLayer, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, warehouse_id, company_id, quantity, unit_cost, value,
remaining_qty, remaining_value, COALESCE(lot_id,0), COALESCE(source_ref::text,''), COALESCE(movement_id,0),
COALESCE(description,''), negative_override, created_at
FROM valuation_layers
WHERE product_id=$1 AND warehouse_id=$2 AND company_id=$3
ORDER BY created_at ASC, id ASC`, productID, warehouseID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLayers(rows)
}

func (r *txRepository) InsertMovement(ctx context.Context, mv Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_movements (code, kind, product_id, company_id, src_warehouse_id, dst_warehouse_id, qty, source_ref, note, posted_at, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW()) RETURNING id`,
		mv.Code, string(mv.Kind), mv.ProductID, mv.CompanyID, nullInt(mv.SrcWarehouseID), nullInt(mv.DstWarehouseID),
		mv.Qty, nullUUID(mv.SourceRef), mv.Note, mv.PostedAt, nullInt(mv.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLayer(ctx context.Context, layer ValuationLayer) (ValuationLayer, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO valuation_layers (product_id, warehouse_id, company_id, quantity, unit_cost, value, remaining_qty, remaining_value, lot_id, source_ref, movement_id, description, negative_override, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id, created_at`,
		layer.ProductID, layer.WarehouseID, layer.CompanyID, layer.Quantity, layer.UnitCost, layer.Value,
		layer.RemainingQty, layer.RemainingValue, nullInt(layer.LotID), nullUUID(layer.SourceRef),
		nullInt(layer.MovementID), layer.Description, layer.NegativeOverride, layer.CreatedAt).
		Scan(&layer.ID, &layer.CreatedAt)
	return layer, err
}

func (r *txRepository) FifoQueueForUpdate(ctx context.Context, productID, warehouseID, companyID int64) ([]ValuationLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, product_id, warehouse_id, company_id, quantity, unit_cost, value,
remaining_qty, remaining_value, COALESCE(lot_id,0), COALESCE(source_ref::text,''), COALESCE(movement_id,0),
COALESCE(description,''), negative_override, created_at
FROM valuation_layers
WHERE product_id=$1 AND warehouse_id=$2 AND company_id=$3 AND remaining_qty > 0
ORDER BY created_at ASC, id ASC
FOR UPDATE`, productID, warehouseID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLayers(rows)
}

func (r *txRepository) UpdateRemaining(ctx context.Context, layerID int64, remainingQty, remainingValue float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE valuation_layers SET remaining_qty=$2, remaining_value=$3 WHERE id=$1`,
		layerID, remainingQty, remainingValue)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

func (r *txRepository) InsertUsages(ctx context.Context, consumerLayerID int64, draws []LayerDraw) error {
	for _, d := range draws {
		if _, err := r.tx.Exec(ctx, `INSERT INTO layer_usages (consumer_layer_id, source_layer_id, qty, value, unit_cost, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())`, consumerLayerID, d.LayerID, d.Qty, d.Value, d.UnitCost); err != nil {
			return err
		}
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

func scanLayers(rows pgx.Rows) ([]ValuationLayer, error) {
	layers := []ValuationLayer{}
	for rows.Next() {
		var l ValuationLayer
		if err := rows.Scan(&l.ID, &l.ProductID, &l.WarehouseID, &l.CompanyID, &l.Quantity, &l.UnitCost, &l.Value,
			&l.RemainingQty, &l.RemainingValue, &l.LotID, &l.SourceRef, &l.MovementID,
			&l.Description, &l.NegativeOverride, &l.CreatedAt); err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return layers, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullUUID(value string) any {
	if value == "" {
		return nil
	}
	return value
}
