package shortage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads stock availability from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WarehouseIDs lists warehouses that ever held the product.
func (r *Repository) WarehouseIDs(ctx context.Context, productID, companyID int64) ([]int64, error) {
	if r == nil {
		return nil, errors.New("shortage repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT warehouse_id FROM valuation_layers
WHERE product_id=$1 AND company_id=$2 AND warehouse_id IS NOT NULL
ORDER BY warehouse_id`, productID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Available sums the open layers for one product at one warehouse.
func (r *Repository) Available(ctx context.Context, productID, warehouseID, companyID int64) (float64, error) {
	if r == nil {
		return 0, errors.New("shortage repository not initialised")
	}
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(remaining_qty),0) FROM valuation_layers
WHERE product_id=$1 AND warehouse_id=$2 AND company_id=$3 AND remaining_qty > 0`,
		productID, warehouseID, companyID).Scan(&qty)
	return qty, err
}

// OverrideEntries groups negative-balance override layers per product and warehouse.
func (r *Repository) OverrideEntries(ctx context.Context, companyID int64) ([]ReportEntry, error) {
	if r == nil {
		return nil, errors.New("shortage repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT product_id, warehouse_id, COALESCE(SUM(-quantity),0), MAX(created_at)
FROM valuation_layers
WHERE company_id=$1 AND negative_override
GROUP BY product_id, warehouse_id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []ReportEntry{}
	for rows.Next() {
		var e ReportEntry
		if err := rows.Scan(&e.ProductID, &e.WarehouseID, &e.OverrideQty, &e.LastOverrideAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
