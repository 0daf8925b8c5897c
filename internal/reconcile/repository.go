package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stock-ledger/internal/ledger"
	"github.com/odyssey-erp/stock-ledger/internal/platform/db"
	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// Repository persists reconciliation data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("reconcile repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ListGroups enumerates FIFO queue identities inside the scope.
func (r *Repository) ListGroups(ctx context.Context, scope Scope) ([]Group, error) {
	if r == nil {
		return nil, errors.New("reconcile repository not initialised")
	}
	query := `SELECT DISTINCT product_id, warehouse_id, company_id FROM valuation_layers
WHERE company_id=$1 AND warehouse_id IS NOT NULL`
	args := []any{scope.CompanyID}
	if scope.ProductID != 0 {
		args = append(args, scope.ProductID)
		query += fmt.Sprintf(" AND product_id=$%d", len(args))
	}
	if scope.WarehouseID != 0 {
		args = append(args, scope.WarehouseID)
		query += fmt.Sprintf(" AND warehouse_id=$%d", len(args))
	}
	query += " ORDER BY product_id, warehouse_id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	groups := []Group{}
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ProductID, &g.WarehouseID, &g.CompanyID); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListBackups returns company backups, newest first.
func (r *Repository) ListBackups(ctx context.Context, companyID int64) ([]Backup, error) {
	if r == nil {
		return nil, errors.New("reconcile repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT b.id, b.company_id, b.scope, b.status, b.created_at, b.restored_at,
(SELECT COUNT(*) FROM recalculation_backup_lines l WHERE l.backup_id=b.id)
FROM recalculation_backups b
WHERE b.company_id=$1
ORDER BY b.created_at DESC, b.id DESC`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	backups := []Backup{}
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.CompanyID, &b.Scope, &b.Status, &b.CreatedAt, &b.RestoredAt, &b.Lines); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

const layerColumns = `id, product_id, warehouse_id, company_id, quantity, unit_cost, value,
remaining_qty, remaining_value, COALESCE(lot_id,0), COALESCE(source_ref::text,''), COALESCE(movement_id,0),
COALESCE(description,''), negative_override, created_at`

func (r *txRepository) LayerHistoryForUpdate(ctx context.Context, g Group) ([]ledger.ValuationLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+`
FROM valuation_layers
WHERE product_id=$1 AND warehouse_id=$2 AND company_id=$3
ORDER BY created_at ASC, id ASC
FOR UPDATE`, g.ProductID, g.WarehouseID, g.CompanyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLayers(rows)
}

func (r *txRepository) UpdateRemaining(ctx context.Context, layerID int64, remainingQty, remainingValue float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE valuation_layers SET remaining_qty=$2, remaining_value=$3 WHERE id=$1`,
		layerID, remainingQty, remainingValue)
	return err
}

func (r *txRepository) UpdateValue(ctx context.Context, layerID int64, value, remainingValue float64) error {
	_, err := r.tx.Exec(ctx, `UPDATE valuation_layers SET value=$2, remaining_value=$3 WHERE id=$1`,
		layerID, value, remainingValue)
	return err
}

func (r *txRepository) LayersMissingWarehouse(ctx context.Context, companyID int64, limit int) ([]ledger.ValuationLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+layerColumns+`
FROM valuation_layers
WHERE company_id=$1 AND warehouse_id IS NULL
ORDER BY id ASC
LIMIT $2
FOR UPDATE`, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLayersNullWarehouse(rows)
}

func (r *txRepository) MovementByID(ctx context.Context, id int64) (ledger.Movement, error) {
	var mv ledger.Movement
	var src, dst *int64
	err := r.tx.QueryRow(ctx, `SELECT id, code, kind, product_id, company_id, src_warehouse_id, dst_warehouse_id, qty, posted_at
FROM ledger_movements WHERE id=$1`, id).
		Scan(&mv.ID, &mv.Code, &mv.Kind, &mv.ProductID, &mv.CompanyID, &src, &dst, &mv.Qty, &mv.PostedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Movement{}, fmt.Errorf("%w: movement %d", shared.ErrNotFound, id)
	}
	if src != nil {
		mv.SrcWarehouseID = *src
	}
	if dst != nil {
		mv.DstWarehouseID = *dst
	}
	return mv, err
}

func (r *txRepository) SetLayerWarehouse(ctx context.Context, layerID, warehouseID int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE valuation_layers SET warehouse_id=$2 WHERE id=$1`, layerID, warehouseID)
	return err
}

func (r *txRepository) InsertBackup(ctx context.Context, b Backup) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO recalculation_backups (company_id, scope, status, created_at)
VALUES ($1,$2,$3,$4) RETURNING id`, b.CompanyID, b.Scope, b.Status, b.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertBackupLines(ctx context.Context, backupID int64, layers []ledger.ValuationLayer) error {
	for _, l := range layers {
		if _, err := r.tx.Exec(ctx, `INSERT INTO recalculation_backup_lines
(backup_id, layer_id, product_id, warehouse_id, company_id, quantity, unit_cost, value, remaining_qty, remaining_value, lot_id, source_ref, movement_id, description, negative_override, layer_created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			backupID, l.ID, l.ProductID, nullInt(l.WarehouseID), l.CompanyID, l.Quantity, l.UnitCost, l.Value,
			l.RemainingQty, l.RemainingValue, nullInt(l.LotID), nullUUID(l.SourceRef), nullInt(l.MovementID),
			l.Description, l.NegativeOverride, l.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) GetBackupForUpdate(ctx context.Context, id int64) (Backup, error) {
	var b Backup
	err := r.tx.QueryRow(ctx, `SELECT id, company_id, scope, status, created_at, restored_at
FROM recalculation_backups WHERE id=$1 FOR UPDATE`, id).
		Scan(&b.ID, &b.CompanyID, &b.Scope, &b.Status, &b.CreatedAt, &b.RestoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Backup{}, fmt.Errorf("%w: backup %d", shared.ErrNotFound, id)
	}
	return b, err
}

func (r *txRepository) BackupLines(ctx context.Context, backupID int64) ([]ledger.ValuationLayer, error) {
	rows, err := r.tx.Query(ctx, `SELECT layer_id, product_id, warehouse_id, company_id, quantity, unit_cost, value,
remaining_qty, remaining_value, COALESCE(lot_id,0), COALESCE(source_ref::text,''), COALESCE(movement_id,0),
COALESCE(description,''), negative_override, layer_created_at
FROM recalculation_backup_lines
WHERE backup_id=$1
ORDER BY layer_id ASC`, backupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLayersNullWarehouse(rows)
}

func (r *txRepository) LayerExists(ctx context.Context, layerID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM valuation_layers WHERE id=$1)`, layerID).Scan(&exists)
	return exists, err
}

func (r *txRepository) MovementCountSince(ctx context.Context, g Group, since time.Time) (int, error) {
	var count int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_movements
WHERE company_id=$1 AND product_id=$2
  AND (src_warehouse_id=$3 OR dst_warehouse_id=$3)
  AND created_at > $4`, g.CompanyID, g.ProductID, g.WarehouseID, since).Scan(&count)
	return count, err
}

func (r *txRepository) RestoreLayer(ctx context.Context, l ledger.ValuationLayer) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO valuation_layers
(id, product_id, warehouse_id, company_id, quantity, unit_cost, value, remaining_qty, remaining_value, lot_id, source_ref, movement_id, description, negative_override, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
quantity=EXCLUDED.quantity, unit_cost=EXCLUDED.unit_cost, value=EXCLUDED.value,
remaining_qty=EXCLUDED.remaining_qty, remaining_value=EXCLUDED.remaining_value,
warehouse_id=EXCLUDED.warehouse_id, negative_override=EXCLUDED.negative_override`,
		l.ID, l.ProductID, nullInt(l.WarehouseID), l.CompanyID, l.Quantity, l.UnitCost, l.Value,
		l.RemainingQty, l.RemainingValue, nullInt(l.LotID), nullUUID(l.SourceRef), nullInt(l.MovementID),
		l.Description, l.NegativeOverride, l.CreatedAt)
	return err
}

func (r *txRepository) MarkBackupRestored(ctx context.Context, id int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE recalculation_backups SET status=$2, restored_at=NOW()
WHERE id=$1 AND status=$3`, id, BackupRestored, BackupCreated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: backup %d", shared.ErrRestoreConflict, id)
	}
	return nil
}

func scanLayers(rows pgx.Rows) ([]ledger.ValuationLayer, error) {
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

func scanLayersNullWarehouse(rows pgx.Rows) ([]ledger.ValuationLayer, error) {
	layers := []ledger.ValuationLayer{}
	for rows.Next() {
		var l ledger.ValuationLayer
		var warehouse *int64
		if err := rows.Scan(&l.ID, &l.ProductID, &warehouse, &l.CompanyID, &l.Quantity, &l.UnitCost, &l.Value,
			&l.RemainingQty, &l.RemainingValue, &l.LotID, &l.SourceRef, &l.MovementID,
			&l.Description, &l.NegativeOverride, &l.CreatedAt); err != nil {
			return nil, err
		}
		if warehouse != nil {
			l.WarehouseID = *warehouse
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
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
