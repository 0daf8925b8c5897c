package reconcile

import (
	"time"

	"github.com/odyssey-erp/stock-ledger/internal/ledger"
)

// Operation enumerates reconciliation operations.
type Operation string

const (
	// OpBackfillWarehouse assigns warehouses to legacy layers missing one.
	OpBackfillWarehouse Operation = "backfill_warehouse"
	// OpRecalculate rebuilds remaining figures by replaying layer history.
	OpRecalculate Operation = "recalculate"
	// OpFixValueMismatch clears value residue on zero-quantity groups.
	OpFixValueMismatch Operation = "fix_value_mismatch"
)

// ValueEpsilon is the tolerance under which a group value residue is ignored.
const ValueEpsilon = 0.01

// Scope limits a reconciliation run. CompanyID is required; zero ProductID or
// WarehouseID means all.
type Scope struct {
	CompanyID   int64
	ProductID   int64
	WarehouseID int64
}

// Group is one FIFO queue identity.
type Group struct {
	ProductID   int64
	WarehouseID int64
	CompanyID   int64
}

// ItemError records a group that could not be reconciled.
type ItemError struct {
	ProductID   int64  `json:"product_id"`
	WarehouseID int64  `json:"warehouse_id"`
	Reason      string `json:"reason"`
}

// Summary reports a reconciliation run. BackupID names the snapshot written
// before a non-dry run and is usable for rollback through Restore.
type Summary struct {
	Operation Operation   `json:"operation"`
	DryRun    bool        `json:"dry_run"`
	BackupID  int64       `json:"backup_id,omitempty"`
	Groups    int         `json:"groups"`
	Examined  int         `json:"examined"`
	Updated   int         `json:"updated"`
	Skipped   int         `json:"skipped"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Backup is a snapshot of layer state taken before a destructive run.
type Backup struct {
	ID         int64      `json:"id"`
	CompanyID  int64      `json:"company_id"`
	Scope      string     `json:"scope"`
	Status     string     `json:"status"`
	Lines      int        `json:"lines"`
	CreatedAt  time.Time  `json:"created_at"`
	RestoredAt *time.Time `json:"restored_at,omitempty"`
}

// Backup status values.
const (
	BackupCreated  = "created"
	BackupRestored = "restored"
)

// BackupLine preserves one layer row.
type BackupLine struct {
	BackupID int64
	Layer    ledger.ValuationLayer
}

// RestoreResult reports a restore run.
type RestoreResult struct {
	BackupID  int64 `json:"backup_id"`
	Restored  int   `json:"restored"`
	Recreated int   `json:"recreated"`
}
