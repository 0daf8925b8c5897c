package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/odyssey-erp/stock-ledger/internal/ledger"
	"github.com/odyssey-erp/stock-ledger/internal/locking"
	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListGroups(ctx context.Context, scope Scope) ([]Group, error)
	ListBackups(ctx context.Context, companyID int64) ([]Backup, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	LayerHistoryForUpdate(ctx context.Context, g Group) ([]ledger.ValuationLayer, error)
	UpdateRemaining(ctx context.Context, layerID int64, remainingQty, remainingValue float64) error
	UpdateValue(ctx context.Context, layerID int64, value, remainingValue float64) error
	LayersMissingWarehouse(ctx context.Context, companyID int64, limit int) ([]ledger.ValuationLayer, error)
	MovementByID(ctx context.Context, id int64) (ledger.Movement, error)
	SetLayerWarehouse(ctx context.Context, layerID, warehouseID int64) error
	InsertBackup(ctx context.Context, b Backup) (int64, error)
	InsertBackupLines(ctx context.Context, backupID int64, layers []ledger.ValuationLayer) error
	GetBackupForUpdate(ctx context.Context, id int64) (Backup, error)
	BackupLines(ctx context.Context, backupID int64) ([]ledger.ValuationLayer, error)
	LayerExists(ctx context.Context, layerID int64) (bool, error)
	MovementCountSince(ctx context.Context, g Group, since time.Time) (int, error)
	RestoreLayer(ctx context.Context, layer ledger.ValuationLayer) error
	MarkBackupRestored(ctx context.Context, id int64) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service repairs ledger state. Every operation is idempotent: replaying a
// run against already consistent data changes nothing.
type Service struct {
	repo      RepositoryPort
	locks     ledger.LockPort
	audit     AuditPort
	logger    *slog.Logger
	chunkSize int
}

// NewService builds Service. chunkSize caps the layers touched per backfill
// transaction.
func NewService(repo RepositoryPort, locks ledger.LockPort, audit AuditPort, logger *slog.Logger, chunkSize int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &Service{repo: repo, locks: locks, audit: audit, logger: logger, chunkSize: chunkSize}
}

// RecalculateRemaining replays each group's layer history and rewrites any
// remaining figure that diverged from the replay. With dryRun the divergences
// are counted but not written.
func (s *Service) RecalculateRemaining(ctx context.Context, scope Scope, dryRun bool) (Summary, error) {
	if scope.CompanyID == 0 {
		return Summary{}, fmt.Errorf("%w: company required", shared.ErrInvalidInput)
	}
	summary := Summary{Operation: OpRecalculate, DryRun: dryRun}
	if !dryRun {
		backup, err := s.Snapshot(ctx, scope)
		if err != nil {
			return Summary{}, err
		}
		summary.BackupID = backup.ID
	}

	groups, err := s.repo.ListGroups(ctx, scope)
	if err != nil {
		return Summary{}, err
	}
	summary.Groups = len(groups)

	for _, g := range groups {
		updated, examined, err := s.recalculateGroup(ctx, g, dryRun)
		if err != nil {
			summary.Errors = append(summary.Errors, ItemError{ProductID: g.ProductID, WarehouseID: g.WarehouseID, Reason: err.Error()})
			continue
		}
		summary.Examined += examined
		summary.Updated += updated
	}

	s.recordAudit(ctx, OpRecalculate, scope, summary)
	return summary, nil
}

func (s *Service) recalculateGroup(ctx context.Context, g Group, dryRun bool) (updated, examined int, err error) {
	err = s.withLock(ctx, locking.Key(g.CompanyID, g.ProductID, g.WarehouseID), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			history, err := tx.LayerHistoryForUpdate(ctx, g)
			if err != nil {
				return err
			}
			examined = len(history)

			byID := make(map[int64]ledger.ValuationLayer, len(history))
			for _, l := range history {
				byID[l.ID] = l
			}
			for _, r := range ledger.Replay(history) {
				current, ok := byID[r.LayerID]
				if !ok {
					continue
				}
				if math.Abs(current.RemainingQty-r.RemainingQty) <= ledger.QtyEpsilon &&
					math.Abs(current.RemainingValue-r.RemainingValue) <= ValueEpsilon {
					continue
				}
				updated++
				if dryRun {
					continue
				}
				if err := tx.UpdateRemaining(ctx, r.LayerID, r.RemainingQty, r.RemainingValue); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return updated, examined, err
}

// FixValueMismatch finds groups whose quantities net to zero while value does
// not, and distributes the residue over the group's negative layers weighted
// by absolute quantity. Groups with residue but no negative layer cannot be
// repaired automatically and are reported as data inconsistencies.
func (s *Service) FixValueMismatch(ctx context.Context, scope Scope, dryRun bool) (Summary, error) {
	if scope.CompanyID == 0 {
		return Summary{}, fmt.Errorf("%w: company required", shared.ErrInvalidInput)
	}
	summary := Summary{Operation: OpFixValueMismatch, DryRun: dryRun}
	if !dryRun {
		backup, err := s.Snapshot(ctx, scope)
		if err != nil {
			return Summary{}, err
		}
		summary.BackupID = backup.ID
	}

	groups, err := s.repo.ListGroups(ctx, scope)
	if err != nil {
		return Summary{}, err
	}
	summary.Groups = len(groups)

	for _, g := range groups {
		updated, skipped, err := s.fixGroupValue(ctx, g, dryRun)
		if err != nil {
			summary.Errors = append(summary.Errors, ItemError{ProductID: g.ProductID, WarehouseID: g.WarehouseID, Reason: err.Error()})
			continue
		}
		summary.Updated += updated
		summary.Skipped += skipped
		summary.Examined++
	}

	s.recordAudit(ctx, OpFixValueMismatch, scope, summary)
	return summary, nil
}

func (s *Service) fixGroupValue(ctx context.Context, g Group, dryRun bool) (updated, skipped int, err error) {
	err = s.withLock(ctx, locking.Key(g.CompanyID, g.ProductID, g.WarehouseID), func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			history, err := tx.LayerHistoryForUpdate(ctx, g)
			if err != nil {
				return err
			}
			totals := ledger.Aggregate(history)
			if math.Abs(totals.Qty) > ledger.QtyEpsilon || math.Abs(totals.Value) <= ValueEpsilon {
				skipped++
				return nil
			}

			var negQty float64
			negatives := []ledger.ValuationLayer{}
			for _, l := range history {
				if l.Quantity < 0 {
					negQty += -l.Quantity
					negatives = append(negatives, l)
				}
			}
			if len(negatives) == 0 || negQty <= ledger.QtyEpsilon {
				return fmt.Errorf("%w: value residue %.4f with no negative layers", shared.ErrDataInconsistency, totals.Value)
			}

			residue := totals.Value
			applied := 0.0
			for i, l := range negatives {
				share := residue * (-l.Quantity / negQty)
				if i == len(negatives)-1 {
					share = residue - applied
				}
				updated++
				if !dryRun {
					if err := tx.UpdateValue(ctx, l.ID, l.Value-share, l.RemainingValue); err != nil {
						return err
					}
				}
				applied += share
			}
			return nil
		})
	})
	return updated, skipped, err
}

// BackfillWarehouse assigns a warehouse to legacy layers that predate
// per-warehouse tracking, inferred from the originating movement. Layers
// whose movement is unknown are left alone and reported.
func (s *Service) BackfillWarehouse(ctx context.Context, companyID int64, dryRun bool) (Summary, error) {
	if companyID == 0 {
		return Summary{}, fmt.Errorf("%w: company required", shared.ErrInvalidInput)
	}
	summary := Summary{Operation: OpBackfillWarehouse, DryRun: dryRun}

	for {
		var batch, assigned int
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			layers, err := tx.LayersMissingWarehouse(ctx, companyID, s.chunkSize)
			if err != nil {
				return err
			}
			batch = len(layers)
			for _, l := range layers {
				summary.Examined++
				warehouseID, err := s.inferWarehouse(ctx, tx, l)
				if err != nil {
					summary.Skipped++
					summary.Errors = append(summary.Errors, ItemError{ProductID: l.ProductID, Reason: err.Error()})
					continue
				}
				summary.Updated++
				if dryRun {
					continue
				}
				if err := tx.SetLayerWarehouse(ctx, l.ID, warehouseID); err != nil {
					return err
				}
				assigned++
			}
			return nil
		})
		if err != nil {
			return Summary{}, err
		}
		// A dry run never shrinks the pending set; one pass is the answer.
		// The same holds when a full chunk yields no assignment.
		if batch < s.chunkSize || dryRun || assigned == 0 {
			break
		}
	}

	s.recordAudit(ctx, OpBackfillWarehouse, Scope{CompanyID: companyID}, summary)
	return summary, nil
}

func (s *Service) inferWarehouse(ctx context.Context, tx TxRepository, l ledger.ValuationLayer) (int64, error) {
	if l.MovementID == 0 {
		return 0, fmt.Errorf("layer %d has no movement", l.ID)
	}
	mv, err := tx.MovementByID(ctx, l.MovementID)
	if err != nil {
		return 0, err
	}
	if l.Quantity >= 0 && mv.DstWarehouseID != 0 {
		return mv.DstWarehouseID, nil
	}
	if l.Quantity < 0 && mv.SrcWarehouseID != 0 {
		return mv.SrcWarehouseID, nil
	}
	return 0, fmt.Errorf("movement %d names no warehouse for layer %d", mv.ID, l.ID)
}

// Snapshot stores a restorable copy of every layer in scope.
func (s *Service) Snapshot(ctx context.Context, scope Scope) (Backup, error) {
	if scope.CompanyID == 0 {
		return Backup{}, fmt.Errorf("%w: company required", shared.ErrInvalidInput)
	}
	groups, err := s.repo.ListGroups(ctx, scope)
	if err != nil {
		return Backup{}, err
	}

	backup := Backup{
		CompanyID: scope.CompanyID,
		Scope:     fmt.Sprintf("product=%d warehouse=%d", scope.ProductID, scope.WarehouseID),
		Status:    BackupCreated,
		CreatedAt: time.Now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertBackup(ctx, backup)
		if err != nil {
			return err
		}
		backup.ID = id
		for _, g := range groups {
			history, err := tx.LayerHistoryForUpdate(ctx, g)
			if err != nil {
				return err
			}
			if len(history) == 0 {
				continue
			}
			if err := tx.InsertBackupLines(ctx, id, history); err != nil {
				return err
			}
			backup.Lines += len(history)
		}
		return nil
	})
	if err != nil {
		return Backup{}, err
	}

	s.logger.Info("ledger backup created",
		slog.Int64("backup_id", backup.ID),
		slog.Int("lines", backup.Lines))
	return backup, nil
}

// Restore writes a backup's layer rows back, recreating layers that were
// deleted since the snapshot. A backup restores at most once, and only while
// the groups it covers saw no new movements: reconciliation runs rewrite
// layers without posting movements, so any movement younger than the backup
// is live traffic the restore would silently erase.
func (s *Service) Restore(ctx context.Context, backupID int64) (RestoreResult, error) {
	result := RestoreResult{BackupID: backupID}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		backup, err := tx.GetBackupForUpdate(ctx, backupID)
		if err != nil {
			return err
		}
		if backup.Status != BackupCreated {
			return fmt.Errorf("%w: backup %d already restored", shared.ErrRestoreConflict, backupID)
		}
		lines, err := tx.BackupLines(ctx, backupID)
		if err != nil {
			return err
		}
		seen := map[Group]bool{}
		for _, layer := range lines {
			g := Group{ProductID: layer.ProductID, WarehouseID: layer.WarehouseID, CompanyID: layer.CompanyID}
			if seen[g] {
				continue
			}
			seen[g] = true
			moved, err := tx.MovementCountSince(ctx, g, backup.CreatedAt)
			if err != nil {
				return err
			}
			if moved > 0 {
				return fmt.Errorf("%w: backup %d: %d movements posted for product %d warehouse %d since the snapshot",
					shared.ErrRestoreConflict, backupID, moved, g.ProductID, g.WarehouseID)
			}
		}
		for _, layer := range lines {
			exists, err := tx.LayerExists(ctx, layer.ID)
			if err != nil {
				return err
			}
			if err := tx.RestoreLayer(ctx, layer); err != nil {
				return err
			}
			if exists {
				result.Restored++
			} else {
				result.Recreated++
			}
		}
		return tx.MarkBackupRestored(ctx, backupID)
	})
	if err != nil {
		return RestoreResult{}, err
	}

	s.logger.Info("ledger backup restored",
		slog.Int64("backup_id", backupID),
		slog.Int("restored", result.Restored),
		slog.Int("recreated", result.Recreated))
	return result, nil
}

// ListBackups returns the company's backups, newest first.
func (s *Service) ListBackups(ctx context.Context, companyID int64) ([]Backup, error) {
	if companyID == 0 {
		return nil, fmt.Errorf("%w: company required", shared.ErrInvalidInput)
	}
	return s.repo.ListBackups(ctx, companyID)
}

func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.locks == nil {
		return fn(ctx)
	}
	return s.locks.WithLock(ctx, key, fn)
}

func (s *Service) recordAudit(ctx context.Context, op Operation, scope Scope, summary Summary) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   fmt.Sprintf("reconcile:%s", op),
		Entity:   "valuation_layer",
		EntityID: fmt.Sprintf("company:%d", scope.CompanyID),
		Meta: map[string]any{
			"dry_run":   summary.DryRun,
			"backup_id": summary.BackupID,
			"groups":    summary.Groups,
			"examined":  summary.Examined,
			"updated":   summary.Updated,
			"skipped":   summary.Skipped,
			"errors":    len(summary.Errors),
		},
	})
}
