// Package shortage finds fallback warehouses when a FIFO consumption cannot
// be covered at the requested location, and reports negative-balance
// overrides for follow-up.
package shortage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stock-ledger/internal/ledger"
)

// ReaderPort exposes the stock lookups the resolver needs.
type ReaderPort interface {
	WarehouseIDs(ctx context.Context, productID, companyID int64) ([]int64, error)
	Available(ctx context.Context, productID, warehouseID, companyID int64) (float64, error)
	OverrideEntries(ctx context.Context, companyID int64) ([]ReportEntry, error)
}

// ReportEntry summarises one product at one warehouse that went negative.
type ReportEntry struct {
	ProductID      int64     `json:"product_id"`
	WarehouseID    int64     `json:"warehouse_id"`
	OverrideQty    float64   `json:"override_qty"`
	OnHandQty      float64   `json:"on_hand_qty"`
	LastOverrideAt time.Time `json:"last_override_at"`
}

// Resolver scans sibling warehouses for cover.
type Resolver struct {
	reader  ReaderPort
	logger  *slog.Logger
	maxScan int
}

// NewResolver constructs Resolver. maxScan caps concurrent warehouse lookups.
func NewResolver(reader ReaderPort, logger *slog.Logger, maxScan int) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if maxScan <= 0 {
		maxScan = 8
	}
	return &Resolver{reader: reader, logger: logger, maxScan: maxScan}
}

// Candidates returns sibling warehouses holding the product, most available
// first, excluding the requesting warehouse. It satisfies the ledger's
// shortage port.
func (r *Resolver) Candidates(ctx context.Context, productID, warehouseID, companyID int64, needed float64) ([]ledger.WarehouseCandidate, error) {
	ids, err := r.reader.WarehouseIDs(ctx, productID, companyID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	candidates := []ledger.WarehouseCandidate{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxScan)
	for _, id := range ids {
		if id == warehouseID {
			continue
		}
		id := id
		g.Go(func() error {
			qty, err := r.reader.Available(gctx, productID, id, companyID)
			if err != nil {
				return err
			}
			if qty <= ledger.QtyEpsilon {
				return nil
			}
			mu.Lock()
			candidates = append(candidates, ledger.WarehouseCandidate{WarehouseID: id, AvailableQty: qty})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AvailableQty == candidates[j].AvailableQty {
			return candidates[i].WarehouseID < candidates[j].WarehouseID
		}
		return candidates[i].AvailableQty > candidates[j].AvailableQty
	})

	// Stop once the listed warehouses cover the need.
	if needed > 0 {
		var covered float64
		for i, c := range candidates {
			covered += c.AvailableQty
			if covered >= needed-ledger.QtyEpsilon {
				return candidates[:i+1], nil
			}
		}
	}
	return candidates, nil
}

// BuildReport lists every negative-balance override in the company together
// with current on-hand, most recent first.
func (r *Resolver) BuildReport(ctx context.Context, companyID int64) ([]ReportEntry, error) {
	entries, err := r.reader.OverrideEntries(ctx, companyID)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxScan)
	for i := range entries {
		i := i
		g.Go(func() error {
			qty, err := r.reader.Available(gctx, entries[i].ProductID, entries[i].WarehouseID, companyID)
			if err != nil {
				return err
			}
			entries[i].OnHandQty = qty
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastOverrideAt.After(entries[j].LastOverrideAt)
	})
	return entries, nil
}
