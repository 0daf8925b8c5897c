package landedcost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stock-ledger/internal/ledger"
)

type memoryRepo struct {
	layers      []ledger.ValuationLayer
	allocations []Allocation
	stdCosts    map[int64]float64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo(layers ...ledger.ValuationLayer) *memoryRepo {
	return &memoryRepo{layers: layers, stdCosts: make(map[int64]float64)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (tx *memoryTx) LayersBySourceRef(ctx context.Context, sourceRef string, companyID int64) ([]ledger.ValuationLayer, error) {
	matched := []ledger.ValuationLayer{}
	for _, l := range tx.repo.layers {
		if l.SourceRef == sourceRef && l.CompanyID == companyID {
			matched = append(matched, l)
		}
	}
	return matched, nil
}

func (tx *memoryTx) AllocationExists(ctx context.Context, costDocRef, lineRef string) (bool, error) {
	for _, a := range tx.repo.allocations {
		if a.CostDocRef == costDocRef && a.LineRef == lineRef {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) InsertAllocation(ctx context.Context, alloc Allocation) error {
	alloc.ID = int64(len(tx.repo.allocations) + 1)
	tx.repo.allocations = append(tx.repo.allocations, alloc)
	return nil
}

func (tx *memoryTx) AddLayerValue(ctx context.Context, layerID int64, amount float64) error {
	for i := range tx.repo.layers {
		if tx.repo.layers[i].ID == layerID && tx.repo.layers[i].RemainingQty > ledger.QtyEpsilon {
			tx.repo.layers[i].Value += amount
			tx.repo.layers[i].RemainingValue += amount
			return nil
		}
	}
	return ledger.ErrLayerNotFound
}

func (tx *memoryTx) ProductOnHand(ctx context.Context, productID, companyID int64) (float64, error) {
	var qty float64
	for _, l := range tx.repo.layers {
		if l.ProductID == productID && l.CompanyID == companyID {
			qty += l.RemainingQty
		}
	}
	return qty, nil
}

func (tx *memoryTx) StandardCost(ctx context.Context, productID, companyID int64) (float64, error) {
	return tx.repo.stdCosts[productID], nil
}

func (tx *memoryTx) UpsertStandardCost(ctx context.Context, productID, companyID int64, cost float64) error {
	tx.repo.stdCosts[productID] = cost
	return nil
}

const (
	docRef = "0b6e7f5a-8d2e-4f3a-9c1b-2d4e6f8a0c1e"
	srcRef = "7f3b9c1d-5e2a-4b8c-a6d4-1f0e9b8c7d6e"
)

func openLayer(id int64, qty, remaining, unitCost float64) ledger.ValuationLayer {
	return ledger.ValuationLayer{
		ID:             id,
		ProductID:      1,
		WarehouseID:    1,
		CompanyID:      1,
		Quantity:       qty,
		UnitCost:       unitCost,
		Value:          qty * unitCost,
		RemainingQty:   remaining,
		RemainingValue: remaining * unitCost,
		SourceRef:      srcRef,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestAllocateProportionalToRemaining(t *testing.T) {
	repo := newMemoryRepo(
		openLayer(1, 10, 10, 100),
		openLayer(2, 10, 5, 100),
	)
	svc := NewService(repo, nil, nil)

	result, err := svc.Allocate(context.Background(), AllocateInput{
		CostDocRef: docRef,
		CompanyID:  1,
		Lines:      []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 30}},
	})
	require.NoError(t, err)
	require.Len(t, result.Lines, 1)
	require.True(t, result.Lines[0].Applied)
	require.Len(t, result.Lines[0].Shares, 2)
	// 20 units received in total; layer 1 still holds 10 of them, layer 2
	// holds 5. The consumed 5 units take their share to expense.
	require.InDelta(t, 15.0, result.Lines[0].Shares[0].Amount, 0.0001)
	require.InDelta(t, 7.5, result.Lines[0].Shares[1].Amount, 0.0001)
	require.InDelta(t, 22.5, result.Allocated, 0.0001)
	require.InDelta(t, 7.5, result.Expensed, 0.0001)

	require.InDelta(t, 1015.0, repo.layers[0].RemainingValue, 0.0001)
	require.InDelta(t, 507.5, repo.layers[1].RemainingValue, 0.0001)
}

func TestAllocateHalfConsumedLayerGetsHalf(t *testing.T) {
	repo := newMemoryRepo(openLayer(1, 10, 5, 100))
	svc := NewService(repo, nil, nil)

	result, err := svc.Allocate(context.Background(), AllocateInput{
		CostDocRef: docRef,
		CompanyID:  1,
		Lines:      []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 100}},
	})
	require.NoError(t, err)
	require.True(t, result.Lines[0].Applied)
	require.InDelta(t, 50.0, result.Allocated, 0.0001)
	require.InDelta(t, 50.0, result.Lines[0].Expensed, 0.0001)
	require.InDelta(t, 550.0, repo.layers[0].RemainingValue, 0.0001)

	require.Len(t, repo.allocations, 1)
	require.InDelta(t, 5.0, repo.allocations[0].Qty, 0.0001)
	require.InDelta(t, 10.0, repo.allocations[0].UnitLandedCost, 0.0001)
	require.Equal(t, int64(1), repo.allocations[0].WarehouseID)
}

func TestAllocateSkipsConsumedLayers(t *testing.T) {
	drained := openLayer(1, 10, 0, 100)
	drained.RemainingValue = 0
	repo := newMemoryRepo(drained, openLayer(2, 10, 10, 100))
	svc := NewService(repo, nil, nil)

	result, err := svc.Allocate(context.Background(), AllocateInput{
		CostDocRef: docRef,
		CompanyID:  1,
		Lines:      []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 50}},
	})
	require.NoError(t, err)
	require.Len(t, result.Lines[0].Shares, 1)
	require.Equal(t, int64(2), result.Lines[0].Shares[0].LayerID)
	// The drained layer's half of the receipt is expensed, not shifted.
	require.InDelta(t, 25.0, result.Lines[0].Shares[0].Amount, 0.0001)
	require.InDelta(t, 25.0, result.Lines[0].Expensed, 0.0001)
	require.InDelta(t, 0.0, repo.layers[0].RemainingValue, 0.0001)
}

func TestAllocateIsIdempotentPerLine(t *testing.T) {
	repo := newMemoryRepo(openLayer(1, 10, 10, 100))
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	input := AllocateInput{
		CostDocRef: docRef,
		CompanyID:  1,
		Lines:      []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 40}},
	}
	first, err := svc.Allocate(ctx, input)
	require.NoError(t, err)
	require.True(t, first.Lines[0].Applied)

	second, err := svc.Allocate(ctx, input)
	require.NoError(t, err)
	require.False(t, second.Lines[0].Applied)
	require.Zero(t, second.Allocated)
	require.InDelta(t, 1040.0, repo.layers[0].RemainingValue, 0.0001)
}

func TestAllocateFullyConsumedGoesToExpense(t *testing.T) {
	drained := openLayer(1, 10, 0, 100)
	drained.RemainingValue = 0
	repo := newMemoryRepo(drained)
	svc := NewService(repo, nil, nil)

	result, err := svc.Allocate(context.Background(), AllocateInput{
		CostDocRef: docRef,
		CompanyID:  1,
		Lines:      []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 25}},
	})
	require.NoError(t, err)
	require.False(t, result.Lines[0].Applied)
	require.Equal(t, "layers fully consumed", result.Lines[0].Reason)
	require.InDelta(t, 25.0, result.Expensed, 0.0001)
	// Recorded so a replay of the document stays a no-op.
	require.Len(t, repo.allocations, 1)
}

func TestAllocateRaisesStandardCost(t *testing.T) {
	repo := newMemoryRepo(openLayer(1, 15, 15, 100))
	repo.stdCosts[1] = 100
	svc := NewService(repo, nil, nil)

	_, err := svc.Allocate(context.Background(), AllocateInput{
		CostDocRef: docRef,
		CompanyID:  1,
		Lines:      []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 30}},
	})
	require.NoError(t, err)
	require.InDelta(t, 102.0, repo.stdCosts[1], 0.0001)
}

func TestAllocateUnitCostUpdateDisabled(t *testing.T) {
	repo := newMemoryRepo(openLayer(1, 10, 10, 100))
	repo.stdCosts[1] = 100
	svc := NewService(repo, nil, nil)
	off := false

	_, err := svc.Allocate(context.Background(), AllocateInput{
		CostDocRef:     docRef,
		CompanyID:      1,
		UpdateUnitCost: &off,
		Lines:          []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 30}},
	})
	require.NoError(t, err)
	require.InDelta(t, 100.0, repo.stdCosts[1], 0.0001)
	require.InDelta(t, 1030.0, repo.layers[0].RemainingValue, 0.0001)
}

func TestAllocateRejectsBadInput(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, AllocateInput{CostDocRef: docRef, CompanyID: 1,
		Lines: []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 0}}})
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Allocate(ctx, AllocateInput{CostDocRef: "not-a-uuid", CompanyID: 1,
		Lines: []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 5}}})
	require.Error(t, err)

	_, err = svc.Allocate(ctx, AllocateInput{CostDocRef: docRef, CompanyID: 1,
		Lines: []CostLine{{LineRef: "L1", SourceRef: srcRef, Amount: 5}}})
	require.ErrorIs(t, err, ErrNoTargetLayers)
}
