package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type memoryRepo struct {
	mu          sync.Mutex
	layers      []ValuationLayer
	movements   []Movement
	usages      []LayerUsage
	stdCosts    map[string]float64
	nextLayerID int64
	nextMvID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{stdCosts: make(map[string]float64)}
}

func costKey(productID, companyID int64) string {
	return fmt.Sprintf("%d:%d", productID, companyID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetRemaining(ctx context.Context, productID, warehouseID, companyID int64) (Remaining, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rem := Remaining{ProductID: productID, WarehouseID: warehouseID, CompanyID: companyID}
	for _, l := range r.layers {
		if l.ProductID == productID && l.WarehouseID == warehouseID && l.CompanyID == companyID {
			rem.Qty += l.RemainingQty
			rem.Value += l.RemainingValue
		}
	}
	return rem, nil
}

func (r *memoryRepo) LayerHistory(ctx context.Context, productID, warehouseID, companyID int64) ([]ValuationLayer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := []ValuationLayer{}
	for _, l := range r.layers {
		if l.ProductID == productID && l.WarehouseID == warehouseID && l.CompanyID == companyID {
			history = append(history, l)
		}
	}
	SortFIFO(history)
	return history, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, mv Movement) (int64, error) {
	tx.repo.nextMvID++
	mv.ID = tx.repo.nextMvID
	tx.repo.movements = append(tx.repo.movements, mv)
	return mv.ID, nil
}

func (tx *memoryTx) InsertLayer(ctx context.Context, layer ValuationLayer) (ValuationLayer, error) {
	tx.repo.nextLayerID++
	layer.ID = tx.repo.nextLayerID
	if layer.CreatedAt.IsZero() {
		layer.CreatedAt = time.Now().UTC()
	}
	tx.repo.layers = append(tx.repo.layers, layer)
	return layer, nil
}

func (tx *memoryTx) FifoQueueForUpdate(ctx context.Context, productID, warehouseID, companyID int64) ([]ValuationLayer, error) {
	queue := []ValuationLayer{}
	for _, l := range tx.repo.layers {
		if l.ProductID == productID && l.WarehouseID == warehouseID && l.CompanyID == companyID && l.RemainingQty > QtyEpsilon {
			queue = append(queue, l)
		}
	}
	SortFIFO(queue)
	return queue, nil
}

func (tx *memoryTx) UpdateRemaining(ctx context.Context, layerID int64, remainingQty, remainingValue float64) error {
	for i := range tx.repo.layers {
		if tx.repo.layers[i].ID == layerID {
			tx.repo.layers[i].RemainingQty = remainingQty
			tx.repo.layers[i].RemainingValue = remainingValue
			return nil
		}
	}
	return ErrLayerNotFound
}

func (tx *memoryTx) InsertUsages(ctx context.Context, consumerLayerID int64, draws []LayerDraw) error {
	for _, d := range draws {
		tx.repo.usages = append(tx.repo.usages, LayerUsage{
			ConsumerLayerID: consumerLayerID,
			SourceLayerID:   d.LayerID,
			Qty:             d.Qty,
			Value:           d.Value,
			UnitCost:        d.UnitCost,
		})
	}
	return nil
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
	return tx.repo.stdCosts[costKey(productID, companyID)], nil
}

func (tx *memoryTx) UpsertStandardCost(ctx context.Context, productID, companyID int64, cost float64) error {
	tx.repo.stdCosts[costKey(productID, companyID)] = cost
	return nil
}

type staticCandidates struct {
	candidates []WarehouseCandidate
}

func (s staticCandidates) Candidates(ctx context.Context, productID, warehouseID, companyID int64, needed float64) ([]WarehouseCandidate, error) {
	return s.candidates, nil
}

func newTestService(repo RepositoryPort) *Service {
	return NewService(ServiceParams{Repo: repo})
}

func TestFifoConsumptionOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Code: "GRN-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10, UnitCost: 100})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{Code: "GRN-2", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10, UnitCost: 120})
	require.NoError(t, err)

	result, err := svc.Consume(ctx, ConsumeInput{Code: "ISS-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 15})
	require.NoError(t, err)
	require.True(t, result.FullySatisfied)
	require.InDelta(t, 1600.0, result.Cost, 0.0001)

	rem, err := svc.GetRemaining(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 5.0, rem.Qty, 0.0001)
	require.InDelta(t, 600.0, rem.Value, 0.0001)
}

func TestWarehouseIsolation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Code: "GRN-A", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10, UnitCost: 100})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{Code: "GRN-B", ProductID: 1, WarehouseID: 2, CompanyID: 1, Qty: 7, UnitCost: 200})
	require.NoError(t, err)

	// Warehouse 2 stock is invisible to warehouse 1 consumption.
	_, err = svc.Consume(ctx, ConsumeInput{Code: "ISS-X", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 12})
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = svc.Consume(ctx, ConsumeInput{Code: "ISS-Y", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10})
	require.NoError(t, err)

	rem, err := svc.GetRemaining(ctx, 1, 2, 1)
	require.NoError(t, err)
	require.InDelta(t, 7.0, rem.Qty, 0.0001)
	require.InDelta(t, 1400.0, rem.Value, 0.0001)
}

func TestShortageCarriesCandidates(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(ServiceParams{
		Repo:      repo,
		Shortages: staticCandidates{candidates: []WarehouseCandidate{{WarehouseID: 3, AvailableQty: 9}, {WarehouseID: 4, AvailableQty: 2}}},
	})
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Code: "GRN-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 4, UnitCost: 10})
	require.NoError(t, err)

	_, err = svc.Consume(ctx, ConsumeInput{Code: "ISS-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10})
	var shortage *ShortageError
	require.ErrorAs(t, err, &shortage)
	require.InDelta(t, 4.0, shortage.Available, 0.0001)
	require.InDelta(t, 6.0, shortage.Shortfall, 0.0001)
	require.Len(t, shortage.Candidates, 2)
	require.True(t, shortage.CanFulfil())

	// The rejected consumption must not leave partial draws behind.
	rem, err := svc.GetRemaining(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 4.0, rem.Qty, 0.0001)
}

func TestNegativeBalanceOverride(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Code: "GRN-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 5, UnitCost: 10})
	require.NoError(t, err)

	result, err := svc.Consume(ctx, ConsumeInput{Code: "ISS-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 8, AllowNegative: true})
	require.NoError(t, err)
	require.False(t, result.FullySatisfied)
	require.InDelta(t, 3.0, result.Shortfall, 0.0001)
	// Covered portion at FIFO cost, shortfall at the product standard cost.
	require.InDelta(t, 5*10+3*10.0, result.Cost, 0.0001)
	require.True(t, result.Layer.NegativeOverride)
}

func TestTransferCarriesAverageCost(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Code: "GRN-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10, UnitCost: 100})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{Code: "GRN-2", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10, UnitCost: 120})
	require.NoError(t, err)

	out, in, err := svc.Transfer(ctx, TransferInput{Code: "TRF-1", ProductID: 1, CompanyID: 1, SrcWarehouse: 1, DstWarehouse: 2, Qty: 15})
	require.NoError(t, err)
	require.InDelta(t, 1600.0, out.Cost, 0.0001)
	require.InDelta(t, 1600.0/15.0, in.UnitCost, 0.0001)

	src, err := svc.GetRemaining(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 5.0, src.Qty, 0.0001)
	require.InDelta(t, 600.0, src.Value, 0.0001)

	dst, err := svc.GetRemaining(ctx, 1, 2, 1)
	require.NoError(t, err)
	require.InDelta(t, 15.0, dst.Qty, 0.0001)
	require.InDelta(t, 1600.0, dst.Value, 0.0001)

	_, _, err = svc.Transfer(ctx, TransferInput{Code: "TRF-2", ProductID: 1, CompanyID: 1, SrcWarehouse: 1, DstWarehouse: 2, Qty: 50})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestValueConservation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Code: "GRN-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10, UnitCost: 25})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ConsumeInput{Code: "ISS-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 4})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{Code: "GRN-2", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 3, UnitCost: 40})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ConsumeInput{Code: "ISS-2", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 7})
	require.NoError(t, err)

	history, err := repo.LayerHistory(ctx, 1, 1, 1)
	require.NoError(t, err)
	totals := Aggregate(history)
	require.InDelta(t, totals.Qty, totals.RemainingQty, QtyEpsilon)
	require.InDelta(t, totals.Value, totals.RemainingValue, 0.0001)
}

func TestConcurrentConsumption(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Code: "GRN-1", ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 10, UnitCost: 100})
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		code := fmt.Sprintf("ISS-%d", i)
		g.Go(func() error {
			_, err := svc.Consume(gctx, ConsumeInput{Code: code, ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 1})
			return err
		})
	}
	require.NoError(t, g.Wait())

	rem, err := svc.GetRemaining(ctx, 1, 1, 1)
	require.NoError(t, err)
	require.InDelta(t, 0.0, rem.Qty, QtyEpsilon)
	require.InDelta(t, 0.0, rem.Value, 0.0001)
}

func TestInputValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 0, UnitCost: 10})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.Receive(ctx, ReceiveInput{ProductID: 1, WarehouseID: 1, CompanyID: 1, Qty: 1, UnitCost: -1})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	_, err = svc.Consume(ctx, ConsumeInput{ProductID: 1, CompanyID: 1, Qty: 1})
	require.ErrorIs(t, err, ErrWarehouseRequired)

	_, _, err = svc.Transfer(ctx, TransferInput{ProductID: 1, CompanyID: 1, SrcWarehouse: 2, DstWarehouse: 2, Qty: 1})
	require.Error(t, err)
}
