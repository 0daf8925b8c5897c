package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func layerAt(id int64, qty, unitCost float64, at time.Time) ValuationLayer {
	return ValuationLayer{
		ID:             id,
		ProductID:      1,
		WarehouseID:    1,
		CompanyID:      1,
		Quantity:       qty,
		UnitCost:       unitCost,
		Value:          qty * unitCost,
		RemainingQty:   qty,
		RemainingValue: qty * unitCost,
		CreatedAt:      at,
	}
}

func TestConsumeQueueOldestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	queue := []ValuationLayer{
		layerAt(1, 10, 100, base),
		layerAt(2, 10, 120, base.Add(time.Hour)),
	}

	draws, cost, shortfall := ConsumeQueue(queue, 15)
	require.Zero(t, shortfall)
	require.Len(t, draws, 2)
	require.InDelta(t, 1600.0, cost, 0.0001)

	require.Equal(t, int64(1), draws[0].LayerID)
	require.InDelta(t, 10.0, draws[0].Qty, 0.0001)
	require.Zero(t, draws[0].RemainingQty)
	require.Zero(t, draws[0].RemainingValue)

	require.Equal(t, int64(2), draws[1].LayerID)
	require.InDelta(t, 5.0, draws[1].Qty, 0.0001)
	require.InDelta(t, 5.0, draws[1].RemainingQty, 0.0001)
	require.InDelta(t, 600.0, draws[1].RemainingValue, 0.0001)
}

func TestConsumeQueueShortfall(t *testing.T) {
	base := time.Now().UTC()
	queue := []ValuationLayer{layerAt(1, 4, 50, base)}

	draws, cost, shortfall := ConsumeQueue(queue, 10)
	require.Len(t, draws, 1)
	require.InDelta(t, 200.0, cost, 0.0001)
	require.InDelta(t, 6.0, shortfall, 0.0001)
}

func TestConsumeQueueUsesCurrentAverageCost(t *testing.T) {
	base := time.Now().UTC()
	layer := layerAt(1, 10, 100, base)
	// Landed cost raised the remaining value after receipt.
	layer.Value = 1100
	layer.RemainingValue = 1100

	draws, cost, shortfall := ConsumeQueue([]ValuationLayer{layer}, 5)
	require.Zero(t, shortfall)
	require.Len(t, draws, 1)
	require.InDelta(t, 550.0, cost, 0.0001)
	require.InDelta(t, 110.0, draws[0].UnitCost, 0.0001)
	require.InDelta(t, 550.0, draws[0].RemainingValue, 0.0001)
}

func TestConsumeQueueClampsRoundingResidue(t *testing.T) {
	base := time.Now().UTC()
	queue := []ValuationLayer{layerAt(1, 3, 10.0/3.0, base)}

	draws, _, shortfall := ConsumeQueue(queue, 3)
	require.Zero(t, shortfall)
	require.Zero(t, draws[0].RemainingQty)
	require.Zero(t, draws[0].RemainingValue)
}

func TestReplayMatchesLiveConsumption(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	history := []ValuationLayer{
		layerAt(1, 10, 100, base),
		layerAt(2, 10, 120, base.Add(time.Minute)),
		{ID: 3, Quantity: -15, Value: -1600, CreatedAt: base.Add(2 * time.Minute)},
	}

	results := Replay(history)
	byID := map[int64]ReplayResult{}
	for _, r := range results {
		byID[r.LayerID] = r
	}
	require.Zero(t, byID[1].RemainingQty)
	require.Zero(t, byID[1].RemainingValue)
	require.InDelta(t, 5.0, byID[2].RemainingQty, 0.0001)
	require.InDelta(t, 600.0, byID[2].RemainingValue, 0.0001)
	require.Zero(t, byID[3].RemainingQty)
}

func TestReplayIsIdempotent(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	history := []ValuationLayer{
		layerAt(1, 8, 25, base),
		{ID: 2, Quantity: -3, Value: -75, CreatedAt: base.Add(time.Minute)},
		layerAt(3, 2, 30, base.Add(2*time.Minute)),
	}

	first := Replay(history)
	second := Replay(history)
	require.Equal(t, first, second)
}

func TestSortFIFOTieBreaksOnID(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	layers := []ValuationLayer{
		layerAt(7, 1, 1, at),
		layerAt(3, 1, 1, at),
		layerAt(5, 1, 1, at.Add(-time.Second)),
	}
	SortFIFO(layers)
	require.Equal(t, int64(5), layers[0].ID)
	require.Equal(t, int64(3), layers[1].ID)
	require.Equal(t, int64(7), layers[2].ID)
}

func TestMovingAverage(t *testing.T) {
	require.InDelta(t, 106666.6667, MovingAverage(10, 100000, 5, 120000), 0.1)
	require.InDelta(t, 120000.0, MovingAverage(0, 0, 5, 120000), 0.0001)
	// Zero denominator keeps the previous cost.
	require.InDelta(t, 77.0, MovingAverage(0, 77, 0, 50), 0.0001)
}
