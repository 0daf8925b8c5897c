package ledger

import (
	"math"
	"sort"
)

// LayerDraw describes one source layer drawn down during a consumption.
type LayerDraw struct {
	LayerID        int64
	Qty            float64
	Value          float64
	UnitCost       float64
	RemainingQty   float64
	RemainingValue float64
}

// ConsumeQueue walks a FIFO queue oldest-first and computes the draws needed
// to cover qty. Each draw is priced at the layer's current average unit cost
// (remaining_value / remaining_qty), so landed cost added after receipt flows
// into the consumption value. The queue itself is not mutated; the caller
// applies the returned draws. A positive shortfall means the queue was
// exhausted before qty was covered.
func ConsumeQueue(queue []ValuationLayer, qty float64) (draws []LayerDraw, cost float64, shortfall float64) {
	qtyLeft := qty
	for _, layer := range queue {
		if qtyLeft <= QtyEpsilon {
			break
		}
		if layer.RemainingQty <= QtyEpsilon {
			continue
		}
		take := math.Min(qtyLeft, layer.RemainingQty)
		unitCost := layer.RemainingValue / layer.RemainingQty
		value := take * unitCost

		newQty := layer.RemainingQty - take
		newValue := layer.RemainingValue - value
		// Clamp rounding residue so a drained layer leaves the queue cleanly.
		if newQty <= QtyEpsilon {
			newQty = 0
			newValue = 0
		}

		draws = append(draws, LayerDraw{
			LayerID:        layer.ID,
			Qty:            take,
			Value:          value,
			UnitCost:       unitCost,
			RemainingQty:   newQty,
			RemainingValue: newValue,
		})
		cost += value
		qtyLeft -= take
	}
	if qtyLeft > QtyEpsilon {
		shortfall = qtyLeft
	}
	return draws, cost, shortfall
}

// ReplayResult holds recomputed remaining figures for one layer.
type ReplayResult struct {
	LayerID        int64
	RemainingQty   float64
	RemainingValue float64
}

// Replay rebuilds remaining_qty/remaining_value for one (product, warehouse)
// from the full ordered layer history, using the same consumption rules as
// live traffic. This is the authoritative definition of correctness: live
// operation must never diverge from what a replay produces.
func Replay(history []ValuationLayer) []ReplayResult {
	ordered := make([]ValuationLayer, len(history))
	copy(ordered, history)
	SortFIFO(ordered)

	type pool struct {
		layerID int64
		qty     float64
		value   float64
	}
	var queue []pool
	results := make([]ReplayResult, 0, len(ordered))

	for _, layer := range ordered {
		if layer.Quantity > 0 {
			// Layer.Value carries landed-cost additions made after receipt,
			// so replay prices partial consumption against the full pool.
			queue = append(queue, pool{layerID: layer.ID, qty: layer.Quantity, value: layer.Value})
			continue
		}
		// Negative layer: consume oldest-first, then record it as drained.
		qtyLeft := -layer.Quantity
		for i := range queue {
			if qtyLeft <= QtyEpsilon {
				break
			}
			p := &queue[i]
			if p.qty <= QtyEpsilon {
				continue
			}
			take := math.Min(qtyLeft, p.qty)
			value := take * (p.value / p.qty)
			p.qty -= take
			p.value -= value
			if p.qty <= QtyEpsilon {
				p.qty = 0
				p.value = 0
			}
			qtyLeft -= take
		}
		results = append(results, ReplayResult{LayerID: layer.ID})
	}

	for _, p := range queue {
		results = append(results, ReplayResult{LayerID: p.layerID, RemainingQty: p.qty, RemainingValue: p.value})
	}
	return results
}

// SortFIFO orders layers by creation time with the insertion id as tie-break,
// making FIFO a deterministic total order.
func SortFIFO(layers []ValuationLayer) {
	sort.SliceStable(layers, func(i, j int) bool {
		if layers[i].CreatedAt.Equal(layers[j].CreatedAt) {
			return layers[i].ID < layers[j].ID
		}
		return layers[i].CreatedAt.Before(layers[j].CreatedAt)
	})
}

// Totals aggregates conservation figures over a set of layers.
type Totals struct {
	Qty            float64
	Value          float64
	RemainingQty   float64
	RemainingValue float64
}

// Aggregate sums quantity and value flows over layers. For a consistent
// ledger, Qty equals net on-hand and RemainingValue equals the current
// inventory valuation.
func Aggregate(layers []ValuationLayer) Totals {
	var t Totals
	for _, l := range layers {
		t.Qty += l.Quantity
		t.Value += l.Value
		t.RemainingQty += l.RemainingQty
		t.RemainingValue += l.RemainingValue
	}
	return t
}

// MovingAverage folds a receipt into a product-level running average cost,
// guarded against a zero denominator.
func MovingAverage(onHandQty, currentCost, qty, unitCost float64) float64 {
	newQty := onHandQty + qty
	if newQty <= QtyEpsilon {
		return currentCost
	}
	return (onHandQty*currentCost + qty*unitCost) / newQty
}
