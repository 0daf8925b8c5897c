package landedcost

import (
	"errors"
	"time"
)

// Allocation records landed cost applied to one valuation layer. Qty is the
// on-hand quantity that absorbed the amount at posting time, so the per-unit
// uplift survives later consumption of the layer.
type Allocation struct {
	ID             int64
	CostDocRef     string
	LineRef        string
	LayerID        int64
	ProductID      int64
	WarehouseID    int64
	Qty            float64
	Amount         float64
	UnitLandedCost float64
	CreatedAt      time.Time
}

// CostLine is one landed-cost amount targeting the layers of a receipt.
type CostLine struct {
	LineRef   string
	SourceRef string
	Amount    float64
}

// AllocateInput describes a landed-cost document to spread over layers.
type AllocateInput struct {
	CostDocRef string
	CompanyID  int64
	Lines      []CostLine
	// UpdateUnitCost folds the allocated amount into the product standard
	// cost. Nil means true.
	UpdateUnitCost *bool
	ActorID        int64
}

// LayerShare is the portion of a line allocated to one layer.
type LayerShare struct {
	LayerID int64   `json:"layer_id"`
	Amount  float64 `json:"amount"`
}

// LineResult reports the outcome for one cost line. Expensed is the portion
// belonging to stock consumed before the document posted; it never lands on
// a layer and goes straight to cost of goods sold.
type LineResult struct {
	LineRef  string       `json:"line_ref"`
	Amount   float64      `json:"amount"`
	Applied  bool         `json:"applied"`
	Reason   string       `json:"reason,omitempty"`
	Expensed float64      `json:"expensed,omitempty"`
	Shares   []LayerShare `json:"shares,omitempty"`
}

// AllocateResult reports the outcome of one allocation document.
type AllocateResult struct {
	CostDocRef string       `json:"cost_doc_ref"`
	Allocated  float64      `json:"allocated"`
	Expensed   float64      `json:"expensed"`
	Lines      []LineResult `json:"lines"`
}

// ErrInvalidAmount indicates a non-positive cost amount.
var ErrInvalidAmount = errors.New("landedcost: amount must be positive")

// ErrNoTargetLayers indicates the source ref matched no layers at all.
var ErrNoTargetLayers = errors.New("landedcost: no layers for source ref")
