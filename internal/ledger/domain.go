package ledger

import (
	"errors"
	"fmt"
	"time"
)

// QtyEpsilon is the tolerance under which a remaining quantity is treated as zero.
const QtyEpsilon = 1e-6

// MovementKind enumerates supported ledger movements.
type MovementKind string

const (
	// MovementReceipt represents an inbound movement creating a layer.
	MovementReceipt MovementKind = "RECEIPT"
	// MovementIssue represents an outbound FIFO consumption.
	MovementIssue MovementKind = "ISSUE"
	// MovementTransferOut is the source leg of an inter-warehouse transfer.
	MovementTransferOut MovementKind = "TRANSFER_OUT"
	// MovementTransferIn is the destination leg of an inter-warehouse transfer.
	MovementTransferIn MovementKind = "TRANSFER_IN"
	// MovementAdjust indicates manual adjustments.
	MovementAdjust MovementKind = "ADJUST"
)

// Movement models the header of a ledger movement.
type Movement struct {
	ID             int64
	Code           string
	Kind           MovementKind
	ProductID      int64
	CompanyID      int64
	SrcWarehouseID int64
	DstWarehouseID int64
	Qty            float64
	SourceRef      string
	Note           string
	PostedAt       time.Time
	CreatedBy      int64
	CreatedAt      time.Time
}

// ValuationLayer is the ledger's unit of record. Positive layers are FIFO
// sources; negative layers are immutable records of value removed.
type ValuationLayer struct {
	ID               int64
	ProductID        int64
	WarehouseID      int64 // zero only on pre-migration legacy rows
	CompanyID        int64
	Quantity         float64
	UnitCost         float64
	Value            float64
	RemainingQty     float64
	RemainingValue   float64
	LotID            int64
	SourceRef        string
	MovementID       int64
	Description      string
	NegativeOverride bool
	CreatedAt        time.Time
}

// CurrentUnitCost returns the layer's present average unit cost, which may
// differ from UnitCost after landed-cost allocation.
func (l ValuationLayer) CurrentUnitCost() float64 {
	if l.RemainingQty <= QtyEpsilon {
		return 0
	}
	return l.RemainingValue / l.RemainingQty
}

// LayerUsage records how much of a source layer one consumption drew down.
type LayerUsage struct {
	ID              int64
	ConsumerLayerID int64
	SourceLayerID   int64
	Qty             float64
	Value           float64
	UnitCost        float64
	CreatedAt       time.Time
}

// Remaining summarises on-hand quantity and valuation for one product at one warehouse.
type Remaining struct {
	ProductID   int64
	WarehouseID int64
	CompanyID   int64
	Qty         float64
	Value       float64
}

// WarehouseCandidate is a fallback source suggested by the shortage resolver.
type WarehouseCandidate struct {
	WarehouseID  int64
	AvailableQty float64
}

// ConsumptionResult reports the outcome of a FIFO consumption.
type ConsumptionResult struct {
	Layer          ValuationLayer
	Cost           float64
	QtyConsumed    float64
	UnitCost       float64
	FullySatisfied bool
	Shortfall      float64
	Draws          []LayerDraw
}

// ReceiveInput describes an inbound movement to post.
type ReceiveInput struct {
	Code        string
	ProductID   int64
	WarehouseID int64
	CompanyID   int64
	Qty         float64
	UnitCost    float64
	LotID       int64
	SourceRef   string
	Note        string
	ActorID     int64
}

// ConsumeInput describes an outbound movement to post.
type ConsumeInput struct {
	Code        string
	ProductID   int64
	WarehouseID int64
	CompanyID   int64
	Qty         float64
	SourceRef   string
	Note        string
	ActorID     int64
	// AllowNegative authorises a negative-balance layer when the FIFO queue
	// cannot cover the full quantity. The uncovered portion is costed at the
	// product standard cost and the layer is flagged for audit.
	AllowNegative bool
}

// TransferInput moves stock between warehouses as two linked movements.
type TransferInput struct {
	Code         string
	ProductID    int64
	CompanyID    int64
	SrcWarehouse int64
	DstWarehouse int64
	Qty          float64
	SourceRef    string
	Note         string
	ActorID      int64
}

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

// ErrInvalidUnitCost indicates a negative unit cost.
var ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")

// ErrWarehouseRequired indicates a missing warehouse or product in a context that requires one.
var ErrWarehouseRequired = errors.New("ledger: warehouse, product and company required")

// ErrInsufficientStock indicates a FIFO shortfall without a negative-balance override.
var ErrInsufficientStock = errors.New("ledger: insufficient stock")

// ErrLayerNotFound indicates a missing valuation layer.
var ErrLayerNotFound = errors.New("ledger: valuation layer not found")

// ShortageError carries enough context for a human to act on a shortfall.
type ShortageError struct {
	ProductID   int64
	WarehouseID int64
	CompanyID   int64
	Needed      float64
	Available   float64
	Shortfall   float64
	Candidates  []WarehouseCandidate
}

// Error implements the error interface.
func (e *ShortageError) Error() string {
	return fmt.Sprintf("ledger: insufficient stock for product %d at warehouse %d: need %.4f, available %.4f (short %.4f)",
		e.ProductID, e.WarehouseID, e.Needed, e.Available, e.Shortfall)
}

// Unwrap lets callers match the shortage against ErrInsufficientStock.
func (e *ShortageError) Unwrap() error { return ErrInsufficientStock }

// CanFulfil reports whether the suggested candidates cover the shortfall.
func (e *ShortageError) CanFulfil() bool {
	var total float64
	for _, c := range e.Candidates {
		total += c.AvailableQty
	}
	return total+QtyEpsilon >= e.Shortfall
}
