package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a perpetual position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Opposite returns the closing direction for the position.
func (s PositionSide) Opposite() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// EntrySide returns the opening direction for the position.
func (s PositionSide) EntrySide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderSide is the direction of an order as the exchange sees it.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// Approach is a named trade-structuring strategy. Fast places a single
// entry/TP/SL; Conservative ladders entries and take-profits.
type Approach string

const (
	ApproachFast         Approach = "FAST"
	ApproachConservative Approach = "CONS"
	ApproachUnknown      Approach = ""
)

// Account identifies which exchange account a position belongs to.
type Account string

const (
	AccountMain   Account = "main"
	AccountMirror Account = "mirror"
)

// PositionKey is the composite identity for all per-position state.
// At most one monitor loop may be active per key.
type PositionKey struct {
	Symbol   string
	Side     PositionSide
	Approach Approach
	Account  Account
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Symbol, k.Side, k.Approach, k.Account)
}

// WithAccount returns the same key pointed at a different account.
func (k PositionKey) WithAccount(acct Account) PositionKey {
	k.Account = acct
	return k
}

// EntryLeg is one element of an entry plan: a market or limit entry taking
// a fraction of the total intended position.
type EntryLeg struct {
	Market   bool
	Price    decimal.Decimal
	Fraction decimal.Decimal
}

// TPLevel is one rung of a take-profit ladder.
type TPLevel struct {
	Fraction     decimal.Decimal // portion of the position closed at this level, (0,1]
	TriggerPrice decimal.Decimal
}

// SLSpec covers the whole position by definition.
type SLSpec struct {
	TriggerPrice decimal.Decimal
}

// IntendedStructure records what SHOULD exist on the exchange for one key.
// It is created at trade placement (or merge) time and never mutated in
// place afterwards; a merge registers a superseding structure with a higher
// revision.
type IntendedStructure struct {
	Key       PositionKey
	EntryPlan []EntryLeg
	TPLadder  []TPLevel
	SL        SLSpec

	// Exchange filters for the symbol.
	QtyStep   decimal.Decimal
	PriceStep decimal.Decimal

	Revision  int
	CreatedAt time.Time
}

// fractionEpsilon bounds the allowed drift when checking that ladder
// fractions sum to one.
var fractionEpsilon = decimal.New(1, -6)

// Validate checks the structural invariants: non-empty TP ladder, every
// fraction in (0,1], fractions summing to one within epsilon, positive steps.
func (s *IntendedStructure) Validate() error {
	if len(s.TPLadder) == 0 {
		return fmt.Errorf("intended structure for %s has no TP ladder", s.Key)
	}
	sum := decimal.Zero
	for i, lvl := range s.TPLadder {
		if lvl.Fraction.LessThanOrEqual(decimal.Zero) || lvl.Fraction.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("TP level %d fraction %s out of (0,1]", i+1, lvl.Fraction)
		}
		sum = sum.Add(lvl.Fraction)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(fractionEpsilon) {
		return fmt.Errorf("TP ladder fractions sum to %s, want 1", sum)
	}
	if s.QtyStep.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("qty step must be positive, got %s", s.QtyStep)
	}
	return nil
}

// PositionSnapshot is the exchange-reported position state at one poll.
type PositionSnapshot struct {
	Symbol    string
	Side      PositionSide
	Size      decimal.Decimal
	AvgPrice  decimal.Decimal
	MarkPrice decimal.Decimal
	Timestamp time.Time
}

// OrderRole is what an order is for within a trade structure.
type OrderRole int

const (
	RoleUnknown OrderRole = iota
	RoleEntryLimit
	RoleTP
	RoleSL
)

func (r OrderRole) String() string {
	switch r {
	case RoleEntryLimit:
		return "entry_limit"
	case RoleTP:
		return "tp"
	case RoleSL:
		return "sl"
	default:
		return "unknown"
	}
}

// Classification is the classifier's verdict for one live order.
type Classification struct {
	Role     OrderRole
	TPLevel  int // 1-based when Role == RoleTP and the tag named a level, else 0
	Approach Approach
	// FromTag is true when the verdict came from the link-ID vocabulary
	// rather than the price heuristic.
	FromTag bool
}

// LiveOrder is an open order as returned by the exchange.
type LiveOrder struct {
	OrderID      string
	Symbol       string
	Side         OrderSide
	Qty          decimal.Decimal
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	OrderLinkID  string
	ReduceOnly   bool
	StopOrderType string
	Status       string
	CreatedAt    time.Time
}

// IsStopOrder reports whether the order counts against the exchange's
// per-symbol stop-order ceiling.
func (o *LiveOrder) IsStopOrder() bool {
	return !o.TriggerPrice.IsZero()
}

// DiscrepancyKind tags a detected divergence between intended structure and
// live exchange state.
type DiscrepancyKind string

const (
	DiscrepancyEntryFill       DiscrepancyKind = "entry_fill_detected"
	DiscrepancyTPCount         DiscrepancyKind = "tp_count_mismatch"
	DiscrepancyTPQuantity      DiscrepancyKind = "tp_quantity_mismatch"
	DiscrepancySLMissing       DiscrepancyKind = "sl_missing"
	DiscrepancySLQuantity      DiscrepancyKind = "sl_quantity_mismatch"
	DiscrepancyExcessOrders    DiscrepancyKind = "excess_orders"
	DiscrepancyStopOrderLimit  DiscrepancyKind = "stop_order_limit_reached"
	DiscrepancyUnknownOrder    DiscrepancyKind = "unknown_order"
	DiscrepancyMirrorSyncStale DiscrepancyKind = "mirror_sync_failed"
)

// Warning reports whether the kind is informational only: it is surfaced
// and alerted on but never drives an automatic correction.
func (k DiscrepancyKind) Warning() bool {
	switch k {
	case DiscrepancyStopOrderLimit, DiscrepancyUnknownOrder, DiscrepancyExcessOrders, DiscrepancyMirrorSyncStale:
		return true
	}
	return false
}

// Discrepancy is one detected divergence.
type Discrepancy struct {
	Kind     DiscrepancyKind
	Expected decimal.Decimal
	Actual   decimal.Decimal
	OrderID  string
	TPLevel  int
	Note     string
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s expected=%s actual=%s order=%s", d.Kind, d.Expected, d.Actual, d.OrderID)
}

// ActionType enumerates corrective actions.
type ActionType string

const (
	ActionCancel ActionType = "cancel"
	ActionPlace  ActionType = "place"
	ActionNoOp   ActionType = "no_op"
)

// OrderSpec describes an order to be placed.
type OrderSpec struct {
	Symbol       string
	Side         OrderSide
	OrderType    string // "Market" or "Limit"
	Qty          decimal.Decimal
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	// StopOrderType is the Bybit stop classification ("TakeProfit",
	// "PartialTakeProfit", "StopLoss"); empty for plain orders.
	StopOrderType string
	ReduceOnly    bool
	// OrderLinkID carries the role tag (e.g. "CONS_TP2"). The order client
	// appends a fresh unique suffix before sending so a retried placement
	// can never collide with a previous attempt.
	OrderLinkID string
	PositionIdx int
}

// CorrectiveAction is one step of a reconciliation plan. Replaying an
// already-applied action is tolerated: duplicate cancels of a gone order
// resolve as no-ops.
type CorrectiveAction struct {
	Type    ActionType
	OrderID string
	Spec    *OrderSpec
	Reason  string
}

// PlacedOrder is the exchange acknowledgement for a placement.
type PlacedOrder struct {
	OrderID     string
	OrderLinkID string
	AvgPrice    decimal.Decimal
}

// ReconcileStatus is the dashboard-facing view of one key's last pass.
type ReconcileStatus struct {
	Key               PositionKey
	LastCheck         time.Time
	OpenDiscrepancies []Discrepancy
	LastActions       []CorrectiveAction
	LastError         string
}

// MonitorRecord is the persisted registration of one monitor loop, used to
// rebuild the loop set after a restart. It is never trusted alone: the
// registry re-verifies against live exchange positions before resuming.
type MonitorRecord struct {
	Symbol    string
	Side      PositionSide
	Approach  Approach
	Account   Account
	Active    bool
	StartedAt time.Time
}

// Key reconstructs the PositionKey of the record.
func (r MonitorRecord) Key() PositionKey {
	return PositionKey{Symbol: r.Symbol, Side: r.Side, Approach: r.Approach, Account: r.Account}
}
