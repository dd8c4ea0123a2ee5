package reconcile

import (
	"fmt"
	"sort"

	"trade_guard/internal/core"
	"trade_guard/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Detector compares one poll's exchange state against the intended
// structure and emits discrepancies in priority order. An entry fill
// outranks everything else: the whole ladder must be recomputed against the
// new size before per-level mismatches mean anything.
type Detector struct {
	classifier *Classifier
	logger     core.ILogger
}

func NewDetector(classifier *Classifier, logger core.ILogger) *Detector {
	return &Detector{classifier: classifier, logger: logger}
}

// classifiedOrder pairs a live order with its classification verdict.
type classifiedOrder struct {
	order *core.LiveOrder
	cls   core.Classification
}

func (d *Detector) Detect(key core.PositionKey, intended *core.IntendedStructure, prev, curr *core.PositionSnapshot, orders []*core.LiveOrder, activeApproaches []core.Approach) []core.Discrepancy {
	if curr == nil || !curr.Size.IsPositive() {
		// Closed position: terminal, nothing to reconcile
		return nil
	}

	var discrepancies []core.Discrepancy

	if prev != nil {
		if curr.Size.Sub(prev.Size).GreaterThan(intended.QtyStep) {
			discrepancies = append(discrepancies, core.Discrepancy{
				Kind:     core.DiscrepancyEntryFill,
				Expected: prev.Size,
				Actual:   curr.Size,
				Note:     "position grew, ladder must be recomputed against new size",
			})
		} else if prev.Size.Sub(curr.Size).GreaterThan(intended.QtyStep) && !d.exitExplainsShrink(key, intended, prev, curr) {
			discrepancies = append(discrepancies, core.Discrepancy{
				Kind:     core.DiscrepancyExcessOrders,
				Expected: prev.Size,
				Actual:   curr.Size,
				Note:     "position shrank outside the intended ladder, not auto-corrected",
			})
		}
	}

	mine, unknowns := d.attribute(key, curr, orders, activeApproaches)
	for _, u := range unknowns {
		discrepancies = append(discrepancies, core.Discrepancy{
			Kind:    core.DiscrepancyUnknownOrder,
			OrderID: u.order.OrderID,
			Actual:  u.order.Qty,
			Note:    fmt.Sprintf("unattributable order (link_id=%q), left untouched", u.order.OrderLinkID),
		})
	}

	discrepancies = append(discrepancies, d.checkTPLadder(intended, curr, mine)...)
	discrepancies = append(discrepancies, d.checkSL(intended, curr, mine)...)

	return discrepancies
}

// exitExplainsShrink reports whether a size decrease matches one or more
// intended TP fractions, i.e. looks like a normal ladder exit rather than
// manual intervention.
func (d *Detector) exitExplainsShrink(key core.PositionKey, intended *core.IntendedStructure, prev, curr *core.PositionSnapshot) bool {
	shrink := prev.Size.Sub(curr.Size)
	band := tradingutils.ToleranceBand(prev.Size, intended.QtyStep)

	// Try every prefix sum of the ladder plus the full position (SL hit
	// would leave size zero, handled elsewhere).
	cumulative := decimal.Zero
	for _, lvl := range intended.TPLadder {
		cumulative = cumulative.Add(lvl.Fraction.Mul(prev.Size))
		if shrink.Sub(cumulative).Abs().LessThanOrEqual(band) {
			return true
		}
	}
	return false
}

// attribute filters the raw order set down to the orders belonging to this
// key's approach. Untagged verdicts are attributed only when exactly one
// approach is active on the symbol/side; otherwise they surface as unknown.
func (d *Detector) attribute(key core.PositionKey, curr *core.PositionSnapshot, orders []*core.LiveOrder, activeApproaches []core.Approach) (mine, unknowns []classifiedOrder) {
	soleApproach := len(activeApproaches) == 1

	for _, order := range orders {
		cls := d.classifier.Classify(order, key.Side, curr.AvgPrice)
		co := classifiedOrder{order: order, cls: cls}

		if cls.Role == core.RoleUnknown {
			unknowns = append(unknowns, co)
			continue
		}

		switch cls.Approach {
		case key.Approach:
			mine = append(mine, co)
		case core.ApproachUnknown:
			if soleApproach {
				mine = append(mine, co)
			} else {
				unknowns = append(unknowns, co)
			}
		default:
			// Belongs to a different approach on the same position
		}
	}
	return mine, unknowns
}

func (d *Detector) checkTPLadder(intended *core.IntendedStructure, curr *core.PositionSnapshot, mine []classifiedOrder) []core.Discrepancy {
	var discrepancies []core.Discrepancy

	byLevel := make(map[int][]classifiedOrder)
	for _, co := range mine {
		if co.cls.Role != core.RoleTP {
			continue
		}
		level := co.cls.TPLevel
		if level == 0 {
			level = nearestLevel(intended, co.order)
		}
		byLevel[level] = append(byLevel[level], co)
	}

	if len(byLevel) != len(intended.TPLadder) {
		discrepancies = append(discrepancies, core.Discrepancy{
			Kind:     core.DiscrepancyTPCount,
			Expected: decimal.NewFromInt(int64(len(intended.TPLadder))),
			Actual:   decimal.NewFromInt(int64(len(byLevel))),
		})
	}

	levels := make([]int, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Ints(levels)

	for _, level := range levels {
		if level < 1 || level > len(intended.TPLadder) {
			continue
		}
		expected := tradingutils.RoundToStep(
			intended.TPLadder[level-1].Fraction.Mul(curr.Size), intended.QtyStep)

		actual := decimal.Zero
		orderID := ""
		for _, co := range byLevel[level] {
			actual = actual.Add(co.order.Qty)
			orderID = co.order.OrderID
		}

		if !tradingutils.WithinTolerance(expected, actual, curr.Size, intended.QtyStep) {
			discrepancies = append(discrepancies, core.Discrepancy{
				Kind:     core.DiscrepancyTPQuantity,
				Expected: expected,
				Actual:   actual,
				OrderID:  orderID,
				TPLevel:  level,
			})
		}
	}

	return discrepancies
}

func (d *Detector) checkSL(intended *core.IntendedStructure, curr *core.PositionSnapshot, mine []classifiedOrder) []core.Discrepancy {
	total := decimal.Zero
	orderID := ""
	found := false
	for _, co := range mine {
		if co.cls.Role != core.RoleSL {
			continue
		}
		found = true
		total = total.Add(co.order.Qty)
		orderID = co.order.OrderID
	}

	if !found {
		return []core.Discrepancy{{
			Kind:     core.DiscrepancySLMissing,
			Expected: curr.Size,
			Actual:   decimal.Zero,
		}}
	}

	expected := tradingutils.RoundToStep(curr.Size, intended.QtyStep)
	if !tradingutils.WithinTolerance(expected, total, curr.Size, intended.QtyStep) {
		return []core.Discrepancy{{
			Kind:     core.DiscrepancySLQuantity,
			Expected: expected,
			Actual:   total,
			OrderID:  orderID,
		}}
	}
	return nil
}

// nearestLevel maps an untagged TP order onto the ladder level whose
// trigger price is closest.
func nearestLevel(intended *core.IntendedStructure, order *core.LiveOrder) int {
	price := order.TriggerPrice
	if price.IsZero() {
		price = order.Price
	}

	best := 1
	bestDist := decimal.Decimal{}
	for i, lvl := range intended.TPLadder {
		dist := lvl.TriggerPrice.Sub(price).Abs()
		if i == 0 || dist.LessThan(bestDist) {
			best = i + 1
			bestDist = dist
		}
	}
	return best
}
