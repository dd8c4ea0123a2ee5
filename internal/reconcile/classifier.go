// Package reconcile implements the position-order reconciliation engine:
// it compares live exchange state against the intended trade structure and
// corrects drift with cancel-then-place plans.
package reconcile

import (
	"regexp"
	"strconv"
	"strings"

	"trade_guard/internal/core"

	"github.com/shopspring/decimal"
)

// Link-ID tag vocabulary, matched in priority order. Tags are embedded as
// substrings because the order client appends a unique suffix to each ID.
const (
	tagFast         = "FAST_"
	tagConservative = "CONS_"
	tagSignal       = "GGSHOT_"
	tagSL           = "SL"
	tagEntryLimit   = "LIMIT"
)

var tpLevelRe = regexp.MustCompile(`TP(\d)`)

// Classifier assigns a role to each live order. The link-ID vocabulary is
// authoritative; a price-relative heuristic covers untagged orders. Orders
// that match neither classify as unknown and are never auto-cancelled.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the role of one order within a position's structure.
// entryPrice is the position's average entry, used by the heuristic.
func (c *Classifier) Classify(order *core.LiveOrder, side core.PositionSide, entryPrice decimal.Decimal) core.Classification {
	if cls, ok := classifyByTag(order.OrderLinkID); ok {
		return cls
	}
	return classifyByPrice(order, side, entryPrice)
}

func classifyByTag(linkID string) (core.Classification, bool) {
	if linkID == "" {
		return core.Classification{}, false
	}
	upper := strings.ToUpper(linkID)

	approach := core.ApproachUnknown
	switch {
	case strings.Contains(upper, tagFast):
		approach = core.ApproachFast
	case strings.Contains(upper, tagConservative):
		approach = core.ApproachConservative
	}

	tagged := approach != core.ApproachUnknown || strings.Contains(upper, tagSignal)

	if m := tpLevelRe.FindStringSubmatch(upper); m != nil {
		level, _ := strconv.Atoi(m[1])
		return core.Classification{Role: core.RoleTP, TPLevel: level, Approach: approach, FromTag: true}, true
	}
	if strings.Contains(upper, "TP") {
		return core.Classification{Role: core.RoleTP, Approach: approach, FromTag: true}, true
	}
	if strings.Contains(upper, tagSL) {
		return core.Classification{Role: core.RoleSL, Approach: approach, FromTag: true}, true
	}
	if strings.Contains(upper, tagEntryLimit) {
		return core.Classification{Role: core.RoleEntryLimit, Approach: approach, FromTag: true}, true
	}
	if tagged {
		// Recognized prefix but no role keyword
		return core.Classification{Role: core.RoleUnknown, Approach: approach, FromTag: true}, true
	}
	return core.Classification{}, false
}

// classifyByPrice falls back to the order's price relative to entry.
// For a long: above entry and reduce-only is a TP, below entry and
// reduce-only is an SL, above entry without reduce-only is an entry add.
// Shorts are the mirror image. Anything else is unknown.
func classifyByPrice(order *core.LiveOrder, side core.PositionSide, entryPrice decimal.Decimal) core.Classification {
	price := order.TriggerPrice
	if price.IsZero() {
		price = order.Price
	}
	if price.IsZero() || entryPrice.IsZero() {
		return core.Classification{Role: core.RoleUnknown}
	}

	profitSide := price.GreaterThan(entryPrice)
	if side == core.SideShort {
		profitSide = price.LessThan(entryPrice)
	}

	if order.ReduceOnly {
		if profitSide {
			return core.Classification{Role: core.RoleTP}
		}
		return core.Classification{Role: core.RoleSL}
	}
	if profitSide {
		return core.Classification{Role: core.RoleEntryLimit}
	}
	return core.Classification{Role: core.RoleUnknown}
}
