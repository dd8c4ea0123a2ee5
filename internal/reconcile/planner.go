package reconcile

import (
	"fmt"

	"trade_guard/internal/core"
	"trade_guard/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Planner turns discrepancies into an ordered corrective plan: all cancels
// first, then placements. Cancel and place are never merged into an amend
// call; the executor inserts a short delay between the two phases so the
// exchange finishes the cancel before the replacement arrives.
type Planner struct {
	classifier *Classifier
	logger     core.ILogger
}

func NewPlanner(classifier *Classifier, logger core.ILogger) *Planner {
	return &Planner{classifier: classifier, logger: logger}
}

// Plan converts discrepancies into actions. freeStopSlots is the number of
// additional stop orders the symbol can accept before hitting the exchange
// ceiling; the plan degrades rather than exceeding it. The second return
// value carries warning discrepancies that require no action.
func (p *Planner) Plan(discrepancies []core.Discrepancy, intended *core.IntendedStructure, curr *core.PositionSnapshot, orders []*core.LiveOrder, activeApproaches []core.Approach, freeStopSlots int) ([]core.CorrectiveAction, []core.Discrepancy) {
	var warnings []core.Discrepancy
	actionable := make([]core.Discrepancy, 0, len(discrepancies))
	for _, d := range discrepancies {
		if d.Kind.Warning() {
			warnings = append(warnings, d)
			continue
		}
		actionable = append(actionable, d)
	}

	if curr == nil || !curr.Size.IsPositive() {
		// Never write against a closed position
		return nil, warnings
	}

	key := intended.Key
	mine := p.ownedOrders(key, curr, orders, activeApproaches)

	var cancels, places []core.CorrectiveAction

	if hasKind(actionable, core.DiscrepancyEntryFill) {
		// An entry fill supersedes every per-level mismatch: rebuild the
		// whole ladder against the new size.
		cancels, places = p.rebuild(intended, curr, mine)
	} else {
		cancels, places = p.repair(actionable, intended, curr, mine)
	}

	places, limitWarning := p.applyStopBudget(cancels, places, freeStopSlots)
	if limitWarning != nil {
		warnings = append(warnings, *limitWarning)
	}

	actions := append(cancels, places...)
	return actions, warnings
}

func hasKind(discrepancies []core.Discrepancy, kind core.DiscrepancyKind) bool {
	for _, d := range discrepancies {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// ownedOrders classifies and keeps the TP/SL orders attributable to this
// key's approach, under the same attribution rule the detector applies: an
// untagged order is claimed only when this is the sole active approach on
// the symbol/side. With several approaches live it stays unattributable
// and a plan never cancels it.
func (p *Planner) ownedOrders(key core.PositionKey, curr *core.PositionSnapshot, orders []*core.LiveOrder, activeApproaches []core.Approach) []classifiedOrder {
	soleApproach := len(activeApproaches) == 1

	var mine []classifiedOrder
	for _, order := range orders {
		cls := p.classifier.Classify(order, key.Side, curr.AvgPrice)
		if cls.Role != core.RoleTP && cls.Role != core.RoleSL {
			continue
		}
		switch cls.Approach {
		case key.Approach:
		case core.ApproachUnknown:
			if !soleApproach {
				continue
			}
		default:
			continue
		}
		mine = append(mine, classifiedOrder{order: order, cls: cls})
	}
	return mine
}

// rebuild emits a full cancel of the existing TP/SL set followed by a
// complete ladder re-placement sized to the current position.
func (p *Planner) rebuild(intended *core.IntendedStructure, curr *core.PositionSnapshot, mine []classifiedOrder) (cancels, places []core.CorrectiveAction) {
	for _, co := range mine {
		cancels = append(cancels, core.CorrectiveAction{
			Type:    core.ActionCancel,
			OrderID: co.order.OrderID,
			Reason:  fmt.Sprintf("entry fill: superseding %s order", co.cls.Role),
		})
	}

	for level := range intended.TPLadder {
		if spec := p.tpSpec(intended, curr.Size, level+1); spec != nil {
			places = append(places, core.CorrectiveAction{
				Type:   core.ActionPlace,
				Spec:   spec,
				Reason: fmt.Sprintf("entry fill: replacing TP%d against new size %s", level+1, curr.Size),
			})
		}
	}
	places = append(places, core.CorrectiveAction{
		Type:   core.ActionPlace,
		Spec:   p.slSpec(intended, curr.Size),
		Reason: fmt.Sprintf("entry fill: replacing SL against new size %s", curr.Size),
	})

	return cancels, places
}

// repair handles per-level mismatches when the position size is unchanged
func (p *Planner) repair(actionable []core.Discrepancy, intended *core.IntendedStructure, curr *core.PositionSnapshot, mine []classifiedOrder) (cancels, places []core.CorrectiveAction) {
	// An untagged TP carries no explicit level; map it onto the nearest
	// ladder trigger, the same assignment detection uses, so its cancel
	// matches the discrepancy it produced.
	levelOf := func(co classifiedOrder) int {
		if co.cls.TPLevel > 0 {
			return co.cls.TPLevel
		}
		return nearestLevel(intended, co.order)
	}

	presentLevels := make(map[int]bool)
	for _, co := range mine {
		if co.cls.Role == core.RoleTP {
			presentLevels[levelOf(co)] = true
		}
	}

	for _, d := range actionable {
		switch d.Kind {
		case core.DiscrepancyTPQuantity:
			for _, co := range mine {
				if co.cls.Role == core.RoleTP && levelOf(co) == d.TPLevel {
					cancels = append(cancels, core.CorrectiveAction{
						Type:    core.ActionCancel,
						OrderID: co.order.OrderID,
						Reason:  fmt.Sprintf("TP%d quantity %s, want %s", d.TPLevel, d.Actual, d.Expected),
					})
				}
			}
			if spec := p.tpSpec(intended, curr.Size, d.TPLevel); spec != nil {
				places = append(places, core.CorrectiveAction{
					Type:   core.ActionPlace,
					Spec:   spec,
					Reason: fmt.Sprintf("replacing TP%d with corrected quantity", d.TPLevel),
				})
			}

		case core.DiscrepancyTPCount:
			for level := range intended.TPLadder {
				if presentLevels[level+1] {
					continue
				}
				if spec := p.tpSpec(intended, curr.Size, level+1); spec != nil {
					places = append(places, core.CorrectiveAction{
						Type:   core.ActionPlace,
						Spec:   spec,
						Reason: fmt.Sprintf("restoring missing TP%d", level+1),
					})
				}
			}

		case core.DiscrepancySLQuantity:
			for _, co := range mine {
				if co.cls.Role == core.RoleSL {
					cancels = append(cancels, core.CorrectiveAction{
						Type:    core.ActionCancel,
						OrderID: co.order.OrderID,
						Reason:  fmt.Sprintf("SL quantity %s, want %s", d.Actual, d.Expected),
					})
				}
			}
			places = append(places, core.CorrectiveAction{
				Type:   core.ActionPlace,
				Spec:   p.slSpec(intended, curr.Size),
				Reason: "replacing SL sized to current position",
			})

		case core.DiscrepancySLMissing:
			places = append(places, core.CorrectiveAction{
				Type:   core.ActionPlace,
				Spec:   p.slSpec(intended, curr.Size),
				Reason: "restoring missing SL at last intended trigger",
			})
		}
	}

	return cancels, places
}

// applyStopBudget drops the lowest-priority stop placements when the plan
// would exceed the free slots. Cancels in the plan free slots of their own.
// SL placements are always kept ahead of TPs: full downside coverage beats
// a complete TP ladder.
func (p *Planner) applyStopBudget(cancels, places []core.CorrectiveAction, freeStopSlots int) ([]core.CorrectiveAction, *core.Discrepancy) {
	budget := freeStopSlots + len(cancels)

	var stops, rest []core.CorrectiveAction
	for _, a := range places {
		if a.Spec != nil && !a.Spec.TriggerPrice.IsZero() {
			stops = append(stops, a)
		} else {
			rest = append(rest, a)
		}
	}
	if len(stops) <= budget {
		return places, nil
	}

	// SL first, then TPs in ladder order
	var sls, tps []core.CorrectiveAction
	for _, a := range stops {
		if a.Spec.StopOrderType == "StopLoss" {
			sls = append(sls, a)
		} else {
			tps = append(tps, a)
		}
	}

	kept := make([]core.CorrectiveAction, 0, budget)
	dropped := 0
	for _, a := range append(sls, tps...) {
		if len(kept) < budget {
			kept = append(kept, a)
		} else {
			dropped++
		}
	}

	warning := &core.Discrepancy{
		Kind:     core.DiscrepancyStopOrderLimit,
		Expected: decimal.NewFromInt(int64(len(stops))),
		Actual:   decimal.NewFromInt(int64(len(kept))),
		Note:     fmt.Sprintf("stop-order ceiling: dropped %d placement(s), SL preserved", dropped),
	}
	return append(kept, rest...), warning
}

func (p *Planner) tpSpec(intended *core.IntendedStructure, size decimal.Decimal, level int) *core.OrderSpec {
	ladder := intended.TPLadder[level-1]
	qty := tradingutils.RoundToStep(ladder.Fraction.Mul(size), intended.QtyStep)
	if !qty.IsPositive() {
		return nil
	}

	stopType := "PartialTakeProfit"
	if len(intended.TPLadder) == 1 {
		stopType = "TakeProfit"
	}

	return &core.OrderSpec{
		Symbol:        intended.Key.Symbol,
		Side:          intended.Key.Side.Opposite(),
		OrderType:     "Market",
		Qty:           qty,
		TriggerPrice:  ladder.TriggerPrice,
		StopOrderType: stopType,
		ReduceOnly:    true,
		OrderLinkID:   linkTag(intended.Key.Approach, core.RoleTP, level),
	}
}

func (p *Planner) slSpec(intended *core.IntendedStructure, size decimal.Decimal) *core.OrderSpec {
	return &core.OrderSpec{
		Symbol:        intended.Key.Symbol,
		Side:          intended.Key.Side.Opposite(),
		OrderType:     "Market",
		Qty:           tradingutils.RoundToStep(size, intended.QtyStep),
		TriggerPrice:  intended.SL.TriggerPrice,
		StopOrderType: "StopLoss",
		ReduceOnly:    true,
		OrderLinkID:   linkTag(intended.Key.Approach, core.RoleSL, 0),
	}
}

// linkTag builds the role tag embedded in each order link ID
func linkTag(approach core.Approach, role core.OrderRole, level int) string {
	prefix := string(approach)
	if prefix == "" {
		prefix = "GGSHOT"
	}
	switch role {
	case core.RoleTP:
		if level > 0 {
			return fmt.Sprintf("%s_TP%d", prefix, level)
		}
		return prefix + "_TP"
	case core.RoleSL:
		return prefix + "_SL"
	case core.RoleEntryLimit:
		return prefix + "_LIMIT"
	}
	return prefix
}
