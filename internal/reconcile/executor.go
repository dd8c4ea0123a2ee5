package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"trade_guard/internal/core"
	apperrors "trade_guard/pkg/errors"
	"trade_guard/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Executor applies a corrective plan against one account, strictly in plan
// order: every cancel completes before the first placement, separated by a
// short delay so the exchange never races a replacement against its own
// cancel processing.
type Executor struct {
	client         core.IExchangeClient
	classifier     *Classifier
	replaceDelay   time.Duration
	stopOrderLimit int
	logger         core.ILogger
	metrics        *telemetry.MetricsHolder

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration)
}

func NewExecutor(client core.IExchangeClient, classifier *Classifier, replaceDelay time.Duration, stopOrderLimit int, logger core.ILogger) *Executor {
	return &Executor{
		client:         client,
		classifier:     classifier,
		replaceDelay:   replaceDelay,
		stopOrderLimit: stopOrderLimit,
		logger:         logger,
		metrics:        telemetry.GetGlobalMetrics(),
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Execute applies the plan and returns warning discrepancies for anything
// that could not be applied. Failures never abort the remaining actions:
// a partially applied plan is rechecked on the next poll.
func (e *Executor) Execute(ctx context.Context, key core.PositionKey, actions []core.CorrectiveAction) []core.Discrepancy {
	var warnings []core.Discrepancy
	canceled := false

	for _, action := range actions {
		switch action.Type {
		case core.ActionCancel:
			if err := e.client.CancelOrder(ctx, key.Symbol, action.OrderID); err != nil {
				e.logger.Error("Cancel failed",
					"key", key.String(), "order_id", action.OrderID, "reason", action.Reason, "error", err)
				warnings = append(warnings, core.Discrepancy{
					Kind:    core.DiscrepancyExcessOrders,
					OrderID: action.OrderID,
					Note:    "cancel failed: " + err.Error(),
				})
				continue
			}
			canceled = true
			e.logger.Info("Order canceled",
				"key", key.String(), "order_id", action.OrderID, "reason", action.Reason)
			e.countAction(ctx, key, core.ActionCancel)

		case core.ActionPlace:
			if canceled {
				// Let the exchange finish processing the cancels first
				e.sleep(ctx, e.replaceDelay)
				canceled = false
			}
			if w := e.place(ctx, key, action); w != nil {
				warnings = append(warnings, *w)
			}

		case core.ActionNoOp:
		}

		if ctx.Err() != nil {
			return warnings
		}
	}

	return warnings
}

func (e *Executor) place(ctx context.Context, key core.PositionKey, action core.CorrectiveAction) *core.Discrepancy {
	spec := action.Spec
	if spec == nil {
		return nil
	}

	if !spec.TriggerPrice.IsZero() {
		if w := e.ensureStopSlot(ctx, key, spec); w != nil {
			return w
		}
	}

	placed, err := e.client.PlaceOrder(ctx, spec)
	if err != nil {
		if errors.Is(err, apperrors.ErrZeroPosition) {
			// Position closed between fetch and place; the action is stale
			e.logger.Warn("Placement discarded, position closed",
				"key", key.String(), "reason", action.Reason)
			return nil
		}
		e.logger.Error("Placement failed",
			"key", key.String(), "link_id", spec.OrderLinkID, "reason", action.Reason, "error", err)
		return &core.Discrepancy{
			Kind: core.DiscrepancyExcessOrders,
			Note: "placement failed: " + err.Error(),
		}
	}

	e.logger.Info("Order placed",
		"key", key.String(), "order_id", placed.OrderID, "qty", spec.Qty,
		"trigger", spec.TriggerPrice, "reason", action.Reason)
	e.countAction(ctx, key, core.ActionPlace)
	return nil
}

// ensureStopSlot checks the live stop-order count against the exchange
// ceiling before a stop placement. At capacity it frees a slot by
// cancelling the oldest TP (never the SL); if none can be freed the
// placement downgrades to a no-op warning.
func (e *Executor) ensureStopSlot(ctx context.Context, key core.PositionKey, spec *core.OrderSpec) *core.Discrepancy {
	orders, err := e.client.GetOpenOrders(ctx, key.Symbol)
	if err != nil {
		e.logger.Warn("Stop-slot check failed, proceeding",
			"key", key.String(), "error", err)
		return nil
	}

	stops := make([]*core.LiveOrder, 0, len(orders))
	for _, o := range orders {
		if o.IsStopOrder() {
			stops = append(stops, o)
		}
	}
	if len(stops) < e.stopOrderLimit {
		return nil
	}

	if victim := e.oldestTP(key, stops); victim != nil {
		e.logger.Warn("Stop ceiling reached, evicting oldest TP",
			"key", key.String(), "order_id", victim.OrderID, "link_id", victim.OrderLinkID)
		if err := e.client.CancelOrder(ctx, key.Symbol, victim.OrderID); err == nil {
			e.countAction(ctx, key, core.ActionCancel)
			return nil
		}
	}

	e.logger.Warn("Stop ceiling reached, placement downgraded to no-op",
		"key", key.String(), "link_id", spec.OrderLinkID)
	return &core.Discrepancy{
		Kind:     core.DiscrepancyStopOrderLimit,
		Expected: decimal.NewFromInt(int64(e.stopOrderLimit)),
		Actual:   decimal.NewFromInt(int64(len(stops))),
		Note:     "no slot could be freed, partial coverage retained",
	}
}

func (e *Executor) oldestTP(key core.PositionKey, stops []*core.LiveOrder) *core.LiveOrder {
	var tps []*core.LiveOrder
	for _, o := range stops {
		cls := e.classifier.Classify(o, key.Side, decimal.Zero)
		if cls.Role == core.RoleTP {
			tps = append(tps, o)
		}
	}
	if len(tps) == 0 {
		return nil
	}
	sort.Slice(tps, func(i, j int) bool {
		return tps[i].CreatedAt.Before(tps[j].CreatedAt)
	})
	return tps[0]
}

func (e *Executor) countAction(ctx context.Context, key core.PositionKey, t core.ActionType) {
	e.metrics.CorrectiveActionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", string(key.Account)),
		attribute.String("type", string(t))))
}
