package reconcile

import (
	"context"
	"sync"

	"trade_guard/internal/core"
	"trade_guard/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MirrorSync re-runs the detect/plan/execute pipeline against the mirror
// account after a main-account pass. Sizing always comes from the mirror's
// own position combined with the same percentage ladder, never from main
// account quantities: the two accounts run independent capital.
//
// A mirror failure is isolated by contract: it is logged and surfaced as a
// non-fatal discrepancy for the next cycle, and never blocks or rolls back
// the main-account action that already succeeded.
type MirrorSync struct {
	client   core.IExchangeClient
	intents  core.IIntentStore
	fetcher  *SnapshotFetcher
	detector core.IDetector
	planner  core.IPlanner
	executor core.IExecutor

	stopOrderLimit int
	logger         core.ILogger
	metrics        *telemetry.MetricsHolder

	mu   sync.Mutex
	prev map[core.PositionKey]*core.PositionSnapshot
}

func NewMirrorSync(client core.IExchangeClient, intents core.IIntentStore, detector core.IDetector, planner core.IPlanner, executor core.IExecutor, stopOrderLimit int, logger core.ILogger) *MirrorSync {
	return &MirrorSync{
		client:         client,
		intents:        intents,
		fetcher:        NewSnapshotFetcher(client, logger),
		detector:       detector,
		planner:        planner,
		executor:       executor,
		stopOrderLimit: stopOrderLimit,
		logger:         logger,
		metrics:        telemetry.GetGlobalMetrics(),
		prev:           make(map[core.PositionKey]*core.PositionSnapshot),
	}
}

func (m *MirrorSync) Sync(ctx context.Context, mainKey core.PositionKey) []core.Discrepancy {
	key := mainKey.WithAccount(core.AccountMirror)

	intended, ok := m.intents.Get(key)
	if !ok {
		return nil
	}

	warnings, err := m.pass(ctx, key, intended)
	if err != nil {
		m.logger.Error("Mirror sync failed, will retry next cycle",
			"key", key.String(), "error", err)
		m.metrics.MirrorSyncFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("symbol", key.Symbol)))
		return []core.Discrepancy{{
			Kind: core.DiscrepancyMirrorSyncStale,
			Note: "mirror sync failed: " + err.Error(),
		}}
	}
	return warnings
}

func (m *MirrorSync) pass(ctx context.Context, key core.PositionKey, intended *core.IntendedStructure) ([]core.Discrepancy, error) {
	curr, err := m.fetcher.Fetch(ctx, key.Symbol, key.Side)
	if err != nil {
		return nil, err
	}
	if curr == nil {
		// Mirror position closed: nothing to keep in shape
		m.setPrev(key, nil)
		return nil, nil
	}

	orders, err := m.client.GetOpenOrders(ctx, key.Symbol)
	if err != nil {
		return nil, err
	}

	prev := m.getPrev(key)
	active := m.intents.ActiveApproaches(key.Symbol, key.Side, key.Account)

	discrepancies := m.detector.Detect(key, intended, prev, curr, orders, active)
	actions, warnings := m.planner.Plan(discrepancies, intended, curr, orders, active, m.freeStopSlots(orders))
	warnings = append(warnings, m.executor.Execute(ctx, key, actions)...)

	m.setPrev(key, curr)
	return warnings, nil
}

func (m *MirrorSync) freeStopSlots(orders []*core.LiveOrder) int {
	count := 0
	for _, o := range orders {
		if o.IsStopOrder() {
			count++
		}
	}
	free := m.stopOrderLimit - count
	if free < 0 {
		return 0
	}
	return free
}

func (m *MirrorSync) getPrev(key core.PositionKey) *core.PositionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prev[key]
}

func (m *MirrorSync) setPrev(key core.PositionKey, snap *core.PositionSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap == nil {
		delete(m.prev, key)
		return
	}
	m.prev[key] = snap
}

// MirrorStructure derives the mirror account's intended structure from a
// main-account one: identical percentage ladder and triggers, keyed to the
// mirror account. Quantities are resolved at reconcile time against the
// mirror's own position size.
func MirrorStructure(main *core.IntendedStructure) *core.IntendedStructure {
	mirror := *main
	mirror.Key = main.Key.WithAccount(core.AccountMirror)
	mirror.EntryPlan = append([]core.EntryLeg(nil), main.EntryPlan...)
	mirror.TPLadder = append([]core.TPLevel(nil), main.TPLadder...)
	return &mirror
}
