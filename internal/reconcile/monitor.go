package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade_guard/internal/core"
	"trade_guard/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Monitor is the per-key reconciliation loop. Each tick runs one strictly
// sequential pass: fetch, detect, plan, execute. A tick arriving while a
// pass is still in flight is dropped, not queued; the next regular tick
// rechecks convergence.
type Monitor struct {
	key      core.PositionKey
	interval time.Duration

	client   core.IExchangeClient
	intents  core.IIntentStore
	fetcher  *SnapshotFetcher
	detector core.IDetector
	planner  core.IPlanner
	executor core.IExecutor
	mirror   core.IMirrorSync
	alerter  core.IAlerter

	stopOrderLimit int
	logger         core.ILogger
	metrics        *telemetry.MetricsHolder

	// passMu is the single-flight guard: at most one pass per key
	passMu sync.Mutex
	prev   *core.PositionSnapshot

	statusMu sync.RWMutex
	status   core.ReconcileStatus

	nudge      chan struct{}
	onTerminal func(key core.PositionKey)
	submit     func(task func()) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MonitorDeps bundles the collaborators shared by every monitor
type MonitorDeps struct {
	Client         core.IExchangeClient
	Intents        core.IIntentStore
	Detector       core.IDetector
	Planner        core.IPlanner
	Executor       core.IExecutor
	Mirror         core.IMirrorSync
	Alerter        core.IAlerter
	StopOrderLimit int
	Logger         core.ILogger
	// Submit bounds concurrent passes across all monitors when set; a
	// rejected submission drops the tick, same as the single-flight guard.
	Submit func(task func()) error
}

func NewMonitor(key core.PositionKey, interval time.Duration, deps MonitorDeps, onTerminal func(core.PositionKey)) *Monitor {
	return &Monitor{
		key:            key,
		interval:       interval,
		client:         deps.Client,
		intents:        deps.Intents,
		fetcher:        NewSnapshotFetcher(deps.Client, deps.Logger),
		detector:       deps.Detector,
		planner:        deps.Planner,
		executor:       deps.Executor,
		mirror:         deps.Mirror,
		alerter:        deps.Alerter,
		stopOrderLimit: deps.StopOrderLimit,
		logger:         deps.Logger.WithField("position_key", key.String()),
		metrics:        telemetry.GetGlobalMetrics(),
		nudge:          make(chan struct{}, 1),
		onTerminal:     onTerminal,
		submit:         deps.Submit,
		status:         core.ReconcileStatus{Key: key},
	}
}

// Start launches the poll loop
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.runLoop()
}

// Stop cancels the loop and waits for any in-flight pass to finish. A pass
// mid-execution is never hard-aborted: interrupting between a cancel and
// its replacement would leave the exchange half-corrected.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Done returns after the loop goroutine has exited
func (m *Monitor) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	return done
}

// Nudge requests an out-of-cycle pass. Nudges are collapsed: one pending
// nudge at most, matching the dropped-tick policy.
func (m *Monitor) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Status returns the last pass's result
func (m *Monitor) Status() core.ReconcileStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

func (m *Monitor) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("Monitor started", "interval", m.interval.String())

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Monitor stopped")
			return
		case <-ticker.C:
		case <-m.nudge:
		}

		m.dispatch()

		select {
		case <-m.ctx.Done():
			m.logger.Info("Monitor stopped")
			return
		default:
		}
	}
}

// dispatch runs one pass, through the shared pool when configured
func (m *Monitor) dispatch() {
	task := func() {
		if terminal := m.tryPass(); terminal {
			m.logger.Info("Position closed, monitor deregistering")
			m.cancel()
			if m.onTerminal != nil {
				m.onTerminal(m.key)
			}
		}
	}

	if m.submit == nil {
		task()
		return
	}
	if err := m.submit(task); err != nil {
		m.logger.Debug("Tick dropped, pass pool saturated")
	}
}

// tryPass runs one pass under the single-flight guard. It returns true
// when the position is gone and the loop must deregister.
func (m *Monitor) tryPass() (terminal bool) {
	if !m.passMu.TryLock() {
		m.logger.Debug("Tick dropped, pass already in flight")
		return false
	}
	defer m.passMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			// A bad poll never crashes the loop; the next tick retries
			m.logger.Error("Reconciliation pass panicked", "panic", fmt.Sprintf("%v", r))
			m.setError(fmt.Sprintf("panic: %v", r))
		}
	}()

	// A pass that has started runs to completion on a context detached
	// from the loop's cancellation: aborting between a cancel and its
	// replacement would leave the position uncovered. Shutdown stops
	// future ticks and bounds the wait for stragglers at the registry.
	passCtx := context.WithoutCancel(m.ctx)

	start := time.Now()
	terminal, err := m.pass(passCtx)
	m.metrics.ReconcilePassesTotal.Add(passCtx, 1, metric.WithAttributes(
		attribute.String("account", string(m.key.Account)),
		attribute.Bool("error", err != nil)))
	m.metrics.PassDuration.Record(passCtx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("account", string(m.key.Account))))

	if err != nil {
		m.logger.Warn("Reconciliation pass failed, retrying next tick", "error", err)
		m.setError(err.Error())
		return false
	}
	return terminal
}

func (m *Monitor) pass(ctx context.Context) (terminal bool, err error) {
	intended, ok := m.intents.Get(m.key)
	if !ok {
		return true, nil
	}

	curr, err := m.fetcher.Fetch(ctx, m.key.Symbol, m.key.Side)
	if err != nil {
		return false, fmt.Errorf("fetch position: %w", err)
	}
	if curr == nil {
		// Zero-position guard: no writes of any kind once the exchange
		// reports the position closed
		m.metrics.SetPositionSize(m.key.String(), 0)
		return true, nil
	}

	orders, err := m.client.GetOpenOrders(ctx, m.key.Symbol)
	if err != nil {
		return false, fmt.Errorf("fetch orders: %w", err)
	}

	active := m.intents.ActiveApproaches(m.key.Symbol, m.key.Side, m.key.Account)
	discrepancies := m.detector.Detect(m.key, intended, m.prev, curr, orders, active)

	for _, d := range discrepancies {
		m.metrics.DiscrepanciesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(d.Kind)),
			attribute.String("account", string(m.key.Account))))
	}

	actions, warnings := m.planner.Plan(discrepancies, intended, curr, orders, active, m.freeStopSlots(orders))
	warnings = append(warnings, m.executor.Execute(ctx, m.key, actions)...)

	if m.key.Account == core.AccountMain && m.mirror != nil {
		warnings = append(warnings, m.mirror.Sync(ctx, m.key)...)
	}

	m.prev = curr
	size, _ := curr.Size.Float64()
	m.metrics.SetPositionSize(m.key.String(), size)
	m.metrics.SetStopOrdersOpen(m.key.Symbol+"/"+string(m.key.Account), int64(countStops(orders)))

	m.setStatus(warnings, actions)
	m.alertWarnings(ctx, warnings)
	return false, nil
}

func (m *Monitor) freeStopSlots(orders []*core.LiveOrder) int {
	free := m.stopOrderLimit - countStops(orders)
	if free < 0 {
		return 0
	}
	return free
}

func countStops(orders []*core.LiveOrder) int {
	count := 0
	for _, o := range orders {
		if o.IsStopOrder() {
			count++
		}
	}
	return count
}

func (m *Monitor) setStatus(warnings []core.Discrepancy, actions []core.CorrectiveAction) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status = core.ReconcileStatus{
		Key:               m.key,
		LastCheck:         time.Now(),
		OpenDiscrepancies: warnings,
		LastActions:       actions,
	}
}

func (m *Monitor) setError(msg string) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status.LastCheck = time.Now()
	m.status.LastError = msg
}

func (m *Monitor) alertWarnings(ctx context.Context, warnings []core.Discrepancy) {
	if m.alerter == nil {
		return
	}
	for _, w := range warnings {
		m.alerter.Alert(ctx, "Reconciliation warning", w.Note, map[string]string{
			"key":      m.key.String(),
			"kind":     string(w.Kind),
			"expected": w.Expected.String(),
			"actual":   w.Actual.String(),
			"order_id": w.OrderID,
		})
	}
}
