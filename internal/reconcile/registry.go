package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade_guard/internal/core"
	"trade_guard/pkg/concurrency"
	"trade_guard/pkg/telemetry"
)

// RegistryConfig holds the engine-level tunables
type RegistryConfig struct {
	PollInterval    time.Duration
	ReplaceDelay    time.Duration
	StopOrderLimit  int
	ShutdownTimeout time.Duration
	MaxPasses       int
	PassQueue       int
}

// Registry owns every monitor loop: one per PositionKey, at most. It is
// the single holder of per-key state; components receive it explicitly
// instead of sharing module-level maps.
type Registry struct {
	cfg RegistryConfig

	mainClient   core.IExchangeClient
	mirrorClient core.IExchangeClient

	intents  *IntentStore
	store    core.IStateStore
	detector core.IDetector
	planner  core.IPlanner
	mirror   core.IMirrorSync
	alerter  core.IAlerter
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	executors map[core.Account]core.IExecutor

	mu       sync.Mutex
	monitors map[core.PositionKey]*Monitor

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry wires the full engine for one process. mirrorClient may be
// nil when no mirror account is configured.
func NewRegistry(cfg RegistryConfig, mainClient, mirrorClient core.IExchangeClient, store core.IStateStore, alerter core.IAlerter, logger core.ILogger) *Registry {
	classifier := NewClassifier()
	intents := NewIntentStore()
	detector := NewDetector(classifier, logger)
	planner := NewPlanner(classifier, logger)

	executors := map[core.Account]core.IExecutor{
		core.AccountMain: NewExecutor(mainClient, classifier, cfg.ReplaceDelay, cfg.StopOrderLimit, logger),
	}

	var mirror core.IMirrorSync
	if mirrorClient != nil {
		mirrorExec := NewExecutor(mirrorClient, classifier, cfg.ReplaceDelay, cfg.StopOrderLimit, logger)
		executors[core.AccountMirror] = mirrorExec
		mirror = NewMirrorSync(mirrorClient, intents, detector, planner, mirrorExec, cfg.StopOrderLimit, logger)
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "reconcile-passes",
		MaxWorkers:  cfg.MaxPasses,
		MaxCapacity: cfg.PassQueue,
		NonBlocking: true,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		cfg:          cfg,
		mainClient:   mainClient,
		mirrorClient: mirrorClient,
		intents:      intents,
		store:        store,
		detector:     detector,
		planner:      planner,
		mirror:       mirror,
		alerter:      alerter,
		pool:         pool,
		logger:       logger,
		metrics:      telemetry.GetGlobalMetrics(),
		executors:    executors,
		monitors:     make(map[core.PositionKey]*Monitor),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// RegisterIntendedStructure records what should exist for a key and starts
// its monitor loop. Called by the trade-placement flow once per placement
// or merge. For a main-account key with a mirror configured, a derived
// structure with the same percentage ladder is registered for the mirror.
func (r *Registry) RegisterIntendedStructure(ctx context.Context, structure *core.IntendedStructure) error {
	if structure == nil {
		return fmt.Errorf("nil structure")
	}
	if structure.CreatedAt.IsZero() {
		structure.CreatedAt = time.Now()
	}

	if err := r.intents.Register(structure); err != nil {
		return err
	}
	if err := r.store.SaveStructure(ctx, structure); err != nil {
		r.logger.Error("Failed to persist intended structure", "key", structure.Key.String(), "error", err)
	}

	if structure.Key.Account == core.AccountMain && r.mirrorClient != nil {
		mirrored := MirrorStructure(structure)
		if err := r.intents.Register(mirrored); err != nil {
			r.logger.Warn("Mirror structure registration skipped", "key", mirrored.Key.String(), "error", err)
		} else if err := r.store.SaveStructure(ctx, mirrored); err != nil {
			r.logger.Error("Failed to persist mirror structure", "key", mirrored.Key.String(), "error", err)
		}
	}

	rec := &core.MonitorRecord{
		Symbol:    structure.Key.Symbol,
		Side:      structure.Key.Side,
		Approach:  structure.Key.Approach,
		Account:   structure.Key.Account,
		Active:    true,
		StartedAt: time.Now(),
	}
	if err := r.store.SaveRecord(ctx, rec); err != nil {
		r.logger.Error("Failed to persist monitor record", "key", structure.Key.String(), "error", err)
	}

	r.startMonitor(structure.Key)
	return nil
}

// startMonitor launches a loop for the key unless one is already running
func (r *Registry) startMonitor(key core.PositionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.monitors[key]; ok {
		return
	}

	client := r.mainClient
	if key.Account == core.AccountMirror {
		client = r.mirrorClient
	}
	executor := r.executors[key.Account]
	if client == nil || executor == nil {
		r.logger.Error("No client configured for account, monitor not started", "key", key.String())
		return
	}

	var mirror core.IMirrorSync
	if key.Account == core.AccountMain {
		mirror = r.mirror
	}

	monitor := NewMonitor(key, r.cfg.PollInterval, MonitorDeps{
		Client:         client,
		Intents:        r.intents,
		Detector:       r.detector,
		Planner:        r.planner,
		Executor:       executor,
		Mirror:         mirror,
		Alerter:        r.alerter,
		StopOrderLimit: r.cfg.StopOrderLimit,
		Logger:         r.logger,
		Submit:         r.pool.Submit,
	}, r.deregister)

	r.monitors[key] = monitor
	monitor.Start(r.ctx)
	r.publishMonitorCounts()
}

// deregister is the terminal transition: the position closed, the loop is
// gone for good. The mirror's derived intent is dropped with it since the
// mirror has no loop of its own.
func (r *Registry) deregister(key core.PositionKey) {
	r.mu.Lock()
	delete(r.monitors, key)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.intents.Remove(key)
	if err := r.store.Deactivate(ctx, key); err != nil {
		r.logger.Error("Failed to deactivate monitor record", "key", key.String(), "error", err)
	}
	if err := r.store.RemoveStructure(ctx, key); err != nil {
		r.logger.Error("Failed to remove persisted structure", "key", key.String(), "error", err)
	}

	if key.Account == core.AccountMain && r.mirrorClient != nil {
		mirrorKey := key.WithAccount(core.AccountMirror)
		r.intents.Remove(mirrorKey)
		if err := r.store.RemoveStructure(ctx, mirrorKey); err != nil {
			r.logger.Error("Failed to remove mirror structure", "key", mirrorKey.String(), "error", err)
		}
	}

	r.publishMonitorCounts()
	r.logger.Info("Monitor deregistered", "key", key.String())
}

// GetReconciliationStatus returns the last pass result for a key
func (r *Registry) GetReconciliationStatus(key core.PositionKey) (*core.ReconcileStatus, bool) {
	r.mu.Lock()
	monitor, ok := r.monitors[key]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	status := monitor.Status()
	return &status, true
}

// ForceResync triggers an out-of-cycle pass for a key
func (r *Registry) ForceResync(ctx context.Context, key core.PositionKey) error {
	r.mu.Lock()
	monitor, ok := r.monitors[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active monitor for %s", key)
	}
	monitor.Nudge()
	return nil
}

// NudgeSymbol nudges every monitor watching a symbol. The private order
// stream calls this so fills are reconciled without waiting a full tick.
func (r *Registry) NudgeSymbol(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, monitor := range r.monitors {
		if key.Symbol == symbol {
			monitor.Nudge()
		}
	}
}

// Restore rebuilds the monitor set from persisted state after a restart.
// Each record is cross-checked against the live exchange: a record whose
// position no longer exists is deactivated instead of resumed.
func (r *Registry) Restore(ctx context.Context) error {
	structures, err := r.store.LoadStructures(ctx)
	if err != nil {
		return fmt.Errorf("load structures: %w", err)
	}
	byKey := make(map[core.PositionKey]*core.IntendedStructure, len(structures))
	for _, s := range structures {
		byKey[s.Key] = s
	}

	records, err := r.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load monitor records: %w", err)
	}

	for _, rec := range records {
		key := rec.Key()
		structure, ok := byKey[key]
		if !ok {
			r.logger.Warn("Monitor record without structure, deactivating", "key", key.String())
			r.store.Deactivate(ctx, key)
			continue
		}

		client := r.mainClient
		if key.Account == core.AccountMirror {
			client = r.mirrorClient
		}
		if client == nil {
			continue
		}

		alive, err := r.positionExists(ctx, client, key)
		if err != nil {
			// Leave the record active; resuming and letting the monitor's
			// zero-position guard decide is safer than dropping it blind
			r.logger.Warn("Restore verification failed, resuming anyway", "key", key.String(), "error", err)
			alive = true
		}
		if !alive {
			r.logger.Info("Persisted position no longer live, deactivating", "key", key.String())
			r.store.Deactivate(ctx, key)
			r.store.RemoveStructure(ctx, key)
			continue
		}

		if err := r.intents.Register(structure); err != nil {
			r.logger.Error("Failed to restore structure", "key", key.String(), "error", err)
			continue
		}
		if key.Account == core.AccountMain || key.Account == "" {
			r.startMonitor(key)
		}
		r.logger.Info("Monitor restored", "key", key.String(), "revision", structure.Revision)
	}

	return nil
}

func (r *Registry) positionExists(ctx context.Context, client core.IExchangeClient, key core.PositionKey) (bool, error) {
	snapshots, err := client.GetPositionInfo(ctx, key.Symbol)
	if err != nil {
		return false, err
	}
	for _, snap := range snapshots {
		if snap.Side == key.Side && snap.Size.IsPositive() {
			return true, nil
		}
	}
	return false, nil
}

// Shutdown stops every loop. Idle loops stop immediately; a loop mid-pass
// is awaited up to the bounded timeout and logged as a warning if still
// running after it, never silently dropped.
func (r *Registry) Shutdown(timeout time.Duration) {
	r.cancel()

	r.mu.Lock()
	monitors := make([]*Monitor, 0, len(r.monitors))
	keys := make([]core.PositionKey, 0, len(r.monitors))
	for key, m := range r.monitors {
		monitors = append(monitors, m)
		keys = append(keys, key)
	}
	r.mu.Unlock()

	deadline := time.After(timeout)
	for i, m := range monitors {
		select {
		case <-m.Done():
		case <-deadline:
			r.logger.Warn("Monitor did not stop within shutdown timeout", "key", keys[i].String())
		}
	}

	done := make(chan struct{})
	go func() {
		r.pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("Reconciliation passes still in flight after shutdown timeout")
	}

	r.logger.Info("Reconciliation registry shut down")
}

func (r *Registry) publishMonitorCounts() {
	counts := make(map[core.Account]int64)
	for key := range r.monitors {
		counts[key.Account]++
	}
	for _, account := range []core.Account{core.AccountMain, core.AccountMirror} {
		r.metrics.SetMonitorsActive(string(account), counts[account])
	}
}

// Statuses returns the latest pass result for every active monitor,
// consumed by the status endpoint.
func (r *Registry) Statuses() []core.ReconcileStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]core.ReconcileStatus, 0, len(r.monitors))
	for _, m := range r.monitors {
		statuses = append(statuses, m.Status())
	}
	return statuses
}
