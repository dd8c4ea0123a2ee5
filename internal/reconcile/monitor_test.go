package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"trade_guard/internal/core"
	"trade_guard/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, ex *mock.Exchange, key core.PositionKey, interval time.Duration, onTerminal func(core.PositionKey)) (*Monitor, *IntentStore) {
	t.Helper()
	logger := &mockLogger{}
	classifier := NewClassifier()
	intents := NewIntentStore()
	executor := NewExecutor(ex, classifier, 0, 10, logger)

	m := NewMonitor(key, interval, MonitorDeps{
		Client:         ex,
		Intents:        intents,
		Detector:       NewDetector(classifier, logger),
		Planner:        NewPlanner(classifier, logger),
		Executor:       executor,
		StopOrderLimit: 10,
		Logger:         logger,
	}, onTerminal)
	return m, intents
}

func TestMonitorConvergesAndStaysConverged(t *testing.T) {
	ex := mock.NewExchange("main")
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)
	m, intents := newTestMonitor(t, ex, key, 5*time.Millisecond, nil)
	require.NoError(t, intents.Register(fastStructure(key)))

	ex.SetPosition("BTCUSDT", snap("BTCUSDT", core.SideLong, "2"))

	m.Start(context.Background())
	defer m.Stop()

	// First pass restores the missing TP and SL
	require.Eventually(t, func() bool {
		return len(ex.Orders()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Converged state produces no further writes across many passes
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, ex.PlaceCalls())
	assert.Len(t, ex.Orders(), 2)

	status := m.Status()
	assert.False(t, status.LastCheck.IsZero())
	assert.Empty(t, status.LastError)
}

func TestMonitorTerminalOnClosedPosition(t *testing.T) {
	ex := mock.NewExchange("main")
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)

	terminal := make(chan core.PositionKey, 1)
	m, intents := newTestMonitor(t, ex, key, 5*time.Millisecond, func(k core.PositionKey) {
		terminal <- k
	})
	require.NoError(t, intents.Register(fastStructure(key)))

	// No position on the exchange at all
	m.Start(context.Background())
	defer m.Stop()

	select {
	case got := <-terminal:
		assert.Equal(t, key, got)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never reached terminal state")
	}

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor loop did not exit after terminal pass")
	}
	assert.Zero(t, ex.PlaceCalls(), "closed position permits no order writes")
}

func TestMonitorTerminalOnRemovedIntent(t *testing.T) {
	ex := mock.NewExchange("main")
	ex.SetPosition("BTCUSDT", snap("BTCUSDT", core.SideLong, "2"))
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)

	terminal := make(chan core.PositionKey, 1)
	m, _ := newTestMonitor(t, ex, key, 5*time.Millisecond, func(k core.PositionKey) {
		terminal <- k
	})

	// Intent never registered: the loop has nothing to enforce
	m.Start(context.Background())
	defer m.Stop()

	select {
	case <-terminal:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor without intent should deregister")
	}
}

func TestMonitorNudgeRunsOutOfCyclePass(t *testing.T) {
	ex := mock.NewExchange("main")
	ex.SetPosition("BTCUSDT", snap("BTCUSDT", core.SideLong, "2"))
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)

	m, intents := newTestMonitor(t, ex, key, time.Hour, nil)
	require.NoError(t, intents.Register(fastStructure(key)))

	m.Start(context.Background())
	defer m.Stop()

	assert.Zero(t, ex.PlaceCalls())
	m.Nudge()

	require.Eventually(t, func() bool {
		return len(ex.Orders()) == 2
	}, 2*time.Second, 5*time.Millisecond, "nudge should run a pass without waiting for the ticker")
}

func TestMonitorSingleFlight(t *testing.T) {
	ex := mock.NewExchange("main")
	ex.SetPosition("BTCUSDT", snap("BTCUSDT", core.SideLong, "2"))
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)

	m, intents := newTestMonitor(t, ex, key, time.Hour, nil)
	require.NoError(t, intents.Register(fastStructure(key)))
	m.Start(context.Background())
	defer m.Stop()

	// Hold the pass guard: a concurrent tick must drop, not queue
	m.passMu.Lock()
	done := m.tryPass()
	m.passMu.Unlock()

	assert.False(t, done)
	assert.Zero(t, ex.PlaceCalls())
}

func TestMonitorDroppedTickOnSaturatedPool(t *testing.T) {
	ex := mock.NewExchange("main")
	ex.SetPosition("BTCUSDT", snap("BTCUSDT", core.SideLong, "2"))
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)

	rejected := 0
	m, intents := newTestMonitor(t, ex, key, time.Hour, nil)
	m.submit = func(task func()) error {
		rejected++
		return context.DeadlineExceeded
	}
	require.NoError(t, intents.Register(fastStructure(key)))

	m.Start(context.Background())
	defer m.Stop()

	m.Nudge()
	require.Eventually(t, func() bool { return rejected > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, ex.PlaceCalls(), "a rejected submission drops the tick entirely")
}

type blockingExecutor struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	ctxErr  error
}

func (b *blockingExecutor) Execute(ctx context.Context, key core.PositionKey, actions []core.CorrectiveAction) []core.Discrepancy {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	b.ctxErr = ctx.Err()
	return nil
}

func TestMonitorStopDoesNotAbortInFlightPass(t *testing.T) {
	ex := mock.NewExchange("main")
	ex.SetPosition("BTCUSDT", snap("BTCUSDT", core.SideLong, "2"))
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)

	logger := &mockLogger{}
	classifier := NewClassifier()
	intents := NewIntentStore()
	exec := &blockingExecutor{entered: make(chan struct{}), release: make(chan struct{})}

	m := NewMonitor(key, time.Hour, MonitorDeps{
		Client:         ex,
		Intents:        intents,
		Detector:       NewDetector(classifier, logger),
		Planner:        NewPlanner(classifier, logger),
		Executor:       exec,
		StopOrderLimit: 10,
		Logger:         logger,
	}, nil)
	require.NoError(t, intents.Register(fastStructure(key)))

	m.Start(context.Background())
	m.Nudge()

	select {
	case <-exec.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pass never reached the executor")
	}

	// Stop while mid-execution: the cancel fires, then waits for the pass
	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(exec.release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the pass finished")
	}

	// Between a cancel and its replacement the pass's context must stay
	// live, or the position is left uncovered
	assert.NoError(t, exec.ctxErr)
}
