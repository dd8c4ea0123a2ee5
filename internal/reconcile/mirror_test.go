package reconcile

import (
	"context"
	"errors"
	"testing"

	"trade_guard/internal/core"
	"trade_guard/internal/mock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMirrorSync(t *testing.T, ex *mock.Exchange) (*MirrorSync, *IntentStore) {
	t.Helper()
	logger := &mockLogger{}
	classifier := NewClassifier()
	intents := NewIntentStore()
	detector := NewDetector(classifier, logger)
	planner := NewPlanner(classifier, logger)
	executor := NewExecutor(ex, classifier, 0, 10, logger)
	return NewMirrorSync(ex, intents, detector, planner, executor, 10, logger), intents
}

func TestMirrorSyncNoIntentIsNoOp(t *testing.T) {
	ex := mock.NewExchange("mirror")
	ms, _ := newMirrorSync(t, ex)

	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)
	warnings := ms.Sync(context.Background(), key)
	assert.Empty(t, warnings)
	assert.Zero(t, ex.PlaceCalls())
}

func TestMirrorSyncSizesFromMirrorPosition(t *testing.T) {
	ex := mock.NewExchange("mirror")
	ms, intents := newMirrorSync(t, ex)

	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)
	mirrorKey := key.WithAccount(core.AccountMirror)
	require.NoError(t, intents.Register(fastStructure(mirrorKey)))

	// Main holds 10, the mirror only 2: the ladder must be cut against the
	// mirror's own size
	ex.SetPosition("BTCUSDT", snap("BTCUSDT", core.SideLong, "2"))

	warnings := ms.Sync(context.Background(), key)
	assert.Empty(t, warnings)

	orders := ex.Orders()
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.True(t, o.Qty.Equal(d("2")), "sized to the mirror position, got %s", o.Qty)
	}
}

func TestMirrorSyncClosedMirrorPosition(t *testing.T) {
	ex := mock.NewExchange("mirror")
	ms, intents := newMirrorSync(t, ex)

	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)
	require.NoError(t, intents.Register(fastStructure(key.WithAccount(core.AccountMirror))))

	warnings := ms.Sync(context.Background(), key)
	assert.Empty(t, warnings)
	assert.Zero(t, ex.PlaceCalls(), "no writes against a closed mirror position")
}

func TestMirrorSyncFailureIsIsolated(t *testing.T) {
	ex := mock.NewExchange("mirror")
	ms, intents := newMirrorSync(t, ex)

	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)
	require.NoError(t, intents.Register(fastStructure(key.WithAccount(core.AccountMirror))))

	ex.SetQueryError(errors.New("mirror api down"))

	warnings := ms.Sync(context.Background(), key)
	require.Len(t, warnings, 1)
	assert.Equal(t, core.DiscrepancyMirrorSyncStale, warnings[0].Kind)
	assert.Contains(t, warnings[0].Note, "mirror api down")
}

func TestMirrorStructureDerivation(t *testing.T) {
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachConservative)
	main := consStructure(key)
	main.Revision = 3

	mirror := MirrorStructure(main)

	assert.Equal(t, core.AccountMirror, mirror.Key.Account)
	assert.Equal(t, key.Symbol, mirror.Key.Symbol)
	assert.Equal(t, key.Approach, mirror.Key.Approach)
	assert.Equal(t, main.Revision, mirror.Revision)
	require.Len(t, mirror.TPLadder, len(main.TPLadder))

	// Ladders are independent copies
	mirror.TPLadder[0].Fraction = d("0.5")
	assert.True(t, main.TPLadder[0].Fraction.Equal(d("0.85")))
}
