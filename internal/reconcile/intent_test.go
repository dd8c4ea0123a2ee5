package reconcile

import (
	"testing"

	"trade_guard/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntentStoreRevisionHandling(t *testing.T) {
	store := NewIntentStore()
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachFast)

	first := fastStructure(key)
	require.NoError(t, store.Register(first))
	assert.Equal(t, 1, first.Revision, "first registration starts at revision 1")

	second := fastStructure(key)
	require.NoError(t, store.Register(second))
	assert.Equal(t, 2, second.Revision, "merge auto-bumps the revision")

	stale := fastStructure(key)
	stale.Revision = 2
	assert.Error(t, store.Register(stale), "equal revision is stale")

	got, ok := store.Get(key)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestIntentStoreRejectsInvalidLadder(t *testing.T) {
	store := NewIntentStore()
	key := mainKey("BTCUSDT", core.SideLong, core.ApproachConservative)

	bad := consStructure(key)
	bad.TPLadder[0].Fraction = d("0.5") // sums to 0.65
	assert.Error(t, store.Register(bad))

	assert.Error(t, store.Register(nil))
}

func TestIntentStoreActiveApproaches(t *testing.T) {
	store := NewIntentStore()

	require.NoError(t, store.Register(fastStructure(mainKey("BTCUSDT", core.SideLong, core.ApproachFast))))
	require.NoError(t, store.Register(consStructure(mainKey("BTCUSDT", core.SideLong, core.ApproachConservative))))
	require.NoError(t, store.Register(fastStructure(mainKey("BTCUSDT", core.SideShort, core.ApproachFast))))
	require.NoError(t, store.Register(fastStructure(core.PositionKey{
		Symbol: "BTCUSDT", Side: core.SideLong, Approach: core.ApproachFast, Account: core.AccountMirror,
	})))

	active := store.ActiveApproaches("BTCUSDT", core.SideLong, core.AccountMain)
	assert.ElementsMatch(t, []core.Approach{core.ApproachFast, core.ApproachConservative}, active)

	active = store.ActiveApproaches("BTCUSDT", core.SideShort, core.AccountMain)
	assert.ElementsMatch(t, []core.Approach{core.ApproachFast}, active)

	store.Remove(mainKey("BTCUSDT", core.SideLong, core.ApproachConservative))
	active = store.ActiveApproaches("BTCUSDT", core.SideLong, core.AccountMain)
	assert.ElementsMatch(t, []core.Approach{core.ApproachFast}, active)
}
