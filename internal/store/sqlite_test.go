package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trade_guard/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadActiveRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &core.MonitorRecord{
		Symbol:    "BTCUSDT",
		Side:      core.SideLong,
		Approach:  core.ApproachConservative,
		Account:   core.AccountMain,
		Active:    true,
		StartedAt: time.Now(),
	}
	require.NoError(t, s.SaveRecord(ctx, rec))

	records, err := s.LoadActive(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.Key(), records[0].Key())

	require.NoError(t, s.Deactivate(ctx, rec.Key()))

	records, err = s.LoadActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSaveRecordIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &core.MonitorRecord{
		Symbol: "ETHUSDT", Side: core.SideShort, Approach: core.ApproachFast,
		Account: core.AccountMain, Active: true, StartedAt: time.Now(),
	}
	require.NoError(t, s.SaveRecord(ctx, rec))
	require.NoError(t, s.SaveRecord(ctx, rec))

	records, err := s.LoadActive(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStructureRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	structure := &core.IntendedStructure{
		Key: core.PositionKey{
			Symbol: "BTCUSDT", Side: core.SideLong,
			Approach: core.ApproachConservative, Account: core.AccountMain,
		},
		TPLadder: []core.TPLevel{
			{Fraction: decimal.NewFromFloat(0.85), TriggerPrice: decimal.NewFromInt(61000)},
			{Fraction: decimal.NewFromFloat(0.05), TriggerPrice: decimal.NewFromInt(62000)},
			{Fraction: decimal.NewFromFloat(0.05), TriggerPrice: decimal.NewFromInt(63000)},
			{Fraction: decimal.NewFromFloat(0.05), TriggerPrice: decimal.NewFromInt(64000)},
		},
		SL:        core.SLSpec{TriggerPrice: decimal.NewFromInt(58000)},
		QtyStep:   decimal.NewFromFloat(0.001),
		PriceStep: decimal.NewFromFloat(0.5),
		Revision:  2,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveStructure(ctx, structure))

	loaded, err := s.LoadStructures(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, structure.Key, got.Key)
	assert.Equal(t, 2, got.Revision)
	require.Len(t, got.TPLadder, 4)
	assert.True(t, got.TPLadder[0].Fraction.Equal(decimal.NewFromFloat(0.85)))
	assert.True(t, got.SL.TriggerPrice.Equal(decimal.NewFromInt(58000)))

	require.NoError(t, s.RemoveStructure(ctx, structure.Key))
	loaded, err = s.LoadStructures(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
