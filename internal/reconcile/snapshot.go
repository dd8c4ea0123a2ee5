package reconcile

import (
	"context"

	"trade_guard/internal/core"
)

// SnapshotFetcher retrieves position state for one account. A nil snapshot
// with a nil error means the position is closed: the caller must treat it
// as a terminal state and attempt no further order writes, otherwise the
// exchange rejects reduce-only orders against a zero position.
type SnapshotFetcher struct {
	client core.IExchangeClient
	logger core.ILogger
}

func NewSnapshotFetcher(client core.IExchangeClient, logger core.ILogger) *SnapshotFetcher {
	return &SnapshotFetcher{client: client, logger: logger}
}

// Fetch returns the snapshot for symbol/side, or nil when no position exists
func (f *SnapshotFetcher) Fetch(ctx context.Context, symbol string, side core.PositionSide) (*core.PositionSnapshot, error) {
	snapshots, err := f.client.GetPositionInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}

	for _, snap := range snapshots {
		if snap.Side == side && snap.Size.IsPositive() {
			return snap, nil
		}
	}
	return nil, nil
}
