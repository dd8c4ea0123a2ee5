// Package core defines the interfaces and domain types shared across the
// reconciliation engine.
package core

import (
	"context"
	"time"
)

// IExchangeClient is the narrow exchange surface the engine relies on.
// Implementations are expected to retry transient network and rate-limit
// failures internally; a returned error is terminal for that call.
type IExchangeClient interface {
	GetName() string
	GetPositionInfo(ctx context.Context, symbol string) ([]*PositionSnapshot, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*LiveOrder, error)
	PlaceOrder(ctx context.Context, spec *OrderSpec) (*PlacedOrder, error)
	// CancelOrder treats an order-not-found response as success: the order
	// being gone is the outcome the caller wanted.
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// IIntentStore holds intended structures, append/replace-only so concurrent
// readers never observe a half-written entry.
type IIntentStore interface {
	Register(structure *IntendedStructure) error
	Get(key PositionKey) (*IntendedStructure, bool)
	Remove(key PositionKey)
	// ActiveApproaches lists the approaches with a registered structure for
	// the symbol/side on the given account.
	ActiveApproaches(symbol string, side PositionSide, account Account) []Approach
}

// IDetector compares live exchange state against intended structure.
type IDetector interface {
	Detect(key PositionKey, intended *IntendedStructure, prev, curr *PositionSnapshot, orders []*LiveOrder, activeApproaches []Approach) []Discrepancy
}

// IPlanner converts discrepancies into an ordered corrective plan.
// activeApproaches scopes which untagged orders the plan may claim, under
// the same sole-approach rule detection applies. freeStopSlots caps how
// many new stop orders the plan may introduce; the planner degrades rather
// than exceeding it, emitting a warning discrepancy.
type IPlanner interface {
	Plan(discrepancies []Discrepancy, intended *IntendedStructure, curr *PositionSnapshot, orders []*LiveOrder, activeApproaches []Approach, freeStopSlots int) ([]CorrectiveAction, []Discrepancy)
}

// IExecutor applies a plan against one account.
type IExecutor interface {
	Execute(ctx context.Context, key PositionKey, actions []CorrectiveAction) []Discrepancy
}

// IMirrorSync replicates main-account structure changes to the mirror
// account. Sync failures never propagate to the main flow.
type IMirrorSync interface {
	Sync(ctx context.Context, mainKey PositionKey) []Discrepancy
}

// IStateStore persists monitor registrations and intended structures so
// the loop set can be rebuilt after a restart. Restored records are never
// trusted alone: the registry re-verifies each against live exchange
// positions before resuming.
type IStateStore interface {
	SaveRecord(ctx context.Context, rec *MonitorRecord) error
	LoadActive(ctx context.Context) ([]*MonitorRecord, error)
	Deactivate(ctx context.Context, key PositionKey) error
	SaveStructure(ctx context.Context, structure *IntendedStructure) error
	LoadStructures(ctx context.Context) ([]*IntendedStructure, error)
	RemoveStructure(ctx context.Context, key PositionKey) error
	Close() error
}

// IAlerter pushes operator-facing notifications for warning discrepancies.
type IAlerter interface {
	Alert(ctx context.Context, title, message string, fields map[string]string)
}

// IRegistry owns every monitor loop and its single-flight guard.
type IRegistry interface {
	RegisterIntendedStructure(ctx context.Context, structure *IntendedStructure) error
	GetReconciliationStatus(key PositionKey) (*ReconcileStatus, bool)
	ForceResync(ctx context.Context, key PositionKey) error
	Shutdown(timeout time.Duration)
}

// ILogger is the structured logging interface used across the engine.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
