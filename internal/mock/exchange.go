// Package mock provides a deterministic in-memory exchange for tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade_guard/internal/core"
	apperrors "trade_guard/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange implements core.IExchangeClient entirely in memory. Positions
// are set directly by tests; placed orders accumulate until canceled or
// explicitly filled.
type Exchange struct {
	name string

	mu         sync.Mutex
	positions  map[string][]*core.PositionSnapshot
	orders     map[string]*core.LiveOrder
	orderSeq   int
	clock      time.Time
	placeErr   error
	cancelErr  error
	queryErr   error
	placeCalls int
}

// NewExchange creates an empty mock exchange
func NewExchange(name string) *Exchange {
	return &Exchange{
		name:      name,
		positions: make(map[string][]*core.PositionSnapshot),
		orders:    make(map[string]*core.LiveOrder),
		clock:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (e *Exchange) GetName() string {
	return e.name
}

// SetPosition replaces the snapshots returned for a symbol
func (e *Exchange) SetPosition(symbol string, snapshots ...*core.PositionSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[symbol] = snapshots
}

// SetPlaceError makes subsequent placements fail
func (e *Exchange) SetPlaceError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeErr = err
}

// SetCancelError makes subsequent cancels fail
func (e *Exchange) SetCancelError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelErr = err
}

// SetQueryError makes position and order reads fail
func (e *Exchange) SetQueryError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryErr = err
}

// AddOrder seeds a live order, assigning an ID when none is set
func (e *Exchange) AddOrder(order *core.LiveOrder) *core.LiveOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	if order.OrderID == "" {
		e.orderSeq++
		order.OrderID = fmt.Sprintf("mock-%d", e.orderSeq)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = e.clock
		e.clock = e.clock.Add(time.Second)
	}
	e.orders[order.OrderID] = order
	return order
}

// RemoveOrder drops an order as if it had been filled or canceled externally
func (e *Exchange) RemoveOrder(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.orders, orderID)
}

// Orders returns all live orders for inspection
func (e *Exchange) Orders() []*core.LiveOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*core.LiveOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	return out
}

// PlaceCalls returns the number of placement attempts
func (e *Exchange) PlaceCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.placeCalls
}

func (e *Exchange) GetPositionInfo(ctx context.Context, symbol string) ([]*core.PositionSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return e.positions[symbol], nil
}

func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.LiveOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	var out []*core.LiveOrder
	for _, o := range e.orders {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, spec *core.OrderSpec) (*core.PlacedOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.placeCalls++
	if e.placeErr != nil {
		return nil, e.placeErr
	}

	e.orderSeq++
	orderID := fmt.Sprintf("mock-%d", e.orderSeq)

	// Market orders without a trigger fill immediately and never appear
	// as open orders.
	if spec.OrderType == "Market" && spec.TriggerPrice.IsZero() {
		return &core.PlacedOrder{OrderID: orderID, OrderLinkID: spec.OrderLinkID, AvgPrice: spec.Price}, nil
	}

	e.orders[orderID] = &core.LiveOrder{
		OrderID:       orderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Qty:           spec.Qty,
		Price:         spec.Price,
		TriggerPrice:  spec.TriggerPrice,
		StopOrderType: spec.StopOrderType,
		OrderLinkID:   spec.OrderLinkID,
		ReduceOnly:    spec.ReduceOnly,
		Status:        "New",
		CreatedAt:     e.clock,
	}
	e.clock = e.clock.Add(time.Second)

	return &core.PlacedOrder{OrderID: orderID, OrderLinkID: spec.OrderLinkID, AvgPrice: decimal.Zero}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelErr != nil {
		return e.cancelErr
	}
	if _, ok := e.orders[orderID]; !ok {
		return apperrors.ErrOrderNotFound
	}
	delete(e.orders, orderID)
	return nil
}
