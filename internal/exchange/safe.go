// Package exchange wraps venue clients with order-safety concerns shared by
// every account: rate limiting, unique client order IDs and call metrics.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trade_guard/internal/core"
	apperrors "trade_guard/pkg/errors"
	"trade_guard/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	defaultOrderRate  = 25
	defaultOrderBurst = 30

	// Bybit caps orderLinkId at 36 characters.
	maxLinkIDLen = 36
)

// SafeOrderClient decorates an exchange client so that callers can retry
// freely: every placement gets a fresh link-ID suffix, cancels of gone
// orders succeed, and all calls respect the venue rate limit.
type SafeOrderClient struct {
	inner   core.IExchangeClient
	limiter *rate.Limiter
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// NewSafeOrderClient wraps an exchange client
func NewSafeOrderClient(inner core.IExchangeClient, ratePerSec int, logger core.ILogger) *SafeOrderClient {
	if ratePerSec <= 0 {
		ratePerSec = defaultOrderRate
	}
	burst := ratePerSec + ratePerSec/5
	if burst < defaultOrderBurst {
		burst = defaultOrderBurst
	}

	return &SafeOrderClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		logger:  logger,
		metrics: telemetry.GetGlobalMetrics(),
	}
}

func (s *SafeOrderClient) GetName() string {
	return s.inner.GetName()
}

func (s *SafeOrderClient) GetPositionInfo(ctx context.Context, symbol string) ([]*core.PositionSnapshot, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	snapshots, err := s.inner.GetPositionInfo(ctx, symbol)
	s.record(ctx, "get_position_info", start, err)
	return snapshots, err
}

func (s *SafeOrderClient) GetOpenOrders(ctx context.Context, symbol string) ([]*core.LiveOrder, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	orders, err := s.inner.GetOpenOrders(ctx, symbol)
	s.record(ctx, "get_open_orders", start, err)
	return orders, err
}

// PlaceOrder appends a fresh unique suffix to the link-ID tag before
// sending. A retried placement therefore never collides with a previous
// attempt that may have reached the venue.
func (s *SafeOrderClient) PlaceOrder(ctx context.Context, spec *core.OrderSpec) (*core.PlacedOrder, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	sendSpec := *spec
	sendSpec.OrderLinkID = UniqueLinkID(spec.OrderLinkID)

	start := time.Now()
	placed, err := s.inner.PlaceOrder(ctx, &sendSpec)
	s.record(ctx, "place_order", start, err)
	if err != nil {
		return nil, err
	}

	s.metrics.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", s.inner.GetName()),
		attribute.String("symbol", spec.Symbol)))
	return placed, nil
}

// CancelOrder treats an already-gone order as success: the desired end
// state (order absent) holds either way.
func (s *SafeOrderClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := s.inner.CancelOrder(ctx, symbol, orderID)
	s.record(ctx, "cancel_order", start, err)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			s.logger.Debug("Cancel target already gone", "symbol", symbol, "order_id", orderID)
			return nil
		}
		return err
	}

	s.metrics.OrdersCanceledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", s.inner.GetName()),
		attribute.String("symbol", symbol)))
	return nil
}

func (s *SafeOrderClient) record(ctx context.Context, op string, start time.Time, err error) {
	s.metrics.LatencyExchange.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("account", s.inner.GetName()),
			attribute.String("operation", op),
			attribute.Bool("error", err != nil)))
}

// UniqueLinkID appends a short random suffix to a role tag while staying
// within the venue's link-ID length cap.
func UniqueLinkID(tag string) string {
	suffix := strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	if tag == "" {
		return suffix
	}
	id := fmt.Sprintf("%s_%s", tag, suffix)
	if len(id) > maxLinkIDLen {
		id = id[:maxLinkIDLen]
	}
	return id
}
