// Package bybit provides the Bybit V5 REST adapter
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trade_guard/internal/config"
	"trade_guard/internal/core"
	apperrors "trade_guard/pkg/errors"
	httpclient "trade_guard/pkg/http"

	"github.com/shopspring/decimal"
)

const (
	defaultBybitURL = "https://api.bybit.com"
	defaultBybitWS  = "wss://stream.bybit.com/v5/private"

	recvWindow = "5000"
)

// Client implements core.IExchangeClient against the Bybit V5 API.
// All requests go through the resilient HTTP client which handles
// retries, circuit breaking and request signing.
type Client struct {
	name      string
	apiKey    string
	secretKey string
	baseURL   string
	wsURL     string
	http      *httpclient.Client
	logger    core.ILogger
}

// NewClient creates a new Bybit client for one account
func NewClient(name string, cfg config.AccountConfig, logger core.ILogger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBybitURL
	}
	wsURL := cfg.WSURL
	if wsURL == "" {
		wsURL = defaultBybitWS
	}

	c := &Client{
		name:      name,
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		baseURL:   baseURL,
		wsURL:     wsURL,
		logger:    logger,
	}
	c.http = httpclient.NewClient(baseURL, 10*time.Second, c)
	return c
}

func (c *Client) GetName() string {
	return c.name
}

// SignRequest adds V5 authentication headers to the request.
// signature = HMAC_SHA256(timestamp + key + recv_window + payload, secret)
// where payload is the JSON body for POST and the raw query string for GET.
func (c *Client) SignRequest(req *http.Request, body []byte) error {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())

	payload := string(body)
	if req.Method == http.MethodGet {
		payload = req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("Content-Type", "application/json")

	return nil
}

// parseError maps Bybit error codes to sentinel errors.
// https://bybit-exchange.github.io/docs/v5/error
func parseError(retCode int, retMsg string) error {
	switch retCode {
	case 0:
		return nil
	case 10001, 10002:
		return apperrors.ErrInvalidOrderParameter
	case 10003, 10004:
		return apperrors.ErrAuthenticationFailed
	case 10006:
		return apperrors.ErrRateLimitExceeded
	case 110001:
		return apperrors.ErrOrderNotFound
	case 110007:
		return apperrors.ErrInsufficientFunds
	case 110017:
		return apperrors.ErrZeroPosition
	case 110009:
		return apperrors.ErrStopOrderLimit
	}
	return fmt.Errorf("bybit error: %s (%d)", retMsg, retCode)
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) decode(body []byte, result interface{}) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := parseError(env.RetCode, env.RetMsg); err != nil {
		return err
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// GetPositionInfo returns the current position snapshots for a symbol
func (c *Client) GetPositionInfo(ctx context.Context, symbol string) ([]*core.PositionSnapshot, error) {
	body, err := c.http.Get(ctx, "/v5/position/list", map[string]string{
		"category": "linear",
		"symbol":   symbol,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			Size        string `json:"size"`
			AvgPrice    string `json:"avgPrice"`
			MarkPrice   string `json:"markPrice"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := c.decode(body, &result); err != nil {
		return nil, err
	}

	snapshots := make([]*core.PositionSnapshot, 0, len(result.List))
	for _, raw := range result.List {
		size, err := decimal.NewFromString(raw.Size)
		if err != nil {
			c.logger.Warn("Skipping position with unparseable size", "symbol", raw.Symbol, "size", raw.Size)
			continue
		}
		if size.IsZero() {
			continue
		}

		avgPrice, _ := decimal.NewFromString(raw.AvgPrice)
		markPrice, _ := decimal.NewFromString(raw.MarkPrice)
		uts, _ := strconv.ParseInt(raw.UpdatedTime, 10, 64)

		side := core.SideLong
		if strings.EqualFold(raw.Side, "Sell") {
			side = core.SideShort
		}

		snapshots = append(snapshots, &core.PositionSnapshot{
			Symbol:    raw.Symbol,
			Side:      side,
			Size:      size,
			AvgPrice:  avgPrice,
			MarkPrice: markPrice,
			Timestamp: time.UnixMilli(uts),
		})
	}

	return snapshots, nil
}

// GetOpenOrders returns all open orders for a symbol, active and conditional.
// Bybit V5 splits them behind the orderFilter parameter so both sets are
// fetched and merged.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]*core.LiveOrder, error) {
	var merged []*core.LiveOrder
	for _, filter := range []string{"Order", "StopOrder"} {
		orders, err := c.fetchOpenOrders(ctx, symbol, filter)
		if err != nil {
			return nil, err
		}
		merged = append(merged, orders...)
	}
	return merged, nil
}

func (c *Client) fetchOpenOrders(ctx context.Context, symbol, orderFilter string) ([]*core.LiveOrder, error) {
	body, err := c.http.Get(ctx, "/v5/order/realtime", map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"orderFilter": orderFilter,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID       string `json:"orderId"`
			OrderLinkID   string `json:"orderLinkId"`
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Price         string `json:"price"`
			Qty           string `json:"qty"`
			TriggerPrice  string `json:"triggerPrice"`
			StopOrderType string `json:"stopOrderType"`
			ReduceOnly    bool   `json:"reduceOnly"`
			OrderStatus   string `json:"orderStatus"`
			CreatedTime   string `json:"createdTime"`
		} `json:"list"`
	}
	if err := c.decode(body, &result); err != nil {
		return nil, err
	}

	orders := make([]*core.LiveOrder, 0, len(result.List))
	for _, raw := range result.List {
		qty, err := decimal.NewFromString(raw.Qty)
		if err != nil {
			c.logger.Warn("Skipping order with unparseable qty", "order_id", raw.OrderID, "qty", raw.Qty)
			continue
		}
		price, _ := decimal.NewFromString(raw.Price)
		triggerPrice := decimal.Zero
		if raw.TriggerPrice != "" {
			triggerPrice, _ = decimal.NewFromString(raw.TriggerPrice)
		}
		cts, _ := strconv.ParseInt(raw.CreatedTime, 10, 64)

		orders = append(orders, &core.LiveOrder{
			OrderID:       raw.OrderID,
			Symbol:        raw.Symbol,
			Side:          core.OrderSide(raw.Side),
			Qty:           qty,
			Price:         price,
			TriggerPrice:  triggerPrice,
			OrderLinkID:   raw.OrderLinkID,
			ReduceOnly:    raw.ReduceOnly,
			StopOrderType: raw.StopOrderType,
			Status:        raw.OrderStatus,
			CreatedAt:     time.UnixMilli(cts),
		})
	}

	return orders, nil
}

// PlaceOrder submits an order to Bybit
func (c *Client) PlaceOrder(ctx context.Context, spec *core.OrderSpec) (*core.PlacedOrder, error) {
	req := map[string]interface{}{
		"category":    "linear",
		"symbol":      spec.Symbol,
		"side":        string(spec.Side),
		"orderType":   spec.OrderType,
		"qty":         spec.Qty.String(),
		"positionIdx": spec.PositionIdx,
	}

	if spec.OrderType == "Limit" {
		req["price"] = spec.Price.String()
		req["timeInForce"] = "GTC"
	}
	if spec.ReduceOnly {
		req["reduceOnly"] = true
	}
	if spec.OrderLinkID != "" {
		req["orderLinkId"] = spec.OrderLinkID
	}
	if !spec.TriggerPrice.IsZero() {
		req["triggerPrice"] = spec.TriggerPrice.String()
		req["triggerDirection"] = triggerDirection(spec)
		if spec.StopOrderType != "" {
			req["stopOrderType"] = spec.StopOrderType
		}
	}

	body, err := c.http.Post(ctx, "/v5/order/create", req)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.decode(body, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("Order placed",
		"account", c.name, "symbol", spec.Symbol, "side", spec.Side,
		"qty", spec.Qty, "order_id", result.OrderID, "link_id", result.OrderLinkID)

	return &core.PlacedOrder{
		OrderID:     result.OrderID,
		OrderLinkID: result.OrderLinkID,
	}, nil
}

// triggerDirection resolves the Bybit trigger direction flag:
// 1 triggers when the price rises to triggerPrice, 2 when it falls.
// A take profit closing a long (Sell) waits for a rise; a stop loss
// closing a long waits for a fall. Shorts are the mirror image.
func triggerDirection(spec *core.OrderSpec) int {
	rising := 1
	falling := 2

	isTakeProfit := strings.Contains(spec.StopOrderType, "TakeProfit")
	if spec.Side == core.OrderSideSell {
		if isTakeProfit {
			return rising
		}
		return falling
	}
	if isTakeProfit {
		return falling
	}
	return rising
}

// CancelOrder cancels an order by ID. A missing order is treated as
// success since the desired end state is the same.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body, err := c.http.Post(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	})
	if err != nil {
		return err
	}

	if err := c.decode(body, nil); err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			c.logger.Debug("Cancel target already gone", "symbol", symbol, "order_id", orderID)
			return nil
		}
		return err
	}
	return nil
}
