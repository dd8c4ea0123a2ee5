package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"trade_guard/internal/config"
	"trade_guard/internal/core"
	apperrors "trade_guard/pkg/errors"
	"trade_guard/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	return NewClient("main", config.AccountConfig{
		APIKey:    "test_key",
		SecretKey: "test_secret",
		BaseURL:   server.URL,
	}, logger)
}

func TestSignRequestHeaders(t *testing.T) {
	var gotHeaders http.Header
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	})

	_, err := client.GetPositionInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, "test_key", gotHeaders.Get("X-BAPI-API-KEY"))
	assert.NotEmpty(t, gotHeaders.Get("X-BAPI-SIGN"))
	assert.NotEmpty(t, gotHeaders.Get("X-BAPI-TIMESTAMP"))
	assert.Equal(t, "5000", gotHeaders.Get("X-BAPI-RECV-WINDOW"))
}

func TestGetPositionInfoSkipsZeroSize(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/position/list", r.URL.Path)
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"60000","markPrice":"60100","updatedTime":"1700000000000"},
			{"symbol":"BTCUSDT","side":"Sell","size":"0","avgPrice":"0","markPrice":"60100","updatedTime":"1700000000000"}
		]}}`))
	})

	snapshots, err := client.GetPositionInfo(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	assert.Equal(t, core.SideLong, snapshots[0].Side)
	assert.True(t, snapshots[0].Size.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, snapshots[0].AvgPrice.Equal(decimal.NewFromInt(60000)))
}

func TestGetOpenOrdersMergesFilters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("orderFilter") {
		case "Order":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				{"orderId":"o1","orderLinkId":"CONS_LIMIT2_abc","symbol":"BTCUSDT","side":"Buy","price":"59000","qty":"0.1","triggerPrice":"","reduceOnly":false,"orderStatus":"New","createdTime":"1700000000000"}
			]}}`))
		case "StopOrder":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				{"orderId":"o2","orderLinkId":"CONS_TP1_abc","symbol":"BTCUSDT","side":"Sell","price":"0","qty":"0.25","triggerPrice":"61000","stopOrderType":"PartialTakeProfit","reduceOnly":true,"orderStatus":"Untriggered","createdTime":"1700000001000"}
			]}}`))
		default:
			t.Errorf("unexpected orderFilter %q", r.URL.Query().Get("orderFilter"))
		}
	})

	orders, err := client.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.False(t, orders[0].IsStopOrder())
	assert.True(t, orders[1].IsStopOrder())
	assert.Equal(t, "PartialTakeProfit", orders[1].StopOrderType)
	assert.True(t, orders[1].ReduceOnly)
}

func TestPlaceOrderConditional(t *testing.T) {
	var gotBody map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/order/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"new-1","orderLinkId":"CONS_TP1_xyz"}}`))
	})

	placed, err := client.PlaceOrder(context.Background(), &core.OrderSpec{
		Symbol:        "BTCUSDT",
		Side:          core.OrderSideSell,
		OrderType:     "Market",
		Qty:           decimal.NewFromFloat(0.25),
		TriggerPrice:  decimal.NewFromInt(61000),
		StopOrderType: "PartialTakeProfit",
		ReduceOnly:    true,
		OrderLinkID:   "CONS_TP1_xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, "new-1", placed.OrderID)

	assert.Equal(t, "linear", gotBody["category"])
	assert.Equal(t, "61000", gotBody["triggerPrice"])
	// TP closing a long triggers on a rise
	assert.Equal(t, float64(1), gotBody["triggerDirection"])
	assert.Equal(t, true, gotBody["reduceOnly"])
	_, hasPrice := gotBody["price"]
	assert.False(t, hasPrice)
}

func TestTriggerDirection(t *testing.T) {
	tests := []struct {
		name          string
		side          core.OrderSide
		stopOrderType string
		expected      int
	}{
		{"long TP waits for rise", core.OrderSideSell, "PartialTakeProfit", 1},
		{"long SL waits for fall", core.OrderSideSell, "StopLoss", 2},
		{"short TP waits for fall", core.OrderSideBuy, "TakeProfit", 2},
		{"short SL waits for rise", core.OrderSideBuy, "StopLoss", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := triggerDirection(&core.OrderSpec{Side: tt.side, StopOrderType: tt.stopOrderType})
			assert.Equal(t, tt.expected, dir)
		})
	}
}

func TestCancelOrderNotFoundIsSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":110001,"retMsg":"order not exists or too late to cancel"}`))
	})

	err := client.CancelOrder(context.Background(), "BTCUSDT", "gone-1")
	assert.NoError(t, err)
}

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		retCode  int
		expected error
	}{
		{10003, apperrors.ErrAuthenticationFailed},
		{10006, apperrors.ErrRateLimitExceeded},
		{110001, apperrors.ErrOrderNotFound},
		{110017, apperrors.ErrZeroPosition},
	}

	for _, tt := range tests {
		err := parseError(tt.retCode, "msg")
		assert.ErrorIs(t, err, tt.expected)
	}
}
