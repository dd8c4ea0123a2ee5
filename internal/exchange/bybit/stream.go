package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"trade_guard/internal/core"
	"trade_guard/pkg/websocket"
)

// OrderEventHandler receives order updates from the private stream. The
// payload is advisory: the reconciliation loop treats it as a nudge to run
// an immediate pass, never as the source of truth.
type OrderEventHandler func(symbol string)

// OrderStream subscribes to the Bybit private order topic so fills and
// cancellations are noticed between polls.
type OrderStream struct {
	account   string
	apiKey    string
	secretKey string
	handler   OrderEventHandler
	client    *websocket.Client
	logger    core.ILogger
}

// NewOrderStream creates a private order stream for one account
func NewOrderStream(account, wsURL, apiKey, secretKey string, handler OrderEventHandler, logger core.ILogger) *OrderStream {
	s := &OrderStream{
		account:   account,
		apiKey:    apiKey,
		secretKey: secretKey,
		handler:   handler,
		logger:    logger,
	}

	s.client = websocket.NewClient(wsURL, s.onMessage, logger)
	// Bybit expects an application-level ping every 20 seconds
	s.client.SetAppPing(map[string]string{"op": "ping"})
	s.client.SetPingConfig(20*time.Second, 5*time.Second, 60*time.Second)
	s.client.SetOnConnected(s.authenticate)

	return s
}

// Start begins streaming order events
func (s *OrderStream) Start() {
	s.client.Start()
}

// Stop closes the stream
func (s *OrderStream) Stop() {
	s.client.Stop()
}

// Connected reports whether the stream currently holds a live connection
func (s *OrderStream) Connected() bool {
	return s.client.Connected()
}

// Account returns the account this stream serves
func (s *OrderStream) Account() string {
	return s.account
}

// authenticate sends the auth handshake followed by the order subscription.
// signature = HMAC_SHA256("GET/realtime" + expires, secret)
func (s *OrderStream) authenticate() {
	expires := time.Now().Add(10 * time.Second).UnixMilli()

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	signature := hex.EncodeToString(mac.Sum(nil))

	if err := s.client.Send(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{s.apiKey, expires, signature},
	}); err != nil {
		s.logger.Error("Order stream auth failed", "account", s.account, "error", err)
		return
	}

	if err := s.client.Send(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"order"},
	}); err != nil {
		s.logger.Error("Order stream subscribe failed", "account", s.account, "error", err)
	}
}

func (s *OrderStream) onMessage(message []byte) {
	var msg struct {
		Op      string `json:"op"`
		Success *bool  `json:"success,omitempty"`
		RetMsg  string `json:"ret_msg,omitempty"`
		Topic   string `json:"topic"`
		Data    []struct {
			Symbol      string `json:"symbol"`
			OrderStatus string `json:"orderStatus"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Warn("Order stream message unparseable", "account", s.account, "error", err)
		return
	}

	if msg.Op != "" {
		if msg.Success != nil && !*msg.Success {
			s.logger.Error("Order stream op rejected",
				"account", s.account, "op", msg.Op, "ret_msg", msg.RetMsg)
		}
		return
	}

	if msg.Topic != "order" || s.handler == nil {
		return
	}

	seen := make(map[string]struct{}, len(msg.Data))
	for _, ev := range msg.Data {
		if _, ok := seen[ev.Symbol]; ok {
			continue
		}
		seen[ev.Symbol] = struct{}{}
		s.logger.Debug("Order event received",
			"account", s.account, "symbol", ev.Symbol, "status", ev.OrderStatus)
		s.handler(ev.Symbol)
	}
}
