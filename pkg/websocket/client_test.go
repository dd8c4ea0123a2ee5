package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"trade_guard/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsTestServer(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func testLogger(t *testing.T) *logging.ZapLogger {
	t.Helper()
	logger, err := logging.NewZapLogger("DEBUG")
	require.NoError(t, err)
	return logger
}

func TestClientControlPingHeartbeat(t *testing.T) {
	var pings int32
	_, url := wsTestServer(t, func(conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(url, func([]byte) {}, testLogger(t))
	client.SetPingConfig(50*time.Millisecond, 50*time.Millisecond, 500*time.Millisecond)
	client.reconnectWait = 10 * time.Millisecond

	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&pings) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientAppLevelPing(t *testing.T) {
	var appPings int32
	_, url := wsTestServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]string
			if json.Unmarshal(msg, &frame) == nil && frame["op"] == "ping" {
				atomic.AddInt32(&appPings, 1)
			}
		}
	})

	client := NewClient(url, func([]byte) {}, testLogger(t))
	client.SetAppPing(map[string]string{"op": "ping"})
	client.SetPingConfig(50*time.Millisecond, 50*time.Millisecond, 2*time.Second)

	client.Start()
	defer client.Stop()

	// The heartbeat must go out as a JSON frame, not a control ping
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&appPings) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientReconnectsAfterPongTimeout(t *testing.T) {
	var connections int32
	_, url := wsTestServer(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&connections, 1)
		// Swallow pings so the client's read deadline expires
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	client := NewClient(url, func([]byte) {}, testLogger(t))
	client.SetPingConfig(50*time.Millisecond, 25*time.Millisecond, 150*time.Millisecond)
	client.reconnectWait = 10 * time.Millisecond

	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&connections) >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClientOnConnectedAndSend(t *testing.T) {
	echoed := make(chan []byte, 1)
	_, url := wsTestServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case echoed <- msg:
			default:
			}
		}
	})

	client := NewClient(url, func([]byte) {}, testLogger(t))
	client.SetOnConnected(func() {
		_ = client.Send(map[string]string{"op": "subscribe"})
	})
	client.Start()
	defer client.Stop()

	select {
	case msg := <-echoed:
		assert.Contains(t, string(msg), "subscribe")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription frame never arrived")
	}
	assert.True(t, client.Connected())
}

func TestClientStopCleansUpGoroutines(t *testing.T) {
	_, url := wsTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	client := NewClient(url, func([]byte) {}, testLogger(t))
	client.SetPingConfig(10*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond)
	client.Start()
	time.Sleep(100 * time.Millisecond)
	client.Stop()
	time.Sleep(50 * time.Millisecond)

	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+1, "run loop or heartbeat goroutine leaked past Stop")
}
