package http

import (
	"context"
	"errors"
	"io"
	gohttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type headerSigner struct {
	lastBody []byte
}

func (s *headerSigner) SignRequest(req *gohttp.Request, body []byte) error {
	s.lastBody = body
	req.Header.Set("X-Test-Sign", "signed")
	return nil
}

func TestGetAppendsQueryAndSigns(t *testing.T) {
	signer := &headerSigner{}
	server := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		assert.Equal(t, "signed", r.Header.Get("X-Test-Sign"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"retCode":0}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, signer)
	body, err := client.Get(context.Background(), "/v5/position/list", map[string]string{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	assert.Contains(t, string(body), "retCode")
	assert.Empty(t, signer.lastBody, "GET must sign the query string, not a body")
}

func TestPostRetriesWithFreshBody(t *testing.T) {
	var attempts int32
	bodies := make(chan string, 4)
	server := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies <- string(raw)
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(gohttp.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Post(context.Background(), "/v5/order/create", map[string]string{"symbol": "ETHUSDT"})
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))

	// Both attempts must carry the full payload; a drained body on the
	// retry would reach the server empty
	first, second := <-bodies, <-bodies
	assert.JSONEq(t, `{"symbol":"ETHUSDT"}`, first)
	assert.Equal(t, first, second)
}

func TestClientErrorSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		w.WriteHeader(gohttp.StatusForbidden)
		w.Write([]byte(`{"retCode":10005}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Get(context.Background(), "/v5/order/realtime", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, gohttp.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, string(apiErr.Body), "10005")
}

func TestThrottlingIsRetried(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(gohttp.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Get(context.Background(), "/v5/market/tickers", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}
