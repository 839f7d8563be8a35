package kraken

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradekit/trailstop/internal/exchange"
	"github.com/tradekit/trailstop/pkg/config"
	"github.com/tradekit/trailstop/pkg/logger"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("test-secret"))

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Kraken: config.KrakenConfig{
			APIKey:    "test-key",
			APISecret: testSecret,
			BaseURL:   srv.URL,
			RateLimit: 100,
		},
	}

	return NewClient(cfg, logger.NewNop())
}

func TestLastPrice(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/0/public/Ticker", r.URL.Path)
		assert.Equal(t, "XBTUSD", r.URL.Query().Get("pair"))

		// Kraken reports its internal pair name, not the requested one
		w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"c":["50123.40000","0.00500000"]}}}`))
	}))

	price, err := client.LastPrice(context.Background(), "XBTUSD")
	require.NoError(t, err)
	assert.InDelta(t, 50123.4, price, 1e-9)
}

func TestLastPrice_UnknownPair(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`))
	}))

	_, err := client.LastPrice(context.Background(), "NOPEUSD")
	assert.ErrorIs(t, err, exchange.ErrPairNotFound)
}

func TestLastPrice_EmptyResult(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{}}`))
	}))

	_, err := client.LastPrice(context.Background(), "XBTUSD")
	assert.ErrorIs(t, err, exchange.ErrPairNotFound)
}

func TestSubmitMarketOrder(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/0/private/AddOrder", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("API-Key"))
		assert.NotEmpty(t, r.Header.Get("API-Sign"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "XBTUSD", r.PostForm.Get("pair"))
		assert.Equal(t, "buy", r.PostForm.Get("type"))
		assert.Equal(t, "market", r.PostForm.Get("ordertype"))
		assert.Equal(t, "0.12345678", r.PostForm.Get("volume"))
		assert.NotEmpty(t, r.PostForm.Get("nonce"))

		w.Write([]byte(`{"error":[],"result":{"descr":{"order":"buy 0.12345678 XBTUSD @ market"},"txid":["OQCLML-BW3P3-BUCMWZ"]}}`))
	}))

	result, err := client.SubmitMarketOrder(context.Background(), "XBTUSD", exchange.SideBuy, 0.12345678)
	require.NoError(t, err)
	assert.Equal(t, "OQCLML-BW3P3-BUCMWZ", result.OrderRef)
	assert.Zero(t, result.FillPrice, "market orders report no synchronous fill price")
}

func TestSubmitMarketOrder_Rejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EOrder:Insufficient funds"],"result":{}}`))
	}))

	_, err := client.SubmitMarketOrder(context.Background(), "XBTUSD", exchange.SideSell, 1)
	require.Error(t, err)

	var rejected *exchange.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.InsufficientFunds())
}

func TestSubmitMarketOrder_ServiceUnavailable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EService:Unavailable"],"result":{}}`))
	}))

	_, err := client.SubmitMarketOrder(context.Background(), "XBTUSD", exchange.SideBuy, 1)
	assert.ErrorIs(t, err, exchange.ErrUnavailable)
}

func TestSubmitMarketOrder_ServerError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.SubmitMarketOrder(context.Background(), "XBTUSD", exchange.SideBuy, 1)
	assert.ErrorIs(t, err, exchange.ErrUnavailable)
}

func TestBalance(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/private/Balance", r.URL.Path)
		w.Write([]byte(`{"error":[],"result":{"XXBT":"8.00000000","ZUSD":"1250.50"}}`))
	}))

	// Kraken-prefixed asset codes resolve via the X/Z fallback
	balance, err := client.Balance(context.Background(), "XBT")
	require.NoError(t, err)
	assert.InDelta(t, 8.0, balance, 1e-9)

	balance, err = client.Balance(context.Background(), "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1250.5, balance, 1e-9)

	// Absent asset means zero holdings, not an error
	balance, err = client.Balance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestNonceIsStrictlyIncreasing(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	last := int64(0)
	for i := 0; i < 100; i++ {
		n := client.nonce()
		assert.Greater(t, n, last)
		last = n
	}
}

func TestMapAPIError(t *testing.T) {
	tests := []struct {
		name      string
		apiErrors []string
		check     func(t *testing.T, err error)
	}{
		{
			name:      "no errors",
			apiErrors: nil,
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			name:      "unknown pair",
			apiErrors: []string{"EQuery:Unknown asset pair"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, exchange.ErrPairNotFound)
			},
		},
		{
			name:      "service unavailable",
			apiErrors: []string{"EService:Unavailable"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, exchange.ErrUnavailable)
			},
		},
		{
			name:      "system busy",
			apiErrors: []string{"EService:Busy"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, exchange.ErrUnavailable)
			},
		},
		{
			name:      "rate limited",
			apiErrors: []string{"EAPI:Rate limit exceeded"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, exchange.ErrUnavailable)
			},
		},
		{
			name:      "order rejection",
			apiErrors: []string{"EOrder:Order minimum not met"},
			check: func(t *testing.T, err error) {
				var rejected *exchange.RejectedError
				require.ErrorAs(t, err, &rejected)
				assert.False(t, rejected.InsufficientFunds())
			},
		},
		{
			name:      "insufficient funds rejection",
			apiErrors: []string{"EOrder:Insufficient funds"},
			check: func(t *testing.T, err error) {
				var rejected *exchange.RejectedError
				require.ErrorAs(t, err, &rejected)
				assert.True(t, rejected.InsufficientFunds())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, mapAPIError(tt.apiErrors))
		})
	}
}
