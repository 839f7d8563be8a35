// Package kraken implements the exchange gateways against the Kraken REST
// API: public Ticker for quotes, private AddOrder/Balance for trading.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tradekit/trailstop/internal/exchange"
	"github.com/tradekit/trailstop/pkg/config"
	"github.com/tradekit/trailstop/pkg/httputil"
	"github.com/tradekit/trailstop/pkg/logger"
)

// Client talks to the Kraken REST API
type Client struct {
	httpClient *httputil.Client
	baseURL    string
	apiKey     string
	apiSecret  string
	logger     *logger.Logger

	mu        sync.Mutex
	lastNonce int64
}

var _ exchange.Exchange = (*Client)(nil)

// NewClient creates a new Kraken client
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	httpClient := httputil.NewWithTimeout(log, 15*time.Second).
		WithRateLimit(cfg.Kraken.RateLimit).
		DisableRetry() // order submission must not be replayed blindly

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.Kraken.BaseURL, "/"),
		apiKey:     cfg.Kraken.APIKey,
		apiSecret:  cfg.Kraken.APISecret,
		logger:     log,
	}
}

// LastPrice returns the last-traded price for a pair from the public
// Ticker endpoint
func (c *Client) LastPrice(ctx context.Context, pair string) (float64, error) {
	endpoint := fmt.Sprintf("%s/0/public/Ticker?pair=%s", c.baseURL, url.QueryEscape(pair))

	resp, err := c.httpClient.Get(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var parsed tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("%w: decode ticker response: %v", exchange.ErrUnavailable, err)
	}

	if err := mapAPIError(parsed.Error); err != nil {
		return 0, err
	}

	// The result key may differ from the requested pair (Kraken reports
	// its internal pair name, e.g. XXBTZUSD for XBTUSD).
	for _, info := range parsed.Result {
		if len(info.Close) == 0 {
			break
		}
		price, err := strconv.ParseFloat(info.Close[0], 64)
		if err != nil {
			return 0, fmt.Errorf("parse last price %q: %w", info.Close[0], err)
		}
		return price, nil
	}

	return 0, exchange.ErrPairNotFound
}

// SubmitMarketOrder places a market order via the private AddOrder endpoint
func (c *Client) SubmitMarketOrder(ctx context.Context, pair string, side exchange.Side, quantity float64) (*exchange.OrderResult, error) {
	form := url.Values{}
	form.Set("pair", pair)
	form.Set("type", string(side))
	form.Set("ordertype", "market")
	form.Set("volume", strconv.FormatFloat(quantity, 'f', 8, 64))

	var parsed addOrderResponse
	if err := c.privateCall(ctx, "/0/private/AddOrder", form, &parsed); err != nil {
		return nil, err
	}

	if err := mapAPIError(parsed.Error); err != nil {
		return nil, err
	}

	if len(parsed.Result.TxID) == 0 {
		return nil, fmt.Errorf("%w: AddOrder returned no transaction id", exchange.ErrUnavailable)
	}

	c.logger.WithFields(map[string]interface{}{
		"pair":      pair,
		"side":      side,
		"volume":    quantity,
		"order_ref": parsed.Result.TxID[0],
		"descr":     parsed.Result.Descr.Order,
	}).Info("Market order submitted")

	// Kraken does not report the execution price synchronously for market
	// orders; the engine falls back to the quote it decided on.
	return &exchange.OrderResult{OrderRef: parsed.Result.TxID[0]}, nil
}

// Balance returns the free balance of a single asset via the private
// Balance endpoint
func (c *Client) Balance(ctx context.Context, asset string) (float64, error) {
	var parsed balanceResponse
	if err := c.privateCall(ctx, "/0/private/Balance", url.Values{}, &parsed); err != nil {
		return 0, err
	}

	if err := mapAPIError(parsed.Error); err != nil {
		return 0, err
	}

	// Kraken prefixes asset codes (XXBT, ZUSD); try the raw code first.
	for _, key := range []string{asset, "X" + asset, "Z" + asset} {
		if raw, ok := parsed.Result[key]; ok {
			amount, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return 0, fmt.Errorf("parse balance %q: %w", raw, err)
			}
			return amount, nil
		}
	}

	// Absent asset means zero holdings
	return 0, nil
}

// privateCall executes an authenticated POST against a private endpoint
func (c *Client) privateCall(ctx context.Context, path string, form url.Values, dest interface{}) error {
	nonce := c.nonce()
	form.Set("nonce", strconv.FormatInt(nonce, 10))
	postData := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(postData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	sign, err := c.sign(path, strconv.FormatInt(nonce, 10), postData)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", sign)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", exchange.ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: decode response: %v", exchange.ErrUnavailable, err)
	}

	return nil
}

// sign computes the API-Sign header:
// HMAC-SHA512(path + SHA256(nonce + postdata), base64-decoded secret)
func (c *Client) sign(path, nonce, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("invalid API secret: %w", err)
	}

	sha := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// nonce returns a strictly increasing nonce
func (c *Client) nonce() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := time.Now().UnixNano()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// mapAPIError translates Kraken error strings onto the gateway taxonomy
func mapAPIError(apiErrors []string) error {
	if len(apiErrors) == 0 {
		return nil
	}

	msg := strings.Join(apiErrors, "; ")
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "unknown asset pair"):
		return exchange.ErrPairNotFound
	case strings.Contains(lower, "unavailable"), strings.Contains(lower, "busy"),
		strings.Contains(lower, "rate limit"):
		return fmt.Errorf("%w: %s", exchange.ErrUnavailable, msg)
	default:
		return &exchange.RejectedError{Reason: msg}
	}
}
