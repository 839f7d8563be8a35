package exchange

import (
	"context"
	"fmt"
	"sync"
)

// MockExchange implements Exchange for testing. Prices can be fixed per pair
// or scripted as a sequence consumed one quote per call; submitted orders
// are recorded for assertions.
type MockExchange struct {
	mu sync.Mutex

	prices     map[string]float64
	priceFeeds map[string][]float64
	priceErr   error
	balances   map[string]float64

	orders    []MockOrder
	orderErr  error
	fillPrice float64
	nextRef   int
}

// MockOrder records one submitted order
type MockOrder struct {
	Pair     string
	Side     Side
	Quantity float64
}

// NewMockExchange creates a new mock exchange
func NewMockExchange() *MockExchange {
	return &MockExchange{
		prices:     make(map[string]float64),
		priceFeeds: make(map[string][]float64),
		balances:   make(map[string]float64),
	}
}

// SetPrice fixes the quoted price for a pair
func (m *MockExchange) SetPrice(pair string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[pair] = price
}

// SetPriceFeed scripts a sequence of quotes for a pair. Each LastPrice call
// consumes one entry; the last entry repeats once the feed is exhausted.
func (m *MockExchange) SetPriceFeed(pair string, prices []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceFeeds[pair] = append([]float64(nil), prices...)
}

// SetPriceError makes every LastPrice call fail with err
func (m *MockExchange) SetPriceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceErr = err
}

// SetBalance sets the free balance for an asset
func (m *MockExchange) SetBalance(asset string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = amount
}

// SetOrderError makes every SubmitMarketOrder call fail with err
func (m *MockExchange) SetOrderError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderErr = err
}

// SetFillPrice sets the fill price reported for subsequent orders
func (m *MockExchange) SetFillPrice(price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillPrice = price
}

// Orders returns a copy of all recorded orders
func (m *MockExchange) Orders() []MockOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockOrder(nil), m.orders...)
}

// OrderCount returns the number of submitted orders matching side
func (m *MockExchange) OrderCount(pair string, side Side) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, o := range m.orders {
		if o.Pair == pair && o.Side == side {
			count++
		}
	}
	return count
}

// LastPrice returns the scripted or fixed price for a pair
func (m *MockExchange) LastPrice(ctx context.Context, pair string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.priceErr != nil {
		return 0, m.priceErr
	}

	if feed, ok := m.priceFeeds[pair]; ok && len(feed) > 0 {
		price := feed[0]
		if len(feed) > 1 {
			m.priceFeeds[pair] = feed[1:]
		}
		return price, nil
	}

	if price, ok := m.prices[pair]; ok {
		return price, nil
	}

	return 0, ErrPairNotFound
}

// SubmitMarketOrder records the order and returns a synthetic reference
func (m *MockExchange) SubmitMarketOrder(ctx context.Context, pair string, side Side, quantity float64) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orderErr != nil {
		return nil, m.orderErr
	}

	m.orders = append(m.orders, MockOrder{Pair: pair, Side: side, Quantity: quantity})
	m.nextRef++

	return &OrderResult{
		OrderRef:  fmt.Sprintf("MOCK-%s-%d", pair, m.nextRef),
		FillPrice: m.fillPrice,
	}, nil
}

// Balance returns the configured balance for an asset
func (m *MockExchange) Balance(ctx context.Context, asset string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[asset], nil
}
