package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradekit/trailstop/internal/exchange"
	"github.com/tradekit/trailstop/internal/position"
	"github.com/tradekit/trailstop/pkg/logger"
)

func newTestEngine(t *testing.T) (*Engine, *position.MemoryStore, *exchange.MockExchange) {
	t.Helper()

	store := position.NewMemoryStore()
	mock := exchange.NewMockExchange()
	rules := NewInstrumentRules([]string{"USD", "USDT", "EUR", "GBP", "XBT"})

	return New(store, mock, mock, rules, logger.NewNop()), store, mock
}

func TestOpenPosition_SizesByNotional(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)

	result, err := eng.OpenPosition(ctx, OpenParams{
		Instrument:  "xbtusd",
		Notional:    100,
		StopPercent: 5,
	})
	require.NoError(t, err)
	require.False(t, result.Skipped)

	assert.Equal(t, "XBTUSD", result.Instrument)
	assert.InDelta(t, 10.0, result.Quantity, 1e-9)
	assert.InDelta(t, 10.0, result.EntryPrice, 1e-9)

	pos, err := store.GetActive(ctx, "XBTUSD")
	require.NoError(t, err)
	assert.Equal(t, position.StatusActive, pos.Status)
	assert.Equal(t, pos.EntryPrice, pos.HighWaterMark, "high-water mark starts at entry price")
	assert.Equal(t, 5.0, pos.StopPercent)
	assert.NotEmpty(t, pos.EntryOrderRef)

	assert.Equal(t, 1, mock.OrderCount("XBTUSD", exchange.SideBuy))
}

func TestOpenPosition_SizesByQuantity(t *testing.T) {
	eng, _, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("ETHUSD", 2000)

	result, err := eng.OpenPosition(ctx, OpenParams{
		Instrument:  "ETHUSD",
		Quantity:    0.25,
		StopPercent: 3,
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.25, result.Quantity, 1e-9)
	assert.InDelta(t, 2000.0, result.EntryPrice, 1e-9)

	orders := mock.Orders()
	require.Len(t, orders, 1)
	assert.InDelta(t, 0.25, orders[0].Quantity, 1e-9)
}

func TestOpenPosition_UsesFillPriceWhenReported(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	mock.SetFillPrice(10.05)

	result, err := eng.OpenPosition(ctx, OpenParams{
		Instrument:  "XBTUSD",
		Notional:    100,
		StopPercent: 5,
	})
	require.NoError(t, err)

	assert.InDelta(t, 10.05, result.EntryPrice, 1e-9)

	pos, err := store.GetActive(ctx, "XBTUSD")
	require.NoError(t, err)
	assert.InDelta(t, 10.05, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 10.05, pos.HighWaterMark, 1e-9)
}

func TestOpenPosition_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params OpenParams
	}{
		{
			name:   "empty instrument",
			params: OpenParams{Instrument: "", Notional: 100, StopPercent: 5},
		},
		{
			name:   "instrument too short",
			params: OpenParams{Instrument: "XBT", Notional: 100, StopPercent: 5},
		},
		{
			name:   "instrument with invalid characters",
			params: OpenParams{Instrument: "XBT/USD", Notional: 100, StopPercent: 5},
		},
		{
			name:   "unsupported quote currency",
			params: OpenParams{Instrument: "XBTJPY", Notional: 100, StopPercent: 5},
		},
		{
			name:   "stop percent zero",
			params: OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 0},
		},
		{
			name:   "stop percent negative",
			params: OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: -5},
		},
		{
			name:   "stop percent one hundred",
			params: OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 100},
		},
		{
			name:   "neither notional nor quantity",
			params: OpenParams{Instrument: "XBTUSD", StopPercent: 5},
		},
		{
			name:   "both notional and quantity",
			params: OpenParams{Instrument: "XBTUSD", Notional: 100, Quantity: 1, StopPercent: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _, mock := newTestEngine(t)
			mock.SetPrice("XBTUSD", 10)

			_, err := eng.OpenPosition(context.Background(), tt.params)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Empty(t, mock.Orders(), "no order may be submitted for a rejected request")
		})
	}
}

func TestOpenPosition_ZeroQuantityAfterFlooring(t *testing.T) {
	eng, _, mock := newTestEngine(t)

	mock.SetPrice("XBTUSD", 100000)

	_, err := eng.OpenPosition(context.Background(), OpenParams{
		Instrument:  "XBTUSD",
		Notional:    0.0000001,
		StopPercent: 5,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, mock.Orders())
}

func TestOpenPosition_DuplicateIsSkipped(t *testing.T) {
	eng, _, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)

	first, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)
	require.False(t, first.Skipped)

	second, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err, "duplicate open is a no-op, not an error")
	assert.True(t, second.Skipped)
	assert.Contains(t, second.SkipReason, first.PositionID)

	assert.Equal(t, 1, mock.OrderCount("XBTUSD", exchange.SideBuy), "duplicate must not reach the exchange")
}

func TestOpenPosition_ConcurrentOpensYieldOneActive(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)

	const attempts = 16

	var wg sync.WaitGroup
	results := make([]*OpenResult, attempts)
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = eng.OpenPosition(ctx, OpenParams{
				Instrument:  "XBTUSD",
				Notional:    100,
				StopPercent: 5,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
	}

	opened := 0
	for _, r := range results {
		if !r.Skipped {
			opened++
		}
	}
	assert.Equal(t, 1, opened, "exactly one open may win")

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1, "at most one active position per instrument")
}

func TestOpenPosition_PriceFetchFailure(t *testing.T) {
	eng, _, mock := newTestEngine(t)

	mock.SetPriceError(exchange.ErrUnavailable)

	_, err := eng.OpenPosition(context.Background(), OpenParams{
		Instrument:  "XBTUSD",
		Notional:    100,
		StopPercent: 5,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, exchange.ErrUnavailable)
	assert.Empty(t, mock.Orders())
}

func TestClosePosition_SellsPercentOfHoldings(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	opened, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	mock.SetBalance("XBT", 8)
	mock.SetPrice("XBTUSD", 11)

	result, err := eng.ClosePosition(ctx, "xbtusd", 50)
	require.NoError(t, err)

	assert.Equal(t, opened.PositionID, result.PositionID)
	assert.InDelta(t, 4.0, result.QuantitySold, 1e-9, "half of the 8.0 balance")
	assert.InDelta(t, 11.0, result.ExitPrice, 1e-9)
	assert.InDelta(t, 10.0, result.ProfitPercent, 1e-9)

	orders := mock.Orders()
	require.Len(t, orders, 2)
	assert.Equal(t, exchange.SideSell, orders[1].Side)
	assert.InDelta(t, 4.0, orders[1].Quantity, 1e-9)

	pos, err := store.GetByID(ctx, opened.PositionID)
	require.NoError(t, err)
	assert.Equal(t, position.StatusManual, pos.Status)
	require.NotNil(t, pos.ExitPrice)
	assert.InDelta(t, 11.0, *pos.ExitPrice, 1e-9)
	require.NotNil(t, pos.ExitProfitPercent)
	assert.InDelta(t, 10.0, *pos.ExitProfitPercent, 1e-9)
}

func TestClosePosition_FullClose(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("ADAUSDT", 0.5)
	opened, err := eng.OpenPosition(ctx, OpenParams{Instrument: "ADAUSDT", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	mock.SetBalance("ADA", 200)

	result, err := eng.ClosePosition(ctx, "ADAUSDT", 100)
	require.NoError(t, err)
	assert.InDelta(t, 200.0, result.QuantitySold, 1e-9)

	pos, err := store.GetByID(ctx, opened.PositionID)
	require.NoError(t, err)
	assert.Equal(t, position.StatusManual, pos.Status)
}

func TestClosePosition_NoActivePosition(t *testing.T) {
	eng, _, mock := newTestEngine(t)

	mock.SetPrice("XBTUSD", 10)

	_, err := eng.ClosePosition(context.Background(), "XBTUSD", 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoActivePosition)
	assert.Empty(t, mock.Orders())
}

func TestClosePosition_PercentValidation(t *testing.T) {
	eng, _, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	_, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	for _, percent := range []float64{0, -10, 100.5} {
		_, err := eng.ClosePosition(ctx, "XBTUSD", percent)
		require.Error(t, err, "percent %.2f must be rejected", percent)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}

	assert.Equal(t, 0, mock.OrderCount("XBTUSD", exchange.SideSell))
}

func TestClosePosition_ZeroBalance(t *testing.T) {
	eng, _, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	_, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	// Balance never set: nothing left to sell
	_, err = eng.ClosePosition(ctx, "XBTUSD", 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, 0, mock.OrderCount("XBTUSD", exchange.SideSell))
}

func TestTick_TrailingStopLifecycle(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	opened, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	// Price rallies to 12, then pulls back through the trailing stop
	// (5% below the 12 peak = 11.4).
	mock.SetPriceFeed("XBTUSD", []float64{12, 11.3})

	report, err := eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{Checked: 1}, report)

	pos, err := store.GetActive(ctx, "XBTUSD")
	require.NoError(t, err)
	assert.InDelta(t, 12.0, pos.HighWaterMark, 1e-9, "peak must be recorded")
	assert.InDelta(t, 11.4, pos.StopPrice(), 1e-9)

	report, err = eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{Checked: 1, Exits: 1}, report)

	closed, err := store.GetByID(ctx, opened.PositionID)
	require.NoError(t, err)
	assert.Equal(t, position.StatusCompleted, closed.Status)
	require.NotNil(t, closed.ExitPrice)
	assert.InDelta(t, 11.3, *closed.ExitPrice, 1e-9)
	require.NotNil(t, closed.ExitProfitPercent)
	assert.InDelta(t, 13.0, *closed.ExitProfitPercent, 1e-9)

	assert.Equal(t, 1, mock.OrderCount("XBTUSD", exchange.SideSell))

	orders := mock.Orders()
	require.Len(t, orders, 2)
	assert.InDelta(t, closed.Quantity, orders[1].Quantity, 1e-9, "exit sells the full position quantity")

	// The completed position is no longer monitored
	report, err = eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{}, report)
	assert.Equal(t, 1, mock.OrderCount("XBTUSD", exchange.SideSell), "exactly one exit order per position")
}

func TestTick_ExitAtExactThreshold(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	_, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	// Stop price is exactly 9.5; a quote at the threshold triggers the exit
	mock.SetPrice("XBTUSD", 9.5)

	report, err := eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Exits)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestTick_HighWaterMarkIsMonotonic(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	opened, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 20})
	require.NoError(t, err)

	for _, price := range []float64{12, 11, 11.5, 10.5} {
		mock.SetPrice("XBTUSD", price)
		report, err := eng.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Exits)

		pos, err := store.GetByID(ctx, opened.PositionID)
		require.NoError(t, err)
		assert.InDelta(t, 12.0, pos.HighWaterMark, 1e-9, "peak never moves down (price %.2f)", price)
	}
}

func TestTick_PriceFailureKeepsPositionActive(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	_, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	mock.SetPriceError(exchange.ErrUnavailable)

	report, err := eng.Tick(ctx)
	require.NoError(t, err, "a per-position failure must not fail the tick")
	assert.Equal(t, &TickReport{Checked: 1, Failures: 1}, report)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestTick_TransientSellFailureRetriesNextTick(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	_, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	mock.SetPrice("XBTUSD", 9)
	mock.SetOrderError(exchange.ErrUnavailable)

	report, err := eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{Checked: 1, Failures: 1}, report)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1, "position stays active while the exit is retryable")

	mock.SetOrderError(nil)

	report, err = eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{Checked: 1, Exits: 1}, report)
}

func TestTick_InsufficientFundsMarksErrored(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	opened, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	mock.SetPrice("XBTUSD", 9)
	mock.SetOrderError(&exchange.RejectedError{Reason: "EOrder:Insufficient funds"})

	report, err := eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{Checked: 1, Errored: 1}, report)

	pos, err := store.GetByID(ctx, opened.PositionID)
	require.NoError(t, err)
	assert.Equal(t, position.StatusErrored, pos.Status)
	assert.Nil(t, pos.ExitPrice, "an errored position has no exit price")

	// Errored positions are out of the monitoring set for good
	report, err = eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{}, report)
}

func TestTick_OtherRejectionIsRetried(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	_, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	mock.SetPrice("XBTUSD", 9)
	mock.SetOrderError(&exchange.RejectedError{Reason: "EOrder:Order minimum not met"})

	report, err := eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{Checked: 1, Failures: 1}, report)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestTick_IndependentPositions(t *testing.T) {
	eng, store, mock := newTestEngine(t)
	ctx := context.Background()

	mock.SetPrice("XBTUSD", 10)
	mock.SetPrice("ETHUSD", 100)

	_, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)
	_, err = eng.OpenPosition(ctx, OpenParams{Instrument: "ETHUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	// XBTUSD breaches its stop, ETHUSD holds
	mock.SetPrice("XBTUSD", 9)
	mock.SetPrice("ETHUSD", 101)

	report, err := eng.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, &TickReport{Checked: 2, Exits: 1}, report)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ETHUSD", active[0].Instrument)
}

func TestTick_CancelledContext(t *testing.T) {
	eng, _, mock := newTestEngine(t)

	mock.SetPrice("XBTUSD", 10)
	_, err := eng.OpenPosition(context.Background(), OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = eng.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, mock.OrderCount("XBTUSD", exchange.SideSell))
}

func TestSummary_AggregatesClosedPositions(t *testing.T) {
	eng, _, mock := newTestEngine(t)
	ctx := context.Background()

	// Winner: opened at 10, trailing stop exits at 11.3
	mock.SetPrice("XBTUSD", 10)
	_, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)
	mock.SetPriceFeed("XBTUSD", []float64{12, 11.3})
	_, err = eng.Tick(ctx)
	require.NoError(t, err)
	_, err = eng.Tick(ctx)
	require.NoError(t, err)

	// Loser: opened at 100, manually closed at 95
	mock.SetPrice("ETHUSD", 100)
	_, err = eng.OpenPosition(ctx, OpenParams{Instrument: "ETHUSD", Notional: 100, StopPercent: 10})
	require.NoError(t, err)
	mock.SetBalance("ETH", 1)
	mock.SetPrice("ETHUSD", 95)
	_, err = eng.ClosePosition(ctx, "ETHUSD", 100)
	require.NoError(t, err)

	summary, err := eng.Summary(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.TotalClosed)
	assert.Equal(t, 1, summary.Winners)
	assert.Equal(t, 1, summary.Losers)
	assert.InDelta(t, 13.0-5.0, summary.TotalProfitPercent, 1e-9)
	assert.InDelta(t, 4.0, summary.AverageProfitPercent, 1e-9)
}

func TestOpenPosition_StoreDivergenceAfterBuy(t *testing.T) {
	store := position.NewMemoryStore()
	failing := &failingStore{Store: store, createErr: errors.New("connection reset")}
	mock := exchange.NewMockExchange()
	rules := NewInstrumentRules([]string{"USD"})
	eng := New(failing, mock, mock, rules, logger.NewNop())

	ctx := context.Background()
	mock.SetPrice("XBTUSD", 10)

	// The upsert retry rescues the record after a failed insert
	result, err := eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.NoError(t, err)

	pos, err := store.GetActive(ctx, "XBTUSD")
	require.NoError(t, err)
	assert.Equal(t, result.PositionID, pos.ID)

	// When the retry fails too, the divergence surfaces
	failing.upsertErr = errors.New("connection reset")
	require.NoError(t, store.Delete(ctx, pos.ID))

	_, err = eng.OpenPosition(ctx, OpenParams{Instrument: "XBTUSD", Notional: 100, StopPercent: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreDivergence)
}

// failingStore wraps a Store and fails selected writes
type failingStore struct {
	position.Store
	createErr error
	upsertErr error
}

func (f *failingStore) Create(ctx context.Context, p *position.Position) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.Create(ctx, p)
}

func (f *failingStore) UpsertByEntryOrderRef(ctx context.Context, p *position.Position) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Store.UpsertByEntryOrderRef(ctx, p)
}
