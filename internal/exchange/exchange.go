package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Side is the direction of a market order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

var (
	// ErrPairNotFound - the exchange does not know the trading pair
	ErrPairNotFound = errors.New("trading pair not found")

	// ErrUnavailable - the exchange could not be reached or returned a
	// transient failure; safe to retry later
	ErrUnavailable = errors.New("exchange unavailable")
)

// RejectedError is a definitive order rejection from the exchange. Unlike
// ErrUnavailable it is not retryable as-is.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

// InsufficientFunds reports whether the rejection was caused by an
// insufficient balance. For an exit order this is terminal: the holding was
// closed out-of-band and retrying the sell can never succeed.
func (e *RejectedError) InsufficientFunds() bool {
	return strings.Contains(strings.ToLower(e.Reason), "insufficient funds")
}

// MarketData fetches last-traded prices from the exchange's public quote
// endpoint. Pure read, no state.
type MarketData interface {
	// LastPrice returns the last-traded price for a pair. Returns
	// ErrPairNotFound for unknown symbols and ErrUnavailable on transport
	// failures.
	LastPrice(ctx context.Context, pair string) (float64, error)
}

// OrderResult is the outcome of a submitted market order. FillPrice is zero
// when the exchange does not report an execution price synchronously; the
// caller falls back to the quote it decided on.
type OrderResult struct {
	OrderRef  string
	FillPrice float64
}

// OrderGateway submits market orders and reads account balances. Order
// submission is side-effecting and not idempotent; callers must prevent
// duplicate submission.
type OrderGateway interface {
	// SubmitMarketOrder places a market order for quantity base units of
	// the pair. Returns *RejectedError for definitive rejections and
	// ErrUnavailable on transport failures.
	SubmitMarketOrder(ctx context.Context, pair string, side Side, quantity float64) (*OrderResult, error)

	// Balance returns the free balance of a single asset
	Balance(ctx context.Context, asset string) (float64, error)
}

// Exchange combines the quote and order surfaces of one venue
type Exchange interface {
	MarketData
	OrderGateway
}
