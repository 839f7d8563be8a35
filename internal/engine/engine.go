// Package engine owns the position lifecycle: opening, trailing-stop
// monitoring, and closing. Transitions out of active are conditional store
// updates, which makes overlapping ticks and concurrent manual closes safe
// and guarantees at most one exit order per position.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradekit/trailstop/internal/exchange"
	"github.com/tradekit/trailstop/internal/position"
	"github.com/tradekit/trailstop/pkg/logger"
)

var (
	// ErrInvalidInput - request rejected before any external call
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoActivePosition - close requested for an instrument with no
	// active position
	ErrNoActivePosition = errors.New("no active position for instrument")

	// ErrStoreDivergence - the exchange confirmed an order but the store
	// could not record it. The durable record and the exchange account
	// disagree until reconciled.
	ErrStoreDivergence = errors.New("store/exchange divergence")
)

// Engine is the position lifecycle engine
type Engine struct {
	store  position.Store
	market exchange.MarketData
	orders exchange.OrderGateway
	rules  InstrumentRules
	logger *logger.Logger
}

// New creates a new engine
func New(store position.Store, market exchange.MarketData, orders exchange.OrderGateway, rules InstrumentRules, log *logger.Logger) *Engine {
	return &Engine{
		store:  store,
		market: market,
		orders: orders,
		rules:  rules,
		logger: log,
	}
}

// OpenParams sizes a new position either by quote-currency notional or by
// base-asset quantity; exactly one must be positive.
type OpenParams struct {
	Instrument  string
	Notional    float64
	Quantity    float64
	StopPercent float64
}

// OpenResult is the outcome of OpenPosition. Skipped is set when an active
// position already exists; duplicate open requests are a no-op, not an error.
type OpenResult struct {
	Skipped    bool    `json:"skipped"`
	SkipReason string  `json:"skip_reason,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
	Instrument string  `json:"instrument"`
	Quantity   float64 `json:"quantity,omitempty"`
	EntryPrice float64 `json:"entry_price,omitempty"`
}

// OpenPosition opens a trailing-stop position: validates the request,
// checks for a conflicting active position, sizes the order, submits a
// market buy and persists the new position.
func (e *Engine) OpenPosition(ctx context.Context, params OpenParams) (*OpenResult, error) {
	pair, err := e.rules.Normalize(params.Instrument)
	if err != nil {
		return nil, err
	}

	if params.StopPercent <= 0 || params.StopPercent >= 100 {
		return nil, fmt.Errorf("%w: stop percent must be in (0, 100), got %.4f", ErrInvalidInput, params.StopPercent)
	}

	if (params.Notional > 0) == (params.Quantity > 0) {
		return nil, fmt.Errorf("%w: exactly one of notional or quantity must be positive", ErrInvalidInput)
	}

	// Idempotency guard against duplicate alerts: an existing active
	// position makes the open a no-op, before any exchange call.
	if existing, err := e.store.GetActive(ctx, pair); err == nil {
		return &OpenResult{
			Skipped:    true,
			SkipReason: fmt.Sprintf("active position %s already exists", existing.ID),
			Instrument: pair,
		}, nil
	} else if !errors.Is(err, position.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for active position: %w", err)
	}

	price, err := e.market.LastPrice(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price for %s: %w", pair, err)
	}

	quantity := params.Quantity
	if quantity == 0 {
		quantity = params.Notional / price
	}
	quantity = position.FloorTo8(quantity)
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: order size is zero after lot-size flooring", ErrInvalidInput)
	}

	result, err := e.orders.SubmitMarketOrder(ctx, pair, exchange.SideBuy, quantity)
	if err != nil {
		return nil, fmt.Errorf("buy order for %s failed: %w", pair, err)
	}

	entryPrice := price
	if result.FillPrice > 0 {
		entryPrice = result.FillPrice
	}

	now := time.Now()
	pos := &position.Position{
		ID:            uuid.NewString(),
		Instrument:    pair,
		Quantity:      quantity,
		StopPercent:   params.StopPercent,
		HighWaterMark: entryPrice,
		EntryPrice:    entryPrice,
		EntryOrderRef: result.OrderRef,
		Status:        position.StatusActive,
		OpenedAt:      now,
		UpdatedAt:     now,
	}

	if err := e.store.Create(ctx, pos); err != nil {
		if errors.Is(err, position.ErrConflict) {
			// A concurrent open won the race after our lookup. The buy
			// was already submitted; the store keeps exactly one active
			// row, but this order needs manual reconciliation.
			e.logger.WithFields(map[string]interface{}{
				"instrument":      pair,
				"entry_order_ref": result.OrderRef,
				"quantity":        quantity,
			}).Error("Concurrent open detected after buy; order not recorded")

			return &OpenResult{
				Skipped:    true,
				SkipReason: "active position already exists",
				Instrument: pair,
			}, nil
		}

		// The exchange-side position exists without a durable record.
		// Retry once through the idempotent upsert keyed by the entry
		// order reference before surfacing the divergence.
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"instrument":      pair,
			"entry_order_ref": result.OrderRef,
		}).Error("Failed to persist position after confirmed buy; retrying upsert")

		if upsertErr := e.store.UpsertByEntryOrderRef(ctx, pos); upsertErr != nil {
			return nil, fmt.Errorf("%w: buy %s confirmed (order %s) but position not persisted: %v",
				ErrStoreDivergence, pair, result.OrderRef, upsertErr)
		}
	}

	e.logger.WithFields(map[string]interface{}{
		"position_id": pos.ID,
		"instrument":  pair,
		"quantity":    quantity,
		"entry_price": entryPrice,
		"stop_pct":    params.StopPercent,
	}).Info("Position opened")

	return &OpenResult{
		PositionID: pos.ID,
		Instrument: pair,
		Quantity:   quantity,
		EntryPrice: entryPrice,
	}, nil
}

// CloseResult is the outcome of ClosePosition
type CloseResult struct {
	PositionID    string  `json:"position_id"`
	Instrument    string  `json:"instrument"`
	QuantitySold  float64 `json:"quantity_sold"`
	ExitPrice     float64 `json:"exit_price"`
	ProfitPercent float64 `json:"profit_percent"`
}

// ClosePosition sells a percentage of the exchange-held base asset and
// transitions the instrument's active position to manual.
func (e *Engine) ClosePosition(ctx context.Context, instrument string, percentOfHoldings float64) (*CloseResult, error) {
	pair, err := e.rules.Normalize(instrument)
	if err != nil {
		return nil, err
	}

	if percentOfHoldings <= 0 || percentOfHoldings > 100 {
		return nil, fmt.Errorf("%w: percent of holdings must be in (0, 100], got %.4f", ErrInvalidInput, percentOfHoldings)
	}

	pos, err := e.store.GetActive(ctx, pair)
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoActivePosition, pair)
		}
		return nil, fmt.Errorf("failed to look up active position: %w", err)
	}

	balance, err := e.orders.Balance(ctx, e.rules.BaseAsset(pair))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s balance: %w", e.rules.BaseAsset(pair), err)
	}

	volume := position.FloorTo8(balance * percentOfHoldings / 100)
	if volume <= 0 {
		return nil, fmt.Errorf("%w: sell volume is zero after lot-size flooring (balance %.8f)", ErrInvalidInput, balance)
	}

	// Quote before submitting so the exit has a reference price even when
	// the exchange reports no synchronous fill price.
	refPrice, priceErr := e.market.LastPrice(ctx, pair)

	result, err := e.orders.SubmitMarketOrder(ctx, pair, exchange.SideSell, volume)
	if err != nil {
		return nil, fmt.Errorf("sell order for %s failed: %w", pair, err)
	}

	exitPrice := result.FillPrice
	if exitPrice == 0 {
		if priceErr != nil {
			e.logger.WithError(priceErr).WithField("instrument", pair).Warn("No exit quote available, using entry price")
			exitPrice = pos.EntryPrice
		} else {
			exitPrice = refPrice
		}
	}

	profit := position.ProfitPercent(pos.EntryPrice, exitPrice)

	won, err := e.store.CloseIfActive(ctx, pos.ID, position.StatusManual, exitPrice, profit)
	if err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"position_id":     pos.ID,
			"entry_order_ref": pos.EntryOrderRef,
		}).Error("Sell confirmed but position record not updated")
		return nil, fmt.Errorf("%w: sell %s confirmed but position %s not updated: %v",
			ErrStoreDivergence, pair, pos.ID, err)
	}
	if !won {
		// The monitor closed it between our lookup and the update. The
		// manual sell still executed against the account.
		e.logger.WithFields(map[string]interface{}{
			"position_id": pos.ID,
			"instrument":  pair,
		}).Error("Position closed concurrently while manual close was in flight")
	}

	e.logger.WithFields(map[string]interface{}{
		"position_id": pos.ID,
		"instrument":  pair,
		"volume":      volume,
		"exit_price":  exitPrice,
		"profit_pct":  profit,
	}).Info("Position closed manually")

	return &CloseResult{
		PositionID:    pos.ID,
		Instrument:    pair,
		QuantitySold:  volume,
		ExitPrice:     exitPrice,
		ProfitPercent: profit,
	}, nil
}

// TickReport summarizes one monitoring pass
type TickReport struct {
	Checked  int `json:"checked"`
	Exits    int `json:"exits"`
	Errored  int `json:"errored"`
	Failures int `json:"failures"`
}

// Tick runs one monitoring pass over all active positions. Per-position
// failures are isolated: a price-feed or exchange error on one position
// never aborts processing of the others, and never fails the tick.
func (e *Engine) Tick(ctx context.Context) (*TickReport, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active positions: %w", err)
	}

	report := &TickReport{}

	for i := range active {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Checked++
		outcome := e.checkPosition(ctx, &active[i])
		switch outcome {
		case tickExit:
			report.Exits++
		case tickErrored:
			report.Errored++
		case tickFailed:
			report.Failures++
		}
	}

	return report, nil
}

type tickOutcome int

const (
	tickHold tickOutcome = iota
	tickExit
	tickErrored
	tickFailed
)

// checkPosition re-prices one position, maintains its high-water mark and
// liquidates it when the trailing stop is breached.
func (e *Engine) checkPosition(ctx context.Context, pos *position.Position) tickOutcome {
	log := e.logger.WithFields(map[string]interface{}{
		"position_id": pos.ID,
		"instrument":  pos.Instrument,
	})

	price, err := e.market.LastPrice(ctx, pos.Instrument)
	if err != nil {
		// Transient: leave the position active, retry next tick
		log.WithError(err).Warn("Price check failed")
		return tickFailed
	}

	hwm := pos.HighWaterMark
	if price > hwm {
		hwm = price
		if err := e.store.RaiseHighWaterMark(ctx, pos.ID, hwm); err != nil {
			log.WithError(err).Warn("Failed to persist high-water mark")
		}
	}

	stopPrice := hwm * (1 - pos.StopPercent/100)
	if price > stopPrice {
		log.WithFields(map[string]interface{}{
			"price":      price,
			"hwm":        hwm,
			"stop_price": stopPrice,
		}).Debug("Position holding")
		return tickHold
	}

	// Re-confirm the position is still active immediately before the sell;
	// a concurrent manual close (or another tick) may have won already.
	current, err := e.store.GetByID(ctx, pos.ID)
	if err != nil {
		log.WithError(err).Warn("Failed to re-read position before exit")
		return tickFailed
	}
	if !current.IsActive() {
		log.WithField("status", current.Status).Info("Position already closed, skipping exit")
		return tickHold
	}

	result, err := e.orders.SubmitMarketOrder(ctx, pos.Instrument, exchange.SideSell, pos.Quantity)
	if err != nil {
		var rejected *exchange.RejectedError
		if errors.As(err, &rejected) && rejected.InsufficientFunds() {
			// The holding is gone; retrying the sell can never succeed.
			// Park the position as errored and stop monitoring it.
			won, markErr := e.store.MarkErroredIfActive(ctx, pos.ID)
			if markErr != nil {
				log.WithError(markErr).Error("Failed to mark position errored")
				return tickFailed
			}
			if won {
				log.WithField("reason", rejected.Reason).Error("Exit impossible, position marked errored")
			}
			return tickErrored
		}

		log.WithError(err).Warn("Exit order failed, will retry next tick")
		return tickFailed
	}

	exitPrice := price
	if result.FillPrice > 0 {
		exitPrice = result.FillPrice
	}
	profit := position.ProfitPercent(pos.EntryPrice, exitPrice)

	won, err := e.store.CloseIfActive(ctx, pos.ID, position.StatusCompleted, exitPrice, profit)
	if err != nil {
		log.WithError(err).WithField("entry_order_ref", pos.EntryOrderRef).
			Error("Sell confirmed but position record not updated")
		return tickFailed
	}
	if !won {
		log.Error("Position closed concurrently after exit order was submitted")
		return tickFailed
	}

	log.WithFields(map[string]interface{}{
		"order_ref":  result.OrderRef,
		"exit_price": exitPrice,
		"hwm":        hwm,
		"stop_price": stopPrice,
		"profit_pct": profit,
	}).Info("Trailing stop triggered, position completed")

	return tickExit
}

// ActivePositions returns all active positions
func (e *Engine) ActivePositions(ctx context.Context) ([]position.Position, error) {
	return e.store.ListActive(ctx)
}

// History returns all non-active positions
func (e *Engine) History(ctx context.Context) ([]position.Position, error) {
	return e.store.ListClosed(ctx)
}

// AllPositions returns every position
func (e *Engine) AllPositions(ctx context.Context) ([]position.Position, error) {
	return e.store.ListAll(ctx)
}

// Summary aggregates closed positions
func (e *Engine) Summary(ctx context.Context) (*position.Summary, error) {
	return e.store.Summary(ctx)
}

// DeletePosition removes a position by id. Administrative maintenance
// affordance; the lifecycle itself never deletes.
func (e *Engine) DeletePosition(ctx context.Context, id string) error {
	return e.store.Delete(ctx, id)
}
