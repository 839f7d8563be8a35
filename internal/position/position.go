package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a position
type Status string

const (
	// StatusActive - position is open and monitored
	StatusActive Status = "active"
	// StatusCompleted - closed by the trailing-stop monitor
	StatusCompleted Status = "completed"
	// StatusManual - closed by an explicit close request
	StatusManual Status = "manual"
	// StatusErrored - excluded from monitoring after a terminal exchange
	// error; kept for audit
	StatusErrored Status = "errored"
)

// Position represents one open-to-close trading cycle for an instrument
type Position struct {
	ID            string  `json:"id"`
	Instrument    string  `json:"instrument"`
	Quantity      float64 `json:"quantity"`
	StopPercent   float64 `json:"stop_percent"`
	HighWaterMark float64 `json:"high_water_mark"`
	EntryPrice    float64 `json:"entry_price"`
	EntryOrderRef string  `json:"entry_order_ref"`

	// Set exactly once, when status leaves active for completed/manual
	ExitPrice         *float64 `json:"exit_price,omitempty"`
	ExitProfitPercent *float64 `json:"exit_profit_percent,omitempty"`

	Status    Status    `json:"status"`
	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the position is still open
func (p *Position) IsActive() bool {
	return p.Status == StatusActive
}

// StopPrice returns the current trailing-stop trigger price, a fixed
// percentage below the high-water mark.
func (p *Position) StopPrice() float64 {
	return p.HighWaterMark * (1 - p.StopPercent/100)
}

// ProfitPercent computes the relative gain of exit over entry, in percent
func ProfitPercent(entryPrice, exitPrice float64) float64 {
	if entryPrice == 0 {
		return 0
	}
	return (exitPrice - entryPrice) / entryPrice * 100
}

// FloorTo8 floors a volume to 8 decimal digits, the exchange lot-size
// convention. Flooring (not rounding) keeps sell volumes within balance.
func FloorTo8(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).RoundFloor(8).Float64()
	return f
}

// Summary aggregates closed positions (completed + manual)
type Summary struct {
	TotalClosed          int     `json:"total_closed"`
	TotalProfitPercent   float64 `json:"total_profit_percent"`
	AverageProfitPercent float64 `json:"average_profit_percent"`
	Winners              int     `json:"winners"`
	Losers               int     `json:"losers"`
}
