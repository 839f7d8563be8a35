package position

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no matching position exists
	ErrNotFound = errors.New("position not found")

	// ErrConflict is returned when creating a position would violate the
	// one-active-per-instrument invariant
	ErrConflict = errors.New("active position already exists for instrument")
)

// Store is the durable position table. Every mutation that moves a position
// out of active, or raises its high-water mark, is a per-row conditional
// update; the status flip away from active is the serialization point
// between the monitor tick and a concurrent manual close.
type Store interface {
	// Create persists a new position. Returns ErrConflict when an active
	// position for the same instrument already exists.
	Create(ctx context.Context, p *Position) error

	// UpsertByEntryOrderRef re-applies a position record idempotently,
	// keyed by the exchange order reference of the opening trade. Used to
	// recover from a persistence failure after a confirmed buy.
	UpsertByEntryOrderRef(ctx context.Context, p *Position) error

	// GetByID returns a position by id, or ErrNotFound
	GetByID(ctx context.Context, id string) (*Position, error)

	// GetActive returns the active position for an instrument, or ErrNotFound
	GetActive(ctx context.Context, instrument string) (*Position, error)

	// ListActive returns all active positions
	ListActive(ctx context.Context) ([]Position, error)

	// ListClosed returns all non-active positions (completed, manual, errored)
	ListClosed(ctx context.Context) ([]Position, error)

	// ListAll returns every position
	ListAll(ctx context.Context) ([]Position, error)

	// RaiseHighWaterMark raises the high-water mark of an active position.
	// A no-op when the position is no longer active or the stored mark is
	// already at or above hwm, so the mark is monotonically non-decreasing.
	RaiseHighWaterMark(ctx context.Context, id string, hwm float64) error

	// CloseIfActive flips the position to the given terminal status with
	// exit fields set, only if it is still active. Returns false when some
	// other caller already moved it out of active.
	CloseIfActive(ctx context.Context, id string, status Status, exitPrice, exitProfitPercent float64) (bool, error)

	// MarkErroredIfActive flips an active position to errored. Returns
	// false when the position was not active.
	MarkErroredIfActive(ctx context.Context, id string) (bool, error)

	// Summary aggregates completed and manual positions. Zero rows yield
	// zero aggregates, not an error.
	Summary(ctx context.Context) (*Summary, error)

	// Delete removes a position by id. Administrative maintenance only;
	// the lifecycle never deletes.
	Delete(ctx context.Context, id string) error
}
