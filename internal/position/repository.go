package position

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the PostgreSQL-backed Store
type Repository struct {
	pool *pgxpool.Pool
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new position repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const positionColumns = `
	id, instrument, quantity, stop_percent, high_water_mark, entry_price,
	entry_order_ref, exit_price, exit_profit_percent, status, opened_at, updated_at
`

// Create persists a new position
func (r *Repository) Create(ctx context.Context, p *Position) error {
	query := `
		INSERT INTO positions (
			id, instrument, quantity, stop_percent, high_water_mark, entry_price,
			entry_order_ref, status, opened_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.Instrument, p.Quantity, p.StopPercent, p.HighWaterMark,
		p.EntryPrice, p.EntryOrderRef, p.Status, p.OpenedAt, p.UpdatedAt,
	)

	if err != nil {
		// The partial unique index on (instrument) WHERE status='active'
		// is the second line of defense behind the engine's lookup.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create position: %w", err)
	}

	return nil
}

// UpsertByEntryOrderRef re-applies a position record keyed by entry_order_ref
func (r *Repository) UpsertByEntryOrderRef(ctx context.Context, p *Position) error {
	query := `
		INSERT INTO positions (
			id, instrument, quantity, stop_percent, high_water_mark, entry_price,
			entry_order_ref, status, opened_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (entry_order_ref) DO UPDATE SET
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		p.ID, p.Instrument, p.Quantity, p.StopPercent, p.HighWaterMark,
		p.EntryPrice, p.EntryOrderRef, p.Status, p.OpenedAt, p.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}

	return nil
}

// GetByID returns a position by id
func (r *Repository) GetByID(ctx context.Context, id string) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	p, err := r.scanOne(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetActive returns the active position for an instrument
func (r *Repository) GetActive(ctx context.Context, instrument string) (*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE instrument = $1 AND status = 'active'
	`

	p, err := r.scanOne(r.pool.QueryRow(ctx, query, instrument))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListActive returns all active positions
func (r *Repository) ListActive(ctx context.Context) ([]Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status = 'active'
		ORDER BY opened_at ASC
	`
	return r.list(ctx, query)
}

// ListClosed returns all non-active positions
func (r *Repository) ListClosed(ctx context.Context) ([]Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status <> 'active'
		ORDER BY updated_at DESC
	`
	return r.list(ctx, query)
}

// ListAll returns every position
func (r *Repository) ListAll(ctx context.Context) ([]Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		ORDER BY opened_at DESC
	`
	return r.list(ctx, query)
}

// RaiseHighWaterMark raises the high-water mark of an active position
func (r *Repository) RaiseHighWaterMark(ctx context.Context, id string, hwm float64) error {
	query := `
		UPDATE positions
		SET high_water_mark = $2, updated_at = $3
		WHERE id = $1 AND status = 'active' AND high_water_mark < $2
	`

	_, err := r.pool.Exec(ctx, query, id, hwm, time.Now())
	if err != nil {
		return fmt.Errorf("failed to raise high-water mark: %w", err)
	}

	return nil
}

// CloseIfActive flips the position to a terminal status with exit fields set
func (r *Repository) CloseIfActive(ctx context.Context, id string, status Status, exitPrice, exitProfitPercent float64) (bool, error) {
	query := `
		UPDATE positions
		SET status = $2, exit_price = $3, exit_profit_percent = $4, updated_at = $5
		WHERE id = $1 AND status = 'active'
	`

	tag, err := r.pool.Exec(ctx, query, id, status, exitPrice, exitProfitPercent, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to close position: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkErroredIfActive flips an active position to errored
func (r *Repository) MarkErroredIfActive(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE positions
		SET status = 'errored', updated_at = $2
		WHERE id = $1 AND status = 'active'
	`

	tag, err := r.pool.Exec(ctx, query, id, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to mark position errored: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// Summary aggregates completed and manual positions
func (r *Repository) Summary(ctx context.Context) (*Summary, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(exit_profit_percent), 0),
			COALESCE(AVG(exit_profit_percent), 0),
			COUNT(*) FILTER (WHERE exit_profit_percent > 0),
			COUNT(*) FILTER (WHERE exit_profit_percent <= 0)
		FROM positions
		WHERE status IN ('completed', 'manual')
	`

	var s Summary
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.TotalClosed, &s.TotalProfitPercent, &s.AverageProfitPercent,
		&s.Winners, &s.Losers,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}

	return &s, nil
}

// Delete removes a position by id
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanOne scans a single position row
func (r *Repository) scanOne(row pgx.Row) (*Position, error) {
	var p Position
	err := row.Scan(
		&p.ID, &p.Instrument, &p.Quantity, &p.StopPercent, &p.HighWaterMark,
		&p.EntryPrice, &p.EntryOrderRef, &p.ExitPrice, &p.ExitProfitPercent,
		&p.Status, &p.OpenedAt, &p.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}

	return &p, nil
}

// list runs a query returning position rows
func (r *Repository) list(ctx context.Context, query string, args ...interface{}) ([]Position, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]Position, 0)

	for rows.Next() {
		var p Position
		err := rows.Scan(
			&p.ID, &p.Instrument, &p.Quantity, &p.StopPercent, &p.HighWaterMark,
			&p.EntryPrice, &p.EntryOrderRef, &p.ExitPrice, &p.ExitProfitPercent,
			&p.Status, &p.OpenedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return positions, nil
}
