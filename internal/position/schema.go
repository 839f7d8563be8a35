package position

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the durable position table. The partial unique index enforces
// at most one active position per instrument at the database level.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                  TEXT PRIMARY KEY,
	instrument          TEXT NOT NULL,
	quantity            DOUBLE PRECISION NOT NULL,
	stop_percent        DOUBLE PRECISION NOT NULL,
	high_water_mark     DOUBLE PRECISION NOT NULL,
	entry_price         DOUBLE PRECISION NOT NULL,
	entry_order_ref     TEXT NOT NULL,
	exit_price          DOUBLE PRECISION,
	exit_profit_percent DOUBLE PRECISION,
	status              TEXT NOT NULL,
	opened_at           TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS positions_one_active_per_instrument
	ON positions (instrument) WHERE status = 'active';

CREATE UNIQUE INDEX IF NOT EXISTS positions_entry_order_ref_key
	ON positions (entry_order_ref);

CREATE INDEX IF NOT EXISTS positions_status_idx
	ON positions (status);
`

// EnsureSchema creates the positions table and indexes if they do not exist
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure positions schema: %w", err)
	}
	return nil
}
