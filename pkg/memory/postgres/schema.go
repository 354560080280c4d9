package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrateLockID keys the advisory lock held while the schema is created, so
// two service instances starting against the same database do not race on
// CREATE INDEX.
const migrateLockID = 0x766e7831 // "vnx1"

// One row per transcript fragment. speaker mirrors memory.SpeakerUser and
// memory.SpeakerModel.
const ddlSessionEntries = `
CREATE TABLE IF NOT EXISTS session_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    speaker     TEXT         NOT NULL CHECK (speaker IN ('user', 'model')),
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_entries_session_ts
    ON session_entries (session_id, timestamp, id);

CREATE INDEX IF NOT EXISTS idx_session_entries_ts
    ON session_entries (timestamp);

CREATE INDEX IF NOT EXISTS idx_session_entries_fts
    ON session_entries USING GIN (to_tsvector('english', text));
`

// Migrate creates the transcript table and its indexes. It is idempotent and
// runs on every start under a transaction-scoped advisory lock.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrateLockID)); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		if _, err := tx.Exec(ctx, ddlSessionEntries); err != nil {
			return fmt.Errorf("create session_entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
