package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
)

// cursorKey is the sync_params row holding the last processed feed sequence
const cursorKey = "last_sync_seq"

// ErrCursorChanged is returned when a conditional cursor write lost against a
// concurrent poller
var ErrCursorChanged = errors.New("sync cursor changed concurrently")

// CursorStore persists the change feed cursor in sync_params
type CursorStore struct {
	db record.PgxIface
}

// NewCursorStore creates a cursor store over the given connection
func NewCursorStore(db record.PgxIface) *CursorStore {
	return &CursorStore{db: db}
}

// Get returns the last processed sequence token, empty on first run
func (c *CursorStore) Get(ctx context.Context) (string, error) {
	query := `SELECT value FROM sync_params WHERE key = $1`

	var value *string
	err := c.db.QueryRow(ctx, query, cursorKey).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync cursor: %w", err)
	}
	if value == nil {
		return "", nil
	}
	return *value, nil
}

// Set advances the cursor from old to new as a single conditional write. The
// write is refused when another poller advanced the cursor in between.
func (c *CursorStore) Set(ctx context.Context, old, new string) error {
	query := `
		INSERT INTO sync_params (key, value)
		VALUES ($1, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
		WHERE sync_params.value IS NOT DISTINCT FROM $2
	`
	var oldValue *string
	if old != "" {
		oldValue = &old
	}

	result, err := c.db.Exec(ctx, query, cursorKey, oldValue, new)
	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCursorChanged
	}
	return nil
}
