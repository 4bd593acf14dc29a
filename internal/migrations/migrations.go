// Package migrations contains database migration definitions and functionality for pg_couchsync.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_sync_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				// Create all sync bookkeeping tables in a single transaction
				_, err := tx.Exec(ctx, `
					-- One row per synced record: local identity and the last known
					-- remote document id and revision token
					CREATE TABLE record_sync (
						module text NOT NULL,
						record_id bigint NOT NULL,
						remote_id text,
						remote_rev text,
						ts timestamp with time zone NOT NULL DEFAULT now(),
						PRIMARY KEY (module, record_id)
					);

					-- Sync parameters, currently only the change feed cursor
					CREATE TABLE sync_params (
						key text PRIMARY KEY,
						value text
					);

					-- A remote document maps to at most one local record
					CREATE UNIQUE INDEX idx_record_sync_remote_id
						ON record_sync(remote_id) WHERE remote_id IS NOT NULL;
				`)
				return err
			},
		},
		// adding new migration here

		// &migrator.Migration{
		// 	Name: "Short description of a migration",
		// 	Func: func(ctx context.Context, tx pgx.Tx) error {
		// 		...
		// 	},
		// },
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName("pg_couchsync_migrations"),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// Apply migrations
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	// Check if migration is needed
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
