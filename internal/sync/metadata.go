package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
)

// SyncMeta is one row of record_sync: the identity pair tying a local record
// to its remote document and the last known revision token. Created lazily on
// first successful sync, never deleted while the record exists.
type SyncMeta struct {
	Module    string
	RecordID  int64
	RemoteID  string
	RemoteRev string
}

// MetadataStore persists SyncMeta rows in PostgreSQL
type MetadataStore struct {
	db record.PgxIface
}

// NewMetadataStore creates a metadata store over the given connection
func NewMetadataStore(db record.PgxIface) *MetadataStore {
	return &MetadataStore{db: db}
}

// GetByRecord returns the identity pair of a local record, nil when the
// record was never synced
func (m *MetadataStore) GetByRecord(ctx context.Context, module string, recordID int64) (*SyncMeta, error) {
	query := `SELECT remote_id, remote_rev FROM record_sync WHERE module = $1 AND record_id = $2`

	var remoteID, remoteRev *string
	err := m.db.QueryRow(ctx, query, module, recordID).Scan(&remoteID, &remoteRev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync metadata: %w", err)
	}

	meta := &SyncMeta{Module: module, RecordID: recordID}
	if remoteID != nil {
		meta.RemoteID = *remoteID
	}
	if remoteRev != nil {
		meta.RemoteRev = *remoteRev
	}
	return meta, nil
}

// GetByRemoteID returns the identity pair matching a remote document id,
// nil when no local record tracks that document
func (m *MetadataStore) GetByRemoteID(ctx context.Context, remoteID string) (*SyncMeta, error) {
	query := `SELECT module, record_id, remote_rev FROM record_sync WHERE remote_id = $1`

	meta := &SyncMeta{RemoteID: remoteID}
	var remoteRev *string
	err := m.db.QueryRow(ctx, query, remoteID).Scan(&meta.Module, &meta.RecordID, &remoteRev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query sync metadata by remote id: %w", err)
	}
	if remoteRev != nil {
		meta.RemoteRev = *remoteRev
	}
	return meta, nil
}

// Upsert writes the identity pair, replacing any previously stored revision
func (m *MetadataStore) Upsert(ctx context.Context, meta SyncMeta) error {
	query := `
		INSERT INTO record_sync (module, record_id, remote_id, remote_rev)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (module, record_id) DO UPDATE
		SET remote_id = EXCLUDED.remote_id, remote_rev = EXCLUDED.remote_rev, ts = now()
	`
	if _, err := m.db.Exec(ctx, query, meta.Module, meta.RecordID, meta.RemoteID, meta.RemoteRev); err != nil {
		return fmt.Errorf("failed to upsert sync metadata: %w", err)
	}
	return nil
}

// Ensure writes the identity pair only when no row exists yet, so a pair
// already advanced by a newer write is not regressed
func (m *MetadataStore) Ensure(ctx context.Context, meta SyncMeta) error {
	query := `
		INSERT INTO record_sync (module, record_id, remote_id, remote_rev)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (module, record_id) DO NOTHING
	`
	if _, err := m.db.Exec(ctx, query, meta.Module, meta.RecordID, meta.RemoteID, meta.RemoteRev); err != nil {
		return fmt.Errorf("failed to ensure sync metadata: %w", err)
	}
	return nil
}
