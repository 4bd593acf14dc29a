// Package sync implements the bidirectional synchronization engine between
// the local record store and the remote document database.
package sync

import (
	"context"
	"time"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
)

// Cross-reference fields injected into every synced document. ucid ties a
// document back to its local record, ucmodule carries the module
// discriminator, ucuuid the stable external identifier.
const (
	FieldModule  = "ucmodule"
	FieldLocalID = "ucid"
	FieldUUID    = "ucuuid"
)

// Config holds the sync engine configuration
type Config struct {
	ListenAddress   string
	WebhookSecret   string
	PollingInterval time.Duration
	ForceDelete     bool // hard-delete local records on remote tombstones
}

// RecordStore is the local record surface consumed by the sync engine,
// satisfied by record.Store
type RecordStore interface {
	Find(ctx context.Context, module string, id int64) (*record.Record, error)
	FindByUUID(ctx context.Context, module, uuid string) (*record.Record, error)
	Create(ctx context.Context, rec *record.Record, src record.Source) error
	Update(ctx context.Context, rec *record.Record, src record.Source) error
	Delete(ctx context.Context, module string, id int64, force bool, src record.Source) error
	Restore(ctx context.Context, module string, id int64, src record.Source) error
	Columns(ctx context.Context, table string) (map[string]struct{}, error)
}

// MetaStore persists the local/remote identity pairs
type MetaStore interface {
	GetByRecord(ctx context.Context, module string, recordID int64) (*SyncMeta, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*SyncMeta, error)
	Upsert(ctx context.Context, meta SyncMeta) error
	Ensure(ctx context.Context, meta SyncMeta) error
}

// CursorAPI persists the change feed cursor
type CursorAPI interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, old, new string) error
}
