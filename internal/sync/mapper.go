package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
	"github.com/cybertec-postgresql/pg_couchsync/internal/remote"
)

// Mapper converts between local records and remote documents and resolves
// inbound changes to their local record. Pure lookups, no side effects.
type Mapper struct {
	store RecordStore
	reg   *record.Registry
	meta  MetaStore
}

// NewMapper creates an entity-document mapper
func NewMapper(store RecordStore, reg *record.Registry, meta MetaStore) *Mapper {
	return &Mapper{store: store, reg: reg, meta: meta}
}

// ToDocument projects a record into its remote document shape: every
// attribute with a live column except the local primary key, plus the
// ucmodule/ucid/ucuuid cross references. When the record was synced before,
// the stored _id/_rev pair is included so the write addresses the existing
// document at its current revision.
func (m *Mapper) ToDocument(ctx context.Context, rec *record.Record) (remote.Document, error) {
	def, ok := m.reg.Lookup(rec.Module)
	if !ok {
		return nil, fmt.Errorf("unknown module %s", rec.Module)
	}

	cols, err := m.store.Columns(ctx, def.Table)
	if err != nil {
		return nil, err
	}

	doc := make(remote.Document, len(rec.Attrs)+4)
	for name, value := range rec.Attrs {
		if name == def.KeyColumn {
			continue // local id must not collide with remote document ids
		}
		if _, live := cols[name]; live {
			doc[name] = value
		}
	}

	doc[FieldModule] = rec.Module
	doc[FieldLocalID] = rec.ID
	if rec.UUID != "" {
		doc[FieldUUID] = rec.UUID
	}

	meta, err := m.meta.GetByRecord(ctx, rec.Module, rec.ID)
	if err != nil {
		return nil, err
	}
	if meta != nil && meta.RemoteID != "" && meta.RemoteRev != "" {
		doc[remote.FieldID] = meta.RemoteID
		doc[remote.FieldRev] = meta.RemoteRev
	}

	return doc, nil
}

// FromDocument is the inverse projection, restricted to keys that exist as
// live columns. Reserved underscore fields and cross references are excluded;
// unknown remote fields are dropped silently. ucuuid maps onto the module's
// uuid column when the table has one.
func (m *Mapper) FromDocument(ctx context.Context, module string, doc remote.Document) (map[string]any, error) {
	def, ok := m.reg.Lookup(module)
	if !ok {
		return nil, fmt.Errorf("unknown module %s", module)
	}

	cols, err := m.store.Columns(ctx, def.Table)
	if err != nil {
		return nil, err
	}

	attrs := make(map[string]any, len(doc))
	for key, value := range doc {
		switch {
		case strings.HasPrefix(key, "_"):
		case key == FieldModule || key == FieldLocalID:
		case key == FieldUUID:
			if _, hasUUID := cols[def.UUIDColumn]; hasUUID {
				if s, ok := value.(string); ok && s != "" {
					attrs[def.UUIDColumn] = s
				}
			}
		case key == def.KeyColumn:
		default:
			if _, live := cols[key]; live {
				attrs[key] = value
			}
		}
	}
	return attrs, nil
}

// ResolveRecord finds the local record behind an inbound change. The remote
// document id is the primary match; the stable external id from ucuuid is
// consulted only when no metadata row tracks the document yet (first contact
// with a peer that generated its own stable id before ever syncing).
func (m *Mapper) ResolveRecord(ctx context.Context, changeID string, doc remote.Document) (*record.Record, error) {
	if changeID != "" {
		meta, err := m.meta.GetByRemoteID(ctx, changeID)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			if _, known := m.reg.Lookup(meta.Module); !known {
				return nil, nil
			}
			return m.store.Find(ctx, meta.Module, meta.RecordID)
		}
	}

	if doc == nil {
		return nil, nil
	}
	module, _ := doc[FieldModule].(string)
	stableID, _ := doc[FieldUUID].(string)
	if module == "" || stableID == "" || !m.reg.Syncable(module) {
		return nil, nil
	}
	return m.store.FindByUUID(ctx, module, stableID)
}
