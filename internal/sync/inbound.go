package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
	"github.com/cybertec-postgresql/pg_couchsync/internal/remote"
)

// ProcessorStats is a snapshot of the inbound processing counters
type ProcessorStats struct {
	Creates uint64
	Updates uint64
	Deletes uint64
	Skips   uint64
}

// Processor applies one remote change envelope at a time to the local store.
// Both delivery paths (poller and webhook) converge here; applying the same
// envelope twice is safe.
type Processor struct {
	store       RecordStore
	mapper      *Mapper
	meta        MetaStore
	reg         *record.Registry
	forceDelete bool
	locks       keyedLocks

	creates atomic.Uint64
	updates atomic.Uint64
	deletes atomic.Uint64
	skips   atomic.Uint64
}

// NewProcessor creates the inbound change processor
func NewProcessor(store RecordStore, mapper *Mapper, meta MetaStore, reg *record.Registry, forceDelete bool) *Processor {
	return &Processor{
		store:       store,
		mapper:      mapper,
		meta:        meta,
		reg:         reg,
		forceDelete: forceDelete,
	}
}

// Stats returns a snapshot of the processing counters
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Creates: p.creates.Load(),
		Updates: p.updates.Load(),
		Deletes: p.deletes.Load(),
		Skips:   p.skips.Load(),
	}
}

// Apply processes a single change envelope: delete when the change carries a
// tombstone and a local record matches, update when a local record matches,
// create when the document carries no local cross reference and names a
// sync-enabled module, no-op otherwise. Concurrent envelopes for the same
// document are serialized.
func (p *Processor) Apply(ctx context.Context, ch remote.Change) error {
	if ch.ID == "" && ch.Doc != nil {
		ch.ID = ch.Doc.ID()
	}
	if ch.ID == "" {
		p.skip("change without document id", ch)
		return nil
	}

	unlock := p.locks.lock(ch.ID)
	defer unlock()

	deleted := ch.Deleted || (ch.Doc != nil && ch.Doc.IsDeleted())

	rec, err := p.mapper.ResolveRecord(ctx, ch.ID, ch.Doc)
	if err != nil {
		return fmt.Errorf("failed to resolve change %s: %w", ch.ID, err)
	}

	switch {
	case deleted:
		if rec == nil {
			// deletion of a record we never had: must not create anything
			p.skip("tombstone for unknown local record", ch)
			return nil
		}
		return p.applyDelete(ctx, rec, ch)
	case ch.Doc == nil:
		p.skip("change without inlined document", ch)
		return nil
	case rec != nil:
		return p.applyUpdate(ctx, rec, ch)
	default:
		return p.applyCreate(ctx, ch)
	}
}

func (p *Processor) applyDelete(ctx context.Context, rec *record.Record, ch remote.Change) error {
	rev := ""
	if ch.Doc != nil {
		rev = ch.Doc.Rev()
	}

	if err := p.store.Delete(ctx, rec.Module, rec.ID, p.forceDelete, record.Remote(ch.ID, rev)); err != nil {
		return fmt.Errorf("failed to delete %s record %d: %w", rec.Module, rec.ID, err)
	}

	// Keep the deletion revision so a later restore addresses the tombstone
	if rev != "" {
		meta := SyncMeta{Module: rec.Module, RecordID: rec.ID, RemoteID: ch.ID, RemoteRev: rev}
		if err := p.meta.Upsert(ctx, meta); err != nil {
			return err
		}
	}

	p.deletes.Add(1)
	logrus.WithFields(logrus.Fields{
		"module":    rec.Module,
		"id":        rec.ID,
		"remote_id": ch.ID,
		"force":     p.forceDelete,
	}).Info("Applied remote deletion to local record")
	return nil
}

func (p *Processor) applyUpdate(ctx context.Context, rec *record.Record, ch remote.Change) error {
	if !p.reg.Syncable(rec.Module) {
		p.skip("module not sync-enabled", ch)
		return nil
	}

	attrs, err := p.mapper.FromDocument(ctx, rec.Module, ch.Doc)
	if err != nil {
		return err
	}
	for name, value := range attrs {
		rec.Attrs[name] = value
	}

	rev := ch.Doc.Rev()
	if err := p.store.Update(ctx, rec, record.Remote(ch.ID, rev)); err != nil {
		return fmt.Errorf("failed to update %s record %d: %w", rec.Module, rec.ID, err)
	}

	// Metadata is committed only after the local mutation succeeded
	meta := SyncMeta{Module: rec.Module, RecordID: rec.ID, RemoteID: ch.ID, RemoteRev: rev}
	if err := p.meta.Upsert(ctx, meta); err != nil {
		return err
	}

	p.updates.Add(1)
	logrus.WithFields(logrus.Fields{
		"module":    rec.Module,
		"id":        rec.ID,
		"remote_id": ch.ID,
	}).Info("Applied remote update to local record")
	return nil
}

func (p *Processor) applyCreate(ctx context.Context, ch remote.Change) error {
	doc := ch.Doc
	if _, hasLocalRef := doc[FieldLocalID]; hasLocalRef {
		// the document claims a local record we cannot find; creating a
		// second one would fork the identity
		p.skip("document carries unknown local reference", ch)
		return nil
	}

	module, _ := doc[FieldModule].(string)
	if module == "" || !p.reg.Syncable(module) {
		p.skip("unknown or non-synced module", ch)
		return nil
	}

	attrs, err := p.mapper.FromDocument(ctx, module, doc)
	if err != nil {
		return err
	}

	rec := &record.Record{Module: module, Attrs: attrs}
	if err := p.store.Create(ctx, rec, record.Remote(ch.ID, doc.Rev())); err != nil {
		return fmt.Errorf("failed to create %s record: %w", module, err)
	}

	// The outbound hook already stored the pair from its confirmation write;
	// Ensure only fills it in when that write did not happen
	meta := SyncMeta{Module: module, RecordID: rec.ID, RemoteID: ch.ID, RemoteRev: doc.Rev()}
	if err := p.meta.Ensure(ctx, meta); err != nil {
		return err
	}

	p.creates.Add(1)
	logrus.WithFields(logrus.Fields{
		"module":    module,
		"id":        rec.ID,
		"remote_id": ch.ID,
	}).Info("Created local record from remote document")
	return nil
}

func (p *Processor) skip(reason string, ch remote.Change) {
	p.skips.Add(1)
	logrus.WithFields(logrus.Fields{
		"remote_id": ch.ID,
		"reason":    reason,
	}).Debug("Skipped remote change")
}

// keyedLocks serializes inbound processing per remote document id so
// concurrent webhook deliveries cannot interleave on the same record
type keyedLocks struct {
	mu    gosync.Mutex
	locks map[string]*lockRef
}

type lockRef struct {
	gosync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockRef)
	}
	ref := k.locks[key]
	if ref == nil {
		ref = &lockRef{}
		k.locks[key] = ref
	}
	ref.refs++
	k.mu.Unlock()

	ref.Lock()
	return func() {
		ref.Unlock()
		k.mu.Lock()
		ref.refs--
		if ref.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
