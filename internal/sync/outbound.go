package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
	"github.com/cybertec-postgresql/pg_couchsync/internal/remote"
)

// HookStats is a snapshot of the outbound hook counters
type HookStats struct {
	Pushes    uint64
	Updates   uint64
	Deletes   uint64
	Conflicts uint64
	Failures  uint64
}

// Hook is the outbound sync path: it subscribes to record lifecycle events
// and mirrors local mutations to the remote document store. Sync is best
// effort; the local write has already committed when the hook fires, so
// remote failures are logged and counted, never propagated.
type Hook struct {
	api    remote.API
	mapper *Mapper
	meta   MetaStore
	reg    *record.Registry

	pushes    atomic.Uint64
	updates   atomic.Uint64
	deletes   atomic.Uint64
	conflicts atomic.Uint64
	failures  atomic.Uint64
}

// NewHook creates the outbound sync hook
func NewHook(api remote.API, mapper *Mapper, meta MetaStore, reg *record.Registry) *Hook {
	return &Hook{api: api, mapper: mapper, meta: meta, reg: reg}
}

// Stats returns a snapshot of the hook counters
func (h *Hook) Stats() HookStats {
	return HookStats{
		Pushes:    h.pushes.Load(),
		Updates:   h.updates.Load(),
		Deletes:   h.deletes.Load(),
		Conflicts: h.conflicts.Load(),
		Failures:  h.failures.Load(),
	}
}

// Handle consumes one lifecycle event. Exactly one remote call is made per
// local lifecycle transition; remote-origin events are suppressed except for
// the create confirmation, which updates the already-existing document
// instead of pushing a duplicate.
func (h *Hook) Handle(ctx context.Context, ev record.Event) {
	if ev.Record == nil || !h.reg.Syncable(ev.Record.Module) {
		return
	}

	var err error
	if ev.Source.Origin == record.OriginRemote {
		if ev.Action != record.ActionCreated {
			return // change originated remotely, do not echo it back
		}
		err = h.confirmRemoteCreate(ctx, ev)
	} else {
		switch ev.Action {
		case record.ActionCreated:
			err = h.pushCreate(ctx, ev.Record)
		case record.ActionUpdated:
			err = h.pushUpdate(ctx, ev.Record)
		case record.ActionDeleted:
			err = h.pushDelete(ctx, ev)
		case record.ActionRestored:
			err = h.pushRestore(ctx, ev.Record)
		}
	}

	if err == nil {
		return
	}
	logger := logrus.WithFields(logrus.Fields{
		"module": ev.Record.Module,
		"id":     ev.Record.ID,
		"action": ev.Action,
	})
	if errors.Is(err, remote.ErrConflict) {
		h.conflicts.Add(1)
		logger.WithError(err).Warn("Remote write rejected due to stale revision, leaving for next pull to reconcile")
	} else {
		h.failures.Add(1)
		logger.WithError(err).Error("Failed to sync record to remote store")
	}
}

func (h *Hook) pushCreate(ctx context.Context, rec *record.Record) error {
	doc, err := h.mapper.ToDocument(ctx, rec)
	if err != nil {
		return err
	}

	result, err := h.api.Push(ctx, doc)
	if err != nil {
		return err
	}
	if err := h.persistPair(ctx, rec, result); err != nil {
		return err
	}

	h.pushes.Add(1)
	logrus.WithFields(logrus.Fields{
		"module":    rec.Module,
		"id":        rec.ID,
		"remote_id": result.ID,
	}).Info("Pushed new record to remote store")
	return nil
}

func (h *Hook) pushUpdate(ctx context.Context, rec *record.Record) error {
	doc, err := h.mapper.ToDocument(ctx, rec)
	if err != nil {
		return err
	}

	// A record updated before its first successful push has no pair yet
	if doc.ID() == "" {
		return h.pushCreate(ctx, rec)
	}

	result, err := h.api.Update(ctx, doc)
	if err != nil {
		return err
	}
	if err := h.persistPair(ctx, rec, result); err != nil {
		return err
	}

	h.updates.Add(1)
	logrus.WithFields(logrus.Fields{
		"module":    rec.Module,
		"id":        rec.ID,
		"remote_id": result.ID,
	}).Info("Synced record update to remote store")
	return nil
}

func (h *Hook) pushDelete(ctx context.Context, ev record.Event) error {
	rec := ev.Record
	meta, err := h.meta.GetByRecord(ctx, rec.Module, rec.ID)
	if err != nil {
		return err
	}
	if meta == nil || meta.RemoteID == "" {
		return nil // never synced, nothing to delete remotely
	}

	var result *remote.WriteResult
	if ev.SoftDelete {
		// Tombstone the document so peers still see the deletion revision
		doc := remote.Document{
			remote.FieldID:      meta.RemoteID,
			remote.FieldRev:     meta.RemoteRev,
			remote.FieldDeleted: true,
			FieldModule:         rec.Module,
			FieldLocalID:        rec.ID,
		}
		result, err = h.api.Update(ctx, doc)
	} else {
		result, err = h.api.Delete(ctx, meta.RemoteID, meta.RemoteRev)
	}
	if err != nil {
		return err
	}
	if err := h.persistPair(ctx, rec, result); err != nil {
		return err
	}

	h.deletes.Add(1)
	logrus.WithFields(logrus.Fields{
		"module":    rec.Module,
		"id":        rec.ID,
		"remote_id": meta.RemoteID,
		"tombstone": ev.SoftDelete,
	}).Info("Synced record deletion to remote store")
	return nil
}

func (h *Hook) pushRestore(ctx context.Context, rec *record.Record) error {
	doc, err := h.mapper.ToDocument(ctx, rec)
	if err != nil {
		return err
	}

	var result *remote.WriteResult
	if doc.ID() != "" {
		// Reuse the stored document id, clearing the tombstone state
		result, err = h.api.Update(ctx, doc)
	} else {
		result, err = h.api.Push(ctx, doc)
	}
	if err != nil {
		return err
	}
	if err := h.persistPair(ctx, rec, result); err != nil {
		return err
	}

	h.pushes.Add(1)
	logrus.WithFields(logrus.Fields{
		"module":    rec.Module,
		"id":        rec.ID,
		"remote_id": result.ID,
	}).Info("Re-created restored record in remote store")
	return nil
}

// confirmRemoteCreate handles the create of a record that was itself caused
// by an inbound document. The document already exists remotely, so an update
// carrying the inbound _id/_rev writes the ucid back-reference instead of
// duplicating the document with a push.
func (h *Hook) confirmRemoteCreate(ctx context.Context, ev record.Event) error {
	if ev.Source.RemoteID == "" || ev.Source.RemoteRev == "" {
		return nil // inbound document without identity, nothing to confirm
	}

	doc, err := h.mapper.ToDocument(ctx, ev.Record)
	if err != nil {
		return err
	}
	doc[remote.FieldID] = ev.Source.RemoteID
	doc[remote.FieldRev] = ev.Source.RemoteRev

	result, err := h.api.Update(ctx, doc)
	if err != nil {
		return err
	}
	if err := h.persistPair(ctx, ev.Record, result); err != nil {
		return err
	}

	h.updates.Add(1)
	logrus.WithFields(logrus.Fields{
		"module":    ev.Record.Module,
		"id":        ev.Record.ID,
		"remote_id": result.ID,
	}).Info("Confirmed remotely created record")
	return nil
}

func (h *Hook) persistPair(ctx context.Context, rec *record.Record, result *remote.WriteResult) error {
	meta := SyncMeta{
		Module:    rec.Module,
		RecordID:  rec.ID,
		RemoteID:  result.ID,
		RemoteRev: result.Rev,
	}
	if err := h.meta.Upsert(ctx, meta); err != nil {
		return fmt.Errorf("remote write succeeded but metadata update failed: %w", err)
	}
	return nil
}
