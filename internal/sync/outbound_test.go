package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
	"github.com/cybertec-postgresql/pg_couchsync/internal/remote"
)

func newTestHook() (*Hook, *fakeRecordStore, *fakeMetaStore, *fakeAPI) {
	reg := testRegistry()
	store := newFakeRecordStore(reg)
	meta := newFakeMetaStore()
	api := &fakeAPI{}
	mapper := NewMapper(store, reg, meta)
	return NewHook(api, mapper, meta, reg), store, meta, api
}

func TestHookPushCreate(t *testing.T) {
	hook, _, meta, api := newTestHook()

	rec := &record.Record{Module: "contact", ID: 7, UUID: "u-7", Attrs: map[string]any{"name": "alpha"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionCreated, Record: rec, Source: record.Local})

	require.Equal(t, []string{"push"}, api.calls)
	assert.Equal(t, "contact", api.pushed[0][FieldModule])
	assert.Equal(t, int64(7), api.pushed[0][FieldLocalID])

	pair, err := meta.GetByRecord(context.Background(), "contact", 7)
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.Equal(t, "doc-1", pair.RemoteID)
	assert.NotEmpty(t, pair.RemoteRev)

	assert.Equal(t, uint64(1), hook.Stats().Pushes)
}

func TestHookPushUpdate(t *testing.T) {
	hook, _, meta, api := newTestHook()
	require.NoError(t, meta.Upsert(context.Background(), SyncMeta{
		Module: "contact", RecordID: 7, RemoteID: "doc-7", RemoteRev: "2-abc",
	}))

	rec := &record.Record{Module: "contact", ID: 7, Attrs: map[string]any{"name": "beta"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionUpdated, Record: rec, Source: record.Local})

	require.Equal(t, []string{"update"}, api.calls)
	assert.Equal(t, "doc-7", api.updated[0].ID())
	assert.Equal(t, "2-abc", api.updated[0].Rev(), "update addresses the stored revision")

	pair, _ := meta.GetByRecord(context.Background(), "contact", 7)
	assert.NotEqual(t, "2-abc", pair.RemoteRev, "stored revision advances after the write")
}

func TestHookUpdateWithoutPairFallsBackToPush(t *testing.T) {
	hook, _, _, api := newTestHook()

	rec := &record.Record{Module: "contact", ID: 7, Attrs: map[string]any{"name": "beta"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionUpdated, Record: rec, Source: record.Local})

	assert.Equal(t, []string{"push"}, api.calls, "update before first push creates the document")
}

func TestHookEchoSuppression(t *testing.T) {
	hook, _, _, api := newTestHook()

	rec := &record.Record{Module: "contact", ID: 7, Attrs: map[string]any{"name": "alpha"}}
	src := record.Remote("doc-7", "2-abc")

	hook.Handle(context.Background(), record.Event{Action: record.ActionUpdated, Record: rec, Source: src})
	hook.Handle(context.Background(), record.Event{Action: record.ActionDeleted, Record: rec, Source: src, SoftDelete: true})
	hook.Handle(context.Background(), record.Event{Action: record.ActionRestored, Record: rec, Source: src})

	assert.Empty(t, api.calls, "remote-origin mutations must not echo back")
}

func TestHookConfirmRemoteCreate(t *testing.T) {
	hook, _, meta, api := newTestHook()

	rec := &record.Record{Module: "contact", ID: 7, UUID: "u-7", Attrs: map[string]any{"name": "alpha"}}
	ev := record.Event{Action: record.ActionCreated, Record: rec, Source: record.Remote("doc-7", "1-abc")}
	hook.Handle(context.Background(), ev)

	require.Equal(t, []string{"update"}, api.calls, "remotely created documents are confirmed, never re-pushed")
	assert.Equal(t, "doc-7", api.updated[0].ID())
	assert.Equal(t, "1-abc", api.updated[0].Rev())
	assert.Equal(t, int64(7), api.updated[0][FieldLocalID], "confirmation writes the local back-reference")

	pair, _ := meta.GetByRecord(context.Background(), "contact", 7)
	require.NotNil(t, pair)
	assert.Equal(t, "doc-7", pair.RemoteID)
	assert.NotEqual(t, "1-abc", pair.RemoteRev)
}

func TestHookSoftDeleteTombstones(t *testing.T) {
	hook, _, meta, api := newTestHook()
	require.NoError(t, meta.Upsert(context.Background(), SyncMeta{
		Module: "contact", RecordID: 7, RemoteID: "doc-7", RemoteRev: "2-abc",
	}))

	rec := &record.Record{Module: "contact", ID: 7, Deleted: true, Attrs: map[string]any{"name": "alpha"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionDeleted, Record: rec, Source: record.Local, SoftDelete: true})

	require.Equal(t, []string{"update"}, api.calls, "soft deletes write a tombstone document")
	assert.Equal(t, true, api.updated[0][remote.FieldDeleted])
	assert.Equal(t, "doc-7", api.updated[0].ID())
	assert.Equal(t, uint64(1), hook.Stats().Deletes)
}

func TestHookHardDelete(t *testing.T) {
	hook, _, meta, api := newTestHook()
	require.NoError(t, meta.Upsert(context.Background(), SyncMeta{
		Module: "contact", RecordID: 7, RemoteID: "doc-7", RemoteRev: "2-abc",
	}))

	rec := &record.Record{Module: "contact", ID: 7, Deleted: true, Attrs: map[string]any{"name": "alpha"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionDeleted, Record: rec, Source: record.Local})

	require.Equal(t, []string{"delete"}, api.calls)
	assert.Equal(t, []string{"doc-7"}, api.deleted)
}

func TestHookDeleteNeverSynced(t *testing.T) {
	hook, _, _, api := newTestHook()

	rec := &record.Record{Module: "contact", ID: 7, Deleted: true, Attrs: map[string]any{"name": "alpha"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionDeleted, Record: rec, Source: record.Local, SoftDelete: true})

	assert.Empty(t, api.calls, "a record without a remote pair has nothing to delete")
	assert.Equal(t, uint64(0), hook.Stats().Failures)
}

func TestHookRestore(t *testing.T) {
	hook, _, meta, api := newTestHook()
	require.NoError(t, meta.Upsert(context.Background(), SyncMeta{
		Module: "contact", RecordID: 7, RemoteID: "doc-7", RemoteRev: "3-tomb",
	}))

	rec := &record.Record{Module: "contact", ID: 7, Attrs: map[string]any{"name": "alpha"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionRestored, Record: rec, Source: record.Local})

	require.Equal(t, []string{"update"}, api.calls, "restore reuses the stored document id")
	assert.Equal(t, "doc-7", api.updated[0].ID())
}

func TestHookConflictCounted(t *testing.T) {
	hook, _, meta, api := newTestHook()
	require.NoError(t, meta.Upsert(context.Background(), SyncMeta{
		Module: "contact", RecordID: 7, RemoteID: "doc-7", RemoteRev: "1-stale",
	}))
	api.updateErr = fmt.Errorf("%w: newer revision exists", remote.ErrConflict)

	rec := &record.Record{Module: "contact", ID: 7, Attrs: map[string]any{"name": "beta"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionUpdated, Record: rec, Source: record.Local})

	stats := hook.Stats()
	assert.Equal(t, uint64(1), stats.Conflicts)
	assert.Equal(t, uint64(0), stats.Failures)
}

func TestHookFailureCounted(t *testing.T) {
	hook, _, _, api := newTestHook()
	api.pushErr = fmt.Errorf("remote returned 500")

	rec := &record.Record{Module: "contact", ID: 7, Attrs: map[string]any{"name": "alpha"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionCreated, Record: rec, Source: record.Local})

	assert.Equal(t, uint64(1), hook.Stats().Failures)
}

func TestHookIgnoresNonSyncedModules(t *testing.T) {
	hook, _, _, api := newTestHook()

	rec := &record.Record{Module: "audit", ID: 1, Attrs: map[string]any{"entry": "x"}}
	hook.Handle(context.Background(), record.Event{Action: record.ActionCreated, Record: rec, Source: record.Local})

	assert.Empty(t, api.calls)
}
