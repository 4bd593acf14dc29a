package sync

import (
	"context"
	"fmt"

	"github.com/cybertec-postgresql/pg_couchsync/internal/record"
	"github.com/cybertec-postgresql/pg_couchsync/internal/remote"
)

// fakeRecordStore is an in-memory RecordStore that mirrors the event
// semantics of record.Store: every committed mutation dispatches to the
// registered handler, carrying its source.
type fakeRecordStore struct {
	reg     *record.Registry
	cols    map[string]map[string]struct{}
	records map[string]map[int64]*record.Record
	nextID  int64
	handler record.Handler

	createErr error
	updateErr error
	deleteErr error
}

func newFakeRecordStore(reg *record.Registry) *fakeRecordStore {
	return &fakeRecordStore{
		reg: reg,
		cols: map[string]map[string]struct{}{
			"contacts": colSet("id", "uuid", "name", "phone", "created_at", "updated_at", "deleted_at"),
		},
		records: make(map[string]map[int64]*record.Record),
	}
}

func colSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func (f *fakeRecordStore) dispatch(ctx context.Context, ev record.Event) {
	if f.handler != nil {
		f.handler(ctx, ev)
	}
}

func (f *fakeRecordStore) Columns(_ context.Context, table string) (map[string]struct{}, error) {
	cols, ok := f.cols[table]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return cols, nil
}

func (f *fakeRecordStore) Find(_ context.Context, module string, id int64) (*record.Record, error) {
	rec, ok := f.records[module][id]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (f *fakeRecordStore) FindByUUID(_ context.Context, module, uuid string) (*record.Record, error) {
	for _, rec := range f.records[module] {
		if rec.UUID == uuid {
			return rec, nil
		}
	}
	return nil, nil
}

func (f *fakeRecordStore) Create(ctx context.Context, rec *record.Record, src record.Source) error {
	if f.createErr != nil {
		return f.createErr
	}
	def, ok := f.reg.Lookup(rec.Module)
	if !ok {
		return fmt.Errorf("unknown module %s", rec.Module)
	}
	if rec.Attrs == nil {
		rec.Attrs = make(map[string]any)
	}
	if rec.UUID == "" {
		if s, ok := rec.Attrs[def.UUIDColumn].(string); ok {
			rec.UUID = s
		}
	}
	f.nextID++
	rec.ID = f.nextID
	if rec.UUID == "" {
		rec.UUID = fmt.Sprintf("gen-%d", rec.ID)
	}
	rec.Attrs[def.UUIDColumn] = rec.UUID
	rec.Attrs[def.KeyColumn] = rec.ID

	if f.records[rec.Module] == nil {
		f.records[rec.Module] = make(map[int64]*record.Record)
	}
	f.records[rec.Module][rec.ID] = rec

	f.dispatch(ctx, record.Event{Action: record.ActionCreated, Record: rec, Source: src})
	return nil
}

func (f *fakeRecordStore) Update(ctx context.Context, rec *record.Record, src record.Source) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	stored, ok := f.records[rec.Module][rec.ID]
	if !ok {
		return fmt.Errorf("%s record %d not found", rec.Module, rec.ID)
	}
	stored.Attrs = rec.Attrs
	f.dispatch(ctx, record.Event{Action: record.ActionUpdated, Record: stored, Source: src})
	return nil
}

func (f *fakeRecordStore) Delete(ctx context.Context, module string, id int64, force bool, src record.Source) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	rec, ok := f.records[module][id]
	if !ok {
		return nil
	}
	def, _ := f.reg.Lookup(module)
	_, soft := f.cols[def.Table]["deleted_at"]
	soft = soft && !force

	if soft {
		if rec.Deleted {
			return nil
		}
		rec.Deleted = true
	} else {
		delete(f.records[module], id)
		rec.Deleted = true
	}
	f.dispatch(ctx, record.Event{Action: record.ActionDeleted, Record: rec, Source: src, SoftDelete: soft})
	return nil
}

func (f *fakeRecordStore) Restore(ctx context.Context, module string, id int64, src record.Source) error {
	rec, ok := f.records[module][id]
	if !ok || !rec.Deleted {
		return nil
	}
	rec.Deleted = false
	f.dispatch(ctx, record.Event{Action: record.ActionRestored, Record: rec, Source: src})
	return nil
}

// fakeMetaStore is an in-memory MetaStore
type fakeMetaStore struct {
	byRecord map[string]*SyncMeta

	upserts   int
	ensures   int
	upsertErr error
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{byRecord: make(map[string]*SyncMeta)}
}

func metaKey(module string, recordID int64) string {
	return fmt.Sprintf("%s/%d", module, recordID)
}

func (f *fakeMetaStore) GetByRecord(_ context.Context, module string, recordID int64) (*SyncMeta, error) {
	meta, ok := f.byRecord[metaKey(module, recordID)]
	if !ok {
		return nil, nil
	}
	copied := *meta
	return &copied, nil
}

func (f *fakeMetaStore) GetByRemoteID(_ context.Context, remoteID string) (*SyncMeta, error) {
	for _, meta := range f.byRecord {
		if meta.RemoteID == remoteID {
			copied := *meta
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeMetaStore) Upsert(_ context.Context, meta SyncMeta) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts++
	copied := meta
	f.byRecord[metaKey(meta.Module, meta.RecordID)] = &copied
	return nil
}

func (f *fakeMetaStore) Ensure(_ context.Context, meta SyncMeta) error {
	f.ensures++
	key := metaKey(meta.Module, meta.RecordID)
	if _, exists := f.byRecord[key]; exists {
		return nil
	}
	copied := meta
	f.byRecord[key] = &copied
	return nil
}

// fakeAPI is an in-memory remote.API recording every call
type fakeAPI struct {
	calls   []string
	pushed  []remote.Document
	updated []remote.Document
	deleted []string

	feed       *remote.ChangesFeed
	changesErr error
	pushErr    error
	updateErr  error
	deleteErr  error

	revCounter int
}

func (f *fakeAPI) nextRev() string {
	f.revCounter++
	return fmt.Sprintf("%d-fake", f.revCounter)
}

func (f *fakeAPI) Changes(_ context.Context, _ string) (*remote.ChangesFeed, error) {
	f.calls = append(f.calls, "changes")
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	if f.feed == nil {
		return &remote.ChangesFeed{}, nil
	}
	return f.feed, nil
}

func (f *fakeAPI) Push(_ context.Context, doc remote.Document) (*remote.WriteResult, error) {
	f.calls = append(f.calls, "push")
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	f.pushed = append(f.pushed, doc)
	id := doc.ID()
	if id == "" {
		id = fmt.Sprintf("doc-%d", len(f.pushed))
	}
	return &remote.WriteResult{OK: true, ID: id, Rev: f.nextRev()}, nil
}

func (f *fakeAPI) Update(_ context.Context, doc remote.Document) (*remote.WriteResult, error) {
	f.calls = append(f.calls, "update")
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updated = append(f.updated, doc)
	return &remote.WriteResult{OK: true, ID: doc.ID(), Rev: f.nextRev()}, nil
}

func (f *fakeAPI) Delete(_ context.Context, id, _ string) (*remote.WriteResult, error) {
	f.calls = append(f.calls, "delete")
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return &remote.WriteResult{OK: true, ID: id, Rev: f.nextRev()}, nil
}

// fakeCursor is an in-memory CursorAPI with conditional set semantics
type fakeCursor struct {
	value  string
	sets   [][2]string
	setErr error
}

func (f *fakeCursor) Get(_ context.Context) (string, error) {
	return f.value, nil
}

func (f *fakeCursor) Set(_ context.Context, old, new string) error {
	if f.setErr != nil {
		return f.setErr
	}
	if old != f.value {
		return ErrCursorChanged
	}
	f.sets = append(f.sets, [2]string{old, new})
	f.value = new
	return nil
}

func testRegistry() *record.Registry {
	reg := record.NewRegistry()
	_ = reg.Register(record.ModuleDef{Name: "contact", Table: "contacts", Syncable: true})
	_ = reg.Register(record.ModuleDef{Name: "audit", Table: "audit_log"})
	return reg
}
