package record

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// PgxIface is common interface for every pgx class
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// TimestampColumns names the per-table bookkeeping columns. A column is used
// only when the target table actually has it.
type TimestampColumns struct {
	CreatedAt string
	UpdatedAt string
	DeletedAt string
}

// DefaultTimestampColumns returns the conventional column names
func DefaultTimestampColumns() TimestampColumns {
	return TimestampColumns{
		CreatedAt: "created_at",
		UpdatedAt: "updated_at",
		DeletedAt: "deleted_at",
	}
}

// Store provides attribute-level access to module tables and emits
// post-commit lifecycle events
type Store struct {
	db     PgxIface
	reg    *Registry
	tsCols TimestampColumns

	colMu    sync.RWMutex
	colCache map[string]map[string]struct{}

	handlerMu sync.RWMutex
	handlers  []Handler
}

// NewStore creates a record store over the given connection
func NewStore(db PgxIface, reg *Registry, tsCols TimestampColumns) *Store {
	return &Store{
		db:       db,
		reg:      reg,
		tsCols:   tsCols,
		colCache: make(map[string]map[string]struct{}),
	}
}

// Registry returns the module registry backing this store
func (s *Store) Registry() *Registry {
	return s.reg
}

// Subscribe registers a lifecycle event handler. Handlers run synchronously
// after the local write committed.
func (s *Store) Subscribe(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Store) dispatch(ctx context.Context, ev Event) {
	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

// Columns returns the set of live columns of a table, introspected from
// information_schema and cached. Document fields without a matching column
// are filtered against this set.
func (s *Store) Columns(ctx context.Context, table string) (map[string]struct{}, error) {
	s.colMu.RLock()
	cols, ok := s.colCache[table]
	s.colMu.RUnlock()
	if ok {
		return cols, nil
	}

	query := `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`
	rows, err := s.db.Query(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols = make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("error scanning column name: %w", err)
		}
		cols[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns or does not exist", table)
	}

	s.colMu.Lock()
	s.colCache[table] = cols
	s.colMu.Unlock()
	return cols, nil
}

// Find loads one record by its local id. Returns nil without error when the
// record does not exist.
func (s *Store) Find(ctx context.Context, module string, id int64) (*Record, error) {
	def, ok := s.reg.Lookup(module)
	if !ok {
		return nil, fmt.Errorf("unknown module %s", module)
	}
	return s.findBy(ctx, def, def.KeyColumn, id)
}

// FindByUUID loads one record by its stable external identifier. Returns nil
// without error when the record does not exist or the table has no uuid column.
func (s *Store) FindByUUID(ctx context.Context, module string, id string) (*Record, error) {
	def, ok := s.reg.Lookup(module)
	if !ok {
		return nil, fmt.Errorf("unknown module %s", module)
	}

	cols, err := s.Columns(ctx, def.Table)
	if err != nil {
		return nil, err
	}
	if _, hasUUID := cols[def.UUIDColumn]; !hasUUID {
		return nil, nil
	}
	return s.findBy(ctx, def, def.UUIDColumn, id)
}

func (s *Store) findBy(ctx context.Context, def ModuleDef, column string, value any) (*Record, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = $1`,
		pgx.Identifier{def.Table}.Sanitize(), pgx.Identifier{column}.Sanitize())

	rows, err := s.db.Query(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", def.Table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading %s: %w", def.Table, err)
		}
		return nil, nil
	}

	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("error scanning %s row: %w", def.Table, err)
	}

	attrs := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		attrs[fd.Name] = values[i]
	}

	return s.buildRecord(def, attrs), nil
}

func (s *Store) buildRecord(def ModuleDef, attrs map[string]any) *Record {
	rec := &Record{
		Module: def.Name,
		Attrs:  attrs,
	}
	rec.ID = toInt64(attrs[def.KeyColumn])
	if v, ok := attrs[def.UUIDColumn]; ok {
		rec.UUID = toString(v)
	}
	if s.tsCols.DeletedAt != "" {
		if v, ok := attrs[s.tsCols.DeletedAt]; ok && v != nil {
			rec.Deleted = true
		}
	}
	return rec
}

// Create inserts a new record and emits a Created event. Attributes without a
// matching column are dropped. A uuid is generated when the table has a uuid
// column and none was supplied.
func (s *Store) Create(ctx context.Context, rec *Record, src Source) error {
	def, ok := s.reg.Lookup(rec.Module)
	if !ok {
		return fmt.Errorf("unknown module %s", rec.Module)
	}

	cols, err := s.Columns(ctx, def.Table)
	if err != nil {
		return err
	}

	if rec.Attrs == nil {
		rec.Attrs = make(map[string]any)
	}
	if _, hasUUID := cols[def.UUIDColumn]; hasUUID {
		if rec.UUID == "" {
			rec.UUID = toString(rec.Attrs[def.UUIDColumn])
		}
		if rec.UUID == "" {
			rec.UUID = uuid.NewString()
		}
		rec.Attrs[def.UUIDColumn] = rec.UUID
	}

	now := time.Now()
	if _, has := cols[s.tsCols.CreatedAt]; has && rec.Attrs[s.tsCols.CreatedAt] == nil {
		rec.Attrs[s.tsCols.CreatedAt] = now
	}
	if _, has := cols[s.tsCols.UpdatedAt]; has && rec.Attrs[s.tsCols.UpdatedAt] == nil {
		rec.Attrs[s.tsCols.UpdatedAt] = now
	}

	names := make([]string, 0, len(rec.Attrs))
	for name := range rec.Attrs {
		if _, live := cols[name]; !live || name == def.KeyColumn {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return fmt.Errorf("no insertable attributes for module %s", rec.Module)
	}
	sort.Strings(names)

	quoted := make([]string, len(names))
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		quoted[i] = pgx.Identifier{name}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = rec.Attrs[name]
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		pgx.Identifier{def.Table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		pgx.Identifier{def.KeyColumn}.Sanitize())

	if err := s.db.QueryRow(ctx, query, args...).Scan(&rec.ID); err != nil {
		return fmt.Errorf("failed to insert %s record: %w", rec.Module, err)
	}
	rec.Attrs[def.KeyColumn] = rec.ID

	logrus.WithFields(logrus.Fields{
		"module": rec.Module,
		"id":     rec.ID,
		"origin": src.Origin,
	}).Debug("Record created")

	s.dispatch(ctx, Event{Action: ActionCreated, Record: rec, Source: src})
	return nil
}

// Update writes the record's attributes back and emits an Updated event
func (s *Store) Update(ctx context.Context, rec *Record, src Source) error {
	def, ok := s.reg.Lookup(rec.Module)
	if !ok {
		return fmt.Errorf("unknown module %s", rec.Module)
	}

	cols, err := s.Columns(ctx, def.Table)
	if err != nil {
		return err
	}

	if _, has := cols[s.tsCols.UpdatedAt]; has {
		rec.Attrs[s.tsCols.UpdatedAt] = time.Now()
	}

	names := make([]string, 0, len(rec.Attrs))
	for name := range rec.Attrs {
		if _, live := cols[name]; !live || name == def.KeyColumn {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return fmt.Errorf("no updatable attributes for module %s", rec.Module)
	}
	sort.Strings(names)

	assignments := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	args = append(args, rec.ID)
	for i, name := range names {
		assignments[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{name}.Sanitize(), i+2)
		args = append(args, rec.Attrs[name])
	}

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $1`,
		pgx.Identifier{def.Table}.Sanitize(),
		strings.Join(assignments, ", "),
		pgx.Identifier{def.KeyColumn}.Sanitize())

	result, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s record %d: %w", rec.Module, rec.ID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s record %d not found", rec.Module, rec.ID)
	}

	logrus.WithFields(logrus.Fields{
		"module": rec.Module,
		"id":     rec.ID,
		"origin": src.Origin,
	}).Debug("Record updated")

	s.dispatch(ctx, Event{Action: ActionUpdated, Record: rec, Source: src})
	return nil
}

// Delete removes a record, soft-deleting when the table has a deleted_at
// column unless force is set. Deleting an absent or already-deleted record is
// a no-op; the Deleted event fires only when a row actually changed.
func (s *Store) Delete(ctx context.Context, module string, id int64, force bool, src Source) error {
	def, ok := s.reg.Lookup(module)
	if !ok {
		return fmt.Errorf("unknown module %s", module)
	}

	rec, err := s.Find(ctx, module, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	cols, err := s.Columns(ctx, def.Table)
	if err != nil {
		return err
	}
	_, soft := cols[s.tsCols.DeletedAt]
	soft = soft && !force

	var result pgconn.CommandTag
	if soft {
		query := fmt.Sprintf(`UPDATE %s SET %s = now() WHERE %s = $1 AND %s IS NULL`,
			pgx.Identifier{def.Table}.Sanitize(),
			pgx.Identifier{s.tsCols.DeletedAt}.Sanitize(),
			pgx.Identifier{def.KeyColumn}.Sanitize(),
			pgx.Identifier{s.tsCols.DeletedAt}.Sanitize())
		result, err = s.db.Exec(ctx, query, id)
	} else {
		query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
			pgx.Identifier{def.Table}.Sanitize(),
			pgx.Identifier{def.KeyColumn}.Sanitize())
		result, err = s.db.Exec(ctx, query, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s record %d: %w", module, id, err)
	}
	if result.RowsAffected() == 0 {
		return nil // already deleted
	}

	rec.Deleted = true

	logrus.WithFields(logrus.Fields{
		"module": module,
		"id":     id,
		"soft":   soft,
		"origin": src.Origin,
	}).Debug("Record deleted")

	s.dispatch(ctx, Event{Action: ActionDeleted, Record: rec, Source: src, SoftDelete: soft})
	return nil
}

// Restore clears a soft-deleted record's tombstone and emits a Restored event
func (s *Store) Restore(ctx context.Context, module string, id int64, src Source) error {
	def, ok := s.reg.Lookup(module)
	if !ok {
		return fmt.Errorf("unknown module %s", module)
	}

	cols, err := s.Columns(ctx, def.Table)
	if err != nil {
		return err
	}
	if _, has := cols[s.tsCols.DeletedAt]; !has {
		return fmt.Errorf("module %s does not support soft delete", module)
	}

	query := fmt.Sprintf(`UPDATE %s SET %s = NULL WHERE %s = $1 AND %s IS NOT NULL`,
		pgx.Identifier{def.Table}.Sanitize(),
		pgx.Identifier{s.tsCols.DeletedAt}.Sanitize(),
		pgx.Identifier{def.KeyColumn}.Sanitize(),
		pgx.Identifier{s.tsCols.DeletedAt}.Sanitize())

	result, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to restore %s record %d: %w", module, id, err)
	}
	if result.RowsAffected() == 0 {
		return nil // nothing to restore
	}

	rec, err := s.Find(ctx, module, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%s record %d disappeared during restore", module, id)
	}

	logrus.WithFields(logrus.Fields{
		"module": module,
		"id":     id,
		"origin": src.Origin,
	}).Debug("Record restored")

	s.dispatch(ctx, Event{Action: ActionRestored, Record: rec, Source: src})
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case [16]byte:
		return uuid.UUID(s).String()
	case fmt.Stringer:
		return s.String()
	default:
		return ""
	}
}
