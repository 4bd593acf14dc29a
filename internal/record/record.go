// Package record provides the generic PostgreSQL-backed record layer: module
// registry, attribute-level access to domain tables, and post-commit lifecycle
// events consumed by the sync engine.
package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Origin tags where a mutation came from. It is threaded through every store
// call so remote-origin writes never re-enter the outbound sync path.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// String returns the origin name for logging
func (o Origin) String() string {
	if o == OriginRemote {
		return "remote"
	}
	return "local"
}

// Action is a record lifecycle transition
type Action int

const (
	ActionCreated Action = iota
	ActionUpdated
	ActionDeleted
	ActionRestored
)

// String returns the action name for logging
func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "created"
	case ActionUpdated:
		return "updated"
	case ActionDeleted:
		return "deleted"
	case ActionRestored:
		return "restored"
	default:
		return "unknown"
	}
}

// Source describes the origin of one mutation. Remote-origin mutations carry
// the remote document identity so the outbound hook can address the existing
// document instead of pushing a duplicate.
type Source struct {
	Origin    Origin
	RemoteID  string
	RemoteRev string
}

// Local is the source of application-originated mutations
var Local = Source{Origin: OriginLocal}

// Remote builds a remote-origin source carrying the inbound document identity
func Remote(remoteID, remoteRev string) Source {
	return Source{Origin: OriginRemote, RemoteID: remoteID, RemoteRev: remoteRev}
}

// Record is one local entity instance with its persisted attributes
type Record struct {
	Module  string
	ID      int64
	UUID    string
	Attrs   map[string]any
	Deleted bool
}

// Event is a post-commit lifecycle notification. Events fire only after the
// local write has been committed. SoftDelete marks Deleted events where the
// record was tombstoned locally instead of removed.
type Event struct {
	Action     Action
	Record     *Record
	Source     Source
	SoftDelete bool
}

// Handler consumes lifecycle events
type Handler func(ctx context.Context, ev Event)

// ModuleDef describes one registered module: its discriminator name, backing
// table, and whether it participates in remote sync. The sync capability is
// fixed at registration time.
type ModuleDef struct {
	Name       string
	Table      string
	KeyColumn  string // defaults to "id"
	UUIDColumn string // defaults to "uuid"; used only when the table has it
	Syncable   bool
}

// Registry maps module discriminator names to their definitions
type Registry struct {
	mu   sync.RWMutex
	defs map[string]ModuleDef
}

// NewRegistry creates an empty module registry
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]ModuleDef)}
}

// Register adds a module definition, filling column defaults
func (r *Registry) Register(def ModuleDef) error {
	if def.Name == "" {
		return fmt.Errorf("module name is required")
	}
	if def.Table == "" {
		return fmt.Errorf("module %s: table is required", def.Name)
	}
	if def.KeyColumn == "" {
		def.KeyColumn = "id"
	}
	if def.UUIDColumn == "" {
		def.UUIDColumn = "uuid"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("module %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup returns the definition of a module
func (r *Registry) Lookup(name string) (ModuleDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Syncable reports whether the module exists and is opted into sync
func (r *Registry) Syncable(name string) bool {
	def, ok := r.Lookup(name)
	return ok && def.Syncable
}

// SyncedModules returns the sorted names of all sync-enabled modules
func (r *Registry) SyncedModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name, def := range r.defs {
		if def.Syncable {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
