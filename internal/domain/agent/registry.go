package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Instance is a runnable binding of a Definition to a model endpoint. The
// Registry owns Instances; an Instance's lifecycle is the longest holder
// among its in-flight turns — on a definition update the registry builds a
// new Instance and keeps the old one alive until drained (refCount reaches
// zero), per spec §3.
type Instance struct {
	Def       *Definition
	BoundAt   time.Time
	refCount  int64
	retiring  int32
}

// Acquire marks one turn as using this instance; pairs with Release.
func (i *Instance) Acquire() { atomic.AddInt64(&i.refCount, 1) }

// Release marks a turn as finished with this instance.
func (i *Instance) Release() { atomic.AddInt64(&i.refCount, -1) }

// Drained reports whether the instance has no in-flight turns.
func (i *Instance) Drained() bool { return atomic.LoadInt64(&i.refCount) == 0 }

// MarkRetiring flags the instance as superseded; new turns should prefer the
// fresh instance but existing holders may finish on this one.
func (i *Instance) MarkRetiring() { atomic.StoreInt32(&i.retiring, 1) }

func (i *Instance) Retiring() bool { return atomic.LoadInt32(&i.retiring) == 1 }

// ListFilter narrows Registry.List by tier/category/tag.
type ListFilter struct {
	Tier     Tier
	Category string
	Tag      string
}

func (f ListFilter) matches(d *Definition) bool {
	if f.Tier != "" && d.Tier != f.Tier {
		return false
	}
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, t := range d.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// snapshot is an immutable point-in-time view of the registry: definitions
// plus their bound instances. Readers obtain a stable pointer to one
// snapshot and never block on a concurrent writer.
type snapshot struct {
	defs      map[string]*Definition
	instances map[string]*Instance
}

// Registry is C3: the dynamic, hot-reloadable agent directory. Concurrency
// follows the teacher's copy-on-write style (atomic.Pointer swap, readers
// lock-free, single writer at a time via mu).
type Registry struct {
	current atomic.Pointer[snapshot]
	mu       sync.Mutex // serializes writers (scan_and_load / swap)
	logger   *zap.Logger
	onReload func(event string, err error)
}

// NewRegistry constructs an empty registry. Call Load (e.g. with the
// definitions agentdoc.ScanAndLoad returns) before serving traffic.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger.With(zap.String("component", "agent-registry"))}
	r.current.Store(&snapshot{defs: map[string]*Definition{}, instances: map[string]*Instance{}})
	return r
}

// OnReload registers a callback invoked after every successful or failed
// reload swap, with event ∈ {"reload", "reload_failed"}.
func (r *Registry) OnReload(fn func(event string, err error)) {
	r.onReload = fn
}

// bind builds runnable Instances for a definition set, reusing bound
// instances whose content_hash is unchanged (so reloading an unchanged
// definition set produces an equal snapshot, per spec §8's idempotence
// property).
func (r *Registry) bind(defs map[string]*Definition) *snapshot {
	prev := r.current.Load()
	instances := make(map[string]*Instance, len(defs))
	for id, d := range defs {
		if old, ok := prev.instances[id]; ok && old.Def.ContentHash == d.ContentHash {
			instances[id] = old
			continue
		}
		if old, ok := prev.instances[id]; ok {
			old.MarkRetiring()
		}
		instances[id] = &Instance{Def: d, BoundAt: time.Now()}
	}
	return &snapshot{defs: defs, instances: instances}
}

// Load validates and publishes a freshly scanned definition set. Invalid
// entries must already have been filtered out by the caller (scan_and_load);
// Load itself enforces at-least-one-valid-snapshot and atomic publication.
func (r *Registry) Load(defs []*Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(defs) == 0 {
		if r.onReload != nil {
			r.onReload("reload_failed", ErrEmptyRegistry)
		}
		return ErrEmptyRegistry
	}
	byID := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		if _, dup := byID[d.ID]; dup {
			if r.onReload != nil {
				r.onReload("reload_failed", ErrDuplicateID)
			}
			return ErrDuplicateID
		}
		byID[d.ID] = d
	}

	next := r.bind(byID)
	r.current.Store(next)
	r.logger.Info("registry snapshot published", zap.Int("agents", len(byID)))
	if r.onReload != nil {
		r.onReload("reload", nil)
	}
	return nil
}

// Get returns the runnable Instance for agent_id, acquiring it on behalf of
// the caller's turn. Callers must Release when the turn ends.
func (r *Registry) Get(agentID string) (*Instance, error) {
	snap := r.current.Load()
	inst, ok := snap.instances[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	inst.Acquire()
	return inst, nil
}

// List returns definitions matching filter (zero-value filter matches all).
func (r *Registry) List(filter ListFilter) []*Definition {
	snap := r.current.Load()
	out := make([]*Definition, 0, len(snap.defs))
	for _, d := range snap.defs {
		if filter.matches(d) {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of registered agents — the spec treats agent
// count strictly as a registry output, never a constant.
func (r *Registry) Count() int {
	return len(r.current.Load().defs)
}
