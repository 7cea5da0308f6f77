package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures state transitions.
type Options struct {
	UnhealthyAfter int           // consecutive failures before unhealthy (default 3)
	GracePeriod    time.Duration // failure time before reclamation (default 60s)
	ReclaimStatic  bool          // reclaim static services as well as previews
	Now            func() time.Time
}

// Registry owns all upstream records. Reads are lock-free: the membership
// map is copy-on-write behind an atomic pointer and each entry holds its
// current snapshot in its own atomic pointer. Writers serialise on mu.
type Registry struct {
	opts Options

	mu      sync.Mutex
	entries atomic.Pointer[map[Key]*entry]
	gen     uint64

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

type entry struct {
	snap atomic.Pointer[Upstream]
}

func (e *entry) load() Upstream { return *e.snap.Load() }

func (e *entry) store(u Upstream) { e.snap.Store(&u) }

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.UnhealthyAfter <= 0 {
		opts.UnhealthyAfter = 3
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		opts: opts,
		subs: make(map[int]func(Event)),
	}
	empty := make(map[Key]*entry)
	r.entries.Store(&empty)
	return r
}

func (r *Registry) snapshot() map[Key]*entry {
	return *r.entries.Load()
}

// with returns a copy of the membership map with fn applied. Callers hold mu.
func (r *Registry) with(fn func(m map[Key]*entry)) {
	cur := r.snapshot()
	next := make(map[Key]*entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	r.entries.Store(&next)
}

// Register adds or replaces the upstream for key. Re-registering resets the
// state to starting and clears the failure history.
func (r *Registry) Register(key Key, address string, opts RegisterOptions) (Upstream, error) {
	if err := key.Validate(); err != nil {
		return Upstream{}, err
	}
	if err := ValidateAddress(address); err != nil {
		return Upstream{}, err
	}

	r.mu.Lock()
	r.gen++
	u := Upstream{
		Key:          key,
		ID:           key.String(),
		Kind:         key.Kind,
		Address:      address,
		HealthPath:   opts.HealthPath,
		State:        StateStarting,
		RegisteredAt: r.opts.Now(),
		Static:       opts.Static,
		Generation:   r.gen,
	}
	e := &entry{}
	e.store(u)
	r.with(func(m map[Key]*entry) { m[key] = e })
	r.mu.Unlock()

	r.emit(Event{Type: EventRegistered, Upstream: u})
	return u, nil
}

// Deregister removes the upstream for key. New lookups fail immediately;
// connections already proxied drain on their own.
func (r *Registry) Deregister(key Key) error {
	r.mu.Lock()
	e, ok := r.snapshot()[key]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.with(func(m map[Key]*entry) { delete(m, key) })
	r.mu.Unlock()

	u := e.load()
	r.emit(Event{Type: EventDeregistered, Upstream: u, Previous: u.State})
	return nil
}

// Resolve returns the current snapshot for key without taking a lock.
func (r *Registry) Resolve(key Key) (Upstream, error) {
	e, ok := r.snapshot()[key]
	if !ok {
		return Upstream{}, ErrNotFound
	}
	return e.load(), nil
}

// MarkResult folds a probe result into the upstream's state.
//
//	starting  --ok--> healthy
//	healthy   --ok--> healthy
//	unhealthy --ok--> healthy
//	starting|healthy --fail--> unhealthy once failures reach UnhealthyAfter
//	unhealthy --fail--> stopped (and removed) once GracePeriod has passed
//	                    since the last success, or registration if none
func (r *Registry) MarkResult(key Key, res HealthCheckResult) (Upstream, error) {
	now := res.CheckedAt
	if now.IsZero() {
		now = r.opts.Now()
	}

	r.mu.Lock()
	e, ok := r.snapshot()[key]
	if !ok {
		r.mu.Unlock()
		return Upstream{}, ErrNotFound
	}
	cur := e.load()
	if res.Generation != 0 && res.Generation != cur.Generation {
		r.mu.Unlock()
		return cur, ErrStaleResult
	}

	next := cur
	next.LastProbeAt = now
	next.LastLatency = res.Latency

	if res.OK {
		next.ConsecutiveFailures = 0
		next.LastSuccessAt = now
		next.LastError = ""
		next.State = StateHealthy
	} else {
		next.ConsecutiveFailures++
		if res.Err != nil {
			next.LastError = res.Err.Error()
		}
		switch cur.State {
		case StateStarting, StateHealthy:
			if next.ConsecutiveFailures >= r.opts.UnhealthyAfter {
				next.State = StateUnhealthy
			}
		case StateUnhealthy:
			if r.reclaimable(cur) && now.Sub(lastAlive(cur)) >= r.opts.GracePeriod {
				next.State = StateStopped
			}
		}
	}

	e.store(next)
	if next.State == StateStopped {
		r.with(func(m map[Key]*entry) { delete(m, key) })
	}
	r.mu.Unlock()

	switch {
	case next.State == StateStopped:
		r.emit(Event{Type: EventReclaimed, Upstream: next, Previous: cur.State})
	case next.State != cur.State:
		r.emit(Event{Type: EventStateChanged, Upstream: next, Previous: cur.State})
	}
	return next, nil
}

func (r *Registry) reclaimable(u Upstream) bool {
	return !u.Static || r.opts.ReclaimStatic
}

func lastAlive(u Upstream) time.Time {
	if !u.LastSuccessAt.IsZero() {
		return u.LastSuccessAt
	}
	return u.RegisteredAt
}

// List returns all upstreams ordered by id.
func (r *Registry) List() []Upstream {
	m := r.snapshot()
	out := make([]Upstream, 0, len(m))
	for _, e := range m {
		out = append(out, e.load())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered upstreams.
func (r *Registry) Len() int {
	return len(r.snapshot())
}

// Subscribe registers fn for every subsequent event and returns a function
// that removes it. fn runs on the writer's goroutine and must not block.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) emit(ev Event) {
	r.subMu.RLock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
