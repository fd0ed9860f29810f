package pool

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Key identifies a pool by the (database, user) pair clients connect with.
type Key struct {
	Database string
	User     string
}

func (k Key) String() string { return k.Database + "/" + k.User }

// OnExhaustedFactory builds the per-pool exhaustion callback, letting the
// registry's owner wire in metrics without the pool package depending on
// internal/metrics.
type OnExhaustedFactory func(key Key) OnExhausted

// Registry holds every live Pool, keyed by (database, user). Reads go
// through a lock-free atomic snapshot (an immutable map swapped on every
// write), generalizing the teacher's clone-on-write router snapshot
// pattern from tenant-ID keys to (database, user) keys: steady-state
// traffic only ever acquires a connection, never creates a pool, so the
// hot path (Get) never takes a lock.
type Registry struct {
	snapshot atomic.Value // map[Key]*Pool

	mu              sync.Mutex // serializes writers only
	dialers         map[Key]func() Dialer
	configs         map[Key]Config
	onExhaustedFn   OnExhaustedFactory
}

// NewRegistry constructs an empty Registry.
func NewRegistry(onExhaustedFn OnExhaustedFactory) *Registry {
	r := &Registry{
		dialers: make(map[Key]func() Dialer),
		configs: make(map[Key]Config),
	}
	if onExhaustedFn != nil {
		r.onExhaustedFn = onExhaustedFn
	}
	r.snapshot.Store(make(map[Key]*Pool))
	return r
}

// Get returns the pool for key without taking any lock.
func (r *Registry) Get(key Key) (*Pool, bool) {
	m := r.snapshot.Load().(map[Key]*Pool)
	p, ok := m[key]
	return p, ok
}

// GetOrCreate returns the pool for key, lazily creating it from the
// registered dialer factory and config if it doesn't exist yet.
func (r *Registry) GetOrCreate(key Key, dialerFactory func() Dialer, cfg Config) (*Pool, error) {
	if p, ok := r.Get(key); ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the writer lock: another writer may have created it
	// between our lock-free Get and taking mu.
	cur := r.snapshot.Load().(map[Key]*Pool)
	if p, ok := cur[key]; ok {
		return p, nil
	}

	dialer := dialerFactory()
	var onExhausted OnExhausted
	if r.onExhaustedFn != nil {
		onExhausted = r.onExhaustedFn(key)
	}
	p := New(key.Database, key.User, cfg, dialer, onExhausted)

	next := make(map[Key]*Pool, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = p
	r.snapshot.Store(next)
	r.dialers[key] = dialerFactory
	r.configs[key] = cfg
	slog.Info("pool: created", "database", key.Database, "user", key.User, "max_size", cfg.MaxSize, "mode", cfg.Mode)
	return p, nil
}

// Remove closes and evicts the pool for key, if present.
func (r *Registry) Remove(key Key) bool {
	r.mu.Lock()
	cur := r.snapshot.Load().(map[Key]*Pool)
	p, ok := cur[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	next := make(map[Key]*Pool, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	r.snapshot.Store(next)
	delete(r.dialers, key)
	delete(r.configs, key)
	r.mu.Unlock()

	p.Close()
	slog.Info("pool: removed", "database", key.Database, "user", key.User)
	return true
}

// All returns every currently registered pool, for SHOW SERVERS, the REST
// /status pool count, and Pause/Resume.
func (r *Registry) All() map[Key]*Pool {
	m := r.snapshot.Load().(map[Key]*Pool)
	out := make(map[Key]*Pool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AllStats returns a Stats snapshot for every pool.
func (r *Registry) AllStats() []Stats {
	m := r.snapshot.Load().(map[Key]*Pool)
	stats := make([]Stats, 0, len(m))
	for _, p := range m {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Stats returns Stats for one pool.
func (r *Registry) Stats(key Key) (Stats, bool) {
	p, ok := r.Get(key)
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

// Pause drains every pool's idle connections and blocks future Acquires
// until Resume is called, for the admin PAUSE command.
func (r *Registry) Pause() {
	for _, p := range r.All() {
		p.Pause()
		p.mu.Lock()
		idle := p.idle
		p.idle = nil
		p.mu.Unlock()
		for _, c := range idle {
			c.Close()
		}
	}
}

// Resume releases every pool paused by Pause, for the admin RESUME
// command.
func (r *Registry) Resume() {
	for _, p := range r.All() {
		p.Resume()
	}
}

// CloseAll closes every pool, draining active connections.
func (r *Registry) CloseAll() {
	m := r.snapshot.Load().(map[Key]*Pool)
	r.snapshot.Store(make(map[Key]*Pool))
	for _, p := range m {
		p.Close()
	}
}

// ParseKey splits a "database/user" string back into a Key, used by the
// admin KILL <pool> command.
func ParseKey(s string) (Key, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return Key{Database: s[:i], User: s[i+1:]}, nil
		}
	}
	return Key{}, fmt.Errorf("pool: malformed pool identifier %q, want database/user", s)
}
