// Package cancel implements the cancel registry (C9): a process-wide map
// from (client_pid, client_secret) to the server connection a session
// currently owns, used to route PostgreSQL CancelRequest connections to
// the right upstream backend.
package cancel

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// Token identifies a client by the (process_id, secret_key) pair it was
// issued at startup.
type Token struct {
	PID    int32
	Secret int32
}

// Target is what a Token resolves to: the server connection's current
// upstream address and its own backend (pid, secret), captured at
// Register/Update time. Registry stores a pointer to a live Target so that
// Update can be called as the owning session acquires a new server across
// transactions, without a new Register/Unregister round-trip.
type Target struct {
	Addr          string
	BackendPID    int32
	BackendSecret int32
	closed        bool
}

// Registry is the process-wide cancel map. Its critical sections are kept
// intentionally short, per SPEC_FULL.md §5: no suspension occurs while the
// mutex is held.
type Registry struct {
	mu      sync.Mutex
	targets map[Token]*Target
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{targets: make(map[Token]*Target)}
}

// Register associates a client token with a mutable Target the owning
// session will keep updated as it moves between servers.
func (r *Registry) Register(tok Token, target *Target) {
	r.mu.Lock()
	r.targets[tok] = target
	r.mu.Unlock()
}

// Unregister removes a token, called on client disconnect.
func (r *Registry) Unregister(tok Token) {
	r.mu.Lock()
	delete(r.targets, tok)
	r.mu.Unlock()
}

// Lookup returns a copy of the current target for tok, or ok=false if the
// token is unknown or its target has been marked closed.
func (r *Registry) Lookup(tok Token) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[tok]
	if !ok || t.closed {
		return Target{}, false
	}
	return *t, true
}

// Forward opens a short-lived TCP connection to the target server and
// writes a raw PostgreSQL-format CancelRequest frame
// (80877102, server_pid, server_secret). Unknown identities are a silent
// no-op per spec.md §4.8: "unknown identities silently close."
func (r *Registry) Forward(tok Token, dialTimeout time.Duration) error {
	target, ok := r.Lookup(tok)
	if !ok {
		return nil
	}
	conn, err := net.DialTimeout("tcp", target.Addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("cancel: dialing upstream %s: %w", target.Addr, err)
	}
	defer conn.Close()

	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], 80877102)
	binary.BigEndian.PutUint32(buf[8:12], uint32(target.BackendPID))
	binary.BigEndian.PutUint32(buf[12:16], uint32(target.BackendSecret))
	_, err = conn.Write(buf)
	return err
}
