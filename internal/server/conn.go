// Package server implements the server connection (C8): dialing upstream,
// authenticating as a client of the real PostgreSQL server, parameter
// synchronization, cleanup policies, and the per-connection prepared
// statement LRU.
package server

import (
	"net"
	"sync"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// State is the lifecycle state of a server connection.
type State int

const (
	StateIdle State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a single outbound connection to a real PostgreSQL server.
// ServerConnection in SPEC_FULL.md §3.
type Conn struct {
	mu sync.Mutex

	netConn net.Conn
	Reader  *wire.Reader
	Writer  *wire.Writer

	Addr          string
	BackendPID    int32
	BackendSecret int32

	ServerParams map[string]string
	Cleanup      CleanupState
	Statements   *StatementCache

	state     State
	healthy   bool
	createdAt time.Time
	lastUsed  time.Time

	installedLimit int
}

// Options configures a new Conn's prepared-statement cache size, mirroring
// the owning pool's policy.
type Options struct {
	StatementCacheSize int
}

// NewConn wraps an already-dialed-and-authenticated net.Conn.
func NewConn(nc net.Conn, addr string, pid, secret int32, params map[string]string, opts Options) *Conn {
	size := opts.StatementCacheSize
	if size <= 0 {
		size = 100
	}
	return &Conn{
		netConn:        nc,
		Reader:         wire.NewReader(nc),
		Writer:         wire.NewWriter(nc, nil),
		Addr:           addr,
		BackendPID:     pid,
		BackendSecret:  secret,
		ServerParams:   params,
		Statements:     NewStatementCache(size),
		state:          StateIdle,
		healthy:        true,
		createdAt:      time.Now(),
		lastUsed:       time.Now(),
		installedLimit: size,
	}
}

// Raw returns the underlying net.Conn, used for direct streaming copies.
func (c *Conn) Raw() net.Conn { return c.netConn }

// MarkActive transitions the connection to active use by a session.
func (c *Conn) MarkActive() {
	c.mu.Lock()
	c.state = StateActive
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// MarkIdle transitions the connection back to idle, owned by the pool.
func (c *Conn) MarkIdle() {
	c.mu.Lock()
	c.state = StateIdle
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// MarkBad marks the connection unhealthy; the pool must destroy rather
// than recycle it.
func (c *Conn) MarkBad() {
	c.mu.Lock()
	c.healthy = false
	c.mu.Unlock()
}

// Healthy reports whether the connection reported any connection-fatal
// error in its last life.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && c.state != StateClosed
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt returns the connection's creation time.
func (c *Conn) CreatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdAt
}

// LastUsed returns the last time the connection transitioned state.
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsExpired reports whether the connection has exceeded maxLifetime.
func (c *Conn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.CreatedAt()) > maxLifetime
}

// IsIdleExpired reports whether the connection has been idle longer than
// idleTimeout. An idleTimeout of 0 always reports true, so no connection
// is kept idle; a negative idleTimeout disables the check.
func (c *Conn) IsIdleExpired(idleTimeout time.Duration) bool {
	if idleTimeout <= 0 {
		return idleTimeout == 0
	}
	return c.State() == StateIdle && time.Since(c.LastUsed()) > idleTimeout
}

// UpdateParam records an observed ParameterStatus from the server.
func (c *Conn) UpdateParam(key, value string) {
	c.mu.Lock()
	if c.ServerParams == nil {
		c.ServerParams = make(map[string]string)
	}
	c.ServerParams[key] = value
	c.mu.Unlock()
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.netConn.Close()
}

// ObserveClientActivity updates CleanupState flags from a simple-query or
// extended-query statement text, called by the session FSM as it forwards
// client traffic, so release-time cleanup knows what to reset.
func (c *Conn) ObserveClientActivity(stmt string) {
	upper := upperTrim(stmt)
	switch {
	case hasPrefixWord(upper, "SET"):
		c.Cleanup.SetVars = true
	case hasPrefixWord(upper, "PREPARE"):
		c.Cleanup.Prepared = true
	case hasPrefixWord(upper, "DECLARE") && containsWord(upper, "CURSOR"):
		c.Cleanup.DeclaredCursors = true
	}
}

func upperTrim(s string) string {
	b := make([]byte, 0, len(s))
	start := true
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if start && (ch == ' ' || ch == '\t' || ch == '\n') {
			continue
		}
		start = false
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		b = append(b, ch)
	}
	return string(b)
}

func hasPrefixWord(s, word string) bool {
	if len(s) < len(word) {
		return false
	}
	if s[:len(word)] != word {
		return false
	}
	return len(s) == len(word) || s[len(word)] == ' '
}

func containsWord(s, word string) bool {
	n := len(word)
	for i := 0; i+n <= len(s); i++ {
		if s[i:i+n] == word {
			return true
		}
	}
	return false
}
