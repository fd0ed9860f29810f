// Package pool implements the connection pool (C7): bounded semaphore with
// true FIFO waiter ordering, idle LIFO stack, lifetime/idle expiration, a
// background reaper, and min-idle warm-up. Generalized from the teacher's
// TenantPool (idle LIFO stack, sync.Cond waiter wakeup, reapLoop/warmUp),
// which was keyed by an arbitrary tenant ID; Pool here is keyed by
// (database, user) per SPEC_FULL.md §3, and wraps *server.Conn rather than
// dialing and authenticating inline.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/server"
)

// ErrWaitTimeout is returned by Acquire when wait_timeout elapses waiting
// for a permit. Recoverable per spec.md §4.4: the caller reports 57014 and
// returns the client session to Idle rather than tearing down the
// connection. Callers distinguish it from other Acquire failures (dial
// failure, pool closed, context canceled), which are not recoverable, via
// errors.Is.
var ErrWaitTimeout = errors.New("pool: wait_timeout exceeded")

// Mode is the pooling mode for a pool.
type Mode string

const (
	ModeTransaction Mode = "transaction"
	ModeSession     Mode = "session"
)

// Config is a pool's policy, matching spec.md §4.6.
type Config struct {
	MaxSize          int
	MinIdle          int
	WaitTimeout      time.Duration
	CreateTimeout    time.Duration
	RecycleTimeout   time.Duration
	MaxLifetime      time.Duration
	IdleTimeout      time.Duration
	ServerRoundRobin bool
	Mode             Mode

	StatementCacheSize int
	CleanupEnabled     bool
}

// Stats is a point-in-time occupancy snapshot, surfaced by SHOW POOLS and
// the REST /pools endpoint.
type Stats struct {
	Database  string
	User      string
	Mode      Mode
	Active    int
	Idle      int
	Total     int
	Waiting   int
	MaxSize   int
	MinIdle   int
	Exhausted int64
}

// Dialer creates a new, authenticated server connection for a pool.
type Dialer interface {
	Dial(ctx context.Context) (*server.Conn, error)
}

// OnExhausted is invoked whenever Acquire must queue a waiter because the
// pool is already at MaxSize.
type OnExhausted func(database, user string)

type waiter struct {
	ch chan struct{}
}

// Pool is the bounded connection pool for a single (database, user) pair.
type Pool struct {
	Database    string
	User        string
	cfg         Config
	dialer      Dialer
	onExhausted OnExhausted

	mu        sync.Mutex
	idle      []*server.Conn // LIFO stack
	active    map[*server.Conn]struct{}
	total     int
	waiters   *list.List // FIFO queue of *waiter
	exhausted int64
	closed    bool
	stopCh    chan struct{}
	resumeCh  chan struct{} // non-nil while the admin PAUSE command holds this pool
}

// New constructs a Pool and starts its background reaper (and, if MinIdle
// > 0, a warm-up pass).
func New(database, user string, cfg Config, dialer Dialer, onExhausted OnExhausted) *Pool {
	p := &Pool{
		Database:    database,
		User:        user,
		cfg:         cfg,
		dialer:      dialer,
		onExhausted: onExhausted,
		active:      make(map[*server.Conn]struct{}),
		waiters:     list.New(),
		stopCh:      make(chan struct{}),
	}
	go p.reapLoop()
	if cfg.MinIdle > 0 {
		go p.warmUp()
	}
	return p
}

func (p *Pool) warmUp() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < p.cfg.MinIdle; i++ {
		p.mu.Lock()
		if p.total >= p.cfg.MaxSize || p.closed {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.dialer.Dial(ctx)
		if err != nil {
			slog.Warn("pool: warm-up dial failed", "database", p.Database, "user", p.User, "error", err)
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		conn.MarkIdle()
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	slog.Info("pool: pre-warmed connections", "count", p.cfg.MinIdle, "database", p.Database, "user", p.User)
}

// Acquire blocks until a connection is available, creates one under the
// MaxSize bound, or fails with a timeout/context error.
//
// Algorithm (spec.md §4.6):
//  1. Take a permit from a fair (FIFO) semaphore bounded by MaxSize.
//  2. Pop an idle connection, or dial a new one.
//  3. Validate liveness; destroy and retry (bounded) on expiry.
//  4. Return the connection, now marked active.
func (p *Pool) Acquire(ctx context.Context) (*server.Conn, error) {
	if err := p.waitIfPaused(ctx); err != nil {
		return nil, err
	}

	var deadline time.Time
	if p.cfg.WaitTimeout > 0 {
		deadline = time.Now().Add(p.cfg.WaitTimeout)
	}

	const maxRetries = 8
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err := p.acquireOnce(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			continue // a stale idle connection was destroyed; retry
		}
		conn.MarkActive()
		return conn, nil
	}
	return nil, fmt.Errorf("pool: exceeded retry budget acquiring connection for (%s,%s)", p.Database, p.User)
}

// acquireOnce takes one permit (queueing FIFO if necessary), pops or dials
// a connection, and validates it. A nil, nil return means the caller
// should retry: a stale idle connection was found and destroyed.
func (p *Pool) acquireOnce(ctx context.Context, deadline time.Time) (*server.Conn, error) {
	if err := p.takePermit(ctx, deadline); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: closed")
	}
	if len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()

		if conn.IsExpired(p.cfg.MaxLifetime) || conn.IsIdleExpired(p.cfg.IdleTimeout) || !conn.Healthy() {
			conn.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.releasePermitSlot()
			return nil, nil
		}
		p.mu.Lock()
		p.active[conn] = struct{}{}
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	createCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.CreateTimeout > 0 {
		createCtx, cancel = context.WithTimeout(ctx, p.cfg.CreateTimeout)
		defer cancel()
	}
	conn, err := p.dialer.Dial(createCtx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		p.releasePermitSlot()
		return nil, fmt.Errorf("pool: creating connection for (%s,%s): %w", p.Database, p.User, err)
	}
	p.mu.Lock()
	p.active[conn] = struct{}{}
	p.mu.Unlock()
	return conn, nil
}

// takePermit enforces MaxSize with strict FIFO waiter ordering: a waiter
// enqueues a dedicated wake channel and is only ever woken in enqueue
// order, unlike the teacher's sync.Cond.Signal(), whose wakeup order
// among multiple waiters is unspecified.
func (p *Pool) takePermit(ctx context.Context, deadline time.Time) error {
	p.mu.Lock()
	if !p.closed && p.total < p.cfg.MaxSize && p.waiters.Len() == 0 {
		p.total++
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pool: closed")
	}

	p.exhausted++
	cb := p.onExhausted
	database, user := p.Database, p.User
	w := &waiter{ch: make(chan struct{}, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	if cb != nil {
		cb(database, user)
	}

	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case <-w.ch:
		return nil
	case <-timerCh:
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return fmt.Errorf("pool: wait_timeout exceeded acquiring (%s,%s): %w", p.Database, p.User, ErrWaitTimeout)
	case <-ctx.Done():
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return ctx.Err()
	}
}

// releasePermitSlot wakes the longest-waiting waiter, handing it the freed
// permit directly, or leaves the permit free for the next Acquire to take.
func (p *Pool) releasePermitSlot() {
	p.mu.Lock()
	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		p.total++
		p.mu.Unlock()
		front.Value.(*waiter).ch <- struct{}{}
		return
	}
	p.mu.Unlock()
}

// Return hands a connection back to the pool. A healthy, unexpired
// connection is pushed onto the idle stack and handed directly to the
// longest-waiting FIFO waiter if one exists; otherwise it is destroyed and
// its permit released.
func (p *Pool) Return(conn *server.Conn) {
	p.mu.Lock()
	delete(p.active, conn)
	p.mu.Unlock()

	if p.cfg.CleanupEnabled {
		if err := conn.RunCleanup(); err != nil {
			conn.MarkBad()
		}
	}

	if !conn.Healthy() || conn.IsExpired(p.cfg.MaxLifetime) || p.cfg.IdleTimeout == 0 {
		conn.Close()
		p.mu.Lock()
		p.total--
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.releasePermitSlot()
		}
		return
	}

	conn.MarkIdle()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.handIdleToNextWaiter()
}

// handIdleToNextWaiter hands the permit belonging to the just-returned idle
// connection straight to the next FIFO waiter, if any, without changing
// total (the permit never left the pool).
func (p *Pool) handIdleToNextWaiter() {
	p.mu.Lock()
	front := p.waiters.Front()
	if front == nil {
		p.mu.Unlock()
		return
	}
	p.waiters.Remove(front)
	p.mu.Unlock()
	front.Value.(*waiter).ch <- struct{}{}
}

// Stats returns a point-in-time occupancy snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Database:  p.Database,
		User:      p.User,
		Mode:      p.cfg.Mode,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiters.Len(),
		MaxSize:   p.cfg.MaxSize,
		MinIdle:   p.cfg.MinIdle,
		Exhausted: p.exhausted,
	}
}

// Pause holds new Acquires from proceeding until Resume is called, for the
// admin PAUSE command. Idle connections are left untouched; callers that
// also want to drop them should use Registry.Pause's idle-drain.
func (p *Pool) Pause() {
	p.mu.Lock()
	if p.resumeCh == nil {
		p.resumeCh = make(chan struct{})
	}
	p.mu.Unlock()
}

// Resume releases any Acquire calls blocked by Pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	if p.resumeCh != nil {
		close(p.resumeCh)
		p.resumeCh = nil
	}
	p.mu.Unlock()
}

// waitIfPaused blocks until Resume is called or ctx is done, a no-op if
// the pool isn't currently paused.
func (p *Pool) waitIfPaused(ctx context.Context) error {
	p.mu.Lock()
	ch := p.resumeCh
	p.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns every connection currently owned by the pool (idle and
// active), for the admin SHOW SERVERS command.
func (p *Pool) Snapshot() []*server.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*server.Conn, 0, len(p.idle)+len(p.active))
	out = append(out, p.idle...)
	for c := range p.active {
		out = append(out, c)
	}
	return out
}

// Drain closes idle connections immediately and waits (bounded) for active
// ones to return naturally, then force-closes stragglers.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}

	activeCount := func() int {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.active)
	}
	if activeCount() == 0 {
		return
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if activeCount() == 0 {
			return
		}
		<-ticker.C
	}
	p.mu.Lock()
	for c := range p.active {
		c.Close()
	}
	p.mu.Unlock()
	slog.Warn("pool: force-closed active connections after drain timeout", "database", p.Database, "user", p.User)
}

// Close idempotently shuts the pool down: it refuses new Acquires,
// unblocks any FIFO waiters with an error, and drains remaining
// connections.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*waiter).ch)
	}
	p.waiters.Init()
	close(p.stopCh)
	p.mu.Unlock()
	p.Drain(30 * time.Second)
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle evicts expired or idle-timed-out connections down to MinIdle,
// preferring to keep the most recently returned (mirrors the teacher's
// reapIdle, which reaps from the front of the LIFO stack first).
func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) <= p.cfg.MinIdle {
		return
	}
	kept := make([]*server.Conn, 0, len(p.idle))
	excess := len(p.idle) - p.cfg.MinIdle
	for i, c := range p.idle {
		if i < excess && (c.IsIdleExpired(p.cfg.IdleTimeout) || c.IsExpired(p.cfg.MaxLifetime)) {
			c.Close()
			p.total--
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
}
