// Package session implements the client session (C5) and the prepared
// statement rewriter/reorderer (C6): the per-client finite state machine
// that acquires a server connection from the pool, forwards extended and
// simple query protocol traffic, rewrites Parse messages onto a
// pool-shared canonical statement cache, and splices synthetic responses
// back in for cache hits. Grounded on the teacher's
// internal/proxy/pg_relay.go relayPGTransactionMode loop (transaction
// boundary detection via ReadyForQuery status, session pinning,
// resetAndReturn/cleanupBackend), generalized with the rewrite/reorder
// layer spec.md adds on top.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/cancel"
	"github.com/pgvoyage/pgvoyage/internal/perr"
	"github.com/pgvoyage/pgvoyage/internal/pool"
	"github.com/pgvoyage/pgvoyage/internal/server"
	"github.com/pgvoyage/pgvoyage/internal/stats"
	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// State is the client session's FSM state (spec.md §4.4).
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateInTransactionIdle
	StateInTransactionActive
	StateCancelForwarding
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateInTransactionIdle:
		return "in_transaction_idle"
	case StateInTransactionActive:
		return "in_transaction_active"
	case StateCancelForwarding:
		return "cancel_forwarding"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// AdminInterceptor lets an outer admin channel (internal/admin) claim a
// simple-query message before it would otherwise be forwarded to a real
// server, without session depending on admin's package directly.
type AdminInterceptor interface {
	// Handle processes an admin command and writes its own response
	// (including ReadyForQuery) directly to w. ok=false means the query
	// was not an admin command and should be handled normally.
	Handle(ctx context.Context, query string, w *wire.Writer) (ok bool, err error)
}

// Client bundles what Session needs from a negotiated client connection.
type Client struct {
	Reader    *wire.Reader
	Writer    *wire.Writer
	Conn      net.Conn // read-deadline target for idle_timeout on InTransactionIdle; nil is fine, deadlines are just skipped
	Database  string
	User      string
	ProcessID int32
	SecretKey int32
	Params    map[string]string
	IsAdmin   bool
}

// Session drives one client connection end to end.
type Session struct {
	client    Client
	key       pool.Key
	registry  *pool.Registry
	cfg       pool.Config
	dialerFn  func() pool.Dialer
	statsReg  *stats.Registry
	cancelReg *cancel.Registry
	admin     AdminInterceptor
	clientReg *ClientRegistry

	state    atomic.Int32 // State, read cross-goroutine by ClientRegistry.Snapshot for SHOW CLIENTS
	current  *server.Conn
	prepared *preparedRegistry
	reorder  *Reorderer

	desiredParams map[string]string
	flushed       bool // whole-session Flush caching-disable latch (spec.md §9)

	cancelTarget *cancel.Target
	txnStart     time.Time
	connectedAt  time.Time
}

// State returns the session's current FSM state, safe to call from another
// goroutine (used by the admin SHOW CLIENTS command).
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Config bundles the dependencies a new Session needs beyond the
// negotiated client connection.
type Config struct {
	Registry  *pool.Registry
	PoolCfg   pool.Config
	DialerFn  func() pool.Dialer
	StatsReg  *stats.Registry
	CancelReg *cancel.Registry
	Admin     AdminInterceptor
	ClientReg *ClientRegistry
}

// New constructs a Session for a freshly negotiated client.
func New(client Client, cfg Config) *Session {
	s := &Session{
		client:        client,
		key:           pool.Key{Database: client.Database, User: client.User},
		registry:      cfg.Registry,
		cfg:           cfg.PoolCfg,
		dialerFn:      cfg.DialerFn,
		statsReg:      cfg.StatsReg,
		cancelReg:     cfg.CancelReg,
		admin:         cfg.Admin,
		clientReg:     cfg.ClientReg,
		prepared:      newPreparedRegistry(),
		reorder:       NewReorderer(),
		desiredParams: make(map[string]string),
		connectedAt:   time.Now(),
	}
	s.setState(StateIdle)
	for k, v := range client.Params {
		s.desiredParams[k] = v
	}
	if s.cancelReg != nil {
		s.cancelTarget = &cancel.Target{}
		s.cancelReg.Register(cancel.Token{PID: client.ProcessID, Secret: client.SecretKey}, s.cancelTarget)
	}
	if s.clientReg != nil {
		s.clientReg.register(s)
	}
	return s
}

// Run drives the session until the client disconnects, terminates, or an
// unrecoverable protocol error occurs.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	for {
		s.armIdleInTxDeadline()
		msg, err := s.client.Reader.Next()
		if err != nil {
			if s.isIdleInTxTimeout(err) {
				s.handleIdleInTxTimeout()
				return nil
			}
			s.onClientGone()
			return nil
		}

		switch msg.Tag {
		case wire.TagTerminate:
			s.onGracefulTerminate()
			return nil

		case wire.TagQuery:
			if err := s.handleSimpleQuery(ctx, msg); err != nil {
				return err
			}

		case wire.TagParse:
			if err := s.handleParse(ctx, msg); err != nil {
				return err
			}
		case wire.TagBind:
			if err := s.handleExtended(ctx, opBind, msg); err != nil {
				return err
			}
		case wire.TagDescribe:
			if err := s.handleExtended(ctx, opDescribe, msg); err != nil {
				return err
			}
		case wire.TagExecute:
			if err := s.handleExtended(ctx, opExecute, msg); err != nil {
				return err
			}
		case wire.TagClose:
			if err := s.handleClose(ctx, msg); err != nil {
				return err
			}
		case wire.TagSync:
			if err := s.handleSync(ctx); err != nil {
				return err
			}
		case wire.TagFlush:
			s.flushed = true
			if err := s.handleExtended(ctx, opOther, msg); err != nil {
				return err
			}

		default:
			// CopyData/CopyDone/CopyFail/FunctionCall and anything else:
			// forward raw, transparently, without touching batch state.
			if err := s.forwardRaw(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// armIdleInTxDeadline sets a read deadline on the client connection while
// the session is holding an open transaction but waiting on the client's
// next message (spec.md §4.4: idle_timeout on InTransactionIdle), clearing
// any previously armed deadline otherwise.
func (s *Session) armIdleInTxDeadline() {
	if s.client.Conn == nil {
		return
	}
	if s.State() == StateInTransactionIdle && s.cfg.IdleTimeout > 0 {
		s.client.Conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return
	}
	s.client.Conn.SetReadDeadline(time.Time{})
}

// isIdleInTxTimeout reports whether err is the read timeout armed by
// armIdleInTxDeadline, which only ever fires while InTransactionIdle.
func (s *Session) isIdleInTxTimeout(err error) bool {
	if s.State() != StateInTransactionIdle {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handleIdleInTxTimeout implements spec.md §4.4's idle_timeout breach while
// InTransactionIdle: roll back the open transaction on the server, return
// the connection to its pool, and drop the client with 25P03.
func (s *Session) handleIdleInTxTimeout() {
	slog.Warn("session: idle_timeout exceeded while in transaction, rolling back", "database", s.client.Database, "user", s.client.User)
	s.client.Conn.SetReadDeadline(time.Time{})
	s.rollbackAndRelease()
	perr.WriteFatal(s.client.Writer, perr.CodeIdleInTxTimeout, "terminating connection due to idle-in-transaction timeout")
}

func (s *Session) onClientGone() {
	if s.current != nil {
		slog.Warn("session: client disconnected mid-transaction, rolling back", "database", s.client.Database, "user", s.client.User)
		s.rollbackAndRelease()
	}
}

func (s *Session) onGracefulTerminate() {
	if s.current != nil {
		s.release(true)
	}
}

func (s *Session) close() {
	s.setState(StateClosing)
	if s.current != nil {
		s.release(false)
	}
	if s.cancelReg != nil {
		s.cancelReg.Unregister(cancel.Token{PID: s.client.ProcessID, Secret: s.client.SecretKey})
	}
	if s.clientReg != nil {
		s.clientReg.unregister(s.client.ProcessID)
	}
}

// acquire obtains a server connection for this session if it doesn't
// already hold one, synchronizing tracked parameters onto it.
//
// Its return distinguishes three outcomes for callers: (true, nil) means a
// connection is held and the caller should proceed; (false, nil) means
// acquisition failed recoverably (wait_timeout exceeded: pool-exhaustion,
// spec.md §4.4/§7) and a non-fatal error was already written to the
// client, so the caller should abandon the current message and let Run
// keep the session alive, back in Idle; (false, err) means acquisition
// failed fatally (upstream unreachable, pool closed/paused, context
// canceled) and a FATAL was already written, so the caller should
// propagate err and let the connection tear down.
func (s *Session) acquire(ctx context.Context) (bool, error) {
	if s.current != nil {
		return true, nil
	}
	s.setState(StateAcquiring)

	p, err := s.registry.GetOrCreate(s.key, s.dialerFn, s.cfg)
	if err != nil {
		return false, s.fatalf(perr.CodeConnectionFail, "acquiring pool: %v", err)
	}

	waitStart := time.Now()
	conn, err := p.Acquire(ctx)
	if s.statsReg != nil {
		s.statsReg.Get(s.key.String()).RecordWait(time.Since(waitStart))
	}
	if err != nil {
		if errors.Is(err, pool.ErrWaitTimeout) {
			if werr := perr.WriteError(s.client.Writer, perr.CodeQueryCanceled, fmt.Sprintf("pool exhausted: %v", err)); werr != nil {
				return false, werr
			}
			s.setState(StateIdle)
			return false, nil
		}
		return false, s.fatalf(perr.CodeConnectionFail, "acquiring server connection: %v", err)
	}

	if err := conn.SyncParams(s.desiredParams); err != nil {
		conn.MarkBad()
		p.Return(conn)
		return false, s.fatalf(perr.CodeConnectionFail, "synchronizing parameters: %v", err)
	}

	s.current = conn
	s.txnStart = time.Now()
	if s.cancelTarget != nil {
		s.cancelTarget.Addr = conn.Addr
		s.cancelTarget.BackendPID = conn.BackendPID
		s.cancelTarget.BackendSecret = conn.BackendSecret
	}
	s.setState(StateInTransactionIdle)
	return true, nil
}

// release returns the current server connection to its pool (transaction
// mode) or, in session mode, never releases mid-session (Run's close()
// handles session-mode release at disconnect via release(false)).
func (s *Session) release(atTransactionBoundary bool) {
	if s.current == nil {
		return
	}
	if s.cfg.Mode == pool.ModeSession && atTransactionBoundary {
		return // session-mode pools hold the connection for the whole session
	}
	if s.statsReg != nil && !s.txnStart.IsZero() {
		s.statsReg.Get(s.key.String()).RecordTransaction(time.Since(s.txnStart))
	}
	p, ok := s.registry.Get(s.key)
	conn := s.current
	s.current = nil
	s.prepared.closeAll()
	s.reorder.Reset()
	s.setState(StateIdle)
	if !ok {
		conn.Close()
		return
	}
	p.Return(conn)
}

// rollbackAndRelease handles a dirty client disconnect mid-transaction:
// issue ROLLBACK, then the normal cleanup-and-return path, matching the
// teacher's cleanupBackend.
func (s *Session) rollbackAndRelease() {
	conn := s.current
	if conn == nil {
		return
	}
	if err := conn.Writer.WriteMessage(wire.TagQuery, append([]byte("ROLLBACK"), 0)); err != nil {
		conn.MarkBad()
	} else {
		for {
			msg, err := conn.Reader.Next()
			if err != nil {
				conn.MarkBad()
				break
			}
			if msg.Tag == wire.TagReadyForQuery {
				break
			}
		}
	}
	s.release(false)
}

func (s *Session) fatalf(code, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err := perr.WriteFatal(s.client.Writer, code, msg); err != nil {
		return err
	}
	return &perr.Fatal{Code: code, Message: msg, Kind: perr.KindServerError}
}

// handleSimpleQuery forwards a simple Query('Q') message, releasing the
// server connection at the next ReadyForQuery('I') unless the pool is in
// session mode or a transaction is held open. Admin commands are
// intercepted before ever reaching a real server.
func (s *Session) handleSimpleQuery(ctx context.Context, msg wire.Message) error {
	query := cstringToString(msg.Payload)

	if s.admin != nil {
		if ok, err := s.admin.Handle(ctx, query, s.client.Writer); ok {
			return err
		}
	}

	if ok, err := s.acquire(ctx); err != nil {
		return err
	} else if !ok {
		return nil
	}
	s.current.ObserveClientActivity(query)
	s.setState(StateInTransactionActive)

	queryStart := time.Now()
	if err := s.current.Writer.WriteMessage(wire.TagQuery, msg.Payload); err != nil {
		s.current.MarkBad()
		return fmt.Errorf("session: forwarding simple query: %w", err)
	}

	for {
		rmsg, err := s.current.Reader.Next()
		if err != nil {
			s.current.MarkBad()
			s.release(false)
			return fmt.Errorf("session: reading simple query response: %w", err)
		}
		if err := s.client.Writer.WriteMessage(rmsg.Tag, rmsg.Payload); err != nil {
			s.rollbackAndRelease()
			return nil
		}
		if rmsg.Tag == wire.TagReadyForQuery {
			if s.statsReg != nil {
				s.statsReg.Get(s.key.String()).RecordQuery(time.Since(queryStart))
			}
			txStatus := byte('I')
			if len(rmsg.Payload) > 0 {
				txStatus = rmsg.Payload[0]
			}
			if txStatus == 'I' {
				s.release(true)
			} else {
				s.setState(StateInTransactionIdle)
			}
			return nil
		}
	}
}

// serverStatementSeq numbers server-side statement names for the whole
// process, so a name one session installs on a server connection never
// collides with a name another session installed there earlier.
var serverStatementSeq atomic.Uint64

// handleParse applies the rewrite step of C6: a cache hit never reaches
// the server; a cache miss is forwarded under a fresh server-side name
// from serverStatementSeq, evicting and closing the LRU's oldest entry
// first if the per-connection statement cache is full.
func (s *Session) handleParse(ctx context.Context, msg wire.Message) error {
	if ok, err := s.acquire(ctx); err != nil {
		return err
	} else if !ok {
		return nil
	}
	s.setState(StateInTransactionActive)

	name, query, paramOIDs, err := parseParseMessage(msg.Payload)
	if err != nil {
		return s.fatalf(perr.CodeProtocolViolation, "malformed Parse message: %v", err)
	}
	s.current.ObserveClientActivity(query)

	cs := s.prepared.parse(name, query, paramOIDs)
	canonical := cs.Canonical

	// Once a session has ever issued Flush it is treated as an
	// async-client pipelining requests ahead of responses; Parse-skipping
	// is disabled for the remainder of the session (spec.md §4.5's stated
	// policy knob, kept at the stricter whole-session setting), since a
	// skipped Parse's synthetic response could otherwise be reordered
	// relative to already-in-flight Flush-driven traffic.
	if !s.flushed {
		if existing, hit := s.current.Statements.Has(canonical); hit {
			cs.ServerName = existing
			s.reorder.Push(opParse, true)
			return nil
		}
	}

	serverName := serverStatementName(serverStatementSeq.Add(1))
	if evictedName, evicted := s.current.Statements.Add(canonical, serverName); evicted {
		if err := s.current.Writer.WriteMessage(wire.TagClose, append(append([]byte{'S'}, evictedName...), 0)); err != nil {
			s.current.MarkBad()
			return fmt.Errorf("session: evicting statement %s: %w", evictedName, err)
		}
		s.reorder.PushInternal(opClose)
	}

	rewritten := rewriteParseMessage(msg.Payload, serverName)
	if err := s.current.Writer.WriteMessage(wire.TagParse, rewritten); err != nil {
		s.current.MarkBad()
		return fmt.Errorf("session: forwarding Parse: %w", err)
	}
	cs.ServerName = serverName
	s.reorder.Push(opParse, false)
	return nil
}

// handleClose forwards a portal Close('P', ...) unchanged. A statement
// Close('S', ...) only removes the name from this session's registry: the
// server-side statement may still be used by other sessions, so the
// rewriter never forwards it, and the Reorderer synthesizes its
// CloseComplete.
func (s *Session) handleClose(ctx context.Context, msg wire.Message) error {
	if ok, err := s.acquire(ctx); err != nil {
		return err
	} else if !ok {
		return nil
	}
	s.setState(StateInTransactionActive)

	kind, name := parseCloseMessage(msg.Payload)
	if kind != 'S' {
		return s.handleExtended(ctx, opClose, msg) // portal Close: forward unchanged
	}

	s.prepared.closeStatement(name)
	// The server-side statement remains shared with other sessions, so a
	// client Close('S', ...) never forwards a real Close; its
	// CloseComplete is always synthesized.
	s.reorder.Push(opClose, true)
	return nil
}

// handleExtended forwards Bind/Describe/Execute/Flush unchanged (after
// acquiring a server connection), rewriting any embedded statement name
// reference to the server-assigned name.
func (s *Session) handleExtended(ctx context.Context, kind opKind, msg wire.Message) error {
	if ok, err := s.acquire(ctx); err != nil {
		return err
	} else if !ok {
		return nil
	}
	s.setState(StateInTransactionActive)

	payload := msg.Payload
	switch kind {
	case opBind:
		rewritten, err := rewriteBindStatementName(payload, s.prepared)
		if err != nil {
			return s.fatalf(perr.CodeProtocolViolation, "malformed Bind message: %v", err)
		}
		payload = rewritten
	case opDescribe:
		rewritten, err := rewriteDescribeStatementName(payload, s.prepared)
		if err != nil {
			return s.fatalf(perr.CodeProtocolViolation, "malformed Describe message: %v", err)
		}
		payload = rewritten
	}

	if err := s.current.Writer.WriteMessage(msg.Tag, payload); err != nil {
		s.current.MarkBad()
		return fmt.Errorf("session: forwarding extended-protocol message: %w", err)
	}
	if kind != opOther {
		s.reorder.Push(kind, false)
	}
	return nil
}

// forwardRaw forwards an already-acquired-session message verbatim with
// no batch bookkeeping (Copy*, FunctionCall).
func (s *Session) forwardRaw(ctx context.Context, msg wire.Message) error {
	if ok, err := s.acquire(ctx); err != nil {
		return err
	} else if !ok {
		return nil
	}
	if err := s.current.Writer.WriteMessage(msg.Tag, msg.Payload); err != nil {
		s.current.MarkBad()
		return fmt.Errorf("session: forwarding message: %w", err)
	}
	return nil
}

// handleSync flushes the batch: sends Sync to the server, then streams
// responses back through the reorderer until ReadyForQuery, releasing the
// connection at the transaction boundary exactly as the simple-query path
// does.
func (s *Session) handleSync(ctx context.Context) error {
	if ok, err := s.acquire(ctx); err != nil {
		return err
	} else if !ok {
		return nil
	}

	if err := s.current.Writer.WriteMessage(wire.TagSync, nil); err != nil {
		s.current.MarkBad()
		return fmt.Errorf("session: forwarding Sync: %w", err)
	}
	s.reorder.Push(opSync, false)

	queryStart := time.Now()
	for {
		rmsg, err := s.current.Reader.Next()
		if err != nil {
			s.current.MarkBad()
			s.release(false)
			return fmt.Errorf("session: reading extended-protocol response: %w", err)
		}
		for _, out := range s.reorder.Feed(rmsg) {
			if err := s.client.Writer.WriteMessage(out.Tag, out.Payload); err != nil {
				s.rollbackAndRelease()
				return nil
			}
		}
		if rmsg.Tag == wire.TagReadyForQuery {
			if s.statsReg != nil {
				s.statsReg.Get(s.key.String()).RecordQuery(time.Since(queryStart))
			}
			txStatus := byte('I')
			if len(rmsg.Payload) > 0 {
				txStatus = rmsg.Payload[0]
			}
			if txStatus == 'I' {
				s.release(true)
			} else {
				s.setState(StateInTransactionIdle)
			}
			return nil
		}
	}
}

func cstringToString(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}
