// Package listener implements admission control (C3): the accepting
// net.Listener, a live-client counter enforcing spec.md §4.2's
// max_client_conn bound with a 53300 fast-reject, and the special-cased
// handling PostgreSQL's out-of-band CancelRequest connections need.
// Grounded on the teacher's proxy/server.go acceptLoop/wg pattern,
// generalized from a dbType-dispatching handler to the single PostgreSQL
// v3 session FSM (C5) this module implements.
package listener

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/auth"
	"github.com/pgvoyage/pgvoyage/internal/cancel"
	"github.com/pgvoyage/pgvoyage/internal/perr"
	"github.com/pgvoyage/pgvoyage/internal/pool"
	"github.com/pgvoyage/pgvoyage/internal/session"
	"github.com/pgvoyage/pgvoyage/internal/stats"
	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// SessionFactory builds everything a newly negotiated client needs to run
// as a session, parameterized by the negotiated (database, user) so the
// per-pool policy config can differ across pools.
type SessionFactory func(database, user string) session.Config

// Config bundles a Listener's dependencies.
type Config struct {
	Addr              string
	MaxClients        int
	AuthConfig        auth.Config
	Registry          *pool.Registry
	StatsReg          *stats.Registry
	CancelReg         *cancel.Registry
	ClientReg         *session.ClientRegistry
	SessionFactory    SessionFactory
	CancelDialTimeout int // milliseconds; 0 or less means 2000
}

// Listener is the admission-controlled PostgreSQL wire listener.
type Listener struct {
	cfg Config
	ln  net.Listener

	wg          sync.WaitGroup
	ctx         context.Context
	cancelFn    context.CancelFunc
	liveClients atomic.Int64
}

// New constructs a Listener bound to cfg.Addr. Call Serve to start
// accepting.
func New(cfg Config) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listener: binding %s: %w", cfg.Addr, err)
	}
	ctx, cancelFn := context.WithCancel(context.Background())
	l := &Listener{cfg: cfg, ln: ln, ctx: ctx, cancelFn: cancelFn}
	return l, nil
}

// Serve runs the accept loop until Stop is called. It returns only once
// the listener has been closed.
func (l *Listener) Serve() {
	slog.Info("listener: accepting connections", "addr", l.cfg.Addr, "max_clients", l.cfg.MaxClients)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				slog.Warn("listener: accept error", "error", err)
				continue
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

// Stop closes the listener and waits until the handler of every accepted
// connection has returned. A handler runs its client's session to
// completion, so Stop returns only once every admitted client has
// disconnected; pools are drained separately via pool.Registry.CloseAll.
func (l *Listener) Stop() {
	l.cancelFn()
	l.ln.Close()
	l.wg.Wait()
}

// LiveClients returns the current admitted-connection count.
func (l *Listener) LiveClients() int64 { return l.liveClients.Load() }

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	if l.cfg.MaxClients > 0 && l.liveClients.Load() >= int64(l.cfg.MaxClients) {
		l.rejectOverCapacity(conn)
		return
	}

	l.liveClients.Add(1)
	defer l.liveClients.Add(-1)

	result, err := auth.Negotiate(conn, l.cfg.AuthConfig)
	if err != nil {
		if cr, ok := err.(*auth.CancelRequest); ok {
			l.forwardCancel(conn, cr)
			return
		}
		slog.Debug("listener: negotiation failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	sessCfg := l.cfg.SessionFactory(result.Database, result.User)
	if sessCfg.StatsReg == nil {
		sessCfg.StatsReg = l.cfg.StatsReg
	}
	if sessCfg.CancelReg == nil {
		sessCfg.CancelReg = l.cfg.CancelReg
	}
	if sessCfg.Registry == nil {
		sessCfg.Registry = l.cfg.Registry
	}
	if sessCfg.ClientReg == nil {
		sessCfg.ClientReg = l.cfg.ClientReg
	}

	client := session.Client{
		Reader:    result.Reader,
		Writer:    result.Writer,
		Conn:      result.Conn,
		Database:  result.Database,
		User:      result.User,
		ProcessID: result.ProcessID,
		SecretKey: result.SecretKey,
		Params:    result.Params,
		IsAdmin:   result.IsAdmin,
	}
	sess := session.New(client, sessCfg)
	if err := sess.Run(l.ctx); err != nil {
		slog.Debug("listener: session ended with error", "database", result.Database, "user", result.User, "error", err)
	}
}

// rejectOverCapacity handles a connection admitted past max_client_conn:
// it completes just enough of the wire handshake (SSL negotiation,
// startup parsing) to send a well-formed 53300 FATAL ErrorResponse,
// without ever reaching auth or the pool. A CancelRequest bypasses the
// limit entirely, matching spec.md §4.2.
func (l *Listener) rejectOverCapacity(conn net.Conn) {
	cur := conn
	reader := wire.NewReader(cur)
	writer := wire.NewWriter(cur, nil)

	for attempt := 0; attempt < 3; attempt++ {
		msg, err := reader.NextUntagged()
		if err != nil {
			return
		}
		if len(msg.Payload) < 4 {
			return
		}
		code := binary.BigEndian.Uint32(msg.Payload[:4])
		switch code {
		case wire.SSLRequestCode:
			writer.WriteRaw([]byte("N"))
			continue
		case wire.GSSENCRequestCode:
			writer.WriteRaw([]byte("N"))
			continue
		case wire.CancelRequestCode:
			l.forwardCancel(conn, &auth.CancelRequest{
				ProcessID: int32(binary.BigEndian.Uint32(msg.Payload[4:8])),
				SecretKey: int32(binary.BigEndian.Uint32(msg.Payload[8:12])),
			})
			return
		case wire.StartupProtocol3:
			perr.WriteFatal(writer, perr.CodeTooManyClients, "sorry, too many clients already")
			slog.Warn("listener: rejected connection over max_client_conn", "remote", conn.RemoteAddr())
			return
		default:
			return
		}
	}
}

// forwardCancel routes an inbound CancelRequest connection through the
// cancel registry and applies SO_LINGER=0/TCP_NODELAY so the short-lived
// connection tears down immediately rather than lingering in TIME_WAIT,
// per spec.md §4.8's note that cancel connections are special-cased at
// the socket level.
func (l *Listener) forwardCancel(conn net.Conn, cr *auth.CancelRequest) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetLinger(0)
	}
	tok := cancel.Token{PID: cr.ProcessID, Secret: cr.SecretKey}
	if l.cfg.CancelReg == nil {
		return
	}
	if err := l.cfg.CancelReg.Forward(tok, cancelDialTimeout(l.cfg.CancelDialTimeout)); err != nil {
		slog.Debug("listener: cancel forward failed", "pid", cr.ProcessID, "error", err)
	}
}

func cancelDialTimeout(ms int) time.Duration {
	if ms <= 0 {
		ms = 2000
	}
	return time.Duration(ms) * time.Millisecond
}
