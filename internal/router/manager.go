package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// portState is one listen port's live routing state: the currently
// selected upstream member and a stop channel that's closed (and
// replaced) whenever that member changes, so in-flight proxied
// connections tied to a stale member are torn down rather than left
// talking to a demoted host.
type portState struct {
	cfg PortConfig
	ln  net.Listener

	mu        sync.Mutex
	member    Member
	hasMember bool
	stopCh    chan struct{}
}

func newPortState(cfg PortConfig) *portState {
	return &portState{cfg: cfg, stopCh: make(chan struct{})}
}

func (p *portState) setMember(m Member, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := ok != p.hasMember || (ok && !sameMember(m, p.member))
	p.member, p.hasMember = m, ok
	if changed {
		close(p.stopCh)
		p.stopCh = make(chan struct{})
	}
}

func (p *portState) snapshot() (Member, chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.member, p.stopCh, p.hasMember
}

func sameMember(a, b Member) bool {
	return a.Name == b.Name && a.Host == b.Host && a.Port == b.Port
}

func roleAllowed(allowed []Role, r MemberRole) bool {
	for _, a := range allowed {
		if a == RoleAny || a == Role(r) {
			return true
		}
	}
	return false
}

// selectMember picks the first cluster member whose role is accepted by
// pc and whose replication lag (if both member and port report one) is
// under pc's bound.
func selectMember(members []Member, pc PortConfig) (Member, bool) {
	for _, m := range members {
		role, ok := m.role()
		if !ok || !roleAllowed(pc.Roles, role) {
			continue
		}
		if pc.MaxLagInBytes != nil && m.Lag != nil && int64(*m.Lag) > *pc.MaxLagInBytes {
			continue
		}
		return m, true
	}
	return Member{}, false
}

// ClusterManager owns one Patroni cluster's membership polling and the
// set of listen ports dispatching connections to its current members. It
// shares no state with the main pooler's pool.Registry — a distinct
// package per SPEC_FULL.md §4.10.
type ClusterManager struct {
	name    string
	client  *PatroniClient
	bufPool *wire.BufferPool

	mu    sync.Mutex
	hosts []string

	membersMu sync.Mutex
	members   []Member

	portsMu sync.Mutex
	ports   map[string]*portState
}

// NewClusterManager constructs a manager for a named cluster. tlsCfg may
// be nil for plain-http Patroni hosts.
func NewClusterManager(name string, hosts []string, tlsCfg *TLSConfig) (*ClusterManager, error) {
	client, err := NewPatroniClient(tlsCfg)
	if err != nil {
		return nil, err
	}
	return &ClusterManager{
		name:    name,
		hosts:   hosts,
		client:  client,
		bufPool: wire.NewBufferPool(),
		ports:   make(map[string]*portState),
	}, nil
}

// SetHosts replaces the cluster's Patroni API hosts, applied on a
// ClusterHostsChanged reconcile without disturbing active ports.
func (cm *ClusterManager) SetHosts(hosts []string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hosts = hosts
}

func (cm *ClusterManager) snapshotHosts() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]string, len(cm.hosts))
	copy(out, cm.hosts)
	return out
}

// Members returns the most recently polled membership list.
func (cm *ClusterManager) Members() []Member {
	cm.membersMu.Lock()
	defer cm.membersMu.Unlock()
	out := make([]Member, len(cm.members))
	copy(out, cm.members)
	return out
}

// StartPorts binds and starts accepting on every port in ports. If any
// bind fails, ports already bound by this call are stopped before the
// error is returned.
func (cm *ClusterManager) StartPorts(ctx context.Context, ports map[string]PortConfig) error {
	cm.portsMu.Lock()
	defer cm.portsMu.Unlock()

	bound := make([]string, 0, len(ports))
	for name, pc := range ports {
		ln, err := net.Listen("tcp", pc.Listen)
		if err != nil {
			for _, b := range bound {
				cm.ports[b].ln.Close()
				delete(cm.ports, b)
			}
			return fmt.Errorf("router: cluster %q: binding port %q (%s): %w", cm.name, name, pc.Listen, err)
		}
		ps := newPortState(pc)
		ps.ln = ln
		cm.ports[name] = ps
		bound = append(bound, name)
		go cm.servePort(ctx, name, ps)
	}
	return nil
}

// StopPorts closes every bound listener and forgets them. Connections
// already in flight are torn down as part of their own copy loop
// noticing the listener's accept loop exit only indirectly; callers that
// need an immediate cut should rely on process shutdown closing sockets.
func (cm *ClusterManager) StopPorts() {
	cm.portsMu.Lock()
	defer cm.portsMu.Unlock()
	for name, ps := range cm.ports {
		ps.ln.Close()
		delete(cm.ports, name)
	}
}

func (cm *ClusterManager) servePort(ctx context.Context, name string, ps *portState) {
	slog.Info("router: port listening", "cluster", cm.name, "port", name, "addr", ps.cfg.Listen, "roles", ps.cfg.Roles)
	for {
		conn, err := ps.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("router: accept error", "cluster", cm.name, "port", name, "error", err)
			continue
		}
		member, stopCh, ok := ps.snapshot()
		if !ok {
			slog.Warn("router: no eligible member for port", "cluster", cm.name, "port", name)
			conn.Close()
			continue
		}
		go cm.proxyConn(conn, member, ps.cfg, stopCh)
	}
}

// proxyConn dials the selected member on the port's configured
// host_port rather than whatever port Patroni reported it listening on:
// host_port names the actual PostgreSQL port every cluster member
// accepts connections on, so the config doesn't have to repeat it per
// member and a port's dial target stays fixed across failover.
func (cm *ClusterManager) proxyConn(client net.Conn, member Member, pc PortConfig, stopCh chan struct{}) {
	defer client.Close()

	port := member.Port
	if pc.HostPort != 0 {
		port = pc.HostPort
	}
	addr := net.JoinHostPort(member.Host, strconv.Itoa(port))
	upstream, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		slog.Warn("router: dial upstream failed", "cluster", cm.name, "member", member.Name, "addr", addr, "error", err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-stopCh:
		case <-done:
		}
		client.Close()
		upstream.Close()
	}()
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); cm.copyBytes(upstream, client) }()
	go func() { defer wg.Done(); cm.copyBytes(client, upstream) }()
	wg.Wait()
}

func (cm *ClusterManager) copyBytes(dst, src net.Conn) {
	buf := cm.bufPool.Get()
	defer cm.bufPool.Put(buf)
	io.CopyBuffer(dst, src, buf[:cap(buf)])
}

// UpdateLoop polls membership at the given interval until ctx is done,
// updating every bound port's selected member after each successful poll.
func (cm *ClusterManager) UpdateLoop(ctx context.Context, interval time.Duration) {
	cm.UpdateMembers(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.UpdateMembers(ctx)
		}
	}
}

// UpdateMembers refreshes the cluster's membership list and re-evaluates
// every bound port's member selection.
func (cm *ClusterManager) UpdateMembers(ctx context.Context) {
	members, err := cm.client.FetchMembers(ctx, cm.snapshotHosts())
	if err != nil {
		slog.Warn("router: fetch members failed", "cluster", cm.name, "error", err)
		return
	}
	cm.membersMu.Lock()
	cm.members = members
	cm.membersMu.Unlock()

	cm.portsMu.Lock()
	defer cm.portsMu.Unlock()
	for _, ps := range cm.ports {
		m, ok := selectMember(members, ps.cfg)
		ps.setMember(m, ok)
	}
}
