package session

import (
	"sync"
	"time"
)

// ClientInfo is a point-in-time snapshot of one connected client session,
// surfaced by the admin SHOW CLIENTS command.
type ClientInfo struct {
	ProcessID   int32
	Database    string
	User        string
	State       string
	ConnectedAt time.Time
}

// ClientRegistry tracks every live Session. It is a process-wide service
// created once at startup and passed by reference into every Session's
// Config, matching spec.md §9 DESIGN NOTES's guidance on global singletons
// ("model as a small set of process-wide services... avoid ambient
// globals").
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[int32]*Session
}

// NewClientRegistry constructs an empty ClientRegistry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[int32]*Session)}
}

func (r *ClientRegistry) register(s *Session) {
	r.mu.Lock()
	r.clients[s.client.ProcessID] = s
	r.mu.Unlock()
}

func (r *ClientRegistry) unregister(pid int32) {
	r.mu.Lock()
	delete(r.clients, pid)
	r.mu.Unlock()
}

// Snapshot returns a ClientInfo for every currently connected session.
func (r *ClientRegistry) Snapshot() []ClientInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.clients))
	for _, s := range r.clients {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]ClientInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, ClientInfo{
			ProcessID:   s.client.ProcessID,
			Database:    s.client.Database,
			User:        s.client.User,
			State:       s.State().String(),
			ConnectedAt: s.connectedAt,
		})
	}
	return out
}

// Count returns the number of currently connected sessions.
func (r *ClientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
