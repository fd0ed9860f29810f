package pool

import (
	"context"

	"github.com/pgvoyage/pgvoyage/internal/server"
)

// ServerDialer adapts server.Dial into the Dialer interface a Pool needs,
// carrying the fixed (database, user, address, credentials) a pool dials
// for its whole lifetime.
type ServerDialer struct {
	Cfg server.DialConfig
}

// Dial implements Dialer.
func (d ServerDialer) Dial(ctx context.Context) (*server.Conn, error) {
	return server.Dial(ctx, d.Cfg)
}
