package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/pool"
	"github.com/pgvoyage/pgvoyage/internal/session"
	"github.com/pgvoyage/pgvoyage/internal/stats"
	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// Handler implements session.AdminInterceptor, dispatching the small SQL
// dialect spec.md §6 defines for connections to the built-in management
// pool. It holds only the process-wide services it needs (pool registry,
// stats registry, client registry) plus three callbacks (config snapshot,
// reload hook and shutdown hook) so it never depends on internal/config or
// cmd/pgvoyage directly.
type Handler struct {
	Registry  *pool.Registry
	StatsReg  *stats.Registry
	ClientReg *session.ClientRegistry

	// ConfigSnapshot returns the effective configuration as key/value pairs
	// for SHOW CONFIG.
	ConfigSnapshot func() map[string]string
	// Reload is invoked by the RELOAD command; nil means unsupported.
	Reload func() error
	// RequestShutdown is invoked by the SHUTDOWN command; nil means
	// unsupported.
	RequestShutdown func()

	StartTime time.Time
}

// Handle implements session.AdminInterceptor. It returns ok=false for any
// query that isn't one of the recognized admin commands, letting the
// session forward it to a real server as usual.
func (h *Handler) Handle(ctx context.Context, query string, w *wire.Writer) (bool, error) {
	normalized := strings.TrimSpace(query)
	normalized = strings.TrimSuffix(normalized, ";")
	upper := strings.ToUpper(normalized)

	switch {
	case upper == "SHOW POOLS":
		return true, h.showPools(w)
	case upper == "SHOW CLIENTS":
		return true, h.showClients(w)
	case upper == "SHOW SERVERS":
		return true, h.showServers(w)
	case upper == "SHOW STATS":
		return true, h.showStats(w)
	case upper == "SHOW CONFIG":
		return true, h.showConfig(w)
	case upper == "RELOAD":
		return true, h.reload(w)
	case upper == "SHUTDOWN":
		return true, h.shutdown(w)
	case upper == "PAUSE":
		return true, h.pause(w)
	case upper == "RESUME":
		return true, h.resume(w)
	case strings.HasPrefix(upper, "KILL "):
		arg := strings.TrimSpace(normalized[len("KILL "):])
		return true, h.kill(w, arg)
	default:
		return false, nil
	}
}

func (h *Handler) reload(w *wire.Writer) error {
	if h.Reload == nil {
		return writeRows(w, []string{"result"}, [][]string{{"error: RELOAD is not supported"}}, "RELOAD")
	}
	if err := h.Reload(); err != nil {
		return writeRows(w, []string{"result"}, [][]string{{"error: " + err.Error()}}, "RELOAD")
	}
	return writeRows(w, []string{"result"}, [][]string{{"ok"}}, "RELOAD")
}

func (h *Handler) shutdown(w *wire.Writer) error {
	if h.RequestShutdown == nil {
		return writeRows(w, []string{"result"}, [][]string{{"error: SHUTDOWN is not supported"}}, "SHUTDOWN")
	}
	if err := writeRows(w, []string{"result"}, [][]string{{"ok"}}, "SHUTDOWN"); err != nil {
		return err
	}
	h.RequestShutdown()
	return nil
}

func (h *Handler) pause(w *wire.Writer) error {
	if h.Registry != nil {
		h.Registry.Pause()
	}
	return writeRows(w, []string{"result"}, [][]string{{"ok"}}, "PAUSE")
}

func (h *Handler) resume(w *wire.Writer) error {
	if h.Registry != nil {
		h.Registry.Resume()
	}
	return writeRows(w, []string{"result"}, [][]string{{"ok"}}, "RESUME")
}

func (h *Handler) kill(w *wire.Writer, arg string) error {
	if h.Registry == nil || arg == "" {
		return writeRows(w, []string{"result"}, [][]string{{"error: unknown pool"}}, "KILL")
	}
	key, err := pool.ParseKey(arg)
	if err != nil {
		return writeRows(w, []string{"result"}, [][]string{{fmt.Sprintf("error: %v", err)}}, "KILL")
	}
	if !h.Registry.Remove(key) {
		return writeRows(w, []string{"result"}, [][]string{{"error: no such pool"}}, "KILL")
	}
	return writeRows(w, []string{"result"}, [][]string{{"ok"}}, "KILL")
}

func (h *Handler) showConfig(w *wire.Writer) error {
	var snapshot map[string]string
	if h.ConfigSnapshot != nil {
		snapshot = h.ConfigSnapshot()
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, snapshot[k]})
	}
	return writeRows(w, []string{"key", "value"}, rows, "SHOW")
}

