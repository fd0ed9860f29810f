package admin

import (
	"net"
	"strconv"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/wire"
)

func (h *Handler) showPools(w *wire.Writer) error {
	columns := []string{"database", "user", "mode", "active", "idle", "total", "waiting", "max_size", "min_idle", "exhausted"}
	var rows [][]string
	if h.Registry != nil {
		for _, s := range h.Registry.AllStats() {
			rows = append(rows, []string{
				s.Database,
				s.User,
				string(s.Mode),
				strconv.Itoa(s.Active),
				strconv.Itoa(s.Idle),
				strconv.Itoa(s.Total),
				strconv.Itoa(s.Waiting),
				strconv.Itoa(s.MaxSize),
				strconv.Itoa(s.MinIdle),
				strconv.FormatInt(s.Exhausted, 10),
			})
		}
	}
	return writeRows(w, columns, rows, "SHOW")
}

func (h *Handler) showClients(w *wire.Writer) error {
	columns := []string{"process_id", "database", "user", "state", "connected_at"}
	var rows [][]string
	if h.ClientReg != nil {
		for _, c := range h.ClientReg.Snapshot() {
			rows = append(rows, []string{
				strconv.FormatInt(int64(c.ProcessID), 10),
				c.Database,
				c.User,
				c.State,
				c.ConnectedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return writeRows(w, columns, rows, "SHOW")
}

// showServers' column order is fixed by spec.md §9's Open Question
// decision (recorded in DESIGN.md): pool_name, database, user, address,
// port, state, cleanup_pending, prepared_count, last_used_at.
func (h *Handler) showServers(w *wire.Writer) error {
	columns := []string{"pool_name", "database", "user", "address", "port", "state", "cleanup_pending", "prepared_count", "last_used_at"}
	var rows [][]string
	if h.Registry != nil {
		for key, p := range h.Registry.All() {
			for _, conn := range p.Snapshot() {
				host, port, err := net.SplitHostPort(conn.Addr)
				if err != nil {
					host, port = conn.Addr, ""
				}
				rows = append(rows, []string{
					key.String(),
					key.Database,
					key.User,
					host,
					port,
					conn.State().String(),
					strconv.FormatBool(conn.Cleanup.NeedsCleanup()),
					strconv.Itoa(conn.Statements.Len()),
					conn.LastUsed().UTC().Format(time.RFC3339),
				})
			}
		}
	}
	return writeRows(w, columns, rows, "SHOW")
}

func (h *Handler) showStats(w *wire.Writer) error {
	columns := []string{
		"pool_name", "total_xact_count", "total_query_count", "total_bytes_received",
		"total_bytes_sent", "avg_xact_time_us", "avg_query_time_us", "avg_wait_time_us",
		"query_p99_us", "xact_p99_us",
	}
	var rows [][]string
	if h.StatsReg != nil {
		for _, key := range h.StatsReg.Keys() {
			s := h.StatsReg.Get(key)
			avg := s.Averages()
			rows = append(rows, []string{
				key,
				strconv.FormatInt(s.Total.XactCount.Load(), 10),
				strconv.FormatInt(s.Total.QueryCount.Load(), 10),
				strconv.FormatInt(s.Total.BytesReceived.Load(), 10),
				strconv.FormatInt(s.Total.BytesSent.Load(), 10),
				strconv.FormatInt(avg.XactTimeUs.Load(), 10),
				strconv.FormatInt(avg.QueryTimeUs.Load(), 10),
				strconv.FormatInt(avg.WaitTimeUs.Load(), 10),
				strconv.FormatInt(s.QueryPercentile(99), 10),
				strconv.FormatInt(s.TransactionPercentile(99), 10),
			})
		}
	}
	return writeRows(w, columns, rows, "SHOW")
}
