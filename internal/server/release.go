package server

import (
	"fmt"
	"strings"

	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// RunCleanup emits the minimal RESET ALL / DEALLOCATE ALL / CLOSE ALL
// subset needed to restore this connection to a clean state, as a single
// combined simple query, then waits for ReadyForQuery('I') before
// returning. Adapted from the teacher's resetAndReturn, made granular per
// CleanupState instead of a blanket DISCARD ALL.
func (c *Conn) RunCleanup() error {
	if !c.Cleanup.NeedsCleanup() {
		return nil
	}
	stmts := c.Cleanup.CleanupStatements()
	query := strings.Join(stmts, "; ")

	if err := c.Writer.WriteMessage(wire.TagQuery, append([]byte(query), 0)); err != nil {
		c.MarkBad()
		return fmt.Errorf("server: sending cleanup query: %w", err)
	}
	if err := c.drainUntilReady(); err != nil {
		c.MarkBad()
		return err
	}
	c.Cleanup.Reset()
	return nil
}

// drainUntilReady reads and discards messages until ReadyForQuery,
// tracking ParameterStatus along the way.
func (c *Conn) drainUntilReady() error {
	for {
		msg, err := c.Reader.Next()
		if err != nil {
			return fmt.Errorf("server: reading cleanup response: %w", err)
		}
		switch msg.Tag {
		case wire.TagParameterStatus:
			k, v := splitParamStatus(msg.Payload)
			c.UpdateParam(k, v)
		case wire.TagReadyForQuery:
			return nil
		case wire.TagErrorResponse:
			return fmt.Errorf("server: cleanup query failed: %s", parseErrorFields(msg.Payload))
		}
	}
}

// SyncParams emits SET statements for every tracked parameter whose
// client-desired value differs from this connection's last-synchronized
// value, as a single combined simple query, per spec.md §4.4's parameter
// synchronization step. Returns immediately if nothing differs.
func (c *Conn) SyncParams(desired map[string]string) error {
	var sets []string
	for k, v := range desired {
		if cur, ok := c.ServerParams[k]; !ok || cur != v {
			sets = append(sets, fmt.Sprintf("SET %s = %s", k, quoteParamValue(v)))
		}
	}
	if len(sets) == 0 {
		return nil
	}
	query := strings.Join(sets, "; ")
	if err := c.Writer.WriteMessage(wire.TagQuery, append([]byte(query), 0)); err != nil {
		c.MarkBad()
		return fmt.Errorf("server: sending param sync: %w", err)
	}
	if err := c.drainUntilReady(); err != nil {
		c.MarkBad()
		return err
	}
	for k, v := range desired {
		c.UpdateParam(k, v)
	}
	return nil
}

func quoteParamValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// ForwardCancel marks this connection unhealthy (it opens no connection of
// its own), so the pool destroys rather than reuses a connection that was
// mid-transfer during a cancellation, matching spec.md §5's cancellation
// handling.
func (c *Conn) ForwardCancel() {
	c.MarkBad()
}
