package server

// CleanupState tracks which categories of session-visible state a client
// has left behind on a server connection, ported from pg_doorman's
// server/cleanup.rs. Each flag is set independently by the corresponding
// observed client activity (SET var / non-temporary PREPARE / DECLARE
// CURSOR) so that release-time cleanup emits only the subset of
// RESET ALL / DEALLOCATE ALL / CLOSE ALL actually required.
type CleanupState struct {
	SetVars         bool
	Prepared        bool
	DeclaredCursors bool
}

// NeedsCleanup reports whether any flag is set.
func (c CleanupState) NeedsCleanup() bool {
	return c.SetVars || c.Prepared || c.DeclaredCursors
}

// Reset clears all flags, called once cleanup has been sent and
// acknowledged.
func (c *CleanupState) Reset() {
	c.SetVars = false
	c.Prepared = false
	c.DeclaredCursors = false
}

// CleanupStatements returns the simple-query statements needed to restore
// this connection to a clean state, in execution order, based on which
// flags are set. Only the required subset is returned, per spec.md §4.7.
func (c CleanupState) CleanupStatements() []string {
	var stmts []string
	if c.SetVars {
		stmts = append(stmts, "RESET ALL")
	}
	if c.Prepared {
		stmts = append(stmts, "DEALLOCATE ALL")
	}
	if c.DeclaredCursors {
		stmts = append(stmts, "CLOSE ALL")
	}
	return stmts
}
