package server

import "testing"

func TestCleanupStatementsOnlyRequiredSubset(t *testing.T) {
	var c CleanupState
	if c.NeedsCleanup() {
		t.Fatalf("fresh CleanupState should not need cleanup")
	}

	c.SetVars = true
	stmts := c.CleanupStatements()
	if len(stmts) != 1 || stmts[0] != "RESET ALL" {
		t.Fatalf("stmts = %v, want [RESET ALL]", stmts)
	}

	c.Prepared = true
	c.DeclaredCursors = true
	stmts = c.CleanupStatements()
	want := []string{"RESET ALL", "DEALLOCATE ALL", "CLOSE ALL"}
	if len(stmts) != len(want) {
		t.Fatalf("stmts = %v, want %v", stmts, want)
	}
	for i := range want {
		if stmts[i] != want[i] {
			t.Fatalf("stmts[%d] = %q, want %q", i, stmts[i], want[i])
		}
	}

	c.Reset()
	if c.NeedsCleanup() {
		t.Fatalf("Reset should clear all flags")
	}
}

func TestStatementCacheEvictsOldest(t *testing.T) {
	c := NewStatementCache(2)
	c.Add(1, "s_1")
	c.Add(2, "s_2")
	evicted, ok := c.Add(3, "s_3")
	if !ok || evicted != "s_1" {
		t.Fatalf("expected eviction of s_1, got %q ok=%v", evicted, ok)
	}
	if _, ok := c.Has(1); ok {
		t.Fatalf("expected hash 1 to be evicted")
	}
	if name, ok := c.Has(3); !ok || name != "s_3" {
		t.Fatalf("expected hash 3 present as s_3, got %q ok=%v", name, ok)
	}
}

func TestStatementCacheNoEvictionOnUpdate(t *testing.T) {
	c := NewStatementCache(2)
	c.Add(1, "s_1")
	c.Add(2, "s_2")
	if _, evicted := c.Add(1, "s_1"); evicted {
		t.Fatalf("re-adding an existing key should not evict")
	}
}
