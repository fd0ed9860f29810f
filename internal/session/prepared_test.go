package session

import "testing"

func TestCanonicalHashIsDeterministicAndSensitiveToParams(t *testing.T) {
	a := CanonicalHash("SELECT $1", []uint32{23})
	b := CanonicalHash("SELECT $1", []uint32{23})
	if a != b {
		t.Fatalf("expected identical query+params to hash identically, got %d vs %d", a, b)
	}

	c := CanonicalHash("SELECT $1", []uint32{25})
	if a == c {
		t.Fatalf("expected different param OIDs to hash differently")
	}

	d := CanonicalHash("SELECT $1 ", []uint32{23})
	if a == d {
		t.Fatalf("expected different query text to hash differently")
	}
}

func TestServerStatementNameIsStable(t *testing.T) {
	if got := serverStatementName(0); got != "s_0" {
		t.Fatalf("serverStatementName(0) = %q, want s_0", got)
	}
	if got := serverStatementName(42); got != "s_42" {
		t.Fatalf("serverStatementName(42) = %q, want s_42", got)
	}
}

func TestPreparedRegistryTracksNamedAndAnonymousStatements(t *testing.T) {
	r := newPreparedRegistry()

	r.parse("stmt1", "SELECT 1", nil)
	cs, ok := r.lookup("stmt1")
	if !ok || cs.Query != "SELECT 1" {
		t.Fatalf("expected to find named statement stmt1")
	}

	r.parse("", "SELECT 2", nil)
	anon, ok := r.lookup("")
	if !ok {
		t.Fatalf("expected to find the unnamed statement")
	}
	if anon.Canonical != CanonicalHash("SELECT 2", nil) {
		t.Fatalf("unnamed statement canonical hash mismatch")
	}

	r.closeStatement("stmt1")
	if _, ok := r.lookup("stmt1"); ok {
		t.Fatalf("expected stmt1 to be forgotten after Close")
	}

	r.closeAll()
	if _, ok := r.lookup(""); ok {
		t.Fatalf("expected unnamed statement to be forgotten after closeAll")
	}
}

func TestPreparedRegistryAnonymousServerNameVisibleToLookup(t *testing.T) {
	r := newPreparedRegistry()

	cs := r.parse("", "SELECT 3", nil)
	cs.ServerName = "s_7"

	anon, ok := r.lookup("")
	if !ok {
		t.Fatalf("expected to find the unnamed statement")
	}
	if anon.ServerName != "s_7" {
		t.Fatalf("expected lookup(\"\") to see the ServerName set on the pointer returned by parse, got %q", anon.ServerName)
	}
	if anon != cs {
		t.Fatalf("expected lookup(\"\") to return the same *ClientStatement pointer as parse")
	}
}
