package hba

import (
	"net"
	"testing"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", s, err)
	}
	return n
}

func TestHostSSLRejectsPlaintext(t *testing.T) {
	tbl := NewTable([]Rule{
		{
			ConnType:  ConnHostSSL,
			Network:   mustCIDR(t, "10.0.0.0/8"),
			Databases: []string{"all"},
			Users:     []string{"all"},
			Method:    MethodScramSHA256,
		},
	})

	addr := net.ParseIP("10.1.2.3")

	if _, ok := tbl.Resolve(ConnHost, addr, false, "app", "alice"); ok {
		t.Fatalf("plaintext connection unexpectedly matched a hostssl rule")
	}

	method, ok := tbl.Resolve(ConnHost, addr, true, "app", "alice")
	if !ok || method != MethodScramSHA256 {
		t.Fatalf("TLS connection did not match: method=%v ok=%v", method, ok)
	}
}

func TestFirstMatchWins(t *testing.T) {
	tbl := NewTable([]Rule{
		{ConnType: ConnHost, Network: mustCIDR(t, "192.168.1.0/24"), Databases: []string{"all"}, Users: []string{"bob"}, Method: MethodReject},
		{ConnType: ConnHost, Network: nil, Databases: []string{"all"}, Users: []string{"all"}, Method: MethodTrust},
	})
	addr := net.ParseIP("192.168.1.5")
	method, ok := tbl.Resolve(ConnHost, addr, false, "app", "bob")
	if !ok || method != MethodReject {
		t.Fatalf("expected reject from first rule, got %v ok=%v", method, ok)
	}
	method, ok = tbl.Resolve(ConnHost, addr, false, "app", "carol")
	if !ok || method != MethodTrust {
		t.Fatalf("expected trust from catch-all rule, got %v ok=%v", method, ok)
	}
}

func TestNoMatchDefaultsToReject(t *testing.T) {
	tbl := NewTable(nil)
	_, ok := tbl.Resolve(ConnHost, net.ParseIP("1.2.3.4"), false, "app", "alice")
	if ok {
		t.Fatalf("expected no match against an empty table")
	}
}

func TestLocalNeverMatchesTCP(t *testing.T) {
	tbl := NewTable([]Rule{
		{ConnType: ConnLocal, Databases: []string{"all"}, Users: []string{"all"}, Method: MethodTrust},
	})
	_, ok := tbl.Resolve(ConnHost, net.ParseIP("127.0.0.1"), false, "app", "alice")
	if ok {
		t.Fatalf("local rule unexpectedly matched a TCP connection")
	}
}
