package router

import (
	"encoding/json"
	"testing"
)

func TestMemberRoleFromPatroni(t *testing.T) {
	cases := []struct {
		in   string
		want MemberRole
		ok   bool
	}{
		{"leader", MemberLeader, true},
		{"sync_standby", MemberSync, true},
		{"replica", MemberAsync, true},
		{"unknown", "", false},
	}
	for _, c := range cases {
		got, ok := memberRoleFromPatroni(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("memberRoleFromPatroni(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestMemberDeserialization(t *testing.T) {
	data := []byte(`{
		"name": "node1",
		"role": "leader",
		"state": "running",
		"api_url": "http://192.168.0.1:8008/patroni",
		"host": "192.168.0.1",
		"port": 5432
	}`)
	var m Member
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Name != "node1" || m.Host != "192.168.0.1" || m.Port != 5432 {
		t.Errorf("unexpected member: %+v", m)
	}
	role, ok := m.role()
	if !ok || role != MemberLeader {
		t.Errorf("expected leader role, got %q ok=%v", role, ok)
	}
}

func TestClusterResponseDeserialization(t *testing.T) {
	data := []byte(`{
		"scope": "my_cluster",
		"members": [
			{"name": "node1", "role": "leader", "state": "running", "api_url": "http://192.168.0.1:8008/patroni", "host": "192.168.0.1", "port": 5432},
			{"name": "node2", "role": "sync_standby", "state": "running", "api_url": "http://192.168.0.2:8008/patroni", "host": "192.168.0.2", "port": 5432, "lag": 0}
		]
	}`)
	var cr clusterResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cr.Scope != "my_cluster" || len(cr.Members) != 2 {
		t.Fatalf("unexpected cluster response: %+v", cr)
	}
	r0, _ := cr.Members[0].role()
	r1, _ := cr.Members[1].role()
	if r0 != MemberLeader || r1 != MemberSync {
		t.Errorf("unexpected roles: %v, %v", r0, r1)
	}
}

func TestHostBlacklist(t *testing.T) {
	b := newHostBlacklist()

	if b.isBlacklisted("host1") {
		t.Fatal("expected host1 not blacklisted initially")
	}

	b.add("host1")
	if !b.isBlacklisted("host1") {
		t.Fatal("expected host1 blacklisted after add")
	}

	b.remove("host1")
	if b.isBlacklisted("host1") {
		t.Fatal("expected host1 not blacklisted after remove")
	}
}

func TestHostBlacklistCleanup(t *testing.T) {
	b := newHostBlacklist()

	b.add("host1")
	b.cleanup()
	if !b.isBlacklisted("host1") {
		t.Fatal("expected recently-added host to survive cleanup")
	}
}
