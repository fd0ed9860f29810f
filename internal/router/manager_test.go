package router

import "testing"

func lagPtr(v float64) *float64 { return &v }
func bytesPtr(v int64) *int64   { return &v }

func TestSelectMemberByRole(t *testing.T) {
	members := []Member{
		{Name: "n1", Role: "leader", Host: "10.0.0.1", Port: 5432},
		{Name: "n2", Role: "sync_standby", Host: "10.0.0.2", Port: 5432},
		{Name: "n3", Role: "replica", Host: "10.0.0.3", Port: 5432},
	}

	leader, ok := selectMember(members, PortConfig{Roles: []Role{RoleLeader}})
	if !ok || leader.Name != "n1" {
		t.Fatalf("expected n1 for leader role, got %+v ok=%v", leader, ok)
	}

	sync, ok := selectMember(members, PortConfig{Roles: []Role{RoleSync}})
	if !ok || sync.Name != "n2" {
		t.Fatalf("expected n2 for sync role, got %+v ok=%v", sync, ok)
	}

	any, ok := selectMember(members, PortConfig{Roles: []Role{RoleAny}})
	if !ok || any.Name != "n1" {
		t.Fatalf("expected first member for any role, got %+v ok=%v", any, ok)
	}
}

func TestSelectMemberNoMatch(t *testing.T) {
	members := []Member{{Name: "n1", Role: "replica", Host: "10.0.0.1", Port: 5432}}
	_, ok := selectMember(members, PortConfig{Roles: []Role{RoleLeader}})
	if ok {
		t.Fatal("expected no match for leader role against a replica-only membership")
	}
}

func TestSelectMemberRespectsLagBound(t *testing.T) {
	members := []Member{
		{Name: "lagged", Role: "replica", Host: "10.0.0.1", Port: 5432, Lag: lagPtr(50_000_000)},
		{Name: "fresh", Role: "replica", Host: "10.0.0.2", Port: 5432, Lag: lagPtr(100)},
	}
	pc := PortConfig{Roles: []Role{RoleAsync}, MaxLagInBytes: bytesPtr(1_000_000)}

	m, ok := selectMember(members, pc)
	if !ok || m.Name != "fresh" {
		t.Fatalf("expected 'fresh' to be selected over lagged member, got %+v ok=%v", m, ok)
	}
}

func TestSelectMemberUnknownRoleSkipped(t *testing.T) {
	members := []Member{
		{Name: "weird", Role: "something_else", Host: "10.0.0.1", Port: 5432},
		{Name: "n1", Role: "leader", Host: "10.0.0.2", Port: 5432},
	}
	m, ok := selectMember(members, PortConfig{Roles: []Role{RoleAny}})
	if !ok || m.Name != "n1" {
		t.Fatalf("expected unrecognized-role member to be skipped, got %+v ok=%v", m, ok)
	}
}

func TestSameMember(t *testing.T) {
	a := Member{Name: "n1", Host: "10.0.0.1", Port: 5432}
	b := Member{Name: "n1", Host: "10.0.0.1", Port: 5432, Lag: lagPtr(5)}
	c := Member{Name: "n1", Host: "10.0.0.1", Port: 5433}

	if !sameMember(a, b) {
		t.Error("expected members differing only by lag to be considered the same")
	}
	if sameMember(a, c) {
		t.Error("expected members with a different port to be considered different")
	}
}

func TestPortStateSetMemberClosesStopChOnChange(t *testing.T) {
	ps := newPortState(PortConfig{Roles: []Role{RoleLeader}})

	_, stopCh1, ok := ps.snapshot()
	if ok {
		t.Fatal("expected no member initially")
	}

	ps.setMember(Member{Name: "n1", Host: "10.0.0.1", Port: 5432}, true)
	select {
	case <-stopCh1:
	default:
		t.Fatal("expected initial stop channel to close once a member is selected")
	}

	_, stopCh2, ok := ps.snapshot()
	if !ok {
		t.Fatal("expected a member to be set")
	}

	ps.setMember(Member{Name: "n1", Host: "10.0.0.1", Port: 5432}, true)
	select {
	case <-stopCh2:
		t.Fatal("did not expect stop channel to close when member is unchanged")
	default:
	}

	ps.setMember(Member{Name: "n2", Host: "10.0.0.2", Port: 5432}, true)
	select {
	case <-stopCh2:
	default:
		t.Fatal("expected stop channel to close when the selected member changes")
	}
}
