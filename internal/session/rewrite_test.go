package session

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildParseMessage(name, query string, paramOIDs []uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(query)
	buf.WriteByte(0)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(paramOIDs)))
	buf.Write(countBuf[:])
	for _, oid := range paramOIDs {
		var oidBuf [4]byte
		binary.BigEndian.PutUint32(oidBuf[:], oid)
		buf.Write(oidBuf[:])
	}
	return buf.Bytes()
}

func TestParseParseMessageRoundTrips(t *testing.T) {
	payload := buildParseMessage("myplan", "SELECT $1, $2", []uint32{23, 25})
	name, query, oids, err := parseParseMessage(payload)
	if err != nil {
		t.Fatalf("parseParseMessage: %v", err)
	}
	if name != "myplan" || query != "SELECT $1, $2" {
		t.Fatalf("got name=%q query=%q", name, query)
	}
	if len(oids) != 2 || oids[0] != 23 || oids[1] != 25 {
		t.Fatalf("got oids=%v", oids)
	}
}

func TestRewriteParseMessageReplacesOnlyTheName(t *testing.T) {
	payload := buildParseMessage("myplan", "SELECT $1", []uint32{23})
	rewritten := rewriteParseMessage(payload, "s_7")

	name, query, oids, err := parseParseMessage(rewritten)
	if err != nil {
		t.Fatalf("parseParseMessage(rewritten): %v", err)
	}
	if name != "s_7" {
		t.Fatalf("expected rewritten name s_7, got %q", name)
	}
	if query != "SELECT $1" || len(oids) != 1 || oids[0] != 23 {
		t.Fatalf("expected query and params unchanged, got query=%q oids=%v", query, oids)
	}
}

func buildCloseMessage(kind byte, name string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(kind)
	buf.WriteString(name)
	buf.WriteByte(0)
	return buf.Bytes()
}

func TestParseCloseMessage(t *testing.T) {
	kind, name := parseCloseMessage(buildCloseMessage('S', "myplan"))
	if kind != 'S' || name != "myplan" {
		t.Fatalf("got kind=%q name=%q", kind, name)
	}
	kind, name = parseCloseMessage(buildCloseMessage('P', "myportal"))
	if kind != 'P' || name != "myportal" {
		t.Fatalf("got kind=%q name=%q", kind, name)
	}
}

func buildBindMessage(portal, stmt string, trailer []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(portal)
	buf.WriteByte(0)
	buf.WriteString(stmt)
	buf.WriteByte(0)
	buf.Write(trailer)
	return buf.Bytes()
}

func TestRewriteBindStatementNameUsesServerName(t *testing.T) {
	r := newPreparedRegistry()
	cs := r.parse("myplan", "SELECT $1", []uint32{23})
	cs.ServerName = "s_3"

	trailer := []byte{0, 0, 0, 0, 0, 0} // zero format codes, zero params, zero result formats
	payload := buildBindMessage("", "myplan", trailer)

	rewritten, err := rewriteBindStatementName(payload, r)
	if err != nil {
		t.Fatalf("rewriteBindStatementName: %v", err)
	}

	portal, rest, err := readCString(rewritten)
	if err != nil || portal != "" {
		t.Fatalf("expected empty portal name, got %q err=%v", portal, err)
	}
	stmt, rest, err := readCString(rest)
	if err != nil {
		t.Fatalf("readCString statement name: %v", err)
	}
	if stmt != "s_3" {
		t.Fatalf("expected rewritten statement name s_3, got %q", stmt)
	}
	if !bytes.Equal(rest, trailer) {
		t.Fatalf("expected trailer bytes unchanged, got %v want %v", rest, trailer)
	}
}

func TestRewriteBindStatementNamePassesThroughUnknownStatement(t *testing.T) {
	r := newPreparedRegistry()
	payload := buildBindMessage("p1", "unknownplan", nil)

	rewritten, err := rewriteBindStatementName(payload, r)
	if err != nil {
		t.Fatalf("rewriteBindStatementName: %v", err)
	}
	_, rest, _ := readCString(rewritten)
	stmt, _, _ := readCString(rest)
	if stmt != "unknownplan" {
		t.Fatalf("expected unknown statement name left unchanged, got %q", stmt)
	}
}

func TestRewriteDescribeStatementNameUsesServerName(t *testing.T) {
	r := newPreparedRegistry()
	cs := r.parse("myplan", "SELECT $1", []uint32{23})
	cs.ServerName = "s_9"

	payload := buildCloseMessage('S', "myplan") // Describe and Close share wire shape
	rewritten, err := rewriteDescribeStatementName(payload, r)
	if err != nil {
		t.Fatalf("rewriteDescribeStatementName: %v", err)
	}

	kind, name := parseCloseMessage(rewritten)
	if kind != 'S' || name != "s_9" {
		t.Fatalf("got kind=%q name=%q, want 'S' s_9", kind, name)
	}
}

func TestRewriteDescribeStatementNamePassesThroughUnknownStatement(t *testing.T) {
	r := newPreparedRegistry()
	payload := buildCloseMessage('S', "unknownplan")

	rewritten, err := rewriteDescribeStatementName(payload, r)
	if err != nil {
		t.Fatalf("rewriteDescribeStatementName: %v", err)
	}
	kind, name := parseCloseMessage(rewritten)
	if kind != 'S' || name != "unknownplan" {
		t.Fatalf("expected unknown statement name left unchanged, got kind=%q name=%q", kind, name)
	}
}

func TestRewriteDescribeStatementNameLeavesPortalTargetsUnchanged(t *testing.T) {
	r := newPreparedRegistry()
	payload := buildCloseMessage('P', "myportal")

	rewritten, err := rewriteDescribeStatementName(payload, r)
	if err != nil {
		t.Fatalf("rewriteDescribeStatementName: %v", err)
	}
	kind, name := parseCloseMessage(rewritten)
	if kind != 'P' || name != "myportal" {
		t.Fatalf("expected portal target unchanged, got kind=%q name=%q", kind, name)
	}
}
