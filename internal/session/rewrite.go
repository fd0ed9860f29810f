package session

import (
	"encoding/binary"
	"fmt"
)

// readCString reads a null-terminated string from the front of b, returning
// its content and the remainder of b past the terminator.
func readCString(b []byte) (string, []byte, error) {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("session: unterminated string")
}

// parseParseMessage decodes a Parse('P') payload: statement name, query
// text, and parameter type OID list.
func parseParseMessage(payload []byte) (name, query string, paramOIDs []uint32, err error) {
	name, rest, err := readCString(payload)
	if err != nil {
		return "", "", nil, err
	}
	query, rest, err = readCString(rest)
	if err != nil {
		return "", "", nil, err
	}
	if len(rest) < 2 {
		return "", "", nil, fmt.Errorf("session: truncated Parse message")
	}
	count := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < count*4 {
		return "", "", nil, fmt.Errorf("session: truncated Parse parameter OID list")
	}
	paramOIDs = make([]uint32, count)
	for i := 0; i < count; i++ {
		paramOIDs[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return name, query, paramOIDs, nil
}

// rewriteParseMessage rebuilds a Parse payload with the client's statement
// name replaced by the server-side name the rewriter assigned, leaving the query
// text and parameter OID list untouched.
func rewriteParseMessage(payload []byte, newName string) []byte {
	_, rest, err := readCString(payload)
	if err != nil {
		return payload
	}
	out := make([]byte, 0, len(newName)+1+len(rest))
	out = append(out, newName...)
	out = append(out, 0)
	out = append(out, rest...)
	return out
}

// parseCloseMessage decodes a Close('C') payload: a one-byte discriminant
// ('S' for prepared statement, 'P' for portal) followed by the target's
// name.
func parseCloseMessage(payload []byte) (kind byte, name string) {
	if len(payload) == 0 {
		return 0, ""
	}
	kind = payload[0]
	name, _, err := readCString(payload[1:])
	if err != nil {
		return kind, ""
	}
	return kind, name
}

// rewriteBindStatementName rebuilds a Bind('B') payload with the client's
// referenced statement name replaced by the server-side name the rewriter
// assigned, leaving the portal name and all bound parameter data untouched.
func rewriteBindStatementName(payload []byte, prepared *preparedRegistry) ([]byte, error) {
	portalName, rest, err := readCString(payload)
	if err != nil {
		return nil, err
	}
	stmtName, rest, err := readCString(rest)
	if err != nil {
		return nil, err
	}

	cs, ok := prepared.lookup(stmtName)
	serverName := stmtName
	if ok && cs.ServerName != "" {
		serverName = cs.ServerName
	}

	out := make([]byte, 0, len(portalName)+1+len(serverName)+1+len(rest))
	out = append(out, portalName...)
	out = append(out, 0)
	out = append(out, serverName...)
	out = append(out, 0)
	out = append(out, rest...)
	return out, nil
}

// rewriteDescribeStatementName rebuilds a Describe('D') payload, replacing a
// statement-name target ('S') with the server-side name the rewriter assigned;
// portal targets ('P') are returned unchanged since portals are never
// renamed.
func rewriteDescribeStatementName(payload []byte, prepared *preparedRegistry) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("session: empty Describe message")
	}
	kind := payload[0]
	if kind != 'S' {
		return payload, nil
	}
	name, rest, err := readCString(payload[1:])
	if err != nil {
		return nil, err
	}

	cs, ok := prepared.lookup(name)
	serverName := name
	if ok && cs.ServerName != "" {
		serverName = cs.ServerName
	}

	out := make([]byte, 0, 1+len(serverName)+1+len(rest))
	out = append(out, kind)
	out = append(out, serverName...)
	out = append(out, 0)
	out = append(out, rest...)
	return out, nil
}
