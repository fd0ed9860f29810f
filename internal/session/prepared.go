package session

import (
	"encoding/binary"
	"hash/fnv"
)

// ClientStatement is what the client believes it Parsed: its own name
// (possibly "" for the unnamed statement), the query text, and the
// parameter type OIDs it specified, if any.
type ClientStatement struct {
	Name       string
	Query      string
	ParamOIDs  []uint32
	Canonical  uint64
	ServerName string // assigned once the rewriter has forwarded or cache-matched this statement
}

// CanonicalHash computes the deterministic cache key for a prepared
// statement: FNV-1a64 over query_bytes || param_count_u16 || param_type_oids,
// ported from pg_doorman's prepared-statement canonicalization so that two
// clients issuing byte-identical Parse messages converge on the same
// server-side statement name.
func CanonicalHash(query string, paramOIDs []uint32) uint64 {
	h := fnv.New64a()
	h.Write([]byte(query))

	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(paramOIDs)))
	h.Write(countBuf[:])

	var oidBuf [4]byte
	for _, oid := range paramOIDs {
		binary.BigEndian.PutUint32(oidBuf[:], oid)
		h.Write(oidBuf[:])
	}
	return h.Sum64()
}

// serverStatementName formats the server-side name s_<seq> for a sequence
// number drawn when a canonical hash is installed on a server connection.
func serverStatementName(seq uint64) string {
	return "s_" + uitoa(seq)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// preparedRegistry tracks this session's client-visible statement names,
// independent of whatever server-side name the rewriter assigned, plus the
// canonical hash of the most recent unnamed ("anonymous") Parse — needed
// because a client may Describe/Bind/Execute the unnamed statement
// without re-sending its text.
type preparedRegistry struct {
	byName        map[string]*ClientStatement
	lastAnonymous *ClientStatement
}

func newPreparedRegistry() *preparedRegistry {
	return &preparedRegistry{byName: make(map[string]*ClientStatement)}
}

func (r *preparedRegistry) parse(name, query string, paramOIDs []uint32) *ClientStatement {
	cs := &ClientStatement{
		Name:      name,
		Query:     query,
		ParamOIDs: paramOIDs,
		Canonical: CanonicalHash(query, paramOIDs),
	}
	if name == "" {
		r.lastAnonymous = cs
	} else {
		r.byName[name] = cs
	}
	return cs
}

func (r *preparedRegistry) lookup(name string) (*ClientStatement, bool) {
	if name == "" {
		if r.lastAnonymous == nil {
			return nil, false
		}
		return r.lastAnonymous, true
	}
	cs, ok := r.byName[name]
	return cs, ok
}

func (r *preparedRegistry) closeStatement(name string) {
	if name == "" {
		r.lastAnonymous = nil
		return
	}
	delete(r.byName, name)
}

func (r *preparedRegistry) closeAll() {
	r.byName = make(map[string]*ClientStatement)
	r.lastAnonymous = nil
}
