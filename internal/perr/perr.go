// Package perr centralizes the PostgreSQL error codes and ErrorResponse
// message construction used throughout the pooler, generalized from the
// teacher's ad hoc sendPGError helper into a single shared table.
package perr

import (
	"bytes"

	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// Error codes referenced by SPEC_FULL.md §7.
const (
	CodeTooManyClients   = "53300"
	CodeProtocolViolation = "08P01"
	CodeInvalidAuth      = "28000"
	CodeInvalidPassword  = "28P01"
	CodeUndefinedDB      = "3D000"
	CodeQueryCanceled    = "57014"
	CodeConnectionFail   = "08006"
	CodeOutOfMemory      = "53200"
	CodeAdminShutdown    = "58006"
	CodeIdleInTxTimeout  = "25P03"

	// Connection-fatal subset: receiving these from upstream marks the
	// server connection unhealthy on release.
	CodeAdminShutdown57P01 = "57P01"
	CodeCrashShutdown      = "57P02"
	CodeCannotConnectNow   = "57P03"
)

var fatalUpstreamCodes = map[string]bool{
	CodeConnectionFail:     true,
	CodeAdminShutdown57P01: true,
	CodeCrashShutdown:      true,
	CodeCannotConnectNow:   true,
}

// IsConnectionFatal reports whether an upstream error code should mark the
// server connection unhealthy rather than returning it to the pool.
func IsConnectionFatal(code string) bool { return fatalUpstreamCodes[code] }

// Kind names the handling category, for logging, not wire format.
type Kind string

const (
	KindProtocolSync  Kind = "protocol_sync_error"
	KindAuth          Kind = "auth_error"
	KindPoolUnavail   Kind = "pool_unavailable"
	KindServerError   Kind = "server_error"
	KindMemoryLimit   Kind = "memory_limit"
	KindShutdown      Kind = "shutdown"
	KindProxyTimeout  Kind = "proxy_timeout"
)

// Fatal is a FATAL-severity protocol error, closing the connection once
// sent.
type Fatal struct {
	Code    string
	Message string
	Kind    Kind
}

func (e *Fatal) Error() string { return e.Code + ": " + e.Message }

// NewFatal constructs a Fatal error.
func NewFatal(kind Kind, code, message string) *Fatal {
	return &Fatal{Code: code, Message: message, Kind: kind}
}

// Build constructs the raw ErrorResponse payload body (without the leading
// 'E' tag / length, which the caller's wire.Writer adds): a sequence of
// one-byte field codes followed by a null-terminated string, terminated by
// a zero byte.
func Build(severity, code, message string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('S')
	buf.WriteString(severity)
	buf.WriteByte(0)
	buf.WriteByte('V')
	buf.WriteString(severity)
	buf.WriteByte(0)
	buf.WriteByte('C')
	buf.WriteString(code)
	buf.WriteByte(0)
	buf.WriteByte('M')
	buf.WriteString(message)
	buf.WriteByte(0)
	buf.WriteByte(0)
	return buf.Bytes()
}

// WriteFatal sends a FATAL ErrorResponse. Callers are expected to close the
// connection immediately afterward.
func WriteFatal(w *wire.Writer, code, message string) error {
	return w.WriteMessage(wire.TagErrorResponse, Build("FATAL", code, message))
}

// WriteError sends a (non-fatal) ERROR ErrorResponse. The session remains
// alive and is expected to return to Idle.
func WriteError(w *wire.Writer, code, message string) error {
	return w.WriteMessage(wire.TagErrorResponse, Build("ERROR", code, message))
}
