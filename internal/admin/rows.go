// Package admin implements the built-in management channel (spec.md §6):
// a dialect of simple queries intercepted inside the client session before
// they would ever reach an upstream server. Grounded in spirit on the
// teacher's internal/api/server.go REST admin surface (tenant CRUD, stats,
// drain, pause, resume), reinterpreted as a Postgres wire-level dialect
// since an HTTP/JSON surface has no home in a protocol this spec never
// hands off to anything but session.AdminInterceptor.
package admin

import (
	"bytes"
	"encoding/binary"

	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// writeRowDescription emits a text-format RowDescription naming each
// column, OID 25 (text) throughout since every admin column is rendered as
// a string.
func writeRowDescription(w *wire.Writer, columns []string) error {
	var buf bytes.Buffer
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(columns)))
	buf.Write(n[:])
	for _, name := range columns {
		buf.WriteString(name)
		buf.WriteByte(0)
		buf.Write([]byte{0, 0, 0, 0}) // table OID
		buf.Write([]byte{0, 0})       // column attr number
		var oid [4]byte
		binary.BigEndian.PutUint32(oid[:], 25) // text
		buf.Write(oid[:])
		buf.Write([]byte{0xff, 0xff}) // type length -1 (variable)
		buf.Write([]byte{0, 0, 0, 0}) // type modifier
		buf.Write([]byte{0, 0})       // format code: text
	}
	return w.WriteMessage(wire.TagRowDescription, buf.Bytes())
}

// writeDataRow emits one DataRow for the given text values.
func writeDataRow(w *wire.Writer, values []string) error {
	var buf bytes.Buffer
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(values)))
	buf.Write(n[:])
	for _, v := range values {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(v)))
		buf.Write(l[:])
		buf.WriteString(v)
	}
	return w.WriteMessage(wire.TagDataRow, buf.Bytes())
}

// writeCommandComplete emits a CommandComplete tagged with the given
// completion string (e.g. "SHOW", "KILL").
func writeCommandComplete(w *wire.Writer, tag string) error {
	return w.WriteMessage(wire.TagCommandComplete, append([]byte(tag), 0))
}

// writeReadyForQuery emits ReadyForQuery with the given transaction status.
func writeReadyForQuery(w *wire.Writer, status byte) error {
	return w.WriteMessage(wire.TagReadyForQuery, []byte{status})
}

// writeRows emits the full RowDescription/DataRow*/CommandComplete/
// ReadyForQuery sequence spec.md §6 requires for every admin command.
func writeRows(w *wire.Writer, columns []string, rows [][]string, completionTag string) error {
	if err := writeRowDescription(w, columns); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writeDataRow(w, row); err != nil {
			return err
		}
	}
	if err := writeCommandComplete(w, completionTag); err != nil {
		return err
	}
	return writeReadyForQuery(w, 'I')
}
