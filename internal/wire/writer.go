package wire

import (
	"encoding/binary"
	"io"
)

// Writer assembles outgoing PostgreSQL v3 messages, computing the length
// prefix from the payload's size before writing the frame in one Write.
type Writer struct {
	w    io.Writer
	pool *BufferPool
}

// NewWriter constructs a Writer. pool may be nil, in which case buffers are
// allocated fresh each call.
func NewWriter(w io.Writer, pool *BufferPool) *Writer {
	return &Writer{w: w, pool: pool}
}

// WriteMessage writes a tagged message: tag byte, 4-byte BE length
// (inclusive of itself), then payload.
func (wr *Writer) WriteMessage(tag byte, payload []byte) error {
	buf := wr.alloc(5 + len(payload))
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	_, err := wr.w.Write(buf)
	wr.release(buf)
	return err
}

// WriteUntagged writes an untagged message (no leading tag byte) -- used
// for cancel-requests and SSL-request forwarding.
func (wr *Writer) WriteUntagged(payload []byte) error {
	buf := wr.alloc(4 + len(payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+4))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	_, err := wr.w.Write(buf)
	wr.release(buf)
	return err
}

// WriteRaw writes bytes verbatim, bypassing framing -- used for
// SSL/GSSENC negotiation single-byte replies.
func (wr *Writer) WriteRaw(b []byte) error {
	_, err := wr.w.Write(b)
	return err
}

func (wr *Writer) alloc(n int) []byte {
	if wr.pool == nil {
		return make([]byte, 0, n)
	}
	b := wr.pool.Get()
	if cap(b) < n {
		return make([]byte, 0, n)
	}
	return b
}

func (wr *Writer) release(b []byte) {
	if wr.pool != nil {
		wr.pool.Put(b)
	}
}
