package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxMessageSize bounds the declared length of any frame this reader
// will accept, including the 4-byte length field itself.
const DefaultMaxMessageSize = 64 * 1024 * 1024

// Reader frames a byte stream into typed PostgreSQL v3 messages. It reads
// into a single growable buffer and yields a Payload slice that aliases
// that buffer -- callers must not retain Payload past the next Next call.
type Reader struct {
	r          io.Reader
	buf        []byte
	maxMessage int
}

// NewReader constructs a Reader with DefaultMaxMessageSize.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 0, 4096), maxMessage: DefaultMaxMessageSize}
}

// SetMaxMessageSize overrides the configured maximum frame length.
func (rd *Reader) SetMaxMessageSize(n int) { rd.maxMessage = n }

func (rd *Reader) ensure(n int) error {
	if cap(rd.buf) < n {
		grown := make([]byte, n)
		rd.buf = grown[:0]
	}
	rd.buf = rd.buf[:n]
	_, err := io.ReadFull(rd.r, rd.buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return &ErrTruncatedFrame{Want: n, Got: 0}
		}
		return err
	}
	return nil
}

// Next reads one tagged message: a 1-byte tag followed by a 4-byte
// big-endian length (inclusive of itself) and the payload.
func (rd *Reader) Next() (Message, error) {
	var head [5]byte
	if _, err := io.ReadFull(rd.r, head[:]); err != nil {
		return Message{}, err
	}
	tag := head[0]
	length := int(binary.BigEndian.Uint32(head[1:5]))
	if length < 4 {
		return Message{}, fmt.Errorf("wire: invalid message length %d", length)
	}
	payloadLen := length - 4
	if length+1 > rd.maxMessage {
		return Message{}, &ErrFrameTooLarge{Declared: length + 1, Max: rd.maxMessage}
	}
	if payloadLen == 0 {
		return Message{Tag: tag, Payload: nil}, nil
	}
	if err := rd.ensure(payloadLen); err != nil {
		return Message{}, err
	}
	return Message{Tag: tag, Payload: rd.buf[:payloadLen]}, nil
}

// NextUntagged reads an untagged startup/cancel/SSL-request message: a
// 4-byte big-endian length (inclusive of itself) followed by payload, with
// no leading tag byte. The caller inspects the first 4 payload bytes for
// the discriminant code.
func (rd *Reader) NextUntagged() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rd.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 4 {
		return Message{}, fmt.Errorf("wire: invalid startup length %d", length)
	}
	payloadLen := length - 4
	if length > rd.maxMessage {
		return Message{}, &ErrFrameTooLarge{Declared: length, Max: rd.maxMessage}
	}
	if payloadLen == 0 {
		return Message{Payload: nil}, nil
	}
	if err := rd.ensure(payloadLen); err != nil {
		return Message{}, err
	}
	return Message{Payload: rd.buf[:payloadLen]}, nil
}
