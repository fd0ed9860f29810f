package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	if err := w.WriteMessage(TagQuery, []byte("SELECT 1")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewReader(&buf)
	msg, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if msg.Tag != TagQuery {
		t.Fatalf("tag = %q, want %q", msg.Tag, TagQuery)
	}
	if string(msg.Payload) != "SELECT 1" {
		t.Fatalf("payload = %q", msg.Payload)
	}
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	payload := make([]byte, 100)
	if err := w.WriteMessage(TagQuery, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	r := NewReader(&buf)
	r.SetMaxMessageSize(50)
	_, err := r.Next()
	var tooLarge *ErrFrameTooLarge
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReaderTruncatedFrame(t *testing.T) {
	// Declares a 20-byte payload but supplies none.
	var lenBuf [5]byte
	lenBuf[0] = TagQuery
	lenBuf[1], lenBuf[2], lenBuf[3], lenBuf[4] = 0, 0, 0, 24
	r := NewReader(bytes.NewReader(lenBuf[:]))
	_, err := r.Next()
	var truncated *ErrTruncatedFrame
	if !errors.As(err, &truncated) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestNextUntaggedDiscriminant(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	payload := make([]byte, 4)
	payload[3] = 0x7f // arbitrary discriminant byte; only the framing is checked
	if err := w.WriteUntagged(payload); err != nil {
		t.Fatalf("WriteUntagged: %v", err)
	}
	r := NewReader(&buf)
	msg, err := r.NextUntagged()
	if err != nil {
		t.Fatalf("NextUntagged: %v", err)
	}
	if len(msg.Payload) != 4 {
		t.Fatalf("payload len = %d", len(msg.Payload))
	}
}
