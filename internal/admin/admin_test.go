package admin

import (
	"bytes"
	"context"
	"testing"

	"github.com/pgvoyage/pgvoyage/internal/pool"
	"github.com/pgvoyage/pgvoyage/internal/session"
	"github.com/pgvoyage/pgvoyage/internal/wire"
)

func readAllMessages(t *testing.T, buf *bytes.Buffer) []wire.Message {
	t.Helper()
	r := wire.NewReader(buf)
	var out []wire.Message
	for {
		msg, err := r.Next()
		if err != nil {
			break
		}
		payload := append([]byte(nil), msg.Payload...)
		out = append(out, wire.Message{Tag: msg.Tag, Payload: payload})
	}
	return out
}

func TestHandleUnknownQueryIsNotIntercepted(t *testing.T) {
	h := &Handler{}
	var buf bytes.Buffer
	w := wire.NewWriter(&buf, nil)
	ok, err := h.Handle(context.Background(), "SELECT 1", w)
	if ok || err != nil {
		t.Fatalf("expected ok=false err=nil for a non-admin query, got ok=%v err=%v", ok, err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected nothing written for an unrecognized query")
	}
}

func TestShowPoolsWithNoPoolsEmitsNoDataRows(t *testing.T) {
	reg := pool.NewRegistry(nil)
	h := &Handler{Registry: reg}

	var buf bytes.Buffer
	w := wire.NewWriter(&buf, nil)
	ok, err := h.Handle(context.Background(), "show pools;", w)
	if !ok || err != nil {
		t.Fatalf("expected SHOW POOLS to be intercepted, ok=%v err=%v", ok, err)
	}

	msgs := readAllMessages(t, &buf)
	if len(msgs) != 3 {
		t.Fatalf("expected RowDescription + CommandComplete + ReadyForQuery with no pools, got %d messages", len(msgs))
	}
	if msgs[0].Tag != wire.TagRowDescription {
		t.Fatalf("expected first message to be RowDescription, got %q", msgs[0].Tag)
	}
	if msgs[1].Tag != wire.TagCommandComplete {
		t.Fatalf("expected CommandComplete, got %q", msgs[1].Tag)
	}
	if msgs[2].Tag != wire.TagReadyForQuery {
		t.Fatalf("expected ReadyForQuery, got %q", msgs[2].Tag)
	}
}

func TestShowClientsReflectsClientRegistry(t *testing.T) {
	clientReg := session.NewClientRegistry()
	h := &Handler{ClientReg: clientReg}

	var buf bytes.Buffer
	w := wire.NewWriter(&buf, nil)
	ok, err := h.Handle(context.Background(), "SHOW CLIENTS", w)
	if !ok || err != nil {
		t.Fatalf("expected SHOW CLIENTS to be intercepted, ok=%v err=%v", ok, err)
	}
	msgs := readAllMessages(t, &buf)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages with no clients connected, got %d", len(msgs))
	}
}

func TestKillRejectsMalformedPoolIdentifier(t *testing.T) {
	reg := pool.NewRegistry(nil)
	h := &Handler{Registry: reg}

	var buf bytes.Buffer
	w := wire.NewWriter(&buf, nil)
	ok, err := h.Handle(context.Background(), "KILL not-a-valid-key", w)
	if !ok || err != nil {
		t.Fatalf("expected KILL to be intercepted, ok=%v err=%v", ok, err)
	}
	msgs := readAllMessages(t, &buf)
	if len(msgs) != 4 || msgs[2].Tag != wire.TagCommandComplete {
		t.Fatalf("expected a CommandComplete(KILL) even on error, got %v", msgs)
	}
}

func TestPauseAndResumeDelegateToRegistry(t *testing.T) {
	reg := pool.NewRegistry(nil)
	h := &Handler{Registry: reg}

	var buf bytes.Buffer
	w := wire.NewWriter(&buf, nil)
	if ok, err := h.Handle(context.Background(), "PAUSE", w); !ok || err != nil {
		t.Fatalf("expected PAUSE to be intercepted, ok=%v err=%v", ok, err)
	}
	buf.Reset()
	if ok, err := h.Handle(context.Background(), "RESUME", w); !ok || err != nil {
		t.Fatalf("expected RESUME to be intercepted, ok=%v err=%v", ok, err)
	}
}

func TestShowConfigRendersSortedKeys(t *testing.T) {
	h := &Handler{
		ConfigSnapshot: func() map[string]string {
			return map[string]string{"max_client_conn": "100", "listen_addr": "0.0.0.0:6432"}
		},
	}
	var buf bytes.Buffer
	w := wire.NewWriter(&buf, nil)
	if ok, err := h.Handle(context.Background(), "SHOW CONFIG", w); !ok || err != nil {
		t.Fatalf("expected SHOW CONFIG to be intercepted, ok=%v err=%v", ok, err)
	}
	msgs := readAllMessages(t, &buf)
	// RowDescription, 2 DataRow (sorted by key), CommandComplete, ReadyForQuery.
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[1].Tag != wire.TagDataRow {
		t.Fatalf("expected second message to be a DataRow, got %q", msgs[1].Tag)
	}
}
