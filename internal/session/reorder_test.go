package session

import (
	"testing"

	"github.com/pgvoyage/pgvoyage/internal/wire"
)

func rowDescription() wire.Message {
	return wire.Message{Tag: wire.TagRowDescription, Payload: []byte{0, 0}}
}

func parseComplete() wire.Message {
	return wire.Message{Tag: wire.TagParseComplete}
}

func bindComplete() wire.Message {
	return wire.Message{Tag: wire.TagBindComplete}
}

func commandComplete() wire.Message {
	return wire.Message{Tag: wire.TagCommandComplete, Payload: []byte("SELECT 1\x00")}
}

func readyForQuery(status byte) wire.Message {
	return wire.Message{Tag: wire.TagReadyForQuery, Payload: []byte{status}}
}

func closeComplete() wire.Message {
	return wire.Message{Tag: wire.TagCloseComplete}
}

// TestReordererCacheHitInjectsSyntheticParseComplete covers the core
// rewrite scenario: a cache-hit Parse is never forwarded to the server,
// so its ParseComplete must be synthesized locally, spliced in ahead of
// the real response to the Bind that followed it in the same pipeline.
func TestReordererCacheHitInjectsSyntheticParseComplete(t *testing.T) {
	r := NewReorderer()
	r.Push(opParse, true) // cache hit: nothing sent to the server
	r.Push(opBind, false)
	r.Push(opDescribe, false)
	r.Push(opExecute, false)

	var got []wire.Message

	got = append(got, r.Feed(bindComplete())...)
	if len(got) != 2 {
		t.Fatalf("expected synthetic ParseComplete + real BindComplete, got %d messages", len(got))
	}
	if got[0].Tag != wire.TagParseComplete {
		t.Fatalf("expected first forwarded message to be synthetic ParseComplete, got tag %q", got[0].Tag)
	}
	if got[1].Tag != wire.TagBindComplete {
		t.Fatalf("expected second forwarded message to be BindComplete, got tag %q", got[1].Tag)
	}

	got = got[:0]
	got = append(got, r.Feed(rowDescription())...)
	got = append(got, r.Feed(commandComplete())...)
	got = append(got, r.Feed(readyForQuery('I'))...)
	if len(got) != 3 {
		t.Fatalf("expected RowDescription, CommandComplete, ReadyForQuery, got %d", len(got))
	}
	if r.Pending() != 0 {
		t.Fatalf("expected queue drained after ReadyForQuery, got %d pending", r.Pending())
	}
}

// TestReordererSuppressesEvictionClose covers the eviction scenario: the
// rewriter injects an internal Close ahead of a cache-miss Parse when the
// per-server LRU is full; that Close's CloseComplete must be consumed
// silently, never forwarded, and the Parse's own ParseComplete must reach
// the client normally since it really was forwarded.
func TestReordererSuppressesEvictionClose(t *testing.T) {
	r := NewReorderer()
	r.PushInternal(opClose) // eviction of the LRU's oldest entry
	r.Push(opParse, false)  // the new statement, forwarded for real

	out := r.Feed(closeComplete())
	if len(out) != 0 {
		t.Fatalf("expected eviction CloseComplete to be suppressed, got %d messages", len(out))
	}
	if r.Pending() != 1 {
		t.Fatalf("expected one op (the Parse) still pending, got %d", r.Pending())
	}

	out = r.Feed(parseComplete())
	if len(out) != 1 || out[0].Tag != wire.TagParseComplete {
		t.Fatalf("expected the real ParseComplete to be forwarded, got %v", out)
	}

	out = r.Feed(readyForQuery('I'))
	if len(out) != 1 || out[0].Tag != wire.TagReadyForQuery {
		t.Fatalf("expected ReadyForQuery forwarded, got %v", out)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected queue reset at ReadyForQuery, got %d pending", r.Pending())
	}
}

// TestReordererErrorAbandonsBatch mirrors PostgreSQL's own behavior: once
// an ErrorResponse is seen mid-batch, the server skips straight to the
// matching Sync's ReadyForQuery, so the reorderer must not expect any
// further per-op terminal responses.
func TestReordererErrorAbandonsBatch(t *testing.T) {
	r := NewReorderer()
	r.Push(opParse, false)
	r.Push(opBind, false)
	r.Push(opExecute, false)

	errMsg := wire.Message{Tag: wire.TagErrorResponse, Payload: []byte("SERROR\x00")}
	out := r.Feed(parseComplete())
	if len(out) != 1 {
		t.Fatalf("expected ParseComplete forwarded, got %v", out)
	}
	out = r.Feed(errMsg)
	if len(out) != 1 || out[0].Tag != wire.TagErrorResponse {
		t.Fatalf("expected ErrorResponse forwarded, got %v", out)
	}
	out = r.Feed(readyForQuery('I'))
	if len(out) != 1 || out[0].Tag != wire.TagReadyForQuery {
		t.Fatalf("expected ReadyForQuery forwarded, got %v", out)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected queue reset after ReadyForQuery, got %d pending", r.Pending())
	}
}

// TestReordererOverflowsBeyondInlineCapacity exercises the batchLog
// overflow path with a pipeline deeper than the inline array.
func TestReordererOverflowsBeyondInlineCapacity(t *testing.T) {
	r := NewReorderer()
	const n = batchInlineCapacity + 4
	for i := 0; i < n; i++ {
		r.Push(opBind, false)
	}
	if r.Pending() != n {
		t.Fatalf("expected %d pending ops, got %d", n, r.Pending())
	}
	for i := 0; i < n; i++ {
		out := r.Feed(bindComplete())
		if len(out) != 1 || out[0].Tag != wire.TagBindComplete {
			t.Fatalf("op %d: expected BindComplete forwarded, got %v", i, out)
		}
	}
	if r.Pending() != 0 {
		t.Fatalf("expected queue drained, got %d pending", r.Pending())
	}
}
