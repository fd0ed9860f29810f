package session

import "github.com/pgvoyage/pgvoyage/internal/wire"

// syntheticParseCompletePayload is the literal wire encoding of a
// ParseComplete message with no payload: tag '1', length 4, no body.
var syntheticParseCompletePayload = []byte{}

func syntheticParseComplete() wire.Message {
	return wire.Message{Tag: wire.TagParseComplete, Payload: syntheticParseCompletePayload}
}

// Reorderer splices synthetic ParseComplete messages into the server's
// real response stream wherever the rewriter served a Parse from the
// per-server prepared-statement cache instead of forwarding it, and
// synthetic CloseComplete messages for client Close('S', ...) messages the
// rewriter absorbed, so the
// client always observes exactly one response per request it sent, in
// order — the client has no way to know some Parses never reached the
// server. Ported from pg_doorman's client/batch_handling.rs
// reorder_parse_complete_responses, which tracks the same insertion
// points via per-response-kind index offsets; here the offset bookkeeping
// is the session's own batchLog FIFO queue instead.
type Reorderer struct {
	log batchLog
}

// NewReorderer constructs an empty Reorderer, one per session.
func NewReorderer() *Reorderer {
	return &Reorderer{}
}

// Push records one client request as it is handled (forwarded or served
// from cache), in wire order.
func (r *Reorderer) Push(kind opKind, cacheHit bool) {
	r.log.push(batchEntry{kind: kind, cacheHit: cacheHit})
}

// PushInternal records a housekeeping message the rewriter sent to the
// server on its own initiative (an evicted statement's Close), ahead of
// the client op that triggered it. Its eventual response is consumed and
// discarded rather than forwarded.
func (r *Reorderer) PushInternal(kind opKind) {
	r.log.push(batchEntry{kind: kind, suppressed: true})
}

// Reset clears all pending bookkeeping, called at a protocol-level Sync
// boundary or on error recovery, matching the Rust implementation's
// per-batch state reset.
func (r *Reorderer) Reset() {
	r.log.reset()
}

// Pending reports how many client requests are still awaiting a response
// (real or synthetic).
func (r *Reorderer) Pending() int { return r.log.len() }

// drainSynthetic pops every cache-hit Parse and absorbed client Close at
// the head of the queue, since none of them will ever see a real server
// response, emitting a ParseComplete or CloseComplete for each.
func (r *Reorderer) drainSynthetic() []wire.Message {
	var out []wire.Message
	for {
		e, ok := r.log.peekFront()
		if !ok || !e.cacheHit || (e.kind != opParse && e.kind != opClose) {
			break
		}
		if e.kind == opClose {
			out = append(out, wire.Message{Tag: wire.TagCloseComplete})
		} else {
			out = append(out, syntheticParseComplete())
		}
		r.log.popFront()
	}
	return out
}

// Feed processes one message read from the server and returns the
// sequence of messages to forward to the client: zero or more synthetic
// ParseCompletes/CloseCompletes for cache-hit Parses and absorbed Closes
// queued ahead of msg, then either
// msg itself, or nothing at all if msg is the response to a suppressed
// internal op. Callers must invoke Feed for every server message in
// arrival order, including intermediate ones (DataRow, RowDescription,
// ...); Feed only advances the pending queue on a response tag that
// terminates its front op.
func (r *Reorderer) Feed(msg wire.Message) []wire.Message {
	if e, ok := r.log.peekFront(); ok && e.suppressed {
		r.log.popFront()
		if msg.Tag == wire.TagReadyForQuery {
			r.Reset()
		}
		return nil
	}

	out := r.drainSynthetic()
	out = append(out, msg)
	r.advance(msg.Tag)
	return out
}

// advance pops the front pending op once its terminal response tag has
// been observed. Non-terminal tags (DataRow, ParameterDescription preceding
// a statement Describe's NoData/RowDescription, NoticeResponse, ...) are
// left alone. ReadyForQuery always resets the queue: the server has
// reached the end of the current batch, so nothing should remain
// outstanding (an ErrorResponse mid-batch causes PostgreSQL to skip
// straight to the matching Sync's ReadyForQuery).
func (r *Reorderer) advance(tag byte) {
	if tag == wire.TagReadyForQuery {
		r.Reset()
		return
	}
	front, ok := r.log.peekFront()
	if !ok {
		return
	}
	terminal := false
	switch front.kind {
	case opParse:
		terminal = tag == wire.TagParseComplete
	case opBind:
		terminal = tag == wire.TagBindComplete
	case opDescribe:
		terminal = tag == wire.TagRowDescription || tag == wire.TagNoData
	case opExecute:
		terminal = tag == wire.TagCommandComplete || tag == wire.TagEmptyQuery || tag == wire.TagPortalSuspended
	case opClose:
		terminal = tag == wire.TagCloseComplete
	}
	if tag == wire.TagErrorResponse {
		terminal = true // PostgreSQL abandons the rest of the batch on error
	}
	if terminal {
		r.log.popFront()
	}
}
