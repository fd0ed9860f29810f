package admin

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/stats"
	"github.com/pgvoyage/pgvoyage/internal/wire"
)

func TestShowStatsReflectsRecordedCounters(t *testing.T) {
	reg := stats.NewRegistry()
	as := reg.Get("mydb/myuser")
	as.RecordQuery(5 * time.Millisecond)
	as.RecordTransaction(10 * time.Millisecond)
	as.RecordBytes(100, 200)

	h := &Handler{StatsReg: reg}
	var buf bytes.Buffer
	w := wire.NewWriter(&buf, nil)
	ok, err := h.Handle(context.Background(), "SHOW STATS", w)
	if !ok || err != nil {
		t.Fatalf("expected SHOW STATS to be intercepted, ok=%v err=%v", ok, err)
	}

	msgs := readAllMessages(t, &buf)
	if len(msgs) != 4 {
		t.Fatalf("expected RowDescription + one DataRow + CommandComplete + ReadyForQuery, got %d", len(msgs))
	}
	if msgs[1].Tag != wire.TagDataRow {
		t.Fatalf("expected second message to be a DataRow, got %q", msgs[1].Tag)
	}
}
