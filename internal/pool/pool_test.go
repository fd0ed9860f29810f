package pool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pgvoyage/pgvoyage/internal/server"
)

// fakeDialer hands out Conns backed by an in-process net.Pipe, so Acquire
// exercises real (*server.Conn) state transitions without a live postgres.
type fakeDialer struct {
	mu    sync.Mutex
	n     int
	fail  bool
}

func (d *fakeDialer) Dial(ctx context.Context) (*server.Conn, error) {
	if d.fail {
		return nil, fmt.Errorf("fake dial failure")
	}
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
	client, srv := net.Pipe()
	go io_discard(srv)
	return server.NewConn(client, "fake:5432", 1, 1, map[string]string{}, server.Options{StatementCacheSize: 8}), nil
}

func io_discard(c net.Conn) {
	buf := make([]byte, 256)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestAcquireCreatesUpToMaxSize(t *testing.T) {
	d := &fakeDialer{}
	p := New("db", "u", Config{MaxSize: 2, WaitTimeout: 500 * time.Millisecond}, d, nil)
	defer p.Close()

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if c1 == c2 {
		t.Fatalf("expected distinct connections")
	}
	if stats := p.Stats(); stats.Active != 2 || stats.Total != 2 {
		t.Fatalf("stats = %+v, want active=2 total=2", stats)
	}
}

func TestAcquireBlocksAtMaxSizeAndTimesOut(t *testing.T) {
	d := &fakeDialer{}
	p := New("db", "u", Config{MaxSize: 1, WaitTimeout: 50 * time.Millisecond}, d, nil)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	_ = conn

	start := time.Now()
	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected wait_timeout error at max_size=1")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned too quickly: %v", elapsed)
	}
}

func TestAcquireFIFOOrdering(t *testing.T) {
	d := &fakeDialer{}
	p := New("db", "u", Config{MaxSize: 1, WaitTimeout: 2 * time.Second}, d, nil)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire initial: %v", err)
	}

	const numWaiters = 5
	order := make(chan int, numWaiters)
	for i := 0; i < numWaiters; i++ {
		i := i
		go func() {
			c, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			order <- i
			p.Return(c) // free the permit for the next FIFO waiter
		}()
		time.Sleep(20 * time.Millisecond) // let waiter i enqueue before starting i+1
	}
	time.Sleep(20 * time.Millisecond) // let the last waiter finish enqueueing

	p.Return(conn) // free the initial permit, kicking off the FIFO chain
	for i := 0; i < numWaiters; i++ {
		select {
		case got := <-order:
			if got != i {
				t.Fatalf("FIFO violated: expected waiter %d served next, got %d", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for waiter %d to be served", i)
		}
	}
}

func TestReturnDestroysUnhealthyConnection(t *testing.T) {
	d := &fakeDialer{}
	p := New("db", "u", Config{MaxSize: 1, WaitTimeout: time.Second}, d, nil)
	defer p.Close()

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn.MarkBad()
	p.Return(conn)

	if stats := p.Stats(); stats.Total != 0 {
		t.Fatalf("expected total=0 after returning unhealthy conn, got %+v", stats)
	}

	conn2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("re-acquire after destroy: %v", err)
	}
	if conn2 == conn {
		t.Fatalf("expected a freshly dialed connection")
	}
}

func TestOnExhaustedCallback(t *testing.T) {
	d := &fakeDialer{}
	var called int
	p := New("db", "u", Config{MaxSize: 1, WaitTimeout: 200 * time.Millisecond}, d, func(database, user string) {
		called++
	})
	defer p.Close()

	c1, _ := p.Acquire(context.Background())
	_ = c1
	_, _ = p.Acquire(context.Background())
	if called == 0 {
		t.Fatalf("expected onExhausted to fire at least once")
	}
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	key := Key{Database: "app", User: "svc"}
	d := &fakeDialer{}

	p1, err := reg.GetOrCreate(key, func() Dialer { return d }, Config{MaxSize: 4})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	p2, err := reg.GetOrCreate(key, func() Dialer { return d }, Config{MaxSize: 4})
	if err != nil {
		t.Fatalf("GetOrCreate second: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected the same pool instance to be returned")
	}
	defer p1.Close()

	if _, ok := reg.Get(key); !ok {
		t.Fatalf("expected Get to find the created pool")
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	k, err := ParseKey("appdb/myuser")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if k.Database != "appdb" || k.User != "myuser" {
		t.Fatalf("k = %+v", k)
	}
	if _, err := ParseKey("malformed"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
