// Package stats implements per-address statistics (C10): lock-free atomic
// counters plus HDR histograms for query/transaction latency, ported from
// pg_doorman's stats/address.rs.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Parameters matching the original Rust implementation exactly.
const (
	histogramMaxValueUs = 10 * 60 * 1_000_000 // 600,000,000 microseconds
	histogramSigFigs    = 2
)

// Counters is the atomic snapshot of countable events for one address
// (a pool, or the process as a whole), matching AddressStatFields.
type Counters struct {
	XactCount     atomic.Int64
	QueryCount    atomic.Int64
	BytesReceived atomic.Int64
	BytesSent     atomic.Int64
	XactTimeUs    atomic.Int64
	QueryTimeUs   atomic.Int64
	WaitTimeUs    atomic.Int64
	Errors        atomic.Int64
}

func (c *Counters) snapshot() Counters {
	var s Counters
	s.XactCount.Store(c.XactCount.Load())
	s.QueryCount.Store(c.QueryCount.Load())
	s.BytesReceived.Store(c.BytesReceived.Load())
	s.BytesSent.Store(c.BytesSent.Load())
	s.XactTimeUs.Store(c.XactTimeUs.Load())
	s.QueryTimeUs.Store(c.QueryTimeUs.Load())
	s.WaitTimeUs.Store(c.WaitTimeUs.Load())
	s.Errors.Store(c.Errors.Load())
	return s
}

func (c *Counters) reset() {
	c.XactCount.Store(0)
	c.QueryCount.Store(0)
	c.BytesReceived.Store(0)
	c.BytesSent.Store(0)
	c.XactTimeUs.Store(0)
	c.QueryTimeUs.Store(0)
	c.WaitTimeUs.Store(0)
	c.Errors.Store(0)
}

// AddressStats holds the total-lifetime, current-period, and
// last-computed-averages counter snapshots for one address, plus the two
// HDR latency histograms. Averages are recomputed every STAT_PERIOD by
// Tick, dividing the current window by the elapsed seconds and resetting
// it, matching spec.md §4.9.
type AddressStats struct {
	Total    Counters
	Current  Counters
	averages atomic.Pointer[Counters]

	histMu         sync.Mutex
	queryHistogram *hdrhistogram.Histogram
	xactHistogram  *hdrhistogram.Histogram
}

// New constructs an AddressStats with fresh histograms.
func New() *AddressStats {
	s := &AddressStats{
		queryHistogram: hdrhistogram.New(1, histogramMaxValueUs, histogramSigFigs),
		xactHistogram:  hdrhistogram.New(1, histogramMaxValueUs, histogramSigFigs),
	}
	s.averages.Store(&Counters{})
	return s
}

// RecordQuery records one completed query's latency in both the atomic
// counters and the query histogram (best-effort: a lock contention miss is
// tolerated rather than blocking the hot path, per DESIGN NOTES §9).
func (s *AddressStats) RecordQuery(d time.Duration) {
	us := d.Microseconds()
	s.Total.QueryCount.Add(1)
	s.Current.QueryCount.Add(1)
	s.Total.QueryTimeUs.Add(us)
	s.Current.QueryTimeUs.Add(us)
	if s.histMu.TryLock() {
		s.queryHistogram.RecordValue(clamp(us))
		s.histMu.Unlock()
	}
}

// RecordTransaction records one completed transaction's latency.
func (s *AddressStats) RecordTransaction(d time.Duration) {
	us := d.Microseconds()
	s.Total.XactCount.Add(1)
	s.Current.XactCount.Add(1)
	s.Total.XactTimeUs.Add(us)
	s.Current.XactTimeUs.Add(us)
	if s.histMu.TryLock() {
		s.xactHistogram.RecordValue(clamp(us))
		s.histMu.Unlock()
	}
}

// RecordWait records time spent waiting for a pool connection.
func (s *AddressStats) RecordWait(d time.Duration) {
	us := d.Microseconds()
	s.Total.WaitTimeUs.Add(us)
	s.Current.WaitTimeUs.Add(us)
}

// RecordBytes adds to the bytes-received/sent counters.
func (s *AddressStats) RecordBytes(received, sent int64) {
	s.Total.BytesReceived.Add(received)
	s.Current.BytesReceived.Add(received)
	s.Total.BytesSent.Add(sent)
	s.Current.BytesSent.Add(sent)
}

// RecordError increments the error counter.
func (s *AddressStats) RecordError() {
	s.Total.Errors.Add(1)
	s.Current.Errors.Add(1)
}

// Averages returns the most recently computed per-second averages.
func (s *AddressStats) Averages() Counters {
	return *s.averages.Load()
}

// QueryPercentile returns the given percentile (0-100) of observed query
// latencies in microseconds.
func (s *AddressStats) QueryPercentile(p float64) int64 {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return s.queryHistogram.ValueAtPercentile(p)
}

// TransactionPercentile returns the given percentile of observed
// transaction latencies in microseconds.
func (s *AddressStats) TransactionPercentile(p float64) int64 {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return s.xactHistogram.ValueAtPercentile(p)
}

// Tick recomputes averages by dividing the current window by periodSeconds
// and resets the current window. Called by a background ticker every
// STAT_PERIOD milliseconds.
func (s *AddressStats) Tick(periodSeconds float64) {
	cur := s.Current.snapshot()
	avg := &Counters{}
	avg.XactCount.Store(int64(float64(cur.XactCount.Load()) / periodSeconds))
	avg.QueryCount.Store(int64(float64(cur.QueryCount.Load()) / periodSeconds))
	avg.BytesReceived.Store(int64(float64(cur.BytesReceived.Load()) / periodSeconds))
	avg.BytesSent.Store(int64(float64(cur.BytesSent.Load()) / periodSeconds))
	avg.XactTimeUs.Store(int64(float64(cur.XactTimeUs.Load()) / periodSeconds))
	avg.QueryTimeUs.Store(int64(float64(cur.QueryTimeUs.Load()) / periodSeconds))
	avg.WaitTimeUs.Store(int64(float64(cur.WaitTimeUs.Load()) / periodSeconds))
	avg.Errors.Store(int64(float64(cur.Errors.Load()) / periodSeconds))
	s.averages.Store(avg)
	s.Current.reset()
}

func clamp(us int64) int64 {
	if us < 1 {
		return 1
	}
	if us > histogramMaxValueUs {
		return histogramMaxValueUs
	}
	return us
}

// Registry tracks an AddressStats per pool key, created lazily.
type Registry struct {
	mu   sync.Mutex
	byKey map[string]*AddressStats
}

// NewRegistry constructs an empty stats Registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*AddressStats)}
}

// Get returns the AddressStats for key, creating it on first use.
func (r *Registry) Get(key string) *AddressStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byKey[key]
	if !ok {
		s = New()
		r.byKey[key] = s
	}
	return s
}

// TickAll calls Tick on every tracked AddressStats, run by a background
// loop every STAT_PERIOD.
func (r *Registry) TickAll(periodSeconds float64) {
	r.mu.Lock()
	snapshot := make([]*AddressStats, 0, len(r.byKey))
	for _, s := range r.byKey {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()
	for _, s := range snapshot {
		s.Tick(periodSeconds)
	}
}

// Keys returns the set of tracked address keys, for admin SHOW STATS.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}
