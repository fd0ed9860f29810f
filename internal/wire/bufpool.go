package wire

import "sync"

// defaultBufSize is the initial capacity handed out by BufferPool. Buffers
// that grow past shrinkThreshold are not returned to the pool, bounding the
// amount of memory a single oversized message can pin down permanently.
const (
	defaultBufSize   = 4096
	shrinkThreshold  = 64 * 1024
)

// BufferPool hands out reusable byte slices for per-worker message framing
// (C2). It wraps sync.Pool rather than a bespoke allocator: no third-party
// byte-buffer-pool library appears anywhere in the example pack, and
// sync.Pool is the idiomatic stdlib answer for this narrow a concern.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool constructs a BufferPool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, 0, defaultBufSize)
				return &b
			},
		},
	}
}

// Get returns a zero-length buffer with at least defaultBufSize capacity.
func (p *BufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return (*b)[:0]
}

// Put returns buf to the pool unless it grew beyond shrinkThreshold.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) > shrinkThreshold {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}
