package crypto

import (
	"sync"
	"sync/atomic"
)

// chunkBufSize is the capacity of a pooled chunk buffer: one full
// plaintext chunk plus room for the GCM tag the sealed form appends.
const chunkBufSize = DefaultChunkSize + tagSize

// BufferPool recycles the byte buffers the segment pipeline churns
// through: 12-byte nonces, 32-byte keys, and 64KiB chunk buffers.
// Buffers are zeroized on Put so key material and plaintext never
// linger in pooled memory.
type BufferPool struct {
	nonces sync.Pool
	keys   sync.Pool
	chunks sync.Pool

	hits   int64
	misses int64
}

var globalBufferPool = NewBufferPool()

// GetGlobalBufferPool returns the process-wide pool shared by every
// Envelope that was not handed its own.
func GetGlobalBufferPool() *BufferPool {
	return globalBufferPool
}

// NewBufferPool builds an empty pool. Pools start cold; the first
// Get of each size class allocates.
func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

// Get returns a buffer with len(buf) == size. Sizes matching a pool
// class come from the pool; anything else is a one-off allocation.
func (p *BufferPool) Get(size int) []byte {
	switch {
	case size == nonceSize:
		return p.fromPool(&p.nonces, nonceSize)[:size]
	case size == dekSize:
		return p.fromPool(&p.keys, dekSize)[:size]
	case size > dekSize && size <= chunkBufSize:
		return p.fromPool(&p.chunks, chunkBufSize)[:size]
	}
	return make([]byte, size)
}

// Put zeroizes buf and, if its capacity matches a pool class,
// returns it for reuse. Odd-sized buffers are left to the GC.
func (p *BufferPool) Put(buf []byte) {
	buf = buf[:cap(buf)]
	for i := range buf {
		buf[i] = 0
	}
	switch cap(buf) {
	case nonceSize:
		p.nonces.Put(buf)
	case dekSize:
		p.keys.Put(buf)
	case chunkBufSize:
		p.chunks.Put(buf)
	}
}

func (p *BufferPool) fromPool(pool *sync.Pool, size int) []byte {
	if buf, ok := pool.Get().([]byte); ok {
		atomic.AddInt64(&p.hits, 1)
		return buf
	}
	atomic.AddInt64(&p.misses, 1)
	return make([]byte, size)
}

// Stats reports cumulative pool hits and misses since construction
// (or the last Reset), for the metrics exporter.
func (p *BufferPool) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&p.hits), atomic.LoadInt64(&p.misses)
}

// Reset zeroes the hit/miss counters.
func (p *BufferPool) Reset() {
	atomic.StoreInt64(&p.hits, 0)
	atomic.StoreInt64(&p.misses, 0)
}
