package crypto

import (
	"sync"
	"testing"
)

func TestBufferPoolGetSizes(t *testing.T) {
	p := NewBufferPool()

	for _, size := range []int{nonceSize, dekSize, DefaultChunkSize, chunkBufSize} {
		buf := p.Get(size)
		if len(buf) != size {
			t.Errorf("Get(%d) returned len %d", size, len(buf))
		}
	}

	// A size outside every class still yields a usable buffer.
	odd := p.Get(7)
	if len(odd) != 7 {
		t.Errorf("Get(7) returned len %d", len(odd))
	}
}

func TestBufferPoolZeroizesOnPut(t *testing.T) {
	p := NewBufferPool()

	buf := p.Get(dekSize)
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Put(buf)

	got := p.Get(dekSize)
	for i, b := range got {
		if b != 0 {
			t.Fatalf("recycled buffer not zeroized at index %d: %#x", i, b)
		}
	}
}

func TestBufferPoolReuse(t *testing.T) {
	p := NewBufferPool()

	first := p.Get(DefaultChunkSize)
	p.Put(first)
	p.Reset()

	p.Get(DefaultChunkSize)
	hits, misses := p.Stats()
	if hits+misses != 1 {
		t.Fatalf("expected exactly one pool lookup, got hits=%d misses=%d", hits, misses)
	}
}

func TestBufferPoolIgnoresOddCapacities(t *testing.T) {
	p := NewBufferPool()

	// Putting a buffer that matches no class must not poison a pool.
	p.Put(make([]byte, 100))

	buf := p.Get(dekSize)
	if len(buf) != dekSize {
		t.Fatalf("Get(%d) after odd Put returned len %d", dekSize, len(buf))
	}
}

func TestBufferPoolConcurrent(t *testing.T) {
	p := NewBufferPool()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				buf := p.Get(DefaultChunkSize)
				buf[0] = 1
				p.Put(buf)
			}
		}()
	}
	wg.Wait()

	buf := p.Get(DefaultChunkSize)
	if buf[0] != 0 {
		t.Fatal("pooled buffer carried stale data")
	}
}

func TestGlobalBufferPoolIsStable(t *testing.T) {
	if GetGlobalBufferPool() != GetGlobalBufferPool() {
		t.Fatal("global pool must be a single instance")
	}
}
