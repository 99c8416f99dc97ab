package engine

import (
	"context"
)

// bufferPool is a fixed set of block-sized buffers. Get blocks when every
// buffer is in flight, which bounds pipeline memory and makes a slow writer
// stall the reader.
type bufferPool struct {
	free chan []byte
	size int
}

func newBufferPool(count, size int) *bufferPool {
	p := &bufferPool{free: make(chan []byte, count), size: size}
	for range count {
		p.free <- make([]byte, size)
	}
	return p
}

// Get returns a free buffer or ctx's error.
func (p *bufferPool) Get(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.free:
		return b[:p.size], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns b to the pool. nil is ignored.
func (p *bufferPool) Put(b []byte) {
	if b == nil {
		return
	}
	select {
	case p.free <- b:
	default:
		// Not one of ours; drop it.
	}
}

// poolSize returns the number of in-flight buffers for a pipeline with the
// given hasher count.
func poolSize(hashers int) int {
	return 2*hashers + 2
}
