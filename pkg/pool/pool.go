// Package pool provides typed object pooling on top of sync.Pool.
//
// Example usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//	if err := json.MarshalToWriter(buf, v); err != nil {
//	    return err
//	}
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a type-safe wrapper around sync.Pool that resets objects on Put
// and tracks usage. It is safe for concurrent use.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated int64
		inUse     int64
		gets      int64
	}
}

// New creates a pool. newFn builds an object when the pool is empty; reset,
// if non-nil, runs before an object goes back into the pool.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.stats.allocated, 1)
		return newFn()
	}
	return p
}

// Get takes an object from the pool, allocating one if needed.
func (p *Pool[T]) Get() T {
	atomic.AddInt64(&p.stats.gets, 1)
	atomic.AddInt64(&p.stats.inUse, 1)
	return p.pool.Get().(T)
}

// Put resets obj and returns it to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	atomic.AddInt64(&p.stats.inUse, -1)
	p.pool.Put(obj)
}

// Stats returns the number of objects allocated, currently checked out and
// the total number of Get calls. gets-allocated approximates reuse.
func (p *Pool[T]) Stats() (allocated, inUse, gets int64) {
	return atomic.LoadInt64(&p.stats.allocated),
		atomic.LoadInt64(&p.stats.inUse),
		atomic.LoadInt64(&p.stats.gets)
}

// MaxRetainedBuffer is the largest buffer capacity PutBuffer keeps.
// Larger buffers are left to the garbage collector so one oversized payload
// does not pin memory.
const MaxRetainedBuffer = 1 << 20

// Buffers pools the byte buffers used to encode queue messages and HTTP
// responses.
var Buffers = New(
	func() *bytes.Buffer { return new(bytes.Buffer) },
	func(b *bytes.Buffer) { b.Reset() },
)

// GetBuffer returns an empty buffer from Buffers.
func GetBuffer() *bytes.Buffer {
	return Buffers.Get()
}

// PutBuffer returns b to Buffers unless it has grown past MaxRetainedBuffer.
func PutBuffer(b *bytes.Buffer) {
	if b == nil {
		return
	}
	if b.Cap() > MaxRetainedBuffer {
		atomic.AddInt64(&Buffers.stats.inUse, -1)
		return
	}
	Buffers.Put(b)
}
