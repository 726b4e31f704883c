// Package buffers provides reusable byte buffers for blob transfers.
package buffers

import (
	"sync"
	"sync/atomic"
)

// Buffer sizes
const (
	// PartSize matches the default multipart part size of the S3 provider (16 MiB)
	PartSize = 16 * 1024 * 1024

	// CopySize is used when streaming a download into its destination (256 KiB)
	CopySize = 256 * 1024
)

// Pool hands out buffers of one fixed size. Buffers of any other size are
// dropped on Put.
type Pool struct {
	size        int
	pool        sync.Pool
	allocations atomic.Int64
	gets        atomic.Int64
}

// NewPool creates a pool of size-byte buffers.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		p.allocations.Add(1)
		buf := make([]byte, size)
		return &buf
	}
	return p
}

var (
	// Parts holds multipart upload buffers.
	Parts = NewPool(PartSize)

	// Copy holds download copy buffers.
	Copy = NewPool(CopySize)
)

// ForSize returns the shared pool for size, or a new pool when no shared
// pool has that size.
func ForSize(size int) *Pool {
	switch size {
	case PartSize:
		return Parts
	case CopySize:
		return Copy
	default:
		return NewPool(size)
	}
}

// Size returns the length of the buffers in the pool.
func (p *Pool) Size() int {
	return p.size
}

// Get retrieves a buffer. Return it with Put when done.
//
//	buf := pool.Get()
//	defer pool.Put(buf)
//	n, err := io.ReadFull(r, *buf)
func (p *Pool) Get() *[]byte {
	p.gets.Add(1)
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. The buffer is cleared first so that blob
// content does not outlive the transfer.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	clear(*buf)
	p.pool.Put(buf)
}

// Stats reports pool usage.
type Stats struct {
	BufferSize  int
	Gets        int64
	Allocations int64
}

// Stats returns the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		BufferSize:  p.size,
		Gets:        p.gets.Load(),
		Allocations: p.allocations.Load(),
	}
}
