// Package buffer pools the scratch buffers used to read response bodies
package buffer

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// BytePool provides object pooling for byte buffers to reduce GC pressure
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	misses atomic.Uint64
}

// DefaultSizes are the bucket capacities used by NewBytePool
var DefaultSizes = []int{
	4 << 10,   // 4KB
	16 << 10,  // 16KB
	64 << 10,  // 64KB
	256 << 10, // 256KB
	1 << 20,   // 1MB
	4 << 20,   // 4MB
}

// NewBytePool creates a pool with one bucket per size. Sizes must be ascending.
func NewBytePool(sizes ...int) *BytePool {
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}

	p := &BytePool{sizes: append([]int(nil), sizes...)}
	for _, size := range p.sizes {
		size := size
		p.pools = append(p.pools, &sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, size))
			},
		})
	}
	return p
}

// Get returns an empty buffer with capacity for at least hint bytes
func (p *BytePool) Get(hint int) *bytes.Buffer {
	p.gets.Add(1)
	for i, size := range p.sizes {
		if size >= hint {
			return p.pools[i].Get().(*bytes.Buffer)
		}
	}
	p.misses.Add(1)
	return bytes.NewBuffer(make([]byte, 0, hint))
}

// Put returns buf to the bucket matching its capacity. Buffers that grew past the
// largest bucket are left to the GC.
func (p *BytePool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	capacity := buf.Cap()
	for i := len(p.sizes) - 1; i >= 0; i-- {
		if capacity >= p.sizes[i] {
			if i == len(p.sizes)-1 && capacity > 2*p.sizes[i] {
				return
			}
			buf.Reset()
			p.pools[i].Put(buf)
			return
		}
	}
}

// ReadAll reads r into a pooled scratch buffer and returns an exactly sized copy.
// A negative or zero limit disables the size check; otherwise more than limit
// bytes is an error.
func (p *BytePool) ReadAll(r io.Reader, sizeHint int, limit int64) ([]byte, error) {
	if sizeHint <= 0 {
		sizeHint = p.sizes[0]
	}
	buf := p.Get(sizeHint)
	defer p.Put(buf)

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	if _, err := buf.ReadFrom(src); err != nil {
		return nil, err
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// PoolStats describes pool usage
type PoolStats struct {
	PoolSizes     []int  `json:"pool_sizes"`
	MaxBufferSize int    `json:"max_buffer_size"`
	Gets          uint64 `json:"gets"`
	Oversized     uint64 `json:"oversized"`
}

// GetStats returns current pool statistics
func (p *BytePool) GetStats() PoolStats {
	return PoolStats{
		PoolSizes:     append([]int(nil), p.sizes...),
		MaxBufferSize: p.sizes[len(p.sizes)-1],
		Gets:          p.gets.Load(),
		Oversized:     p.misses.Load(),
	}
}
