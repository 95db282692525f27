package core

import (
	"bytes"
	"sync"
)

// bufferPool pools *bytes.Buffer instances used for block encoding and
// decompression during compaction. Buffers above maxRetainedCap are
// dropped on Put so one oversized merge does not pin memory forever.
type bufferPool struct {
	pool           sync.Pool
	maxRetainedCap int
}

// DefaultBlockBufferSize is the pre-allocated capacity for pooled buffers,
// sized for a typical compressed row-group block.
const DefaultBlockBufferSize = 32 * 1024

const maxRetainedBufferCap = 4 * 1024 * 1024

// BufferPool is the shared buffer pool for the segment codec and compressors.
var BufferPool = &bufferPool{
	pool: sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, DefaultBlockBufferSize))
		},
	},
	maxRetainedCap: maxRetainedBufferCap,
}

// Get retrieves an empty buffer from the pool.
func (p *bufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool.
func (p *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > p.maxRetainedCap {
		return
	}
	p.pool.Put(buf)
}
