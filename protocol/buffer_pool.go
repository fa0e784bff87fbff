package protocol

import (
	"bytes"
	"sync"
)

// MaxPooledBuffer caps the size of buffers returned to the pool. A frame
// burst can grow a staging buffer well past typical packet sizes; keeping
// those would bloat the pool.
const MaxPooledBuffer = 1024 * 1024

// bufferPool reuses staging buffers for packet writes to reduce
// allocations on the command and simulator hot paths.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer retrieves a buffer from the pool, reset and ready for use.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool. Oversized buffers are dropped.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > MaxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// GetBufferWithSize retrieves a pooled buffer grown to the size hint,
// avoiding reallocation when the packet size is known up front.
func GetBufferWithSize(sizeHint int) *bytes.Buffer {
	buf := GetBuffer()
	if sizeHint > 0 && buf.Cap() < sizeHint {
		buf.Grow(sizeHint)
	}
	return buf
}
