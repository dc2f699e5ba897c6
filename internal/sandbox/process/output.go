package process

import (
	"bytes"
	"io"
	"sync"
)

// CappedBuffer keeps at most limit bytes and silently discards the rest so the
// writer never blocks on a full pipe.
type CappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

// NewCappedBuffer returns a buffer holding at most limit bytes.
func NewCappedBuffer(limit int64) *CappedBuffer {
	return &CappedBuffer{limit: limit}
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether any write was cut short.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// drain copies r into dst until EOF or until r is closed underneath it.
func drain(wg *sync.WaitGroup, r io.Reader, dst io.Writer) {
	defer wg.Done()
	_, _ = io.Copy(dst, r)
}
