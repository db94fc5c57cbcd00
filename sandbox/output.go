package sandbox

import (
	"io"
	"sync"
)

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest. Writes never fail, so the producer is always drained to EOF.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	room := b.limit - len(b.buf)
	if b.limit <= 0 {
		room = len(p)
	}
	switch {
	case room <= 0:
		b.truncated = true
	case len(p) > room:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.buf = append(b.buf, p...)
	}
	return len(p), nil
}

// Bytes returns a copy of the captured output.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// drain copies r into b until EOF. Read errors after the container exits are
// expected when the stream is torn down and are not reported.
func drain(b *cappedBuffer, r io.Reader) error {
	if r == nil {
		return nil
	}
	_, err := io.Copy(b, r)
	if err == io.ErrClosedPipe {
		return nil
	}
	return err
}
