package sandbox

import (
	"bytes"
	"sync"
)

// truncationMarker is appended to a stream that exceeded its soft cap.
const truncationMarker = "\n[output truncated]"

// cappedBuffer records up to soft bytes and counts everything written.
// Writes past the soft cap are discarded (the command keeps running); once
// the total crosses the hard cap, onOverflow fires exactly once so the
// caller can abort the execution. Pipeline stages and background jobs may
// write concurrently, hence the mutex.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	soft       int
	hard       int
	written    int
	overflowed bool
	onOverflow func()
}

func newCappedBuffer(soft, hard int, onOverflow func()) *cappedBuffer {
	return &cappedBuffer{soft: soft, hard: hard, onOverflow: onOverflow}
}

// Write always reports success so producing commands are not killed by a
// short write; capping is the buffer's concern, not theirs.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	b.written += n
	if remain := b.soft - b.buf.Len(); remain > 0 {
		if len(p) > remain {
			p = p[:remain]
		}
		b.buf.Write(p)
	}
	if !b.overflowed && b.hard > 0 && b.written > b.hard {
		b.overflowed = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
	}
	return n, nil
}

// Truncated reports whether anything was discarded.
func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written > b.soft
}

// String returns the captured text, with a visible marker when truncated.
func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.written > b.soft {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}
