/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package airplay

import (
	"context"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
)

const (
	flowCapacity = 256 * 1024
	// readyDelay lets a little audio accumulate before pacing starts,
	// so the first packets do not arrive in a burst that overwhelms
	// the speaker.
	readyDelay = 150 * time.Millisecond
)

// flowBuffer sits between the engine subscriber and the paced sender.
// Writes never block; when the ring is full the oldest audio is
// discarded.
type flowBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ring    *ringbuffer.RingBuffer
	scratch []byte
	closed  bool
	primed  bool
	dropped int64
}

func newFlowBuffer(capacity int) *flowBuffer {
	f := &flowBuffer{
		ring:    ringbuffer.New(capacity),
		scratch: make([]byte, 4096),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Write appends audio, discarding the oldest bytes when full.
func (f *flowBuffer) Write(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for f.ring.Free() < len(p) && f.ring.Length() > 0 {
		n := len(p) - f.ring.Free()
		if n > len(f.scratch) {
			n = len(f.scratch)
		}
		read, err := f.ring.Read(f.scratch[:n])
		f.dropped += int64(read)
		if err != nil || read == 0 {
			break
		}
	}
	if f.ring.Free() >= len(p) {
		f.ring.Write(p)
	}
	f.primed = true
	f.cond.Broadcast()
}

// WaitReady blocks until audio arrived, then holds for the start-up
// delay. Returns false when the buffer closed or the context ended.
func (f *flowBuffer) WaitReady(ctx context.Context) bool {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.cond.Broadcast()
		case <-done:
		}
	}()

	f.mu.Lock()
	for !f.primed && !f.closed && ctx.Err() == nil {
		f.cond.Wait()
	}
	ok := f.primed && ctx.Err() == nil
	f.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-time.After(readyDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// ReadPacket blocks until size bytes are available or the buffer
// closed. A short final packet is returned on close; ok is false only
// when the buffer is closed and drained.
func (f *flowBuffer) ReadPacket(size int) (data []byte, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.ring.Length() < size && !f.closed {
		f.cond.Wait()
	}
	n := size
	if f.ring.Length() < n {
		n = f.ring.Length()
	}
	if n == 0 {
		return nil, false
	}
	buf := make([]byte, n)
	f.ring.Read(buf)
	return buf, true
}

// Dropped returns the bytes discarded to keep the writer unblocked.
func (f *flowBuffer) Dropped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close wakes all waiters; queued audio remains readable.
func (f *flowBuffer) Close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}
