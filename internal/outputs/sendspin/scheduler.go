/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sendspin

import "sync"

// Frame is one stamped PCM chunk. Timestamp is in server-clock
// microseconds.
type Frame struct {
	Timestamp int64
	Data      []byte
}

// FrameScheduler holds the recent window of stamped frames so
// sync-aware consumers can fetch audio that is still in the future.
// Frames arrive in timestamp order from a single producer.
type FrameScheduler struct {
	mu     sync.Mutex
	frames []Frame
}

func NewFrameScheduler() *FrameScheduler {
	return &FrameScheduler{}
}

// Add appends a frame.
func (fs *FrameScheduler) Add(f Frame) {
	fs.mu.Lock()
	fs.frames = append(fs.frames, f)
	fs.mu.Unlock()
}

// FutureFrames returns copies of all frames stamped at or after the
// given server-clock instant.
func (fs *FrameScheduler) FutureFrames(notBefore int64) []Frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i := 0
	for i < len(fs.frames) && fs.frames[i].Timestamp < notBefore {
		i++
	}
	if i == len(fs.frames) {
		return nil
	}
	out := make([]Frame, len(fs.frames)-i)
	copy(out, fs.frames[i:])
	return out
}

// PruneBefore drops frames whose playback instant already passed.
func (fs *FrameScheduler) PruneBefore(cutoff int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	i := 0
	for i < len(fs.frames) && fs.frames[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		fs.frames = append(fs.frames[:0], fs.frames[i:]...)
	}
}

// Depth reports the queued frame count.
func (fs *FrameScheduler) Depth() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.frames)
}
