/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package groups

import (
	"io"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/engine"
)

// PipeFanout broadcasts the leader's PCM tap to each member's pipe
// writer. It reuses the engine fanout, so every member gets the
// bounded queue with whole-chunk drops and rate-limited slow logs; a
// copier goroutine per member drains its subscriber into the pipe.
type PipeFanout struct {
	fanout *engine.Fanout
	logger zerolog.Logger

	mu      sync.Mutex
	members map[int]*pipeMember
}

type pipeMember struct {
	sub *engine.Subscriber
	w   io.WriteCloser
}

// NewPipeFanout builds a fanout for one leader tap. The per-member
// byte bound is the engine default.
func NewPipeFanout(leaderZone int, spec engine.OutputSpec, logger zerolog.Logger) *PipeFanout {
	return &PipeFanout{
		fanout:  engine.NewFanout(leaderZone, spec, 0, 0, logger),
		logger:  logger,
		members: make(map[int]*pipeMember),
	}
}

// Attach subscribes a member zone and starts draining into its pipe.
func (f *PipeFanout) Attach(zoneID int, w io.WriteCloser) {
	sub := f.fanout.Subscribe("group/"+strconv.Itoa(zoneID), false)
	m := &pipeMember{sub: sub, w: w}

	f.mu.Lock()
	f.members[zoneID] = m
	f.mu.Unlock()

	go func() {
		for {
			data, ok := sub.Recv()
			if !ok {
				break
			}
			if _, err := w.Write(data); err != nil {
				f.logger.Debug().Err(err).Int("member", zoneID).Msg("member pipe closed")
				sub.Close()
				break
			}
		}
		_ = w.Close()
	}()
}

// Detach drops one member; its pipe reader sees EOF.
func (f *PipeFanout) Detach(zoneID int) {
	f.mu.Lock()
	m, ok := f.members[zoneID]
	if ok {
		delete(f.members, zoneID)
	}
	f.mu.Unlock()
	if ok {
		m.sub.Close()
	}
}

// Broadcast queues a chunk for every member.
func (f *PipeFanout) Broadcast(data []byte) {
	f.fanout.Broadcast(data)
}

// Len returns the number of attached members.
func (f *PipeFanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.members)
}

// Close ends the stream; every member pipe closes after draining.
func (f *PipeFanout) Close() {
	f.fanout.Finish(nil)
	f.mu.Lock()
	f.members = make(map[int]*pipeMember)
	f.mu.Unlock()
}
