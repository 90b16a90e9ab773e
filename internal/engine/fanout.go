/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/smallnest/ringbuffer"

	"github.com/friendsincode/zonecast/internal/telemetry"
)

// dropLogInterval rate limits the slow-subscriber debug log.
const dropLogInterval = 2 * time.Second

// Subscriber is one consumer of a fanout. Chunks arrive in order; the
// channel closes when the stream ends. Err reports why, nil for a clean
// end of stream.
type Subscriber struct {
	id      string
	fanout  atomic.Pointer[Fanout] // rewritten on handoff migration
	ch      chan []byte
	done    chan struct{}
	pending atomic.Int64
	limit   int64

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	drops    atomic.Int64
	lastDrop atomic.Int64 // unix nanos of last drop log
}

// Recv returns the next chunk. ok is false once the stream has ended
// and all queued chunks were consumed.
func (s *Subscriber) Recv() (data []byte, ok bool) {
	data, ok = <-s.ch
	if ok {
		s.pending.Add(-int64(len(data)))
	}
	return data, ok
}

// Done closes when the subscriber is detached for any reason.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err reports the stream error after the channel closed, nil for a
// clean end.
func (s *Subscriber) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close detaches the subscriber from its fanout.
func (s *Subscriber) Close() {
	if f := s.fanout.Load(); f != nil {
		f.unsubscribe(s)
	}
	s.finish(nil)
}

func (s *Subscriber) finish(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.ch)
		close(s.done)
	})
}

// offer queues a chunk, dropping it whole when the subscriber's queue
// is over its byte bound.
func (s *Subscriber) offer(data []byte, logger zerolog.Logger) {
	if s.pending.Load()+int64(len(data)) > s.limit {
		s.drops.Add(1)
		now := time.Now().UnixNano()
		last := s.lastDrop.Load()
		if now-last > int64(dropLogInterval) && s.lastDrop.CompareAndSwap(last, now) {
			logger.Debug().
				Str("subscriber", s.id).
				Int64("dropped_total", s.drops.Load()).
				Int64("pending_bytes", s.pending.Load()).
				Msg("slow subscriber, dropping chunk")
		}
		return
	}
	select {
	case s.ch <- data:
		s.pending.Add(int64(len(data)))
	default:
		// Channel slots exhausted before the byte bound; same treatment.
		s.drops.Add(1)
	}
}

// Fanout distributes one encoded output of an engine session to any
// number of subscribers. New subscribers are seeded with the rolling
// tail of recent audio so playback starts immediately.
type Fanout struct {
	zoneID  int
	profile Profile
	spec    OutputSpec
	logger  zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscriber
	tail   *ringbuffer.RingBuffer
	tailMu sync.Mutex
	ended  bool
	endErr error

	limit      int
	bytesTotal atomic.Int64
	firstChunk chan struct{}
	firstOnce  sync.Once
}

// NewFanout builds a distributor for one output. Sessions create one
// per profile; the group coordinator reuses it for local PCM taps.
func NewFanout(zoneID int, spec OutputSpec, prebufferBytes, subscriberLimit int, logger zerolog.Logger) *Fanout {
	if prebufferBytes <= 0 {
		prebufferBytes = 128 * 1024
	}
	if subscriberLimit <= 0 {
		subscriberLimit = 512 * 1024
	}
	return &Fanout{
		zoneID:     zoneID,
		profile:    spec.Profile,
		spec:       spec,
		logger:     logger.With().Int("zone", zoneID).Str("profile", string(spec.Profile)).Logger(),
		subs:       make(map[string]*Subscriber),
		tail:       ringbuffer.New(prebufferBytes),
		limit:      subscriberLimit,
		firstChunk: make(chan struct{}),
	}
}

// Profile returns the encoding this fanout carries.
func (f *Fanout) Profile() Profile { return f.profile }

// Spec returns the output parameters for this fanout.
func (f *Fanout) Spec() OutputSpec { return f.spec }

// FirstChunk closes once the first byte of encoded audio arrived.
func (f *Fanout) FirstChunk() <-chan struct{} { return f.firstChunk }

// BytesTotal returns the number of bytes broadcast so far.
func (f *Fanout) BytesTotal() int64 { return f.bytesTotal.Load() }

// Subscribe attaches a new consumer. When withTail is set the rolling
// prebuffer is delivered as the first chunks.
func (f *Fanout) Subscribe(id string, withTail bool) *Subscriber {
	s := &Subscriber{
		id:    id,
		ch:    make(chan []byte, 256),
		done:  make(chan struct{}),
		limit: int64(f.limit),
	}
	s.fanout.Store(f)

	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		s.finish(f.endErr)
		return s
	}
	if withTail {
		if recent := f.recentTail(); len(recent) > 0 {
			s.offer(recent, f.logger)
		}
	}
	f.subs[id] = s
	count := len(f.subs)
	f.mu.Unlock()

	telemetry.Subscribers.WithLabelValues(itoa(f.zoneID), string(f.profile)).Set(float64(count))
	f.logger.Debug().Str("subscriber", id).Int("subscribers", count).Msg("subscriber attached")
	return s
}

func (f *Fanout) unsubscribe(s *Subscriber) {
	f.mu.Lock()
	if cur, ok := f.subs[s.id]; !ok || cur != s {
		f.mu.Unlock()
		return
	}
	delete(f.subs, s.id)
	count := len(f.subs)
	f.mu.Unlock()

	if drops := s.drops.Load(); drops > 0 {
		telemetry.SubscriberDrops.WithLabelValues(itoa(f.zoneID), string(f.profile)).Add(float64(drops))
	}
	telemetry.Subscribers.WithLabelValues(itoa(f.zoneID), string(f.profile)).Set(float64(count))
	f.logger.Debug().Str("subscriber", s.id).Int("subscribers", count).Msg("subscriber detached")
}

// SubscriberCount returns the number of attached consumers.
func (f *Fanout) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Broadcast distributes one chunk to the tail buffer and every
// subscriber. A slow subscriber loses whole chunks, never partial ones.
func (f *Fanout) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	f.firstOnce.Do(func() { close(f.firstChunk) })
	f.bytesTotal.Add(int64(len(data)))
	f.writeTail(data)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		s.offer(data, f.logger)
	}
}

// writeTail keeps the ring holding the most recent bytes, discarding
// the oldest data to make room.
func (f *Fanout) writeTail(data []byte) {
	f.tailMu.Lock()
	defer f.tailMu.Unlock()

	size := f.tail.Capacity()
	if len(data) > size {
		data = data[len(data)-size:]
	}
	if free := f.tail.Free(); free < len(data) {
		discard := make([]byte, len(data)-free)
		_, _ = f.tail.Read(discard)
	}
	_, _ = f.tail.Write(data)
}

func (f *Fanout) recentTail() []byte {
	f.tailMu.Lock()
	defer f.tailMu.Unlock()

	n := f.tail.Length()
	if n == 0 {
		return nil
	}
	// Peek without consuming: read out and write back.
	buf := make([]byte, n)
	_, _ = f.tail.Read(buf)
	_, _ = f.tail.Write(buf)
	return buf
}

// FeedFrom pumps encoded audio from the pipeline output until EOF or a
// read error. The return mirrors the reader's terminal error.
func (f *Fanout) FeedFrom(r io.Reader) error {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			f.Broadcast(data)
			telemetry.EngineBytes.WithLabelValues(itoa(f.zoneID), string(f.profile)).Add(float64(n))
		}
		if err != nil {
			if err == io.EOF {
				f.logger.Debug().Int64("bytes", f.bytesTotal.Load()).Msg("pipeline output ended")
			} else {
				f.logger.Warn().Err(err).Msg("pipeline output read error")
			}
			return err
		}
	}
}

// Finish ends the stream for all subscribers. With a nil error queued
// chunks still drain before each subscriber sees the close; with an
// error the stream is treated as failed.
func (f *Fanout) Finish(err error) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	f.endErr = err
	subs := make([]*Subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.subs = make(map[string]*Subscriber)
	f.mu.Unlock()

	for _, s := range subs {
		s.finish(err)
	}
	telemetry.Subscribers.WithLabelValues(itoa(f.zoneID), string(f.profile)).Set(0)
}

// Migrate moves every subscriber to dst without closing their streams.
// Used for seamless engine handoff: the subscriber keeps its queue and
// starts receiving from the new session's output.
func (f *Fanout) Migrate(dst *Fanout) {
	f.mu.Lock()
	moved := f.subs
	f.subs = make(map[string]*Subscriber)
	f.ended = true
	f.mu.Unlock()

	dst.mu.Lock()
	for id, s := range moved {
		s.fanout.Store(dst)
		dst.subs[id] = s
	}
	count := len(dst.subs)
	dst.mu.Unlock()

	zone := itoa(f.zoneID)
	telemetry.Subscribers.WithLabelValues(zone, string(f.profile)).Set(0)
	telemetry.Subscribers.WithLabelValues(itoa(dst.zoneID), string(dst.profile)).Set(float64(count))
	f.logger.Debug().Int("migrated", len(moved)).Msg("subscribers migrated to new session")
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
