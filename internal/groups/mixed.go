/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package groups

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/source"
)

// freshStartWindow treats very young sessions as starting from zero
// rather than computing a mid-track offset.
const freshStartWindow = 3 * time.Second

// TapService is the playback slice the mixed coordinator needs.
type TapService interface {
	Session(zoneID int) (*playback.Session, bool)
	CreateLocalTap(zoneID int, src source.PlaybackSource, spec engine.OutputSpec, label string) (*playback.LocalTap, error)
}

// Coordinator handles groups whose members speak different renderer
// protocols. URI replication cannot keep those in step, so the leader's
// source is decoded once into a local PCM tap and fanned out to each
// member as a pipe source.
type Coordinator struct {
	svc    TapService
	zones  ZoneControl
	logger zerolog.Logger

	mu   sync.Mutex
	taps map[int]*activeTap // keyed by leader zone
}

type activeTap struct {
	record Record
	tap    *playback.LocalTap
	fanout *PipeFanout
}

// NewCoordinator builds the mixed-group coordinator.
func NewCoordinator(svc TapService, zones ZoneControl, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		svc:    svc,
		zones:  zones,
		logger: logger.With().Str("component", "mixed-groups").Logger(),
		taps:   make(map[int]*activeTap),
	}
}

// Activate sets up PCM replication for the group. A second call for the
// same leader with identical membership is a no-op; changed membership
// rebuilds the tap.
func (c *Coordinator) Activate(ctx context.Context, rec Record) error {
	c.mu.Lock()
	if cur, ok := c.taps[rec.Leader]; ok {
		if equalInts(cur.record.Members, rec.Members) {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()
	c.Deactivate(ctx, rec.Leader)

	sess, ok := c.svc.Session(rec.Leader)
	if !ok {
		return fmt.Errorf("leader zone %d has no session", rec.Leader)
	}

	// Later session restarts on the leader then carry a pcm profile of
	// their own; the tap itself decodes independently.
	c.zones.SetMixedLeader(rec.Leader, true)

	spec := pcmSpecFor(sess.Settings)
	startAt := resolveStartAt(sess, time.Now())
	tap, err := c.svc.CreateLocalTap(rec.Leader, sess.Source.WithStartAt(startAt), spec, "group")
	if err != nil {
		c.zones.SetMixedLeader(rec.Leader, false)
		return err
	}

	fanout := NewPipeFanout(rec.Leader, spec, c.logger)
	for _, m := range rec.Members {
		if m == rec.Leader {
			continue
		}
		pr, pw := io.Pipe()
		fanout.Attach(m, pw)
		memberSrc := source.PlaybackSource{Pipe: &source.PipeSource{
			Format:     pcmFormatFor(spec.BitDepth),
			SampleRate: spec.SampleRate,
			Channels:   spec.Channels,
			RealTime:   true,
			Stream:     pr,
		}}
		if err := c.zones.PlayZoneSource(ctx, m, sess.SourceLabel, memberSrc, sess.Metadata, 0); err != nil {
			c.logger.Warn().Err(err).Int("member", m).Msg("mixed member start failed")
			fanout.Detach(m)
		}
	}

	c.logger.Info().
		Str("group", rec.ID).
		Int("leader", rec.Leader).
		Int("start_at", startAt).
		Int("members", fanout.Len()).
		Msg("mixed group tap active")

	active := &activeTap{record: rec, tap: tap, fanout: fanout}
	c.mu.Lock()
	c.taps[rec.Leader] = active
	c.mu.Unlock()

	go c.pump(active)
	go c.watch(rec.Leader, active)
	return nil
}

// Deactivate tears the leader's tap down and stops the members that
// were fed from it.
func (c *Coordinator) Deactivate(ctx context.Context, leaderID int) {
	c.mu.Lock()
	active, ok := c.taps[leaderID]
	if ok {
		delete(c.taps, leaderID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	active.tap.Stop()
	active.fanout.Close()
	c.zones.SetMixedLeader(leaderID, false)
	for _, m := range active.record.Members {
		if m == leaderID {
			continue
		}
		_ = c.zones.StopZone(ctx, m)
	}
	c.logger.Info().Int("leader", leaderID).Msg("mixed group tap stopped")
}

// Active reports whether a leader currently has a tap.
func (c *Coordinator) Active(leaderID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.taps[leaderID]
	return ok
}

// pump moves tap audio into the fanout until the tap ends.
func (c *Coordinator) pump(active *activeTap) {
	for {
		data, ok := active.tap.Subscriber.Recv()
		if !ok {
			active.fanout.Close()
			return
		}
		active.fanout.Broadcast(data)
	}
}

// watch tears the group down when the tap's engine terminates on its
// own, end of track included.
func (c *Coordinator) watch(leaderID int, active *activeTap) {
	ev, ok := <-active.tap.Terminated
	if !ok {
		return
	}
	c.mu.Lock()
	still := c.taps[leaderID] == active
	c.mu.Unlock()
	if !still {
		return
	}
	c.logger.Debug().Int("leader", leaderID).Str("reason", string(ev.Reason)).Msg("tap engine terminated")
	c.Deactivate(context.Background(), leaderID)
}

// resolveStartAt picks the member start offset: the greater of the
// session position and the wall-clock elapsed time, zero for sessions
// younger than freshStartWindow, clamped to [0, duration-1].
func resolveStartAt(sess *playback.Session, now time.Time) int {
	elapsed := now.Sub(sess.StartedAt)
	if elapsed < freshStartWindow {
		return 0
	}
	at := sess.Position()
	if computed := int(elapsed.Seconds()); computed > at {
		at = computed
	}
	if sess.Duration > 0 && at > sess.Duration-1 {
		at = sess.Duration - 1
	}
	if at < 0 {
		at = 0
	}
	return at
}

// pcmSpecFor derives the tap's output from the leader zone's audio
// settings, so members receive exactly the leader's configured format.
func pcmSpecFor(s playback.AudioSettings) engine.OutputSpec {
	return engine.OutputSpec{
		Profile:    engine.ProfilePCM,
		SampleRate: s.SampleRate,
		Channels:   s.Channels,
		BitDepth:   s.PCMBitDepth,
	}
}

func pcmFormatFor(bitDepth int) source.PCMFormat {
	switch bitDepth {
	case 24:
		return source.PCMS24LE
	case 32:
		return source.PCMS32LE
	default:
		return source.PCMS16LE
	}
}
