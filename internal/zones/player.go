/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package zones runs the per-zone state machine: stopped, playing and
// paused, with a wall-clock position ticker gated on the first chunk of
// transcoded audio.
package zones

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/source"
)

// firstChunkBarrier bounds how long the position ticker waits for
// audio before it starts anyway.
const firstChunkBarrier = 15 * time.Second

// Player is one zone's playback state machine.
type Player struct {
	ID   int
	Name string

	decl     config.ZoneDecl
	output   outputs.Output
	svc      *playback.Service
	resolver *source.Resolver
	bus      *events.Bus
	logger   zerolog.Logger

	// endGuardSec is added to duration before ended fires, absorbing
	// encoder trailing bytes.
	endGuardSec int

	mu          sync.Mutex
	state       playback.State
	position    int
	duration    int
	volume      int
	mixedLeader bool
	tickCancel  context.CancelFunc
}

// NewPlayer builds a player bound to its output driver.
func NewPlayer(decl config.ZoneDecl, output outputs.Output, svc *playback.Service, resolver *source.Resolver, bus *events.Bus, logger zerolog.Logger) *Player {
	endGuard := 0
	if v, ok := decl.Options["end_guard_sec"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			endGuard = n
		}
	}
	return &Player{
		endGuardSec: endGuard,
		ID:          decl.ID,
		Name:        decl.Name,
		decl:        decl,
		output:      output,
		svc:         svc,
		resolver:    resolver,
		bus:         bus,
		logger:      logger.With().Int("zone", decl.ID).Str("name", decl.Name).Logger(),
		state:       playback.StateStopped,
		volume:      50,
	}
}

// State returns the current lifecycle state.
func (p *Player) State() playback.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Position returns the ticker position in seconds.
func (p *Player) Position() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Volume returns the last set volume.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Output returns the zone's driver.
func (p *Player) Output() outputs.Output { return p.output }

// Driver returns the configured driver name.
func (p *Player) Driver() string { return p.decl.Driver }

// SetMixedLeader marks the zone as a mixed-group leader so its engine
// additionally emits PCM for local taps.
func (p *Player) SetMixedLeader(leader bool) {
	p.mu.Lock()
	p.mixedLeader = leader
	p.mu.Unlock()
}

func (p *Player) prefs() playback.OutputPrefs {
	p.mu.Lock()
	mixed := p.mixedLeader
	p.mu.Unlock()

	preferred := p.output.PreferredOutput()
	return playback.OutputPrefs{
		Preferred:   preferred,
		HTTP:        p.output.HTTPPreferences(),
		WantsAAC:    preferred.Profile == "aac",
		MixedLeader: mixed,
	}
}

// PlayURI resolves a content URI and starts playback.
func (p *Player) PlayURI(ctx context.Context, uri string, meta playback.Metadata, startAt int) error {
	src := p.resolver.Resolve(p.ID, uri)
	if src == nil {
		p.logger.Warn().Str("uri", uri).Msg("unresolvable content uri")
		return fmt.Errorf("zone %d: cannot resolve %q", p.ID, uri)
	}
	return p.PlayExternal(ctx, uri, *src, meta, startAt)
}

// PlayExternal starts playback from an already-resolved source. A play
// during active playback replaces the content in place.
func (p *Player) PlayExternal(ctx context.Context, label string, src source.PlaybackSource, meta playback.Metadata, startAt int) error {
	sess, err := p.svc.Manager().Start(p.ID, label, src, meta, startAt, p.prefs())
	if err != nil {
		return err
	}

	if err := p.output.Play(ctx, sess); err != nil {
		outputs.NotifyError(p.bus, p.ID, fmt.Sprintf("%s: play failed: %v", label, err))
		return err
	}

	p.mu.Lock()
	p.state = playback.StatePlaying
	p.position = sess.Elapsed
	p.duration = sess.Duration
	p.mu.Unlock()
	p.armTicker(sess.Elapsed, sess.Duration)

	p.bus.Publish(events.EventZoneStarted, events.Payload{
		"zone_id":  p.ID,
		"source":   label,
		"duration": sess.Duration,
		"position": sess.Elapsed,
	})
	return nil
}

// Pause freezes position and the renderer.
func (p *Player) Pause(ctx context.Context) error {
	sess, err := p.svc.Manager().Pause(p.ID)
	if err != nil {
		return err
	}
	if err := p.output.Pause(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("renderer pause failed")
	}

	p.mu.Lock()
	p.state = playback.StatePaused
	p.position = sess.Elapsed
	p.mu.Unlock()
	p.stopTicker()

	p.bus.Publish(events.EventZonePaused, events.Payload{
		"zone_id":  p.ID,
		"position": sess.Elapsed,
	})
	return nil
}

// Resume continues from the paused offset.
func (p *Player) Resume(ctx context.Context) error {
	sess, err := p.svc.Manager().Resume(p.ID)
	if err != nil {
		return err
	}
	if err := p.output.Resume(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("renderer resume failed")
	}

	p.mu.Lock()
	p.state = playback.StatePlaying
	p.position = sess.Elapsed
	p.duration = sess.Duration
	p.mu.Unlock()
	p.armTicker(sess.Elapsed, sess.Duration)

	p.bus.Publish(events.EventZoneResumed, events.Payload{
		"zone_id":  p.ID,
		"position": sess.Elapsed,
	})
	return nil
}

// Stop ends playback on the engine and the renderer.
func (p *Player) Stop(ctx context.Context) error {
	p.stopTicker()
	if err := p.svc.Manager().Stop(p.ID); err != nil {
		return err
	}
	if err := p.output.Stop(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("renderer stop failed")
	}

	p.mu.Lock()
	wasStopped := p.state == playback.StateStopped
	p.state = playback.StateStopped
	p.position = 0
	p.mu.Unlock()

	if !wasStopped {
		p.bus.Publish(events.EventZoneStopped, events.Payload{"zone_id": p.ID})
	}
	return nil
}

// SetVolume forwards to the renderer and records the level.
func (p *Player) SetVolume(ctx context.Context, level int) error {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	if err := p.output.SetVolume(ctx, level); err != nil {
		return err
	}
	p.mu.Lock()
	p.volume = level
	p.mu.Unlock()

	p.bus.Publish(events.EventZoneVolume, events.Payload{
		"zone_id": p.ID,
		"volume":  level,
	})
	return nil
}

// UpdateMetadata pushes new track info to the session and renderer.
func (p *Player) UpdateMetadata(ctx context.Context, meta playback.Metadata) error {
	sess, err := p.svc.Manager().UpdateMetadata(p.ID, meta)
	if err != nil {
		return err
	}
	if err := p.output.UpdateMetadata(ctx, meta); err != nil {
		p.logger.Warn().Err(err).Msg("renderer metadata update failed")
	}

	p.mu.Lock()
	if sess.Duration > 0 {
		p.duration = sess.Duration
	}
	p.mu.Unlock()

	p.bus.Publish(events.EventZoneMetadata, events.Payload{
		"zone_id": p.ID,
		"artist":  meta.Artist,
		"title":   meta.Title,
		"album":   meta.Album,
	})
	return nil
}

// handleFault transitions to stopped after the error event was already
// published on the fault channel.
func (p *Player) handleFault(ctx context.Context) {
	p.stopTicker()
	_ = p.svc.Manager().Stop(p.ID)
	if err := p.output.Stop(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("renderer stop after fault failed")
	}

	p.mu.Lock()
	p.state = playback.StateStopped
	p.position = 0
	p.mu.Unlock()

	p.bus.Publish(events.EventZoneStopped, events.Payload{"zone_id": p.ID})
}

// handleEnded finishes playback once the track ran out, either by the
// ticker or by an engine-side virtual ended.
func (p *Player) handleEnded(ctx context.Context, position int, publish bool) {
	p.stopTicker()
	_ = p.svc.Manager().Stop(p.ID)
	if err := p.output.Stop(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("renderer stop after end failed")
	}

	p.mu.Lock()
	p.state = playback.StateStopped
	p.position = position
	p.mu.Unlock()

	if publish {
		p.bus.Publish(events.EventZoneEnded, events.Payload{
			"zone_id":  p.ID,
			"position": position,
		})
	}
}

// armTicker starts the 1 s position ticker. Position only advances
// once the engine produced its first chunk, or after the barrier.
func (p *Player) armTicker(startPos, duration int) {
	p.stopTicker()

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.tickCancel = cancel
	p.mu.Unlock()

	go p.tick(ctx, startPos, duration)
}

func (p *Player) stopTicker() {
	p.mu.Lock()
	cancel := p.tickCancel
	p.tickCancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Player) tick(ctx context.Context, pos, duration int) {
	barrier, cancelBarrier := context.WithTimeout(ctx, firstChunkBarrier)
	err := p.waitFirstChunk(barrier)
	cancelBarrier()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Debug().Err(err).Msg("ticker starting without first chunk")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pos += int(now.Sub(last).Round(time.Second) / time.Second)
			last = now
			reported, ended := tickPosition(pos, duration, p.endGuardSec)

			p.mu.Lock()
			p.position = reported
			p.mu.Unlock()

			p.bus.Publish(events.EventZonePosition, events.Payload{
				"zone_id":  p.ID,
				"position": reported,
			})

			if ended {
				p.logger.Info().Int("position", reported).Msg("track ended")
				p.handleEnded(context.Background(), duration, true)
				return
			}
		}
	}
}

// tickPosition clamps the reported position to duration while the raw
// count keeps running, so the end guard still trips past the clamp.
func tickPosition(pos, duration, guard int) (reported int, ended bool) {
	reported = pos
	if duration > 0 && reported > duration {
		reported = duration
	}
	return reported, duration > 0 && pos >= duration+guard
}

// waitFirstChunk polls until the ctx ends. The playback service has no
// ctx-aware wait, so slice the deadline into short waits.
func (p *Player) waitFirstChunk(ctx context.Context) error {
	for {
		err := p.svc.WaitForFirstChunk(p.ID, 500*time.Millisecond)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
