/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package airplay streams engine PCM to AirPlay speakers. Discovery
// runs over mDNS; audio runs over the legacy raop transport, which
// AirPlay 2 speakers keep for compatibility.
package airplay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
)

const discoverTimeout = 4 * time.Second

func init() {
	outputs.Register("airplay", func(decl config.ZoneDecl, deps outputs.Deps) (outputs.Output, error) {
		return New(decl, deps), nil
	})
}

// Driver paces PCM from the zone's fanout into one speaker.
type Driver struct {
	zoneID int
	host   string
	svc    *playback.Service
	logger zerolog.Logger

	forceAp2   bool
	sampleRate int
	channels   int

	// test seams
	lookup    lookupFunc
	newSender func(*Target) sender

	mu       sync.Mutex
	target   *Target
	snd      sender
	flow     *flowBuffer
	stopPump context.CancelFunc
	volumeDB float64
}

// New builds the driver from a zone declaration. The sample rate
// defaults to 44.1 kHz stereo and can be raised to 48 kHz per zone.
func New(decl config.ZoneDecl, deps outputs.Deps) *Driver {
	sampleRate := 44100
	if v, err := strconv.Atoi(decl.Options["sample_rate"]); err == nil && v == 48000 {
		sampleRate = v
	}
	d := &Driver{
		zoneID:     decl.ID,
		host:       decl.Host,
		svc:        deps.Service,
		logger:     deps.Logger.With().Str("driver", "airplay").Int("zone", decl.ID).Logger(),
		forceAp2:   decl.Options["force_ap2"] == "true",
		sampleRate: sampleRate,
		channels:   2,
		lookup:     mdnsLookup,
		volumeDB:   volumeToDB(50),
	}
	d.newSender = func(t *Target) sender {
		return newRAOPSender(t, d.sampleRate, d.channels, d.logger)
	}
	return d
}

// PreferredOutput asks the engine for raw PCM.
func (d *Driver) PreferredOutput() playback.PreferredOutput {
	return playback.PreferredOutput{
		Profile:    engine.ProfilePCM,
		SampleRate: d.sampleRate,
		Channels:   d.channels,
	}
}

// HTTPPreferences are irrelevant for a non-HTTP renderer; chunked is
// the neutral answer for diagnostic fetches of the stream URL.
func (d *Driver) HTTPPreferences() playback.HTTPPreferences {
	return playback.HTTPPreferences{Profile: playback.HTTPChunked}
}

func (d *Driver) resolveTarget(ctx context.Context) (*Target, error) {
	d.mu.Lock()
	if d.target != nil {
		t := d.target
		d.mu.Unlock()
		return t, nil
	}
	d.mu.Unlock()

	t, err := discover(ctx, d.lookup, d.host, d.forceAp2, discoverTimeout)
	if err != nil {
		return nil, err
	}
	d.logger.Info().Str("speaker", t.Name).Bool("airplay2", t.AirPlay2).Msg("speaker discovered")
	d.mu.Lock()
	d.target = t
	d.mu.Unlock()
	return t, nil
}

// Play connects the speaker and starts pumping the zone's PCM output.
// Errors are logged rather than raised through the fault channel; the
// next play attempt retries from discovery.
func (d *Driver) Play(ctx context.Context, session *playback.Session) error {
	d.stop()

	target, err := d.resolveTarget(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("airplay discovery failed")
		return err
	}

	snd := d.newSender(target)
	if err := snd.Connect(ctx); err != nil {
		d.forgetTarget()
		d.logger.Error().Err(err).Msg("airplay connect failed")
		return err
	}

	sub, _, err := d.svc.CreateStream(d.zoneID, engine.ProfilePCM, "airplay", true)
	if err != nil {
		snd.Close()
		d.logger.Error().Err(err).Msg("airplay stream attach failed")
		return err
	}

	flow := newFlowBuffer(flowCapacity)
	pumpCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.snd = snd
	d.flow = flow
	d.stopPump = cancel
	volume := d.volumeDB
	d.mu.Unlock()

	// Restore the zone volume on the fresh RTSP session.
	if err := snd.SetVolume(volume); err != nil {
		d.logger.Warn().Err(err).Msg("volume restore failed")
	}

	go feed(pumpCtx, sub, flow)
	go d.pace(pumpCtx, snd, flow)
	return nil
}

// feed moves subscriber chunks into the flow buffer.
func feed(ctx context.Context, sub *engine.Subscriber, flow *flowBuffer) {
	defer sub.Close()
	defer flow.Close()
	go func() {
		// Recv blocks; closing the subscriber unblocks it on cancel.
		<-ctx.Done()
		sub.Close()
	}()
	for {
		data, ok := sub.Recv()
		if !ok {
			return
		}
		flow.Write(data)
	}
}

// pace ships fixed-size packets on the sample-clock cadence.
func (d *Driver) pace(ctx context.Context, snd sender, flow *flowBuffer) {
	if !flow.WaitReady(ctx) {
		return
	}

	packetBytes := framesPerPacket * 2 * d.channels
	interval := time.Duration(framesPerPacket) * time.Second / time.Duration(d.sampleRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, ok := flow.ReadPacket(packetBytes)
		if !ok {
			return
		}
		if err := snd.WritePacket(data); err != nil {
			d.logger.Error().Err(err).Msg("airplay send failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pause flushes queued audio on the speaker; the engine side is
// already paused by the manager.
func (d *Driver) Pause(ctx context.Context) error {
	d.mu.Lock()
	snd := d.snd
	d.mu.Unlock()
	if snd == nil {
		return nil
	}
	return snd.Flush()
}

// Resume re-attaches to the zone output; the resumed engine carries a
// new fanout, so the old subscriber is gone.
func (d *Driver) Resume(ctx context.Context) error {
	d.mu.Lock()
	snd := d.snd
	d.mu.Unlock()
	if snd == nil {
		return nil
	}

	sub, _, err := d.svc.CreateStream(d.zoneID, engine.ProfilePCM, "airplay", true)
	if err != nil {
		return err
	}
	flow := newFlowBuffer(flowCapacity)
	pumpCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	if d.stopPump != nil {
		d.stopPump()
	}
	d.flow = flow
	d.stopPump = cancel
	d.mu.Unlock()

	go feed(pumpCtx, sub, flow)
	go d.pace(pumpCtx, snd, flow)
	return nil
}

// Stop ends pumping and tears the speaker session down.
func (d *Driver) Stop(ctx context.Context) error {
	d.stop()
	return nil
}

func (d *Driver) stop() {
	d.mu.Lock()
	cancel := d.stopPump
	snd := d.snd
	flow := d.flow
	d.stopPump = nil
	d.snd = nil
	d.flow = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if flow != nil {
		flow.Close()
	}
	if snd != nil {
		snd.Close()
	}
}

// SetVolume maps the zone scale to the speaker's dB scale and applies
// it when connected.
func (d *Driver) SetVolume(ctx context.Context, level int) error {
	db := volumeToDB(level)
	d.mu.Lock()
	d.volumeDB = db
	snd := d.snd
	d.mu.Unlock()
	if snd == nil {
		return nil
	}
	return snd.SetVolume(db)
}

// volumeToDB maps 0..100 onto the raop -30..0 dB range, with 0 as
// hard mute.
func volumeToDB(level int) float64 {
	if level <= 0 {
		return -144
	}
	if level > 100 {
		level = 100
	}
	return -30 + 30*float64(level)/100
}

// UpdateMetadata is not shipped over raop.
func (d *Driver) UpdateMetadata(_ context.Context, _ playback.Metadata) error { return nil }

// Dispose stops pumping and forgets the discovered speaker.
func (d *Driver) Dispose() {
	d.stop()
	d.forgetTarget()
}

func (d *Driver) forgetTarget() {
	d.mu.Lock()
	d.target = nil
	d.mu.Unlock()
}
