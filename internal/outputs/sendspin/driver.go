/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sendspin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
)

func init() {
	outputs.Register("sendspin", func(decl config.ZoneDecl, deps outputs.Deps) (outputs.Output, error) {
		if deps.Sync == nil {
			return nil, fmt.Errorf("sendspin zone %d: sync server not running", decl.ID)
		}
		return NewDriver(decl, deps), nil
	})
}

// Driver feeds one zone's PCM into the embedded distribution server.
type Driver struct {
	zoneID   int
	clientID string
	svc      *playback.Service
	hub      outputs.SyncServer
	logger   zerolog.Logger

	mu       sync.Mutex
	stopPump context.CancelFunc
}

// NewDriver builds the driver. The client registers with the
// clientId from options, defaulting to the zone host field.
func NewDriver(decl config.ZoneDecl, deps outputs.Deps) *Driver {
	clientID := decl.Options["client_id"]
	if clientID == "" {
		clientID = decl.Host
	}
	d := &Driver{
		zoneID:   decl.ID,
		clientID: clientID,
		svc:      deps.Service,
		hub:      deps.Sync,
		logger:   deps.Logger.With().Str("driver", "sendspin").Int("zone", decl.ID).Logger(),
	}
	d.hub.BindZone(decl.ID, clientID)
	return d
}

// PreferredOutput asks for raw PCM; the hub stamps and ships it.
func (d *Driver) PreferredOutput() playback.PreferredOutput {
	return playback.PreferredOutput{Profile: engine.ProfilePCM}
}

func (d *Driver) HTTPPreferences() playback.HTTPPreferences {
	return playback.HTTPPreferences{Profile: playback.HTTPChunked}
}

// Play attaches to the zone's PCM output and pumps fixed 20 ms chunks
// through the hub.
func (d *Driver) Play(ctx context.Context, session *playback.Session) error {
	d.stop()

	sub, spec, err := d.svc.CreateStream(d.zoneID, engine.ProfilePCM, "sendspin", true)
	if err != nil {
		return err
	}
	if err := d.hub.StartStream(d.zoneID, "pcm", spec.SampleRate, spec.Channels, spec.BitDepth); err != nil {
		// No player connected yet; keep pumping so frames are queued
		// when it arrives.
		d.logger.Warn().Err(err).Msg("stream start not delivered")
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.stopPump = cancel
	d.mu.Unlock()

	chunkBytes := spec.SampleRate * spec.Channels * (spec.BitDepth / 8) * chunkDurationMs / 1000
	go d.pump(pumpCtx, sub, chunkBytes)

	if err := d.hub.PushMetadata(d.zoneID, session.Metadata); err != nil {
		d.logger.Debug().Err(err).Msg("metadata push failed")
	}
	return nil
}

// pump re-chunks subscriber data to the hub cadence.
func (d *Driver) pump(ctx context.Context, sub *engine.Subscriber, chunkBytes int) {
	defer sub.Close()
	go func() {
		// Recv blocks; closing the subscriber unblocks it on cancel.
		<-ctx.Done()
		sub.Close()
	}()
	var pending []byte
	for {
		data, ok := sub.Recv()
		if !ok {
			if len(pending) > 0 {
				_ = d.hub.Broadcast(d.zoneID, pending)
			}
			return
		}
		pending = append(pending, data...)
		for len(pending) >= chunkBytes {
			chunk := make([]byte, chunkBytes)
			copy(chunk, pending[:chunkBytes])
			pending = pending[chunkBytes:]
			if err := d.hub.Broadcast(d.zoneID, chunk); err != nil {
				d.logger.Debug().Err(err).Msg("chunk dropped")
			}
		}
	}
}

// Pause stops pumping; the manager already paused the engine.
func (d *Driver) Pause(ctx context.Context) error {
	d.stop()
	return nil
}

// Resume re-attaches to the resumed engine's fanout.
func (d *Driver) Resume(ctx context.Context) error {
	sub, spec, err := d.svc.CreateStream(d.zoneID, engine.ProfilePCM, "sendspin", true)
	if err != nil {
		return err
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.stopPump != nil {
		d.stopPump()
	}
	d.stopPump = cancel
	d.mu.Unlock()

	chunkBytes := spec.SampleRate * spec.Channels * (spec.BitDepth / 8) * chunkDurationMs / 1000
	go d.pump(pumpCtx, sub, chunkBytes)
	return nil
}

// Stop ends pumping.
func (d *Driver) Stop(ctx context.Context) error {
	d.stop()
	return nil
}

func (d *Driver) stop() {
	d.mu.Lock()
	cancel := d.stopPump
	d.stopPump = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetVolume forwards to the bound player through the hub.
func (d *Driver) SetVolume(ctx context.Context, level int) error {
	return d.hub.SetVolume(d.zoneID, level)
}

// UpdateMetadata pushes a metadata refresh to the bound player.
func (d *Driver) UpdateMetadata(ctx context.Context, meta playback.Metadata) error {
	return d.hub.PushMetadata(d.zoneID, meta)
}

// Dispose releases the zone binding.
func (d *Driver) Dispose() {
	d.stop()
	d.hub.UnbindZone(d.zoneID)
}
