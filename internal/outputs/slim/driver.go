/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package slim

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
)

func init() {
	outputs.Register("slim", func(decl config.ZoneDecl, deps outputs.Deps) (outputs.Output, error) {
		if deps.Players == nil {
			return nil, fmt.Errorf("slim zone %d: player control channel not running", decl.ID)
		}
		return NewDriver(decl, deps)
	})
}

// Driver maps one zone onto a connected player subprocess.
type Driver struct {
	zoneID   int
	playerID string
	control  outputs.PlayerControl
	logger   zerolog.Logger
}

// NewDriver builds the driver. The player id is the subprocess MAC,
// from the player_id option or the zone host field.
func NewDriver(decl config.ZoneDecl, deps outputs.Deps) (*Driver, error) {
	playerID := decl.Options["player_id"]
	if playerID == "" {
		playerID = decl.Host
	}
	if playerID == "" {
		return nil, fmt.Errorf("slim zone %d: no player_id", decl.ID)
	}
	return &Driver{
		zoneID:   decl.ID,
		playerID: playerID,
		control:  deps.Players,
		logger:   deps.Logger.With().Str("driver", "slim").Int("zone", decl.ID).Str("player", playerID).Logger(),
	}, nil
}

// PreferredOutput asks for mp3; the subprocess decodes locally.
func (d *Driver) PreferredOutput() playback.PreferredOutput {
	return playback.PreferredOutput{Profile: engine.ProfileMP3}
}

func (d *Driver) HTTPPreferences() playback.HTTPPreferences {
	return playback.HTTPPreferences{Profile: playback.HTTPChunked}
}

// Play points the player at the session's gateway path. The player
// fetches the stream back over the same host the control channel
// came from.
func (d *Driver) Play(ctx context.Context, session *playback.Session) error {
	format := byte(FormatMP3)
	if session.PrimaryProfile() == engine.ProfilePCM {
		format = FormatPCM
	}
	if err := d.control.StartStream(d.playerID, session.Stream.URL, format); err != nil {
		return fmt.Errorf("slim play: %w", err)
	}
	d.logger.Info().Str("stream", session.Stream.URL).Msg("player streaming")
	return nil
}

// Pause halts the player in place.
func (d *Driver) Pause(ctx context.Context) error {
	return d.control.Pause(d.playerID)
}

// Resume unpauses the player.
func (d *Driver) Resume(ctx context.Context) error {
	return d.control.Unpause(d.playerID)
}

// Stop flushes and stops the player.
func (d *Driver) Stop(ctx context.Context) error {
	return d.control.StopStream(d.playerID)
}

// SetVolume applies the zone volume as player gain.
func (d *Driver) SetVolume(ctx context.Context, level int) error {
	return d.control.SetGain(d.playerID, level)
}

// UpdateMetadata is not part of the wire protocol; players read ICY
// metadata from the stream itself.
func (d *Driver) UpdateMetadata(_ context.Context, _ playback.Metadata) error { return nil }

// Dispose has nothing to release; the control channel outlives zones.
func (d *Driver) Dispose() {}
