/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cast drives Chromecast devices running the custom audio
// receiver app. The receiver is handed the zone's stream URL and
// follows it; the server stays authoritative for volume and state.
package cast

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
)

const (
	defaultAppID    = "CC1AD845"
	audioNamespace  = "urn:x-cast:com.zonecast.audio"
	connectCooldown = 5 * time.Second
)

func init() {
	outputs.Register("cast", func(decl config.ZoneDecl, deps outputs.Deps) (outputs.Output, error) {
		return New(decl, deps), nil
	})
}

// setupPayload is the first message the receiver app expects.
type setupPayload struct {
	Type       string             `json:"type"`
	ServerURL  string             `json:"serverUrl"`
	PlayerID   string             `json:"playerId"`
	PlayerName string             `json:"playerName"`
	SyncDelay  int                `json:"syncDelay"`
	Codecs     string             `json:"codecs"`
	Metadata   *playback.Metadata `json:"metadata,omitempty"`
}

type metadataPayload struct {
	Type     string            `json:"type"`
	Metadata playback.Metadata `json:"metadata"`
}

// Driver is one Chromecast zone output.
type Driver struct {
	zoneID int
	name   string
	cfg    *config.Config
	logger zerolog.Logger

	codec     engine.Profile
	syncDelay int

	mu          sync.Mutex
	cli         *client
	lastAttempt time.Time
	lastSetup   *setupPayload
}

// New builds the driver. Options: app_id overrides the receiver app,
// codec selects aac over mp3, sync_delay_ms shifts playback for group
// alignment.
func New(decl config.ZoneDecl, deps outputs.Deps) *Driver {
	appID := decl.Options["app_id"]
	if appID == "" {
		appID = defaultAppID
	}
	codec := engine.ProfileMP3
	if decl.Options["codec"] == "aac" {
		codec = engine.ProfileAAC
	}
	syncDelay := 0
	if v, err := strconv.Atoi(decl.Options["sync_delay_ms"]); err == nil {
		syncDelay = v
	}

	d := &Driver{
		zoneID:    decl.ID,
		name:      decl.Name,
		cfg:       deps.Config,
		logger:    deps.Logger.With().Str("driver", "cast").Int("zone", decl.ID).Logger(),
		codec:     codec,
		syncDelay: syncDelay,
	}
	d.cli = newClient(decl.Host, appID, tlsDial, d.logger)
	d.cli.onMessage = d.handleAppMessage
	return d
}

// PreferredOutput reports the configured compressed codec.
func (d *Driver) PreferredOutput() playback.PreferredOutput {
	return playback.PreferredOutput{Profile: d.codec}
}

func (d *Driver) HTTPPreferences() playback.HTTPPreferences {
	return playback.HTTPPreferences{Profile: playback.HTTPChunked}
}

// ensureConnected connects and launches, respecting the retry
// cooldown after a failure.
func (d *Driver) ensureConnected(ctx context.Context) error {
	d.mu.Lock()
	cli := d.cli
	if cli.connected() {
		d.mu.Unlock()
		return nil
	}
	if since := time.Since(d.lastAttempt); since < connectCooldown {
		d.mu.Unlock()
		return fmt.Errorf("cast connect on cooldown, retry in %s", (connectCooldown - since).Round(time.Millisecond))
	}
	d.lastAttempt = time.Now()
	d.mu.Unlock()

	return cli.connect(ctx)
}

// Play launches the receiver if needed and hands it the stream.
func (d *Driver) Play(ctx context.Context, session *playback.Session) error {
	if err := d.ensureConnected(ctx); err != nil {
		return err
	}

	meta := session.Metadata
	setup := &setupPayload{
		Type:       "setup",
		ServerURL:  strings.TrimRight(d.cfg.BaseURL, "/") + session.Stream.URL,
		PlayerID:   strconv.Itoa(d.zoneID),
		PlayerName: d.name,
		SyncDelay:  d.syncDelay,
		Codecs:     string(session.PrimaryProfile()),
		Metadata:   &meta,
	}
	d.mu.Lock()
	d.lastSetup = setup
	d.mu.Unlock()

	if err := d.cli.sendApp(audioNamespace, setup); err != nil {
		return fmt.Errorf("cast setup: %w", err)
	}
	d.logger.Info().Str("stream", setup.ServerURL).Msg("receiver set up")
	return nil
}

// Pause tells the receiver to stop pulling; the engine side is paused
// by the manager.
func (d *Driver) Pause(ctx context.Context) error {
	if !d.cli.connected() {
		return nil
	}
	return d.cli.sendApp(audioNamespace, map[string]string{"type": "pause"})
}

// Resume re-sends the last setup; the resumed session carries a new
// stream id.
func (d *Driver) Resume(ctx context.Context) error {
	d.mu.Lock()
	setup := d.lastSetup
	d.mu.Unlock()
	if setup == nil {
		return fmt.Errorf("cast: nothing to resume")
	}
	if err := d.ensureConnected(ctx); err != nil {
		return err
	}
	return d.cli.sendApp(audioNamespace, setup)
}

// Stop stops the receiver app.
func (d *Driver) Stop(ctx context.Context) error {
	if !d.cli.connected() {
		return nil
	}
	return d.cli.stopApp()
}

// SetVolume maps the zone scale onto the device's 0..1 scale.
func (d *Driver) SetVolume(ctx context.Context, level int) error {
	if err := d.ensureConnected(ctx); err != nil {
		return err
	}
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return d.cli.setVolume(float64(level) / 100)
}

// UpdateMetadata pushes a metadata refresh to the receiver.
func (d *Driver) UpdateMetadata(ctx context.Context, meta playback.Metadata) error {
	if !d.cli.connected() {
		return nil
	}
	return d.cli.sendApp(audioNamespace, metadataPayload{Type: "metadata", Metadata: meta})
}

// Dispose closes the channel.
func (d *Driver) Dispose() {
	d.cli.close()
}

// handleAppMessage consumes receiver chatter. player_status is
// informational only; the server owns volume and state.
func (d *Driver) handleAppMessage(namespace, payload string) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return
	}
	if msg.Type == "player_status" {
		d.logger.Debug().RawJSON("status", []byte(payload)).Msg("receiver status")
	}
}
