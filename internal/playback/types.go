/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playback owns the per-zone playback session: which source is
// playing, which output profiles the engine emits, position accounting
// across pause and resume, and the translation from driver preferences
// to engine start options.
package playback

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/source"
)

// HTTPProfile selects how the gateway shapes a stream response.
type HTTPProfile string

const (
	// HTTPChunked streams with chunked transfer encoding.
	HTTPChunked HTTPProfile = "chunked"
	// HTTPForcedLength sends a computed Content-Length. Some renderers
	// refuse endless chunked bodies, a large finite length keeps them
	// reading.
	HTTPForcedLength HTTPProfile = "forced_content_length"
)

// AudioSettings are the per-zone output parameters. Process-wide
// defaults come from config; zones override individual fields.
type AudioSettings struct {
	SampleRate     int
	Channels       int
	PCMBitDepth    int
	MP3Bitrate     int
	PrebufferBytes int

	HTTPProfile         HTTPProfile
	HTTPIcyEnabled      bool
	HTTPIcyInterval     int
	HTTPIcyName         string
	HTTPFallbackSeconds int
}

// DefaultSettings builds process-wide settings from config.
func DefaultSettings(cfg *config.Config) AudioSettings {
	return AudioSettings{
		SampleRate:          cfg.SampleRate,
		Channels:            cfg.Channels,
		PCMBitDepth:         cfg.PCMBitDepth,
		MP3Bitrate:          cfg.MP3Bitrate,
		PrebufferBytes:      cfg.PrebufferBytes,
		HTTPProfile:         HTTPChunked,
		HTTPIcyEnabled:      false,
		HTTPIcyInterval:     16000,
		HTTPFallbackSeconds: cfg.HTTPFallbackSeconds,
	}
}

// PreferredOutput is what an output driver wants the engine to emit.
type PreferredOutput struct {
	Profile    engine.Profile
	SampleRate int
	Channels   int
}

// HTTPPreferences is how an output driver wants the gateway to answer.
type HTTPPreferences struct {
	Profile     HTTPProfile
	IcyEnabled  bool
	IcyInterval int
	IcyName     string
}

// OutputPrefs bundles a driver's engine and gateway preferences, read
// by the manager when a session starts.
type OutputPrefs struct {
	Preferred PreferredOutput
	HTTP      HTTPPreferences
	// WantsAAC selects aac over mp3 for compressed output.
	WantsAAC bool
	// MixedLeader adds a pcm output for local group taps.
	MixedLeader bool
}

// Metadata describes the playing content, already resolved by the
// provider layer.
type Metadata struct {
	Title        string   `json:"title"`
	Artist       string   `json:"artist"`
	Album        string   `json:"album"`
	CoverURL     string   `json:"coverurl"`
	Duration     int      `json:"duration"`
	IsRadio      bool     `json:"is_radio"`
	AudioPath    string   `json:"audiopath"`
	TrackID      string   `json:"track_id"`
	Station      string   `json:"station"`
	StationIndex int      `json:"station_index"`
	Queue        []string `json:"queue,omitempty"`
	QueueIndex   int      `json:"queue_index"`
}

// StreamHandle addresses a zone's live stream. The id is regenerated on
// every engine restart so renderers holding a stale URL fail fast.
type StreamHandle struct {
	ID        string
	URL       string
	CoverURL  string
	CreatedAt time.Time
}

func newStreamHandle(zoneID int, profile engine.Profile) StreamHandle {
	id := uuid.NewString()
	return StreamHandle{
		ID:        id,
		URL:       fmt.Sprintf("/streams/%d/%s.%s", zoneID, id, profile.Extension()),
		CoverURL:  fmt.Sprintf("/streams/%d/%s/cover", zoneID, id),
		CreatedAt: time.Now(),
	}
}

// State is the session lifecycle state.
type State string

const (
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Cover holds the session's cover art blob.
type Cover struct {
	Data        []byte
	ContentType string
}

// Session is the per-zone playback session. The manager is its single
// writer; other components receive copies.
type Session struct {
	ZoneID      int
	SourceLabel string
	Metadata    Metadata
	Stream      StreamHandle
	State       State
	Elapsed     int // seconds, authoritative while paused
	Duration    int // seconds, 0 when unknown
	StartedAt   time.Time
	UpdatedAt   time.Time
	Source      source.PlaybackSource
	Cover       *Cover
	Profiles    []engine.Profile
	Settings    AudioSettings
	Prefs       OutputPrefs
}

// Position returns the current play position in seconds.
func (s *Session) Position() int {
	if s.State != StatePlaying {
		return s.Elapsed
	}
	elapsed := int(time.Since(s.StartedAt).Round(time.Second) / time.Second)
	if s.Duration > 0 && elapsed > s.Duration {
		elapsed = s.Duration
	}
	return elapsed
}

// PrimaryProfile is the profile the stream handle URL points at.
func (s *Session) PrimaryProfile() engine.Profile {
	if len(s.Profiles) > 0 {
		return s.Profiles[0]
	}
	return engine.ProfileMP3
}
