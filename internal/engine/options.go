/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/friendsincode/zonecast/internal/source"
)

// Profile enumerates the output encodings the engine can emit.
type Profile string

const (
	ProfileMP3 Profile = "mp3"
	ProfileAAC Profile = "aac"
	ProfilePCM Profile = "pcm"
)

// Extension returns the stream URL extension for the profile.
func (p Profile) Extension() string {
	switch p {
	case ProfileAAC:
		return "aac"
	case ProfilePCM:
		return "wav"
	default:
		return "mp3"
	}
}

// ContentType returns the HTTP content type for the profile.
func (p Profile) ContentType() string {
	switch p {
	case ProfileAAC:
		return "audio/aac"
	case ProfilePCM:
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}

// OutputSpec describes one concurrent output of the engine.
type OutputSpec struct {
	Profile    Profile
	SampleRate int
	Channels   int
	BitDepth   int // pcm only: 16, 24 or 32
	Bitrate    int // mp3/aac only, kbps
}

// BytesPerSecond returns the nominal output rate, used for forced
// content-length responses and prebuffer sizing.
func (o OutputSpec) BytesPerSecond() int {
	if o.Profile == ProfilePCM {
		return o.SampleRate * o.Channels * o.BitDepth / 8
	}
	return o.Bitrate * 1000 / 8
}

// StopReason records why an engine was torn down. The intent reasons
// suppress the termination event from being treated as a failure.
type StopReason string

const (
	ReasonStop        StopReason = "stop"
	ReasonPause       StopReason = "pause"
	ReasonReconfigure StopReason = "reconfigure"
	ReasonSwitch      StopReason = "switch"
	ReasonHandoff     StopReason = "handoff"
)

// Intentional reports whether the reason marks an expected teardown.
func (r StopReason) Intentional() bool {
	switch r {
	case ReasonPause, ReasonReconfigure, ReasonSwitch, ReasonHandoff:
		return true
	}
	return false
}

// StartOptions configures an engine session for a zone.
type StartOptions struct {
	ZoneID  int
	Input   source.PlaybackSource
	Outputs []OutputSpec

	PrebufferBytes  int // per-profile rolling tail seeded to new subscribers
	SubscriberLimit int // per-subscriber queue bound in bytes

	// InitialDataTimeout aborts the session when the primary profile
	// stays silent past it on a non-realtime input.
	InitialDataTimeout time.Duration
}

// Validate checks the options before spawn.
func (o StartOptions) Validate() error {
	if o.ZoneID <= 0 {
		return fmt.Errorf("zone id must be positive")
	}
	if len(o.Outputs) == 0 {
		return fmt.Errorf("at least one output profile required")
	}
	seen := make(map[Profile]bool, len(o.Outputs))
	for _, out := range o.Outputs {
		if seen[out.Profile] {
			return fmt.Errorf("duplicate output profile %s", out.Profile)
		}
		seen[out.Profile] = true
	}
	return o.Input.Validate()
}

// Signature is a comparable digest of the output configuration. Together
// with source equivalence it decides engine reuse on start.
func (o StartOptions) Signature() string {
	parts := make([]string, 0, len(o.Outputs))
	for _, out := range o.Outputs {
		parts = append(parts, fmt.Sprintf("%s/%d/%d/%d/%d",
			out.Profile, out.SampleRate, out.Channels, out.BitDepth, out.Bitrate))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}

// TerminationEvent is emitted when an engine session ends. Reason is
// empty for unexpected exits.
type TerminationEvent struct {
	ZoneID   int
	Reason   StopReason
	ExitCode int
	Err      error
	Stderr   string // tail of the child's stderr
}
