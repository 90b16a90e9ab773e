/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/source"
	"github.com/friendsincode/zonecast/internal/telemetry"
)

// pipeRestartDelay is the self-heal delay after an unexpected exit on a
// pipe source.
const pipeRestartDelay = 250 * time.Millisecond

// engineAPI is the slice of the engine the manager drives.
type engineAPI interface {
	Start(opts engine.StartOptions) (*engine.Session, bool, error)
	StartWithHandoff(opts engine.StartOptions) (*engine.Session, error)
	Stop(zoneID int, reason engine.StopReason, discardSubscribers bool) error
	Events() <-chan engine.TerminationEvent
}

// Manager owns every PlaybackSession, one per zone at most. All session
// mutations for a zone are serialized through its per-zone lock; the
// engine's termination events are consumed by Run.
type Manager struct {
	cfg      *config.Config
	engine   engineAPI
	bus      *events.Bus
	logger   zerolog.Logger
	defaults AudioSettings

	mu        sync.Mutex
	sessions  map[int]*Session
	locks     map[int]*sync.Mutex
	overrides map[int]AudioSettings
}

// NewManager wires the manager to the engine and event bus.
func NewManager(cfg *config.Config, eng engineAPI, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		engine:    eng,
		bus:       bus,
		logger:    logger.With().Str("component", "playback").Logger(),
		defaults:  DefaultSettings(cfg),
		sessions:  make(map[int]*Session),
		locks:     make(map[int]*sync.Mutex),
		overrides: make(map[int]AudioSettings),
	}
}

// Run consumes engine termination events until the context ends.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.engine.Events():
			m.handleTermination(ev)
		}
	}
}

func (m *Manager) zoneLock(zoneID int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[zoneID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[zoneID] = l
	}
	return l
}

// SetZoneSettings overrides the zone's audio output settings. Takes
// effect on the next start.
func (m *Manager) SetZoneSettings(zoneID int, s AudioSettings) {
	m.mu.Lock()
	m.overrides[zoneID] = s
	m.mu.Unlock()
}

// ZoneSettings returns the zone's effective settings.
func (m *Manager) ZoneSettings(zoneID int) AudioSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.overrides[zoneID]; ok {
		return s
	}
	return m.defaults
}

// Start begins or updates playback for the zone. Equivalent
// source+settings reuse the running engine; a changed source or
// configuration respawns it. startAt is clamped into the track and
// ignored for radio and pipe inputs.
func (m *Manager) Start(zoneID int, label string, src source.PlaybackSource, meta Metadata, startAt int, prefs OutputPrefs) (*Session, error) {
	l := m.zoneLock(zoneID)
	l.Lock()
	defer l.Unlock()

	settings := m.ZoneSettings(zoneID)
	profiles := profilesFor(prefs)
	src = decorateSource(src, meta, zoneID)
	startAt = effectiveStartAt(src, meta, startAt)
	src = applyStartAt(src, meta, startAt)

	opts := m.startOptions(zoneID, src, profiles, settings, prefs)
	_, reused, err := m.engine.Start(opts)
	if err != nil {
		return nil, fmt.Errorf("start engine for zone %d: %w", zoneID, err)
	}

	m.mu.Lock()
	ps, ok := m.sessions[zoneID]
	if !ok {
		ps = &Session{ZoneID: zoneID}
		m.sessions[zoneID] = ps
	}
	ps.SourceLabel = label
	ps.Metadata = meta
	ps.State = StatePlaying
	ps.Duration = meta.Duration
	ps.Elapsed = startAt
	ps.StartedAt = time.Now().Add(-time.Duration(startAt) * time.Second)
	ps.UpdatedAt = time.Now()
	ps.Source = src
	ps.Profiles = profiles
	ps.Settings = settings
	ps.Prefs = prefs
	if !reused {
		ps.Stream = newStreamHandle(zoneID, ps.PrimaryProfile())
		ps.Cover = nil
	}
	snap := *ps
	m.mu.Unlock()

	telemetry.ActiveSessions.WithLabelValues(itoa(zoneID)).Set(1)
	m.logger.Info().
		Int("zone", zoneID).
		Str("source", src.Label()).
		Bool("reused", reused).
		Int("start_at", startAt).
		Msg("playback started")
	return &snap, nil
}

// Handoff replaces the zone's source without dropping renderer
// connections. Used for gapless track changes on provider URLs.
func (m *Manager) Handoff(zoneID int, label string, src source.PlaybackSource, meta Metadata, prefs OutputPrefs) (*Session, error) {
	l := m.zoneLock(zoneID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	ps, ok := m.sessions[zoneID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("zone %d has no session to hand off", zoneID)
	}

	settings := m.ZoneSettings(zoneID)
	profiles := profilesFor(prefs)
	src = decorateSource(src, meta, zoneID)

	opts := m.startOptions(zoneID, src, profiles, settings, prefs)
	if _, err := m.engine.StartWithHandoff(opts); err != nil {
		return nil, fmt.Errorf("handoff for zone %d: %w", zoneID, err)
	}

	m.mu.Lock()
	ps.SourceLabel = label
	ps.Metadata = meta
	ps.State = StatePlaying
	ps.Duration = meta.Duration
	ps.Elapsed = 0
	ps.StartedAt = time.Now()
	ps.UpdatedAt = time.Now()
	ps.Source = src
	ps.Profiles = profiles
	ps.Settings = settings
	ps.Prefs = prefs
	ps.Stream = newStreamHandle(zoneID, ps.PrimaryProfile())
	ps.Cover = nil
	snap := *ps
	m.mu.Unlock()

	m.logger.Info().Int("zone", zoneID).Str("source", src.Label()).Msg("engine handoff complete")
	return &snap, nil
}

// Pause stops the transcode but keeps the session, freezing elapsed at
// the wall-clock position.
func (m *Manager) Pause(zoneID int) (*Session, error) {
	l := m.zoneLock(zoneID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	ps, ok := m.sessions[zoneID]
	if !ok || ps.State != StatePlaying {
		m.mu.Unlock()
		return nil, fmt.Errorf("zone %d is not playing", zoneID)
	}
	ps.Elapsed = int(time.Since(ps.StartedAt).Round(time.Second) / time.Second)
	if ps.Duration > 0 && ps.Elapsed > ps.Duration {
		ps.Elapsed = ps.Duration
	}
	ps.State = StatePaused
	ps.UpdatedAt = time.Now()
	snap := *ps
	m.mu.Unlock()

	if err := m.engine.Stop(zoneID, engine.ReasonPause, false); err != nil && err != engine.ErrNoSession {
		return nil, err
	}
	m.logger.Info().Int("zone", zoneID).Int("elapsed", snap.Elapsed).Msg("playback paused")
	return &snap, nil
}

// Resume restarts the engine at the paused offset, rebasing startedAt
// so position accounting stays continuous.
func (m *Manager) Resume(zoneID int) (*Session, error) {
	l := m.zoneLock(zoneID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	ps, ok := m.sessions[zoneID]
	if !ok || ps.State != StatePaused {
		m.mu.Unlock()
		return nil, fmt.Errorf("zone %d is not paused", zoneID)
	}
	src := applyStartAt(ps.Source, ps.Metadata, ps.Elapsed)
	opts := m.startOptions(zoneID, src, ps.Profiles, ps.Settings, ps.Prefs)
	m.mu.Unlock()

	_, reused, err := m.engine.Start(opts)
	if err != nil {
		return nil, fmt.Errorf("resume zone %d: %w", zoneID, err)
	}

	m.mu.Lock()
	ps.Source = src
	ps.State = StatePlaying
	ps.StartedAt = time.Now().Add(-time.Duration(ps.Elapsed) * time.Second)
	ps.UpdatedAt = time.Now()
	if !reused {
		ps.Stream = newStreamHandle(zoneID, ps.PrimaryProfile())
	}
	snap := *ps
	m.mu.Unlock()

	m.logger.Info().Int("zone", zoneID).Int("elapsed", snap.Elapsed).Msg("playback resumed")
	return &snap, nil
}

// Stop ends playback and discards the session.
func (m *Manager) Stop(zoneID int) error {
	l := m.zoneLock(zoneID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	_, had := m.sessions[zoneID]
	delete(m.sessions, zoneID)
	m.mu.Unlock()

	err := m.engine.Stop(zoneID, engine.ReasonStop, true)
	if err != nil && err != engine.ErrNoSession {
		return err
	}
	if had {
		telemetry.ActiveSessions.WithLabelValues(itoa(zoneID)).Set(0)
		m.logger.Info().Int("zone", zoneID).Msg("playback stopped")
	}
	return nil
}

// UpdateMetadata replaces the session metadata without touching the
// engine.
func (m *Manager) UpdateMetadata(zoneID int, meta Metadata) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.sessions[zoneID]
	if !ok {
		return nil, fmt.Errorf("zone %d has no session", zoneID)
	}
	ps.Metadata = meta
	if meta.Duration > 0 {
		ps.Duration = meta.Duration
	}
	ps.UpdatedAt = time.Now()
	snap := *ps
	return &snap, nil
}

// UpdateSessionCover stores the cover blob and returns the public URL.
func (m *Manager) UpdateSessionCover(zoneID int, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.sessions[zoneID]
	if !ok {
		return "", fmt.Errorf("zone %d has no session", zoneID)
	}
	ps.Cover = &Cover{Data: data, ContentType: contentType}
	ps.UpdatedAt = time.Now()
	return ps.Stream.CoverURL, nil
}

// SetRadioMetadata applies in-band radio metadata extracted by the
// proxy, suppressing no-op updates.
func (m *Manager) SetRadioMetadata(zoneID int, artist, title string) {
	m.mu.Lock()
	ps, ok := m.sessions[zoneID]
	if !ok || (ps.Metadata.Artist == artist && ps.Metadata.Title == title) {
		m.mu.Unlock()
		return
	}
	ps.Metadata.Artist = artist
	ps.Metadata.Title = title
	ps.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.bus.Publish(events.EventZoneMetadata, events.Payload{
		"zone_id": zoneID,
		"artist":  artist,
		"title":   title,
		"radio":   true,
	})
}

// Session returns a copy of the zone's session.
func (m *Manager) Session(zoneID int) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.sessions[zoneID]
	if !ok {
		return nil, false
	}
	snap := *ps
	return &snap, true
}

// Lookup resolves a gateway stream request. streamID "current" always
// matches the live session.
func (m *Manager) Lookup(zoneID int, streamID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.sessions[zoneID]
	if !ok {
		return nil, false
	}
	if streamID != "current" && streamID != ps.Stream.ID {
		return nil, false
	}
	snap := *ps
	return &snap, true
}

// Sessions returns copies of every live session.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, ps := range m.sessions {
		snap := *ps
		out = append(out, &snap)
	}
	return out
}

func (m *Manager) handleTermination(ev engine.TerminationEvent) {
	// Any recorded reason marks an explicit action whose initiator
	// already updated the session.
	if ev.Reason != "" {
		return
	}

	l := m.zoneLock(ev.ZoneID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	ps, ok := m.sessions[ev.ZoneID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, ev.ZoneID)
	wasPlaying := ps.State == StatePlaying
	elapsed := ps.Position()
	snap := *ps
	m.mu.Unlock()

	telemetry.ActiveSessions.WithLabelValues(itoa(ev.ZoneID)).Set(0)

	failed := ev.ExitCode != 0 || ev.Stderr != ""
	if wasPlaying && failed {
		detail := ev.Stderr
		if detail == "" && ev.Err != nil {
			detail = ev.Err.Error()
		}
		telemetry.OutputErrors.WithLabelValues(itoa(ev.ZoneID)).Inc()
		m.bus.Publish(events.EventOutputError, events.Payload{
			"zone_id": ev.ZoneID,
			"reason":  fmt.Sprintf("%s stream failed: %s", snap.SourceLabel, detail),
		})
	}

	// Flaky input pipes come back on their own; give the writer a
	// moment and respawn.
	if snap.Source.Pipe != nil && wasPlaying && !failed {
		m.logger.Info().Int("zone", ev.ZoneID).Msg("pipe source ended, scheduling restart")
		time.AfterFunc(pipeRestartDelay, func() {
			if _, err := m.Start(snap.ZoneID, snap.SourceLabel, snap.Source, snap.Metadata, 0, snap.Prefs); err != nil {
				m.logger.Warn().Err(err).Int("zone", snap.ZoneID).Msg("pipe restart failed")
			}
		})
		return
	}

	if !snap.Metadata.IsRadio && snap.Duration > 0 && elapsed >= snap.Duration-1 {
		m.bus.Publish(events.EventZoneEnded, events.Payload{
			"zone_id":  ev.ZoneID,
			"position": snap.Duration,
			"virtual":  true,
		})
		return
	}

	if wasPlaying {
		m.bus.Publish(events.EventZoneStopped, events.Payload{
			"zone_id": ev.ZoneID,
		})
	}
}

// startOptions translates session-level configuration into engine
// start options.
func (m *Manager) startOptions(zoneID int, src source.PlaybackSource, profiles []engine.Profile, settings AudioSettings, prefs OutputPrefs) engine.StartOptions {
	outputs := make([]engine.OutputSpec, 0, len(profiles))
	for _, p := range profiles {
		outputs = append(outputs, outputSpec(p, settings, prefs))
	}
	return engine.StartOptions{
		ZoneID:          zoneID,
		Input:           src,
		Outputs:         outputs,
		PrebufferBytes:  settings.PrebufferBytes,
		SubscriberLimit: m.cfg.SubscriberLimit,
	}
}

func outputSpec(p engine.Profile, settings AudioSettings, prefs OutputPrefs) engine.OutputSpec {
	spec := engine.OutputSpec{
		Profile:    p,
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
	}
	switch p {
	case engine.ProfilePCM:
		spec.BitDepth = settings.PCMBitDepth
		if prefs.Preferred.Profile == engine.ProfilePCM {
			if prefs.Preferred.SampleRate > 0 {
				spec.SampleRate = prefs.Preferred.SampleRate
			}
			if prefs.Preferred.Channels > 0 {
				spec.Channels = prefs.Preferred.Channels
			}
		}
	default:
		spec.Bitrate = settings.MP3Bitrate
	}
	return spec
}

// profilesFor picks the engine outputs from the driver's preferences:
// pcm-only drivers get pcm, the rest get one compressed profile, and a
// mixed-group leader additionally emits pcm for local taps.
func profilesFor(prefs OutputPrefs) []engine.Profile {
	var profiles []engine.Profile
	switch {
	case prefs.Preferred.Profile == engine.ProfilePCM:
		profiles = []engine.Profile{engine.ProfilePCM}
	case prefs.WantsAAC:
		profiles = []engine.Profile{engine.ProfileAAC}
	default:
		profiles = []engine.Profile{engine.ProfileMP3}
	}
	if prefs.MixedLeader && profiles[0] != engine.ProfilePCM {
		profiles = append(profiles, engine.ProfilePCM)
	}
	return profiles
}

// decorateSource attaches radio stream behavior: real-time pacing,
// in-place reconnects and the ICY request header, plus the zone id
// hint the proxy uses for metadata attribution.
func decorateSource(src source.PlaybackSource, meta Metadata, zoneID int) source.PlaybackSource {
	if src.URL == nil || !meta.IsRadio {
		return src
	}
	u := *src.URL
	u.RealTime = true
	u.RestartOnFailure = true
	headers := make(map[string]string, len(u.Headers)+2)
	for k, v := range u.Headers {
		headers[k] = v
	}
	if _, ok := headers["Icy-MetaData"]; !ok {
		headers["Icy-MetaData"] = "1"
	}
	if _, ok := headers["X-Zone-Id"]; !ok {
		headers["X-Zone-Id"] = itoa(zoneID)
	}
	u.Headers = headers
	src.URL = &u
	return src
}

// effectiveStartAt clamps the requested offset into [0, duration-1].
// Radio and pipe inputs always start live.
func effectiveStartAt(src source.PlaybackSource, meta Metadata, startAt int) int {
	if src.Pipe != nil || meta.IsRadio {
		return 0
	}
	if startAt < 0 {
		startAt = 0
	}
	if meta.Duration > 0 && startAt > meta.Duration-1 {
		startAt = meta.Duration - 1
	}
	return startAt
}

func applyStartAt(src source.PlaybackSource, meta Metadata, startAt int) source.PlaybackSource {
	if src.Pipe != nil || meta.IsRadio {
		return src
	}
	return src.WithStartAt(startAt)
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}
