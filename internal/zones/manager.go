/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package zones

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/source"
)

// Manager holds every zone player, rebuilding the set when the zones
// file changes, and routes bus events into the players.
type Manager struct {
	cfg      *config.Config
	bus      *events.Bus
	svc      *playback.Service
	resolver *source.Resolver
	logger   zerolog.Logger

	// Shared driver services, set once before the first Apply.
	syncSrv   outputs.SyncServer
	playerCtl outputs.PlayerControl

	mu      sync.RWMutex
	players map[int]*Player
	decls   map[int]config.ZoneDecl
}

// SetDriverServices installs the shared sendspin and slim servers
// handed to driver factories. Call before Apply.
func (m *Manager) SetDriverServices(syncSrv outputs.SyncServer, playerCtl outputs.PlayerControl) {
	m.syncSrv = syncSrv
	m.playerCtl = playerCtl
}

// NewManager creates an empty zone manager; Apply installs zones.
func NewManager(cfg *config.Config, bus *events.Bus, svc *playback.Service, resolver *source.Resolver, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		svc:      svc,
		resolver: resolver,
		logger:   logger.With().Str("component", "zones").Logger(),
		players:  make(map[int]*Player),
		decls:    make(map[int]config.ZoneDecl),
	}
}

// Apply reconciles the player set against a zones file: unchanged
// declarations keep their player, changed ones are rebuilt, removed
// ones are stopped and disposed.
func (m *Manager) Apply(ctx context.Context, zf config.ZonesFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[int]bool, len(zf.Zones))
	var firstErr error
	for _, decl := range zf.Zones {
		seen[decl.ID] = true
		if prev, ok := m.decls[decl.ID]; ok && declEqual(prev, decl) {
			continue
		}
		if old, ok := m.players[decl.ID]; ok {
			_ = old.Stop(ctx)
			old.Output().Dispose()
		}

		output, err := outputs.Build(decl, outputs.Deps{
			Config:  m.cfg,
			Bus:     m.bus,
			Service: m.svc,
			Sync:    m.syncSrv,
			Players: m.playerCtl,
			Logger:  m.logger,
		})
		if err != nil {
			m.logger.Error().Err(err).Int("zone", decl.ID).Msg("output driver build failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.players[decl.ID] = NewPlayer(decl, output, m.svc, m.resolver, m.bus, m.logger)
		m.decls[decl.ID] = decl
		m.applyAudioOverrides(decl)
		m.logger.Info().Int("zone", decl.ID).Str("driver", decl.Driver).Msg("zone configured")
	}

	for id, p := range m.players {
		if seen[id] {
			continue
		}
		_ = p.Stop(ctx)
		p.Output().Dispose()
		delete(m.players, id)
		delete(m.decls, id)
		m.logger.Info().Int("zone", id).Msg("zone removed")
	}
	return firstErr
}

func (m *Manager) applyAudioOverrides(decl config.ZoneDecl) {
	if decl.SampleRate == 0 && decl.Channels == 0 && decl.PCMBitDepth == 0 &&
		decl.MP3Bitrate == 0 && decl.PrebufferBytes == 0 {
		return
	}
	s := m.svc.Manager().ZoneSettings(decl.ID)
	if decl.SampleRate > 0 {
		s.SampleRate = decl.SampleRate
	}
	if decl.Channels > 0 {
		s.Channels = decl.Channels
	}
	if decl.PCMBitDepth > 0 {
		s.PCMBitDepth = decl.PCMBitDepth
	}
	if decl.MP3Bitrate > 0 {
		s.MP3Bitrate = decl.MP3Bitrate
	}
	if decl.PrebufferBytes > 0 {
		s.PrebufferBytes = decl.PrebufferBytes
	}
	m.svc.Manager().SetZoneSettings(decl.ID, s)
}

func declEqual(a, b config.ZoneDecl) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Driver != b.Driver || a.Host != b.Host {
		return false
	}
	if a.SampleRate != b.SampleRate || a.Channels != b.Channels ||
		a.PCMBitDepth != b.PCMBitDepth || a.MP3Bitrate != b.MP3Bitrate ||
		a.PrebufferBytes != b.PrebufferBytes {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if b.Options[k] != v {
			return false
		}
	}
	return true
}

// Player returns the zone's player.
func (m *Manager) Player(zoneID int) (*Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[zoneID]
	return p, ok
}

// Players returns all players ordered by zone id.
func (m *Manager) Players() []*Player {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Player, 0, len(m.players))
	for _, p := range m.players {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReplicateContent plays the leader's current content on each member
// zone, used for same-protocol group replication.
func (m *Manager) ReplicateContent(ctx context.Context, leaderID int, members []int) error {
	sess, ok := m.svc.Manager().Session(leaderID)
	if !ok {
		return fmt.Errorf("leader zone %d has no session", leaderID)
	}

	var firstErr error
	for _, id := range members {
		if id == leaderID {
			continue
		}
		p, ok := m.Player(id)
		if !ok {
			continue
		}
		if err := p.PlayExternal(ctx, sess.SourceLabel, sess.Source, sess.Metadata, sess.Position()); err != nil {
			m.logger.Warn().Err(err).Int("member", id).Msg("group replication failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopMembers stops every listed zone except the leader.
func (m *Manager) StopMembers(ctx context.Context, leaderID int, members []int) {
	for _, id := range members {
		if id == leaderID {
			continue
		}
		if p, ok := m.Player(id); ok {
			_ = p.Stop(ctx)
		}
	}
}

// The per-zone accessors below are the surface the group coordinator
// drives. They are thin delegates so the coordinator can run against a
// fake in tests.

// ZoneVolume returns a zone's current volume level.
func (m *Manager) ZoneVolume(zoneID int) (int, bool) {
	p, ok := m.Player(zoneID)
	if !ok {
		return 0, false
	}
	return p.Volume(), true
}

// SetZoneVolume applies a volume level to one zone.
func (m *Manager) SetZoneVolume(ctx context.Context, zoneID, level int) error {
	p, ok := m.Player(zoneID)
	if !ok {
		return fmt.Errorf("no zone %d", zoneID)
	}
	return p.SetVolume(ctx, level)
}

// ZoneDriver returns a zone's configured driver name.
func (m *Manager) ZoneDriver(zoneID int) (string, bool) {
	p, ok := m.Player(zoneID)
	if !ok {
		return "", false
	}
	return p.Driver(), true
}

// ZoneOutput returns a zone's output driver instance.
func (m *Manager) ZoneOutput(zoneID int) (outputs.Output, bool) {
	p, ok := m.Player(zoneID)
	if !ok {
		return nil, false
	}
	return p.Output(), true
}

// SetMixedLeader toggles the mixed-group leader flag on a zone.
func (m *Manager) SetMixedLeader(zoneID int, leader bool) {
	if p, ok := m.Player(zoneID); ok {
		p.SetMixedLeader(leader)
	}
}

// PlayZoneSource starts playback of a pre-resolved source on one zone.
func (m *Manager) PlayZoneSource(ctx context.Context, zoneID int, label string, src source.PlaybackSource, meta playback.Metadata, startAt int) error {
	p, ok := m.Player(zoneID)
	if !ok {
		return fmt.Errorf("no zone %d", zoneID)
	}
	return p.PlayExternal(ctx, label, src, meta, startAt)
}

// StopZone stops playback on one zone.
func (m *Manager) StopZone(ctx context.Context, zoneID int) error {
	p, ok := m.Player(zoneID)
	if !ok {
		return fmt.Errorf("no zone %d", zoneID)
	}
	return p.Stop(ctx)
}

// PlayZoneURI resolves and plays a content URI on one zone.
func (m *Manager) PlayZoneURI(ctx context.Context, zoneID int, uri string, meta playback.Metadata, startAt int) error {
	p, ok := m.Player(zoneID)
	if !ok {
		return fmt.Errorf("no zone %d", zoneID)
	}
	return p.PlayURI(ctx, uri, meta, startAt)
}

// PauseZone pauses one zone.
func (m *Manager) PauseZone(ctx context.Context, zoneID int) error {
	p, ok := m.Player(zoneID)
	if !ok {
		return fmt.Errorf("no zone %d", zoneID)
	}
	return p.Pause(ctx)
}

// ResumeZone resumes one zone.
func (m *Manager) ResumeZone(ctx context.Context, zoneID int) error {
	p, ok := m.Player(zoneID)
	if !ok {
		return fmt.Errorf("no zone %d", zoneID)
	}
	return p.Resume(ctx)
}

// ZoneStatus is the admin-facing snapshot of one zone.
type ZoneStatus struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Driver   string `json:"driver"`
	State    string `json:"state"`
	Position int    `json:"position"`
	Volume   int    `json:"volume"`
}

// Statuses snapshots every zone, ordered by id.
func (m *Manager) Statuses() []ZoneStatus {
	players := m.Players()
	out := make([]ZoneStatus, 0, len(players))
	for _, p := range players {
		out = append(out, ZoneStatus{
			ID:       p.ID,
			Name:     p.Name,
			Driver:   p.Driver(),
			State:    string(p.State()),
			Position: p.Position(),
			Volume:   p.Volume(),
		})
	}
	return out
}

// Run routes bus events into the players until the context ends:
// output faults force a zone to stopped (the error event precedes the
// stopped event), virtual ended events finish the zone, and proxy
// radio metadata lands in the session.
func (m *Manager) Run(ctx context.Context) {
	faults := m.bus.Subscribe(events.EventOutputError)
	ended := m.bus.Subscribe(events.EventZoneEnded)
	radio := m.bus.Subscribe(events.EventRadioMetadata)

	for {
		select {
		case <-ctx.Done():
			return

		case p := <-faults:
			zoneID, ok := payloadInt(p, "zone_id")
			if !ok {
				continue
			}
			m.logger.Warn().Int("zone", zoneID).Interface("reason", p["reason"]).Msg("output fault")
			if player, ok := m.Player(zoneID); ok && player.State() != playback.StateStopped {
				player.handleFault(ctx)
			}

		case p := <-ended:
			// Only engine-side virtual endings need routing; the
			// ticker path already transitioned the player.
			if virtual, _ := p["virtual"].(bool); !virtual {
				continue
			}
			zoneID, ok := payloadInt(p, "zone_id")
			if !ok {
				continue
			}
			pos, _ := payloadInt(p, "position")
			if player, ok := m.Player(zoneID); ok {
				player.handleEnded(ctx, pos, false)
			}

		case p := <-radio:
			zoneID, ok := payloadInt(p, "zone_id")
			if !ok {
				continue
			}
			artist, _ := p["artist"].(string)
			title, _ := p["title"].(string)
			m.svc.Manager().SetRadioMetadata(zoneID, artist, title)
		}
	}
}

func payloadInt(p events.Payload, key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
