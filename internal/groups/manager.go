/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package groups

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/outputs"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/source"
)

// ZoneControl is the slice of the zone manager the group layer drives.
type ZoneControl interface {
	ReplicateContent(ctx context.Context, leaderID int, members []int) error
	StopMembers(ctx context.Context, leaderID int, members []int)
	ZoneVolume(zoneID int) (int, bool)
	SetZoneVolume(ctx context.Context, zoneID, level int) error
	ZoneDriver(zoneID int) (string, bool)
	ZoneOutput(zoneID int) (outputs.Output, bool)
	SetMixedLeader(zoneID int, leader bool)
	PlayZoneSource(ctx context.Context, zoneID int, label string, src source.PlaybackSource, meta playback.Metadata, startAt int) error
	StopZone(ctx context.Context, zoneID int) error
}

// nativeGrouper is implemented by output drivers whose protocol can
// group renderers natively, the Sonos driver among them. Native joins
// replace HTTP replication for those members.
type nativeGrouper interface {
	UDN(ctx context.Context) (string, error)
	JoinGroup(ctx context.Context, coordinatorUDN string) error
	LeaveGroup(ctx context.Context) error
}

// Manager reacts to group tracker changes: replication on new/update,
// teardown on remove, and the two group volume operations.
type Manager struct {
	tracker *Tracker
	zones   ZoneControl
	mixed   *Coordinator
	bus     *events.Bus
	logger  zerolog.Logger
}

// NewManager wires the group manager. mixed may be nil, in which case
// heterogeneous groups fall back to plain content replication.
func NewManager(tracker *Tracker, zones ZoneControl, mixed *Coordinator, bus *events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		tracker: tracker,
		zones:   zones,
		mixed:   mixed,
		bus:     bus,
		logger:  logger.With().Str("component", "group-manager").Logger(),
	}
}

// Run consumes tracker change events until the context ends.
func (g *Manager) Run(ctx context.Context) {
	created := g.bus.Subscribe(events.EventGroupNew)
	updated := g.bus.Subscribe(events.EventGroupUpdate)
	removed := g.bus.Subscribe(events.EventGroupRemove)

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-created:
			g.applyPayload(ctx, p)
		case p := <-updated:
			g.applyPayload(ctx, p)
		case p := <-removed:
			g.release(ctx, recordFromPayload(p))
		}
	}
}

func (g *Manager) applyPayload(ctx context.Context, p events.Payload) {
	rec := recordFromPayload(p)
	if current, ok := g.tracker.ByID(rec.ID); ok {
		rec = current
	}
	g.Apply(ctx, rec)
}

// Apply replicates the leader's playback onto the group members.
// Same-protocol members join natively when the driver supports it;
// the rest replay the leader's source. Heterogeneous groups switch to
// the mixed-group PCM tap.
func (g *Manager) Apply(ctx context.Context, rec Record) {
	if len(rec.Members) <= 1 {
		return
	}

	if g.isMixed(rec) {
		if g.mixed != nil {
			if err := g.mixed.Activate(ctx, rec); err != nil {
				g.logger.Warn().Err(err).Str("group", rec.ID).Msg("mixed group activation failed")
			}
			g.broadcastState(rec, true)
			return
		}
		g.logger.Warn().Str("group", rec.ID).Msg("heterogeneous group without mixed coordinator, replicating by URI")
	}

	joined := g.nativeJoin(ctx, rec)
	remaining := make([]int, 0, len(rec.Members))
	for _, m := range rec.Members {
		if m == rec.Leader || joined[m] {
			continue
		}
		remaining = append(remaining, m)
	}
	if len(remaining) > 0 {
		if err := g.zones.ReplicateContent(ctx, rec.Leader, remaining); err != nil {
			g.logger.Warn().Err(err).Str("group", rec.ID).Msg("group replication incomplete")
		}
	}
	g.broadcastState(rec, true)
}

// release tears a removed group down: mixed taps stop, native members
// leave their coordinator, the rest simply stop.
func (g *Manager) release(ctx context.Context, rec Record) {
	if g.mixed != nil {
		g.mixed.Deactivate(ctx, rec.Leader)
	}
	for _, m := range rec.Members {
		if m == rec.Leader {
			continue
		}
		if out, ok := g.zones.ZoneOutput(m); ok {
			if ng, ok := out.(nativeGrouper); ok {
				if err := ng.LeaveGroup(ctx); err != nil {
					g.logger.Debug().Err(err).Int("zone", m).Msg("leave group failed")
				}
			}
		}
	}
	g.zones.StopMembers(ctx, rec.Leader, rec.Members)
	g.broadcastState(rec, false)
}

// isMixed reports whether any member runs a different driver than the
// leader. Zones with an unknown driver are ignored.
func (g *Manager) isMixed(rec Record) bool {
	leaderDriver, ok := g.zones.ZoneDriver(rec.Leader)
	if !ok {
		return false
	}
	for _, m := range rec.Members {
		if m == rec.Leader {
			continue
		}
		if d, ok := g.zones.ZoneDriver(m); ok && d != leaderDriver {
			return true
		}
	}
	return false
}

// nativeJoin attaches protocol-grouping members to the leader and
// reports which members were covered that way.
func (g *Manager) nativeJoin(ctx context.Context, rec Record) map[int]bool {
	joined := make(map[int]bool)
	leaderOut, ok := g.zones.ZoneOutput(rec.Leader)
	if !ok {
		return joined
	}
	leader, ok := leaderOut.(nativeGrouper)
	if !ok {
		return joined
	}
	udn, err := leader.UDN(ctx)
	if err != nil {
		g.logger.Debug().Err(err).Str("group", rec.ID).Msg("leader identity unresolved, falling back to replication")
		return joined
	}
	for _, m := range rec.Members {
		if m == rec.Leader {
			continue
		}
		out, ok := g.zones.ZoneOutput(m)
		if !ok {
			continue
		}
		ng, ok := out.(nativeGrouper)
		if !ok {
			continue
		}
		if err := ng.JoinGroup(ctx, udn); err != nil {
			g.logger.Warn().Err(err).Int("zone", m).Str("group", rec.ID).Msg("native join failed")
			continue
		}
		joined[m] = true
	}
	return joined
}

// ApplyMasterVolume shifts every member volume by the same delta the
// leader moved, clamped to [0,100]. A target equal to the leader's
// current volume changes nothing. Outside a group only the named zone
// moves.
func (g *Manager) ApplyMasterVolume(ctx context.Context, zoneID, target int) error {
	rec, ok := g.tracker.ByMember(zoneID)
	if !ok {
		return g.zones.SetZoneVolume(ctx, zoneID, clampVolume(target))
	}
	leaderVol, ok := g.zones.ZoneVolume(rec.Leader)
	if !ok {
		return g.zones.SetZoneVolume(ctx, zoneID, clampVolume(target))
	}
	delta := target - leaderVol
	if delta == 0 {
		return nil
	}
	var firstErr error
	for _, m := range rec.Members {
		v, ok := g.zones.ZoneVolume(m)
		if !ok {
			continue
		}
		if err := g.zones.SetZoneVolume(ctx, m, clampVolume(v+delta)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ApplySpecGroupVolume moves the group's mean volume to target,
// redistributing what clamping takes away across the members still
// free to move.
func (g *Manager) ApplySpecGroupVolume(ctx context.Context, zoneID, target int) error {
	rec, ok := g.tracker.ByMember(zoneID)
	if !ok {
		return g.zones.SetZoneVolume(ctx, zoneID, clampVolume(target))
	}

	members := make([]int, 0, len(rec.Members))
	vols := make([]float64, 0, len(rec.Members))
	for _, m := range rec.Members {
		if v, ok := g.zones.ZoneVolume(m); ok {
			members = append(members, m)
			vols = append(vols, float64(v))
		}
	}
	if len(members) == 0 {
		return nil
	}

	next := spreadVolume(vols, float64(target))
	var firstErr error
	for i, m := range members {
		if err := g.zones.SetZoneVolume(ctx, m, clampVolume(int(math.Round(next[i])))); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BroadcastGroupState re-emits the outward snapshot of every group.
func (g *Manager) BroadcastGroupState() {
	for _, rec := range g.tracker.Groups() {
		g.broadcastState(rec, true)
	}
}

// broadcastState publishes the notifier-facing group snapshot. A
// dissolved group carries an empty member list.
func (g *Manager) broadcastState(rec Record, active bool) {
	members := append([]int(nil), rec.Members...)
	if !active {
		members = []int{}
	}
	g.bus.Publish(events.EventGroupState, events.Payload{
		"group_id": rec.ID,
		"leader":   rec.Leader,
		"members":  members,
		"active":   active,
	})
}

// recordFromPayload rebuilds a record from a tracker event payload.
func recordFromPayload(p events.Payload) Record {
	rec := Record{}
	if id, ok := p["group_id"].(string); ok {
		rec.ID = id
	}
	if leader, ok := payloadInt(p, "leader"); ok {
		rec.Leader = leader
	}
	switch v := p["members"].(type) {
	case []int:
		rec.Members = append([]int(nil), v...)
	case []any:
		for _, e := range v {
			if n, ok := payloadIntValue(e); ok {
				rec.Members = append(rec.Members, n)
			}
		}
	}
	return rec
}

func payloadInt(p events.Payload, key string) (int, bool) {
	return payloadIntValue(p[key])
}

func payloadIntValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
