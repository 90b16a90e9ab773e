/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package groups coordinates multi-zone playback: a tracker holds the
// group records the automation system pushes, a manager replicates the
// leader's content to members and runs the group volume algorithms, and
// a mixed-group coordinator taps the leader's PCM for members speaking
// a different renderer protocol.
package groups

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/telemetry"
)

// Record is one playback group. Members always contain the leader,
// hold no duplicates, and are ordered leader first then ascending.
type Record struct {
	ID      string
	Leader  int
	Members []int
}

// Change classifies the outcome of an upsert.
type Change int

const (
	ChangeNone Change = iota
	ChangeNew
	ChangeUpdate
)

// Tracker is the process-wide group registry. Mutations are serialized;
// change events are published outside the lock.
type Tracker struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	byID     map[string]Record
	byLeader map[int]string
	byMember map[int]string
}

// NewTracker builds an empty registry.
func NewTracker(bus *events.Bus, logger zerolog.Logger) *Tracker {
	return &Tracker{
		bus:      bus,
		logger:   logger.With().Str("component", "groups").Logger(),
		byID:     make(map[string]Record),
		byLeader: make(map[int]string),
		byMember: make(map[int]string),
	}
}

// Upsert installs or updates a group and reports what changed. An
// upsert carrying the same normalized membership is a no-op and emits
// no event.
func (t *Tracker) Upsert(id string, leader int, members []int) (Record, Change) {
	rec := Record{ID: id, Leader: leader, Members: normalizeMembers(leader, members)}

	t.mu.Lock()
	prev, existed := t.byID[id]
	if existed && prev.Leader == rec.Leader && equalInts(prev.Members, rec.Members) {
		t.mu.Unlock()
		return prev, ChangeNone
	}
	if existed {
		t.dropIndexes(prev)
	}
	t.byID[id] = rec
	t.byLeader[rec.Leader] = id
	for _, m := range rec.Members {
		t.byMember[m] = id
	}
	count := len(t.byID)
	t.mu.Unlock()

	telemetry.GroupCount.Set(float64(count))
	change := ChangeUpdate
	event := events.EventGroupUpdate
	if !existed {
		change = ChangeNew
		event = events.EventGroupNew
	}
	t.logger.Info().Str("group", id).Int("leader", rec.Leader).Ints("members", rec.Members).Msg("group changed")
	t.bus.Publish(event, payloadFor(rec))
	return rec, change
}

// Remove deletes a group and reports the record it held.
func (t *Tracker) Remove(id string) (Record, bool) {
	t.mu.Lock()
	rec, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return Record{}, false
	}
	delete(t.byID, id)
	t.dropIndexes(rec)
	count := len(t.byID)
	t.mu.Unlock()

	telemetry.GroupCount.Set(float64(count))
	t.logger.Info().Str("group", id).Int("leader", rec.Leader).Msg("group removed")
	t.bus.Publish(events.EventGroupRemove, payloadFor(rec))
	return rec, true
}

// ByID returns the group with the given external id.
func (t *Tracker) ByID(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byID[id]
	return rec, ok
}

// ByLeader returns the group a zone leads.
func (t *Tracker) ByLeader(zoneID int) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byLeader[zoneID]
	if !ok {
		return Record{}, false
	}
	rec, ok := t.byID[id]
	return rec, ok
}

// ByMember returns the group a zone belongs to, leader included.
func (t *Tracker) ByMember(zoneID int) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byMember[zoneID]
	if !ok {
		return Record{}, false
	}
	rec, ok := t.byID[id]
	return rec, ok
}

// Groups returns every group ordered by external id.
func (t *Tracker) Groups() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.byID))
	for _, rec := range t.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dropIndexes removes the leader and member index entries still
// pointing at the record. Caller holds the lock.
func (t *Tracker) dropIndexes(rec Record) {
	if t.byLeader[rec.Leader] == rec.ID {
		delete(t.byLeader, rec.Leader)
	}
	for _, m := range rec.Members {
		if t.byMember[m] == rec.ID {
			delete(t.byMember, m)
		}
	}
}

// normalizeMembers ensures the leader is present, removes duplicates
// and orders the result leader first, the rest ascending.
func normalizeMembers(leader int, members []int) []int {
	seen := map[int]bool{leader: true}
	rest := make([]int, 0, len(members))
	for _, m := range members {
		if seen[m] {
			continue
		}
		seen[m] = true
		rest = append(rest, m)
	}
	sort.Ints(rest)
	return append([]int{leader}, rest...)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func payloadFor(rec Record) events.Payload {
	return events.Payload{
		"group_id": rec.ID,
		"leader":   rec.Leader,
		"members":  append([]int(nil), rec.Members...),
	}
}
