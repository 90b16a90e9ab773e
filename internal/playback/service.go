/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playback

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/source"
)

// Service is the facade the gateway, output drivers and group
// coordinator use to reach the engine layer without owning sessions.
type Service struct {
	engine  *engine.Engine
	manager *Manager
}

// NewService pairs the engine with its session manager.
func NewService(eng *engine.Engine, mgr *Manager) *Service {
	return &Service{engine: eng, manager: mgr}
}

// Manager returns the session manager.
func (s *Service) Manager() *Manager { return s.manager }

// Lookup resolves a gateway stream request against the zone's session.
func (s *Service) Lookup(zoneID int, streamID string) (*Session, bool) {
	return s.manager.Lookup(zoneID, streamID)
}

// Session returns a copy of the zone's session.
func (s *Service) Session(zoneID int) (*Session, bool) {
	return s.manager.Session(zoneID)
}

// HasSession reports whether the zone has a live engine.
func (s *Service) HasSession(zoneID int) bool {
	return s.engine.HasSession(zoneID)
}

// CreateStream attaches a new subscriber to the zone's output for the
// given profile. The label shows up in logs and stats.
func (s *Service) CreateStream(zoneID int, profile engine.Profile, label string, primeWithBuffer bool) (*engine.Subscriber, engine.OutputSpec, error) {
	sess, err := s.engine.Session(zoneID)
	if err != nil {
		return nil, engine.OutputSpec{}, err
	}
	f := sess.Fanout(profile)
	if f == nil {
		return nil, engine.OutputSpec{}, fmt.Errorf("zone %d emits no %s output", zoneID, profile)
	}
	id := label + "/" + uuid.NewString()[:8]
	return f.Subscribe(id, primeWithBuffer), f.Spec(), nil
}

// WaitForFirstChunk blocks until the zone's primary profile produced
// audio or the timeout passed.
func (s *Service) WaitForFirstChunk(zoneID int, timeout time.Duration) error {
	return s.engine.WaitForFirstChunk(zoneID, timeout)
}

// SessionStats returns per-profile statistics for every live engine.
func (s *Service) SessionStats() []engine.Stats {
	return s.engine.SessionStats()
}

// LocalTap is an independent side engine producing PCM from a source,
// used by the mixed-group coordinator to feed member zones.
type LocalTap struct {
	Session    *engine.Session
	Subscriber *engine.Subscriber
	Spec       engine.OutputSpec
	Terminated <-chan engine.TerminationEvent
}

// Stop tears the tap's engine down.
func (t *LocalTap) Stop() {
	if t.Subscriber != nil {
		t.Subscriber.Close()
	}
	if t.Session != nil {
		t.Session.Stop(engine.ReasonStop, false)
	}
}

// CreateLocalTap spawns a side session emitting one PCM output and
// subscribes to it. Its lifecycle is independent of the zone's main
// session.
func (s *Service) CreateLocalTap(zoneID int, src source.PlaybackSource, spec engine.OutputSpec, label string) (*LocalTap, error) {
	opts := engine.StartOptions{
		ZoneID:  zoneID,
		Input:   src,
		Outputs: []engine.OutputSpec{spec},
	}
	sess, terminated, err := s.engine.StartLocal(opts)
	if err != nil {
		return nil, fmt.Errorf("local tap for zone %d: %w", zoneID, err)
	}
	sub := sess.Primary().Subscribe(label+"/tap", false)
	return &LocalTap{
		Session:    sess,
		Subscriber: sub,
		Spec:       spec,
		Terminated: terminated,
	}, nil
}
