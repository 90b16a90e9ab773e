/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package engine runs per-zone transcode pipelines and fans their
// encoded outputs out to subscribers. One zone has at most one live
// session; starting a compatible source on a running zone reuses the
// session instead of respawning the pipeline.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/config"
)

// ErrNoSession is returned when a zone has no live engine session.
var ErrNoSession = errors.New("no engine session for zone")

// Engine owns every live session, keyed by zone.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger
	spawn  spawnFunc

	mu       sync.Mutex
	sessions map[int]*Session

	terminated chan TerminationEvent
}

// New creates the engine. Termination events are delivered on Events
// and must be consumed.
func New(cfg *config.Config, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		logger:     logger.With().Str("component", "engine").Logger(),
		spawn:      spawnFFmpeg,
		sessions:   make(map[int]*Session),
		terminated: make(chan TerminationEvent, 64),
	}
}

// Events delivers one TerminationEvent per ended session.
func (e *Engine) Events() <-chan TerminationEvent { return e.terminated }

// Start brings up a session for the zone, or reuses the live one when
// the source and output configuration are equivalent. The reused flag
// tells the caller whether a new pipeline was spawned.
func (e *Engine) Start(opts StartOptions) (sess *Session, reused bool, err error) {
	if err := e.applyDefaults(&opts); err != nil {
		return nil, false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.sessions[opts.ZoneID]; ok {
		if e.reusable(cur, opts) {
			e.logger.Debug().Int("zone", opts.ZoneID).Msg("reusing live session")
			return cur, true, nil
		}
		// Same content with a changed output configuration is a
		// reconfigure; new content replaces the engine as a switch.
		reason := ReasonSwitch
		if cur.opts.Input.Equal(opts.Input) {
			reason = ReasonReconfigure
		}
		cur.Stop(reason, false)
		delete(e.sessions, opts.ZoneID)
	}

	sess, err = e.startLocked(opts)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

// StartWithHandoff replaces the zone's live session with a new one,
// carrying every subscriber over to the matching profile of the new
// session. Subscribers keep their connections; playback continues from
// the new source.
func (e *Engine) StartWithHandoff(opts StartOptions) (*Session, error) {
	if err := e.applyDefaults(&opts); err != nil {
		return nil, err
	}

	e.mu.Lock()
	old := e.sessions[opts.ZoneID]
	if old == nil {
		e.mu.Unlock()
		return nil, ErrNoSession
	}
	delete(e.sessions, opts.ZoneID)

	next, err := e.startLocked(opts)
	if err != nil {
		// Put the old session back; the zone keeps playing.
		e.sessions[opts.ZoneID] = old
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	// Let the new pipeline produce before cutting over, so migrated
	// subscribers see no gap. A silent pipeline migrates anyway after
	// the timeout; its own watchdog will deal with it.
	select {
	case <-next.Primary().FirstChunk():
	case <-next.ctx.Done():
	case <-time.After(e.cfg.InitialDataTimeout):
		e.logger.Warn().Int("zone", opts.ZoneID).Msg("handoff proceeding without first chunk")
	}

	for profile, src := range old.fanouts {
		if dst := next.Fanout(profile); dst != nil {
			src.Migrate(dst)
		} else {
			src.Finish(nil)
		}
	}
	old.Stop(ReasonHandoff, true)
	return next, nil
}

func (e *Engine) startLocked(opts StartOptions) (*Session, error) {
	sess := newSession(opts, e.cfg.FFmpegBin, e.spawn, e.cfg.RestartBackoffMax, e.terminated, e.reap, e.logger)
	if err := sess.start(); err != nil {
		return nil, err
	}
	e.sessions[opts.ZoneID] = sess

	e.logger.Info().
		Int("zone", opts.ZoneID).
		Str("input", opts.Input.Label()).
		Str("outputs", opts.Signature()).
		Msg("engine session started")
	return sess, nil
}

// reap drops the map entry when a session ends on its own, before the
// termination event becomes visible to consumers.
func (e *Engine) reap(sess *Session) {
	e.mu.Lock()
	if e.sessions[sess.opts.ZoneID] == sess {
		delete(e.sessions, sess.opts.ZoneID)
	}
	e.mu.Unlock()
}

func (e *Engine) reusable(cur *Session, opts StartOptions) bool {
	if cur.State() != StateRunning && cur.State() != StateStarting && cur.State() != StateRestarting {
		return false
	}
	return cur.opts.Signature() == opts.Signature() && cur.opts.Input.Equal(opts.Input)
}

func (e *Engine) applyDefaults(opts *StartOptions) error {
	if opts.PrebufferBytes == 0 {
		opts.PrebufferBytes = e.cfg.PrebufferBytes
	}
	if opts.SubscriberLimit == 0 {
		opts.SubscriberLimit = e.cfg.SubscriberLimit
	}
	if opts.InitialDataTimeout == 0 {
		opts.InitialDataTimeout = e.cfg.InitialDataTimeout
	}
	return opts.Validate()
}

// StartLocal runs a side session outside the per-zone map, used by the
// mixed-group coordinator for PCM taps. Its lifecycle is independent:
// termination arrives on the returned channel, not on Events.
func (e *Engine) StartLocal(opts StartOptions) (*Session, <-chan TerminationEvent, error) {
	if err := e.applyDefaults(&opts); err != nil {
		return nil, nil, err
	}
	terminated := make(chan TerminationEvent, 1)
	sess := newSession(opts, e.cfg.FFmpegBin, e.spawn, e.cfg.RestartBackoffMax, terminated, nil, e.logger)
	if err := sess.start(); err != nil {
		return nil, nil, err
	}
	e.logger.Info().
		Int("zone", opts.ZoneID).
		Str("input", opts.Input.Label()).
		Msg("local engine session started")
	return sess, terminated, nil
}

// Stop tears down the zone's session. With discardSubscribers false
// queued audio still drains to connected subscribers before their
// streams close.
func (e *Engine) Stop(zoneID int, reason StopReason, discardSubscribers bool) error {
	e.mu.Lock()
	sess, ok := e.sessions[zoneID]
	if ok {
		delete(e.sessions, zoneID)
	}
	e.mu.Unlock()

	if !ok {
		return ErrNoSession
	}
	sess.Stop(reason, false)
	if discardSubscribers {
		for _, f := range sess.fanouts {
			f.Finish(nil)
		}
	}
	return nil
}

// StopAll tears down every session, used on shutdown.
func (e *Engine) StopAll() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[int]*Session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.Stop(ReasonStop, false)
	}
}

// HasSession reports whether the zone has a live session.
func (e *Engine) HasSession(zoneID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[zoneID]
	return ok
}

// Session returns the zone's live session.
func (e *Engine) Session(zoneID int) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[zoneID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Subscribe attaches a consumer to the zone's output in the given
// profile, seeded with the rolling prebuffer tail.
func (e *Engine) Subscribe(zoneID int, profile Profile, subscriberID string) (*Subscriber, OutputSpec, error) {
	sess, err := e.Session(zoneID)
	if err != nil {
		return nil, OutputSpec{}, err
	}
	f := sess.Fanout(profile)
	if f == nil {
		return nil, OutputSpec{}, fmt.Errorf("zone %d has no %s output", zoneID, profile)
	}
	return f.Subscribe(subscriberID, true), f.Spec(), nil
}

// WaitForFirstChunk blocks until the zone's primary output produced
// audio, the session ended, or the timeout passed.
func (e *Engine) WaitForFirstChunk(zoneID int, timeout time.Duration) error {
	sess, err := e.Session(zoneID)
	if err != nil {
		return err
	}
	select {
	case <-sess.Primary().FirstChunk():
		return nil
	case <-sess.ctx.Done():
		return fmt.Errorf("session ended before first audio")
	case <-time.After(timeout):
		return fmt.Errorf("no audio within %s", timeout)
	}
}

// SessionStats returns snapshots of every live session.
func (e *Engine) SessionStats() []Stats {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	stats := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		stats = append(stats, s.Snapshot())
	}
	return stats
}
