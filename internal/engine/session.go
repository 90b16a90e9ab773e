/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/zonecast/internal/telemetry"
)

// SessionState tracks a session through its lifecycle.
type SessionState string

const (
	StateStarting    SessionState = "starting"
	StateRunning     SessionState = "running"
	StateRestarting  SessionState = "restarting"
	StateTerminating SessionState = "terminating"
	StateEnded       SessionState = "ended"
)

const (
	restartBackoffInitial = 500 * time.Millisecond
	// A run longer than this resets the backoff ladder.
	restartStableAfter = 30 * time.Second
)

// Session is one running transcode pipeline for a zone, fanning its
// outputs to subscribers. Live network inputs restart in place with
// capped backoff; everything else terminates on failure.
type Session struct {
	opts    StartOptions
	bin     string
	spawn   spawnFunc
	logger  zerolog.Logger
	fanouts map[Profile]*Fanout
	primary *Fanout

	backoffMax time.Duration
	terminated chan<- TerminationEvent
	onEnd      func(*Session) // runs before the termination event is emitted

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      SessionState
	proc       *process
	stopReason StopReason
	keepSubs   bool
	restarts   int
	backoff    time.Duration
	startedAt  time.Time
	spawnedAt  time.Time
}

func newSession(opts StartOptions, bin string, spawn spawnFunc, backoffMax time.Duration, terminated chan<- TerminationEvent, onEnd func(*Session), logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:       opts,
		bin:        bin,
		spawn:      spawn,
		logger:     logger.With().Int("zone", opts.ZoneID).Logger(),
		fanouts:    make(map[Profile]*Fanout, len(opts.Outputs)),
		backoffMax: backoffMax,
		terminated: terminated,
		onEnd:      onEnd,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateStarting,
		backoff:    restartBackoffInitial,
		startedAt:  time.Now(),
	}
	for _, out := range opts.Outputs {
		f := NewFanout(opts.ZoneID, out, opts.PrebufferBytes, opts.SubscriberLimit, logger)
		s.fanouts[out.Profile] = f
		if s.primary == nil {
			s.primary = f
		}
	}
	return s
}

func (s *Session) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.spawnLocked(); err != nil {
		s.state = StateEnded
		return err
	}
	go s.monitor(s.proc)
	if s.opts.InitialDataTimeout > 0 && !s.opts.Input.IsRealTime() {
		go s.watchInitialData()
	}
	return nil
}

func (s *Session) spawnLocked() error {
	proc, err := s.spawn(s.ctx, s.bin, s.opts.Input, s.opts.Outputs, s.logger)
	if err != nil {
		return fmt.Errorf("spawn pipeline: %w", err)
	}
	s.proc = proc
	s.spawnedAt = time.Now()
	s.state = StateRunning

	for i, out := range s.opts.Outputs {
		f := s.fanouts[out.Profile]
		go func(f *Fanout, i int) {
			_ = f.FeedFrom(proc.outputs[i])
		}(f, i)
	}
	return nil
}

// watchInitialData aborts the session when the primary output stays
// silent past the configured timeout.
func (s *Session) watchInitialData() {
	select {
	case <-s.primary.FirstChunk():
	case <-s.ctx.Done():
	case <-time.After(s.opts.InitialDataTimeout):
		s.logger.Warn().
			Dur("timeout", s.opts.InitialDataTimeout).
			Msg("no initial data from pipeline, aborting")
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil {
			proc.stop()
		}
	}
}

// monitor waits for one child to exit and decides between restart and
// termination.
func (s *Session) monitor(proc *process) {
	status := <-proc.exited

	s.mu.Lock()
	if s.proc != proc {
		// A newer child superseded this one.
		s.mu.Unlock()
		return
	}
	reason := s.stopReason
	keep := s.keepSubs
	runtime := time.Since(s.spawnedAt)

	if reason != "" {
		s.state = StateEnded
		s.mu.Unlock()
		s.finish(TerminationEvent{ZoneID: s.opts.ZoneID, Reason: reason}, nil, keep)
		return
	}

	if s.shouldRestartLocked() {
		if runtime > restartStableAfter {
			s.backoff = restartBackoffInitial
		}
		delay := s.backoff
		s.backoff *= 2
		if s.backoff > s.backoffMax {
			s.backoff = s.backoffMax
		}
		s.restarts++
		s.state = StateRestarting
		s.mu.Unlock()

		telemetry.EngineRestarts.WithLabelValues(itoa(s.opts.ZoneID), "failure").Inc()
		s.logger.Warn().
			Int("exit_code", status.code).
			Dur("delay", delay).
			Int("restarts", s.restarts).
			Msg("pipeline exited, restarting")

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		if s.stopReason != "" || s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		if err := s.spawnLocked(); err != nil {
			s.state = StateEnded
			s.mu.Unlock()
			s.logger.Error().Err(err).Msg("pipeline restart failed")
			s.finish(TerminationEvent{
				ZoneID: s.opts.ZoneID,
				Err:    err,
			}, err, false)
			return
		}
		next := s.proc
		s.mu.Unlock()
		go s.monitor(next)
		return
	}

	s.state = StateEnded
	s.mu.Unlock()

	ev := TerminationEvent{
		ZoneID:   s.opts.ZoneID,
		ExitCode: status.code,
		Err:      status.err,
		Stderr:   proc.stderrTail(),
	}
	var streamErr error
	if status.code != 0 {
		streamErr = fmt.Errorf("pipeline exited with code %d", status.code)
		if ev.Err == nil {
			ev.Err = streamErr
		}
	}
	s.finish(ev, streamErr, false)
}

// shouldRestartLocked: only live network inputs that asked for restart
// on failure come back up in place.
func (s *Session) shouldRestartLocked() bool {
	u := s.opts.Input.URL
	return u != nil && u.RestartOnFailure && s.ctx.Err() == nil
}

func (s *Session) finish(ev TerminationEvent, streamErr error, keepSubscribers bool) {
	s.cancel()
	if !keepSubscribers {
		for _, f := range s.fanouts {
			f.Finish(streamErr)
		}
	}
	if s.onEnd != nil {
		s.onEnd(s)
	}
	select {
	case s.terminated <- ev:
	default:
		s.logger.Warn().Msg("termination event dropped, consumer not keeping up")
	}
}

// Stop tears the session down. With keepSubscribers the fanouts stay
// open so a successor session can take them over.
func (s *Session) Stop(reason StopReason, keepSubscribers bool) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateTerminating {
		s.mu.Unlock()
		return
	}
	s.stopReason = reason
	s.keepSubs = keepSubscribers
	s.state = StateTerminating
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		proc.stop()
	} else {
		s.cancel()
	}
}

// Fanout returns the fanout carrying the given profile, nil if the
// session was not started with it.
func (s *Session) Fanout(profile Profile) *Fanout {
	return s.fanouts[profile]
}

// Primary returns the fanout of the first configured output.
func (s *Session) Primary() *Fanout { return s.primary }

// Options returns the session's start configuration.
func (s *Session) Options() StartOptions { return s.opts }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when the session was first created, surviving
// in-place restarts.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Stats is a point-in-time snapshot of a session.
type Stats struct {
	ZoneID      int              `json:"zone_id"`
	State       SessionState     `json:"state"`
	StartedAt   time.Time        `json:"started_at"`
	Restarts    int              `json:"restarts"`
	Input       string           `json:"input"`
	Profiles    []string         `json:"profiles"`
	Bytes       map[string]int64 `json:"bytes"`
	Subscribers map[string]int   `json:"subscribers"`
}

// Snapshot collects current session statistics.
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	st := Stats{
		ZoneID:    s.opts.ZoneID,
		State:     s.state,
		StartedAt: s.startedAt,
		Restarts:  s.restarts,
		Input:     s.opts.Input.Label(),
	}
	s.mu.Unlock()

	st.Bytes = make(map[string]int64, len(s.fanouts))
	st.Subscribers = make(map[string]int, len(s.fanouts))
	for p, f := range s.fanouts {
		st.Profiles = append(st.Profiles, string(p))
		st.Bytes[string(p)] = f.BytesTotal()
		st.Subscribers[string(p)] = f.SubscriberCount()
	}
	return st
}
