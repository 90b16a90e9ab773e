/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package groups

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/engine"
	"github.com/friendsincode/zonecast/internal/playback"
	"github.com/friendsincode/zonecast/internal/source"
)

type tapCall struct {
	zone  int
	src   source.PlaybackSource
	spec  engine.OutputSpec
	label string
}

type fakeTapService struct {
	mu         sync.Mutex
	sess       *playback.Session
	fanout     *engine.Fanout
	terminated chan engine.TerminationEvent
	taps       []tapCall
}

func newFakeTapService(sess *playback.Session) *fakeTapService {
	spec := engine.OutputSpec{Profile: engine.ProfilePCM, SampleRate: 44100, Channels: 2, BitDepth: 16}
	return &fakeTapService{
		sess:       sess,
		fanout:     engine.NewFanout(sess.ZoneID, spec, 0, 0, zerolog.Nop()),
		terminated: make(chan engine.TerminationEvent, 1),
	}
}

func (f *fakeTapService) Session(zoneID int) (*playback.Session, bool) {
	if f.sess != nil && f.sess.ZoneID == zoneID {
		return f.sess, true
	}
	return nil, false
}

func (f *fakeTapService) CreateLocalTap(zoneID int, src source.PlaybackSource, spec engine.OutputSpec, label string) (*playback.LocalTap, error) {
	f.mu.Lock()
	f.taps = append(f.taps, tapCall{zone: zoneID, src: src, spec: spec, label: label})
	f.mu.Unlock()
	return &playback.LocalTap{
		Subscriber: f.fanout.Subscribe(label, false),
		Spec:       spec,
		Terminated: f.terminated,
	}, nil
}

func (f *fakeTapService) tapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.taps)
}

func leaderSession(zoneID int, startedAgo time.Duration) *playback.Session {
	return &playback.Session{
		ZoneID:      zoneID,
		SourceLabel: "spotify:track:1",
		State:       playback.StatePlaying,
		Duration:    180,
		StartedAt:   time.Now().Add(-startedAgo),
		Source:      source.PlaybackSource{URL: &source.URLSource{URL: "https://cdn.example/a.mp3"}},
		Settings:    playback.AudioSettings{SampleRate: 44100, Channels: 2, PCMBitDepth: 16},
	}
}

func TestMixedActivateFeedsMemberPipes(t *testing.T) {
	sess := leaderSession(5, 10*time.Second)
	svc := newFakeTapService(sess)
	fz := newFakeZones()
	c := NewCoordinator(svc, fz, zerolog.Nop())

	rec := Record{ID: "g", Leader: 5, Members: []int{5, 6}}
	require.NoError(t, c.Activate(context.Background(), rec))
	require.Equal(t, 1, svc.tapCount())

	// The tap carries the leader zone's audio settings and resumes at
	// the computed offset.
	call := svc.taps[0]
	assert.Equal(t, engine.ProfilePCM, call.spec.Profile)
	assert.Equal(t, 44100, call.spec.SampleRate)
	assert.Equal(t, 16, call.spec.BitDepth)
	assert.Equal(t, 10, call.src.StartAt())

	fz.mu.Lock()
	require.Len(t, fz.plays, 1)
	play := fz.plays[0]
	mixed := fz.mixed[5]
	fz.mu.Unlock()
	assert.True(t, mixed)
	assert.Equal(t, 6, play.zone)
	require.NotNil(t, play.src.Pipe)
	assert.True(t, play.src.Pipe.RealTime)
	assert.Equal(t, source.PCMS16LE, play.src.Pipe.Format)
	assert.Equal(t, 44100, play.src.Pipe.SampleRate)

	// Leader PCM reaches the member through its pipe.
	svc.fanout.Broadcast([]byte("pcmdata"))
	buf := make([]byte, 7)
	_, err := io.ReadFull(play.src.Pipe.Stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "pcmdata", string(buf))

	c.Deactivate(context.Background(), 5)
	_, err = play.src.Pipe.Stream.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, fz.stopped(), 6)
	fz.mu.Lock()
	assert.False(t, fz.mixed[5])
	fz.mu.Unlock()
	assert.False(t, c.Active(5))
}

func TestMixedActivateIdempotentForSameMembership(t *testing.T) {
	svc := newFakeTapService(leaderSession(5, 10*time.Second))
	c := NewCoordinator(svc, newFakeZones(), zerolog.Nop())

	rec := Record{ID: "g", Leader: 5, Members: []int{5, 6}}
	require.NoError(t, c.Activate(context.Background(), rec))
	require.NoError(t, c.Activate(context.Background(), rec))
	assert.Equal(t, 1, svc.tapCount())

	c.Deactivate(context.Background(), 5)
}

func TestMixedActivateWithoutLeaderSession(t *testing.T) {
	svc := newFakeTapService(leaderSession(5, time.Minute))
	fz := newFakeZones()
	c := NewCoordinator(svc, fz, zerolog.Nop())

	err := c.Activate(context.Background(), Record{ID: "g", Leader: 9, Members: []int{9, 6}})
	require.Error(t, err)
	fz.mu.Lock()
	defer fz.mu.Unlock()
	assert.False(t, fz.mixed[9])
}

func TestMixedTapTerminationTearsGroupDown(t *testing.T) {
	svc := newFakeTapService(leaderSession(5, 10*time.Second))
	fz := newFakeZones()
	c := NewCoordinator(svc, fz, zerolog.Nop())

	require.NoError(t, c.Activate(context.Background(), Record{ID: "g", Leader: 5, Members: []int{5, 6}}))
	svc.terminated <- engine.TerminationEvent{ZoneID: 5, Reason: engine.ReasonStop}

	require.Eventually(t, func() bool { return !c.Active(5) }, time.Second, 10*time.Millisecond)
	assert.Contains(t, fz.stopped(), 6)
}

func TestResolveStartAt(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		sess *playback.Session
		want int
	}{
		{
			name: "fresh session starts from zero",
			sess: &playback.Session{State: playback.StatePlaying, StartedAt: now.Add(-time.Second), Duration: 180},
			want: 0,
		},
		{
			name: "playing resumes at elapsed",
			sess: &playback.Session{State: playback.StatePlaying, StartedAt: now.Add(-10 * time.Second), Duration: 180},
			want: 10,
		},
		{
			name: "clamped below duration",
			sess: &playback.Session{State: playback.StatePlaying, StartedAt: now.Add(-300 * time.Second), Duration: 180},
			want: 179,
		},
		{
			name: "paused position wins over wall clock",
			sess: &playback.Session{State: playback.StatePaused, Elapsed: 50, StartedAt: now.Add(-10 * time.Second), Duration: 180},
			want: 50,
		},
		{
			name: "unknown duration never clamps",
			sess: &playback.Session{State: playback.StatePlaying, StartedAt: now.Add(-42 * time.Second)},
			want: 42,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveStartAt(tc.sess, now))
		})
	}
}

func TestPipeFanoutBroadcastAndDetach(t *testing.T) {
	spec := engine.OutputSpec{Profile: engine.ProfilePCM, SampleRate: 44100, Channels: 2, BitDepth: 16}
	f := NewPipeFanout(1, spec, zerolog.Nop())

	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	f.Attach(10, w1)
	f.Attach(11, w2)
	assert.Equal(t, 2, f.Len())

	f.Broadcast([]byte("abcd"))
	for _, r := range []io.Reader{r1, r2} {
		buf := make([]byte, 4)
		_, err := io.ReadFull(r, buf)
		require.NoError(t, err)
		assert.Equal(t, "abcd", string(buf))
	}

	f.Detach(10)
	_, err := r1.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// The remaining member keeps receiving.
	f.Broadcast([]byte("efgh"))
	buf := make([]byte, 4)
	_, err = io.ReadFull(r2, buf)
	require.NoError(t, err)
	assert.Equal(t, "efgh", string(buf))

	f.Close()
	_, err = r2.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
