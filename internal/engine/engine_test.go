/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/config"
	"github.com/friendsincode/zonecast/internal/source"
)

// fakePipeline stands in for a spawned child. Tests feed output data
// through the writers and report exits on the exited channel.
type fakePipeline struct {
	proc    *process
	writers []*io.PipeWriter
}

func (fp *fakePipeline) exit(code int) {
	for _, w := range fp.writers {
		w.Close()
	}
	fp.proc.exited <- exitStatus{code: code}
}

type fakeSpawner struct {
	mu        sync.Mutex
	pipelines []*fakePipeline
}

func (fs *fakeSpawner) spawn(_ context.Context, _ string, _ source.PlaybackSource, outputs []OutputSpec, logger zerolog.Logger) (*process, error) {
	fp := &fakePipeline{}
	p := &process{
		exited: make(chan exitStatus, 1),
		logger: logger,
	}
	for range outputs {
		r, w := io.Pipe()
		p.outputs = append(p.outputs, r)
		fp.writers = append(fp.writers, w)
	}
	fp.proc = p

	fs.mu.Lock()
	fs.pipelines = append(fs.pipelines, fp)
	fs.mu.Unlock()
	return p, nil
}

func (fs *fakeSpawner) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.pipelines)
}

func (fs *fakeSpawner) last() *fakePipeline {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.pipelines[len(fs.pipelines)-1]
}

func (fs *fakeSpawner) waitForSpawn(t *testing.T, n int) *fakePipeline {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fs.count() >= n {
			return fs.last()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pipeline %d never spawned", n)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeSpawner) {
	t.Helper()
	cfg := &config.Config{
		FFmpegBin:          "ffmpeg",
		InitialDataTimeout: 200 * time.Millisecond,
		RestartBackoffMax:  time.Second,
		PrebufferBytes:     1024,
		SubscriberLimit:    64 * 1024,
	}
	fs := &fakeSpawner{}
	e := New(cfg, zerolog.Nop())
	e.spawn = fs.spawn
	t.Cleanup(e.StopAll)
	return e, fs
}

func fileOpts(zoneID int, path string) StartOptions {
	return StartOptions{
		ZoneID: zoneID,
		Input:  source.PlaybackSource{File: &source.FileSource{Path: path, RealTime: true}},
		Outputs: []OutputSpec{
			{Profile: ProfileMP3, SampleRate: 44100, Channels: 2, Bitrate: 192},
		},
	}
}

func TestStartReusesEquivalentSession(t *testing.T) {
	e, fs := newTestEngine(t)

	first, reused, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)
	assert.False(t, reused)

	second, reused, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Same(t, first, second)
	assert.Equal(t, 1, fs.count())
}

func TestStartWithDifferentSourceRespawns(t *testing.T) {
	e, fs := newTestEngine(t)

	_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)

	_, reused, err := e.Start(fileOpts(1, "/music/b.mp3"))
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, 2, fs.count())
}

func TestRespawnReportsReason(t *testing.T) {
	tests := []struct {
		name   string
		next   func(StartOptions) StartOptions
		reason StopReason
	}{
		{"changed outputs reconfigure", func(o StartOptions) StartOptions {
			o.Outputs = []OutputSpec{{Profile: ProfileMP3, SampleRate: 48000, Channels: 2, Bitrate: 192}}
			return o
		}, ReasonReconfigure},
		{"changed source switch", func(o StartOptions) StartOptions {
			o.Input = source.PlaybackSource{File: &source.FileSource{Path: "/music/b.mp3", RealTime: true}}
			return o
		}, ReasonSwitch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, fs := newTestEngine(t)

			_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
			require.NoError(t, err)

			_, reused, err := e.Start(tt.next(fileOpts(1, "/music/a.mp3")))
			require.NoError(t, err)
			assert.False(t, reused)
			assert.Equal(t, 2, fs.count())

			select {
			case ev := <-e.Events():
				assert.Equal(t, tt.reason, ev.Reason)
				assert.True(t, ev.Reason.Intentional())
			case <-time.After(3 * time.Second):
				t.Fatal("no termination event for replaced session")
			}
		})
	}
}

func TestSubscriberReceivesPipelineOutput(t *testing.T) {
	e, fs := newTestEngine(t)

	_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)

	sub, spec, err := e.Subscribe(1, ProfileMP3, "listener-1")
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, ProfileMP3, spec.Profile)

	fp := fs.last()
	_, err = fp.writers[0].Write([]byte("encoded audio"))
	require.NoError(t, err)

	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "encoded audio", string(data))
}

func TestWaitForFirstChunk(t *testing.T) {
	e, fs := newTestEngine(t)

	_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)

	err = e.WaitForFirstChunk(1, 50*time.Millisecond)
	assert.Error(t, err, "no audio yet")

	_, err = fs.last().writers[0].Write([]byte("x"))
	require.NoError(t, err)

	assert.NoError(t, e.WaitForFirstChunk(1, time.Second))
}

func TestUnexpectedExitEmitsTermination(t *testing.T) {
	e, fs := newTestEngine(t)

	_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)

	sub, _, err := e.Subscribe(1, ProfileMP3, "listener-1")
	require.NoError(t, err)

	fs.last().exit(1)

	select {
	case ev := <-e.Events():
		assert.Equal(t, 1, ev.ZoneID)
		assert.Empty(t, ev.Reason)
		assert.Equal(t, 1, ev.ExitCode)
		assert.Error(t, ev.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("no termination event")
	}

	<-sub.Done()
	assert.Error(t, sub.Err())
	assert.False(t, e.HasSession(1))
}

func TestCleanExitEndsStreamWithoutError(t *testing.T) {
	e, fs := newTestEngine(t)

	_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)

	sub, _, err := e.Subscribe(1, ProfileMP3, "listener-1")
	require.NoError(t, err)

	fp := fs.last()
	_, err = fp.writers[0].Write([]byte("last chunk"))
	require.NoError(t, err)
	fp.exit(0)

	select {
	case ev := <-e.Events():
		assert.NoError(t, ev.Err)
		assert.Zero(t, ev.ExitCode)
	case <-time.After(3 * time.Second):
		t.Fatal("no termination event")
	}

	// Queued audio drains before the close.
	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "last chunk", string(data))
	_, ok = sub.Recv()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())
}

func TestStopReportsReason(t *testing.T) {
	e, _ := newTestEngine(t)

	_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)

	require.NoError(t, e.Stop(1, ReasonPause, false))

	select {
	case ev := <-e.Events():
		assert.Equal(t, ReasonPause, ev.Reason)
		assert.True(t, ev.Reason.Intentional())
	case <-time.After(3 * time.Second):
		t.Fatal("no termination event")
	}
	assert.False(t, e.HasSession(1))
}

func TestStopWithoutSession(t *testing.T) {
	e, _ := newTestEngine(t)
	assert.ErrorIs(t, e.Stop(9, ReasonStop, false), ErrNoSession)
}

func TestLiveInputRestartsAfterFailure(t *testing.T) {
	e, fs := newTestEngine(t)

	opts := StartOptions{
		ZoneID: 1,
		Input: source.PlaybackSource{URL: &source.URLSource{
			URL:              "http://radio.example/stream",
			RealTime:         true,
			RestartOnFailure: true,
		}},
		Outputs: []OutputSpec{
			{Profile: ProfileMP3, SampleRate: 44100, Channels: 2, Bitrate: 192},
		},
	}
	_, _, err := e.Start(opts)
	require.NoError(t, err)

	sub, _, err := e.Subscribe(1, ProfileMP3, "listener-1")
	require.NoError(t, err)
	defer sub.Close()

	fs.last().exit(1)

	// A second pipeline comes up after backoff; the subscriber stays
	// attached and keeps receiving.
	second := fs.waitForSpawn(t, 2)
	_, err = second.writers[0].Write([]byte("back on air"))
	require.NoError(t, err)

	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "back on air", string(data))

	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected termination event during restart: %+v", ev)
	default:
	}
}

func TestHandoffMigratesSubscribers(t *testing.T) {
	e, fs := newTestEngine(t)

	_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)

	sub, _, err := e.Subscribe(1, ProfileMP3, "listener-1")
	require.NoError(t, err)
	defer sub.Close()

	next, err := e.StartWithHandoff(fileOpts(1, "/music/b.mp3"))
	require.NoError(t, err)
	assert.Equal(t, 1, next.Fanout(ProfileMP3).SubscriberCount())

	_, err = fs.last().writers[0].Write([]byte("new track"))
	require.NoError(t, err)

	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "new track", string(data))

	select {
	case ev := <-e.Events():
		assert.Equal(t, ReasonHandoff, ev.Reason)
	case <-time.After(3 * time.Second):
		t.Fatal("no handoff termination event")
	}
}

func TestHandoffWithoutSessionFails(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.StartWithHandoff(fileOpts(1, "/music/a.mp3"))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionStatsSnapshot(t *testing.T) {
	e, fs := newTestEngine(t)

	_, _, err := e.Start(fileOpts(1, "/music/a.mp3"))
	require.NoError(t, err)

	_, err = fs.last().writers[0].Write([]byte("12345"))
	require.NoError(t, err)
	require.NoError(t, e.WaitForFirstChunk(1, time.Second))

	stats := e.SessionStats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].ZoneID)
	assert.Equal(t, int64(5), stats[0].Bytes[string(ProfileMP3)])
}
