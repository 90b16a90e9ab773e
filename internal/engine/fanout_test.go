/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() OutputSpec {
	return OutputSpec{Profile: ProfileMP3, SampleRate: 44100, Channels: 2, Bitrate: 192}
}

func TestFanoutDeliversChunksInOrder(t *testing.T) {
	f := NewFanout(1, testSpec(), 1024, 4096, zerolog.Nop())
	sub := f.Subscribe("s1", false)
	defer sub.Close()

	f.Broadcast([]byte("aaa"))
	f.Broadcast([]byte("bbb"))
	f.Broadcast([]byte("ccc"))

	for _, want := range []string{"aaa", "bbb", "ccc"} {
		data, ok := sub.Recv()
		require.True(t, ok)
		assert.Equal(t, want, string(data))
	}
}

func TestFanoutSeedsTailToNewSubscribers(t *testing.T) {
	f := NewFanout(1, testSpec(), 1024, 4096, zerolog.Nop())

	f.Broadcast([]byte("early"))
	f.Broadcast([]byte("late"))

	sub := f.Subscribe("s1", true)
	defer sub.Close()

	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "earlylate", string(data))
}

func TestFanoutTailKeepsMostRecentBytes(t *testing.T) {
	f := NewFanout(1, testSpec(), 8, 4096, zerolog.Nop())

	f.Broadcast([]byte("01234567"))
	f.Broadcast([]byte("abcd"))

	sub := f.Subscribe("s1", true)
	defer sub.Close()

	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "4567abcd", string(data))
}

func TestFanoutDropsWholeChunksWhenSubscriberIsSlow(t *testing.T) {
	f := NewFanout(1, testSpec(), 1024, 10, zerolog.Nop())
	sub := f.Subscribe("s1", false)
	defer sub.Close()

	chunk := bytes.Repeat([]byte("x"), 6)
	f.Broadcast(chunk) // queued: 6 bytes
	f.Broadcast(chunk) // would exceed the 10 byte bound, dropped whole
	f.Broadcast(chunk) // still dropped

	assert.Equal(t, int64(2), sub.drops.Load())

	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Len(t, data, 6, "delivered chunks stay whole")

	// With the queue drained the next chunk goes through again.
	f.Broadcast(chunk)
	data, ok = sub.Recv()
	require.True(t, ok)
	assert.Len(t, data, 6)
}

func TestFanoutFinishDrainsQueuedAudio(t *testing.T) {
	f := NewFanout(1, testSpec(), 1024, 4096, zerolog.Nop())
	sub := f.Subscribe("s1", false)

	f.Broadcast([]byte("tailend"))
	f.Finish(nil)

	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "tailend", string(data))

	_, ok = sub.Recv()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())
}

func TestFanoutFinishWithErrorPropagates(t *testing.T) {
	f := NewFanout(1, testSpec(), 1024, 4096, zerolog.Nop())
	sub := f.Subscribe("s1", false)

	streamErr := errors.New("pipeline died")
	f.Finish(streamErr)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not released after Finish")
	}
	assert.ErrorIs(t, sub.Err(), streamErr)
}

func TestFanoutSubscribeAfterFinishEndsImmediately(t *testing.T) {
	f := NewFanout(1, testSpec(), 1024, 4096, zerolog.Nop())
	f.Finish(nil)

	sub := f.Subscribe("s1", true)
	_, ok := sub.Recv()
	assert.False(t, ok)
}

func TestFanoutMigrateKeepsSubscribersStreaming(t *testing.T) {
	old := NewFanout(1, testSpec(), 1024, 4096, zerolog.Nop())
	next := NewFanout(1, testSpec(), 1024, 4096, zerolog.Nop())

	sub := old.Subscribe("s1", false)
	old.Broadcast([]byte("before"))

	old.Migrate(next)
	next.Broadcast([]byte("after"))

	data, ok := sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "before", string(data))

	data, ok = sub.Recv()
	require.True(t, ok)
	assert.Equal(t, "after", string(data))

	assert.Equal(t, 0, old.SubscriberCount())
	assert.Equal(t, 1, next.SubscriberCount())

	// Closing after migration detaches from the new fanout.
	sub.Close()
	assert.Equal(t, 0, next.SubscriberCount())
}

func TestFanoutFirstChunkSignal(t *testing.T) {
	f := NewFanout(1, testSpec(), 1024, 4096, zerolog.Nop())

	select {
	case <-f.FirstChunk():
		t.Fatal("first chunk signalled before any audio")
	default:
	}

	f.Broadcast([]byte("x"))

	select {
	case <-f.FirstChunk():
	case <-time.After(time.Second):
		t.Fatal("first chunk not signalled")
	}
}
