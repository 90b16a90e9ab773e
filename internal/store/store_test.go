/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "zonecast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOutputBindingRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, found, err := s.OutputBinding(3)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveOutputBinding(OutputBinding{
		ZoneID:  3,
		Driver:  "sonos",
		Host:    "192.168.1.40",
		Options: map[string]string{"room": "kitchen"},
	}))

	b, found, err := s.OutputBinding(3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sonos", b.Driver)
	assert.Equal(t, "kitchen", b.Options["room"])

	// Save replaces in place.
	b.Host = "192.168.1.41"
	require.NoError(t, s.SaveOutputBinding(b))
	all, err := s.OutputBindings()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "192.168.1.41", all[0].Host)

	require.NoError(t, s.DeleteOutputBinding(3))
	_, found, err = s.OutputBinding(3)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAudioOverrideRoundTrip(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveAudioOverride(AudioOverride{
		ZoneID:      7,
		SampleRate:  48000,
		PCMBitDepth: 24,
	}))

	o, found, err := s.AudioOverride(7)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 48000, o.SampleRate)
	assert.Equal(t, 24, o.PCMBitDepth)
	assert.Zero(t, o.Channels)

	require.NoError(t, s.DeleteAudioOverride(7))
	_, found, err = s.AudioOverride(7)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGroupPersistence(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveGroup("g1", 1, []int{1, 2, 3}))
	require.NoError(t, s.SaveGroup("g2", 4, []int{4, 5}))
	require.NoError(t, s.SaveGroup("g1", 1, []int{1, 2}))

	groups, err := s.Groups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "g1", groups[0].ID)
	assert.Equal(t, []int{1, 2}, groups[0].Members)
	assert.Equal(t, 4, groups[1].Leader)

	require.NoError(t, s.DeleteGroup("g2"))
	groups, err = s.Groups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
}
