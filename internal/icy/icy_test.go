/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package icy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBlockFraming(t *testing.T) {
	tests := []struct {
		name   string
		meta   Metadata
		expect string
	}{
		{"artist and title", Metadata{Artist: "Artist", Title: "Title"}, "StreamTitle='Artist - Title';"},
		{"title only", Metadata{Title: "News"}, "StreamTitle='News';"},
		{"artist only", Metadata{Artist: "Station"}, "StreamTitle='Station';"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block, err := FormatBlock(tt.meta)
			require.NoError(t, err)

			// Total length L: L-1 is a multiple of 16, first byte is (L-1)/16.
			require.NotEmpty(t, block)
			payloadLen := len(block) - 1
			assert.Equal(t, 0, payloadLen%16)
			assert.Equal(t, byte(payloadLen/16), block[0])
			assert.LessOrEqual(t, len(block), 255*16+1)

			payload := block[1:]
			assert.True(t, bytes.HasPrefix(payload, []byte(tt.expect)))
			for _, b := range payload[len(tt.expect):] {
				assert.Equal(t, byte(0), b)
			}
		})
	}
}

func TestFormatBlockEmpty(t *testing.T) {
	block, err := FormatBlock(Metadata{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, block)
}

func TestRoundTrip(t *testing.T) {
	tests := []Metadata{
		{Artist: "Artist", Title: "Title"},
		{Artist: "A", Title: "B - C"}, // separator in the title half survives
		{Title: "Standalone"},
	}

	for _, meta := range tests {
		block, err := FormatBlock(meta)
		require.NoError(t, err)

		got, ok := ParsePayload(block[1:])
		require.True(t, ok)
		if meta.Artist == "" {
			assert.Equal(t, meta.Title, got.Title)
		} else {
			assert.Equal(t, meta, got)
		}
	}
}

func TestParsePayloadWithoutTerminator(t *testing.T) {
	got, ok := ParsePayload([]byte("StreamTitle='Artist - Song'"))
	require.True(t, ok)
	assert.Equal(t, "Artist", got.Artist)
	assert.Equal(t, "Song", got.Title)
}

func TestParsePayloadGarbage(t *testing.T) {
	_, ok := ParsePayload([]byte("\x00\x00\x00"))
	assert.False(t, ok)
}

func TestSplitStreamTitle(t *testing.T) {
	m := SplitStreamTitle("Miles Davis - So What")
	assert.Equal(t, "Miles Davis", m.Artist)
	assert.Equal(t, "So What", m.Title)

	m = SplitStreamTitle("Jingle")
	assert.Empty(t, m.Artist)
	assert.Equal(t, "Jingle", m.Title)
}
