/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/zonecast/internal/source"
)

func TestBuildArgsFileInput(t *testing.T) {
	input := source.PlaybackSource{File: &source.FileSource{
		Path:       "/music/track.flac",
		RealTime:   true,
		StartAtSec: 42,
		PadTailSec: 2,
	}}
	outputs := []OutputSpec{{Profile: ProfileMP3, SampleRate: 44100, Channels: 2, Bitrate: 192}}

	args := strings.Join(buildArgs(input, outputs), " ")
	assert.Contains(t, args, "-re")
	assert.Contains(t, args, "-ss 42")
	assert.Contains(t, args, "-i /music/track.flac")
	assert.Contains(t, args, "apad=pad_dur=2")
	assert.Contains(t, args, "-c:a libmp3lame -b:a 192k -f mp3")
	assert.True(t, strings.HasSuffix(args, "pipe:1"))
}

func TestBuildArgsMultipleOutputsUseExtraDescriptors(t *testing.T) {
	input := source.PlaybackSource{File: &source.FileSource{Path: "/music/a.mp3"}}
	outputs := []OutputSpec{
		{Profile: ProfileMP3, SampleRate: 44100, Channels: 2, Bitrate: 192},
		{Profile: ProfileAAC, SampleRate: 48000, Channels: 2, Bitrate: 256},
		{Profile: ProfilePCM, SampleRate: 44100, Channels: 2, BitDepth: 16},
	}

	args := buildArgs(input, outputs)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "pipe:1")
	assert.Contains(t, joined, "pipe:3")
	assert.Contains(t, joined, "pipe:4")
	assert.NotContains(t, joined, "pipe:2", "fd 2 is stderr")
	assert.Contains(t, joined, "-c:a aac -b:a 256k -f adts")
	assert.Contains(t, joined, "-c:a pcm_s16le -f s16le")
}

func TestBuildArgsURLInput(t *testing.T) {
	input := source.PlaybackSource{URL: &source.URLSource{
		URL:              "https://radio.example/live",
		RealTime:         true,
		LowLatency:       true,
		RestartOnFailure: true,
		Headers: map[string]string{
			"Icy-MetaData": "1",
			"X-Zone-Id":    "3",
		},
	}}
	outputs := []OutputSpec{{Profile: ProfileMP3, Bitrate: 192}}

	joined := strings.Join(buildArgs(input, outputs), " ")
	assert.Contains(t, joined, "-fflags nobuffer -flags low_delay")
	assert.Contains(t, joined, "-reconnect 1")
	assert.Contains(t, joined, "Icy-MetaData: 1\r\nX-Zone-Id: 3\r\n")
	assert.Contains(t, joined, "-i https://radio.example/live")
}

func TestBuildArgsPipeInput(t *testing.T) {
	input := source.PlaybackSource{Pipe: &source.PipeSource{
		Path:       "/run/zonecast/zone3.pcm",
		Format:     source.PCMS16LE,
		SampleRate: 44100,
		Channels:   2,
		RealTime:   true,
	}}
	outputs := []OutputSpec{{Profile: ProfilePCM, SampleRate: 44100, Channels: 2, BitDepth: 16}}

	joined := strings.Join(buildArgs(input, outputs), " ")
	assert.Contains(t, joined, "-f s16le -ar 44100 -ac 2 -i /run/zonecast/zone3.pcm")
}

func TestFormatHeadersSorted(t *testing.T) {
	h := formatHeaders(map[string]string{"B": "2", "A": "1", "C": "3"})
	require.Equal(t, "A: 1\r\nB: 2\r\nC: 3\r\n", h)
}

func TestStartOptionsValidate(t *testing.T) {
	valid := fileOpts(1, "/music/a.mp3")
	assert.NoError(t, valid.Validate())

	noOutputs := valid
	noOutputs.Outputs = nil
	assert.Error(t, noOutputs.Validate())

	dup := valid
	dup.Outputs = []OutputSpec{
		{Profile: ProfileMP3, Bitrate: 192},
		{Profile: ProfileMP3, Bitrate: 320},
	}
	assert.Error(t, dup.Validate())

	badZone := valid
	badZone.ZoneID = 0
	assert.Error(t, badZone.Validate())
}

func TestSignatureIsOrderIndependent(t *testing.T) {
	a := StartOptions{Outputs: []OutputSpec{
		{Profile: ProfileMP3, Bitrate: 192},
		{Profile: ProfilePCM, SampleRate: 44100, Channels: 2, BitDepth: 16},
	}}
	b := StartOptions{Outputs: []OutputSpec{
		{Profile: ProfilePCM, SampleRate: 44100, Channels: 2, BitDepth: 16},
		{Profile: ProfileMP3, Bitrate: 192},
	}}
	assert.Equal(t, a.Signature(), b.Signature())
}
