/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/friendsincode/zonecast/internal/source"
)

// buildArgs assembles the ffmpeg command line for an engine session.
// The first output goes to pipe:1; additional outputs use inherited
// descriptors starting at fd 3 (wired through ExtraFiles).
func buildArgs(input source.PlaybackSource, outputs []OutputSpec) []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "warning"}
	args = append(args, inputArgs(input)...)

	for i, out := range outputs {
		args = append(args, outputArgs(out)...)
		if i == 0 {
			args = append(args, "pipe:1")
		} else {
			args = append(args, fmt.Sprintf("pipe:%d", 2+i))
		}
	}
	return args
}

func inputArgs(input source.PlaybackSource) []string {
	var args []string

	switch input.Kind() {
	case source.KindFile:
		f := input.File
		if f.RealTime {
			args = append(args, "-re")
		}
		if f.StartAtSec > 0 {
			args = append(args, "-ss", strconv.Itoa(f.StartAtSec))
		}
		if f.Loop {
			args = append(args, "-stream_loop", "-1")
		}
		args = append(args, "-i", f.Path)
		if f.PadTailSec > 0 {
			args = append(args, "-af", fmt.Sprintf("apad=pad_dur=%d", f.PadTailSec))
		}

	case source.KindURL:
		u := input.URL
		if u.RealTime {
			args = append(args, "-re")
		}
		if u.LowLatency {
			args = append(args, "-fflags", "nobuffer", "-flags", "low_delay")
		}
		if u.RestartOnFailure {
			// In-process reconnects for transient hiccups; the session
			// supervisor handles full process restarts.
			args = append(args, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5")
		}
		if len(u.Headers) > 0 {
			args = append(args, "-headers", formatHeaders(u.Headers))
		}
		if u.DecryptionKey != "" {
			args = append(args, "-decryption_key", u.DecryptionKey)
		}
		if u.TLSVerifyHost != "" {
			args = append(args, "-tls_verify", "1", "-verifyhost", u.TLSVerifyHost)
		}
		if u.InputFormat != "" {
			args = append(args, "-f", u.InputFormat)
		}
		if u.StartAtSec > 0 {
			args = append(args, "-ss", strconv.Itoa(u.StartAtSec))
		}
		args = append(args, "-i", u.URL)

	case source.KindPipe:
		p := input.Pipe
		if p.RealTime {
			args = append(args, "-re")
		}
		args = append(args,
			"-f", string(p.Format),
			"-ar", strconv.Itoa(p.SampleRate),
			"-ac", strconv.Itoa(p.Channels),
		)
		if p.Stream != nil {
			args = append(args, "-i", "pipe:0")
		} else {
			args = append(args, "-i", p.Path)
		}
	}

	return args
}

func outputArgs(out OutputSpec) []string {
	args := []string{"-map", "0:a"}

	switch out.Profile {
	case ProfileMP3:
		args = append(args, "-c:a", "libmp3lame", "-b:a", fmt.Sprintf("%dk", out.Bitrate), "-f", "mp3")
	case ProfileAAC:
		args = append(args, "-c:a", "aac", "-b:a", fmt.Sprintf("%dk", out.Bitrate), "-f", "adts")
	case ProfilePCM:
		var codec string
		switch out.BitDepth {
		case 24:
			codec = "s24le"
		case 32:
			codec = "s32le"
		default:
			codec = "s16le"
		}
		args = append(args, "-c:a", "pcm_"+codec, "-f", codec)
	}

	if out.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(out.SampleRate))
	}
	if out.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(out.Channels))
	}
	return args
}

// formatHeaders renders request headers in ffmpeg's CRLF-joined form,
// sorted for a stable command line.
func formatHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	return b.String()
}
