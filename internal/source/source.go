/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package source defines playback input descriptions and the resolver
// that maps opaque content URIs onto them.
package source

import (
	"fmt"
	"io"
)

// Kind discriminates the PlaybackSource variants.
type Kind string

const (
	KindFile Kind = "file"
	KindURL  Kind = "url"
	KindPipe Kind = "pipe"
)

// PCMFormat enumerates raw sample layouts accepted on pipe inputs.
type PCMFormat string

const (
	PCMS16LE PCMFormat = "s16le"
	PCMS24LE PCMFormat = "s24le"
	PCMS32LE PCMFormat = "s32le"
)

// FileSource reads a local library file.
type FileSource struct {
	Path       string
	Loop       bool
	PadTailSec int
	PreDelayMs int
	StartAtSec int
	RealTime   bool
}

// URLSource reads a remote HTTP(S) resource.
type URLSource struct {
	URL              string
	Headers          map[string]string
	DecryptionKey    string
	TLSVerifyHost    string
	InputFormat      string
	StartAtSec       int
	RealTime         bool
	LowLatency       bool
	RestartOnFailure bool
}

// PipeSource reads raw PCM from an in-process stream or named pipe.
type PipeSource struct {
	Path       string
	Format     PCMFormat
	SampleRate int
	Channels   int
	RealTime   bool
	Stream     io.ReadCloser
}

// PlaybackSource is a tagged variant: exactly one of File, URL, Pipe is set.
type PlaybackSource struct {
	File *FileSource
	URL  *URLSource
	Pipe *PipeSource
}

// Kind returns the populated variant's kind.
func (s PlaybackSource) Kind() Kind {
	switch {
	case s.File != nil:
		return KindFile
	case s.URL != nil:
		return KindURL
	default:
		return KindPipe
	}
}

// Validate checks the single-variant invariant and field constraints.
func (s PlaybackSource) Validate() error {
	count := 0
	if s.File != nil {
		count++
		if s.File.Path == "" {
			return fmt.Errorf("file source: path required")
		}
		if s.File.StartAtSec < 0 {
			return fmt.Errorf("file source: startAtSec must be >= 0")
		}
	}
	if s.URL != nil {
		count++
		if s.URL.URL == "" {
			return fmt.Errorf("url source: url required")
		}
		if s.URL.StartAtSec < 0 {
			return fmt.Errorf("url source: startAtSec must be >= 0")
		}
	}
	if s.Pipe != nil {
		count++
		if s.Pipe.SampleRate <= 0 {
			return fmt.Errorf("pipe source: sampleRate must be positive")
		}
		if s.Pipe.Channels != 1 && s.Pipe.Channels != 2 {
			return fmt.Errorf("pipe source: channels must be 1 or 2")
		}
		switch s.Pipe.Format {
		case PCMS16LE, PCMS24LE, PCMS32LE:
		default:
			return fmt.Errorf("pipe source: unsupported format %q", s.Pipe.Format)
		}
	}
	if count != 1 {
		return fmt.Errorf("playback source must have exactly one variant, got %d", count)
	}
	return nil
}

// StartAt returns the variant's start offset; pipes always start at zero.
func (s PlaybackSource) StartAt() int {
	switch {
	case s.File != nil:
		return s.File.StartAtSec
	case s.URL != nil:
		return s.URL.StartAtSec
	default:
		return 0
	}
}

// WithStartAt returns a copy with the start offset replaced.
// Pipes are returned unchanged.
func (s PlaybackSource) WithStartAt(sec int) PlaybackSource {
	switch {
	case s.File != nil:
		f := *s.File
		f.StartAtSec = sec
		return PlaybackSource{File: &f}
	case s.URL != nil:
		u := *s.URL
		u.StartAtSec = sec
		return PlaybackSource{URL: &u}
	default:
		return s
	}
}

// IsRealTime reports whether the input is paced at real time.
func (s PlaybackSource) IsRealTime() bool {
	switch {
	case s.File != nil:
		return s.File.RealTime
	case s.URL != nil:
		return s.URL.RealTime
	case s.Pipe != nil:
		return s.Pipe.RealTime
	}
	return false
}

// Equal implements the reuse-vs-restart source equivalence of the
// audio manager: files compare path/realTime/startAt, urls compare
// url/headers/key/format/tls/startAt, pipes compare stream identity
// when present, otherwise path.
func (s PlaybackSource) Equal(other PlaybackSource) bool {
	if s.Kind() != other.Kind() {
		return false
	}
	switch s.Kind() {
	case KindFile:
		a, b := s.File, other.File
		return a.Path == b.Path && a.RealTime == b.RealTime && a.StartAtSec == b.StartAtSec
	case KindURL:
		a, b := s.URL, other.URL
		if a.URL != b.URL || a.DecryptionKey != b.DecryptionKey ||
			a.InputFormat != b.InputFormat || a.TLSVerifyHost != b.TLSVerifyHost ||
			a.StartAtSec != b.StartAtSec {
			return false
		}
		return equalHeaders(a.Headers, b.Headers)
	default:
		a, b := s.Pipe, other.Pipe
		if a.Stream != nil || b.Stream != nil {
			return a.Stream == b.Stream
		}
		return a.Path == b.Path
	}
}

func equalHeaders(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Label is a short human readable description used in logs and errors.
func (s PlaybackSource) Label() string {
	switch {
	case s.File != nil:
		return "file:" + s.File.Path
	case s.URL != nil:
		return "url:" + s.URL.URL
	case s.Pipe != nil:
		if s.Pipe.Path != "" {
			return "pipe:" + s.Pipe.Path
		}
		return "pipe:stream"
	}
	return "none"
}
