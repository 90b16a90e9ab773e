/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package icy implements the Shoutcast in-band metadata framing used by
// MP3 radio streams: a length byte (units of 16 bytes) followed by a
// NUL-padded "StreamTitle='...';" payload at every icy-metaint cadence.
package icy

import (
	"errors"
	"strings"
)

// DefaultMetaInt is the byte cadence between metadata blocks.
const DefaultMetaInt = 16000

// maxPayload is the largest payload a single length byte can describe.
const maxPayload = 255 * 16

var ErrBlockTooLarge = errors.New("icy: metadata exceeds 4080 bytes")

// Metadata is the artist/title pair carried in a StreamTitle frame.
type Metadata struct {
	Artist string
	Title  string
}

// StreamTitle renders the metadata as the conventional "artist - title"
// display string. Either half may be empty.
func (m Metadata) StreamTitle() string {
	switch {
	case m.Artist == "":
		return m.Title
	case m.Title == "":
		return m.Artist
	default:
		return m.Artist + " - " + m.Title
	}
}

// FormatBlock encodes a metadata block: first byte is payload length / 16,
// payload is "StreamTitle='...';" NUL-padded to a multiple of 16.
// An empty title yields the 1-byte zero block senders emit between updates.
func FormatBlock(m Metadata) ([]byte, error) {
	title := m.StreamTitle()
	if title == "" {
		return []byte{0}, nil
	}

	payload := "StreamTitle='" + strings.ReplaceAll(title, "'", "’") + "';"
	if len(payload) > maxPayload {
		return nil, ErrBlockTooLarge
	}

	padded := (len(payload) + 15) / 16 * 16
	block := make([]byte, 1+padded)
	block[0] = byte(padded / 16)
	copy(block[1:], payload)
	return block, nil
}

// EmptyBlock is the zero-length metadata block.
func EmptyBlock() []byte { return []byte{0} }

// ParsePayload extracts artist and title from a raw metadata payload
// (the bytes after the length byte, NUL padding included). The artist
// half is everything before the first " - " separator.
func ParsePayload(payload []byte) (Metadata, bool) {
	text := strings.TrimRight(string(payload), "\x00")
	const prefix = "StreamTitle='"
	start := strings.Index(text, prefix)
	if start < 0 {
		return Metadata{}, false
	}
	rest := text[start+len(prefix):]
	end := strings.Index(rest, "';")
	if end < 0 {
		// Some stations omit the trailing semicolon.
		end = strings.Index(rest, "'")
		if end < 0 {
			return Metadata{}, false
		}
	}
	return SplitStreamTitle(rest[:end]), true
}

// SplitStreamTitle splits a display string on the first " - " into
// artist and title. Without a separator the whole string is the title.
func SplitStreamTitle(s string) Metadata {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, " - "); idx >= 0 {
		return Metadata{
			Artist: strings.TrimSpace(s[:idx]),
			Title:  strings.TrimSpace(s[idx+3:]),
		}
	}
	return Metadata{Title: s}
}
