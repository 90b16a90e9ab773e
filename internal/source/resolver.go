/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package source

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Resolver maps opaque content URIs to playback sources. It is pure and
// performs no I/O; unknown schemes resolve to nil.
type Resolver struct {
	// LocalStreamBase is the local gateway base URL proxied radio
	// requests are routed through (e.g. http://127.0.0.1:8890).
	LocalStreamBase string
}

// Radio streams are recognized by scheme or by host patterns common to
// Shoutcast/Icecast directories.
var radioHostPattern = regexp.MustCompile(`(?i)(^|\.)(radio|stream(ing)?|ice(cast)?|shoutcast|listen)[\w-]*\.|:8000$|\.pls$|\.m3u8?$`)

// Resolve maps uri onto a PlaybackSource for the given zone, or nil
// when the URI is not recognized.
func (r *Resolver) Resolve(zoneID int, uri string) *PlaybackSource {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(uri, "proxy:"):
		return r.resolveProxy(zoneID, uri)
	case strings.HasPrefix(uri, "pipe://"):
		return resolvePipe(uri)
	case strings.HasPrefix(uri, "file://"):
		return &PlaybackSource{File: &FileSource{Path: strings.TrimPrefix(uri, "file://")}}
	case strings.HasPrefix(uri, "/"):
		// Bare library path.
		return &PlaybackSource{File: &FileSource{Path: uri}}
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return resolveHTTP(uri)
	}
	return nil
}

// resolveProxy handles "proxy:/u=<encoded-url>" hand-offs. The stream is
// fetched through the local output stream proxy so ICY metadata can be
// intercepted and attributed to the zone.
func (r *Resolver) resolveProxy(zoneID int, uri string) *PlaybackSource {
	payload := strings.TrimPrefix(uri, "proxy:")
	payload = strings.TrimPrefix(payload, "/")
	payload = strings.TrimPrefix(payload, "u=")
	upstream, err := url.QueryUnescape(payload)
	if err != nil || upstream == "" {
		return nil
	}

	proxied := r.LocalStreamBase + "/streams/proxy?u=" + url.QueryEscape(upstream)
	return &PlaybackSource{URL: &URLSource{
		URL: proxied,
		Headers: map[string]string{
			"Icy-MetaData": "1",
			"X-Zone-Id":    strconv.Itoa(zoneID),
		},
		RealTime:         true,
		RestartOnFailure: true,
	}}
}

func resolveHTTP(uri string) *PlaybackSource {
	src := &URLSource{URL: uri}
	if parsed, err := url.Parse(uri); err == nil {
		if radioHostPattern.MatchString(parsed.Host) || radioHostPattern.MatchString(parsed.Path) {
			src.RealTime = true
			src.RestartOnFailure = true
			src.Headers = map[string]string{"Icy-MetaData": "1"}
		}
	}
	return &PlaybackSource{URL: src}
}

// resolvePipe handles "pipe://<path>?format=s16le&rate=44100&channels=2".
func resolvePipe(uri string) *PlaybackSource {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	q := parsed.Query()

	format := PCMFormat(q.Get("format"))
	if format == "" {
		format = PCMS16LE
	}
	rate, _ := strconv.Atoi(q.Get("rate"))
	if rate == 0 {
		rate = 44100
	}
	channels, _ := strconv.Atoi(q.Get("channels"))
	if channels == 0 {
		channels = 2
	}

	path := parsed.Host + parsed.Path
	if path == "" {
		return nil
	}

	src := &PlaybackSource{Pipe: &PipeSource{
		Path:       path,
		Format:     format,
		SampleRate: rate,
		Channels:   channels,
		RealTime:   q.Get("realtime") != "0",
	}}
	if src.Validate() != nil {
		return nil
	}
	return src
}
