/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package proxy

import (
	"net/url"
	"strings"
)

// RewritePlaylist rewrites every media reference in an M3U/M3U8/PLS
// document to its proxied form so nested playlist and segment fetches
// stay inside the proxy. Relative references resolve against base.
// Line endings and comment lines are preserved byte for byte, except
// HLS tag attributes carrying URI="..." which are rewritten in place.
func RewritePlaylist(body string, base *url.URL, encodedHeaders string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		suffix := line[len(trimmed):]

		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			lines[i] = rewriteTagURI(trimmed, base, encodedHeaders) + suffix
		case isPLSEntry(trimmed):
			key, value, _ := strings.Cut(trimmed, "=")
			lines[i] = key + "=" + rewriteRef(value, base, encodedHeaders) + suffix
		case looksLikePLSDirective(trimmed):
			continue
		default:
			lines[i] = rewriteRef(trimmed, base, encodedHeaders) + suffix
		}
	}
	return strings.Join(lines, "\n")
}

// rewriteRef resolves one media reference and proxies it. Unparseable
// references are left alone.
func rewriteRef(ref string, base *url.URL, encodedHeaders string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	abs := u
	if !u.IsAbs() {
		abs = base.ResolveReference(u)
	}
	return ProxyURL(abs.String(), encodedHeaders)
}

// rewriteTagURI rewrites URI="..." attributes on HLS tags such as
// EXT-X-KEY, EXT-X-MEDIA and EXT-X-MAP.
func rewriteTagURI(line string, base *url.URL, encodedHeaders string) string {
	const marker = `URI="`
	var out strings.Builder
	rest := line
	for {
		idx := strings.Index(rest, marker)
		if idx < 0 {
			out.WriteString(rest)
			return out.String()
		}
		out.WriteString(rest[:idx+len(marker)])
		rest = rest[idx+len(marker):]

		end := strings.Index(rest, `"`)
		if end < 0 {
			out.WriteString(rest)
			return out.String()
		}
		out.WriteString(rewriteRef(rest[:end], base, encodedHeaders))
		rest = rest[end:]
	}
}

// isPLSEntry matches FileN=... lines of a PLS playlist.
func isPLSEntry(line string) bool {
	if !strings.HasPrefix(line, "File") {
		return false
	}
	eq := strings.Index(line, "=")
	if eq <= len("File") {
		return false
	}
	for _, r := range line[len("File"):eq] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// looksLikePLSDirective skips PLS structure lines ([playlist],
// TitleN=, LengthN=, NumberOfEntries, Version) that carry no URL.
func looksLikePLSDirective(line string) bool {
	if strings.HasPrefix(line, "[") {
		return true
	}
	key, _, found := strings.Cut(line, "=")
	if !found {
		return false
	}
	key = strings.TrimRight(key, "0123456789")
	switch key {
	case "Title", "Length", "NumberOfEntries", "Version":
		return true
	}
	return false
}
