/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package proxy

import (
	"io"
	"net/http"
	"strconv"

	"github.com/friendsincode/zonecast/internal/events"
	"github.com/friendsincode/zonecast/internal/icy"
	"github.com/friendsincode/zonecast/internal/telemetry"
)

// serveWithICY relays a live audio stream while consuming the in-band
// metadata frames: audio reaches the client clean, StreamTitle updates
// are attributed to the zone. Consecutive duplicates are suppressed.
func (p *Handler) serveWithICY(w http.ResponseWriter, resp *http.Response, zoneID int) {
	metaint, _ := strconv.Atoi(resp.Header.Get("icy-metaint"))

	// The metadata framing is removed, so the icy headers must not be
	// forwarded.
	copyHeader(w.Header(), resp.Header, "Content-Type", "icy-name", "icy-br")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	logger := p.logger.With().Int("zone", zoneID).Logger()
	var lastTitle string
	audio := make([]byte, 32*1024)

	for {
		remaining := metaint
		for remaining > 0 {
			chunk := audio
			if remaining < len(chunk) {
				chunk = chunk[:remaining]
			}
			n, err := resp.Body.Read(chunk)
			if n > 0 {
				if _, werr := w.Write(chunk[:n]); werr != nil {
					telemetry.ProxyRequests.WithLabelValues("icy", "ok").Inc()
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
				remaining -= n
			}
			if err != nil {
				result := "ok"
				if err != io.EOF {
					result = "error"
					logger.Debug().Err(err).Msg("upstream read ended")
				}
				telemetry.ProxyRequests.WithLabelValues("icy", result).Inc()
				return
			}
		}

		meta, ok, err := readMetaFrame(resp.Body)
		if err != nil {
			telemetry.ProxyRequests.WithLabelValues("icy", "error").Inc()
			return
		}
		title := meta.StreamTitle()
		if !ok || title == "" || title == lastTitle {
			continue
		}
		lastTitle = title
		logger.Debug().Str("artist", meta.Artist).Str("title", meta.Title).Msg("radio metadata update")
		p.bus.Publish(events.EventRadioMetadata, events.Payload{
			"zone_id": zoneID,
			"artist":  meta.Artist,
			"title":   meta.Title,
		})
	}
}

// readMetaFrame consumes one metadata frame. ok is false for the zero
// block and for frames without a StreamTitle.
func readMetaFrame(r io.Reader) (icy.Metadata, bool, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return icy.Metadata{}, false, err
	}
	size := int(lenByte[0]) * 16
	if size == 0 {
		return icy.Metadata{}, false, nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return icy.Metadata{}, false, err
	}
	meta, ok := icy.ParsePayload(payload)
	return meta, ok, nil
}
