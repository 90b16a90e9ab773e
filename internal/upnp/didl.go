/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package upnp

import (
	"fmt"
	"strings"
)

// DIDLItem carries the track fields renderers read from
// CurrentURIMetaData.
type DIDLItem struct {
	Title        string
	Artist       string
	Album        string
	AlbumArtURI  string
	StreamURL    string
	ProtocolInfo string // e.g. "http-get:*:audio/mpeg:*"
	DurationSec  int    // 0 for live streams
	Class        string // defaults to object.item.audioItem.musicTrack
}

// BuildDIDL renders a single-item DIDL-Lite document.
func BuildDIDL(item DIDLItem) string {
	class := item.Class
	if class == "" {
		class = "object.item.audioItem.musicTrack"
	}

	var b strings.Builder
	b.WriteString(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"`)
	b.WriteString(` xmlns:dc="http://purl.org/dc/elements/1.1/"`)
	b.WriteString(` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`)
	b.WriteString(`<item id="0" parentID="-1" restricted="1">`)

	b.WriteString("<dc:title>")
	b.WriteString(EscapeXML(item.Title))
	b.WriteString("</dc:title>")
	b.WriteString("<upnp:class>")
	b.WriteString(class)
	b.WriteString("</upnp:class>")

	if item.Artist != "" {
		b.WriteString("<upnp:artist>")
		b.WriteString(EscapeXML(item.Artist))
		b.WriteString("</upnp:artist>")
		b.WriteString("<dc:creator>")
		b.WriteString(EscapeXML(item.Artist))
		b.WriteString("</dc:creator>")
	}
	if item.Album != "" {
		b.WriteString("<upnp:album>")
		b.WriteString(EscapeXML(item.Album))
		b.WriteString("</upnp:album>")
	}
	if item.AlbumArtURI != "" {
		b.WriteString("<upnp:albumArtURI>")
		b.WriteString(EscapeXML(item.AlbumArtURI))
		b.WriteString("</upnp:albumArtURI>")
	}

	b.WriteString(`<res protocolInfo="`)
	b.WriteString(EscapeXML(item.ProtocolInfo))
	b.WriteString(`"`)
	if item.DurationSec > 0 {
		b.WriteString(` duration="`)
		b.WriteString(formatDuration(item.DurationSec))
		b.WriteString(`"`)
	}
	b.WriteString(">")
	b.WriteString(EscapeXML(item.StreamURL))
	b.WriteString("</res>")

	b.WriteString("</item>")
	b.WriteString("</DIDL-Lite>")
	return b.String()
}

// formatDuration renders H:MM:SS as AVTransport expects.
func formatDuration(sec int) string {
	return fmt.Sprintf("%d:%02d:%02d", sec/3600, (sec/60)%60, sec%60)
}
