/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gateway

import (
	"io"

	"github.com/friendsincode/zonecast/internal/icy"
)

// icyWriter interleaves metadata blocks into an audio stream at a fixed
// byte cadence. The metadata callback is polled at each block boundary;
// an unchanged title produces the 1-byte empty block.
type icyWriter struct {
	w       io.Writer
	metaint int
	current func() icy.Metadata

	untilMeta int
	lastTitle string
}

func newIcyWriter(w io.Writer, metaint int, current func() icy.Metadata) *icyWriter {
	if metaint <= 0 {
		metaint = icy.DefaultMetaInt
	}
	return &icyWriter{
		w:         w,
		metaint:   metaint,
		current:   current,
		untilMeta: metaint,
	}
}

func (iw *icyWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > iw.untilMeta {
			n = iw.untilMeta
		}
		wrote, err := iw.w.Write(p[:n])
		total += wrote
		if err != nil {
			return total, err
		}
		iw.untilMeta -= n
		p = p[n:]

		if iw.untilMeta == 0 {
			if err := iw.writeMeta(); err != nil {
				return total, err
			}
			iw.untilMeta = iw.metaint
		}
	}
	return total, nil
}

func (iw *icyWriter) writeMeta() error {
	m := iw.current()
	title := m.StreamTitle()
	if title == iw.lastTitle {
		_, err := iw.w.Write(icy.EmptyBlock())
		return err
	}
	block, err := icy.FormatBlock(m)
	if err != nil {
		// Oversized title; skip the update rather than corrupt framing.
		block = icy.EmptyBlock()
	}
	iw.lastTitle = title
	_, err = iw.w.Write(block)
	return err
}
