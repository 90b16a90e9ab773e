/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gateway

import (
	"encoding/binary"

	"github.com/friendsincode/zonecast/internal/engine"
)

const wavHeaderSize = 44

// wavHeader builds a canonical RIFF/WAVE header for the raw PCM profile.
// dataLen caps at the RIFF 32-bit field; endless streams pass the forced
// content length or the maximum.
func wavHeader(spec engine.OutputSpec, dataLen int64) []byte {
	const max = int64(^uint32(0)) - wavHeaderSize
	if dataLen <= 0 || dataLen > max {
		dataLen = max
	}

	blockAlign := spec.Channels * spec.BitDepth / 8
	byteRate := spec.SampleRate * blockAlign

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(dataLen)+36)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(spec.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(spec.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], uint16(spec.BitDepth))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(dataLen))
	return h
}
