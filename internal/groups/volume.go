/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package groups

import "math"

// volumeEpsilon terminates the spread iteration once the clamped-away
// remainder is inaudible.
const volumeEpsilon = 1e-4

// maxSpreadIterations bounds the redistribution loop.
const maxSpreadIterations = 10

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// spreadVolume moves every member volume by the same delta so the mean
// approaches target. Members clamped at 0 or 100 stop moving; the
// volume lost to clamping is redistributed across the members still
// free, for up to maxSpreadIterations rounds.
func spreadVolume(vols []float64, target float64) []float64 {
	out := append([]float64(nil), vols...)
	if len(out) == 0 {
		return out
	}

	var sum float64
	for _, v := range out {
		sum += v
	}
	delta := target - sum/float64(len(out))

	clamped := make([]bool, len(out))
	for iter := 0; iter < maxSpreadIterations; iter++ {
		if math.Abs(delta) < volumeEpsilon {
			break
		}
		var lost float64
		free := 0
		for i := range out {
			if clamped[i] {
				continue
			}
			v := out[i] + delta
			switch {
			case v > 100:
				lost += v - 100
				v = 100
				clamped[i] = true
			case v < 0:
				lost += v
				v = 0
				clamped[i] = true
			default:
				free++
			}
			out[i] = v
		}
		if free == 0 || math.Abs(lost) < volumeEpsilon {
			break
		}
		delta = lost / float64(free)
	}
	return out
}
