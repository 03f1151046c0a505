// Package adapt provides adaptive CELT bitrate selection and mixer delay
// depth tuning based on connection quality metrics.
package adapt

import "math"

// Ladder is the ordered list of CELT target bitrate steps in bits/s.
// The range covers from barely-intelligible emergency quality (8 kbps, the
// bandwidth governor's floor) up to high-fidelity voice (72 kbps).
var Ladder = []int{8000, 12000, 16000, 24000, 32000, 40000, 48000, 72000}

// DefaultBitrate is the starting bitrate for a new connection.
const DefaultBitrate = 40000

// NextBitrate returns the next CELT target bitrate (bits/s) to use, given
// the current encoder setting and the connection quality observed over the
// last measurement interval. The result is a quality target only; the
// server's bandwidth ceiling is enforced separately and may clamp it
// further.
//
// Adaptation rules:
//   - Step DOWN one rung when packet loss exceeds 5%.
//   - Step UP  one rung when loss < 1% and RTT > 0 and RTT < 150 ms.
//     (RTT == 0 means no measurement yet; hold rather than assume a great link.)
//   - Otherwise HOLD the current rung.
//
// The function always returns a value that is in Ladder.
func NextBitrate(current int, lossRate float64, rttMs float64) int {
	idx := stepIndex(current)
	switch {
	case lossRate > 0.05 && idx > 0:
		return Ladder[idx-1]
	case lossRate < 0.01 && rttMs > 0 && rttMs < 150 && idx < len(Ladder)-1:
		return Ladder[idx+1]
	default:
		return Ladder[idx]
	}
}

// stepIndex returns the index of the Ladder rung closest to bps.
func stepIndex(bps int) int {
	best, bestDist := 0, iabs(bps-Ladder[0])
	for i, step := range Ladder {
		if d := iabs(bps - step); d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

func iabs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// DefaultDelayDepth is the mixer delay depth used when no jitter data is
// available (e.g. before any voice packets have been timed). 10 frames =
// 100 ms, enough for typical internet paths without a noticeable lag on
// the relayed stream.
const DefaultDelayDepth = 10

const (
	frameDurationMs = 10.0 // one CELT frame = 10 ms
	minDepth        = 1
	maxDepth        = 100
)

// TargetDelayDepth computes the mixer delay depth (in 10 ms frames) from
// the measured round-trip jitter (ms) and loss rate (0.0–1.0).
//
// Depth = ceil(jitterMs / 10) + 1, with a 2-frame bonus when loss > 5%.
// Returns DefaultDelayDepth when jitterMs is 0 (no measurement).
// Result is clamped to [1, 100].
func TargetDelayDepth(jitterMs float64, lossRate float64) int {
	if jitterMs <= 0 {
		return DefaultDelayDepth
	}
	depth := int(math.Ceil(jitterMs/frameDurationMs)) + 1
	if lossRate > 0.05 {
		depth += 2
	}
	if depth < minDepth {
		depth = minDepth
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	return depth
}

// SmoothLoss applies exponentially weighted moving average smoothing to a
// raw packet loss measurement. alpha controls the weight of the new sample
// (0.0 = ignore new, 1.0 = ignore old). Typical alpha: 0.3.
func SmoothLoss(smoothed, raw, alpha float64) float64 {
	return alpha*raw + (1-alpha)*smoothed
}
