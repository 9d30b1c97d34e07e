// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imp

import "math"

// Schedule maps a training epoch to the cumulative pruning rate to apply at
// that epoch. Pruning events happen every `interval` epochs and there are
// `steps` discrete events to ramp from 0 up to targetSparsity; the returned
// rate must be 0 before the first event, monotonically non-decreasing in
// epoch, and reach targetSparsity at (or before) event index `steps`.
//
// The controller only consults the schedule at pruning epochs
// (epoch % interval == 0), but implementations must be well-defined -- and
// monotonic -- for every epoch.
type Schedule func(epoch int, targetSparsity float64, interval, steps int) float64

// geometricDecay is the per-event decay factor of GeometricSchedule: each
// pruning event closes half of the remaining (normalized) distance to the
// target.
const geometricDecay = 0.5

// GeometricSchedule is the default pruning-rate schedule: an exponential ramp
//
//	rate(k) = target * (1 - q^k) / (1 - q^steps),  q = 0.5
//
// where k = epoch/interval is the pruning-event index (integer division).
// Early events remove large fractions of the remaining budget and later
// events refine, which gives the surviving weights more fine-tuning time at
// high sparsity. rate(0) = 0, rate is strictly increasing at each event up to
// k = steps where it reaches exactly target, and it is clamped to target
// afterwards.
func GeometricSchedule(epoch int, targetSparsity float64, interval, steps int) float64 {
	if interval <= 0 || steps <= 0 {
		return 0
	}
	k := epoch / interval
	if k <= 0 {
		return 0
	}
	if k >= steps {
		return targetSparsity
	}
	q := geometricDecay
	return targetSparsity * (1 - math.Pow(q, float64(k))) / (1 - math.Pow(q, float64(steps)))
}
