// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imp

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evalLoss runs a loss function on the given logits and sparse labels and
// returns the mean per-example loss.
func evalLoss(t *testing.T, lossFn func(labels, predictions []*Node) *Node,
	logits [][]float32, labels []int64) float64 {
	t.Helper()
	backend := backends.MustNew()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, logits, labels *Node) *Node {
		return ReduceAllMean(lossFn([]*Node{labels}, []*Node{logits}))
	})
	require.NoError(t, err)
	labelsT := tensors.FromFlatDataAndDimensions(labels, len(labels), 1)
	results := exec.MustExec(tensors.FromValue(logits), labelsT)
	return shapes.ConvertTo[float64](results[0].Value())
}

// smoothedCrossEntropy computes the reference value with plain float64 math:
// -sum_i q_i*log(softmax(logits)_i) with q the smoothed one-hot target.
func smoothedCrossEntropy(logits []float64, label int, smoothing float64) float64 {
	var sumExp float64
	for _, l := range logits {
		sumExp += math.Exp(l)
	}
	logSumExp := math.Log(sumExp)
	numClasses := float64(len(logits))
	var loss float64
	for i, l := range logits {
		q := smoothing / numClasses
		if i == label {
			q += 1 - smoothing
		}
		loss += q * (logSumExp - l)
	}
	return loss
}

func TestCrossEntropyWithLabelSmoothing(t *testing.T) {
	logits := [][]float32{
		{2, 0, -1},
		{-0.5, 1.5, 0.5},
	}
	labels := []int64{0, 2}

	for _, smoothing := range []float64{0, 0.1, 0.5} {
		var want float64
		for i, row := range logits {
			row64 := make([]float64, len(row))
			for j, v := range row {
				row64[j] = float64(v)
			}
			want += smoothedCrossEntropy(row64, int(labels[i]), smoothing)
		}
		want /= float64(len(logits))

		got := evalLoss(t, CrossEntropyWithLabelSmoothing(smoothing), logits, labels)
		assert.InDeltaf(t, want, got, 1e-5, "smoothing=%g", smoothing)
	}
}

func TestCrossEntropyWithLabelSmoothingValidation(t *testing.T) {
	assert.Panics(t, func() { CrossEntropyWithLabelSmoothing(1) })
	assert.Panics(t, func() { CrossEntropyWithLabelSmoothing(-0.1) })
}

func TestTrainOnlySmoothing(t *testing.T) {
	// The wrapper must pick the branch matching the graph's training flag.
	smoothed := CrossEntropyWithLabelSmoothing(0.5)
	plain := CrossEntropyWithLabelSmoothing(0)
	logits := [][]float32{{3, -3}}
	labels := []int64{0}

	training := false
	lossFn := trainOnlySmoothing(func(*Graph) bool { return training }, smoothed, plain)

	got := evalLoss(t, lossFn, logits, labels)
	want := evalLoss(t, plain, logits, labels)
	assert.InDelta(t, want, got, 1e-6)

	training = true
	got = evalLoss(t, lossFn, logits, labels)
	want = evalLoss(t, smoothed, logits, labels)
	assert.InDelta(t, want, got, 1e-6)
}
