// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imp

import (
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/pruning/masked"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter keeps the latest value and epoch written per metric name.
type recordingWriter struct {
	last      map[string]float64
	lastEpoch map[string]int
}

func (r *recordingWriter) Write(epoch int, name string, value float64) {
	if r.last == nil {
		r.last = map[string]float64{}
		r.lastEpoch = map[string]int{}
	}
	r.last[name] = value
	r.lastEpoch[name] = epoch
}

// twoClassDataset builds a linearly separable 2-feature dataset: the label is
// 1 iff x0+x1 > 0.
func twoClassDataset(t *testing.T, backend backends.Backend, n int) *datasets.InMemoryDataset {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	inputs := make([][]float32, n)
	labels := make([][]int64, n)
	for i := range inputs {
		x0 := float32(rng.NormFloat64())
		x1 := float32(rng.NormFloat64())
		inputs[i] = []float32{x0, x1}
		label := int64(0)
		if x0+x1 > 0 {
			label = 1
		}
		labels[i] = []int64{label}
	}
	ds, err := datasets.InMemoryFromData(backend, "two-class", []any{inputs}, []any{labels})
	require.NoError(t, err)
	return ds
}

func classifierModel(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	logits := masked.Dense(ctx.In("hidden"), inputs[0], true, 8)
	logits = Tanh(logits)
	logits = masked.Dense(ctx.In("output"), logits, true, 2)
	return []*Node{logits}
}

func TestPrunerRunReachesTargetSparsity(t *testing.T) {
	backend := backends.MustNew()
	data := twoClassDataset(t, backend, 256)
	trainDS := data.Copy().BatchSize(32, true).Shuffle()
	validDS := data.Copy().BatchSize(64, false)
	testDS := data.Copy().BatchSize(64, false)

	ctx := context.New()
	recorder := &recordingWriter{}
	pruner, err := New(backend, ctx, classifierModel, Options{
		ModelSparsity:   0.5,
		LearningRate:    0.1,
		PruneFirstLayer: true,
		PruneLastLayer:  true,
		PruningInterval: 1,
		SparsitySteps:   2,
		SparsityMargin:  0.05,
		PretrainEpochs:  2,
		Metrics:         recorder,
	})
	require.NoError(t, err)

	require.NoError(t, pruner.Run(trainDS, validDS, testDS))

	controller := pruner.Controller()
	require.NotNil(t, controller)
	assert.Equal(t, StateConverged, controller.State())
	sparsity, err := controller.Sparsity()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sparsity, 0.45, "ramp must stop at target minus margin")
	assert.Less(t, sparsity, 0.55)

	for _, name := range []string{
		"train_loss", "train_acc", "sparsity",
		"val_loss", "val_acc", "val_loss_density_product",
		"test_loss", "test_acc",
	} {
		assert.Containsf(t, recorder.last, name, "metric %q was never emitted", name)
	}
	assert.InDelta(t, sparsity, recorder.last["sparsity"], 1e-12)

	// Per-epoch metrics carry their ramp epoch; the one-off test metrics are
	// written with the epoch -1 sentinel.
	assert.GreaterOrEqual(t, recorder.lastEpoch["val_loss"], 0)
	assert.Equal(t, -1, recorder.lastEpoch["test_loss"])
	assert.Equal(t, -1, recorder.lastEpoch["test_acc"])
}

func TestPrunerRunWithoutPretraining(t *testing.T) {
	// PretrainEpochs == 0 must still materialize the model variables before
	// looking for pruning targets.
	backend := backends.MustNew()
	data := twoClassDataset(t, backend, 128)
	trainDS := data.Copy().BatchSize(32, true).Shuffle()
	validDS := data.Copy().BatchSize(64, false)
	testDS := data.Copy().BatchSize(64, false)

	ctx := context.New()
	pruner, err := New(backend, ctx, classifierModel, Options{
		ModelSparsity:   0.25,
		LearningRate:    0.1,
		PruneFirstLayer: true,
		PruneLastLayer:  true,
		PruningInterval: 1,
		SparsitySteps:   1,
		SparsityMargin:  0.05,
		Metrics:         &recordingWriter{},
	})
	require.NoError(t, err)
	require.NoError(t, pruner.Run(trainDS, validDS, testDS))
	assert.Equal(t, StateConverged, pruner.Controller().State())
}

func TestPrunerOptionValidation(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()

	base := Options{
		ModelSparsity:   0.5,
		PruningInterval: 2,
		SparsitySteps:   2,
	}

	opts := base
	opts.ModelSparsity = 1
	_, err := New(backend, ctx, classifierModel, opts)
	require.Error(t, err)

	opts = base
	opts.PruningInterval = 0
	_, err = New(backend, ctx, classifierModel, opts)
	require.Error(t, err)

	opts = base
	opts.SparsitySteps = -1
	_, err = New(backend, ctx, classifierModel, opts)
	require.Error(t, err)

	opts = base
	opts.Patience = 1 // below the pruning interval
	_, err = New(backend, ctx, classifierModel, opts)
	require.Error(t, err)

	opts = base
	opts.LabelSmoothing = 1.5
	_, err = New(backend, ctx, classifierModel, opts)
	require.Error(t, err)

	opts = base
	opts.PretrainEpochs = -1
	_, err = New(backend, ctx, classifierModel, opts)
	require.Error(t, err)

	// Defaults fill in for unset optional fields.
	pruner, err := New(backend, ctx, classifierModel, base)
	require.NoError(t, err)
	assert.Equal(t, base.PruningInterval, pruner.opts.Patience)
	assert.InDelta(t, 0.1, pruner.opts.LabelSmoothing, 1e-12)
	assert.InDelta(t, 0.01, pruner.opts.LearningRate, 1e-12)
	assert.NotNil(t, pruner.opts.Schedule)
	assert.NotNil(t, pruner.opts.Metrics)
}
