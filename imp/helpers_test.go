// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imp

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/pruning/masked"
	"github.com/stretchr/testify/require"
)

// buildTestModel creates a context with a chain of maskable dense layers
// (scopes "/layer_0", "/layer_1", ...) over a 4-feature input and executes it
// once, so all variables exist. Each layer projects to the given output
// dimension; with inputDim=4 and dims {4, 4} one gets two 4x4 weight
// matrices.
func buildTestModel(t *testing.T, backend backends.Backend, dims ...int) *context.Context {
	t.Helper()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		for i, dim := range dims {
			x = masked.Dense(ctx.Inf("layer_%d", i), x, false, dim)
		}
		return x
	})
	require.NoError(t, err)
	exec.MustExec(tensors.FromFlatDataAndDimensions(make([]float32, 4), 1, 4))
	return ctx
}

// setWeights overwrites a layer's weights with the given row-major values.
func setWeights(t *testing.T, ctx *context.Context, scope string, values []float32, dims ...int) {
	t.Helper()
	v := ctx.InspectVariable(scope, masked.WeightsName)
	require.NotNilf(t, v, "no weights variable in scope %q", scope)
	require.NoError(t, v.SetValue(tensors.FromFlatDataAndDimensions(values, dims...)))
}

// maskValues reads a layer's mask as a flat float64 slice.
func maskValues(t *testing.T, ctx *context.Context, scope string) []float64 {
	t.Helper()
	v := ctx.InspectVariable(scope, masked.MaskName)
	require.NotNilf(t, v, "no mask variable in scope %q", scope)
	value, err := v.Value()
	require.NoError(t, err)
	flat, err := flatFloat64(value)
	require.NoError(t, err)
	return flat
}
