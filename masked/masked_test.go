// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package masked

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setVariable(t *testing.T, ctx *context.Context, scope, name string, values []float32, dims ...int) {
	t.Helper()
	v := ctx.InspectVariable(scope, name)
	require.NotNilf(t, v, "no variable %q in scope %q", name, scope)
	require.NoError(t, v.SetValue(tensors.FromFlatDataAndDimensions(values, dims...)))
}

func TestDenseAppliesMask(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Dense(ctx.In("dense"), x, true, 2)
	})
	require.NoError(t, err)

	// First execution creates the variables.
	input := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 3)
	exec.MustExec(input)

	// The mask starts as all ones.
	mask := ctx.InspectVariable("/dense", MaskName)
	require.NotNil(t, mask)
	assert.False(t, mask.Trainable)

	setVariable(t, ctx, "/dense", WeightsName, []float32{
		1, 10,
		2, 20,
		3, 30,
	}, 3, 2)
	setVariable(t, ctx, "/dense", BiasesName, []float32{0.5, -0.5}, 2)

	got := exec.MustExec(input)[0]
	// [1 2 3] . [[1 10][2 20][3 30]] + [0.5 -0.5] = [14.5, 139.5]
	assert.Equal(t, []float32{14.5, 139.5}, tensors.MustCopyFlatData[float32](got))

	// Zero out the second output column through the mask: its weights stop
	// contributing, the bias remains.
	setVariable(t, ctx, "/dense", MaskName, []float32{
		1, 0,
		1, 0,
		1, 0,
	}, 3, 2)
	got = exec.MustExec(input)[0]
	assert.Equal(t, []float32{14.5, -0.5}, tensors.MustCopyFlatData[float32](got))
}

func TestDenseHigherRankInput(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Dense(ctx.In("dense"), x, false, 5)
	})
	require.NoError(t, err)

	input := tensors.FromFlatDataAndDimensions(make([]float32, 2*3*4), 2, 3, 4)
	got := exec.MustExec(input)[0]
	assert.Equal(t, []int{2, 3, 5}, got.Shape().Dimensions)
}

func TestConv2DAppliesMask(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Conv2D(ctx.In("conv"), x).
			Filters(2).
			KernelSize(1).
			UseBias(false).
			Done()
	})
	require.NoError(t, err)

	// 2x2 single-channel image, channels-last.
	input := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 2, 2, 1)
	exec.MustExec(input)

	// Kernel is stored channels-first: [cOut=2, cIn=1, kH=1, kW=1]. A 1x1
	// convolution is a per-pixel scaling per output channel.
	setVariable(t, ctx, "/conv", WeightsName, []float32{3, 5}, 2, 1, 1, 1)

	got := exec.MustExec(input)[0]
	require.Equal(t, []int{1, 2, 2, 2}, got.Shape().Dimensions)
	assert.Equal(t, []float32{3, 5, 6, 10, 9, 15, 12, 20}, tensors.MustCopyFlatData[float32](got))

	// Masking out the second output channel zeroes its feature map.
	setVariable(t, ctx, "/conv", MaskName, []float32{1, 0}, 2, 1, 1, 1)
	got = exec.MustExec(input)[0]
	assert.Equal(t, []float32{3, 0, 6, 0, 9, 0, 12, 0}, tensors.MustCopyFlatData[float32](got))
}

func TestDenseValidation(t *testing.T) {
	backend := backends.MustNew()
	ctx := context.New()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Dense(ctx, x, false, 0)
	})
	if err != nil {
		// Some backends surface graph-building panics as construction errors.
		return
	}
	assert.Panics(t, func() {
		exec.MustExec(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2))
	})
}
