// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package masked provides maskable variants of the usual dense and
// convolution layers: alongside the "weights" variable they hold a
// same-shaped, non-trainable "mask" variable, initialized to all ones,
// and compute their output with the effective weights `weights * mask`.
//
// Pruning code (see the imp package) finds the (weights, mask) variable
// pairs, decides which weight blocks to remove and overwrites the mask
// values in place; the layers pick up the new mask on the next executed
// step, since variables are fed to the computation graphs as parameters.
package masked

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// WeightsName is the name of the weights variable of maskable layers.
	WeightsName = "weights"

	// MaskName is the name of the mask variable of maskable layers. It always
	// has the same shape and dtype as the sibling weights variable, holds only
	// 0s and 1s, and is non-trainable.
	MaskName = "mask"

	// BiasesName is the name of the bias variable of maskable layers.
	// Biases are never masked.
	BiasesName = "biases"
)

// onesTensor builds an all-ones tensor for the given shape, used as the
// initial (nothing pruned) mask value.
func onesTensor(shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	switch shape.DType {
	case dtypes.Float32:
		tensors.MustMutableFlatData(t, func(flat []float32) {
			for i := range flat {
				flat[i] = 1
			}
		})
	case dtypes.Float64:
		tensors.MustMutableFlatData(t, func(flat []float64) {
			for i := range flat {
				flat[i] = 1
			}
		})
	default:
		exceptions.Panicf("masked: unsupported dtype %s for maskable layer, only Float32 and Float64 are supported",
			shape.DType)
	}
	return t
}

// maskedWeightsVar creates (or reuses) the weights variable and its sibling
// mask, and returns the effective weights node `weights * mask`.
func maskedWeightsVar(ctx *context.Context, g *Graph, shape shapes.Shape) *Node {
	weightsVar := ctx.VariableWithShape(WeightsName, shape)
	maskVar := ctx.Checked(false).
		VariableWithValue(MaskName, onesTensor(shape)).
		SetTrainable(false)
	return Mul(weightsVar.ValueGraph(g), maskVar.ValueGraph(g))
}

// Dense adds a maskable dense (linear) layer: x · (weights*mask) [+ biases].
//
// The input is expected to have shape `[<batch dimensions...>, featureDim]`
// and the output will be `[<batch dimensions...>, outputDim]`. A "weights"
// variable shaped `[featureDim, outputDim]`, its all-ones "mask" and,
// if useBias, a "biases" variable are created in the current scope --
// typically one calls it as `masked.Dense(ctx.In("layer_0"), x, true, 32)`.
func Dense(ctx *context.Context, x *Node, useBias bool, outputDim int) *Node {
	g := x.Graph()
	dtype := x.DType()
	if x.Rank() < 2 {
		exceptions.Panicf("masked.Dense: input must be rank at least 2, got input.shape=%s", x.Shape())
	}
	if outputDim <= 0 {
		exceptions.Panicf("masked.Dense: outputDim must be > 0, got %d", outputDim)
	}

	inputDim := x.Shape().Dimensions[x.Rank()-1]
	weights := maskedWeightsVar(ctx, g, shapes.Make(dtype, inputDim, outputDim))

	var output *Node
	if x.Rank() == 2 {
		output = DotProduct(x, weights)
	} else {
		// Flatten batch dimensions, apply, and restore them.
		batchDims := x.Shape().Dimensions[:x.Rank()-1]
		flatBatch := x.Shape().Size() / inputDim
		output = DotProduct(Reshape(x, flatBatch, inputDim), weights)
		output = Reshape(output, append(append([]int{}, batchDims...), outputDim)...)
	}

	if useBias {
		biasVar := ctx.VariableWithShape(BiasesName, shapes.Make(dtype, outputDim))
		bias := biasVar.ValueGraph(g)
		expandedBiasShape := output.Shape().Clone()
		for ii := range expandedBiasShape.Dimensions[:output.Rank()-1] {
			expandedBiasShape.Dimensions[ii] = 1
		}
		output = Add(output, ReshapeWithShape(bias, expandedBiasShape))
	}
	return output
}

// Conv2DBuilder holds the configuration of a maskable 2D convolution.
// Create it with Conv2D, configure, and call Done.
type Conv2DBuilder struct {
	ctx                *context.Context
	x                  *Node
	filters            int
	kernelSize         []int
	strides            []int
	channelsAxisConfig images.ChannelsAxisConfig
	padSame            bool
	useBias            bool
}

// Conv2D creates a builder for a maskable 2D convolution over x, which must
// be rank-4 (batch, spatial x2 and channels). The kernel "weights" variable
// is always stored channels-first, shaped
// `[outputChannels, inputChannels, kernelHeight, kernelWidth]`, so its
// leading axis is the output channel: blockwise pruning of the kernel viewed
// as a 2D matrix `[outputChannels, inputChannels*kh*kw]` removes blocks of
// output-channel rows. The layout of x itself is configured with
// ChannelsAxis and defaults to channels-last.
func Conv2D(ctx *context.Context, x *Node) *Conv2DBuilder {
	if x.Rank() != 4 {
		exceptions.Panicf("masked.Conv2D: input must be rank-4, got input.shape=%s", x.Shape())
	}
	return &Conv2DBuilder{
		ctx:                ctx,
		x:                  x,
		kernelSize:         []int{3, 3},
		strides:            []int{1, 1},
		channelsAxisConfig: images.ChannelsLast,
		padSame:            true,
		useBias:            true,
	}
}

// Filters sets the number of output channels. Required.
func (c *Conv2DBuilder) Filters(filters int) *Conv2DBuilder {
	c.filters = filters
	return c
}

// KernelSize sets a square kernel size. Defaults to 3.
func (c *Conv2DBuilder) KernelSize(size int) *Conv2DBuilder {
	c.kernelSize = []int{size, size}
	return c
}

// Strides sets the same stride for both spatial dimensions. Defaults to 1.
func (c *Conv2DBuilder) Strides(stride int) *Conv2DBuilder {
	c.strides = []int{stride, stride}
	return c
}

// ChannelsAxis configures the channels axis of the input (and output).
// Defaults to images.ChannelsLast. The kernel variable layout is unaffected.
func (c *Conv2DBuilder) ChannelsAxis(config images.ChannelsAxisConfig) *Conv2DBuilder {
	c.channelsAxisConfig = config
	return c
}

// NoPadding disables the default "same" padding.
func (c *Conv2DBuilder) NoPadding() *Conv2DBuilder {
	c.padSame = false
	return c
}

// UseBias configures whether a bias is added per output channel. Default true.
func (c *Conv2DBuilder) UseBias(useBias bool) *Conv2DBuilder {
	c.useBias = useBias
	return c
}

// Done builds the convolution with the current configuration and returns its
// output.
func (c *Conv2DBuilder) Done() *Node {
	ctx := c.ctx
	x := c.x
	g := x.Graph()
	xShape := x.Shape()
	dtype := xShape.DType
	if c.filters <= 0 {
		exceptions.Panicf("masked.Conv2D: Filters must be set to a positive number of output channels, got %d", c.filters)
	}

	channelsAxis := images.GetChannelsAxis(xShape, c.channelsAxisConfig)
	inputChannels := xShape.Dimensions[channelsAxis]

	// Kernel and mask are stored channels-first: [cOut, cIn, kH, kW].
	kernelShape := shapes.Make(dtype, c.filters, inputChannels, c.kernelSize[0], c.kernelSize[1])
	kernel := maskedWeightsVar(ctx, g, kernelShape)
	if c.channelsAxisConfig == images.ChannelsLast {
		// Convolve expects [kH, kW, cIn, cOut] for channels-last inputs.
		kernel = TransposeAllDims(kernel, 2, 3, 1, 0)
	}

	convOpts := Convolve(x, kernel).
		StridePerAxis(c.strides...).
		ChannelsAxis(c.channelsAxisConfig)
	if c.padSame {
		convOpts.PadSame()
	} else {
		convOpts.NoPadding()
	}
	output := convOpts.Done()

	if c.useBias {
		biasVar := ctx.VariableWithShape(BiasesName, shapes.Make(dtype, c.filters))
		bias := biasVar.ValueGraph(g)
		expandedDims := make([]int, output.Rank())
		for ii := range expandedDims {
			expandedDims[ii] = 1
		}
		expandedDims[images.GetChannelsAxis(output, c.channelsAxisConfig)] = c.filters
		output = Add(output, Reshape(bias, expandedDims...))
	}
	return output
}
