// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imp implements blockwise iterative magnitude pruning (IMP) for
// GoMLX models built with the masked package: weight matrices are split into
// fixed-size blocks, the blocks with the lowest mean absolute magnitude are
// zeroed out through the layers' masks on a decaying schedule, and training
// of the surviving weights continues in between pruning events until a target
// model sparsity is reached.
//
// The packages fit together as follows: masked provides the maskable layers,
// blocks the partition/scoring primitives, and imp the target-layer registry
// (FindTargets), the mask allocators, the per-epoch lifecycle Controller and
// the two-phase Pruner orchestrator.
package imp

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/pruning/blocks"
	"github.com/gomlx/pruning/masked"
	"github.com/pkg/errors"
)

// BlockShape is the shape of the rectangular weight blocks a layer is
// partitioned into before scoring: the atomic unit of pruning.
type BlockShape struct {
	Rows, Cols int
}

// BlockPolicyDefaultKey is the BlockPolicy key matching any layer without an
// exact entry.
const BlockPolicyDefaultKey = "*"

// BlockPolicy maps a layer scope (see context.Context scopes, e.g.
// "/model/layer_0") to the block shape used to partition its weight matrix.
// The key "*" provides the default for layers without an exact match; layers
// without an exact match nor a default fall back to 1x1 blocks (unstructured
// magnitude pruning).
type BlockPolicy map[string]BlockShape

// For returns the block shape to use for the given layer scope.
func (p BlockPolicy) For(scope string) BlockShape {
	if shape, found := p[scope]; found {
		return shape
	}
	if shape, found := p[BlockPolicyDefaultKey]; found {
		return shape
	}
	return BlockShape{Rows: 1, Cols: 1}
}

// TargetLayer is one prunable layer: the pair of weights and mask variables
// plus the 2D view and block shape used for partitioning. The weight tensor
// of rank > 2 (convolution kernels) is viewed as a Rows x Cols matrix with
// Rows = leading axis (output channels for masked.Conv2D kernels) and
// Cols = size/Rows; this is a reinterpretation of the row-major data, no
// data movement happens.
type TargetLayer struct {
	Scope         string
	Weights, Mask *context.Variable

	// Rows, Cols is the 2D matrix view of the weight tensor.
	Rows, Cols int

	// BlockRows, BlockCols is the block shape from the BlockPolicy.
	BlockRows, BlockCols int
}

// NumParams is the number of weight entries of the layer.
func (l *TargetLayer) NumParams() int {
	return l.Rows * l.Cols
}

// NumBlocks is the number of blocks the layer's weight matrix partitions into.
func (l *TargetLayer) NumBlocks() int {
	return (l.Rows / l.BlockRows) * (l.Cols / l.BlockCols)
}

// Sparsity of the layer: the fraction of its mask entries that are zero.
func (l *TargetLayer) Sparsity() (float64, error) {
	mask, err := l.Mask.Value()
	if err != nil {
		return 0, errors.WithMessagef(err, "reading mask of layer %q", l.Scope)
	}
	flat, err := flatFloat64(mask)
	if err != nil {
		return 0, errors.WithMessagef(err, "reading mask of layer %q", l.Scope)
	}
	kept := 0
	for _, v := range flat {
		if v != 0 {
			kept++
		}
	}
	return 1 - float64(kept)/float64(len(flat)), nil
}

// Registry holds the target layers eligible for pruning, in model creation
// order. It is built by FindTargets and consumed by the allocators and the
// Controller.
type Registry struct {
	layers      []*TargetLayer
	totalParams int
}

// Layers returns the target layers in model creation order.
// The returned slice is owned by the registry, don't modify it.
func (r *Registry) Layers() []*TargetLayer {
	return r.layers
}

// NumLayers returns the number of target layers.
func (r *Registry) NumLayers() int {
	return len(r.layers)
}

// TotalParams is the total weight entry count across all target layers.
func (r *Registry) TotalParams() int {
	return r.totalParams
}

// FindTargets walks the context variables in creation order and selects the
// prunable layers: every scope holding both a "weights" and a "mask"
// variable, i.e. layers built with the masked package. The first and/or last
// eligible layer can be excluded with pruneFirst/pruneLast=false -- common
// practice since input and output layers are the most sensitive to pruning.
//
// It is safe to call repeatedly: it only inspects variables, the maskable
// layers themselves are created (exactly once) during graph building.
//
// It fails with a configuration error if no target layer is found, if a
// layer's block shape does not divide its weight matrix, or if a weight
// dtype is not Float32/Float64.
func FindTargets(ctx *context.Context, policy BlockPolicy, pruneFirst, pruneLast bool) (*Registry, error) {
	var layers []*TargetLayer
	for v := range ctx.IterVariables() {
		if v.Name() != masked.MaskName {
			continue
		}
		weights := ctx.InspectVariable(v.Scope(), masked.WeightsName)
		if weights == nil {
			return nil, errors.Errorf("layer %q has a %q variable but no %q variable",
				v.Scope(), masked.MaskName, masked.WeightsName)
		}
		shape := weights.Shape()
		if dtype := shape.DType; dtype != dtypes.Float32 && dtype != dtypes.Float64 {
			return nil, errors.Errorf("layer %q has weights dtype %s, only Float32 and Float64 can be pruned",
				v.Scope(), dtype)
		}
		if shape.Rank() < 2 {
			return nil, errors.Errorf("layer %q has weights of rank %d, must be at least 2", v.Scope(), shape.Rank())
		}
		rows := shape.Dimensions[0]
		cols := shape.Size() / rows
		blockShape := policy.For(v.Scope())
		if blockShape.Rows <= 0 || blockShape.Cols <= 0 ||
			rows%blockShape.Rows != 0 || cols%blockShape.Cols != 0 {
			return nil, errors.Wrapf(blocks.ErrInvalidBlockShape,
				"layer %q: block shape [%d, %d] for weight matrix [%d, %d]",
				v.Scope(), blockShape.Rows, blockShape.Cols, rows, cols)
		}
		layers = append(layers, &TargetLayer{
			Scope:     v.Scope(),
			Weights:   weights,
			Mask:      v,
			Rows:      rows,
			Cols:      cols,
			BlockRows: blockShape.Rows,
			BlockCols: blockShape.Cols,
		})
	}
	if !pruneFirst && len(layers) > 0 {
		layers = layers[1:]
	}
	if !pruneLast && len(layers) > 0 {
		layers = layers[:len(layers)-1]
	}
	if len(layers) == 0 {
		return nil, errors.Errorf("no target layers found: the model must use masked layers " +
			"(and have been built at least once), and prune_first_layer/prune_last_layer must leave at least one layer eligible")
	}
	reg := &Registry{layers: layers}
	for _, l := range layers {
		reg.totalParams += l.NumParams()
	}
	return reg, nil
}

// Sparsity returns the model-level sparsity: the per-layer mask sparsities
// combined as a parameter-count-weighted average across the target layers.
func (r *Registry) Sparsity() (float64, error) {
	var total float64
	for _, l := range r.layers {
		layerSparsity, err := l.Sparsity()
		if err != nil {
			return 0, err
		}
		total += float64(l.NumParams()) / float64(r.totalParams) * layerSparsity
	}
	return total, nil
}

// WeightsSnapshot is a deep copy of the registry's weight tensors, keyed by
// layer scope. Masks are structural and never part of a snapshot: a rewind
// restores weight values while keeping the current mask.
type WeightsSnapshot map[string]*tensors.Tensor

// Snapshot deep-copies the current weight values of every target layer.
// The snapshot owns its tensors, independently of the live variables.
func (r *Registry) Snapshot() (WeightsSnapshot, error) {
	snapshot := make(WeightsSnapshot, len(r.layers))
	for _, l := range r.layers {
		value, err := l.Weights.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "snapshotting weights of layer %q", l.Scope)
		}
		clone, err := value.LocalClone()
		if err != nil {
			return nil, errors.WithMessagef(err, "snapshotting weights of layer %q", l.Scope)
		}
		snapshot[l.Scope] = clone
	}
	return snapshot, nil
}

// Restore writes the snapshot's weight values back into the live weight
// variables. The snapshot remains valid (the variables receive copies) and
// masks are untouched.
func (r *Registry) Restore(snapshot WeightsSnapshot) error {
	for _, l := range r.layers {
		saved, found := snapshot[l.Scope]
		if !found {
			return errors.Errorf("snapshot has no weights for layer %q", l.Scope)
		}
		clone, err := saved.LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "restoring weights of layer %q", l.Scope)
		}
		if err := l.Weights.SetValue(clone); err != nil {
			return errors.WithMessagef(err, "restoring weights of layer %q", l.Scope)
		}
	}
	return nil
}

// flatFloat64 reads a Float32/Float64 tensor's flat data converted to float64.
func flatFloat64(t *tensors.Tensor) ([]float64, error) {
	out := make([]float64, t.Size())
	var err error
	switch t.DType() {
	case dtypes.Float32:
		err = tensors.ConstFlatData(t, func(flat []float32) {
			for i, v := range flat {
				out[i] = float64(v)
			}
		})
	case dtypes.Float64:
		err = tensors.ConstFlatData(t, func(flat []float64) {
			copy(out, flat)
		})
	default:
		return nil, errors.Errorf("unsupported dtype %s, only Float32 and Float64 are supported", t.DType())
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
