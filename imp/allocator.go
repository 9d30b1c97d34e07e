// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imp

import (
	"sort"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pruning/blocks"
	"github.com/pkg/errors"
)

// validateRate checks the cumulative pruning rate is in [0, 1). A rate of 1
// or more would remove every weight, which is never meaningful.
func validateRate(rate float64) error {
	if rate < 0 || rate >= 1 {
		return errors.Errorf("pruning rate must be in [0, 1), got %g", rate)
	}
	return nil
}

// scoreLayer partitions the layer's current weights into blocks and returns
// their mean-absolute-magnitude scores, in row-major block order.
func scoreLayer(l *TargetLayer) ([]float64, error) {
	value, err := l.Weights.Value()
	if err != nil {
		return nil, errors.WithMessagef(err, "reading weights of layer %q", l.Scope)
	}
	flat, err := flatFloat64(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading weights of layer %q", l.Scope)
	}
	blks, _, _, err := blocks.Partition(flat, l.Rows, l.Cols, l.BlockRows, l.BlockCols)
	if err != nil {
		return nil, errors.WithMessagef(err, "partitioning weights of layer %q", l.Scope)
	}
	return blocks.Scores(blks), nil
}

// writeMask overwrites the layer's mask in place from per-block keep
// decisions (true = block survives): each kept block expands to a block of
// ones, each pruned block to a block of zeros, assembled back into the mask's
// row-major layout. The mask tensor is mutated, not replaced, so pruning is
// cumulative only through the keep decisions passed in -- callers always
// recompute the full mask from the cumulative rate.
func writeMask(l *TargetLayer, keep []bool) error {
	numBlockCols := l.Cols / l.BlockCols
	numBlockRows := l.Rows / l.BlockRows
	if len(keep) != numBlockRows*numBlockCols {
		return errors.Errorf("layer %q: got %d keep decisions for %d blocks",
			l.Scope, len(keep), numBlockRows*numBlockCols)
	}
	blockSize := l.BlockRows * l.BlockCols
	maskBlocks := make([][]float64, len(keep))
	for blockIdx, keepBlock := range keep {
		block := make([]float64, blockSize)
		if keepBlock {
			for i := range block {
				block[i] = 1
			}
		}
		maskBlocks[blockIdx] = block
	}
	flat, err := blocks.Assemble(maskBlocks, numBlockRows, numBlockCols, l.BlockRows, l.BlockCols)
	if err != nil {
		return errors.WithMessagef(err, "assembling mask of layer %q", l.Scope)
	}
	mask, err := l.Mask.Value()
	if err != nil {
		return errors.WithMessagef(err, "accessing mask of layer %q", l.Scope)
	}
	switch mask.DType() {
	case dtypes.Float32:
		err = tensors.MutableFlatData(mask, func(out []float32) {
			for i, v := range flat {
				out[i] = float32(v)
			}
		})
	case dtypes.Float64:
		err = tensors.MutableFlatData(mask, func(out []float64) {
			copy(out, flat)
		})
	default:
		return errors.Errorf("layer %q: unsupported mask dtype %s", l.Scope, mask.DType())
	}
	return errors.WithMessagef(err, "writing mask of layer %q", l.Scope)
}

// allocateLocal prunes each target layer independently: in every layer the
// floor(numBlocks*rate) lowest-scored blocks are removed. The threshold is the
// score of the first surviving block in ascending order and survival is
// score >= threshold, so ties at the threshold survive -- the realized layer
// sparsity can undershoot the requested rate, never overshoot it.
//
// The rate is cumulative (fraction of the original blocks, not of the
// survivors), so re-applying the same rate is a no-op and pruned blocks stay
// pruned as long as their weights remain zero.
func allocateLocal(reg *Registry, rate float64) error {
	if err := validateRate(rate); err != nil {
		return err
	}
	for _, l := range reg.Layers() {
		scores, err := scoreLayer(l)
		if err != nil {
			return err
		}
		numToRemove := int(float64(len(scores)) * rate)
		keep := make([]bool, len(scores))
		if numToRemove == 0 {
			for i := range keep {
				keep[i] = true
			}
		} else {
			sorted := append([]float64{}, scores...)
			sort.Float64s(sorted)
			threshold := sorted[numToRemove]
			for i, score := range scores {
				keep[i] = score >= threshold
			}
		}
		if err := writeMask(l, keep); err != nil {
			return err
		}
	}
	return nil
}

// allocateGlobal prunes across all target layers at once: every block of
// every layer goes into one pool, sorted by score ascending, and blocks are
// removed from the bottom until the cumulative removed parameter count
// reaches floor(totalParams*rate). Layers with many low-magnitude blocks
// absorb more of the budget than a per-layer split would give them.
//
// Like allocateLocal the survival test is score >= threshold (the score of
// the first pooled block past the removal budget), applied uniformly to all
// layers, so equal-scored blocks share the same fate regardless of layer. It
// returns the realized parameter-weighted sparsity, which can undershoot rate
// on ties.
func allocateGlobal(reg *Registry, rate float64) (realized float64, err error) {
	if err = validateRate(rate); err != nil {
		return 0, err
	}
	type pooledBlock struct {
		score  float64
		params int
	}
	pool := make([]pooledBlock, 0, 256)
	layerScores := make([][]float64, reg.NumLayers())
	for layerIdx, l := range reg.Layers() {
		scores, scoreErr := scoreLayer(l)
		if scoreErr != nil {
			return 0, scoreErr
		}
		layerScores[layerIdx] = scores
		blockParams := l.BlockRows * l.BlockCols
		for _, score := range scores {
			pool = append(pool, pooledBlock{score: score, params: blockParams})
		}
	}
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].score < pool[j].score })

	numParamsToRemove := int(float64(reg.TotalParams()) * rate)
	threshold := 0.0
	hasThreshold := false
	removed := 0
	for _, b := range pool {
		if removed+b.params > numParamsToRemove {
			threshold = b.score
			hasThreshold = true
			break
		}
		removed += b.params
	}

	var removedParams int
	for layerIdx, l := range reg.Layers() {
		scores := layerScores[layerIdx]
		blockParams := l.BlockRows * l.BlockCols
		keep := make([]bool, len(scores))
		for i, score := range scores {
			keep[i] = !hasThreshold || score >= threshold
			if !keep[i] {
				removedParams += blockParams
			}
		}
		if err = writeMask(l, keep); err != nil {
			return 0, err
		}
	}
	return float64(removedParams) / float64(reg.TotalParams()), nil
}
