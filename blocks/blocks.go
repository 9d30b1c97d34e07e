// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blocks partitions 2D weight matrices into fixed-size rectangular
// blocks and scores them by mean absolute magnitude.
//
// Blocks are the atomic unit of structured pruning: a mask is decided per
// block, not per individual weight. The partition keeps row-major block
// ordering, so block index = rowBlock*numBlockCols + colBlock, and
// Assemble(Partition(w)) == w exactly.
package blocks

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErrInvalidBlockShape is returned when a block shape does not evenly divide
// the matrix it is applied to.
var ErrInvalidBlockShape = errors.New("block shape does not evenly divide matrix")

// Partition splits a row-major matrix of shape [rows, cols] into blocks of
// shape [blockRows, blockCols]. It returns the blocks (each one row-major,
// blockRows*blockCols elements) in row-major block order, along with the
// number of block rows and block columns.
//
// blockRows must divide rows and blockCols must divide cols, otherwise it
// fails with ErrInvalidBlockShape.
func Partition[T constraints.Float](flat []T, rows, cols, blockRows, blockCols int) (blks [][]T, numBlockRows, numBlockCols int, err error) {
	if rows <= 0 || cols <= 0 || len(flat) != rows*cols {
		err = errors.Errorf("matrix shape [%d, %d] doesn't match data length %d", rows, cols, len(flat))
		return
	}
	if blockRows <= 0 || blockCols <= 0 || rows%blockRows != 0 || cols%blockCols != 0 {
		err = errors.Wrapf(ErrInvalidBlockShape, "block shape [%d, %d] for matrix [%d, %d]",
			blockRows, blockCols, rows, cols)
		return
	}
	numBlockRows = rows / blockRows
	numBlockCols = cols / blockCols
	blks = make([][]T, 0, numBlockRows*numBlockCols)
	for blockRow := range numBlockRows {
		for blockCol := range numBlockCols {
			block := make([]T, 0, blockRows*blockCols)
			for r := range blockRows {
				rowStart := (blockRow*blockRows+r)*cols + blockCol*blockCols
				block = append(block, flat[rowStart:rowStart+blockCols]...)
			}
			blks = append(blks, block)
		}
	}
	return
}

// Assemble is the inverse of Partition: it reassembles blocks in row-major
// block order back into a flat row-major matrix of shape
// [numBlockRows*blockRows, numBlockCols*blockCols].
func Assemble[T constraints.Float](blks [][]T, numBlockRows, numBlockCols, blockRows, blockCols int) ([]T, error) {
	if len(blks) != numBlockRows*numBlockCols {
		return nil, errors.Errorf("got %d blocks, expected %d (=%d x %d)",
			len(blks), numBlockRows*numBlockCols, numBlockRows, numBlockCols)
	}
	rows := numBlockRows * blockRows
	cols := numBlockCols * blockCols
	flat := make([]T, rows*cols)
	for blockIdx, block := range blks {
		if len(block) != blockRows*blockCols {
			return nil, errors.Errorf("block #%d has %d elements, expected %d (=%d x %d)",
				blockIdx, len(block), blockRows*blockCols, blockRows, blockCols)
		}
		blockRow := blockIdx / numBlockCols
		blockCol := blockIdx % numBlockCols
		for r := range blockRows {
			rowStart := (blockRow*blockRows+r)*cols + blockCol*blockCols
			copy(flat[rowStart:rowStart+blockCols], block[r*blockCols:(r+1)*blockCols])
		}
	}
	return flat, nil
}

// Scores computes the importance score of each block: the mean absolute value
// of its elements (an L1-magnitude proxy). Lower score means less important,
// hence more prunable.
//
// Scores are accumulated in float64 independently of the weights dtype, so
// ranking is deterministic.
func Scores[T constraints.Float](blks [][]T) []float64 {
	scores := make([]float64, len(blks))
	for blockIdx, block := range blks {
		var sum float64
		for _, v := range block {
			sum += math.Abs(float64(v))
		}
		scores[blockIdx] = sum / float64(len(block))
	}
	return scores
}
