// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imp

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// CrossEntropyWithLabelSmoothing returns a loss function computing the
// categorical cross-entropy of logits against sparse (integer) labels with
// the labels smoothed: the one-hot target is mixed with the uniform
// distribution, `(1-smoothing)*onehot + smoothing/numClasses`. Smoothing
// regularizes the logits' scale, which keeps magnitude-based weight scores
// better behaved across layers.
//
// smoothing must be in [0, 1); with smoothing == 0 it reduces to
// losses.SparseCategoricalCrossEntropyLogits. Labels must be an integer
// tensor shaped like the logits with the last dimension replaced by 1 (or
// removed), logits shaped `[..., numClasses]`. Returns the per-example loss,
// shaped like the labels without the class dimension.
func CrossEntropyWithLabelSmoothing(smoothing float64) losses.LossFn {
	if smoothing < 0 || smoothing >= 1 {
		exceptions.Panicf("label smoothing must be in [0, 1), got %g", smoothing)
	}
	if smoothing == 0 {
		return losses.SparseCategoricalCrossEntropyLogits
	}
	return func(labels, predictions []*Node) *Node {
		logits := predictions[0]
		labelsNode := labels[0]
		if !labelsNode.DType().IsInt() {
			exceptions.Panicf("labels must be an integer type, got labels.shape=%s", labelsNode.Shape())
		}
		if labelsNode.Rank() == logits.Rank() {
			if labelsNode.Shape().Dimensions[labelsNode.Rank()-1] != 1 {
				exceptions.Panicf("labels last dimension must be 1 when labels and logits have the same rank, "+
					"got labels.shape=%s, logits.shape=%s", labelsNode.Shape(), logits.Shape())
			}
			labelsNode = Reshape(labelsNode, labelsNode.Shape().Dimensions[:labelsNode.Rank()-1]...)
		}
		numClasses := logits.Shape().Dimensions[logits.Rank()-1]
		smoothed := OneHot(labelsNode, numClasses, logits.DType())
		smoothed = AddScalar(MulScalar(smoothed, 1-smoothing), smoothing/float64(numClasses))
		logProbs := LogSoftmax(logits, -1)
		return ReduceSum(Neg(Mul(smoothed, logProbs)), -1)
	}
}

// trainOnlySmoothing wraps a smoothed and a plain loss, applying smoothing
// only while training: evaluation losses stay comparable across smoothing
// settings. Which branch runs is decided at graph-build time from the
// graph's training flag, so the two graphs (train and eval) each compile the
// right loss.
func trainOnlySmoothing(ctxIsTraining func(g *Graph) bool, smoothed, plain losses.LossFn) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		if ctxIsTraining(predictions[0].Graph()) {
			return smoothed(labels, predictions)
		}
		return plain(labels, predictions)
	}
}
