// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/exceptions"
)

// MaskedSparseCrossEntropyLoss is a train.LossFn over variable-length target
// sequences.
//
// labels must hold the sparse targets shaped int[batch, seq, 1] and a mask
// shaped bool[batch, seq]; predictions must hold the logits shaped
// [batch, seq, vocab]. Masked positions contribute nothing. Each example's
// losses are averaged over its own true-mask count, and those per-example
// means are averaged over the batch, so short reviews weigh the same as long
// ones.
//
// Batchify never produces an all-masked example; if one is fed anyway the
// per-example mean divides by zero and the resulting ±Inf loss aborts
// training at the next finiteness check.
func MaskedSparseCrossEntropyLoss(labels, predictions []*Node) *Node {
	if len(labels) != 2 || len(predictions) != 1 {
		exceptions.Panicf("loss requires labels=(targets, mask) and predictions=(logits), got %d labels and %d predictions",
			len(labels), len(predictions))
	}
	targets, mask, logits := labels[0], labels[1], predictions[0]
	if targets.Rank() != 3 || targets.Shape().Dim(-1) != 1 {
		exceptions.Panicf("loss requires targets shaped [batch, seq, 1], got %s", targets.Shape())
	}
	if logits.Rank() != 3 {
		exceptions.Panicf("loss requires logits shaped [batch, seq, vocab], got %s", logits.Shape())
	}
	targets = Squeeze(targets, -1) // [batch, seq]
	if mask.Shape().Size() != targets.Shape().Size() {
		exceptions.Panicf("loss mask shaped %s does not match targets shaped %s", mask.Shape(), targets.Shape())
	}

	dtype := logits.DType()
	vocabSize := logits.Shape().Dim(-1)
	logProbs := LogSoftmax(logits, -1)
	targetsOneHot := OneHot(targets, vocabSize, dtype)
	nll := Neg(ReduceSum(Mul(targetsOneHot, logProbs), -1)) // [batch, seq]
	nll = Where(mask, nll, ZerosLike(nll))

	validCounts := ReduceSum(ConvertDType(mask, dtype), -1) // [batch]
	perExample := Div(ReduceSum(nll, -1), validCounts)
	return ReduceAllMean(perExample)
}
