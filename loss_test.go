// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestMaskedSparseCrossEntropyLoss(t *testing.T) {
	// Uniform logits over 2 classes: every unmasked position costs ln(2),
	// whatever the target.
	graphtest.RunTestGraphFn(t, "uniform logits",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Zeros(g, shapes.Make(dtypes.Float32, 2, 2, 2))
			targets := Const(g, [][][]int32{{{0}, {1}}, {{1}, {0}}})
			mask := Const(g, [][]bool{{true, true}, {true, false}})
			loss := MaskedSparseCrossEntropyLoss([]*Node{targets, mask}, []*Node{logits})
			return []*Node{targets}, []*Node{loss}
		}, []any{float32(math.Ln2)}, 1e-5)

	// Per-example normalization: the first example averages two positions,
	// the second has a single valid position, and the batch averages the two
	// per-example means. The garbage logits on the masked position must not
	// leak into the result.
	crossEntropy10 := 10 + math.Log(1+math.Exp(-10))
	want := (math.Ln2 + crossEntropy10) / 2
	graphtest.RunTestGraphFn(t, "per-example mean with masked garbage",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Const(g, [][][]float32{
				{{0, 0}, {0, 0}},
				{{10, 0}, {1000, -1000}},
			})
			targets := Const(g, [][][]int32{{{0}, {1}}, {{1}, {0}}})
			mask := Const(g, [][]bool{{true, true}, {true, false}})
			loss := MaskedSparseCrossEntropyLoss([]*Node{targets, mask}, []*Node{logits})
			return []*Node{targets}, []*Node{loss}
		}, []any{float32(want)}, 1e-4)

	// A perfectly confident prediction drives the loss towards zero.
	graphtest.RunTestGraphFn(t, "confident prediction",
		func(g *Graph) (inputs, outputs []*Node) {
			logits := Const(g, [][][]float32{{{50, 0}, {0, 50}}})
			targets := Const(g, [][][]int32{{{0}, {1}}})
			mask := Const(g, [][]bool{{true, true}})
			loss := MaskedSparseCrossEntropyLoss([]*Node{targets, mask}, []*Node{logits})
			return []*Node{targets}, []*Node{loss}
		}, []any{float32(0)}, 1e-5)
}
