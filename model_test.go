// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	"fmt"
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVocab builds a vocabulary with the given sizes, reserved ids included.
func testVocab(numWords, numTopics, numSketches int) *Vocab {
	tokens := func(prefix string, n int) []string {
		list := make([]string, n)
		list[SosID] = "<sos>"
		list[EosID] = "<eos>"
		list[PadID] = "<pad>"
		for i := int(NumReserved); i < n; i++ {
			list[i] = fmt.Sprintf("%s%d", prefix, i)
		}
		return list
	}
	return &Vocab{
		Words:    tokens("w", numWords),
		Topics:   tokens("t", numTopics),
		Sketches: tokens("s", numSketches),
	}
}

func testAspectVectors(vocab *Vocab, aspectSize int) *tensors.Tensor {
	numRows := vocab.NumTopics() - int(NumReserved)
	flat := make([]float32, numRows*aspectSize)
	for i := range flat {
		flat[i] = 0.01 * float32(i%7)
	}
	return tensors.FromFlatDataAndDimensions(flat, numRows, aspectSize)
}

func testModelContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		ParamNumLayers:     2,
		ParamHiddenSize:    16,
		ParamEmbeddingSize: 12,
		ParamAttributeSize: 8,
		ParamNumRatings:    5,
		ParamAspectSize:    6,
		ParamBatchSize:     2,
	})
	return ctx
}

func TestModelForwardLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	vocab := testVocab(50, 8, 12)
	ctx := testModelContext()
	model, err := NewModel(ctx, vocab, 4, 5, testAspectVectors(vocab, 6))
	require.NoError(t, err)

	batches, err := Batchify(testPairs(), 2, false, nil)
	require.NoError(t, err)
	batch := batches[0]

	ctx = ctx.In("model")
	exec, err := context.NewExecAny(backend, ctx, func(ctx *context.Context, inputs []*Node) (logits, loss *Node) {
		logits = model.ModelGraph(ctx, nil, inputs[:4])[0]
		loss = MaskedSparseCrossEntropyLoss(inputs[4:], []*Node{logits})
		return
	})
	require.NoError(t, err)
	outputs := exec.MustExec(batch.AttrIDs, batch.TopicIDs, batch.SketchIDs,
		batch.ReviewInput, batch.ReviewTarget, batch.Mask)
	require.Len(t, outputs, 2)

	logits, loss := outputs[0], outputs[1]
	seqLen := batch.ReviewInput.Shape().Dim(1)
	assert.Equal(t, []int{2, seqLen, 50}, logits.Shape().Dimensions)
	logits.MustConstFlatData(func(flat any) {
		for _, v := range flat.([]float32) {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0),
				"logits contain non-finite value %f", v)
		}
	})
	lossValue := float64(loss.Value().(float32))
	assert.False(t, math.IsNaN(lossValue) || math.IsInf(lossValue, 0), "loss is %f", lossValue)
	assert.Greater(t, lossValue, 0.0, "an untrained model cannot have zero loss")
	// Random logits over 50 words should cost roughly ln(50) per token.
	assert.Less(t, lossValue, 3*math.Log(50))

	// The rating and aspect tables are frozen; the identity block encodes the
	// rating as an indicator vector.
	ratingVar := ctx.InspectVariable(ctx.Scope()+"/"+ScopeAttributes+"/rating", "embeddings")
	require.NotNil(t, ratingVar)
	assert.False(t, ratingVar.Trainable)
	ratingRows := ratingVar.MustValue().Value().([][]float32)
	assert.Equal(t, float32(1), ratingRows[2][2])
	assert.Equal(t, float32(0), ratingRows[2][3])
	aspectVar := ctx.InspectVariable(ctx.Scope()+"/"+ScopeDecoder+"/aspects", "embeddings")
	require.NotNil(t, aspectVar)
	assert.False(t, aspectVar.Trainable)

	// Every trainable variable must fall under one of the optimizer groups.
	groups := map[string]bool{}
	for _, group := range ParameterGroups {
		groups[ctx.In(group).Scope()] = true
	}
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		found := false
		for groupScope := range groups {
			if v.Scope() == groupScope || len(v.Scope()) > len(groupScope) && v.Scope()[:len(groupScope)+1] == groupScope+"/" {
				found = true
				break
			}
		}
		assert.True(t, found, "trainable variable %q in scope %q belongs to no parameter group", v.Name(), v.Scope())
	}
}

func TestFrozenTablesSurviveTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	vocab := testVocab(50, 8, 12)
	ctx := testModelContext().In("model")
	model, err := NewModel(ctx, vocab, 4, 5, testAspectVectors(vocab, 6))
	require.NoError(t, err)
	batches, err := Batchify(testPairs(), 2, false, nil)
	require.NoError(t, err)
	batch := batches[0]

	optimizer := GroupedAdam(ParameterGroups...).ClipNorm(5.0).LearningRate(0.05).Done()
	exec, err := context.NewExecAny(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		logits := model.ModelGraph(ctx, nil, inputs[:4])[0]
		loss := MaskedSparseCrossEntropyLoss(inputs[4:], []*Node{logits})
		optimizer.UpdateGraph(ctx, loss.Graph(), loss)
		return loss
	})
	require.NoError(t, err)

	const numSteps = 3
	var userAfterFirstStep any
	for step := range numSteps {
		exec.MustExec(batch.AttrIDs, batch.TopicIDs, batch.SketchIDs,
			batch.ReviewInput, batch.ReviewTarget, batch.Mask)
		if step == 0 {
			userVar := ctx.InspectVariable(ctx.Scope()+"/"+ScopeAttributes+"/user", "embeddings")
			require.NotNil(t, userVar)
			userAfterFirstStep = userVar.MustValue().Value()
		}
	}
	require.EqualValues(t, numSteps, optimizers.GetGlobalStep(ctx))

	// The trained tables moved, the frozen tables are bit-identical to their
	// construction values.
	userVar := ctx.InspectVariable(ctx.Scope()+"/"+ScopeAttributes+"/user", "embeddings")
	assert.NotEqual(t, userAfterFirstStep, userVar.MustValue().Value(),
		"user embeddings did not change over %d optimizer steps", numSteps)
	ratingVar := ctx.InspectVariable(ctx.Scope()+"/"+ScopeAttributes+"/rating", "embeddings")
	require.NotNil(t, ratingVar)
	assert.Equal(t, identityBlockTable(5, 8).Value(), ratingVar.MustValue().Value())
	aspectVar := ctx.InspectVariable(ctx.Scope()+"/"+ScopeDecoder+"/aspects", "embeddings")
	require.NotNil(t, aspectVar)
	assert.Equal(t, testAspectVectors(vocab, 6).Value(), aspectVar.MustValue().Value())
}

func TestNewModelValidation(t *testing.T) {
	vocab := testVocab(50, 8, 12)
	aspects := testAspectVectors(vocab, 6)

	ctx := testModelContext()
	ctx.SetParam(ParamAttributeSize, 3) // Smaller than the 5 rating levels.
	_, err := NewModel(ctx, vocab, 4, 5, aspects)
	require.ErrorContains(t, err, "identity block")

	ctx = testModelContext()
	_, err = NewModel(ctx, vocab, 0, 5, aspects)
	require.ErrorContains(t, err, "at least one user")

	// Aspect vectors must have one row per non-reserved topic.
	ctx = testModelContext()
	wrongAspects := tensors.FromFlatDataAndDimensions(make([]float32, 4*6), 4, 6)
	_, err = NewModel(ctx, vocab, 4, 5, wrongAspects)
	require.ErrorContains(t, err, "aspect vectors")
}
