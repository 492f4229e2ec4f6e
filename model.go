// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/pkg/errors"
)

// DType used for all model computations.
var DType = dtypes.Float32

// Scopes of the three trainable parameter groups, each optimized by its own
// Adam instance. They are child scopes of the context the trainer runs under.
const (
	ScopeAttributes = "attributes"
	ScopeSketch     = "sketch"
	ScopeDecoder    = "decoder"
)

// ParameterGroups lists the group scopes, in the order their optimizers step.
var ParameterGroups = []string{ScopeAttributes, ScopeSketch, ScopeDecoder}

// Model builds the review generation graph: an attribute encoder, a
// bidirectional sketch encoder and an attention decoder. Create it with
// NewModel and pass Model.ModelGraph to train.NewTrainer.
type Model struct {
	NumLayers     int
	HiddenSize    int
	EmbeddingSize int
	AttributeSize int
	NumRatings    int
	AspectSize    int

	NumUsers, NumItems               int
	NumWords, NumTopics, NumSketches int

	// Frozen tables, uploaded as non-trainable variables on the first graph
	// build.
	ratingTable   *tensors.Tensor // [NumRatings, AttributeSize], identity block.
	aspectVectors *tensors.Tensor // [NumTopics-NumReserved, AspectSize].
}

// NewModel validates the hyperparameters in ctx against the vocabulary and
// the pretrained aspect vectors, and returns a Model ready to build graphs.
func NewModel(ctx *context.Context, vocab *Vocab, numUsers, numItems int, aspectVectors *tensors.Tensor) (*Model, error) {
	m := &Model{
		NumLayers:     context.GetParamOr(ctx, ParamNumLayers, 2),
		HiddenSize:    context.GetParamOr(ctx, ParamHiddenSize, 512),
		EmbeddingSize: context.GetParamOr(ctx, ParamEmbeddingSize, 512),
		AttributeSize: context.GetParamOr(ctx, ParamAttributeSize, 64),
		NumRatings:    context.GetParamOr(ctx, ParamNumRatings, 5),
		AspectSize:    context.GetParamOr(ctx, ParamAspectSize, 100),
		NumUsers:      numUsers,
		NumItems:      numItems,
		NumWords:      vocab.NumWords(),
		NumTopics:     vocab.NumTopics(),
		NumSketches:   vocab.NumSketches(),
		aspectVectors: aspectVectors,
	}
	if m.NumLayers <= 0 || m.HiddenSize <= 0 || m.EmbeddingSize <= 0 {
		return nil, errors.Errorf("model requires positive %q, %q and %q, got %d, %d and %d",
			ParamNumLayers, ParamHiddenSize, ParamEmbeddingSize, m.NumLayers, m.HiddenSize, m.EmbeddingSize)
	}
	if m.AttributeSize < m.NumRatings {
		return nil, errors.Errorf("%q (%d) must be at least %q (%d): the rating table is an identity block of that width",
			ParamAttributeSize, m.AttributeSize, ParamNumRatings, m.NumRatings)
	}
	if numUsers <= 0 || numItems <= 0 {
		return nil, errors.Errorf("model requires at least one user and one item, got %d and %d", numUsers, numItems)
	}
	wantAspects := shapes.Make(DType, m.NumTopics-int(NumReserved), m.AspectSize)
	if !aspectVectors.Shape().Equal(wantAspects) {
		return nil, errors.Errorf("aspect vectors shaped %s, want %s (one row per non-reserved topic)",
			aspectVectors.Shape(), wantAspects)
	}
	m.ratingTable = identityBlockTable(m.NumRatings, m.AttributeSize)
	return m, nil
}

// identityBlockTable builds a [numRows, width] table whose left block is the
// identity and the rest zeros, so each row is a fixed indicator vector.
func identityBlockTable(numRows, width int) *tensors.Tensor {
	flat := make([]float32, numRows*width)
	for i := range numRows {
		flat[i*width+i] = 1
	}
	return tensors.FromFlatDataAndDimensions(flat, numRows, width)
}

// ModelGraph is the train.ModelFn: inputs must be the Batch.Inputs tensors
// (attribute ids, topic ids, sketch ids and review input), and it returns the
// next-token logits shaped [batch, seqLen, NumWords].
func (m *Model) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	if len(inputs) != 4 {
		exceptions.Panicf("model requires 4 inputs (attribute ids, topic ids, sketch ids, review input), got %d", len(inputs))
	}
	attrIDs, topicIDs, sketchIDs, reviewInput := inputs[0], inputs[1], inputs[2], inputs[3]
	attrIDs.AssertDims(-1, NumAttributes)

	attrMemory, initialStates := m.encodeAttributes(ctx.In(ScopeAttributes), attrIDs)
	sketchMemory := m.encodeSketch(ctx.In(ScopeSketch), sketchIDs)
	sketchMask := NotEqual(sketchIDs, Scalar(sketchIDs.Graph(), sketchIDs.DType(), PadID))
	logits := m.decode(ctx.In(ScopeDecoder), reviewInput, initialStates, attrMemory, topicIDs, sketchMemory, sketchMask)
	return []*Node{logits}
}

// encodeAttributes embeds the (user, item, rating) triple and returns the
// attribute memory shaped [batch, NumAttributes, hidden] and the decoder's
// initial layer states shaped [batch, numLayers, hidden].
//
// The user and item tables are trained; the rating table is a frozen identity
// block, a rating only selects which indicator row flows into the encoder.
func (m *Model) encodeAttributes(ctx *context.Context, attrIDs *Node) (memory, initialStates *Node) {
	g := attrIDs.Graph()
	batchSize := attrIDs.Shape().Dim(0)
	column := func(i int) *Node {
		return Reshape(Slice(attrIDs, AxisRange(), AxisElem(i)), batchSize)
	}

	userEmb := layers.Embedding(ctx.In("user"), column(0), DType, m.NumUsers, m.AttributeSize)
	itemEmb := layers.Embedding(ctx.In("item"), column(1), DType, m.NumItems, m.AttributeSize)
	ratingVar := ctx.In("rating").VariableWithValue("embeddings", m.ratingTable).SetTrainable(false)
	ratingEmb := Gather(ratingVar.ValueGraph(g), ExpandAxes(column(2), -1))

	stacked := Stack([]*Node{userEmb, itemEmb, ratingEmb}, 1) // [batch, 3, attrSize]
	memory = layers.Dense(ctx.In("memory"), stacked, true, m.HiddenSize)

	flat := Reshape(stacked, batchSize, NumAttributes*m.AttributeSize)
	initialStates = Tanh(layers.Dense(ctx.In("state"), flat, true, m.NumLayers*m.HiddenSize))
	initialStates = Reshape(initialStates, batchSize, m.NumLayers, m.HiddenSize)
	return
}

// encodeSketch runs a bidirectional LSTM over the sketch tokens and returns
// the memory shaped [batch, sketchLen, hidden], with the two directions
// summed.
func (m *Model) encodeSketch(ctx *context.Context, sketchIDs *Node) *Node {
	embedded := layers.Embedding(ctx.In("embed"), sketchIDs, DType, m.NumSketches, m.EmbeddingSize)
	embedded = layers.DropoutFromContext(ctx, embedded)
	allStates, _, _ := lstm.New(ctx.In("lstm"), embedded, m.HiddenSize).
		Direction(lstm.DirBidirectional).
		Done()
	// allStates: [sketchLen, numDirections, batch, hidden].
	summed := ReduceSum(allStates, 1)
	return TransposeAllDims(summed, 1, 0, 2) // [batch, sketchLen, hidden]
}

// decode runs the unrolled recurrent decoder with teacher forcing: at every
// step the top layer's previous state queries the attribute, topic and sketch
// memories, the contexts join the input token embedding through the GRU
// stack, and the output head emits next-token logits.
func (m *Model) decode(ctx *context.Context, reviewInput, initialStates, attrMemory, topicIDs, sketchMemory, sketchMask *Node) *Node {
	g := reviewInput.Graph()
	batchSize := reviewInput.Shape().Dim(0)
	seqLen := reviewInput.Shape().Dim(1)

	embedded := layers.Embedding(ctx.In("embed"), reviewInput, DType, m.NumWords, m.EmbeddingSize)
	embedded = layers.DropoutFromContext(ctx, embedded)

	topicMemory := m.topicMemory(ctx, topicIDs)
	topicMask := NotEqual(topicIDs, Scalar(g, topicIDs.DType(), PadID))

	// Attention and output weights are created once and shared by all steps.
	attrAttn := newAttention(ctx.In("attr_attention"), g, m.HiddenSize, m.HiddenSize)
	topicAttn := newAttention(ctx.In("topic_attention"), g, m.HiddenSize, m.EmbeddingSize)
	sketchAttn := newAttention(ctx.In("sketch_attention"), g, m.HiddenSize, m.HiddenSize)
	contextSize := m.HiddenSize + m.EmbeddingSize + m.HiddenSize
	cells := make([]*gruCell, m.NumLayers)
	for layer := range cells {
		inputSize := m.HiddenSize
		if layer == 0 {
			inputSize = m.EmbeddingSize + contextSize
		}
		cells[layer] = newGRUCell(ctx.In(fmt.Sprintf("gru_%d", layer)), g, inputSize, m.HiddenSize)
	}
	outputW := ctx.In("output").
		VariableWithShape("weights", shapes.Make(DType, m.HiddenSize+contextSize, m.NumWords)).
		ValueGraph(g)

	states := make([]*Node, m.NumLayers)
	for layer := range states {
		states[layer] = Reshape(
			Slice(initialStates, AxisRange(), AxisElem(layer)),
			batchSize, m.HiddenSize)
	}

	stepLogits := make([]*Node, seqLen)
	for t := range seqLen {
		x := Reshape(Slice(embedded, AxisRange(), AxisElem(t)), batchSize, m.EmbeddingSize)
		query := states[m.NumLayers-1]
		attrContext := attrAttn.attend(query, attrMemory, nil)
		topicContext := topicAttn.attend(query, topicMemory, topicMask)
		sketchContext := sketchAttn.attend(query, sketchMemory, sketchMask)

		input := Concatenate([]*Node{x, attrContext, topicContext, sketchContext}, -1)
		for layer, cell := range cells {
			states[layer] = cell.step(input, states[layer])
			input = layers.DropoutFromContext(ctx, states[layer])
		}
		output := Concatenate([]*Node{states[m.NumLayers-1], attrContext, topicContext, sketchContext}, -1)
		stepLogits[t] = Einsum("bo,ov->bv", output, outputW)
	}
	return Stack(stepLogits, 1) // [batch, seqLen, NumWords]
}

// topicMemory embeds the topic ids and mixes in the frozen pretrained aspect
// vector of each topic through a trained projection. Reserved ids have no
// aspect row and reuse row 0; their attention weight is masked out anyway.
func (m *Model) topicMemory(ctx *context.Context, topicIDs *Node) *Node {
	g := topicIDs.Graph()
	topicEmb := layers.Embedding(ctx.In("topic_embed"), topicIDs, DType, m.NumTopics, m.EmbeddingSize)
	aspectVar := ctx.In("aspects").VariableWithValue("embeddings", m.aspectVectors).SetTrainable(false)
	aspectIdx := MaxScalar(SubScalar(topicIDs, NumReserved), 0)
	aspectEmb := Gather(aspectVar.ValueGraph(g), ExpandAxes(aspectIdx, -1)) // [batch, topicLen, aspectSize]
	aspectEmb = layers.Dense(ctx.In("aspect_proj"), aspectEmb, false, m.EmbeddingSize)
	return Add(topicEmb, aspectEmb)
}

// attention scores a memory with a learned bilinear form against the query
// and returns the weighted average of the memory entries.
type attention struct {
	weights *Node // [querySize, memorySize]
}

func newAttention(ctx *context.Context, g *Graph, querySize, memorySize int) *attention {
	return &attention{
		weights: ctx.VariableWithShape("weights", shapes.Make(DType, querySize, memorySize)).ValueGraph(g),
	}
}

// attend maps query [batch, querySize] and memory [batch, len, memorySize] to
// a context [batch, memorySize]. If mask [batch, len] is given, masked
// positions get zero weight.
func (a *attention) attend(query, memory, mask *Node) *Node {
	proj := Einsum("bq,qm->bm", query, a.weights)
	scores := Einsum("bm,blm->bl", proj, memory)
	var weights *Node
	if mask != nil {
		weights = MaskedSoftmax(scores, mask, -1)
	} else {
		weights = Softmax(scores, -1)
	}
	return Einsum("bl,blm->bm", weights, memory)
}

// gruCell holds the weights of one GRU layer, laid out like the lstm package:
// one leading axis per gate, ordered update (z), reset (r), candidate (n).
// The candidate's recurrent bias must stay separate from its input bias, the
// reset gate scales only the recurrent half, hence two bias rows per gate.
type gruCell struct {
	gatesW     *Node // [3, hidden, inputSize]
	recurrentW *Node // [3, hidden, hidden]
	biases     *Node // [2, 3, hidden]: input-side and recurrent-side.
	hiddenSize int
}

func newGRUCell(ctx *context.Context, g *Graph, inputSize, hiddenSize int) *gruCell {
	return &gruCell{
		gatesW:     ctx.VariableWithShape("gatesW", shapes.Make(DType, 3, hiddenSize, inputSize)).ValueGraph(g),
		recurrentW: ctx.VariableWithShape("recurrentW", shapes.Make(DType, 3, hiddenSize, hiddenSize)).ValueGraph(g),
		biases:     ctx.VariableWithShape("biasesW", shapes.Make(DType, 2, 3, hiddenSize)).ValueGraph(g),
		hiddenSize: hiddenSize,
	}
}

// step advances the cell: x is [batch, inputSize], h is [batch, hidden], and
// it returns the new hidden state.
func (c *gruCell) step(x, h *Node) *Node {
	batchSize := x.Shape().Dim(0)
	projX := Einsum("bf,nhf->nbh", x, c.gatesW)     // [3, batch, hidden]
	projH := Einsum("bh,njh->nbj", h, c.recurrentW) // [3, batch, hidden]
	gate := func(proj *Node, gateIdx int, biasIdx int) *Node {
		p := Reshape(Slice(proj, AxisElem(gateIdx)), batchSize, c.hiddenSize)
		bias := Reshape(Slice(c.biases, AxisElem(biasIdx), AxisElem(gateIdx)), 1, c.hiddenSize)
		return Add(p, bias)
	}

	update := Sigmoid(Add(gate(projX, 0, 0), gate(projH, 0, 1)))
	reset := Sigmoid(Add(gate(projX, 1, 0), gate(projH, 1, 1)))
	candidate := Tanh(Add(gate(projX, 2, 0), Mul(reset, gate(projH, 2, 1))))
	return Add(Mul(OneMinus(update), candidate), Mul(update, h))
}
