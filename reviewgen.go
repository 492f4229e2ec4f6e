// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reviewgen trains a coarse-to-fine review generation model: given a
// (user, item, rating) attribute triple, a sequence of topics and a sketch
// sequence, it learns to emit the review text one token at a time.
//
// The model has three trainable groups, each with its own Adam optimizer and
// gradient clipping:
//
//   - An attribute encoder that embeds user, item and rating and projects them
//     to the decoder's initial recurrent state.
//   - A bidirectional LSTM encoder over the sketch sequence.
//   - A recurrent decoder that at every step attends over the attribute
//     memory, the topic memory and the sketch memory.
//
// The main entry point is TrainModel. See demo/ for a command-line trainer.
package reviewgen

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

const (
	// ParamCorpus is the name of the corpus to train on. The preprocessed
	// dataset is expected at <dataDir>/<corpus>_data.gob.
	ParamCorpus = "corpus"

	// ParamNumLayers is the number of recurrent layers in the decoder, and the
	// number of layer states produced by the attribute encoder.
	ParamNumLayers = "num_layers"

	// ParamHiddenSize is the width of the recurrent hidden states.
	ParamHiddenSize = "hidden_size"

	// ParamEmbeddingSize is the width of the word, topic and sketch token
	// embeddings.
	ParamEmbeddingSize = "embedding_size"

	// ParamAttributeSize is the width of the user, item and rating embeddings.
	// It must be at least ParamNumRatings, since the rating table is a frozen
	// identity block padded with zeros to this width.
	ParamAttributeSize = "attribute_size"

	// ParamNumRatings is the number of distinct rating values.
	ParamNumRatings = "num_ratings"

	// ParamAspectSize is the width of the pretrained aspect vectors loaded
	// from <dataDir>/aspect_vectors.gob.
	ParamAspectSize = "aspect_size"

	// ParamBatchSize is the training batch size.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the batch size used for the validation and test
	// splits.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamNumEpochs caps the number of training epochs. Training usually
	// stops earlier, when the validation loss degrades.
	ParamNumEpochs = "num_epochs"

	// ParamClipNorm is the maximum gradient norm per parameter group.
	ParamClipNorm = "grad_clip_norm"

	// ParamLRDecayRatio and ParamLRDecayEpochs control the stepwise learning
	// rate schedule: at epoch e every group's learning rate is set to
	// base * ratio^(e/decayEpochs), using integer division. The decay is
	// recomputed from the base rate every epoch, it does not compound.
	ParamLRDecayRatio  = "lr_decay_ratio"
	ParamLRDecayEpochs = "lr_decay_epochs"
)

// Context parameters persisted with each checkpoint, recording training
// progress. They are not hyperparameters.
const (
	// ParamTrainedEpoch is the last epoch whose validation loss improved over
	// all previous epochs. It is -1 before any epoch finishes.
	ParamTrainedEpoch = "review_epoch"

	// ParamBestValidLoss is the best validation loss seen so far.
	ParamBestValidLoss = "review_best_valid_loss"

	// ParamCheckpointVersion guards against loading checkpoints written by an
	// incompatible version of this package.
	ParamCheckpointVersion = "review_checkpoint_version"
)

// CheckpointVersion is stored in ParamCheckpointVersion on every save.
const CheckpointVersion = 1

// CreateDefaultContext creates a context.Context with the default
// hyperparameters used by TrainModel. Flags may override them, see
// commandline.CreateContextSettingsFlag.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		ParamCorpus:        "electronic",
		ParamNumLayers:     2,
		ParamHiddenSize:    512,
		ParamEmbeddingSize: 512,
		ParamAttributeSize: 64,
		ParamNumRatings:    5,
		ParamAspectSize:    100,
		ParamBatchSize:     128,
		ParamEvalBatchSize: 10,
		ParamNumEpochs:     40,
		ParamClipNorm:      5.0,
		ParamLRDecayRatio:  0.8,
		ParamLRDecayEpochs: 5,

		optimizers.ParamLearningRate: 0.0001,
		layers.ParamDropoutRate:      0.1,
	})
	return ctx
}
