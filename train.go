// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	"fmt"
	"math"
	"math/rand"
	"path"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var summaryStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	Padding(0, 1)

// batchShuffleSeed makes the one-time shuffle before batchification
// reproducible, so a rebuilt cache holds the same batches.
const batchShuffleSeed = 42

// TrainModel runs the full training loop for the review generation model:
// it loads the corpus, the attribute dictionaries and the aspect vectors from
// dataDir, batchifies the three splits (with a disk cache), and trains with
// one Adam per parameter group until the validation loss stops improving or
// ParamNumEpochs is reached.
//
// Checkpoints go to <dataDir>/model/<numLayers>_<hiddenSize>_<batchSize>/,
// saved only on validation improvement; an existing checkpoint there resumes
// training from the epoch after its last improvement. Loss curves are
// appended to the plots file in the checkpoint directory -- dataDir holds a
// single corpus, so the curves are keyed by corpus and architecture together.
//
// paramsSet names the hyperparameters explicitly set (e.g. from the command
// line); they are kept out of checkpoint loading, so they win over values
// stored with the checkpoint.
//
// It panics on any error: missing data files, incompatible checkpoints or a
// non-finite loss are not recoverable. Use exceptions.TryCatch to get an
// error value instead.
func TrainModel(ctx *context.Context, dataDir string, paramsSet []string, verbosity int) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	backend := backends.MustNew()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Corpus and auxiliary lookups. All must have been generated beforehand.
	corpus := context.GetParamOr(ctx, ParamCorpus, "")
	data := must.M1(LoadCorpusData(dataDir, corpus))
	users := must.M1(LoadAttributeDict(dataDir, "users"))
	items := must.M1(LoadAttributeDict(dataDir, "items"))
	aspectSize := context.GetParamOr(ctx, ParamAspectSize, 100)
	aspects := must.M1(LoadAspectVectors(dataDir, data.Vocab, aspectSize))

	batchSize := context.GetParamOr(ctx, ParamBatchSize, 128)
	evalBatchSize := context.GetParamOr(ctx, ParamEvalBatchSize, 10)
	rng := rand.New(rand.NewSource(batchShuffleSeed))
	trainBatches := must.M1(CachedBatches(dataDir, "training", batchSize,
		func() ([]*Batch, error) { return Batchify(data.Train, batchSize, true, rng) }))
	validBatches := must.M1(CachedBatches(dataDir, "val", evalBatchSize,
		func() ([]*Batch, error) { return Batchify(data.Valid, evalBatchSize, false, nil) }))
	testBatches := must.M1(CachedBatches(dataDir, "test", evalBatchSize,
		func() ([]*Batch, error) { return Batchify(data.Test, evalBatchSize, false, nil) }))
	if len(trainBatches) == 0 {
		exceptions.Panicf("corpus %q has %d training examples, not enough for one batch of %d",
			corpus, len(data.Train), batchSize)
	}
	if verbosity >= 1 {
		fmt.Printf("Corpus %q:\t%d words, %d topics, %d sketches, %d users, %d items\n",
			corpus, data.Vocab.NumWords(), data.Vocab.NumTopics(), data.Vocab.NumSketches(),
			len(users), len(items))
		fmt.Printf("Batches:\t%d train (size %d), %d valid, %d test (size %d)\n",
			len(trainBatches), batchSize, len(validBatches), len(testBatches), evalBatchSize)
	}

	model := must.M1(NewModel(ctx, data.Vocab, len(users), len(items), aspects))

	// Checkpointing: the directory is keyed by the architecture, and loading
	// happens here if it already holds a checkpoint.
	ctx = ctx.In("model")
	numLayers := context.GetParamOr(ctx, ParamNumLayers, 2)
	hiddenSize := context.GetParamOr(ctx, ParamHiddenSize, 512)
	checkpointDir := fmt.Sprintf("model/%d_%d_%d", numLayers, hiddenSize, batchSize)
	numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
	checkpoint := must.M1(checkpoints.Build(ctx).
		DirFromBase(checkpointDir, dataDir).
		Keep(numCheckpointsToKeep).
		ExcludeParams(paramsSet...).
		Done())
	if v := context.GetParamOr(ctx, ParamCheckpointVersion, CheckpointVersion); v != CheckpointVersion {
		exceptions.Panicf("checkpoint in %s has version %d, this binary requires version %d -- "+
			"remove the directory to train from scratch", checkpoint.Dir(), v, CheckpointVersion)
	}
	ctx.SetParam(ParamCheckpointVersion, CheckpointVersion)
	globalStep := optimizers.GetGlobalStep(ctx)
	if globalStep != 0 && verbosity >= 1 {
		fmt.Printf("Resuming:\tglobal step %d from %s\n", globalStep, checkpoint.Dir())
	}

	baseLR := context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.AdamDefaultLearningRate)
	clipNorm := context.GetParamOr(ctx, ParamClipNorm, 5.0)
	optimizer := GroupedAdam(ParameterGroups...).
		ClipNorm(clipNorm).
		LearningRate(baseLR).
		Done()
	trainer := train.NewTrainer(backend, ctx, model.ModelGraph, MaskedSparseCrossEntropyLoss,
		optimizer, nil, nil)
	if globalStep != 0 {
		trainer.SetContext(ctx.Reuse())
	}
	validDS := NewBatchesDataset("valid", validBatches)
	testDS := NewBatchesDataset("test", testBatches)

	pointsWriter, pointsErr := plots.CreatePointsWriter(path.Join(checkpoint.Dir(), plots.TrainingPlotFileName))

	decayRatio := context.GetParamOr(ctx, ParamLRDecayRatio, 0.8)
	decayEpochs := context.GetParamOr(ctx, ParamLRDecayEpochs, 5)
	numEpochs := context.GetParamOr(ctx, ParamNumEpochs, 40)
	bestValid := context.GetParamOr(ctx, ParamBestValidLoss, math.Inf(1))
	hasBest := !math.IsInf(bestValid, 1)
	firstEpoch := context.GetParamOr(ctx, ParamTrainedEpoch, -1) + 1

	for epoch := firstEpoch; epoch < numEpochs; epoch++ {
		// The schedule is a function of the epoch alone, so a resumed run
		// lands on the same rate as an uninterrupted one.
		lr := DecayedLearningRate(baseLR, decayRatio, epoch, decayEpochs)
		for _, group := range ParameterGroups {
			must.M(SetGroupLearningRate(ctx, group, DType, lr))
		}

		start := time.Now()
		var epochLoss float64
		for batchIdx, batch := range trainBatches {
			trainMetrics := must.M1(trainer.TrainStep(nil, batch.Inputs(), batch.Labels()))
			loss := shapes.ConvertTo[float64](trainMetrics[0].Value())
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				exceptions.Panicf("batch loss is %f at epoch %d, batch %d: training diverged", loss, epoch, batchIdx)
			}
			epochLoss += loss
			step := float64(trainer.GlobalStep())
			pointsWriter <- plots.Point{MetricName: "Train/loss", Short: "loss",
				MetricType: metrics.LossMetricType, Step: step, Value: loss}
			pointsWriter <- plots.Point{MetricName: "Train/perplexity", Short: "ppl",
				MetricType: "perplexity", Step: step, Value: math.Exp(loss)}
			if verbosity >= 2 {
				fmt.Printf("Epoch %d [%d/%d]\tlrs=[%.3g %.3g %.3g]\tloss=%.4f\tppl=%.2f\n",
					epoch, batchIdx+1, len(trainBatches), lr, lr, lr, loss, math.Exp(loss))
			}
		}
		epochLoss /= float64(len(trainBatches))

		validLoss := evalLoss(trainer, validDS)
		step := float64(trainer.GlobalStep())
		pointsWriter <- plots.Point{MetricName: "Valid/loss", Short: "vloss",
			MetricType: metrics.LossMetricType, Step: step, Value: validLoss}
		if verbosity >= 1 {
			fmt.Printf("Epoch %d:\tlr=%.3g\ttrain loss=%.4f\tvalid loss=%.4f\tppl=%.2f\t(%s)\n",
				epoch, lr, epochLoss, validLoss, math.Exp(validLoss), time.Since(start).Round(time.Second))
		}

		improved, stop := epochDecision(validLoss, bestValid, hasBest)
		if improved {
			bestValid, hasBest = validLoss, true
			ctx.SetParam(ParamTrainedEpoch, epoch)
			ctx.SetParam(ParamBestValidLoss, bestValid)
			must.M(checkpoint.Save())
			testLoss := evalLoss(trainer, testDS)
			pointsWriter <- plots.Point{MetricName: "Test/loss", Short: "tloss",
				MetricType: metrics.LossMetricType, Step: step, Value: testLoss}
			if verbosity >= 1 {
				fmt.Printf("\tcheckpoint saved, test loss=%.4f, ppl=%.2f\n", testLoss, math.Exp(testLoss))
			}
		}
		if stop {
			if verbosity >= 1 {
				fmt.Printf("Early stop:\tvalid loss %.4f exceeded best %.4f\n", validLoss, bestValid)
			}
			break
		}
	}

	close(pointsWriter)
	if err := <-pointsErr; err != nil {
		klog.Errorf("Failed to write training plot points: %+v", err)
	}
	if verbosity >= 1 && hasBest {
		fmt.Println(summaryStyle.Render(fmt.Sprintf(
			"Best validation loss: %.4f (epoch %d)\nCheckpoint: %s",
			bestValid, context.GetParamOr(ctx, ParamTrainedEpoch, -1), checkpoint.Dir())))
	}
}

// epochDecision applies the checkpoint and early-stop policy to one epoch's
// validation loss: checkpoint on any improvement over the best loss so far
// (always on the first epoch), stop once the loss degrades past the best.
// A loss exactly equal to the best does neither.
func epochDecision(validLoss, bestValid float64, hasBest bool) (improved, stop bool) {
	improved = !hasBest || validLoss < bestValid
	stop = hasBest && validLoss > bestValid
	return
}

// evalLoss runs one evaluation pass over the dataset and returns the mean
// loss. Evaluation graphs are built in inference mode, so dropout is off.
func evalLoss(trainer *train.Trainer, ds train.Dataset) float64 {
	evalMetrics := must.M1(trainer.Eval(ds))
	for i, desc := range trainer.EvalMetrics() {
		if desc.MetricType() == metrics.LossMetricType {
			loss := shapes.ConvertTo[float64](evalMetrics[i].Value())
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				exceptions.Panicf("evaluation loss on %q is %f: training diverged", ds.Name(), loss)
			}
			return loss
		}
	}
	exceptions.Panicf("trainer has no loss metric to evaluate %q with", ds.Name())
	return math.NaN()
}
