// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	"encoding/gob"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NumAttributes is the size of the attribute tuple: (user, item, rating).
const NumAttributes = 3

// Batch is one batchified group of examples, already converted to tensors.
// Sequences are padded to the longest example in the batch, so shapes vary
// across batches but are fixed within one.
type Batch struct {
	// AttrIDs is shaped int32[batch, NumAttributes], columns ordered user,
	// item, rating.
	AttrIDs *tensors.Tensor

	// TopicIDs is shaped int32[batch, topicLen], padded with PadID.
	TopicIDs *tensors.Tensor

	// SketchIDs is shaped int32[batch, sketchLen], padded with PadID.
	SketchIDs *tensors.Tensor

	// ReviewInput is shaped int32[batch, seqLen]: SosID followed by the review
	// tokens, padded with PadID. It is fed to the decoder under teacher
	// forcing, in training and evaluation alike.
	ReviewInput *tensors.Tensor

	// ReviewTarget is shaped int32[batch, seqLen, 1]: the review tokens
	// followed by EosID, padded with PadID.
	ReviewTarget *tensors.Tensor

	// Mask is shaped bool[batch, seqLen], true on real target positions and
	// false on padding. Every row has at least one true position.
	Mask *tensors.Tensor
}

// Inputs returns the batch tensors fed to the model graph.
func (b *Batch) Inputs() []*tensors.Tensor {
	return []*tensors.Tensor{b.AttrIDs, b.TopicIDs, b.SketchIDs, b.ReviewInput}
}

// Labels returns the batch tensors fed to the loss: the target and its mask.
func (b *Batch) Labels() []*tensors.Tensor {
	return []*tensors.Tensor{b.ReviewTarget, b.Mask}
}

// BatchSize returns the number of examples in the batch.
func (b *Batch) BatchSize() int {
	return b.AttrIDs.Shape().Dim(0)
}

// Batchify groups pairs into batches of exactly batchSize examples, padding
// the topic, sketch and review sequences per batch. A trailing group smaller
// than batchSize is dropped. If shuffle is true pairs are visited in random
// order from rng, otherwise in the given order.
//
// It fails if any pair has an empty review, topics or sketch: an empty review
// would have an all-false mask, which the loss cannot average over, and an
// empty topic or sketch sequence would leave the decoder a fully masked
// attention row, whose softmax is NaN.
func Batchify(pairs []*Pair, batchSize int, shuffle bool, rng *rand.Rand) ([]*Batch, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	for i, p := range pairs {
		if len(p.Review) == 0 {
			return nil, errors.Errorf("pair %d has an empty review: it would yield an all-masked loss", i)
		}
		if len(p.Topics) == 0 {
			return nil, errors.Errorf("pair %d has no topics: its topic attention row would be fully masked", i)
		}
		if len(p.Sketch) == 0 {
			return nil, errors.Errorf("pair %d has an empty sketch: its sketch attention row would be fully masked", i)
		}
	}
	pairs = slices.Clone(pairs)
	if shuffle {
		rng.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })
	}
	numBatches := len(pairs) / batchSize
	batches := make([]*Batch, 0, numBatches)
	for i := range numBatches {
		batches = append(batches, buildBatch(pairs[i*batchSize:(i+1)*batchSize]))
	}
	return batches, nil
}

func buildBatch(pairs []*Pair) *Batch {
	batchSize := len(pairs)
	var topicLen, sketchLen, seqLen int
	for _, p := range pairs {
		topicLen = max(topicLen, len(p.Topics))
		sketchLen = max(sketchLen, len(p.Sketch))
		seqLen = max(seqLen, len(p.Review)+1) // +1 for SosID/EosID.
	}

	attrs := make([]int32, 0, batchSize*NumAttributes)
	topics := make([]int32, 0, batchSize*topicLen)
	sketches := make([]int32, 0, batchSize*sketchLen)
	inputs := make([]int32, 0, batchSize*seqLen)
	targets := make([]int32, 0, batchSize*seqLen)
	mask := make([]bool, 0, batchSize*seqLen)
	for _, p := range pairs {
		attrs = append(attrs, p.User, p.Item, p.Rating)
		topics = appendPadded(topics, p.Topics, topicLen)
		sketches = appendPadded(sketches, p.Sketch, sketchLen)

		inputs = append(inputs, SosID)
		inputs = appendPadded(inputs, p.Review, seqLen-1)
		targets = append(targets, p.Review...)
		targets = appendPadded(targets, []int32{EosID}, seqLen-len(p.Review))
		for t := range seqLen {
			mask = append(mask, t <= len(p.Review))
		}
	}
	return &Batch{
		AttrIDs:      tensors.FromFlatDataAndDimensions(attrs, batchSize, NumAttributes),
		TopicIDs:     tensors.FromFlatDataAndDimensions(topics, batchSize, topicLen),
		SketchIDs:    tensors.FromFlatDataAndDimensions(sketches, batchSize, sketchLen),
		ReviewInput:  tensors.FromFlatDataAndDimensions(inputs, batchSize, seqLen),
		ReviewTarget: tensors.FromFlatDataAndDimensions(targets, batchSize, seqLen, 1),
		Mask:         tensors.FromFlatDataAndDimensions(mask, batchSize, seqLen),
	}
}

func appendPadded(dst, src []int32, length int) []int32 {
	dst = append(dst, src...)
	for i := len(src); i < length; i++ {
		dst = append(dst, PadID)
	}
	return dst
}

// BatchCachePath returns where the batchified split is cached on disk.
func BatchCachePath(dataDir, split string, batchSize int) string {
	return path.Join(dataDir, "batches", fmt.Sprintf("%s_batches_%d.gob", split, batchSize))
}

// CachedBatches returns the batches for a split, reading them from the disk
// cache when present and valid, otherwise calling build and caching its
// result. A missing or unreadable cache is never fatal, it only costs a
// rebuild.
func CachedBatches(dataDir, split string, batchSize int, build func() ([]*Batch, error)) ([]*Batch, error) {
	cachePath := BatchCachePath(dataDir, split, batchSize)
	if batches, ok := loadCachedBatches(cachePath); ok {
		klog.V(1).Infof("Loaded %d %q batches from %s", len(batches), split, cachePath)
		return batches, nil
	}
	batches, err := build()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to batchify split %q", split)
	}
	if err = saveCachedBatches(cachePath, batches); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Batchified and cached %d %q batches to %s", len(batches), split, cachePath)
	return batches, nil
}

func loadCachedBatches(cachePath string) ([]*Batch, bool) {
	f, err := os.Open(cachePath)
	if err != nil {
		return nil, false
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var numBatches int
	if err = dec.Decode(&numBatches); err != nil || numBatches < 0 {
		klog.Warningf("Discarding unreadable batch cache %s: %v", cachePath, err)
		return nil, false
	}
	// The decoded count is untrusted, so no pre-allocation from it: a corrupt
	// count fails at the first tensor decode below.
	var batches []*Batch
	for range numBatches {
		batch := &Batch{}
		for _, t := range []**tensors.Tensor{
			&batch.AttrIDs, &batch.TopicIDs, &batch.SketchIDs,
			&batch.ReviewInput, &batch.ReviewTarget, &batch.Mask} {
			if *t, err = tensors.GobDeserialize(dec); err != nil {
				klog.Warningf("Discarding corrupted batch cache %s: %v", cachePath, err)
				return nil, false
			}
		}
		batches = append(batches, batch)
	}
	return batches, true
}

// saveCachedBatches writes to a temporary file and renames it into place, so
// an interrupted run never leaves a truncated cache behind.
func saveCachedBatches(cachePath string, batches []*Batch) error {
	if err := os.MkdirAll(path.Dir(cachePath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create batch cache directory for %q", cachePath)
	}
	tmpFile, err := os.CreateTemp(path.Dir(cachePath), path.Base(cachePath)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary batch cache for %q", cachePath)
	}
	tmpPath := tmpFile.Name()
	enc := gob.NewEncoder(tmpFile)
	err = enc.Encode(len(batches))
	for _, batch := range batches {
		if err != nil {
			break
		}
		for _, t := range []*tensors.Tensor{
			batch.AttrIDs, batch.TopicIDs, batch.SketchIDs,
			batch.ReviewInput, batch.ReviewTarget, batch.Mask} {
			if err = t.GobSerialize(enc); err != nil {
				break
			}
		}
	}
	if err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to encode batch cache %q", cachePath)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to close batch cache %q", cachePath)
	}
	if err = os.Rename(tmpPath, cachePath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move batch cache into %q", cachePath)
	}
	return nil
}

// batchesDataset adapts a slice of batches to train.Dataset for evaluation:
// one sequential pass, then io.EOF.
type batchesDataset struct {
	name    string
	batches []*Batch
	next    int
}

// NewBatchesDataset wraps pre-built batches as a single-epoch train.Dataset.
func NewBatchesDataset(name string, batches []*Batch) train.Dataset {
	return &batchesDataset{name: name, batches: batches}
}

func (ds *batchesDataset) Name() string { return ds.name }

func (ds *batchesDataset) Reset() { ds.next = 0 }

func (ds *batchesDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.next >= len(ds.batches) {
		return nil, nil, nil, io.EOF
	}
	batch := ds.batches[ds.next]
	ds.next++
	return nil, batch.Inputs(), batch.Labels(), nil
}
