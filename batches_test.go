// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	"encoding/gob"
	"io"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPairs() []*Pair {
	return []*Pair{
		{User: 0, Item: 1, Rating: 2,
			Topics: []int32{3, 4},
			Sketch: []int32{3, 4, 5},
			Review: []int32{3, 4, 5, 6}},
		{User: 1, Item: 0, Rating: 4,
			Topics: []int32{4},
			Sketch: []int32{5},
			Review: []int32{7, 8}},
		{User: 2, Item: 2, Rating: 0,
			Topics: []int32{3},
			Sketch: []int32{6, 7},
			Review: []int32{9}},
	}
}

func TestBatchify(t *testing.T) {
	batches, err := Batchify(testPairs(), 2, false, nil)
	require.NoError(t, err)
	require.Len(t, batches, 1, "the trailing incomplete batch must be dropped")
	b := batches[0]

	assert.Equal(t, []int{2, NumAttributes}, b.AttrIDs.Shape().Dimensions)
	assert.Equal(t, [][]int32{{0, 1, 2}, {1, 0, 4}}, b.AttrIDs.Value())

	// Topics and sketch padded to the longest in the batch.
	assert.Equal(t, [][]int32{{3, 4}, {4, PadID}}, b.TopicIDs.Value())
	assert.Equal(t, [][]int32{{3, 4, 5}, {5, PadID, PadID}}, b.SketchIDs.Value())

	// Teacher-forced input starts with SosID; the target ends with EosID; the
	// mask covers review length + 1 positions.
	assert.Equal(t, [][]int32{
		{SosID, 3, 4, 5, 6},
		{SosID, 7, 8, PadID, PadID},
	}, b.ReviewInput.Value())
	assert.Equal(t, [][][]int32{
		{{3}, {4}, {5}, {6}, {EosID}},
		{{7}, {8}, {EosID}, {PadID}, {PadID}},
	}, b.ReviewTarget.Value())
	assert.Equal(t, [][]bool{
		{true, true, true, true, true},
		{true, true, true, false, false},
	}, b.Mask.Value())
}

func TestBatchifyRejectsEmptyReview(t *testing.T) {
	pairs := testPairs()
	pairs[1].Review = nil
	_, err := Batchify(pairs, 2, false, nil)
	require.ErrorContains(t, err, "empty review")
}

func TestBatchifyRejectsEmptyAttentionSources(t *testing.T) {
	// An example without topics (or sketch tokens) would give the decoder a
	// fully masked attention row, whose softmax is NaN.
	pairs := testPairs()
	pairs[0].Topics = nil
	_, err := Batchify(pairs, 2, false, nil)
	require.ErrorContains(t, err, "no topics")

	pairs = testPairs()
	pairs[1].Sketch = []int32{}
	_, err = Batchify(pairs, 2, false, nil)
	require.ErrorContains(t, err, "empty sketch")
}

func TestCachedBatches(t *testing.T) {
	dataDir := t.TempDir()
	buildCalls := 0
	build := func() ([]*Batch, error) {
		buildCalls++
		return Batchify(testPairs(), 2, false, nil)
	}

	batches, err := CachedBatches(dataDir, "training", 2, build)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, 1, buildCalls)
	require.FileExists(t, BatchCachePath(dataDir, "training", 2))

	// Second call hits the cache.
	cached, err := CachedBatches(dataDir, "training", 2, build)
	require.NoError(t, err)
	require.Equal(t, 1, buildCalls)
	assert.Equal(t, batches[0].ReviewInput.Value(), cached[0].ReviewInput.Value())
	assert.Equal(t, batches[0].Mask.Value(), cached[0].Mask.Value())

	// A corrupted cache is discarded and rebuilt in place.
	require.NoError(t, os.WriteFile(BatchCachePath(dataDir, "training", 2), []byte("not a gob"), 0666))
	rebuilt, err := CachedBatches(dataDir, "training", 2, build)
	require.NoError(t, err)
	require.Equal(t, 2, buildCalls)
	assert.Equal(t, batches[0].ReviewTarget.Value(), rebuilt[0].ReviewTarget.Value())

	// A cache claiming an absurd batch count must fail at the first tensor
	// decode and rebuild, not allocate for the claimed count.
	f, err := os.Create(BatchCachePath(dataDir, "training", 2))
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(f).Encode(1<<50))
	require.NoError(t, f.Close())
	rebuilt, err = CachedBatches(dataDir, "training", 2, build)
	require.NoError(t, err)
	require.Equal(t, 3, buildCalls)
	require.Len(t, rebuilt, 1)

	// No stray temporary files left behind.
	entries, err := os.ReadDir(path.Dir(BatchCachePath(dataDir, "training", 2)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestBatchesDataset(t *testing.T) {
	batches, err := Batchify(testPairs(), 1, false, nil)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	ds := NewBatchesDataset("valid", batches)
	assert.Equal(t, "valid", ds.Name())
	for i := range batches {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 4)
		require.Len(t, labels, 2)
		assert.Equal(t, batches[i].ReviewInput.Value(), inputs[3].Value())
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, batches[0].AttrIDs.Value(), inputs[0].Value())
}
