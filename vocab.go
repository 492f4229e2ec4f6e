// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reviewgen

import (
	"encoding/gob"
	"fmt"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Reserved token ids, shared by the word, topic and sketch vocabularies.
const (
	SosID int32 = iota // Start-of-sequence.
	EosID              // End-of-sequence.
	PadID              // Padding.

	// NumReserved is the number of reserved ids at the start of every
	// vocabulary.
	NumReserved = 3
)

// Vocab holds the three vocabularies of a corpus. Position i of each slice is
// the token with id i; the first NumReserved positions are the reserved
// markers.
type Vocab struct {
	Words    []string
	Topics   []string
	Sketches []string
}

func (v *Vocab) NumWords() int    { return len(v.Words) }
func (v *Vocab) NumTopics() int   { return len(v.Topics) }
func (v *Vocab) NumSketches() int { return len(v.Sketches) }

// Pair is one training example: the attribute triple plus the aligned topic,
// sketch and review token sequences.
type Pair struct {
	User, Item, Rating int32

	Topics []int32
	Sketch []int32
	Review []int32
}

// CorpusData is the preprocessed dataset for one corpus, as stored in
// <dataDir>/<corpus>_data.gob.
type CorpusData struct {
	Vocab *Vocab

	Train, Valid, Test []*Pair
}

// CorpusDataPath returns the path of the preprocessed dataset for a corpus.
func CorpusDataPath(dataDir, corpus string) string {
	return path.Join(dataDir, fmt.Sprintf("%s_data.gob", corpus))
}

// LoadCorpusData reads the preprocessed dataset for the given corpus. The
// dataset must have been generated beforehand, there is no fallback.
func LoadCorpusData(dataDir, corpus string) (*CorpusData, error) {
	filePath := CorpusDataPath(dataDir, corpus)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open corpus data %q", filePath)
	}
	defer func() { _ = f.Close() }()
	data := &CorpusData{}
	if err = gob.NewDecoder(f).Decode(data); err != nil {
		return nil, errors.Wrapf(err, "failed to decode corpus data %q", filePath)
	}
	if data.Vocab == nil || data.Vocab.NumWords() <= int(NumReserved) {
		return nil, errors.Errorf("corpus data %q has an empty vocabulary", filePath)
	}
	return data, nil
}

// SaveCorpusData writes the preprocessed dataset for the given corpus, to be
// read back by LoadCorpusData.
func SaveCorpusData(dataDir, corpus string, data *CorpusData) error {
	filePath := CorpusDataPath(dataDir, corpus)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create corpus data %q", filePath)
	}
	if err = gob.NewEncoder(f).Encode(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode corpus data %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close corpus data %q", filePath)
}

// LoadAttributeDict reads a gob-encoded map of attribute name (user or item)
// to its id, from <dataDir>/<name>.gob. Only its size feeds the model, but the
// mapping is needed to batchify new raw data.
func LoadAttributeDict(dataDir, name string) (map[string]int32, error) {
	filePath := path.Join(dataDir, name+".gob")
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open attribute dictionary %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var dict map[string]int32
	if err = gob.NewDecoder(f).Decode(&dict); err != nil {
		return nil, errors.Wrapf(err, "failed to decode attribute dictionary %q", filePath)
	}
	if len(dict) == 0 {
		return nil, errors.Errorf("attribute dictionary %q is empty", filePath)
	}
	return dict, nil
}

// AspectVectorsFileName under dataDir holds the pretrained aspect vectors, a
// gob-encoded [][]float32 with one row per non-reserved topic.
const AspectVectorsFileName = "aspect_vectors.gob"

// LoadAspectVectors reads the pretrained aspect vectors and returns them as a
// tensor shaped [vocab.NumTopics()-NumReserved, aspectSize]. These are frozen
// during training.
func LoadAspectVectors(dataDir string, vocab *Vocab, aspectSize int) (*tensors.Tensor, error) {
	filePath := path.Join(dataDir, AspectVectorsFileName)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open aspect vectors %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var rows [][]float32
	if err = gob.NewDecoder(f).Decode(&rows); err != nil {
		return nil, errors.Wrapf(err, "failed to decode aspect vectors %q", filePath)
	}
	wantRows := vocab.NumTopics() - int(NumReserved)
	if len(rows) != wantRows {
		return nil, errors.Errorf("aspect vectors %q have %d rows, want %d (one per non-reserved topic)",
			filePath, len(rows), wantRows)
	}
	flat := make([]float32, 0, wantRows*aspectSize)
	for i, row := range rows {
		if len(row) != aspectSize {
			return nil, errors.Errorf("aspect vectors %q: row %d has %d values, want %d",
				filePath, i, len(row), aspectSize)
		}
		flat = append(flat, row...)
	}
	return tensors.FromFlatDataAndDimensions(flat, wantRows, aspectSize), nil
}
