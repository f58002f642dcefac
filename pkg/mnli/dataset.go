// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package mnli

import (
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Padding strategies.
const (
	PadToMaxLength = "max_length"
	PadToLongest   = "longest"
)

// BatchConfig configures how a PairDataset builds its batches.
type BatchConfig struct {
	BatchSize    int
	MaxSeqLength int

	// Padding is either PadToMaxLength or PadToLongest. With PadToLongest the sequence
	// length is the longest pair of the batch rounded up to a power of 2 (and at most
	// MaxSeqLength), which bounds the number of distinct shapes to JIT-compile.
	Padding string
	PadID   int

	// Proportion of the batches of a pass over the data to yield, in (0, 1].
	Proportion float64

	// Infinite datasets restart (and reshuffle) automatically instead of returning io.EOF.
	Infinite bool

	// DropIncomplete drops the last batch when it has fewer than BatchSize examples.
	DropIncomplete bool

	// Shuffle, if not nil, shuffles the examples on every Reset.
	Shuffle *rand.Rand
}

// PairDataset serves batches of tokenized sentence pairs.
//
// Inputs are `[input_ids, attention_mask, token_type_ids]`, all shaped `[batch_size, seq_len]`
// with dtype Int64. Labels are `[labels]` shaped `[batch_size, 1]` with dtype Int32.
type PairDataset struct {
	name, shortName string
	pairs           []EncodedPair
	labels          []Label
	config          BatchConfig

	// muOrder protects the iteration state, so Yield can be called concurrently.
	muOrder        sync.Mutex
	order          []int
	pos            int
	batchesYielded int
}

// Assert *PairDataset implements train.Dataset.
var (
	_ train.Dataset      = &PairDataset{}
	_ train.HasShortName = &PairDataset{}
)

// NewPairDataset creates a dataset over the given pairs. labels must have the same length as pairs.
func NewPairDataset(name, shortName string, pairs []EncodedPair, labels []Label, config BatchConfig) (*PairDataset, error) {
	if len(pairs) != len(labels) {
		return nil, errors.Errorf("dataset %q has %d pairs but %d labels", name, len(pairs), len(labels))
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("dataset %q is empty", name)
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, config.BatchSize)
	}
	if config.MaxSeqLength <= 0 {
		return nil, errors.Errorf("dataset %q: max sequence length must be > 0, got %d", name, config.MaxSeqLength)
	}
	if config.Padding != PadToMaxLength && config.Padding != PadToLongest {
		return nil, errors.Errorf("dataset %q: invalid padding %q", name, config.Padding)
	}
	if config.Proportion <= 0 || config.Proportion > 1 {
		config.Proportion = 1
	}
	if config.DropIncomplete && len(pairs) < config.BatchSize {
		return nil, errors.Errorf("dataset %q has %d examples, less than one batch of %d",
			name, len(pairs), config.BatchSize)
	}
	ds := &PairDataset{
		name:      name,
		shortName: shortName,
		pairs:     pairs,
		labels:    labels,
		config:    config,
		order:     make([]int, len(pairs)),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *PairDataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *PairDataset) ShortName() string { return ds.shortName }

// NumExamples in the dataset.
func (ds *PairDataset) NumExamples() int { return len(ds.pairs) }

// NumBatches returns the number of batches yielded in one pass, taking Proportion into account:
// a fraction p of n batches yields ceil(p*n) batches, and at least 1.
func (ds *PairDataset) NumBatches() int {
	n := len(ds.pairs) / ds.config.BatchSize
	if !ds.config.DropIncomplete && len(ds.pairs)%ds.config.BatchSize != 0 {
		n++
	}
	if ds.config.Proportion < 1 {
		n = int(math.Ceil(ds.config.Proportion * float64(n)))
	}
	return max(n, 1)
}

// WithProportion sets the fraction of batches yielded per pass and resets the dataset.
func (ds *PairDataset) WithProportion(proportion float64) *PairDataset {
	ds.muOrder.Lock()
	if proportion <= 0 || proportion > 1 {
		proportion = 1
	}
	ds.config.Proportion = proportion
	ds.muOrder.Unlock()
	ds.Reset()
	return ds
}

// Reset implements train.Dataset. It reshuffles the examples if a shuffle was configured.
func (ds *PairDataset) Reset() {
	ds.muOrder.Lock()
	defer ds.muOrder.Unlock()
	ds.resetLocked()
}

func (ds *PairDataset) resetLocked() {
	if ds.config.Shuffle != nil {
		ds.config.Shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
	ds.pos = 0
	ds.batchesYielded = 0
}

// nextIndices selects the examples of the next batch, or returns io.EOF at the end of a pass.
func (ds *PairDataset) nextIndices() ([]int, error) {
	ds.muOrder.Lock()
	defer ds.muOrder.Unlock()
	exhausted := func() bool {
		if ds.batchesYielded >= ds.NumBatches() || ds.pos >= len(ds.order) {
			return true
		}
		return ds.config.DropIncomplete && ds.pos+ds.config.BatchSize > len(ds.order)
	}
	if exhausted() {
		if !ds.config.Infinite {
			return nil, io.EOF
		}
		ds.resetLocked()
	}
	end := min(ds.pos+ds.config.BatchSize, len(ds.order))
	indices := make([]int, end-ds.pos)
	copy(indices, ds.order[ds.pos:end])
	ds.pos = end
	ds.batchesYielded++
	return indices, nil
}

// Yield implements train.Dataset. spec is always nil. It can be called concurrently.
func (ds *PairDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, err := ds.nextIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = ds.buildInputs(indices)
	labelsData := make([]int32, len(indices))
	for ii, idx := range indices {
		labelsData[ii] = int32(ds.labels[idx])
	}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelsData, len(indices), 1)}
	return nil, inputs, labels, nil
}

// yieldInputs is like Yield, but without building the labels.
func (ds *PairDataset) yieldInputs() ([]*tensors.Tensor, error) {
	indices, err := ds.nextIndices()
	if err != nil {
		return nil, err
	}
	return ds.buildInputs(indices), nil
}

// SeqLenFor returns the padded sequence length of a batch whose longest pair has longest tokens.
func (ds *PairDataset) SeqLenFor(longest int) int {
	if ds.config.Padding == PadToMaxLength {
		return ds.config.MaxSeqLength
	}
	seqLen := 1
	for seqLen < longest {
		seqLen <<= 1
	}
	return min(seqLen, ds.config.MaxSeqLength)
}

func (ds *PairDataset) buildInputs(indices []int) []*tensors.Tensor {
	longest := 0
	for _, idx := range indices {
		longest = max(longest, ds.pairs[idx].Len())
	}
	seqLen := ds.SeqLenFor(longest)
	batchSize := len(indices)
	ids := make([]int64, batchSize*seqLen)
	mask := make([]int64, batchSize*seqLen)
	types := make([]int64, batchSize*seqLen)
	for batchIdx, idx := range indices {
		pair := ds.pairs[idx]
		row := batchIdx * seqLen
		for pos := range seqLen {
			if pos < pair.Len() {
				ids[row+pos] = int64(pair.InputIDs[pos])
				mask[row+pos] = 1
				types[row+pos] = int64(pair.TokenTypeIDs[pos])
			} else {
				ids[row+pos] = int64(ds.config.PadID)
			}
		}
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(ids, batchSize, seqLen),
		tensors.FromFlatDataAndDimensions(mask, batchSize, seqLen),
		tensors.FromFlatDataAndDimensions(types, batchSize, seqLen),
	}
}

// SourceTargetDataset is the training dataset of domain adaptation: each batch pairs a labeled
// batch of the source domain with a batch of the target domain, whose labels are not used.
//
// Inputs are the 3 source inputs followed by the 3 target inputs, labels are the source labels.
// An epoch ends when the source is exhausted, the target cycles indefinitely.
type SourceTargetDataset struct {
	name   string
	source *PairDataset
	target *PairDataset
}

// Assert *SourceTargetDataset implements train.Dataset.
var (
	_ train.Dataset      = &SourceTargetDataset{}
	_ train.HasShortName = &SourceTargetDataset{}
)

// NewSourceTargetDataset joins source and target. The target must be configured as Infinite.
func NewSourceTargetDataset(name string, source, target *PairDataset) (*SourceTargetDataset, error) {
	if !target.config.Infinite {
		return nil, errors.Errorf("target dataset %q must be infinite to be paired with %q", target.Name(), source.Name())
	}
	return &SourceTargetDataset{name: name, source: source, target: target}, nil
}

// Name implements train.Dataset.
func (ds *SourceTargetDataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *SourceTargetDataset) ShortName() string { return ds.source.ShortName() }

// Source returns the labeled source dataset.
func (ds *SourceTargetDataset) Source() *PairDataset { return ds.source }

// Target returns the target dataset.
func (ds *SourceTargetDataset) Target() *PairDataset { return ds.target }

// Reset implements train.Dataset. Only the source is reset.
func (ds *SourceTargetDataset) Reset() { ds.source.Reset() }

// Yield implements train.Dataset.
func (ds *SourceTargetDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	_, inputs, labels, err = ds.source.Yield()
	if err != nil {
		return nil, nil, nil, err
	}
	targetInputs, err := ds.target.yieldInputs()
	if err != nil {
		for _, t := range inputs {
			t.MustFinalizeAll()
		}
		labels[0].MustFinalizeAll()
		return nil, nil, nil, errors.WithMessagef(err, "while reading target dataset %q", ds.target.Name())
	}
	inputs = append(inputs, targetInputs...)
	return nil, inputs, labels, nil
}
