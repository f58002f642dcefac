// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package mnli

import (
	"math/rand"
	"sync"

	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Stage selects which datasets DataModule.Setup builds.
type Stage string

// Stages of a run.
const (
	StageFit  Stage = "fit"
	StageTest Stage = "test"
)

// Dataset names, also used as prefix of the metrics computed on them.
const (
	SourceTrainName = "source_train"
	TargetTrainName = "target_train"
	SourceValName   = "source_val"
	TargetValName   = "target_val"
	SourceTestName  = "source_test"
	TargetTestName  = "target_test"
)

// DataModule provides the datasets of a source/target pair of genres: a training dataset pairing
// labeled source batches with target batches, and labeled validation and test datasets for both
// domains.
type DataModule struct {
	hp              *hparams.Hyperparameters
	source, target  Genre
	tokenizer       Tokenizer
	special         PairSpecialTokens
	ShowProgressBar bool

	mu       sync.Mutex
	prepared bool
	train    *SourceTargetDataset
	val      []*PairDataset
	test     []*PairDataset
}

// NewDataModule creates the data module for the source and target genres of hp.
func NewDataModule(hp *hparams.Hyperparameters, tok Tokenizer) (*DataModule, error) {
	source, err := ParseGenre(hp.SourceDomain())
	if err != nil {
		return nil, err
	}
	target, err := ParseGenre(hp.TargetDomain())
	if err != nil {
		return nil, err
	}
	special, err := PairTokens(tok)
	if err != nil {
		return nil, err
	}
	return &DataModule{
		hp:        hp,
		source:    source,
		target:    target,
		tokenizer: tok,
		special:   special,
	}, nil
}

// Source genre.
func (dm *DataModule) Source() Genre { return dm.source }

// Target genre.
func (dm *DataModule) Target() Genre { return dm.target }

// PrepareData downloads the corpus if needed and writes the split files of both genres.
func (dm *DataModule) PrepareData() error {
	if err := DownloadIfMissing(dm.hp.DatasetCacheDir, dm.ShowProgressBar); err != nil {
		return errors.WithMessage(err, "failed to download MultiNLI")
	}
	if err := PrepareGenres(dm.hp.DatasetCacheDir, dm.source, dm.target); err != nil {
		return errors.WithMessagef(err, "failed to prepare genres %q and %q", dm.source, dm.target)
	}
	dm.mu.Lock()
	dm.prepared = true
	dm.mu.Unlock()
	return nil
}

// splitRequest is one split to load and tokenize.
type splitRequest struct {
	genre Genre
	split Split
	pairs []EncodedPair
	label []Label
}

// loadSplits loads and tokenizes the requested splits concurrently.
func (dm *DataModule) loadSplits(requests ...*splitRequest) error {
	var g errgroup.Group
	for _, req := range requests {
		g.Go(func() error {
			examples, err := LoadSplit(dm.hp.DatasetCacheDir, req.genre, req.split)
			if err != nil {
				return err
			}
			for ii, ex := range examples {
				if int(ex.Label) >= dm.hp.NumClasses {
					return errors.Errorf("example %d of %s/%s has label %s (%d), out of range for num_classes=%d",
						ii, req.genre, req.split, ex.Label, ex.Label, dm.hp.NumClasses)
				}
			}
			req.pairs, req.label = TokenizeExamples(dm.tokenizer, dm.special, examples, dm.hp.MaxSeqLength)
			klog.V(1).Infof("Tokenized %d examples of %s/%s", len(examples), req.genre, req.split)
			return nil
		})
	}
	return g.Wait()
}

// TokenizeExamples encodes each example as a sentence pair.
func TokenizeExamples(tok Tokenizer, special PairSpecialTokens, examples []Example, maxLen int) ([]EncodedPair, []Label) {
	pairs := make([]EncodedPair, len(examples))
	labels := make([]Label, len(examples))
	for ii, ex := range examples {
		pairs[ii] = EncodePair(tok, special, ex.Premise, ex.Hypothesis, maxLen)
		labels[ii] = ex.Label
	}
	return pairs, labels
}

func (dm *DataModule) batchConfig(proportion float64) BatchConfig {
	return BatchConfig{
		BatchSize:    dm.hp.BatchSize,
		MaxSeqLength: dm.hp.MaxSeqLength,
		Padding:      dm.hp.Padding,
		PadID:        dm.special.PAD,
		Proportion:   proportion,
	}
}

// Setup builds the datasets of the given stage. PrepareData must have been called before.
func (dm *DataModule) Setup(stage Stage) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if !dm.prepared {
		return errors.Errorf("DataModule.Setup(%q) called before PrepareData", stage)
	}
	switch stage {
	case StageFit:
		return dm.setupFit()
	case StageTest:
		return dm.setupTest()
	default:
		return errors.Errorf("unknown stage %q", stage)
	}
}

func (dm *DataModule) setupFit() error {
	sourceTrain := &splitRequest{genre: dm.source, split: Train}
	targetTrain := &splitRequest{genre: dm.target, split: Train}
	sourceDev := &splitRequest{genre: dm.source, split: Dev}
	targetDev := &splitRequest{genre: dm.target, split: Dev}
	if err := dm.loadSplits(sourceTrain, targetTrain, sourceDev, targetDev); err != nil {
		return err
	}

	config := dm.batchConfig(dm.hp.TrainProportion)
	config.Shuffle = rand.New(rand.NewSource(dm.hp.Seed))
	config.DropIncomplete = len(sourceTrain.pairs) >= config.BatchSize
	source, err := NewPairDataset(SourceTrainName, "train", sourceTrain.pairs, sourceTrain.label, config)
	if err != nil {
		return err
	}
	config = dm.batchConfig(1)
	config.Shuffle = rand.New(rand.NewSource(dm.hp.Seed + 1))
	config.Infinite = true
	target, err := NewPairDataset(TargetTrainName, "target_train", targetTrain.pairs, targetTrain.label, config)
	if err != nil {
		return err
	}
	dm.train, err = NewSourceTargetDataset(SourceTrainName, source, target)
	if err != nil {
		return err
	}

	dm.val = make([]*PairDataset, 0, 2)
	for _, s := range []struct {
		name string
		req  *splitRequest
	}{{SourceValName, sourceDev}, {TargetValName, targetDev}} {
		ds, err := NewPairDataset(s.name, s.name, s.req.pairs, s.req.label, dm.batchConfig(dm.hp.DevProportion))
		if err != nil {
			return err
		}
		dm.val = append(dm.val, ds)
	}
	return nil
}

func (dm *DataModule) setupTest() error {
	sourceTest := &splitRequest{genre: dm.source, split: Test}
	targetTest := &splitRequest{genre: dm.target, split: Test}
	if err := dm.loadSplits(sourceTest, targetTest); err != nil {
		return err
	}
	dm.test = make([]*PairDataset, 0, 2)
	for _, s := range []struct {
		name string
		req  *splitRequest
	}{{SourceTestName, sourceTest}, {TargetTestName, targetTest}} {
		ds, err := NewPairDataset(s.name, s.name, s.req.pairs, s.req.label, dm.batchConfig(dm.hp.TestProportion))
		if err != nil {
			return err
		}
		dm.test = append(dm.test, ds)
	}
	return nil
}

// TrainDataset returns the source/target training dataset, built by Setup(StageFit).
func (dm *DataModule) TrainDataset() (*SourceTargetDataset, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.train == nil {
		return nil, errors.New("training dataset requested before DataModule.Setup(StageFit)")
	}
	return dm.train, nil
}

// ValDatasets returns the source and target validation datasets, built by Setup(StageFit).
func (dm *DataModule) ValDatasets() ([]train.Dataset, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.val == nil {
		return nil, errors.New("validation datasets requested before DataModule.Setup(StageFit)")
	}
	return asDatasets(dm.val), nil
}

// TestDatasets returns the source and target test datasets, built by Setup(StageTest).
func (dm *DataModule) TestDatasets() ([]train.Dataset, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.test == nil {
		return nil, errors.New("test datasets requested before DataModule.Setup(StageTest)")
	}
	return asDatasets(dm.test), nil
}

func asDatasets(pairDatasets []*PairDataset) []train.Dataset {
	datasets := make([]train.Dataset, len(pairDatasets))
	for ii, ds := range pairDatasets {
		datasets[ii] = ds
	}
	return datasets
}
