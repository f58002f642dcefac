// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// Package hparams holds the hyperparameters of a domain-task adapter run: they are parsed
// from the command line, validated, copied into the model context and saved next to the
// exported adapter as `hparams_task_adapter.json`.
package hparams

import (
	"encoding/json"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// FileName is the name of the hyperparameters file written in the experiment directory.
const FileName = "hparams_task_adapter.json"

// Padding strategies accepted by the tokenizer.
const (
	PaddingMaxLength = "max_length"
	PaddingLongest   = "longest"
)

// MinNumClasses is the number of MultiNLI labels: entailment, neutral and contradiction.
// The classification head needs at least one logit per label.
const MinNumClasses = 3

// Context parameter keys set by ApplyToContext.
const (
	ParamBatchSize    = "batch_size"
	ParamNumClasses   = "num_classes"
	ParamMaxSeqLength = "max_seq_length"
	ParamSeed         = "seed"
)

// KnownDomains are the MultiNLI genres that can be used as source or target.
var KnownDomains = []string{"fiction", "government", "slate", "telephone", "travel"}

// Hyperparameters of one run. The JSON keys match the hyperparameters file
// written at the end of the run.
type Hyperparameters struct {
	BatchSize           int     `json:"bsz"`
	TrainProportion     float64 `json:"train_proportion"`
	DevProportion       float64 `json:"dev_proportion"`
	TestProportion      float64 `json:"test_proportion"`
	SourceTarget        string  `json:"source_target"`
	NumClasses          int     `json:"num_classes"`
	DatasetCacheDir     string  `json:"dataset_cache_dir"`
	ExpDir              string  `json:"exp_dir"`
	Seed                int64   `json:"seed,string"`
	LearningRate        float64 `json:"learning_rate"`
	Epochs              int     `json:"epochs"`
	GPU                 *int    `json:"gpu"`
	PretrainedModelName string  `json:"pretrained_model_name"`
	MaxSeqLength        int     `json:"max_seq_length"`
	Padding             string  `json:"padding"`

	// LogFreq is the number of training steps between logged metrics. It is not saved.
	LogFreq int `json:"-"`
}

// Flags holds the raw command-line values, before parsing and validation.
// Seed and MaxSeqLength are given as strings on the command line.
type Flags struct {
	DatasetCacheDir     string
	SourceTarget        string
	PretrainedModelName string
	Padding             string
	MaxSeqLength        string
	NumClasses          int
	BatchSize           int
	TrainProportion     float64
	DevProportion       float64
	TestProportion      float64
	ExpDir              string
	Seed                string
	LearningRate        float64
	Epochs              int
	GPU                 int
	GPUSet              bool
	LogFreq             int
}

// FromFlags parses and validates the raw flags.
//
// ExpDir is resolved to `<exp_dir>/<source_target>`: every source/target pair gets its own
// experiment directory.
func FromFlags(f Flags) (*Hyperparameters, error) {
	seed, err := strconv.ParseInt(strings.TrimSpace(f.Seed), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid --seed %q", f.Seed)
	}
	maxSeqLength, err := strconv.Atoi(strings.TrimSpace(f.MaxSeqLength))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid --max-seq-length %q", f.MaxSeqLength)
	}
	hp := &Hyperparameters{
		BatchSize:           f.BatchSize,
		TrainProportion:     f.TrainProportion,
		DevProportion:       f.DevProportion,
		TestProportion:      f.TestProportion,
		SourceTarget:        f.SourceTarget,
		NumClasses:          f.NumClasses,
		DatasetCacheDir:     f.DatasetCacheDir,
		Seed:                seed,
		LearningRate:        f.LearningRate,
		Epochs:              f.Epochs,
		PretrainedModelName: f.PretrainedModelName,
		MaxSeqLength:        maxSeqLength,
		Padding:             f.Padding,
		LogFreq:             f.LogFreq,
	}
	if f.GPUSet {
		gpu := f.GPU
		hp.GPU = &gpu
	}
	if hp.DatasetCacheDir != "" {
		hp.DatasetCacheDir, err = fsutil.ReplaceTildeInDir(hp.DatasetCacheDir)
		if err != nil {
			return nil, err
		}
	}
	expDir, err := fsutil.ReplaceTildeInDir(f.ExpDir)
	if err != nil {
		return nil, err
	}
	hp.ExpDir = path.Join(expDir, f.SourceTarget)
	if err := hp.Validate(); err != nil {
		return nil, err
	}
	return hp, nil
}

// Validate checks that the hyperparameters are consistent.
func (hp *Hyperparameters) Validate() error {
	if hp.BatchSize <= 0 {
		return errors.Errorf("bsz must be > 0, got %d", hp.BatchSize)
	}
	if hp.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0, got %d", hp.Epochs)
	}
	if hp.NumClasses < MinNumClasses {
		return errors.Errorf("num_classes must be >= %d (number of MultiNLI labels), got %d", MinNumClasses, hp.NumClasses)
	}
	for _, p := range []struct {
		name  string
		value float64
	}{
		{"train_proportion", hp.TrainProportion},
		{"dev_proportion", hp.DevProportion},
		{"test_proportion", hp.TestProportion},
	} {
		if p.value <= 0 || p.value > 1 {
			return errors.Errorf("%s must be in the range (0, 1], got %g", p.name, p.value)
		}
	}
	if hp.MaxSeqLength < 8 {
		return errors.Errorf("max_seq_length must be >= 8, got %d", hp.MaxSeqLength)
	}
	if hp.Padding != PaddingMaxLength && hp.Padding != PaddingLongest {
		return errors.Errorf("padding must be %q or %q, got %q", PaddingMaxLength, PaddingLongest, hp.Padding)
	}
	if hp.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0, got %g", hp.LearningRate)
	}
	if hp.GPU != nil && *hp.GPU < 0 {
		return errors.Errorf("gpu must be >= 0, got %d", *hp.GPU)
	}
	if hp.LogFreq <= 0 {
		return errors.Errorf("log_freq must be > 0, got %d", hp.LogFreq)
	}
	if hp.PretrainedModelName == "" {
		return errors.New("pretrained_model_name must be set")
	}
	if hp.ExpDir == "" {
		return errors.New("exp_dir must be set")
	}
	_, _, err := SplitSourceTarget(hp.SourceTarget)
	return err
}

// SplitSourceTarget splits a "source_target" pair of domains, e.g. "fiction_slate".
func SplitSourceTarget(sourceTarget string) (source, target string, err error) {
	parts := strings.Split(sourceTarget, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("source_target must be formatted as \"<source>_<target>\", got %q", sourceTarget)
	}
	source, target = parts[0], parts[1]
	for _, domain := range parts {
		if !isKnownDomain(domain) {
			return "", "", errors.Errorf("unknown domain %q in source_target %q, valid domains are %v",
				domain, sourceTarget, KnownDomains)
		}
	}
	if source == target {
		return "", "", errors.Errorf("source and target domains must differ, got %q", sourceTarget)
	}
	return source, target, nil
}

func isKnownDomain(domain string) bool {
	for _, known := range KnownDomains {
		if domain == known {
			return true
		}
	}
	return false
}

// SourceDomain returns the labeled source domain.
func (hp *Hyperparameters) SourceDomain() string {
	source, _, _ := SplitSourceTarget(hp.SourceTarget)
	return source
}

// TargetDomain returns the target domain.
func (hp *Hyperparameters) TargetDomain() string {
	_, target, _ := SplitSourceTarget(hp.SourceTarget)
	return target
}

// AdapterName is the name under which the trained adapter is exported.
func (hp *Hyperparameters) AdapterName() string {
	return "task_adapter_" + hp.SourceTarget
}

// CheckpointsDir is where checkpoints and the exported adapter are stored.
func (hp *Hyperparameters) CheckpointsDir() string {
	return path.Join(hp.ExpDir, "task_adapter")
}

// ApplyToContext copies the hyperparameters that drive the model and the optimizer into ctx.
func (hp *Hyperparameters) ApplyToContext(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: hp.LearningRate,
		ParamBatchSize:               hp.BatchSize,
		ParamNumClasses:              hp.NumClasses,
		ParamMaxSeqLength:            hp.MaxSeqLength,
		ParamSeed:                    hp.Seed,
	})
}

// flagParams maps the context parameters set by ApplyToContext to the flags they come from.
var flagParams = map[string]string{
	optimizers.ParamLearningRate: "--lr",
	ParamBatchSize:               "--bsz",
	ParamNumClasses:              "--num-classes",
	ParamMaxSeqLength:            "--max-seq-length",
	ParamSeed:                    "--seed",
}

// CheckContextSettings returns an error if any of the parameters changed by the context settings
// (as returned by commandline.ParseContextSettings) is one set from a flag: the hyperparameters file
// would no longer describe the run.
func CheckContextSettings(paramsSet []string) error {
	for _, paramPath := range paramsSet {
		_, name := context.SplitScope(paramPath)
		if flagName, found := flagParams[name]; found {
			return errors.Errorf("parameter %q can't be changed in the context settings, use the flag %s instead",
				paramPath, flagName)
		}
	}
	return nil
}

// Save writes the hyperparameters as indented JSON to filePath.
func (hp *Hyperparameters) Save(filePath string) error {
	data, err := json.MarshalIndent(hp, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize hyperparameters")
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write hyperparameters to %q", filePath)
	}
	return nil
}

// Load reads hyperparameters saved with Save.
func Load(filePath string) (*Hyperparameters, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read hyperparameters from %q", filePath)
	}
	hp := &Hyperparameters{}
	if err := json.Unmarshal(data, hp); err != nil {
		return nil, errors.Wrapf(err, "failed to parse hyperparameters in %q", filePath)
	}
	return hp, nil
}
