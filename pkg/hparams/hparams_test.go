// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package hparams

import (
	"encoding/json"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlags() Flags {
	return Flags{
		DatasetCacheDir:     "/tmp/cache",
		SourceTarget:        "fiction_slate",
		PretrainedModelName: "bert-base-uncased",
		Padding:             PaddingMaxLength,
		MaxSeqLength:        "128",
		NumClasses:          3,
		BatchSize:           32,
		TrainProportion:     1.0,
		DevProportion:       0.5,
		TestProportion:      1.0,
		ExpDir:              "/tmp/experiments",
		Seed:                "1729",
		LearningRate:        1e-4,
		Epochs:              10,
		LogFreq:             5,
	}
}

func TestFromFlags(t *testing.T) {
	hp, err := FromFlags(testFlags())
	require.NoError(t, err)
	assert.Equal(t, int64(1729), hp.Seed)
	assert.Equal(t, 128, hp.MaxSeqLength)
	assert.Equal(t, "/tmp/experiments/fiction_slate", hp.ExpDir)
	assert.Nil(t, hp.GPU)
	assert.Equal(t, "fiction", hp.SourceDomain())
	assert.Equal(t, "slate", hp.TargetDomain())
	assert.Equal(t, "task_adapter_fiction_slate", hp.AdapterName())
	assert.Equal(t, "/tmp/experiments/fiction_slate/task_adapter", hp.CheckpointsDir())

	f := testFlags()
	f.GPU, f.GPUSet = 1, true
	hp, err = FromFlags(f)
	require.NoError(t, err)
	require.NotNil(t, hp.GPU)
	assert.Equal(t, 1, *hp.GPU)
}

func TestFromFlagsErrors(t *testing.T) {
	for name, modify := range map[string]func(f *Flags){
		"seed":           func(f *Flags) { f.Seed = "abc" },
		"max_seq_length": func(f *Flags) { f.MaxSeqLength = "1.5" },
		"short_seq":      func(f *Flags) { f.MaxSeqLength = "4" },
		"bsz":            func(f *Flags) { f.BatchSize = 0 },
		"epochs":         func(f *Flags) { f.Epochs = 0 },
		"num_classes":    func(f *Flags) { f.NumClasses = 1 },
		"two_classes":    func(f *Flags) { f.NumClasses = 2 },
		"proportion":     func(f *Flags) { f.TrainProportion = 1.5 },
		"zero_dev":       func(f *Flags) { f.DevProportion = 0 },
		"padding":        func(f *Flags) { f.Padding = "do_not_pad" },
		"domain":         func(f *Flags) { f.SourceTarget = "fiction_news" },
		"same_domain":    func(f *Flags) { f.SourceTarget = "travel_travel" },
		"format":         func(f *Flags) { f.SourceTarget = "fiction" },
		"log_freq":       func(f *Flags) { f.LogFreq = 0 },
		"gpu":            func(f *Flags) { f.GPU, f.GPUSet = -1, true },
	} {
		t.Run(name, func(t *testing.T) {
			f := testFlags()
			modify(&f)
			_, err := FromFlags(f)
			require.Error(t, err)
		})
	}
}

func TestSaveLoad(t *testing.T) {
	hp, err := FromFlags(testFlags())
	require.NoError(t, err)
	filePath := path.Join(t.TempDir(), FileName)
	require.NoError(t, hp.Save(filePath))

	// Keys in the file, gpu is saved as null and log_freq is not saved.
	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"bsz", "train_proportion", "dev_proportion", "test_proportion", "source_target",
		"num_classes", "dataset_cache_dir", "exp_dir", "seed", "learning_rate", "epochs", "gpu",
		"pretrained_model_name", "max_seq_length", "padding"} {
		assert.Contains(t, raw, key)
	}
	assert.Len(t, raw, 15)
	assert.Nil(t, raw["gpu"])
	assert.Equal(t, "1729", raw["seed"]) // Saved as given on the command line.
	assert.Equal(t, float64(128), raw["max_seq_length"])

	loaded, err := Load(filePath)
	require.NoError(t, err)
	hp.LogFreq = 0
	if diff := cmp.Diff(hp, loaded); diff != "" {
		t.Errorf("loaded hyperparameters differ (-want +got):\n%s", diff)
	}
}

func TestApplyToContext(t *testing.T) {
	hp, err := FromFlags(testFlags())
	require.NoError(t, err)
	ctx := context.New()
	hp.ApplyToContext(ctx)
	assert.Equal(t, 1e-4, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, 32, context.GetParamOr(ctx, ParamBatchSize, 0))
	assert.Equal(t, 3, context.GetParamOr(ctx, ParamNumClasses, 0))
	assert.Equal(t, int64(1729), context.GetParamOr(ctx, ParamSeed, int64(0)))
}

func TestCheckContextSettings(t *testing.T) {
	require.NoError(t, CheckContextSettings(nil))
	require.NoError(t, CheckContextSettings([]string{"adapter_reduction_factor", "/model/adapter/adapter_dropout_rate"}))
	for _, paramPath := range []string{optimizers.ParamLearningRate, "/model/" + optimizers.ParamLearningRate, ParamSeed, ParamBatchSize} {
		err := CheckContextSettings([]string{"patience", paramPath})
		require.Error(t, err, "param %q", paramPath)
		assert.Contains(t, err.Error(), paramPath)
	}
}
