// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path"
	"testing"

	"github.com/declare-lab/domadapter/pkg/adapter"
	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/declare-lab/domadapter/pkg/tracker"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeExperiment creates the artefacts of a finished run in `<baseDir>/<sourceTarget>`.
func writeExperiment(t *testing.T, baseDir, sourceTarget string, reductionFactor int, accuracy float32) string {
	dir := path.Join(baseDir, sourceTarget)
	require.NoError(t, os.MkdirAll(dir, 0777))
	hp := &hparams.Hyperparameters{
		BatchSize: 32, TrainProportion: 1, DevProportion: 1, TestProportion: 1,
		SourceTarget: sourceTarget, NumClasses: 3, ExpDir: dir, Seed: 1, LearningRate: 1e-4,
		Epochs: 1, PretrainedModelName: "scratch", MaxSeqLength: 16, Padding: hparams.PaddingLongest,
	}
	require.NoError(t, hp.Save(path.Join(dir, hparams.FileName)))

	ctx := adapter.CreateDefaultContext()
	defer ctx.Finalize()
	ctx.SetParam(adapter.ParamReductionFactor, reductionFactor)
	ctx.InAbsPath(adapter.AdapterScope).VariableWithValue("weights", [][]float32{{1, -2}, {3, -4}})
	ctx.InAbsPath(adapter.HeadScope).VariableWithValue("bias", float32(0.5))
	_, err := adapter.SaveAdapter(ctx, hp.CheckpointsDir(), hp.AdapterName())
	require.NoError(t, err)

	tr, err := tracker.New(dir, "MNLI_scratch", sourceTarget, "domain task adapter")
	require.NoError(t, err)
	acc := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	tr.LogEval(10, "source_val", []metrics.Interface{acc}, []*tensors.Tensor{tensors.FromValue(accuracy)})
	tr.SetSummary(map[string]float64{"best_epoch": 0})
	require.NoError(t, tr.Close(tracker.StatusFinished))
	return dir
}

func TestExperimentLabels(t *testing.T) {
	assert.Equal(t, []string{"fiction_slate"}, ExperimentLabels("/exp/fiction_slate/"))
	assert.Equal(t, []string{"fiction_slate", "travel_slate"},
		ExperimentLabels("/exp/fiction_slate", "/exp/travel_slate"))
	assert.Equal(t, []string{"a/exp/fiction_slate", "b/exp/fiction_slate", "travel_slate"},
		ExperimentLabels("/a/exp/fiction_slate", "/b/exp/fiction_slate", "/b/exp/travel_slate"))
	assert.Equal(t, []string{"seed1/fiction_slate", "seed2/fiction_slate"},
		ExperimentLabels("runs/seed1/fiction_slate", "runs/seed2/fiction_slate"))
	assert.Empty(t, ExperimentLabels())
}

func TestInspect(t *testing.T) {
	baseDir := t.TempDir()
	dirs := []string{
		writeExperiment(t, baseDir, "fiction_slate", 16, 0.5),
		writeExperiment(t, baseDir, "travel_slate", 8, 0.75),
	}
	names := ExperimentLabels(dirs...)
	experiments := make([]*Experiment, len(dirs))
	for ii, dir := range dirs {
		e, err := LoadExperiment(dir)
		require.NoError(t, err)
		e.Name = names[ii]
		experiments[ii] = e
	}
	defer func() {
		for _, e := range experiments {
			e.Finalize()
		}
	}()
	require.NotNil(t, experiments[0].Run)
	assert.Equal(t, tracker.StatusFinished, experiments[0].Run.Status)
	require.Len(t, experiments[1].Points, 1)

	t.Run("Summary", func(t *testing.T) {
		rows := SummaryRows(experiments)
		assert.Equal(t, []string{"experiment", "fiction_slate", "travel_slate"}, rows[0])
		byName := make(map[string][]string)
		for _, row := range rows {
			byName[row[0]] = row
		}
		assert.Equal(t, []string{"# variables", "2", "2"}, byName["# variables"])
		assert.Equal(t, []string{"# parameters", "5", "5"}, byName["# parameters"])
		assert.Equal(t, []string{"best_epoch", "0", "0"}, byName["best_epoch"])
	})

	t.Run("Params", func(t *testing.T) {
		rows := ParamRows(experiments)
		require.NotEmpty(t, rows)
		assert.Equal(t, hparamsScope, rows[0].Scope)
		var foundReduction, foundSourceTarget bool
		for _, row := range rows {
			switch row.Key {
			case adapter.ParamReductionFactor:
				foundReduction = true
				assert.Equal(t, []string{"16", "8"}, row.Values)
				assert.True(t, row.Differs())
			case "source_target":
				foundSourceTarget = true
				assert.True(t, row.Differs())
			case "bsz":
				assert.False(t, row.Differs())
			}
		}
		assert.True(t, foundReduction)
		assert.True(t, foundSourceTarget)
	})

	t.Run("Variables", func(t *testing.T) {
		rows, err := VariableRows(graphtest.BuildTestBackend(), experiments[0])
		require.NoError(t, err)
		require.Len(t, rows, 2)
		// Sorted by scope: "/model/adapter" < "/model/task_head".
		assert.Equal(t, []string{adapter.AdapterScope, "weights"}, rows[0][:2])
		assert.Equal(t, "2.5", rows[0][5]) // Mean absolute value.
		assert.Equal(t, "4", rows[0][7])   // Max absolute value.
		assert.Equal(t, []string{adapter.HeadScope, "bias"}, rows[1][:2])
		assert.Equal(t, "0.5", rows[1][5])
	})

	t.Run("Metrics", func(t *testing.T) {
		columns, shortToName := MetricColumns(experiments, MetricsFilter{})
		require.Len(t, columns, 2)
		assert.Equal(t, "Mean Accuracy on source_val", shortToName["source_val/acc"])
		header, rows := MetricRows(experiments, columns)
		assert.Equal(t, []string{"Step", "fiction_slate: source_val/acc", "travel_slate: source_val/acc"}, header)
		require.Len(t, rows, 1)
		assert.Equal(t, []string{"10", "50.00%", "75.00%"}, rows[0])
	})
}
