// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestTracker(t *testing.T) {
	dir := t.TempDir()
	_, err := New(filepath.Join(dir, "missing"), "MNLI_scratch", "fiction_slate", "domain task adapter")
	require.Error(t, err)

	tr, err := New(dir, "MNLI_scratch", "fiction_slate", "domain task adapter")
	require.NoError(t, err)
	info, err := LoadRunInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), info.ID)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, "fiction_slate", info.Group)
	assert.Nil(t, info.FinishedAt)

	accuracy := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	descs := []metrics.Interface{accuracy}
	results := tr.LogEval(10, "source_val", descs, []*tensors.Tensor{tensors.FromValue(float32(0.75))})
	assert.Equal(t, map[string]float64{"source_val/acc": 0.75}, results)

	// NaN values are returned but not recorded as points.
	results = tr.LogEval(10, "target_val", descs, []*tensors.Tensor{tensors.FromValue(float32(math.NaN()))})
	assert.True(t, math.IsNaN(results["target_val/acc"]))
	tr.LogTrain(12, descs, []*tensors.Tensor{tensors.FromValue(float32(0.5))})
	assert.Equal(t, 2, tr.NumPoints())

	tr.SetSummary(map[string]float64{"best_source_val/loss": 0.25, "nan": math.NaN()})
	require.NoError(t, tr.Close(StatusFinished))
	require.NoError(t, tr.Close(StatusFailed))
	tr.AddPoint(plots.Point{Short: "dropped"})

	points, err := plots.LoadPoints(tr.PointsPath())
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "source_val/acc", points[0].Short)
	assert.Equal(t, 10.0, points[0].Step)
	assert.Equal(t, "train/acc", points[1].Short)
	assert.Equal(t, 12.0, points[1].Step)

	info, err = LoadRunInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, info.Status)
	assert.NotNil(t, info.FinishedAt)
	assert.Equal(t, map[string]float64{"best_source_val/loss": 0.25}, info.Summary)
}

type plainOptimizer struct{}

func (plainOptimizer) UpdateGraph(*context.Context, *graph.Graph, *graph.Node) {}
func (plainOptimizer) Clear(*context.Context) error                           { return nil }

func TestWatchGradients(t *testing.T) {
	assert.Equal(t, optimizers.Interface(plainOptimizer{}), WatchGradients(plainOptimizer{}))

	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, 0.1)
	opt := WatchGradients(optimizers.StochasticGradientDescent())
	_, watched := opt.(*gradientsWatcher)
	require.True(t, watched)

	// loss = (x·x)/2, so the gradient is x itself.
	_, err := context.ExecOnce(graphtest.BuildTestBackend(), ctx, func(ctx *context.Context, g *graph.Graph) *graph.Node {
		x := ctx.In("model").VariableWithValue("x", []float32{3, -4}).ValueGraph(g)
		loss := graph.MulScalar(graph.ReduceAllSum(graph.Square(x)), 0.5)
		opt.UpdateGraph(ctx, g, loss)
		return loss
	})
	require.NoError(t, err)
	normVar := ctx.GetVariableByScopeAndName(GradientsScope, GradientNormVar)
	require.NotNil(t, normVar)
	assert.False(t, normVar.Trainable)
	assert.InDelta(t, 5.0, tensors.ToScalar[float32](normVar.MustValue()), 1e-5)
	maxAbsVar := ctx.GetVariableByScopeAndName(GradientsScope, GradientMaxAbsVar)
	require.NotNil(t, maxAbsVar)
	assert.InDelta(t, 4.0, tensors.ToScalar[float32](maxAbsVar.MustValue()), 1e-5)

	// The wrapped optimizer still applies the update.
	x := ctx.GetVariableByScopeAndName("/model", "x")
	require.NotNil(t, x)
	assert.NotEqual(t, []float32{3, -4}, x.MustValue().Value())

	dir := t.TempDir()
	tr, err := New(dir, "MNLI_scratch", "fiction_slate", "domain task adapter")
	require.NoError(t, err)
	tr.LogGradients(7, ctx)
	tr.LogGradients(8, context.New()) // No statistics: nothing logged.
	require.NoError(t, tr.Close(StatusFinished))
	points, err := plots.LoadPoints(tr.PointsPath())
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "train/grad_norm", points[0].Short)
	assert.InDelta(t, 5.0, points[0].Value, 1e-5)
	assert.Equal(t, 7.0, points[0].Step)
	assert.Equal(t, "train/grad_max_abs", points[1].Short)
	assert.InDelta(t, 4.0, points[1].Value, 1e-5)
}
