// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var valLoss = Monitor{Metric: "source_val/loss", Mode: ModeMin}

func TestMonitor(t *testing.T) {
	nan := math.NaN()
	assert.True(t, valLoss.Improved(1.0, nan))
	assert.True(t, valLoss.Improved(0.9, 1.0))
	assert.False(t, valLoss.Improved(1.0, 1.0))
	assert.False(t, valLoss.Improved(nan, 1.0))
	assert.False(t, valLoss.Improved(nan, nan))

	withDelta := Monitor{Metric: "target_val/acc", Mode: ModeMax, MinDelta: 0.1}
	assert.False(t, withDelta.Improved(0.55, 0.5))
	assert.True(t, withDelta.Improved(0.65, 0.5))

	require.Error(t, Monitor{Metric: "x", Mode: "median"}.Validate())
	require.Error(t, Monitor{Mode: ModeMin}.Validate())
	require.Error(t, Monitor{Metric: "x", Mode: ModeMin, MinDelta: -1}.Validate())

	value, err := valLoss.Value(map[string]float64{"source_val/loss": 0.25})
	require.NoError(t, err)
	assert.Equal(t, 0.25, value)
	_, err = valLoss.Value(map[string]float64{"target_val/loss": 0.25})
	require.ErrorContains(t, err, "target_val/loss")

	assert.Equal(t, "source_val/acc", MetricKey("source_val", "#acc"))
	assert.Equal(t, "train/acc", MetricKey("train", "~acc"))
	assert.Equal(t, "source_val/loss", MetricKey("source_val", "loss"))
}

func TestEarlyStopping(t *testing.T) {
	_, err := NewEarlyStopping(valLoss, 0)
	require.Error(t, err)

	es, err := NewEarlyStopping(valLoss, 2)
	require.NoError(t, err)
	assert.False(t, es.Update(1.0))
	assert.False(t, es.Update(0.8))
	assert.False(t, es.Update(0.9)) // wait=1
	assert.False(t, es.Update(0.7)) // improvement resets the wait.
	assert.False(t, es.Update(0.7)) // wait=1
	assert.True(t, es.Update(0.8))
	assert.Equal(t, 0.7, es.Best())
	assert.Equal(t, 2, es.Wait())

	// Non-finite values stop training right away, regardless of patience.
	for _, value := range []float64{math.NaN(), math.Inf(1)} {
		es, err = NewEarlyStopping(valLoss, 5)
		require.NoError(t, err)
		assert.False(t, es.Update(1.0))
		stop, err := es.UpdateEpoch(1, map[string]float64{"source_val/loss": value})
		require.NoError(t, err)
		assert.True(t, stop, "value %g", value)
		assert.Equal(t, 1, es.StoppedEpoch())
		assert.Equal(t, 1.0, es.Best())
	}

	// Without CheckFinite, NaN only counts as no improvement.
	es, err = NewEarlyStopping(valLoss, 2)
	require.NoError(t, err)
	es.CheckFinite = false
	assert.False(t, es.Update(1.0))
	assert.False(t, es.Update(math.NaN()))
	assert.True(t, es.Update(math.NaN()))

	es, err = NewEarlyStopping(valLoss, 2)
	require.NoError(t, err)
	for epoch, loss := range []float64{0.5, 0.6, 0.7} {
		stop, err := es.UpdateEpoch(epoch, map[string]float64{"source_val/loss": loss})
		require.NoError(t, err)
		assert.Equal(t, epoch == 2, stop, "epoch %d", epoch)
	}
	assert.Equal(t, 2, es.StoppedEpoch())
	_, err = es.UpdateEpoch(3, map[string]float64{})
	require.Error(t, err)
}

func TestCheckLoss(t *testing.T) {
	require.NoError(t, CheckLoss(1, nil))
	require.NoError(t, CheckLoss(1, []*tensors.Tensor{tensors.FromValue(float32(0.5))}))
	for _, loss := range []float32{float32(math.NaN()), float32(math.Inf(1))} {
		err := CheckLoss(7, []*tensors.Tensor{tensors.FromValue(loss)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNaNLoss))
		assert.Contains(t, err.Error(), "step 7")
	}
}

func TestModelCheckpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "task_adapter")
	require.NoError(t, os.MkdirAll(dir, 0777))
	stale := filepath.Join(dir, "checkpoint-n0000003-20240101-000000-step-00000010.json")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0644))

	ctx := context.New()
	weights := ctx.InAbsPath("/model/adapter").VariableWithValue("weights", []float32{1, 2})
	ctx.InAbsPath("/encoder").VariableWithValue("embeddings", []float32{5, 5, 5}).SetTrainable(false)

	mc, err := NewModelCheckpoint(ctx, dir, valLoss, "/encoder")
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Equal(t, "", mc.BestModelPath())
	assert.Equal(t, -1, mc.BestEpoch())
	assert.True(t, math.IsNaN(mc.BestScore()))

	improved, err := mc.Update(0, map[string]float64{"source_val/loss": 1.0})
	require.NoError(t, err)
	assert.True(t, improved)
	first := mc.BestModelPath()
	assert.FileExists(t, first+".json")
	assert.FileExists(t, first+".bin")

	require.NoError(t, weights.SetValue(tensors.FromValue([]float32{3, 4})))
	improved, err = mc.Update(1, map[string]float64{"source_val/loss": 1.5})
	require.NoError(t, err)
	assert.False(t, improved)
	assert.Equal(t, first, mc.BestModelPath())

	improved, err = mc.Update(2, map[string]float64{"source_val/loss": 0.5})
	require.NoError(t, err)
	assert.True(t, improved)
	assert.NotEqual(t, first, mc.BestModelPath())
	assert.NoFileExists(t, first+".json", "only the top-1 checkpoint is kept")
	assert.Equal(t, 0.5, mc.BestScore())
	assert.Equal(t, 2, mc.BestEpoch())

	_, err = mc.Update(3, map[string]float64{"target_val/loss": 0.1})
	require.Error(t, err)

	// The best checkpoint holds the model variables but not the excluded encoder.
	fresh := context.New()
	require.NoError(t, mc.LoadBest(fresh))
	loaded := fresh.GetVariableByScopeAndName("/model/adapter", "weights")
	require.NotNil(t, loaded)
	assert.Equal(t, []float32{3, 4}, loaded.MustValue().Value())
	assert.Nil(t, fresh.GetVariableByScopeAndName("/encoder", "embeddings"))

	require.NoError(t, weights.SetValue(tensors.FromValue([]float32{0, 0})))
	require.NoError(t, mc.LoadBest(ctx))
	assert.Equal(t, []float32{3, 4}, weights.MustValue().Value())

	best := mc.BestModelPath()
	require.NoError(t, mc.RemoveBest())
	assert.NoFileExists(t, best+".json")
	assert.NoFileExists(t, best+".bin")
	assert.Equal(t, "", mc.BestModelPath())
	require.NoError(t, mc.RemoveBest())
	require.Error(t, mc.LoadBest(ctx))
}
