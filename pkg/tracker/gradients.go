// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"k8s.io/klog/v2"
)

// GradientsScope holds the statistics of the gradients of the last training step.
const GradientsScope = "/gradients"

// Variables under GradientsScope.
const (
	GradientNormVar   = "global_norm"
	GradientMaxAbsVar = "max_abs"
)

// gradientsUpdater is implemented by the optimizers that accept precomputed gradients.
type gradientsUpdater interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*graph.Node, lossDType dtypes.DType)
}

type gradientsWatcher struct {
	optimizers.Interface
	updater gradientsUpdater
}

// WatchGradients wraps opt so that every training step also stores the global L2 norm and the
// maximum absolute value of the gradients of the trainable variables under GradientsScope.
// Attach logs them with the training metrics.
//
// Optimizers that don't accept precomputed gradients are returned unchanged.
func WatchGradients(opt optimizers.Interface) optimizers.Interface {
	updater, ok := opt.(gradientsUpdater)
	if !ok {
		klog.Warningf("Optimizer %T doesn't take precomputed gradients, gradients won't be logged", opt)
		return opt
	}
	return &gradientsWatcher{Interface: opt, updater: updater}
}

// UpdateGraph implements optimizers.Interface.
func (w *gradientsWatcher) UpdateGraph(ctx *context.Context, g *graph.Graph, loss *graph.Node) {
	_ = g
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) > 0 {
		RecordGradientsGraph(ctx, grads)
	}
	w.updater.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// RecordGradientsGraph sets the variables under GradientsScope to the global norm and the max
// absolute value of grads.
func RecordGradientsGraph(ctx *context.Context, grads []*graph.Node) {
	var sumSquares, maxAbs *graph.Node
	for _, grad := range grads {
		grad = graph.ConvertDType(grad, dtypes.Float32)
		squares := graph.ReduceAllSum(graph.Square(grad))
		gradMaxAbs := graph.ReduceAllMax(graph.Abs(grad))
		if sumSquares == nil {
			sumSquares, maxAbs = squares, gradMaxAbs
			continue
		}
		sumSquares = graph.Add(sumSquares, squares)
		maxAbs = graph.Max(maxAbs, gradMaxAbs)
	}
	statsCtx := ctx.InAbsPath(GradientsScope).Checked(false)
	statsCtx.VariableWithValue(GradientNormVar, float32(0)).SetTrainable(false).SetValueGraph(graph.Sqrt(sumSquares))
	statsCtx.VariableWithValue(GradientMaxAbsVar, float32(0)).SetTrainable(false).SetValueGraph(maxAbs)
}

// LogGradients records the gradient statistics stored in ctx by WatchGradients at step, keyed
// `train/grad_norm` and `train/grad_max_abs`. Missing statistics are skipped.
func (t *Tracker) LogGradients(step int, ctx *context.Context) {
	var incomplete bool
	for _, stat := range []struct{ varName, short, name string }{
		{GradientNormVar, "train/grad_norm", "Train: Gradients Global Norm"},
		{GradientMaxAbsVar, "train/grad_max_abs", "Train: Gradients Max Absolute Value"},
	} {
		v := ctx.GetVariableByScopeAndName(GradientsScope, stat.varName)
		if v == nil {
			continue
		}
		tensor, err := v.Value()
		if err != nil {
			klog.Warningf("Failed to read %s: %+v", v.ParameterName(), err)
			continue
		}
		value := shapes.ConvertTo[float64](tensor.Value())
		if math.IsNaN(value) || math.IsInf(value, 0) {
			incomplete = true
			continue
		}
		t.AddPoint(plots.Point{
			MetricName: stat.name,
			Short:      stat.short,
			MetricType: "gradients",
			Step:       float64(step),
			Value:      value,
		})
	}
	t.DynamicSampleDone(incomplete)
}
