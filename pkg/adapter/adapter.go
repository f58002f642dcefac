// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// Package adapter implements the domain-task adapter: a bottleneck adapter and a classification
// head trained on top of a frozen pretrained encoder, with a multi-kernel MMD term aligning the
// source and target domain representations.
//
// Variables live under three absolute scopes:
//
//   - EncoderScope ("/encoder"): the frozen encoder.
//   - AdapterScope ("/model/adapter"): the adapter, trainable.
//   - HeadScope ("/model/task_head"): the classification head, trainable.
//
// Only the adapter and head scopes are exported by SaveAdapter.
package adapter

import (
	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// ModelScope is the scope name the trainer context is created with (`ctx.In(ModelScope)`).
const ModelScope = "model"

// Absolute scopes of the trainable variables.
const (
	AdapterScope = "/" + ModelScope + "/adapter"
	HeadScope    = "/" + ModelScope + "/task_head"
)

// Context parameters of the adapter.
const (
	// ParamReductionFactor divides the hidden size to get the adapter bottleneck size.
	ParamReductionFactor = "adapter_reduction_factor"

	// ParamActivation is the activation of the bottleneck, see activations.FromName.
	ParamActivation = "adapter_activation"

	// ParamDropoutRate is the dropout applied after the activation of the bottleneck.
	ParamDropoutRate = "adapter_dropout_rate"

	// ParamDivergenceWeight multiplies the MMD between source and target features. 0 disables it.
	ParamDivergenceWeight = "divergence_weight"

	// ParamKernelBandwidths lists the bandwidths of the Gaussian kernels of the MMD.
	ParamKernelBandwidths = "mmd_kernel_bandwidths"

	// ParamPooling selects how the token features are pooled: "cls" or "mean".
	ParamPooling = "pooling"

	// ParamHeadHiddenNodes is the size of the hidden layer of the classification head.
	ParamHeadHiddenNodes = "task_head_hidden_nodes"

	// ParamPatience is the number of epochs without improvement before early stopping.
	ParamPatience = "patience"
)

// Pooling strategies.
const (
	PoolingCLS  = "cls"
	PoolingMean = "mean"
)

// AdapterParams lists the parameters exported along with the adapter variables.
var AdapterParams = []string{
	ParamReductionFactor, ParamActivation, ParamDropoutRate, ParamPooling, ParamHeadHiddenNodes,
	hparams.ParamNumClasses,
}

// CreateDefaultContext returns a context with the default adapter and optimizer hyperparameters.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamReductionFactor:  16,
		ParamActivation:       "relu",
		ParamDropoutRate:      0.1,
		ParamDivergenceWeight: 1.0,
		ParamKernelBandwidths: []float64{0.25, 0.5, 1, 2, 4},
		ParamPooling:          PoolingCLS,
		ParamHeadHiddenNodes:  128,
		ParamPatience:         2,

		hparams.ParamNumClasses: 3,

		optimizers.ParamOptimizer:       "adamw",
		optimizers.ParamLearningRate:    1e-4,
		optimizers.ParamAdamEpsilon:     1e-8,
		optimizers.ParamAdamWeightDecay: 0.01,
		optimizers.ParamClipNaN:         false,

		// Scratch encoder, used when no pretrained model is loaded.
		ParamScratchHiddenSize:   32,
		ParamScratchNumLayers:    1,
		ParamScratchNumHeads:     2,
		ParamScratchMaxPositions: 512,
	})
	return ctx
}

// Model builds the graph of the adapter on top of an Encoder.
type Model struct {
	encoder Encoder
}

// New creates the model for the given encoder.
func New(encoder Encoder) *Model {
	return &Model{encoder: encoder}
}

// ModelGraph implements train.ModelFn.
//
// With 3 inputs (`input_ids`, `attention_mask`, `token_type_ids`) it returns the logits of the
// task head. With 6 inputs, the last 3 being a batch of the target domain, it returns the logits
// of the source batch and adds the weighted MMD between the pooled source and target features to
// the training losses.
func (m *Model) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	switch len(inputs) {
	case 3:
		features := m.Features(ctx, inputs[0], inputs[1], inputs[2])
		return []*Node{TaskHead(ctx, features)}
	case 6:
		sourceFeatures := m.Features(ctx, inputs[0], inputs[1], inputs[2])
		logits := TaskHead(ctx, sourceFeatures)
		targetFeatures := m.Features(ctx.Reuse(), inputs[3], inputs[4], inputs[5])
		weight := context.GetParamOr(ctx, ParamDivergenceWeight, 1.0)
		if weight > 0 {
			bandwidths := context.GetParamOr(ctx, ParamKernelBandwidths, []float64{1})
			mmd := MMD(sourceFeatures, targetFeatures, bandwidths)
			train.AddLoss(ctx, MulScalar(mmd, weight))
		}
		return []*Node{logits}
	default:
		exceptions.Panicf("adapter model expects 3 (source) or 6 (source and target) inputs, got %d", len(inputs))
		return nil
	}
}

// Features encodes the pair with the frozen encoder, applies the adapter to every token and pools
// the result, returning a tensor shaped `[batch_size, hidden_size]`.
func (m *Model) Features(ctx *context.Context, inputIDs, attentionMask, tokenTypeIDs *Node) *Node {
	hidden := m.encoder.Encode(ctx, inputIDs, attentionMask, tokenTypeIDs)
	hidden = Layer(ctx.In("adapter"), hidden)
	mask := NotEqual(attentionMask, ZerosLike(attentionMask))
	return Pool(hidden, mask, context.GetParamOr(ctx, ParamPooling, PoolingCLS))
}

// Layer applies the bottleneck adapter to hidden, shaped `[batch_size, seq_len, hidden_size]`:
//
//	hidden + Up(Dropout(Activation(Down(LayerNorm(hidden)))))
func Layer(ctx *context.Context, hidden *Node) *Node {
	g := hidden.Graph()
	hiddenSize := hidden.Shape().Dimensions[hidden.Rank()-1]
	reduction := context.GetParamOr(ctx, ParamReductionFactor, 16)
	if reduction <= 0 {
		exceptions.Panicf("%q must be > 0, got %d", ParamReductionFactor, reduction)
	}
	bottleneck := max(hiddenSize/reduction, 1)

	x := layers.LayerNormalization(ctx.In("layer_norm"), hidden, -1).Done()
	x = layers.Dense(ctx.In("down"), x, true, bottleneck)
	x = activations.Apply(activations.FromName(context.GetParamOr(ctx, ParamActivation, "relu")), x)
	if rate := context.GetParamOr(ctx, ParamDropoutRate, 0.0); rate > 0 {
		x = layers.Dropout(ctx, x, Scalar(g, x.DType(), rate))
	}
	x = layers.Dense(ctx.In("up"), x, true, hiddenSize)
	return Add(hidden, x)
}

// Pool reduces hidden, shaped `[batch_size, seq_len, hidden_size]`, to `[batch_size, hidden_size]`,
// either taking the first (classification) token or averaging the tokens where mask is true.
func Pool(hidden, mask *Node, pooling string) *Node {
	batchSize := hidden.Shape().Dimensions[0]
	hiddenSize := hidden.Shape().Dimensions[2]
	switch pooling {
	case PoolingCLS:
		return Reshape(Slice(hidden, AxisRange(), AxisElem(0), AxisRange()), batchSize, hiddenSize)
	case PoolingMean:
		mask = BroadcastToDims(ExpandAxes(mask, -1), hidden.Shape().Dimensions...)
		return MaskedReduceMean(hidden, mask, 1)
	default:
		exceptions.Panicf("%q must be %q or %q, got %q", ParamPooling, PoolingCLS, PoolingMean, pooling)
		return nil
	}
}

// TaskHead maps the pooled features to the logits of the classes, shaped `[batch_size, num_classes]`.
func TaskHead(ctx *context.Context, features *Node) *Node {
	numClasses := context.GetParamOr(ctx, hparams.ParamNumClasses, 3)
	hiddenNodes := context.GetParamOr(ctx, ParamHeadHiddenNodes, 128)
	return fnn.New(ctx.In("task_head"), features, numClasses).
		NumHiddenLayers(1, hiddenNodes).
		Done()
}
