// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EncoderScope is the absolute scope holding the variables of the pretrained encoder.
const EncoderScope = "/encoder"

// Encoder produces the hidden states of tokenized sentence pairs.
//
// All inputs are shaped `[batch_size, seq_len]`, the output is shaped `[batch_size, seq_len, hidden_size]`.
// The encoder is frozen: its variables are not trainable and no gradient flows through its output.
type Encoder interface {
	Encode(ctx *context.Context, inputIDs, attentionMask, tokenTypeIDs *Node) *Node
}

// FreezeScope marks all variables under the given absolute scope as not trainable.
// It returns the number of variables frozen.
func FreezeScope(ctx *context.Context, scope string) int {
	count := 0
	for v := range ctx.InAbsPath(scope).IterVariablesInScope() {
		if v.Trainable {
			v.SetTrainable(false)
			count++
		}
	}
	return count
}

// ONNXEncoder runs a pretrained transformer exported to ONNX, as published in HuggingFace
// repositories under `onnx/model.onnx`.
type ONNXEncoder struct {
	model         *onnx.Model
	outputName    string
	useTokenTypes bool
}

// LoadONNXEncoder downloads (if not cached) the ONNX model of repo and loads its weights into
// EncoderScope of ctx, frozen.
func LoadONNXEncoder(ctx *context.Context, repo *hub.Repo) (*ONNXEncoder, error) {
	onnxPath, err := repo.DownloadFile("onnx/model.onnx")
	if err != nil {
		return nil, errors.WithMessage(err, "failed to download ONNX model")
	}
	model, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read ONNX model %q", onnxPath)
	}
	if err := model.VariablesToContext(ctx.InAbsPath(EncoderScope)); err != nil {
		return nil, errors.WithMessage(err, "failed to load ONNX weights into context")
	}
	frozen := FreezeScope(ctx, EncoderScope)

	inputNames, _ := model.Inputs()
	outputNames, _ := model.Outputs()
	if len(outputNames) == 0 {
		return nil, errors.Errorf("ONNX model %q has no outputs", onnxPath)
	}
	e := &ONNXEncoder{
		model:         model,
		outputName:    outputNames[0],
		useTokenTypes: slices.Contains(inputNames, "token_type_ids"),
	}
	if slices.Contains(outputNames, "last_hidden_state") {
		e.outputName = "last_hidden_state"
	}
	klog.V(1).Infof("ONNX encoder: inputs=%v, output=%q, %d frozen variables", inputNames, e.outputName, frozen)
	return e, nil
}

// Encode implements Encoder.
func (e *ONNXEncoder) Encode(ctx *context.Context, inputIDs, attentionMask, tokenTypeIDs *Node) *Node {
	g := inputIDs.Graph()
	inputs := map[string]*Node{
		"input_ids":      inputIDs,
		"attention_mask": attentionMask,
	}
	if e.useTokenTypes {
		inputs["token_type_ids"] = tokenTypeIDs
	}
	outputs := e.model.CallGraph(ctx.InAbsPath(EncoderScope).Reuse(), g, inputs, e.outputName)
	return StopGradient(outputs[0])
}

// Parameters of the ScratchEncoder.
const (
	ParamScratchVocabSize    = "scratch_vocab_size"
	ParamScratchHiddenSize   = "scratch_hidden_size"
	ParamScratchNumLayers    = "scratch_num_layers"
	ParamScratchNumHeads     = "scratch_num_heads"
	ParamScratchMaxPositions = "scratch_max_positions"
)

// ScratchEncoder is a small randomly initialized transformer encoder, frozen like a pretrained one.
// It is selected with the model name "scratch" and is used for offline runs and tests.
type ScratchEncoder struct{}

// Encode implements Encoder.
func (ScratchEncoder) Encode(ctx *context.Context, inputIDs, attentionMask, tokenTypeIDs *Node) *Node {
	g := inputIDs.Graph()
	// Unchecked: source and target inputs share the same variables.
	ctx = ctx.InAbsPath(EncoderScope).Checked(false)
	vocabSize := context.GetParamOr(ctx, ParamScratchVocabSize, 0)
	if vocabSize <= 0 {
		exceptions.Panicf("scratch encoder requires %q to be set to the vocabulary size", ParamScratchVocabSize)
	}
	hiddenSize := context.GetParamOr(ctx, ParamScratchHiddenSize, 32)
	maxPositions := context.GetParamOr(ctx, ParamScratchMaxPositions, 512)
	seqLen := inputIDs.Shape().Dimensions[1]
	if seqLen > maxPositions {
		exceptions.Panicf("sequence length %d larger than %q=%d", seqLen, ParamScratchMaxPositions, maxPositions)
	}

	embed := layers.Embedding(ctx.In("token_embeddings"), inputIDs, dtypes.Float32, vocabSize, hiddenSize)
	embed = Add(embed, layers.Embedding(ctx.In("type_embeddings"), tokenTypeIDs, dtypes.Float32, 2, hiddenSize))
	posVar := ctx.In("positions").VariableWithShape("embeddings", shapes.Make(dtypes.Float32, 1, maxPositions, hiddenSize))
	posEmbed := Slice(posVar.ValueGraph(g), AxisRange(), AxisRange(0, seqLen), AxisRange())
	embed = Add(embed, posEmbed)
	embed = layers.LayerNormalization(ctx.In("embeddings_norm"), embed, -1).Done()

	mask := NotEqual(attentionMask, ZerosLike(attentionMask))
	numLayers := context.GetParamOr(ctx, ParamScratchNumLayers, 1)
	numHeads := context.GetParamOr(ctx, ParamScratchNumHeads, 2)
	for layerNum := range numLayers {
		ctx := ctx.Inf("%03d_layer", layerNum)
		attention := layers.MultiHeadAttention(ctx.In("attention"), embed, embed, embed, numHeads, hiddenSize/numHeads).
			SetKeyMask(mask).SetQueryMask(mask).
			SetOutputDim(hiddenSize).
			SetValueHeadDim(hiddenSize / numHeads).Done()
		embed = layers.LayerNormalization(ctx.In("attention_norm"), Add(embed, attention), -1).Done()
		ff := fnn.New(ctx.In("ffn"), embed, hiddenSize).NumHiddenLayers(1, 4*hiddenSize).Done()
		embed = layers.LayerNormalization(ctx.In("ffn_norm"), Add(embed, ff), -1).Done()
	}
	FreezeScope(ctx, EncoderScope)
	return StopGradient(embed)
}
