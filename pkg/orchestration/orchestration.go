// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// Package orchestration runs the training pipeline of a domain-task adapter: it prepares the MNLI
// source/target data, builds the adapter on a frozen encoder, trains it with checkpointing, early
// stopping and logging, tests it, and exports the best adapter along with its hyperparameters.
package orchestration

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/declare-lab/domadapter/pkg/adapter"
	"github.com/declare-lab/domadapter/pkg/artifacts"
	"github.com/declare-lab/domadapter/pkg/callbacks"
	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/declare-lab/domadapter/pkg/mnli"
	"github.com/declare-lab/domadapter/pkg/tracker"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// ErrHalted is returned when the experiment directory doesn't exist: the pipeline stops without
// doing anything.
var ErrHalted = errors.New("experiment directory doesn't exist")

// ScratchModelName selects the randomly initialized ScratchEncoder instead of a pretrained model.
const ScratchModelName = "scratch"

// Names used by the run tracker.
const (
	ProjectPrefix = "MNLI_"
	JobType       = "domain task adapter"
)

// MonitoredMetric decides the best checkpoint and early stopping.
const MonitoredMetric = mnli.SourceValName + "/loss"

const backendEnvVar = "GOMLX_BACKEND"

// Options are the settings of a run that are not hyperparameters.
type Options struct {
	// ContextSettings overrides model hyperparameters, in the format of commandline.ParseContextSettings.
	ContextSettings string

	// UploadURI, if set, receives a copy of the exported adapter and hyperparameters.
	// See artifacts.Open.
	UploadURI string

	// Verbosity: 0 is quiet, 1 shows progress bars and reports, 2 also prints the model settings.
	Verbosity int

	// Tokenizer, if set, is used instead of the tokenizer of the pretrained model.
	Tokenizer mnli.Tokenizer

	// VocabFile is a WordPiece `vocab.txt` used to build the tokenizer of the scratch encoder,
	// when Tokenizer is not set.
	VocabFile string

	// HFAuthToken is used to download models from HuggingFace. Defaults to $HF_TOKEN.
	HFAuthToken string

	// Backend, if set, is used instead of creating one. It is not finalized by Run.
	Backend backends.Backend
}

// Result summarizes a run.
type Result struct {
	RunID string

	// EpochsRun is the number of epochs trained; it is smaller than the hyperparameter epochs if
	// training stopped early.
	EpochsRun    int
	StoppedEarly bool

	// BestScore is the best value of MonitoredMetric, reached at BestEpoch.
	BestScore float64
	BestEpoch int

	// ValMetrics holds the validation metrics of each epoch.
	ValMetrics []map[string]float64

	// TestMetrics holds the metrics of the test datasets.
	TestMetrics map[string]float64

	Parameters adapter.ParameterCounts

	AdapterPath string
	HparamsPath string
	UploadURI   string
	Duration    time.Duration
}

// vocabSizer is implemented by tokenizers that know their vocabulary size.
type vocabSizer interface {
	VocabSize() int
}

// Run executes the whole pipeline for the given hyperparameters.
//
// If hp.ExpDir doesn't exist, it returns an error wrapping ErrHalted.
func Run(ctx context.Context, hp *hparams.Hyperparameters, opts Options) (result *Result, err error) {
	start := time.Now()
	if fi, statErr := os.Stat(hp.ExpDir); statErr != nil || !fi.IsDir() {
		return nil, errors.Wrapf(ErrHalted, "directory %q", hp.ExpDir)
	}
	if err := hp.Validate(); err != nil {
		return nil, err
	}

	// Model hyperparameters.
	mctx := adapter.CreateDefaultContext()
	defer mctx.Finalize()
	hp.ApplyToContext(mctx)
	mctx.RngStateFromSeed(hp.Seed)
	paramsSet, err := commandline.ParseContextSettings(mctx, opts.ContextSettings)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid model settings")
	}
	if err := hparams.CheckContextSettings(paramsSet); err != nil {
		return nil, err
	}

	// Tokenizer and encoder.
	tok, encoder, err := loadTokenizerAndEncoder(mctx, hp, opts)
	if err != nil {
		return nil, err
	}
	if opts.Verbosity >= 2 {
		fmt.Println(commandline.SprintModifiedContextSettings(mctx, paramsSet))
	}

	// Data.
	dm, err := mnli.NewDataModule(hp, tok)
	if err != nil {
		return nil, err
	}
	dm.ShowProgressBar = opts.Verbosity >= 1
	if err := dm.PrepareData(); err != nil {
		return nil, errors.WithMessage(err, "failed to prepare data")
	}
	if err := dm.Setup(mnli.StageFit); err != nil {
		return nil, errors.WithMessage(err, "failed to set up training data")
	}

	// Logger.
	tr, err := tracker.New(hp.ExpDir, ProjectPrefix+hp.PretrainedModelName, hp.SourceTarget, JobType)
	if err != nil {
		return nil, err
	}
	status := tracker.StatusFailed
	defer func() {
		if err != nil && errors.Is(err, context.Canceled) {
			status = tracker.StatusInterrupted
		}
		if closeErr := tr.Close(status); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	// Callbacks.
	monitor := callbacks.Monitor{Metric: MonitoredMetric, Mode: callbacks.ModeMin}
	checkpoint, err := callbacks.NewModelCheckpoint(mctx, hp.CheckpointsDir(), monitor, adapter.EncoderScope)
	if err != nil {
		return nil, err
	}
	checkpoint.Verbose = opts.Verbosity >= 1
	earlyStopping, err := callbacks.NewEarlyStopping(monitor, mlctx.GetParamOr(mctx, adapter.ParamPatience, 2))
	if err != nil {
		return nil, err
	}
	earlyStopping.Verbose = opts.Verbosity >= 1

	// Backend.
	backend := opts.Backend
	if backend == nil {
		backend, err = newBackend(hp)
		if err != nil {
			return nil, err
		}
		defer backend.Finalize()
	}
	if opts.Verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	// Trainer and loop.
	model := adapter.New(encoder)
	trainCtx := mctx.In(adapter.ModelScope)
	trainer := train.NewTrainer(backend, trainCtx, model.ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		tracker.WatchGradients(optimizers.FromContext(trainCtx)),
		[]metrics.Interface{metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)},
		[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")})
	loop := train.NewLoop(trainer)
	if opts.Verbosity >= 1 {
		commandline.AttachProgressBar(loop)
	}
	callbacks.NaNGuard(loop)
	tr.Attach(loop, hp.LogFreq)

	result = &Result{RunID: tr.ID(), BestEpoch: -1}
	if err := fit(ctx, dm, trainer, loop, tr, checkpoint, earlyStopping, hp.Epochs, result); err != nil {
		return nil, err
	}
	result.BestScore = checkpoint.BestScore()
	result.BestEpoch = checkpoint.BestEpoch()
	result.Parameters = adapter.CountParameters(mctx)

	// Test.
	if err := dm.Setup(mnli.StageTest); err != nil {
		return nil, errors.WithMessage(err, "failed to set up test data")
	}
	testDatasets, err := dm.TestDatasets()
	if err != nil {
		return nil, err
	}
	result.TestMetrics, err = evaluate(trainer, tr, loop.LoopStep, testDatasets)
	if err != nil {
		return nil, errors.WithMessage(err, "test failed")
	}

	// Load best model and export its adapter.
	if checkpoint.BestModelPath() == "" {
		return nil, errors.Errorf("no checkpoint saved: %s was never computed", MonitoredMetric)
	}
	best := mlctx.New()
	defer best.Finalize()
	if err := checkpoint.LoadBest(best); err != nil {
		return nil, err
	}
	result.AdapterPath, err = adapter.SaveAdapter(best, hp.CheckpointsDir(), hp.AdapterName())
	if err != nil {
		return nil, err
	}
	if err := checkpoint.RemoveBest(); err != nil {
		return nil, err
	}
	result.HparamsPath = path.Join(hp.ExpDir, hparams.FileName)
	if err := hp.Save(result.HparamsPath); err != nil {
		return nil, err
	}

	if opts.UploadURI != "" {
		if err := upload(ctx, opts.UploadURI, hp, result); err != nil {
			return nil, err
		}
		result.UploadURI = opts.UploadURI
	}

	result.Duration = time.Since(start)
	summary := map[string]float64{"best/" + MonitoredMetric: result.BestScore, "best_epoch": float64(result.BestEpoch)}
	for key, value := range result.TestMetrics {
		summary[key] = value
	}
	tr.SetSummary(summary)
	status = tracker.StatusFinished
	if opts.Verbosity >= 1 {
		fmt.Println(Report(hp, result))
	}
	return result, nil
}

// loadTokenizerAndEncoder selects the scratch encoder or downloads the pretrained one.
func loadTokenizerAndEncoder(mctx *mlctx.Context, hp *hparams.Hyperparameters, opts Options) (mnli.Tokenizer, adapter.Encoder, error) {
	if hp.PretrainedModelName == ScratchModelName {
		tok := opts.Tokenizer
		if tok == nil {
			if opts.VocabFile == "" {
				return nil, nil, errors.Errorf("model %q requires a vocabulary file", ScratchModelName)
			}
			var err error
			tok, err = mnli.NewWordPieceTokenizer(opts.VocabFile)
			if err != nil {
				return nil, nil, err
			}
		}
		if _, found := mctx.GetParam(adapter.ParamScratchVocabSize); !found {
			sizer, ok := tok.(vocabSizer)
			if !ok {
				return nil, nil, errors.Errorf("tokenizer vocabulary size unknown, set %q", adapter.ParamScratchVocabSize)
			}
			mctx.SetParam(adapter.ParamScratchVocabSize, sizer.VocabSize())
		}
		return tok, adapter.ScratchEncoder{}, nil
	}

	authToken := opts.HFAuthToken
	if authToken == "" {
		authToken = os.Getenv("HF_TOKEN")
	}
	repo := hub.New(hp.PretrainedModelName).WithAuth(authToken).WithProgressBar(opts.Verbosity >= 1)
	tok := opts.Tokenizer
	if tok == nil {
		var err error
		tok, err = mnli.LoadTokenizer(repo)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to load tokenizer of %q", hp.PretrainedModelName)
		}
	}
	encoder, err := adapter.LoadONNXEncoder(mctx, repo)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to load encoder %q", hp.PretrainedModelName)
	}
	return tok, encoder, nil
}

// newBackend creates the backend, restricted to the selected GPU if one was given.
func newBackend(hp *hparams.Hyperparameters) (backend backends.Backend, err error) {
	if hp.GPU != nil {
		if err := os.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(*hp.GPU)); err != nil {
			return nil, errors.Wrap(err, "failed to select GPU")
		}
		if _, found := os.LookupEnv(backendEnvVar); !found {
			if err := os.Setenv(backendEnvVar, "xla:cuda"); err != nil {
				return nil, errors.Wrap(err, "failed to select CUDA backend")
			}
		}
	}
	err = exceptions.TryCatch[error](func() { backend = backends.MustNew() })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	return backend, nil
}

// fit trains for up to maxEpochs, evaluating after each epoch.
func fit(ctx context.Context, dm *mnli.DataModule, trainer *train.Trainer, loop *train.Loop, tr *tracker.Tracker,
	checkpoint *callbacks.ModelCheckpoint, earlyStopping *callbacks.EarlyStopping, maxEpochs int, result *Result) error {
	trainDS, err := dm.TrainDataset()
	if err != nil {
		return err
	}
	valDatasets, err := dm.ValDatasets()
	if err != nil {
		return err
	}
	parallelTrain := datasets.Parallel(trainDS)
	defer parallelTrain.Done()

	for epoch := range maxEpochs {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "training interrupted before epoch %d", epoch)
		}
		if _, err := loop.RunEpochs(parallelTrain, 1); err != nil {
			if errors.Is(err, callbacks.ErrNaNLoss) {
				klog.Errorf("Epoch %d: stopping on NaN loss", epoch)
			}
			return errors.WithMessagef(err, "training failed in epoch %d", epoch)
		}
		result.EpochsRun = epoch + 1
		valMetrics, err := evaluate(trainer, tr, loop.LoopStep, valDatasets)
		if err != nil {
			return errors.WithMessagef(err, "validation failed in epoch %d", epoch)
		}
		result.ValMetrics = append(result.ValMetrics, valMetrics)
		klog.Infof("Epoch %d: %s", epoch, formatMetrics(valMetrics))
		if _, err := checkpoint.Update(epoch, valMetrics); err != nil {
			return err
		}
		stop, err := earlyStopping.UpdateEpoch(epoch, valMetrics)
		if err != nil {
			return err
		}
		if stop {
			result.StoppedEarly = epoch+1 < maxEpochs
			break
		}
	}
	return nil
}

// evaluate runs the evaluation metrics over each dataset, and logs them with the tracker.
func evaluate(trainer *train.Trainer, tr *tracker.Tracker, step int, evalDatasets []train.Dataset) (map[string]float64, error) {
	results := make(map[string]float64)
	for _, ds := range evalDatasets {
		values, err := trainer.Eval(ds)
		ds.Reset()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to evaluate %q", ds.Name())
		}
		shortName := ds.Name()
		if sn, ok := ds.(train.HasShortName); ok {
			shortName = sn.ShortName()
		}
		for key, value := range tr.LogEval(step, shortName, trainer.EvalMetrics(), values) {
			results[key] = value
		}
		for _, t := range values {
			t.MustFinalizeAll()
		}
	}
	return results, nil
}

// upload copies the exported adapter and the hyperparameters to uri, under `<source_target>/`.
func upload(ctx context.Context, uri string, hp *hparams.Hyperparameters, result *Result) error {
	sink, err := artifacts.Open(ctx, uri)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()
	names, err := artifacts.UploadDir(ctx, sink, result.AdapterPath, path.Join(hp.SourceTarget, hp.AdapterName()))
	if err != nil {
		return err
	}
	hparamsName := path.Join(hp.SourceTarget, hparams.FileName)
	if err := artifacts.UploadFile(ctx, sink, result.HparamsPath, hparamsName); err != nil {
		return err
	}
	klog.Infof("Uploaded %d files to %s", len(names)+1, sink.URI())
	return nil
}
