// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// train_domain_task_adapter trains a domain-task adapter on a MultiNLI source genre, adapting
// it to a target genre, and exports the best adapter to `<exp-dir>/<source_target>/task_adapter`.
//
// Example:
//
//	train_domain_task_adapter --source-target=fiction_slate \
//		--pretrained-model-name=sentence-transformers/all-MiniLM-L6-v2 \
//		--exp-dir=~/work/domadapter --epochs=10 --bsz=32
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/declare-lab/domadapter/pkg/adapter"
	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/declare-lab/domadapter/pkg/orchestration"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

type cliFlags struct {
	hparams.Flags
	settings  *string
	uploadURI string
	vocabFile string
	verbosity int
}

// newCommand creates the command. settings points to the value of the --set flag, registered in
// the Go flag set.
func newCommand(settings *string) *cobra.Command {
	f := cliFlags{settings: settings}
	cmd := &cobra.Command{
		Use:   "train_domain_task_adapter",
		Short: "Train a domain-task adapter on a MultiNLI source/target pair of genres",
		Long: heredoc.Docf(`
			Trains a bottleneck adapter and a classification head on top of a frozen encoder,
			using the labeled examples of the source genre and the unlabeled examples of the
			target genre, whose features are pulled together by a maximum mean discrepancy loss.

			The best model, by %s, is exported as "task_adapter_<source_target>" in
			"<exp-dir>/<source_target>/task_adapter", and the hyperparameters are written to
			"<exp-dir>/<source_target>/%s".

			If "<exp-dir>/<source_target>" doesn't exist, nothing is done.

			Model hyperparameters can be changed with --set, e.g. --set="%s=8;%s=0.5".
			Use --pretrained-model-name=%s to train with a small randomly initialized encoder,
			given a WordPiece vocabulary with --vocab-file.
		`, orchestration.MonitoredMetric, hparams.FileName,
			adapter.ParamReductionFactor, adapter.ParamDivergenceWeight, orchestration.ScratchModelName),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.GPUSet = cmd.Flags().Changed("gpu")
			return run(cmd.Context(), f)
		},
	}

	addHyperparametersFlags(cmd.Flags(), &f.Flags)
	flags := cmd.Flags()
	flags.StringVar(&f.uploadURI, "upload-uri", "", "If set, copy the exported adapter and hyperparameters to this directory or gs://bucket/prefix.")
	flags.StringVar(&f.vocabFile, "vocab-file", "", "WordPiece vocab.txt used with the \""+orchestration.ScratchModelName+"\" encoder.")
	flags.IntVar(&f.verbosity, "verbosity", 1, "0: quiet, 1: progress bar and reports, 2: also the model settings.")
	flags.SortFlags = false
	for _, name := range []string{"source-target", "pretrained-model-name", "exp-dir"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// addHyperparametersFlags registers one flag per hyperparameter.
func addHyperparametersFlags(flags *pflag.FlagSet, f *hparams.Flags) {
	flags.StringVar(&f.DatasetCacheDir, "dataset-cache-dir", "~/.cache/domadapter", "Cache directory for dataset.")
	flags.StringVar(&f.SourceTarget, "source-target", "", "Source and target domain in source_target format.")
	flags.StringVar(&f.PretrainedModelName, "pretrained-model-name", "", "HuggingFace id of the pretrained encoder, or \""+orchestration.ScratchModelName+"\".")
	flags.StringVar(&f.Padding, "padding", hparams.PaddingMaxLength, "Padding of the tokenized pairs: \""+hparams.PaddingMaxLength+"\" or \""+hparams.PaddingLongest+"\".")
	flags.StringVar(&f.MaxSeqLength, "max-seq-length", "128", "Sequence length for tokenizer.")
	flags.IntVar(&f.NumClasses, "num-classes", 3, "Number of classes for task adapter classification head.")
	flags.IntVar(&f.BatchSize, "bsz", 32, "Batch size.")
	flags.Float64Var(&f.TrainProportion, "train-proportion", 1.0, "Proportion of the train batches used in each epoch.")
	flags.Float64Var(&f.DevProportion, "dev-proportion", 1.0, "Proportion of the validation batches used.")
	flags.Float64Var(&f.TestProportion, "test-proportion", 1.0, "Proportion of the test batches used.")
	flags.StringVar(&f.ExpDir, "exp-dir", "", "Experiment directory to store artefacts.")
	flags.StringVar(&f.Seed, "seed", "1729", "Seed for reproducibility.")
	flags.Float64Var(&f.LearningRate, "lr", 1e-4, "Learning rate for the entire model.")
	flags.IntVar(&f.Epochs, "epochs", 10, "Maximum number of epochs to run the training.")
	flags.IntVar(&f.GPU, "gpu", 0, "GPU to run the program on. If not set, the default backend is used.")
	flags.IntVar(&f.LogFreq, "log-freq", 5, "Log metrics every this number of steps.")
}

func run(ctx context.Context, f cliFlags) error {
	hp, err := hparams.FromFlags(f.Flags)
	if err != nil {
		return err
	}
	opts := orchestration.Options{
		ContextSettings: *f.settings,
		UploadURI:       f.uploadURI,
		VocabFile:       f.vocabFile,
		Verbosity:       f.verbosity,
	}
	var runErr error
	err = exceptions.TryCatch[error](func() {
		_, runErr = orchestration.Run(ctx, hp, opts)
	})
	if err == nil {
		err = runErr
	}
	if errors.Is(err, orchestration.ErrHalted) {
		fmt.Printf("Directory doesn't exist for %s. Halting the pipeline...\n", hp.ExpDir)
		return nil
	}
	return err
}

func main() {
	klog.InitFlags(nil)
	settings := commandline.CreateContextSettingsFlag(adapter.CreateDefaultContext(), "set")
	cmd := newCommand(settings)
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		klog.Fatalf("Failed to train domain task adapter: %+v", err)
	}
}
