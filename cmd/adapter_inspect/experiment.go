// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/declare-lab/domadapter/pkg/adapter"
	"github.com/declare-lab/domadapter/pkg/hparams"
	"github.com/declare-lab/domadapter/pkg/tracker"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Experiment holds the artefacts found in an experiment directory.
type Experiment struct {
	Dir, Name string

	// Run is nil if the run metadata is missing.
	Run *tracker.RunInfo

	Hparams *hparams.Hyperparameters

	// AdapterPath is where the adapter was exported, and Ctx holds its variables and settings.
	AdapterPath string
	Ctx         *context.Context

	// Points logged during training, possibly empty.
	Points []plots.Point
}

// LoadExperiment reads the hyperparameters, the exported adapter and, if present, the run metadata
// and the metric points saved in dir.
//
// The adapter is looked up in dir itself: the experiment directory saved in the hyperparameters
// may refer to another machine.
func LoadExperiment(dir string) (*Experiment, error) {
	hp, err := hparams.Load(path.Join(dir, hparams.FileName))
	if err != nil {
		return nil, errors.WithMessagef(err, "%q is not a finished experiment", dir)
	}
	e := &Experiment{
		Dir:         dir,
		Name:        path.Base(dir),
		Hparams:     hp,
		AdapterPath: path.Join(dir, path.Base(hp.CheckpointsDir()), hp.AdapterName()),
		Ctx:         context.New(),
	}
	if err := adapter.LoadAdapter(e.Ctx, e.AdapterPath); err != nil {
		e.Finalize()
		return nil, err
	}

	e.Run, err = tracker.LoadRunInfo(dir)
	if err != nil {
		klog.Warningf("No run metadata for %q: %v", dir, err)
		e.Run = nil
	}

	pointsPath := path.Join(dir, plots.TrainingPlotFileName)
	if _, statErr := os.Stat(pointsPath); statErr == nil {
		e.Points, err = plots.LoadPoints(pointsPath)
		if err != nil {
			e.Finalize()
			return nil, errors.WithMessagef(err, "failed to load metrics of %q", dir)
		}
	}
	return e, nil
}

// Finalize frees the adapter variables.
func (e *Experiment) Finalize() {
	if e.Ctx != nil {
		e.Ctx.Finalize()
		e.Ctx = nil
	}
}

// ExperimentLabels names each experiment directory by its last path element, its
// `<source_target>`. Directories whose labels collide are named by as many trailing elements
// as needed to tell them apart.
func ExperimentLabels(dirs ...string) []string {
	parts := make([][]string, len(dirs))
	depths := make([]int, len(dirs))
	for ii, dir := range dirs {
		parts[ii] = strings.Split(filepath.ToSlash(filepath.Clean(dir)), "/")
		depths[ii] = 1
	}
	label := func(ii int) string {
		p := parts[ii]
		return path.Join(p[max(len(p)-depths[ii], 0):]...)
	}
	for {
		byLabel := make(map[string][]int, len(dirs))
		for ii := range dirs {
			byLabel[label(ii)] = append(byLabel[label(ii)], ii)
		}
		extended := false
		for _, indices := range byLabel {
			if len(indices) < 2 {
				continue
			}
			for _, ii := range indices {
				if depths[ii] < len(parts[ii]) {
					depths[ii]++
					extended = true
				}
			}
		}
		if !extended {
			break
		}
	}
	labels := make([]string, len(dirs))
	for ii := range dirs {
		labels[ii] = label(ii)
	}
	return labels
}
