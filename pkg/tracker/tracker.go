// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// Package tracker records a training run: its metadata in `run.json` and the metrics as plot
// points (one JSON object per line) in the file named plots.TrainingPlotFileName, both in the
// experiment directory.
//
// The points file can be read back with plots.LoadPoints.
package tracker

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/declare-lab/domadapter/pkg/callbacks"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunFileName is the name of the run metadata file.
const RunFileName = "run.json"

// Run status values.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"

	// StatusInterrupted is recorded when the run is canceled, e.g. with Ctrl+C.
	StatusInterrupted = "interrupted"
)

// RunInfo is the metadata of a run, saved in RunFileName.
type RunInfo struct {
	ID         string             `json:"id"`
	Project    string             `json:"project"`
	Group      string             `json:"group"`
	JobType    string             `json:"job_type"`
	Status     string             `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Summary    map[string]float64 `json:"summary,omitempty"`
}

// Tracker logs metrics of a run. It implements plots.Plotter.
type Tracker struct {
	dir string

	mu          sync.Mutex
	info        RunInfo
	pointWriter chan<- plots.Point
	errReport   <-chan error
	closed      bool
	numPoints   int
}

var _ plots.Plotter = (*Tracker)(nil)

// New starts tracking a run whose files are written to dir, which must exist.
func New(dir, project, group, jobType string) (*Tracker, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "tracker directory %q", dir)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("tracker path %q is not a directory", dir)
	}
	t := &Tracker{
		dir: dir,
		info: RunInfo{
			ID:        uuid.NewString(),
			Project:   project,
			Group:     group,
			JobType:   jobType,
			Status:    StatusRunning,
			StartedAt: time.Now(),
			Summary:   make(map[string]float64),
		},
	}
	if err := t.writeRunInfo(); err != nil {
		return nil, err
	}
	t.pointWriter, t.errReport = plots.CreatePointsWriter(t.PointsPath())
	klog.Infof("Tracking run %s (project %q, group %q, job type %q) in %q", t.info.ID, project, group, jobType, dir)
	return t, nil
}

// ID of the run.
func (t *Tracker) ID() string { return t.info.ID }

// Info returns a copy of the run metadata.
func (t *Tracker) Info() RunInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.info
	info.Summary = make(map[string]float64, len(t.info.Summary))
	for k, v := range t.info.Summary {
		info.Summary[k] = v
	}
	return info
}

// PointsPath is the path of the file with the metric points.
func (t *Tracker) PointsPath() string { return filepath.Join(t.dir, plots.TrainingPlotFileName) }

// RunPath is the path of the run metadata file.
func (t *Tracker) RunPath() string { return filepath.Join(t.dir, RunFileName) }

func (t *Tracker) writeRunInfo() error {
	data, err := json.MarshalIndent(&t.info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize run info")
	}
	if err := os.WriteFile(t.RunPath(), data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write run info to %q", t.RunPath())
	}
	return nil
}

// LoadRunInfo reads the run metadata saved in dir.
func LoadRunInfo(dir string) (*RunInfo, error) {
	filePath := filepath.Join(dir, RunFileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run info %q", filePath)
	}
	info := &RunInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, errors.Wrapf(err, "failed to parse run info %q", filePath)
	}
	return info, nil
}

// AddPoint implements plots.Plotter. Points added after Close are dropped.
func (t *Tracker) AddPoint(point plots.Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		klog.Warningf("Tracker closed, dropping point %+v", point)
		return
	}
	t.numPoints++
	t.pointWriter <- point
}

// DynamicSampleDone implements plots.Plotter.
func (t *Tracker) DynamicSampleDone(incomplete bool) {
	if incomplete {
		klog.Warningf("Run %s: some metrics were NaN or infinite and were not recorded", t.info.ID)
	}
}

// NumPoints returns the number of points recorded so far.
func (t *Tracker) NumPoints() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numPoints
}

// Attach logs the training metrics every logFreq steps of loop, and the gradient statistics if
// the optimizer was wrapped with WatchGradients.
func (t *Tracker) Attach(loop *train.Loop, logFreq int) {
	if logFreq <= 0 {
		return
	}
	train.EveryNSteps(loop, logFreq, "tracker", 0, func(loop *train.Loop, values []*tensors.Tensor) error {
		t.LogTrain(loop.LoopStep, loop.Trainer.TrainMetrics(), values)
		t.LogGradients(loop.LoopStep, loop.Trainer.Context())
		return nil
	})
}

// LogTrain records the training metrics at step, keyed `train/<metric short name>`.
func (t *Tracker) LogTrain(step int, descs []metrics.Interface, values []*tensors.Tensor) {
	var incomplete bool
	for ii, desc := range descs {
		if ii >= len(values) {
			break
		}
		value := shapes.ConvertTo[float64](values[ii].Value())
		if math.IsNaN(value) || math.IsInf(value, 0) {
			incomplete = true
			continue
		}
		// Moving averages keep their "~", so they don't collide with the batch values.
		key := "train/" + strings.TrimLeft(desc.ShortName(), "#")
		t.AddPoint(plots.Point{
			MetricName: "Train: " + desc.Name(),
			Short:      key,
			MetricType: desc.MetricType(),
			Step:       float64(step),
			Value:      value,
		})
		klog.V(1).Infof("step %d: %s=%s", step, key, desc.PrettyPrint(values[ii]))
	}
	t.DynamicSampleDone(incomplete)
}

// LogEval records the evaluation metrics of a dataset at step and returns them keyed by
// `<dsShortName>/<metric short name>` (see callbacks.MetricKey).
func (t *Tracker) LogEval(step int, dsShortName string, descs []metrics.Interface, values []*tensors.Tensor) map[string]float64 {
	results := make(map[string]float64, len(descs))
	var incomplete bool
	for ii, desc := range descs {
		if ii >= len(values) {
			break
		}
		key := callbacks.MetricKey(dsShortName, desc.ShortName())
		value := shapes.ConvertTo[float64](values[ii].Value())
		results[key] = value
		if math.IsNaN(value) || math.IsInf(value, 0) {
			incomplete = true
			continue
		}
		t.AddPoint(plots.Point{
			MetricName: fmt.Sprintf("%s on %s", desc.Name(), dsShortName),
			Short:      key,
			MetricType: desc.MetricType(),
			Step:       float64(step),
			Value:      value,
		})
	}
	t.DynamicSampleDone(incomplete)
	return results
}

// SetSummary records final values of the run, saved in the run metadata on Close.
func (t *Tracker) SetSummary(values map[string]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		t.info.Summary[k] = v
	}
}

// Close flushes the points and writes the final run metadata with the given status.
// It can be called more than once, only the first call has an effect.
func (t *Tracker) Close(status string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.pointWriter)
	t.mu.Unlock()

	err := <-t.errReport
	if err != nil {
		err = errors.WithMessagef(err, "failed to write metric points of run %s", t.info.ID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.info.Status = status
	t.info.FinishedAt = &now
	if writeErr := t.writeRunInfo(); err == nil {
		err = writeErr
	}
	return err
}
