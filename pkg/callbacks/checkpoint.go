// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelCheckpoint keeps a checkpoint of the best model seen so far (top-1), according to its Monitor.
//
// The checkpoint is saved in Dir with the GoMLX checkpoints package. Variables under the excluded
// scopes (e.g. a frozen pretrained encoder) are not saved.
type ModelCheckpoint struct {
	Monitor Monitor
	Verbose bool

	ctx            *context.Context
	dir            string
	excludedScopes []string
	handler        *checkpoints.Handler

	bestScore float64
	bestEpoch int
	bestPath  string
}

// NewModelCheckpoint creates a ModelCheckpoint saving the variables of ctx into dir.
//
// Checkpoint files left in dir by previous runs are removed, so they are not loaded back into ctx.
func NewModelCheckpoint(ctx *context.Context, dir string, monitor Monitor, excludedScopes ...string) (*ModelCheckpoint, error) {
	if err := monitor.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	stale, err := listCheckpointFiles(dir)
	if err != nil {
		return nil, err
	}
	for _, filePath := range stale {
		klog.Warningf("Removing stale checkpoint file %q", filePath)
		if err := os.Remove(filePath); err != nil {
			return nil, errors.Wrapf(err, "failed to remove stale checkpoint file %q", filePath)
		}
	}
	return &ModelCheckpoint{
		Monitor:        monitor,
		ctx:            ctx,
		dir:            dir,
		excludedScopes: excludedScopes,
		bestScore:      math.NaN(),
		bestEpoch:      -1,
	}, nil
}

// listCheckpointFiles lists the files of GoMLX checkpoints in dir.
func listCheckpointFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", dir)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "checkpoint-") {
			continue
		}
		if strings.HasSuffix(name, checkpoints.JsonNameSuffix) || strings.HasSuffix(name, checkpoints.BinDataSuffix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	return files, nil
}

// Dir where the checkpoint is saved.
func (mc *ModelCheckpoint) Dir() string { return mc.dir }

// excludedVariables returns the variables of ctx under the excluded scopes.
func (mc *ModelCheckpoint) excludedVariables() []*context.Variable {
	var vars []*context.Variable
	for v := range mc.ctx.IterVariables() {
		for _, scope := range mc.excludedScopes {
			if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
				vars = append(vars, v)
				break
			}
		}
	}
	return vars
}

// Update is called with the validation metrics at the end of an epoch. If the monitored metric
// improved, the model is saved and it returns true.
func (mc *ModelCheckpoint) Update(epoch int, metrics map[string]float64) (improved bool, err error) {
	current, err := mc.Monitor.Value(metrics)
	if err != nil {
		return false, err
	}
	if !mc.Monitor.Improved(current, mc.bestScore) {
		if mc.Verbose {
			klog.Infof("Epoch %d: %s was not in top 1 (%.5f, best %.5f)", epoch, mc.Monitor.Metric, current, mc.bestScore)
		}
		return false, nil
	}
	if err := mc.save(); err != nil {
		return false, err
	}
	if mc.Verbose {
		klog.Infof("Epoch %d: %s reached %.5f (best), saving model to %q", epoch, mc.Monitor.Metric, current, mc.bestPath)
	}
	mc.bestScore = current
	mc.bestEpoch = epoch
	return true, nil
}

func (mc *ModelCheckpoint) save() error {
	if mc.handler == nil {
		// Created lazily, once all the variables to exclude exist.
		handler, err := checkpoints.Build(mc.ctx).
			Dir(mc.dir).
			Keep(1).
			ExcludeVars(mc.excludedVariables()...).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to create checkpoint handler in %q", mc.dir)
		}
		mc.handler = handler
	} else {
		mc.handler.ExcludeVarsFromSaving(mc.excludedVariables()...)
	}
	if err := mc.handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint in %q", mc.dir)
	}
	list, err := mc.handler.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.Errorf("checkpoint saved in %q but not found", mc.dir)
	}
	mc.bestPath = filepath.Join(mc.dir, list[len(list)-1])
	return nil
}

// BestModelPath returns the base path (without the ".json" and ".bin" suffixes) of the best
// checkpoint, or "" if none was saved.
func (mc *ModelCheckpoint) BestModelPath() string { return mc.bestPath }

// BestScore returns the best value of the monitored metric, or NaN if none was seen.
func (mc *ModelCheckpoint) BestScore() float64 { return mc.bestScore }

// BestEpoch returns the epoch of the best checkpoint, or -1 if none was saved.
func (mc *ModelCheckpoint) BestEpoch() int { return mc.bestEpoch }

// LoadBest loads the best checkpoint into ctx, overwriting the values of its variables.
func (mc *ModelCheckpoint) LoadBest(ctx *context.Context) error {
	if mc.bestPath == "" {
		return errors.Errorf("no checkpoint saved in %q", mc.dir)
	}
	if _, err := checkpoints.Load(ctx).Dir(mc.dir).Immediate().Done(); err != nil {
		return errors.WithMessagef(err, "failed to load best checkpoint %q", mc.bestPath)
	}
	return nil
}

// RemoveBest deletes the files of the best checkpoint.
func (mc *ModelCheckpoint) RemoveBest() error {
	if mc.bestPath == "" {
		return nil
	}
	for _, suffix := range []string{checkpoints.JsonNameSuffix, checkpoints.BinDataSuffix} {
		filePath := mc.bestPath + suffix
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove checkpoint file %q", filePath)
		}
	}
	klog.V(1).Infof("Removed checkpoint %q", mc.bestPath)
	mc.bestPath = ""
	return nil
}
