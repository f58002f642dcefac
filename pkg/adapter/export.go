// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExportedScopes are the scopes written by SaveAdapter.
var ExportedScopes = []string{AdapterScope, HeadScope}

func inScopes(scope string, scopes []string) bool {
	for _, s := range scopes {
		if scope == s || strings.HasPrefix(scope, s+context.ScopeSeparator) {
			return true
		}
	}
	return false
}

// SaveAdapter writes the variables of the adapter and of the task head, and the parameters that
// configure them, as a checkpoint in `<dir>/<name>`. It returns the path of the exported adapter.
//
// Any previous export with the same name is replaced.
func SaveAdapter(ctx *context.Context, dir, name string) (string, error) {
	exportPath := path.Join(dir, name)
	if err := os.RemoveAll(exportPath); err != nil {
		return "", errors.Wrapf(err, "failed to remove previous adapter export in %q", exportPath)
	}

	exportCtx := context.New()
	defer exportCtx.Finalize()
	for _, key := range AdapterParams {
		if value, found := ctx.GetParam(key); found {
			exportCtx.SetParam(key, value)
		}
	}
	numVars := 0
	for v := range ctx.IterVariables() {
		if !inScopes(v.Scope(), ExportedScopes) {
			continue
		}
		if _, err := v.CloneToContext(exportCtx); err != nil {
			return "", errors.WithMessagef(err, "failed to copy variable %q", v.ParameterName())
		}
		numVars++
	}
	if numVars == 0 {
		return "", errors.Errorf("no adapter variables found under %v: was the model built?", ExportedScopes)
	}

	// Saving reads (and creates) the global step, which is not part of the adapter.
	globalStep := optimizers.GetGlobalStepVar(exportCtx)
	handler, err := checkpoints.Build(exportCtx).Dir(exportPath).Keep(1).ExcludeVars(globalStep).Done()
	if err != nil {
		return "", errors.WithMessagef(err, "failed to create adapter export in %q", exportPath)
	}
	if err := handler.Save(); err != nil {
		return "", errors.WithMessagef(err, "failed to save adapter to %q", exportPath)
	}
	klog.V(1).Infof("Saved adapter %q (%d variables) to %q", name, numVars, exportPath)
	return exportPath, nil
}

// LoadAdapter loads an adapter exported with SaveAdapter into ctx: variables that already exist are
// overwritten, the others are created. The adapter parameters are also set in ctx.
func LoadAdapter(ctx *context.Context, exportPath string) error {
	_, err := checkpoints.Load(ctx).Dir(exportPath).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load adapter from %q", exportPath)
	}
	return nil
}

// ParameterCounts holds the number of scalar parameters of the model.
type ParameterCounts struct {
	Trainable, Frozen int
}

// Total number of parameters.
func (c ParameterCounts) Total() int { return c.Trainable + c.Frozen }

// CountParameters counts the parameters of the encoder (frozen) and of the adapter and task head
// (trainable). Optimizer state and other bookkeeping variables are not counted.
func CountParameters(ctx *context.Context) ParameterCounts {
	var counts ParameterCounts
	for v := range ctx.IterVariables() {
		scope := v.Scope()
		switch {
		case inScopes(scope, []string{EncoderScope}):
			counts.Frozen += v.Shape().Size()
		case inScopes(scope, ExportedScopes):
			if v.Trainable {
				counts.Trainable += v.Shape().Size()
			} else {
				counts.Frozen += v.Shape().Size()
			}
		}
	}
	return counts
}
