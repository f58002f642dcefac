// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// ErrNaNLoss is returned (wrapped) by the training loop when NaNGuard finds a NaN or infinite loss.
var ErrNaNLoss = errors.New("training loss is NaN or infinite")

// NaNGuardPriority runs the guard before the other OnStep hooks, so nothing consumes a NaN step.
const NaNGuardPriority train.Priority = -100

// CheckLoss returns ErrNaNLoss, annotated with the step, if the batch loss (the first of the
// training metrics) is NaN or infinite.
func CheckLoss(step int, metrics []*tensors.Tensor) error {
	if len(metrics) == 0 {
		return nil
	}
	loss := shapes.ConvertTo[float64](metrics[0].Value())
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errors.Wrapf(ErrNaNLoss, "step %d: loss=%g", step, loss)
	}
	return nil
}

// NaNGuard attaches to loop a hook that interrupts training with ErrNaNLoss as soon as the batch
// loss is NaN or infinite.
func NaNGuard(loop *train.Loop) {
	loop.OnStep("NaNGuard", NaNGuardPriority, func(loop *train.Loop, metrics []*tensors.Tensor) error {
		return CheckLoss(loop.LoopStep, metrics)
	})
}
