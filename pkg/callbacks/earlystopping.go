// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EarlyStopping stops training when the monitored metric hasn't improved for Patience
// consecutive epochs, or as soon as it is NaN or infinite if CheckFinite is set.
type EarlyStopping struct {
	Monitor     Monitor
	Patience    int
	CheckFinite bool
	Verbose     bool

	best         float64
	wait         int
	stoppedEpoch int
}

// NewEarlyStopping creates an EarlyStopping with CheckFinite set. Patience must be > 0.
func NewEarlyStopping(monitor Monitor, patience int) (*EarlyStopping, error) {
	if err := monitor.Validate(); err != nil {
		return nil, err
	}
	if patience <= 0 {
		return nil, errors.Errorf("early stopping patience must be > 0, got %d", patience)
	}
	return &EarlyStopping{
		Monitor:      monitor,
		Patience:     patience,
		CheckFinite:  true,
		best:         math.NaN(),
		stoppedEpoch: -1,
	}, nil
}

// Update records the value of the monitored metric at the end of an epoch and returns whether
// training should stop. Without CheckFinite, a NaN value counts as no improvement.
func (es *EarlyStopping) Update(value float64) (stop bool) {
	if es.CheckFinite && (math.IsNaN(value) || math.IsInf(value, 0)) {
		if es.Verbose {
			klog.Infof("Monitored metric %s = %g is not finite. Previous best value was %.5f. Signaling to stop training.",
				es.Monitor.Metric, value, es.best)
		}
		return true
	}
	if es.Monitor.Improved(value, es.best) {
		if es.Verbose && !math.IsNaN(es.best) {
			klog.Infof("Metric %s improved by %.5f >= min_delta = %g. New best score: %.5f",
				es.Monitor.Metric, math.Abs(es.best-value), es.Monitor.MinDelta, value)
		}
		es.best = value
		es.wait = 0
		return false
	}
	es.wait++
	if es.wait >= es.Patience {
		if es.Verbose {
			klog.Infof("Monitored metric %s did not improve in the last %d records. Best score: %.5f. Signaling to stop training.",
				es.Monitor.Metric, es.wait, es.best)
		}
		return true
	}
	return false
}

// UpdateEpoch is like Update, taking the monitored value from the validation metrics of epoch.
func (es *EarlyStopping) UpdateEpoch(epoch int, metrics map[string]float64) (stop bool, err error) {
	value, err := es.Monitor.Value(metrics)
	if err != nil {
		return false, err
	}
	stop = es.Update(value)
	if stop {
		es.stoppedEpoch = epoch
	}
	return stop, nil
}

// Best returns the best value seen, or NaN.
func (es *EarlyStopping) Best() float64 { return es.best }

// Wait returns the number of epochs since the last improvement.
func (es *EarlyStopping) Wait() int { return es.wait }

// StoppedEpoch returns the epoch at which stopping was signaled, or -1.
func (es *EarlyStopping) StoppedEpoch() int { return es.stoppedEpoch }
