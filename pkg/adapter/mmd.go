// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// normalizeEpsilon avoids division by zero for all-zeros feature vectors.
const normalizeEpsilon = 1e-12

// MMD returns the biased estimate of the squared maximum mean discrepancy between the
// distributions of source, shaped `[n, d]`, and target, shaped `[m, d]`.
//
// Features are L2-normalized first. The kernel is the average of Gaussian kernels
// `exp(-|x-y|^2 / (2 * bandwidth^2))` over the given bandwidths. The result is a scalar,
// 0 when both batches hold the same points.
func MMD(source, target *Node, bandwidths []float64) *Node {
	if len(bandwidths) == 0 {
		exceptions.Panicf("MMD requires at least one kernel bandwidth")
	}
	if source.Rank() != 2 || target.Rank() != 2 {
		exceptions.Panicf("MMD requires rank-2 features, got source %s and target %s", source.Shape(), target.Shape())
	}
	source = normalizeRows(source)
	target = normalizeRows(target)
	kss := ReduceAllMean(multiKernel(source, source, bandwidths))
	ktt := ReduceAllMean(multiKernel(target, target, bandwidths))
	kst := ReduceAllMean(multiKernel(source, target, bandwidths))
	return Sub(Add(kss, ktt), MulScalar(kst, 2))
}

func normalizeRows(x *Node) *Node {
	norm := Sqrt(AddScalar(ReduceSum(Mul(x, x), -1), normalizeEpsilon))
	return Div(x, ExpandAxes(norm, -1))
}

// squaredDistances returns the `[n, m]` matrix of squared euclidean distances between the rows of
// x, shaped `[n, d]`, and y, shaped `[m, d]`.
func squaredDistances(x, y *Node) *Node {
	xx := ExpandAxes(ReduceSum(Mul(x, x), -1), -1) // [n, 1]
	yy := ExpandAxes(ReduceSum(Mul(y, y), -1), 0)  // [1, m]
	xy := Einsum("nd,md->nm", x, y)
	d2 := Sub(Add(xx, yy), MulScalar(xy, 2))
	return MaxScalar(d2, 0)
}

func multiKernel(x, y *Node, bandwidths []float64) *Node {
	d2 := squaredDistances(x, y)
	var sum *Node
	for _, bandwidth := range bandwidths {
		if bandwidth <= 0 {
			exceptions.Panicf("MMD kernel bandwidths must be > 0, got %v", bandwidths)
		}
		k := Exp(MulScalar(d2, -1/(2*bandwidth*bandwidth)))
		if sum == nil {
			sum = k
		} else {
			sum = Add(sum, k)
		}
	}
	return DivScalar(sum, float64(len(bandwidths)))
}
