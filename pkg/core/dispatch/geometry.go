// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Strategy maps a dimension to its bucket, so that calls with similar sizes share the
// same geometry (and hence the same dispatch decision).
//
// Non-positive dimensions are preserved by all strategies.
type Strategy interface {
	Bucket(dim int) int
}

// StrategyFunc adapts a function as a Strategy.
type StrategyFunc func(dim int) int

// Bucket implements Strategy.
func (fn StrategyFunc) Bucket(dim int) int { return fn(dim) }

// Exact uses the dimensions as they are: every distinct size is its own geometry.
func Exact() Strategy { return StrategyFunc(func(dim int) int { return dim }) }

// Pow2 rounds dimensions up to the next power of 2.
func Pow2() Strategy {
	return StrategyFunc(func(dim int) int {
		if dim <= 1 {
			return dim
		}
		return 1 << bits.Len(uint(dim-1))
	})
}

// Linear rounds dimensions up to the next multiple of step. A non-positive step is taken as 1.
func Linear(step int) Strategy {
	step = max(step, 1)
	return StrategyFunc(func(dim int) int {
		if dim <= 0 {
			return dim
		}
		return ((dim + step - 1) / step) * step
	})
}

// Exponential rounds dimensions up to the next power of base. A base <= 1 is taken as 2.
func Exponential(base float64) Strategy {
	if base <= 1 {
		base = 2
	}
	logBase := math.Log(base)
	return StrategyFunc(func(dim int) int {
		if dim <= 1 {
			return dim
		}
		power := math.Ceil(math.Log(float64(dim)) / logBase)
		bucket := int(math.Ceil(math.Pow(base, power)))
		for bucket < dim {
			// Floating point rounding.
			power++
			bucket = int(math.Ceil(math.Pow(base, power)))
		}
		return bucket
	})
}

// Geometry buckets each dimension with strategy and hashes the result into one geometry
// value. Equal bucketed dimensions always give the same geometry.
func Geometry[T constraints.Integer](strategy Strategy, dims ...T) int {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(dims)))
	_, _ = h.Write(buf[:])
	for _, dim := range dims {
		binary.LittleEndian.PutUint64(buf[:], uint64(strategy.Bucket(int(dim))))
		_, _ = h.Write(buf[:])
	}
	return int(h.Sum64() & math.MaxInt)
}
