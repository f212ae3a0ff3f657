// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package launch plans kernel launches: given the used parameter set recorded for a
// variant and the actual call arguments, it extracts the leaf arguments to pass to the
// executable, in the recorded order.
package launch

import (
	"fmt"
	"slices"

	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrStructuralMismatch is returned when the actual arguments don't have the structure
// recorded for the variant: missing fields, a leaf where a structure was expected, or a
// leaf of a different kind, dtype, rank or (for variants specialized per shape) dimensions.
var ErrStructuralMismatch = errors.New("argument structure doesn't match the compiled variant")

// Recorded is implemented by materialized variants.
type Recorded interface {
	UsedParameters() *kernel.UsedSet
}

// Marshaled holds the launch arguments of one call.
type Marshaled struct {
	// Values of the used leaves, in materialization order.
	Values []any

	// Paths of the values.
	Paths []kernel.Path

	// Counts of values per kind.
	Counts kernel.KindCounts
}

// String implements fmt.Stringer.
func (m *Marshaled) String() string {
	return fmt.Sprintf("%d launch arguments %s", len(m.Values), m.Counts)
}

// Planner extracts launch arguments. It has no state, and the zero value is ready to use.
type Planner struct{}

// Plan walks each recorded path through the bound arguments and returns the leaves, in
// the recorded order.
func (Planner) Plan(variant Recorded, bound *kernel.Bound) (*Marshaled, error) {
	used := variant.UsedParameters()
	m := &Marshaled{
		Values: make([]any, 0, used.Len()),
		Paths:  make([]kernel.Path, 0, used.Len()),
		Counts: make(kernel.KindCounts),
	}
	for _, leaf := range used.Leaves() {
		value, err := extract(leaf, bound)
		if err != nil {
			return nil, err
		}
		m.Values = append(m.Values, value)
		m.Paths = append(m.Paths, leaf.Path)
		m.Counts[leaf.Kind]++
	}
	if klog.V(2).Enabled() {
		klog.Infof("launch: planned %s: %v", m, used)
	}
	return m, nil
}

func extract(leaf kernel.Leaf, bound *kernel.Bound) (any, error) {
	if len(leaf.Path) == 0 {
		return nil, errors.Wrap(ErrStructuralMismatch, "empty parameter path")
	}
	value, found := bound.Get(leaf.Path.Root())
	if !found {
		return nil, errors.Wrapf(ErrStructuralMismatch, "missing argument %q", leaf.Path.Root())
	}
	for ii, field := range leaf.Path[1:] {
		s, ok := kernel.AsStructured(value)
		if !ok {
			return nil, errors.Wrapf(ErrStructuralMismatch, "%q is a %T, not a structured value, can't access field %q",
				leaf.Path[:ii+1], value, field)
		}
		value, found = s.Field(field)
		if !found {
			return nil, errors.Wrapf(ErrStructuralMismatch, "%q (%s) has no field %q", leaf.Path[:ii+1], s.TypeName(), field)
		}
	}
	switch leaf.Kind {
	case kernel.ArrayArg:
		arr, ok := value.(kernel.Array)
		if !ok {
			return nil, errors.Wrapf(ErrStructuralMismatch, "%q should be an array, got %T", leaf.Path, value)
		}
		if arr.DType() != leaf.DType {
			return nil, errors.Wrapf(ErrStructuralMismatch, "%q should be an array of %s, got %s", leaf.Path, leaf.DType, arr.DType())
		}
		dims := arr.Dimensions()
		if len(dims) != leaf.Rank {
			return nil, errors.Wrapf(ErrStructuralMismatch, "%q should be an array of rank %d, got dimensions %v", leaf.Path, leaf.Rank, dims)
		}
		if leaf.Dims != nil && !slices.Equal(dims, leaf.Dims) {
			return nil, errors.Wrapf(ErrStructuralMismatch, "%q should be an array with dimensions %v, got %v", leaf.Path, leaf.Dims, dims)
		}
	case kernel.ScalarArg:
		dtype := kernel.ScalarDType(value)
		if dtype != leaf.DType {
			return nil, errors.Wrapf(ErrStructuralMismatch, "%q should be a %s scalar, got %T", leaf.Path, leaf.DType, value)
		}
	default:
		return nil, errors.Wrapf(ErrStructuralMismatch, "%q has unsupported leaf kind %s", leaf.Path, leaf.Kind)
	}
	return value, nil
}
