// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package launch

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct{ used *kernel.UsedSet }

func (r recorded) UsedParameters() *kernel.UsedSet { return r.used }

type nested struct {
	N1     *kernel.HostArray[float32]
	Unused *kernel.HostArray[float32]
}

func TestPlan(t *testing.T) {
	used := kernel.NewUsedSet(
		kernel.Leaf{Path: kernel.Path{"a"}, Kind: kernel.ArrayArg, DType: dtypes.Float32, Rank: 1},
		kernel.Leaf{Path: kernel.Path{"md", "used"}, Kind: kernel.ArrayArg, DType: dtypes.Int32, Rank: 1, Dims: []int{3}},
		kernel.Leaf{Path: kernel.ParsePath("md.nested.N1"), Kind: kernel.ArrayArg, DType: dtypes.Float32, Rank: 2},
		kernel.Leaf{Path: kernel.Path{"c"}, Kind: kernel.ScalarArg, DType: dtypes.Int32})
	formals := []kernel.Formal{{Name: "a"}, {Name: "md"}, {Name: "c"}}

	a := kernel.NewHostArray[float32](3)
	usedArr := kernel.NewHostArray[int32](3)
	n1 := kernel.NewHostArray[float32](2, 2)
	md := kernel.NewRecord("MyDataclass",
		kernel.F{Name: "used", Value: usedArr},
		kernel.F{Name: "not_used", Value: kernel.NewHostArray[float32](100)},
		kernel.F{Name: "nested", Value: &nested{N1: n1}})
	bound, _ := must.M2(kernel.Bind(formals, a, md, int32(7)))

	m, err := Planner{}.Plan(recorded{used}, bound)
	require.NoError(t, err)
	require.Len(t, m.Values, 4)
	assert.Same(t, a, m.Values[0])
	assert.Same(t, usedArr, m.Values[1])
	assert.Same(t, n1, m.Values[2])
	assert.Equal(t, int32(7), m.Values[3])
	assert.Equal(t, "md.nested.N1", m.Paths[2].String())
	assert.Equal(t, kernel.KindCounts{kernel.ArrayArg: 3, kernel.ScalarArg: 1}, m.Counts)
}

func TestPlanMismatch(t *testing.T) {
	formals := []kernel.Formal{{Name: "md"}}
	md := map[string]any{"x": kernel.NewHostArray[int32](1), "s": int64(1), "m": kernel.NewHostArray[int32](7, 9)}
	bound, _ := must.M2(kernel.Bind(formals, md))

	testCases := map[string]kernel.Leaf{
		"missing field":      {Path: kernel.Path{"md", "y"}, Kind: kernel.ArrayArg, DType: dtypes.Int32, Rank: 1},
		"missing argument":   {Path: kernel.Path{"other"}, Kind: kernel.ArrayArg, DType: dtypes.Int32, Rank: 1},
		"leaf not structure": {Path: kernel.Path{"md", "x", "z"}, Kind: kernel.ArrayArg, DType: dtypes.Int32, Rank: 1},
		"array dtype":        {Path: kernel.Path{"md", "x"}, Kind: kernel.ArrayArg, DType: dtypes.Float32, Rank: 1},
		"array rank":         {Path: kernel.Path{"md", "m"}, Kind: kernel.ArrayArg, DType: dtypes.Int32, Rank: 1},
		"array dims":         {Path: kernel.Path{"md", "m"}, Kind: kernel.ArrayArg, DType: dtypes.Int32, Rank: 2, Dims: []int{7, 8}},
		"kind":               {Path: kernel.Path{"md", "s"}, Kind: kernel.ArrayArg, DType: dtypes.Int64},
		"scalar dtype":       {Path: kernel.Path{"md", "s"}, Kind: kernel.ScalarArg, DType: dtypes.Int32},
	}
	for name, leaf := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Planner{}.Plan(recorded{kernel.NewUsedSet(leaf)}, bound)
			require.ErrorIs(t, err, ErrStructuralMismatch)
		})
	}

	ok := kernel.Leaf{Path: kernel.Path{"md", "m"}, Kind: kernel.ArrayArg, DType: dtypes.Int32, Rank: 2, Dims: []int{7, 9}}
	_, err := Planner{}.Plan(recorded{kernel.NewUsedSet(ok)}, bound)
	require.NoError(t, err)
}
