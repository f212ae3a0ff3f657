// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// PathSeparator separates the steps of a Path in its string form.
const PathSeparator = "."

// Path is a sequence of field-access steps, starting with a top-level parameter name,
// down to one leaf (array or scalar) argument.
type Path []string

// ParsePath splits the string form of a Path.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return strings.Split(s, PathSeparator)
}

// String implements fmt.Stringer.
func (p Path) String() string { return strings.Join(p, PathSeparator) }

// Root returns the top-level parameter name, or "" for an empty path.
func (p Path) Root() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Append returns a new Path with the given fields appended. The receiver is not modified.
func (p Path) Append(fields ...string) Path {
	res := make(Path, 0, len(p)+len(fields))
	res = append(res, p...)
	return append(res, fields...)
}

// Leaf is one entry of a UsedSet: the path to a leaf argument and what is expected there.
type Leaf struct {
	Path  Path
	Kind  ArgKind
	DType dtypes.DType

	// Rank of array leaves.
	Rank int

	// Dims of array leaves, only set for variants specialized per shape.
	Dims []int
}

// String implements fmt.Stringer.
func (l Leaf) String() string {
	return fmt.Sprintf("%s:%s(%s)", l.Path, l.Kind, l.DType)
}

// UsedSet is the ordered set of leaves used by one specialization.
//
// It is immutable once created, and safe for concurrent use.
type UsedSet struct {
	leaves []Leaf
	index  map[string]int
}

// NewUsedSet creates a UsedSet with the given leaves, in the given order. Repeated paths are
// kept only in their first position.
func NewUsedSet(leaves ...Leaf) *UsedSet {
	u := &UsedSet{
		leaves: make([]Leaf, 0, len(leaves)),
		index:  make(map[string]int, len(leaves)),
	}
	for _, leaf := range leaves {
		key := leaf.Path.String()
		if _, found := u.index[key]; found {
			continue
		}
		leaf.Path = slices.Clone(leaf.Path)
		leaf.Dims = slices.Clone(leaf.Dims)
		u.index[key] = len(u.leaves)
		u.leaves = append(u.leaves, leaf)
	}
	return u
}

// Len returns the number of leaves. It works with a nil UsedSet.
func (u *UsedSet) Len() int {
	if u == nil {
		return 0
	}
	return len(u.leaves)
}

// Leaves returns a copy of the leaves, in materialization order.
func (u *UsedSet) Leaves() []Leaf {
	if u == nil {
		return nil
	}
	return slices.Clone(u.leaves)
}

// Has returns whether the path (in its string form) is used.
func (u *UsedSet) Has(path string) bool {
	if u == nil {
		return false
	}
	_, found := u.index[path]
	return found
}

// Strings returns the string form of the used paths, in materialization order.
func (u *UsedSet) Strings() []string {
	if u == nil {
		return nil
	}
	res := make([]string, len(u.leaves))
	for ii, leaf := range u.leaves {
		res[ii] = leaf.Path.String()
	}
	return res
}

// Counts returns the number of leaves per kind.
func (u *UsedSet) Counts() KindCounts {
	counts := make(KindCounts)
	if u == nil {
		return counts
	}
	for _, leaf := range u.leaves {
		counts[leaf.Kind]++
	}
	return counts
}

// String implements fmt.Stringer.
func (u *UsedSet) String() string {
	return "[" + strings.Join(u.Strings(), ", ") + "]"
}
