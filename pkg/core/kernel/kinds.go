// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// ArgKind classifies an argument value.
type ArgKind int

const (
	InvalidArg ArgKind = iota
	ArrayArg
	ScalarArg
	StructArg
	TemplateArg
)

var argKindNames = []string{"invalid", "array", "scalar", "struct", "template"}

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	if k < 0 || int(k) >= len(argKindNames) {
		return fmt.Sprintf("ArgKind(%d)", int(k))
	}
	return argKindNames[k]
}

// ParseArgKind is the inverse of ArgKind.String.
func ParseArgKind(s string) (ArgKind, error) {
	idx := slices.Index(argKindNames, s)
	if idx < 0 {
		return InvalidArg, errors.Errorf("unknown argument kind %q", s)
	}
	return ArgKind(idx), nil
}

// KindCounts counts leaves per ArgKind.
type KindCounts map[ArgKind]int

// Total number of leaves counted.
func (c KindCounts) Total() int {
	var total int
	for _, n := range c {
		total += n
	}
	return total
}

// String implements fmt.Stringer, listing kinds in a fixed order.
func (c KindCounts) String() string {
	var parts []string
	for kind := ArrayArg; kind <= TemplateArg; kind++ {
		if n := c[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", kind, n))
		}
	}
	return "{" + strings.Join(parts, " ") + "}"
}
