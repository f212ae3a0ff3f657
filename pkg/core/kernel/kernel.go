// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel defines the data model shared by the specialization layer: call sites,
// template values, parameter paths, used parameter sets, argument kinds and
// specialization keys.
//
// ## Glossary
//
//   - CallSite: identity of a kernel (or function) entry point.
//   - TemplateValues: call-time values that are compile-time significant (they select code
//     paths), and hence are part of the specialization key.
//   - Path: canonical dotted path from a top-level parameter to one leaf argument, through
//     nested structured arguments. E.g.: "md1.nested1.n1".
//   - UsedSet: the ordered set of leaves reachable from a call site under one TemplateValues
//     combination.
//   - Key: the specialization key, (CallSite, argument signatures, TemplateValues).
package kernel

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidArguments is returned when the arguments of a call can't be bound to the
// formal parameters of a kernel.
var ErrInvalidArguments = errors.New("invalid kernel arguments")

// CallSite is the stable identity of one kernel/function entry point.
//
// Name identifies the entry point and Fingerprint is a content hash of the source (the
// reachable call graph) used to invalidate durable caches when the source changes.
type CallSite struct {
	Name        string
	Fingerprint string
}

// String implements fmt.Stringer.
func (c CallSite) String() string {
	if c.Fingerprint == "" {
		return c.Name
	}
	fp := c.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fmt.Sprintf("%s@%s", c.Name, fp)
}

// TemplateValue is one compile-time significant value.
type TemplateValue struct {
	Name  string
	Value any
}

// TemplateValues is the ordered list of template values of one call.
type TemplateValues []TemplateValue

// Get returns the value of the template with the given name.
func (tv TemplateValues) Get(name string) (value any, found bool) {
	for _, t := range tv {
		if t.Name == name {
			return t.Value, true
		}
	}
	return nil, false
}

// Canonical returns a deterministic encoding of the template values, including the
// type of each value, so that 1 and 1.0 yield different specializations.
func (tv TemplateValues) Canonical() string {
	if len(tv) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tv))
	for _, t := range tv {
		parts = append(parts, fmt.Sprintf("%s=%T:%v", t.Name, t.Value, t.Value))
	}
	return strings.Join(parts, ",")
}

// String implements fmt.Stringer.
func (tv TemplateValues) String() string {
	return "{" + tv.Canonical() + "}"
}
