// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"slices"
	"strings"

	"golang.org/x/sys/cpu"
)

// cpuFeatures known to CPUHas. Features of other architectures are always false.
var cpuFeatures = map[string]*bool{
	"avx":      &cpu.X86.HasAVX,
	"avx2":     &cpu.X86.HasAVX2,
	"avx512f":  &cpu.X86.HasAVX512F,
	"avx512bw": &cpu.X86.HasAVX512BW,
	"fma":      &cpu.X86.HasFMA,
	"sse41":    &cpu.X86.HasSSE41,
	"sse42":    &cpu.X86.HasSSE42,
	"asimd":    &cpu.ARM64.HasASIMD,
	"asimdhp":  &cpu.ARM64.HasASIMDHP,
	"sve":      &cpu.ARM64.HasSVE,
	"sve2":     &cpu.ARM64.HasSVE2,
}

// CPUFeatures lists the feature names known to CPUHas, sorted.
func CPUFeatures() []string {
	names := make([]string, 0, len(cpuFeatures))
	for name := range cpuFeatures {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CPUHas reports whether the host CPU has the named feature (case-insensitive, e.g. "avx2").
// Unknown features are reported as absent.
func CPUHas(feature string) bool {
	has, found := cpuFeatures[strings.ToLower(feature)]
	return found && *has
}

// RequireCPU returns a compatibility predicate that accepts any arguments if the host CPU
// has all the given features, and none otherwise.
func RequireCPU[A any](features ...string) Compat[A] {
	ok := true
	for _, feature := range features {
		ok = ok && CPUHas(feature)
	}
	return func(A) bool { return ok }
}
