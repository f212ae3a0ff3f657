// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/gomlx/kernelspec/pkg/core/store"
	"github.com/gomlx/kernelspec/pkg/support/sets"
	"k8s.io/klog/v2"
)

// shortDigestLen is the number of hex digits of digests displayed.
const shortDigestLen = 12

func shortDigest(digest string) string {
	if len(digest) > shortDigestLen {
		return digest[:shortDigestLen]
	}
	return digest
}

// kernelName extracts the kernel name from the call site of an entry ("name@fingerprint").
func kernelName(entry *store.Entry) string {
	name, _, _ := strings.Cut(entry.Site, "@")
	return name
}

// selectEntries returns the entries of the kernel (if not empty) with digest starting with
// digestPrefix.
func selectEntries(entries []*store.Entry, kernelFilter, digestPrefix string) []*store.Entry {
	return slices.DeleteFunc(slices.Clone(entries), func(entry *store.Entry) bool {
		if kernelFilter != "" && kernelName(entry) != kernelFilter {
			return true
		}
		return !strings.HasPrefix(entry.Digest, digestPrefix)
	})
}

type entriesSummary struct {
	kernels   []string
	backends  []string
	totalSize int
}

func summarize(entries []*store.Entry) entriesSummary {
	var s entriesSummary
	kernels, backendNames := sets.Make[string](), sets.Make[string]()
	for _, entry := range entries {
		kernels.Insert(kernelName(entry))
		backendNames.Insert(entry.Backend)
		s.totalSize += entry.ArtifactSize
	}
	s.kernels = sets.Sorted(kernels)
	s.backends = sets.Sorted(backendNames)
	return s
}

// usedCounts formats the number of used parameters per kind of an entry.
func usedCounts(entry *store.Entry) string {
	counts := make(kernel.KindCounts)
	for _, leaf := range entry.Used {
		kind, err := kernel.ParseArgKind(leaf.Kind)
		if err != nil {
			klog.Warningf("entry %s: %v", shortDigest(entry.Digest), err)
			continue
		}
		counts[kind]++
	}
	return counts.String()
}

func dtypeName(dtype int) string {
	return dtypes.DType(dtype).String()
}
