// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelspec/pkg/core/store"
	"github.com/stretchr/testify/assert"
)

func testEntries() []*store.Entry {
	return []*store.Entry{
		{Digest: "aa01", Site: "increment@0123456789ab", Backend: "host", ArtifactSize: 100,
			Used: []store.StoredLeaf{{Path: "x", Kind: "array", DType: int(dtypes.Int32)}}},
		{Digest: "aa02", Site: "double@0123456789ab", Backend: "host", ArtifactSize: 50,
			Used: []store.StoredLeaf{
				{Path: "x", Kind: "array", DType: int(dtypes.Int32)},
				{Path: "md.used2", Kind: "scalar", DType: int(dtypes.Int32)},
			}},
		{Digest: "bb03", Site: "increment@ba9876543210", Backend: "other", ArtifactSize: 10},
	}
}

func digests(entries []*store.Entry) []string {
	var res []string
	for _, entry := range entries {
		res = append(res, entry.Digest)
	}
	return res
}

func TestSelectEntries(t *testing.T) {
	entries := testEntries()
	assert.Equal(t, []string{"aa01", "aa02", "bb03"}, digests(selectEntries(entries, "", "")))
	assert.Equal(t, []string{"aa01", "bb03"}, digests(selectEntries(entries, "increment", "")))
	assert.Equal(t, []string{"aa01"}, digests(selectEntries(entries, "increment", "aa")))
	assert.Empty(t, selectEntries(entries, "scale", ""))
	assert.Len(t, entries, 3, "input must not be modified")
}

func TestSummarize(t *testing.T) {
	s := summarize(testEntries())
	assert.Equal(t, []string{"double", "increment"}, s.kernels)
	assert.Equal(t, []string{"host", "other"}, s.backends)
	assert.Equal(t, 160, s.totalSize)

	entries := testEntries()
	assert.Equal(t, "{array=1 scalar=1}", usedCounts(entries[1]))
	assert.Equal(t, "{}", usedCounts(entries[2]))
	assert.Equal(t, "Int32", dtypeName(int(dtypes.Int32)))
	assert.Equal(t, "0123456789ab", shortDigest("0123456789abcdef"))
}
