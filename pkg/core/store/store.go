// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package store implements durable storage of materialized kernel variants, so compiled
// artifacts survive process restarts.
//
// A store is a key/value map from a digest (see Digest) to an Entry: the serialized
// backend artifact plus the recorded used parameter set, so that a store hit needs no
// re-analysis nor re-compilation.
//
// Two implementations are provided: DirStore, one file per artifact in a directory, and
// SQLiteStore, a single SQLite database file.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/pkg/errors"
)

var (
	// ErrExists is returned by Store.Put if an entry with the same digest already exists.
	ErrExists = errors.New("store entry already exists")

	// ErrNotFound is returned by Store.Get and Store.Delete if there is no entry with the digest.
	ErrNotFound = errors.New("store entry not found")
)

// FormatVersion of the stored entries. It is part of every digest, so bumping it
// invalidates previously stored entries.
const FormatVersion = "2"

// StoredLeaf is the durable form of a kernel.Leaf.
type StoredLeaf struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	DType int    `json:"dtype"`
	Rank  int    `json:"rank,omitempty"`
	Dims  []int  `json:"dims,omitempty"`
}

// Entry of a store.
type Entry struct {
	Digest  string       `json:"digest"`
	Key     string       `json:"key"`
	Site    string       `json:"site"`
	Backend string       `json:"backend"`
	Used    []StoredLeaf `json:"used"`

	// Artifact is the serialized executable. It's not populated by Store.List.
	Artifact     []byte    `json:"-"`
	ArtifactSize int       `json:"artifact_size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the durable key/value contract used by the materialization cache.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry with the given digest, or ErrNotFound.
	Get(digest string) (*Entry, error)

	// Put stores a new entry. It returns ErrExists if the digest is already stored.
	Put(entry *Entry) error

	// List returns all entries, without their artifacts, sorted by digest.
	List() ([]*Entry, error)

	// Delete removes the entry with the given digest, or returns ErrNotFound.
	Delete(digest string) error

	// Close releases the resources held by the store.
	Close() error
}

// Digest returns the hex encoded sha256 of the parts. Parts are separated, so
// ("ab", "c") and ("a", "bc") have different digests.
func Digest(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FromUsedSet converts the used set to its durable form.
func FromUsedSet(used *kernel.UsedSet) []StoredLeaf {
	leaves := used.Leaves()
	stored := make([]StoredLeaf, len(leaves))
	for ii, leaf := range leaves {
		stored[ii] = StoredLeaf{Path: leaf.Path.String(), Kind: leaf.Kind.String(), DType: int(leaf.DType),
			Rank: leaf.Rank, Dims: leaf.Dims}
	}
	return stored
}

// UsedSet restores the recorded used set of the entry.
func (e *Entry) UsedSet() (*kernel.UsedSet, error) {
	leaves := make([]kernel.Leaf, len(e.Used))
	for ii, stored := range e.Used {
		kind, err := kernel.ParseArgKind(stored.Kind)
		if err != nil {
			return nil, errors.WithMessagef(err, "store entry %s, leaf %q", e.Digest, stored.Path)
		}
		leaves[ii] = kernel.Leaf{Path: kernel.ParsePath(stored.Path), Kind: kind, DType: dtypes.DType(stored.DType),
			Rank: stored.Rank, Dims: stored.Dims}
	}
	return kernel.NewUsedSet(leaves...), nil
}

// validDigest reports whether digest is safe to use as a file name.
func validDigest(digest string) bool {
	if digest == "" || len(digest) > 128 {
		return false
	}
	return strings.IndexFunc(digest, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) < 0
}
