// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/kernelspec/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the files written by DirStore.
	FilePermMode = os.FileMode(0660)
)

const (
	// MetadataSuffix is the suffix of the per-entry metadata files. The artifact is stored in
	// a file named by the digest alone.
	MetadataSuffix = ".json"

	// ManifestFile holds the format version of a store directory.
	ManifestFile = "kernelspec_store.json"
)

type manifest struct {
	FormatVersion string `json:"format_version"`
}

// DirStore stores each entry as two files in a directory: "<digest>" with the serialized
// artifact, and "<digest>.json" with the metadata.
//
// The metadata file is written last, so an entry is only visible once complete.
// Multiple processes can share the same directory.
type DirStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*DirStore)(nil)

// NewDirStore opens (creating if needed) a DirStore in dir. A leading "~" is expanded to
// the user's home directory.
func NewDirStore(dir string) (*DirStore, error) {
	dir, err := fsutil.EnsureDir(dir, DirPermMode)
	if err != nil {
		return nil, errors.WithMessage(err, "opening kernel store")
	}
	manifestPath := filepath.Join(dir, ManifestFile)
	contents, err := os.ReadFile(manifestPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		contents, _ = json.Marshal(manifest{FormatVersion: FormatVersion})
		if err := fsutil.WriteFileAtomic(manifestPath, contents, FilePermMode); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, errors.Wrapf(err, "failed to read kernel store manifest %q", manifestPath)
	default:
		var m manifest
		if err := json.Unmarshal(contents, &m); err != nil {
			return nil, errors.Wrapf(err, "failed to parse kernel store manifest %q", manifestPath)
		}
		if m.FormatVersion != FormatVersion {
			klog.Warningf("kernel store %q has format version %q, current is %q: old entries will not be used",
				dir, m.FormatVersion, FormatVersion)
		}
	}
	return &DirStore{dir: dir}, nil
}

// Dir returns the directory of the store, with "~" expanded.
func (s *DirStore) Dir() string { return s.dir }

func (s *DirStore) paths(digest string) (artifactPath, metadataPath string, err error) {
	if !validDigest(digest) {
		return "", "", errors.Errorf("invalid store digest %q", digest)
	}
	artifactPath = filepath.Join(s.dir, digest)
	return artifactPath, artifactPath + MetadataSuffix, nil
}

func (s *DirStore) readMetadata(metadataPath string) (*Entry, error) {
	contents, err := os.ReadFile(metadataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to read store metadata %q", metadataPath)
	}
	entry := &Entry{}
	if err := json.Unmarshal(contents, entry); err != nil {
		return nil, errors.Wrapf(err, "failed to decode store metadata %q", metadataPath)
	}
	return entry, nil
}

// Get implements Store.
func (s *DirStore) Get(digest string) (*Entry, error) {
	artifactPath, metadataPath, err := s.paths(digest)
	if err != nil {
		return nil, err
	}
	entry, err := s.readMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	entry.Artifact, err = os.ReadFile(artifactPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read store artifact %q", artifactPath)
	}
	if len(entry.Artifact) != entry.ArtifactSize {
		return nil, errors.Errorf("store artifact %q has %d bytes, metadata says %d", artifactPath,
			len(entry.Artifact), entry.ArtifactSize)
	}
	return entry, nil
}

// Put implements Store.
func (s *DirStore) Put(entry *Entry) error {
	artifactPath, metadataPath, err := s.paths(entry.Digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exists, err := fsutil.FileExists(metadataPath)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrapf(ErrExists, "digest %s", entry.Digest)
	}
	stored := *entry
	stored.ArtifactSize = len(entry.Artifact)
	metadata, err := json.MarshalIndent(&stored, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode store metadata for %s", entry.Digest)
	}
	if err := fsutil.WriteFileAtomic(artifactPath, entry.Artifact, FilePermMode); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(metadataPath, metadata, FilePermMode)
}

// List implements Store.
func (s *DirStore) List() ([]*Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list kernel store %q", s.dir)
	}
	var entries []*Entry
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		digest, isMetadata := strings.CutSuffix(name, MetadataSuffix)
		if !isMetadata || dirEntry.IsDir() || !validDigest(digest) {
			continue
		}
		entry, err := s.readMetadata(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Deleted concurrently.
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *Entry) int { return strings.Compare(a.Digest, b.Digest) })
	return entries, nil
}

// Delete implements Store.
func (s *DirStore) Delete(digest string) error {
	artifactPath, metadataPath, err := s.paths(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(metadataPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(ErrNotFound, "digest %s", digest)
		}
		return errors.Wrapf(err, "failed to remove %q", metadataPath)
	}
	if err := os.Remove(artifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to remove %q", artifactPath)
	}
	return nil
}

// Close implements Store. DirStore holds no resources.
func (s *DirStore) Close() error { return nil }
