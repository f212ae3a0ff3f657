// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if something went
// wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ExpandHome replaces a leading "~" or "~user" by the corresponding home directory.
// Paths not starting with "~" are returned unchanged.
func ExpandHome(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	userName, rest, _ := strings.Cut(dir[1:], string(filepath.Separator))
	var home string
	if userName == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", errors.Wrapf(err, "failed to find home directory for path %q", dir)
		}
	} else {
		usr, err := user.Lookup(userName)
		if err != nil {
			return "", errors.Wrapf(err, "failed to lookup home directory of user %q in path %q", userName, dir)
		}
		home = usr.HomeDir
	}
	return filepath.Join(home, rest), nil
}

// EnsureDir expands a leading "~" in dir, creates it (and its parents) with the given
// permissions if it doesn't exist, and returns the expanded path.
func EnsureDir(dir string, perm os.FileMode) (string, error) {
	if dir == "" {
		return "", errors.New("empty directory name")
	}
	dir, err := ExpandHome(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, perm); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return dir, nil
}

// WriteFileAtomic writes data to a temporary file in the same directory as path, and then
// renames it to path, so readers never see a partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", path)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpName, perm)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}
