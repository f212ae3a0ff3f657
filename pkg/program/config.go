// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"bytes"
	"os"

	"github.com/gomlx/kernelspec/backends"
	"github.com/gomlx/kernelspec/pkg/core/dispatch"
	"github.com/gomlx/kernelspec/pkg/core/store"
	"github.com/gomlx/kernelspec/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store kinds.
const (
	StoreDir    = "dir"
	StoreSQLite = "sqlite"
)

// CacheDirEnvVar is the environment variable that, if set, enables the offline cache in
// the given directory.
const CacheDirEnvVar = "KERNELSPEC_CACHE_DIR"

// DefaultCacheDir is used when the offline cache is enabled without a directory.
const DefaultCacheDir = "~/.cache/kernelspec"

// Config of a Program. It can be read from YAML, see LoadConfig.
type Config struct {
	// Backend configuration, in the format "<backend_name>:<backend_config>".
	// If empty, backends.New() is used.
	Backend string `yaml:"backend"`

	// OfflineCache enables the durable store of compiled variants, in CacheDir.
	OfflineCache bool `yaml:"offline_cache"`

	// CacheDir is the directory of the durable store. It accepts "~" for the home directory.
	CacheDir string `yaml:"cache_dir"`

	// StoreKind is either StoreDir (one file per artifact) or StoreSQLite.
	StoreKind string `yaml:"store"`

	// MaxCacheSize is the maximum number of materialized variants, -1 for unlimited.
	MaxCacheSize int `yaml:"max_cache_size"`

	// NumWarmup is the number of discarded samples per implementation of a performance dispatcher.
	NumWarmup int `yaml:"num_warmup"`

	// IncludeDimensions makes the full array dimensions (instead of only the rank) part of
	// the specialization keys.
	IncludeDimensions bool `yaml:"include_dimensions"`

	// Parallelism of Program.Precompile. 0 uses the number of CPUs.
	Parallelism int `yaml:"parallelism"`
}

// DefaultConfig returns the default configuration: default backend, no offline cache,
// unlimited cache size.
func DefaultConfig() Config {
	return Config{
		CacheDir:     DefaultCacheDir,
		StoreKind:    StoreDir,
		MaxCacheSize: -1,
		NumWarmup:    dispatch.DefaultNumWarmup,
	}
}

// LoadConfig reads the YAML file in path. Fields not in the file keep their default value,
// and unknown fields are an error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return config, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "reading configuration from %q", path)
	}
	config, err = ParseConfig(contents)
	if err != nil {
		return config, errors.WithMessagef(err, "configuration file %q", path)
	}
	return config, nil
}

// ParseConfig parses a YAML configuration. Fields not given keep their default value.
func ParseConfig(contents []byte) (Config, error) {
	config := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && len(bytes.TrimSpace(contents)) > 0 {
		return config, errors.Wrap(err, "parsing configuration")
	}
	return config, config.Validate()
}

// String returns the YAML encoding of the configuration.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}

// FromEnv returns a copy of the configuration with the environment overrides applied:
// KERNELSPEC_BACKEND sets the backend, and KERNELSPEC_CACHE_DIR enables the offline cache in
// the given directory.
func (c Config) FromEnv() Config {
	if backend, found := os.LookupEnv(backends.ConfigEnvVar); found {
		c.Backend = backend
	}
	if dir, found := os.LookupEnv(CacheDirEnvVar); found && dir != "" {
		c.OfflineCache = true
		c.CacheDir = dir
	}
	return c
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.StoreKind != StoreDir && c.StoreKind != StoreSQLite {
		return errors.Errorf("invalid store kind %q, valid values are %q and %q", c.StoreKind, StoreDir, StoreSQLite)
	}
	if c.NumWarmup < 0 {
		return errors.Errorf("invalid num_warmup=%d, it must be >= 0", c.NumWarmup)
	}
	if c.OfflineCache && c.CacheDir == "" {
		return errors.New("offline_cache requires a cache_dir")
	}
	return nil
}

// OpenStore opens the durable store configured, or returns nil if OfflineCache is false.
func (c Config) OpenStore() (store.Store, error) {
	if !c.OfflineCache {
		return nil, nil
	}
	var (
		s   store.Store
		err error
	)
	switch c.StoreKind {
	case StoreSQLite:
		s, err = store.NewSQLiteStore(c.CacheDir)
	default:
		s, err = store.NewDirStore(c.CacheDir)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
