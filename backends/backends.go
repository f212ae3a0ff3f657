// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a kernel frontend, compiler and runtime need to
// implement to be driven by the specialization layer.
//
// The specialization layer never looks inside the IR or the executables: it only hands the
// frontend a call site with its template values, hands the compiler the lowered IR with
// the set of used parameters, and launches the resulting Executable with the arguments
// planned for it.
//
// Backends report errors as returned values, but a backend is allowed to throw (panic)
// with a stack trace in case of internal errors (see package github.com/gomlx/exceptions):
// the materialization cache converts those to errors.
package backends

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/pkg/errors"
)

// IR is the backend specific lowered representation of a kernel. It's opaque to the
// specialization layer.
type IR any

// Frontend parses and lowers the body of a kernel for one combination of template values.
//
// Lowering may mutate process-global frontend state, so it is always called inside the
// compilation guard.
type Frontend interface {
	ParseAndLower(ctx context.Context, site kernel.CallSite, tv kernel.TemplateValues) (IR, error)
}

// Compiler compiles lowered IR into an Executable. The executable takes exactly the leaves
// listed in used, in that order.
type Compiler interface {
	Compile(ctx context.Context, ir IR, used *kernel.UsedSet) (Executable, error)
}

// Executable is a compiled kernel ready to be launched.
type Executable interface {
	// Launch the kernel with the marshaled leaf arguments, in the order of the used set it
	// was compiled with. The launch may be asynchronous: see Runtime.Barrier.
	Launch(ctx context.Context, args []any) error

	// Serialize returns an opaque blob that Loader.Load can turn back into an equivalent
	// Executable, possibly in another process.
	Serialize() ([]byte, error)

	// Finalize immediately frees resources associated to the executable.
	Finalize()
}

// Loader restores executables serialized with Executable.Serialize.
type Loader interface {
	Load(blob []byte) (Executable, error)
}

// Runtime exposes the device synchronization primitive.
type Runtime interface {
	// Barrier blocks until all launched work has completed. It returns the first error of an
	// asynchronous launch, if any.
	Barrier() error
}

// Backend is the API that needs to be implemented by a kernel backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "host".
	// It is part of the durable store digest.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	Frontend
	Compiler
	Loader
	Runtime

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a
// configuration string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "KERNELSPEC_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment KERNELSPEC_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "host"), and
// "<backend_configuration>" is backend specific. If there is no ":", the whole config
// is taken as the backend name, and if config is empty the first registered backend is used.
func NewWithConfig(config string) (Backend, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New(`no registered kernel backends -- maybe import the host one with import _ "github.com/gomlx/kernelspec/backends/host"?`)
	}
	backendName, backendConfig := firstRegistered, ""
	if config != "" {
		backendName, backendConfig, _ = strings.Cut(config, ":")
	}
	constructor, found := registeredConstructors[backendName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %q",
			backendName, config, List())
	}
	b, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend %q", backendName)
	}
	return b, nil
}

// MustNew is like New, but panics on error.
func MustNew() Backend {
	b, err := New()
	if err != nil {
		panic(err)
	}
	return b
}
