// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements a reference backend that runs kernels on the host CPU.
//
// Kernel bodies are Go functions registered by the entry point name with RegisterBody.
// "Lowering" a kernel simply checks that a body is registered, and "compiling" it binds
// the body to the used parameters of the specialization. Launches can be synchronous
// (the default) or asynchronous, in which case Barrier waits for them.
//
// Configuration options, comma separated (e.g. "host:async,parallelism=4"):
//
//   - "async": launches run in goroutines, and Barrier waits for them.
//   - "parallelism=<n>": maximum number of asynchronous launches running at once, 0 for the
//     number of CPUs (default) and -1 for unlimited.
//   - "lower_delay=<duration>": time each lowering takes, to make concurrent
//     compilations observable.
package host

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomlx/kernelspec/backends"
	"github.com/gomlx/kernelspec/internal/workerspool"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/gomlx/kernelspec/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in KERNELSPEC_BACKEND to specify this backend.
const BackendName = "host"

// Registers New() as the default constructor for the "host" backend.
func init() {
	backends.Register(BackendName, New)
}

// ErrOverlappingLowering is returned (and logged) if a lowering starts while another one
// is in progress: the frontend state is process global.
var ErrOverlappingLowering = errors.New("overlapping kernel lowerings")

// Backend implements backends.Backend for the host CPU.
type Backend struct {
	async       bool
	lowerDelay  time.Duration
	parallelism int

	pool    *workerspool.Pool
	pending xsync.Pending

	// lowering is set while ParseAndLower is running.
	lowering atomic.Bool

	numLowerings, numCompilations, numLoads, numLaunches atomic.Int64
	isFinalized                                          atomic.Bool
}

// Compile-time check that host.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new host Backend. See package documentation for the config options.
func New(config string) (backends.Backend, error) {
	return NewBackend(config)
}

// NewBackend is like New, but returns the concrete type.
func NewBackend(config string) (*Backend, error) {
	b := &Backend{}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		var err error
		switch key {
		case "async":
			b.async = true
			if hasValue {
				b.async, err = strconv.ParseBool(value)
			}
		case "parallelism":
			b.parallelism, err = strconv.Atoi(value)
		case "lower_delay":
			b.lowerDelay, err = time.ParseDuration(value)
		default:
			return nil, errors.Errorf("unknown configuration option %q for host backend", part)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "invalid configuration option %q for host backend", part)
		}
	}
	b.pool = workerspool.New(b.parallelism)
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	if b.async {
		return "Host CPU backend (asynchronous launches)"
	}
	return "Host CPU backend"
}

// IsAsync returns whether launches are asynchronous.
func (b *Backend) IsAsync() bool { return b.async }

func (b *Backend) checkOk() error {
	if b.isFinalized.Load() {
		return errors.New("host backend has already been finalized")
	}
	return nil
}

type lowered struct {
	site      kernel.CallSite
	templates kernel.TemplateValues
	body      Body
}

// ParseAndLower implements backends.Frontend.
func (b *Backend) ParseAndLower(ctx context.Context, site kernel.CallSite, tv kernel.TemplateValues) (backends.IR, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	if !b.lowering.CompareAndSwap(false, true) {
		klog.Errorf("host: lowering of %s started while another lowering is in progress", site)
		return nil, errors.Wrapf(ErrOverlappingLowering, "lowering %s", site)
	}
	defer b.lowering.Store(false)
	b.numLowerings.Add(1)
	if b.lowerDelay > 0 {
		time.Sleep(b.lowerDelay)
	}
	body, found := lookupBody(site.Name)
	if !found {
		return nil, errors.Errorf("no body registered for kernel %q, see host.RegisterBody", site.Name)
	}
	return &lowered{site: site, templates: tv, body: body}, nil
}

// Compile implements backends.Compiler.
func (b *Backend) Compile(ctx context.Context, ir backends.IR, used *kernel.UsedSet) (backends.Executable, error) {
	if err := b.checkOk(); err != nil {
		return nil, err
	}
	l, ok := ir.(*lowered)
	if !ok {
		return nil, errors.Errorf("host backend can't compile IR of type %T", ir)
	}
	b.numCompilations.Add(1)
	return &Executable{
		backend:   b,
		bodyName:  l.site.Name,
		body:      l.body,
		templates: l.templates,
		paths:     used.Strings(),
	}, nil
}

// Barrier implements backends.Runtime: it waits for all asynchronous launches.
func (b *Backend) Barrier() error {
	return b.pending.Wait()
}

// Finalize waits for pending launches and makes the backend invalid.
func (b *Backend) Finalize() {
	if b.isFinalized.Swap(true) {
		return
	}
	if err := b.pending.Wait(); err != nil {
		klog.Warningf("host: pending launch failed while finalizing backend: %+v", err)
	}
	b.pool.Wait()
}

// NumLowerings returns how many times ParseAndLower was called successfully or not.
func (b *Backend) NumLowerings() int64 { return b.numLowerings.Load() }

// NumCompilations returns how many executables were compiled.
func (b *Backend) NumCompilations() int64 { return b.numCompilations.Load() }

// NumLoads returns how many executables were loaded from serialized blobs.
func (b *Backend) NumLoads() int64 { return b.numLoads.Load() }

// NumLaunches returns how many launches were started.
func (b *Backend) NumLaunches() int64 { return b.numLaunches.Load() }
