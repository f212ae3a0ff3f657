// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package program ties the specialization layer together: a Program owns the call graph
// of the kernels, the usage analyzer, the materialization cache (optionally backed by a
// durable store) and the backend, and its Kernels can be called with arbitrary arguments.
//
// Example:
//
//	graph := callgraph.MustNewGraph(
//		callgraph.Func("increment", []callgraph.Param{callgraph.P("x", callgraph.ArrayOf(dtypes.Int32, 1))},
//			callgraph.Write("x")))
//	p := must.M1(program.New(program.DefaultConfig(), graph))
//	defer p.Close()
//	inc := must.M1(p.Kernel("increment"))
//	err := inc.Call(ctx, x)
//
// The kernel bodies themselves are provided by the backend (see backends/host).
package program

import (
	"context"
	"sync"

	"github.com/gomlx/kernelspec/backends"
	"github.com/gomlx/kernelspec/internal/workerspool"
	"github.com/gomlx/kernelspec/pkg/core/callgraph"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/gomlx/kernelspec/pkg/core/launch"
	"github.com/gomlx/kernelspec/pkg/core/materialize"
	"github.com/gomlx/kernelspec/pkg/core/store"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNestedKernel is returned when a kernel is called while a kernel is being compiled,
// e.g. from inside a frontend lowering.
var ErrNestedKernel = errors.New("kernels can't be called from inside a kernel compilation")

// Program holds the kernels of one call graph, and everything needed to call them.
//
// It is safe for concurrent use.
type Program struct {
	config      Config
	graph       *callgraph.Graph
	analyzer    *callgraph.Analyzer
	backend     backends.Backend
	ownsBackend bool
	store       store.Store
	cache       *materialize.Cache
	keys        *kernel.KeyBuilder
	planner     launch.Planner

	muKernels sync.Mutex
	kernels   map[string]*Kernel
}

// New creates a Program for the kernels in graph, with a new backend created from
// config.Backend (or the default backend if empty). The backend is finalized by Close.
func New(config Config, graph *callgraph.Graph) (*Program, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	var (
		backend backends.Backend
		err     error
	)
	if config.Backend == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(config.Backend)
	}
	if err != nil {
		return nil, err
	}
	p, err := NewWithBackend(config, graph, backend)
	if err != nil {
		backend.Finalize()
		return nil, err
	}
	p.ownsBackend = true
	return p, nil
}

// NewWithBackend creates a Program using the given backend, which is not finalized by Close.
func NewWithBackend(config Config, graph *callgraph.Graph, backend backends.Backend) (*Program, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, errors.New("program requires a call graph")
	}
	p := &Program{
		config:   config,
		graph:    graph,
		analyzer: callgraph.NewAnalyzer(graph),
		backend:  backend,
		cache:    materialize.NewCache(materialize.DefaultGuard()).SetMaxCache(config.MaxCacheSize),
		kernels:  make(map[string]*Kernel),
	}
	if config.IncludeDimensions {
		p.keys = kernel.NewKeyBuilder(kernel.WithDimensions())
	} else {
		p.keys = kernel.NewKeyBuilder()
	}
	s, err := config.OpenStore()
	if err != nil {
		return nil, err
	}
	if s != nil {
		p.store = s
		p.cache.WithStore(s, backend.Name(), backend)
	}
	klog.V(1).Infof("program: backend %s, offline cache=%v (%s store in %q)",
		backend.Name(), config.OfflineCache, config.StoreKind, config.CacheDir)
	return p, nil
}

// Config returns the configuration of the program.
func (p *Program) Config() Config { return p.config }

// Graph returns the call graph of the kernels.
func (p *Program) Graph() *callgraph.Graph { return p.graph }

// Analyzer returns the usage analyzer shared by all kernels of the program.
func (p *Program) Analyzer() *callgraph.Analyzer { return p.analyzer }

// Backend used by the program.
func (p *Program) Backend() backends.Backend { return p.backend }

// Cache returns the materialization cache.
func (p *Program) Cache() *materialize.Cache { return p.cache }

// Stats of the materialization cache.
func (p *Program) Stats() materialize.Stats { return p.cache.Stats() }

// Kernel returns the kernel with the given entry point in the call graph.
// The same *Kernel is returned for the same entry.
func (p *Program) Kernel(entry string) (*Kernel, error) {
	p.muKernels.Lock()
	defer p.muKernels.Unlock()
	if k, found := p.kernels[entry]; found {
		return k, nil
	}
	fn, found := p.graph.Function(entry)
	if !found {
		return nil, errors.Wrapf(callgraph.ErrUnknownFunction, "kernel %q", entry)
	}
	fingerprint, err := p.graph.Fingerprint(entry)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		program: p,
		fn:      fn,
		site:    kernel.CallSite{Name: entry, Fingerprint: fingerprint},
		formals: fn.Formals(),
	}
	p.kernels[entry] = k
	return k, nil
}

// MustKernel is like Kernel, but panics on error.
func (p *Program) MustKernel(entry string) *Kernel {
	k, err := p.Kernel(entry)
	if err != nil {
		panic(err)
	}
	return k
}

// Specialization is a kernel with the arguments of one call, see Program.Precompile.
type Specialization struct {
	Kernel *Kernel
	Args   []any
}

// Precompile materializes the specializations of the given calls concurrently, without
// launching them. ctx is only checked before starting each materialization.
//
// It returns the first error encountered.
func (p *Program) Precompile(ctx context.Context, calls ...Specialization) error {
	pool := workerspool.New(p.config.Parallelism)
	var (
		mu       sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, call := range calls {
		err := pool.WaitToStart(ctx, func() {
			if _, _, _, err := call.Kernel.Materialize(ctx, call.Args...); err != nil {
				setErr(err)
			}
		})
		if err != nil {
			setErr(errors.Wrap(err, "precompile interrupted"))
			break
		}
	}
	pool.Wait()
	return firstErr
}

// Reset drops all materialized variants (and finalizes their executables). Durable store
// entries are kept.
func (p *Program) Reset() {
	p.cache.Reset()
}

// Close releases the materialized variants, the durable store, and the backend if it was
// created by New.
func (p *Program) Close() error {
	p.cache.Reset()
	var err error
	if p.store != nil {
		err = p.store.Close()
	}
	if p.ownsBackend {
		p.backend.Finalize()
	}
	return err
}
