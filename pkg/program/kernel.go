// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomlx/kernelspec/pkg/core/callgraph"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/gomlx/kernelspec/pkg/core/materialize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel is one entry point of a Program's call graph.
type Kernel struct {
	program *Program
	fn      *callgraph.Function
	site    kernel.CallSite
	formals []kernel.Formal

	// fingerprints of the call graph per template values, see siteFingerprint.
	fingerprints sync.Map

	muLast sync.Mutex
	last   LaunchStats
}

// LaunchStats describes the last launch of a kernel.
type LaunchStats struct {
	// Key of the specialization launched.
	Key kernel.Key

	// Counts of the launch arguments per kind, after pruning unused parameters.
	Counts kernel.KindCounts

	// FoundInCache is true if the variant was already materialized in memory.
	FoundInCache bool

	// LoadedFromStore is true if the variant was materialized by this launch from the
	// durable store, instead of being compiled.
	LoadedFromStore bool
}

// String implements fmt.Stringer.
func (s LaunchStats) String() string {
	return fmt.Sprintf("%s: args %s, found in cache=%v, loaded from store=%v",
		s.Key, s.Counts, s.FoundInCache, s.LoadedFromStore)
}

// Name of the kernel entry point.
func (k *Kernel) Name() string { return k.site.Name }

// Site returns the call site, including the fingerprint of the reachable call graph.
func (k *Kernel) Site() kernel.CallSite { return k.site }

// Program the kernel belongs to.
func (k *Kernel) Program() *Program { return k.program }

// Materialize returns the variant specialized for the given arguments, building it if
// needed, and the bound runtime arguments. found is true if it was already materialized.
func (k *Kernel) Materialize(ctx context.Context, args ...any) (v *materialize.Variant, bound *kernel.Bound, found bool, err error) {
	if materialize.IsCompiling(ctx) {
		return nil, nil, false, errors.Wrapf(ErrNestedKernel, "calling kernel %q", k.site.Name)
	}
	p := k.program
	key, bound, err := p.keys.Build(k.site, k.formals, args...)
	if err != nil {
		return nil, nil, false, err
	}
	if len(key.Templates) > 0 {
		fingerprint, err := k.siteFingerprint(key.Templates)
		if err != nil {
			return nil, nil, false, err
		}
		key = key.WithFingerprint(fingerprint)
	}
	v, found = p.cache.Lookup(key)
	if found {
		return v, bound, true, nil
	}
	v, err = p.cache.GetOrBuild(ctx, key, k.build(key, bound))
	if err != nil {
		return nil, nil, false, err
	}
	return v, bound, false, nil
}

// siteFingerprint returns the fingerprint of the call graph reachable from the kernel,
// including the functions selected by the template values tv.
func (k *Kernel) siteFingerprint(tv kernel.TemplateValues) (string, error) {
	graph := k.program.graph
	memoKey := fmt.Sprintf("%d|%s", graph.NumFunctions(), tv.Canonical())
	if fingerprint, found := k.fingerprints.Load(memoKey); found {
		return fingerprint.(string), nil
	}
	fingerprint, err := graph.Fingerprint(k.site.Name, tv...)
	if err != nil {
		return "", err
	}
	k.fingerprints.Store(memoKey, fingerprint)
	return fingerprint, nil
}

// build returns the function that analyzes, lowers and compiles the specialization key.
// bound are the arguments of the call that triggered it.
func (k *Kernel) build(key kernel.Key, bound *kernel.Bound) materialize.BuildFn {
	return func(ctx context.Context) (*materialize.Variant, error) {
		p := k.program
		used, err := p.analyzer.Analyze(key.Site, key.Templates)
		if err != nil {
			return nil, err
		}
		if p.keys.IncludesDimensions() {
			used, err = k.withDimensions(used, bound)
			if err != nil {
				return nil, errors.WithMessagef(err, "building %s", key)
			}
		}
		ir, err := p.backend.ParseAndLower(ctx, key.Site, key.Templates)
		if err != nil {
			return nil, errors.WithMessagef(err, "lowering %s", key)
		}
		exec, err := p.backend.Compile(ctx, ir, used)
		if err != nil {
			return nil, errors.WithMessagef(err, "compiling %s", key)
		}
		return &materialize.Variant{Executable: exec, Used: used}, nil
	}
}

// withDimensions returns a copy of used with the dimensions of the array leaves taken from
// bound, for variants specialized per shape.
func (k *Kernel) withDimensions(used *kernel.UsedSet, bound *kernel.Bound) (*kernel.UsedSet, error) {
	m, err := k.program.planner.Plan(&materialize.Variant{Used: used}, bound)
	if err != nil {
		return nil, err
	}
	leaves := used.Leaves()
	for ii := range leaves {
		if arr, ok := m.Values[ii].(kernel.Array); ok {
			leaves[ii].Dims = arr.Dimensions()
		}
	}
	return kernel.NewUsedSet(leaves...), nil
}

// Call the kernel with the given arguments: positional arguments first, then keyword
// arguments created with kernel.Kw. Template parameters are given like any other argument.
//
// The launch may be asynchronous, depending on the backend: see Program.Backend().Barrier.
func (k *Kernel) Call(ctx context.Context, args ...any) error {
	v, bound, found, err := k.Materialize(ctx, args...)
	if err != nil {
		return err
	}
	m, err := k.program.planner.Plan(v, bound)
	if err != nil {
		return errors.WithMessagef(err, "calling %s", v.Key)
	}
	stats := LaunchStats{
		Key:             v.Key,
		Counts:          m.Counts,
		FoundInCache:    found,
		LoadedFromStore: !found && v.FromStore,
	}
	k.muLast.Lock()
	k.last = stats
	k.muLast.Unlock()
	if klog.V(2).Enabled() {
		klog.Infof("program: launching %s", stats)
	}
	if err := v.Executable.Launch(ctx, m.Values); err != nil {
		return errors.WithMessagef(err, "launching %s", v.Key)
	}
	return nil
}

// LastLaunch returns the statistics of the last call of the kernel.
func (k *Kernel) LastLaunch() LaunchStats {
	k.muLast.Lock()
	defer k.muLast.Unlock()
	return k.last
}
