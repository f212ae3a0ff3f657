// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch implements adaptive selection among several implementations of the
// same logical operation.
//
// Calls are grouped by a geometry: an integer summarizing the argument sizes (see
// Geometry and the bucketing strategies). For each geometry, the Dispatcher first explores
// by running and timing each compatible implementation in turn, and once every one of them
// has enough timed trials it freezes the fastest for that geometry. Exactly one
// implementation runs per call, during exploration or after.
package dispatch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoCompatibleImplementation is returned when no registered implementation accepts the
// call arguments.
var ErrNoCompatibleImplementation = errors.New("no compatible implementation")

// DefaultNumWarmup is the default number of initial trials per implementation whose timing
// is discarded.
const DefaultNumWarmup = 2

// Impl is one implementation of an operation.
type Impl[A, R any] func(ctx context.Context, args A) (R, error)

// Compat is a compatibility predicate: it returns whether an implementation accepts args.
type Compat[A any] func(args A) bool

type candidate[A, R any] struct {
	name   string
	index  int
	impl   Impl[A, R]
	compat []Compat[A]
}

func (c *candidate[A, R]) accepts(args A) bool {
	for _, fn := range c.compat {
		if !fn(args) {
			return false
		}
	}
	return true
}

type options struct {
	name      string
	numWarmup int
	barrier   func() error
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(o *options)

// WithName sets the name of the dispatcher, used in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithNumWarmup sets the number of initial trials per implementation whose timing is
// discarded. Default is DefaultNumWarmup.
func WithNumWarmup(numWarmup int) Option {
	return func(o *options) { o.numWarmup = max(numWarmup, 0) }
}

// WithBarrier sets the device synchronization called before and after each timed trial,
// so asynchronous launches are fully accounted for. Default is a no-op.
func WithBarrier(barrier func() error) Option {
	return func(o *options) { o.barrier = barrier }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Dispatcher selects, per geometry, the fastest of the registered implementations.
//
// It is safe for concurrent use. Calls on a converged geometry take no locks. Trials of
// the same geometry are serialized, so their timings don't interfere.
type Dispatcher[A, R any] struct {
	opts     options
	geometry func(args A) int

	muCandidates sync.RWMutex
	candidates   []*candidate[A, R]

	converged sync.Map // geometry -> *candidate[A, R]
	buckets   sync.Map // geometry -> *bucket
}

// bucket holds the exploration state of one geometry, indexed by candidate index.
type bucket struct {
	mu      sync.Mutex
	trials  map[int]int
	samples map[int]time.Duration // Lowest retained sample.
}

// New creates a Dispatcher that groups calls with the given geometry function.
func New[A, R any](geometry func(args A) int, opts ...Option) *Dispatcher[A, R] {
	d := &Dispatcher[A, R]{
		geometry: geometry,
		opts: options{
			name:      "dispatcher",
			numWarmup: DefaultNumWarmup,
			barrier:   func() error { return nil },
			now:       time.Now,
		},
	}
	for _, opt := range opts {
		opt(&d.opts)
	}
	return d
}

// Name of the dispatcher.
func (d *Dispatcher[A, R]) Name() string { return d.opts.name }

// NumWarmup returns the number of discarded trials per implementation.
func (d *Dispatcher[A, R]) NumWarmup() int { return d.opts.numWarmup }

// Register an implementation with the given name. Implementations are only considered for
// calls where all compat predicates return true.
//
// Registration order is used to break ties, both when choosing the next implementation to
// try and when choosing the fastest.
func (d *Dispatcher[A, R]) Register(name string, impl Impl[A, R], compat ...Compat[A]) error {
	d.muCandidates.Lock()
	defer d.muCandidates.Unlock()
	if slices.ContainsFunc(d.candidates, func(c *candidate[A, R]) bool { return c.name == name }) {
		return errors.Errorf("%s: implementation %q already registered", d.opts.name, name)
	}
	d.candidates = append(d.candidates, &candidate[A, R]{
		name: name, index: len(d.candidates), impl: impl, compat: compat,
	})
	return nil
}

// Implementations returns the names of the registered implementations, in registration order.
func (d *Dispatcher[A, R]) Implementations() []string {
	d.muCandidates.RLock()
	defer d.muCandidates.RUnlock()
	names := make([]string, len(d.candidates))
	for ii, c := range d.candidates {
		names[ii] = c.name
	}
	return names
}

func (d *Dispatcher[A, R]) compatible(args A) []*candidate[A, R] {
	d.muCandidates.RLock()
	defer d.muCandidates.RUnlock()
	var compatible []*candidate[A, R]
	for _, c := range d.candidates {
		if c.accepts(args) {
			compatible = append(compatible, c)
		}
	}
	return compatible
}

// Dispatch runs exactly one implementation for args and returns its result.
func (d *Dispatcher[A, R]) Dispatch(ctx context.Context, args A) (R, error) {
	g := d.geometry(args)
	if c, found := d.converged.Load(g); found {
		return c.(*candidate[A, R]).impl(ctx, args)
	}

	var zero R
	compatible := d.compatible(args)
	if len(compatible) == 0 {
		return zero, errors.Wrapf(ErrNoCompatibleImplementation, "%s: geometry %d, implementations %q",
			d.opts.name, g, d.Implementations())
	}
	if len(compatible) == 1 {
		// Nothing to compare against.
		d.converge(g, compatible[0], 0)
		return compatible[0].impl(ctx, args)
	}

	bAny, _ := d.buckets.LoadOrStore(g, &bucket{trials: make(map[int]int), samples: make(map[int]time.Duration)})
	b := bAny.(*bucket)
	b.mu.Lock()
	if c, found := d.converged.Load(g); found {
		// Converged while we waited.
		b.mu.Unlock()
		return c.(*candidate[A, R]).impl(ctx, args)
	}
	defer b.mu.Unlock()

	// Least tried first, ties broken by registration order.
	next := compatible[0]
	for _, c := range compatible[1:] {
		if b.trials[c.index] < b.trials[next.index] {
			next = c
		}
	}

	if err := d.opts.barrier(); err != nil {
		return zero, errors.WithMessagef(err, "%s: barrier before trying %q", d.opts.name, next.name)
	}
	start := d.opts.now()
	result, err := next.impl(ctx, args)
	if err != nil {
		// Failed trials are not recorded.
		return result, err
	}
	if err := d.opts.barrier(); err != nil {
		return zero, errors.WithMessagef(err, "%s: barrier after trying %q", d.opts.name, next.name)
	}
	elapsed := d.opts.now().Sub(start)

	trial := b.trials[next.index]
	b.trials[next.index] = trial + 1
	if trial >= d.opts.numWarmup {
		if best, found := b.samples[next.index]; !found || elapsed < best {
			b.samples[next.index] = elapsed
		}
	}
	klog.V(2).Infof("%s: geometry %d, trial #%d of %q took %s", d.opts.name, g, trial, next.name, elapsed)

	// Converge once all compatible implementations have at least one retained sample.
	var fastest *candidate[A, R]
	for _, c := range compatible {
		if b.trials[c.index] < d.opts.numWarmup+1 {
			return result, nil
		}
		if fastest == nil || b.samples[c.index] < b.samples[fastest.index] {
			fastest = c
		}
	}
	d.converge(g, fastest, b.samples[fastest.index])
	return result, nil
}

func (d *Dispatcher[A, R]) converge(g int, c *candidate[A, R], sample time.Duration) {
	if _, loaded := d.converged.LoadOrStore(g, c); loaded {
		return
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s: geometry %d converged to %q (best time %s)", d.opts.name, g, c.name, sample)
	}
}

// Chosen returns the name of the implementation frozen for the geometry, if converged.
func (d *Dispatcher[A, R]) Chosen(geometry int) (name string, converged bool) {
	c, found := d.converged.Load(geometry)
	if !found {
		return "", false
	}
	return c.(*candidate[A, R]).name, true
}

// Trials returns the number of trials run per implementation name for the geometry.
func (d *Dispatcher[A, R]) Trials(geometry int) map[string]int {
	trials := make(map[string]int)
	bAny, found := d.buckets.Load(geometry)
	if !found {
		return trials
	}
	b := bAny.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	d.muCandidates.RLock()
	defer d.muCandidates.RUnlock()
	for _, c := range d.candidates {
		if n := b.trials[c.index]; n > 0 {
			trials[c.name] = n
		}
	}
	return trials
}
