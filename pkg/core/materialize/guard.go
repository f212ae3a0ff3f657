// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package materialize

import (
	"context"
	"sync"

	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/pkg/errors"
)

// ErrReentrantCompilation is returned when a build tries to acquire the compilation guard it
// is already running under. Waiting would deadlock, so it fails instead.
var ErrReentrantCompilation = errors.New("re-entrant compilation: a kernel can't be materialized from inside another kernel's compilation")

// Guard serializes compilations: at most one build (frontend lowering, compilation or
// durable store access) runs at any time under the same Guard.
//
// Frontends keep process-global state while lowering, so normally there is only one
// Guard per process, see DefaultGuard.
type Guard struct {
	mu sync.Mutex

	muSite  sync.Mutex
	current *kernel.CallSite
}

var defaultGuard = &Guard{}

// DefaultGuard returns the process-wide Guard.
func DefaultGuard() *Guard { return defaultGuard }

// NewGuard creates an independent Guard. Mostly useful for tests.
func NewGuard() *Guard { return &Guard{} }

type compilingKey struct{}

// Acquire blocks until the guard is available, and returns a derived context marked as
// compiling under g, plus the release function. The release function is idempotent and
// must be called on every exit path, typically with defer.
//
// If ctx is already marked as compiling under g, it returns ErrReentrantCompilation
// immediately.
func (g *Guard) Acquire(ctx context.Context, site kernel.CallSite) (context.Context, func(), error) {
	if compilingUnder(ctx) == g {
		return nil, nil, errors.Wrapf(ErrReentrantCompilation, "materializing %s while compiling %s", site, g.Compiling())
	}
	g.mu.Lock()
	g.muSite.Lock()
	g.current = &site
	g.muSite.Unlock()
	var once sync.Once
	release := func() {
		once.Do(func() {
			g.muSite.Lock()
			g.current = nil
			g.muSite.Unlock()
			g.mu.Unlock()
		})
	}
	return context.WithValue(ctx, compilingKey{}, g), release, nil
}

// Compiling returns the call site currently being compiled, or an empty CallSite if none.
func (g *Guard) Compiling() kernel.CallSite {
	g.muSite.Lock()
	defer g.muSite.Unlock()
	if g.current == nil {
		return kernel.CallSite{}
	}
	return *g.current
}

// IsCompiling reports whether ctx was derived from a context returned by Guard.Acquire,
// that is, whether the code running with ctx is part of a build.
func IsCompiling(ctx context.Context) bool {
	return compilingUnder(ctx) != nil
}

func compilingUnder(ctx context.Context) *Guard {
	if ctx == nil {
		return nil
	}
	g, _ := ctx.Value(compilingKey{}).(*Guard)
	return g
}
