// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"slices"
	"sync"

	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/pkg/errors"
)

// Body is the Go implementation of a kernel executed by the host backend.
//
// It receives the template values of the specialization and only the arguments the
// specialization uses, addressed by their path (e.g. "md.nested.n1").
type Body func(ctx context.Context, tv kernel.TemplateValues, args *Args) error

var (
	muBodies sync.RWMutex
	bodies   = make(map[string]Body)
)

// RegisterBody registers the Go body of the kernel entry point with the given name.
// Registering the same name twice replaces the previous body.
//
// It is safe to call concurrently, but usually done during initialization of a package.
func RegisterBody(name string, body Body) {
	muBodies.Lock()
	defer muBodies.Unlock()
	bodies[name] = body
}

// HasBody returns whether a body is registered for the entry point name.
func HasBody(name string) bool {
	_, found := lookupBody(name)
	return found
}

func lookupBody(name string) (Body, bool) {
	muBodies.RLock()
	defer muBodies.RUnlock()
	body, found := bodies[name]
	return body, found
}

// Args holds the marshaled arguments of one launch.
type Args struct {
	paths  []string
	values []any
}

// Paths returns the paths of the arguments, in launch order.
func (a *Args) Paths() []string { return slices.Clone(a.paths) }

// Len returns the number of arguments.
func (a *Args) Len() int { return len(a.paths) }

// Get returns the argument for the given path (e.g. "md.nested.n1").
// It returns false if the argument was pruned from this specialization.
func (a *Args) Get(path string) (value any, found bool) {
	idx := slices.Index(a.paths, path)
	if idx < 0 {
		return nil, false
	}
	return a.values[idx], true
}

// Arg returns the argument at path converted to T.
func Arg[T any](args *Args, path string) (T, error) {
	var t T
	value, found := args.Get(path)
	if !found {
		return t, errors.Errorf("argument %q is not part of this specialization (used: %q)", path, args.paths)
	}
	t, ok := value.(T)
	if !ok {
		return t, errors.Errorf("argument %q is a %T, not a %T", path, value, t)
	}
	return t, nil
}
