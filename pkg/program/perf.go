// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"context"

	"github.com/gomlx/kernelspec/pkg/core/dispatch"
	"github.com/pkg/errors"
)

// PerfDispatcher selects, per geometry, the fastest of several kernels implementing the
// same logical operation with arguments A.
//
// Trials are timed between two barriers of the program's backend, so asynchronous
// launches are fully accounted for.
type PerfDispatcher[A any] struct {
	*dispatch.Dispatcher[A, struct{}]
	program *Program
}

// NewPerfDispatcher creates a PerfDispatcher for the program. The number of warmup trials
// defaults to Config.NumWarmup, and the barrier is the backend's; opts can override them.
func NewPerfDispatcher[A any](p *Program, name string, geometry func(args A) int, opts ...dispatch.Option) *PerfDispatcher[A] {
	allOpts := []dispatch.Option{
		dispatch.WithName(name),
		dispatch.WithNumWarmup(p.config.NumWarmup),
		dispatch.WithBarrier(p.backend.Barrier),
	}
	allOpts = append(allOpts, opts...)
	return &PerfDispatcher[A]{
		Dispatcher: dispatch.New[A, struct{}](geometry, allOpts...),
		program:    p,
	}
}

// RegisterKernel registers k as an implementation, named after the kernel. toArgs converts
// the dispatcher arguments to the kernel call arguments.
func (d *PerfDispatcher[A]) RegisterKernel(k *Kernel, toArgs func(args A) []any, compat ...dispatch.Compat[A]) error {
	if k.Program() != d.program {
		return errors.Errorf("kernel %q belongs to a different program", k.Name())
	}
	return d.Register(k.Name(), func(ctx context.Context, args A) (struct{}, error) {
		return struct{}{}, k.Call(ctx, toArgs(args)...)
	}, compat...)
}

// Call runs exactly one of the registered kernels with args.
func (d *PerfDispatcher[A]) Call(ctx context.Context, args A) error {
	_, err := d.Dispatch(ctx, args)
	return err
}
