// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks in goroutines, with a limit on how many run at once.
package workerspool

import (
	"context"
	"runtime"
	"sync"
)

// Pool of workers. Tasks are started in their own goroutine, as long as fewer than
// MaxParallelism tasks are running.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel. If < 0 it is unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a new Pool of workers with the given parallelism.
// If maxParallelism is 0, it uses runtime.NumCPU(). If it is < 0, parallelism is unlimited.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// IsUnlimited returns whether parallelism is unlimited.
func (p *Pool) IsUnlimited() bool {
	return p.maxParallelism < 0
}

// MaxParallelism returns the limit of tasks running in parallel, or -1 if unlimited.
func (p *Pool) MaxParallelism() int {
	if p.maxParallelism < 0 {
		return -1
	}
	return p.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedIsFull() bool {
	return !p.IsUnlimited() && p.numRunning >= p.maxParallelism
}

// WaitToStart waits until there is a worker available and starts task in a goroutine.
//
// If ctx is done before a worker is available, the task is not started and ctx.Err() is
// returned. A started task is never interrupted.
func (p *Pool) WaitToStart(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		defer stop()
		for p.lockedIsFull() {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.cond.Wait()
		}
	}
	p.lockedRunTaskInGoroutine(task)
	return nil
}

// lockedRunTaskInGoroutine and keep tabs on p.numRunning.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedRunTaskInGoroutine(task func()) {
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Broadcast()
			p.mu.Unlock()
		}()
		task()
	}()
}

// StartIfAvailable runs the task in a separate goroutine, if there are workers available.
// It returns true if it started the task, false otherwise.
func (p *Pool) StartIfAvailable(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedRunTaskInGoroutine(task)
	return true
}

// NumRunning returns the number of tasks currently running.
func (p *Pool) NumRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numRunning
}

// Wait blocks until all started tasks have finished.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning > 0 {
		p.cond.Wait()
	}
}
