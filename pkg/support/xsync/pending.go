// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements synchronization primitives missing from the standard library.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Pending counts in-flight asynchronous work, and keeps the first error reported.
//
// Like a WaitGroup, but work can be added while someone is waiting, and Wait returns
// (and clears) the first error reported by Done since the last Wait.
//
// The zero value is ready to use.
type Pending struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
	err   error
}

func (p *Pending) lockedInit() {
	if p.cond == nil {
		p.cond = sync.NewCond(&p.mu)
	}
}

// Add one unit of pending work.
func (p *Pending) Add() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockedInit()
	p.count++
}

// Done marks one unit of work as finished, with its error (or nil).
// It panics if there is no pending work.
func (p *Pending) Done(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockedInit()
	p.count--
	if p.count < 0 {
		panic(errors.New("xsync.Pending: Done called more times than Add"))
	}
	if err != nil && p.err == nil {
		p.err = err
	}
	if p.count == 0 {
		p.cond.Broadcast()
	}
}

// Count returns the amount of pending work.
func (p *Pending) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.count)
}

// Wait blocks until there is no pending work, and returns the first error reported since
// the previous Wait.
func (p *Pending) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockedInit()
	for p.count > 0 {
		p.cond.Wait()
	}
	err := p.err
	p.err = nil
	return err
}
