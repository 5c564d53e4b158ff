// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"context"
)

// Layout runs functions one at a time on a single goroutine. Controller and
// handler code only ever runs there, so it needs no locking of its own.
//
// Functions posted to the layout must not wait for another Call on the same
// layout; listeners that want to submit follow-up commands should do so from
// their own goroutine.
type Layout struct {
	tasks chan func()
	done  chan struct{}
}

// NewLayout creates a layout with room for depth pending tasks.
func NewLayout(depth int) *Layout {
	return &Layout{
		tasks: make(chan func(), depth),
		done:  make(chan struct{}),
	}
}

// Run executes tasks until the context ends.
func (l *Layout) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post queues fn without waiting for it to run.
func (l *Layout) Post(ctx context.Context, fn func()) error {
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn on the layout goroutine and waits for it to return.
func (l *Layout) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// Run may have exited with fn still queued.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
