// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package queue

import (
	"context"
	"sync"
	"time"
)

// Scheduler adds delayed admission to Queue. A record whose message asks for
// a delay is parked as soon as it is scheduled and released by a timer.
type Scheduler struct {
	*Queue

	mu      sync.Mutex
	futures map[uint64]*Future
}

// NewScheduler creates an empty scheduling queue.
func NewScheduler(opts ...Option) *Scheduler {
	return &Scheduler{
		Queue:   New(opts...),
		futures: make(map[uint64]*Future),
	}
}

// Schedule admits a record. Records without a delay go straight into the
// list and a nil Future is returned.
func (s *Scheduler) Schedule(r *Record) (*Future, error) {
	d := r.Message().Delay()
	if d <= 0 {
		return nil, s.Add(r, false)
	}
	if _, err := r.Transition(PhaseScheduled); err != nil {
		return nil, err
	}
	if err := s.Add(r, true); err != nil {
		return nil, err
	}

	f := &Future{rec: r, s: s, done: make(chan struct{})}
	s.mu.Lock()
	s.futures[r.ID()] = f
	s.mu.Unlock()
	f.timer = time.AfterFunc(d, f.fire)
	return f, nil
}

// Future returns the pending delay handle for a record, if any.
func (s *Scheduler) Future(r *Record) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.futures[r.ID()]
}

// Take blocks until a record can be transmitted and returns it held (see
// PollHold), or returns the context error.
func (s *Scheduler) Take(ctx context.Context) (*Record, error) {
	for {
		if r := s.PollHold(); r != nil {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.Wake():
		}
	}
}

func (s *Scheduler) forget(r *Record) {
	s.mu.Lock()
	delete(s.futures, r.ID())
	s.mu.Unlock()
}

type futureState int

const (
	futurePending futureState = iota
	futureFired
	futureCancelled
)

// Future is the cancellable handle of a delayed record.
type Future struct {
	rec   *Record
	s     *Scheduler
	timer *time.Timer

	mu    sync.Mutex
	state futureState
	done  chan struct{}
}

// Record returns the delayed record.
func (f *Future) Record() *Record { return f.rec }

// Done is closed once the delay fired or was cancelled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Cancelled reports whether Cancel won against the timer.
func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == futureCancelled
}

// Cancel stops the delay before it fires. The record is expired and anything
// it was blocking is released. It reports false if the timer already fired.
func (f *Future) Cancel() bool {
	if !f.timer.Stop() || !f.settle(futureCancelled) {
		return false
	}
	if _, err := f.rec.Transition(PhaseExpired); err == nil {
		_ = f.s.Remove(f.rec)
	}
	f.s.forget(f.rec)
	return true
}

func (f *Future) fire() {
	if !f.settle(futureFired) {
		return
	}
	f.s.Unblock(f.rec)
	f.s.forget(f.rec)
}

func (f *Future) settle(to futureState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != futurePending {
		return false
	}
	f.state = to
	close(f.done)
	return true
}
