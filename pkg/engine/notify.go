// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

// Subscribe registers an observer for replies that still carry information
// nobody accounted for: unsolicited events and the unconsumed remainder of
// solicited replies.
func (c *Controller) Subscribe(fn func(bus.Reply)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Detach forgets the listener bound to a record. The record itself carries
// on; its outcome is simply not reported to anyone.
func (c *Controller) Detach(id uint64) bool {
	c.mu.Lock()
	lid, ok := c.bound[id]
	delete(c.bound, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.listeners.remove(lid)
}

// record appends a reply to the caller status of r, if r has one.
func (c *Controller) record(r *queue.Record, reply bus.Reply) {
	if reply == nil {
		return
	}
	c.mu.Lock()
	if st := c.statuses[r.ID()]; st != nil {
		st.Replies = append(st.Replies, reply.Clone())
	}
	c.mu.Unlock()
}

// notify reports a record that reached a terminal phase to its listener.
func (c *Controller) notify(r *queue.Record, o *Outcome) {
	c.mu.Lock()
	st := c.statuses[r.ID()]
	if st == nil {
		c.mu.Unlock()
		return
	}
	st.Retries = r.Retries()
	st.Err = o.Err()
	switch r.Phase() {
	case queue.PhaseFinished:
		st.Result = ResultSuccess
	case queue.PhaseFailed:
		st.Result = ResultFailed
		if st.Err == nil {
			st.Err = ErrUnsupported
		}
	default:
		switch {
		case o.Failed():
			st.Result = ResultFailed
		case errors.Is(st.Err, ErrCancelled):
			st.Result = ResultCancelled
		case errors.Is(st.Err, ErrRejected):
			st.Result = ResultRejected
		default:
			st.Result = ResultTimeout
			if st.Err == nil {
				st.Err = ErrTimeout
			}
		}
	}
	snap := st.clone()
	l := c.listeners.get(c.bound[r.ID()])
	c.mu.Unlock()

	if l == nil {
		return
	}
	if snap.Success() {
		_ = c.guard("completed", func() { l.Completed(snap) })
	} else {
		_ = c.guard("failed", func() { l.Failed(snap) })
	}
}

// concurrent reports another controller acting on the device r targets. A
// follow-up record reports through the caller of the handler's initial
// record.
func (c *Controller) concurrent(j *job, r *queue.Record, reply bus.Reply) {
	c.mu.Lock()
	c.stats.Concurrent++
	c.stats.touch()
	key := r.ID()
	if c.statuses[key] == nil {
		key = j.h.Initial().ID()
	}
	st := c.statuses[key]
	if st == nil {
		c.mu.Unlock()
		c.log.Info("concurrent operation", zap.Stringer("record", r), zap.Stringer("reply", reply))
		return
	}
	st.Concurrent = reply.Clone()
	snap := st.clone()
	l := c.listeners.get(c.bound[key])
	c.mu.Unlock()

	c.log.Info("concurrent operation",
		zap.Stringer("record", r),
		zap.Stringer("reply", reply),
		zap.Bool("listener", l != nil))
	if l != nil {
		_ = c.guard("concurrent operation", func() { l.ConcurrentOperation(snap, snap.Concurrent) })
	}
}

// deliver hands a reply to observers unless handlers consumed all of it.
func (c *Controller) deliver(reply bus.Reply) {
	if reply == nil || !reply.Unconsumed() {
		return
	}
	c.mu.Lock()
	obs := slices.Clone(c.observers)
	c.mu.Unlock()
	for _, fn := range obs {
		_ = c.guard("observer", func() { fn(reply) })
	}
}

// guard runs handler or caller code, turning a panic into an error so one
// misbehaving callback cannot stop the layout goroutine.
func (c *Controller) guard(what string, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", what, p)
			c.log.Error("callback panicked",
				zap.String("callback", what),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
	return nil
}
