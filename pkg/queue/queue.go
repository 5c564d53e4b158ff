// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package queue holds outgoing command records in transmission order.
//
// Records live in a single ordered list. Normal-priority records keep
// submission order within a priority band; high-priority records are taken
// newest-first. A record that is blocked, explicitly or because another record
// holds its group key, leaves the list and is parked in the blocking
// bookkeeping until released. Group blocking is evaluated lazily when the head
// of the list is examined, so insertion never scans for group members.
package queue

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNotTerminal is returned by Remove for a record that is still active.
	ErrNotTerminal = errors.New("record is not in a terminal phase")
	// ErrAlreadyQueued is returned when a record is added twice.
	ErrAlreadyQueued = errors.New("record is already queued")
	// ErrTerminal is returned when a finished record is offered again.
	ErrTerminal = errors.New("record is in a terminal phase")
)

// UnblockResult reports what Unblock did.
type UnblockResult int

// Unblock results
const (
	Released UnblockResult = iota
	StillBlocked
	NotTracked
)

func (u UnblockResult) String() string {
	switch u {
	case Released:
		return "released"
	case StillBlocked:
		return "still-blocked"
	default:
		return "not-tracked"
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for blocking diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// Queue is the priority/blocking queue.
type Queue struct {
	mu      sync.Mutex
	items   []*Record
	heads   map[any]*Record
	blocked map[uint64]*Record
	clock   uint64
	seq     uint64
	wake    chan struct{}
	log     *zap.Logger
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		heads:   make(map[any]*Record),
		blocked: make(map[uint64]*Record),
		wake:    make(chan struct{}, 1),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Wake is signalled whenever a record becomes eligible for polling.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Add inserts a record. A blocked record is parked immediately and, when it
// has a group key, takes the slot for that key.
func (q *Queue) Add(r *Record, blocked bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.add(r, blocked)
}

func (q *Queue) add(r *Record, blocked bool) error {
	if r.Phase().Terminal() {
		return fmt.Errorf("add record %d: %w", r.id, ErrTerminal)
	}
	if r.listed || r.locks > 0 || r.waitingOn != nil || r.held {
		return fmt.Errorf("add record %d: %w", r.id, ErrAlreadyQueued)
	}
	q.sequence(r)
	if !blocked {
		if _, err := r.Transition(PhaseQueued); err != nil {
			return err
		}
		q.insert(r)
		q.signal()
		return nil
	}

	r.locks = 1
	if r.Phase() == PhaseCreated {
		if _, err := r.Transition(PhaseBlocked); err != nil {
			return err
		}
	}
	if r.group != nil {
		q.claim(r)
	}
	q.track(r)
	return nil
}

// Poll removes and returns the next eligible record, or nil. A slot head
// handed out this way gives up its slot and its waiters are reinserted.
func (q *Queue) Poll() *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.scan(true)
	if r != nil && r.head {
		q.release(r)
	}
	return r
}

// PollHold removes and returns the next eligible record and keeps it as the
// holder of its group slot until Remove. This is how the transmit path takes
// records: nothing else in the group moves while the record is in flight.
func (q *Queue) PollHold() *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.scan(true)
	if r == nil {
		return nil
	}
	r.held = true
	if r.group != nil && !r.head {
		q.claim(r)
	}
	return r
}

// Peek returns the next eligible record without removing it.
func (q *Queue) Peek() *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scan(false)
}

// Block parks a record. Blocks nest: each Block needs a matching Unblock.
func (q *Queue) Block(r *Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r.Phase().Terminal() {
		return fmt.Errorf("block record %d: %w", r.id, ErrTerminal)
	}
	q.sequence(r)
	r.locks++
	if r.listed {
		q.unlist(r)
	}
	if p := r.Phase(); p == PhaseCreated || p == PhaseQueued {
		if _, err := r.Transition(PhaseBlocked); err != nil {
			return err
		}
	}
	if r.group != nil && r.waitingOn == nil && !r.head {
		q.claim(r)
	}
	q.track(r)
	return nil
}

// Unblock drops one block. Only when the last one is gone does the record
// return to the list; a slot head keeps its waiters until it is polled or
// removed.
func (q *Queue) Unblock(r *Record) UnblockResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r.locks == 0 {
		return NotTracked
	}
	r.locks--
	q.track(r)
	if r.locks > 0 {
		return StillBlocked
	}
	if r.waitingOn != nil {
		if r.Phase() == PhaseScheduled {
			_, _ = r.Transition(PhaseBlocked)
		}
		return StillBlocked
	}
	if r.held || r.Phase().Terminal() {
		return Released
	}
	if _, err := r.Transition(PhaseQueued); err != nil {
		q.log.Warn("unblock", zap.Uint64("record", r.id), zap.Error(err))
		return Released
	}
	q.insert(r)
	q.signal()
	return Released
}

// Remove drops a finished record from every structure and releases whatever
// was waiting on it.
func (q *Queue) Remove(r *Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !r.Phase().Terminal() {
		return fmt.Errorf("remove record %d (%s): %w", r.id, r.Phase(), ErrNotTerminal)
	}
	if r.listed {
		q.unlist(r)
	}
	if h := r.waitingOn; h != nil {
		h.waiters = without(h.waiters, r)
		r.waitingOn = nil
	}
	r.locks = 0
	r.held = false
	q.track(r)
	if r.head {
		q.release(r)
	}
	return nil
}

// Replay puts a rejected record back into the list, at the position given by
// its original stamp, so it is transmitted again verbatim.
func (q *Queue) Replay(r *Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r.listed {
		return fmt.Errorf("replay record %d: %w", r.id, ErrAlreadyQueued)
	}
	if _, err := r.Transition(PhaseReplaying); err != nil {
		return err
	}
	r.countRetry()
	q.stamp(r)
	q.insert(r)
	q.signal()
	return nil
}

// Len returns the number of records eligible for polling.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Blocked returns the number of parked records.
func (q *Queue) Blocked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocked)
}

// SlotHead returns the record currently holding a group key.
func (q *Queue) SlotHead(key any) *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heads[key]
}

// scan walks the head of the list, diverting records whose group is held by
// another record, and returns the first eligible one.
func (q *Queue) scan(take bool) *Record {
	for len(q.items) > 0 {
		r := q.items[0]
		q.stamp(r)
		if h := q.blocker(r); h != nil {
			q.log.Debug("group blocked",
				zap.Uint64("record", r.id),
				zap.Uint64("head", h.id),
				zap.Any("group", r.group))
			q.wait(r, h)
			continue
		}
		if take {
			q.unlist(r)
		}
		return r
	}
	return nil
}

func (q *Queue) blocker(r *Record) *Record {
	if r.group == nil || r.held {
		return nil
	}
	h := q.heads[r.group]
	if h == nil || h == r {
		return nil
	}
	if r.priority >= h.priority {
		return h
	}
	return nil
}

// claim makes r the slot head for its key unless a record at least as urgent
// already holds it, in which case r waits on that record.
func (q *Queue) claim(r *Record) {
	h := q.heads[r.group]
	switch {
	case h == nil:
		q.heads[r.group] = r
		r.head = true
	case h == r:
	case h.priority <= r.priority:
		q.wait(r, h)
	default:
		moved := h.waiters
		h.waiters = nil
		h.head = false
		q.heads[r.group] = r
		r.head = true
		q.wait(h, r)
		for _, w := range moved {
			w.waitingOn = r
			r.waiters = append(r.waiters, w)
		}
	}
}

func (q *Queue) wait(r, h *Record) {
	if r.listed {
		q.unlist(r)
	}
	r.waitingOn = h
	h.waiters = append(h.waiters, r)
	if r.Phase() == PhaseQueued {
		_, _ = r.Transition(PhaseBlocked)
	}
	q.track(r)
}

// release ends r's tenure as slot head. Free waiters go back to the list in
// stamp order; waiters still blocked on their own elect a new head, the most
// urgent one first and the earliest stamp on ties.
func (q *Queue) release(r *Record) {
	r.head = false
	if q.heads[r.group] == r {
		delete(q.heads, r.group)
	}
	waiters := r.waiters
	r.waiters = nil

	var pending []*Record
	reinserted := false
	for _, w := range waiters {
		w.waitingOn = nil
		if w.locks > 0 || w.held {
			pending = append(pending, w)
			q.track(w)
			continue
		}
		q.track(w)
		if w.Phase().Terminal() {
			continue
		}
		if p := w.Phase(); p == PhaseBlocked || p == PhaseScheduled {
			if _, err := w.Transition(PhaseQueued); err != nil {
				q.log.Warn("release waiter", zap.Uint64("record", w.id), zap.Error(err))
				continue
			}
		}
		q.insert(w)
		reinserted = true
	}

	if len(pending) > 0 {
		nh := pending[0]
		for _, p := range pending[1:] {
			if p.priority < nh.priority || (p.priority == nh.priority && earlier(p, nh)) {
				nh = p
			}
		}
		q.heads[nh.group] = nh
		nh.head = true
		for _, p := range pending {
			if p == nh {
				continue
			}
			p.waitingOn = nh
			nh.waiters = append(nh.waiters, p)
			q.track(p)
		}
	}
	if reinserted {
		q.signal()
	}
}

// insert places r in the list. Within a normal band, stamped records sort by
// stamp and anything not yet stamped keeps submission order. Within a
// high-priority band, unstamped records go first and stamped records sort by
// descending stamp.
func (q *Queue) insert(r *Record) {
	i := 0
	for ; i < len(q.items); i++ {
		if before(r, q.items[i]) {
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = r
	r.listed = true
}

func before(r, x *Record) bool {
	if r.priority != x.priority {
		return r.priority < x.priority
	}
	if !r.HighPriority() {
		return earlier(r, x)
	}
	rk, xk := stampKey(r), stampKey(x)
	if rk == math.MaxUint64 {
		return true
	}
	return rk > xk
}

// earlier orders two records of one normal band. A record that has not
// reached the head yet has no stamp, so it is placed by submission order.
func earlier(r, x *Record) bool {
	rs, xs := r.Stamp(), x.Stamp()
	if rs != 0 && xs != 0 {
		return rs < xs
	}
	return r.seq < x.seq
}

func stampKey(r *Record) uint64 {
	if s := r.Stamp(); s != 0 {
		return s
	}
	return math.MaxUint64
}

func (q *Queue) unlist(r *Record) {
	for i, x := range q.items {
		if x == r {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	r.listed = false
}

func (q *Queue) stamp(r *Record) {
	if r.Stamp() != 0 {
		return
	}
	q.clock++
	r.SetStamp(q.clock)
}

func (q *Queue) sequence(r *Record) {
	if r.seq == 0 {
		q.seq++
		r.seq = q.seq
	}
}

func (q *Queue) track(r *Record) {
	if r.locks > 0 || r.waitingOn != nil {
		q.blocked[r.id] = r
		return
	}
	delete(q.blocked, r.id)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func without(list []*Record, r *Record) []*Record {
	for i, x := range list {
		if x == r {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
