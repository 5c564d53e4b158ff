// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/switchyard/pkg/bus"
)

// Record is the per-message bookkeeping for one outgoing command.
//
// Phase, counters and timestamps are guarded by the record's own mutex. The
// blocking fields further down belong to the Queue that holds the record and
// are only touched under the queue lock.
type Record struct {
	id       uint64
	msg      bus.Message
	priority int
	group    any

	mu          sync.Mutex
	phase       Phase
	stamp       uint64
	okCount     int
	fbCount     int
	retries     int
	queuedAt    time.Time
	sentAt      time.Time
	confirmedAt time.Time
	finishedAt  time.Time

	// Queue bookkeeping
	seq       uint64
	locks     int
	held      bool
	listed    bool
	head      bool
	waitingOn *Record
	waiters   []*Record
}

// NewRecord wraps a message. The ID is assigned by the caller at submission.
func NewRecord(id uint64, msg bus.Message) *Record {
	return &Record{
		id:       id,
		msg:      msg,
		priority: msg.Priority(),
		group:    msg.GroupKey(),
		phase:    PhaseCreated,
	}
}

// ID returns the handle assigned at submission.
func (r *Record) ID() uint64 { return r.id }

// Message returns the wrapped message.
func (r *Record) Message() bus.Message { return r.msg }

// Priority returns the scheduling priority; lower is more urgent.
func (r *Record) Priority() int { return r.priority }

// GroupKey returns the slot the record serializes on, or nil.
func (r *Record) GroupKey() any { return r.group }

// HighPriority reports whether the record sorts newest-first.
func (r *Record) HighPriority() bool { return r.priority < bus.DefaultPriority }

// Phase returns the current phase.
func (r *Record) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Transition moves the record to the given phase and returns the phase
// actually entered.
func (r *Record) Transition(to Phase) (Phase, error) {
	return r.TransitionAt(to, time.Now())
}

// TransitionAt is Transition with an explicit timestamp.
func (r *Record) TransitionAt(to Phase, at time.Time) (Phase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := next(r.phase, to)
	if err != nil {
		return r.phase, fmt.Errorf("record %d: %w", r.id, err)
	}
	r.phase = p
	switch {
	case p == PhaseQueued && r.queuedAt.IsZero():
		r.queuedAt = at
	case p == PhaseSent:
		r.sentAt = at
	case p.Confirmed() && r.confirmedAt.IsZero():
		r.confirmedAt = at
	case p.Terminal():
		r.finishedAt = at
	}
	return p, nil
}

// Stamp returns the scheduling stamp, or zero when none was assigned yet.
func (r *Record) Stamp() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stamp
}

// SetStamp assigns the scheduling stamp once. Later calls leave the first
// value unchanged and report false.
func (r *Record) SetStamp(v uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stamp != 0 || v == 0 {
		return false
	}
	r.stamp = v
	return true
}

// CountOK records an explicit acknowledgement and returns both counters.
func (r *Record) CountOK() (ok, feedback int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.okCount++
	return r.okCount, r.fbCount
}

// CountFeedback records a feedback confirmation and returns both counters.
func (r *Record) CountFeedback() (ok, feedback int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fbCount++
	return r.okCount, r.fbCount
}

// Confirmations returns the acknowledgement and feedback counters.
func (r *Record) Confirmations() (ok, feedback int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.okCount, r.fbCount
}

// Retries returns how many times the record was replayed.
func (r *Record) Retries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retries
}

func (r *Record) countRetry() {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

// QueuedAt returns when the record first became eligible for transmission.
func (r *Record) QueuedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queuedAt
}

// SentAt returns when the record was last written to the wire.
func (r *Record) SentAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sentAt
}

// ConfirmedAt returns when the record was first confirmed.
func (r *Record) ConfirmedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmedAt
}

// FinishedAt returns when the record reached a terminal phase.
func (r *Record) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

func (r *Record) String() string {
	return fmt.Sprintf("#%d %s [%s p=%d]", r.id, r.msg, r.Phase(), r.priority)
}
