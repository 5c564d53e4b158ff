// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

// Outcome describes how one reply was treated. It carries a redacted copy of
// the reply; parts a handler has accounted for are marked consumed on the
// copy, never on the original.
type Outcome struct {
	record *queue.Record
	reply  bus.Reply

	finished   bool
	additional bool
	rejected   bool
	failed     bool
	err        error
}

// NewOutcome starts an outcome for a reply to the given record.
func NewOutcome(r *queue.Record, reply bus.Reply) *Outcome {
	o := &Outcome{record: r}
	if reply != nil {
		o.reply = reply.Clone()
	}
	return o
}

// Record returns the record the reply was attributed to.
func (o *Outcome) Record() *queue.Record { return o.record }

// Reply returns the redacted reply.
func (o *Outcome) Reply() bus.Reply { return o.reply }

// Finish marks the record as fully confirmed.
func (o *Outcome) Finish() {
	o.finished = true
	o.additional = false
}

// RequireAdditionalReply marks that another reply is needed before the record
// can finish.
func (o *Outcome) RequireAdditionalReply() {
	if !o.finished {
		o.additional = true
	}
}

// Reject marks a transient rejection; the record may be replayed.
func (o *Outcome) Reject(err error) {
	o.rejected = true
	o.err = err
}

// Fail marks an unrecoverable failure. A failed outcome is final.
func (o *Outcome) Fail(err error) {
	o.failed = true
	o.finished = true
	o.additional = false
	o.err = err
}

// SetError attaches a local processing error without changing the
// classification.
func (o *Outcome) SetError(err error) {
	if o.err == nil {
		o.err = err
	}
}

// Finished reports whether the record leaves the active phases.
func (o *Outcome) Finished() bool { return o.finished }

// AdditionalReplyRequired reports whether another reply is expected.
func (o *Outcome) AdditionalReplyRequired() bool { return o.additional }

// Rejected reports a transient rejection.
func (o *Outcome) Rejected() bool { return o.rejected }

// Failed reports an unrecoverable failure.
func (o *Outcome) Failed() bool { return o.failed }

// Err returns the error attached to the outcome, if any.
func (o *Outcome) Err() error { return o.err }
