// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

// Confirm names the kinds of confirmation a command needs before it is
// finished.
type Confirm int

// Confirmation requirements
const (
	ConfirmBoth Confirm = iota
	ConfirmOK
	ConfirmFeedback
)

// Satisfied reports whether the counters meet the requirement.
func (c Confirm) Satisfied(ok, feedback int) bool {
	switch c {
	case ConfirmOK:
		return ok > 0
	case ConfirmFeedback:
		return feedback > 0
	default:
		return ok > 0 && feedback > 0
	}
}

// Env is what the controller exposes to handlers.
type Env interface {
	// Schedule creates a follow-up record owned by h and admits it to the
	// scheduling queue.
	Schedule(h Handler, msg bus.Message) (*queue.Record, error)
	Expected() *ExpectedStates
	Timing() Timing
	Logger() *zap.Logger
	Now() time.Time
}

// Handler is the protocol strategy bound to one logical operation: the
// record it was created for plus any records it spawns. All methods run on
// the layout goroutine.
type Handler interface {
	Initial() *queue.Record
	Current() *queue.Record
	Records() []*queue.Record
	// Attach appends a record to the handler's sequence.
	Attach(r *queue.Record)
	// Advance moves to the next record and returns it, or nil when the
	// sequence is exhausted.
	Advance() *queue.Record

	// Sent is called when the initial record is first written to the wire.
	Sent(r *queue.Record)
	// AcceptsReply decides whether a reply paired with msg by timing really
	// belongs to this handler.
	AcceptsReply(msg bus.Message, reply bus.Reply) bool
	// FilterMessage marks parts of a reply that only restate what this
	// handler already expects and reports whether anything was marked.
	FilterMessage(reply bus.Reply) bool
	// Processed decides how a reply attributed to r is treated.
	Processed(r *queue.Record, reply bus.Reply) *Outcome
	// Finished is called once per record when it leaves the active phases.
	// It returns true when the whole handler should terminate.
	Finished(o *Outcome, r *queue.Record) bool
	// CheckConcurrentAction reports whether an unsolicited reply shows
	// another controller acting on the device r targets.
	CheckConcurrentAction(r *queue.Record, reply bus.Reply) bool
	// AddMessage offers a newly submitted record; returning true absorbs
	// it into this handler's sequence.
	AddMessage(r *queue.Record) bool
}

// Factory creates a handler for a record, or returns nil to pass.
type Factory func(env Env, r *queue.Record) Handler

// BaseHandler implements the sequence bookkeeping and the default
// confirmation rule. Protocol handlers embed it.
type BaseHandler struct {
	Env Env
	// Confirm selects the confirmation requirement per message. Nil means
	// every message needs both kinds.
	Confirm func(m bus.Message) Confirm

	records []*queue.Record
	cur     int
}

// NewBaseHandler creates a handler owning the given initial record.
func NewBaseHandler(env Env, r *queue.Record) *BaseHandler {
	return &BaseHandler{Env: env, records: []*queue.Record{r}}
}

func (b *BaseHandler) Initial() *queue.Record { return b.records[0] }

func (b *BaseHandler) Current() *queue.Record {
	if b.cur >= len(b.records) {
		return nil
	}
	return b.records[b.cur]
}

func (b *BaseHandler) Records() []*queue.Record { return b.records }

func (b *BaseHandler) Attach(r *queue.Record) { b.records = append(b.records, r) }

func (b *BaseHandler) Advance() *queue.Record {
	if b.cur+1 >= len(b.records) {
		b.cur = len(b.records)
		return nil
	}
	b.cur++
	return b.records[b.cur]
}

// IsInitial reports whether r is the record the handler was created for.
func (b *BaseHandler) IsInitial(r *queue.Record) bool { return b.records[0] == r }

func (b *BaseHandler) Sent(*queue.Record) {}

func (b *BaseHandler) AcceptsReply(bus.Message, bus.Reply) bool { return true }

func (b *BaseHandler) FilterMessage(bus.Reply) bool { return false }

// Processed counts the confirmation carried by the reply and finishes the
// record once its requirement is met.
func (b *BaseHandler) Processed(r *queue.Record, reply bus.Reply) *Outcome {
	o := NewOutcome(r, reply)
	// Data replies such as status reports acknowledge the command just like
	// an explicit OK.
	var ok, fb int
	if reply.IsFeedback() {
		ok, fb = r.CountFeedback()
	} else {
		ok, fb = r.CountOK()
	}
	if b.requirement(r.Message()).Satisfied(ok, fb) {
		o.Finish()
	} else {
		o.RequireAdditionalReply()
	}
	return o
}

// Finished terminates the handler when a record did not finish cleanly. The
// controller advances to the next record otherwise.
func (b *BaseHandler) Finished(o *Outcome, r *queue.Record) bool {
	return o.Failed() || r.Phase() != queue.PhaseFinished
}

func (b *BaseHandler) CheckConcurrentAction(*queue.Record, bus.Reply) bool { return false }

func (b *BaseHandler) AddMessage(*queue.Record) bool { return false }

func (b *BaseHandler) requirement(m bus.Message) Confirm {
	if b.Confirm == nil {
		return ConfirmBoth
	}
	return b.Confirm(m)
}
