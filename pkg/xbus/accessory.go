// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/engine"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

// DefaultOffDelay is how long an accessory output stays energised before
// the handler switches it off again.
const DefaultOffDelay = 150 * time.Millisecond

// AccessoryHandler drives one accessory operation. An activation is a pulse:
// once the "on" record ends the handler schedules the matching "off" after
// the off delay, unless the caller already submitted one.
type AccessoryHandler struct {
	*engine.BaseHandler

	cmd      *Command
	offDelay time.Duration
	off      *queue.Record
}

// AccessoryFactory returns a factory creating handlers for
// ACCESSORY_OPERATION records.
func AccessoryFactory(offDelay time.Duration) engine.Factory {
	return func(env engine.Env, r *queue.Record) engine.Handler {
		cmd, ok := r.Message().(*Command)
		if !ok || cmd.Type() != MsgAccessoryOperation {
			return nil
		}
		b := engine.NewBaseHandler(env, r)
		b.Confirm = accessoryConfirm
		return &AccessoryHandler{BaseHandler: b, cmd: cmd, offDelay: offDelay}
	}
}

// ConfirmTable lists the confirmation other commands need.
func ConfirmTable() engine.ConfirmTable {
	return engine.ConfirmTable{
		MsgAccessoryInfo: engine.ConfirmFeedback,
	}
}

// NewRegistry returns the handler registry for this protocol.
func NewRegistry(offDelay time.Duration) *engine.Registry {
	g := engine.NewRegistry(ConfirmTable())
	g.Register(AccessoryFactory(offDelay))
	return g
}

// Activations are confirmed by the station's OK and the accessory's
// feedback; deactivations produce no feedback.
func accessoryConfirm(m bus.Message) engine.Confirm {
	if c, ok := m.(*Command); ok && c.Activate() {
		return engine.ConfirmBoth
	}
	return engine.ConfirmOK
}

// Sent records the commanded state so feedback is judged against it.
func (h *AccessoryHandler) Sent(*queue.Record) {
	if h.cmd.Activate() {
		h.Env.Expected().Set(h.cmd.Address(), h.cmd.Target())
	}
}

// AcceptsReply takes feedback only when it reports this accessory, and for
// an activation only when it reports the commanded state.
func (h *AccessoryHandler) AcceptsReply(msg bus.Message, reply bus.Reply) bool {
	if !reply.IsFeedback() {
		return true
	}
	cmd, ok := msg.(*Command)
	if !ok {
		return false
	}
	for _, it := range reply.FeedbackItems() {
		if it.Consumed || it.Address != cmd.Address() {
			continue
		}
		if !cmd.Activate() || it.State == cmd.Target() {
			return true
		}
	}
	return false
}

// Processed marks this accessory's feedback consumed, and the partner's when
// it is unchanged, so observers only see news.
func (h *AccessoryHandler) Processed(r *queue.Record, reply bus.Reply) *engine.Outcome {
	o := h.BaseHandler.Processed(r, reply)
	if reply.IsFeedback() {
		work := o.Reply()
		for _, it := range work.FeedbackItems() {
			if it.Address == h.cmd.Address() {
				work.MarkConsumed(it.Index)
			}
		}
		h.FilterMessage(work)
	}
	return o
}

// FilterMessage consumes feedback for the accessory's slot that only
// restates an expected state. The partner address sharing the slot is
// reported alongside and is usually unchanged.
func (h *AccessoryHandler) FilterMessage(reply bus.Reply) bool {
	if !reply.IsFeedback() {
		return false
	}
	marked := false
	slot := Slot(h.cmd.Address())
	for _, it := range reply.FeedbackItems() {
		if it.Consumed || Slot(it.Address) != slot {
			continue
		}
		if want, ok := h.Env.Expected().Get(it.Address); ok && want == it.State {
			reply.MarkConsumed(it.Index)
			marked = true
		}
	}
	return marked
}

// CheckConcurrentAction reports feedback for this accessory that the
// handler did not cause: any definite report while the activation is still
// unacknowledged, or a report contradicting the expected state.
func (h *AccessoryHandler) CheckConcurrentAction(r *queue.Record, reply bus.Reply) bool {
	if !reply.IsFeedback() {
		return false
	}
	for _, it := range reply.FeedbackItems() {
		if it.Consumed || it.Address != h.cmd.Address() || !it.State.Definite() {
			continue
		}
		if h.IsInitial(r) && h.cmd.Activate() && r.Phase() == queue.PhaseSent {
			return true
		}
		if want, ok := h.Env.Expected().Get(it.Address); ok && want != it.State {
			return true
		}
	}
	return false
}

// AddMessage absorbs an explicit "off" for the output this handler is
// pulsing, so it replaces the automatic one instead of doubling it.
func (h *AccessoryHandler) AddMessage(r *queue.Record) bool {
	if h.off != nil || !h.cmd.Activate() {
		return false
	}
	c, ok := r.Message().(*Command)
	if !ok || c.Type() != MsgAccessoryOperation || c.Activate() ||
		c.Address() != h.cmd.Address() || c.Output() != h.cmd.Output() {
		return false
	}
	h.Attach(r)
	h.off = r
	return true
}

// Finished schedules the "off" once the activation has ended, whether it
// was confirmed or not. A failed or cancelled activation never energised
// the output and terminates the handler.
func (h *AccessoryHandler) Finished(o *engine.Outcome, r *queue.Record) bool {
	if !h.IsInitial(r) || !h.cmd.Activate() {
		return h.BaseHandler.Finished(o, r)
	}
	if errors.Is(o.Err(), engine.ErrCancelled) {
		return true
	}
	switch r.Phase() {
	case queue.PhaseFinished, queue.PhaseExpired:
	default:
		return true
	}
	if h.off != nil {
		return false
	}
	off, err := h.Env.Schedule(h, h.cmd.Deactivation().WithDelay(h.offDelay))
	if err != nil {
		h.Env.Logger().Error("failed to schedule accessory off",
			zap.Int("address", h.cmd.Address()),
			zap.Error(err))
		return true
	}
	h.off = off
	return false
}
