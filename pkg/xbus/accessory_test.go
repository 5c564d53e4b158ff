// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/engine"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

const testOffDelay = 5 * time.Millisecond

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type outcomes struct {
	completed  []*engine.Status
	failed     []*engine.Status
	concurrent []bus.Reply
}

func (o *outcomes) listener() engine.Listener {
	return engine.Callbacks{
		OnCompleted:  func(s *engine.Status) { o.completed = append(o.completed, s) },
		OnFailed:     func(s *engine.Status) { o.failed = append(o.failed, s) },
		OnConcurrent: func(_ *engine.Status, r bus.Reply) { o.concurrent = append(o.concurrent, r) },
	}
}

func newAccessoryController() (*engine.Controller, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := engine.NewController(nil,
		engine.WithRegistry(NewRegistry(testOffDelay)),
		engine.WithClock(clk.now))
	return c, clk
}

// transmit plays the transmit path, waiting for delayed records.
func transmit(t *testing.T, c *engine.Controller) *queue.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r, err := c.Scheduler().Take(ctx)
	require.NoError(t, err, "nothing eligible for transmission")
	require.NoError(t, c.MessageSent(r))
	return r
}

func TestAccessory_PulseIsConfirmedThenSwitchedOff(t *testing.T) {
	c, clk := newAccessoryController()
	out := &outcomes{}

	on, err := c.Send(NewAccessoryOperation(7, OutputThrown, true), out.listener())
	require.NoError(t, err)
	assert.Same(t, on, transmit(t, c))

	state, ok := c.Expected().Get(7)
	require.True(t, ok, "expected state set when sent")
	assert.Equal(t, bus.StateThrown, state)

	clk.advance(20 * time.Millisecond)
	o, solicited := c.Dispatch(NewOKReply(), on)
	require.True(t, solicited)
	assert.True(t, o.AdditionalReplyRequired(), "activation waits for feedback")
	assert.Equal(t, queue.PhaseConfirmed, on.Phase())

	clk.advance(20 * time.Millisecond)
	fb := NewFeedbackReply(true, feedbackItem(7, bus.StateThrown), feedbackItem(8, bus.StateUnknown))
	o, solicited = c.Dispatch(fb, nil)
	assert.False(t, solicited)
	assert.True(t, o.Finished())
	assert.Equal(t, queue.PhaseFinished, on.Phase())
	require.Len(t, out.completed, 1)
	assert.Equal(t, engine.ResultSuccess, out.completed[0].Result)
	assert.Len(t, out.completed[0].Replies, 2)
	assert.Empty(t, out.concurrent)

	off := transmit(t, c)
	cmd := off.Message().(*Command)
	assert.False(t, cmd.Activate())
	assert.Equal(t, 7, cmd.Address())
	assert.Equal(t, OutputThrown, cmd.Output())

	c.Dispatch(NewOKReply(), off)
	assert.Equal(t, queue.PhaseFinished, off.Phase())
	assert.Empty(t, c.Records(), "handler terminated after the off")
	assert.Len(t, out.completed, 1, "only the caller's command is reported")
}

func TestAccessory_TimedOutActivationIsStillSwitchedOff(t *testing.T) {
	c, clk := newAccessoryController()
	out := &outcomes{}

	on, err := c.Send(NewAccessoryOperation(3, OutputClosed, true), out.listener())
	require.NoError(t, err)
	transmit(t, c)

	clk.advance(engine.DefaultTiming().ReplyTimeout)
	c.Expire(clk.now())
	assert.Equal(t, queue.PhaseExpired, on.Phase())
	require.Len(t, out.failed, 1)
	assert.Equal(t, engine.ResultTimeout, out.failed[0].Result)

	off := transmit(t, c)
	assert.False(t, off.Message().(*Command).Activate())
}

func TestAccessory_UnsupportedActivationTerminates(t *testing.T) {
	c, _ := newAccessoryController()
	out := &outcomes{}

	on, err := c.Send(NewAccessoryOperation(3, OutputClosed, true), out.listener())
	require.NoError(t, err)
	transmit(t, c)

	c.Dispatch(NewUnsupportedReply(), on)
	assert.Equal(t, queue.PhaseFailed, on.Phase())
	require.Len(t, out.failed, 1)
	assert.Empty(t, c.Records(), "no off for an activation the station refused")
}

func TestAccessory_CancelledActivationSendsNoOff(t *testing.T) {
	c, _ := newAccessoryController()
	out := &outcomes{}

	on, err := c.Send(NewAccessoryOperation(3, OutputClosed, true), out.listener())
	require.NoError(t, err)
	require.NoError(t, c.Cancel(on.ID()))

	require.Len(t, out.failed, 1)
	assert.Equal(t, engine.ResultCancelled, out.failed[0].Result)
	assert.Empty(t, c.Records())
	assert.Zero(t, c.Scheduler().Len())
}

func TestAccessory_ConcurrentActionBeforeAcknowledgement(t *testing.T) {
	c, clk := newAccessoryController()
	out := &outcomes{}

	_, err := c.Send(NewAccessoryOperation(9, OutputThrown, true), out.listener())
	require.NoError(t, err)
	transmit(t, c)

	// Another controller closes the turnout before our OK arrived.
	clk.advance(10 * time.Millisecond)
	c.Dispatch(NewFeedbackReply(true, feedbackItem(9, bus.StateClosed), feedbackItem(10, bus.StateUnknown)), nil)
	require.Len(t, out.concurrent, 1)
	assert.Equal(t, uint64(1), c.Stats().Concurrent)
}

func TestAccessory_ContradictingFeedbackIsConcurrent(t *testing.T) {
	c, clk := newAccessoryController()
	out := &outcomes{}

	on, err := c.Send(NewAccessoryOperation(9, OutputThrown, true), out.listener())
	require.NoError(t, err)
	transmit(t, c)
	c.Dispatch(NewOKReply(), on)

	clk.advance(10 * time.Millisecond)
	o, _ := c.Dispatch(NewFeedbackReply(true, feedbackItem(9, bus.StateClosed)), nil)
	assert.False(t, o.Finished(), "feedback for the wrong state does not confirm")
	assert.Equal(t, queue.PhaseConfirmed, on.Phase())
	assert.Len(t, out.concurrent, 1)
}

func TestAccessory_AbsorbsExplicitOff(t *testing.T) {
	c, _ := newAccessoryController()
	first, second := &outcomes{}, &outcomes{}

	on, err := c.Send(NewAccessoryOperation(4, OutputClosed, true), first.listener())
	require.NoError(t, err)
	off, err := c.Send(NewAccessoryOperation(4, OutputClosed, false), second.listener())
	require.NoError(t, err)
	assert.Len(t, c.Records(), 2)

	assert.Same(t, on, transmit(t, c))
	c.Dispatch(NewOKReply(), on)
	c.Dispatch(NewFeedbackReply(true, feedbackItem(3, bus.StateUnknown), feedbackItem(4, bus.StateClosed)), nil)
	require.Len(t, first.completed, 1)

	assert.Same(t, off, transmit(t, c), "the caller's off replaces the automatic one")
	c.Dispatch(NewOKReply(), off)
	require.Len(t, second.completed, 1)
	assert.Empty(t, c.Records())
	assert.Zero(t, c.Scheduler().Len()+c.Scheduler().Blocked())
}

func TestAccessory_OffForOtherOutputIsNotAbsorbed(t *testing.T) {
	c, _ := newAccessoryController()

	_, err := c.Send(NewAccessoryOperation(4, OutputClosed, true), nil)
	require.NoError(t, err)
	_, err = c.Send(NewAccessoryOperation(4, OutputThrown, false), nil)
	require.NoError(t, err)

	require.Len(t, c.Records(), 2, "separate handlers")
	transmit(t, c)
	assert.Nil(t, c.Scheduler().PollHold(), "second command waits behind the first")
	assert.Equal(t, 1, c.Scheduler().Blocked())
}

func TestAccessory_FilterMessageConsumesExpectedSlotState(t *testing.T) {
	c, _ := newAccessoryController()
	c.Expected().Set(12, bus.StateClosed)

	var seen []bus.Reply
	c.Subscribe(func(r bus.Reply) { seen = append(seen, r) })

	on, err := c.Send(NewAccessoryOperation(11, OutputThrown, true), nil)
	require.NoError(t, err)
	transmit(t, c)
	c.Dispatch(NewOKReply(), on)
	c.Dispatch(NewFeedbackReply(true, feedbackItem(11, bus.StateThrown), feedbackItem(12, bus.StateClosed)), nil)

	// Both items restate what the engine expects: nothing is left to observe.
	assert.Equal(t, queue.PhaseFinished, on.Phase())
	assert.Empty(t, seen)

	c.Dispatch(NewFeedbackReply(true, feedbackItem(12, bus.StateThrown)), nil)
	require.Len(t, seen, 1, "a change on the partner address is delivered")
}

func TestAccessory_HandlerDirect(t *testing.T) {
	c, _ := newAccessoryController()
	r := queue.NewRecord(1, NewAccessoryOperation(5, OutputThrown, true))
	h, ok := NewRegistry(testOffDelay).Create(c, r).(*AccessoryHandler)
	require.True(t, ok)

	info := queue.NewRecord(2, NewAccessoryInfo(5))
	_, ok = NewRegistry(testOffDelay).Create(c, info).(*engine.DefaultHandler)
	assert.True(t, ok, "other commands use the default handler")

	msg := r.Message()
	assert.True(t, h.AcceptsReply(msg, NewOKReply()))
	assert.True(t, h.AcceptsReply(msg, NewFeedbackReply(false, feedbackItem(5, bus.StateThrown))))
	assert.False(t, h.AcceptsReply(msg, NewFeedbackReply(false, feedbackItem(5, bus.StateClosed))))
	assert.False(t, h.AcceptsReply(msg, NewFeedbackReply(false, feedbackItem(6, bus.StateThrown))))

	consumed := NewFeedbackReply(false, feedbackItem(5, bus.StateThrown))
	consumed.MarkConsumed(0)
	assert.False(t, h.AcceptsReply(msg, consumed))

	assert.False(t, h.CheckConcurrentAction(r, NewOKReply()))
	assert.False(t, h.CheckConcurrentAction(r, NewFeedbackReply(true, feedbackItem(5, bus.StateInvalid))),
		"indefinite states are never concurrent")
}
