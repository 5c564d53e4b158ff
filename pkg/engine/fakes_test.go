// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

const (
	kindPlain = iota
	kindSwitch
	kindAbsorbing
	kindAbsorbed
)

type testMsg struct {
	name     string
	kind     int
	priority int
	delay    time.Duration
	group    any
	enters   bool
	exits    bool
}

func (m testMsg) Kind() int { return m.kind }
func (m testMsg) Priority() int {
	if m.priority == 0 {
		return bus.DefaultPriority
	}
	return m.priority
}
func (m testMsg) Delay() time.Duration    { return m.delay }
func (m testMsg) GroupKey() any           { return m.group }
func (m testMsg) String() string          { return m.name }
func (m testMsg) EntersServiceMode() bool { return m.enters }
func (m testMsg) ExitsServiceMode() bool  { return m.exits }

type testReply struct {
	kind      string
	broadcast bool
	items     []bus.FeedbackItem
	resp      bus.Message
	at        time.Time
}

func (r *testReply) IsOK() bool                   { return r.kind == "ok" }
func (r *testReply) IsFeedback() bool             { return r.kind == "feedback" }
func (r *testReply) IsBroadcast() bool            { return r.broadcast }
func (r *testReply) IsRetransmittableError() bool { return r.kind == "busy" }
func (r *testReply) IsUnsupportedError() bool     { return r.kind == "unsupported" }
func (r *testReply) IsServiceModeEntered() bool   { return r.kind == "prog" }
func (r *testReply) IsNormalResumed() bool        { return r.kind == "normal" }
func (r *testReply) ResponseTo() bus.Message      { return r.resp }
func (r *testReply) SetResponseTo(m bus.Message)  { r.resp = m }
func (r *testReply) Timestamp() time.Time         { return r.at }
func (r *testReply) String() string               { return r.kind }

func (r *testReply) FeedbackItems() []bus.FeedbackItem {
	return append([]bus.FeedbackItem(nil), r.items...)
}

func (r *testReply) MarkConsumed(i int) {
	if i >= 0 && i < len(r.items) {
		r.items[i].Consumed = true
	}
}

func (r *testReply) Unconsumed() bool {
	if r.IsFeedback() {
		for _, it := range r.items {
			if !it.Consumed {
				return true
			}
		}
		return false
	}
	return r.resp == nil
}

func (r *testReply) Clone() bus.Reply {
	c := *r
	c.items = append([]bus.FeedbackItem(nil), r.items...)
	return &c
}

func ok() *testReply          { return &testReply{kind: "ok"} }
func busy() *testReply        { return &testReply{kind: "busy"} }
func unsupported() *testReply { return &testReply{kind: "unsupported"} }

func feedback(broadcast bool, addr int, s bus.AccessoryState) *testReply {
	return &testReply{
		kind:      "feedback",
		broadcast: broadcast,
		items:     []bus.FeedbackItem{{Index: 0, Address: addr, State: s}},
	}
}

type recorder struct {
	mu         sync.Mutex
	completed  []*Status
	failed     []*Status
	concurrent []bus.Reply
}

func (r *recorder) Completed(s *Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, s)
}

func (r *recorder) Failed(s *Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, s)
}

func (r *recorder) ConcurrentOperation(_ *Status, reply bus.Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concurrent = append(r.concurrent, reply)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newController(opts ...Option) (*Controller, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	return NewController(nil, opts...), clk
}

// transmit plays the transmit path for one record.
func transmit(t *testing.T, c *Controller) *queue.Record {
	t.Helper()
	r := c.Scheduler().PollHold()
	require.NotNil(t, r, "nothing eligible for transmission")
	require.NoError(t, c.MessageSent(r))
	return r
}

// fakeTransport is an in-memory bus.Transport.
type fakeTransport struct {
	written chan bus.Message
	replies chan bus.Reply
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		written: make(chan bus.Message, 16),
		replies: make(chan bus.Reply, 16),
	}
}

func (f *fakeTransport) WriteMessage(ctx context.Context, m bus.Message) error {
	select {
	case f.written <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) ReadReply(ctx context.Context) (bus.Reply, error) {
	select {
	case r := <-f.replies:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
