// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

// Dispatcher is the part of the controller the correlator drives.
type Dispatcher interface {
	Dispatch(reply bus.Reply, rec *queue.Record) (*Outcome, bool)
	ReplyFinished(o *Outcome)
	Replay(r *queue.Record) error
}

// memento is the link state committed together with the last record
// written, so the receive path never judges a reply against a half-updated
// view of the transmit path.
type memento struct {
	phase   LinkPhase
	rec     *queue.Record
	mark    bool // a transmission is waiting for its reply
	retries int
	since   time.Time
}

func (m memento) same(o memento) bool {
	return m.phase == o.phase && m.rec == o.rec && m.since.Equal(o.since)
}

// Correlator classifies incoming replies and drives the link phase.
type Correlator struct {
	d      Dispatcher
	timing Timing
	log    *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	m       memento
	changed chan struct{}
}

// NewCorrelator creates a correlator in the idle phase.
func NewCorrelator(d Dispatcher, timing Timing, log *zap.Logger) *Correlator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Correlator{
		d:       d,
		timing:  timing,
		log:     log.Named("correlator"),
		now:     time.Now,
		changed: make(chan struct{}, 1),
	}
}

// Phase returns the current link phase.
func (c *Correlator) Phase() LinkPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m.phase
}

// Changed is signalled whenever the phase changes.
func (c *Correlator) Changed() <-chan struct{} { return c.changed }

// BeginSend commits the record about to be written. The retry counter
// survives only while the same record is being replayed.
func (c *Correlator) BeginSend(r *queue.Record) {
	c.mu.Lock()
	retries := 0
	if c.m.rec == r {
		retries = c.m.retries
	}
	c.m = memento{
		phase:   sendPhase(r.Message()),
		rec:     r,
		mark:    true,
		retries: retries,
		since:   c.now(),
	}
	c.mu.Unlock()
	c.log.Debug("sending", zap.Stringer("record", r), zap.Stringer("phase", c.Phase()))
}

// Receive classifies one reply, hands it to the dispatcher and applies the
// resulting link transition.
func (c *Correlator) Receive(reply bus.Reply) {
	c.mu.Lock()
	snap := c.m
	c.mu.Unlock()

	var rec *queue.Record
	if snap.mark && !reply.IsBroadcast() {
		rec = snap.rec
	}
	o, solicited := c.d.Dispatch(reply, rec)
	ev := classify(reply, o, solicited)
	if ev == evUnsolicited && snap.phase == LinkWaitAdditional &&
		o != nil && o.Finished() && o.Record() == snap.rec {
		// The broadcast carried the confirmation still owed.
		ev = evFinished
	}
	next := step(snap.phase, ev)

	c.mu.Lock()
	if !c.m.same(snap) {
		// A lapse or a new send got there first.
		c.mu.Unlock()
		return
	}
	changed := next != c.m.phase
	c.m.phase = next
	switch next {
	case LinkAutoRetry:
		c.m.retries++
		c.m.since = c.now()
	case LinkWaitAdditional:
		c.m.since = c.now()
	case LinkNotified, LinkOKSend, LinkIdle:
		c.m.mark = false
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	c.log.Debug("link phase",
		zap.Stringer("from", snap.phase),
		zap.Stringer("to", next),
		zap.Bool("solicited", solicited))
	c.signal()
	if next == LinkNotified {
		c.d.ReplyFinished(o)
	}
}

// AwaitReady blocks the transmit path until the link may carry another
// message. Reply timeouts and pending auto-retries are handled here, so a
// missing reply never stalls the link.
func (c *Correlator) AwaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		m := c.m
		c.mu.Unlock()
		if m.phase.Ready() {
			return nil
		}

		wait := c.deadline(m).Sub(c.now())
		if wait <= 0 {
			c.lapse(m)
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.changed:
			t.Stop()
		case <-t.C:
		}
	}
}

func (c *Correlator) deadline(m memento) time.Time {
	switch m.phase {
	case LinkWaitAdditional:
		return m.since.Add(c.timing.AdditionalReplyWait)
	case LinkAutoRetry:
		return m.since.Add(c.timing.backoff(m.retries))
	default:
		return m.since.Add(c.timing.ReplyTimeout)
	}
}

// lapse handles a deadline that passed in phase m.
func (c *Correlator) lapse(m memento) {
	c.mu.Lock()
	if !c.m.same(m) {
		c.mu.Unlock()
		return
	}
	c.m.phase = LinkIdle
	retry := m.phase == LinkAutoRetry
	if !retry {
		c.m.mark = false
	}
	c.mu.Unlock()

	if retry {
		c.log.Debug("auto retry", zap.Stringer("record", m.rec), zap.Int("retry", m.retries))
		if err := c.d.Replay(m.rec); err != nil {
			c.log.Warn("replay", zap.Stringer("record", m.rec), zap.Error(err))
		}
		return
	}
	if m.phase != LinkWaitAdditional {
		c.log.Debug("no reply", zap.Stringer("phase", m.phase), zap.Stringer("record", m.rec))
	}
	c.d.ReplyFinished(nil)
}

func (c *Correlator) signal() {
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
