// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

// Station runs the engine against a transport: a transmit loop feeding the
// wire from the scheduling queue, a receive loop feeding the correlator, the
// layout goroutine running controller code, and an expiry sweeper for quiet
// periods.
type Station struct {
	transport bus.Transport
	sched     *queue.Scheduler
	ctrl      *Controller
	layout    *Layout
	log       *zap.Logger

	mu   sync.Mutex
	corr *Correlator
}

// NewStation creates a station. Options configure the underlying controller.
func NewStation(t bus.Transport, opts ...Option) *Station {
	ctrl := NewController(nil, opts...)
	return &Station{
		transport: t,
		sched:     ctrl.Scheduler(),
		ctrl:      ctrl,
		layout:    NewLayout(64),
		log:       ctrl.base.Named("station"),
	}
}

// Controller returns the station's controller. Its methods must only be
// called through the station or from listener callbacks.
func (s *Station) Controller() *Controller { return s.ctrl }

// Run drives the station until the context ends or the transport fails. It
// may only be called once.
func (s *Station) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	corr := NewCorrelator(&marshal{ctx: ctx, s: s}, s.ctrl.timing, s.ctrl.base)
	s.mu.Lock()
	s.corr = corr
	s.mu.Unlock()

	s.log.Info("station running")
	g.Go(func() error { return s.layout.Run(ctx) })
	g.Go(func() error { return s.transmit(ctx, corr) })
	g.Go(func() error { return s.receive(ctx, corr) })
	g.Go(func() error { return s.sweep(ctx) })

	err := g.Wait()
	s.log.Info("station stopped", zap.Error(err))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Station) transmit(ctx context.Context, corr *Correlator) error {
	for {
		if err := corr.AwaitReady(ctx); err != nil {
			return err
		}
		r, err := s.sched.Take(ctx)
		if err != nil {
			return err
		}
		var sent error
		if err := s.layout.Call(ctx, func() { sent = s.ctrl.MessageSent(r) }); err != nil {
			return err
		}
		if sent != nil {
			s.log.Debug("not sending", zap.Stringer("record", r), zap.Error(sent))
			continue
		}
		corr.BeginSend(r)
		if err := s.transport.WriteMessage(ctx, r.Message()); err != nil {
			return fmt.Errorf("write %s: %w", r.Message(), err)
		}
	}
}

func (s *Station) receive(ctx context.Context, corr *Correlator) error {
	for {
		reply, err := s.transport.ReadReply(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read reply: %w", err)
		}
		corr.Receive(reply)
	}
}

func (s *Station) sweep(ctx context.Context) error {
	interval := s.ctrl.timing.SweepInterval
	if interval <= 0 {
		interval = DefaultTiming().SweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.layout.Call(ctx, func() { s.ctrl.Expire(s.ctrl.Now()) }); err != nil {
				return err
			}
		}
	}
}

// Send submits a message. The listener, which may be nil, is called on the
// layout goroutine; the returned ticket can be waited on instead.
func (s *Station) Send(ctx context.Context, msg bus.Message, l Listener) (*Ticket, error) {
	t := &Ticket{s: s, l: l, done: make(chan struct{})}
	var (
		r   *queue.Record
		err error
	)
	if cerr := s.layout.Call(ctx, func() { r, err = s.ctrl.Send(msg, ticketListener{t}) }); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	t.id = r.ID()
	return t, nil
}

// Cancel cancels a command that has not been sent yet.
func (s *Station) Cancel(ctx context.Context, id uint64) error {
	var err error
	if cerr := s.layout.Call(ctx, func() { err = s.ctrl.Cancel(id) }); cerr != nil {
		return cerr
	}
	return err
}

// Replay puts a rejected command back into the queue ahead of its auto-retry.
func (s *Station) Replay(ctx context.Context, id uint64) error {
	var err error
	if cerr := s.layout.Call(ctx, func() {
		r := s.ctrl.Lookup(id)
		if r == nil {
			err = fmt.Errorf("replay %d: %w", id, ErrUnknownRecord)
			return
		}
		err = s.ctrl.Replay(r)
	}); cerr != nil {
		return cerr
	}
	return err
}

// Subscribe registers an observer for unconsumed replies.
func (s *Station) Subscribe(fn func(bus.Reply)) { s.ctrl.Subscribe(fn) }

// Stats returns a copy of the counters.
func (s *Station) Stats() Statistics { return s.ctrl.Stats() }

// Records returns the active command records.
func (s *Station) Records() []*queue.Record { return s.ctrl.Records() }

// LinkPhase returns the current link phase.
func (s *Station) LinkPhase() LinkPhase {
	s.mu.Lock()
	corr := s.corr
	s.mu.Unlock()
	if corr == nil {
		return LinkIdle
	}
	return corr.Phase()
}

// QueueDepth returns the eligible and parked record counts.
func (s *Station) QueueDepth() (eligible, blocked int) {
	return s.sched.Len(), s.sched.Blocked()
}

// marshal moves correlator calls onto the layout goroutine.
type marshal struct {
	ctx context.Context
	s   *Station
}

func (m *marshal) Dispatch(reply bus.Reply, rec *queue.Record) (*Outcome, bool) {
	var (
		o         *Outcome
		solicited bool
	)
	if err := m.s.layout.Call(m.ctx, func() { o, solicited = m.s.ctrl.Dispatch(reply, rec) }); err != nil {
		return NewOutcome(nil, reply), false
	}
	return o, solicited
}

func (m *marshal) ReplyFinished(o *Outcome) {
	_ = m.s.layout.Call(m.ctx, func() { m.s.ctrl.ReplyFinished(o) })
}

func (m *marshal) Replay(r *queue.Record) error {
	var err error
	if cerr := m.s.layout.Call(m.ctx, func() { err = m.s.ctrl.Replay(r) }); cerr != nil {
		return cerr
	}
	return err
}

// Ticket is the caller's handle on a submitted command.
type Ticket struct {
	id uint64
	s  *Station
	l  Listener

	mu     sync.Mutex
	status *Status
	once   sync.Once
	done   chan struct{}
}

// ID returns the record ID assigned at submission.
func (t *Ticket) ID() uint64 { return t.id }

// Done is closed when the command ends. After Detach it is never closed.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Status returns the final status, or nil while the command is pending.
func (t *Ticket) Status() *Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Wait blocks until the command ends or the context is done.
func (t *Ticket) Wait(ctx context.Context) (*Status, error) {
	select {
	case <-t.done:
		return t.Status(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Detach stops all notifications for this command.
func (t *Ticket) Detach() bool {
	return t.s.ctrl.Detach(t.id)
}

func (t *Ticket) finish(st *Status) {
	t.once.Do(func() {
		t.mu.Lock()
		t.status = st
		t.mu.Unlock()
		close(t.done)
	})
}

type ticketListener struct{ t *Ticket }

func (tl ticketListener) Completed(st *Status) {
	tl.t.finish(st)
	if tl.t.l != nil {
		tl.t.l.Completed(st)
	}
}

func (tl ticketListener) Failed(st *Status) {
	tl.t.finish(st)
	if tl.t.l != nil {
		tl.t.l.Failed(st)
	}
}

func (tl ticketListener) ConcurrentOperation(st *Status, reply bus.Reply) {
	if tl.t.l != nil {
		tl.t.l.ConcurrentOperation(st, reply)
	}
}
