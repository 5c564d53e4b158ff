// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package engine turns logical commands into an ordered transmission stream
// and pairs every reply from the command station with the command that
// provoked it.
//
// The Controller owns command records, their handlers and the caller
// listeners. Its methods are meant to run on a single goroutine (the layout
// goroutine, see Layout); the Station wires it to the transmit and receive
// paths of a bus.Transport.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

// ReplyFilter is a generic attribution check run before any handler sees a
// reply. Returning false means the reply cannot answer msg.
type ReplyFilter func(msg bus.Message, reply bus.Reply) bool

// Option configures a Controller.
type Option func(*Controller)

// WithTiming replaces the default timings.
func WithTiming(t Timing) Option {
	return func(c *Controller) { c.timing = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithRegistry sets the handler factories.
func WithRegistry(g *Registry) Option {
	return func(c *Controller) { c.registry = g }
}

// WithFilter appends a generic reply filter.
func WithFilter(f ReplyFilter) Option {
	return func(c *Controller) { c.filters = append(c.filters, f) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type job struct {
	h Handler
}

type binding struct {
	rec *queue.Record
	job *job
}

type sighting struct {
	at    time.Time
	reply bus.Reply
}

// Controller is the queue controller.
type Controller struct {
	sched    *queue.Scheduler
	registry *Registry
	expected *ExpectedStates
	timing   Timing
	base     *zap.Logger
	log      *zap.Logger
	now      func() time.Time
	filters  []ReplyFilter
	nextID   atomic.Uint64

	listeners *listeners

	mu          sync.Mutex
	bindings    map[uint64]binding
	jobs        []*job
	transmitted map[uint64]*queue.Record
	statuses    map[uint64]*Status
	bound       map[uint64]uint64
	recent      []sighting
	observers   []func(bus.Reply)
	stats       *Statistics
}

// NewController creates a controller feeding the given scheduling queue. A
// nil queue gets a fresh one.
func NewController(sched *queue.Scheduler, opts ...Option) *Controller {
	c := &Controller{
		sched:       sched,
		expected:    NewExpectedStates(),
		timing:      DefaultTiming(),
		log:         zap.NewNop(),
		now:         time.Now,
		listeners:   newListeners(),
		bindings:    make(map[uint64]binding),
		transmitted: make(map[uint64]*queue.Record),
		statuses:    make(map[uint64]*Status),
		bound:       make(map[uint64]uint64),
		stats:       NewStatistics(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry(nil)
	}
	c.base = c.log
	c.log = c.log.Named("controller")
	if c.sched == nil {
		c.sched = queue.NewScheduler(queue.WithLogger(c.base.Named("queue")))
	}
	return c
}

// Scheduler returns the queue records are admitted to.
func (c *Controller) Scheduler() *queue.Scheduler { return c.sched }

func (c *Controller) Expected() *ExpectedStates { return c.expected }

func (c *Controller) Timing() Timing { return c.timing }

func (c *Controller) Logger() *zap.Logger { return c.log }

func (c *Controller) Now() time.Time { return c.now() }

// Send submits a message. A handler that is still processing may absorb it
// into its own sequence; otherwise a new handler is created for it. The
// listener, if any, is told the outcome once the record ends.
func (c *Controller) Send(msg bus.Message, l Listener) (*queue.Record, error) {
	r := queue.NewRecord(c.nextID.Add(1), msg)

	c.mu.Lock()
	c.statuses[r.ID()] = &Status{ID: r.ID(), Message: msg}
	if id := c.listeners.add(l); id != 0 {
		c.bound[r.ID()] = id
	}
	c.stats.Submitted++
	c.stats.touch()
	c.mu.Unlock()

	j := c.absorb(r)
	fresh := j == nil
	if fresh {
		j = &job{h: c.registry.Create(c, r)}
		c.mu.Lock()
		c.jobs = append(c.jobs, j)
		c.mu.Unlock()
	}
	c.bind(r, j)

	if _, err := c.sched.Schedule(r); err != nil {
		c.unbind(r)
		if fresh {
			c.terminate(j)
		}
		return nil, fmt.Errorf("schedule %s: %w", msg, err)
	}
	c.log.Debug("submitted", zap.Stringer("record", r))
	return r, nil
}

// Schedule admits a follow-up message on behalf of a handler.
func (c *Controller) Schedule(h Handler, msg bus.Message) (*queue.Record, error) {
	j := c.jobOf(h.Initial())
	if j == nil {
		return nil, fmt.Errorf("schedule %s: %w", msg, ErrUnknownRecord)
	}
	r := queue.NewRecord(c.nextID.Add(1), msg)
	h.Attach(r)
	c.bind(r, j)
	if _, err := c.sched.Schedule(r); err != nil {
		c.unbind(r)
		return nil, fmt.Errorf("schedule %s: %w", msg, err)
	}
	c.log.Debug("follow-up scheduled", zap.Stringer("record", r))
	return r, nil
}

// MessageSent marks a record as physically written. The transmit path must
// not write the record if this returns an error.
func (c *Controller) MessageSent(r *queue.Record) error {
	j := c.jobOf(r)
	if j == nil {
		return fmt.Errorf("message sent %d: %w", r.ID(), ErrUnknownRecord)
	}
	replay := r.Phase() == queue.PhaseReplaying
	now := c.now()
	if _, err := r.TransitionAt(queue.PhaseSent, now); err != nil {
		return fmt.Errorf("message sent: %w", err)
	}

	c.mu.Lock()
	c.transmitted[r.ID()] = r
	c.stats.Sent++
	if replay {
		c.stats.Replayed++
	}
	c.stats.touch()
	recent := c.sightings(now.Add(-c.timing.ConcurrentBefore))
	c.mu.Unlock()

	if replay || j.h.Initial() != r {
		return nil
	}
	_ = c.guard("sent", func() { j.h.Sent(r) })
	for _, s := range recent {
		if c.checkConcurrent(j, r, s.reply) {
			c.concurrent(j, r, s.reply)
			break
		}
	}
	return nil
}

// Dispatch processes one reply. rec is the record the correlator believes
// the reply answers, or nil. It returns the outcome and whether the reply was
// attributed to rec.
func (c *Controller) Dispatch(reply bus.Reply, rec *queue.Record) (*Outcome, bool) {
	now := c.now()
	c.Expire(now)

	if rec != nil && !reply.IsBroadcast() {
		if j := c.jobOf(rec); j != nil && active(rec) && c.accepts(j, rec, reply) {
			c.count(func(s *Statistics) { s.Solicited++ })
			reply.SetResponseTo(rec.Message())
			o := c.solicited(j, rec, reply, now)
			c.spread(j, o.Reply())
			c.deliver(o.Reply())
			return o, true
		}
	}

	c.count(func(s *Statistics) { s.Unsolicited++ })
	o := c.unsolicited(reply, now)
	c.deliver(o.Reply())
	return o, false
}

// Replay puts a rejected record back into the queue. Once the record has
// used up its retries it expires instead and ErrRejected is returned.
func (c *Controller) Replay(r *queue.Record) error {
	j := c.jobOf(r)
	if j == nil {
		return fmt.Errorf("replay %d: %w", r.ID(), ErrUnknownRecord)
	}
	if p := r.Phase(); p != queue.PhaseRejected {
		return fmt.Errorf("replay %d (%s): %w", r.ID(), p, ErrIllegalTransition)
	}
	if r.Retries() >= c.timing.MaxRetries {
		o := NewOutcome(r, nil)
		o.SetError(ErrRejected)
		if _, err := r.TransitionAt(queue.PhaseExpired, c.now()); err != nil {
			return fmt.Errorf("replay %d: %w", r.ID(), err)
		}
		c.complete(j, r, o)
		return fmt.Errorf("replay %d after %d retries: %w", r.ID(), r.Retries(), ErrRejected)
	}
	if err := c.sched.Replay(r); err != nil {
		return fmt.Errorf("replay %d: %w", r.ID(), err)
	}
	c.log.Debug("replaying", zap.Stringer("record", r))
	return nil
}

// Cancel expires a record that has not been sent yet. A record already on
// the wire cannot be cancelled and ErrInFlight is returned.
func (c *Controller) Cancel(id uint64) error {
	c.mu.Lock()
	b, ok := c.bindings[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %d: %w", id, ErrUnknownRecord)
	}
	r := b.rec
	if p := r.Phase(); p.Terminal() {
		return fmt.Errorf("cancel %d (%s): %w", id, p, ErrUnknownRecord)
	} else if !p.Waiting() {
		return fmt.Errorf("cancel %d (%s): %w", id, p, ErrInFlight)
	}

	if f := c.sched.Future(r); f != nil {
		f.Cancel()
	}
	if !r.Phase().Terminal() {
		if _, err := r.TransitionAt(queue.PhaseExpired, c.now()); err != nil {
			return fmt.Errorf("cancel %d: %w", id, err)
		}
	}
	o := NewOutcome(r, nil)
	o.SetError(ErrCancelled)
	c.count(func(s *Statistics) { s.Cancelled++ })
	c.complete(b.job, r, o)
	return nil
}

// Lookup returns an active record by ID.
func (c *Controller) Lookup(id uint64) *queue.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindings[id].rec
}

// Records returns the active records ordered by ID.
func (c *Controller) Records() []*queue.Record {
	c.mu.Lock()
	out := make([]*queue.Record, 0, len(c.bindings))
	for _, b := range c.bindings {
		out = append(out, b.rec)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.stats
}

func (c *Controller) solicited(j *job, r *queue.Record, reply bus.Reply, now time.Time) *Outcome {
	switch {
	case reply.IsRetransmittableError():
		o := NewOutcome(r, reply)
		o.Reject(ErrRejected)
		if _, err := r.TransitionAt(queue.PhaseRejected, now); err != nil {
			o.SetError(err)
			return o
		}
		c.count(func(s *Statistics) { s.Rejected++ })
		c.log.Debug("rejected", zap.Stringer("record", r), zap.Stringer("reply", reply))
		return o

	case reply.IsUnsupportedError():
		o := NewOutcome(r, reply)
		o.Fail(ErrUnsupported)
		c.record(r, o.Reply())
		if _, err := r.TransitionAt(queue.PhaseFailed, now); err != nil {
			o.SetError(err)
			return o
		}
		c.complete(j, r, o)
		return o
	}
	return c.confirm(j, r, reply, now)
}

// confirm runs a reply through the handler's decision and applies it.
func (c *Controller) confirm(j *job, r *queue.Record, reply bus.Reply, now time.Time) *Outcome {
	var o *Outcome
	if err := c.guard("processed", func() { o = j.h.Processed(r, reply) }); err != nil || o == nil {
		o = NewOutcome(r, reply)
		o.SetError(err)
		return o
	}
	c.record(r, o.Reply())
	if o.Failed() {
		// Only a record still waiting for its first confirmation can fail;
		// one the command station already acknowledged ends as expired.
		to := queue.PhaseFailed
		if r.Phase().Confirmed() {
			to = queue.PhaseExpired
		}
		if _, err := r.TransitionAt(to, now); err != nil {
			o.SetError(err)
			return o
		}
		c.complete(j, r, o)
		return o
	}
	if _, err := r.TransitionAt(queue.PhaseConfirmed, now); err != nil {
		o.SetError(err)
		return o
	}
	if !o.Finished() {
		return o
	}
	if _, err := r.TransitionAt(queue.PhaseFinished, now); err != nil {
		o.SetError(err)
		return o
	}
	c.complete(j, r, o)
	return o
}

// unsolicited offers a reply nobody was waiting for to every active handler.
// A record that is already acknowledged may take it as its remaining
// confirmation; otherwise handlers check it for concurrent actions and
// filter what they already expect.
func (c *Controller) unsolicited(reply bus.Reply, now time.Time) *Outcome {
	o := NewOutcome(nil, reply)
	work := o.Reply()
	attributed := false

	for _, j := range c.active() {
		r := j.h.Current()
		if r == nil || r.Phase().Terminal() {
			continue
		}
		if !attributed && reply.IsFeedback() && r.Phase().Confirmed() && c.accepts(j, r, work) {
			attributed = true
			reply.SetResponseTo(r.Message())
			o = c.confirm(j, r, work, now)
			work = o.Reply()
			continue
		}
		if c.inWindow(r, now) && c.checkConcurrent(j, r, work) {
			c.concurrent(j, r, reply)
		}
		c.filter(j, work)
	}

	if reply.IsFeedback() {
		c.mu.Lock()
		c.recent = append(c.recent, sighting{at: now, reply: work})
		c.recent = c.sightingsLocked(now.Add(-c.timing.ConcurrentBefore))
		c.mu.Unlock()
	}
	return o
}

// spread lets every handler other than the owner filter a solicited reply.
func (c *Controller) spread(owner *job, work bus.Reply) {
	for _, j := range c.active() {
		if j != owner {
			c.filter(j, work)
		}
	}
}

func (c *Controller) filter(j *job, work bus.Reply) {
	_ = c.guard("filter", func() { j.h.FilterMessage(work) })
}

func (c *Controller) accepts(j *job, r *queue.Record, reply bus.Reply) bool {
	for _, f := range c.filters {
		if !f(r.Message(), reply) {
			return false
		}
	}
	ok := false
	if err := c.guard("accepts", func() { ok = j.h.AcceptsReply(r.Message(), reply) }); err != nil {
		return false
	}
	return ok
}

func (c *Controller) checkConcurrent(j *job, r *queue.Record, reply bus.Reply) bool {
	hit := false
	_ = c.guard("concurrent", func() { hit = j.h.CheckConcurrentAction(r, reply) })
	return hit
}

func (c *Controller) inWindow(r *queue.Record, now time.Time) bool {
	if !active(r) {
		return false
	}
	sent := r.SentAt()
	return !sent.IsZero() && !now.After(sent.Add(c.timing.ConcurrentAfter))
}

// absorb offers a new record to the handlers still at work.
func (c *Controller) absorb(r *queue.Record) *job {
	for _, j := range c.active() {
		took := false
		if err := c.guard("add message", func() { took = j.h.AddMessage(r) }); err == nil && took {
			c.log.Debug("absorbed", zap.Stringer("record", r), zap.Stringer("into", j.h.Initial()))
			return j
		}
	}
	return nil
}

// complete handles a record that just reached a terminal phase.
func (c *Controller) complete(j *job, r *queue.Record, o *Outcome) {
	c.mu.Lock()
	delete(c.transmitted, r.ID())
	switch r.Phase() {
	case queue.PhaseFinished:
		c.stats.Finished++
	case queue.PhaseExpired:
		switch {
		case o.Failed():
			c.stats.Failed++
		case !errors.Is(o.Err(), ErrCancelled):
			c.stats.Expired++
		}
	case queue.PhaseFailed:
		c.stats.Failed++
	}
	c.stats.touch()
	c.mu.Unlock()

	if err := c.sched.Remove(r); err != nil {
		c.log.Warn("remove", zap.Stringer("record", r), zap.Error(err))
	}

	terminate := true
	if err := c.guard("finished", func() { terminate = j.h.Finished(o, r) }); err != nil {
		o.SetError(err)
	}
	c.notify(r, o)
	c.log.Debug("record ended",
		zap.Stringer("record", r),
		zap.Bool("terminate", terminate),
		zap.Error(o.Err()))

	if !terminate && j.h.Current() == r && j.h.Advance() == nil {
		terminate = true
	}
	if terminate {
		c.terminate(j)
	}
}

// terminate drops a handler and everything it still owns.
func (c *Controller) terminate(j *job) {
	for _, r := range j.h.Records() {
		if !r.Phase().Terminal() {
			if f := c.sched.Future(r); f == nil || !f.Cancel() {
				if _, err := r.TransitionAt(queue.PhaseExpired, c.now()); err == nil {
					_ = c.sched.Remove(r)
				}
			}
			o := NewOutcome(r, nil)
			o.SetError(ErrCancelled)
			c.notify(r, o)
		}
	}
	c.mu.Lock()
	var ids []uint64
	for _, r := range j.h.Records() {
		delete(c.bindings, r.ID())
		delete(c.transmitted, r.ID())
		delete(c.statuses, r.ID())
		if id, ok := c.bound[r.ID()]; ok {
			ids = append(ids, id)
			delete(c.bound, r.ID())
		}
	}
	for i, x := range c.jobs {
		if x == j {
			c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.listeners.remove(id)
	}
}

func (c *Controller) bind(r *queue.Record, j *job) {
	c.mu.Lock()
	c.bindings[r.ID()] = binding{rec: r, job: j}
	c.mu.Unlock()
}

func (c *Controller) unbind(r *queue.Record) {
	c.mu.Lock()
	delete(c.bindings, r.ID())
	delete(c.statuses, r.ID())
	id := c.bound[r.ID()]
	delete(c.bound, r.ID())
	c.mu.Unlock()
	c.listeners.remove(id)
}

func (c *Controller) jobOf(r *queue.Record) *job {
	if r == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[r.ID()]
	if !ok || b.rec != r {
		return nil
	}
	return b.job
}

func (c *Controller) active() []*job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*job(nil), c.jobs...)
}

func (c *Controller) sightings(since time.Time) []sighting {
	c.recent = c.sightingsLocked(since)
	return append([]sighting(nil), c.recent...)
}

func (c *Controller) sightingsLocked(since time.Time) []sighting {
	i := 0
	for i < len(c.recent) && c.recent[i].at.Before(since) {
		i++
	}
	return c.recent[i:]
}

func (c *Controller) count(f func(s *Statistics)) {
	c.mu.Lock()
	f(c.stats)
	c.stats.touch()
	c.mu.Unlock()
}

func active(r *queue.Record) bool {
	p := r.Phase()
	return p == queue.PhaseSent || p.Confirmed()
}
