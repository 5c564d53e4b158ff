// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/queue"
)

// Expire ends transmitted records that waited too long. A record that was
// never confirmed expires after the reply timeout; a confirmed record still
// waiting for its second confirmation is finished after the grace period.
func (c *Controller) Expire(now time.Time) {
	c.mu.Lock()
	due := make([]*queue.Record, 0, len(c.transmitted))
	for _, r := range c.transmitted {
		due = append(due, r)
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ID() < due[j].ID() })

	for _, r := range due {
		j := c.jobOf(r)
		if j == nil {
			continue
		}
		switch p := r.Phase(); {
		case p == queue.PhaseSent || p == queue.PhaseRejected:
			if now.Sub(r.SentAt()) < c.timing.ReplyTimeout {
				continue
			}
			o := NewOutcome(r, nil)
			if p == queue.PhaseRejected {
				o.SetError(ErrRejected)
			} else {
				o.SetError(ErrTimeout)
			}
			if _, err := r.TransitionAt(queue.PhaseExpired, now); err != nil {
				c.log.Warn("expire", zap.Stringer("record", r), zap.Error(err))
				continue
			}
			c.log.Debug("expired", zap.Stringer("record", r))
			c.complete(j, r, o)

		case p.Confirmed():
			if now.Sub(r.ConfirmedAt()) < c.timing.ConfirmGrace {
				continue
			}
			o := NewOutcome(r, nil)
			o.Finish()
			if _, err := r.TransitionAt(queue.PhaseFinished, now); err != nil {
				c.log.Warn("grace finish", zap.Stringer("record", r), zap.Error(err))
				continue
			}
			c.log.Debug("finished after grace", zap.Stringer("record", r))
			c.complete(j, r, o)
		}
	}

	c.mu.Lock()
	c.recent = c.sightingsLocked(now.Add(-c.timing.ConcurrentBefore))
	c.mu.Unlock()
}

// ReplyFinished ends a transmission cycle: the correlator calls it once it
// expects no further reply for the record it last sent.
func (c *Controller) ReplyFinished(o *Outcome) {
	if o != nil && o.AdditionalReplyRequired() {
		if r := o.Record(); r != nil {
			c.log.Debug("additional reply missing", zap.Stringer("record", r))
		}
	}
	c.Expire(c.now())
}

// Pending returns the transmitted records that are not finished yet, used by
// the monitor to show what the bus still owes.
func (c *Controller) Pending() []*queue.Record {
	c.mu.Lock()
	out := make([]*queue.Record, 0, len(c.transmitted))
	for _, r := range c.transmitted {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

var _ Env = (*Controller)(nil)
