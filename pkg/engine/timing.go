// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import "time"

// Timing holds the operational constants of the engine. None of them are
// mandated by the bus protocol; they are tuned against real command stations.
type Timing struct {
	// ReplyTimeout expires a transmitted record that was never confirmed.
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	// ConfirmGrace force-finishes a confirmed record still waiting for its
	// second kind of confirmation.
	ConfirmGrace time.Duration `mapstructure:"confirm_grace" yaml:"confirm_grace"`
	// ConcurrentBefore and ConcurrentAfter bound the window around a send in
	// which unsolicited feedback for the same device counts as a concurrent
	// action by another controller.
	ConcurrentBefore time.Duration `mapstructure:"concurrent_before" yaml:"concurrent_before"`
	ConcurrentAfter  time.Duration `mapstructure:"concurrent_after" yaml:"concurrent_after"`
	// AdditionalReplyWait is how long the transmit path is held back when a
	// command still needs another reply.
	AdditionalReplyWait time.Duration `mapstructure:"additional_reply_wait" yaml:"additional_reply_wait"`
	// RetryBackoff is the first auto-retry delay after a transient rejection;
	// it doubles per retry up to RetryBackoffMax.
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `mapstructure:"retry_backoff_max" yaml:"retry_backoff_max"`
	// MaxRetries bounds replays of one record before it expires as rejected.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// SweepInterval is how often the expiry sweep runs when the bus is quiet.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultTiming returns the values observed to work on real stations.
func DefaultTiming() Timing {
	return Timing{
		ReplyTimeout:        2 * time.Second,
		ConfirmGrace:        1500 * time.Millisecond,
		ConcurrentBefore:    100 * time.Millisecond,
		ConcurrentAfter:     300 * time.Millisecond,
		AdditionalReplyWait: 100 * time.Millisecond,
		RetryBackoff:        50 * time.Millisecond,
		RetryBackoffMax:     time.Second,
		MaxRetries:          5,
		SweepInterval:       250 * time.Millisecond,
	}
}

// backoff returns the delay before the given retry (1-based).
func (t Timing) backoff(retry int) time.Duration {
	d := t.RetryBackoff
	for i := 1; i < retry && d < t.RetryBackoffMax; i++ {
		d *= 2
	}
	if t.RetryBackoffMax > 0 && d > t.RetryBackoffMax {
		d = t.RetryBackoffMax
	}
	return d
}
