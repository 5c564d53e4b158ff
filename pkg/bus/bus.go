// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bus defines the contracts the command engine consumes from the
// protocol layer: outgoing messages, incoming replies, feedback items and the
// transport that moves them over the shared half-duplex link.
//
// The engine never looks inside a payload. Everything it needs to schedule a
// message or classify a reply is exposed through these interfaces.
package bus

import (
	"context"
	"time"
)

// DefaultPriority is the threshold between high-priority and normal-priority
// messages. Values below it are high priority and are scheduled newest-first;
// values at or above it are scheduled oldest-first.
const DefaultPriority = 100

// Message is an immutable outgoing command.
type Message interface {
	// Kind is the protocol message type, used for handler and
	// confirmation table lookups.
	Kind() int

	// Priority orders messages for transmission; lower is more urgent.
	Priority() int

	// Delay postpones admission into the transmit queue. Zero means
	// immediately.
	Delay() time.Duration

	// GroupKey identifies the device or slot the message targets. Messages
	// sharing a key are serialized. A nil key never blocks anything.
	GroupKey() any

	String() string
}

// ModeSwitch is implemented by messages that move the command station into or
// out of service (programming) mode.
type ModeSwitch interface {
	EntersServiceMode() bool
	ExitsServiceMode() bool
}

// AccessoryState is the reported or commanded position of a two-state device.
type AccessoryState int

// Accessory state values
const (
	StateUnknown AccessoryState = iota
	StateClosed
	StateThrown
	StateInvalid
)

func (s AccessoryState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateThrown:
		return "thrown"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Definite reports whether the state is a real end position.
func (s AccessoryState) Definite() bool {
	return s == StateClosed || s == StateThrown
}

// FeedbackItem is one device report carried by a feedback reply.
type FeedbackItem struct {
	Index    int // position within the reply, used by MarkConsumed
	Address  int
	State    AccessoryState
	Consumed bool
}

// Reply is a message received from the command station.
type Reply interface {
	IsOK() bool
	IsFeedback() bool
	IsBroadcast() bool
	IsRetransmittableError() bool
	IsUnsupportedError() bool

	// ResponseTo returns the message this reply was attributed to, or nil
	// for unsolicited replies.
	ResponseTo() Message
	SetResponseTo(m Message)

	// FeedbackItems returns the device reports carried by the reply.
	FeedbackItems() []FeedbackItem
	// MarkConsumed flags a feedback item as already accounted for, so it is
	// not delivered to observers a second time.
	MarkConsumed(index int)
	// Unconsumed reports whether anything in the reply still needs to be
	// delivered to observers.
	Unconsumed() bool

	// Clone returns an independent copy whose consumed marks can be changed
	// without affecting the original.
	Clone() Reply

	Timestamp() time.Time
	String() string
}

// ModeReply is implemented by replies announcing a command station mode change.
type ModeReply interface {
	IsServiceModeEntered() bool
	IsNormalResumed() bool
}

// Transport writes messages to and reads replies from the physical link.
type Transport interface {
	WriteMessage(ctx context.Context, m Message) error
	// ReadReply blocks until a reply arrives, the context ends or the
	// transport fails.
	ReadReply(ctx context.Context) (Reply, error)
}
