// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package queue

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a phase change is not an edge of the
// record phase graph.
var ErrIllegalTransition = errors.New("illegal phase transition")

// Phase is the lifecycle position of a Record.
type Phase int

// Record phases
const (
	PhaseCreated Phase = iota
	PhaseScheduled
	PhaseBlocked
	PhaseQueued
	PhaseSent
	PhaseConfirmed
	PhaseConfirmedAgain
	PhaseRejected
	PhaseReplaying
	PhaseFinished
	PhaseExpired
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseCreated:        "CREATED",
	PhaseScheduled:      "SCHEDULED",
	PhaseBlocked:        "BLOCKED",
	PhaseQueued:         "QUEUED",
	PhaseSent:           "SENT",
	PhaseConfirmed:      "CONFIRMED",
	PhaseConfirmedAgain: "CONFIRMED_AGAIN",
	PhaseRejected:       "REJECTED",
	PhaseReplaying:      "REPLAYING",
	PhaseFinished:       "FINISHED",
	PhaseExpired:        "EXPIRED",
	PhaseFailed:         "FAILED",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseExpired || p == PhaseFailed
}

// Waiting reports whether the record has not been transmitted yet.
func (p Phase) Waiting() bool {
	switch p {
	case PhaseCreated, PhaseScheduled, PhaseBlocked, PhaseQueued:
		return true
	}
	return false
}

// Confirmed reports whether the command station has acknowledged the record
// at least once.
func (p Phase) Confirmed() bool {
	return p == PhaseConfirmed || p == PhaseConfirmedAgain
}

// edges is the complete transition graph. Every non-terminal phase may also
// move to PhaseExpired.
var edges = map[Phase][]Phase{
	PhaseCreated:        {PhaseScheduled, PhaseBlocked, PhaseQueued},
	PhaseScheduled:      {PhaseQueued, PhaseBlocked},
	PhaseBlocked:        {PhaseQueued},
	PhaseQueued:         {PhaseBlocked, PhaseSent},
	PhaseSent:           {PhaseConfirmed, PhaseRejected, PhaseFailed},
	PhaseConfirmed:      {PhaseConfirmedAgain, PhaseFinished},
	PhaseConfirmedAgain: {PhaseConfirmed, PhaseFinished},
	PhaseRejected:       {PhaseReplaying, PhaseFailed},
	PhaseReplaying:      {PhaseSent},
}

// next resolves the phase actually entered when moving from one phase to
// another. A repeated confirmation becomes PhaseConfirmedAgain, since a
// command may be confirmed once by acknowledgement and once by feedback.
func next(from, to Phase) (Phase, error) {
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	}
	if from == PhaseConfirmed && to == PhaseConfirmed {
		return PhaseConfirmedAgain, nil
	}
	if to == PhaseExpired {
		return to, nil
	}
	for _, p := range edges[from] {
		if p == to {
			return to, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
