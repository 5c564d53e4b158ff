// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"fmt"

	"github.com/Thermoquad/switchyard/pkg/bus"
)

// LinkPhase is the state of the half-duplex link as seen by the engine.
type LinkPhase int

// Link phases
const (
	LinkIdle LinkPhase = iota
	LinkWaitReply
	LinkWaitAdditional
	LinkNotified
	LinkAutoRetry
	LinkWaitProgMode
	LinkOKSend
	LinkWaitNormalMode
)

var linkPhaseNames = [...]string{
	LinkIdle:           "IDLE",
	LinkWaitReply:      "WAIT_REPLY",
	LinkWaitAdditional: "WAIT_ADDITIONAL",
	LinkNotified:       "NOTIFIED",
	LinkAutoRetry:      "AUTO_RETRY",
	LinkWaitProgMode:   "WAIT_PROG_MODE",
	LinkOKSend:         "OK_SEND",
	LinkWaitNormalMode: "WAIT_NORMAL_MODE",
}

func (p LinkPhase) String() string {
	if p >= 0 && int(p) < len(linkPhaseNames) {
		return linkPhaseNames[p]
	}
	return fmt.Sprintf("LinkPhase(%d)", int(p))
}

// Ready reports whether the transmit path may write in this phase.
func (p LinkPhase) Ready() bool {
	return p == LinkIdle || p == LinkNotified || p == LinkOKSend
}

type linkEvent int

const (
	evFinished linkEvent = iota
	evAdditional
	evRetry
	evFailed
	evUnsolicited
	evProgEntered
	evNormalResumed
)

// linkTable lists every phase change. Pairs not listed leave the phase as it
// is.
var linkTable = map[LinkPhase]map[linkEvent]LinkPhase{
	LinkIdle: {
		evProgEntered: LinkOKSend,
	},
	LinkNotified: {
		evProgEntered: LinkOKSend,
	},
	LinkOKSend: {
		evNormalResumed: LinkIdle,
	},
	LinkWaitReply: {
		evFinished:   LinkNotified,
		evAdditional: LinkWaitAdditional,
		evRetry:      LinkAutoRetry,
		evFailed:     LinkNotified,
	},
	LinkWaitAdditional: {
		evFinished:   LinkNotified,
		evAdditional: LinkWaitAdditional,
		evRetry:      LinkAutoRetry,
		evFailed:     LinkNotified,
	},
	LinkWaitProgMode: {
		evProgEntered: LinkOKSend,
		evRetry:       LinkAutoRetry,
		evFailed:      LinkNotified,
	},
	LinkWaitNormalMode: {
		evNormalResumed: LinkNotified,
		evRetry:         LinkAutoRetry,
		evFailed:        LinkNotified,
	},
}

func step(p LinkPhase, e linkEvent) LinkPhase {
	if to, ok := linkTable[p][e]; ok {
		return to
	}
	return p
}

// classify turns a processed reply into a link event. Mode announcements win
// over attribution since they are broadcasts by nature.
func classify(reply bus.Reply, o *Outcome, solicited bool) linkEvent {
	if m, ok := reply.(bus.ModeReply); ok {
		switch {
		case m.IsServiceModeEntered():
			return evProgEntered
		case m.IsNormalResumed():
			return evNormalResumed
		}
	}
	if !solicited || o == nil {
		return evUnsolicited
	}
	switch {
	case o.Rejected():
		return evRetry
	case o.Failed():
		return evFailed
	case o.AdditionalReplyRequired():
		return evAdditional
	default:
		return evFinished
	}
}

// sendPhase is the phase entered when a message is written.
func sendPhase(m bus.Message) LinkPhase {
	if s, ok := m.(bus.ModeSwitch); ok {
		switch {
		case s.EntersServiceMode():
			return LinkWaitProgMode
		case s.ExitsServiceMode():
			return LinkWaitNormalMode
		}
	}
	return LinkWaitReply
}
