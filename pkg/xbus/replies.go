// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/switchyard/pkg/bus"
)

// Reply is a message received from the command station.
type Reply struct {
	msgType   uint8
	payload   map[int]any
	items     []bus.FeedbackItem
	broadcast bool
	resp      bus.Message
	at        time.Time
}

var (
	_ bus.Reply     = (*Reply)(nil)
	_ bus.ModeReply = (*Reply)(nil)
)

// ParseReply builds a reply from a decoded packet.
func ParseReply(p *Packet) (*Reply, error) {
	if err := p.ParseError(); err != nil {
		return nil, err
	}
	r := &Reply{msgType: p.Type(), payload: p.PayloadMap(), at: p.Timestamp()}
	switch r.msgType {
	case ReplyFeedback:
		arr, _ := GetMapArray(r.payload, 0)
		for i, raw := range arr {
			pair, ok := raw.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("FEEDBACK item %d: expected [address, state]", i)
			}
			addr, ok1 := asUint(pair[0])
			state, ok2 := asUint(pair[1])
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("FEEDBACK item %d: expected unsigned integers", i)
			}
			if state > uint64(bus.StateInvalid) {
				state = uint64(bus.StateInvalid)
			}
			r.items = append(r.items, bus.FeedbackItem{
				Index:   i,
				Address: int(addr),
				State:   bus.AccessoryState(state),
			})
		}
		r.broadcast, _ = GetMapBool(r.payload, 1)
	case ReplyServiceModeEntered, ReplyNormalResumed, ReplyTrackPowerOff:
		r.broadcast = true
	}
	return r, nil
}

func newReply(msgType uint8, payload map[int]any) *Reply {
	return &Reply{msgType: msgType, payload: payload, at: time.Now()}
}

// NewOKReply creates an OK reply.
func NewOKReply() *Reply { return newReply(ReplyOK, nil) }

// NewBusyReply creates a BUSY reply.
func NewBusyReply() *Reply { return newReply(ReplyBusy, nil) }

// NewTransferErrorReply creates a TRANSFER_ERROR reply.
func NewTransferErrorReply() *Reply { return newReply(ReplyTransferError, nil) }

// NewUnsupportedReply creates an UNSUPPORTED reply.
func NewUnsupportedReply() *Reply { return newReply(ReplyUnsupported, nil) }

// NewModeReply creates one of the broadcast mode replies
// (SERVICE_MODE_ENTERED, NORMAL_RESUMED, TRACK_POWER_OFF).
func NewModeReply(msgType uint8) *Reply {
	r := newReply(msgType, nil)
	r.broadcast = true
	return r
}

// NewServiceModeResult creates a SERVICE_MODE_RESULT reply.
func NewServiceModeResult(cv, value int) *Reply {
	return newReply(ReplyServiceModeResult, map[int]any{0: uint64(cv), 1: uint64(value)})
}

// NewStatusReply creates a STATUS reply.
func NewStatusReply(flags uint8) *Reply {
	return newReply(ReplyStatus, map[int]any{0: uint64(flags)})
}

// NewFeedbackReply creates a FEEDBACK reply for the given address/state
// pairs.
func NewFeedbackReply(broadcast bool, items ...bus.FeedbackItem) *Reply {
	pairs := make([]any, 0, len(items))
	r := newReply(ReplyFeedback, nil)
	for i, it := range items {
		pairs = append(pairs, []any{uint64(it.Address), uint64(it.State)})
		r.items = append(r.items, bus.FeedbackItem{Index: i, Address: it.Address, State: it.State})
	}
	r.payload = map[int]any{0: pairs, 1: broadcast}
	r.broadcast = broadcast
	return r
}

// Type returns the protocol reply type.
func (r *Reply) Type() uint8 { return r.msgType }

func (r *Reply) IsOK() bool       { return r.msgType == ReplyOK }
func (r *Reply) IsFeedback() bool { return r.msgType == ReplyFeedback }
func (r *Reply) IsBroadcast() bool {
	return r.broadcast
}

func (r *Reply) IsRetransmittableError() bool {
	return r.msgType == ReplyBusy || r.msgType == ReplyTransferError
}

func (r *Reply) IsUnsupportedError() bool { return r.msgType == ReplyUnsupported }

func (r *Reply) IsServiceModeEntered() bool { return r.msgType == ReplyServiceModeEntered }

func (r *Reply) IsNormalResumed() bool { return r.msgType == ReplyNormalResumed }

func (r *Reply) ResponseTo() bus.Message { return r.resp }

func (r *Reply) SetResponseTo(m bus.Message) { r.resp = m }

func (r *Reply) FeedbackItems() []bus.FeedbackItem {
	return append([]bus.FeedbackItem(nil), r.items...)
}

func (r *Reply) MarkConsumed(i int) {
	if i >= 0 && i < len(r.items) {
		r.items[i].Consumed = true
	}
}

// Unconsumed reports whether a feedback reply still has an unconsumed item,
// or whether any other reply is unsolicited.
func (r *Reply) Unconsumed() bool {
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

func (r *Reply) Clone() bus.Reply {
	c := *r
	c.items = append([]bus.FeedbackItem(nil), r.items...)
	return &c
}

func (r *Reply) Timestamp() time.Time { return r.at }

// CV returns the variable and value of a SERVICE_MODE_RESULT.
func (r *Reply) CV() (cv, value int, ok bool) {
	c, ok1 := GetMapUint(r.payload, 0)
	v, ok2 := GetMapUint(r.payload, 1)
	return int(c), int(v), r.msgType == ReplyServiceModeResult && ok1 && ok2
}

// Flags returns the status flags of a STATUS reply.
func (r *Reply) Flags() (uint8, bool) {
	v, ok := GetMapUint(r.payload, 0)
	return uint8(v), r.msgType == ReplyStatus && ok
}

// Packet returns the reply as a packet ready for encoding.
func (r *Reply) Packet() *Packet {
	return NewPacketWithPayload(r.msgType, r.payload)
}

// Encode returns the framed wire bytes.
func (r *Reply) Encode() ([]byte, error) {
	return EncodePacketFromValues(r.msgType, r.payload)
}

func (r *Reply) String() string {
	name := FormatReplyType(r.msgType)
	if !r.IsFeedback() {
		return name
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteString("(")
	for i, it := range r.items {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d=%s", it.Address, it.State)
		if it.Consumed {
			b.WriteString("*")
		}
	}
	b.WriteString(")")
	if r.broadcast {
		b.WriteString(" broadcast")
	}
	return b.String()
}
