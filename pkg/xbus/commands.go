// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"fmt"
	"time"

	"github.com/Thermoquad/switchyard/pkg/bus"
)

// Command is an outgoing message. It is immutable; the With methods return
// modified copies.
type Command struct {
	msgType  uint8
	payload  map[int]any
	address  int // accessory address, 0 for station-wide commands
	priority int
	delay    time.Duration
}

var (
	_ bus.Message    = (*Command)(nil)
	_ bus.ModeSwitch = (*Command)(nil)
)

func newCommand(msgType uint8, priority int, payload map[int]any) *Command {
	return &Command{msgType: msgType, payload: payload, priority: priority}
}

// NewAccessoryOperation creates an ACCESSORY_OPERATION command (0x52).
// Output selects the coil (OutputClosed or OutputThrown); activate energises
// it. Every activation must be followed by a deactivation of the same output.
func NewAccessoryOperation(address, output int, activate bool) *Command {
	c := newCommand(MsgAccessoryOperation, PriorityNormal, map[int]any{
		0: uint64(address),
		1: uint64(output),
		2: activate,
	})
	c.address = address
	return c
}

// NewAccessoryInfo creates an ACCESSORY_INFO request (0x42). The station
// answers with a non-broadcast FEEDBACK reply for the accessory's slot.
func NewAccessoryInfo(address int) *Command {
	c := newCommand(MsgAccessoryInfo, PriorityPolling, map[int]any{0: uint64(address)})
	c.address = address
	return c
}

// NewTrackPowerOff creates a TRACK_POWER_OFF command (0x21).
func NewTrackPowerOff() *Command {
	return newCommand(MsgTrackPowerOff, PriorityEmergency, nil)
}

// NewResumeOperations creates a RESUME_OPERATIONS command (0x22). It also
// leaves service mode.
func NewResumeOperations() *Command {
	return newCommand(MsgResumeOperations, PriorityNormal, nil)
}

// NewServiceModeEnter creates a SERVICE_MODE_ENTER command (0x23).
func NewServiceModeEnter() *Command {
	return newCommand(MsgServiceModeEnter, PriorityNormal, nil)
}

// NewServiceModeRead creates a SERVICE_MODE_READ command (0x24) for one
// configuration variable.
func NewServiceModeRead(cv int) *Command {
	return newCommand(MsgServiceModeRead, PriorityNormal, map[int]any{0: uint64(cv)})
}

// NewStatusRequest creates a STATUS_REQUEST command (0x2F).
func NewStatusRequest() *Command {
	return newCommand(MsgStatusRequest, PriorityPolling, nil)
}

// WithDelay returns a copy admitted to the queue after d.
func (c *Command) WithDelay(d time.Duration) *Command {
	cp := *c
	cp.delay = d
	return &cp
}

// WithPriority returns a copy with another priority.
func (c *Command) WithPriority(p int) *Command {
	cp := *c
	cp.priority = p
	return &cp
}

// Deactivation returns the matching "off" command for an accessory
// activation, or nil for any other command.
func (c *Command) Deactivation() *Command {
	if c.msgType != MsgAccessoryOperation || !c.Activate() {
		return nil
	}
	return NewAccessoryOperation(c.address, c.Output(), false).WithPriority(c.priority)
}

// Type returns the protocol message type.
func (c *Command) Type() uint8 { return c.msgType }

// Kind implements bus.Message.
func (c *Command) Kind() int { return int(c.msgType) }

// Priority implements bus.Message.
func (c *Command) Priority() int { return c.priority }

// Delay implements bus.Message.
func (c *Command) Delay() time.Duration { return c.delay }

// GroupKey serializes commands for the same accessory. Station-wide
// commands are never blocked.
func (c *Command) GroupKey() any {
	if c.address == 0 {
		return nil
	}
	return c.address
}

// Address returns the accessory address, or 0.
func (c *Command) Address() int { return c.address }

// Output returns the accessory output of an ACCESSORY_OPERATION.
func (c *Command) Output() int {
	v, _ := GetMapUint(c.payload, 1)
	return int(v)
}

// Activate reports whether an ACCESSORY_OPERATION energises its output.
func (c *Command) Activate() bool {
	v, _ := GetMapBool(c.payload, 2)
	return v
}

// Target returns the accessory state an ACCESSORY_OPERATION commands.
func (c *Command) Target() bus.AccessoryState {
	return OutputState(c.Output())
}

func (c *Command) EntersServiceMode() bool { return c.msgType == MsgServiceModeEnter }

func (c *Command) ExitsServiceMode() bool { return c.msgType == MsgResumeOperations }

// Packet returns the command as a packet ready for encoding.
func (c *Command) Packet() *Packet {
	return NewPacketWithPayload(c.msgType, c.payload)
}

// Encode returns the framed wire bytes.
func (c *Command) Encode() ([]byte, error) {
	return EncodePacketFromValues(c.msgType, c.payload)
}

func (c *Command) String() string {
	switch c.msgType {
	case MsgAccessoryOperation:
		act := "off"
		if c.Activate() {
			act = "on"
		}
		return fmt.Sprintf("%s(%d %s %s)", FormatMessageType(c.msgType), c.address, c.Target(), act)
	case MsgAccessoryInfo:
		return fmt.Sprintf("%s(%d)", FormatMessageType(c.msgType), c.address)
	case MsgServiceModeRead:
		cv, _ := GetMapUint(c.payload, 0)
		return fmt.Sprintf("%s(cv%d)", FormatMessageType(c.msgType), cv)
	}
	return FormatMessageType(c.msgType)
}

// CommandFromPacket rebuilds a command from a decoded packet, as the
// simulated station receives it.
func CommandFromPacket(p *Packet) (*Command, error) {
	if err := p.ParseError(); err != nil {
		return nil, err
	}
	m := p.PayloadMap()
	switch p.Type() {
	case MsgAccessoryOperation:
		addr, ok := GetMapUint(m, 0)
		if !ok {
			return nil, fmt.Errorf("%s: missing address", FormatMessageType(p.Type()))
		}
		out, _ := GetMapUint(m, 1)
		act, _ := GetMapBool(m, 2)
		return NewAccessoryOperation(int(addr), int(out), act), nil
	case MsgAccessoryInfo:
		addr, ok := GetMapUint(m, 0)
		if !ok {
			return nil, fmt.Errorf("%s: missing address", FormatMessageType(p.Type()))
		}
		return NewAccessoryInfo(int(addr)), nil
	case MsgServiceModeRead:
		cv, _ := GetMapUint(m, 0)
		return NewServiceModeRead(int(cv)), nil
	case MsgTrackPowerOff:
		return NewTrackPowerOff(), nil
	case MsgResumeOperations:
		return NewResumeOperations(), nil
	case MsgServiceModeEnter:
		return NewServiceModeEnter(), nil
	case MsgStatusRequest:
		return NewStatusRequest(), nil
	}
	return nil, fmt.Errorf("unknown command type 0x%02X", p.Type())
}

// OutputState maps an accessory output to the state it produces.
func OutputState(output int) bus.AccessoryState {
	if output == OutputThrown {
		return bus.StateThrown
	}
	return bus.StateClosed
}

// StateOutput maps a definite state to the output producing it.
func StateOutput(s bus.AccessoryState) int {
	if s == bus.StateThrown {
		return OutputThrown
	}
	return OutputClosed
}

// Slot returns the feedback slot an accessory reports in. Odd/even address
// pairs share a slot.
func Slot(address int) int { return (address - 1) / 2 }
