// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"fmt"
	"strings"
)

// Direction tells the formatter how to read a packet's type, since
// commands and replies share the type space.
type Direction int

const (
	FromStation Direction = iota
	ToStation
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet, dir Direction) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	name := FormatReplyType(p.Type())
	if dir == ToStation {
		name = FormatMessageType(p.Type())
	}

	result := fmt.Sprintf("[%s] %s (0x%02X) len=%d\n", timestamp, name, p.Type(), p.length)
	if err := p.ParseError(); err != nil {
		return result + fmt.Sprintf("  (parse error: %v)\n", err)
	}
	if dir == ToStation {
		return result + FormatCommandPayload(p.Type(), p.PayloadMap())
	}
	return result + FormatReplyPayload(p.Type(), p.PayloadMap())
}

// FormatMessageType returns the human-readable name for a command type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	case MsgTrackPowerOff:
		return "TRACK_POWER_OFF"
	case MsgResumeOperations:
		return "RESUME_OPERATIONS"
	case MsgServiceModeEnter:
		return "SERVICE_MODE_ENTER"
	case MsgServiceModeRead:
		return "SERVICE_MODE_READ"
	case MsgStatusRequest:
		return "STATUS_REQUEST"
	case MsgAccessoryInfo:
		return "ACCESSORY_INFO"
	case MsgAccessoryOperation:
		return "ACCESSORY_OPERATION"
	default:
		return "UNKNOWN"
	}
}

// FormatReplyType returns the human-readable name for a reply type
func FormatReplyType(msgType uint8) string {
	switch msgType {
	case ReplyOK:
		return "OK"
	case ReplyFeedback:
		return "FEEDBACK"
	case ReplyServiceModeEntered:
		return "SERVICE_MODE_ENTERED"
	case ReplyNormalResumed:
		return "NORMAL_RESUMED"
	case ReplyTrackPowerOff:
		return "TRACK_POWER_OFF"
	case ReplyServiceModeResult:
		return "SERVICE_MODE_RESULT"
	case ReplyStatus:
		return "STATUS"

	// Errors (0x80-0x8F)
	case ReplyBusy:
		return "BUSY"
	case ReplyTransferError:
		return "TRANSFER_ERROR"
	case ReplyUnsupported:
		return "UNSUPPORTED"

	default:
		return "UNKNOWN"
	}
}

// FormatCommandPayload formats a command payload map
func FormatCommandPayload(msgType uint8, m map[int]any) string {
	switch msgType {
	case MsgAccessoryOperation:
		// 0 => address, 1 => output, 2 => activate
		addr, _ := GetMapUint(m, 0)
		out, _ := GetMapUint(m, 1)
		act, _ := GetMapBool(m, 2)
		return fmt.Sprintf("  Address: %d, Output: %s (%d), Activate: %s\n",
			addr, OutputState(int(out)), out, formatBool(act))

	case MsgAccessoryInfo:
		addr, _ := GetMapUint(m, 0)
		return fmt.Sprintf("  Address: %d, Slot: %d\n", addr, Slot(int(addr)))

	case MsgServiceModeRead:
		cv, _ := GetMapUint(m, 0)
		return fmt.Sprintf("  CV: %d\n", cv)

	default:
		return "  (no payload)\n"
	}
}

// FormatReplyPayload formats a reply payload map
func FormatReplyPayload(msgType uint8, m map[int]any) string {
	switch msgType {
	case ReplyFeedback:
		// 0 => [[address, state], ...], 1 => broadcast
		items, _ := GetMapArray(m, 0)
		broadcast, _ := GetMapBool(m, 1)
		var b strings.Builder
		fmt.Fprintf(&b, "  Broadcast: %s, Items: %d\n", formatBool(broadcast), len(items))
		for _, raw := range items {
			pair, ok := raw.([]any)
			if !ok || len(pair) != 2 {
				b.WriteString("    (malformed item)\n")
				continue
			}
			addr, _ := asUint(pair[0])
			state, _ := asUint(pair[1])
			fmt.Fprintf(&b, "    Address %d (slot %d): %s\n", addr, Slot(int(addr)), formatState(state))
		}
		return b.String()

	case ReplyServiceModeResult:
		cv, _ := GetMapUint(m, 0)
		value, _ := GetMapUint(m, 1)
		return fmt.Sprintf("  CV: %d, Value: %d (0x%02X)\n", cv, value, value)

	case ReplyStatus:
		flags, _ := GetMapUint(m, 0)
		return fmt.Sprintf("  Flags: 0x%02X %s\n", flags, formatStatusFlags(uint8(flags)))

	default:
		return "  (no payload)\n"
	}
}

func formatState(state uint64) string {
	switch state {
	case 0:
		return "UNKNOWN"
	case 1:
		return "CLOSED"
	case 2:
		return "THROWN"
	default:
		return "INVALID"
	}
}

func formatStatusFlags(flags uint8) string {
	var names []string
	if flags&StatusEmergencyOff != 0 {
		names = append(names, "EMERGENCY_OFF")
	}
	if flags&StatusEmergencyStop != 0 {
		names = append(names, "EMERGENCY_STOP")
	}
	if flags&StatusServiceMode != 0 {
		names = append(names, "SERVICE_MODE")
	}
	if flags&StatusPowerUp != 0 {
		names = append(names, "POWER_UP")
	}
	if len(names) == 0 {
		return "[NORMAL]"
	}
	return "[" + strings.Join(names, "|") + "]"
}

func formatBool(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
