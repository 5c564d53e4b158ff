// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import "fmt"

// Accessory and CV address ranges accepted by command stations
const (
	MinAccessoryAddress = 1
	MaxAccessoryAddress = 2048
	MaxCV               = 1024
)

// AnomalyType represents different types of packet anomalies
type AnomalyType int

const (
	AnomalyUnknownType AnomalyType = iota
	AnomalyMissingField
	AnomalyInvalidAddress
	AnomalyInvalidValue
	AnomalyCRCError
	AnomalyDecodeError
)

// ValidationError represents a packet validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]any
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePacket validates packet contents and detects anomalies.
// Returns a slice of validation errors (empty if packet is valid)
func ValidatePacket(p *Packet, dir Direction) []ValidationError {
	if err := p.ParseError(); err != nil {
		return []ValidationError{{
			Type:    AnomalyDecodeError,
			Message: fmt.Sprintf("CBOR decode failed: %v", err),
		}}
	}

	m := p.PayloadMap()
	if dir == ToStation {
		switch p.Type() {
		case MsgAccessoryOperation:
			return validateAccessoryOperation(m)
		case MsgAccessoryInfo:
			return validateAddressField("ACCESSORY_INFO", m)
		case MsgServiceModeRead:
			return validateCV(m)
		case MsgTrackPowerOff, MsgResumeOperations, MsgServiceModeEnter, MsgStatusRequest:
			return nil
		}
	} else {
		switch p.Type() {
		case ReplyFeedback:
			return validateFeedback(m)
		case ReplyServiceModeResult:
			return validateServiceModeResult(m)
		case ReplyOK, ReplyBusy, ReplyTransferError, ReplyUnsupported,
			ReplyServiceModeEntered, ReplyNormalResumed, ReplyTrackPowerOff, ReplyStatus:
			return nil
		}
	}
	return []ValidationError{{
		Type:    AnomalyUnknownType,
		Message: fmt.Sprintf("Unknown message type 0x%02X", p.Type()),
		Details: map[string]any{"type": p.Type()},
	}}
}

func validateAddress(name string, addr uint64) []ValidationError {
	if addr < MinAccessoryAddress || addr > MaxAccessoryAddress {
		return []ValidationError{{
			Type: AnomalyInvalidAddress,
			Message: fmt.Sprintf("%s address out of range (%d, valid: %d-%d)",
				name, addr, MinAccessoryAddress, MaxAccessoryAddress),
			Details: map[string]any{"address": addr},
		}}
	}
	return nil
}

func validateAddressField(name string, m map[int]any) []ValidationError {
	addr, ok := GetMapUint(m, 0)
	if !ok {
		return []ValidationError{{
			Type:    AnomalyMissingField,
			Message: name + " missing address",
		}}
	}
	return validateAddress(name, addr)
}

// validateAccessoryOperation validates ACCESSORY_OPERATION packet
func validateAccessoryOperation(m map[int]any) []ValidationError {
	errors := validateAddressField("ACCESSORY_OPERATION", m)

	out, ok := GetMapUint(m, 1)
	if !ok {
		errors = append(errors, ValidationError{
			Type:    AnomalyMissingField,
			Message: "ACCESSORY_OPERATION missing output",
		})
	} else if out != OutputClosed && out != OutputThrown {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid accessory output %d (valid: 0-1)", out),
			Details: map[string]any{"output": out},
		})
	}

	if _, ok := GetMapBool(m, 2); !ok {
		errors = append(errors, ValidationError{
			Type:    AnomalyMissingField,
			Message: "ACCESSORY_OPERATION missing activate flag",
		})
	}
	return errors
}

func validateCV(m map[int]any) []ValidationError {
	cv, ok := GetMapUint(m, 0)
	if !ok {
		return []ValidationError{{Type: AnomalyMissingField, Message: "missing CV"}}
	}
	if cv < 1 || cv > MaxCV {
		return []ValidationError{{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("CV out of range (%d, valid: 1-%d)", cv, MaxCV),
			Details: map[string]any{"cv": cv},
		}}
	}
	return nil
}

// validateFeedback validates FEEDBACK packet
func validateFeedback(m map[int]any) []ValidationError {
	items, ok := GetMapArray(m, 0)
	if !ok {
		return []ValidationError{{Type: AnomalyMissingField, Message: "FEEDBACK missing items"}}
	}

	var errors []ValidationError
	slots := make(map[int]int)
	for i, raw := range items {
		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			errors = append(errors, ValidationError{
				Type:    AnomalyDecodeError,
				Message: fmt.Sprintf("FEEDBACK item %d is not an [address, state] pair", i),
			})
			continue
		}
		addr, _ := asUint(pair[0])
		state, _ := asUint(pair[1])
		errors = append(errors, validateAddress("FEEDBACK", addr)...)
		if state > 3 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Message: fmt.Sprintf("Invalid accessory state %d for address %d", state, addr),
				Details: map[string]any{"address": addr, "state": state},
			})
		}
		slots[Slot(int(addr))]++
	}
	for slot, n := range slots {
		if n > 2 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Message: fmt.Sprintf("FEEDBACK reports %d accessories in slot %d (max 2)", n, slot),
				Details: map[string]any{"slot": slot, "count": n},
			})
		}
	}
	return errors
}

func validateServiceModeResult(m map[int]any) []ValidationError {
	errors := validateCV(m)
	value, ok := GetMapUint(m, 1)
	if !ok {
		return append(errors, ValidationError{Type: AnomalyMissingField, Message: "SERVICE_MODE_RESULT missing value"})
	}
	if value > 255 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("CV value out of range (%d, valid: 0-255)", value),
			Details: map[string]any{"value": value},
		})
	}
	return errors
}
