// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package xbus implements the command station link protocol used by
// switchyard: packet framing and CRC, CBOR payloads, the command and reply
// types the engine schedules and correlates, the accessory handler, a link
// transport and a simulated command station.
//
// Frames are START | stuffed(length | CBOR[type, map] | CRC16) | END. The
// CRC is CRC-16-CCITT over the unstuffed length and payload, sent big-endian.
package xbus

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Packet size limits
const (
	MaxPayloadSize = 114
	MaxPacketSize  = 1 + MaxPayloadSize + 2 // length + payload + CRC
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Message types - Controller → Command station
const (
	MsgTrackPowerOff      = 0x21
	MsgResumeOperations   = 0x22
	MsgServiceModeEnter   = 0x23
	MsgServiceModeRead    = 0x24
	MsgStatusRequest      = 0x2F
	MsgAccessoryInfo      = 0x42
	MsgAccessoryOperation = 0x52
)

// Reply types - Command station → Controller
const (
	ReplyOK                 = 0x01
	ReplyFeedback           = 0x42
	ReplyServiceModeEntered = 0x61
	ReplyNormalResumed      = 0x62
	ReplyTrackPowerOff      = 0x63
	ReplyServiceModeResult  = 0x64
	ReplyStatus             = 0x6F
	ReplyBusy               = 0x81
	ReplyTransferError      = 0x82
	ReplyUnsupported        = 0x83
)

// Status flags carried by STATUS replies
const (
	StatusEmergencyOff  = 0x01
	StatusEmergencyStop = 0x02
	StatusServiceMode   = 0x08
	StatusPowerUp       = 0x40
)

// Accessory outputs. Output 0 drives the closed coil, output 1 the thrown
// coil.
const (
	OutputClosed = 0
	OutputThrown = 1
)

// Message priorities. Emergency messages jump ahead of everything queued.
const (
	PriorityEmergency = 10
	PriorityNormal    = 100
	PriorityPolling   = 150
)

// Decoder states
const (
	stateIdle = iota
	stateLength
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)
