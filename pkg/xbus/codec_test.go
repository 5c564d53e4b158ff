// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// decodeAll feeds bytes through a fresh decoder and collects packets and
// errors.
func decodeAll(data []byte) ([]*Packet, []error) {
	d := NewDecoder()
	var packets []*Packet
	var errs []error
	for _, b := range data {
		p, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if p != nil {
			packets = append(packets, p)
		}
	}
	return packets, errs
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_Empty(t *testing.T) {
	if crc := CalculateCRC([]byte{}); crc != crcInitial {
		t.Errorf("CRC of empty data should be initial value, got 0x%04X", crc)
	}
}

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{
			name:     "ASCII '123456789'",
			data:     []byte("123456789"),
			expected: 0x29B1, // Standard CRC-16-CCITT check value
		},
		{
			name:     "single zero byte",
			data:     []byte{0x00},
			expected: 0xE1F0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if crc := CalculateCRC(tt.data); crc != tt.expected {
				t.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", tt.expected, crc)
			}
		})
	}
}

// ============================================================
// Stuffing Tests
// ============================================================

func TestStuffBytes(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"plain", []byte{0x01, 0x02}, []byte{0x01, 0x02}},
		{"start", []byte{StartByte}, []byte{EscByte, StartByte ^ EscXor}},
		{"end", []byte{EndByte}, []byte{EscByte, EndByte ^ EscXor}},
		{"escape", []byte{EscByte}, []byte{EscByte, EscByte ^ EscXor}},
		{"mixed", []byte{0x10, StartByte, 0x20, EndByte}, []byte{0x10, EscByte, 0x5E, 0x20, EscByte, 0x5F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stuffBytes(tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("stuffBytes(% X) = % X, want % X", tt.in, got, tt.want)
			}
			back, err := UnstuffBytes(got)
			if err != nil {
				t.Fatalf("UnstuffBytes: %v", err)
			}
			if !bytes.Equal(back, tt.in) {
				t.Errorf("UnstuffBytes(% X) = % X, want % X", got, back, tt.in)
			}
		})
	}
}

func TestUnstuffBytes_IncompleteEscape(t *testing.T) {
	if _, err := UnstuffBytes([]byte{0x01, EscByte}); err == nil {
		t.Error("expected error for trailing escape byte")
	}
}

// ============================================================
// Encoder / Decoder Tests
// ============================================================

func TestEncodePacket_Framing(t *testing.T) {
	data, err := NewStatusRequest().Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if data[0] != StartByte || data[len(data)-1] != EndByte {
		t.Fatalf("missing framing: % X", data)
	}
	for i, b := range data[1 : len(data)-1] {
		if b == StartByte || b == EndByte {
			t.Errorf("unescaped framing byte 0x%02X at %d", b, i+1)
		}
	}

	body, err := UnstuffBytes(data[1 : len(data)-1])
	if err != nil {
		t.Fatalf("UnstuffBytes: %v", err)
	}
	length := int(body[0])
	if length != len(body)-3 {
		t.Errorf("length byte %d does not match body of %d bytes", length, len(body))
	}
	crc := uint16(body[len(body)-2])<<8 | uint16(body[len(body)-1])
	if want := CalculateCRC(body[:len(body)-2]); crc != want {
		t.Errorf("CRC 0x%04X, want 0x%04X (big-endian)", crc, want)
	}
}

func TestDecoder_AccessoryOperation(t *testing.T) {
	data, err := NewAccessoryOperation(126, OutputThrown, true).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	packets, errs := decodeAll(data)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}
	p := packets[0]
	if p.Type() != MsgAccessoryOperation {
		t.Errorf("type 0x%02X, want 0x%02X", p.Type(), MsgAccessoryOperation)
	}
	if !bytes.Equal(p.Raw(), data) {
		t.Errorf("raw bytes % X, want % X", p.Raw(), data)
	}

	cmd, err := CommandFromPacket(p)
	if err != nil {
		t.Fatalf("CommandFromPacket: %v", err)
	}
	if cmd.Address() != 126 || cmd.Output() != OutputThrown || !cmd.Activate() {
		t.Errorf("decoded %s", cmd)
	}
}

func TestDecoder_Errors(t *testing.T) {
	body, err := encodeCBORPayload(MsgStatusRequest, nil)
	if err != nil {
		t.Fatalf("encodeCBORPayload: %v", err)
	}
	body = append([]byte{byte(len(body))}, body...)
	crc := CalculateCRC(body) + 1
	body = append(body, byte(crc>>8), byte(crc&0xFF))
	corrupt := append(append([]byte{StartByte}, stuffBytes(body)...), EndByte)

	tests := []struct {
		name  string
		data  []byte
		errIs string
	}{
		{"crc mismatch", corrupt, "CRC mismatch"},
		{"length too large", []byte{StartByte, MaxPayloadSize + 1}, "invalid length"},
		{"early end", []byte{StartByte, 0x02, 0x01, EndByte}, "unexpected END"},
		{"double escape", []byte{StartByte, EscByte, EscByte}, "double escape"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packets, errs := decodeAll(tt.data)
			if len(packets) != 0 {
				t.Errorf("expected no packets, got %d", len(packets))
			}
			if len(errs) != 1 || !strings.Contains(errs[0].Error(), tt.errIs) {
				t.Errorf("errors %v, want one containing %q", errs, tt.errIs)
			}
		})
	}
}

func TestDecoder_ResyncsOnStart(t *testing.T) {
	good, err := NewOKReply().Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Garbage, then a truncated frame, then a good one.
	data := append([]byte{0x00, 0x13, StartByte, 0x05, 0x01}, good...)

	packets, errs := decodeAll(data)
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if len(packets) != 1 || packets[0].Type() != ReplyOK {
		t.Fatalf("expected one OK packet, got %d", len(packets))
	}
}

func TestDecoder_EndWhileIdleIsIgnored(t *testing.T) {
	packets, errs := decodeAll([]byte{EndByte, EndByte})
	if len(packets) != 0 || len(errs) != 0 {
		t.Errorf("got %d packets, errors %v", len(packets), errs)
	}
}

func TestEncodePacket_PayloadTooLarge(t *testing.T) {
	items := make([]any, 0, 64)
	for i := range 64 {
		items = append(items, []any{uint64(1000 + i), uint64(2)})
	}
	if _, err := EncodePacketFromValues(ReplyFeedback, map[int]any{0: items}); err == nil {
		t.Error("expected error for oversized payload")
	}
}

// ============================================================
// CBOR Tests
// ============================================================

func TestParseCBORMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not an array", []byte{0x01}},
		{"one element", []byte{0x81, 0x01}},
		{"string type", []byte{0x82, 0x61, 0x41, 0xF6}},
		{"array payload", []byte{0x82, 0x01, 0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseCBORMessage(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGetMapHelpers(t *testing.T) {
	m := map[int]any{
		0: uint64(7),
		1: int64(-3),
		2: true,
		3: []any{uint64(1)},
	}
	if v, ok := GetMapUint(m, 0); !ok || v != 7 {
		t.Errorf("GetMapUint = %d, %v", v, ok)
	}
	if _, ok := GetMapUint(m, 1); ok {
		t.Error("GetMapUint accepted a negative value")
	}
	if v, ok := GetMapInt(m, 1); !ok || v != -3 {
		t.Errorf("GetMapInt = %d, %v", v, ok)
	}
	if v, ok := GetMapBool(m, 2); !ok || !v {
		t.Errorf("GetMapBool = %v, %v", v, ok)
	}
	if v, ok := GetMapArray(m, 3); !ok || len(v) != 1 {
		t.Errorf("GetMapArray = %v, %v", v, ok)
	}
	if _, ok := GetMapUint(nil, 0); ok {
		t.Error("GetMapUint on nil map")
	}
}

// ============================================================
// Formatter / Validator Tests
// ============================================================

func TestFormatPacket(t *testing.T) {
	tests := []struct {
		name string
		p    *Packet
		dir  Direction
		want []string
	}{
		{
			name: "accessory operation",
			p:    NewAccessoryOperation(5, OutputClosed, true).Packet(),
			dir:  ToStation,
			want: []string{"ACCESSORY_OPERATION (0x52)", "Address: 5", "Activate: Yes"},
		},
		{
			name: "feedback",
			p:    NewFeedbackReply(true, feedbackItem(5, 1), feedbackItem(6, 0)).Packet(),
			dir:  FromStation,
			want: []string{"FEEDBACK (0x42)", "Broadcast: Yes", "Address 5 (slot 2): CLOSED", "Address 6 (slot 2): UNKNOWN"},
		},
		{
			name: "status",
			p:    NewStatusReply(StatusEmergencyOff | StatusServiceMode).Packet(),
			dir:  FromStation,
			want: []string{"STATUS", "EMERGENCY_OFF|SERVICE_MODE"},
		},
		{
			name: "same code read as command",
			p:    NewAccessoryInfo(9).Packet(),
			dir:  ToStation,
			want: []string{"ACCESSORY_INFO (0x42)", "Slot: 4"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FormatPacket(tt.p, tt.dir)
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestValidatePacket(t *testing.T) {
	tests := []struct {
		name    string
		p       *Packet
		dir     Direction
		anomaly []AnomalyType
	}{
		{"valid operation", NewAccessoryOperation(1, OutputThrown, false).Packet(), ToStation, nil},
		{"address zero", NewPacketWithPayload(MsgAccessoryOperation, map[int]any{0: uint64(0), 1: uint64(0), 2: true}), ToStation, []AnomalyType{AnomalyInvalidAddress}},
		{"bad output", NewPacketWithPayload(MsgAccessoryOperation, map[int]any{0: uint64(3), 1: uint64(4), 2: true}), ToStation, []AnomalyType{AnomalyInvalidValue}},
		{"missing fields", NewPacketWithPayload(MsgAccessoryOperation, nil), ToStation, []AnomalyType{AnomalyMissingField, AnomalyMissingField, AnomalyMissingField}},
		{"cv range", NewServiceModeRead(2000).Packet(), ToStation, []AnomalyType{AnomalyInvalidValue}},
		{"valid feedback", NewFeedbackReply(false, feedbackItem(3, 2)).Packet(), FromStation, nil},
		{"feedback bad state", NewPacketWithPayload(ReplyFeedback, map[int]any{0: []any{[]any{uint64(3), uint64(9)}}}), FromStation, []AnomalyType{AnomalyInvalidValue}},
		{"crowded slot", NewFeedbackReply(false, feedbackItem(3, 1), feedbackItem(4, 1), feedbackItem(3, 2)).Packet(), FromStation, []AnomalyType{AnomalyInvalidValue}},
		{"unknown reply", NewPacketWithPayload(0x99, nil), FromStation, []AnomalyType{AnomalyUnknownType}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidatePacket(tt.p, tt.dir)
			if len(got) != len(tt.anomaly) {
				t.Fatalf("got %d anomalies %v, want %d", len(got), got, len(tt.anomaly))
			}
			for i, v := range got {
				if v.Type != tt.anomaly[i] {
					t.Errorf("anomaly %d: type %d (%s), want %d", i, v.Type, v.Message, tt.anomaly[i])
				}
			}
		})
	}
}

// ============================================================
// Packet Statistics Tests
// ============================================================

func TestPacketStatistics(t *testing.T) {
	s := NewPacketStatistics()

	good := NewAccessoryOperation(5, OutputThrown, true).Packet()
	s.Update(good, nil, ValidatePacket(good, ToStation))

	fb := NewFeedbackReply(true, feedbackItem(5, 2)).Packet()
	s.Update(fb, nil, ValidatePacket(fb, FromStation))

	busy := NewBusyReply().Packet()
	s.Update(busy, nil, nil)

	bad := NewPacketWithPayload(MsgAccessoryOperation, map[int]any{0: uint64(4000), 1: uint64(0), 2: true})
	s.Update(bad, nil, ValidatePacket(bad, ToStation))

	s.Update(nil, ErrCRCMismatch, nil)
	s.Update(nil, errors.New("double escape"), nil)

	if s.TotalPackets != 6 {
		t.Errorf("TotalPackets = %d, want 6", s.TotalPackets)
	}
	if s.ValidPackets != 3 {
		t.Errorf("ValidPackets = %d, want 3", s.ValidPackets)
	}
	if s.CRCErrors != 1 || s.DecodeErrors != 1 {
		t.Errorf("CRCErrors = %d, DecodeErrors = %d, want 1 and 1", s.CRCErrors, s.DecodeErrors)
	}
	if s.MalformedPackets != 1 || s.InvalidAddresses != 1 {
		t.Errorf("MalformedPackets = %d, InvalidAddresses = %d, want 1 and 1", s.MalformedPackets, s.InvalidAddresses)
	}
	if s.Feedback != 1 || s.Rejections != 1 {
		t.Errorf("Feedback = %d, Rejections = %d, want 1 and 1", s.Feedback, s.Rejections)
	}
	if s.Errors() != 3 {
		t.Errorf("Errors() = %d, want 3", s.Errors())
	}

	out := s.String()
	for _, w := range []string{"Total Packets:", "CRC Errors:", "Bad Address:"} {
		if !strings.Contains(out, w) {
			t.Errorf("summary missing %q:\n%s", w, out)
		}
	}
}
