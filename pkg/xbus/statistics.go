// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PacketStatistics tracks wire-level packet and error counters
type PacketStatistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets     uint64
	ValidPackets     uint64
	CRCErrors        uint64
	DecodeErrors     uint64
	MalformedPackets uint64
	UnknownTypes     uint64
	MissingFields    uint64
	InvalidAddresses uint64
	InvalidValues    uint64
	Feedback         uint64
	Rejections       uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec
}

// NewPacketStatistics creates a new statistics tracker
func NewPacketStatistics() *PacketStatistics {
	now := time.Now()
	return &PacketStatistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update counts a packet, or a decode error when packet is nil.
func (s *PacketStatistics) Update(packet *Packet, decodeErr error, validationErrors []ValidationError) {
	s.TotalPackets++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrCRCMismatch) {
			s.CRCErrors++
		} else {
			s.DecodeErrors++
		}
		return
	}

	if len(validationErrors) == 0 {
		s.ValidPackets++
	} else {
		s.MalformedPackets++
		for _, err := range validationErrors {
			switch err.Type {
			case AnomalyUnknownType:
				s.UnknownTypes++
			case AnomalyMissingField:
				s.MissingFields++
			case AnomalyInvalidAddress:
				s.InvalidAddresses++
			case AnomalyInvalidValue:
				s.InvalidValues++
			case AnomalyDecodeError:
				s.DecodeErrors++
			}
		}
	}

	if packet == nil {
		return
	}
	switch packet.Type() {
	case ReplyFeedback:
		s.Feedback++
	case ReplyBusy, ReplyTransferError, ReplyUnsupported:
		s.Rejections++
	}
}

// Errors returns the number of packets that failed decoding or validation.
func (s *PacketStatistics) Errors() uint64 {
	return s.CRCErrors + s.DecodeErrors + s.MalformedPackets
}

// CalculateRates calculates packet and error rates
func (s *PacketStatistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *PacketStatistics) String() string {
	s.CalculateRates()

	percent := func(n uint64) float64 {
		if s.TotalPackets == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalPackets)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", time.Since(s.StartTime).Seconds())
	fmt.Fprintf(&b, "Total Packets:   %8d\n", s.TotalPackets)
	fmt.Fprintf(&b, "Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, percent(s.ValidPackets))

	if s.CRCErrors > 0 {
		fmt.Fprintf(&b, "CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, percent(s.CRCErrors))
	}
	if s.DecodeErrors > 0 {
		fmt.Fprintf(&b, "Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors))
	}
	if s.MalformedPackets > 0 {
		fmt.Fprintf(&b, "Malformed Pkts:  %8d (%.1f%%)\n", s.MalformedPackets, percent(s.MalformedPackets))
		if s.UnknownTypes > 0 {
			fmt.Fprintf(&b, "  Unknown Type:     %5d\n", s.UnknownTypes)
		}
		if s.MissingFields > 0 {
			fmt.Fprintf(&b, "  Missing Field:    %5d\n", s.MissingFields)
		}
		if s.InvalidAddresses > 0 {
			fmt.Fprintf(&b, "  Bad Address:      %5d\n", s.InvalidAddresses)
		}
		if s.InvalidValues > 0 {
			fmt.Fprintf(&b, "  Bad Value:        %5d\n", s.InvalidValues)
		}
	}
	fmt.Fprintf(&b, "Feedback:        %8d\n", s.Feedback)
	if s.Rejections > 0 {
		fmt.Fprintf(&b, "Rejections:      %8d\n", s.Rejections)
	}

	fmt.Fprintf(&b, "Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")
	return b.String()
}
