// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"fmt"
	"strings"
	"time"
)

// Statistics tracks command and reply counters
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Commands
	Submitted  uint64
	Sent       uint64
	Replayed   uint64
	Finished   uint64
	Rejected   uint64
	Expired    uint64
	Failed     uint64
	Cancelled  uint64
	Concurrent uint64

	// Replies
	Solicited   uint64
	Unsolicited uint64

	// Rates (calculated)
	CommandRate float64 // commands/sec
	ReplyRate   float64 // replies/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

func (s *Statistics) touch() {
	s.LastUpdateTime = time.Now()
}

// CalculateRates calculates command and reply rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.CommandRate = float64(s.Sent) / elapsed
		s.ReplyRate = float64(s.Solicited+s.Unsolicited) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var finishedPercent float64
	if s.Submitted > 0 {
		finishedPercent = float64(s.Finished) * 100.0 / float64(s.Submitted)
	}

	elapsed := time.Since(s.StartTime)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&b, "Submitted:       %8d\n", s.Submitted)
	fmt.Fprintf(&b, "Sent:            %8d\n", s.Sent)
	fmt.Fprintf(&b, "Finished:        %8d (%.1f%%)\n", s.Finished, finishedPercent)

	if s.Replayed > 0 {
		fmt.Fprintf(&b, "Replayed:        %8d\n", s.Replayed)
	}
	if s.Rejected > 0 {
		fmt.Fprintf(&b, "Rejected:        %8d\n", s.Rejected)
	}
	if s.Expired > 0 {
		fmt.Fprintf(&b, "Expired:         %8d\n", s.Expired)
	}
	if s.Failed > 0 {
		fmt.Fprintf(&b, "Failed:          %8d\n", s.Failed)
	}
	if s.Cancelled > 0 {
		fmt.Fprintf(&b, "Cancelled:       %8d\n", s.Cancelled)
	}
	if s.Concurrent > 0 {
		fmt.Fprintf(&b, "Concurrent Ops:  %8d\n", s.Concurrent)
	}

	fmt.Fprintf(&b, "Replies:         %8d solicited, %d unsolicited\n", s.Solicited, s.Unsolicited)
	fmt.Fprintf(&b, "Command Rate:    %8.1f cmds/sec\n", s.CommandRate)
	fmt.Fprintf(&b, "Reply Rate:      %8.1f replies/sec\n", s.ReplyRate)
	b.WriteString("================================\n")

	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
