// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/switchyard/pkg/xbus"
)

var (
	statusTimeout int
	statusCount   int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the command station status",
	Long: `Send STATUS_REQUEST packets through the engine and print the station's
operating flags and round-trip time.

This is useful for verifying:
  - The connection is established
  - HTTP Basic authentication works (WebSocket)
  - The station answers commands
  - Whether the track is powered and the station is in service mode

Exit codes:
  0 - All requests answered
  1 - One or more requests failed/timed out
  2 - Connection error`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusTimeout, "timeout", 5, "Timeout in seconds for each request")
	statusCmd.Flags().IntVar(&statusCount, "count", 3, "Number of requests to send")
}

// describeFlags names the set status flags
func describeFlags(flags uint8) string {
	var parts []string
	if flags&xbus.StatusEmergencyOff != 0 {
		parts = append(parts, "track power off")
	}
	if flags&xbus.StatusEmergencyStop != 0 {
		parts = append(parts, "emergency stop")
	}
	if flags&xbus.StatusServiceMode != 0 {
		parts = append(parts, "service mode")
	}
	if flags&xbus.StatusPowerUp != 0 {
		parts = append(parts, "powering up")
	}
	if len(parts) == 0 {
		return "normal operation"
	}
	return strings.Join(parts, ", ")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := startSession(ctx, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Switchyard - Station Status\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %d seconds per request\n", statusTimeout)
	fmt.Printf("Count: %d requests\n\n", statusCount)

	successCount := 0
	failCount := 0
	var total time.Duration

	for i := 1; i <= statusCount; i++ {
		fmt.Printf("Request %d/%d: ", i, statusCount)

		start := time.Now()
		tk, err := s.station.Send(ctx, xbus.NewStatusRequest(), nil)
		if err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, time.Duration(statusTimeout)*time.Second)
		st, err := tk.Wait(wctx)
		cancel()
		if err != nil {
			fmt.Printf("TIMEOUT (no response in %ds)\n", statusTimeout)
			tk.Detach()
			failCount++
			continue
		}

		rtt := time.Since(start)
		if !st.Success() {
			fmt.Printf("%s: %v\n", st.Result, st.Err)
			failCount++
			continue
		}

		flags, ok := uint8(0), false
		for _, r := range st.Replies {
			if reply, isXbus := r.(*xbus.Reply); isXbus {
				if flags, ok = reply.Flags(); ok {
					break
				}
			}
		}
		if ok {
			fmt.Printf("%s, rtt=%v\n", describeFlags(flags), rtt.Round(time.Millisecond))
		} else {
			fmt.Printf("answered without flags, rtt=%v\n", rtt.Round(time.Millisecond))
		}
		successCount++
		total += rtt

		// Small delay between requests
		if i < statusCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Status statistics ---\n")
	fmt.Printf("%d requests sent, %d answered, %.0f%% loss\n",
		statusCount, successCount, float64(failCount)/float64(max(statusCount, 1))*100)
	if successCount > 0 {
		fmt.Printf("average rtt=%v\n", (total / time.Duration(successCount)).Round(time.Millisecond))
	}
	stats := s.station.Stats()
	fmt.Println()
	fmt.Print(stats.String())

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
