// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/engine"
	"github.com/Thermoquad/switchyard/pkg/xbus"
)

var (
	discoveryTimeout int
	discoveryFrom    int
	discoveryTo      int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Discover accessory states via ACCESSORY_INFO",
	Long: `Ask the station for the state of every accessory in an address range.

One ACCESSORY_INFO is queued per feedback slot; the station answers with the
state of both accessories sharing the slot. Requests go out at polling
priority, so they never delay commands issued by other tools on the same
engine.

Accessories reporting "unknown" have never been switched since the station
powered up, or have no feedback contact.

Exit codes:
  0 - Discovery successful (at least one accessory with a known state)
  1 - Discovery failed (no answers or timeout)
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 10, "Timeout in seconds for the whole discovery")
	discoveryCmd.Flags().IntVar(&discoveryFrom, "from", 1, "First accessory address")
	discoveryCmd.Flags().IntVar(&discoveryTo, "to", 32, "Last accessory address")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	if discoveryFrom < xbus.MinAccessoryAddress || discoveryTo > xbus.MaxAccessoryAddress || discoveryFrom > discoveryTo {
		return fmt.Errorf("invalid address range %d-%d", discoveryFrom, discoveryTo)
	}

	ctx := cmd.Context()
	s, err := startSession(ctx, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Switchyard - Accessory Discovery\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Range: %d-%d\n", discoveryFrom, discoveryTo)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)

	// One request per slot, addressed by its odd member
	var tickets []*engine.Ticket
	for slot := xbus.Slot(discoveryFrom); slot <= xbus.Slot(discoveryTo); slot++ {
		tk, err := s.station.Send(ctx, xbus.NewAccessoryInfo(slot*2+1), nil)
		if err != nil {
			return err
		}
		tickets = append(tickets, tk)
	}
	fmt.Printf("Queued %d ACCESSORY_INFO requests...\n", len(tickets))

	wctx, cancel := context.WithTimeout(ctx, time.Duration(discoveryTimeout)*time.Second)
	defer cancel()

	states := make(map[int]bus.AccessoryState)
	failed := 0
	for _, tk := range tickets {
		st, err := tk.Wait(wctx)
		if err != nil {
			fmt.Printf("\nTIMEOUT: discovery incomplete after %ds\n", discoveryTimeout)
			break
		}
		if !st.Success() {
			failed++
			continue
		}
		for _, r := range st.Replies {
			for _, it := range r.FeedbackItems() {
				if it.Address >= discoveryFrom && it.Address <= discoveryTo {
					states[it.Address] = it.State
				}
			}
		}
	}

	addrs := make([]int, 0, len(states))
	known := 0
	for a, st := range states {
		addrs = append(addrs, a)
		if st.Definite() {
			known++
		}
	}
	sort.Ints(addrs)

	fmt.Println()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Address", "Slot", "State"})
	for _, a := range addrs {
		tw.AppendRow(table.Row{a, xbus.Slot(a), states[a]})
	}
	tw.Render()

	// Summary
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Accessories reported: %d\n", len(addrs))
	fmt.Printf("Known state: %d\n", known)
	if failed > 0 {
		fmt.Printf("Failed requests: %d\n", failed)
	}

	if known == 0 {
		fmt.Printf("No accessory with a known state. Check the connection and station power.\n")
		os.Exit(1)
	}
	return nil
}
