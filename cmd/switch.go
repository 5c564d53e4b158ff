// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/engine"
	"github.com/Thermoquad/switchyard/pkg/xbus"
)

var (
	switchTimeout    int
	switchDeactivate bool
)

var switchCmd = &cobra.Command{
	Use:   "switch <address> <closed|thrown>",
	Short: "Switch an accessory and wait for the result",
	Long: `Send an ACCESSORY_OPERATION through the scheduling engine and wait until the
station and the accessory confirm it.

The output is pulsed: after the station's OK and the accessory's feedback the
engine switches the output off again after accessory.off_delay. Use
--deactivate to send only the "off" for an output left energised.

Exit codes:
  0 - Command confirmed
  1 - Command failed, timed out or was rejected
  2 - Connection error`,
	Args: cobra.ExactArgs(2),
	RunE: runSwitch,
}

func init() {
	rootCmd.AddCommand(switchCmd)
	switchCmd.Flags().IntVar(&switchTimeout, "timeout", 10, "Timeout in seconds to wait for confirmation")
	switchCmd.Flags().BoolVar(&switchDeactivate, "deactivate", false, "Only switch the output off")
	switchCmd.Flags().Duration("off-delay", xbus.DefaultOffDelay, "Delay before the automatic output off")
}

// parseAddress parses an accessory address
func parseAddress(s string) (int, error) {
	addr, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	if addr < xbus.MinAccessoryAddress || addr > xbus.MaxAccessoryAddress {
		return 0, fmt.Errorf("address %d out of range (%d-%d)", addr, xbus.MinAccessoryAddress, xbus.MaxAccessoryAddress)
	}
	return addr, nil
}

// parseOutput maps a commanded state name to the output driving it
func parseOutput(s string) (int, error) {
	switch strings.ToLower(s) {
	case "closed", "close", "c", "straight", "0":
		return xbus.OutputClosed, nil
	case "thrown", "throw", "t", "diverging", "1":
		return xbus.OutputThrown, nil
	}
	return 0, fmt.Errorf("invalid state %q (use closed or thrown)", s)
}

// printStatus prints the final status of a command
func printStatus(st *engine.Status) {
	fmt.Printf("Result: %s\n", st.Result)
	if st.Retries > 0 {
		fmt.Printf("Retries: %d\n", st.Retries)
	}
	for _, r := range st.Replies {
		fmt.Printf("  <- %s\n", r)
	}
	if st.Err != nil {
		fmt.Printf("Error: %v\n", st.Err)
	}
}

func runSwitch(cmd *cobra.Command, args []string) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	output, err := parseOutput(args[1])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := startSession(ctx, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("Switchyard - Switch\n")
	fmt.Printf("Connection: %s\n", s.info)

	// Report other controllers acting on the same accessory
	l := engine.Callbacks{
		OnConcurrent: func(_ *engine.Status, r bus.Reply) {
			fmt.Printf("  !! concurrent action by another controller: %s\n", r)
		},
	}

	c := xbus.NewAccessoryOperation(addr, output, !switchDeactivate)
	fmt.Printf("Sending %s\n\n", c)
	tk, err := s.station.Send(ctx, c, l)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, time.Duration(switchTimeout)*time.Second)
	defer cancel()
	st, err := tk.Wait(wctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "TIMEOUT: no result within %d seconds\n", switchTimeout)
		os.Exit(1)
	}
	printStatus(st)

	// Give the automatic "off" time to go out before the link closes
	if c.Activate() && st.Success() {
		deadline := time.Now().Add(cfg.Accessory.OffDelay + cfg.Engine.ReplyTimeout)
		for len(s.station.Records()) > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if !st.Success() {
		os.Exit(1)
	}
	return nil
}
