// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/xbus"
)

var rawLogValidate bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously decode and display command station packets as they arrive.

Shows each packet with timestamp, message type, and decoded payload data.
Nothing is sent to the station, so this is safe to run next to another
controller. With --validate, protocol anomalies are printed below the packet.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogValidate, "validate", false, "Print validation anomalies")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	// Open connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection(cmd.Context(), cfg.Link)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Switchyard - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := xbus.NewDecoder()
	buf := make([]byte, xbus.MaxPacketSize)

	for {
		n, err := conn.Read(buf)
		for i := range n {
			packet, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if packet == nil {
				continue
			}
			fmt.Print(xbus.FormatPacket(packet, xbus.FromStation))
			if rawLogValidate {
				for _, v := range xbus.ValidatePacket(packet, xbus.FromStation) {
					fmt.Printf("  ! %s\n", v.Message)
				}
			}
		}
		if err != nil {
			// A closed WebSocket or EOF is permanent - exit gracefully
			if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
				logger.Info("connection closed")
				return nil
			}
			logger.Warn("read error", zap.Error(err))
		}
	}
}
