// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/xbus"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed packets and errors",
	Long: `Track packet errors, malformed data, and anomalous values with statistics.

This command validates each packet from the station and detects:
  - CRC errors and decode failures
  - Unknown message types and missing payload fields
  - Accessory addresses and CV values out of range
  - Feedback reporting more than two accessories per slot
  - Statistics and trends (packet rate, error rate, rejections)

By default, only errors are displayed. Use --show-all to display valid packets too.

Packets are validated in real-time, with errors highlighted immediately and
periodic statistics summaries displayed at configurable intervals.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all packets (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context(), cfg.Link)
	if err != nil {
		return err
	}
	defer conn.Close()

	if useTUI {
		return runTUIMode(conn, connInfo)
	}
	return runTextMode(conn, connInfo)
}

// packetScanner decodes a byte stream and holds back decode errors until the
// first good packet, since a stream joined mid-frame always starts with junk.
type packetScanner struct {
	decoder                *xbus.Decoder
	synchronized           bool
	invalidBytesBeforeSync int
}

func newPacketScanner() *packetScanner {
	return &packetScanner{decoder: xbus.NewDecoder()}
}

// feed decodes one byte. synced is true exactly when this byte completed the
// first packet.
func (s *packetScanner) feed(b byte) (packet *xbus.Packet, decodeErr error, synced bool) {
	packet, decodeErr = s.decoder.DecodeByte(b)
	if decodeErr != nil {
		if !s.synchronized {
			s.invalidBytesBeforeSync++
			return nil, nil, false
		}
		return nil, decodeErr, false
	}
	if packet != nil && !s.synchronized {
		s.synchronized = true
		synced = true
	}
	return packet, nil, synced
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> DECODE FAILED <<<\n\n")
}

// printValidationErrors prints validation errors for a packet
func printValidationErrors(packet *xbus.Packet, errs []xbus.ValidationError) {
	timestamp := packet.Timestamp().Format("15:04:05.000")
	msgType := xbus.FormatReplyType(packet.Type())

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X)\n", timestamp, msgType, packet.Type())
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, err := range errs {
		switch err.Type {
		case xbus.AnomalyInvalidAddress:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			fmt.Printf("    valid range %d-%d\n", xbus.MinAccessoryAddress, xbus.MaxAccessoryAddress)

		case xbus.AnomalyInvalidValue:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
			for k, v := range err.Details {
				fmt.Printf("    %s=%v\n", k, v)
			}

		case xbus.AnomalyUnknownType, xbus.AnomalyMissingField:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		default:
			fmt.Printf("  Issue %d: %s\n", i+1, err.Message)
		}
	}

	fmt.Printf("  >>> PACKET REJECTED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(conn Connection, connInfo string) error {
	scanner := newPacketScanner()

	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m)

	// Reader goroutine
	go func() {
		buf := make([]byte, xbus.MaxPacketSize)
		for {
			n, err := conn.Read(buf)
			for i := range n {
				packet, decodeErr, synced := scanner.feed(buf[i])
				if synced {
					p.Send(syncMsg{invalidBytes: scanner.invalidBytesBeforeSync})
				}
				switch {
				case decodeErr != nil:
					p.Send(serialDataMsg{decodeErr: decodeErr})
				case packet != nil:
					p.Send(serialDataMsg{
						packet:           packet,
						validationErrors: xbus.ValidatePacket(packet, xbus.FromStation),
					})
				}
			}
			if err != nil {
				if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
					p.Send(connectionLostMsg{})
					return
				}
				logger.Debug("read error", zap.Error(err))
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runTextMode runs error detection in text mode
func runTextMode(conn Connection, connInfo string) error {
	fmt.Printf("Switchyard - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All packets\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	scanner := newPacketScanner()
	stats := xbus.NewPacketStatistics()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	// Channel for non-blocking reads
	readBuf := make(chan []byte, 10)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, xbus.MaxPacketSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readBuf <- data
			}
			if err != nil {
				if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
					readErr <- err
					return
				}
				logger.Debug("read error", zap.Error(err))
			}
		}
	}()

	for {
		select {
		case data := <-readBuf:
			for _, b := range data {
				packet, decodeErr, synced := scanner.feed(b)
				if synced {
					if scanner.invalidBytesBeforeSync > 0 {
						fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", scanner.invalidBytesBeforeSync)
					} else {
						fmt.Printf("[SYNC] Synchronized\n\n")
					}
				}

				if decodeErr != nil {
					stats.Update(nil, decodeErr, nil)
					printDecodeError(decodeErr)
					continue
				}
				if packet == nil {
					continue
				}

				validationErrors := xbus.ValidatePacket(packet, xbus.FromStation)
				stats.Update(packet, nil, validationErrors)
				if len(validationErrors) > 0 {
					printValidationErrors(packet, validationErrors)
				} else if showAll {
					fmt.Print(xbus.FormatPacket(packet, xbus.FromStation))
				}
			}

		case err := <-readErr:
			fmt.Printf("\nConnection closed: %v\n\n", err)
			fmt.Print(stats.String())
			return nil

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
