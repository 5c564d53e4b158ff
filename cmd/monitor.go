// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/internal/config"
	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/xbus"
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"control"},
	Short:   "Interactive TUI for monitoring and switching accessories",
	Long: `Monitor the command station and switch accessories via an interactive
terminal UI.

Features:
  - Accessory states from feedback (ours and other controllers')
  - Engine statistics, link phase and queue depth
  - Switching accessories, track power off and resume
  - Alerts when another controller switches an accessory we are driving
  - Event logging
  - Automatic reconnection on connection loss

Type an accessory address, then press c (closed), t (thrown) or i (query).
p switches track power off, r resumes operations.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// connectionManager handles session lifecycle and reconnection
type connectionManager struct {
	ctx  context.Context
	log  *zap.Logger
	sess *session
	mu   sync.RWMutex
	p    *tea.Program
	done chan struct{}

	// Frames seen by the link tap, batched for the TUI
	frames chan monitorFrameMsg
}

func (cm *connectionManager) getSession() *session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.sess
}

func (cm *connectionManager) setSession(s *session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sess = s
}

// terminalLogging reports whether any log output would draw over the TUI.
func terminalLogging(c config.LogConfig) bool {
	for _, out := range c.Outputs {
		if out == "stdout" || out == "stderr" {
			return true
		}
	}
	return false
}

func runMonitor(cmd *cobra.Command, args []string) error {
	log := logger
	if terminalLogging(cfg.Log) {
		log = zap.NewNop()
	}

	cm := &connectionManager{
		ctx:    cmd.Context(),
		log:    log,
		done:   make(chan struct{}),
		frames: make(chan monitorFrameMsg, 256),
	}

	// Open initial session (serial or WebSocket)
	s, err := cm.open()
	if err != nil {
		return err
	}
	cm.setSession(s)

	m := initialMonitorModel(cm, s.info)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.mu.Lock()
	cm.p = p
	cm.mu.Unlock()

	go cm.sessionLoop()
	go cm.batchLoop()

	_, err = p.Run()
	close(cm.done)
	if s := cm.getSession(); s != nil {
		s.Close()
	}
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// open starts a session whose frames and unsolicited replies feed the TUI.
func (cm *connectionManager) open() (*session, error) {
	tap := func(p *xbus.Packet, dir xbus.Direction) {
		select {
		case cm.frames <- monitorFrameMsg{packet: p, dir: dir}:
		default:
		}
	}
	s, err := startSession(cm.ctx, cm.log, tap)
	if err != nil {
		return nil, err
	}
	s.station.Subscribe(func(r bus.Reply) {
		// Observers run on the engine goroutine; never block it on the TUI
		go cm.send(monitorReplyMsg{reply: r})
	})
	return s, nil
}

func (cm *connectionManager) send(msg tea.Msg) {
	cm.mu.RLock()
	p := cm.p
	cm.mu.RUnlock()
	if p == nil {
		return
	}
	select {
	case <-cm.done:
	default:
		p.Send(msg)
	}
}

// sessionLoop waits for the current session to end and replaces it
func (cm *connectionManager) sessionLoop() {
	for {
		s := cm.getSession()
		select {
		case <-cm.done:
			return
		case <-s.Done():
		}

		select {
		case <-cm.done:
			return
		default:
		}

		cm.send(connectionLostMsg{})
		s.Close()

		if !cm.reconnect() {
			return // Shutdown requested during reconnect
		}
	}
}

// batchLoop sends tapped frames to the TUI at a fixed rate
func (cm *connectionManager) batchLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-cm.done:
			return
		case <-ticker.C:
			var batch monitorBatchMsg
		drainLoop:
			for {
				select {
				case f := <-cm.frames:
					batch.frames = append(batch.frames, f)
				default:
					break drainLoop
				}
			}
			if len(batch.frames) > 0 {
				cm.send(batch)
			}
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		s, err := cm.open()
		if err == nil {
			cm.setSession(s)
			cm.send(reconnectedMsg{connInfo: s.info, session: s.id})
			return true
		}
		cm.log.Debug("reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
