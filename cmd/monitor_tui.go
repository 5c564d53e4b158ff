// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/engine"
	"github.com/Thermoquad/switchyard/pkg/xbus"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	monitorRefresh       = 500 * time.Millisecond
	monitorCommandWait   = 15 * time.Second
	monitorAccessoryRows = 24
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	connMgr  *connectionManager
	connInfo string

	// Traffic (reused from tui.go patterns)
	stats         *xbus.PacketStatistics
	errorLog      []errorLogEntry
	maxLogEntries int
	accessories   map[int]bus.AccessoryState

	// Engine snapshot, refreshed on every tick
	engineStats engine.Statistics
	phase       engine.LinkPhase
	eligible    int
	blocked     int
	pending     int

	// Control
	addressInput textinput.Model

	// UI state
	width          int
	height         int
	quitting       bool
	connectionLost bool
	trackOff       bool
	serviceMode    bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type monitorFrameMsg struct {
	packet *xbus.Packet
	dir    xbus.Direction
}

type monitorBatchMsg struct {
	frames []monitorFrameMsg
}

type monitorReplyMsg struct {
	reply bus.Reply
}

type commandResultMsg struct {
	command string
	status  *engine.Status
	err     error
}

type concurrentMsg struct {
	command string
	reply   bus.Reply
}

type reconnectedMsg struct {
	connInfo string
	session  string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialMonitorModel(connMgr *connectionManager, connInfo string) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "1"
	ti.CharLimit = 4
	ti.Width = 6
	ti.Prompt = "Address: "
	ti.Focus()

	return monitorModel{
		connMgr:       connMgr,
		connInfo:      connInfo,
		stats:         xbus.NewPacketStatistics(),
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		accessories:   make(map[int]bus.AccessoryState),
		addressInput:  ti,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(monitorTickCmd(), textinput.Blink)
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(monitorRefresh, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorTickMsg:
		m.stats.CalculateRates()
		m.refreshEngine()
		return m, monitorTickCmd()

	case monitorBatchMsg:
		for _, f := range msg.frames {
			m.processFrame(f)
		}

	case monitorReplyMsg:
		m.processReply(msg.reply)

	case commandResultMsg:
		m.pending--
		switch {
		case msg.err != nil:
			m.addLogEntry(fmt.Sprintf("%s: %v", msg.command, msg.err), true)
		case msg.status.Success():
			text := fmt.Sprintf("%s: %s", msg.command, msg.status.Result)
			if msg.status.Retries > 0 {
				text += fmt.Sprintf(" after %d retries", msg.status.Retries)
			}
			m.addLogEntry(text, false)
		default:
			m.addLogEntry(fmt.Sprintf("%s: %s (%v)", msg.command, msg.status.Result, msg.status.Err), true)
		}

	case concurrentMsg:
		m.addLogEntry(fmt.Sprintf("CONCURRENT: another controller acted during %s: %s", msg.command, msg.reply), true)

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.addLogEntry(fmt.Sprintf("Reconnected (session %s)", msg.session), false)
	}

	var cmd tea.Cmd
	m.addressInput, cmd = m.addressInput.Update(msg)
	return m, cmd
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit

	case "c":
		return m.sendAccessory(xbus.OutputClosed)

	case "t":
		return m.sendAccessory(xbus.OutputThrown)

	case "i", "enter":
		addr, err := parseAddress(m.address())
		if err != nil {
			m.addLogEntry(err.Error(), true)
			return m, nil
		}
		return m.submit(xbus.NewAccessoryInfo(addr))

	case "p":
		return m.submit(xbus.NewTrackPowerOff())

	case "r":
		return m.submit(xbus.NewResumeOperations())
	}

	// Only digits and editing keys reach the address field
	if msg.Type == tea.KeyRunes {
		for _, r := range msg.Runes {
			if r < '0' || r > '9' {
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.addressInput, cmd = m.addressInput.Update(msg)
	return m, cmd
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	s.WriteString(titleStyle.Render("SWITCHYARD MONITOR"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | c=closed t=thrown i=query p=power off r=resume q=quit", connStatus)))
	s.WriteString("\n")

	var mode []string
	if m.trackOff {
		mode = append(mode, errorStyle.Render("TRACK POWER OFF"))
	}
	if m.serviceMode {
		mode = append(mode, warningStyle.Render("SERVICE MODE"))
	}
	if len(mode) > 0 {
		s.WriteString(" " + strings.Join(mode, " "))
	}
	s.WriteString("\n\n")

	// Layout: left panel (accessories) | right panel (engine)
	leftWidth := 30
	rightWidth := max(m.width-leftWidth-6, 20)

	accessoryPanel := boxStyle.Width(leftWidth).Render(m.renderAccessories(statsLabelStyle, headerStyle))
	enginePanel := boxStyle.Width(rightWidth).Render(m.renderEngine(statsLabelStyle, statsValueStyle, errorStyle))
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, accessoryPanel, " ", enginePanel))
	s.WriteString("\n\n")

	// Statistics bar
	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	// Control
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.addressInput.View()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m monitorModel) renderAccessories(statsLabelStyle, headerStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("ACCESSORIES"))
	s.WriteString("\n")
	if len(m.accessories) == 0 {
		s.WriteString(headerStyle.Render("(no feedback yet)"))
		return s.String()
	}
	s.WriteString(strings.Join(accessorySummary(m.accessories, monitorAccessoryRows), "\n"))
	if extra := len(m.accessories) - monitorAccessoryRows; extra > 0 {
		s.WriteString(headerStyle.Render(fmt.Sprintf("\n... %d more", extra)))
	}
	return s.String()
}

func (m monitorModel) renderEngine(statsLabelStyle, statsValueStyle, errorStyle lipgloss.Style) string {
	st := m.engineStats
	row := func(label string, value any) string {
		return fmt.Sprintf("%s %s\n", statsLabelStyle.Render(fmt.Sprintf("%-12s", label)), statsValueStyle.Render(fmt.Sprint(value)))
	}

	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("ENGINE"))
	s.WriteString("\n")
	s.WriteString(row("Link:", m.phase))
	s.WriteString(row("Queue:", fmt.Sprintf("%d ready, %d waiting", m.eligible, m.blocked)))
	s.WriteString(row("Pending:", m.pending))
	s.WriteString(row("Sent:", fmt.Sprintf("%d (%d retried)", st.Sent, st.Replayed)))
	s.WriteString(row("Finished:", st.Finished))
	failures := st.Failed + st.Rejected + st.Expired
	if failures > 0 {
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render(fmt.Sprintf("%-12s", "Failed:")),
			errorStyle.Render(fmt.Sprintf("%d failed, %d rejected, %d expired", st.Failed, st.Rejected, st.Expired))))
	}
	if st.Concurrent > 0 {
		s.WriteString(fmt.Sprintf("%s %s\n", statsLabelStyle.Render(fmt.Sprintf("%-12s", "Concurrent:")),
			errorStyle.Render(fmt.Sprint(st.Concurrent))))
	}
	s.WriteString(row("Replies:", fmt.Sprintf("%d solicited, %d unsolicited", st.Solicited, st.Unsolicited)))
	return s.String()
}

func (m monitorModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	var validPercent, errorPercent float64
	if m.stats.TotalPackets > 0 {
		validPercent = float64(m.stats.ValidPackets) * 100.0 / float64(m.stats.TotalPackets)
		errorPercent = float64(m.stats.Errors()) * 100.0 / float64(m.stats.TotalPackets)
	}

	errText := statsValueStyle.Render("0.0%")
	if errorPercent > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Frames:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.TotalPackets)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", validPercent)),
		statsLabelStyle.Render("Errors:"), errText,
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkt/s", m.stats.PacketRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m monitorModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := min(8, len(m.errorLog))
	startIdx := len(m.errorLog) - logHeight

	if len(m.errorLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

// processFrame counts a frame seen on the link. Station frames also update
// the accessory table and the track state.
func (m *monitorModel) processFrame(f monitorFrameMsg) {
	if f.dir != xbus.FromStation {
		return
	}
	errs := xbus.ValidatePacket(f.packet, xbus.FromStation)
	m.stats.Update(f.packet, nil, errs)
	for _, err := range errs {
		m.addLogEntry(fmt.Sprintf("%s: %s", xbus.FormatReplyType(f.packet.Type()), err.Message), true)
	}

	r, err := xbus.ParseReply(f.packet)
	if err != nil {
		return
	}
	for _, it := range r.FeedbackItems() {
		m.accessories[it.Address] = it.State
	}
	switch r.Type() {
	case xbus.ReplyTrackPowerOff:
		m.trackOff = true
	case xbus.ReplyNormalResumed:
		m.trackOff = false
		m.serviceMode = false
	case xbus.ReplyServiceModeEntered:
		m.serviceMode = true
	}
}

// processReply logs replies the engine could not attribute to our commands
func (m *monitorModel) processReply(r bus.Reply) {
	items := r.FeedbackItems()
	if len(items) == 0 {
		m.addLogEntry(fmt.Sprintf("station: %s", r), false)
		return
	}
	for _, it := range items {
		if it.Consumed {
			continue
		}
		m.addLogEntry(fmt.Sprintf("Accessory %d: %s", it.Address, it.State), false)
	}
}

func (m *monitorModel) refreshEngine() {
	s := m.connMgr.getSession()
	if s == nil {
		return
	}
	m.engineStats = s.station.Stats()
	m.phase = s.station.LinkPhase()
	m.eligible, m.blocked = s.station.QueueDepth()
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func (m monitorModel) address() string {
	v := m.addressInput.Value()
	if v == "" {
		v = m.addressInput.Placeholder
	}
	return v
}

func (m monitorModel) sendAccessory(output int) (tea.Model, tea.Cmd) {
	addr, err := parseAddress(m.address())
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return m, nil
	}
	return m.submit(xbus.NewAccessoryOperation(addr, output, true))
}

// submit queues a command on the current session and reports its outcome
// as a commandResultMsg.
func (m monitorModel) submit(c *xbus.Command) (tea.Model, tea.Cmd) {
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return m, nil
	}
	s := m.connMgr.getSession()
	if s == nil {
		m.addLogEntry("Cannot send command: no connection", true)
		return m, nil
	}

	name := c.String()
	p := m.connMgr
	l := engine.Callbacks{
		OnConcurrent: func(_ *engine.Status, r bus.Reply) {
			go p.send(concurrentMsg{command: name, reply: r})
		},
	}
	tk, err := s.station.Send(p.ctx, c, l)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", name, err), true)
		return m, nil
	}
	m.pending++
	m.addLogEntry(fmt.Sprintf("Sent %s", name), false)

	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(p.ctx, monitorCommandWait)
		defer cancel()
		st, err := tk.Wait(ctx)
		if err != nil {
			tk.Detach()
		}
		return commandResultMsg{command: name, status: st, err: err}
	}
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}
