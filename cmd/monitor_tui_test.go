// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/xbus"
)

func newTestMonitor() monitorModel {
	return initialMonitorModel(&connectionManager{}, "test")
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestMonitor_FeedbackFramesUpdateAccessories(t *testing.T) {
	m := newTestMonitor()
	fb := xbus.NewFeedbackReply(true,
		bus.FeedbackItem{Address: 7, State: bus.StateThrown},
		bus.FeedbackItem{Address: 8, State: bus.StateClosed})

	updated, _ := m.Update(monitorBatchMsg{frames: []monitorFrameMsg{
		{packet: fb.Packet(), dir: xbus.FromStation},
		{packet: xbus.NewAccessoryInfo(3).Packet(), dir: xbus.ToStation},
	}})
	m = updated.(monitorModel)

	assert.Equal(t, bus.StateThrown, m.accessories[7])
	assert.Equal(t, bus.StateClosed, m.accessories[8])
	assert.EqualValues(t, 1, m.stats.TotalPackets)
	assert.EqualValues(t, 1, m.stats.Feedback)
}

func TestMonitor_ModeReplies(t *testing.T) {
	m := newTestMonitor()

	m.processFrame(monitorFrameMsg{packet: xbus.NewModeReply(xbus.ReplyTrackPowerOff).Packet(), dir: xbus.FromStation})
	assert.True(t, m.trackOff)

	m.processFrame(monitorFrameMsg{packet: xbus.NewModeReply(xbus.ReplyServiceModeEntered).Packet(), dir: xbus.FromStation})
	assert.True(t, m.serviceMode)

	m.processFrame(monitorFrameMsg{packet: xbus.NewModeReply(xbus.ReplyNormalResumed).Packet(), dir: xbus.FromStation})
	assert.False(t, m.trackOff)
	assert.False(t, m.serviceMode)
}

func TestMonitor_AddressInputTakesDigitsOnly(t *testing.T) {
	m := newTestMonitor()

	for _, k := range []string{"1", "x", "2"} {
		updated, _ := m.Update(keyRunes(k))
		m = updated.(monitorModel)
	}
	assert.Equal(t, "12", m.addressInput.Value())
	assert.Equal(t, "12", m.address())
}

func TestMonitor_CommandWithoutSession(t *testing.T) {
	m := newTestMonitor()

	updated, cmd := m.Update(keyRunes("t"))
	m = updated.(monitorModel)
	assert.Nil(t, cmd)
	require.NotEmpty(t, m.errorLog)
	last := m.errorLog[len(m.errorLog)-1]
	assert.True(t, last.isError)
	assert.Contains(t, last.message, "no connection")
	assert.Zero(t, m.pending)
}

func TestMonitor_UnsolicitedFeedbackIsLogged(t *testing.T) {
	m := newTestMonitor()
	r := xbus.NewFeedbackReply(true,
		bus.FeedbackItem{Address: 1, State: bus.StateClosed},
		bus.FeedbackItem{Address: 2, State: bus.StateThrown})
	r.MarkConsumed(0)

	m.processReply(r)
	require.Len(t, m.errorLog, 1)
	assert.Equal(t, "Accessory 2: thrown", m.errorLog[0].message)
}
