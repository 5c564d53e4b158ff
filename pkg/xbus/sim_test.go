// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/engine"
)

func replyTypes(replies []*Reply) []uint8 {
	out := make([]uint8, len(replies))
	for i, r := range replies {
		out[i] = r.Type()
	}
	return out
}

func TestSimulator_Respond(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
		want []uint8
	}{
		{"activation", NewAccessoryOperation(5, OutputThrown, true), []uint8{ReplyOK, ReplyFeedback}},
		{"deactivation", NewAccessoryOperation(5, OutputThrown, false), []uint8{ReplyOK}},
		{"info", NewAccessoryInfo(5), []uint8{ReplyFeedback}},
		{"power off", NewTrackPowerOff(), []uint8{ReplyOK, ReplyTrackPowerOff}},
		{"resume", NewResumeOperations(), []uint8{ReplyOK, ReplyNormalResumed}},
		{"service mode", NewServiceModeEnter(), []uint8{ReplyOK, ReplyServiceModeEntered}},
		{"read outside service mode", NewServiceModeRead(1), []uint8{ReplyUnsupported}},
		{"status", NewStatusRequest(), []uint8{ReplyStatus}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSimulator()
			assert.Equal(t, tt.want, replyTypes(s.Respond(tt.cmd)))
			assert.Equal(t, 1, s.Received())
		})
	}
}

func TestSimulator_ActivationReportsSlot(t *testing.T) {
	s := NewSimulator()
	replies := s.Respond(NewAccessoryOperation(6, OutputClosed, true))
	require.Len(t, replies, 2)

	fb := replies[1]
	assert.True(t, fb.IsBroadcast())
	assert.Equal(t, []bus.FeedbackItem{
		{Index: 0, Address: 5, State: bus.StateUnknown},
		{Index: 1, Address: 6, State: bus.StateClosed},
	}, fb.FeedbackItems())
	assert.Equal(t, bus.StateClosed, s.State(6))
}

func TestSimulator_ServiceMode(t *testing.T) {
	s := NewSimulator(WithCV(29, 6))
	s.Respond(NewServiceModeEnter())

	replies := s.Respond(NewServiceModeRead(29))
	require.Len(t, replies, 1)
	cv, value, ok := replies[0].CV()
	require.True(t, ok)
	assert.Equal(t, 29, cv)
	assert.Equal(t, 6, value)

	flags, _ := s.Respond(NewStatusRequest())[0].Flags()
	assert.Equal(t, uint8(StatusServiceMode), flags)

	s.Respond(NewResumeOperations())
	flags, _ = s.Respond(NewStatusRequest())[0].Flags()
	assert.Zero(t, flags)
}

func TestSimulator_Misbehaviour(t *testing.T) {
	s := NewSimulator()
	s.InjectBusy(2)
	assert.True(t, s.Respond(NewStatusRequest())[0].IsRetransmittableError())
	assert.True(t, s.Respond(NewStatusRequest())[0].IsRetransmittableError())
	assert.Equal(t, uint8(ReplyStatus), s.Respond(NewStatusRequest())[0].Type())

	s.SetUnsupported(MsgAccessoryInfo, true)
	assert.True(t, s.Respond(NewAccessoryInfo(1))[0].IsUnsupportedError())
	s.SetUnsupported(MsgAccessoryInfo, false)
	assert.True(t, s.Respond(NewAccessoryInfo(1))[0].IsFeedback())
}

func TestSimulator_InjectFeedback(t *testing.T) {
	s := NewSimulator()
	r := s.InjectFeedback(3, bus.StateThrown)
	assert.True(t, r.IsBroadcast())
	assert.Equal(t, bus.StateThrown, s.State(3))
	require.Len(t, r.FeedbackItems(), 2)
	assert.Equal(t, 4, r.FeedbackItems()[1].Address)
}

// runSimStation connects a station to a simulator over an in-memory pipe.
func runSimStation(t *testing.T, sim *Simulator) *engine.Station {
	t.Helper()
	log := zaptest.NewLogger(t)
	stationEnd, simEnd := net.Pipe()
	link := NewLink(stationEnd, WithLinkLogger(log))

	timing := engine.DefaultTiming()
	timing.ReplyTimeout = 500 * time.Millisecond
	s := engine.NewStation(link,
		engine.WithLogger(log),
		engine.WithTiming(timing),
		engine.WithRegistry(NewRegistry(testOffDelay)))

	ctx, cancel := context.WithCancel(context.Background())
	stationErr := make(chan error, 1)
	simErr := make(chan error, 1)
	go func() { stationErr <- s.Run(ctx) }()
	go func() { simErr <- sim.Serve(ctx, simEnd) }()

	t.Cleanup(func() {
		cancel()
		for _, errc := range []chan error{stationErr, simErr} {
			select {
			case err := <-errc:
				assert.NoError(t, err)
			case <-time.After(time.Second):
				t.Error("did not stop")
			}
		}
		_ = link.Close()
		_ = simEnd.Close()
	})
	return s
}

func waitTicket(t *testing.T, tk *engine.Ticket) *engine.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := tk.Wait(ctx)
	require.NoError(t, err)
	return st
}

func TestStation_AccessoryPulseAgainstSimulator(t *testing.T) {
	sim := NewSimulator()
	s := runSimStation(t, sim)

	tk, err := s.Send(context.Background(), NewAccessoryOperation(5, OutputThrown, true), nil)
	require.NoError(t, err)

	st := waitTicket(t, tk)
	assert.Equal(t, engine.ResultSuccess, st.Result)
	assert.Equal(t, bus.StateThrown, sim.State(5))

	assert.Eventually(t, func() bool { return sim.Received() == 2 },
		time.Second, 5*time.Millisecond, "off follows the activation")
	assert.Eventually(t, func() bool { return len(s.Records()) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestStation_BusyStationIsRetried(t *testing.T) {
	sim := NewSimulator()
	sim.InjectBusy(1)
	s := runSimStation(t, sim)

	tk, err := s.Send(context.Background(), NewStatusRequest(), nil)
	require.NoError(t, err)

	st := waitTicket(t, tk)
	assert.Equal(t, engine.ResultSuccess, st.Result)
	assert.Equal(t, 1, st.Retries)
	assert.Equal(t, 2, sim.Received())
}

func TestStation_UnsupportedCommandFails(t *testing.T) {
	sim := NewSimulator()
	sim.SetUnsupported(MsgAccessoryInfo, true)
	s := runSimStation(t, sim)

	tk, err := s.Send(context.Background(), NewAccessoryInfo(9), nil)
	require.NoError(t, err)

	st := waitTicket(t, tk)
	assert.Equal(t, engine.ResultFailed, st.Result)
	assert.ErrorIs(t, st.Err, engine.ErrUnsupported)
}
