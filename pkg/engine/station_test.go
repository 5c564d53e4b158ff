// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/switchyard/pkg/bus"
)

// runStation starts a station whose command station answers every written
// message with the replies produced by answer.
func runStation(t *testing.T, answer func(n int, m bus.Message) []bus.Reply, opts ...Option) *Station {
	t.Helper()
	tr := newFakeTransport()
	timing := fastTiming()
	timing.ReplyTimeout = 500 * time.Millisecond
	s := NewStation(tr, append([]Option{WithTiming(timing)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	go func() {
		n := 0
		for {
			select {
			case m := <-tr.written:
				n++
				for _, r := range answer(n, m) {
					tr.replies <- r
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("station did not stop")
		}
	})
	return s
}

func wait(t *testing.T, tk *Ticket) *Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := tk.Wait(ctx)
	require.NoError(t, err)
	return st
}

func TestStation_SendAndConfirm(t *testing.T) {
	s := runStation(t, func(int, bus.Message) []bus.Reply {
		return []bus.Reply{ok()}
	})

	tk, err := s.Send(context.Background(), testMsg{name: "cmd"}, nil)
	require.NoError(t, err)
	assert.NotZero(t, tk.ID())

	st := wait(t, tk)
	assert.Equal(t, ResultSuccess, st.Result)
	assert.Len(t, st.Replies, 1)
	assert.Equal(t, uint64(1), s.Stats().Finished)
}

func TestStation_RetriesBusyCommand(t *testing.T) {
	s := runStation(t, func(n int, _ bus.Message) []bus.Reply {
		if n == 1 {
			return []bus.Reply{busy()}
		}
		return []bus.Reply{ok()}
	})

	tk, err := s.Send(context.Background(), testMsg{name: "cmd"}, nil)
	require.NoError(t, err)

	st := wait(t, tk)
	assert.Equal(t, ResultSuccess, st.Result)
	assert.Equal(t, 1, st.Retries)
	assert.Equal(t, uint64(2), s.Stats().Sent)
}

func TestStation_UnansweredCommandTimesOut(t *testing.T) {
	s := runStation(t, func(int, bus.Message) []bus.Reply { return nil })

	tk, err := s.Send(context.Background(), testMsg{name: "cmd"}, nil)
	require.NoError(t, err)

	st := wait(t, tk)
	assert.Equal(t, ResultTimeout, st.Result)
}

func TestStation_SameGroupIsSerialized(t *testing.T) {
	var order []string
	s := runStation(t, func(_ int, m bus.Message) []bus.Reply {
		order = append(order, m.String())
		return []bus.Reply{ok()}
	})

	ctx := context.Background()
	a, err := s.Send(ctx, testMsg{name: "a", group: 1}, nil)
	require.NoError(t, err)
	b, err := s.Send(ctx, testMsg{name: "b", group: 1}, nil)
	require.NoError(t, err)

	assert.True(t, wait(t, a).Success())
	assert.True(t, wait(t, b).Success())
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestStation_ListenerAndSubscribers(t *testing.T) {
	s := runStation(t, func(int, bus.Message) []bus.Reply {
		return []bus.Reply{ok(), feedback(true, 9, bus.StateThrown)}
	})
	unsolicited := make(chan bus.Reply, 4)
	s.Subscribe(func(r bus.Reply) { unsolicited <- r })

	completed := make(chan *Status, 1)
	tk, err := s.Send(context.Background(), testMsg{name: "cmd"}, Callbacks{
		OnCompleted: func(st *Status) { completed <- st },
	})
	require.NoError(t, err)
	wait(t, tk)

	select {
	case st := <-completed:
		assert.Equal(t, tk.ID(), st.ID)
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
	select {
	case r := <-unsolicited:
		assert.True(t, r.IsFeedback())
	case <-time.After(time.Second):
		t.Fatal("subscriber not called")
	}
}
