// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMsg struct {
	name     string
	priority int
	delay    time.Duration
	group    any
}

func (m testMsg) Kind() int            { return 0 }
func (m testMsg) Priority() int        { return m.priority }
func (m testMsg) Delay() time.Duration { return m.delay }
func (m testMsg) GroupKey() any        { return m.group }
func (m testMsg) String() string       { return m.name }

var nextID uint64

func rec(name string, priority int, group any) *Record {
	nextID++
	return NewRecord(nextID, testMsg{name: name, priority: priority, group: group})
}

func delayed(name string, priority int, group any, d time.Duration) *Record {
	nextID++
	return NewRecord(nextID, testMsg{name: name, priority: priority, group: group, delay: d})
}

func drain(q *Queue) []string {
	var out []string
	for r := q.Poll(); r != nil; r = q.Poll() {
		out = append(out, r.Message().String())
	}
	return out
}

func finish(t *testing.T, r *Record) {
	t.Helper()
	for _, p := range []Phase{PhaseSent, PhaseConfirmed, PhaseFinished} {
		_, err := r.Transition(p)
		require.NoError(t, err)
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := New()
	for i, p := range []int{100, 100, 50, 150, 100, 200} {
		require.NoError(t, q.Add(rec(fmt.Sprintf("%d/%d", p, i), p, nil), false))
	}

	got := drain(q)
	assert.Equal(t, []string{"50/2", "100/0", "100/1", "100/4", "150/3", "200/5"}, got)
}

func TestQueue_HighPriorityNewestFirst(t *testing.T) {
	q := New()
	require.NoError(t, q.Add(rec("n1", 100, nil), false))
	require.NoError(t, q.Add(rec("h1", 10, nil), false))
	require.NoError(t, q.Add(rec("h2", 10, nil), false))
	require.NoError(t, q.Add(rec("u", 5, nil), false))

	assert.Equal(t, []string{"u", "h2", "h1", "n1"}, drain(q))
}

func TestQueue_GroupExclusivity(t *testing.T) {
	q := New()
	first := rec("first", 100, 7)
	second := rec("second", 100, 7)
	other := rec("other", 100, 8)

	require.NoError(t, q.Add(first, true))
	require.NoError(t, q.Add(second, false))
	require.NoError(t, q.Add(other, false))

	assert.Equal(t, "other", q.Poll().Message().String())
	assert.Nil(t, q.Poll(), "second must wait while first holds the slot")
	assert.Equal(t, PhaseBlocked, second.Phase())
	assert.Equal(t, 2, q.Blocked())

	assert.Equal(t, Released, q.Unblock(first))
	assert.Equal(t, []string{"first", "second"}, drain(q))
}

func TestQueue_MoreUrgentRecordPassesSlotHead(t *testing.T) {
	q := New()
	head := rec("head", 100, 1)
	urgent := rec("urgent", 50, 1)

	require.NoError(t, q.Add(head, true))
	require.NoError(t, q.Add(urgent, false))

	assert.Same(t, urgent, q.Poll())
}

func TestQueue_ReinsertionKeepsOriginalOrder(t *testing.T) {
	q := New()
	head := rec("head", 100, 1)
	w1 := rec("w1", 100, 1)
	w2 := rec("w2", 100, 1)
	x := rec("x", 100, 2)

	require.NoError(t, q.Add(head, true))
	require.NoError(t, q.Add(w1, false))
	require.NoError(t, q.Add(w2, false))
	require.NoError(t, q.Add(x, false))

	assert.Same(t, x, q.Poll())
	late := rec("late", 100, 3)
	require.NoError(t, q.Add(late, false))

	assert.Equal(t, Released, q.Unblock(head))
	assert.Equal(t, []string{"head", "w1", "w2", "late"}, drain(q))
}

func TestQueue_DelayedOffPollsBeforeLaterRecords(t *testing.T) {
	q := New()
	aOn := rec("A-on", 100, 1)
	bOn := rec("B-on", 100, 5)
	require.NoError(t, q.Add(aOn, false))
	require.NoError(t, q.Add(bOn, false))

	assert.Same(t, aOn, q.Poll())
	aOff := rec("A-off", 100, 1)
	require.NoError(t, q.Add(aOff, true))

	assert.Same(t, bOn, q.Poll())
	bOff := rec("B-off", 100, 5)
	require.NoError(t, q.Add(bOff, true))

	later := rec("later", 100, 9)
	require.NoError(t, q.Add(later, false))

	assert.Equal(t, Released, q.Unblock(aOff))
	assert.Equal(t, []string{"A-off", "later"}, drain(q))
	assert.Equal(t, Released, q.Unblock(bOff))
	assert.Equal(t, []string{"B-off"}, drain(q))
}

func TestQueue_ReleasedRecordKeepsSubmissionOrder(t *testing.T) {
	t.Run("added blocked", func(t *testing.T) {
		q := New()
		require.NoError(t, q.Add(rec("x", 100, nil), false))
		require.NoError(t, q.Add(rec("y", 100, nil), false))
		d := rec("d", 100, nil)
		require.NoError(t, q.Add(d, true))
		assert.Zero(t, d.Stamp(), "not stamped before reaching the head")

		assert.Equal(t, Released, q.Unblock(d))
		assert.Equal(t, []string{"x", "y", "d"}, drain(q))
	})

	t.Run("blocked after add", func(t *testing.T) {
		q := New()
		require.NoError(t, q.Add(rec("x", 100, nil), false))
		require.NoError(t, q.Add(rec("y", 100, nil), false))
		z := rec("z", 100, nil)
		require.NoError(t, q.Add(z, false))
		require.NoError(t, q.Block(z))
		assert.Zero(t, z.Stamp())

		assert.Equal(t, Released, q.Unblock(z))
		assert.Equal(t, []string{"x", "y", "z"}, drain(q))
	})

	t.Run("earlier submission passes a later release", func(t *testing.T) {
		q := New()
		d := rec("d", 100, nil)
		require.NoError(t, q.Add(d, true))
		require.NoError(t, q.Add(rec("x", 100, nil), false))

		assert.Equal(t, Released, q.Unblock(d))
		assert.Equal(t, []string{"d", "x"}, drain(q))
	})
}

func TestQueue_HeldRecordSerializesGroup(t *testing.T) {
	q := New()
	on := rec("on", 100, 1)
	next := rec("next", 100, 1)
	require.NoError(t, q.Add(on, false))
	require.NoError(t, q.Add(next, false))

	assert.Same(t, on, q.PollHold())
	assert.Nil(t, q.PollHold(), "next waits while on is in flight")

	// follow-up pulse is created after next was already examined
	off := rec("off", 100, 1)
	require.NoError(t, q.Add(off, true))

	finish(t, on)
	require.NoError(t, q.Remove(on))
	assert.Same(t, off, q.SlotHead(1), "blocked follow-up takes over the slot")
	assert.Nil(t, q.PollHold())

	assert.Equal(t, Released, q.Unblock(off))
	assert.Same(t, off, q.PollHold())
	assert.Nil(t, q.PollHold())

	finish(t, off)
	require.NoError(t, q.Remove(off))
	assert.Same(t, next, q.PollHold())
}

func TestQueue_NewSlotHeadElection(t *testing.T) {
	q := New()
	head := rec("head", 100, 1)
	low := rec("low", 120, 1)
	high := rec("high", 110, 1)
	free := rec("free", 130, 1)

	require.NoError(t, q.Add(head, true))
	require.NoError(t, q.Add(low, true))
	require.NoError(t, q.Add(high, true))
	require.NoError(t, q.Add(free, false))
	assert.Nil(t, q.Poll())

	_, err := head.Transition(PhaseExpired)
	require.NoError(t, err)
	require.NoError(t, q.Remove(head))

	assert.Same(t, high, q.SlotHead(1))
	assert.Nil(t, q.Poll(), "free waits on the new head")

	assert.Equal(t, Released, q.Unblock(high))
	assert.Equal(t, []string{"high"}, drain(q))
	assert.Same(t, low, q.SlotHead(1))
}

func TestQueue_NestedBlocks(t *testing.T) {
	q := New()
	r := rec("r", 100, nil)

	assert.Equal(t, NotTracked, q.Unblock(r))
	require.NoError(t, q.Add(r, false))
	require.NoError(t, q.Block(r))
	require.NoError(t, q.Block(r))
	assert.Nil(t, q.Poll())

	assert.Equal(t, StillBlocked, q.Unblock(r))
	assert.Nil(t, q.Poll())
	assert.Equal(t, Released, q.Unblock(r))
	assert.Same(t, r, q.Poll())
	assert.Equal(t, NotTracked, q.Unblock(r))
}

func TestQueue_RemoveRequiresTerminal(t *testing.T) {
	q := New()
	r := rec("r", 100, 1)
	require.NoError(t, q.Add(r, true))

	err := q.Remove(r)
	require.ErrorIs(t, err, ErrNotTerminal)

	_, err = r.Transition(PhaseExpired)
	require.NoError(t, err)
	require.NoError(t, q.Remove(r))
	assert.Zero(t, q.Blocked())
	assert.Nil(t, q.SlotHead(1))

	assert.ErrorIs(t, q.Add(r, false), ErrTerminal)
}

func TestQueue_ReplayKeepsStampPosition(t *testing.T) {
	q := New()
	r := rec("r", 100, 1)
	require.NoError(t, q.Add(r, false))
	assert.Same(t, r, q.PollHold())

	later := rec("later", 100, 2)
	require.NoError(t, q.Add(later, false))

	for _, p := range []Phase{PhaseSent, PhaseRejected} {
		_, err := r.Transition(p)
		require.NoError(t, err)
	}
	require.NoError(t, q.Replay(r))
	assert.Equal(t, PhaseReplaying, r.Phase())
	assert.Equal(t, 1, r.Retries())

	assert.Same(t, r, q.PollHold())
	assert.Same(t, later, q.PollHold())
}

func TestQueue_PeekStampsAndDiverts(t *testing.T) {
	q := New()
	head := rec("head", 100, 1)
	w := rec("w", 100, 1)
	require.NoError(t, q.Add(head, true))
	require.NoError(t, q.Add(w, false))

	assert.Nil(t, q.Peek())
	assert.NotZero(t, w.Stamp())
	assert.Equal(t, PhaseBlocked, w.Phase())
	assert.Zero(t, q.Len())
}
