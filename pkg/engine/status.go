// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"fmt"
	"sync"

	"github.com/Thermoquad/switchyard/pkg/bus"
)

// Result classifies how a command ended.
type Result int

// Command results
const (
	ResultPending Result = iota
	ResultSuccess
	ResultTimeout
	ResultRejected
	ResultFailed
	ResultCancelled
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultTimeout:
		return "timeout"
	case ResultRejected:
		return "rejected"
	case ResultFailed:
		return "failed"
	case ResultCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

// Status is what a caller learns about its command.
type Status struct {
	ID      uint64
	Message bus.Message
	// Replies holds every reply attributed to the command, redacted.
	Replies []bus.Reply
	// Concurrent is the unsolicited reply that revealed another controller
	// acting on the same device, if any.
	Concurrent bus.Reply
	Result     Result
	Retries    int
	Err        error
}

// Success reports whether the command was confirmed.
func (s *Status) Success() bool { return s.Result == ResultSuccess }

func (s *Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("#%d %s: %s (%d replies): %v", s.ID, s.Message, s.Result, len(s.Replies), s.Err)
	}
	return fmt.Sprintf("#%d %s: %s (%d replies)", s.ID, s.Message, s.Result, len(s.Replies))
}

func (s *Status) clone() *Status {
	c := *s
	c.Replies = append([]bus.Reply(nil), s.Replies...)
	return &c
}

// Listener receives the outcome of a submitted command. Calls are made on the
// layout goroutine.
type Listener interface {
	Completed(s *Status)
	Failed(s *Status)
	ConcurrentOperation(s *Status, reply bus.Reply)
}

// Callbacks adapts plain functions to Listener. Nil fields are skipped.
type Callbacks struct {
	OnCompleted  func(s *Status)
	OnFailed     func(s *Status)
	OnConcurrent func(s *Status, reply bus.Reply)
}

func (c Callbacks) Completed(s *Status) {
	if c.OnCompleted != nil {
		c.OnCompleted(s)
	}
}

func (c Callbacks) Failed(s *Status) {
	if c.OnFailed != nil {
		c.OnFailed(s)
	}
}

func (c Callbacks) ConcurrentOperation(s *Status, reply bus.Reply) {
	if c.OnConcurrent != nil {
		c.OnConcurrent(s, reply)
	}
}

// listeners holds caller listeners by ID so the engine never keeps a caller
// alive on its own: once a caller detaches, its entry is gone and any record
// still pointing at the ID simply has nobody to notify.
type listeners struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]Listener
}

func newListeners() *listeners {
	return &listeners{m: make(map[uint64]Listener)}
}

func (l *listeners) add(x Listener) uint64 {
	if x == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.m[l.next] = x
	return l.next
}

func (l *listeners) get(id uint64) Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m[id]
}

func (l *listeners) remove(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.m[id]
	delete(l.m, id)
	return ok
}

func (l *listeners) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
