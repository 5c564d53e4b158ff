// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"sync"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/queue"
)

// ConfirmTable maps message kinds to the confirmation they need. Kinds not in
// the table need a single acknowledgement.
type ConfirmTable map[int]Confirm

func (t ConfirmTable) lookup(m bus.Message) Confirm {
	if c, ok := t[m.Kind()]; ok {
		return c
	}
	return ConfirmOK
}

// DefaultHandler serves message kinds without special semantics.
type DefaultHandler struct {
	*BaseHandler
}

// NewDefaultHandler creates a table-driven handler.
func NewDefaultHandler(env Env, r *queue.Record, table ConfirmTable) *DefaultHandler {
	b := NewBaseHandler(env, r)
	b.Confirm = table.lookup
	return &DefaultHandler{BaseHandler: b}
}

// Registry is the ordered list of handler factories tried for each new
// record before falling back to the default handler.
type Registry struct {
	factories []Factory
	table     ConfirmTable
}

// NewRegistry creates a registry with the default handler's table.
func NewRegistry(table ConfirmTable) *Registry {
	if table == nil {
		table = ConfirmTable{}
	}
	return &Registry{table: table}
}

// Register appends a factory. Factories are tried in registration order.
func (g *Registry) Register(f Factory) {
	g.factories = append(g.factories, f)
}

// Create returns the first handler a factory accepts, or a default handler.
func (g *Registry) Create(env Env, r *queue.Record) Handler {
	for _, f := range g.factories {
		if h := f(env, r); h != nil {
			return h
		}
	}
	return NewDefaultHandler(env, r, g.table)
}

// ExpectedStates is the map of device states the engine has commanded but
// the bus may not have confirmed yet. Handlers set an entry as soon as their
// command is sent, so later feedback is judged against the intended state.
type ExpectedStates struct {
	mu sync.Mutex
	m  map[any]bus.AccessoryState
}

// NewExpectedStates creates an empty map.
func NewExpectedStates() *ExpectedStates {
	return &ExpectedStates{m: make(map[any]bus.AccessoryState)}
}

// Get returns the expected state of a device.
func (e *ExpectedStates) Get(key any) (bus.AccessoryState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.m[key]
	return s, ok
}

// Set records the state a device is expected to reach.
func (e *ExpectedStates) Set(key any, s bus.AccessoryState) {
	e.mu.Lock()
	e.m[key] = s
	e.mu.Unlock()
}

// Clear forgets a device.
func (e *ExpectedStates) Clear(key any) {
	e.mu.Lock()
	delete(e.m, key)
	e.mu.Unlock()
}

// Len returns the number of tracked devices.
func (e *ExpectedStates) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.m)
}
