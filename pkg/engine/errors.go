// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package engine

import (
	"errors"

	"github.com/Thermoquad/switchyard/pkg/queue"
)

// Sentinel errors
var (
	ErrIllegalTransition = queue.ErrIllegalTransition
	ErrNotTerminal       = queue.ErrNotTerminal

	ErrTimeout       = errors.New("command timed out")
	ErrRejected      = errors.New("command rejected by command station")
	ErrUnsupported   = errors.New("command not supported by command station")
	ErrUnknownRecord = errors.New("unknown command record")
	ErrInFlight      = errors.New("command is already in flight")
	ErrCancelled     = errors.New("command cancelled")
	ErrStopped       = errors.New("station stopped")
)
