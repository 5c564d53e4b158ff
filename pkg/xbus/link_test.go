// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLink_CloseStopsReaderQuietly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	local, remote := net.Pipe()
	defer remote.Close()

	link := NewLink(local, WithLinkLogger(zap.New(core)))
	require.NoError(t, link.Close())

	select {
	case <-link.done:
	default:
		t.Fatal("reader still running after Close")
	}
	assert.Zero(t, logs.FilterMessage("read failed").Len())

	_, err := link.ReadReply(context.Background())
	assert.ErrorIs(t, err, ErrLinkClosed)
	assert.NoError(t, link.Close(), "second Close is harmless")
}

func TestLink_DeliversRepliesUntilPeerCloses(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	local, remote := net.Pipe()
	link := NewLink(local, WithLinkLogger(zap.New(core)))
	defer link.Close()

	wire, err := NewStatusReply(StatusServiceMode).Encode()
	require.NoError(t, err)
	go func() {
		_, _ = remote.Write(wire)
		_ = remote.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := link.ReadReply(ctx)
	require.NoError(t, err)
	flags, ok := r.(*Reply).Flags()
	require.True(t, ok)
	assert.Equal(t, uint8(StatusServiceMode), flags)

	_, err = link.ReadReply(ctx)
	assert.ErrorIs(t, err, ErrLinkClosed)
	assert.Zero(t, logs.FilterMessage("read failed").Len(), "EOF is not a failure")
}

// brokenConn fails every read.
type brokenConn struct{}

func (b *brokenConn) Read([]byte) (int, error) {
	return 0, errors.New("device unplugged")
}

func (b *brokenConn) Write(p []byte) (int, error) { return len(p), nil }

func TestLink_ReadFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	link := NewLink(&brokenConn{}, WithLinkLogger(zap.New(core)))

	_, err := link.ReadReply(context.Background())
	require.ErrorIs(t, err, ErrLinkClosed)
	assert.ErrorContains(t, err, "device unplugged")
	assert.Equal(t, 1, logs.FilterMessage("read failed").Len())
}
