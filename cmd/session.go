// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/engine"
	"github.com/Thermoquad/switchyard/pkg/xbus"
)

// session is a station running on an open connection
type session struct {
	id      string
	info    string
	link    *xbus.Link
	station *engine.Station

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// startSession opens the configured connection and starts a station on it.
// tap, if non-nil, sees every frame crossing the link.
func startSession(ctx context.Context, log *zap.Logger, tap xbus.Tap) (*session, error) {
	conn, info, err := OpenConnection(ctx, cfg.Link)
	if err != nil {
		return nil, err
	}

	// Tag everything this session logs so reconnects can be told apart
	id := uuid.NewString()
	log = log.With(zap.String("session", id))
	log.Info("session started", zap.String("connection", info))

	opts := []xbus.LinkOption{xbus.WithLinkLogger(log)}
	if tap != nil {
		opts = append(opts, xbus.WithTap(tap))
	}
	link := xbus.NewLink(conn, opts...)

	station := engine.NewStation(link,
		engine.WithLogger(log),
		engine.WithTiming(cfg.Engine),
		engine.WithRegistry(xbus.NewRegistry(cfg.Accessory.OffDelay)))

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:      id,
		info:    info,
		link:    link,
		station: station,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		s.err = station.Run(ctx)
		close(s.done)
	}()
	return s, nil
}

// Done is closed once the station stops; Err then reports why.
func (s *session) Done() <-chan struct{} { return s.done }

// Err returns the station's exit error after Done is closed.
func (s *session) Err() error {
	<-s.done
	return s.err
}

// Close stops the station and closes the connection.
func (s *session) Close() error {
	s.cancel()
	err := s.Err()
	if cerr := s.link.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close link: %w", cerr)
	}
	return err
}
