// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/switchyard/pkg/bus"
	"github.com/Thermoquad/switchyard/pkg/xbus"
)

var (
	simSerialPort  string
	simActivity    time.Duration
	simActivityMax int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated command station",
	Long: `Serve a simulated command station over WebSocket (and optionally a serial
port) so the other commands can be tried without hardware.

The simulator answers every command the engine sends, reports accessory
feedback, and can play another controller with --activity: at that interval it
switches a random accessory and broadcasts the feedback to every client.

Connect with:
  switchyard --url ws://127.0.0.1:8765/ws monitor`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().String("listen", "127.0.0.1:8765", "Address to listen on")
	simulateCmd.Flags().StringVar(&simSerialPort, "serve-port", "", "Also serve on this serial port (e.g. one end of a null modem)")
	simulateCmd.Flags().DurationVar(&simActivity, "activity", 0, "Simulate another controller switching accessories at this interval")
	simulateCmd.Flags().IntVar(&simActivityMax, "activity-addresses", 16, "Highest address switched by --activity")
}

// simHandler upgrades requests on the simulator path and serves each
// connection until it closes.
func simHandler(ctx context.Context, sim *xbus.Simulator, log *zap.Logger) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", zap.Error(err))
			return
		}
		conn := newWSStream(ws)
		defer conn.Close()

		log.Info("client connected", zap.String("remote", r.RemoteAddr))
		err = sim.Serve(ctx, conn)
		var closeErr *websocket.CloseError
		if err != nil && !errors.As(err, &closeErr) {
			log.Warn("client failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
	})
}

// simulateActivity switches random accessories like another controller
// would, until ctx ends.
func simulateActivity(ctx context.Context, sim *xbus.Simulator, every time.Duration, maxAddr int, log *zap.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			addr := 1 + rand.IntN(maxAddr)
			state := bus.StateClosed
			if sim.State(addr) == bus.StateClosed {
				state = bus.StateThrown
			}
			r := sim.InjectFeedback(addr, state)
			log.Debug("activity", zap.Int("address", addr), zap.Stringer("reply", r))
		}
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logger.Named("sim")

	sim := xbus.NewSimulator(
		xbus.WithSimLogger(log),
		xbus.WithReplyDelay(cfg.Simulator.ReplyDelay),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Simulator.Path, simHandler(ctx, sim, log))
	srv := &http.Server{
		Addr:              cfg.Simulator.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Printf("Simulated command station on ws://%s%s\n", cfg.Simulator.Listen, cfg.Simulator.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})

	if simSerialPort != "" {
		conn, err := openSerial(simSerialPort, cfg.Link.Baud)
		if err != nil {
			return err
		}
		defer conn.Close()
		fmt.Printf("Simulated command station on %s @ %d baud\n", simSerialPort, cfg.Link.Baud)
		g.Go(func() error {
			return sim.Serve(ctx, conn)
		})
	}

	if simActivity > 0 {
		g.Go(func() error {
			return simulateActivity(ctx, sim, simActivity, max(simActivityMax, 1), log)
		})
	}

	return g.Wait()
}
