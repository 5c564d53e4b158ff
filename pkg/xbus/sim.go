// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/bus"
)

// Simulator is a software command station. It answers accessory operations
// with OK followed by a feedback broadcast for the slot, keeps accessory
// states and configuration variables, and can be told to misbehave: answer
// BUSY, refuse a command type, or report another controller's action.
type Simulator struct {
	log        *zap.Logger
	replyDelay time.Duration

	mu          sync.Mutex
	states      map[int]bus.AccessoryState
	cvs         map[int]int
	service     bool
	powerOff    bool
	busy        int
	unsupported map[uint8]bool
	received    int
	peers       map[*peer]struct{}
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithSimLogger sets the simulator's logger.
func WithSimLogger(l *zap.Logger) SimOption {
	return func(s *Simulator) { s.log = l }
}

// WithReplyDelay delays every answer, as a real station takes time to act.
func WithReplyDelay(d time.Duration) SimOption {
	return func(s *Simulator) { s.replyDelay = d }
}

// WithCV presets a configuration variable read in service mode.
func WithCV(cv, value int) SimOption {
	return func(s *Simulator) { s.cvs[cv] = value }
}

// NewSimulator creates a simulator with every accessory in unknown state.
func NewSimulator(opts ...SimOption) *Simulator {
	s := &Simulator{
		log:         zap.NewNop(),
		states:      make(map[int]bus.AccessoryState),
		cvs:         map[int]int{1: 3, 7: 42, 8: 13},
		unsupported: make(map[uint8]bool),
		peers:       make(map[*peer]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("sim")
	return s
}

// InjectBusy makes the next n commands answer BUSY.
func (s *Simulator) InjectBusy(n int) {
	s.mu.Lock()
	s.busy += n
	s.mu.Unlock()
}

// SetUnsupported makes a command type answer UNSUPPORTED.
func (s *Simulator) SetUnsupported(msgType uint8, unsupported bool) {
	s.mu.Lock()
	s.unsupported[msgType] = unsupported
	s.mu.Unlock()
}

// State returns the simulated state of an accessory.
func (s *Simulator) State(address int) bus.AccessoryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[address]
}

// Received returns the number of commands answered so far.
func (s *Simulator) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// InjectFeedback switches an accessory as another controller on the bus
// would, and broadcasts the resulting feedback to every connected peer. The
// broadcast is also returned.
func (s *Simulator) InjectFeedback(address int, state bus.AccessoryState) *Reply {
	s.mu.Lock()
	s.states[address] = state
	r := s.slotFeedback(address, true)
	peers := s.peerList()
	s.mu.Unlock()

	s.log.Info("third-party action", zap.Int("address", address), zap.Stringer("state", state))
	for _, p := range peers {
		if err := p.send(r); err != nil {
			s.log.Warn("broadcast failed", zap.Error(err))
		}
	}
	return r
}

// Respond applies a command and returns the station's answers in order.
func (s *Simulator) Respond(cmd *Command) []*Reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received++
	if s.busy > 0 {
		s.busy--
		return []*Reply{NewBusyReply()}
	}
	if s.unsupported[cmd.Type()] {
		return []*Reply{NewUnsupportedReply()}
	}

	switch cmd.Type() {
	case MsgAccessoryOperation:
		if !cmd.Activate() {
			return []*Reply{NewOKReply()}
		}
		s.states[cmd.Address()] = cmd.Target()
		return []*Reply{NewOKReply(), s.slotFeedback(cmd.Address(), true)}

	case MsgAccessoryInfo:
		return []*Reply{s.slotFeedback(cmd.Address(), false)}

	case MsgTrackPowerOff:
		s.powerOff = true
		return []*Reply{NewOKReply(), NewModeReply(ReplyTrackPowerOff)}

	case MsgResumeOperations:
		s.powerOff = false
		s.service = false
		return []*Reply{NewOKReply(), NewModeReply(ReplyNormalResumed)}

	case MsgServiceModeEnter:
		s.service = true
		return []*Reply{NewOKReply(), NewModeReply(ReplyServiceModeEntered)}

	case MsgServiceModeRead:
		if !s.service {
			return []*Reply{NewUnsupportedReply()}
		}
		cv, _ := GetMapUint(cmd.payload, 0)
		return []*Reply{NewServiceModeResult(int(cv), s.cvs[int(cv)])}

	case MsgStatusRequest:
		var flags uint8
		if s.powerOff {
			flags |= StatusEmergencyOff
		}
		if s.service {
			flags |= StatusServiceMode
		}
		return []*Reply{NewStatusReply(flags)}
	}
	return []*Reply{NewUnsupportedReply()}
}

// slotFeedback reports both accessories sharing the address's slot.
func (s *Simulator) slotFeedback(address int, broadcast bool) *Reply {
	odd := Slot(address)*2 + 1
	return NewFeedbackReply(broadcast,
		bus.FeedbackItem{Address: odd, State: s.states[odd]},
		bus.FeedbackItem{Address: odd + 1, State: s.states[odd+1]},
	)
}

func (s *Simulator) peerList() []*peer {
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Serve answers commands arriving on conn until the context ends or conn
// fails. Several connections may be served at once; feedback broadcasts go
// to all of them.
func (s *Simulator) Serve(ctx context.Context, conn io.ReadWriter) error {
	p := &peer{w: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	packets := make(chan *Packet)
	errc := make(chan error, 1)
	go func() {
		decoder := NewDecoder()
		buf := make([]byte, MaxPacketSize)
		for {
			n, err := conn.Read(buf)
			for i := range n {
				packet, derr := decoder.DecodeByte(buf[i])
				if derr != nil {
					s.log.Warn("frame dropped", zap.Error(derr))
					continue
				}
				if packet == nil {
					continue
				}
				select {
				case packets <- packet:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("simulator read: %w", err)
		case packet := <-packets:
			cmd, err := CommandFromPacket(packet)
			if err != nil {
				s.log.Warn("command dropped", zap.Error(err))
				continue
			}
			replies := s.Respond(cmd)
			s.log.Debug("command", zap.Stringer("command", cmd), zap.Int("replies", len(replies)))
			if s.replyDelay > 0 {
				select {
				case <-time.After(s.replyDelay):
				case <-ctx.Done():
					return nil
				}
			}
			for _, r := range replies {
				if err := p.send(r); err != nil {
					return fmt.Errorf("simulator write: %w", err)
				}
			}
		}
	}
}

type peer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *peer) send(r *Reply) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(data)
	return err
}
