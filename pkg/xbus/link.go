// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package xbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/Thermoquad/switchyard/pkg/bus"
)

// ErrLinkClosed is returned once the link's connection has failed or been
// closed.
var ErrLinkClosed = errors.New("link closed")

// Tap observes every packet crossing the link.
type Tap func(p *Packet, dir Direction)

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithLinkLogger sets the link's logger.
func WithLinkLogger(l *zap.Logger) LinkOption {
	return func(k *Link) { k.log = l }
}

// WithTap installs a packet observer. It is called from the reader
// goroutine for received packets and from the writer for sent ones.
func WithTap(t Tap) LinkOption {
	return func(k *Link) { k.tap = t }
}

// Link is a bus.Transport over a byte stream: a serial port, a WebSocket
// adapter or an in-memory pipe. A reader goroutine decodes frames as they
// arrive.
type Link struct {
	conn io.ReadWriter
	log  *zap.Logger
	tap  Tap

	wmu sync.Mutex

	replies chan *Reply
	done    chan struct{}
	quit    chan struct{}
	once    sync.Once
	errMu   sync.Mutex
	err     error
}

var _ bus.Transport = (*Link)(nil)

// NewLink starts decoding conn.
func NewLink(conn io.ReadWriter, opts ...LinkOption) *Link {
	l := &Link{
		conn:    conn,
		log:     zap.NewNop(),
		replies: make(chan *Reply, 32),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.Named("link")
	go l.read()
	return l
}

// wire is what the link needs from an outgoing message.
type wire interface {
	Encode() ([]byte, error)
	Packet() *Packet
}

// WriteMessage encodes and writes one message.
func (l *Link) WriteMessage(ctx context.Context, m bus.Message) error {
	w, ok := m.(wire)
	if !ok {
		return fmt.Errorf("write %s: unsupported message type %T", m, m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := w.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", m, err)
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()
	select {
	case <-l.done:
		return l.failure()
	default:
	}
	if _, err := l.conn.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", m, err)
	}
	if l.tap != nil {
		l.tap(w.Packet(), ToStation)
	}
	return nil
}

// ReadReply returns the next decoded reply.
func (l *Link) ReadReply(ctx context.Context) (bus.Reply, error) {
	select {
	case r := <-l.replies:
		return r, nil
	case <-l.done:
		// Drain what was decoded before the failure.
		select {
		case r := <-l.replies:
			return r, nil
		default:
		}
		return nil, l.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the underlying connection when it can be closed and waits for
// the reader to stop.
func (l *Link) Close() error {
	l.once.Do(func() { close(l.quit) })
	c, ok := l.conn.(io.Closer)
	if !ok {
		return nil
	}
	err := c.Close()
	<-l.done
	return err
}

func (l *Link) closing() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

func (l *Link) failure() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.err == nil {
		return ErrLinkClosed
	}
	return fmt.Errorf("%w: %w", ErrLinkClosed, l.err)
}

func (l *Link) read() {
	defer close(l.done)

	decoder := NewDecoder()
	buf := make([]byte, MaxPacketSize)
	for {
		n, err := l.conn.Read(buf)
		for i := range n {
			packet, derr := decoder.DecodeByte(buf[i])
			if derr != nil {
				l.log.Warn("frame dropped", zap.Error(derr))
				continue
			}
			if packet != nil && !l.receive(packet) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.closing() {
				l.log.Warn("read failed", zap.Error(err))
			}
			l.errMu.Lock()
			l.err = err
			l.errMu.Unlock()
			return
		}
	}
}

// receive reports false once the link has been closed.
func (l *Link) receive(p *Packet) bool {
	if l.tap != nil {
		l.tap(p, FromStation)
	}
	for _, v := range ValidatePacket(p, FromStation) {
		l.log.Debug("packet anomaly", zap.String("anomaly", v.Message))
	}
	r, err := ParseReply(p)
	if err != nil {
		l.log.Warn("reply dropped", zap.Error(err))
		return true
	}
	select {
	case l.replies <- r:
		return true
	case <-l.quit:
		return false
	}
}
