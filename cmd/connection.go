// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/switchyard/internal/config"
)

// Connection is the byte stream a command station is reached over.
type Connection interface {
	io.ReadWriteCloser
}

// ErrConnectionClosed wraps whatever ended a WebSocket stream.
var ErrConnectionClosed = errors.New("websocket connection closed")

var errNoLink = errors.New("either --port or --url must be specified")

const (
	wsHandshakeTimeout = 10 * time.Second
	wsDialTimeout      = 15 * time.Second
)

// wsStream carries the frame stream over WebSocket binary messages, in both
// directions. Other message types are skipped. A message longer than the
// caller's buffer is handed out over several reads.
type wsStream struct {
	conn *websocket.Conn
	msg  io.Reader
	err  error

	wmu sync.Mutex
}

// newWSStream wraps an established WebSocket, client or server side.
func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for s.err == nil {
		if s.msg == nil {
			kind, r, err := s.conn.NextReader()
			if err != nil {
				s.err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
				break
			}
			if kind == websocket.BinaryMessage {
				s.msg = r
			}
			continue
		}
		n, err := s.msg.Read(p)
		if errors.Is(err, io.EOF) {
			s.msg = nil
			err = nil
		}
		if err != nil {
			s.err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			return n, s.err
		}
		if n > 0 {
			return n, nil
		}
	}
	return 0, s.err
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

func openSerial(name string, baud int) (Connection, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	return port, nil
}

// basicAuth builds the handshake header for a bridge that wants HTTP Basic
// credentials. No user means no header.
func basicAuth(user, password string) http.Header {
	h := http.Header{}
	if user == "" {
		return h
	}
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	h.Set("Authorization", "Basic "+token)
	return h
}

func dialWebSocket(ctx context.Context, link config.LinkConfig, password string) (Connection, error) {
	u, err := url.Parse(link.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme %q (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: link.NoSSLVerify}
	}

	ctx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, u.String(), basicAuth(link.Username, password))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s (HTTP %d): %w", u.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return newWSStream(conn), nil
}

// readPassword takes SWITCHYARD_PASSWORD when set and asks on stdin
// otherwise, without echo when stdin is a terminal.
func readPassword() (string, error) {
	if pw, ok := os.LookupEnv(config.EnvPrefix + "_PASSWORD"); ok {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// OpenConnection opens the link described by the configuration and returns
// a one-line description of it. The serial port wins when both are set.
func OpenConnection(ctx context.Context, link config.LinkConfig) (Connection, string, error) {
	switch {
	case link.Port != "":
		conn, err := openSerial(link.Port, link.Baud)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", link.Port, link.Baud), nil

	case link.URL != "":
		var password string
		if link.Username != "" {
			pw, err := readPassword()
			if err != nil {
				return nil, "", err
			}
			password = pw
		}
		conn, err := dialWebSocket(ctx, link, password)
		if err != nil {
			return nil, "", err
		}
		return conn, "WebSocket: " + link.URL, nil
	}
	return nil, "", errNoLink
}
