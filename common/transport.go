/*
 *
 * janus - a browser remote-debugging protocol client
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport moves whole text frames to and from the browser.
//
// Receive returns io.EOF once the remote side ended the stream normally.
// Send is only ever called from one goroutine; Disconnect may be called
// concurrently with Send and Receive and more than once.
type Transport interface {
	Connect(ctx context.Context, address string) error
	Send(msg []byte) error
	Receive() ([]byte, error)
	Disconnect() error
}

// TransportFactory returns a fresh, unconnected Transport. The connection
// calls it once per connect attempt.
type TransportFactory func() Transport

// NewWSTransportFactory returns a factory of WebSocket transports.
func NewWSTransportFactory(maxMessageSize int64) TransportFactory {
	return func() Transport {
		return NewWSTransport(maxMessageSize)
	}
}

// WSTransport is a Transport over a gorilla WebSocket connection.
type WSTransport struct {
	dialer         websocket.Dialer
	maxMessageSize int64

	conn      *websocket.Conn
	closeOnce sync.Once
}

var _ Transport = &WSTransport{}

// NewWSTransport creates an unconnected WebSocket transport. Inbound frames
// larger than maxMessageSize fail the read; zero disables the limit.
func NewWSTransport(maxMessageSize int64) *WSTransport {
	return &WSTransport{
		dialer: websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			WriteBufferSize: wsWriteBufferSize,
		},
		maxMessageSize: maxMessageSize,
	}
}

// Connect dials address. The handshake is bounded by ctx.
func (t *WSTransport) Connect(ctx context.Context, address string) error {
	if t.conn != nil {
		return errors.New("transport already connected")
	}
	conn, resp, err := t.dialer.DialContext(ctx, address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	if t.maxMessageSize > 0 {
		conn.SetReadLimit(t.maxMessageSize)
	}
	t.conn = conn
	return nil
}

func (t *WSTransport) Send(msg []byte) error {
	writer, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := writer.Write(msg); err != nil {
		return err
	}
	return writer.Close()
}

func (t *WSTransport) Receive() ([]byte, error) {
	_, buf, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return buf, nil
}

// Disconnect sends a normal closure frame and closes the socket.
func (t *WSTransport) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	var err error
	t.closeOnce.Do(func() {
		defer func() {
			_ = t.conn.Close()
		}()

		err = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameTimeout),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
