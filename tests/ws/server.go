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

// Package ws provides a fake CDP browser endpoint for tests.
package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
	Context    context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	// Create a http.ServeMux and set the httpbin handler as the default
	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
		Context:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the ws:// URL of path on the server.
func (s *Server) URL(path string) string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + path
}

// HTTPURL returns the http:// base URL of the server.
func (s *Server) HTTPURL() string {
	return s.ServerHTTP.URL
}

// WithVersionHandler serves a DevTools /json/version document pointing at
// the CDP handler registered on wsPath.
func WithVersionHandler(wsPath string) func(*Server) {
	return func(s *Server) {
		s.Mux.Handle("/json/version", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{
				"Browser": "HeadlessChrome/120.0.0.0",
				"Protocol-Version": "1.3",
				"webSocketDebuggerUrl": %q
			}`, s.URL(wsPath))
		}))
	}
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// This forces a connection closure without a proper WS close message exchange
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches a handler that echoes a single frame and then
// closes normally.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		wc, err := conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// Writer queues messages to the client of one CDP connection.
type Writer struct {
	ch   chan cdproto.Message
	done chan struct{}
}

// Write queues msg. It returns false once the connection is gone.
func (w *Writer) Write(msg cdproto.Message) bool {
	select {
	case w.ch <- msg:
		return true
	case <-w.done:
		return false
	}
}

// WriteRaw queues an already encoded frame.
func (w *Writer) WriteRaw(raw string) bool {
	return w.Write(cdproto.Message{Method: rawFrameMethod, Params: easyjson.RawMessage(raw)})
}

// rawFrameMethod marks messages whose Params are the whole frame.
const rawFrameMethod = "ws.rawFrame"

// Recorder collects the methods of the commands a CDP handler received.
type Recorder struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (r *Recorder) add(m cdproto.MethodType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, m)
}

// Methods returns a copy of the recorded methods.
func (r *Recorder) Methods() []cdproto.MethodType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cdproto.MethodType(nil), r.methods...)
}

// CDPHandlerFunc reacts to one command received by the fake browser.
type CDPHandlerFunc func(conn *websocket.Conn, msg *cdproto.Message, w *Writer)

// WithCDPHandler attaches a custom CDP handler function to Server.
// recorder may be nil.
func WithCDPHandler(path string, fn CDPHandlerFunc, recorder *Recorder) func(*Server) {
	return func(s *Server) {
		s.Mux.Handle(path, cdpHandler(fn, recorder, nil))
	}
}

// WithEventStreamHandler attaches a CDP handler that, besides answering
// commands like CDPDefaultHandler, sends msg every interval for as long as
// the client stays connected.
func WithEventStreamHandler(path string, interval time.Duration, msg cdproto.Message) func(*Server) {
	stream := func(w *Writer) {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-t.C:
				if !w.Write(msg) {
					return
				}
			}
		}
	}
	return func(s *Server) {
		s.Mux.Handle(path, cdpHandler(CDPDefaultHandler, nil, stream))
	}
}

func cdpHandler(fn CDPHandlerFunc, recorder *Recorder, stream func(*Writer)) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(rw, req, rw.Header())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		done := make(chan struct{})
		w := &Writer{ch: make(chan cdproto.Message), done: done}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer close(done)

			for {
				msg, err := readMessage(conn)
				if err != nil {
					return
				}
				if msg.Method != "" && recorder != nil {
					recorder.add(msg.Method)
				}
				fn(conn, msg, w)
			}
		}()

		go func() {
			defer wg.Done()
			for {
				select {
				case msg := <-w.ch:
					// A failed write breaks the read loop too, which then closes done.
					if err := writeMessage(conn, &msg); err != nil {
						_ = conn.Close()
					}
				case <-done:
					return
				}
			}
		}()

		if stream != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				stream(w)
			}()
		}

		wg.Wait()
	})
}

func readMessage(conn *websocket.Conn) (*cdproto.Message, error) {
	_, buf, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, err
	}

	return &msg, nil
}

func writeMessage(conn *websocket.Conn, msg *cdproto.Message) error {
	var buf []byte
	if msg.Method == rawFrameMethod {
		buf = msg.Params
	} else {
		encoder := jwriter.Writer{}
		msg.MarshalEasyJSON(&encoder)
		var err error
		if buf, err = encoder.BuildBytes(); err != nil {
			return err
		}
	}

	writer, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := writer.Write(buf); err != nil {
		return err
	}
	return writer.Close()
}

// CDPDefaultHandler answers every command with an empty result, and
// Target.attachToTarget with a session like a browser would.
func CDPDefaultHandler(_ *websocket.Conn, msg *cdproto.Message, w *Writer) {
	const (
		targetAttachedToTargetEvent = `
		{
			"sessionId": "session_id_0123456789",
			"targetInfo": {
				"targetId": "target_id_0123456789",
				"type": "page",
				"title": "",
				"url": "about:blank",
				"attached": true,
				"browserContextId": "browser_context_id_0123456789"
			},
			"waitingForDebugger": false
		}`

		targetAttachedToTargetResult = `
		{
			"sessionId":"session_id_0123456789"
		}`
	)

	switch {
	case msg.SessionID != "" && msg.Method != "":
		w.Write(cdproto.Message{
			ID:        msg.ID,
			SessionID: msg.SessionID,
		})
	case msg.Method == cdproto.MethodType(cdproto.CommandTargetAttachToTarget):
		w.Write(cdproto.Message{
			Method: cdproto.EventTargetAttachedToTarget,
			Params: easyjson.RawMessage(targetAttachedToTargetEvent),
		})
		w.Write(cdproto.Message{
			ID:     msg.ID,
			Result: easyjson.RawMessage(targetAttachedToTargetResult),
		})
	case msg.Method != "":
		w.Write(cdproto.Message{
			ID:     msg.ID,
			Result: easyjson.RawMessage("{}"),
		})
	}
}

// SessionID is the session id CDPDefaultHandler attaches targets with.
const SessionID = "session_id_0123456789"
