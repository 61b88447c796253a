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
	"sync"
	"testing"
	"time"

	"github.com/loadimpact/janus/log"

	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-memory Transport. Frames written to in are
// returned by Receive; frames passed to Send show up on out.
type pipeTransport struct {
	connectErr error
	in         chan []byte
	out        chan []byte
	// gate, when set, must yield before each Send proceeds.
	gate chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) Connect(context.Context, string) error {
	return p.connectErr
}

func (p *pipeTransport) Send(msg []byte) error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-p.closed:
			return errors.New("pipe closed")
		}
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return errors.New("pipe closed")
	}
}

func (p *pipeTransport) Receive() ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-p.closed:
		return nil, errors.New("pipe closed")
	}
}

func (p *pipeTransport) Disconnect() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// singleTransport hands out the same transport on every connect.
func singleTransport(t Transport) TransportFactory {
	return func() Transport { return t }
}

// stateRecorder is a StateObserver remembering every change.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
	notify  chan StateChange
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{notify: make(chan StateChange, 64)}
}

func (r *stateRecorder) ObserveState(change StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
	select {
	case r.notify <- change:
	default:
	}
}

func (r *stateRecorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]ConnectionState, 0, len(r.changes))
	for _, c := range r.changes {
		states = append(states, c.State)
	}
	return states
}

// waitFor returns the next change into state, failing the test on timeout.
func (r *stateRecorder) waitFor(t *testing.T, state ConnectionState) StateChange {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-r.notify:
			if c.State == state {
				return c
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for state", "state %s, seen %v", state, r.states())
		}
	}
}

// inboxHandler is a MessageHandler collecting envelopes.
type inboxHandler struct {
	responses chan *Envelope
	events    chan *Envelope
}

func newInboxHandler() *inboxHandler {
	return &inboxHandler{
		responses: make(chan *Envelope, 16),
		events:    make(chan *Envelope, 16),
	}
}

func (h *inboxHandler) HandleResponse(env *Envelope) { h.responses <- env }
func (h *inboxHandler) HandleEvent(env *Envelope)    { h.events <- env }

// recordingSender is a Sender remembering what it was asked to send.
type recordingSender struct {
	mu   sync.Mutex
	sent []*Envelope
	err  error
}

func (s *recordingSender) Send(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSender) envelopes() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Envelope(nil), s.sent...)
}

func newTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func nullLogger() *log.Logger {
	return log.NewNullLogger()
}

func waitResolved(t *testing.T, p *PendingRequest) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "request did not resolve", "id %d method %s", p.ID, p.Method)
	}
}
