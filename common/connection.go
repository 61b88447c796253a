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
	"fmt"
	"io"
	"time"

	"github.com/loadimpact/janus/log"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// StateChange is reported to the StateObserver on every transition.
// Reason is only set for StateDisconnected and is nil when the client
// closed the connection itself.
type StateChange struct {
	State   ConnectionState
	Reason  error
	Address string
}

// MessageHandler receives the classified inbound envelopes. Both methods are
// called from the read loop and must not block for long.
type MessageHandler interface {
	HandleResponse(env *Envelope)
	HandleEvent(env *Envelope)
}

// StateObserver is told about every connection state transition, in order.
// It is called while the connection state is locked and must not call back
// into the Connection.
type StateObserver interface {
	ObserveState(change StateChange)
}

// ConnectionOptions tune a Connection.
type ConnectionOptions struct {
	ConnectTimeout  time.Duration
	WriteQueueSize  int
	MailboxCapacity int
	// CommandRate caps outbound frames per second. Zero disables the cap.
	CommandRate float64
}

/*
Connection owns one Transport at a time and the state machine around it.

	Idle ──Connect──▶ Connecting ──ok──▶ Connected ──Close──▶ Disconnecting
	                      │                  │                     │
	                      └──fail──▶ Disconnected ◀──failure───────┘
	                                     │
	                                     └──Connect──▶ Connecting

While connected, a read loop decodes and classifies frames and a write loop
drains the bounded send queue. Both run in an errgroup; the first one to fail
takes the other one down and the connection becomes Disconnected.
*/
type Connection struct {
	ctx      context.Context
	logger   *log.Logger
	actor    *actor
	factory  TransportFactory
	handler  MessageHandler
	observer StateObserver
	opts     ConnectionOptions
	limiter  *rate.Limiter

	// Owned by actor.
	state   ConnectionState
	reason  error
	address string
	epoch   *connEpoch
}

// connEpoch holds everything belonging to a single connect.
type connEpoch struct {
	transport Transport
	sendCh    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// Set by the actor when the close was requested locally.
	local bool

	// Reuse the easyjson lexer to avoid allocs per read.
	decoder jlexer.Lexer
}

// NewConnection creates an idle connection. ctx bounds the lifetime of the
// connection as a whole, not of a single connect.
func NewConnection(
	ctx context.Context,
	factory TransportFactory,
	handler MessageHandler,
	observer StateObserver,
	opts ConnectionOptions,
	logger *log.Logger,
) *Connection {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.WriteQueueSize <= 0 {
		opts.WriteQueueSize = DefaultWriteQueueSize
	}
	c := &Connection{
		ctx:      ctx,
		logger:   logger,
		factory:  factory,
		handler:  handler,
		observer: observer,
		opts:     opts,
		state:    StateIdle,
	}
	if opts.CommandRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.CommandRate), 1)
	}
	c.actor = newActor(ctx, opts.MailboxCapacity, nil)
	return c
}

// Connect dials address and starts the read and write loops. Only an idle or
// disconnected connection can connect. timeout bounds the dial; zero means
// the configured connect timeout.
func (c *Connection) Connect(ctx context.Context, address string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.opts.ConnectTimeout
	}

	var err error
	if !c.actor.sync(func() {
		if c.state != StateIdle && c.state != StateDisconnected {
			err = fmt.Errorf("connecting while %s: %w", c.state, ErrInvalidState)
			return
		}
		c.address = address
		c.setState(StateConnecting, nil)
	}) {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	c.logger.Debugf("Connection:Connect", "addr:%q timeout:%s", address, timeout)

	transport := c.factory()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	dialErr := transport.Connect(dialCtx, address)
	cancel()
	if dialErr != nil {
		terr := &TransportError{Op: "connect", Addr: address, Err: dialErr}
		c.actor.sync(func() {
			c.setState(StateDisconnected, terr)
		})
		return terr
	}

	epCtx, epCancel := context.WithCancel(c.ctx)
	ep := &connEpoch{
		transport: transport,
		sendCh:    make(chan []byte, c.opts.WriteQueueSize),
		ctx:       epCtx,
		cancel:    epCancel,
		done:      make(chan struct{}),
	}
	if !c.actor.sync(func() {
		c.epoch = ep
		c.setState(StateConnected, nil)
	}) {
		epCancel()
		_ = transport.Disconnect()
		return ErrClosed
	}

	go c.run(ep)

	return nil
}

// run supervises the loops of one epoch and records the outcome.
func (c *Connection) run(ep *connEpoch) {
	defer close(ep.done)

	g, gctx := errgroup.WithContext(ep.ctx)
	g.Go(func() error {
		return c.readLoop(ep)
	})
	g.Go(func() error {
		return c.writeLoop(gctx, ep)
	})
	g.Go(func() error {
		// Unblocks the read loop once anything else ended the epoch.
		<-gctx.Done()
		_ = ep.transport.Disconnect()
		return nil
	})
	err := g.Wait()
	ep.cancel()

	c.actor.sync(func() {
		if c.epoch != ep {
			return
		}
		c.epoch = nil
		reason := err
		if ep.local {
			reason = nil
		} else {
			c.logger.Errorf("Connection:run", "addr:%q connection lost: %v", c.address, err)
		}
		c.setState(StateDisconnected, reason)
	})
}

func (c *Connection) readLoop(ep *connEpoch) error {
	for {
		buf, err := ep.transport.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrRemoteClosed
			}
			return &TransportError{Op: "read", Addr: c.address, Err: err}
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)

		env := &Envelope{}
		ep.decoder = jlexer.Lexer{Data: buf}
		env.UnmarshalEasyJSON(&ep.decoder)
		if err := ep.decoder.Error(); err != nil {
			c.logger.Errorf("Connection:readLoop", "dropping message: %v", &DecodeError{Data: buf, Err: err})
			continue
		}

		kind, err := Classify(env)
		switch kind {
		case KindResponse:
			c.handler.HandleResponse(env)
		case KindEvent:
			c.handler.HandleEvent(env)
		default:
			c.logger.Errorf("Connection:readLoop", "dropping message %s: %v", buf, err)
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context, ep *connEpoch) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case buf := <-ep.sendCh:
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			c.logger.Debugf("cdp:send", "-> %s", buf)
			if err := ep.transport.Send(buf); err != nil {
				return &TransportError{Op: "write", Addr: c.address, Err: err}
			}
		}
	}
}

// Send encodes env and queues it for the write loop. It fails immediately
// with ErrNotConnected unless the connection is connected, and blocks while
// the send queue is full until there is room, the connection ends or ctx is
// done.
func (c *Connection) Send(ctx context.Context, env *Envelope) error {
	var ep *connEpoch
	if !c.actor.sync(func() {
		if c.state == StateConnected {
			ep = c.epoch
		}
	}) {
		return ErrNotConnected
	}
	if ep == nil {
		return ErrNotConnected
	}

	buf, err := easyjson.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", env.Method, err)
	}

	select {
	case ep.sendCh <- buf:
		return nil
	case <-ep.ctx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close gracefully closes a connected connection and waits for the loops to
// stop. It is a no-op in the idle and disconnected states.
func (c *Connection) Close() error {
	var (
		ep  *connEpoch
		err error
	)
	if !c.actor.sync(func() {
		switch c.state {
		case StateConnected:
			ep = c.epoch
			ep.local = true
			c.setState(StateDisconnecting, nil)
		case StateConnecting, StateDisconnecting:
			err = fmt.Errorf("closing while %s: %w", c.state, ErrInvalidState)
		}
	}) {
		return nil
	}
	if err != nil || ep == nil {
		return err
	}

	if derr := ep.transport.Disconnect(); derr != nil {
		c.logger.Debugf("Connection:Close", "addr:%q sending close frame: %v", c.address, derr)
	}
	ep.cancel()
	<-ep.done

	return nil
}

// State returns the current state and, for StateDisconnected, its reason.
func (c *Connection) State() (ConnectionState, error) {
	var (
		state  ConnectionState
		reason error
	)
	if !c.actor.sync(func() {
		state, reason = c.state, c.reason
	}) {
		return StateDisconnected, ErrClosed
	}
	return state, reason
}

// Address returns the address of the last connect attempt.
func (c *Connection) Address() string {
	var addr string
	c.actor.sync(func() {
		addr = c.address
	})
	return addr
}

// setState must run on the actor.
func (c *Connection) setState(state ConnectionState, reason error) {
	c.logger.Debugf("Connection:setState", "addr:%q %s -> %s reason:%v", c.address, c.state, state, reason)
	c.state, c.reason = state, reason
	if c.observer != nil {
		c.observer.ObserveState(StateChange{State: state, Reason: reason, Address: c.address})
	}
}
