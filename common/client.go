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
	"fmt"
	"net/url"
	"time"

	"github.com/loadimpact/janus/event"
	"github.com/loadimpact/janus/log"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"go.opentelemetry.io/otel/trace"
)

// ClientOptions configure a Client. Zero values fall back to the defaults.
type ClientOptions struct {
	ConnectTimeout     time.Duration
	CommandTimeout     time.Duration
	MaxPendingCommands int
	EventBufferSize    int
	WriteQueueSize     int
	MailboxCapacity    int
	MaxMessageSize     int64
	CommandRate        float64
	MaxFailures        int
	FailureWindow      time.Duration

	// TransportFactory defaults to WebSocket transports.
	TransportFactory TransportFactory
	// TracerProvider defaults to the global otel provider.
	TracerProvider trace.TracerProvider
}

// DefaultClientOptions returns the options used for unset fields.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ConnectTimeout:     DefaultConnectTimeout,
		CommandTimeout:     DefaultTimeout,
		MaxPendingCommands: DefaultMaxPendingCommands,
		EventBufferSize:    DefaultEventBufferSize,
		WriteQueueSize:     DefaultWriteQueueSize,
		MailboxCapacity:    DefaultMailboxCapacity,
		MaxMessageSize:     DefaultMaxMessageSize,
		MaxFailures:        DefaultMaxFailures,
		FailureWindow:      DefaultFailureWindow,
	}
}

// Client wires the connection, the command and event routers and the
// supervisor together. It is the entry point for issuing commands and
// subscribing to events on a single browser connection.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *log.Logger
	opts   ClientOptions

	conn            *Connection
	commands        *CommandRouter
	events          *EventRouter
	supervisor      *Supervisor
	health          *event.System
	timeoutSettings *TimeoutSettings
}

var (
	_ cdp.Executor   = &Client{}
	_ MessageHandler = &Client{}
)

// NewClient creates a disconnected client. Call Connect to open the
// connection and Close to release everything.
func NewClient(ctx context.Context, opts ClientOptions, logger *log.Logger) *Client {
	if logger == nil || logger.Log == nil {
		logger = log.NewNullLogger()
	}
	healthBuffer := opts.MailboxCapacity
	if healthBuffer <= 0 {
		healthBuffer = DefaultMailboxCapacity
	}
	if opts.TransportFactory == nil {
		maxSize := opts.MaxMessageSize
		if maxSize == 0 {
			maxSize = DefaultMaxMessageSize
		}
		opts.TransportFactory = NewWSTransportFactory(maxSize)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger,
		opts:            opts,
		health:          event.NewEventSystem(healthBuffer, logger.Log),
		timeoutSettings: NewTimeoutSettings(nil),
	}
	if opts.CommandTimeout > 0 {
		c.timeoutSettings.setDefaultTimeout(opts.CommandTimeout)
	}

	c.events = NewEventRouter(ctx, opts.EventBufferSize, opts.MailboxCapacity, logger)
	c.commands = NewCommandRouter(ctx, SenderFunc(func(ctx context.Context, env *Envelope) error {
		return c.conn.Send(ctx, env)
	}), CommandRouterOptions{
		DefaultTimeout:  opts.CommandTimeout,
		MaxPending:      opts.MaxPendingCommands,
		MailboxCapacity: opts.MailboxCapacity,
		TracerProvider:  opts.TracerProvider,
	}, logger)
	c.supervisor = NewSupervisor(ctx, c.commands, c.events, c.health, SupervisorOptions{
		MaxFailures:     opts.MaxFailures,
		FailureWindow:   opts.FailureWindow,
		MailboxCapacity: opts.MailboxCapacity,
	}, logger)
	c.conn = NewConnection(ctx, opts.TransportFactory, c, c.supervisor, ConnectionOptions{
		ConnectTimeout:  opts.ConnectTimeout,
		WriteQueueSize:  opts.WriteQueueSize,
		MailboxCapacity: opts.MailboxCapacity,
		CommandRate:     opts.CommandRate,
	}, logger)

	return c
}

// Connect opens the connection. An http(s) address is treated as a DevTools
// endpoint and resolved to its browser WebSocket URL first. Connecting a
// client that lost its connection reconnects it.
func (c *Client) Connect(ctx context.Context, address string) error {
	wsURL, err := c.resolveAddress(ctx, address)
	if err != nil {
		return withConnectHint(err)
	}
	if err := c.conn.Connect(ctx, wsURL, c.opts.ConnectTimeout); err != nil {
		return withConnectHint(err)
	}
	c.logger.Infof("Client:Connect", "connected to %s", wsURL)
	return nil
}

func (c *Client) resolveAddress(ctx context.Context, address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %w", address, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return address, nil
	case "http", "https":
		return DiscoverWSURL(ctx, address, c.logger)
	}
	return "", fmt.Errorf("unsupported address scheme %q, expected ws, wss, http or https", u.Scheme)
}

// Disconnect gracefully closes the connection. Pending commands fail with
// ErrConnectionLost and subscriptions receive EventConnectionLost. The
// client can connect again afterwards.
func (c *Client) Disconnect() error {
	return c.conn.Close()
}

// Close disconnects and stops the client. Subscription channels are closed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.cancel()
	<-c.conn.actor.stopped()
	<-c.commands.actor.stopped()
	<-c.events.actor.stopped()
	<-c.supervisor.actor.stopped()
	c.health.UnsubscribeAll()
	return err
}

// Submit sends cmd and returns its pending handle without waiting.
func (c *Client) Submit(ctx context.Context, cmd Command) (*PendingRequest, error) {
	if cmd.Timeout <= 0 {
		cmd.Timeout = commandTimeout(ctx, c.timeoutSettings.timeout())
	}
	return c.commands.Submit(ctx, cmd)
}

// Call sends cmd and waits for its result. If ctx is done first the command
// is canceled.
func (c *Client) Call(ctx context.Context, cmd Command) (easyjson.RawMessage, error) {
	p, err := c.Submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	res, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		p.Cancel()
	}
	return res, err
}

// Execute implements cdp.Executor so that cdproto commands can run through
// the client, e.g. page.Navigate(url).Do(cdp.WithExecutor(ctx, client)).
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.execute(ctx, "", c.timeoutSettings, method, params, res)
}

func (c *Client) execute(
	ctx context.Context, sessionID string, ts *TimeoutSettings,
	method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params of %s: %w", method, err)
		}
	}
	result, err := c.Call(ctx, Command{
		Method:    method,
		Params:    buf,
		SessionID: sessionID,
		Timeout:   commandTimeout(ctx, ts.timeout()),
	})
	if err != nil {
		return err
	}
	if res != nil && len(result) > 0 {
		return easyjson.Unmarshal(result, res)
	}
	return nil
}

// Subscribe registers interest in method across all sessions. Use EventAll
// to receive every event.
func (c *Client) Subscribe(method string) (*Subscription, error) {
	return c.events.Subscribe(EventKey{Method: method})
}

// SubscribeKey registers interest in key.
func (c *Client) SubscribeKey(key EventKey) (*Subscription, error) {
	return c.events.Subscribe(key)
}

// HealthEvents subscribes to connection health events of the given types.
func (c *Client) HealthEvents(types ...event.Type) (uint64, <-chan *event.Event) {
	return c.health.Subscribe(types...)
}

// UnsubscribeHealth removes a health subscription.
func (c *Client) UnsubscribeHealth(id uint64) {
	c.health.Unsubscribe(id)
}

// Health returns the supervisor's view of the connection.
func (c *Client) Health() Health {
	return c.supervisor.Health()
}

// State returns the connection state and, when disconnected, the reason.
func (c *Client) State() (ConnectionState, error) {
	return c.conn.State()
}

// Stats returns the command counters.
func (c *Client) Stats() CommandStats {
	return c.commands.Stats()
}

// EventStats returns the event delivery counters.
func (c *Client) EventStats() EventStats {
	return c.events.Stats()
}

// SetDefaultTimeout changes the timeout of commands issued without an
// explicit one.
func (c *Client) SetDefaultTimeout(timeout time.Duration) {
	c.timeoutSettings.setDefaultTimeout(timeout)
}

// Session returns a handle scoping commands and subscriptions to an existing
// flattened CDP session.
func (c *Client) Session(id target.SessionID) *Session {
	return newSession(c, id)
}

// AttachToTarget attaches to targetID in flattened mode and returns the new
// session.
func (c *Client) AttachToTarget(ctx context.Context, targetID target.ID) (*Session, error) {
	sessionID, err := target.AttachToTarget(targetID).WithFlatten(true).Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %s: %w", targetID, err)
	}
	return newSession(c, sessionID), nil
}

// HandleResponse implements MessageHandler.
func (c *Client) HandleResponse(env *Envelope) {
	c.commands.HandleResponse(env)
}

// HandleEvent implements MessageHandler.
func (c *Client) HandleEvent(env *Envelope) {
	c.events.HandleEvent(env)
}
