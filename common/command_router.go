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
	"time"

	"github.com/loadimpact/janus/log"

	"github.com/mailru/easyjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loadimpact/janus/common"

// Command is an outbound request.
type Command struct {
	Method string
	// Params is the raw JSON params object, nil when the command has none.
	Params    easyjson.RawMessage
	SessionID string
	// Timeout overrides the router default when positive.
	Timeout time.Duration
}

// Sender hands an encoded envelope to the transport.
type Sender interface {
	Send(ctx context.Context, env *Envelope) error
}

// SenderFunc is an adapter to allow regular functions to be used as a Sender.
type SenderFunc func(ctx context.Context, env *Envelope) error

// Send calls f(ctx, env).
func (f SenderFunc) Send(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// CommandRouterOptions tune a CommandRouter.
type CommandRouterOptions struct {
	DefaultTimeout  time.Duration
	MaxPending      int
	MailboxCapacity int
	TracerProvider  trace.TracerProvider
}

// CommandStats counts command outcomes since the router was created.
type CommandStats struct {
	Sent      uint64
	Completed uint64
	Failed    uint64
	TimedOut  uint64
	Canceled  uint64
	Unmatched uint64
	Pending   int
}

// CommandRouter assigns request ids, tracks outstanding commands and
// resolves them from responses, timeouts or connection loss.
type CommandRouter struct {
	logger *log.Logger
	actor  *actor
	sender Sender
	opts   CommandRouterOptions
	tracer trace.Tracer

	// Owned by actor.
	nextID  int64
	pending map[int64]*PendingRequest
	stats   CommandStats
}

// PendingRequest is the handle of an outstanding command. It resolves
// exactly once.
type PendingRequest struct {
	ID        int64
	Method    string
	SessionID string
	Deadline  time.Time

	router  *CommandRouter
	timeout time.Duration
	timer   *time.Timer
	span    trace.Span

	done   chan struct{}
	result easyjson.RawMessage
	err    error
}

// NewCommandRouter creates a router sending through sender. When ctx is done
// every pending command resolves with ErrClosed.
func NewCommandRouter(ctx context.Context, sender Sender, opts CommandRouterOptions, logger *log.Logger) *CommandRouter {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPendingCommands
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	r := &CommandRouter{
		logger:  logger,
		sender:  sender,
		opts:    opts,
		tracer:  opts.TracerProvider.Tracer(tracerName),
		pending: make(map[int64]*PendingRequest),
	}
	r.actor = newActor(ctx, opts.MailboxCapacity, func() {
		r.failAll(ErrClosed)
	})
	return r
}

// Submit registers cmd under the next request id and hands it to the sender.
// The returned handle resolves with the response, an error response, a
// timeout or connection loss. If the send itself fails, the command is
// forgotten and the error returned.
func (r *CommandRouter) Submit(ctx context.Context, cmd Command) (*PendingRequest, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}

	_, span := r.tracer.Start(ctx, "cdp "+cmd.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cdp.method", cmd.Method),
			attribute.String("cdp.session_id", cmd.SessionID),
		),
	)

	var (
		p   *PendingRequest
		err error
	)
	if !r.actor.sync(func() {
		if len(r.pending) >= r.opts.MaxPending {
			err = fmt.Errorf("%s: %d outstanding: %w", cmd.Method, len(r.pending), ErrTooManyPending)
			return
		}
		r.nextID++
		p = &PendingRequest{
			ID:        r.nextID,
			Method:    cmd.Method,
			SessionID: cmd.SessionID,
			Deadline:  time.Now().Add(timeout),
			router:    r,
			timeout:   timeout,
			span:      span,
			done:      make(chan struct{}),
		}
		r.pending[p.ID] = p
		p.timer = time.AfterFunc(timeout, func() {
			r.actor.async(func() {
				r.expire(p)
			})
		})
	}) {
		err = ErrClosed
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.Int64("cdp.id", p.ID))

	env := &Envelope{
		ID:        p.ID,
		HasID:     true,
		Method:    cmd.Method,
		SessionID: cmd.SessionID,
		Params:    cmd.Params,
	}
	if err := r.sender.Send(ctx, env); err != nil {
		r.actor.sync(func() {
			if r.pending[p.ID] == p {
				r.resolve(p, nil, err)
			}
		})
		return nil, err
	}
	r.actor.async(func() {
		r.stats.Sent++
	})

	return p, nil
}

// HandleResponse resolves the pending command matching env.ID. Responses for
// unknown or already resolved ids are discarded.
func (r *CommandRouter) HandleResponse(env *Envelope) {
	r.actor.async(func() {
		p, ok := r.pending[env.ID]
		if !ok {
			r.stats.Unmatched++
			r.logger.Debugf("CommandRouter:HandleResponse", "discarding response for unknown id %d", env.ID)
			return
		}
		if env.Error != nil {
			r.resolve(p, nil, &ProtocolError{ID: p.ID, Method: p.Method, WireError: env.Error})
			return
		}
		r.resolve(p, env.Result, nil)
	})
}

// FailAll resolves every pending command with a ConnectionLostError carrying
// reason and returns how many were failed.
func (r *CommandRouter) FailAll(reason error) int {
	var n int
	r.actor.sync(func() {
		n = r.failAll(&ConnectionLostError{Cause: reason})
	})
	return n
}

// Pending returns the number of outstanding commands.
func (r *CommandRouter) Pending() int {
	var n int
	r.actor.sync(func() {
		n = len(r.pending)
	})
	return n
}

// Stats returns a snapshot of the command counters.
func (r *CommandRouter) Stats() CommandStats {
	var s CommandStats
	r.actor.sync(func() {
		s = r.stats
		s.Pending = len(r.pending)
	})
	return s
}

func (r *CommandRouter) cancel(p *PendingRequest) {
	r.actor.sync(func() {
		if r.pending[p.ID] == p {
			r.resolve(p, nil, context.Canceled)
		}
	})
}

// expire runs on the actor when the timer of p fires. A response that won
// the race already removed p from the table.
func (r *CommandRouter) expire(p *PendingRequest) {
	if r.pending[p.ID] != p {
		return
	}
	r.logger.Debugf("CommandRouter:expire", "id:%d method:%s timeout:%s", p.ID, p.Method, p.timeout)
	r.resolve(p, nil, &TimeoutError{ID: p.ID, Method: p.Method, Timeout: p.timeout})
}

func (r *CommandRouter) failAll(err error) int {
	n := len(r.pending)
	for _, p := range r.pending {
		r.resolve(p, nil, err)
	}
	return n
}

// resolve must run on the actor.
func (r *CommandRouter) resolve(p *PendingRequest, result easyjson.RawMessage, err error) {
	delete(r.pending, p.ID)
	p.timer.Stop()
	p.result, p.err = result, err
	close(p.done)

	var timeoutErr *TimeoutError
	switch {
	case err == nil:
		r.stats.Completed++
	case errors.As(err, &timeoutErr):
		r.stats.TimedOut++
	case errors.Is(err, context.Canceled):
		r.stats.Canceled++
	default:
		r.stats.Failed++
	}

	if err != nil {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
	}
	p.span.End()
}

// Done is closed once the request has resolved.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *PendingRequest) Result() (easyjson.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	default:
		return nil, errors.New("request has not resolved yet")
	}
}

// Wait blocks until the request resolves or ctx is done. Giving up on ctx
// leaves the request pending; call Cancel to forget it.
func (p *PendingRequest) Wait(ctx context.Context) (easyjson.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel forgets the request and resolves it with context.Canceled. It does
// nothing if the request already resolved.
func (p *PendingRequest) Cancel() {
	p.router.cancel(p)
}
