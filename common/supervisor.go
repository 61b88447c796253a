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
	"time"

	"github.com/loadimpact/janus/event"
	"github.com/loadimpact/janus/log"
)

// CommandFailer fails every outstanding command.
type CommandFailer interface {
	FailAll(reason error) int
}

// LossNotifier tells subscribers that the connection went down.
type LossNotifier interface {
	NotifyConnectionLost(reason error)
}

// SupervisorOptions tune the failure bookkeeping of a Supervisor.
type SupervisorOptions struct {
	// MaxFailures is how many abnormal disconnects are tolerated within
	// FailureWindow before the connection is reported as exhausted.
	MaxFailures     int
	FailureWindow   time.Duration
	MailboxCapacity int
}

// Health is a snapshot of the connection health.
type Health struct {
	State     ConnectionState
	Address   string
	LastError error
	Since     time.Time
	// Failures within the current window.
	Failures  int
	Exhausted bool
}

// Supervisor turns connection state changes into their consequences:
// on disconnect every pending command fails and every subscription is
// notified. It also keeps the health record and publishes health events.
type Supervisor struct {
	logger   *log.Logger
	actor    *actor
	commands CommandFailer
	events   LossNotifier
	health   *event.System
	opts     SupervisorOptions
	now      func() time.Time

	// Owned by actor.
	current  Health
	failures []time.Time
}

var _ StateObserver = &Supervisor{}

// NewSupervisor creates a supervisor. health may be nil.
func NewSupervisor(
	ctx context.Context,
	commands CommandFailer,
	events LossNotifier,
	health *event.System,
	opts SupervisorOptions,
	logger *log.Logger,
) *Supervisor {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = DefaultFailureWindow
	}
	s := &Supervisor{
		logger:   logger,
		commands: commands,
		events:   events,
		health:   health,
		opts:     opts,
		now:      time.Now,
	}
	s.current = Health{State: StateIdle, Since: s.now()}
	s.actor = newActor(ctx, opts.MailboxCapacity, nil)
	return s
}

// ObserveState implements StateObserver.
func (s *Supervisor) ObserveState(change StateChange) {
	var (
		snapshot     Health
		exhaustedNow bool
	)
	if !s.actor.sync(func() {
		now := s.now()
		s.current.State = change.State
		s.current.Address = change.Address
		s.current.Since = now
		switch change.State {
		case StateConnected:
			s.current.LastError = nil
		case StateDisconnected:
			s.current.LastError = change.Reason
			if change.Reason != nil {
				wasExhausted := s.current.Exhausted
				s.recordFailure(now)
				exhaustedNow = s.current.Exhausted && !wasExhausted
			}
		}
		snapshot = s.current
	}) {
		return
	}

	var typ event.Type
	switch change.State {
	case StateConnecting:
		typ = event.Connecting
	case StateConnected:
		typ = event.Connected
	case StateDisconnecting:
		typ = event.Disconnecting
	case StateDisconnected:
		typ = event.Disconnected
		failed := s.commands.FailAll(change.Reason)
		s.events.NotifyConnectionLost(change.Reason)
		s.logger.Debugf("Supervisor:ObserveState", "addr:%q disconnected reason:%v failed commands:%d",
			change.Address, change.Reason, failed)
	default:
		return
	}

	s.emit(typ, snapshot)
	if change.State == StateDisconnected && change.Reason != nil {
		s.emit(event.ConnectionLost, snapshot)
	}
	if exhaustedNow {
		s.logger.Warnf("Supervisor:ObserveState", "addr:%q %d failures within %s",
			change.Address, snapshot.Failures, s.opts.FailureWindow)
		s.emit(event.Exhausted, snapshot)
	}
}

// Health returns the current health snapshot.
func (s *Supervisor) Health() Health {
	var h Health
	if !s.actor.sync(func() {
		s.pruneFailures(s.now())
		h = s.current
	}) {
		h = Health{State: StateDisconnected, LastError: ErrClosed}
	}
	return h
}

// recordFailure must run on the actor.
func (s *Supervisor) recordFailure(now time.Time) {
	s.failures = append(s.failures, now)
	s.pruneFailures(now)
}

// pruneFailures drops failures older than the window. Must run on the actor.
func (s *Supervisor) pruneFailures(now time.Time) {
	windowStart := now.Add(-s.opts.FailureWindow)
	i := 0
	for i < len(s.failures) && !s.failures[i].After(windowStart) {
		i++
	}
	s.failures = s.failures[i:]
	s.current.Failures = len(s.failures)
	s.current.Exhausted = len(s.failures) > s.opts.MaxFailures
}

func (s *Supervisor) emit(typ event.Type, h Health) {
	if s.health == nil {
		return
	}
	s.health.Emit(&event.Event{
		Type: typ,
		Time: h.Since,
		Data: &event.HealthData{
			Address:  h.Address,
			Err:      h.LastError,
			Failures: h.Failures,
		},
	})
}
