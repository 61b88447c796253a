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
	"errors"
	"fmt"
	"time"

	"github.com/loadimpact/janus/errext"
	"github.com/loadimpact/janus/errext/exitcodes"
)

var (
	ErrNotConnected          = errors.New("connection is not established")
	ErrInvalidState          = errors.New("invalid connection state")
	ErrTimeout               = errors.New("command timed out")
	ErrConnectionLost        = errors.New("connection lost")
	ErrSubscriberUnavailable = errors.New("subscriber unavailable")
	ErrTooManyPending        = errors.New("too many pending commands")
	ErrUnclassifiable        = errors.New("message has neither id nor method")
	ErrRemoteClosed          = errors.New("connection closed by remote")
	ErrClosed                = errors.New("client is closed")
	ErrBrowser               = errors.New("browser returned an error")
)

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExitCode implements errext.HasExitCode.
func (e *TransportError) ExitCode() exitcodes.ExitCode {
	if e.Op == "connect" || e.Op == "discover" {
		return exitcodes.ConnectionFailed
	}
	return exitcodes.ConnectionLost
}

// ProtocolError is an error response returned by the browser for a command.
type ProtocolError struct {
	ID     int64
	Method string
	*WireError
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s (id %d): %s", e.Method, e.ID, e.WireError)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrBrowser }

// ExitCode implements errext.HasExitCode.
func (e *ProtocolError) ExitCode() exitcodes.ExitCode { return exitcodes.BrowserError }

// TimeoutError resolves a command whose deadline passed without a response.
type TimeoutError struct {
	ID      int64
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d): no response within %s", e.Method, e.ID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ExitCode implements errext.HasExitCode.
func (e *TimeoutError) ExitCode() exitcodes.ExitCode { return exitcodes.CommandTimeout }

// ConnectionLostError resolves every pending command when the connection
// goes down. Cause is nil when the client closed the connection itself.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return ErrConnectionLost.Error() + ": connection closed"
	}
	return fmt.Sprintf("%v: %v", ErrConnectionLost, e.Cause)
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionLost}
	}
	return []error{ErrConnectionLost, e.Cause}
}

// ExitCode implements errext.HasExitCode.
func (e *ConnectionLostError) ExitCode() exitcodes.ExitCode { return exitcodes.ConnectionLost }

// SubscriberUnavailableError reports that events were dropped for a
// subscription because its buffer was full.
type SubscriberUnavailableError struct {
	SubscriptionID uint64
	Key            EventKey
	Dropped        uint64
}

func (e *SubscriberUnavailableError) Error() string {
	return fmt.Sprintf("subscription %d (%s): %d events dropped", e.SubscriptionID, e.Key, e.Dropped)
}

func (e *SubscriberUnavailableError) Unwrap() error { return ErrSubscriberUnavailable }

// DecodeError is an inbound frame that could not be parsed.
type DecodeError struct {
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	const limit = 256
	data := e.Data
	if len(data) > limit {
		data = data[:limit]
	}
	return fmt.Sprintf("decoding message %q: %v", data, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// withConnectHint attaches the user facing hint for failed connection attempts.
func withConnectHint(err error) error {
	return errext.WithHint(err,
		"make sure the browser was started with --remote-debugging-port and that the address is reachable")
}

var (
	_ errext.HasExitCode = &TransportError{}
	_ errext.HasExitCode = &ProtocolError{}
	_ errext.HasExitCode = &TimeoutError{}
	_ errext.HasExitCode = &ConnectionLostError{}
)
