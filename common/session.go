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
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

var _ cdp.Executor = &Session{}

// Session scopes commands and event subscriptions to one flattened CDP
// session. Its default timeout is inherited from the client unless set.
type Session struct {
	client          *Client
	id              target.SessionID
	timeoutSettings *TimeoutSettings
}

func newSession(c *Client, id target.SessionID) *Session {
	return &Session{
		client:          c,
		id:              id,
		timeoutSettings: NewTimeoutSettings(c.timeoutSettings),
	}
}

// ID returns the session id.
func (s *Session) ID() target.SessionID {
	return s.id
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	// Closing the target ends the session; it has to go through the client.
	if method == target.CommandCloseTarget {
		return errors.New("to close the target, execute Target.closeTarget on the client")
	}
	return s.client.execute(ctx, string(s.id), s.timeoutSettings, method, params, res)
}

// Submit sends cmd within the session without waiting for the result.
func (s *Session) Submit(ctx context.Context, cmd Command) (*PendingRequest, error) {
	cmd.SessionID = string(s.id)
	if cmd.Timeout <= 0 {
		cmd.Timeout = commandTimeout(ctx, s.timeoutSettings.timeout())
	}
	return s.client.Submit(ctx, cmd)
}

// Subscribe registers interest in method events of this session only. Use
// EventAll for every event of the session.
func (s *Session) Subscribe(method string) (*Subscription, error) {
	return s.client.events.Subscribe(EventKey{Method: method, Scope: string(s.id)})
}

// SetDefaultTimeout overrides the inherited command timeout.
func (s *Session) SetDefaultTimeout(timeout time.Duration) {
	s.timeoutSettings.setDefaultTimeout(timeout)
}
