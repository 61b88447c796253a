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
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadimpact/janus/tests/ws"
)

func TestSessionTimeout(t *testing.T) {
	t.Parallel()

	c, _, _ := connectTestClient(t, ClientOptions{})
	s := c.Session(ws.SessionID)

	c.SetDefaultTimeout(40 * time.Millisecond)
	p, err := s.Submit(context.Background(), Command{Method: "Test.hang"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(40*time.Millisecond), p.Deadline, 40*time.Millisecond,
		"the session inherits the client timeout")
	waitResolved(t, p)

	s.SetDefaultTimeout(time.Hour)
	p, err = s.Submit(context.Background(), Command{Method: "Test.hang"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), p.Deadline, time.Second)
	p.Cancel()

	// A shorter ctx deadline wins over the configured timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = s.Execute(ctx, "Test.hang", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSessionCommands(t *testing.T) {
	t.Parallel()

	c, _, rec := connectTestClient(t, ClientOptions{})
	s := c.Session(ws.SessionID)

	require.NoError(t, page.Enable().Do(cdp.WithExecutor(context.Background(), s)))

	all, err := s.Subscribe(EventAll)
	require.NoError(t, err)
	p, err := s.Submit(context.Background(), Command{Method: "Test.emit", Params: []byte(`{"count":2}`)})
	require.NoError(t, err)
	assert.Equal(t, ws.SessionID, p.SessionID)
	waitResolved(t, p)

	for i := 0; i < 2; i++ {
		ev := receive(t, all)
		assert.Equal(t, cdproto.EventPageLoadEventFired, ev.Method)
		assert.Equal(t, ws.SessionID, ev.SessionID)
	}
	assert.Equal(t, []cdproto.MethodType{cdproto.CommandPageEnable, "Test.emit"}, rec.Methods())
}
