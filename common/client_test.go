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
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/loadimpact/janus/errext"
	"github.com/loadimpact/janus/event"
	"github.com/loadimpact/janus/tests/ws"
)

// browserHandler extends the default fake browser with a few test commands:
// Test.hang never answers, Test.crash drops the connection, Test.emit sends
// params.count Page.loadEventFired events before answering and Test.fail
// answers with an error.
func browserHandler(conn *websocket.Conn, msg *cdproto.Message, w *ws.Writer) {
	switch string(msg.Method) {
	case "Test.hang":
	case "Test.crash":
		_ = conn.Close()
	case "Test.emit":
		n := gjson.GetBytes(msg.Params, "count").Int()
		for i := int64(0); i < n; i++ {
			w.Write(cdproto.Message{
				Method:    cdproto.EventPageLoadEventFired,
				SessionID: msg.SessionID,
				Params:    easyjson.RawMessage(`{"timestamp":1}`),
			})
		}
		w.Write(cdproto.Message{ID: msg.ID, SessionID: msg.SessionID, Result: easyjson.RawMessage(`{}`)})
	case "Test.fail":
		w.Write(cdproto.Message{ID: msg.ID, Error: &cdproto.Error{Code: -32000, Message: "boom"}})
	case browser.CommandGetVersion:
		w.Write(cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{
			"protocolVersion": "1.3",
			"product": "HeadlessChrome/120.0.0.0",
			"revision": "@1",
			"userAgent": "janus",
			"jsVersion": "12.0"
		}`)})
	default:
		ws.CDPDefaultHandler(conn, msg, w)
	}
}

func newTestClient(t *testing.T, opts ClientOptions) (*Client, *ws.Server, *ws.Recorder) {
	t.Helper()

	rec := &ws.Recorder{}
	server := ws.NewServer(t,
		ws.WithCDPHandler("/cdp", browserHandler, rec),
		ws.WithVersionHandler("/cdp"),
	)
	c := NewClient(context.Background(), opts, nullLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c, server, rec
}

func connectTestClient(t *testing.T, opts ClientOptions) (*Client, *ws.Server, *ws.Recorder) {
	t.Helper()

	c, server, rec := newTestClient(t, opts)
	require.NoError(t, c.Connect(context.Background(), server.URL("/cdp")))
	return c, server, rec
}

func TestClientCall(t *testing.T) {
	t.Parallel()

	c, _, rec := connectTestClient(t, ClientOptions{})

	res, err := c.Call(context.Background(), Command{Method: "Target.setDiscoverTargets", Params: easyjson.RawMessage(`{"discover":true}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(res))

	_, err = c.Call(context.Background(), Command{Method: "Test.fail"})
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int64(-32000), perr.Code)
	assert.Equal(t, "boom", perr.Message)

	assert.Equal(t, []cdproto.MethodType{"Target.setDiscoverTargets", "Test.fail"}, rec.Methods())

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Sent)
	assert.EqualValues(t, 1, stats.Completed)
	assert.EqualValues(t, 1, stats.Failed)
}

func TestClientExecute(t *testing.T) {
	t.Parallel()

	c, _, _ := connectTestClient(t, ClientOptions{})
	ctx := cdp.WithExecutor(context.Background(), c)

	protocol, product, _, userAgent, _, err := browser.GetVersion().Do(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.3", protocol)
	assert.Equal(t, "HeadlessChrome/120.0.0.0", product)
	assert.Equal(t, "janus", userAgent)

	require.NoError(t, target.SetDiscoverTargets(true).Do(ctx))
}

func TestClientSession(t *testing.T) {
	t.Parallel()

	c, _, rec := connectTestClient(t, ClientOptions{})

	created, err := c.Subscribe(cdproto.EventTargetAttachedToTarget)
	require.NoError(t, err)

	s, err := c.AttachToTarget(context.Background(), "target_id_0123456789")
	require.NoError(t, err)
	assert.Equal(t, target.SessionID(ws.SessionID), s.ID())

	ev := receive(t, created)
	v, err := ev.Decode()
	require.NoError(t, err)
	attached, ok := v.(*target.EventAttachedToTarget)
	require.True(t, ok, "got %T", v)
	assert.Equal(t, target.SessionID(ws.SessionID), attached.SessionID)

	require.NoError(t, page.Enable().Do(cdp.WithExecutor(context.Background(), s)))

	scoped, err := s.Subscribe(cdproto.EventPageLoadEventFired)
	require.NoError(t, err)
	other, err := c.Session("another").Subscribe(cdproto.EventPageLoadEventFired)
	require.NoError(t, err)

	p, err := s.Submit(context.Background(), Command{Method: "Test.emit", Params: easyjson.RawMessage(`{"count":1}`)})
	require.NoError(t, err)
	waitResolved(t, p)
	_, err = p.Result()
	require.NoError(t, err)

	ev = receive(t, scoped)
	assert.Equal(t, ws.SessionID, ev.SessionID)
	c.EventStats()
	assertEmpty(t, other)

	err = s.Execute(context.Background(), target.CommandCloseTarget, nil, nil)
	require.Error(t, err)

	assert.Equal(t, []cdproto.MethodType{
		cdproto.CommandTargetAttachToTarget,
		cdproto.CommandPageEnable,
		"Test.emit",
	}, rec.Methods())
}

// reverseBatchHandler holds back n commands and then answers them newest
// first, each with its own id as result.
func reverseBatchHandler(n int) ws.CDPHandlerFunc {
	var held []int64
	return func(_ *websocket.Conn, msg *cdproto.Message, w *ws.Writer) {
		held = append(held, msg.ID)
		if len(held) < n {
			return
		}
		for i := len(held) - 1; i >= 0; i-- {
			w.Write(cdproto.Message{ID: held[i], Result: easyjson.RawMessage(fmt.Sprintf(`{"n":%d}`, held[i]))})
		}
		held = held[:0]
	}
}

func TestClientOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	const n = 50
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", reverseBatchHandler(n), nil))
	c := NewClient(context.Background(), ClientOptions{}, nullLogger())
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background(), server.URL("/cdp")))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[int64]int)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Submit(context.Background(), Command{Method: "Runtime.evaluate"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[p.ID]++
			mu.Unlock()

			res, err := p.Wait(context.Background())
			if assert.NoError(t, err) {
				assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, p.ID), string(res), "request %d got another result", p.ID)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, n)
	for id, count := range ids {
		assert.Equal(t, 1, count, "id %d handed out more than once", id)
	}
	stats := c.Stats()
	assert.EqualValues(t, n, stats.Completed)
	assert.Equal(t, 0, stats.Pending)
}

func TestClientMultipleSubscribers(t *testing.T) {
	t.Parallel()

	c, _, _ := connectTestClient(t, ClientOptions{})

	a, err := c.Subscribe(cdproto.EventPageLoadEventFired)
	require.NoError(t, err)
	b, err := c.Subscribe(cdproto.EventPageLoadEventFired)
	require.NoError(t, err)
	all, err := c.Subscribe(EventAll)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), Command{Method: "Test.emit", Params: easyjson.RawMessage(`{"count":1}`)})
	require.NoError(t, err)

	for _, sub := range []*Subscription{a, b, all} {
		ev := receive(t, sub)
		assert.Equal(t, cdproto.EventPageLoadEventFired, ev.Method)
		assert.JSONEq(t, `{"timestamp":1}`, string(ev.Params))
	}
}

func TestClientTimeout(t *testing.T) {
	t.Parallel()

	c, _, _ := connectTestClient(t, ClientOptions{})

	start := time.Now()
	_, err := c.Call(context.Background(), Command{Method: "Test.hang", Timeout: 100 * time.Millisecond})
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "Test.hang", terr.Method)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	c.SetDefaultTimeout(50 * time.Millisecond)
	err = c.Execute(context.Background(), "Test.hang", nil, nil)
	require.ErrorIs(t, err, ErrTimeout)

	// The connection is still usable.
	_, err = c.Call(context.Background(), Command{Method: "Page.enable"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, c.Stats().TimedOut)
}

func TestClientCallCanceled(t *testing.T) {
	t.Parallel()

	c, _, _ := connectTestClient(t, ClientOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.Call(ctx, Command{Method: "Test.hang"})
	require.ErrorIs(t, err, context.Canceled)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Canceled)
	assert.Equal(t, 0, stats.Pending)
}

func TestClientConnectionLost(t *testing.T) {
	t.Parallel()

	c, _, _ := connectTestClient(t, ClientOptions{})

	_, healthCh := c.HealthEvents(event.ConnectionLost)
	sub, err := c.Subscribe(cdproto.EventPageLoadEventFired)
	require.NoError(t, err)

	hung, err := c.Submit(context.Background(), Command{Method: "Test.hang"})
	require.NoError(t, err)
	_, err = c.Call(context.Background(), Command{Method: "Test.crash"})
	var lerr *ConnectionLostError
	require.ErrorAs(t, err, &lerr)

	waitResolved(t, hung)
	_, err = hung.Result()
	require.ErrorIs(t, err, ErrConnectionLost)

	ev := receive(t, sub)
	assert.Equal(t, EventConnectionLost, ev.Method)
	require.Error(t, ev.Err)

	select {
	case e := <-healthCh:
		assert.Equal(t, event.ConnectionLost, e.Type)
		require.Error(t, e.Data.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no connection lost health event")
	}

	state, reason := c.State()
	assert.Equal(t, StateDisconnected, state)
	require.Error(t, reason)
	assert.Equal(t, 1, c.Health().Failures)

	_, err = c.Call(context.Background(), Command{Method: "Page.enable"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClientSlowSubscriber(t *testing.T) {
	t.Parallel()

	c, _, _ := connectTestClient(t, ClientOptions{EventBufferSize: 2})

	sub, err := c.Subscribe(cdproto.EventPageLoadEventFired)
	require.NoError(t, err)

	_, err = c.Call(context.Background(), Command{Method: "Test.emit", Params: easyjson.RawMessage(`{"count":5}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.EventStats().Dropped == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, sub.Err(), ErrSubscriberUnavailable)

	// Neither the connection nor other commands are affected.
	_, err = c.Call(context.Background(), Command{Method: "Page.enable"})
	require.NoError(t, err)
	receive(t, sub)
	receive(t, sub)
}

func TestClientDiscovery(t *testing.T) {
	t.Parallel()

	c, server, _ := newTestClient(t, ClientOptions{})
	require.NoError(t, c.Connect(context.Background(), server.HTTPURL()))
	assert.Equal(t, StateConnected, c.Health().State)
	assert.Equal(t, server.URL("/cdp"), c.Health().Address)

	_, err := c.Call(context.Background(), Command{Method: "Page.enable"})
	require.NoError(t, err)
}

func TestClientConnectErrors(t *testing.T) {
	t.Parallel()

	c, server, _ := newTestClient(t, ClientOptions{ConnectTimeout: time.Second})

	err := c.Connect(context.Background(), "ftp://127.0.0.1:9222")
	var hh errext.HasHint
	require.ErrorAs(t, err, &hh)
	assert.NotEmpty(t, hh.Hint())

	err = c.Connect(context.Background(), server.URL("/nothing-here"))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "connect", terr.Op)
	code, ok := errext.ExitCodeOf(err)
	require.True(t, ok)
	assert.NotZero(t, code)

	// /status/404 is answered by httpbin.
	err = c.Connect(context.Background(), server.HTTPURL()+"/status/404")
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "discover", terr.Op)
}

func TestClientReconnect(t *testing.T) {
	t.Parallel()

	c, server, _ := connectTestClient(t, ClientOptions{})
	sub, err := c.Subscribe(EventAll)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	ev := receive(t, sub)
	assert.Equal(t, EventConnectionLost, ev.Method)
	assert.NoError(t, ev.Err, "a graceful disconnect has no cause")
	assert.Equal(t, 0, c.Health().Failures)

	require.NoError(t, c.Connect(context.Background(), server.URL("/cdp")))
	_, err = c.Call(context.Background(), Command{Method: "Test.emit", Params: easyjson.RawMessage(`{"count":1}`)})
	require.NoError(t, err)
	assert.Equal(t, cdproto.EventPageLoadEventFired, receive(t, sub).Method)
}

func TestClientClose(t *testing.T) {
	t.Parallel()

	c, _, _ := connectTestClient(t, ClientOptions{})
	sub, err := c.Subscribe(EventAll)
	require.NoError(t, err)
	_, healthCh := c.HealthEvents(event.Disconnected)

	require.NoError(t, c.Close())

	// The graceful loss notice may still be buffered before the close.
	for range sub.Events() {
	}
	for range healthCh {
	}

	_, err = c.Call(context.Background(), Command{Method: "Page.enable"})
	require.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrNotConnected), "got %v", err)
}
