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

package cmd

import (
	"bytes"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/loadimpact/janus/errext/exitcodes"
	"github.com/loadimpact/janus/tests/ws"
)

func execHandler(conn *websocket.Conn, msg *cdproto.Message, w *ws.Writer) {
	switch string(msg.Method) {
	case "Browser.getVersion":
		w.Write(cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(
			`{"protocolVersion":"1.3","product":"HeadlessChrome/120.0.0.0","userAgent":"janus"}`)})
	case "Runtime.evaluate":
		// Echo the params back.
		w.Write(cdproto.Message{ID: msg.ID, SessionID: msg.SessionID, Result: msg.Params})
	case "Test.fail":
		w.Write(cdproto.Message{ID: msg.ID, Error: &cdproto.Error{Code: -32601, Message: "'Test.fail' wasn't found"}})
	case "Test.hang":
	default:
		ws.CDPDefaultHandler(conn, msg, w)
	}
}

func newExecServer(t *testing.T) (*ws.Server, *ws.Recorder) {
	t.Helper()
	rec := &ws.Recorder{}
	srv := ws.NewServer(t,
		ws.WithCDPHandler("/cdp", execHandler, rec),
		ws.WithVersionHandler("/cdp"),
	)
	return srv, rec
}

func TestExec(t *testing.T) {
	t.Parallel()

	srv, rec := newExecServer(t)

	ts := newTestState(t, "exec", "Browser.getVersion", "--address", srv.URL("/cdp"))
	newRootCommand(ts.GlobalState).execute()

	out := ts.StdoutString()
	assert.Equal(t, "HeadlessChrome/120.0.0.0", gjson.Get(out, "product").String())
	assert.Contains(t, out, "\n  \"product\"", "pretty printed by default")
	assert.Equal(t, []cdproto.MethodType{"Browser.getVersion"}, rec.Methods())
}

func TestExecQuery(t *testing.T) {
	t.Parallel()

	srv, _ := newExecServer(t)

	ts := newTestState(t, "exec", "Browser.getVersion", "-a", srv.URL("/cdp"), "--query", "userAgent")
	newRootCommand(ts.GlobalState).execute()
	assert.Equal(t, "janus\n", ts.StdoutString())

	ts = newTestState(t, "exec", "Browser.getVersion", "-a", srv.URL("/cdp"), "--query", "nothing")
	ts.ExpectedExitCode = -1
	newRootCommand(ts.GlobalState).execute()
	assert.Contains(t, ts.StderrString(), "matched nothing")
}

func TestExecParams(t *testing.T) {
	t.Parallel()

	srv, _ := newExecServer(t)

	t.Run("argument", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, "exec", "Runtime.evaluate", `{"expression":"1+1"}`,
			"-a", srv.URL("/cdp"), "--compact", "--session", ws.SessionID)
		newRootCommand(ts.GlobalState).execute()
		assert.Equal(t, "{\"expression\":\"1+1\"}\n", ts.StdoutString())
	})

	t.Run("stdin", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, "exec", "Runtime.evaluate", "-", "-a", srv.URL("/cdp"), "--compact")
		ts.Stdin = bytes.NewBufferString("{\"expression\": \"2+2\"}\n")
		newRootCommand(ts.GlobalState).execute()
		assert.Equal(t, "{\"expression\":\"2+2\"}\n", ts.StdoutString())
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, "exec", "Runtime.evaluate", `[1,2]`, "-a", srv.URL("/cdp"))
		ts.ExpectedExitCode = int(exitcodes.InvalidConfig)
		newRootCommand(ts.GlobalState).execute()
		assert.Contains(t, ts.StderrString(), "must be a JSON object")
		assert.Contains(t, ts.StderrString(), "hint=")
	})
}

func TestExecErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newExecServer(t)

	testCases := []struct {
		name     string
		args     []string
		exitCode exitcodes.ExitCode
		stderr   string
	}{
		{
			name:     "browser error",
			args:     []string{"exec", "Test.fail", "-a", srv.URL("/cdp")},
			exitCode: exitcodes.BrowserError,
			stderr:   "wasn't found",
		},
		{
			name:     "timeout",
			args:     []string{"exec", "Test.hang", "-a", srv.URL("/cdp"), "--timeout", "100ms"},
			exitCode: exitcodes.CommandTimeout,
			stderr:   "no response within",
		},
		{
			name:     "connection failed",
			args:     []string{"exec", "Page.enable", "-a", srv.URL("/nothing"), "--connect-timeout", "1s"},
			exitCode: exitcodes.ConnectionFailed,
			stderr:   "remote-debugging-port",
		},
		{
			name:     "invalid config",
			args:     []string{"exec", "Page.enable", "-a", srv.URL("/cdp"), "--timeout", "0s"},
			exitCode: exitcodes.InvalidConfig,
			stderr:   "commandTimeout must be greater than 0",
		},
		{
			name:     "invalid traces output",
			args:     []string{"exec", "Page.enable", "-a", srv.URL("/cdp"), "--traces-output", "zipkin"},
			exitCode: exitcodes.InvalidConfig,
			stderr:   "invalid traces output",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ts := newTestState(t, tc.args...)
			ts.ExpectedExitCode = int(tc.exitCode)
			newRootCommand(ts.GlobalState).execute()
			assert.Contains(t, ts.StderrString(), tc.stderr)
			assert.Empty(t, ts.StdoutString())
		})
	}
}

func TestExecDiscovery(t *testing.T) {
	t.Parallel()

	srv, rec := newExecServer(t)

	ts := newTestState(t, "exec", "Page.enable", "-a", srv.HTTPURL())
	newRootCommand(ts.GlobalState).execute()
	assert.Equal(t, "{}\n", ts.StdoutString())
	assert.Equal(t, []cdproto.MethodType{"Page.enable"}, rec.Methods())
}

func TestExecConfigSources(t *testing.T) {
	t.Parallel()

	srv, _ := newExecServer(t)

	t.Run("default config file", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, "exec", "Browser.getVersion", "--query", "protocolVersion")
		require.NoError(t, afero.WriteFile(ts.FS, ts.DefaultFlags.ConfigFilePath,
			[]byte(`{"address":"`+srv.URL("/cdp")+`"}`), 0o644))
		newRootCommand(ts.GlobalState).execute()
		assert.Equal(t, "1.3\n", ts.StdoutString())
	})

	t.Run("yaml config file", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, "exec", "Browser.getVersion", "--query", "protocolVersion", "-c", "/janus.yaml")
		require.NoError(t, afero.WriteFile(ts.FS, "/janus.yaml",
			[]byte("address: "+srv.URL("/cdp")+"\ncommandTimeout: 5s\n"), 0o644))
		newRootCommand(ts.GlobalState).execute()
		assert.Equal(t, "1.3\n", ts.StdoutString())
	})

	t.Run("missing explicit config file", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, "exec", "Browser.getVersion", "-c", "/nope.json")
		ts.ExpectedExitCode = int(exitcodes.InvalidConfig)
		newRootCommand(ts.GlobalState).execute()
		assert.Contains(t, ts.StderrString(), "reading config file")
	})

	t.Run("environment", func(t *testing.T) {
		t.Parallel()

		ts := newTestState(t, "exec", "Test.hang")
		ts.Env["JANUS_ADDRESS"] = srv.URL("/cdp")
		ts.Env["JANUS_COMMAND_TIMEOUT"] = "50ms"
		ts.ExpectedExitCode = int(exitcodes.CommandTimeout)
		newRootCommand(ts.GlobalState).execute()
	})
}
