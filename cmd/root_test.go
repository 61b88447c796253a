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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loadimpact/janus/cmd/tests"
	"github.com/loadimpact/janus/errext/exitcodes"
)

func newTestState(t *testing.T, args ...string) *tests.GlobalTestState {
	t.Helper()
	ts := tests.NewGlobalTestState(t)
	ts.CmdArgs = append([]string{"janus"}, args...)
	return ts
}

func TestRootVersionFlag(t *testing.T) {
	t.Parallel()

	ts := newTestState(t, "--version")
	newRootCommand(ts.GlobalState).execute()

	assert.Contains(t, ts.StdoutString(), "janus v0.1.0")
}

func TestRootHelp(t *testing.T) {
	t.Parallel()

	ts := newTestState(t, "--help")
	newRootCommand(ts.GlobalState).execute()

	out := ts.StdoutString()
	assert.Contains(t, out, "exec")
	assert.Contains(t, out, "listen")
	assert.Contains(t, out, "--log-output")
}

func TestRootInvalidLogOutput(t *testing.T) {
	t.Parallel()

	ts := newTestState(t, "version", "--log-output", "loki")
	ts.ExpectedExitCode = int(exitcodes.InvalidConfig)
	newRootCommand(ts.GlobalState).execute()

	assert.Contains(t, ts.StderrString(), "unsupported log output 'loki'")
}

func TestRootUnknownCommand(t *testing.T) {
	t.Parallel()

	ts := newTestState(t, "run")
	ts.ExpectedExitCode = -1
	newRootCommand(ts.GlobalState).execute()

	assert.Contains(t, ts.StderrString(), `unknown command \"run\"`)
}

func TestRootLogFormatJSON(t *testing.T) {
	t.Parallel()

	ts := newTestState(t, "version", "--log-format", "json", "--verbose")
	newRootCommand(ts.GlobalState).execute()

	assert.Contains(t, ts.StderrString(), `"msg":"Logger format: JSON"`)
	assert.Contains(t, ts.StderrString(), `"level":"debug"`)
}
