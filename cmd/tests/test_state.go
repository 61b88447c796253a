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

package tests

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/loadimpact/janus/cmd/state"
)

// GlobalTestState is a wrapper around GlobalState for use in tests.
type GlobalTestState struct {
	*state.GlobalState
	Cancel func()

	Stdout, Stderr *bytes.Buffer

	ExpectedExitCode int

	sigMu sync.Mutex
	sigCh chan<- os.Signal
}

// NewGlobalTestState returns an initialized GlobalTestState, mocking all
// GlobalState fields for use in tests.
func NewGlobalTestState(tb testing.TB) *GlobalTestState {
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)

	fs := afero.NewMemMapFs()
	outMutex := &sync.Mutex{}
	defaultFlags := state.GetDefaultGlobalOptions("/.config")
	defaultFlags.NoColor = true

	ts := &GlobalTestState{
		Cancel: cancel,
		Stdout: new(bytes.Buffer),
		Stderr: new(bytes.Buffer),
	}

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.Out = &state.ConsoleWriter{Writer: ts.Stderr, Mutex: outMutex}

	ts.GlobalState = &state.GlobalState{
		Ctx:          ctx,
		FS:           fs,
		BinaryName:   "janus",
		CmdArgs:      []string{},
		Env:          map[string]string{},
		DefaultFlags: defaultFlags,
		Flags:        defaultFlags,
		OutMutex:     outMutex,
		Stdout:       &state.ConsoleWriter{Writer: ts.Stdout, Mutex: outMutex},
		Stderr:       &state.ConsoleWriter{Writer: ts.Stderr, Mutex: outMutex},
		Stdin:        new(bytes.Buffer),
		OSExit: func(code int) {
			assert.Equal(tb, ts.ExpectedExitCode, code, "stderr:\n%s", ts.StderrString())
			cancel()
		},
		SignalNotify: ts.signalNotify,
		SignalStop:   func(chan<- os.Signal) {},
		Logger:       logger,
	}

	return ts
}

func (ts *GlobalTestState) signalNotify(c chan<- os.Signal, _ ...os.Signal) {
	ts.sigMu.Lock()
	defer ts.sigMu.Unlock()
	ts.sigCh = c
}

// Interrupt delivers os.Interrupt to the command, if it listens for signals.
// It reports whether the signal was delivered.
func (ts *GlobalTestState) Interrupt() bool {
	ts.sigMu.Lock()
	defer ts.sigMu.Unlock()
	if ts.sigCh == nil {
		return false
	}
	select {
	case ts.sigCh <- os.Interrupt:
		return true
	default:
		return false
	}
}

// StdoutString returns what was printed to stdout so far.
func (ts *GlobalTestState) StdoutString() string {
	ts.OutMutex.Lock()
	defer ts.OutMutex.Unlock()
	return ts.Stdout.String()
}

// StderrString returns what was printed to stderr so far.
func (ts *GlobalTestState) StderrString() string {
	ts.OutMutex.Lock()
	defer ts.OutMutex.Unlock()
	return ts.Stderr.String()
}
