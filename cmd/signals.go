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
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/loadimpact/janus/cmd/state"
	"github.com/loadimpact/janus/errext"
)

// handleAbortSignals returns a context that is canceled with an
// *errext.InterruptError carrying reason on the first SIGINT or SIGTERM.
// The returned function stops listening for signals.
func handleAbortSignals(gs *state.GlobalState, reason string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(gs.Ctx)
	sigC := make(chan os.Signal, 2)
	done := make(chan struct{})
	gs.SignalNotify(sigC, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigC:
			gs.Logger.WithField("sig", sig).Debug("Stopping janus in response to signal...")
			cancel(&errext.InterruptError{Reason: reason})
		case <-done:
		}
	}()

	return ctx, func() {
		close(done)
		gs.SignalStop(sigC)
		cancel(nil)
	}
}

// interruptCause prefers the interruption over err when ctx was aborted by a
// signal, since err is then only a consequence of it.
func interruptCause(ctx context.Context, err error) error {
	var ierr *errext.InterruptError
	if cause := context.Cause(ctx); errors.As(cause, &ierr) {
		return ierr
	}
	return err
}
