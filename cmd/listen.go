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
	"fmt"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loadimpact/janus/cmd/state"
	"github.com/loadimpact/janus/common"
	"github.com/loadimpact/janus/errext"
	"github.com/loadimpact/janus/errext/exitcodes"
	"github.com/loadimpact/janus/event"
)

const reconnectDelay = 500 * time.Millisecond

// cmdListen handles the `janus listen` sub-command
type cmdListen struct {
	gs *state.GlobalState

	sessionID string
	count     int
	reconnect bool
	health    bool
}

func (c *cmdListen) run(cmd *cobra.Command, args []string) error {
	methods := args
	if len(methods) == 0 {
		methods = []string{common.EventAll}
	}

	ctx, stop := handleAbortSignals(c.gs, errext.AbortListen)
	defer stop()

	client, conf, closeClient, err := connect(ctx, c.gs, cmd.Flags())
	if err != nil {
		return interruptCause(ctx, err)
	}
	defer closeClient()

	healthTypes := []event.Type{event.ConnectionLost, event.Exhausted}
	if c.health {
		healthTypes = append(healthTypes, event.Connecting, event.Connected, event.Disconnected)
	}
	healthID, healthCh := client.HealthEvents(healthTypes...)
	defer client.UnsubscribeHealth(healthID)

	// The connection may have dropped before the health subscription.
	if st, reason := client.State(); st == common.StateDisconnected {
		lost := &event.Event{
			Type: event.ConnectionLost,
			Time: time.Now(),
			Data: &event.HealthData{Address: conf.Address.String, Err: reason},
		}
		if err := c.onHealthEvent(ctx, client, conf.Address.String, lost); err != nil {
			return err
		}
	}

	subs := make([]*common.Subscription, 0, len(methods))
	for _, m := range methods {
		var sub *common.Subscription
		if c.sessionID != "" {
			sub, err = client.Session(target.SessionID(c.sessionID)).Subscribe(m)
		} else {
			sub, err = client.Subscribe(m)
		}
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan *common.Event)
	g, gctx := errgroup.WithContext(lctx)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			return forward(gctx, sub, events)
		})
	}
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	err = c.loop(ctx, client, conf.Address.String, events, healthCh)
	for _, sub := range subs {
		if dropped := sub.Dropped(); dropped > 0 {
			c.gs.Logger.WithField("subscription", sub.Key.String()).
				Warnf("%d events were dropped, consider a larger --event-buffer", dropped)
		}
	}
	return err
}

func (c *cmdListen) loop(
	ctx context.Context, client *common.Client, address string,
	events <-chan *common.Event, healthCh <-chan *event.Event,
) error {
	noColor := c.gs.Flags.NoColor || !c.gs.Stdout.IsTTY
	methodColor := eventColor(noColor)

	var printed int
	for {
		select {
		case <-ctx.Done():
			return interruptCause(ctx, ctx.Err())

		case ev := <-events:
			if ev.Method == common.EventConnectionLost {
				// Handled through the health events.
				continue
			}
			line, err := formatEvent(ev)
			if err != nil {
				c.gs.Logger.WithError(err).Warn("Could not encode event")
				continue
			}
			if noColor {
				printToStdout(c.gs, line+"\n")
			} else {
				printToStdout(c.gs, methodColor.Sprint(ev.Method)+" "+line+"\n")
			}
			printed++
			if c.count > 0 && printed >= c.count {
				return nil
			}

		case he, ok := <-healthCh:
			if !ok {
				return nil
			}
			if err := c.onHealthEvent(ctx, client, address, he); err != nil {
				return err
			}
		}
	}
}

func (c *cmdListen) onHealthEvent(ctx context.Context, client *common.Client, address string, he *event.Event) error {
	fields := logrus.Fields{"address": he.Data.Address, "failures": he.Data.Failures}
	if he.Data.Err != nil {
		fields["error"] = he.Data.Err
	}
	if c.health {
		c.gs.Logger.WithFields(fields).Infof("Connection %s", he.Type)
	}

	switch he.Type {
	case event.Exhausted:
		return errext.WithExitCodeIfNone(
			fmt.Errorf("giving up after %d connection failures: %v", he.Data.Failures, he.Data.Err),
			exitcodes.SupervisorGaveUp)
	case event.ConnectionLost:
		if !c.reconnect {
			return &common.ConnectionLostError{Cause: he.Data.Err}
		}
		if client.Health().Exhausted {
			// The exhausted event follows this one.
			return nil
		}
		c.gs.Logger.WithFields(fields).Warnf("Connection lost, reconnecting in %s", reconnectDelay)
		t := time.NewTimer(reconnectDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return interruptCause(ctx, ctx.Err())
		case <-t.C:
		}
		// A failed attempt is reported as another lost connection.
		if err := client.Connect(ctx, address); err != nil {
			c.gs.Logger.WithError(err).Debug("Reconnecting failed")
		}
	default:
	}
	return nil
}

// forward copies the events of sub to out until sub is closed or ctx is done.
func forward(ctx context.Context, sub *common.Subscription, out chan<- *common.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// formatEvent encodes ev the way it came over the wire.
func formatEvent(ev *common.Event) (string, error) {
	data, err := easyjson.Marshal(&common.Envelope{
		Method:    ev.Method,
		SessionID: ev.SessionID,
		Params:    ev.Params,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func getCmdListen(gs *state.GlobalState) *cobra.Command {
	c := &cmdListen{gs: gs}

	listenCmd := &cobra.Command{
		Use:   "listen [event...]",
		Short: "Print browser events as they arrive",
		Long: `Subscribe to browser events and print one JSON line per event until
interrupted. Without arguments every event is printed.`,
		Example: `
  # Print every event
  janus listen

  # Print the first target created
  janus listen Target.targetCreated --count 1

  # Follow page loads of a session and keep reconnecting
  janus listen Page.loadEventFired --session 5A7B... --reconnect`[1:],
		RunE: c.run,
	}

	listenCmd.Flags().SortFlags = false
	listenCmd.Flags().AddFlagSet(configFlagSet())
	listenCmd.Flags().StringVarP(&c.sessionID, "session", "s", "", "only print events of this flattened session")
	listenCmd.Flags().IntVarP(&c.count, "count", "n", 0, "exit after printing this many events, 0 for no limit")
	listenCmd.Flags().BoolVar(&c.reconnect, "reconnect", false,
		"reconnect when the connection is lost, until it fails too often")
	listenCmd.Flags().BoolVar(&c.health, "health", false, "log connection health changes")

	return listenCmd
}
