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
	"fmt"
	"io"
	"strings"

	"github.com/mailru/easyjson"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/loadimpact/janus/cmd/state"
	"github.com/loadimpact/janus/common"
	"github.com/loadimpact/janus/errext"
	"github.com/loadimpact/janus/errext/exitcodes"
)

// cmdExec handles the `janus exec` sub-command
type cmdExec struct {
	gs *state.GlobalState

	sessionID string
	query     string
	compact   bool
}

func (c *cmdExec) run(cmd *cobra.Command, args []string) error {
	method := args[0]
	params, err := c.readParams(method, args[1:])
	if err != nil {
		return err
	}

	ctx, stop := handleAbortSignals(c.gs, errext.AbortExec)
	defer stop()

	client, _, closeClient, err := connect(ctx, c.gs, cmd.Flags())
	if err != nil {
		return interruptCause(ctx, err)
	}
	defer closeClient()

	res, err := client.Call(ctx, common.Command{
		Method:    method,
		Params:    params,
		SessionID: c.sessionID,
	})
	if err != nil {
		return interruptCause(ctx, err)
	}

	out, err := formatResult(res, c.query, !c.compact)
	if err != nil {
		return err
	}
	printToStdout(c.gs, out+"\n")
	return nil
}

// readParams returns the params object of method. "-" reads it from stdin.
func (c *cmdExec) readParams(method string, args []string) (easyjson.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := args[0]
	if raw == "-" {
		data, err := io.ReadAll(c.gs.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading params from stdin: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		err := fmt.Errorf("params of %s must be a JSON object, got %q", method, raw)
		err = errext.WithHint(err, `quote the params for your shell, e.g. '{"url":"https://example.com"}'`)
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	return easyjson.RawMessage(raw), nil
}

// formatResult renders a command result, or the part of it selected by a
// gjson query. Strings and numbers are printed bare.
func formatResult(res easyjson.RawMessage, query string, pretty bool) (string, error) {
	if len(res) == 0 {
		res = easyjson.RawMessage("{}")
	}
	r := gjson.ParseBytes(res)
	if query != "" {
		r = r.Get(query)
		if !r.Exists() {
			return "", fmt.Errorf("query %q matched nothing in the result", query)
		}
	}
	if !r.IsObject() && !r.IsArray() {
		return r.String(), nil
	}
	if pretty {
		return strings.TrimSpace(r.Get("@pretty").Raw), nil
	}
	return strings.TrimSpace(r.Get("@ugly").Raw), nil
}

func getCmdExec(gs *state.GlobalState) *cobra.Command {
	c := &cmdExec{gs: gs}

	execCmd := &cobra.Command{
		Use:   "exec <method> [params]",
		Short: "Send a single command to the browser",
		Long: `Send a single command to the browser and print its result.

The params are a JSON object; pass - to read them from standard input.`,
		Example: `
  # Ask the browser for its version
  janus exec Browser.getVersion

  # Only print the user agent
  janus exec Browser.getVersion --query userAgent

  # Navigate a flattened session
  janus exec Page.navigate '{"url":"https://example.com"}' --session 5A7B...

  # Read the params from a file
  janus exec Runtime.evaluate - < expression.json`[1:],
		Args: rangeArgsWithMsg(1, 2, "specify the method and optionally its params"),
		RunE: c.run,
	}

	execCmd.Flags().SortFlags = false
	execCmd.Flags().AddFlagSet(configFlagSet())
	execCmd.Flags().StringVarP(&c.sessionID, "session", "s", "", "send the command within this flattened session")
	execCmd.Flags().StringVarP(&c.query, "query", "Q", "", "only print the result part matching this gjson path")
	execCmd.Flags().BoolVar(&c.compact, "compact", false, "print JSON on a single line")

	return execCmd
}
