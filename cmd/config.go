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

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/loadimpact/janus/cmd/state"
	"github.com/loadimpact/janus/common"
	"github.com/loadimpact/janus/config"
	"github.com/loadimpact/janus/errext"
	"github.com/loadimpact/janus/errext/exitcodes"
	"github.com/loadimpact/janus/internal/trace"
	"github.com/loadimpact/janus/log"
)

const tracesShutdownTimeout = 5 * time.Second

// configFlagSet returns a FlagSet with the client configuration flags.
func configFlagSet() *pflag.FlagSet {
	def := config.NewConfig()

	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringP("address", "a", def.Address.String,
		"browser address, a ws:// debugger URL or an http:// DevTools endpoint")
	flags.Duration("connect-timeout", def.ConnectTimeout.TimeDuration(), "how long to wait for the connection")
	flags.Duration("timeout", def.CommandTimeout.TimeDuration(), "default command timeout")
	flags.Int64("max-pending", def.MaxPendingCommands.Int64, "maximum number of outstanding commands")
	flags.Int64("event-buffer", def.EventBufferSize.Int64, "events buffered per subscription before dropping")
	flags.Int64("write-queue", def.WriteQueueSize.Int64, "outbound frames queued before senders block")
	flags.Int64("max-message-size", def.MaxMessageSize.Int64, "largest inbound frame in bytes")
	flags.Float64("command-rate", def.CommandRate.Float64, "maximum outbound frames per second, 0 for unlimited")
	flags.String("log-level", def.LogLevel.String, "log level: trace, debug, info, warn or error")
	flags.String("log-categories", "", "only log categories matching this regular expression")
	flags.String("traces-output", def.TracesOutput.String,
		"export command spans: none or otel[=<endpoint>,proto=http|grpc,header.<name>=<value>]")
	return flags
}

func getConfig(flags *pflag.FlagSet) config.Config {
	return config.Config{
		Address:            getNullString(flags, "address"),
		ConnectTimeout:     getNullDuration(flags, "connect-timeout"),
		CommandTimeout:     getNullDuration(flags, "timeout"),
		MaxPendingCommands: getNullInt64(flags, "max-pending"),
		EventBufferSize:    getNullInt64(flags, "event-buffer"),
		WriteQueueSize:     getNullInt64(flags, "write-queue"),
		MaxMessageSize:     getNullInt64(flags, "max-message-size"),
		CommandRate:        getNullFloat64(flags, "command-rate"),
		LogLevel:           getNullString(flags, "log-level"),
		LogCategories:      getNullString(flags, "log-categories"),
		TracesOutput:       getNullString(flags, "traces-output"),
	}
}

// loadConfig consolidates the configuration for a command. The config file is
// optional as long as it is the default one.
func loadConfig(gs *state.GlobalState, flags *pflag.FlagSet) (config.Config, error) {
	configPath := gs.Flags.ConfigFilePath
	if configPath == gs.DefaultFlags.ConfigFilePath {
		exists, err := afero.Exists(gs.FS, configPath)
		if err != nil || !exists {
			configPath = ""
		}
	}

	cliConf := getConfig(flags)
	if gs.Flags.LogFormat != "" {
		cliConf.LogFormat.String, cliConf.LogFormat.Valid = gs.Flags.LogFormat, true
	}
	if gs.Flags.Verbose && !cliConf.LogLevel.Valid {
		cliConf.LogLevel.String, cliConf.LogLevel.Valid = "debug", true
	}

	conf, err := config.GetConsolidatedConfig(gs.FS, configPath, gs.Env, cliConf)
	if err != nil {
		return conf, errext.WithExitCodeIfNone(fmt.Errorf("invalid configuration: %w", err), exitcodes.InvalidConfig)
	}
	return conf, nil
}

// clientOptions converts the consolidated configuration.
func clientOptions(conf config.Config, tp oteltrace.TracerProvider) common.ClientOptions {
	return common.ClientOptions{
		ConnectTimeout:     conf.ConnectTimeout.TimeDuration(),
		CommandTimeout:     conf.CommandTimeout.TimeDuration(),
		MaxPendingCommands: int(conf.MaxPendingCommands.Int64),
		EventBufferSize:    int(conf.EventBufferSize.Int64),
		WriteQueueSize:     int(conf.WriteQueueSize.Int64),
		MailboxCapacity:    int(conf.MailboxCapacity.Int64),
		MaxMessageSize:     conf.MaxMessageSize.Int64,
		CommandRate:        conf.CommandRate.Float64,
		MaxFailures:        int(conf.MaxFailures.Int64),
		FailureWindow:      conf.FailureWindow.TimeDuration(),
		TracerProvider:     tp,
	}
}

// newLogger derives the client logger from the command logger, so that both
// share the output and format.
func newLogger(gs *state.GlobalState, conf config.Config) (*log.Logger, error) {
	logger, err := log.NewFromConfig(gs.Logger.Out, conf.LogLevel.String, conf.LogFormat.String, conf.LogCategories.String)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	if conf.LogFormat.String == "text" {
		logger.Log.SetFormatter(gs.Logger.Formatter)
	}
	return logger, nil
}

// connect builds a client from the command flags and connects it to the
// configured address. The returned function closes the client and flushes
// exported spans; it must be called once the command is done.
func connect(
	ctx context.Context, gs *state.GlobalState, flags *pflag.FlagSet,
) (*common.Client, config.Config, func(), error) {
	conf, err := loadConfig(gs, flags)
	if err != nil {
		return nil, conf, nil, err
	}
	logger, err := newLogger(gs, conf)
	if err != nil {
		return nil, conf, nil, err
	}
	tp, err := trace.TracerProviderFromConfigLine(ctx, conf.TracesOutput.String)
	if err != nil {
		return nil, conf, nil, errext.WithExitCodeIfNone(
			fmt.Errorf("invalid traces output: %w", err), exitcodes.InvalidConfig)
	}

	client := common.NewClient(ctx, clientOptions(conf, tp), logger)
	closeFn := func() {
		if err := client.Close(); err != nil {
			gs.Logger.WithError(err).Debug("Closing the client failed")
		}
		sctx, cancel := context.WithTimeout(context.Background(), tracesShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			gs.Logger.WithError(err).Warn("Couldn't flush the command traces")
		}
	}

	start := time.Now()
	if err := client.Connect(ctx, conf.Address.String); err != nil {
		closeFn()
		return nil, conf, nil, err
	}
	gs.Logger.WithField("elapsed", time.Since(start)).Debugf("Connected to %s", conf.Address.String)
	return client, conf, closeFn, nil
}
