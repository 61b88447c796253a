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

// Package config holds the janus client configuration and the logic that
// consolidates it from defaults, a config file, the environment and flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/afero"
	"gopkg.in/guregu/null.v3"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration. Every field is nullable so that layers
// only override what they actually set.
type Config struct {
	// Address is either a ws:// debugger URL or an http:// DevTools
	// endpoint whose /json/version is used to discover one.
	Address null.String `json:"address" envconfig:"JANUS_ADDRESS"`

	ConnectTimeout NullDuration `json:"connectTimeout" envconfig:"JANUS_CONNECT_TIMEOUT"`
	CommandTimeout NullDuration `json:"commandTimeout" envconfig:"JANUS_COMMAND_TIMEOUT"`

	MaxPendingCommands null.Int `json:"maxPendingCommands" envconfig:"JANUS_MAX_PENDING_COMMANDS"`
	EventBufferSize    null.Int `json:"eventBufferSize" envconfig:"JANUS_EVENT_BUFFER_SIZE"`
	WriteQueueSize     null.Int `json:"writeQueueSize" envconfig:"JANUS_WRITE_QUEUE_SIZE"`
	MailboxCapacity    null.Int `json:"mailboxCapacity" envconfig:"JANUS_MAILBOX_CAPACITY"`
	MaxMessageSize     null.Int `json:"maxMessageSize" envconfig:"JANUS_MAX_MESSAGE_SIZE"`

	// CommandRate limits outgoing frames per second, 0 disables the limit.
	CommandRate null.Float `json:"commandRate" envconfig:"JANUS_COMMAND_RATE"`

	MaxFailures   null.Int     `json:"maxFailures" envconfig:"JANUS_MAX_FAILURES"`
	FailureWindow NullDuration `json:"failureWindow" envconfig:"JANUS_FAILURE_WINDOW"`

	LogLevel      null.String `json:"logLevel" envconfig:"JANUS_LOG_LEVEL"`
	LogFormat     null.String `json:"logFormat" envconfig:"JANUS_LOG_FORMAT"`
	LogCategories null.String `json:"logCategories" envconfig:"JANUS_LOG_CATEGORIES"`

	// TracesOutput is where command spans are exported, "none" or an
	// otel[=<endpoint>,<opts>] line.
	TracesOutput null.String `json:"tracesOutput" envconfig:"JANUS_TRACES_OUTPUT"`
}

// NewConfig creates a new Config instance with default values for all fields.
func NewConfig() Config {
	return Config{
		Address:            null.NewString("http://127.0.0.1:9222", false),
		ConnectTimeout:     NewNullDuration(20*time.Second, false),
		CommandTimeout:     NewNullDuration(30*time.Second, false),
		MaxPendingCommands: null.NewInt(1000, false),
		EventBufferSize:    null.NewInt(1000, false),
		WriteQueueSize:     null.NewInt(32, false),
		MailboxCapacity:    null.NewInt(100, false),
		MaxMessageSize:     null.NewInt(64*1024*1024, false),
		CommandRate:        null.NewFloat(0, false),
		MaxFailures:        null.NewInt(3, false),
		FailureWindow:      NewNullDuration(time.Minute, false),
		LogLevel:           null.NewString("info", false),
		LogFormat:          null.NewString("text", false),
		TracesOutput:       null.NewString("none", false),
	}
}

// Apply saves the valid config values from the passed config in the receiver.
//
//nolint:cyclop
func (c Config) Apply(cfg Config) Config {
	if cfg.Address.Valid && cfg.Address.String != "" {
		c.Address = cfg.Address
	}
	if cfg.ConnectTimeout.Valid {
		c.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.CommandTimeout.Valid {
		c.CommandTimeout = cfg.CommandTimeout
	}
	if cfg.MaxPendingCommands.Valid {
		c.MaxPendingCommands = cfg.MaxPendingCommands
	}
	if cfg.EventBufferSize.Valid {
		c.EventBufferSize = cfg.EventBufferSize
	}
	if cfg.WriteQueueSize.Valid {
		c.WriteQueueSize = cfg.WriteQueueSize
	}
	if cfg.MailboxCapacity.Valid {
		c.MailboxCapacity = cfg.MailboxCapacity
	}
	if cfg.MaxMessageSize.Valid {
		c.MaxMessageSize = cfg.MaxMessageSize
	}
	if cfg.CommandRate.Valid {
		c.CommandRate = cfg.CommandRate
	}
	if cfg.MaxFailures.Valid {
		c.MaxFailures = cfg.MaxFailures
	}
	if cfg.FailureWindow.Valid {
		c.FailureWindow = cfg.FailureWindow
	}
	if cfg.LogLevel.Valid && cfg.LogLevel.String != "" {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogFormat.Valid && cfg.LogFormat.String != "" {
		c.LogFormat = cfg.LogFormat
	}
	if cfg.LogCategories.Valid {
		c.LogCategories = cfg.LogCategories
	}
	if cfg.TracesOutput.Valid && cfg.TracesOutput.String != "" {
		c.TracesOutput = cfg.TracesOutput
	}
	return c
}

// Validate rejects values the client cannot run with.
func (c Config) Validate() error {
	var errs []error
	positiveDur := func(name string, d NullDuration) {
		if d.TimeDuration() <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than 0, got %s", name, d.Duration))
		}
	}
	positiveInt := func(name string, v null.Int) {
		if v.Int64 <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than 0, got %d", name, v.Int64))
		}
	}

	if c.Address.String == "" {
		errs = append(errs, errors.New("address must not be empty"))
	}
	positiveDur("connectTimeout", c.ConnectTimeout)
	positiveDur("commandTimeout", c.CommandTimeout)
	positiveDur("failureWindow", c.FailureWindow)
	positiveInt("maxPendingCommands", c.MaxPendingCommands)
	positiveInt("eventBufferSize", c.EventBufferSize)
	positiveInt("writeQueueSize", c.WriteQueueSize)
	positiveInt("mailboxCapacity", c.MailboxCapacity)
	positiveInt("maxMessageSize", c.MaxMessageSize)
	positiveInt("maxFailures", c.MaxFailures)
	if c.CommandRate.Float64 < 0 {
		errs = append(errs, fmt.Errorf("commandRate must not be negative, got %g", c.CommandRate.Float64))
	}
	switch c.LogFormat.String {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logFormat must be text or json, got %q", c.LogFormat.String))
	}

	return errors.Join(errs...)
}

// ReadFile decodes a JSON or YAML (by extension) config file from fs.
func ReadFile(fs afero.Fs, path string) (Config, error) {
	var cfg Config
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file %q: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if data, err = yamlToJSON(data); err != nil {
			return cfg, fmt.Errorf("decoding config file %q: %w", path, err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config file %q: %w", path, err)
	}
	return cfg, nil
}

// yamlToJSON re-encodes a YAML document as JSON so that the null types and
// durations go through a single set of decoders.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// FromEnv reads the JANUS_* variables through the given lookup.
func FromEnv(env map[string]string) (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	return cfg, err
}

// GetConsolidatedConfig layers defaults, the optional config file, the
// environment and finally the CLI flags, in that order, then validates.
func GetConsolidatedConfig(fs afero.Fs, configPath string, env map[string]string, flags Config) (Config, error) {
	result := NewConfig()

	if configPath != "" {
		fileConf, err := ReadFile(fs, configPath)
		if err != nil {
			return result, err
		}
		result = result.Apply(fileConf)
	}

	envConf, err := FromEnv(env)
	if err != nil {
		return result, fmt.Errorf("reading environment: %w", err)
	}
	result = result.Apply(envConf).Apply(flags)

	return result, result.Validate()
}
