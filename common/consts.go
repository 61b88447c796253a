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

import "time"

const (
	// Defaults

	DefaultConnectTimeout     time.Duration = 20 * time.Second
	DefaultTimeout            time.Duration = 30 * time.Second
	DefaultMaxPendingCommands int           = 1000
	DefaultEventBufferSize    int           = 1000
	DefaultWriteQueueSize     int           = 32
	DefaultMailboxCapacity    int           = 100
	DefaultMaxMessageSize     int64         = 64 * 1024 * 1024
	DefaultMaxFailures        int           = 3
	DefaultFailureWindow      time.Duration = time.Minute

	// Transport

	wsWriteBufferSize = 1 << 20
	closeFrameTimeout = 5 * time.Second

	// Discovery

	discoveryAttempts = 5
	discoveryInterval = 100 * time.Millisecond
)

const (
	// EventAll subscribes to every event.
	EventAll = "*"

	// EventConnectionLost is delivered to every subscription when the
	// connection goes down. Its Err field carries the reason, nil for a
	// close requested by the client.
	EventConnectionLost = "janus.connectionLost"
)
