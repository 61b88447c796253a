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

// Package event is a small publish/subscribe bus for connection health
// notifications.
package event

import "time"

// Type is the kind of a health event.
type Type string

// Health event types, emitted by the supervisor as the connection changes state.
const (
	Connecting     Type = "connecting"
	Connected      Type = "connected"
	Disconnecting  Type = "disconnecting"
	Disconnected   Type = "disconnected"
	ConnectionLost Type = "connectionLost"
	Exhausted      Type = "exhausted"
)

// Event is a single notification.
type Event struct {
	Type Type
	Time time.Time
	Data *HealthData
}

// HealthData describes the connection at the time the event was emitted.
type HealthData struct {
	Address  string
	Err      error
	Failures int
}
