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

// MessageKind is the routing category of an inbound envelope.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindResponse
	KindEvent
)

func (k MessageKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	}
	return "unknown"
}

// Classify decides where an inbound envelope goes. A present id makes it a
// response even when a method is also set; a method without an id makes it
// an event; anything else is unclassifiable.
func Classify(env *Envelope) (MessageKind, error) {
	switch {
	case env.HasID:
		return KindResponse, nil
	case env.Method != "":
		return KindEvent, nil
	}
	return KindUnknown, ErrUnclassifiable
}
