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

import (
	"context"
)

// actor runs closures posted to its mailbox one at a time on a single
// goroutine. State owned by an actor must only be touched from those closures.
//
// A closure running on the actor must never post to the same actor.
type actor struct {
	mailbox chan func()
	done    chan struct{}
}

// newActor starts the actor loop. It stops when ctx is done, after running
// onStop (if any) on the actor goroutine.
func newActor(ctx context.Context, capacity int, onStop func()) *actor {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	a := &actor{
		mailbox: make(chan func(), capacity),
		done:    make(chan struct{}),
	}
	go a.loop(ctx, onStop)
	return a
}

func (a *actor) loop(ctx context.Context, onStop func()) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			if onStop != nil {
				onStop()
			}
			return
		case fn := <-a.mailbox:
			fn()
		}
	}
}

// async posts fn without waiting for it to run. It blocks while the mailbox
// is full and returns false once the actor has stopped.
func (a *actor) async(fn func()) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.mailbox <- fn:
		return true
	case <-a.done:
		return false
	}
}

// sync posts fn and waits until it has run. It returns false if the actor
// stopped before running it.
func (a *actor) sync(fn func()) bool {
	ran := make(chan struct{})
	if !a.async(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-a.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// stopped is closed once the actor loop has exited.
func (a *actor) stopped() <-chan struct{} {
	return a.done
}
