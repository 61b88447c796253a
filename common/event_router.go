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
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/loadimpact/janus/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// EventKey selects the events a subscription receives. An empty Scope
// matches the event in every session; Method EventAll matches every method.
type EventKey struct {
	Method string
	Scope  string
}

func (k EventKey) String() string {
	if k.Scope == "" {
		return k.Method
	}
	return k.Method + "@" + k.Scope
}

// Event is an unsolicited notification from the browser. The same value is
// shared by every subscription it is delivered to and must not be modified.
type Event struct {
	Method    string
	SessionID string
	Params    easyjson.RawMessage
	// Err is only set on EventConnectionLost notifications.
	Err error
}

// Decode returns the typed cdproto event, e.g. *page.EventLoadEventFired.
func (e *Event) Decode() (interface{}, error) {
	return cdproto.UnmarshalMessage(&cdproto.Message{
		Method:    cdproto.MethodType(e.Method),
		SessionID: target.SessionID(e.SessionID),
		Params:    e.Params,
	})
}

// Subscription is a registered interest in events matching Key.
type Subscription struct {
	ID  uint64
	Key EventKey

	ch      chan *Event
	router  *EventRouter
	dropped atomic.Uint64
}

// Events delivers matching events. It is closed after Unsubscribe or when
// the router shuts down. A full buffer drops regular events but still
// accepts the EventConnectionLost notification that follows them.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Dropped returns how many events were not delivered because the buffer
// was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Err reports a SubscriberUnavailableError once any event was dropped.
func (s *Subscription) Err() error {
	if n := s.dropped.Load(); n > 0 {
		return &SubscriberUnavailableError{SubscriptionID: s.ID, Key: s.Key, Dropped: n}
	}
	return nil
}

// Unsubscribe removes the subscription. No event is delivered after it
// returns. Calling it more than once is safe.
func (s *Subscription) Unsubscribe() {
	s.router.unsubscribe(s)
}

// EventRouter fans out inbound events to subscriptions without ever
// blocking on a slow subscriber.
type EventRouter struct {
	logger     *log.Logger
	actor      *actor
	bufferSize int

	// Owned by actor.
	nextID uint64
	subs   map[EventKey]map[uint64]*Subscription
	stats  EventStats
}

// EventStats counts event deliveries since the router was created.
type EventStats struct {
	Delivered     uint64
	Dropped       uint64
	Subscriptions int
}

// NewEventRouter creates a router whose subscriptions buffer bufferSize
// events. All subscriptions are closed when ctx is done.
func NewEventRouter(ctx context.Context, bufferSize, mailboxCapacity int, logger *log.Logger) *EventRouter {
	if bufferSize <= 0 {
		bufferSize = DefaultEventBufferSize
	}
	r := &EventRouter{
		logger:     logger,
		bufferSize: bufferSize,
		subs:       make(map[EventKey]map[uint64]*Subscription),
	}
	r.actor = newActor(ctx, mailboxCapacity, r.closeAll)
	return r
}

// Subscribe registers interest in key.
func (r *EventRouter) Subscribe(key EventKey) (*Subscription, error) {
	if key.Method == "" {
		return nil, errors.New("subscribing requires an event method")
	}
	var sub *Subscription
	if !r.actor.sync(func() {
		r.nextID++
		sub = &Subscription{
			ID:     r.nextID,
			Key:    key,
			// One slot past bufferSize is kept for the connection lost event.
			ch:     make(chan *Event, r.bufferSize+1),
			router: r,
		}
		if r.subs[key] == nil {
			r.subs[key] = make(map[uint64]*Subscription)
		}
		r.subs[key][sub.ID] = sub
	}) {
		return nil, ErrClosed
	}
	r.logger.Debugf("EventRouter:Subscribe", "sid:%d key:%s", sub.ID, key)
	return sub, nil
}

func (r *EventRouter) unsubscribe(sub *Subscription) {
	r.actor.sync(func() {
		subs := r.subs[sub.Key]
		if subs[sub.ID] != sub {
			return
		}
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(r.subs, sub.Key)
		}
		close(sub.ch)
		r.logger.Debugf("EventRouter:Unsubscribe", "sid:%d key:%s", sub.ID, sub.Key)
	})
}

// HandleEvent delivers env to the subscriptions of its exact method and
// session, of its method in any session and of all events.
func (r *EventRouter) HandleEvent(env *Envelope) {
	ev := &Event{
		Method:    env.Method,
		SessionID: env.SessionID,
		Params:    env.Params,
	}
	r.actor.async(func() {
		r.dispatch(ev)
	})
}

// NotifyConnectionLost delivers an EventConnectionLost event carrying reason
// to every subscription. Subscriptions stay registered.
func (r *EventRouter) NotifyConnectionLost(reason error) {
	ev := &Event{Method: EventConnectionLost, Err: reason}
	r.actor.sync(func() {
		for _, subs := range r.subs {
			for _, sub := range subs {
				r.deliver(sub, ev, true)
			}
		}
	})
}

// Stats returns a snapshot of the delivery counters.
func (r *EventRouter) Stats() EventStats {
	var s EventStats
	r.actor.sync(func() {
		s = r.stats
		for _, subs := range r.subs {
			s.Subscriptions += len(subs)
		}
	})
	return s
}

func (r *EventRouter) dispatch(ev *Event) {
	keys := make([]EventKey, 0, 4)
	keys = append(keys, EventKey{Method: ev.Method, Scope: ev.SessionID})
	if ev.SessionID != "" {
		keys = append(keys,
			EventKey{Method: ev.Method},
			EventKey{Method: EventAll, Scope: ev.SessionID},
		)
	}
	keys = append(keys, EventKey{Method: EventAll})

	var matched int
	for _, key := range keys {
		for _, sub := range r.subs[key] {
			r.deliver(sub, ev, false)
			matched++
		}
	}
	if matched == 0 {
		r.logger.Tracef("EventRouter:dispatch", "no subscribers for %s", EventKey{ev.Method, ev.SessionID})
	}
}

// deliver never blocks. Regular events stop at bufferSize queued entries;
// terminal ones may take the reserved slot. The actor is the only sender, so
// the length check cannot race with another send.
func (r *EventRouter) deliver(sub *Subscription, ev *Event, terminal bool) {
	if terminal || len(sub.ch) < r.bufferSize {
		select {
		case sub.ch <- ev:
			r.stats.Delivered++
			return
		default:
		}
	}
	r.stats.Dropped++
	n := sub.dropped.Add(1)
	r.logger.Warnf("EventRouter:deliver", "%v", fmt.Errorf("dropping %s: %w",
		ev.Method, &SubscriberUnavailableError{SubscriptionID: sub.ID, Key: sub.Key, Dropped: n}))
}

// closeAll runs on the actor when it stops.
func (r *EventRouter) closeAll() {
	for key, subs := range r.subs {
		for id, sub := range subs {
			close(sub.ch)
			delete(subs, id)
		}
		delete(r.subs, key)
	}
}
