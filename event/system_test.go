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

package event

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSystem(buffer int) *System {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewEventSystem(buffer, logger)
}

func TestSystemSubscribeEmit(t *testing.T) {
	t.Parallel()

	es := newTestSystem(4)
	_, lostCh := es.Subscribe(ConnectionLost, Disconnected)
	_, connCh := es.Subscribe(Connected)

	cause := errors.New("socket reset")
	n := es.Emit(&Event{Type: ConnectionLost, Data: &HealthData{Address: "ws://x", Err: cause, Failures: 1}})
	assert.Equal(t, 1, n)

	evt := <-lostCh
	assert.Equal(t, ConnectionLost, evt.Type)
	assert.False(t, evt.Time.IsZero())
	require.NotNil(t, evt.Data)
	assert.ErrorIs(t, evt.Data.Err, cause)
	assert.Len(t, connCh, 0)
}

func TestSystemDropsWhenFull(t *testing.T) {
	t.Parallel()

	es := newTestSystem(1)
	_, ch := es.Subscribe(Connected)

	assert.Equal(t, 1, es.Emit(&Event{Type: Connected}))
	assert.Equal(t, 0, es.Emit(&Event{Type: Connected}))
	assert.EqualValues(t, 1, es.Dropped())
	assert.Len(t, ch, 1)
}

func TestSystemUnsubscribe(t *testing.T) {
	t.Parallel()

	es := newTestSystem(1)
	id, ch := es.Subscribe(Connected, Disconnected)
	_, other := es.Subscribe(Exhausted)

	es.Unsubscribe(id)
	es.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, es.Emit(&Event{Type: Connected}))

	es.UnsubscribeAll()
	_, ok = <-other
	assert.False(t, ok)
}

func TestSystemSubscribePanicsWithoutTypes(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { newTestSystem(1).Subscribe() })
}
