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
	"sync"
	"time"
)

// TimeoutSettings holds the default command timeout of a client or session.
// Unset values are inherited from the parent.
type TimeoutSettings struct {
	mu             sync.RWMutex
	parent         *TimeoutSettings
	defaultTimeout *time.Duration
}

// NewTimeoutSettings creates settings inheriting from parent, which may be nil.
func NewTimeoutSettings(parent *TimeoutSettings) *TimeoutSettings {
	return &TimeoutSettings{parent: parent}
}

func (t *TimeoutSettings) setDefaultTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaultTimeout = &timeout
}

func (t *TimeoutSettings) timeout() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.defaultTimeout != nil {
		return *t.defaultTimeout
	}
	if t.parent != nil {
		return t.parent.timeout()
	}
	return DefaultTimeout
}

// commandTimeout returns the timeout for a command issued under ctx: the
// configured one, shortened to the ctx deadline when that comes first.
func commandTimeout(ctx context.Context, configured time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return configured
	}
	if left := time.Until(deadline); left < configured {
		if left <= 0 {
			return time.Nanosecond
		}
		return left
	}
	return configured
}
