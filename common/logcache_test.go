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
	"io"
	"strings"
	"sync"

	"github.com/loadimpact/janus/log"

	"github.com/sirupsen/logrus"
)

// logCache is a logrus.Hook that keeps every entry it sees so tests can
// check what the routing layer logged.
type logCache struct {
	levels []logrus.Level

	mu      sync.RWMutex
	entries []logrus.Entry
}

func (lc *logCache) Levels() []logrus.Level {
	return lc.levels
}

func (lc *logCache) Fire(e *logrus.Entry) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.entries = append(lc.entries, *e)
	return nil
}

// count returns how many cached entries with the given category contain msg.
func (lc *logCache) count(category, msg string) int {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	var n int
	for _, e := range lc.entries {
		if e.Data["category"] == category && strings.Contains(e.Message, msg) {
			n++
		}
	}
	return n
}

var _ logrus.Hook = &logCache{}

// newCachedLogger returns a debug level logger that discards its output and
// records warnings and errors in the returned cache.
func newCachedLogger() (*log.Logger, *logCache) {
	lc := &logCache{levels: []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel}}
	lg := logrus.New()
	lg.SetLevel(logrus.DebugLevel)
	lg.SetOutput(io.Discard)
	lg.AddHook(lc)
	return log.New(lg, false, nil), lc
}
