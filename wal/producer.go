/*
Copyright (C) 2026  corewal contributors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package wal

import "github.com/jtolds/gls"

// producerMgr carries a producer identity across a call chain without
// threading it through every intermediate function signature between a
// request-handling goroutine and the eventual Enqueue call it makes.
var producerMgr = gls.NewContextManager()

// WithProducerID binds id to the calling goroutine (and anything it calls
// synchronously) for the duration of fn. A WAL request enqueued anywhere
// underneath carries id along for rollback/commit logging.
func WithProducerID(id string, fn func()) {
	producerMgr.SetValues(gls.Values{"producerID": id}, fn)
}

// currentProducerID returns the id bound by the nearest enclosing
// WithProducerID call on this goroutine, or "" if none is set.
func currentProducerID() string {
	if v, ok := producerMgr.GetValue("producerID"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
