// Copyright 2025 Drill Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	units "github.com/docker/go-units"
	"github.com/pingcap/errors"
)

// ErrMemoryExceeded is returned by Consume when the tracked usage would go
// over the configured limit. Callers annotate it with operator context.
var ErrMemoryExceeded = errors.New("memory usage exceeds the configured limit")

// Tracker accounts bytes consumed by one component. Trackers form a tree;
// consumption propagates to the parent. A limit of zero or less means
// unlimited. Trackers are not safe for concurrent use, the operators using
// them are single threaded.
type Tracker struct {
	label       string
	limit       int64
	consumed    int64
	maxConsumed int64
	parent      *Tracker
}

// NewTracker creates a tracker with the given label and byte limit.
func NewTracker(label string, limit int64) *Tracker {
	return &Tracker{label: label, limit: limit}
}

// AttachTo makes parent account for this tracker's future consumption.
func (t *Tracker) AttachTo(parent *Tracker) {
	t.parent = parent
}

// Label returns the tracker's label.
func (t *Tracker) Label() string { return t.label }

// Limit returns the byte limit, zero or less meaning unlimited.
func (t *Tracker) Limit() int64 { return t.limit }

// SetLimit replaces the byte limit.
func (t *Tracker) SetLimit(limit int64) { t.limit = limit }

// Consume adds n bytes (n may be negative) to the tracked usage, walking up
// the tracker tree. If any tracker on the path would exceed its limit, the
// consumption is still recorded and ErrMemoryExceeded is returned; the caller
// is expected to abort and release.
func (t *Tracker) Consume(n int64) error {
	var exceeded *Tracker
	for cur := t; cur != nil; cur = cur.parent {
		cur.consumed += n
		if cur.consumed > cur.maxConsumed {
			cur.maxConsumed = cur.consumed
		}
		if cur.limit > 0 && cur.consumed > cur.limit && exceeded == nil {
			exceeded = cur
		}
	}
	if exceeded != nil {
		return errors.Annotatef(ErrMemoryExceeded,
			"%q consumed %s, limit %s", exceeded.label,
			FormatBytes(exceeded.consumed), FormatBytes(exceeded.limit))
	}
	return nil
}

// Release subtracts n bytes from the tracked usage.
func (t *Tracker) Release(n int64) {
	for cur := t; cur != nil; cur = cur.parent {
		cur.consumed -= n
		if cur.consumed < 0 {
			cur.consumed = 0
		}
	}
}

// BytesConsumed returns the current tracked usage.
func (t *Tracker) BytesConsumed() int64 { return t.consumed }

// MaxConsumed returns the high-water mark of the tracked usage.
func (t *Tracker) MaxConsumed() int64 { return t.maxConsumed }

// FormatBytes renders a byte count in human readable form.
func FormatBytes(n int64) string {
	return units.BytesSize(float64(n))
}
