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

package join

import (
	"github.com/pingcap/errors"
)

// SpilledPartitionRef describes one spilled build/probe pair awaiting a
// recursive cycle. The inner (build) file is complete when the ref is
// enqueued; the outer (probe) file is attached by the probe phase of the
// cycle that produced it, which sets UpdatedOuter.
type SpilledPartitionRef struct {
	// Cycle is the cycle at which the pair will be processed; cycle 0 is the
	// original input.
	Cycle int
	// Origin is the partition index within the producing cycle.
	Origin int
	// PriorOrigin is the producing cycle's own origin, kept for lineage in
	// logs.
	PriorOrigin int

	InnerFile    *SpillFile
	InnerBatches int

	OuterFile    *SpillFile
	OuterBatches int
	// UpdatedOuter must be true before the outer side is read.
	UpdatedOuter bool
}

// exhaustionHandler is invoked by the queue when a ref's cycle exceeds the
// configured limit; it turns the violation into the user-visible error.
type exhaustionHandler func(ref *SpilledPartitionRef) error

// SpillQueue is the FIFO of spilled partition pairs plus the recursion depth
// bookkeeping. Dequeue order preserves insertion order across cycles.
type SpillQueue struct {
	refs      []*SpilledPartitionRef
	cycle     int
	maxCycles int
	onExhaust exhaustionHandler
}

// NewSpillQueue creates a queue bounded at maxCycles recursion depth.
func NewSpillQueue(maxCycles int, onExhaust exhaustionHandler) *SpillQueue {
	if onExhaust == nil {
		onExhaust = func(ref *SpilledPartitionRef) error {
			return errors.Annotatef(ErrPartitionExhausted,
				"cycle %d exceeds the limit of %d", ref.Cycle, maxCycles)
		}
	}
	return &SpillQueue{maxCycles: maxCycles, onExhaust: onExhaust}
}

// Enqueue appends a ref. Refs produced beyond the cycle limit mean the data
// is too skewed to partition further; the exhaustion handler decides the
// error surfaced to the user.
func (q *SpillQueue) Enqueue(ref *SpilledPartitionRef) error {
	if ref.Cycle > q.maxCycles {
		return q.onExhaust(ref)
	}
	q.refs = append(q.refs, ref)
	return nil
}

// Dequeue pops the oldest ref and advances the queue's cycle counter to the
// ref's cycle. Returns nil when empty.
func (q *SpillQueue) Dequeue() *SpilledPartitionRef {
	if len(q.refs) == 0 {
		return nil
	}
	ref := q.refs[0]
	q.refs = q.refs[1:]
	if ref.Cycle > q.cycle {
		q.cycle = ref.Cycle
	}
	return ref
}

// Len returns the number of queued refs.
func (q *SpillQueue) Len() int { return len(q.refs) }

// Cycle returns the cycle of the pair processed most recently (zero before
// any recursion).
func (q *SpillQueue) Cycle() int { return q.cycle }

// Drain empties the queue, returning the remaining refs for cleanup.
func (q *SpillQueue) Drain() []*SpilledPartitionRef {
	refs := q.refs
	q.refs = nil
	return refs
}
