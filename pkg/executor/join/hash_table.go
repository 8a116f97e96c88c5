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
	"time"

	"github.com/kiatt210/drill/pkg/util/chunk"
	"github.com/kiatt210/drill/pkg/util/memory"
)

// hashTableConfig sizes the chained hash table of one partition.
type hashTableConfig struct {
	initialBuckets int
	loadFactor     float64
}

func defaultHashTableConfig() hashTableConfig {
	return hashTableConfig{initialBuckets: 64, loadFactor: 0.75}
}

// hashTable is a bucket-chaining table over the build rows of one in-memory
// partition, keyed by the in-partition hash code. Key IDs are row positions
// plus one; zero marks an empty bucket or the end of a chain.
type hashTable struct {
	cfg    hashTableConfig
	first  []uint32
	next   []uint32
	hashes []uint32
	rows   []chunk.Row
	mask   uint32

	// matched marks build rows that found at least one probe partner; it is
	// allocated lazily for join types that emit unmatched build rows and for
	// INTERSECT DISTINCT, which uses it to emit each key once.
	matched []bool

	memTracker  *memory.Tracker
	trackedMem  int64
	numResizing int64
	resizeDur   time.Duration
}

func newHashTable(cfg hashTableConfig, memTracker *memory.Tracker) *hashTable {
	buckets := roundUpPowerOfTwo(cfg.initialBuckets)
	return &hashTable{
		cfg:        cfg,
		first:      make([]uint32, buckets),
		next:       make([]uint32, 1), // keyID zero is reserved
		mask:       uint32(buckets - 1),
		memTracker: memTracker,
	}
}

// insert appends a build row under its in-partition hash code.
func (t *hashTable) insert(row chunk.Row, innerHash uint32) error {
	if float64(len(t.rows)+1) > t.cfg.loadFactor*float64(len(t.first)) {
		if err := t.grow(); err != nil {
			return err
		}
	}
	t.rows = append(t.rows, row)
	t.hashes = append(t.hashes, innerHash)
	keyID := uint32(len(t.rows))
	bucket := innerHash & t.mask
	t.next = append(t.next, t.first[bucket])
	t.first[bucket] = keyID
	if t.memTracker != nil {
		const perEntry = 4 + 4 + 24 // next + hash + row view
		t.trackedMem += perEntry
		if err := t.memTracker.Consume(perEntry); err != nil {
			return err
		}
	}
	return nil
}

func (t *hashTable) grow() error {
	start := time.Now()
	newBuckets := len(t.first) * 2
	if t.memTracker != nil {
		delta := int64(newBuckets-len(t.first)) * 4
		t.trackedMem += delta
		if err := t.memTracker.Consume(delta); err != nil {
			return err
		}
	}
	t.first = make([]uint32, newBuckets)
	t.mask = uint32(newBuckets - 1)
	for keyID := uint32(1); keyID <= uint32(len(t.rows)); keyID++ {
		bucket := t.hashes[keyID-1] & t.mask
		t.next[keyID] = t.first[bucket]
		t.first[bucket] = keyID
	}
	t.numResizing++
	t.resizeDur += time.Since(start)
	return nil
}

// probeFirst returns the first key ID in the chain of the given hash code,
// or zero if the bucket is empty.
func (t *hashTable) probeFirst(innerHash uint32) uint32 {
	return t.first[innerHash&t.mask]
}

// probeNext returns the key ID following keyID in its chain, or zero.
func (t *hashTable) probeNext(keyID uint32) uint32 {
	return t.next[keyID]
}

// row returns the build row stored under keyID.
func (t *hashTable) row(keyID uint32) chunk.Row {
	return t.rows[keyID-1]
}

// hash returns the in-partition hash code stored under keyID.
func (t *hashTable) hash(keyID uint32) uint32 {
	return t.hashes[keyID-1]
}

func (t *hashTable) numEntries() int { return len(t.rows) }

func (t *hashTable) numBuckets() int { return len(t.first) }

// ensureMatched allocates the matched bitmap.
func (t *hashTable) ensureMatched() {
	if t.matched == nil {
		t.matched = make([]bool, len(t.rows))
	}
}

func (t *hashTable) setMatched(keyID uint32) {
	if t.matched != nil {
		t.matched[keyID-1] = true
	}
}

func (t *hashTable) isMatched(keyID uint32) bool {
	return t.matched != nil && t.matched[keyID-1]
}

// release returns the table's accounted memory to the tracker.
func (t *hashTable) release() {
	if t.memTracker != nil && t.trackedMem > 0 {
		t.memTracker.Release(t.trackedMem)
		t.trackedMem = 0
	}
	t.first = nil
	t.next = nil
	t.hashes = nil
	t.rows = nil
	t.matched = nil
}
