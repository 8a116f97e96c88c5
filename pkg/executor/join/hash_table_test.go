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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kiatt210/drill/pkg/util/memory"
)

func TestHashTableChains(t *testing.T) {
	schema := twoColSchema("b")
	rows := [][]any{
		{int64(10), "a"}, {int64(20), "b"}, {int64(10), "c"}, {int64(30), "d"},
	}
	c := makeChunks(t, schema, rows, 8)[0]

	ht := newHashTable(hashTableConfig{initialBuckets: 4, loadFactor: 0.75}, nil)
	// Rows 0 and 2 share a hash code and must chain.
	hashes := []uint32{7, 9, 7, 11}
	for i := 0; i < c.NumRows(); i++ {
		require.NoError(t, ht.insert(c.GetRow(i), hashes[i]))
	}
	require.Equal(t, 4, ht.numEntries())

	var got []string
	for keyID := ht.probeFirst(7); keyID != 0; keyID = ht.probeNext(keyID) {
		if ht.hash(keyID) == 7 {
			got = append(got, ht.row(keyID).GetString(1))
		}
	}
	require.ElementsMatch(t, []string{"a", "c"}, got)

	require.Zero(t, ht.probeFirst(8), "an empty bucket finds nothing")
}

func TestHashTableGrowKeepsEntries(t *testing.T) {
	schema := twoColSchema("b")
	rows := genRows(64, 64, false)
	c := makeChunks(t, schema, rows, 64)[0]

	tracker := memory.NewTracker("ht", 0)
	ht := newHashTable(hashTableConfig{initialBuckets: 4, loadFactor: 0.75}, tracker)
	for i := 0; i < c.NumRows(); i++ {
		require.NoError(t, ht.insert(c.GetRow(i), uint32(i)*2654435761))
	}
	require.Equal(t, 64, ht.numEntries())
	require.Greater(t, ht.numResizing, int64(0), "64 entries must outgrow 4 buckets")
	require.Greater(t, tracker.BytesConsumed(), int64(0))

	// Every entry must still be reachable through its chain.
	for i := 0; i < 64; i++ {
		h := uint32(i) * 2654435761
		found := false
		for keyID := ht.probeFirst(h); keyID != 0; keyID = ht.probeNext(keyID) {
			if ht.hash(keyID) == h && ht.row(keyID).GetInt64(0) == int64(i) {
				found = true
				break
			}
		}
		require.True(t, found, "row %d lost after resize", i)
	}

	ht.release()
	require.Zero(t, tracker.BytesConsumed())
}

func TestHashTableMatchedBitmap(t *testing.T) {
	schema := twoColSchema("b")
	c := makeChunks(t, schema, genRows(3, 3, false), 8)[0]
	ht := newHashTable(defaultHashTableConfig(), nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, ht.insert(c.GetRow(i), uint32(i)))
	}
	require.False(t, ht.isMatched(1), "no bitmap allocated yet")
	ht.setMatched(1) // no-op before ensureMatched
	require.False(t, ht.isMatched(1))

	ht.ensureMatched()
	ht.setMatched(2)
	require.True(t, ht.isMatched(2))
	require.False(t, ht.isMatched(1))
	require.False(t, ht.isMatched(3))
}
