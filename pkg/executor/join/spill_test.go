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
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kiatt210/drill/pkg/util/disk"
)

func TestSpillFileRoundTrip(t *testing.T) {
	base := t.TempDir()
	tracker := disk.NewTracker("test")
	set, err := NewSpillSet(base, tracker)
	require.NoError(t, err)
	defer set.Close()

	schema := twoColSchema("b")
	chunks := makeChunks(t, schema, [][]any{
		{int64(1), "a"}, {int64(2), "b"}, {nil, "c"}, {int64(4), nil},
	}, 2)
	require.Len(t, chunks, 2)

	file, err := set.CreateFile("inner-c0-p0")
	require.NoError(t, err)
	w, err := file.openWriter()
	require.NoError(t, err)
	for _, c := range chunks {
		require.NoError(t, w.writeChunk(c))
	}
	require.NoError(t, w.close())
	require.Equal(t, 2, file.Batches())
	require.Greater(t, file.Bytes(), int64(0))
	require.Equal(t, file.Bytes(), tracker.BytesConsumed())

	r, err := newSpilledBatchReader(file, schema)
	require.NoError(t, err)

	outcome, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, OutcomeOKNewSchema, outcome, "the first advance must establish the schema")
	require.Equal(t, 2, r.Batch().NumRows())
	require.Equal(t, int64(1), r.Batch().GetRow(0).GetInt64(0))
	require.Equal(t, "b", r.Batch().GetRow(1).GetString(1))

	outcome, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, outcome)
	require.True(t, r.Batch().GetRow(0).IsNull(0))
	require.True(t, r.Batch().GetRow(1).IsNull(1))

	outcome, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, OutcomeNone, outcome)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "reader close must be idempotent")

	require.NoError(t, set.Delete(file))
	require.Zero(t, tracker.BytesConsumed())
	_, err = os.Stat(file.Path())
	require.True(t, os.IsNotExist(err))
}

func TestSpillReaderCancel(t *testing.T) {
	set, err := NewSpillSet(t.TempDir(), nil)
	require.NoError(t, err)
	defer set.Close()

	schema := twoColSchema("b")
	file, err := set.CreateFile("inner")
	require.NoError(t, err)
	w, err := file.openWriter()
	require.NoError(t, err)
	require.NoError(t, w.writeChunk(makeChunks(t, schema, genRows(4, 2, false), 4)[0]))
	require.NoError(t, w.close())

	r, err := newSpilledBatchReader(file, schema)
	require.NoError(t, err)
	r.Cancel()
	outcome, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, OutcomeNone, outcome)
	require.NoError(t, r.Close())
}

func TestSpillSetCloseRemovesEverything(t *testing.T) {
	base := t.TempDir()
	set, err := NewSpillSet(base, nil)
	require.NoError(t, err)
	dir := set.Dir()

	file, err := set.CreateFile("inner")
	require.NoError(t, err)
	w, err := file.openWriter()
	require.NoError(t, err)
	schema := twoColSchema("b")
	require.NoError(t, w.writeChunk(makeChunks(t, schema, genRows(4, 2, false), 4)[0]))
	require.NoError(t, w.close())

	set.Close()
	set.Close() // idempotent
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSpillQueueOrderAndExhaustion(t *testing.T) {
	q := NewSpillQueue(2, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(&SpilledPartitionRef{Cycle: 1, Origin: i}))
	}
	require.Equal(t, 3, q.Len())
	for i := 0; i < 3; i++ {
		ref := q.Dequeue()
		require.Equal(t, i, ref.Origin, "dequeue must preserve insertion order")
	}
	require.Nil(t, q.Dequeue())
	require.Equal(t, 1, q.Cycle())

	err := q.Enqueue(&SpilledPartitionRef{Cycle: 3, Origin: 0})
	require.Error(t, err)
	require.ErrorContains(t, err, "partition the inner data")
}
