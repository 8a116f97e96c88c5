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

func testCalcContext(opts *Options, memLimit int64, tracker *memory.Tracker) calcContext {
	return calcContext{
		firstCycle:      true,
		memLimit:        memLimit,
		numPartitions:   opts.NumPartitions,
		recordsPerBatch: opts.RecordsPerBatch,
		outputBatchSize: opts.OutputBatchSize,
		buildSchema:     twoColSchema("b"),
		probeSchema:     twoColSchema("p"),
		memTracker:      tracker,
	}
}

func TestBatchCountCalculatorSelection(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBatchesInMemory = 4
	calc := newMemoryCalculator(opts)
	calc.Initialize(true)
	bsp := calc.Next()
	_, ok := bsp.(*batchCountPartitioning)
	require.True(t, ok, "a nonzero batch limit must select the batch-count strategy")

	calc.Initialize(false)
	bsp = calc.Next()
	noop, ok := bsp.(*noopPartitioning)
	require.True(t, ok)
	require.Equal(t, 1, noop.NumPartitions())
	require.False(t, noop.Next().ShouldSpill(nil))
}

func TestBatchCountPostBuildDecisions(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBatchesInMemory = 4
	opts.NumPartitions = 4
	tracker := memory.NewTracker("test", 0)

	calc := newMemoryCalculator(opts)
	calc.Initialize(true)
	bsp := calc.Next()
	bsp.Initialize(testCalcContext(opts, 0, tracker))
	require.Equal(t, 4, bsp.NumPartitions())
	require.Zero(t, bsp.MaxReservedMemory())

	set, err := NewSpillSet(t.TempDir(), nil)
	require.NoError(t, err)
	defer set.Close()

	partitions := make([]*hashPartition, 4)
	schema := twoColSchema("b")
	for i := range partitions {
		partitions[i] = newHashPartition(i, 0, 0, schema, twoColSchema("p"), 2, tracker, set)
	}
	bsp.Bind(partitions)

	// Two completed batches per partition: the first two partitions fill
	// the 4-batch budget, the rest must spill.
	rows := genRows(4, 4, false)
	for _, p := range partitions {
		for _, r := range rows {
			c := makeChunks(t, schema, [][]any{r}, 1)[0]
			require.NoError(t, p.appendInnerRow(c.GetRow(0), 0, nil))
		}
		require.NoError(t, p.completeInnerBatch(nil))
		require.Equal(t, 2, p.numBatchesInMemory())
	}

	post := bsp.Next()
	post.Initialize(false)
	require.False(t, post.ShouldSpill(partitions[0]))
	require.False(t, post.ShouldSpill(partitions[1]))
	require.True(t, post.ShouldSpill(partitions[2]), "a fifth in-flight batch exceeds the budget")
	require.True(t, post.ShouldSpill(partitions[3]))
}

func TestMemoryEstimateTuningShrinksPartitions(t *testing.T) {
	opts := DefaultOptions()
	opts.NumPartitions = 16
	tracker := memory.NewTracker("test", 0)

	calc := newMemoryCalculator(opts)
	calc.Initialize(true)
	bsp := calc.Next()

	// A limit large enough for a couple of partition buffers but not for
	// sixteen: the calculator must halve its way down.
	bsp.Initialize(testCalcContext(opts, 512<<10, tracker))
	require.Less(t, bsp.NumPartitions(), 16)
	require.GreaterOrEqual(t, bsp.NumPartitions(), 2)

	// Unlimited memory keeps the configured count.
	bsp2 := calc.Next()
	bsp2.Initialize(testCalcContext(opts, 0, tracker))
	require.Equal(t, 16, bsp2.NumPartitions())
}

func TestMemoryEstimateCheckSpill(t *testing.T) {
	opts := DefaultOptions()
	opts.RecordsPerBatch = 64
	tracker := memory.NewTracker("test", 1<<20)

	calc := newMemoryCalculator(opts)
	calc.Initialize(true)
	bsp := calc.Next()
	bsp.Initialize(testCalcContext(opts, 1<<20, tracker))

	require.False(t, bsp.CheckSpill(nil))
	require.NoError(t, tracker.Consume(1 << 20))
	require.True(t, bsp.CheckSpill(nil), "consumption at the limit must trigger a spill")
	tracker.Release(1 << 20)
}

func TestMemoryEstimatePostBuild(t *testing.T) {
	opts := DefaultOptions()
	opts.RecordsPerBatch = 8
	opts.OutputBatchSize = 16
	tracker := memory.NewTracker("test", 0)
	calc := newMemoryCalculator(opts)
	calc.Initialize(true)
	bsp := calc.Next()
	bsp.Initialize(testCalcContext(opts, 48<<10, tracker))

	set, err := NewSpillSet(t.TempDir(), nil)
	require.NoError(t, err)
	defer set.Close()

	schema := twoColSchema("b")
	small := newHashPartition(0, 0, 0, schema, twoColSchema("p"), 8, tracker, set)
	big := newHashPartition(1, 0, 0, schema, twoColSchema("p"), 8, tracker, set)
	big.inMemBytes = 1 << 20
	big.inMemRows = 1 << 12

	post := bsp.Next()
	post.Initialize(false)
	require.False(t, post.ShouldSpill(small))
	require.True(t, post.ShouldSpill(big), "a partition larger than the limit must spill")
}
