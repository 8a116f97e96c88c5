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
	"go.uber.org/zap"

	"github.com/kiatt210/drill/pkg/util/chunk"
	"github.com/kiatt210/drill/pkg/util/logutil"
	"github.com/kiatt210/drill/pkg/util/memory"
)

// calcContext carries the per-cycle facts the calculators reason over.
type calcContext struct {
	firstCycle      bool
	probeEmpty      bool
	memLimit        int64 // zero or less means unlimited
	numPartitions   int   // configured P before tuning
	recordsPerBatch int
	outputBatchSize int
	buildSchema     *chunk.Schema
	probeSchema     *chunk.Schema
	memTracker      *memory.Tracker
}

// MemoryCalculator decides partition counts and spill points. The lifecycle
// is Initialize, then Next for the pre-build calculator, then that
// calculator's Next for the post-build decisions.
type MemoryCalculator interface {
	Initialize(doMemoryCalculation bool)
	Next() BuildSidePartitioning
}

// BuildSidePartitioning is the pre-build calculator: it tunes the partition
// count, reports the reservation that tuning implies, and triggers
// mid-build spills.
type BuildSidePartitioning interface {
	Initialize(ctx calcContext)
	// Bind gives the calculator the allocated partition array; called once
	// the tuned partition count is known.
	Bind(partitions []*hashPartition)
	NumPartitions() int
	MaxReservedMemory() int64
	// CheckSpill is consulted when a partition completes an in-memory
	// batch; true demotes that partition to spilled immediately.
	CheckSpill(p *hashPartition) bool
	Next() PostBuildCalculations
}

// PostBuildCalculations decides, partition by partition in index order,
// whether an in-memory partition keeps its hash table or spills. ShouldSpill
// is stateful: every answer updates the accounting the next answer builds on.
type PostBuildCalculations interface {
	Initialize(probeEmpty bool)
	ShouldSpill(p *hashPartition) bool
}

// newMemoryCalculator picks the strategy from the options: an explicit
// in-flight batch limit or CalcType CalcBatchCount selects the batch-count
// strategy (32 batches when no limit is set), otherwise the estimate strategy
// applies.
func newMemoryCalculator(opts *Options) MemoryCalculator {
	if opts.MaxBatchesInMemory > 0 || opts.CalcType == CalcBatchCount {
		maxBatches := opts.MaxBatchesInMemory
		if maxBatches <= 0 {
			maxBatches = 32
		}
		return &batchCountCalculator{maxBatches: maxBatches}
	}
	return &memoryEstimateCalculator{opts: opts}
}

// noopPartitioning never spills; it backs the disable-spilling fallback.
type noopPartitioning struct {
	numPartitions int
}

func (n *noopPartitioning) Initialize(calcContext)         {}
func (n *noopPartitioning) Bind([]*hashPartition)          {}
func (n *noopPartitioning) NumPartitions() int             { return n.numPartitions }
func (n *noopPartitioning) MaxReservedMemory() int64       { return 0 }
func (n *noopPartitioning) CheckSpill(*hashPartition) bool { return false }
func (n *noopPartitioning) Next() PostBuildCalculations    { return noopPostBuild{} }

type noopPostBuild struct{}

func (noopPostBuild) Initialize(bool)                 {}
func (noopPostBuild) ShouldSpill(*hashPartition) bool { return false }

// batchCountCalculator enforces a flat limit on in-flight in-memory batches
// across all partitions.
type batchCountCalculator struct {
	maxBatches int
	disabled   bool
}

func (c *batchCountCalculator) Initialize(doMemoryCalculation bool) {
	c.disabled = !doMemoryCalculation
}

func (c *batchCountCalculator) Next() BuildSidePartitioning {
	if c.disabled {
		return &noopPartitioning{numPartitions: 1}
	}
	return &batchCountPartitioning{maxBatches: c.maxBatches}
}

type batchCountPartitioning struct {
	maxBatches    int
	numPartitions int
	partitions    []*hashPartition
}

func (c *batchCountPartitioning) Initialize(ctx calcContext) {
	c.numPartitions = roundUpPowerOfTwo(ctx.numPartitions)
}

func (c *batchCountPartitioning) Bind(partitions []*hashPartition) {
	c.partitions = partitions
}

func (c *batchCountPartitioning) NumPartitions() int { return c.numPartitions }

// MaxReservedMemory is zero: the batch-count strategy never blocks startup,
// it only spills as batches accumulate.
func (c *batchCountPartitioning) MaxReservedMemory() int64 { return 0 }

func (c *batchCountPartitioning) CheckSpill(p *hashPartition) bool {
	inFlight := 0
	for _, part := range c.partitions {
		if !part.spilled {
			inFlight += part.numBatchesInMemory()
		}
	}
	return inFlight > c.maxBatches
}

func (c *batchCountPartitioning) Next() PostBuildCalculations {
	return &batchCountPostBuild{maxBatches: c.maxBatches}
}

type batchCountPostBuild struct {
	maxBatches  int
	keptBatches int
}

func (c *batchCountPostBuild) Initialize(probeEmpty bool) {
	c.keptBatches = 0
}

func (c *batchCountPostBuild) ShouldSpill(p *hashPartition) bool {
	batches := p.numBatchesInMemory()
	if c.keptBatches+batches > c.maxBatches {
		return true
	}
	c.keptBatches += batches
	return false
}

// memoryEstimateCalculator predicts per-partition footprints from row-width
// estimates and the configured safety, fragmentation and hash-table doubling
// factors.
type memoryEstimateCalculator struct {
	opts     *Options
	disabled bool
}

func (c *memoryEstimateCalculator) Initialize(doMemoryCalculation bool) {
	c.disabled = !doMemoryCalculation
}

func (c *memoryEstimateCalculator) Next() BuildSidePartitioning {
	if c.disabled {
		return &noopPartitioning{numPartitions: 1}
	}
	return &memoryEstimatePartitioning{opts: c.opts}
}

type memoryEstimatePartitioning struct {
	opts *Options
	ctx  calcContext

	numPartitions   int
	buildRowWidth   int64
	probeRowWidth   int64
	batchBytes      int64 // one full in-memory build batch, fragmented
	probeBatchBytes int64
	outputBytes     int64
	maxReserved     int64
}

func estimateRowWidth(schema *chunk.Schema) int64 {
	if schema == nil {
		return 0
	}
	var width int64
	for _, f := range schema.Fields() {
		switch f.Type {
		case chunk.TypeLonglong:
			width += 9
		case chunk.TypeUint32:
			width += 5
		case chunk.TypeVarString:
			width += 40
		}
	}
	return width
}

func (c *memoryEstimatePartitioning) Initialize(ctx calcContext) {
	c.ctx = ctx
	c.buildRowWidth = estimateRowWidth(ctx.buildSchema) + 5 // hash column
	c.probeRowWidth = estimateRowWidth(ctx.probeSchema)
	c.batchBytes = int64(float64(int64(ctx.recordsPerBatch)*c.buildRowWidth) * c.opts.FragmentationFactor)
	c.probeBatchBytes = int64(ctx.recordsPerBatch) * c.probeRowWidth
	c.outputBytes = int64(ctx.outputBatchSize) * (c.buildRowWidth + c.probeRowWidth)

	p := roundUpPowerOfTwo(ctx.numPartitions)
	// Shrink the partition count until the reservation fits; fewer
	// partitions need fewer in-flight batch buffers.
	for p > 2 && ctx.memLimit > 0 && c.reservedFor(p) > ctx.memLimit {
		p /= 2
	}
	if tuned := roundUpPowerOfTwo(ctx.numPartitions); p != tuned {
		logutil.BgLogger().Debug("hash join reduced partition count to fit memory",
			zap.Int("configured", tuned), zap.Int("tuned", p),
			zap.String("memLimit", memory.FormatBytes(ctx.memLimit)))
	}
	c.numPartitions = p
	c.maxReserved = c.reservedFor(p)
}

// reservedFor estimates the floor reservation for p partitions: one partial
// batch buffer per partition, one incoming probe batch and one output batch.
func (c *memoryEstimatePartitioning) reservedFor(p int) int64 {
	reserved := int64(p)*c.batchBytes + c.probeBatchBytes + c.outputBytes
	return int64(float64(reserved) * c.opts.SafetyFactor)
}

func (c *memoryEstimatePartitioning) Bind(partitions []*hashPartition) {}

func (c *memoryEstimatePartitioning) NumPartitions() int { return c.numPartitions }

func (c *memoryEstimatePartitioning) MaxReservedMemory() int64 { return c.maxReserved }

// CheckSpill triggers once actual consumption plus the next batch buffer
// would cross the limit. The partition that just completed a batch is the
// spill victim; it is the one growing.
func (c *memoryEstimatePartitioning) CheckSpill(p *hashPartition) bool {
	if c.ctx.memLimit <= 0 {
		return false
	}
	consumed := c.ctx.memTracker.BytesConsumed()
	return consumed+c.batchBytes > c.ctx.memLimit
}

func (c *memoryEstimatePartitioning) Next() PostBuildCalculations {
	return &memoryEstimatePostBuild{parent: c}
}

type memoryEstimatePostBuild struct {
	parent   *memoryEstimatePartitioning
	reserved int64
}

func (c *memoryEstimatePostBuild) Initialize(probeEmpty bool) {
	// The probe batch buffer is not needed when the probe side is empty.
	base := c.parent.outputBytes
	if !probeEmpty {
		base += c.parent.probeBatchBytes
	}
	c.reserved = int64(float64(base) * c.parent.opts.SafetyFactor)
}

// hashTableBytes estimates the table built over n rows, including the
// doubling headroom of the bucket array.
func (c *memoryEstimatePostBuild) hashTableBytes(rows int64) int64 {
	entries := rows * 32
	return int64(float64(entries) * c.parent.opts.HashTableDoublingFactor)
}

func (c *memoryEstimatePostBuild) ShouldSpill(p *hashPartition) bool {
	limit := c.parent.ctx.memLimit
	if limit <= 0 {
		return false
	}
	cost := int64(float64(p.inMemBytes)*c.parent.opts.FragmentationFactor) +
		c.hashTableBytes(p.inMemRows)
	cost = int64(float64(cost) * c.parent.opts.SafetyFactor)
	if c.reserved+cost > limit {
		// A spilled partition still needs a write buffer for its outer file.
		c.reserved += c.parent.batchBytes
		return true
	}
	c.reserved += cost
	return false
}
