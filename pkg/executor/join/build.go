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
	"math/bits"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"

	"github.com/kiatt210/drill/pkg/util/logutil"
	"github.com/kiatt210/drill/pkg/util/memory"
)

// executeBuildPhase drains the build input for the current cycle: it tunes
// the partition count, hash-partitions every row, lets partitions spill as
// memory demands, emits the runtime filters (first cycle only), then makes
// the post-build keep-or-spill decision per partition and queues the spilled
// ones.
func (e *HashJoinExec) executeBuildPhase() error {
	firstCycle := e.cycle == 0
	if e.buildFetcher.sideIsEmpty {
		// Nothing to build. The probe phase treats every row as unmatched.
		e.partitions = nil
		e.mask, e.bits = 0, 0
		return nil
	}

	if err := e.setupPartitions(firstCycle); err != nil {
		return err
	}

	if firstCycle {
		e.rfBuilder = newRuntimeFilterBuilder(e.opts.RuntimeFilters, e.buildSchema,
			e.filterSink, e.operatorID)
	}

	if err := e.drainBuildSide(firstCycle); err != nil {
		return err
	}

	if len(e.partitions) > 1 {
		for _, p := range e.partitions {
			if err := p.completeInnerBatch(e.bsp); err != nil {
				return annotateOOM(err, e.cycle, e.partitions, e.ctx.memTracker)
			}
		}
	} else {
		if err := e.partitions[0].completeInnerBatch(nil); err != nil {
			return annotateOOM(err, e.cycle, e.partitions, e.ctx.memTracker)
		}
	}

	// The filters must be downstream before the first probe row is emitted;
	// recursive cycles never produce them.
	if e.rfBuilder != nil {
		if err := e.rfBuilder.emit(); err != nil {
			return err
		}
	}

	if err := e.postBuildDecisions(); err != nil {
		return err
	}
	return e.enqueueSpilledPartitions()
}

// setupPartitions runs the pre-build calculator, applies the
// disable-spilling fallback when the reservation does not fit, and allocates
// the partition array.
func (e *HashJoinExec) setupPartitions(firstCycle bool) error {
	if e.calc == nil {
		e.calc = newMemoryCalculator(e.opts)
		e.calc.Initialize(!e.spillingDisabled)
	}
	memLimit := e.ctx.memTracker.Limit()
	ctx := calcContext{
		firstCycle:      firstCycle,
		probeEmpty:      e.probeFetcher.sideIsEmpty,
		memLimit:        memLimit,
		numPartitions:   e.opts.NumPartitions,
		recordsPerBatch: e.opts.RecordsPerBatch,
		outputBatchSize: e.outputTarget(),
		buildSchema:     e.buildSchema,
		probeSchema:     e.probeSchema,
		memTracker:      e.ctx.memTracker,
	}
	bsp := e.calc.Next()
	bsp.Initialize(ctx)

	if firstCycle && memLimit > 0 && bsp.MaxReservedMemory() > memLimit {
		if !e.opts.FallbackEnabled {
			return errors.Annotatef(ErrInsufficientMemory,
				"build side needs %s reserved but the limit is %s",
				memory.FormatBytes(bsp.MaxReservedMemory()), memory.FormatBytes(memLimit))
		}
		// The only legal escape from spilling: one partition, no limit.
		e.spillingDisabled = true
		e.ctx.memTracker.SetLimit(0)
		fallbackCounter.Inc()
		logutil.BgLogger().Warn("hash join disabled spilling and fell back to a single in-memory partition",
			zap.Int("operatorID", e.operatorID),
			zap.String("reserved", memory.FormatBytes(bsp.MaxReservedMemory())),
			zap.String("memLimit", memory.FormatBytes(memLimit)))
		e.calc = newMemoryCalculator(e.opts)
		e.calc.Initialize(false)
		bsp = e.calc.Next()
		bsp.Initialize(ctx)
	}
	e.bsp = bsp

	numPartitions := bsp.NumPartitions()
	e.mask = uint32(numPartitions - 1)
	e.bits = uint(bits.TrailingZeros32(uint32(numPartitions)))
	if !e.spillingDisabled && e.spillSet == nil {
		spillSet, err := NewSpillSet(e.opts.SpillDir, e.ctx.diskTracker)
		if err != nil {
			return err
		}
		e.spillSet = spillSet
	}
	e.partitions = make([]*hashPartition, numPartitions)
	for i := range e.partitions {
		e.partitions[i] = newHashPartition(i, e.priorOrigin, e.cycle,
			e.buildSchema, e.probeSchema, e.opts.RecordsPerBatch,
			e.ctx.memTracker, e.spillSet)
	}
	bsp.Bind(e.partitions)
	e.metrics.NumPartitions = int64(numPartitions)
	return nil
}

// drainBuildSide routes every build row to its partition. The first cycle
// hashes the key columns; later cycles reuse the hash stored in the hidden
// trailing column of the spilled batches.
func (e *HashJoinExec) drainBuildSide(firstCycle bool) error {
	singlePartition := len(e.partitions) == 1
	var hashes []uint32
	for {
		batch, err := e.buildFetcher.next()
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		e.metrics.BuildBatches++
		e.metrics.BuildRows += int64(batch.NumRows())
		e.metrics.BuildBytes += batch.MemoryUsage()

		failpoint.Inject("buildOOM", func() {
			err = errors.Trace(memory.ErrMemoryExceeded)
		})
		if err != nil {
			return annotateOOM(err, e.cycle, e.partitions, e.ctx.memTracker)
		}

		if singlePartition {
			// One partition takes everything; skip the per-row copy and
			// adopt the batch wholesale.
			hashes = hashes[:0]
			if firstCycle {
				for r := 0; r < batch.NumRows(); r++ {
					row := batch.GetRow(r)
					var h uint32
					h, e.keyBuf = hashKeyCols(e.keyBuf, row, e.buildKeyColIdx)
					hashes = append(hashes, h)
					e.rfBuilder.addRow(row)
				}
				if err := e.partitions[0].appendInnerColumns(batch, hashes); err != nil {
					return annotateOOM(err, e.cycle, e.partitions, e.ctx.memTracker)
				}
			} else {
				if err := e.partitions[0].appendInnerColumns(batch, nil); err != nil {
					return annotateOOM(err, e.cycle, e.partitions, e.ctx.memTracker)
				}
			}
			continue
		}

		hashColIdx := batch.NumCols() - 1
		for r := 0; r < batch.NumRows(); r++ {
			row := batch.GetRow(r)
			var h uint32
			if firstCycle {
				h, e.keyBuf = hashKeyCols(e.keyBuf, row, e.buildKeyColIdx)
			} else {
				h = row.GetUint32(hashColIdx)
			}
			part := int(h & e.mask)
			if err := e.partitions[part].appendInnerRow(row, h>>e.bits, e.bsp); err != nil {
				return annotateOOM(err, e.cycle, e.partitions, e.ctx.memTracker)
			}
			if firstCycle {
				e.rfBuilder.addRow(row)
			}
		}
	}
}

// postBuildDecisions consults the post-build calculator per in-memory
// partition, in index order: spill it or build its hash table.
func (e *HashJoinExec) postBuildDecisions() error {
	post := e.bsp.Next()
	post.Initialize(e.probeFetcher.sideIsEmpty)
	htCfg := e.strategy.hashTableConfig(e.opts)
	needMatched := e.ctx.joinIsRightOrFull || e.ctx.joinType == IntersectDistinctJoin
	for _, p := range e.partitions {
		if p.spilled {
			continue
		}
		if post.ShouldSpill(p) {
			if err := p.spill(); err != nil {
				return err
			}
			continue
		}
		err := p.buildHashTable(htCfg)
		failpoint.Inject("hashTableOOM", func() {
			err = errors.Trace(memory.ErrMemoryExceeded)
		})
		if err != nil {
			return annotateOOM(err, e.cycle, e.partitions, e.ctx.memTracker)
		}
		if needMatched {
			p.ht.ensureMatched()
		}
	}
	return nil
}

// enqueueSpilledPartitions seals the inner files of the spilled partitions
// and queues their refs. The probe phase finds the partner ref through the
// spilledInners side table when it routes probe rows to spilled partitions.
func (e *HashJoinExec) enqueueSpilledPartitions() error {
	e.spilledInners = make([]*SpilledPartitionRef, len(e.partitions))
	for i, p := range e.partitions {
		if !p.spilled {
			continue
		}
		file, err := p.finishInnerSpill()
		if err != nil {
			return err
		}
		if file == nil {
			continue
		}
		ref := &SpilledPartitionRef{
			Cycle:        e.cycle + 1,
			Origin:       i,
			PriorOrigin:  e.priorOrigin,
			InnerFile:    file,
			InnerBatches: file.Batches(),
		}
		if err := e.spillQueue.Enqueue(ref); err != nil {
			return err
		}
		e.spilledInners[i] = ref
	}
	return nil
}
