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
	"fmt"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/kiatt210/drill/pkg/util/chunk"
	"github.com/kiatt210/drill/pkg/util/logutil"
	"github.com/kiatt210/drill/pkg/util/memory"
)

// hashValueColName is the hidden trailing column carried by partition
// batches and spilled batches. It stores the in-partition hash code so later
// cycles never recompute key hashes.
const hashValueColName = "__hash_value"

func withHashValueCol(schema *chunk.Schema) *chunk.Schema {
	return schema.Append(chunk.Field{Name: hashValueColName, Type: chunk.TypeUint32})
}

// hashPartition buffers the build rows routed to one partition within a
// cycle and, on the probe side, spills the probe rows routed to it once the
// build side has spilled. It lives for exactly one cycle; spill files outlive
// it through the spill queue.
type hashPartition struct {
	idx      int
	priorIdx int
	cycle    int

	buildSchema *chunk.Schema // logical build schema
	innerSchema *chunk.Schema // build schema + hash column
	outerSchema *chunk.Schema // probe schema + hash column

	recordsPerBatch int
	memTracker      *memory.Tracker
	spillSet        *SpillSet

	bufs       []*chunk.Chunk
	cur        *chunk.Chunk
	rows       int64 // all build rows routed here, in memory or spilled
	inMemRows  int64
	inMemBytes int64

	spilled   bool
	innerFile *SpillFile
	innerW    *spillWriter

	outerFile *SpillFile
	outerW    *spillWriter
	outerCur  *chunk.Chunk
	outerRows int64

	ht *hashTable
}

func newHashPartition(idx, priorIdx, cycle int, buildSchema, probeSchema *chunk.Schema,
	recordsPerBatch int, memTracker *memory.Tracker, spillSet *SpillSet) *hashPartition {
	p := &hashPartition{
		idx:             idx,
		priorIdx:        priorIdx,
		cycle:           cycle,
		buildSchema:     buildSchema,
		innerSchema:     withHashValueCol(buildSchema),
		recordsPerBatch: recordsPerBatch,
		memTracker:      memTracker,
		spillSet:        spillSet,
	}
	if probeSchema != nil {
		p.outerSchema = withHashValueCol(probeSchema)
	}
	return p
}

// appendInnerRow adds one build row together with its in-partition hash
// code. The row may carry a trailing hash column from a previous cycle; only
// the logical build columns are copied. The partition may spill itself when
// the calculator says the completed batch does not fit.
func (p *hashPartition) appendInnerRow(row chunk.Row, innerHash uint32, calc BuildSidePartitioning) error {
	if p.cur == nil {
		p.cur = chunk.New(p.innerSchema)
	}
	p.cur.AppendPartialRow(0, row, p.buildSchema.Len())
	p.cur.Column(p.buildSchema.Len()).AppendUint32(innerHash)
	p.rows++
	p.inMemRows++
	footprint := row.MemoryFootprint() + 5
	p.inMemBytes += footprint
	if err := p.memTracker.Consume(footprint); err != nil {
		return err
	}
	if p.cur.NumRows() >= p.recordsPerBatch {
		return p.completeCurrentBatch(calc)
	}
	return nil
}

// appendInnerColumns bulk-adopts a whole build batch; used when a single
// partition receives everything and per-row routing is pointless. hashes may
// be nil when src already carries the trailing hash column.
func (p *hashPartition) appendInnerColumns(src *chunk.Chunk, hashes []uint32) error {
	if p.cur == nil {
		p.cur = chunk.New(p.innerSchema)
	}
	p.cur.AppendColumns(src, p.buildSchema.Len())
	hashCol := p.cur.Column(p.buildSchema.Len())
	if hashes != nil {
		for _, h := range hashes {
			hashCol.AppendUint32(h)
		}
	} else {
		srcHash := src.Column(src.NumCols() - 1)
		hashCol.AppendColumn(srcHash)
	}
	n := int64(src.NumRows())
	p.rows += n
	p.inMemRows += n
	footprint := src.MemoryUsage()
	p.inMemBytes += footprint
	if err := p.memTracker.Consume(footprint); err != nil {
		return err
	}
	p.bufs = append(p.bufs, p.cur)
	p.cur = nil
	return nil
}

// completeCurrentBatch moves the batch being filled to the in-memory buffer,
// or straight to the inner spill file when the partition has spilled. The
// calculator may demote the partition to spilled right after the move.
func (p *hashPartition) completeCurrentBatch(calc BuildSidePartitioning) error {
	if p.cur == nil || p.cur.NumRows() == 0 {
		return nil
	}
	if p.spilled {
		if err := p.innerW.writeChunk(p.cur); err != nil {
			return err
		}
		released := p.inMemBytes
		p.memTracker.Release(released)
		p.inMemBytes = 0
		p.inMemRows = 0
		p.cur.Reset()
		return nil
	}
	p.bufs = append(p.bufs, p.cur)
	p.cur = nil
	if calc != nil && calc.CheckSpill(p) {
		return p.spill()
	}
	return nil
}

// completeInnerBatch flushes the partial batch at end of build drain.
func (p *hashPartition) completeInnerBatch(calc BuildSidePartitioning) error {
	return p.completeCurrentBatch(calc)
}

// spill flushes the buffered build rows to the inner spill file and marks
// the partition spilled; subsequent appends stream through the file.
func (p *hashPartition) spill() error {
	if p.spilled {
		return nil
	}
	file, err := p.spillSet.CreateFile(fmt.Sprintf("inner-c%d-p%d", p.cycle, p.idx))
	if err != nil {
		return err
	}
	w, err := file.openWriter()
	if err != nil {
		return err
	}
	p.innerFile, p.innerW = file, w
	for _, buf := range p.bufs {
		if err := w.writeChunk(buf); err != nil {
			return err
		}
	}
	p.bufs = nil
	if p.cur != nil && p.cur.NumRows() > 0 {
		if err := w.writeChunk(p.cur); err != nil {
			return err
		}
		p.cur.Reset()
	}
	p.memTracker.Release(p.inMemBytes)
	p.inMemBytes = 0
	p.inMemRows = 0
	p.spilled = true
	spilledPartitionsCounter.Inc()
	logutil.BgLogger().Debug("hash join partition spilled",
		zap.Int("cycle", p.cycle), zap.Int("partition", p.idx),
		zap.Int("priorPartition", p.priorIdx), zap.Int64("rows", p.rows))
	return nil
}

// finishInnerSpill closes the inner writer and returns the complete file.
func (p *hashPartition) finishInnerSpill() (*SpillFile, error) {
	if p.innerW != nil {
		if err := p.innerW.close(); err != nil {
			return nil, err
		}
		p.innerW = nil
	}
	return p.innerFile, nil
}

// buildHashTable constructs the chained hash table over the buffered build
// rows using the stored hash codes.
func (p *hashPartition) buildHashTable(cfg hashTableConfig) error {
	if p.spilled {
		return errors.Annotate(ErrInternal, "building a hash table on a spilled partition")
	}
	if want := int(float64(p.inMemRows)/cfg.loadFactor) + 1; want > cfg.initialBuckets {
		cfg.initialBuckets = want
	}
	p.ht = newHashTable(cfg, p.memTracker)
	hashColIdx := p.buildSchema.Len()
	for _, buf := range p.bufs {
		hashCol := buf.Column(hashColIdx)
		for i := 0; i < buf.NumRows(); i++ {
			if err := p.ht.insert(buf.GetRow(i), hashCol.GetUint32(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// appendOuterRow spills one probe row (with its in-partition hash code) to
// the partition's outer file.
func (p *hashPartition) appendOuterRow(row chunk.Row, innerHash uint32, probeCols int) error {
	if p.outerW == nil {
		file, err := p.spillSet.CreateFile(fmt.Sprintf("outer-c%d-p%d", p.cycle, p.idx))
		if err != nil {
			return err
		}
		w, err := file.openWriter()
		if err != nil {
			return err
		}
		p.outerFile, p.outerW = file, w
		p.outerCur = chunk.New(p.outerSchema)
	}
	p.outerCur.AppendPartialRow(0, row, probeCols)
	p.outerCur.Column(probeCols).AppendUint32(innerHash)
	p.outerRows++
	if p.outerCur.NumRows() >= p.recordsPerBatch {
		if err := p.outerW.writeChunk(p.outerCur); err != nil {
			return err
		}
		p.outerCur.Reset()
	}
	return nil
}

// finishOuterSpill flushes and closes the outer writer, returning the file
// (nil when no probe row was routed here).
func (p *hashPartition) finishOuterSpill() (*SpillFile, error) {
	if p.outerW == nil {
		return nil, nil
	}
	if p.outerCur != nil && p.outerCur.NumRows() > 0 {
		if err := p.outerW.writeChunk(p.outerCur); err != nil {
			return nil, err
		}
		p.outerCur = nil
	}
	if err := p.outerW.close(); err != nil {
		return nil, err
	}
	p.outerW = nil
	return p.outerFile, nil
}

func (p *hashPartition) numBatchesInMemory() int {
	n := len(p.bufs)
	if p.cur != nil && p.cur.NumRows() > 0 {
		n++
	}
	return n
}

// release frees the in-memory structures. Spill files are left alone; their
// ownership has moved to the spill queue by the time a partition dies.
func (p *hashPartition) release() {
	if p.innerW != nil {
		_ = p.innerW.close()
		p.innerW = nil
	}
	if p.outerW != nil {
		_ = p.outerW.close()
		p.outerW = nil
	}
	if p.ht != nil {
		p.ht.release()
		p.ht = nil
	}
	p.memTracker.Release(p.inMemBytes)
	p.inMemBytes = 0
	p.inMemRows = 0
	p.bufs = nil
	p.cur = nil
	p.outerCur = nil
}

func (p *hashPartition) debugString() string {
	return fmt.Sprintf("partition %d: %d rows (%d in memory, %s), %d batches buffered, spilled=%v",
		p.idx, p.rows, p.inMemRows, memory.FormatBytes(p.inMemBytes),
		p.numBatchesInMemory(), p.spilled)
}
