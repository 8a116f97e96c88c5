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
	"github.com/kiatt210/drill/pkg/util/chunk"
)

// Probe is the collaborator the driver runs the probe phase through. The
// driver sets a target output count, calls ProbeAndProject until it stops
// producing, and switches to the final state to collect unmatched build rows
// where the join type owes them.
type Probe interface {
	SetTargetOutputCount(n int)
	// ProbeAndProject appends up to the target number of output rows to out
	// and returns how many it appended. Zero with Done() false means "call
	// again"; zero with Done() true ends the cycle.
	ProbeAndProject(out *chunk.Chunk) (int, error)
	// ChangeToFinalProbeState skips the streaming part; used when there are
	// no probe rows but unmatched build rows are owed.
	ChangeToFinalProbeState()
	Done() bool
}

// joinStrategy is the hook set a join variant supplies: how to create its
// probe collaborator, how to set it up for a cycle, and how to size the
// partition hash tables.
type joinStrategy interface {
	newProbe(e *HashJoinExec) Probe
	setupProbe(e *HashJoinExec, p Probe) error
	hashTableConfig(opts *Options) hashTableConfig
}

// defaultJoinStrategy covers all built-in join types; the probe collaborator
// itself branches on the join type.
type defaultJoinStrategy struct{}

func (defaultJoinStrategy) newProbe(e *HashJoinExec) Probe {
	return newHashJoinProbe(e)
}

func (defaultJoinStrategy) setupProbe(e *HashJoinExec, p Probe) error {
	p.SetTargetOutputCount(e.outputTarget())
	if e.probeFetcher.sideIsEmpty || e.probeFetcher.exhausted && !e.probeFetcher.prefetched {
		p.ChangeToFinalProbeState()
	}
	return nil
}

func (defaultJoinStrategy) hashTableConfig(opts *Options) hashTableConfig {
	cfg := defaultHashTableConfig()
	if opts.RecordsPerBatch > cfg.initialBuckets {
		cfg.initialBuckets = opts.RecordsPerBatch
	}
	return cfg
}

type probeState int

const (
	probeStreaming probeState = iota
	probeFinal
	probeDone
)

// hashJoinProbe streams probe batches against the cycle's partitions. One
// instance lives for one cycle.
type hashJoinProbe struct {
	e      *HashJoinExec
	state  probeState
	target int

	batch  *chunk.Chunk
	rowIdx int

	// chain resume state: when an output batch fills up mid-chain, the walk
	// continues from chainID on the next call.
	chainID      uint32
	chainPart    int
	chainHash    uint32
	chainMatched bool

	finalPart  int
	finalKeyID uint32

	emitted int
	keyBuf  []byte

	probeColsOut int
	buildColsOut int

	// seenKeys dedups EXCEPT DISTINCT emissions within the cycle. Keys
	// evaluated in memory never resurface in a later cycle, routing is
	// deterministic, so a per-cycle map is enough.
	seenKeys map[string]struct{}
	nullEQ   bool
}

func newHashJoinProbe(e *HashJoinExec) *hashJoinProbe {
	p := &hashJoinProbe{
		e:            e,
		probeColsOut: e.probeSchema.Len(),
	}
	switch e.ctx.joinType {
	case LeftSemiJoin, IntersectDistinctJoin, ExceptDistinctJoin:
		p.buildColsOut = 0
	default:
		p.buildColsOut = e.buildSchema.Len()
	}
	switch e.ctx.joinType {
	case IntersectDistinctJoin, ExceptDistinctJoin:
		p.nullEQ = true
	}
	if e.ctx.joinType == ExceptDistinctJoin {
		p.seenKeys = make(map[string]struct{})
	}
	return p
}

func (p *hashJoinProbe) SetTargetOutputCount(n int) { p.target = n }

func (p *hashJoinProbe) Done() bool { return p.state == probeDone }

func (p *hashJoinProbe) ChangeToFinalProbeState() {
	if p.state == probeDone {
		return
	}
	if p.e.ctx.joinIsRightOrFull && len(p.e.partitions) > 0 {
		p.state = probeFinal
		p.finalPart = 0
		p.finalKeyID = 1
		return
	}
	p.state = probeDone
}

func (p *hashJoinProbe) ProbeAndProject(out *chunk.Chunk) (int, error) {
	p.emitted = 0
	for p.emitted < p.target {
		switch p.state {
		case probeStreaming:
			if err := p.stepStreaming(out); err != nil {
				return p.emitted, err
			}
		case probeFinal:
			p.stepFinal(out)
		case probeDone:
			return p.emitted, nil
		}
	}
	return p.emitted, nil
}

// stepStreaming makes progress on the streaming part: resumes a paused
// chain, processes rows of the current batch, or fetches the next batch.
func (p *hashJoinProbe) stepStreaming(out *chunk.Chunk) error {
	if p.chainID != 0 {
		p.walkChain(out)
		return nil
	}
	if p.batch == nil || p.rowIdx >= p.batch.NumRows() {
		batch, err := p.e.probeFetcher.next()
		if err != nil {
			return err
		}
		if batch == nil {
			if err := p.e.onProbeDrained(); err != nil {
				return err
			}
			p.ChangeToFinalProbeState()
			return nil
		}
		p.e.metrics.ProbeBatches++
		p.e.metrics.ProbeRows += int64(batch.NumRows())
		p.e.metrics.ProbeBytes += batch.MemoryUsage()
		p.batch = batch
		p.rowIdx = 0
		return nil
	}
	return p.startRow(out)
}

// startRow routes one probe row: spill it, resolve it as an immediate
// non-match, or open its hash chain.
func (p *hashJoinProbe) startRow(out *chunk.Chunk) error {
	row := p.batch.GetRow(p.rowIdx)
	e := p.e

	var hash uint32
	if e.cycle == 0 {
		hash, p.keyBuf = hashKeyCols(p.keyBuf, row, e.probeKeyColIdx)
	} else {
		hash = row.GetUint32(p.batch.NumCols() - 1)
	}

	if len(e.partitions) == 0 {
		// No build table at all (empty build side): every row is unmatched.
		p.resolveUnmatched(out, row)
		p.rowIdx++
		return nil
	}

	part := int(hash & e.mask)
	partition := e.partitions[part]
	if partition.spilled {
		if err := partition.appendOuterRow(row, hash>>e.bits, e.probeSchema.Len()); err != nil {
			return err
		}
		p.rowIdx++
		return nil
	}

	if !p.nullEQ && keyHasNull(row, e.probeKeyColIdx) {
		// A null key never matches; no need to walk the chain.
		p.resolveUnmatched(out, row)
		p.rowIdx++
		return nil
	}

	innerHash := hash >> e.bits
	p.chainPart = part
	p.chainHash = innerHash
	p.chainMatched = false
	if partition.ht != nil {
		p.chainID = partition.ht.probeFirst(innerHash)
	} else {
		p.chainID = 0
	}
	if p.chainID == 0 {
		p.resolveUnmatched(out, row)
		p.rowIdx++
		return nil
	}
	p.walkChain(out)
	return nil
}

// walkChain continues the hash-chain walk of the current probe row, pausing
// when the output batch fills. When the chain ends the row is resolved.
func (p *hashJoinProbe) walkChain(out *chunk.Chunk) {
	e := p.e
	row := p.batch.GetRow(p.rowIdx)
	ht := e.partitions[p.chainPart].ht
	for p.chainID != 0 && p.emitted < p.target {
		keyID := p.chainID
		p.chainID = ht.probeNext(keyID)
		if ht.hash(keyID) != p.chainHash {
			continue
		}
		buildRow := ht.row(keyID)
		if !p.matchRows(row, buildRow) {
			continue
		}
		switch e.ctx.joinType {
		case LeftSemiJoin:
			p.appendProbeOnly(out, row)
			p.chainID = 0
		case IntersectDistinctJoin:
			if !ht.isMatched(keyID) {
				ht.setMatched(keyID)
				p.appendProbeOnly(out, row)
			}
			p.chainID = 0
		case ExceptDistinctJoin:
			// Membership established: the row is suppressed.
			p.chainMatched = true
			p.chainID = 0
		default:
			p.chainMatched = true
			ht.setMatched(keyID)
			p.appendJoined(out, row, buildRow)
		}
	}
	if p.chainID == 0 {
		if !p.chainMatched && e.ctx.joinType != LeftSemiJoin && e.ctx.joinType != IntersectDistinctJoin {
			p.resolveUnmatched(out, row)
		}
		p.rowIdx++
	}
}

// matchRows compares key columns; set operations treat nulls as equal.
func (p *hashJoinProbe) matchRows(probeRow, buildRow chunk.Row) bool {
	e := p.e
	if p.nullEQ {
		return keysEqualNullEq(probeRow, e.probeKeyColIdx, buildRow, e.buildKeyColIdx)
	}
	return keysEqual(probeRow, e.probeKeyColIdx, buildRow, e.buildKeyColIdx)
}

// resolveUnmatched handles a probe row whose chain produced no match.
func (p *hashJoinProbe) resolveUnmatched(out *chunk.Chunk, row chunk.Row) {
	e := p.e
	switch e.ctx.joinType {
	case LeftOuterJoin, FullOuterJoin:
		p.appendProbeNullBuild(out, row)
	case ExceptDistinctJoin:
		p.keyBuf = encodeKeyCols(p.keyBuf[:0], row, e.probeKeyColIdx)
		key := string(p.keyBuf)
		if _, ok := p.seenKeys[key]; !ok {
			p.seenKeys[key] = struct{}{}
			p.appendProbeOnly(out, row)
		}
	}
}

// stepFinal emits unmatched build rows, partition by partition.
func (p *hashJoinProbe) stepFinal(out *chunk.Chunk) {
	e := p.e
	for p.finalPart < len(e.partitions) {
		partition := e.partitions[p.finalPart]
		if partition.spilled || partition.ht == nil {
			p.finalPart++
			p.finalKeyID = 1
			continue
		}
		ht := partition.ht
		for p.finalKeyID <= uint32(ht.numEntries()) {
			if p.emitted >= p.target {
				return
			}
			keyID := p.finalKeyID
			p.finalKeyID++
			if !ht.isMatched(keyID) {
				p.appendBuildNullProbe(out, ht.row(keyID))
			}
		}
		p.finalPart++
		p.finalKeyID = 1
	}
	p.state = probeDone
}

func (p *hashJoinProbe) appendJoined(out *chunk.Chunk, probeRow, buildRow chunk.Row) {
	out.AppendPartialRow(0, probeRow, p.probeColsOut)
	out.AppendPartialRow(p.probeColsOut, buildRow, p.buildColsOut)
	p.emitted++
}

func (p *hashJoinProbe) appendProbeOnly(out *chunk.Chunk, probeRow chunk.Row) {
	out.AppendPartialRow(0, probeRow, p.probeColsOut)
	p.emitted++
}

func (p *hashJoinProbe) appendProbeNullBuild(out *chunk.Chunk, probeRow chunk.Row) {
	out.AppendPartialRow(0, probeRow, p.probeColsOut)
	out.AppendNulls(p.probeColsOut, p.buildColsOut)
	p.emitted++
}

func (p *hashJoinProbe) appendBuildNullProbe(out *chunk.Chunk, buildRow chunk.Row) {
	out.AppendNulls(0, p.probeColsOut)
	out.AppendPartialRow(p.probeColsOut, buildRow, p.buildColsOut)
	p.emitted++
}
