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
	"go.uber.org/zap"

	"github.com/kiatt210/drill/pkg/util/chunk"
	"github.com/kiatt210/drill/pkg/util/disk"
	"github.com/kiatt210/drill/pkg/util/logutil"
	"github.com/kiatt210/drill/pkg/util/memory"
)

// JoinType enumerates the supported join variants. The build side is the
// right input, the probe side the left.
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftOuterJoin
	RightOuterJoin
	FullOuterJoin
	LeftSemiJoin
	IntersectDistinctJoin
	ExceptDistinctJoin
)

func (t JoinType) String() string {
	switch t {
	case InnerJoin:
		return "INNER"
	case LeftOuterJoin:
		return "LEFT_OUTER"
	case RightOuterJoin:
		return "RIGHT_OUTER"
	case FullOuterJoin:
		return "FULL_OUTER"
	case LeftSemiJoin:
		return "LEFT_SEMI"
	case IntersectDistinctJoin:
		return "INTERSECT_DISTINCT"
	case ExceptDistinctJoin:
		return "EXCEPT_DISTINCT"
	}
	return "UNKNOWN"
}

type operatorState int

const (
	stateInit operatorState = iota
	stateFirst
	stateNotFirst
	stateDone
)

// HashJoinConfig configures one operator instance.
type HashJoinConfig struct {
	Opts     *Options
	JoinType JoinType
	// BuildSide is the right input; its rows populate the hash tables.
	BuildSide BatchSource
	// ProbeSide is the left input, streamed against the hash tables.
	ProbeSide      BatchSource
	BuildKeyColIdx []int
	ProbeKeyColIdx []int

	OperatorID int
	FilterSink RuntimeFilterSink
	// ParentMemTracker, when set, accounts this operator's memory into the
	// query-level tracker.
	ParentMemTracker *memory.Tracker
}

// HashJoinExec is the partitioned, spill-capable hash join operator. It
// implements BatchSource so it composes into a pull pipeline.
type HashJoinExec struct {
	opts     *Options
	ctx      hashJoinCtx
	strategy joinStrategy

	buildSide      BatchSource
	probeSide      BatchSource
	buildFetcher   sideFetcher
	probeFetcher   sideFetcher
	buildKeyColIdx []int
	probeKeyColIdx []int
	operatorID     int
	filterSink     RuntimeFilterSink

	spillSet   *SpillSet
	spillQueue *SpillQueue

	state            operatorState
	wasKilled        bool
	closed           bool
	cleanedUp        bool
	spillingDisabled bool

	buildSchema  *chunk.Schema
	probeSchema  *chunk.Schema
	outputSchema *chunk.Schema

	partitions    []*hashPartition
	spilledInners []*SpilledPartitionRef
	mask          uint32
	bits          uint
	cycle         int
	priorOrigin   int
	built         bool

	calc      MemoryCalculator
	bsp       BuildSidePartitioning
	rfBuilder *runtimeFilterBuilder
	probe     Probe

	buildReader *spilledBatchReader
	probeReader *spilledBatchReader
	curRef      *SpilledPartitionRef

	out         *chunk.Chunk
	recordCount int
	metrics     OperatorMetrics
	keyBuf      []byte
}

// NewHashJoinExec constructs the operator. No input is touched until the
// first Next call.
func NewHashJoinExec(cfg HashJoinConfig) (*HashJoinExec, error) {
	opts := cfg.Opts
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.BuildKeyColIdx) == 0 || len(cfg.BuildKeyColIdx) != len(cfg.ProbeKeyColIdx) {
		return nil, errors.Errorf("hash join needs matching build/probe key columns, got %d and %d",
			len(cfg.BuildKeyColIdx), len(cfg.ProbeKeyColIdx))
	}
	if cfg.BuildSide == nil || cfg.ProbeSide == nil {
		return nil, errors.New("hash join needs both inputs")
	}
	memLimit := opts.MaxMemory
	if memLimit == 0 && cfg.ParentMemTracker != nil {
		memLimit = cfg.ParentMemTracker.Limit()
	}
	memTracker := memory.NewTracker("HashJoin", memLimit)
	if cfg.ParentMemTracker != nil {
		memTracker.AttachTo(cfg.ParentMemTracker)
	}
	e := &HashJoinExec{
		opts: opts,
		ctx: hashJoinCtx{
			joinType:          cfg.JoinType,
			joinIsLeftOrFull:  cfg.JoinType == LeftOuterJoin || cfg.JoinType == FullOuterJoin,
			joinIsRightOrFull: cfg.JoinType == RightOuterJoin || cfg.JoinType == FullOuterJoin,
			memTracker:        memTracker,
			diskTracker:       disk.NewTracker("HashJoin"),
		},
		strategy:       defaultJoinStrategy{},
		buildSide:      cfg.BuildSide,
		probeSide:      cfg.ProbeSide,
		buildKeyColIdx: append([]int(nil), cfg.BuildKeyColIdx...),
		probeKeyColIdx: append([]int(nil), cfg.ProbeKeyColIdx...),
		operatorID:     cfg.OperatorID,
		filterSink:     cfg.FilterSink,
	}
	e.spillQueue = NewSpillQueue(opts.MaxSpillCycles, func(ref *SpilledPartitionRef) error {
		return errors.Annotatef(ErrPartitionExhausted,
			"cycle %d partition %d (from partition %d) exceeds the cycle limit %d",
			ref.Cycle, ref.Origin, ref.PriorOrigin, opts.MaxSpillCycles)
	})
	return e, nil
}

// Next implements BatchSource. It runs the operator state machine until one
// output batch is filled, the stream ends, or an error occurs. Cleanup runs
// on every error path.
func (e *HashJoinExec) Next() (Outcome, error) {
	outcome, err := e.next()
	if err != nil {
		e.state = stateDone
		e.cleanup()
		return OutcomeNone, err
	}
	return outcome, nil
}

func (e *HashJoinExec) next() (Outcome, error) {
	if e.closed {
		return OutcomeNone, errors.Annotate(ErrInternal, "Next called after Close")
	}
	if e.wasKilled {
		e.terminateEarly()
		return OutcomeNone, nil
	}
	switch e.state {
	case stateInit:
		if err := e.discoverSchemas(); err != nil {
			return OutcomeNone, err
		}
		e.state = stateFirst
		return OutcomeOKNewSchema, nil
	case stateDone:
		return OutcomeNone, nil
	}

	e.out.Reset()
	e.recordCount = 0
	for {
		if e.wasKilled {
			e.terminateEarly()
			return OutcomeNone, nil
		}
		if !e.built {
			if done, err := e.shortCircuit(); err != nil {
				return OutcomeNone, err
			} else if done {
				return OutcomeNone, nil
			}
			if err := e.executeBuildPhase(); err != nil {
				return OutcomeNone, err
			}
			e.probe = e.strategy.newProbe(e)
			if err := e.strategy.setupProbe(e, e.probe); err != nil {
				return OutcomeNone, err
			}
			e.built = true
		}
		n, err := e.probe.ProbeAndProject(e.out)
		if err != nil {
			return OutcomeNone, annotateOOM(err, e.cycle, e.partitions, e.ctx.memTracker)
		}
		if n > 0 {
			e.recordCount = e.out.NumRows()
			e.metrics.OutputBatches++
			e.metrics.OutputRows += int64(n)
			if e.state == stateFirst {
				e.state = stateNotFirst
			}
			return OutcomeOK, nil
		}
		if !e.probe.Done() {
			continue
		}
		if err := e.finishCycle(); err != nil {
			return OutcomeNone, err
		}
		started, err := e.startNextSpilledPair()
		if err != nil {
			return OutcomeNone, err
		}
		if started {
			continue
		}
		e.state = stateDone
		e.cleanup()
		return OutcomeNone, nil
	}
}

// shortCircuit applies the cycle-0 early exits: an empty probe side when no
// build rows are owed, and an empty build side when no probe row can be
// emitted. Returns true when the operator is done.
func (e *HashJoinExec) shortCircuit() (bool, error) {
	if e.cycle != 0 {
		return false, nil
	}
	if e.probeFetcher.sideIsEmpty && !e.ctx.joinIsRightOrFull {
		e.buildFetcher.drain()
		e.state = stateDone
		e.cleanup()
		return true, nil
	}
	if skipProbe, _ := canSkipProbe(e.buildFetcher.sideIsEmpty, false, &e.ctx); skipProbe {
		e.probeFetcher.drain()
		e.state = stateDone
		e.cleanup()
		return true, nil
	}
	return false, nil
}

// discoverSchemas sniffs the first non-empty batch of each input and derives
// the output schema for the configured join type.
func (e *HashJoinExec) discoverSchemas() error {
	e.buildFetcher.bind(e.buildSide, "build")
	e.probeFetcher.bind(e.probeSide, "probe")
	if err := e.buildFetcher.sniff(); err != nil {
		return err
	}
	if err := e.probeFetcher.sniff(); err != nil {
		return err
	}
	if e.buildFetcher.schema == nil || e.probeFetcher.schema == nil {
		return errors.Annotate(ErrInternal, "input schema unavailable")
	}
	e.buildSchema = e.buildFetcher.schema
	e.probeSchema = e.probeFetcher.schema

	probeOut := e.probeSchema
	buildOut := e.buildSchema
	if e.ctx.joinIsLeftOrFull {
		buildOut = buildOut.NullableWidened()
	}
	if e.ctx.joinIsRightOrFull {
		probeOut = probeOut.NullableWidened()
	}
	switch e.ctx.joinType {
	case LeftSemiJoin, IntersectDistinctJoin, ExceptDistinctJoin:
		e.outputSchema = probeOut.Clone()
	default:
		e.outputSchema = probeOut.Append(buildOut.Fields()...)
	}
	e.out = chunk.New(e.outputSchema)
	return nil
}

// outputTarget is the row budget of one output batch.
func (e *HashJoinExec) outputTarget() int {
	target := e.opts.OutputBatchSize
	if e.opts.OutputBatchMemFactor > 0 && e.opts.OutputBatchMemFactor < 1 {
		target = int(float64(target) * e.opts.OutputBatchMemFactor)
		if target < 1 {
			target = 1
		}
	}
	return target
}

// onProbeDrained runs once per cycle when the probe input is exhausted: it
// seals the outer spill files and publishes them on the queued refs. A ref
// is never read before its UpdatedOuter flag is set here.
func (e *HashJoinExec) onProbeDrained() error {
	for i, p := range e.partitions {
		if p == nil || !p.spilled {
			continue
		}
		file, err := p.finishOuterSpill()
		if err != nil {
			return err
		}
		ref := e.spilledInners[i]
		if ref == nil {
			continue
		}
		ref.OuterFile = file
		if file != nil {
			ref.OuterBatches = file.Batches()
		}
		ref.UpdatedOuter = true
	}
	return nil
}

// finishCycle folds the cycle's hash-table statistics into the metrics,
// releases the partitions and deletes the spill files of the pair that was
// just consumed. Files of partitions spilled during this cycle stay; their
// refs are queued.
func (e *HashJoinExec) finishCycle() error {
	for _, p := range e.partitions {
		if p == nil {
			continue
		}
		if p.ht != nil {
			e.metrics.NumBuckets += int64(p.ht.numBuckets())
			e.metrics.NumEntries += int64(p.ht.numEntries())
			e.metrics.NumResizing += p.ht.numResizing
			e.metrics.ResizingTime += p.ht.resizeDur
		}
		if p.spilled {
			e.metrics.SpilledPartitions++
		}
		p.release()
	}
	e.partitions = nil
	e.spilledInners = nil
	if e.buildReader != nil {
		if err := e.buildReader.Close(); err != nil {
			logutil.BgLogger().Warn("failed to close spilled build reader", zap.Error(err))
		}
		e.buildReader = nil
		if err := e.spillSet.Delete(e.curRef.InnerFile); err != nil {
			return err
		}
	}
	if e.probeReader != nil {
		if err := e.probeReader.Close(); err != nil {
			logutil.BgLogger().Warn("failed to close spilled probe reader", zap.Error(err))
		}
		e.probeReader = nil
		if err := e.spillSet.Delete(e.curRef.OuterFile); err != nil {
			return err
		}
	}
	e.curRef = nil
	e.built = false
	e.probe = nil
	e.bsp = nil
	return nil
}

// startNextSpilledPair dequeues spilled pairs until one needs processing and
// rebinds the fetchers over its files. Pairs with no outer rows are dropped
// outright unless unmatched build rows are owed.
func (e *HashJoinExec) startNextSpilledPair() (bool, error) {
	for e.spillQueue.Len() > 0 {
		sp := e.spillQueue.Dequeue()
		if sp.OuterBatches == 0 && !e.ctx.joinIsRightOrFull {
			if err := e.spillSet.Delete(sp.InnerFile); err != nil {
				return false, err
			}
			continue
		}
		if sp.OuterBatches > 0 && !sp.UpdatedOuter {
			return false, errors.Annotatef(ErrInternal,
				"spilled partition %d of cycle %d read before its outer side was sealed",
				sp.Origin, sp.Cycle)
		}

		reader, err := newSpilledBatchReader(sp.InnerFile, withHashValueCol(e.buildSchema))
		if err != nil {
			return false, err
		}
		e.buildReader = reader
		e.buildFetcher.bind(reader, "build")
		if err := e.buildFetcher.sniff(); err != nil {
			return false, err
		}

		if sp.OuterBatches > 0 {
			outerReader, err := newSpilledBatchReader(sp.OuterFile, withHashValueCol(e.probeSchema))
			if err != nil {
				return false, err
			}
			e.probeReader = outerReader
			e.probeFetcher.bind(outerReader, "probe")
			if err := e.probeFetcher.sniff(); err != nil {
				return false, err
			}
		} else {
			e.probeReader = nil
			e.probeFetcher.bind(&emptySource{schema: e.probeSchema}, "probe")
			e.probeFetcher.sideIsEmpty = true
			e.probeFetcher.exhausted = true
		}

		e.cycle = sp.Cycle
		e.priorOrigin = sp.Origin
		e.curRef = sp
		if int64(sp.Cycle) > e.metrics.SpillCycle {
			e.metrics.SpillCycle = int64(sp.Cycle)
		}
		spillCyclesCounter.Inc()
		logutil.BgLogger().Debug("hash join processing spilled partition pair",
			zap.Int("cycle", sp.Cycle), zap.Int("partition", sp.Origin),
			zap.Int("priorPartition", sp.PriorOrigin),
			zap.Int("innerBatches", sp.InnerBatches),
			zap.Int("outerBatches", sp.OuterBatches))
		return true, nil
	}
	return false, nil
}

// terminateEarly is the cancel path: drain both original inputs, then tear
// everything down.
func (e *HashJoinExec) terminateEarly() {
	drainSource(e.buildSide)
	drainSource(e.probeSide)
	e.state = stateDone
	e.cleanup()
}

func drainSource(src BatchSource) {
	src.Cancel()
	for {
		outcome, err := src.Next()
		if err != nil || outcome == OutcomeNone {
			return
		}
	}
}

// cleanup releases every resource the operator still holds. It is
// idempotent and best-effort; it runs on DONE, on cancel and on every error
// path.
func (e *HashJoinExec) cleanup() {
	if e.cleanedUp {
		return
	}
	e.cleanedUp = true
	for _, p := range e.partitions {
		if p != nil {
			p.release()
		}
	}
	e.partitions = nil
	e.spilledInners = nil
	if e.buildReader != nil {
		if err := e.buildReader.Close(); err != nil {
			logutil.BgLogger().Warn("failed to close spilled build reader on cleanup", zap.Error(err))
		}
		e.buildReader = nil
	}
	if e.probeReader != nil {
		if err := e.probeReader.Close(); err != nil {
			logutil.BgLogger().Warn("failed to close spilled probe reader on cleanup", zap.Error(err))
		}
		e.probeReader = nil
	}
	e.curRef = nil
	e.spillQueue.Drain()
	if e.spillSet != nil {
		e.metrics.SpillBytes = e.ctx.diskTracker.MaxConsumed()
		e.spillSet.Close()
	}
	e.probe = nil
	e.built = false
}

// Cancel implements BatchSource: it flags the operator; the next Next call
// drains the inputs and cleans up.
func (e *HashJoinExec) Cancel() {
	e.wasKilled = true
}

// Close releases the operator and closes both inputs. Idempotent.
func (e *HashJoinExec) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.state = stateDone
	e.cleanup()
	err := e.buildSide.Close()
	if err2 := e.probeSide.Close(); err == nil {
		err = err2
	}
	return err
}

// Batch implements BatchSource.
func (e *HashJoinExec) Batch() *chunk.Chunk { return e.out }

// Schema implements BatchSource.
func (e *HashJoinExec) Schema() *chunk.Schema { return e.outputSchema }

// GetRecordCount returns the row count of the current output batch.
func (e *HashJoinExec) GetRecordCount() int { return e.recordCount }

// Metrics returns a snapshot of the operator counters.
func (e *HashJoinExec) Metrics() OperatorMetrics {
	m := e.metrics
	m.SpillBytes = e.ctx.diskTracker.MaxConsumed()
	return m
}

// emptySource is a BatchSource with a known schema and no rows; it stands in
// for the probe input when a spilled pair has no outer rows.
type emptySource struct {
	schema *chunk.Schema
}

func (s *emptySource) Next() (Outcome, error) { return OutcomeNone, nil }
func (s *emptySource) Batch() *chunk.Chunk    { return nil }
func (s *emptySource) Schema() *chunk.Schema  { return s.schema }
func (s *emptySource) Cancel()                {}
func (s *emptySource) Close() error           { return nil }
