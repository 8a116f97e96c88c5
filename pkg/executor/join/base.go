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
	"github.com/pingcap/failpoint"

	"github.com/kiatt210/drill/pkg/util/chunk"
	"github.com/kiatt210/drill/pkg/util/disk"
	"github.com/kiatt210/drill/pkg/util/memory"
)

// hashJoinCtx bundles the state shared by the build and probe phases of one
// operator: join semantics flags, the allocator tracker and the disk tracker.
type hashJoinCtx struct {
	joinType JoinType
	// joinIsLeftOrFull: probe rows without a match are emitted null-padded.
	joinIsLeftOrFull bool
	// joinIsRightOrFull: unmatched build rows are owed after the probe side
	// drains, and spilled pairs with no outer rows must still be processed.
	joinIsRightOrFull bool

	memTracker  *memory.Tracker
	diskTracker *disk.Tracker
	finished    bool
}

// sideFetcher pulls batches from one input. It owns the first-batch sniff
// that establishes the schema, the empty-side detection, the mid-stream
// schema-stability check and the cancel-and-drain path. The driver rebinds a
// fetcher to a spilled-batch reader between cycles.
type sideFetcher struct {
	exec  BatchSource
	label string

	schema      *chunk.Schema
	cur         *chunk.Chunk
	prefetched  bool
	sideIsEmpty bool
	exhausted   bool
}

func (f *sideFetcher) bind(exec BatchSource, label string) {
	f.exec = exec
	f.label = label
	f.schema = nil
	f.cur = nil
	f.prefetched = false
	f.sideIsEmpty = false
	f.exhausted = false
}

// sniff advances to the first non-empty batch to discover the schema. A side
// that begins with end-of-stream is recorded as empty; its schema is still
// taken from the source when the source knows it up front.
func (f *sideFetcher) sniff() error {
	for {
		outcome, err := f.exec.Next()
		if err != nil {
			return errors.Trace(err)
		}
		switch outcome {
		case OutcomeNone:
			f.sideIsEmpty = true
			f.exhausted = true
			f.schema = f.exec.Schema()
			return nil
		case OutcomeNotYet:
			continue
		case OutcomeOK, OutcomeOKNewSchema:
			f.schema = f.exec.Schema()
			if f.exec.Batch().NumRows() == 0 {
				continue
			}
			f.cur = f.exec.Batch()
			f.prefetched = true
			return nil
		}
	}
}

// next returns the next non-empty batch, or nil at end-of-stream. A schema
// differing from the sniffed one is fatal.
func (f *sideFetcher) next() (*chunk.Chunk, error) {
	if f.prefetched {
		f.prefetched = false
		return f.cur, nil
	}
	if f.exhausted {
		return nil, nil
	}
	for {
		outcome, err := f.exec.Next()
		if err != nil {
			return nil, errors.Trace(err)
		}
		failpoint.Inject("fetchSideError", func() {
			outcome = OutcomeNone
			err = errors.New("injected fetch error")
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch outcome {
		case OutcomeNone:
			f.exhausted = true
			f.cur = nil
			return nil, nil
		case OutcomeNotYet:
			continue
		case OutcomeOK, OutcomeOKNewSchema:
			if outcome == OutcomeOKNewSchema && f.schema != nil && !f.schema.Equal(f.exec.Schema()) {
				return nil, errors.Annotatef(ErrSchemaChanged, "%s side", f.label)
			}
			if f.exec.Batch().NumRows() == 0 {
				continue
			}
			f.cur = f.exec.Batch()
			return f.cur, nil
		}
	}
}

// drain cancels the source and consumes whatever it still produces,
// including any trailing schema-change outcomes.
func (f *sideFetcher) drain() {
	if f.exhausted {
		return
	}
	f.exec.Cancel()
	for {
		outcome, err := f.exec.Next()
		if err != nil || outcome == OutcomeNone {
			break
		}
	}
	f.exhausted = true
	f.cur = nil
	f.prefetched = false
}

// canSkipProbe decides whether the probe phase can be skipped outright once
// the build side has drained: an empty build side produces no matches, so
// join types that only emit matched or build-preserved rows are done.
func canSkipProbe(buildEmpty, spillTriggered bool, ctx *hashJoinCtx) (skipProbe, skipFinalScan bool) {
	if !buildEmpty || spillTriggered {
		return false, false
	}
	switch ctx.joinType {
	case InnerJoin, LeftSemiJoin, IntersectDistinctJoin, RightOuterJoin:
		return true, true
	}
	return false, false
}
