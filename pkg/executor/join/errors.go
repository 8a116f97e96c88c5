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
	"strconv"
	"strings"

	"github.com/pingcap/errors"

	"github.com/kiatt210/drill/pkg/util/memory"
)

var (
	// ErrSchemaChanged reports a mid-stream schema change on an input that
	// must stay schema-stable.
	ErrSchemaChanged = errors.New("hash join does not support schema changes after the first batch")

	// ErrInsufficientMemory reports that the pre-build reservation exceeds
	// the memory limit and the disable-spilling fallback is not allowed.
	ErrInsufficientMemory = errors.New("not enough memory for the hash join build side and fallback is disabled")

	// ErrPartitionExhausted reports that recursive spilling stopped making
	// progress, typically because the join keys are too skewed.
	ErrPartitionExhausted = errors.New("hash join cannot partition the inner data any further")

	// ErrInternal reports a broken operator invariant.
	ErrInternal = errors.New("hash join internal error")
)

// annotateOOM wraps a memory error with a per-partition statistics dump so
// that the user-visible message explains where the memory went.
func annotateOOM(err error, cycle int, partitions []*hashPartition, memTracker *memory.Tracker) error {
	if !errors.ErrorEqual(errors.Cause(err), memory.ErrMemoryExceeded) {
		return err
	}
	var sb strings.Builder
	sb.WriteString("memory state at failure: cycle ")
	sb.WriteString(strconv.Itoa(cycle))
	if memTracker != nil {
		sb.WriteString(", operator consumed ")
		sb.WriteString(memory.FormatBytes(memTracker.BytesConsumed()))
		sb.WriteString(" of ")
		sb.WriteString(memory.FormatBytes(memTracker.Limit()))
	}
	for _, p := range partitions {
		if p == nil {
			continue
		}
		sb.WriteString("; ")
		sb.WriteString(p.debugString())
	}
	return errors.Annotate(err, sb.String())
}
