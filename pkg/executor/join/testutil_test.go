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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kiatt210/drill/pkg/util/chunk"
)

// sliceSource replays pre-built chunks as a BatchSource.
type sliceSource struct {
	schema    *chunk.Schema
	chunks    []*chunk.Chunk
	idx       int
	started   bool
	cancelled bool
	closed    bool
}

func newSliceSource(schema *chunk.Schema, chunks []*chunk.Chunk) *sliceSource {
	return &sliceSource{schema: schema, chunks: chunks}
}

func (s *sliceSource) Next() (Outcome, error) {
	if s.cancelled || s.idx >= len(s.chunks) {
		return OutcomeNone, nil
	}
	outcome := OutcomeOK
	if !s.started {
		s.started = true
		outcome = OutcomeOKNewSchema
	}
	s.idx++
	return outcome, nil
}

func (s *sliceSource) Batch() *chunk.Chunk {
	if s.idx == 0 || s.idx > len(s.chunks) {
		return nil
	}
	return s.chunks[s.idx-1]
}

func (s *sliceSource) Schema() *chunk.Schema { return s.schema }

func (s *sliceSource) Cancel() { s.cancelled = true }

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

// twoColSchema is (k longlong, v varstring), the shape most tests use.
func twoColSchema(prefix string) *chunk.Schema {
	return chunk.NewSchema(
		chunk.Field{Name: prefix + "_k", Type: chunk.TypeLonglong},
		chunk.Field{Name: prefix + "_v", Type: chunk.TypeVarString, Nullable: true},
	)
}

// appendValue appends one literal to a column; nil appends a null.
func appendValue(col *chunk.Column, tp chunk.FieldType, v any) {
	if v == nil {
		col.AppendNull()
		return
	}
	switch tp {
	case chunk.TypeLonglong:
		col.AppendInt64(v.(int64))
	case chunk.TypeUint32:
		col.AppendUint32(v.(uint32))
	case chunk.TypeVarString:
		col.AppendString(v.(string))
	}
}

// makeChunks packs literal rows into chunks of at most rowsPerChunk rows.
func makeChunks(t *testing.T, schema *chunk.Schema, rows [][]any, rowsPerChunk int) []*chunk.Chunk {
	t.Helper()
	var chunks []*chunk.Chunk
	cur := chunk.New(schema)
	for _, row := range rows {
		require.Len(t, row, schema.Len())
		for c := 0; c < schema.Len(); c++ {
			appendValue(cur.Column(c), schema.Field(c).Type, row[c])
		}
		if cur.NumRows() >= rowsPerChunk {
			chunks = append(chunks, cur)
			cur = chunk.New(schema)
		}
	}
	if cur.NumRows() > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// rowOf materializes one output row as literals, nil for nulls.
func rowOf(c *chunk.Chunk, idx int) []any {
	out := make([]any, c.NumCols())
	for i := 0; i < c.NumCols(); i++ {
		if c.Column(i).IsNull(idx) {
			continue
		}
		switch c.Schema().Field(i).Type {
		case chunk.TypeLonglong:
			out[i] = c.Column(i).GetInt64(idx)
		case chunk.TypeUint32:
			out[i] = c.Column(i).GetUint32(idx)
		case chunk.TypeVarString:
			out[i] = c.Column(i).GetString(idx)
		}
	}
	return out
}

// runJoin drives the operator to completion and returns every output row.
func runJoin(t *testing.T, e *HashJoinExec) [][]any {
	t.Helper()
	var rows [][]any
	for {
		outcome, err := e.Next()
		require.NoError(t, err)
		switch outcome {
		case OutcomeOKNewSchema:
			require.NotNil(t, e.Schema())
		case OutcomeOK:
			batch := e.Batch()
			require.Equal(t, batch.NumRows(), e.GetRecordCount())
			for i := 0; i < batch.NumRows(); i++ {
				rows = append(rows, rowOf(batch, i))
			}
		case OutcomeNone:
			return rows
		case OutcomeNotYet:
		}
	}
}

// multiset folds rows into a count map for order-insensitive comparison.
func multiset(rows [][]any) map[string]int {
	m := make(map[string]int)
	for _, row := range rows {
		m[fmt.Sprint(row...)]++
	}
	return m
}

func requireSameMultiset(t *testing.T, want, got [][]any) {
	t.Helper()
	require.Equal(t, multiset(want), multiset(got))
}

// referenceJoin is the in-memory oracle all variants are checked against.
// Output layout matches the operator: probe columns then build columns, only
// probe columns for semi and set-operation joins.
func referenceJoin(jt JoinType, build, probe [][]any, buildKey, probeKey []int,
	buildCols, probeCols int) [][]any {
	nullEQ := jt == IntersectDistinctJoin || jt == ExceptDistinctJoin
	match := func(pRow, bRow []any) bool {
		for i := range probeKey {
			pv, bv := pRow[probeKey[i]], bRow[buildKey[i]]
			if pv == nil || bv == nil {
				if nullEQ && pv == nil && bv == nil {
					continue
				}
				return false
			}
			if pv != bv {
				return false
			}
		}
		return true
	}
	keyOf := func(row []any, keys []int) string {
		parts := make([]any, len(keys))
		for i, k := range keys {
			parts[i] = row[k]
		}
		return fmt.Sprint(parts...)
	}
	nulls := func(n int) []any { return make([]any, n) }
	joined := func(pRow, bRow []any) []any {
		out := append([]any(nil), pRow...)
		return append(out, bRow...)
	}

	var result [][]any
	switch jt {
	case InnerJoin, LeftOuterJoin, RightOuterJoin, FullOuterJoin:
		matchedBuild := make([]bool, len(build))
		for _, pRow := range probe {
			hit := false
			for j, bRow := range build {
				if match(pRow, bRow) {
					hit = true
					matchedBuild[j] = true
					result = append(result, joined(pRow, bRow))
				}
			}
			if !hit && (jt == LeftOuterJoin || jt == FullOuterJoin) {
				result = append(result, joined(pRow, nulls(buildCols)))
			}
		}
		if jt == RightOuterJoin || jt == FullOuterJoin {
			for j, bRow := range build {
				if !matchedBuild[j] {
					result = append(result, joined(nulls(probeCols), bRow))
				}
			}
		}
	case LeftSemiJoin:
		for _, pRow := range probe {
			for _, bRow := range build {
				if match(pRow, bRow) {
					result = append(result, append([]any(nil), pRow...))
					break
				}
			}
		}
	case IntersectDistinctJoin:
		emitted := make(map[string]bool)
		for _, pRow := range probe {
			key := keyOf(pRow, probeKey)
			if emitted[key] {
				continue
			}
			for _, bRow := range build {
				if match(pRow, bRow) {
					emitted[key] = true
					result = append(result, append([]any(nil), pRow...))
					break
				}
			}
		}
	case ExceptDistinctJoin:
		seen := make(map[string]bool)
		for _, pRow := range probe {
			key := keyOf(pRow, probeKey)
			if seen[key] {
				continue
			}
			matched := false
			for _, bRow := range build {
				if match(pRow, bRow) {
					matched = true
					break
				}
			}
			if !matched {
				seen[key] = true
				result = append(result, append([]any(nil), pRow...))
			}
		}
	}
	return result
}

// captureSink records runtime filter emissions.
type captureSink struct {
	calls   int
	opID    int
	filters []ProbeFilter
}

func (s *captureSink) Send(operatorID int, filters []ProbeFilter) error {
	s.calls++
	s.opID = operatorID
	s.filters = filters
	return nil
}
