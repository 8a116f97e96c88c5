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
	"encoding/binary"

	farm "github.com/dgryski/go-farm"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/kiatt210/drill/pkg/util/bloomfilter"
	"github.com/kiatt210/drill/pkg/util/chunk"
	"github.com/kiatt210/drill/pkg/util/logutil"
)

// ProbeFilter pairs a finished Bloom filter with the probe-side field the
// receiver applies it to.
type ProbeFilter struct {
	ProbeField string
	Filter     *bloomfilter.Filter
}

// RuntimeFilterSink receives the filter set once the build side of the first
// cycle has drained. Concrete pipelines pick the transport.
type RuntimeFilterSink interface {
	Send(operatorID int, filters []ProbeFilter) error
}

// runtimeFilterBuilder accumulates Bloom filters over build keys during the
// first cycle's build phase and emits them exactly once. Resolution is
// fail-soft: one unresolvable field disables the whole filter set for this
// query.
type runtimeFilterBuilder struct {
	defs    []RuntimeFilterDef
	cols    []int
	filters []*bloomfilter.Filter
	enabled bool
	emitted bool

	sink       RuntimeFilterSink
	operatorID int
	buf        []byte
}

func newRuntimeFilterBuilder(defs []RuntimeFilterDef, buildSchema *chunk.Schema,
	sink RuntimeFilterSink, operatorID int) *runtimeFilterBuilder {
	b := &runtimeFilterBuilder{defs: defs, sink: sink, operatorID: operatorID}
	if len(defs) == 0 || sink == nil {
		return b
	}
	b.cols = make([]int, len(defs))
	b.filters = make([]*bloomfilter.Filter, len(defs))
	for i, def := range defs {
		col := buildSchema.FieldIndex(def.BuildField)
		if col < 0 {
			logutil.BgLogger().Warn("runtime filter disabled: build field not found",
				zap.String("buildField", def.BuildField),
				zap.Int("operatorID", operatorID))
			return b
		}
		expected := def.Expected
		if expected == 0 {
			expected = 1 << 20
		}
		fpRate := def.FPRate
		if fpRate <= 0 {
			fpRate = 0.01
		}
		b.cols[i] = col
		b.filters[i] = bloomfilter.NewWithEstimates(expected, fpRate)
	}
	b.enabled = true
	return b
}

// addRow folds one build row into every filter.
func (b *runtimeFilterBuilder) addRow(row chunk.Row) {
	if !b.enabled {
		return
	}
	for i, col := range b.cols {
		if row.IsNull(col) {
			continue
		}
		b.buf = b.buf[:0]
		switch row.Chunk().Schema().Field(col).Type {
		case chunk.TypeLonglong:
			b.buf = binary.LittleEndian.AppendUint64(b.buf, uint64(row.GetInt64(col)))
		case chunk.TypeUint32:
			b.buf = binary.LittleEndian.AppendUint32(b.buf, row.GetUint32(col))
		case chunk.TypeVarString:
			b.buf = append(b.buf, row.GetString(col)...)
		}
		b.filters[i].InsertHash(farm.Hash64(b.buf))
	}
}

// emit sends the filter set downstream. Safe to call more than once; only
// the first call sends.
func (b *runtimeFilterBuilder) emit() error {
	if !b.enabled || b.emitted {
		return nil
	}
	b.emitted = true
	probeFilters := make([]ProbeFilter, len(b.defs))
	for i, def := range b.defs {
		probeFilters[i] = ProbeFilter{ProbeField: def.ProbeField, Filter: b.filters[i]}
	}
	if err := b.sink.Send(b.operatorID, probeFilters); err != nil {
		return errors.Annotate(err, "emit runtime filters")
	}
	logutil.BgLogger().Debug("runtime filters emitted",
		zap.Int("operatorID", b.operatorID), zap.Int("filters", len(probeFilters)))
	return nil
}
