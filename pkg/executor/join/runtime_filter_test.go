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
	"testing"

	farm "github.com/dgryski/go-farm"
	"github.com/stretchr/testify/require"
)

func TestRuntimeFilterBuilderAccumulates(t *testing.T) {
	schema := twoColSchema("b")
	sink := &captureSink{}
	b := newRuntimeFilterBuilder([]RuntimeFilterDef{
		{BuildField: "b_k", ProbeField: "p_k", Expected: 64, FPRate: 0.01},
	}, schema, sink, 3)
	require.True(t, b.enabled)

	rows := genRows(20, 10, false)
	chunks := makeChunks(t, schema, rows, 20)
	for i := 0; i < chunks[0].NumRows(); i++ {
		b.addRow(chunks[0].GetRow(i))
	}
	require.NoError(t, b.emit())
	require.NoError(t, b.emit(), "a second emit must not resend")
	require.Equal(t, 1, sink.calls)
	require.Equal(t, 3, sink.opID)

	var buf [8]byte
	for k := int64(0); k < 10; k++ {
		binary.LittleEndian.PutUint64(buf[:], uint64(k))
		require.True(t, sink.filters[0].Filter.MayContainHash(farm.Hash64(buf[:])))
	}
}

func TestRuntimeFilterBuilderDisablesOnUnknownField(t *testing.T) {
	schema := twoColSchema("b")
	sink := &captureSink{}
	b := newRuntimeFilterBuilder([]RuntimeFilterDef{
		{BuildField: "b_k", ProbeField: "p_k"},
		{BuildField: "missing", ProbeField: "p_v"},
	}, schema, sink, 1)
	require.False(t, b.enabled, "one unresolved field disables the whole set")
	require.NoError(t, b.emit())
	require.Zero(t, sink.calls)
}

func TestRuntimeFilterBuilderNilSink(t *testing.T) {
	b := newRuntimeFilterBuilder([]RuntimeFilterDef{
		{BuildField: "b_k", ProbeField: "p_k"},
	}, twoColSchema("b"), nil, 1)
	require.False(t, b.enabled)
	require.NoError(t, b.emit())
}
