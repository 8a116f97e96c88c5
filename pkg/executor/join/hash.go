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

	"github.com/twmb/murmur3"

	"github.com/kiatt210/drill/pkg/util/chunk"
)

const (
	nullKeyTag    byte = 0
	nonNullKeyTag byte = 1
)

// encodeKeyCols appends a canonical encoding of the row's key columns to buf.
// The encoding is unambiguous (a null/non-null tag per column plus length
// prefixes for strings) so
// that distinct key tuples never collide byte-wise.
func encodeKeyCols(buf []byte, row chunk.Row, keyCols []int) []byte {
	for _, col := range keyCols {
		if row.IsNull(col) {
			buf = append(buf, nullKeyTag)
			continue
		}
		buf = append(buf, nonNullKeyTag)
		switch row.Chunk().Schema().Field(col).Type {
		case chunk.TypeLonglong:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(row.GetInt64(col)))
		case chunk.TypeUint32:
			buf = binary.LittleEndian.AppendUint32(buf, row.GetUint32(col))
		case chunk.TypeVarString:
			s := row.GetString(col)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
	}
	return buf
}

// hashKeyCols computes the 32-bit key hash used for partition routing. The
// low bits route to a partition, the remaining high bits are the in-partition
// hash code, so the two bit ranges stay disjoint.
func hashKeyCols(buf []byte, row chunk.Row, keyCols []int) (uint32, []byte) {
	buf = encodeKeyCols(buf[:0], row, keyCols)
	return murmur3.Sum32(buf), buf
}

// keyHasNull reports whether any key column of the row is null. Null keys
// never match, matching SQL equality.
func keyHasNull(row chunk.Row, keyCols []int) bool {
	for _, col := range keyCols {
		if row.IsNull(col) {
			return true
		}
	}
	return false
}

// keysEqual compares the key columns of a probe row and a build row. Rows
// with null key columns never compare equal.
func keysEqual(probeRow chunk.Row, probeCols []int, buildRow chunk.Row, buildCols []int) bool {
	return compareKeys(probeRow, probeCols, buildRow, buildCols, false)
}

// keysEqualNullEq is the set-operation variant: null keys compare equal to
// null keys.
func keysEqualNullEq(probeRow chunk.Row, probeCols []int, buildRow chunk.Row, buildCols []int) bool {
	return compareKeys(probeRow, probeCols, buildRow, buildCols, true)
}

func compareKeys(probeRow chunk.Row, probeCols []int, buildRow chunk.Row, buildCols []int, nullEQ bool) bool {
	for i := range probeCols {
		pc, bc := probeCols[i], buildCols[i]
		pNull, bNull := probeRow.IsNull(pc), buildRow.IsNull(bc)
		if pNull || bNull {
			if nullEQ && pNull && bNull {
				continue
			}
			return false
		}
		switch probeRow.Chunk().Schema().Field(pc).Type {
		case chunk.TypeLonglong:
			if probeRow.GetInt64(pc) != buildRow.GetInt64(bc) {
				return false
			}
		case chunk.TypeUint32:
			if probeRow.GetUint32(pc) != buildRow.GetUint32(bc) {
				return false
			}
		case chunk.TypeVarString:
			if probeRow.GetString(pc) != buildRow.GetString(bc) {
				return false
			}
		}
	}
	return true
}
