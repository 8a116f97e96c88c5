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

package chunk

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Encode serializes the chunk into buf and returns the extended buffer. The
// schema is not encoded; readers must know it out of band. Layout per column:
// null bitmap (one byte per row), then the typed payload. Strings are
// length-prefixed.
func Encode(buf []byte, c *Chunk) []byte {
	numRows := c.NumRows()
	buf = binary.LittleEndian.AppendUint32(buf, uint32(numRows))
	for _, col := range c.columns {
		for i := 0; i < numRows; i++ {
			if col.nulls[i] {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		}
		switch col.tp {
		case TypeLonglong:
			for i := 0; i < numRows; i++ {
				buf = binary.LittleEndian.AppendUint64(buf, uint64(col.i64[i]))
			}
		case TypeUint32:
			for i := 0; i < numRows; i++ {
				buf = binary.LittleEndian.AppendUint32(buf, col.u32[i])
			}
		case TypeVarString:
			for i := 0; i < numRows; i++ {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(len(col.str[i])))
				buf = append(buf, col.str[i]...)
			}
		}
	}
	return buf
}

// Decode deserializes a chunk encoded by Encode against the given schema.
func Decode(schema *Schema, data []byte) (*Chunk, error) {
	c := New(schema)
	if len(data) < 4 {
		return nil, errors.Errorf("chunk codec: truncated header, %d bytes", len(data))
	}
	numRows := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	for colIdx, col := range c.columns {
		if len(data) < numRows {
			return nil, errors.Errorf("chunk codec: truncated null bitmap for column %d", colIdx)
		}
		nulls := data[:numRows]
		data = data[numRows:]
		switch col.tp {
		case TypeLonglong:
			if len(data) < numRows*8 {
				return nil, errors.Errorf("chunk codec: truncated int64 payload for column %d", colIdx)
			}
			for i := 0; i < numRows; i++ {
				if nulls[i] != 0 {
					col.AppendNull()
				} else {
					col.AppendInt64(int64(binary.LittleEndian.Uint64(data[i*8:])))
				}
			}
			data = data[numRows*8:]
		case TypeUint32:
			if len(data) < numRows*4 {
				return nil, errors.Errorf("chunk codec: truncated uint32 payload for column %d", colIdx)
			}
			for i := 0; i < numRows; i++ {
				if nulls[i] != 0 {
					col.AppendNull()
				} else {
					col.AppendUint32(binary.LittleEndian.Uint32(data[i*4:]))
				}
			}
			data = data[numRows*4:]
		case TypeVarString:
			for i := 0; i < numRows; i++ {
				if len(data) < 4 {
					return nil, errors.Errorf("chunk codec: truncated string length for column %d", colIdx)
				}
				strLen := int(binary.LittleEndian.Uint32(data))
				data = data[4:]
				if len(data) < strLen {
					return nil, errors.Errorf("chunk codec: truncated string payload for column %d", colIdx)
				}
				if nulls[i] != 0 {
					col.AppendNull()
				} else {
					col.AppendString(string(data[:strLen]))
				}
				data = data[strLen:]
			}
		}
	}
	return c, nil
}
