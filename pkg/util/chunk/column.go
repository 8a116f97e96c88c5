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

// Column is an append-only typed vector with a null bitmap. Only the slice
// matching the column type is populated.
type Column struct {
	tp       FieldType
	nulls    []bool
	i64      []int64
	u32      []uint32
	str      []string
	strBytes int64
}

func newColumn(tp FieldType) *Column {
	return &Column{tp: tp}
}

func (c *Column) length() int { return len(c.nulls) }

// AppendInt64 appends a non-null int64 value.
func (c *Column) AppendInt64(v int64) {
	c.i64 = append(c.i64, v)
	c.nulls = append(c.nulls, false)
}

// AppendUint32 appends a non-null uint32 value.
func (c *Column) AppendUint32(v uint32) {
	c.u32 = append(c.u32, v)
	c.nulls = append(c.nulls, false)
}

// AppendString appends a non-null string value.
func (c *Column) AppendString(v string) {
	c.str = append(c.str, v)
	c.strBytes += int64(len(v))
	c.nulls = append(c.nulls, false)
}

// AppendNull appends a null value.
func (c *Column) AppendNull() {
	switch c.tp {
	case TypeLonglong:
		c.i64 = append(c.i64, 0)
	case TypeUint32:
		c.u32 = append(c.u32, 0)
	case TypeVarString:
		c.str = append(c.str, "")
	}
	c.nulls = append(c.nulls, true)
}

// appendFrom copies the i-th value of src, which must have the same type.
func (c *Column) appendFrom(src *Column, i int) {
	if src.nulls[i] {
		c.AppendNull()
		return
	}
	switch c.tp {
	case TypeLonglong:
		c.AppendInt64(src.i64[i])
	case TypeUint32:
		c.AppendUint32(src.u32[i])
	case TypeVarString:
		c.AppendString(src.str[i])
	}
}

// AppendColumn bulk-appends every value of src, which must have the same
// type.
func (c *Column) AppendColumn(src *Column) {
	c.nulls = append(c.nulls, src.nulls...)
	switch c.tp {
	case TypeLonglong:
		c.i64 = append(c.i64, src.i64...)
	case TypeUint32:
		c.u32 = append(c.u32, src.u32...)
	case TypeVarString:
		c.str = append(c.str, src.str...)
		c.strBytes += src.strBytes
	}
}

// IsNull reports whether the i-th value is null.
func (c *Column) IsNull(i int) bool { return c.nulls[i] }

// GetInt64 returns the i-th int64 value.
func (c *Column) GetInt64(i int) int64 { return c.i64[i] }

// GetUint32 returns the i-th uint32 value.
func (c *Column) GetUint32(i int) uint32 { return c.u32[i] }

// GetString returns the i-th string value.
func (c *Column) GetString(i int) string { return c.str[i] }

func (c *Column) reset() {
	c.nulls = c.nulls[:0]
	c.i64 = c.i64[:0]
	c.u32 = c.u32[:0]
	c.str = c.str[:0]
	c.strBytes = 0
}

// MemoryUsage returns the approximate heap footprint of the column.
func (c *Column) MemoryUsage() int64 {
	size := int64(len(c.nulls)) // one byte per null flag
	size += int64(cap(c.i64)) * 8
	size += int64(cap(c.u32)) * 4
	size += int64(cap(c.str)) * 16
	size += c.strBytes
	return size
}
