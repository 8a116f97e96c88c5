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

// Chunk stores rows in a columnar layout. All columns always hold the same
// number of values; writers must cover every column exactly once per row,
// either with AppendRow or with a complete set of AppendPartialRow /
// AppendNulls calls.
type Chunk struct {
	schema  *Schema
	columns []*Column
}

// New creates an empty chunk with one column per schema field.
func New(schema *Schema) *Chunk {
	cols := make([]*Column, schema.Len())
	for i := range cols {
		cols[i] = newColumn(schema.Field(i).Type)
	}
	return &Chunk{schema: schema, columns: cols}
}

// Schema returns the chunk's schema.
func (c *Chunk) Schema() *Schema { return c.schema }

// NumCols returns the number of columns.
func (c *Chunk) NumCols() int { return len(c.columns) }

// NumRows returns the number of complete rows.
func (c *Chunk) NumRows() int {
	if len(c.columns) == 0 {
		return 0
	}
	return c.columns[0].length()
}

// Column returns the i-th column.
func (c *Chunk) Column(i int) *Column { return c.columns[i] }

// GetRow returns a view over the i-th row.
func (c *Chunk) GetRow(i int) Row { return Row{c: c, idx: i} }

// AppendRow copies a full row. The source row must cover at least as many
// columns as the chunk; extra trailing source columns are ignored, which lets
// callers strip a hidden hash-value column while copying.
func (c *Chunk) AppendRow(row Row) {
	c.AppendPartialRow(0, row, len(c.columns))
}

// AppendPartialRow copies numCols columns of the source row into the chunk
// columns starting at colOff. It does not by itself complete a row; callers
// stitch joined rows from two partial appends.
func (c *Chunk) AppendPartialRow(colOff int, row Row, numCols int) {
	for i := 0; i < numCols; i++ {
		c.columns[colOff+i].appendFrom(row.c.columns[i], row.idx)
	}
}

// AppendNulls appends null values to numCols columns starting at colOff.
// Outer joins use this to pad the non-preserved side.
func (c *Chunk) AppendNulls(colOff, numCols int) {
	for i := 0; i < numCols; i++ {
		c.columns[colOff+i].AppendNull()
	}
}

// AppendColumns bulk-appends the first numCols columns of src to the same
// columns of the chunk. The caller is responsible for covering the remaining
// columns before the rows are read.
func (c *Chunk) AppendColumns(src *Chunk, numCols int) {
	for i := 0; i < numCols; i++ {
		c.columns[i].AppendColumn(src.columns[i])
	}
}

// Reset truncates all columns, keeping capacity.
func (c *Chunk) Reset() {
	for _, col := range c.columns {
		col.reset()
	}
}

// MemoryUsage returns the approximate heap footprint of the chunk.
func (c *Chunk) MemoryUsage() int64 {
	var size int64
	for _, col := range c.columns {
		size += col.MemoryUsage()
	}
	return size
}

// Row is a cheap view over one row of a chunk.
type Row struct {
	c   *Chunk
	idx int
}

// Chunk returns the chunk the row belongs to.
func (r Row) Chunk() *Chunk { return r.c }

// Idx returns the row index inside its chunk.
func (r Row) Idx() int { return r.idx }

// IsNull reports whether the value in the given column is null.
func (r Row) IsNull(col int) bool { return r.c.columns[col].IsNull(r.idx) }

// GetInt64 returns the int64 value in the given column.
func (r Row) GetInt64(col int) int64 { return r.c.columns[col].GetInt64(r.idx) }

// GetUint32 returns the uint32 value in the given column.
func (r Row) GetUint32(col int) uint32 { return r.c.columns[col].GetUint32(r.idx) }

// GetString returns the string value in the given column.
func (r Row) GetString(col int) string { return r.c.columns[col].GetString(r.idx) }

// MemoryFootprint estimates the heap bytes one copy of the row occupies.
func (r Row) MemoryFootprint() int64 {
	var size int64
	for _, col := range r.c.columns {
		switch col.tp {
		case TypeLonglong:
			size += 9
		case TypeUint32:
			size += 5
		case TypeVarString:
			size += 17
			if !col.IsNull(r.idx) {
				size += int64(len(col.GetString(r.idx)))
			}
		}
	}
	return size
}
