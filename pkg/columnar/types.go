// Package columnar provides the columnar partition store for Helios.
//
// A partition is a bounded batch of records stored as contiguous per-column
// buffers instead of per-record objects, so the whole batch can be copied to
// a GPU device without per-element marshaling. Variable-length array fields
// live in a side blob region addressed by per-row offsets. Partitions are
// reference counted and released explicitly; they are never mutated after
// construction except for reference-count changes.
package columnar

import "fmt"

// ColumnType represents the primitive kind of a column, or an array of one
// of the primitive kinds.
type ColumnType int

const (
	// ByteType is a signed 8-bit integer column
	ByteType ColumnType = iota
	// ShortType is a signed 16-bit integer column
	ShortType
	// IntType is a signed 32-bit integer column
	IntType
	// LongType is a signed 64-bit integer column
	LongType
	// FloatType is a 32-bit floating point column
	FloatType
	// DoubleType is a 64-bit floating point column
	DoubleType
	// ByteArrayType is a variable-length array of signed 8-bit integers
	ByteArrayType
	// ShortArrayType is a variable-length array of signed 16-bit integers
	ShortArrayType
	// IntArrayType is a variable-length array of signed 32-bit integers
	IntArrayType
	// LongArrayType is a variable-length array of signed 64-bit integers
	LongArrayType
	// FloatArrayType is a variable-length array of 32-bit floats
	FloatArrayType
	// DoubleArrayType is a variable-length array of 64-bit floats
	DoubleArrayType
)

var columnTypeNames = map[ColumnType]string{
	ByteType:        "byte",
	ShortType:       "short",
	IntType:         "int",
	LongType:        "long",
	FloatType:       "float",
	DoubleType:      "double",
	ByteArrayType:   "byte_array",
	ShortArrayType:  "short_array",
	IntArrayType:    "int_array",
	LongArrayType:   "long_array",
	FloatArrayType:  "float_array",
	DoubleArrayType: "double_array",
}

var columnTypesByName = func() map[string]ColumnType {
	m := make(map[string]ColumnType, len(columnTypeNames))
	for t, n := range columnTypeNames {
		m[n] = t
	}
	return m
}()

// String returns the canonical name of the column type. The name is stable
// and is used in the wire-format schema descriptor.
func (t ColumnType) String() string {
	if n, ok := columnTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("column_type(%d)", int(t))
}

// ColumnTypeByName resolves a canonical type name back to its ColumnType.
func ColumnTypeByName(name string) (ColumnType, bool) {
	t, ok := columnTypesByName[name]
	return t, ok
}

// IsArray reports whether the type is a variable-length array kind.
func (t ColumnType) IsArray() bool {
	return t >= ByteArrayType && t <= DoubleArrayType
}

// Element returns the primitive element kind. For scalar types it returns
// the type itself.
func (t ColumnType) Element() ColumnType {
	if t.IsArray() {
		return t - ByteArrayType
	}
	return t
}

// ElementWidth returns the fixed byte width of one element of the type.
// For array types this is the width of one array element.
func (t ColumnType) ElementWidth() int64 {
	switch t.Element() {
	case ByteType:
		return 1
	case ShortType:
		return 2
	case IntType:
		return 4
	case LongType, DoubleType:
		return 8
	case FloatType:
		return 4
	default:
		return 0
	}
}

// FixedWidth returns the number of bytes one row of the column occupies in
// the fixed region. Array columns store an 8-byte blob offset per row; the
// actual payload lives in the blob region.
func (t ColumnType) FixedWidth() int64 {
	if t.IsArray() {
		return 8
	}
	return t.ElementWidth()
}

// Column describes one field of a record type: a name used as the cache key
// component and a type that fixes its layout.
type Column struct {
	Name string
	Type ColumnType
}

// MemoryUsage returns the number of bytes the column's fixed region
// occupies for n rows.
func (c Column) MemoryUsage(n int64) int64 {
	return c.Type.FixedWidth() * n
}
