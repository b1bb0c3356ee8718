package columnar

import (
	"github.com/heliosdata/helios/pkg/errors"
)

// Field couples a column with an explicit accessor pair for reading and
// writing the field on a record. Accessors replace runtime reflection: the
// caller supplies them once per record type, and the store never inspects
// record values dynamically.
//
// Get must return the Go value matching the column type (int8, int16,
// int32, int64, float32, float64, or a slice of one of these for array
// columns). Set receives a value of the same shape.
type Field struct {
	Column
	Get func(record interface{}) interface{}
	Set func(record interface{}, value interface{})
}

// Schema is the ordered, immutable list of fields for a record type,
// derived once per type. Column order is stable for the lifetime of a
// partition and must match between the producer and all consumers of that
// partition's buffers.
type Schema struct {
	fields []Field

	// NewRecord allocates an empty record for deserialization.
	newRecord func() interface{}
}

// NewSchema builds a schema from an ordered field list and a record
// factory. The factory may be nil for schemas that are only ever decoded
// from the wire and inspected as raw buffers.
//
// At most one array column is supported per schema: a partition carries a
// single blob region, and a second array column would need a second one.
func NewSchema(fields []Field, newRecord func() interface{}) (*Schema, error) {
	if len(fields) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "schema requires at least one field")
	}
	seen := make(map[string]struct{}, len(fields))
	arrays := 0
	for _, f := range fields {
		if f.Name == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "schema field with empty name")
		}
		if _, dup := seen[f.Name]; dup {
			return nil, errors.Newf(errors.ErrorTypeValidation, "duplicate schema field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Type.IsArray() {
			arrays++
		}
	}
	if arrays > 1 {
		return nil, errors.New(errors.ErrorTypeValidation,
			"schemas with more than one array column are unsupported (single blob region)")
	}
	cp := make([]Field, len(fields))
	copy(cp, fields)
	return &Schema{fields: cp, newRecord: newRecord}, nil
}

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.fields) }

// Field returns the i-th field in schema order.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Columns returns the ordered column list.
func (s *Schema) Columns() []Column {
	cols := make([]Column, len(s.fields))
	for i, f := range s.fields {
		cols[i] = f.Column
	}
	return cols
}

// ColumnIndex returns the position of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, f := range s.fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// ArrayColumnIndex returns the position of the schema's array column, or -1
// if the schema is all fixed-width.
func (s *Schema) ArrayColumnIndex() int {
	for i, f := range s.fields {
		if f.Type.IsArray() {
			return i
		}
	}
	return -1
}

// HasAccessors reports whether the schema can read and write records.
// Schemas reconstructed from a wire descriptor alone carry no accessors and
// support only raw buffer access.
func (s *Schema) HasAccessors() bool {
	for _, f := range s.fields {
		if f.Get == nil || f.Set == nil {
			return false
		}
	}
	return s.newRecord != nil
}

// FixedRowBytes returns the total fixed-region bytes one row occupies
// across all columns.
func (s *Schema) FixedRowBytes() int64 {
	var n int64
	for _, f := range s.fields {
		n += f.Type.FixedWidth()
	}
	return n
}

// SameLayout reports whether two schemas have identical column names and
// types in identical order. Accessors are not compared.
func (s *Schema) SameLayout(other *Schema) bool {
	if other == nil || len(s.fields) != len(other.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i].Column != other.fields[i].Column {
			return false
		}
	}
	return true
}

// schemaFromColumns builds an accessor-less schema for wire decoding.
func schemaFromColumns(cols []Column) (*Schema, error) {
	fields := make([]Field, len(cols))
	for i, c := range cols {
		fields[i] = Field{Column: c}
	}
	return NewSchema(fields, nil)
}
