package columnar

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/heliosdata/helios/pkg/errors"
)

// Arrow interchange. Collaborators that speak Arrow (shuffle services,
// columnar file writers) can consume partitions without going through the
// record accessors. Fixed-width columns map to the matching Arrow primitive
// type; the array column maps to an Arrow list.

// arrowType maps a column type to its Arrow equivalent.
func arrowType(t ColumnType) arrow.DataType {
	var prim arrow.DataType
	switch t.Element() {
	case ByteType:
		prim = arrow.PrimitiveTypes.Int8
	case ShortType:
		prim = arrow.PrimitiveTypes.Int16
	case IntType:
		prim = arrow.PrimitiveTypes.Int32
	case LongType:
		prim = arrow.PrimitiveTypes.Int64
	case FloatType:
		prim = arrow.PrimitiveTypes.Float32
	case DoubleType:
		prim = arrow.PrimitiveTypes.Float64
	}
	if t.IsArray() {
		return arrow.ListOf(prim)
	}
	return prim
}

// ArrowSchema derives the Arrow schema equivalent to the partition schema.
func (s *Schema) ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, s.Len())
	for i := 0; i < s.Len(); i++ {
		f := s.Field(i)
		fields[i] = arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: false}
	}
	return arrow.NewSchema(fields, nil)
}

// ToArrow converts the partition to an Arrow record. The caller owns the
// returned record and must Release it.
func (p *Partition) ToArrow(mem memory.Allocator) (arrow.Record, error) {
	if err := p.checkLive("arrow encode"); err != nil {
		return nil, err
	}
	if mem == nil {
		mem = memory.NewGoAllocator()
	}

	builder := array.NewRecordBuilder(mem, p.schema.ArrowSchema())
	defer builder.Release()

	for row := int64(0); row < p.size; row++ {
		for i := 0; i < p.schema.Len(); i++ {
			f := p.schema.Field(i)
			if f.Type.IsArray() {
				value, err := p.readArray(i, row)
				if err != nil {
					return nil, err
				}
				if err := appendArrowList(builder.Field(i), f.Type, value); err != nil {
					return nil, err
				}
				continue
			}
			if err := appendArrowScalar(builder.Field(i), f.Type, p.readScalar(i, row)); err != nil {
				return nil, err
			}
		}
	}
	return builder.NewRecord(), nil
}

// FromArrow builds a partition from an Arrow record whose schema layout
// matches the supplied partition schema.
func FromArrow(rec arrow.Record, schema *Schema, key PartitionKey) (*Partition, error) {
	if int(rec.NumCols()) != schema.Len() {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"arrow record has %d columns, schema has %d", rec.NumCols(), schema.Len())
	}

	p, err := NewPartition(schema, key, rec.NumRows())
	if err != nil {
		return nil, err
	}

	for i := 0; i < schema.Len(); i++ {
		f := schema.Field(i)
		col := rec.Column(i)
		for row := int64(0); row < p.size; row++ {
			value, err := arrowValue(col, f.Type, int(row))
			if err != nil {
				p.forceRelease(nil)
				return nil, err
			}
			if f.Type.IsArray() {
				err = p.writeArray(i, row, value)
			} else {
				err = p.writeScalar(i, row, value)
			}
			if err != nil {
				p.forceRelease(nil)
				return nil, err
			}
		}
	}
	return p, nil
}

func appendArrowScalar(b array.Builder, t ColumnType, value interface{}) error {
	switch builder := b.(type) {
	case *array.Int8Builder:
		builder.Append(value.(int8))
	case *array.Int16Builder:
		builder.Append(value.(int16))
	case *array.Int32Builder:
		builder.Append(value.(int32))
	case *array.Int64Builder:
		builder.Append(value.(int64))
	case *array.Float32Builder:
		builder.Append(value.(float32))
	case *array.Float64Builder:
		builder.Append(value.(float64))
	default:
		return errors.Newf(errors.ErrorTypeValidation,
			"no arrow builder for column type %s", t)
	}
	return nil
}

func appendArrowList(b array.Builder, t ColumnType, value interface{}) error {
	lb, ok := b.(*array.ListBuilder)
	if !ok {
		return errors.Newf(errors.ErrorTypeValidation,
			"no arrow list builder for column type %s", t)
	}
	lb.Append(true)
	switch vb := lb.ValueBuilder().(type) {
	case *array.Int8Builder:
		for _, e := range value.([]int8) {
			vb.Append(e)
		}
	case *array.Int16Builder:
		for _, e := range value.([]int16) {
			vb.Append(e)
		}
	case *array.Int32Builder:
		for _, e := range value.([]int32) {
			vb.Append(e)
		}
	case *array.Int64Builder:
		for _, e := range value.([]int64) {
			vb.Append(e)
		}
	case *array.Float32Builder:
		for _, e := range value.([]float32) {
			vb.Append(e)
		}
	case *array.Float64Builder:
		for _, e := range value.([]float64) {
			vb.Append(e)
		}
	default:
		return errors.Newf(errors.ErrorTypeValidation,
			"no arrow value builder for column type %s", t)
	}
	return nil
}

func arrowValue(col arrow.Array, t ColumnType, row int) (interface{}, error) {
	if t.IsArray() {
		list, ok := col.(*array.List)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"arrow column is %T, want list for %s", col, t)
		}
		start, end := list.ValueOffsets(row)
		return arrowSlice(list.ListValues(), t, int(start), int(end))
	}

	switch a := col.(type) {
	case *array.Int8:
		return a.Value(row), nil
	case *array.Int16:
		return a.Value(row), nil
	case *array.Int32:
		return a.Value(row), nil
	case *array.Int64:
		return a.Value(row), nil
	case *array.Float32:
		return a.Value(row), nil
	case *array.Float64:
		return a.Value(row), nil
	}
	return nil, errors.Newf(errors.ErrorTypeValidation,
		"arrow column is %T, want %s", col, t)
}

func arrowSlice(values arrow.Array, t ColumnType, start, end int) (interface{}, error) {
	n := end - start
	switch a := values.(type) {
	case *array.Int8:
		out := make([]int8, n)
		for i := range out {
			out[i] = a.Value(start + i)
		}
		return out, nil
	case *array.Int16:
		out := make([]int16, n)
		for i := range out {
			out[i] = a.Value(start + i)
		}
		return out, nil
	case *array.Int32:
		out := make([]int32, n)
		for i := range out {
			out[i] = a.Value(start + i)
		}
		return out, nil
	case *array.Int64:
		out := make([]int64, n)
		for i := range out {
			out[i] = a.Value(start + i)
		}
		return out, nil
	case *array.Float32:
		out := make([]float32, n)
		for i := range out {
			out[i] = a.Value(start + i)
		}
		return out, nil
	case *array.Float64:
		out := make([]float64, n)
		for i := range out {
			out[i] = a.Value(start + i)
		}
		return out, nil
	}
	return nil, errors.Newf(errors.ErrorTypeValidation,
		"arrow list values are %T, unsupported for %s", values, t)
}
