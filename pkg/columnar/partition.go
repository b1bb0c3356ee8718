package columnar

import (
	"encoding/binary"
	"math"

	"github.com/heliosdata/helios/pkg/errors"
	"github.com/heliosdata/helios/pkg/pool"
)

// PartitionKey is the opaque identity of a partition, supplied by the
// storage layer. It is comparable and hashable and forms the partition
// component of every device-cache key.
type PartitionKey string

const (
	// BlobMetadataBlockSize is the alignment of blob-region entries. Every
	// entry starts on a 128-byte boundary so offsets are deterministic and
	// independently addressable.
	BlobMetadataBlockSize = 128

	// blobHeaderBytes is the fixed per-entry metadata header: int64
	// capacity followed by int64 logical length, both in bytes.
	blobHeaderBytes = 16
)

// alignBlob rounds n up to the next blob metadata block boundary.
func alignBlob(n int64) int64 {
	rem := n % BlobMetadataBlockSize
	if rem == 0 {
		return n
	}
	return n + BlobMetadataBlockSize - rem
}

// RecordSource is a finite, one-pass sequence of records consumed by
// Serialize. How the sequence is produced upstream is not this package's
// concern.
type RecordSource interface {
	// Next returns the next record and true, or a zero value and false when
	// the sequence is exhausted.
	Next() (interface{}, bool)
}

// sliceSource adapts an in-memory record slice to a RecordSource.
type sliceSource struct {
	records []interface{}
	pos     int
}

func (s *sliceSource) Next() (interface{}, bool) {
	if s.pos >= len(s.records) {
		return nil, false
	}
	r := s.records[s.pos]
	s.pos++
	return r, true
}

// SliceSource wraps a record slice as a RecordSource.
func SliceSource(records []interface{}) RecordSource {
	return &sliceSource{records: records}
}

// DeviceEvictor removes device-cache entries owned by a partition. It is
// implemented by the device buffer cache; the columnar store only knows
// that freeing a non-persistent partition must drop its device copies.
type DeviceEvictor interface {
	EvictPartition(key PartitionKey)
}

// Partition owns one contiguous buffer per column of a record batch, plus
// an optional blob region for the schema's array column. The holder of the
// reference counter exclusively owns the buffers; they are released exactly
// once, when the counter reaches zero, and must never be read afterward.
type Partition struct {
	schema *Schema
	key    PartitionKey
	size   int64

	columns [][]byte
	blob    []byte

	// blobStride is the aligned per-row entry size in the blob region, and
	// blobCapacity the per-row payload capacity in bytes. Zero when the
	// schema has no array column.
	blobStride   int64
	blobCapacity int64

	refCount int64
	persist  bool
}

// NewPartition allocates the fixed-region buffers for a partition of the
// given row count. The blob region, if the schema needs one, is allocated
// lazily on the first array write or explicitly via AllocateBlob.
func NewPartition(schema *Schema, key PartitionKey, size int64) (*Partition, error) {
	if size < 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "negative partition size %d", size)
	}
	p := &Partition{
		schema:   schema,
		key:      key,
		size:     size,
		columns:  make([][]byte, schema.Len()),
		refCount: 1,
	}
	for i := 0; i < schema.Len(); i++ {
		p.columns[i] = pool.GlobalBufferPool.Get(int(schema.Field(i).Type.FixedWidth() * size))
	}
	return p, nil
}

// Build constructs a partition from a record slice, sized to the slice
// length, writing every column of every record in schema order.
func Build(schema *Schema, key PartitionKey, records []interface{}) (*Partition, error) {
	p, err := NewPartition(schema, key, int64(len(records)))
	if err != nil {
		return nil, err
	}
	if err := p.Serialize(SliceSource(records)); err != nil {
		p.forceRelease(nil)
		return nil, err
	}
	return p, nil
}

// AllocateBlob sizes the blob region for perRowCapacity payload bytes per
// row and writes every entry header and fixed-region offset. Entry i starts
// at i*stride where stride is the aligned header+capacity size, so offsets
// are deterministic. Each entry's logical length is initialized to the full
// capacity; Serialize and kernel outputs overwrite it per row.
func (p *Partition) AllocateBlob(perRowCapacity int64) error {
	if err := p.checkLive("allocate blob"); err != nil {
		return err
	}
	arrayCol := p.schema.ArrayColumnIndex()
	if arrayCol < 0 {
		return errors.New(errors.ErrorTypeValidation, "schema has no array column")
	}
	if p.blob != nil {
		return errors.New(errors.ErrorTypeValidation, "blob region already allocated")
	}
	if perRowCapacity < 0 {
		return errors.Newf(errors.ErrorTypeValidation, "negative blob capacity %d", perRowCapacity)
	}
	stride := alignBlob(blobHeaderBytes + perRowCapacity)
	p.blob = pool.GlobalBufferPool.Get(int(stride * p.size))
	p.blobStride = stride
	p.blobCapacity = perRowCapacity

	fixed := p.columns[arrayCol]
	for row := int64(0); row < p.size; row++ {
		off := row * stride
		binary.LittleEndian.PutUint64(p.blob[off:], uint64(perRowCapacity))
		binary.LittleEndian.PutUint64(p.blob[off+8:], uint64(perRowCapacity))
		binary.LittleEndian.PutUint64(fixed[row*8:], uint64(off))
	}
	return nil
}

// Serialize fills the partition's buffers from a record source, one row per
// record in schema order. It fails if the source is exhausted before the
// partition's row count is reached; the partial row is not written. The
// blob region is sized on the first array value encountered: every row gets
// that first array's byte capacity.
func (p *Partition) Serialize(records RecordSource) error {
	if err := p.checkLive("serialize"); err != nil {
		return err
	}
	for row := int64(0); row < p.size; row++ {
		rec, ok := records.Next()
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation,
				"record source exhausted at row %d of %d", row, p.size).
				WithDetail("partition", string(p.key))
		}
		for i := 0; i < p.schema.Len(); i++ {
			f := p.schema.Field(i)
			if f.Get == nil {
				return errors.Newf(errors.ErrorTypeValidation,
					"schema field %q has no accessor", f.Name)
			}
			value := f.Get(rec)
			if f.Type.IsArray() {
				if err := p.writeArray(i, row, value); err != nil {
					return err
				}
			} else if err := p.writeScalar(i, row, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Acquire increments the reference counter. Reference counting is not
// atomic; a partition has a single logical owner at a time and callers
// serialize acquire/free themselves.
func (p *Partition) Acquire() error {
	if p.refCount <= 0 {
		return errors.Newf(errors.ErrorTypeUseAfterFree,
			"acquire on freed partition %q", p.key)
	}
	p.refCount++
	return nil
}

// Free decrements the reference counter. When it reaches zero the column
// and blob buffers are returned to the buffer pool and, unless the
// partition is marked persist-on-device, its device-cache entries are
// evicted through ev. Freeing an already-freed partition fails with a
// use-after-free error.
func (p *Partition) Free(ev DeviceEvictor) error {
	if p.refCount <= 0 {
		return errors.Newf(errors.ErrorTypeUseAfterFree,
			"free on freed partition %q", p.key)
	}
	p.refCount--
	if p.refCount == 0 {
		p.forceRelease(ev)
	}
	return nil
}

// forceRelease returns every buffer to the pool regardless of counter
// state. Used internally by Free at zero and by construction error paths.
func (p *Partition) forceRelease(ev DeviceEvictor) {
	for i, buf := range p.columns {
		if buf != nil {
			pool.GlobalBufferPool.Put(buf)
			p.columns[i] = nil
		}
	}
	if p.blob != nil {
		pool.GlobalBufferPool.Put(p.blob)
		p.blob = nil
	}
	if ev != nil && !p.persist {
		ev.EvictPartition(p.key)
	}
}

// checkLive guards every read path against use-after-free.
func (p *Partition) checkLive(op string) error {
	if p.refCount <= 0 {
		return errors.Newf(errors.ErrorTypeUseAfterFree,
			"%s on freed partition %q", op, p.key)
	}
	return nil
}

// Schema returns the partition's schema.
func (p *Partition) Schema() *Schema { return p.schema }

// Size returns the row count.
func (p *Partition) Size() int64 { return p.size }

// Key returns the owning partition identity.
func (p *Partition) Key() PartitionKey { return p.key }

// SetKey retags the partition with a new identity. Used by the kernel
// engine when tagging launch results.
func (p *Partition) SetKey(key PartitionKey) { p.key = key }

// Persist reports the persist-on-device flag.
func (p *Partition) Persist() bool { return p.persist }

// SetPersist marks or unmarks the partition persist-on-device. The flag
// only affects device-cache eviction; host-side reference counting is
// unchanged.
func (p *Partition) SetPersist(persist bool) { p.persist = persist }

// RefCount returns the current reference count.
func (p *Partition) RefCount() int64 { return p.refCount }

// HasBlob reports whether a blob region is allocated.
func (p *Partition) HasBlob() bool { return p.blob != nil }

// BlobBytes returns the raw blob region, or nil for all-fixed schemas.
func (p *Partition) BlobBytes() ([]byte, error) {
	if err := p.checkLive("blob read"); err != nil {
		return nil, err
	}
	return p.blob, nil
}

// BlobCapacity returns the per-row payload capacity in bytes.
func (p *Partition) BlobCapacity() int64 { return p.blobCapacity }

// ColumnBytes returns the raw fixed-region buffer of the named column.
func (p *Partition) ColumnBytes(name string) ([]byte, error) {
	i := p.schema.ColumnIndex(name)
	if i < 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown column %q", name).
			WithDetail("partition", string(p.key))
	}
	return p.ColumnBytesAt(i)
}

// ColumnBytesAt returns the raw fixed-region buffer of the i-th column.
func (p *Partition) ColumnBytesAt(i int) ([]byte, error) {
	if err := p.checkLive("column read"); err != nil {
		return nil, err
	}
	return p.columns[i], nil
}

// MemoryUsage returns total host bytes held by the partition's buffers.
func (p *Partition) MemoryUsage() int64 {
	var total int64
	for _, buf := range p.columns {
		total += int64(len(buf))
	}
	total += int64(len(p.blob))
	return total
}

// writeScalar writes one fixed-width cell.
func (p *Partition) writeScalar(col int, row int64, value interface{}) error {
	f := p.schema.Field(col)
	buf := p.columns[col]
	off := row * f.Type.FixedWidth()

	switch f.Type {
	case ByteType:
		v, ok := asInt64(value)
		if !ok {
			return p.cellTypeError(f, value)
		}
		buf[off] = byte(v)
	case ShortType:
		v, ok := asInt64(value)
		if !ok {
			return p.cellTypeError(f, value)
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(v))
	case IntType:
		v, ok := asInt64(value)
		if !ok {
			return p.cellTypeError(f, value)
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
	case LongType:
		v, ok := asInt64(value)
		if !ok {
			return p.cellTypeError(f, value)
		}
		binary.LittleEndian.PutUint64(buf[off:], uint64(v))
	case FloatType:
		v, ok := asFloat64(value)
		if !ok {
			return p.cellTypeError(f, value)
		}
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
	case DoubleType:
		v, ok := asFloat64(value)
		if !ok {
			return p.cellTypeError(f, value)
		}
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
	default:
		return p.cellTypeError(f, value)
	}
	return nil
}

// readScalar reads one fixed-width cell as its natural Go value.
func (p *Partition) readScalar(col int, row int64) interface{} {
	f := p.schema.Field(col)
	buf := p.columns[col]
	off := row * f.Type.FixedWidth()

	switch f.Type {
	case ByteType:
		return int8(buf[off])
	case ShortType:
		return int16(binary.LittleEndian.Uint16(buf[off:]))
	case IntType:
		return int32(binary.LittleEndian.Uint32(buf[off:]))
	case LongType:
		return int64(binary.LittleEndian.Uint64(buf[off:]))
	case FloatType:
		return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
	case DoubleType:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
	}
	return nil
}

// writeArray writes an array cell: payload into the blob region, offset
// into the fixed region. The blob region is allocated on the first array
// written, sized for every row at that first array's byte capacity.
func (p *Partition) writeArray(col int, row int64, value interface{}) error {
	f := p.schema.Field(col)
	payload, _, ok := arrayBytes(f.Type, value)
	if !ok {
		return p.cellTypeError(f, value)
	}

	if p.blob == nil {
		if err := p.AllocateBlob(int64(len(payload))); err != nil {
			return err
		}
	}
	if int64(len(payload)) > p.blobCapacity {
		return errors.Newf(errors.ErrorTypeValidation,
			"array of %d bytes exceeds blob entry capacity %d at row %d",
			len(payload), p.blobCapacity, row).
			WithDetail("column", f.Name).
			WithDetail("partition", string(p.key))
	}

	off := row * p.blobStride
	binary.LittleEndian.PutUint64(p.blob[off:], uint64(p.blobCapacity))
	binary.LittleEndian.PutUint64(p.blob[off+8:], uint64(len(payload)))
	copy(p.blob[off+blobHeaderBytes:], payload)
	binary.LittleEndian.PutUint64(p.columns[col][row*8:], uint64(off))
	return nil
}

// readArray dereferences an array cell's offset into the blob region and
// reconstructs the typed slice from the entry payload.
func (p *Partition) readArray(col int, row int64) (interface{}, error) {
	f := p.schema.Field(col)
	off := int64(binary.LittleEndian.Uint64(p.columns[col][row*8:]))
	if off < 0 || off+blobHeaderBytes > int64(len(p.blob)) {
		return nil, errors.Newf(errors.ErrorTypeWireFormatCorruption,
			"blob offset %d out of range at row %d", off, row).
			WithDetail("column", f.Name).
			WithDetail("partition", string(p.key))
	}
	length := int64(binary.LittleEndian.Uint64(p.blob[off+8:]))
	start := off + blobHeaderBytes
	if start+length > int64(len(p.blob)) {
		return nil, errors.Newf(errors.ErrorTypeWireFormatCorruption,
			"blob entry of %d bytes at offset %d overruns region", length, off).
			WithDetail("column", f.Name).
			WithDetail("partition", string(p.key))
	}
	return bytesToArray(f.Type, p.blob[start:start+length]), nil
}

func (p *Partition) cellTypeError(f Field, value interface{}) error {
	return errors.Newf(errors.ErrorTypeValidation,
		"value of type %T is not assignable to %s column", value, f.Type).
		WithDetail("column", f.Name).
		WithDetail("partition", string(p.key))
}

// asInt64 widens the supported integer representations.
func asInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// asFloat64 widens the supported float representations.
func asFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// arrayBytes serializes a typed slice to little-endian payload bytes.
func arrayBytes(t ColumnType, value interface{}) (payload []byte, elems int, ok bool) {
	w := t.ElementWidth()
	switch t {
	case ByteArrayType:
		v, good := value.([]int8)
		if !good {
			return nil, 0, false
		}
		payload = make([]byte, len(v))
		for i, e := range v {
			payload[i] = byte(e)
		}
		return payload, len(v), true
	case ShortArrayType:
		v, good := value.([]int16)
		if !good {
			return nil, 0, false
		}
		payload = make([]byte, int64(len(v))*w)
		for i, e := range v {
			binary.LittleEndian.PutUint16(payload[int64(i)*w:], uint16(e))
		}
		return payload, len(v), true
	case IntArrayType:
		v, good := value.([]int32)
		if !good {
			return nil, 0, false
		}
		payload = make([]byte, int64(len(v))*w)
		for i, e := range v {
			binary.LittleEndian.PutUint32(payload[int64(i)*w:], uint32(e))
		}
		return payload, len(v), true
	case LongArrayType:
		v, good := value.([]int64)
		if !good {
			return nil, 0, false
		}
		payload = make([]byte, int64(len(v))*w)
		for i, e := range v {
			binary.LittleEndian.PutUint64(payload[int64(i)*w:], uint64(e))
		}
		return payload, len(v), true
	case FloatArrayType:
		v, good := value.([]float32)
		if !good {
			return nil, 0, false
		}
		payload = make([]byte, int64(len(v))*w)
		for i, e := range v {
			binary.LittleEndian.PutUint32(payload[int64(i)*w:], math.Float32bits(e))
		}
		return payload, len(v), true
	case DoubleArrayType:
		v, good := value.([]float64)
		if !good {
			return nil, 0, false
		}
		payload = make([]byte, int64(len(v))*w)
		for i, e := range v {
			binary.LittleEndian.PutUint64(payload[int64(i)*w:], math.Float64bits(e))
		}
		return payload, len(v), true
	}
	return nil, 0, false
}

// bytesToArray deserializes little-endian payload bytes to a typed slice.
func bytesToArray(t ColumnType, payload []byte) interface{} {
	w := t.ElementWidth()
	n := int64(len(payload)) / w
	switch t {
	case ByteArrayType:
		out := make([]int8, n)
		for i := range out {
			out[i] = int8(payload[i])
		}
		return out
	case ShortArrayType:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(payload[int64(i)*w:]))
		}
		return out
	case IntArrayType:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(payload[int64(i)*w:]))
		}
		return out
	case LongArrayType:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(payload[int64(i)*w:]))
		}
		return out
	case FloatArrayType:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[int64(i)*w:]))
		}
		return out
	case DoubleArrayType:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[int64(i)*w:]))
		}
		return out
	}
	return nil
}

// RecordIterator is a lazy, finite, one-pass sequence of records
// reconstructed from the partition's buffers.
type RecordIterator struct {
	p   *Partition
	row int64
	rec interface{}
	err error
}

// Deserialize returns an iterator over the partition's records. The schema
// must carry accessors and a record factory. The iterator is invalidated by
// freeing the partition.
func (p *Partition) Deserialize() (*RecordIterator, error) {
	if err := p.checkLive("deserialize"); err != nil {
		return nil, err
	}
	if !p.schema.HasAccessors() {
		return nil, errors.New(errors.ErrorTypeValidation,
			"schema has no accessors; partition supports raw buffer access only")
	}
	return &RecordIterator{p: p}, nil
}

// Next advances to the next record, returning false at the end of the
// partition or on error.
func (it *RecordIterator) Next() bool {
	if it.err != nil || it.row >= it.p.size {
		return false
	}
	if err := it.p.checkLive("deserialize"); err != nil {
		it.err = err
		return false
	}
	rec := it.p.schema.newRecord()
	for i := 0; i < it.p.schema.Len(); i++ {
		f := it.p.schema.Field(i)
		if f.Type.IsArray() {
			value, err := it.p.readArray(i, it.row)
			if err != nil {
				it.err = err
				return false
			}
			f.Set(rec, value)
		} else {
			f.Set(rec, it.p.readScalar(i, it.row))
		}
	}
	it.rec = rec
	it.row++
	return true
}

// Record returns the record produced by the last successful Next.
func (it *RecordIterator) Record() interface{} { return it.rec }

// Err returns the first error encountered during iteration.
func (it *RecordIterator) Err() error { return it.err }
