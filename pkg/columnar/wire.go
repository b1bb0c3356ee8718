package columnar

import (
	"encoding/binary"

	"github.com/goccy/go-json"

	"github.com/heliosdata/helios/pkg/errors"
	"github.com/heliosdata/helios/pkg/pool"
)

// Wire format, byte-exact:
//
//	[int64 descriptor-length][descriptor JSON]
//	[int64 row-count]
//	[column_0 raw bytes] ... [column_k raw bytes]
//	[int64 blob-count]
//	per blob: [int64 length][raw bytes]
//
// Each column's raw bytes are exactly width*row-count with no padding. Blob
// raw bytes carry the per-entry metadata headers at their aligned offsets,
// so a decoded region is bit-identical to the encoded one.

// wireDescriptor is the schema descriptor heading the wire image. It tags
// the partition with its identity and fixes column order, names and types.
type wireDescriptor struct {
	Key          string       `json:"key"`
	Columns      []wireColumn `json:"columns"`
	BlobStride   int64        `json:"blob_stride,omitempty"`
	BlobCapacity int64        `json:"blob_capacity,omitempty"`
	Persist      bool         `json:"persist,omitempty"`
}

type wireColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ToWireFormat encodes the partition for cross-process transfer. The
// round-trip FromWireFormat(ToWireFormat(p)) reconstructs bit-identical
// column and blob buffers.
func (p *Partition) ToWireFormat() ([]byte, error) {
	if err := p.checkLive("wire encode"); err != nil {
		return nil, err
	}

	desc := wireDescriptor{
		Key:          string(p.key),
		Columns:      make([]wireColumn, p.schema.Len()),
		BlobStride:   p.blobStride,
		BlobCapacity: p.blobCapacity,
		Persist:      p.persist,
	}
	for i := 0; i < p.schema.Len(); i++ {
		c := p.schema.Field(i).Column
		desc.Columns[i] = wireColumn{Name: c.Name, Type: c.Type.String()}
	}
	descBytes, err := json.Marshal(desc)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encoding schema descriptor")
	}

	total := 8 + len(descBytes) + 8
	for _, col := range p.columns {
		total += len(col)
	}
	total += 8
	if p.blob != nil {
		total += 8 + len(p.blob)
	}

	out := make([]byte, 0, total)
	out = appendInt64(out, int64(len(descBytes)))
	out = append(out, descBytes...)
	out = appendInt64(out, p.size)
	for _, col := range p.columns {
		out = append(out, col...)
	}
	if p.blob != nil {
		out = appendInt64(out, 1)
		out = appendInt64(out, int64(len(p.blob)))
		out = append(out, p.blob...)
	} else {
		out = appendInt64(out, 0)
	}
	return out, nil
}

// FromWireFormat decodes a wire image into a new partition with a reference
// count of one. If schema is non-nil its layout must match the descriptor
// and its accessors are attached, making the partition deserializable; a
// nil schema yields a raw-buffer partition.
func FromWireFormat(data []byte, schema *Schema) (*Partition, error) {
	r := wireReader{data: data}

	descLen, err := r.int64("descriptor length")
	if err != nil {
		return nil, err
	}
	descBytes, err := r.bytes(descLen, "schema descriptor")
	if err != nil {
		return nil, err
	}
	var desc wireDescriptor
	if err := json.Unmarshal(descBytes, &desc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWireFormatCorruption,
			"decoding schema descriptor")
	}

	cols := make([]Column, len(desc.Columns))
	for i, wc := range desc.Columns {
		t, ok := ColumnTypeByName(wc.Type)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeWireFormatCorruption,
				"unknown column type %q in descriptor", wc.Type)
		}
		cols[i] = Column{Name: wc.Name, Type: t}
	}

	if schema != nil {
		declared, err := schemaFromColumns(cols)
		if err != nil {
			return nil, err
		}
		if !schema.SameLayout(declared) {
			return nil, errors.New(errors.ErrorTypeWireFormatCorruption,
				"wire descriptor does not match supplied schema layout")
		}
	} else {
		if schema, err = schemaFromColumns(cols); err != nil {
			return nil, err
		}
	}

	size, err := r.int64("row count")
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.Newf(errors.ErrorTypeWireFormatCorruption,
			"negative row count %d", size)
	}

	p := &Partition{
		schema:       schema,
		key:          PartitionKey(desc.Key),
		size:         size,
		columns:      make([][]byte, schema.Len()),
		blobStride:   desc.BlobStride,
		blobCapacity: desc.BlobCapacity,
		persist:      desc.Persist,
		refCount:     1,
	}

	for i := 0; i < schema.Len(); i++ {
		want := schema.Field(i).Type.FixedWidth() * size
		raw, err := r.bytes(want, "column "+schema.Field(i).Name)
		if err != nil {
			p.forceRelease(nil)
			return nil, err
		}
		buf := pool.GlobalBufferPool.Get(int(want))
		copy(buf, raw)
		p.columns[i] = buf
	}

	blobCount, err := r.int64("blob count")
	if err != nil {
		p.forceRelease(nil)
		return nil, err
	}
	switch blobCount {
	case 0:
	case 1:
		blobLen, err := r.int64("blob length")
		if err != nil {
			p.forceRelease(nil)
			return nil, err
		}
		raw, err := r.bytes(blobLen, "blob region")
		if err != nil {
			p.forceRelease(nil)
			return nil, err
		}
		buf := pool.GlobalBufferPool.Get(int(blobLen))
		copy(buf, raw)
		p.blob = buf
	default:
		p.forceRelease(nil)
		return nil, errors.Newf(errors.ErrorTypeWireFormatCorruption,
			"unsupported blob count %d", blobCount)
	}

	if r.pos != int64(len(r.data)) {
		p.forceRelease(nil)
		return nil, errors.Newf(errors.ErrorTypeWireFormatCorruption,
			"%d trailing bytes after wire image", int64(len(r.data))-r.pos)
	}
	return p, nil
}

func appendInt64(out []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(out, b[:]...)
}

// wireReader tracks decode position and converts short reads into
// corruption errors naming the field being read.
type wireReader struct {
	data []byte
	pos  int64
}

func (r *wireReader) int64(what string) (int64, error) {
	raw, err := r.bytes(8, what)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(raw)), nil
}

func (r *wireReader) bytes(n int64, what string) ([]byte, error) {
	if n < 0 || r.pos+n > int64(len(r.data)) {
		return nil, errors.Newf(errors.ErrorTypeWireFormatCorruption,
			"truncated wire image reading %s: need %d bytes at offset %d of %d",
			what, n, r.pos, len(r.data))
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}
