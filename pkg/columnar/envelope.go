package columnar

import (
	"encoding/binary"

	"github.com/heliosdata/helios/pkg/compression"
	"github.com/heliosdata/helios/pkg/errors"
)

// Compressed wire envelope:
//
//	[uint8 algorithm-name length][algorithm name]
//	[int64 uncompressed wire length]
//	[compressed wire bytes]
//
// The envelope wraps the byte-exact wire image; decoding restores the exact
// wire bytes before handing them to FromWireFormat, so the round-trip
// guarantee is unchanged.

// ToCompressedWireFormat encodes the partition and compresses the wire
// image with the given algorithm.
func (p *Partition) ToCompressedWireFormat(alg compression.Algorithm) ([]byte, error) {
	wire, err := p.ToWireFormat()
	if err != nil {
		return nil, err
	}
	comp, err := compression.NewCompressor(&compression.Config{Algorithm: alg, Level: compression.Default})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "creating wire compressor")
	}
	packed, err := comp.Compress(wire)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "compressing wire image")
	}

	name := string(alg)
	if len(name) > 255 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "algorithm name %q too long", name)
	}
	out := make([]byte, 0, 1+len(name)+8+len(packed))
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = appendInt64(out, int64(len(wire)))
	out = append(out, packed...)
	return out, nil
}

// FromCompressedWireFormat decodes a compressed envelope produced by
// ToCompressedWireFormat. See FromWireFormat for schema handling.
func FromCompressedWireFormat(data []byte, schema *Schema) (*Partition, error) {
	if len(data) < 1 {
		return nil, errors.New(errors.ErrorTypeWireFormatCorruption, "empty wire envelope")
	}
	nameLen := int(data[0])
	if len(data) < 1+nameLen+8 {
		return nil, errors.New(errors.ErrorTypeWireFormatCorruption, "truncated wire envelope header")
	}
	alg := compression.Algorithm(data[1 : 1+nameLen])
	rawLen := int64(binary.LittleEndian.Uint64(data[1+nameLen:]))
	packed := data[1+nameLen+8:]

	comp, err := compression.NewCompressor(&compression.Config{Algorithm: alg, Level: compression.Default})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWireFormatCorruption,
			"unknown envelope compression algorithm")
	}
	wire, err := comp.Decompress(packed)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWireFormatCorruption,
			"decompressing wire image")
	}
	if int64(len(wire)) != rawLen {
		return nil, errors.Newf(errors.ErrorTypeWireFormatCorruption,
			"envelope declares %d wire bytes, decompressed %d", rawLen, len(wire))
	}
	return FromWireFormat(wire, schema)
}
