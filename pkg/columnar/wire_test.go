package columnar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliosdata/helios/pkg/compression"
	"github.com/heliosdata/helios/pkg/errors"
)

func requireSameBuffers(t *testing.T, a, b *Partition) {
	t.Helper()
	require.Equal(t, a.Size(), b.Size())
	require.Equal(t, a.Schema().Len(), b.Schema().Len())
	for i := 0; i < a.Schema().Len(); i++ {
		ab, err := a.ColumnBytesAt(i)
		require.NoError(t, err)
		bb, err := b.ColumnBytesAt(i)
		require.NoError(t, err)
		assert.Equal(t, ab, bb, "column %d bytes differ", i)
	}
	ablob, err := a.BlobBytes()
	require.NoError(t, err)
	bblob, err := b.BlobBytes()
	require.NoError(t, err)
	assert.Equal(t, ablob, bblob, "blob bytes differ")
}

func TestWireRoundTripScalar(t *testing.T) {
	schema := readingSchema(t)
	p, err := Build(schema, "wire-1", makeReadings(50))
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Free(nil)) }()

	wire, err := p.ToWireFormat()
	require.NoError(t, err)

	decoded, err := FromWireFormat(wire, schema)
	require.NoError(t, err)
	defer func() { require.NoError(t, decoded.Free(nil)) }()

	assert.Equal(t, p.Key(), decoded.Key())
	requireSameBuffers(t, p, decoded)

	// With the original schema attached the decoded partition is
	// deserializable again.
	it, err := decoded.Deserialize()
	require.NoError(t, err)
	rows := 0
	for it.Next() {
		rows++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 50, rows)
}

func TestWireRoundTripArray(t *testing.T) {
	schema := traceSchema(t)
	records := []interface{}{
		&trace{id: 7, samples: []int32{10, 20, 30}},
		&trace{id: 8, samples: []int32{-1}},
	}
	p, err := Build(schema, "wire-arr", records)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Free(nil)) }()
	p.SetPersist(true)

	wire, err := p.ToWireFormat()
	require.NoError(t, err)

	decoded, err := FromWireFormat(wire, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, decoded.Free(nil)) }()

	assert.True(t, decoded.Persist(), "persist flag travels on the wire")
	assert.Equal(t, p.BlobCapacity(), decoded.BlobCapacity())
	requireSameBuffers(t, p, decoded)

	// A second encode of the decoded partition is byte-identical.
	wire2, err := decoded.ToWireFormat()
	require.NoError(t, err)
	assert.Equal(t, wire, wire2)
}

func TestWireDecodeWithoutSchemaIsRawOnly(t *testing.T) {
	schema := readingSchema(t)
	p, err := Build(schema, "wire-raw", makeReadings(3))
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Free(nil)) }()

	wire, err := p.ToWireFormat()
	require.NoError(t, err)

	decoded, err := FromWireFormat(wire, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, decoded.Free(nil)) }()

	_, err = decoded.Deserialize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accessors")
}

func TestWireCorruption(t *testing.T) {
	schema := readingSchema(t)
	p, err := Build(schema, "wire-bad", makeReadings(10))
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Free(nil)) }()

	wire, err := p.ToWireFormat()
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     {},
		"truncated": wire[:len(wire)-5],
		"trailing":  append(append([]byte{}, wire...), 0xAB),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromWireFormat(data, nil)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeWireFormatCorruption),
				"want wire corruption, got %v", err)
		})
	}
}

func TestWireSchemaMismatch(t *testing.T) {
	p, err := Build(readingSchema(t), "wire-mismatch", makeReadings(2))
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Free(nil)) }()

	wire, err := p.ToWireFormat()
	require.NoError(t, err)

	_, err = FromWireFormat(wire, traceSchema(t))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeWireFormatCorruption))
}

func TestCompressedWireEnvelope(t *testing.T) {
	schema := traceSchema(t)
	records := []interface{}{
		&trace{id: 1, samples: []int32{1, 1, 2, 3, 5, 8, 13, 21}},
		&trace{id: 2, samples: []int32{0, 0, 0, 0}},
	}
	p, err := Build(schema, "wire-comp", records)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Free(nil)) }()

	for _, alg := range []compression.Algorithm{
		compression.None, compression.LZ4, compression.Snappy, compression.Zstd,
	} {
		t.Run(string(alg), func(t *testing.T) {
			packed, err := p.ToCompressedWireFormat(alg)
			require.NoError(t, err)

			decoded, err := FromCompressedWireFormat(packed, schema)
			require.NoError(t, err)
			defer func() { require.NoError(t, decoded.Free(nil)) }()

			requireSameBuffers(t, p, decoded)
		})
	}
}

func TestCompressedWireEnvelopeCorruption(t *testing.T) {
	_, err := FromCompressedWireFormat(nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeWireFormatCorruption))

	_, err = FromCompressedWireFormat([]byte{5, 'b', 'o'}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeWireFormatCorruption))
}
