package kernel

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliosdata/helios/pkg/columnar"
	"github.com/heliosdata/helios/pkg/devcache"
	"github.com/heliosdata/helios/pkg/device"
	"github.com/heliosdata/helios/pkg/errors"
)

const testImage = "engine_test_kernels"

func init() {
	device.RegisterImage(testImage, map[string]device.KernelFunc{
		// identity copies one int64 column. Args: in, out, n.
		"identity": func(th device.Thread, args []device.KernelArg) {
			n := args[2].Int64()
			if th.Global >= n {
				return
			}
			in, out := args[0].Bytes(), args[1].Bytes()
			copy(out[th.Global*8:th.Global*8+8], in[th.Global*8:])
		},
		// scale_add computes out = in*factor + bias. Args: in, out, n,
		// factor, bias (constants).
		"scale_add": func(th device.Thread, args []device.KernelArg) {
			n := args[2].Int64()
			if th.Global >= n {
				return
			}
			in, out := args[0].Bytes(), args[1].Bytes()
			factor, bias := args[3].Int64(), args[4].Int64()
			v := int64(binary.LittleEndian.Uint64(in[th.Global*8:]))
			binary.LittleEndian.PutUint64(out[th.Global*8:], uint64(v*factor+bias))
		},
		// sum_stages reduces an int64 column in two stages through a
		// scratch free variable. Args: in, out, n, scratch, stage, total.
		"sum_stages": func(th device.Thread, args []device.KernelArg) {
			n := args[2].Int64()
			in, out := args[0].Bytes(), args[1].Bytes()
			scratch := args[3].Bytes()
			stage := args[4].Int64()
			if stage == 0 {
				var acc int64
				for i := th.Global; i < n; i += th.Total {
					acc += int64(binary.LittleEndian.Uint64(in[i*8:]))
				}
				binary.LittleEndian.PutUint64(scratch[th.Global*8:], uint64(acc))
				return
			}
			if th.Global != 0 {
				return
			}
			var total int64
			for off := 0; off < len(scratch); off += 8 {
				total += int64(binary.LittleEndian.Uint64(scratch[off:]))
			}
			binary.LittleEndian.PutUint64(out[:8], uint64(total))
		},
		// array_identity copies the blob payload of each row. Args: in
		// fixed, out fixed, in blob, out blob, n.
		"array_identity": func(th device.Thread, args []device.KernelArg) {
			n := args[4].Int64()
			if th.Global >= n {
				return
			}
			inFixed, outFixed := args[0].Bytes(), args[1].Bytes()
			inBlob, outBlob := args[2].Bytes(), args[3].Bytes()

			inOff := int64(binary.LittleEndian.Uint64(inFixed[th.Global*8:]))
			outOff := int64(binary.LittleEndian.Uint64(outFixed[th.Global*8:]))
			length := binary.LittleEndian.Uint64(inBlob[inOff+8:])
			binary.LittleEndian.PutUint64(outBlob[outOff+8:], length)
			copy(outBlob[outOff+16:outOff+16+int64(length)], inBlob[inOff+16:])
		},
	})
}

type row struct {
	v int64
}

func rowSchema(t *testing.T) *columnar.Schema {
	t.Helper()
	s, err := columnar.NewSchema([]columnar.Field{
		{
			Column: columnar.Column{Name: "v", Type: columnar.LongType},
			Get:    func(r interface{}) interface{} { return r.(*row).v },
			Set:    func(r interface{}, v interface{}) { r.(*row).v = v.(int64) },
		},
	}, func() interface{} { return &row{} })
	require.NoError(t, err)
	return s
}

func buildRows(t *testing.T, key columnar.PartitionKey, n int) *columnar.Partition {
	t.Helper()
	records := make([]interface{}, n)
	for i := range records {
		records[i] = &row{v: int64(i + 1)}
	}
	p, err := columnar.Build(rowSchema(t), key, records)
	require.NoError(t, err)
	return p
}

func newEngine(t *testing.T, limit int64) (*Engine, *device.HostBackend) {
	t.Helper()
	backend := device.NewHostBackend(2, limit)
	t.Cleanup(func() { require.NoError(t, backend.Close()) })
	mgr := device.NewManager(backend, 0)
	return New(mgr, devcache.New(mgr)), backend
}

func collect(t *testing.T, p *columnar.Partition) []int64 {
	t.Helper()
	it, err := p.Deserialize()
	require.NoError(t, err)
	var out []int64
	for it.Next() {
		out = append(out, it.Record().(*row).v)
	}
	require.NoError(t, it.Err())
	return out
}

func TestIdentityKernel(t *testing.T) {
	engine, backend := newEngine(t, 0)

	const n = 1024
	input := buildRows(t, "id-in", n)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	desc := &Descriptor{
		Name:          "identity",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v"},
	}

	out, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, out.Free(engine.Cache())) }()

	assert.Equal(t, int64(n), out.Size())
	got := collect(t, out)
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, int64(i+1), v)
	}

	// No transient device buffers survive the run.
	assert.Zero(t, engine.Cache().Len())
	assert.Zero(t, backend.Used())
}

func TestConstantArguments(t *testing.T) {
	engine, _ := newEngine(t, 0)

	input := buildRows(t, "const-in", 16)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	desc := &Descriptor{
		Name:          "scale_add",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v"},
		ConstArgs:     []Arg{Int64Arg(3), Int64Arg(7)},
	}

	out, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, out.Free(engine.Cache())) }()

	got := collect(t, out)
	for i, v := range got {
		require.Equal(t, int64(i+1)*3+7, v)
	}
}

func TestMultiStageReduction(t *testing.T) {
	engine, _ := newEngine(t, 0)

	const n = 30000
	input := buildRows(t, "sum-in", n)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	scratch, err := ArrayArg(make([]int64, 64*256))
	require.NoError(t, err)

	desc := &Descriptor{
		Name:          "sum_stages",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v"},
		StageCount:    func(int64) int { return 2 },
		Dimensions: func(size int64, stage int) device.LaunchConfig {
			if stage == 0 {
				return device.LaunchConfig{Grid: device.Dim(64), Block: device.Dim(256)}
			}
			return device.LaunchConfig{Grid: device.Dim(1), Block: device.Dim(1)}
		},
	}

	out, err := engine.Run(context.Background(), desc, input, RunOptions{
		OutputSize:    1,
		FreeVariables: []Arg{scratch},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, out.Free(engine.Cache())) }()

	got := collect(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, int64(n)*(n+1)/2, got[0])
}

func TestDeviceCacheReuse(t *testing.T) {
	engine, backend := newEngine(t, 0)

	input := buildRows(t, "reuse-in", 512)
	input.SetPersist(true)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	desc := &Descriptor{
		Name:          "identity",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v"},
	}

	out1, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, out1.Free(engine.Cache()))
	assert.Equal(t, int64(1), backend.Stats().HostToDevice, "first run transfers the column once")

	out2, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, out2.Free(engine.Cache()))
	assert.Equal(t, int64(1), backend.Stats().HostToDevice, "second run is a cache hit")

	// Uncache drops the device copy; the next run re-transfers.
	require.NoError(t, engine.Cache().Unmark(input.Key()))
	input.SetPersist(false)

	out3, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, out3.Free(engine.Cache()))
	assert.Equal(t, int64(2), backend.Stats().HostToDevice)
	assert.Zero(t, engine.Cache().Len(), "unpersisted re-transfer is transient")
}

type arrayRow struct {
	samples []int32
}

func arraySchema(t *testing.T) *columnar.Schema {
	t.Helper()
	s, err := columnar.NewSchema([]columnar.Field{
		{
			Column: columnar.Column{Name: "samples", Type: columnar.IntArrayType},
			Get:    func(r interface{}) interface{} { return r.(*arrayRow).samples },
			Set:    func(r interface{}, v interface{}) { r.(*arrayRow).samples = v.([]int32) },
		},
	}, func() interface{} { return &arrayRow{} })
	require.NoError(t, err)
	return s
}

func TestArrayIdentityKernel(t *testing.T) {
	engine, backend := newEngine(t, 0)

	mk := func() []int32 {
		out := make([]int32, 16)
		for i := range out {
			out[i] = int32(i * i)
		}
		return out
	}
	records := []interface{}{
		&arrayRow{samples: mk()},
		&arrayRow{samples: mk()},
	}
	input, err := columnar.Build(arraySchema(t), "arr-in", records)
	require.NoError(t, err)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	desc := &Descriptor{
		Name:          "array_identity",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"samples"},
		OutputColumns: []string{"samples"},
	}

	out, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, out.Free(engine.Cache())) }()

	it, err := out.Deserialize()
	require.NoError(t, err)
	rows := 0
	for it.Next() {
		assert.Equal(t, mk(), it.Record().(*arrayRow).samples)
		rows++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 2, rows)
	assert.Zero(t, backend.Used())
}

func TestInvalidStageCount(t *testing.T) {
	engine, backend := newEngine(t, 0)

	input := buildRows(t, "stage-in", 8)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	desc := &Descriptor{
		Name:          "identity",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v"},
		StageCount:    func(int64) int { return 0 },
		Dimensions:    func(int64, int) device.LaunchConfig { return device.LaunchConfig{} },
	}

	_, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidStageCount))
	assert.Zero(t, backend.Used(), "stage validation fails before any allocation")
}

func TestMissingDimensionFunction(t *testing.T) {
	engine, _ := newEngine(t, 0)

	input := buildRows(t, "dims-in", 8)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	desc := &Descriptor{
		Name:          "identity",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v"},
		StageCount:    func(int64) int { return 2 },
	}

	_, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMissingDimensionFunction))
}

func TestArrayConstantRejected(t *testing.T) {
	engine, backend := newEngine(t, 0)

	input := buildRows(t, "badconst-in", 8)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	arr, err := ArrayArg([]int64{1, 2, 3})
	require.NoError(t, err)

	desc := &Descriptor{
		Name:          "identity",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v"},
		ConstArgs:     []Arg{arr},
	}

	_, err = engine.Run(context.Background(), desc, input, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedArgument))
	assert.Zero(t, backend.Used())
}

func TestUnsupportedArgumentType(t *testing.T) {
	_, err := FromValue("not a kernel argument")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedArgument))

	_, err = ArrayArg([]string{"nope"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedArgument))

	arg, err := FromValue(int32(5))
	require.NoError(t, err)
	assert.False(t, arg.IsArray())

	arg, err = FromValue([]float64{1.5})
	require.NoError(t, err)
	assert.True(t, arg.IsArray())
}

func TestAllocationFailureCleansUp(t *testing.T) {
	// Enough device memory for the input column but not for the output.
	engine, backend := newEngine(t, 600)

	input := buildRows(t, "oom-in", 64) // 512-byte column
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	desc := &Descriptor{
		Name:          "identity",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v", "v2"},
	}
	// Output schema doubles the column count so output allocation
	// overflows the limit.
	schema, err := columnar.NewSchema([]columnar.Field{
		{Column: columnar.Column{Name: "v", Type: columnar.LongType}},
		{Column: columnar.Column{Name: "v2", Type: columnar.LongType}},
	}, nil)
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), desc, input, RunOptions{OutputSchema: schema})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDeviceAllocation))
	assert.Zero(t, backend.Used(), "failed runs release every device buffer")
	assert.Zero(t, engine.Cache().Len())
}

func TestUnknownKernelFails(t *testing.T) {
	engine, _ := newEngine(t, 0)

	input := buildRows(t, "unknown-in", 4)
	defer func() { require.NoError(t, input.Free(engine.Cache())) }()

	desc := &Descriptor{
		Name:          "no_such_kernel",
		Module:        device.BuiltinModule(testImage),
		InputColumns:  []string{"v"},
		OutputColumns: []string{"v"},
	}
	_, err := engine.Run(context.Background(), desc, input, RunOptions{})
	require.Error(t, err)
}
