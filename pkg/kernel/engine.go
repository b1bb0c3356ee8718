package kernel

import (
	"context"

	"go.uber.org/zap"

	"github.com/heliosdata/helios/pkg/columnar"
	"github.com/heliosdata/helios/pkg/devcache"
	"github.com/heliosdata/helios/pkg/device"
	"github.com/heliosdata/helios/pkg/errors"
	"github.com/heliosdata/helios/pkg/logger"
	"github.com/heliosdata/helios/pkg/metrics"
	"github.com/heliosdata/helios/pkg/observability"
)

// defaultBlockThreads is the block size of the default single-stage
// geometry.
const defaultBlockThreads = 256

// Engine runs kernels over columnar partitions. It holds the explicit
// device context: the device manager and the device buffer cache. One
// engine serves a whole process; concurrent Run calls against different
// partitions may overlap on different streams.
type Engine struct {
	mgr   *device.Manager
	cache *devcache.Cache
	log   *zap.Logger
}

// New creates an engine over the given device manager and buffer cache.
func New(mgr *device.Manager, cache *devcache.Cache) *Engine {
	return &Engine{
		mgr:   mgr,
		cache: cache,
		log:   logger.With(zap.String("component", "kernel")),
	}
}

// Cache returns the device buffer cache the engine stages inputs through.
func (e *Engine) Cache() *devcache.Cache { return e.cache }

// RunOptions are the per-invocation knobs of Run. The zero value runs a
// kernel whose output mirrors the input's size and schema.
type RunOptions struct {
	// OutputSize is the output partition's row count; zero means the
	// input's row count.
	OutputSize int64
	// OutputSchema describes the output partition; nil means the input's
	// schema.
	OutputSchema *columnar.Schema
	// OutputBlobCapacity pre-sizes the output blob region, in payload
	// bytes per row. Zero inherits the input's blob capacity.
	OutputBlobCapacity int64
	// OutputKey tags the result partition. Empty derives a key from the
	// input key and the kernel name.
	OutputKey columnar.PartitionKey
	// FreeVariables are extra arguments placed between the row count and
	// the constants. Scalars pass by value; arrays get a fresh device
	// buffer each.
	FreeVariables []Arg
	// CacheOnDevice marks the result persist-on-device.
	CacheOnDevice bool
}

// Run executes the kernel over the input partition and returns the output
// partition. Input column buffers reach the device through the buffer
// cache, so repeated runs over a persisted partition skip the transfers.
// Output and free-variable device buffers are always freshly allocated and
// always released before Run returns, as are non-cached input buffers. On
// failure the partially built output partition's host buffers are released
// too.
//
// The launch argument order is: input column pointers, output column
// pointers, input blob pointer, output blob pointer, row count, free
// variable values, constants, then (stage, totalStages) for multi-stage
// kernels. Blob pointers appear only when the respective partition has a
// blob region.
func (e *Engine) Run(ctx context.Context, desc *Descriptor, input *columnar.Partition, opts RunOptions) (out *columnar.Partition, err error) {
	timer := metrics.NewTimer()
	_, span := observability.StartSpan(ctx, "kernel.run",
		observability.String("kernel", desc.Name),
		observability.String("partition", string(input.Key())))
	defer span.End()

	size := input.Size()

	// Stage plan and constant kinds are validated before anything is
	// allocated, so these failures need no cleanup.
	totalStages := 1
	multiStage := desc.StageCount != nil
	if multiStage {
		totalStages = desc.StageCount(size)
		if totalStages <= 0 {
			return nil, errors.Newf(errors.ErrorTypeInvalidStageCount,
				"stage count %d for kernel %q must be positive", totalStages, desc.Name)
		}
		if desc.Dimensions == nil {
			return nil, errors.Newf(errors.ErrorTypeMissingDimensionFunction,
				"multi-stage kernel %q has no dimensions function", desc.Name)
		}
	}
	for i, a := range desc.ConstArgs {
		if a.IsArray() {
			return nil, errors.Newf(errors.ErrorTypeUnsupportedArgument,
				"constant argument %d of kernel %q is an array; constants must be scalars", i, desc.Name)
		}
	}

	module, err := e.mgr.LoadModule(desc.Module)
	if err != nil {
		return nil, err
	}

	backend := e.mgr.Backend()
	stream := e.mgr.StreamFor(input.MemoryUsage())

	outSize := opts.OutputSize
	if outSize == 0 {
		outSize = size
	}
	outSchema := opts.OutputSchema
	if outSchema == nil {
		outSchema = input.Schema()
	}
	outKey := opts.OutputKey
	if outKey == "" {
		outKey = input.Key() + ":" + columnar.PartitionKey(desc.Name)
	}

	out, err = columnar.NewPartition(outSchema, outKey, outSize)
	if err != nil {
		return nil, err
	}

	// temps are the device buffers owned by this invocation: output
	// buffers and free-variable arrays. transient are input buffers the
	// cache declined to retain. Both are released on every exit path; the
	// partially built output partition is torn down on failure.
	var temps, transient []device.Ptr
	success := false
	defer func() {
		if !success {
			_ = backend.Synchronize(stream)
		}
		for _, p := range transient {
			_ = backend.Free(p)
		}
		for _, p := range temps {
			_ = backend.Free(p)
		}
		if !success && out != nil {
			_ = out.Free(e.cache)
			out = nil
		}
		status := "ok"
		if !success {
			status = "error"
			span.RecordError(err)
		}
		metrics.KernelLaunches.WithLabelValues(desc.Name, status).Inc()
		timer.ObserveRun(desc.Name)
	}()

	if outSchema.ArrayColumnIndex() >= 0 {
		blobCap := opts.OutputBlobCapacity
		if blobCap == 0 {
			blobCap = input.BlobCapacity()
		}
		if blobCap <= 0 {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"kernel %q needs an output blob capacity for its array column", desc.Name)
		}
		if err = out.AllocateBlob(blobCap); err != nil {
			return nil, err
		}
	}

	// Output device buffers are always fresh; outputs are never cache
	// hits. The array column's offsets and the blob's entry headers are
	// seeded from the host so the kernel finds valid bookkeeping.
	outVals := make([]device.Value, 0, len(desc.OutputColumns))
	outHost := make([][]byte, 0, len(desc.OutputColumns))
	arrayCol := outSchema.ArrayColumnIndex()
	for _, name := range desc.OutputColumns {
		var host []byte
		host, err = out.ColumnBytes(name)
		if err != nil {
			return nil, err
		}
		var ptr device.Ptr
		ptr, err = backend.Malloc(int64(len(host)))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
				"allocating output device buffer").
				WithDetail("kernel", desc.Name).WithDetail("column", name)
		}
		temps = append(temps, ptr)
		if arrayCol >= 0 && outSchema.ColumnIndex(name) == arrayCol {
			if err = e.seed(stream, ptr, host, desc.Name, name); err != nil {
				return nil, err
			}
		}
		outVals = append(outVals, device.PtrValue(ptr))
		outHost = append(outHost, host)
	}

	var outBlobPtr device.Ptr
	var outBlobHost []byte
	haveOutBlob := out.HasBlob()
	if haveOutBlob {
		outBlobHost, err = out.BlobBytes()
		if err != nil {
			return nil, err
		}
		outBlobPtr, err = backend.Malloc(int64(len(outBlobHost)))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
				"allocating output blob device buffer").WithDetail("kernel", desc.Name)
		}
		temps = append(temps, outBlobPtr)
		if err = e.seed(stream, outBlobPtr, outBlobHost, desc.Name, devcache.BlobBufferName); err != nil {
			return nil, err
		}
	}

	fvVals := make([]device.Value, len(opts.FreeVariables))
	for i, a := range opts.FreeVariables {
		if !a.IsArray() {
			fvVals[i] = a.scalar
			continue
		}
		var ptr device.Ptr
		ptr, err = backend.Malloc(int64(len(a.payload)))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
				"allocating free variable device buffer").WithDetail("kernel", desc.Name)
		}
		temps = append(temps, ptr)
		if err = e.seed(stream, ptr, a.payload, desc.Name, "free_variable"); err != nil {
			return nil, err
		}
		fvVals[i] = device.PtrValue(ptr)
	}

	// Input pointers come from the buffer cache; the cache retains the
	// new buffers of persisted partitions, everything else is transient
	// and freed when the invocation ends.
	inNames := make([]string, 0, len(desc.InputColumns)+1)
	inNames = append(inNames, desc.InputColumns...)
	haveInBlob := input.HasBlob()
	if haveInBlob {
		inNames = append(inNames, devcache.BlobBufferName)
	}
	var inPtrs []devcache.BufferPointer
	inPtrs, err = e.cache.PartitionPointers(stream, input, inNames)
	if err != nil {
		return nil, err
	}
	inVals := make([]device.Value, 0, len(desc.InputColumns))
	var inBlobVal device.Value
	for _, bp := range inPtrs {
		if !bp.Retained {
			transient = append(transient, bp.Ptr)
		}
		if bp.Name == devcache.BlobBufferName {
			inBlobVal = device.PtrValue(bp.Ptr)
			continue
		}
		inVals = append(inVals, device.PtrValue(bp.Ptr))
	}

	args := make([]device.Value, 0, len(inVals)+len(outVals)+len(fvVals)+len(desc.ConstArgs)+5)
	args = append(args, inVals...)
	args = append(args, outVals...)
	if haveInBlob {
		args = append(args, inBlobVal)
	}
	if haveOutBlob {
		args = append(args, device.PtrValue(outBlobPtr))
	}
	args = append(args, device.Int64Value(size))
	args = append(args, fvVals...)
	for _, a := range desc.ConstArgs {
		args = append(args, a.scalar)
	}

	if !multiStage {
		cfg := defaultGeometry(size)
		if desc.Dimensions != nil {
			cfg = desc.Dimensions(size, 0)
		}
		if err = backend.Launch(stream, module, desc.Name, cfg, args); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "launching kernel").
				WithDetail("kernel", desc.Name).
				WithDetail("partition", string(input.Key()))
		}
	} else {
		// A failed stage cancels the remaining stages and falls through
		// to cleanup.
		for stage := 0; stage < totalStages; stage++ {
			cfg := desc.Dimensions(size, stage)
			stageArgs := append(append(make([]device.Value, 0, len(args)+2), args...),
				device.Int32Value(int32(stage)), device.Int32Value(int32(totalStages)))
			if err = backend.Launch(stream, module, desc.Name, cfg, stageArgs); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeInternal, "launching kernel stage").
					WithDetail("kernel", desc.Name).
					WithDetail("partition", string(input.Key())).
					WithDetail("stage", stage)
			}
		}
	}

	for i, host := range outHost {
		if err = backend.MemcpyD2H(stream, host, temps[i]); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
				"copying output column to host").
				WithDetail("kernel", desc.Name).
				WithDetail("column", desc.OutputColumns[i])
		}
		metrics.TransfersTotal.WithLabelValues("d2h").Inc()
		metrics.TransferBytes.WithLabelValues("d2h").Add(float64(len(host)))
	}
	if haveOutBlob {
		if err = backend.MemcpyD2H(stream, outBlobHost, outBlobPtr); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
				"copying output blob to host").WithDetail("kernel", desc.Name)
		}
		metrics.TransfersTotal.WithLabelValues("d2h").Inc()
		metrics.TransferBytes.WithLabelValues("d2h").Add(float64(len(outBlobHost)))
	}

	// Host reads of the output buffers must observe completed copies, so
	// the barrier is unconditional.
	if err = backend.Synchronize(stream); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "synchronizing device stream").
			WithDetail("kernel", desc.Name)
	}

	out.SetPersist(opts.CacheOnDevice)
	success = true
	e.log.Debug("kernel run complete",
		zap.String("kernel", desc.Name),
		zap.String("partition", string(input.Key())),
		zap.Int64("rows", size),
		zap.Int("stages", totalStages))
	return out, nil
}

// seed schedules a host-to-device copy of an invocation-owned buffer.
func (e *Engine) seed(stream device.StreamID, ptr device.Ptr, host []byte, kernelName, what string) error {
	if err := e.mgr.Backend().MemcpyH2D(stream, ptr, host); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDeviceAllocation,
			"scheduling host-to-device transfer").
			WithDetail("kernel", kernelName).
			WithDetail("buffer", what)
	}
	metrics.TransfersTotal.WithLabelValues("h2d").Inc()
	metrics.TransferBytes.WithLabelValues("h2d").Add(float64(len(host)))
	return nil
}

// defaultGeometry covers size threads with the largest block the default
// block size allows. Excess threads are expected to no-op in the kernel.
func defaultGeometry(size int64) device.LaunchConfig {
	if size <= 0 {
		return device.LaunchConfig{Grid: device.Dim(1), Block: device.Dim(1)}
	}
	block := int64(defaultBlockThreads)
	if size < block {
		block = size
	}
	grid := (size + block - 1) / block
	return device.LaunchConfig{Grid: device.Dim(int(grid)), Block: device.Dim(int(block))}
}
