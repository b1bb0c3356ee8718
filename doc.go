// Package helios offloads per-partition computation of a distributed
// data-processing engine to compute devices.
//
// A partition of structured records is stored as contiguous off-heap
// columnar buffers plus a blob region for variable-length arrays
// (pkg/columnar), moved between processes in a byte-exact wire format,
// staged on the device through a per-process buffer cache (pkg/devcache)
// whose cluster-wide eviction is driven by a coordinator/agent protocol
// (pkg/coord), and consumed by kernels through the invocation engine
// (pkg/kernel) over a pluggable device backend (pkg/device).
//
// See cmd/helios for the command line interface.
package helios
