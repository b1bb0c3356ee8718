package device

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/heliosdata/helios/pkg/errors"
)

// ModuleRef references a compiled kernel module: either inline image data
// or a resolvable resource locator. The engine treats both identically once
// the module is loaded.
type ModuleRef struct {
	// Data is the inline module image.
	Data []byte
	// Resource locates the module image when Data is empty: either a
	// builtin:// identifier or a filesystem path whose content is the
	// image.
	Resource string
}

// builtinScheme marks resource locators that name a registered kernel
// image directly.
const builtinScheme = "builtin://"

// InlineModule returns a reference carrying the image data inline.
func InlineModule(data []byte) ModuleRef { return ModuleRef{Data: data} }

// BuiltinModule returns a reference to a registered kernel image.
func BuiltinModule(id string) ModuleRef { return ModuleRef{Resource: builtinScheme + id} }

// Thread identifies one device thread within a launch: its global linear
// index and the total number of threads the geometry produced. Kernels are
// expected to no-op when Global is at or beyond the element count.
type Thread struct {
	Global int64
	Total  int64
}

// KernelArg is one launch argument as seen from inside a kernel: pointer
// arguments are resolved to their backing device buffer, scalars carry
// their value.
type KernelArg struct {
	kind  ValueKind
	bytes []byte
	i     int64
	f     float64
}

// Kind returns the argument kind.
func (a KernelArg) Kind() ValueKind { return a.kind }

// Bytes returns the device buffer behind a pointer argument.
func (a KernelArg) Bytes() []byte { return a.bytes }

// Int64 returns the integer payload widened to 64 bits.
func (a KernelArg) Int64() int64 { return a.i }

// Float64 returns the float payload widened to 64 bits.
func (a KernelArg) Float64() float64 { return a.f }

// KernelFunc is the host-emulated form of a device kernel: it is invoked
// once per thread of the launch geometry.
type KernelFunc func(t Thread, args []KernelArg)

// Module is a loaded kernel module. Modules are immutable and safe to
// share across invocations.
type Module struct {
	id      string
	kernels map[string]KernelFunc
}

// ID returns the module's image identifier.
func (m *Module) ID() string { return m.id }

// Kernel resolves a kernel by name within the module.
func (m *Module) Kernel(name string) (KernelFunc, error) {
	fn, ok := m.kernels[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"kernel %q not found in module %q", name, m.id)
	}
	return fn, nil
}

// imageRegistry maps kernel image identifiers to their kernel tables.
// Kernel libraries register themselves here at init time, the way compiled
// fatbins would be linked into a native build.
var imageRegistry sync.Map // string -> map[string]KernelFunc

// RegisterImage registers a kernel image under an identifier. Registering
// the same identifier twice replaces the previous image.
func RegisterImage(id string, kernels map[string]KernelFunc) {
	cp := make(map[string]KernelFunc, len(kernels))
	for name, fn := range kernels {
		cp[name] = fn
	}
	imageRegistry.Store(id, cp)
}

// Loader resolves module references to loaded modules, caching them
// process-wide keyed by image content hash so repeated invocations of the
// same kernel skip the load.
type Loader struct {
	mu    sync.Mutex
	cache map[string]*Module
}

// NewLoader creates an empty module loader.
func NewLoader() *Loader {
	return &Loader{cache: make(map[string]*Module)}
}

// Load resolves a module reference, returning a cached module when the
// same image was loaded before.
func (l *Loader) Load(ref ModuleRef) (*Module, error) {
	key, id, err := resolveRef(ref)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.cache[key]; ok {
		return m, nil
	}

	raw, ok := imageRegistry.Load(id)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"kernel image %q is not registered", id)
	}
	m := &Module{id: id, kernels: raw.(map[string]KernelFunc)}
	l.cache[key] = m
	return m, nil
}

// Loaded returns the number of cached modules.
func (l *Loader) Loaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache)
}

// resolveRef turns a module reference into a cache key and an image
// identifier. Inline data is keyed by content hash; resources by locator.
func resolveRef(ref ModuleRef) (key, id string, err error) {
	if len(ref.Data) > 0 {
		sum := sha256.Sum256(ref.Data)
		return hex.EncodeToString(sum[:]), string(ref.Data), nil
	}
	if ref.Resource == "" {
		return "", "", errors.New(errors.ErrorTypeValidation,
			"module reference has neither inline data nor a resource locator")
	}
	if strings.HasPrefix(ref.Resource, builtinScheme) {
		return ref.Resource, strings.TrimPrefix(ref.Resource, builtinScheme), nil
	}
	content, err := os.ReadFile(ref.Resource)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeValidation,
			"reading module resource "+ref.Resource)
	}
	return ref.Resource, string(content), nil
}
