package handler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// NotFoundError is returned when a (module, function) pair cannot be
// resolved: the module is unregistered, or a segment of the dotted function
// path does not exist on the module value.
type NotFoundError struct {
	Module   string
	Function string
	Segment  string // the path segment that failed, empty if the module itself
}

func (e *NotFoundError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("handler %s.%s not found: no attribute %q", e.Module, e.Function, e.Segment)
	}
	return fmt.Sprintf("handler module %q not registered", e.Module)
}

// IsNotFound returns true if err is a handler resolution failure.
func IsNotFound(err error) bool {
	var nferr *NotFoundError
	return errors.As(err, &nferr)
}

type cacheKey struct {
	module   string
	function string
}

// Registry maps module names to module values and caches resolved handlers.
//
// A module value is one of:
//   - map[string]Func / map[string]StreamFunc: direct name lookup
//   - any struct (or pointer to struct): dotted paths walk exported methods
//     and exported struct fields, e.g. "Cart.Total" resolves field or
//     method Cart, then method Total on it
//
// Resolution results are cached permanently keyed by the name pair. The
// cache has no eviction; hot-reloading handler code requires restarting the
// worker process.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]any
	funcs   map[cacheKey]Func
	streams map[cacheKey]StreamFunc

	resolutions uint64 // cache misses that performed a walk
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]any),
		funcs:   make(map[cacheKey]Func),
		streams: make(map[cacheKey]StreamFunc),
	}
}

// Register binds a module name to a module value. Registering the same name
// twice replaces the value but does not invalidate previously cached
// resolutions, matching the process-lifetime cache contract.
func (r *Registry) Register(module string, value any) {
	r.mu.Lock()
	r.modules[module] = value
	r.mu.Unlock()
}

// RegisterFunc is a convenience for registering a single-function module.
func (r *Registry) RegisterFunc(module, function string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[module].(map[string]Func)
	if !ok {
		mod = make(map[string]Func)
		r.modules[module] = mod
	}
	mod[function] = fn
}

// Resolve returns the request handler registered under (module, function),
// resolving and caching on first use.
func (r *Registry) Resolve(module, function string) (Func, error) {
	key := cacheKey{module: module, function: function}

	r.mu.RLock()
	if fn, ok := r.funcs[key]; ok {
		r.mu.RUnlock()
		return fn, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock: another goroutine may have resolved
	// the same pair between lock transitions.
	if fn, ok := r.funcs[key]; ok {
		return fn, nil
	}

	target, err := r.walkLocked(module, function)
	if err != nil {
		return nil, err
	}
	fn, err := adaptFunc(target, module, function)
	if err != nil {
		return nil, err
	}

	r.funcs[key] = fn
	r.resolutions++
	return fn, nil
}

// ResolveStream returns the WebSocket handler registered under
// (module, function), resolving and caching on first use.
func (r *Registry) ResolveStream(module, function string) (StreamFunc, error) {
	key := cacheKey{module: module, function: function}

	r.mu.RLock()
	if fn, ok := r.streams[key]; ok {
		r.mu.RUnlock()
		return fn, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if fn, ok := r.streams[key]; ok {
		return fn, nil
	}

	target, err := r.walkLocked(module, function)
	if err != nil {
		return nil, err
	}
	fn, err := adaptStream(target, module, function)
	if err != nil {
		return nil, err
	}

	r.streams[key] = fn
	r.resolutions++
	return fn, nil
}

// Resolutions returns how many resolutions performed an actual walk
// (cache misses). Used for worker stats and cache-behavior tests.
func (r *Registry) Resolutions() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolutions
}

// Cached returns the number of cached handler resolutions.
func (r *Registry) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs) + len(r.streams)
}

// walkLocked resolves the dotted function path against the module value.
// Callers hold r.mu.
func (r *Registry) walkLocked(module, function string) (any, error) {
	value, ok := r.modules[module]
	if !ok {
		return nil, &NotFoundError{Module: module, Function: function}
	}

	// Map modules: try the full function name first so registered names
	// containing dots win over attribute walking.
	switch m := value.(type) {
	case map[string]Func:
		if fn, ok := m[function]; ok {
			return fn, nil
		}
	case map[string]StreamFunc:
		if fn, ok := m[function]; ok {
			return fn, nil
		}
	case map[string]any:
		if v, ok := m[function]; ok {
			return v, nil
		}
	}

	current := reflect.ValueOf(value)
	for _, segment := range strings.Split(function, ".") {
		next, ok := attribute(current, segment)
		if !ok {
			return nil, &NotFoundError{Module: module, Function: function, Segment: segment}
		}
		current = next
	}
	if !current.IsValid() || !current.CanInterface() {
		return nil, &NotFoundError{Module: module, Function: function, Segment: function}
	}
	return current.Interface(), nil
}

// attribute looks up one path segment on a value: a method, an exported
// struct field, or a map entry.
func attribute(v reflect.Value, name string) (reflect.Value, bool) {
	if !v.IsValid() {
		return reflect.Value{}, false
	}

	if m := v.MethodByName(name); m.IsValid() {
		return m, true
	}

	elem := v
	for elem.Kind() == reflect.Pointer || elem.Kind() == reflect.Interface {
		if elem.IsNil() {
			return reflect.Value{}, false
		}
		elem = elem.Elem()
		if m := elem.MethodByName(name); m.IsValid() {
			return m, true
		}
	}

	switch elem.Kind() {
	case reflect.Struct:
		if f := elem.FieldByName(name); f.IsValid() && f.CanInterface() {
			return f, true
		}
	case reflect.Map:
		if elem.Type().Key().Kind() == reflect.String {
			if entry := elem.MapIndex(reflect.ValueOf(name)); entry.IsValid() {
				return entry, true
			}
		}
	}
	return reflect.Value{}, false
}

// adaptFunc converts a resolved target to the canonical Func signature.
func adaptFunc(target any, module, function string) (Func, error) {
	switch fn := target.(type) {
	case Func:
		return fn, nil
	case func(ctx context.Context, kw Kwargs) (any, error):
		return fn, nil
	default:
		return nil, &NotFoundError{Module: module, Function: function, Segment: function}
	}
}

// adaptStream converts a resolved target to the StreamFunc signature.
func adaptStream(target any, module, function string) (StreamFunc, error) {
	switch fn := target.(type) {
	case StreamFunc:
		return fn, nil
	case func(ctx context.Context, s Stream) error:
		return fn, nil
	default:
		return nil, &NotFoundError{Module: module, Function: function, Segment: function}
	}
}

// defaultRegistry backs the package-level registration surface used by
// worker binaries that do not build their own registry.
var defaultRegistry = NewRegistry()

// Default returns the package-level registry.
func Default() *Registry {
	return defaultRegistry
}

// Register binds a module in the package-level registry.
func Register(module string, value any) {
	defaultRegistry.Register(module, value)
}

// RegisterFunc binds a single function in the package-level registry.
func RegisterFunc(module, function string, fn Func) {
	defaultRegistry.RegisterFunc(module, function, fn)
}
