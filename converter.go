package eventrouter

import (
	"fmt"
	"reflect"
	"sync"
)

// ConverterFunc adapts a payload value of one type to another. A returned
// error is treated as a per-delivery conversion failure.
type ConverterFunc func(value interface{}) (interface{}, error)

// TypeOf returns the reflect.Type of T, including interface types. It is
// a convenience for declaring SubscriptionSpec payload types and
// registering converters.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// converterKey identifies a converter entry by its exact type pair.
type converterKey struct {
	source reflect.Type
	target reflect.Type
}

// ConverterRegistry holds payload converters keyed by exact
// (source type, target type) pairs. The registry is populated at
// configuration time and read concurrently during dispatch; registration
// after startup is permitted and guarded, but not expected on hot paths.
//
// Lookup performs no inheritance-based fallback: when no exact entry
// exists and the value is already assignable to the target type it passes
// through unchanged, otherwise conversion fails with a *ConversionError.
type ConverterRegistry struct {
	mu      sync.RWMutex
	entries map[converterKey]ConverterFunc
}

// NewConverterRegistry creates an empty converter registry.
func NewConverterRegistry() *ConverterRegistry {
	return &ConverterRegistry{
		entries: make(map[converterKey]ConverterFunc),
	}
}

// Register adds a converter for the exact (source, target) type pair,
// replacing any previous entry for the pair.
func (r *ConverterRegistry) Register(source, target reflect.Type, fn ConverterFunc) error {
	if fn == nil {
		return ErrConverterNil
	}
	if source == nil || target == nil {
		return fmt.Errorf("registering converter: %w", ErrNoConverter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[converterKey{source: source, target: target}] = fn
	return nil
}

// HasExact reports whether a converter is registered for the exact
// (source, target) pair.
func (r *ConverterRegistry) HasExact(source, target reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[converterKey{source: source, target: target}]
	return ok
}

// Convert adapts value to the target type. A nil target type means the
// subscription declared no parameter type and the value passes through.
func (r *ConverterRegistry) Convert(value interface{}, target reflect.Type) (interface{}, error) {
	if target == nil {
		return value, nil
	}

	source := reflect.TypeOf(value)
	if source == nil {
		// Untyped nil payload: deliverable only to nilable parameter types.
		switch target.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
			return nil, nil
		default:
			return nil, &ConversionError{Source: nil, Target: target, Err: ErrNoConverter}
		}
	}

	r.mu.RLock()
	fn, ok := r.entries[converterKey{source: source, target: target}]
	r.mu.RUnlock()

	if ok {
		converted, err := fn(value)
		if err != nil {
			return nil, &ConversionError{Source: source, Target: target, Err: err}
		}
		return converted, nil
	}

	if source.AssignableTo(target) {
		return value, nil
	}

	return nil, &ConversionError{Source: source, Target: target, Err: ErrNoConverter}
}
