// Package types maps event names to payload constructors so stored
// payload bytes can be decoded back into domain values without a closed
// enum. Aggregates register the payload type and current schema version
// for each event they produce.
package types

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/sourced-io/sourced/codec"
)

var (
	ErrTypeNotValid      = errors.New("sourced: type not valid")
	ErrTypeNotRegistered = errors.New("sourced: type not registered")
	ErrNoTypeForStruct   = errors.New("sourced: no type for struct")

	nameRegex = regexp.MustCompile(`^[\w-]+(\.[\w-]+)*$`)
)

func validateEventName(n string) error {
	if !nameRegex.MatchString(n) {
		return fmt.Errorf("%w: name %q has invalid characters", ErrTypeNotValid, n)
	}
	return nil
}

// Type describes one registered event payload.
type Type struct {
	// Init returns a pointer to a fresh zero value for decoding.
	Init func() any

	// Version is the current schema version of the payload; digested
	// records carry it. Zero means 1.
	Version uint32
}

type registryOption func(o *Registry) error

func (f registryOption) addOption(o *Registry) error {
	return f(o)
}

// RegistryOption models an option when creating a type registry.
type RegistryOption interface {
	addOption(o *Registry) error
}

// Codec selects the serialization codec by name.
func Codec(name string) RegistryOption {
	return registryOption(func(o *Registry) error {
		c, err := codec.Registry.Get(name)
		if err != nil {
			return err
		}
		o.codec = c
		return nil
	})
}

// Registry transparently marshals and unmarshals event payloads between
// their native types and their stored representation.
type Registry struct {
	codec codec.Codec

	// Index of payload types by event name.
	types map[string]*Type

	// Reflection type back to the event name.
	rtypes map[reflect.Type]string
}

func (r *Registry) Codec() codec.Codec {
	return r.codec
}

func (r *Registry) validate(name string, typ *Type) error {
	if name == "" {
		return fmt.Errorf("%w: missing name", ErrTypeNotValid)
	}

	if err := validateEventName(name); err != nil {
		return err
	}

	if typ.Init == nil {
		return fmt.Errorf("%w: %s: init func is nil", ErrTypeNotValid, name)
	}

	v := typ.Init()
	if v == nil {
		return fmt.Errorf("%w: %s: init func returns nil", ErrTypeNotValid, name)
	}

	rt := reflect.TypeOf(v)

	// Deserialization requires a pointer to a struct.
	if rt.Kind() != reflect.Ptr {
		return fmt.Errorf("%w: %s: init func must return a pointer value", ErrTypeNotValid, name)
	}
	if rt.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: %s: value type must be a struct", ErrTypeNotValid, name)
	}

	// Ensure [de]serialization works in the base case.
	b, err := r.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %s: failed to marshal with codec: %s", ErrTypeNotValid, name, err)
	}
	if err := r.codec.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %s: failed to unmarshal with codec: %s", ErrTypeNotValid, name, err)
	}

	return nil
}

func (r *Registry) addType(name string, typ *Type) {
	r.types[name] = typ

	v := typ.Init()
	rt := reflect.TypeOf(v)

	r.rtypes[rt] = name
	r.rtypes[rt.Elem()] = name
}

// Init returns a fresh zero value for the named event payload.
func (r *Registry) Init(name string) (any, error) {
	x, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, name)
	}
	return x.Init(), nil
}

// Version returns the current schema version registered for the event,
// defaulting to 1.
func (r *Registry) Version(name string) (uint32, error) {
	x, ok := r.types[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTypeNotRegistered, name)
	}
	if x.Version == 0 {
		return 1, nil
	}
	return x.Version, nil
}

// Lookup returns the registered event name for a payload value.
func (r *Registry) Lookup(v any) (string, error) {
	rt := reflect.TypeOf(v)
	name, ok := r.rtypes[rt]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTypeForStruct, rt)
	}
	return name, nil
}

// Marshal serializes a registered payload value to bytes.
func (r *Registry) Marshal(v any) ([]byte, error) {
	if _, err := r.Lookup(v); err != nil {
		return nil, err
	}

	b, err := r.codec.Marshal(v)
	if err != nil {
		return b, fmt.Errorf("%T: marshal error: %w", v, err)
	}
	return b, nil
}

// Unmarshal deserializes bytes into a registered payload value.
func (r *Registry) Unmarshal(b []byte, v any) error {
	if _, err := r.Lookup(v); err != nil {
		return err
	}

	if err := r.codec.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%T: unmarshal error: %w", v, err)
	}
	return nil
}

// UnmarshalType initializes a value for the named event, unmarshals the
// bytes into it, and returns it.
func (r *Registry) UnmarshalType(b []byte, name string) (any, error) {
	v, err := r.Init(name)
	if err != nil {
		return nil, err
	}
	if err := r.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

func NewRegistry(types map[string]*Type, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		codec:  codec.Default,
		types:  make(map[string]*Type),
		rtypes: make(map[reflect.Type]string),
	}

	for _, f := range opts {
		if err := f.addOption(r); err != nil {
			return nil, err
		}
	}

	for n, t := range types {
		if err := r.validate(n, t); err != nil {
			return nil, err
		}
		r.addType(n, t)
	}

	return r, nil
}
