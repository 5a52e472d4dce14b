// Package meta implements a lazy, cycle-detecting service locator: a
// container keyed by type, populated with either immediate values or lazy
// factories, with a configurable nesting-depth circular-dependency
// assertion and parent-chaining for fallback lookups.
package meta

import (
	"fmt"
	"reflect"
)

// defaultNestLimit is the depth at which factory recursion is assumed to be
// a circular dependency rather than legitimate nesting.
const defaultNestLimit = 1000

type entry struct {
	value    any
	factory  func(*Container) (any, error)
	resolved bool
}

// Container is a type-keyed service locator. Values may be registered
// directly, or lazily via a factory that receives the Container itself (so
// a factory can resolve its own dependencies). A Container with no
// registration for a requested type falls back to its parent, if any.
//
// A Container is not safe for concurrent registration or resolution from
// multiple goroutines — it is intended to be populated and queried from a
// single owning goroutine.
type Container struct {
	entries   map[reflect.Type]*entry
	parent    *Container
	nest      uint32
	nestLimit uint32
	null      bool
}

// Option configures a Container at construction time.
type Option func(*Container)

// WithNestLimit overrides the circular-dependency nesting depth at which
// Get begins refusing further factory recursion. Defaults to 1000.
func WithNestLimit(n uint32) Option {
	return func(c *Container) { c.nestLimit = n }
}

// New constructs a Container. If parent is non-nil, lookups that miss in
// this Container are retried against parent.
func New(parent *Container, options ...Option) *Container {
	c := &Container{
		entries:   make(map[reflect.Type]*entry),
		parent:    parent,
		nestLimit: defaultNestLimit,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

var nullContainer = &Container{null: true}

// Null returns a shared Container that holds nothing and has no parent:
// every Get against it fails with a missing-dependency error. Useful as the
// default fallback for a parentless Container.
func Null() *Container { return nullContainer }

func (c *Container) get(t reflect.Type) (any, error) {
	if c.null {
		return nil, fmt.Errorf("meta: missing dependency: %s", t)
	}

	e, ok := c.entries[t]
	if !ok {
		if c.parent != nil {
			return c.parent.get(t)
		}
		return nil, fmt.Errorf("meta: missing dependency: %s", t)
	}
	if e.resolved {
		return e.value, nil
	}

	if c.nest >= c.nestLimit {
		return nil, fmt.Errorf("meta: circular dependency detected while resolving %s (nesting limit %d exceeded)", t, c.nestLimit)
	}

	c.nest++
	v, err := e.factory(c)
	c.nest--
	if err != nil {
		return nil, err
	}
	isNil := v == nil
	if !isNil {
		switch rv := reflect.ValueOf(v); rv.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
			isNil = rv.IsNil()
		}
	}
	if isNil {
		return nil, fmt.Errorf("meta: factory returned a nil value for %s", t)
	}

	e.value = v
	e.resolved = true
	e.factory = nil
	return v, nil
}

// RegisterValue registers value directly against type T, with no lazy
// construction involved.
func RegisterValue[T any](c *Container, value T) {
	t := reflect.TypeFor[T]()
	c.entries[t] = &entry{value: value, resolved: true}
}

// RegisterFactory registers a lazily-invoked factory against type T. The
// factory runs at most once, the first time Get[T] is called; its result is
// then cached for the lifetime of the Container.
func RegisterFactory[T any](c *Container, factory func(*Container) (T, error)) {
	t := reflect.TypeFor[T]()
	c.entries[t] = &entry{factory: func(c *Container) (any, error) {
		return factory(c)
	}}
}

// Get resolves a value of type T from c, falling back to c's parent chain,
// constructing it lazily via a registered factory if needed. Returns an
// error if no registration is found anywhere in the chain, if resolving it
// would recurse past the configured nesting limit (a circular dependency),
// or if the factory itself fails.
func Get[T any](c *Container) (T, error) {
	t := reflect.TypeFor[T]()
	v, err := c.get(t)
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
