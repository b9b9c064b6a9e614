// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"sync"
	"sync/atomic"
)

type (
	// Attribute is a typed key for per-connection (or per-context) state.
	// Attributes are compared by identity, two calls to [NewAttribute] with
	// the same name yield distinct keys.
	Attribute[T any] struct {
		init func() T
		name string
		id   uint64
	}

	// AttributeStorage is implemented by types carrying an [AttributeHolder].
	AttributeStorage interface {
		Attributes() *AttributeHolder
	}

	// AttributeHolder stores attribute values. The zero value is ready to
	// use, and it is safe for concurrent use.
	AttributeHolder struct {
		values map[uint64]any
		mu     sync.RWMutex
	}
)

var attributeIDCounter atomic.Uint64

// NewAttribute allocates a new attribute key.
func NewAttribute[T any](name string) Attribute[T] {
	return Attribute[T]{name: name, id: attributeIDCounter.Add(1)}
}

// NewAttributeWithInitializer allocates a new attribute key, that will be
// initialised by [Attribute.GetOrCreate] using init.
func NewAttributeWithInitializer[T any](name string, init func() T) Attribute[T] {
	a := NewAttribute[T](name)
	a.init = init
	return a
}

func (a Attribute[T]) Name() string { return a.name }

func (a Attribute[T]) Get(s AttributeStorage) (value T, ok bool) {
	h := s.Attributes()
	h.mu.RLock()
	v, ok := h.values[a.id]
	h.mu.RUnlock()
	if ok {
		value = v.(T)
	}
	return
}

func (a Attribute[T]) Set(s AttributeStorage, value T) {
	h := s.Attributes()
	h.mu.Lock()
	if h.values == nil {
		h.values = make(map[uint64]any)
	}
	h.values[a.id] = value
	h.mu.Unlock()
}

// Remove deletes and returns the value, if any.
func (a Attribute[T]) Remove(s AttributeStorage) (value T, ok bool) {
	h := s.Attributes()
	h.mu.Lock()
	v, ok := h.values[a.id]
	delete(h.values, a.id)
	h.mu.Unlock()
	if ok {
		value = v.(T)
	}
	return
}

// GetOrCreate returns the existing value, or atomically stores the result of
// the initializer (or the zero value, if there is none).
func (a Attribute[T]) GetOrCreate(s AttributeStorage) T {
	if v, ok := a.Get(s); ok {
		return v
	}
	h := s.Attributes()
	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.values[a.id]; ok {
		return v.(T)
	}
	var value T
	if a.init != nil {
		value = a.init()
	}
	if h.values == nil {
		h.values = make(map[uint64]any)
	}
	h.values[a.id] = value
	return value
}

// Len returns the number of stored values.
func (x *AttributeHolder) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.values)
}

// Clear removes all values.
func (x *AttributeHolder) Clear() {
	x.mu.Lock()
	clear(x.values)
	x.mu.Unlock()
}
