// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
)

type (
	// PortRange is an inclusive range of ports.
	PortRange struct {
		Lower uint16
		Upper uint16
	}

	// Bindable binds a listener (or similar) to an address, e.g. a
	// [net.ListenConfig].
	Bindable[T any] interface {
		Bind(ctx context.Context, addr string) (T, error)
	}

	// BindableFunc implements [Bindable].
	BindableFunc[T any] func(ctx context.Context, addr string) (T, error)
)

func (f BindableFunc[T]) Bind(ctx context.Context, addr string) (T, error) { return f(ctx, addr) }

// NewPortRange validates lower <= upper.
func NewPortRange(lower, upper uint16) (PortRange, error) {
	if lower > upper {
		return PortRange{}, fmt.Errorf("%w: %d > %d", ErrInvalidPortRange, lower, upper)
	}
	return PortRange{Lower: lower, Upper: upper}, nil
}

// ParsePortRange parses a single port ("8080"), or a range, separated by
// either ':' or '-' ("8080:8090", "8080-8090").
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	lower, upper, ok := strings.Cut(s, ":")
	if !ok {
		lower, upper, ok = strings.Cut(s, "-")
	}
	if !ok {
		upper = lower
	}
	lo, err := parsePort(lower)
	if err != nil {
		return PortRange{}, err
	}
	hi, err := parsePort(upper)
	if err != nil {
		return PortRange{}, err
	}
	return NewPortRange(lo, hi)
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPortRange, err)
	}
	return uint16(v), nil
}

// Size is the number of ports in the range.
func (r PortRange) Size() int { return int(r.Upper) - int(r.Lower) + 1 }

// Contains reports whether port is within the range.
func (r PortRange) Contains(port uint16) bool { return port >= r.Lower && port <= r.Upper }

func (r PortRange) String() string {
	if r.Lower == r.Upper {
		return strconv.Itoa(int(r.Lower))
	}
	return strconv.Itoa(int(r.Lower)) + ":" + strconv.Itoa(int(r.Upper))
}

// BindToPortRange attempts to bind each port in r, starting from a random
// offset (rnd may be nil), and wrapping around. It returns the first
// success, or the last error, once every port has been tried or ctx is
// done.
func BindToPortRange[T any](ctx context.Context, b Bindable[T], host string, r PortRange, rnd *rand.Rand) (T, error) {
	var zero T
	if r.Lower > r.Upper {
		return zero, fmt.Errorf("%w: %s", ErrInvalidPortRange, r)
	}

	size := r.Size()
	var offset int
	if rnd != nil {
		offset = rnd.IntN(size)
	} else {
		offset = rand.IntN(size)
	}

	var lastErr error
	for i := 0; i < size; i++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(err, lastErr)
		}
		port := int(r.Lower) + (offset+i)%size
		v, err := b.Bind(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, lastErr
}
