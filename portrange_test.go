// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortRange(t *testing.T) {
	for _, tc := range [...]struct {
		input string
		want  PortRange
		err   bool
	}{
		{input: "8080", want: PortRange{8080, 8080}},
		{input: "8080:8090", want: PortRange{8080, 8090}},
		{input: "8080-8090", want: PortRange{8080, 8090}},
		{input: " 1 : 2 ", want: PortRange{1, 2}},
		{input: "8090:8080", err: true},
		{input: "65536", err: true},
		{input: "a:b", err: true},
		{input: "", err: true},
	} {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParsePortRange(tc.input)
			if tc.err {
				assert.ErrorIs(t, err, ErrInvalidPortRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPortRange(t *testing.T) {
	r := PortRange{Lower: 10, Upper: 12}
	assert.Equal(t, 3, r.Size())
	assert.True(t, r.Contains(11))
	assert.False(t, r.Contains(13))
	assert.Equal(t, "10:12", r.String())
	assert.Equal(t, "10", PortRange{10, 10}.String())
}

func TestBindToPortRange(t *testing.T) {
	errInUse := errors.New("address in use")

	t.Run("first free port", func(t *testing.T) {
		var tried []int
		b := BindableFunc[int](func(_ context.Context, addr string) (int, error) {
			host, p, err := net.SplitHostPort(addr)
			require.NoError(t, err)
			assert.Equal(t, "127.0.0.1", host)
			port, _ := strconv.Atoi(p)
			tried = append(tried, port)
			if port != 103 {
				return 0, errInUse
			}
			return port, nil
		})
		port, err := BindToPortRange[int](context.Background(), b, "127.0.0.1", PortRange{100, 104}, rand.New(rand.NewPCG(1, 2)))
		require.NoError(t, err)
		assert.Equal(t, 103, port)
		assert.NotEmpty(t, tried)
		for i := 1; i < len(tried); i++ {
			assert.Equal(t, 100+(tried[i-1]-100+1)%5, tried[i])
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		var tried int
		b := BindableFunc[int](func(context.Context, string) (int, error) {
			tried++
			return 0, errInUse
		})
		_, err := BindToPortRange[int](context.Background(), b, "", PortRange{1, 3}, nil)
		assert.ErrorIs(t, err, errInUse)
		assert.Equal(t, 3, tried)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		b := BindableFunc[int](func(context.Context, string) (int, error) {
			t.Fatal("unexpected bind")
			return 0, nil
		})
		_, err := BindToPortRange[int](ctx, b, "", PortRange{1, 3}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := BindToPortRange[int](context.Background(), BindableFunc[int](nil), "", PortRange{3, 1}, nil)
		assert.ErrorIs(t, err, ErrInvalidPortRange)
	})
}
