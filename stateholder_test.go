// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateHolder_notify(t *testing.T) {
	x := NewStateHolder(TransportStopped)

	now := x.NotifyWhenState(TransportStopped)
	select {
	case s := <-now:
		assert.Equal(t, TransportStopped, s)
	default:
		t.Fatal("expected immediate notification")
	}

	later := x.NotifyWhenState(TransportStarted, TransportPaused)
	x.Set(TransportStarting)
	select {
	case <-later:
		t.Fatal("unexpected notification")
	default:
	}

	assert.False(t, x.CompareAndSet(TransportStopped, TransportStarted))
	assert.True(t, x.CompareAndSet(TransportStarting, TransportStarted))
	assert.Equal(t, TransportStarted, <-later)

	state, ok := x.Update(func(s TransportState) (TransportState, bool) { return TransportPaused, s == TransportStarted })
	assert.True(t, ok)
	assert.Equal(t, TransportPaused, state)

	x.Read(func(s TransportState) { assert.Equal(t, TransportPaused, s) })
}

func TestStateHolder_waitFor(t *testing.T) {
	x := NewStateHolder(0)

	go func() {
		for i := 1; i <= 5; i++ {
			time.Sleep(time.Millisecond)
			x.Set(i)
		}
	}()
	v, err := x.WaitFor(context.Background(), func(s int) bool { return s >= 3 })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = x.WaitFor(ctx, func(s int) bool { return s < 0 })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	x.mu.RLock()
	defer x.mu.RUnlock()
	assert.Empty(t, x.waiters)
}
