package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryKVRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	val, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", val)

	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryKVExpiry(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryLockExclusive(t *testing.T) {
	t.Parallel()

	registry := NewLockRegistry()
	a := registry.NewLock("scan")
	b := registry.NewLock("scan")
	ctx := context.Background()

	ok, err := a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second holder must be rejected")

	held, err := b.Held(ctx)
	require.NoError(t, err)
	require.True(t, held)

	// Only the holder's release frees the lock.
	require.NoError(t, b.Release(ctx))
	held, err = a.Held(ctx)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryLockExpires(t *testing.T) {
	t.Parallel()

	registry := NewLockRegistry()
	a := registry.NewLock("scan")
	b := registry.NewLock("scan")
	ctx := context.Background()

	ok, err := a.Acquire(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be acquirable")

	renewed, err := a.Renew(ctx, time.Minute)
	require.NoError(t, err)
	require.False(t, renewed, "stale holder must not renew")
}

func TestMemoryLockReacquireByHolder(t *testing.T) {
	t.Parallel()

	registry := NewLockRegistry()
	a := registry.NewLock("scan")
	ctx := context.Background()

	ok, err := a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := a.Renew(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, renewed)
}
