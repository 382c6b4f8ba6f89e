package busarbiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCANLockExcludesSecondHolder(t *testing.T) {
	a := New()
	release, busy := a.TryLockCAN("can0")
	require.False(t, busy)
	require.NotNil(t, release)

	_, busy2 := a.TryLockCAN("can0")
	require.True(t, busy2, "a second CAN lock attempt on the same interface must observe busy")

	release()

	_, busy3 := a.TryLockCAN("can0")
	require.False(t, busy3)
}

func TestCANLocksAreIndependentPerInterface(t *testing.T) {
	a := New()
	release0, busy0 := a.TryLockCAN("can0")
	require.False(t, busy0)
	defer release0()

	_, busy1 := a.TryLockCAN("can1")
	require.False(t, busy1, "can0 and can1 must not share a lock")
}

func TestDFULockExcludesSecondHolder(t *testing.T) {
	a := New()
	release, busy := a.TryLockDFU()
	require.False(t, busy)

	_, busy2 := a.TryLockDFU()
	require.True(t, busy2)

	release()
	_, busy3 := a.TryLockDFU()
	require.False(t, busy3)
}

func TestCacheGetSetInvalidate(t *testing.T) {
	a := New()
	_, ok := a.CacheGet("k")
	require.False(t, ok)

	a.CacheSet("k", 42, time.Minute)
	v, ok := a.CacheGet("k")
	require.True(t, ok)
	require.Equal(t, 42, v)

	a.CacheInvalidate("k")
	_, ok = a.CacheGet("k")
	require.False(t, ok)
}

func TestCacheExpires(t *testing.T) {
	a := New()
	a.CacheSet("k", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := a.CacheGet("k")
	require.False(t, ok)
}
