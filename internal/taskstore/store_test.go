package taskstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAppendGet(t *testing.T) {
	s := New(nil)
	id := s.Create(false)

	s.AppendLog(id, "hello")
	s.AppendLog(id, "world")
	s.UpdateDeviceStatus(id, "devA", "flashing")

	snap, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusRunning, snap.Status)
	require.Equal(t, []string{"hello", "world"}, snap.Logs)
	require.Equal(t, "flashing", snap.DeviceStatuses["devA"])
}

func TestCancelThenCompleteKeepsCancelled(t *testing.T) {
	s := New(nil)
	id := s.Create(false)

	s.Cancel(id)
	require.True(t, s.IsCancelled(id))

	s.Complete(id, StatusCompleted)

	snap, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, StatusCancelled, snap.Status, "complete must not override cancelled")
	require.True(t, snap.Completed)
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := New(nil)
	id := s.Create(false)

	s.Complete(id, StatusFailed)
	s.Complete(id, StatusCompleted)

	snap, _ := s.Get(id)
	require.Equal(t, StatusFailed, snap.Status)
}

func TestAnyBusTaskRunning(t *testing.T) {
	s := New(nil)
	require.False(t, s.AnyBusTaskRunning())

	id := s.Create(true)
	require.True(t, s.AnyBusTaskRunning())

	s.Complete(id, StatusCompleted)
	require.False(t, s.AnyBusTaskRunning())
}
