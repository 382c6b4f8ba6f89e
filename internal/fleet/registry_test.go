package fleet

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.json")
	r, err := NewRegistry(path, nil)
	require.NoError(t, err)
	return r
}

func TestRegistrySaveThenGetStripsOldID(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Save(Device{ID: "A", Method: MethodSerial, Profile: "mcu"}))

	got := r.Get("A")
	require.NotNil(t, got)
	require.Equal(t, "", got.OldID)
	require.Equal(t, DefaultBaudrate, got.Baudrate)
}

func TestRegistrySaveWithOldIDReplacesInPlace(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Save(Device{ID: "A", Method: MethodSerial, Profile: "mcu"}))
	require.NoError(t, r.Save(Device{ID: "B", OldID: "A", Method: MethodSerial, Profile: "mcu"}))

	require.Nil(t, r.Get("A"))
	require.NotNil(t, r.Get("B"))
	require.Len(t, r.List(), 1, "save with old_id must replace, not append")
}

func TestRegistrySaveIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	d := Device{ID: "A", Method: MethodCAN, Profile: "mcu"}
	require.NoError(t, r.Save(d))
	require.NoError(t, r.Save(d))
	require.Len(t, r.List(), 1)
}

func TestRegistryProfilesDistinctAndOrdered(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Save(Device{ID: "A", Profile: "mcu"}))
	require.NoError(t, r.Save(Device{ID: "B", Profile: "toolhead"}))
	require.NoError(t, r.Save(Device{ID: "C", Profile: "mcu"}))

	require.Equal(t, []string{"mcu", "toolhead"}, r.Profiles())
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Save(Device{ID: "A"}))
	require.NoError(t, r.Remove("A"))
	require.Nil(t, r.Get("A"))
}
