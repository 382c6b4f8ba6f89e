package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractSerialFromByIDPath(t *testing.T) {
	id := "/dev/serial/by-id/usb-Klipper_katapult_stm32f401xc_1A0028000B514E4B32363420-if00"
	require.Equal(t, "1A0028000B514E4B32363420", ExtractSerial(id))
}

func TestExtractSerialShortInputReturnedAsIs(t *testing.T) {
	require.Equal(t, "11223344aabb", ExtractSerial("11223344aabb"))
}

func TestExtractSerialRejectsUnrelatedPath(t *testing.T) {
	require.Equal(t, "", ExtractSerial("/tmp/klipper_host_mcu"))
}

func TestResolveDFUIDExactMatch(t *testing.T) {
	dfus := []DFUDevice{{ID: "s1", Serial: "s1"}, {ID: "s2", Serial: "s2"}}
	got := ResolveDFUID("anything", "s2", false, dfus)
	require.Equal(t, "s2", got)
}

func TestResolveDFUIDBySerialHeuristic(t *testing.T) {
	id := "/dev/serial/by-id/usb-Klipper_katapult_stm32f401xc_1A0028000B514E4B32363420-if00"
	dfus := []DFUDevice{{ID: "other", Serial: "other"}, {ID: "1A0028000B514E4B32363420", Serial: "1A0028000B514E4B32363420"}}
	got := ResolveDFUID(id, "", false, dfus)
	require.Equal(t, "1A0028000B514E4B32363420", got)
}

func TestResolveDFUIDSoleDeviceFallbackNonStrict(t *testing.T) {
	dfus := []DFUDevice{{ID: "only", Serial: "xyz"}}
	got := ResolveDFUID("unrelated", "", false, dfus)
	require.Equal(t, "only", got)
}

func TestResolveDFUIDStrictModeReturnsInputUnchanged(t *testing.T) {
	dfus := []DFUDevice{{ID: "only", Serial: "xyz"}}
	got := ResolveDFUID("unrelated", "", true, dfus)
	require.Equal(t, "unrelated", got)
}

func TestResolveDFUIDNoMatchReturnsInput(t *testing.T) {
	got := ResolveDFUID("unrelated", "", false, nil)
	require.Equal(t, "unrelated", got)
}

func TestResolveSerialIDKnownWins(t *testing.T) {
	got := ResolveSerialID("anything", "/dev/serial/by-id/known", nil, nil)
	require.Equal(t, "/dev/serial/by-id/known", got)
}

func TestResolveSerialIDViaExtractedSerial(t *testing.T) {
	id := "/dev/serial/by-id/usb-Klipper_katapult_stm32f401xc_1A0028000B514E4B32363420-if00"
	serials := []SerialEntry{
		{ID: "/dev/serial/by-id/usb-Klipper_rp2040_E6625C05E7A4-if00"},
		{ID: "/dev/serial/by-id/usb-Klipper_stm32f401xc_1A0028000B514E4B32363420-if00"},
	}
	got := ResolveSerialID(id, "", nil, serials)
	require.Equal(t, serials[1].ID, got)
}

func TestResolveSerialIDViaDFULookup(t *testing.T) {
	dfus := []DFUDevice{{ID: "dfu1", Serial: "1A0028"}}
	serials := []SerialEntry{{ID: "/dev/serial/by-id/usb-Klipper_1A0028-if00"}}
	got := ResolveSerialID("dfu1", "", dfus, serials)
	require.Equal(t, serials[0].ID, got)
}

func TestResolveSerialIDFallbackUnchanged(t *testing.T) {
	got := ResolveSerialID("no-match-here", "", nil, nil)
	require.Equal(t, "no-match-here", got)
}
