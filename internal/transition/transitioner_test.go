package transition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeHexUUID(t *testing.T) {
	got, err := decodeHexUUID("11223344aabb")
	require.NoError(t, err)
	require.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0xaa, 0xbb}, got)
}

func TestDecodeHexUUIDRejectsWrongLength(t *testing.T) {
	_, err := decodeHexUUID("1122")
	require.Error(t, err)
}

func TestDFUSelectorPrefersSerial(t *testing.T) {
	require.Equal(t, []string{"-S", "1A0028000B514E4B"}, dfuSelector("1A0028000B514E4B"))
}

func TestDFUSelectorUsesBusPathForNumericID(t *testing.T) {
	require.Equal(t, []string{"-p", "1-1.4.2"}, dfuSelector("1-1.4.2"))
}
