package transition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCRC16CCITTMatchesReferenceValue pins crc16CCITT to the value computed
// by an independent reference implementation of the Python original's
// crc16_ccitt over the literal COMPLETE-command body [0x15, 0x00] (spec
// §4.3/§8 scenario 2), so a future refactor can't silently drift the
// algorithm.
func TestCRC16CCITTMatchesReferenceValue(t *testing.T) {
	got := crc16CCITT([]byte{0x15, 0x00})
	require.Equal(t, uint16(0x1b91), got)
}

func TestJumpToAppFramesMatchScenario2(t *testing.T) {
	uuid := []byte{0x11, 0x22, 0x33, 0x44, 0xaa, 0xbb}

	admin, complete, err := jumpToAppFrames(uuid)
	require.NoError(t, err)

	require.Equal(t, uint32(adminNodeID), admin.ID)
	require.Equal(t, uint8(8), admin.Len)
	require.Equal(t, [8]byte{0x11, 0x11, 0x22, 0x33, 0x44, 0xaa, 0xbb, 0x80}, admin.Data)

	require.Equal(t, uint32(assignedNodeID), complete.ID)
	require.Equal(t, uint8(8), complete.Len)
	require.Equal(t, [8]byte{0x01, 0x88, 0x15, 0x00, 0x91, 0x1b, 0x99, 0x03}, complete.Data)
}

func TestJumpToAppFramesRejectsWrongUUIDLength(t *testing.T) {
	_, _, err := jumpToAppFrames([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestCANFrameMarshalLayout(t *testing.T) {
	f, err := newCANFrame(0x200, []byte{0x01, 0x02})
	require.NoError(t, err)

	buf := f.marshal()
	require.Len(t, buf, 16)
	require.Equal(t, byte(0x00), buf[0])
	require.Equal(t, byte(0x02), buf[1])
	require.Equal(t, byte(0x00), buf[2])
	require.Equal(t, byte(0x00), buf[3])
	require.Equal(t, byte(2), buf[4], "length byte")
	require.Equal(t, []byte{0x01, 0x02, 0, 0, 0, 0, 0, 0}, buf[8:16])
}

func TestNewCANFrameRejectsOversizedPayload(t *testing.T) {
	_, err := newCANFrame(0x200, make([]byte, 9))
	require.Error(t, err)
}
