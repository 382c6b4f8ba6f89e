package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCANQueryOutput(t *testing.T) {
	out := "canbus_uuid=1a2b3c4d5e6f\nApplication: Katapult\n" +
		"canbus_uuid=aabbccddeeff\nApplication: Klipper\n"

	recs := parseCANQueryOutput(out)
	require.Len(t, recs, 2)
	require.Equal(t, "1a2b3c4d5e6f", recs[0].UUID)
	require.Equal(t, "Katapult", recs[0].Name)
	require.Equal(t, "aabbccddeeff", recs[1].UUID)
}

func TestIsKatapultApp(t *testing.T) {
	require.True(t, isKatapultApp("Katapult"))
	require.True(t, isKatapultApp("canboot"))
	require.False(t, isKatapultApp("Klipper"))
}
