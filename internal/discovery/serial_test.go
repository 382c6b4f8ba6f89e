package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerialModeHeuristic(t *testing.T) {
	configured := map[string]struct{}{"/dev/serial/by-id/usb-Klipper_foo": {}}

	require.Equal(t, "service", serialMode("/dev/serial/by-id/usb-Klipper_foo", configured))
	require.Equal(t, "ready", serialMode("/dev/serial/by-id/usb-katapult_stm32", configured))
	require.Equal(t, "ready", serialMode("/dev/serial/by-id/usb-canboot_stm32", configured))
	require.Equal(t, "service", serialMode("/dev/ttyACM0-in-config", map[string]struct{}{"/dev/ttyACM0-in-config": {}}))
	require.Equal(t, "ready", serialMode("/dev/ttyACM1-unconfigured", map[string]struct{}{}))
}
