package servicectl

import (
	"testing"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/stretchr/testify/require"
)

func TestMatchingUnitsFiltersAndExcludesSelf(t *testing.T) {
	units := []dbus.UnitStatus{
		{Name: "klipper.service"},
		{Name: "klipper_mcu.service"},
		{Name: "moonraker.service"},
		{Name: "klipperfleet.service"},
		{Name: "sshd.service"},
	}

	got := matchingUnits(units)
	require.ElementsMatch(t, []string{"klipper.service", "klipper_mcu.service", "moonraker.service"}, got)
}

func TestMatchingUnitsEmpty(t *testing.T) {
	require.Empty(t, matchingUnits(nil))
}
