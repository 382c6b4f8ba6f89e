package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ConfiguredMCU is one section of the host printer's configuration that
// looks like an MCU (has a `serial` or `canbus_uuid` key), keyed the way
// the Python original's _get_moonraker_mcus keys its map: by identity
// (lowercased canbus_uuid, or the serial path), valued by section name.
type ConfiguredMCU struct {
	Identity string
	Section  string
}

type moonrakerConfigResponse struct {
	Result struct {
		Status struct {
			Configfile struct {
				Config map[string]map[string]any `json:"config"`
			} `json:"configfile"`
		} `json:"status"`
	} `json:"result"`
}

// ConfiguredMCUs queries Moonraker's configfile object for every [mcu ...]
// section's serial/canbus_uuid, per spec §4.1 "merge with the host
// printer's configured-MCU set". A failure to reach Moonraker (it may be
// down, e.g. mid-reboot-wave) yields an empty set, not an error, since the
// Discoverer falls back to direct bus presence in that case.
func ConfiguredMCUs(ctx context.Context, baseURL string) []ConfiguredMCU {
	if baseURL == "" {
		baseURL = "http://localhost:7125"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/printer/objects/query?configfile", nil)
	if err != nil {
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var parsed moonrakerConfigResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil
	}

	out := make([]ConfiguredMCU, 0, len(parsed.Result.Status.Configfile.Config))
	for section, fields := range parsed.Result.Status.Configfile.Config {
		if !strings.HasPrefix(section, "mcu") {
			continue
		}
		if uuid, ok := fields["canbus_uuid"].(string); ok && uuid != "" {
			out = append(out, ConfiguredMCU{Identity: strings.ToLower(uuid), Section: section})
			continue
		}
		if serial, ok := fields["serial"].(string); ok && serial != "" {
			out = append(out, ConfiguredMCU{Identity: serial, Section: section})
		}
	}
	return out
}

// EnsureCANUp brings iface up at bitrate if it is not already, mirroring
// ensure_canbus_up: `ip link show <iface>` for state UP, otherwise `sudo ip
// link set <iface> up type can bitrate <bitrate>` plus a 1s settle.
func EnsureCANUp(ctx context.Context, iface string, bitrate int) error {
	up, err := canInterfaceUp(ctx, iface)
	if err != nil {
		return fmt.Errorf("discovery: check %s state: %w", iface, err)
	}
	if up {
		return nil
	}
	return bringCANUp(ctx, iface, bitrate)
}
