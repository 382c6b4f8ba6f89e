package discovery

import (
	"path/filepath"
	"strings"

	kserial "github.com/klipperfleet/klipperfleet-go/serial"
)

// rawUARTCandidates are only surfaced if a configured-MCU section names
// them explicitly (spec §4.1: "configured raw UARTs (only if present in
// the host printer config)").
var rawUARTCandidates = []string{"/dev/ttyAMA0", "/dev/ttyS0"}

// DiscoverSerial enumerates serial devices per spec §4.1: the union of
// stable by-id symlinks, generic ttyACM/ttyUSB nodes, and configured raw
// UARTs, deduplicated by canonical filesystem path, with a mode heuristic
// based on the name and the configured-MCU set.
func (d *Discoverer) DiscoverSerial(configured []ConfiguredMCU) []SerialRecord {
	configuredSet := make(map[string]struct{}, len(configured))
	for _, c := range configured {
		configuredSet[c.Identity] = struct{}{}
	}

	seenReal := make(map[string]struct{})
	var out []SerialRecord

	addIfNew := func(id string) {
		real, err := filepath.EvalSymlinks(id)
		if err != nil {
			real = id
		}
		if _, dup := seenReal[real]; dup {
			return
		}
		seenReal[real] = struct{}{}
		out = append(out, SerialRecord{ID: id, Name: filepath.Base(id), Mode: string(serialMode(id, configuredSet))})
	}

	for _, p := range kserial.ByIDPorts() {
		addIfNew(p)
	}
	for _, p := range kserial.ListPorts() {
		if strings.Contains(p, "ttyACM") || strings.Contains(p, "ttyUSB") {
			addIfNew(p)
		}
	}
	for _, p := range rawUARTCandidates {
		if _, ok := configuredSet[p]; ok {
			addIfNew(p)
		}
	}

	return out
}

// serialMode implements the spec §4.1 mode heuristic: names containing
// klipper/kalico are service; katapult/canboot are ready; otherwise
// service iff the id is in the configured-MCU set, else ready.
func serialMode(id string, configuredSet map[string]struct{}) string {
	lower := strings.ToLower(id)
	switch {
	case strings.Contains(lower, "klipper"), strings.Contains(lower, "kalico"):
		return string(modeService)
	case strings.Contains(lower, "katapult"), strings.Contains(lower, "canboot"):
		return string(modeReady)
	}
	if _, ok := configuredSet[id]; ok {
		return string(modeService)
	}
	return string(modeReady)
}
