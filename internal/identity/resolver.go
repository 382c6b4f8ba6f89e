// Package identity implements the Identity Resolver (spec C2): mapping a
// device identity across mode changes (serial path <-> DFU serial <-> CAN
// UUID). It holds no state and talks to no hardware; callers supply the
// current DFU/serial listings they already gathered via discovery.
//
// The extracted-serial heuristic mirrors the teacher's configKey()
// approach in internal/server/port_cache.go of deriving a stable key from
// noisy input by stripping known-volatile tokens, adapted here to strip
// USB descriptor noise tokens instead of config fields.
package identity

import "strings"

// DFUDevice is the subset of a discovered DFU device the resolver needs.
type DFUDevice struct {
	ID     string // the id discovery chose: Serial unless missing/UNKNOWN, else Path
	Serial string
	Path   string
}

// noiseTokens are dropped when splitting a by-id basename into candidate
// serial tokens (spec §4.2).
var noiseTokens = map[string]struct{}{
	"usb":      {},
	"Klipper":  {},
	"katapult": {},
	"CanBoot":  {},
	"00":       {},
}

// ExtractSerial applies the spec §4.2 heuristic: if id looks like a by-id
// path, split its basename on '_' and "-if" boundaries, drop noise tokens,
// and return the longest remaining token. Otherwise, if id is already
// short and slash-free, return it unchanged as the candidate serial.
func ExtractSerial(id string) string {
	base := id
	if strings.Contains(id, "/by-id/") {
		base = id[strings.LastIndexByte(id, '/')+1:]
	} else if strings.Contains(id, "/") {
		// Contains a slash somewhere but doesn't look like a by-id path;
		// not a candidate on its own.
		return ""
	} else if len(id) <= 32 {
		return id
	} else {
		return ""
	}

	base = strings.ReplaceAll(base, "-if", "_if")
	parts := strings.Split(base, "_")

	best := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if _, noise := noiseTokens[p]; noise {
			continue
		}
		if strings.HasPrefix(p, "if") {
			continue
		}
		if len(p) > len(best) {
			best = p
		}
	}
	return best
}

// ResolveDFUID implements spec §4.2 resolve_dfu_id. dfus is the current DFU
// listing. strict disables the "sole connected device" fallback.
//
// Resolution order:
//  1. exact match against knownDFUID (if non-empty)
//  2. extracted-serial match against any dfus[i].Serial
//  3. if exactly one DFU device is connected and !strict, return its id
//  4. otherwise return id unchanged
func ResolveDFUID(id, knownDFUID string, strict bool, dfus []DFUDevice) string {
	if knownDFUID != "" {
		for _, d := range dfus {
			if d.ID == knownDFUID {
				return d.ID
			}
		}
	}

	if serial := ExtractSerial(id); serial != "" {
		for _, d := range dfus {
			if d.Serial != "" && d.Serial == serial {
				return d.ID
			}
		}
	}

	if !strict && len(dfus) == 1 {
		return dfus[0].ID
	}

	return id
}

// SerialEntry is the subset of a discovered serial device the resolver
// needs when resolving a serial identity.
type SerialEntry struct {
	ID string // by-id path or equivalent stable path
}

// ResolveSerialID implements spec §4.2 resolve_serial_id.
//
// Resolution order:
//  1. knownSerialID, if set, is returned unchanged (already known-good)
//  2. extract a serial from id directly and scan serials for a path
//     containing that substring
//  3. if id is itself a DFU id, look it up in dfus for its Serial, then
//     scan serials for a path containing that substring
//  4. otherwise return id unchanged
func ResolveSerialID(id, knownSerialID string, dfus []DFUDevice, serials []SerialEntry) string {
	if knownSerialID != "" {
		return knownSerialID
	}

	if serial := ExtractSerial(id); serial != "" {
		if path, ok := findSerialContaining(serials, serial); ok {
			return path
		}
	}

	for _, d := range dfus {
		if d.ID == id && d.Serial != "" {
			if path, ok := findSerialContaining(serials, d.Serial); ok {
				return path
			}
		}
	}

	return id
}

func findSerialContaining(serials []SerialEntry, substr string) (string, bool) {
	for _, s := range serials {
		if strings.Contains(s.ID, substr) {
			return s.ID, true
		}
	}
	return "", false
}
