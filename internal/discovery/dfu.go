package discovery

import (
	"bufio"
	"context"
	"os/exec"
	"regexp"
	"strings"

	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
)

// foundDFURE parses a "Found DFU:" line, e.g.:
//
//	Found DFU: [0483:df11] ver=2200, devnum=12, cfg=1, intf=0, path="1-1.4", alt=0, name="@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg", serial="1A0028000B514E4B32363420"
var foundDFURE = regexp.MustCompile(`Found DFU:\s*\[([0-9a-fA-F]{4}:[0-9a-fA-F]{4})\].*?path="([^"]*)".*?serial="([^"]*)"`)

func parseDFUUtilList(output string) []DFURecord {
	var out []DFURecord
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		m := foundDFURE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		path, serial := m[2], m[3]
		id := serial
		if id == "" || id == "UNKNOWN" {
			id = path
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, DFURecord{ID: id, Serial: serial, Path: path})
	}
	return out
}

// DiscoverDFU runs `dfu-util -l`, parses its "Found DFU:" lines, and caches
// the result for busarbiter.DFUCacheTTL unless force is set. It acquires
// the DFU lock for its duration (spec §4.4).
func (d *Discoverer) DiscoverDFU(ctx context.Context, force bool) ([]DFURecord, error) {
	if !force {
		if cached, ok := d.arbiter.CacheGet(busarbiter.DFUCacheKey); ok {
			return cached.([]DFURecord), nil
		}
	}

	release := d.arbiter.LockDFU()
	defer release()

	out, err := exec.CommandContext(ctx, "dfu-util", "-l").CombinedOutput()
	if err != nil {
		// dfu-util -l returns non-zero when no devices are present; treat
		// as an empty list rather than an error.
		return nil, nil
	}

	devs := parseDFUUtilList(string(out))
	d.arbiter.CacheSet(busarbiter.DFUCacheKey, devs, busarbiter.DFUCacheTTL)
	return devs, nil
}
