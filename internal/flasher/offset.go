package flasher

import "strings"

// flashStartTable maps the Kconfig symbol suffix to its address, in the
// fixed table order spec §4.5 describes ("matching any of the keys
// _FLASH_START_{0,800,...}=y"). Order doesn't affect correctness (keys are
// disjoint) but is kept explicit for readability.
var flashStartTable = []struct {
	suffix  string
	address uint32
}{
	{"_FLASH_START_0=y", 0x08000000},
	{"_FLASH_START_800=y", 0x08000800},
	{"_FLASH_START_2000=y", 0x08002000},
	{"_FLASH_START_4000=y", 0x08004000},
	{"_FLASH_START_8000=y", 0x08008000},
	{"_FLASH_START_10000=y", 0x08010000},
	{"_FLASH_START_20000=y", 0x08020000},
}

// defaultFlashAddress is used when the saved config matches none of the
// flash-start keys (spec §4.5, §8 boundary behaviour).
const defaultFlashAddress = 0x08000000

// FlashAddress derives the DFU target address from the profile's saved
// Kconfig-style text (spec §4.5). It looks for a line ending in one of the
// _FLASH_START_N=y keys, regardless of the leading symbol name, since the
// prefix varies per MCU family.
func FlashAddress(savedConfig string) uint32 {
	for _, line := range strings.Split(savedConfig, "\n") {
		line = strings.TrimSpace(line)
		for _, entry := range flashStartTable {
			if strings.HasSuffix(line, entry.suffix) {
				return entry.address
			}
		}
	}
	return defaultFlashAddress
}

// FlashAddressHex formats an address the way dfu-util's -s flag expects.
func FlashAddressHex(addr uint32) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 10)
	b[0], b[1] = '0', 'x'
	for i := 9; i >= 2; i-- {
		b[i] = hexDigits[addr&0xf]
		addr >>= 4
	}
	return string(b)
}
