package flasher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlashAddressKnownSymbol(t *testing.T) {
	require.Equal(t, uint32(0x08002000), FlashAddress("CONFIG_FLASH_START_2000=y\n"))
}

func TestFlashAddressUnknownContentDefaults(t *testing.T) {
	require.Equal(t, uint32(0x08000000), FlashAddress("CONFIG_MCU=\"stm32f401xc\"\n"))
}

func TestFlashAddressHexFormat(t *testing.T) {
	require.Equal(t, "0x08002000", FlashAddressHex(0x08002000))
	require.Equal(t, "0x08000000", FlashAddressHex(0x08000000))
}
