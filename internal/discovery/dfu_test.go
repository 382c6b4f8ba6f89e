package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDFUUtilList = `dfu-util 0.11

Found DFU: [0483:df11] ver=2200, devnum=12, cfg=1, intf=0, path="1-1.4", alt=0, name="@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg", serial="1A0028000B514E4B32363420"
Found DFU: [0483:df11] ver=2200, devnum=13, cfg=1, intf=0, path="1-1.5", alt=0, name="@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg", serial="UNKNOWN"
`

func TestParseDFUUtilList(t *testing.T) {
	got := parseDFUUtilList(sampleDFUUtilList)
	require.Len(t, got, 2)
	require.Equal(t, "1A0028000B514E4B32363420", got[0].ID)
	require.Equal(t, "1A0028000B514E4B32363420", got[0].Serial)
	require.Equal(t, "1-1.4", got[0].Path)

	require.Equal(t, "1-1.5", got[1].ID, "UNKNOWN serial falls back to bus path")
}

func TestParseDFUUtilListDeduplicates(t *testing.T) {
	doubled := sampleDFUUtilList + sampleDFUUtilList
	got := parseDFUUtilList(doubled)
	require.Len(t, got, 2)
}
