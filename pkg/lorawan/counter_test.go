package lorawan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFCnt16GapWraps(t *testing.T) {
	require.Equal(t, uint16(1), FCnt16Gap(0xFFFF, 0))
	require.Equal(t, uint16(0), FCnt16Gap(100, 100))
	require.Equal(t, uint16(5), FCnt16Gap(10, 15))
}

func TestFCnt32GapWraps(t *testing.T) {
	require.Equal(t, uint16(1), FCnt32Gap(0xFFFF, 0))
	require.Equal(t, uint16(1), FCnt32Gap(0x1FFFF, 0))
}
