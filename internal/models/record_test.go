package models

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/framengine/pkg/lorawan"
)

func TestDeviceDevNonceRing(t *testing.T) {
	var d Device
	for i := 0; i < DevNonceHistorySize+3; i++ {
		n := lorawan.DevNonce{byte(i), byte(i >> 8)}
		require.False(t, d.SeenDevNonce(n))
		d.RecordDevNonce(n)
	}
	require.Len(t, d.DevNonceHistory, DevNonceHistorySize)

	oldest := lorawan.DevNonce{0, 0}
	require.False(t, d.SeenDevNonce(oldest))

	recent := lorawan.DevNonce{byte(DevNonceHistorySize + 2), 0}
	require.True(t, d.SeenDevNonce(recent))
}

func TestIgnoredNodeMatchesExact(t *testing.T) {
	n := IgnoredNode{DevAddr: lorawan.DevAddr{1, 2, 3, 4}}
	require.True(t, n.Matches(lorawan.DevAddr{1, 2, 3, 4}))
	require.False(t, n.Matches(lorawan.DevAddr{1, 2, 3, 5}))
}

func TestIgnoredNodeMatchesMask(t *testing.T) {
	mask := lorawan.DevAddr{0xFF, 0xFF, 0x00, 0x00}
	n := IgnoredNode{DevAddr: lorawan.DevAddr{1, 2, 0, 0}, Mask: &mask}
	require.True(t, n.Matches(lorawan.DevAddr{1, 2, 99, 200}))
	require.False(t, n.Matches(lorawan.DevAddr{1, 3, 0, 0}))
}
