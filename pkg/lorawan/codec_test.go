package lorawan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReverse(t *testing.T) {
	require.Equal(t, []byte{4, 3, 2, 1}, Reverse([]byte{1, 2, 3, 4}))
	require.Empty(t, Reverse(nil))
}

func TestReverseInvolution(t *testing.T) {
	b := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	require.Equal(t, b, Reverse(Reverse(b)))
}

func TestPadRight(t *testing.T) {
	require.Equal(t, []byte{1, 2, 3, 0}, PadRight(4, []byte{1, 2, 3}))
	require.Equal(t, []byte{1, 2, 3, 4}, PadRight(4, []byte{1, 2, 3, 4}))
}
