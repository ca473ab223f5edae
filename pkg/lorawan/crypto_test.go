package lorawan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(b byte) AES128Key {
	var k AES128Key
	for i := range k {
		k[i] = b
	}
	return k
}

func TestCipherPayloadSelfInverse(t *testing.T) {
	key := testKey(0x2b)
	devAddr := DevAddr{0x01, 0x02, 0x03, 0x04}
	plaintext := []byte("hello lorawan world, this spans multiple blocks!")

	cipher, err := CipherPayload(key, true, devAddr, 42, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, cipher)

	recovered, err := CipherPayload(key, true, devAddr, 42, cipher)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func TestCipherPayloadEmpty(t *testing.T) {
	key := testKey(0x01)
	out, err := CipherPayload(key, false, DevAddr{}, 0, nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestCipherPayloadDirectionMatters(t *testing.T) {
	key := testKey(0x2b)
	devAddr := DevAddr{0x01, 0x02, 0x03, 0x04}
	plaintext := []byte("payload")

	up, err := CipherPayload(key, true, devAddr, 1, plaintext)
	require.NoError(t, err)
	down, err := CipherPayload(key, false, devAddr, 1, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, up, down)
}

func TestJoinAcceptEncryptRoundTrip(t *testing.T) {
	appKey := testKey(0x11)
	body := make([]byte, 19) // MACPayload (16) + MIC (4) minus one, forces padding
	for i := range body {
		body[i] = byte(i)
	}

	encrypted, err := EncryptJoinAccept(appKey, body)
	require.NoError(t, err)
	require.Zero(t, len(encrypted)%16)

	decrypted, err := DecryptJoinAccept(appKey, encrypted)
	require.NoError(t, err)
	require.Equal(t, PadRight(16, body), decrypted)
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	appKey := testKey(0xAA)
	joinNonce := JoinNonce{1, 2, 3}
	netID := NetID{4, 5, 6}
	devNonce := DevNonce{7, 8}

	nwk1, app1, err := DeriveSessionKeys(appKey, joinNonce, netID, devNonce)
	require.NoError(t, err)
	nwk2, app2, err := DeriveSessionKeys(appKey, joinNonce, netID, devNonce)
	require.NoError(t, err)

	require.Equal(t, nwk1, nwk2)
	require.Equal(t, app1, app2)
	require.NotEqual(t, nwk1, app1)
}

func TestDataMICStable(t *testing.T) {
	key := testKey(0x42)
	devAddr := DevAddr{0xAA, 0xBB, 0xCC, 0xDD}
	msg := []byte("uplink macpayload bytes")

	mic1, err := DataMIC(key, true, devAddr, 7, msg)
	require.NoError(t, err)
	mic2, err := DataMIC(key, true, devAddr, 7, msg)
	require.NoError(t, err)
	require.Equal(t, mic1, mic2)

	tampered, err := DataMIC(key, true, devAddr, 8, msg)
	require.NoError(t, err)
	require.NotEqual(t, mic1, tampered)
}
