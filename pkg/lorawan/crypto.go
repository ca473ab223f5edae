package lorawan

import (
	"crypto/aes"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// direction constants match the LoRaWAN spec's "Dir" field: 0 for
// uplink (device to server), 1 for downlink.
const (
	dirUplink   byte = 0
	dirDownlink byte = 1
)

func dirByte(uplink bool) byte {
	if uplink {
		return dirUplink
	}
	return dirDownlink
}

// aesECBEncrypt encrypts src (which must be a multiple of the AES block
// size) block-by-block in ECB mode. crypto/cipher deliberately omits ECB
// as a named mode, so the block cipher is driven directly; this is the
// only idiom the ecosystem offers for LoRaWAN's ECB-based primitives.
func aesECBEncrypt(key, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("lorawan: new cipher: %w", err)
	}
	if len(src)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("lorawan: ecb encrypt: input length %d not block-aligned", len(src))
	}
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Encrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
	}
	return dst, nil
}

// aesECBDecrypt is the ECB-mode decryption counterpart of aesECBEncrypt.
// LoRaWAN's join-accept frame is encrypted with this operation (not
// aesECBEncrypt) — see EncryptJoinAccept.
func aesECBDecrypt(key, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("lorawan: new cipher: %w", err)
	}
	if len(src)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("lorawan: ecb decrypt: input length %d not block-aligned", len(src))
	}
	dst := make([]byte, len(src))
	for i := 0; i < len(src); i += aes.BlockSize {
		block.Decrypt(dst[i:i+aes.BlockSize], src[i:i+aes.BlockSize])
	}
	return dst, nil
}

// cmacSum computes AES-CMAC(key, msg) and truncates it to 4 bytes, the MIC
// length used throughout LoRaWAN.
func cmacSum(key AES128Key, msg []byte) (MIC, error) {
	h, err := cmac.New(key[:])
	if err != nil {
		return MIC{}, fmt.Errorf("lorawan: cmac: %w", err)
	}
	if _, err := h.Write(msg); err != nil {
		return MIC{}, fmt.Errorf("lorawan: cmac write: %w", err)
	}
	sum := h.Sum(nil)
	var mic MIC
	copy(mic[:], sum[:4])
	return mic, nil
}

// micBlockB0 builds the B0 block used as the CMAC prefix for uplink and
// downlink data-frame MICs (join MICs use no B0 block): 0x49 00 00 00 00
// dir DevAddr[4] FCnt_LE[4] 0x00 len.
func micBlockB0(uplink bool, devAddr DevAddr, fcnt32 uint32, msgLen int) []byte {
	b0 := make([]byte, 16)
	b0[0] = 0x49
	b0[5] = dirByte(uplink)
	copy(b0[6:10], Reverse(devAddr[:]))
	b0[10] = byte(fcnt32)
	b0[11] = byte(fcnt32 >> 8)
	b0[12] = byte(fcnt32 >> 16)
	b0[13] = byte(fcnt32 >> 24)
	b0[15] = byte(msgLen)
	return b0
}

// DataMIC computes the 4-byte MIC for an uplink or downlink data frame:
// cmac(key, B0 || msg)[0:4].
func DataMIC(key AES128Key, uplink bool, devAddr DevAddr, fcnt32 uint32, msg []byte) (MIC, error) {
	b0 := micBlockB0(uplink, devAddr, fcnt32, len(msg))
	return cmacSum(key, append(b0, msg...))
}

// JoinRequestMIC computes the MIC for a join-request: cmac(appkey, msg)[0:4].
func JoinRequestMIC(appKey AES128Key, msg []byte) (MIC, error) {
	return cmacSum(appKey, msg)
}

// JoinAcceptMIC computes the MIC for a join-accept plaintext.
func JoinAcceptMIC(appKey AES128Key, msg []byte) (MIC, error) {
	return cmacSum(appKey, msg)
}

// payloadCipherBlockA builds the a_i keystream-input block for FRMPayload
// encryption: 0x01 00 00 00 00 dir DevAddr[4] FCnt_LE[4] 0x00 i.
func payloadCipherBlockA(uplink bool, devAddr DevAddr, fcnt32 uint32, blockIndex int) []byte {
	a := make([]byte, 16)
	a[0] = 0x01
	a[5] = dirByte(uplink)
	copy(a[6:10], Reverse(devAddr[:]))
	a[10] = byte(fcnt32)
	a[11] = byte(fcnt32 >> 8)
	a[12] = byte(fcnt32 >> 16)
	a[13] = byte(fcnt32 >> 24)
	a[15] = byte(blockIndex)
	return a
}

// CipherPayload applies the LoRaWAN FRMPayload cipher: AES-CTR with a
// 16-byte block keystream, block counter starting at 1. The cipher is its
// own inverse (encrypting a ciphertext with the same key/devaddr/fcnt
// reproduces the plaintext), so this single function serves both
// directions.
func CipherPayload(key AES128Key, uplink bool, devAddr DevAddr, fcnt32 uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("lorawan: new cipher: %w", err)
	}
	numBlocks := (len(payload) + aes.BlockSize - 1) / aes.BlockSize
	out := make([]byte, len(payload))
	for i := 0; i < numBlocks; i++ {
		a := payloadCipherBlockA(uplink, devAddr, fcnt32, i+1)
		s := make([]byte, aes.BlockSize)
		block.Encrypt(s, a)
		start := i * aes.BlockSize
		end := start + aes.BlockSize
		if end > len(payload) {
			end = len(payload)
		}
		for j := start; j < end; j++ {
			out[j] = payload[j] ^ s[j-start]
		}
	}
	return out, nil
}

// EncryptJoinAccept produces the wire bytes of a join-accept frame body
// (everything after MHDR). Unlike downlink data frames, the join-accept is
// "encrypted" by running AES-ECB *decrypt* over the zero-padded
// MACPayload||MIC; this asymmetry is specified by LoRaWAN and must be
// matched bit-for-bit, not "corrected".
func EncryptJoinAccept(appKey AES128Key, macPayloadAndMIC []byte) ([]byte, error) {
	padded := PadRight(aes.BlockSize, macPayloadAndMIC)
	return aesECBDecrypt(appKey[:], padded)
}

// DecryptJoinAccept reverses EncryptJoinAccept: the device (or, in tests,
// the server validating its own output) recovers the plaintext by running
// AES-ECB encrypt over the ciphertext.
func DecryptJoinAccept(appKey AES128Key, ciphertext []byte) ([]byte, error) {
	return aesECBEncrypt(appKey[:], ciphertext)
}

// DeriveSessionKeys computes NwkSKey and AppSKey from AppKey per LoRaWAN
// 1.0.x §6.2.5: NwkSKey = AES_ECB_encrypt(AppKey, 0x01 || AppNonce ||
// NetID || DevNonce, zero-padded to 16 bytes); AppSKey uses prefix 0x02.
func DeriveSessionKeys(appKey AES128Key, joinNonce JoinNonce, netID NetID, devNonce DevNonce) (nwkSKey, appSKey AES128Key, err error) {
	build := func(prefix byte) []byte {
		buf := make([]byte, 16)
		buf[0] = prefix
		copy(buf[1:4], joinNonce[:])
		copy(buf[4:7], netID[:])
		copy(buf[7:9], devNonce[:])
		return buf
	}
	nwk, err := aesECBEncrypt(appKey[:], build(0x01))
	if err != nil {
		return AES128Key{}, AES128Key{}, fmt.Errorf("lorawan: derive nwkskey: %w", err)
	}
	app, err := aesECBEncrypt(appKey[:], build(0x02))
	if err != nil {
		return AES128Key{}, AES128Key{}, fmt.Errorf("lorawan: derive appskey: %w", err)
	}
	copy(nwkSKey[:], nwk)
	copy(appSKey[:], app)
	return nwkSKey, appSKey, nil
}
