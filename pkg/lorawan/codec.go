package lorawan

// Reverse returns a new slice holding b's bytes in reverse order. DevAddr
// and EUI64 values are carried little-endian on the air interface but
// stored big-endian ("canonical") in records; Reverse is applied at every
// wire boundary to convert between the two.
func Reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// PadRight right-pads m with zero bytes up to the next multiple of n
// bytes. Used before AES-ECB encryption of a join-accept payload, whose
// length (MACPayload+MIC) is not generally block-aligned.
func PadRight(n int, m []byte) []byte {
	rem := len(m) % n
	if rem == 0 {
		return m
	}
	out := make([]byte, len(m)+(n-rem))
	copy(out, m)
	return out
}
