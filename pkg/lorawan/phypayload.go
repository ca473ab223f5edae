package lorawan

import "fmt"

// FCtrl is the frame control byte of an FHDR. Bit layout differs between
// uplink and downlink frames only in the meaning of bit 6 (ADRACKReq vs
// RFU) and bit 4 (ClassB vs FPending); both are modeled here as a single
// struct and interpreted by the caller according to direction.
type FCtrl struct {
	ADR       bool
	ADRACKReq bool // uplink only
	ACK       bool
	FPending  bool // downlink only (a.k.a. ClassB on uplink, unused here)
	FOptsLen  uint8
}

func (c FCtrl) encode() byte {
	b := byte(c.FOptsLen & 0x0F)
	if c.ADR {
		b |= 0x80
	}
	if c.ADRACKReq {
		b |= 0x40
	}
	if c.ACK {
		b |= 0x20
	}
	if c.FPending {
		b |= 0x10
	}
	return b
}

func decodeFCtrl(b byte) FCtrl {
	return FCtrl{
		ADR:       b&0x80 != 0,
		ADRACKReq: b&0x40 != 0,
		ACK:       b&0x20 != 0,
		FPending:  b&0x10 != 0,
		FOptsLen:  b & 0x0F,
	}
}

// FHDR is the frame header shared by data-up and data-down frames.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// Marshal produces the wire encoding: reverse(DevAddr) || FCtrl ||
// FCnt_LE || FOpts.
func (h FHDR) Marshal() []byte {
	out := make([]byte, 0, 7+len(h.FOpts))
	out = append(out, Reverse(h.DevAddr[:])...)
	out = append(out, h.FCtrl.encode())
	out = append(out, byte(h.FCnt), byte(h.FCnt>>8))
	out = append(out, h.FOpts...)
	return out
}

func unmarshalFHDR(b []byte) (FHDR, int, error) {
	if len(b) < 7 {
		return FHDR{}, 0, fmt.Errorf("lorawan: fhdr too short")
	}
	var h FHDR
	copy(h.DevAddr[:], Reverse(b[0:4]))
	h.FCtrl = decodeFCtrl(b[4])
	h.FCnt = uint16(b[5]) | uint16(b[6])<<8
	n := 7 + int(h.FCtrl.FOptsLen)
	if len(b) < n {
		return FHDR{}, 0, fmt.Errorf("lorawan: fhdr fopts truncated")
	}
	h.FOpts = append([]byte(nil), b[7:n]...)
	return h, n, nil
}

// DataFrame is a parsed (and, for uplink, still-encrypted) data-up or
// data-down MACPayload.
type DataFrame struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte // ciphertext as received / to be sent
}

func (f DataFrame) Marshal() []byte {
	out := f.FHDR.Marshal()
	if f.FPort != nil {
		out = append(out, *f.FPort)
		out = append(out, f.FRMPayload...)
	}
	return out
}

// UnmarshalDataFrame parses a data-up or data-down MACPayload region
// (MHDR and MIC excluded). FRMPayload is returned still encrypted.
func UnmarshalDataFrame(b []byte) (DataFrame, error) {
	return unmarshalDataFrame(b)
}

func unmarshalDataFrame(b []byte) (DataFrame, error) {
	h, n, err := unmarshalFHDR(b)
	if err != nil {
		return DataFrame{}, err
	}
	var f DataFrame
	f.FHDR = h
	rest := b[n:]
	if len(rest) > 0 {
		port := rest[0]
		f.FPort = &port
		f.FRMPayload = append([]byte(nil), rest[1:]...)
	}
	return f, nil
}

// JoinRequest is the parsed body of a join-request frame (MIC excluded).
type JoinRequest struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce DevNonce
}

func (j JoinRequest) Marshal() []byte {
	out := make([]byte, 0, 18)
	out = append(out, Reverse(j.AppEUI[:])...)
	out = append(out, Reverse(j.DevEUI[:])...)
	out = append(out, j.DevNonce[0], j.DevNonce[1])
	return out
}

// UnmarshalJoinRequest parses a join-request MACPayload region (MHDR and
// MIC excluded).
func UnmarshalJoinRequest(b []byte) (JoinRequest, error) {
	return unmarshalJoinRequest(b)
}

func unmarshalJoinRequest(b []byte) (JoinRequest, error) {
	if len(b) != 18 {
		return JoinRequest{}, fmt.Errorf("lorawan: join-request body must be 18 bytes, got %d", len(b))
	}
	var j JoinRequest
	copy(j.AppEUI[:], Reverse(b[0:8]))
	copy(j.DevEUI[:], Reverse(b[8:16]))
	j.DevNonce = DevNonce{b[16], b[17]}
	return j, nil
}

// DLSettings carries the RX1DROffset/RX2DataRate pair of a join-accept.
type DLSettings struct {
	RX1DROffset uint8 // 3 bits
	RX2DataRate uint8 // 4 bits
}

func (d DLSettings) encode() byte {
	return (d.RX1DROffset&0x07)<<4 | (d.RX2DataRate & 0x0F)
}

func decodeDLSettings(b byte) DLSettings {
	return DLSettings{RX1DROffset: (b >> 4) & 0x07, RX2DataRate: b & 0x0F}
}

// JoinAccept is the plaintext body of a join-accept (before encryption,
// MIC excluded).
type JoinAccept struct {
	JoinNonce  JoinNonce
	NetID      NetID
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte // optional, always empty in this engine (no channel-plan Non-goal)
}

func (j JoinAccept) Marshal() []byte {
	out := make([]byte, 0, 12+len(j.CFList))
	out = append(out, j.JoinNonce[:]...)
	out = append(out, j.NetID[:]...)
	out = append(out, Reverse(j.DevAddr[:])...)
	out = append(out, j.DLSettings.encode())
	out = append(out, j.RxDelay)
	out = append(out, j.CFList...)
	return out
}

func unmarshalJoinAccept(b []byte) (JoinAccept, error) {
	if len(b) < 12 {
		return JoinAccept{}, fmt.Errorf("lorawan: join-accept body too short")
	}
	var j JoinAccept
	copy(j.JoinNonce[:], b[0:3])
	copy(j.NetID[:], b[3:6])
	copy(j.DevAddr[:], Reverse(b[6:10]))
	j.DLSettings = decodeDLSettings(b[10])
	j.RxDelay = b[11]
	if len(b) > 12 {
		j.CFList = append([]byte(nil), b[12:]...)
	}
	return j, nil
}

// RawPHYPayload is a minimally parsed frame: MHDR, the MACPayload region
// (still opaque), and the trailing MIC.
type RawPHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        MIC
}

// ParsePHYPayload splits a raw PHY payload into MHDR, MACPayload, and MIC.
// It performs no MType-specific interpretation.
func ParsePHYPayload(b []byte) (RawPHYPayload, error) {
	if len(b) < 5 {
		return RawPHYPayload{}, fmt.Errorf("lorawan: phy payload too short: %d bytes", len(b))
	}
	var p RawPHYPayload
	p.MHDR = MHDR(b[0])
	p.MACPayload = b[1 : len(b)-4]
	copy(p.MIC[:], b[len(b)-4:])
	return p, nil
}

// Marshal reassembles MHDR || MACPayload || MIC.
func (p RawPHYPayload) Marshal() []byte {
	out := make([]byte, 0, 1+len(p.MACPayload)+4)
	out = append(out, byte(p.MHDR))
	out = append(out, p.MACPayload...)
	out = append(out, p.MIC[:]...)
	return out
}

// MsgForMIC returns MHDR||MACPayload, the byte range the CMAC is computed
// over for both join and data frames.
func (p RawPHYPayload) MsgForMIC() []byte {
	out := make([]byte, 0, 1+len(p.MACPayload))
	out = append(out, byte(p.MHDR))
	out = append(out, p.MACPayload...)
	return out
}
