// Package lorawan implements the wire types, codec, and crypto primitives
// of the LoRaWAN 1.0.x air interface: fixed-size identifiers, PHY payload
// marshaling, MIC computation, and the payload cipher.
package lorawan

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
)

// EUI64 is a 64-bit globally unique identifier (DevEUI or AppEUI), stored
// in canonical (big-endian) byte order.
type EUI64 [8]byte

func (e EUI64) String() string { return hex.EncodeToString(e[:]) }

func (e EUI64) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *EUI64) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("eui64: %w", err)
	}
	if len(decoded) != 8 {
		return fmt.Errorf("eui64: expected 8 bytes, got %d", len(decoded))
	}
	copy(e[:], decoded)
	return nil
}

func (e EUI64) Value() (driver.Value, error) { return e[:], nil }

func (e *EUI64) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("eui64: unsupported scan type %T", src)
	}
	if len(b) != 8 {
		return fmt.Errorf("eui64: expected 8 bytes, got %d", len(b))
	}
	copy(e[:], b)
	return nil
}

// DevAddr is a 32-bit network-scoped device address, stored canonical
// (big-endian); the top 7 bits carry the owning network's NwkID.
type DevAddr [4]byte

func (a DevAddr) String() string { return hex.EncodeToString(a[:]) }

func (a DevAddr) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *DevAddr) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("devaddr: %w", err)
	}
	if len(decoded) != 4 {
		return fmt.Errorf("devaddr: expected 4 bytes, got %d", len(decoded))
	}
	copy(a[:], decoded)
	return nil
}

func (a DevAddr) Value() (driver.Value, error) { return a[:], nil }

func (a *DevAddr) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("devaddr: unsupported scan type %T", src)
	}
	if len(b) != 4 {
		return fmt.Errorf("devaddr: expected 4 bytes, got %d", len(b))
	}
	copy(a[:], b)
	return nil
}

// NwkID returns the top 7 bits of the address.
func (a DevAddr) NwkID() byte { return a[0] >> 1 }

// Uint32 returns the address as a big-endian unsigned integer.
func (a DevAddr) Uint32() uint32 {
	return uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
}

// DevAddrFromUint32 builds a canonical DevAddr from a big-endian value.
func DevAddrFromUint32(v uint32) DevAddr {
	return DevAddr{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// AES128Key is a 128-bit AES key (AppKey, NwkSKey, or AppSKey). Never
// transmitted; only marshaled for storage.
type AES128Key [16]byte

func (k AES128Key) String() string { return hex.EncodeToString(k[:]) }

func (k AES128Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *AES128Key) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("aes128key: %w", err)
	}
	if len(decoded) != 16 {
		return fmt.Errorf("aes128key: expected 16 bytes, got %d", len(decoded))
	}
	copy(k[:], decoded)
	return nil
}

func (k AES128Key) Value() (driver.Value, error) { return k[:], nil }

func (k *AES128Key) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("aes128key: unsupported scan type %T", src)
	}
	if len(b) != 16 {
		return fmt.Errorf("aes128key: expected 16 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// MIC is the 4-byte truncated AES-CMAC message integrity code.
type MIC [4]byte

// DevNonce is the 2-byte random value a device includes with a join-request.
type DevNonce [2]byte

func (n DevNonce) Uint16() uint16 { return uint16(n[0]) | uint16(n[1])<<8 }

// JoinNonce (AppNonce in LoRaWAN 1.0.x) is a 3-byte server-chosen value
// included in a join-accept.
type JoinNonce [3]byte

// NetID is the 3-byte network identifier; its low 7 bits are the NwkID.
type NetID [3]byte

func (n NetID) NwkID() byte { return n[0] & 0x7F }

func (n NetID) String() string { return hex.EncodeToString(n[:]) }

func (n NetID) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NetID) UnmarshalText(b []byte) error {
	decoded, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("netid: %w", err)
	}
	if len(decoded) != 3 {
		return fmt.Errorf("netid: expected 3 bytes, got %d", len(decoded))
	}
	copy(n[:], decoded)
	return nil
}

func (n NetID) Value() (driver.Value, error) { return n[:], nil }

func (n *NetID) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("netid: unsupported scan type %T", src)
	}
	if len(b) != 3 {
		return fmt.Errorf("netid: expected 3 bytes, got %d", len(b))
	}
	copy(n[:], b)
	return nil
}

// MType is the 3-bit message type selector carried in MHDR.
type MType byte

const (
	MTypeJoinRequest         MType = 0b000
	MTypeJoinAccept          MType = 0b001
	MTypeUnconfirmedDataUp   MType = 0b010
	MTypeUnconfirmedDataDown MType = 0b011
	MTypeConfirmedDataUp     MType = 0b100
	MTypeConfirmedDataDown   MType = 0b101
	MTypeRFU                 MType = 0b110
	MTypeProprietary         MType = 0b111
)

func (t MType) String() string {
	switch t {
	case MTypeJoinRequest:
		return "JoinRequest"
	case MTypeJoinAccept:
		return "JoinAccept"
	case MTypeUnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case MTypeUnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case MTypeConfirmedDataUp:
		return "ConfirmedDataUp"
	case MTypeConfirmedDataDown:
		return "ConfirmedDataDown"
	default:
		return fmt.Sprintf("MType(%d)", byte(t))
	}
}

// Major is the 2-bit LoRaWAN major version field.
type Major byte

const (
	Major1_0 Major = 0
)

// MHDR is the single-byte MAC header: 3-bit MType, 3 RFU bits, 2-bit Major.
type MHDR byte

func NewMHDR(mtype MType) MHDR { return MHDR(byte(mtype) << 5) }

func (h MHDR) MType() MType { return MType(byte(h) >> 5) }
