// Package engine implements the MAC-layer frame engine: PHY payload
// ingestion, join-accept emission, and downlink encoding against a
// transactional internal/storage.Store. The package takes no logging or
// transport dependency of its own — see Warner — so it can be exercised
// identically from a NATS subscriber, an HTTP handler, or a test.
package engine

import (
	"errors"
	"fmt"

	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

// Frame is the application-visible content of a decrypted data-up frame:
// the pieces a caller needs after the engine has verified the MIC and
// decrypted FRMPayload.
type Frame struct {
	DevAddr   lorawan.DevAddr
	Confirmed bool
	ACK       bool
	FOpts     []byte
	FPort     *uint8
	Data      []byte
}

// Outcome is the sum type Ingest returns on success. Concrete types are
// Ignored, Joined, Uplink, and Retransmit; callers type-switch on the
// returned value.
type Outcome interface {
	isOutcome()
}

// Ignored is returned when a data-up frame matches an ignored_nodes
// entry (no MIC check was made), or when a join-request with a valid MIC
// belongs to a profile that may not join (Frame is then zero). In both
// cases the engine performed no state mutation; the caller may still
// forward the frame upstream.
type Ignored struct {
	Frame Frame
}

func (Ignored) isOutcome() {}

// Joined is returned for a validated join-request. It carries everything
// HandleAccept needs; Ingest itself never allocates a devaddr or writes
// state for a join (see spec §4.2: "the engine does not write state
// here").
type Joined struct {
	Network  *models.Network
	Profile  *models.Profile
	Device   *models.Device
	DevNonce lorawan.DevNonce
}

func (Joined) isOutcome() {}

// Uplink is returned for a freshly accepted data-up frame; Node reflects
// the post-update state already persisted inside the same transaction.
type Uplink struct {
	Frame Frame
	Node  *models.Node
}

func (Uplink) isOutcome() {}

// Retransmit is returned when FCnt equals the node's current fcntup: the
// frame is a duplicate delivery (commonly via multiple gateways) and no
// state was advanced.
type Retransmit struct {
	Frame Frame
	Node  *models.Node
}

func (Retransmit) isOutcome() {}

// ErrorKind classifies a failed Ingest call per spec §7.
type ErrorKind int

const (
	ErrKindBadFrame ErrorKind = iota
	ErrKindDoubleFOpts
	ErrKindUnknownDevEUI
	ErrKindBadAppEUI
	ErrKindUnknownDevAddr
	ErrKindUnknownProfile
	ErrKindUnknownNetwork
	ErrKindBadMIC
	ErrKindFCntGapTooLarge
	ErrKindForeignDevAddr
	ErrKindDevAddrExhausted
	ErrKindDevNonceReplayed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindBadFrame:
		return "bad_frame"
	case ErrKindDoubleFOpts:
		return "double_fopts"
	case ErrKindUnknownDevEUI:
		return "unknown_deveui"
	case ErrKindBadAppEUI:
		return "bad_appeui"
	case ErrKindUnknownDevAddr:
		return "unknown_devaddr"
	case ErrKindUnknownProfile:
		return "unknown_profile"
	case ErrKindUnknownNetwork:
		return "unknown_network"
	case ErrKindBadMIC:
		return "bad_mic"
	case ErrKindFCntGapTooLarge:
		return "fcnt_gap_too_large"
	case ErrKindForeignDevAddr:
		return "ignored_node"
	case ErrKindDevAddrExhausted:
		return "devaddr_exhausted"
	case ErrKindDevNonceReplayed:
		return "dev_nonce_replayed"
	default:
		return "unknown_error"
	}
}

// Error wraps an ErrorKind with any structured detail the branch that
// raised it carries (e.g. FCnt and the last known counter for
// fcnt_gap_too_large). errors.Is compares by Kind.
type Error struct {
	Kind   ErrorKind
	Detail map[string]interface{}
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("engine: %s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("engine: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, engineErr) match on Kind alone, ignoring Detail.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func newError(kind ErrorKind, detail map[string]interface{}) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func wrapError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// ErrDevAddrExhausted is returned by AllocateDevAddr when all collision
// retries are spent (see spec §4.3, §9 Open Question).
var ErrDevAddrExhausted = newError(ErrKindDevAddrExhausted, nil)

// ErrDevNonceReplayed is returned when a join-request's DevNonce has
// already been consumed by this device (see SPEC_FULL.md §3/§9).
var ErrDevNonceReplayed = newError(ErrKindDevNonceReplayed, nil)

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
