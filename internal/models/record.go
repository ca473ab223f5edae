// Package models defines the record families the frame engine reads and
// mutates through internal/storage.Store, matching the field lists and
// invariants of the engine's data model one-for-one.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/framengine/pkg/lorawan"
)

// DevNonceHistorySize bounds the ring of recently-seen join DevNonce
// values kept per device for replay rejection.
const DevNonceHistorySize = 10

// Device is provisioned externally (out of the engine's scope) and
// identifies a physical unit by DevEUI. AppEUI, when set, must match a
// join-request's carried AppEUI.
type Device struct {
	DevEUI          lorawan.EUI64  `json:"devEui" db:"dev_eui"`
	AppEUI          *lorawan.EUI64 `json:"appEui,omitempty" db:"app_eui"`
	AppKey          lorawan.AES128Key `json:"-" db:"app_key"`
	ProfileID       uuid.UUID      `json:"profileId" db:"profile_id"`
	NodeDevAddr     *lorawan.DevAddr `json:"nodeDevAddr,omitempty" db:"node_devaddr"`
	AppArgs         Variables      `json:"appArgs,omitempty" db:"app_args"`
	LastJoin        *time.Time     `json:"lastJoin,omitempty" db:"last_join"`
	DevNonceHistory []lorawan.DevNonce `json:"-" db:"dev_nonce_history"`
}

// SeenDevNonce reports whether n is already present in the device's
// replay-rejection ring.
func (d *Device) SeenDevNonce(n lorawan.DevNonce) bool {
	for _, seen := range d.DevNonceHistory {
		if seen == n {
			return true
		}
	}
	return false
}

// RecordDevNonce appends n to the ring, evicting the oldest entry once
// DevNonceHistorySize is exceeded.
func (d *Device) RecordDevNonce(n lorawan.DevNonce) {
	d.DevNonceHistory = append(d.DevNonceHistory, n)
	if over := len(d.DevNonceHistory) - DevNonceHistorySize; over > 0 {
		d.DevNonceHistory = d.DevNonceHistory[over:]
	}
}

// RXWindowSettings is the per-node RX1DROffset/RX2DataRate/RX2Freq triple,
// initialized from region defaults at join and on reset.
type RXWindowSettings struct {
	RX1DROffset uint8  `json:"rx1DrOffset" db:"rx1_dr_offset"`
	RX2DataRate uint8  `json:"rx2DataRate" db:"rx2_data_rate"`
	RX2Freq     uint32 `json:"rx2Freq" db:"rx2_freq"`
}

// Node is the live session state for an activated device, keyed by
// DevAddr. FCntUp is a pointer because it is undefined until the first
// uplink after a join.
type Node struct {
	DevAddr      lorawan.DevAddr   `json:"devAddr" db:"devaddr"`
	ProfileID    uuid.UUID         `json:"profileId" db:"profile_id"`
	NwkSKey      lorawan.AES128Key `json:"-" db:"nwk_s_key"`
	AppSKey      lorawan.AES128Key `json:"-" db:"app_s_key"`
	FCntUp       *uint32           `json:"fCntUp,omitempty" db:"fcnt_up"`
	FCntDown     uint32            `json:"fCntDown" db:"fcnt_down"`
	ADRUse       bool              `json:"adrUse" db:"adr_use"`
	RXWinUse     RXWindowSettings  `json:"rxWinUse" db:"rxwin_use"`
	FirstReset   *time.Time        `json:"firstReset,omitempty" db:"first_reset"`
	LastReset    *time.Time        `json:"lastReset,omitempty" db:"last_reset"`
	ResetCount   uint32            `json:"resetCount" db:"reset_count"`
	LastRx       *time.Time        `json:"lastRx,omitempty" db:"last_rx"`
	LastGateways []string          `json:"lastGateways,omitempty" db:"last_gateways"`
	DevStat      Variables         `json:"devStat,omitempty" db:"devstat"`
	DevStatFCnt  *uint32           `json:"devStatFCnt,omitempty" db:"devstat_fcnt"`
	LastQs       []int             `json:"lastQs,omitempty" db:"last_qs"`
	ADRSet       Variables         `json:"adrSet,omitempty" db:"adr_set"`
	ADRFailed    bool              `json:"adrFailed" db:"adr_failed"`
	RXWinFailed  bool              `json:"rxWinFailed" db:"rxwin_failed"`
	AppArgs      Variables         `json:"appArgs,omitempty" db:"app_args"`
}

// FCntCheckMode selects the counter-verification policy of the owning
// profile; kept as an alias so callers don't need to import pkg/lorawan
// just to read a profile's mode.
type FCntCheckMode = lorawan.FCntCheckMode

// Profile groups devices that share a join policy and counter-check mode.
// Network names the owning Network by its Name field, not its ID — the
// engine looks up networks by name when resolving a profile's join
// target and its region defaults.
type Profile struct {
	BaseModel
	Network    string        `json:"network" db:"network"`
	CanJoin    bool          `json:"canJoin" db:"can_join"`
	FCntCheck  FCntCheckMode `json:"fcntCheck" db:"fcnt_check"`
	RX1Delay   uint8         `json:"rx1Delay" db:"rx1_delay"`
}

// Network describes a NwkID/SubID allocation domain and its region.
type Network struct {
	BaseModel
	Name   string          `json:"name" db:"name"`
	NetID  lorawan.NetID   `json:"netId" db:"net_id"`
	SubID  *SubIDBits      `json:"subId,omitempty" db:"sub_id"`
	Region string          `json:"region" db:"region"`
}

// SubIDBits is a variable-width (up to 25 bits) bit prefix inserted
// between a network's 7-bit NwkID and the random suffix of an allocated
// DevAddr.
type SubIDBits struct {
	Bits  uint32 // right-aligned value
	Width uint8  // number of significant bits, 0..25
}

// IgnoredNode matches uplinks from a devaddr (or a masked range) that
// should be silently dropped before any state lookup.
type IgnoredNode struct {
	DevAddr lorawan.DevAddr  `json:"devAddr" db:"devaddr"`
	Mask    *lorawan.DevAddr `json:"mask,omitempty" db:"mask"`
}

// Matches reports whether addr falls within the ignored range. An absent
// mask requires an exact match.
func (n IgnoredNode) Matches(addr lorawan.DevAddr) bool {
	if n.Mask == nil {
		return addr == n.DevAddr
	}
	for i := range addr {
		if addr[i]&n.Mask[i] != n.DevAddr[i]&n.Mask[i] {
			return false
		}
	}
	return true
}

// MulticastChannel is a shared downlink-only session addressed like a
// node but never receiving uplinks.
type MulticastChannel struct {
	DevAddr  lorawan.DevAddr   `json:"devAddr" db:"devaddr"`
	NwkSKey  lorawan.AES128Key `json:"-" db:"nwk_s_key"`
	AppSKey  lorawan.AES128Key `json:"-" db:"app_s_key"`
	FCntDown uint32            `json:"fCntDown" db:"fcnt_down"`
}

// Pending is a queued downlink frame awaiting transmission; purged on
// reset/rejoin and on successful delivery.
type Pending struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	DevAddr   lorawan.DevAddr `json:"devAddr" db:"devaddr"`
	Payload   []byte          `json:"payload" db:"payload"`
	QueuedAt  time.Time       `json:"queuedAt" db:"queued_at"`
}
