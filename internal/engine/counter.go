package engine

import (
	"context"
	"time"

	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/internal/storage"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

// CheckFCnt implements the counter-verification state machine of spec
// §4.4 against a single node's in-memory record, mutating it in place.
// It returns (true, nil) for a retransmission (no state advanced),
// (false, nil) for a freshly accepted uplink (node mutated, caller must
// persist it), or a non-nil *Error{Kind: ErrKindFCntGapTooLarge} when the
// gap exceeds MaxFCntGap.
//
// The 16-bit-strict/32-bit-rollover ambiguity noted in spec §9 is
// intentionally left unresolved here: operators who need to tell a
// device reboot apart from ordinary rollover should configure
// fcnt_check=2 (reset-allowed) with an appropriate max_lost_after_reset.
func CheckFCnt(ctx context.Context, st storage.Store, warn Warner, profile *models.Profile, node *models.Node, region string, maxLostAfterReset uint32, fcnt16 uint16) (retransmit bool, err error) {
	if warn == nil {
		warn = noopWarner
	}
	scope := Scope{DevAddr: &node.DevAddr}
	now := time.Now()

	// Branch 1: first frame after join.
	if node.FCntUp == nil {
		switch {
		case fcnt16 <= 1:
			v := uint32(fcnt16)
			node.FCntUp = &v
		case uint32(fcnt16) < lorawan.MaxFCntGap:
			warn(scope, "uplinks_missed", map[string]interface{}{"count": fcnt16 - 1})
			v := uint32(fcnt16)
			node.FCntUp = &v
		default:
			return false, newError(ErrKindFCntGapTooLarge, map[string]interface{}{"fcnt": fcnt16})
		}
		node.LastRx = &now
		return false, nil
	}

	// Branch 2: reset detection.
	if (profile.FCntCheck == lorawan.FCntCheckResetAllows || profile.FCntCheck == lorawan.FCntCheckDisabled) &&
		uint16(*node.FCntUp) > fcnt16 && uint32(fcnt16) < maxLostAfterReset {
		if err := st.DirtyDeletePending(ctx, node.DevAddr); err != nil {
			return false, wrapError(ErrKindBadFrame, err)
		}
		defaults := lorawan.DefaultRXWindows(region)
		v := uint32(fcnt16)
		node.FCntUp = &v
		node.FCntDown = 0
		node.ADRUse = false
		node.RXWinUse = models.RXWindowSettings{
			RX1DROffset: defaults.RX1DROffset,
			RX2DataRate: defaults.RX2DataRate,
			RX2Freq:     defaults.RX2Freq,
		}
		node.LastReset = &now
		node.DevStatFCnt = nil
		node.LastQs = nil
		node.LastRx = &now
		warn(scope, "fcnt_reset", map[string]interface{}{"fcnt": fcnt16})
		return false, nil
	}

	// Branch 3: checking disabled entirely.
	if profile.FCntCheck == lorawan.FCntCheckDisabled {
		v := uint32(fcnt16)
		node.FCntUp = &v
		node.LastRx = &now
		return false, nil
	}

	// Branch 4: retransmission.
	if fcnt16 == uint16(*node.FCntUp) {
		return true, nil
	}

	// Branch 5: strict 32-bit.
	if profile.FCntCheck == lorawan.FCntCheckStrict32 {
		gap := lorawan.FCnt32Gap(*node.FCntUp, fcnt16)
		switch {
		case gap == 1:
			*node.FCntUp++
		case uint32(gap) < lorawan.MaxFCntGap:
			warn(scope, "uplinks_missed", map[string]interface{}{"count": gap - 1})
			*node.FCntUp += uint32(gap)
		default:
			return false, newError(ErrKindFCntGapTooLarge, map[string]interface{}{"fcnt": fcnt16, "last": *node.FCntUp})
		}
		node.LastRx = &now
		return false, nil
	}

	// Branch 6: default, strict 16-bit.
	gap := lorawan.FCnt16Gap(uint16(*node.FCntUp), fcnt16)
	if uint32(gap) >= lorawan.MaxFCntGap {
		return false, newError(ErrKindFCntGapTooLarge, map[string]interface{}{"fcnt": fcnt16, "last": *node.FCntUp})
	}
	if gap > 1 {
		warn(scope, "uplinks_missed", map[string]interface{}{"count": gap - 1})
	}
	v := uint32(fcnt16)
	node.FCntUp = &v
	node.LastRx = &now
	return false, nil
}
