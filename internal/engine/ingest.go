package engine

import (
	"context"

	"github.com/lorawan-server/framengine/internal/storage"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

// Config carries the single piece of live-reconfigurable engine state
// (spec §6: "a single max_lost_after_reset: u32 is read at transaction
// time"). The engine takes no other ambient configuration.
type Config struct {
	MaxLostAfterReset uint32
}

// Ingest parses a raw PHY payload and dispatches it to the join or
// data-up path, verifying its MIC, decrypting its payload, and advancing
// persistent counter state as needed. On the data-up path the node read,
// counter check, MIC check and node write run inside a single store
// transaction so that concurrent gateway deliveries for the same devaddr
// cannot interleave partial counter updates (spec §4.2, §5); the
// ignored-nodes scan before it is an unlocked read outside that
// transaction. The join-request path only reads and runs outside any
// transaction: a join-request never mutates state here; see HandleAccept.
func Ingest(ctx context.Context, store storage.Store, cfg Config, warn Warner, phyPayload []byte) (Outcome, error) {
	if warn == nil {
		warn = noopWarner
	}
	raw, err := lorawan.ParsePHYPayload(phyPayload)
	if err != nil {
		return nil, wrapError(ErrKindBadFrame, err)
	}

	switch raw.MHDR.MType() {
	case lorawan.MTypeJoinRequest:
		return ingestJoinRequest(ctx, store, warn, raw)
	case lorawan.MTypeUnconfirmedDataUp, lorawan.MTypeConfirmedDataUp:
		return ingestDataUp(ctx, store, cfg, warn, raw)
	default:
		return nil, newError(ErrKindBadFrame, map[string]interface{}{"mtype": raw.MHDR.MType().String()})
	}
}

func ingestJoinRequest(ctx context.Context, store storage.Store, warn Warner, raw lorawan.RawPHYPayload) (Outcome, error) {
	jr, err := lorawan.UnmarshalJoinRequest(raw.MACPayload)
	if err != nil {
		return nil, wrapError(ErrKindBadFrame, err)
	}

	device, err := store.GetDevice(ctx, jr.DevEUI, storage.LockRead)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, newError(ErrKindUnknownDevEUI, map[string]interface{}{"dev_eui": jr.DevEUI.String()})
		}
		return nil, wrapError(ErrKindUnknownDevEUI, err)
	}
	if device.AppEUI != nil && *device.AppEUI != jr.AppEUI {
		return nil, newError(ErrKindBadAppEUI, nil)
	}
	if device.SeenDevNonce(jr.DevNonce) {
		return nil, ErrDevNonceReplayed
	}

	mic, err := lorawan.JoinRequestMIC(device.AppKey, raw.MsgForMIC())
	if err != nil {
		return nil, wrapError(ErrKindBadMIC, err)
	}
	if mic != raw.MIC {
		return nil, newError(ErrKindBadMIC, nil)
	}

	profile, err := store.GetProfile(ctx, device.ProfileID)
	if err != nil {
		return nil, wrapError(ErrKindUnknownProfile, err)
	}
	network, err := store.GetNetwork(ctx, profile.Network)
	if err != nil {
		return nil, wrapError(ErrKindUnknownNetwork, err)
	}
	if !profile.CanJoin {
		return Ignored{}, nil
	}

	return Joined{Network: network, Profile: profile, Device: device, DevNonce: jr.DevNonce}, nil
}

func ingestDataUp(ctx context.Context, store storage.Store, cfg Config, warn Warner, raw lorawan.RawPHYPayload) (Outcome, error) {
	confirmed := raw.MHDR.MType() == lorawan.MTypeConfirmedDataUp

	frame, err := lorawan.UnmarshalDataFrame(raw.MACPayload)
	if err != nil {
		return nil, wrapError(ErrKindBadFrame, err)
	}
	devAddr := frame.FHDR.DevAddr

	ignored, err := store.DirtyAllIgnoredNodes(ctx)
	if err != nil {
		return nil, wrapError(ErrKindBadFrame, err)
	}
	for _, in := range ignored {
		if in.Matches(devAddr) {
			return Ignored{Frame: Frame{DevAddr: devAddr}}, nil
		}
	}

	var result Outcome
	txErr := store.Transaction(ctx, func(ctx context.Context, tx storage.Store) error {
		node, err := tx.GetNode(ctx, devAddr, storage.LockWrite)
		if err != nil {
			if err != storage.ErrNotFound {
				return wrapError(ErrKindUnknownDevAddr, err)
			}
			owned, lerr := devAddrOwnedLocally(ctx, tx, devAddr)
			if lerr != nil {
				return wrapError(ErrKindUnknownDevAddr, lerr)
			}
			if owned {
				return newError(ErrKindUnknownDevAddr, map[string]interface{}{"devaddr": devAddr.String()})
			}
			return newError(ErrKindForeignDevAddr, map[string]interface{}{"devaddr": devAddr.String()})
		}

		profile, err := tx.GetProfile(ctx, node.ProfileID)
		if err != nil {
			return wrapError(ErrKindUnknownProfile, err)
		}
		region := ""
		if network, nerr := tx.GetNetwork(ctx, profile.Network); nerr == nil {
			region = network.Region
		}

		retransmit, err := CheckFCnt(ctx, tx, warn, profile, node, region, cfg.MaxLostAfterReset, frame.FHDR.FCnt)
		if err != nil {
			return err
		}
		fcnt32 := *node.FCntUp

		mic, err := lorawan.DataMIC(node.NwkSKey, true, devAddr, fcnt32, raw.MsgForMIC())
		if err != nil {
			return wrapError(ErrKindBadMIC, err)
		}
		if mic != raw.MIC {
			return newError(ErrKindBadMIC, nil)
		}

		outFrame := Frame{
			DevAddr:   devAddr,
			Confirmed: confirmed,
			ACK:       frame.FHDR.FCtrl.ACK,
		}
		switch {
		case frame.FPort != nil && *frame.FPort == 0:
			if frame.FHDR.FCtrl.FOptsLen != 0 {
				return newError(ErrKindDoubleFOpts, nil)
			}
			plain, err := lorawan.CipherPayload(node.NwkSKey, true, devAddr, fcnt32, frame.FRMPayload)
			if err != nil {
				return wrapError(ErrKindBadFrame, err)
			}
			outFrame.FOpts = plain
		case frame.FPort != nil:
			plain, err := lorawan.CipherPayload(node.AppSKey, true, devAddr, fcnt32, frame.FRMPayload)
			if err != nil {
				return wrapError(ErrKindBadFrame, err)
			}
			outFrame.FOpts = frame.FHDR.FOpts
			outFrame.FPort = frame.FPort
			outFrame.Data = plain
		default:
			outFrame.FOpts = frame.FHDR.FOpts
		}

		if retransmit {
			result = Retransmit{Frame: outFrame, Node: node}
			return nil
		}
		if err := tx.PutNode(ctx, node); err != nil {
			return err
		}
		result = Uplink{Frame: outFrame, Node: node}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return result, nil
}

func devAddrOwnedLocally(ctx context.Context, tx storage.Store, addr lorawan.DevAddr) (bool, error) {
	networks, err := tx.ListNetworks(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range networks {
		if addr.NwkID() == n.NetID.NwkID() {
			return true, nil
		}
	}
	return false, nil
}
