package engine

import (
	"context"
	"fmt"

	"github.com/lorawan-server/framengine/internal/storage"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

// EncodeUnicast transactionally increments a node's fcntdown (mod 2^32)
// and emits a signed, encrypted downlink frame addressed to it (spec
// §4.7).
func EncodeUnicast(ctx context.Context, store storage.Store, warn Warner, devAddr lorawan.DevAddr, confirmed, adr, ack, fPending bool, fopts []byte, fport *uint8, data []byte) ([]byte, error) {
	if warn == nil {
		warn = noopWarner
	}
	var phy []byte
	err := store.Transaction(ctx, func(ctx context.Context, tx storage.Store) error {
		node, err := tx.GetNode(ctx, devAddr, storage.LockWrite)
		if err != nil {
			return wrapError(ErrKindUnknownDevAddr, err)
		}
		fcnt := node.FCntDown
		frame, err := encodeFrame(warn, devAddr, node.NwkSKey, node.AppSKey, fcnt, adr, ack, fPending, fopts, fport, data)
		if err != nil {
			return err
		}
		node.FCntDown = fcnt + 1
		mic, err := lorawan.DataMIC(node.NwkSKey, false, devAddr, fcnt, prependMHDR(confirmed, frame))
		if err != nil {
			return fmt.Errorf("engine: downlink mic: %w", err)
		}
		phy = signFrame(confirmed, frame, mic)
		return tx.PutNode(ctx, node)
	})
	if err != nil {
		return nil, err
	}
	return phy, nil
}

// EncodeMulticast is EncodeUnicast's counterpart for a multicast_channel
// row: ADR and ACK are always false and no FOpts are carried, per spec
// §4.7.
func EncodeMulticast(ctx context.Context, store storage.Store, warn Warner, devAddr lorawan.DevAddr, fport *uint8, data []byte) ([]byte, error) {
	if warn == nil {
		warn = noopWarner
	}
	var phy []byte
	err := store.Transaction(ctx, func(ctx context.Context, tx storage.Store) error {
		mc, err := tx.GetMulticastChannel(ctx, devAddr, storage.LockWrite)
		if err != nil {
			return wrapError(ErrKindUnknownDevAddr, err)
		}
		fcnt := mc.FCntDown
		frame, err := encodeFrame(warn, devAddr, mc.NwkSKey, mc.AppSKey, fcnt, false, false, false, nil, fport, data)
		if err != nil {
			return err
		}
		mc.FCntDown = fcnt + 1
		mic, err := lorawan.DataMIC(mc.NwkSKey, false, devAddr, fcnt, prependMHDR(false, frame))
		if err != nil {
			return fmt.Errorf("engine: multicast mic: %w", err)
		}
		phy = signFrame(false, frame, mic)
		return tx.PutMulticastChannel(ctx, mc)
	})
	if err != nil {
		return nil, err
	}
	return phy, nil
}

// encodeFrame builds a downlink MACPayload per spec §4.7's three cases:
// port-0 FOpts-as-payload, port>0 application data, or a bare FHDR
// (ACK-only, no payload).
func encodeFrame(warn Warner, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key, fcnt uint32, adr, ack, fPending bool, fopts []byte, fport *uint8, data []byte) ([]byte, error) {
	fhdr := lorawan.FHDR{
		DevAddr: devAddr,
		FCtrl: lorawan.FCtrl{
			ADR:      adr,
			ACK:      ack,
			FPending: fPending,
			FOptsLen: uint8(len(fopts)),
		},
		FCnt:  uint16(fcnt),
		FOpts: fopts,
	}

	switch {
	case fport != nil && *fport == 0:
		if len(data) > 0 {
			warn(Scope{DevAddr: &devAddr}, "dropped_port0_data", map[string]interface{}{"bytes": len(data)})
		}
		cipher, err := lorawan.CipherPayload(nwkSKey, false, devAddr, fcnt, fopts)
		if err != nil {
			return nil, fmt.Errorf("engine: encode port0: %w", err)
		}
		port := uint8(0)
		frame := lorawan.DataFrame{FHDR: fhdr, FPort: &port, FRMPayload: cipher}
		return frame.Marshal(), nil
	case fport != nil:
		cipher, err := lorawan.CipherPayload(appSKey, false, devAddr, fcnt, data)
		if err != nil {
			return nil, fmt.Errorf("engine: encode downlink: %w", err)
		}
		frame := lorawan.DataFrame{FHDR: fhdr, FPort: fport, FRMPayload: cipher}
		return frame.Marshal(), nil
	default:
		frame := lorawan.DataFrame{FHDR: fhdr}
		return frame.Marshal(), nil
	}
}

// prependMHDR prefixes the frame with the MHDR byte that signFrame will
// also prepend to the final wire bytes, so DataMIC is computed over the
// same MHDR||MACPayload the receiver reassembles.
func prependMHDR(confirmed bool, macPayload []byte) []byte {
	mtype := lorawan.MTypeUnconfirmedDataDown
	if confirmed {
		mtype = lorawan.MTypeConfirmedDataDown
	}
	return append([]byte{byte(lorawan.NewMHDR(mtype))}, macPayload...)
}

// signFrame prepends MHDR and appends the MIC to a downlink MACPayload.
func signFrame(confirmed bool, macPayload []byte, mic lorawan.MIC) []byte {
	mtype := lorawan.MTypeUnconfirmedDataDown
	if confirmed {
		mtype = lorawan.MTypeConfirmedDataDown
	}
	out := make([]byte, 0, 1+len(macPayload)+4)
	out = append(out, byte(lorawan.NewMHDR(mtype)))
	out = append(out, macPayload...)
	out = append(out, mic[:]...)
	return out
}
