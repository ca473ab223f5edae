package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/internal/storage"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

// HandleAccept builds and persists the session state for a validated
// Joined outcome, then emits the wire bytes of the join-accept frame
// (spec §4.6). gateways is opaque and only recorded for downlink gateway
// selection by the transport layer; the engine never inspects it.
func HandleAccept(ctx context.Context, store storage.Store, warn Warner, joined Joined, gateways []string) ([]byte, lorawan.DevAddr, error) {
	if warn == nil {
		warn = noopWarner
	}

	var joinNonce lorawan.JoinNonce
	if _, err := rand.Read(joinNonce[:]); err != nil {
		return nil, lorawan.DevAddr{}, fmt.Errorf("engine: join-accept nonce: %w", err)
	}

	var phy []byte
	var devAddr lorawan.DevAddr
	now := time.Now()

	txErr := store.Transaction(ctx, func(ctx context.Context, tx storage.Store) error {
		device, err := tx.GetDevice(ctx, joined.Device.DevEUI, storage.LockWrite)
		if err != nil {
			return wrapError(ErrKindUnknownDevEUI, err)
		}

		if device.NodeDevAddr != nil {
			devAddr = *device.NodeDevAddr
		} else {
			devAddr, err = AllocateDevAddr(ctx, tx, joined.Network)
			if err != nil {
				return err
			}
		}

		nwkSKey, appSKey, err := lorawan.DeriveSessionKeys(device.AppKey, joinNonce, joined.Network.NetID, joined.DevNonce)
		if err != nil {
			return fmt.Errorf("engine: derive session keys: %w", err)
		}

		if err := tx.DirtyDeletePending(ctx, devAddr); err != nil {
			return fmt.Errorf("engine: purge pending: %w", err)
		}

		firstReset := &now
		var resetCount uint32
		if prior, err := tx.GetNode(ctx, devAddr, storage.LockWrite); err == nil {
			resetCount = prior.ResetCount
			if prior.LastRx == nil {
				resetCount = prior.ResetCount + 1
				firstReset = prior.FirstReset
				if firstReset == nil {
					firstReset = &now
				}
				warn(Scope{DevAddr: &devAddr}, "repeated_reset", map[string]interface{}{"reset_count": resetCount})
			}
		} else if err != storage.ErrNotFound {
			return fmt.Errorf("engine: read prior node: %w", err)
		}

		defaults := lorawan.DefaultRXWindows(joined.Network.Region)
		node := &models.Node{
			DevAddr:   devAddr,
			ProfileID: joined.Profile.ID,
			NwkSKey:   nwkSKey,
			AppSKey:   appSKey,
			FCntDown:  0,
			RXWinUse: models.RXWindowSettings{
				RX1DROffset: defaults.RX1DROffset,
				RX2DataRate: defaults.RX2DataRate,
				RX2Freq:     defaults.RX2Freq,
			},
			FirstReset:   firstReset,
			ResetCount:   resetCount,
			LastGateways: gateways,
		}
		if err := tx.PutNode(ctx, node); err != nil {
			return fmt.Errorf("engine: put node: %w", err)
		}

		device.NodeDevAddr = &devAddr
		device.LastJoin = &now
		device.RecordDevNonce(joined.DevNonce)
		if err := tx.PutDevice(ctx, device); err != nil {
			return fmt.Errorf("engine: put device: %w", err)
		}

		accept := lorawan.JoinAccept{
			JoinNonce: joinNonce,
			NetID:     joined.Network.NetID,
			DevAddr:   devAddr,
			DLSettings: lorawan.DLSettings{
				RX1DROffset: defaults.RX1DROffset,
				RX2DataRate: defaults.RX2DataRate,
			},
			RxDelay: joined.Profile.RX1Delay,
		}
		macPayload := accept.Marshal()

		mhdr := lorawan.NewMHDR(lorawan.MTypeJoinAccept)
		micInput := append([]byte{byte(mhdr)}, macPayload...)
		mic, err := lorawan.JoinAcceptMIC(device.AppKey, micInput)
		if err != nil {
			return fmt.Errorf("engine: join-accept mic: %w", err)
		}

		encrypted, err := lorawan.EncryptJoinAccept(device.AppKey, append(macPayload, mic[:]...))
		if err != nil {
			return fmt.Errorf("engine: join-accept encrypt: %w", err)
		}

		phy = append([]byte{byte(mhdr)}, encrypted...)
		return nil
	})
	if txErr != nil {
		return nil, lorawan.DevAddr{}, txErr
	}
	return phy, devAddr, nil
}
