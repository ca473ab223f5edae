package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/internal/storage"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

const maxDevAddrAttempts = 3

func maskWidth(width uint8) uint32 {
	if width >= 32 {
		return 0xFFFFFFFF
	}
	return (1 << width) - 1
}

func randomBits(width uint8) (uint32, error) {
	if width == 0 {
		return 0, nil
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("engine: devaddr random: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]) & maskWidth(width), nil
}

// AllocateDevAddr builds a DevAddr as <NwkID:7, SubID (if any), random>
// and retries up to maxDevAddrAttempts times on collision with an
// existing node row. It returns ErrDevAddrExhausted rather than looping
// forever or crashing (spec §4.3, §9 Open Question).
func AllocateDevAddr(ctx context.Context, store storage.Store, network *models.Network) (lorawan.DevAddr, error) {
	nwkID := uint32(network.NetID.NwkID())
	var subWidth uint8
	var subBits uint32
	if network.SubID != nil {
		subWidth = network.SubID.Width
		subBits = network.SubID.Bits
	}
	randWidth := 25 - subWidth

	for attempt := 0; attempt < maxDevAddrAttempts; attempt++ {
		randVal, err := randomBits(randWidth)
		if err != nil {
			return lorawan.DevAddr{}, err
		}
		val := (nwkID & 0x7F) << 25
		val |= (subBits & maskWidth(subWidth)) << randWidth
		val |= randVal & maskWidth(randWidth)
		addr := lorawan.DevAddrFromUint32(val)

		exists, err := store.NodeExists(ctx, addr)
		if err != nil {
			return lorawan.DevAddr{}, fmt.Errorf("engine: devaddr collision check: %w", err)
		}
		if !exists {
			return addr, nil
		}
	}
	return lorawan.DevAddr{}, ErrDevAddrExhausted
}
