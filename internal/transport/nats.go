// Package transport wires the frame engine to NATS: gateway uplinks
// arrive on gateway.*.up, downlinks are published to gateway.*.down.
// Concurrency across simultaneous ingests is bounded by a weighted
// semaphore so a burst of gateway deliveries cannot open unbounded
// concurrent store transactions (spec §5).
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/lorawan-server/framengine/internal/engine"
	"github.com/lorawan-server/framengine/internal/storage"
)

// UplinkMessage is the wire envelope a gateway bridge publishes on
// gateway.<id>.up.
type UplinkMessage struct {
	GatewayID string `json:"gatewayID"`
	PHY       []byte `json:"phyPayload"`
}

// DownlinkMessage is the wire envelope published on gateway.<id>.down.
type DownlinkMessage struct {
	PHY []byte `json:"phyPayload"`
}

// Subscriber subscribes to gateway uplinks, runs each through the
// engine, and republishes any resulting downlink.
type Subscriber struct {
	nc    *nats.Conn
	store storage.Store
	cfg   engine.Config
	sem   *semaphore.Weighted
	log   zerolog.Logger
	subs  []*nats.Subscription
}

// NewSubscriber constructs a Subscriber bounded to maxConcurrent
// simultaneous ingest transactions.
func NewSubscriber(nc *nats.Conn, store storage.Store, cfg engine.Config, maxConcurrent int64, logger zerolog.Logger) *Subscriber {
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	return &Subscriber{
		nc:    nc,
		store: store,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(maxConcurrent),
		log:   logger,
	}
}

// Start subscribes to gateway.*.up and blocks until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe("gateway.*.up", func(msg *nats.Msg) {
		s.handleUp(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe gateway.*.up: %w", err)
	}
	s.subs = append(s.subs, sub)

	s.log.Info().Msg("nats subscriber started")
	<-ctx.Done()

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	return ctx.Err()
}

func (s *Subscriber) handleUp(ctx context.Context, msg *nats.Msg) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.log.Warn().Err(err).Msg("ingest semaphore acquire failed")
		return
	}
	go func() {
		defer s.sem.Release(1)
		s.ingest(ctx, msg)
	}()
}

func (s *Subscriber) ingest(ctx context.Context, msg *nats.Msg) {
	var up UplinkMessage
	if err := json.Unmarshal(msg.Data, &up); err != nil {
		s.log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed uplink envelope")
		return
	}

	warn := func(scope engine.Scope, kind string, detail map[string]interface{}) {
		ev := s.log.Warn().Str("kind", kind).Interface("detail", detail)
		if scope.DevAddr != nil {
			ev = ev.Str("devaddr", scope.DevAddr.String())
		}
		if scope.DevEUI != nil {
			ev = ev.Str("dev_eui", scope.DevEUI.String())
		}
		ev.Msg("engine warning")
	}

	outcome, err := engine.Ingest(ctx, s.store, s.cfg, warn, up.PHY)
	if err != nil {
		s.log.Info().Err(err).Str("gateway", up.GatewayID).Msg("ingest rejected")
		return
	}

	switch o := outcome.(type) {
	case engine.Ignored:
		s.log.Debug().Str("gateway", up.GatewayID).Msg("ignored frame")
	case engine.Joined:
		phy, devAddr, err := engine.HandleAccept(ctx, s.store, warn, o, []string{up.GatewayID})
		if err != nil {
			s.log.Error().Err(err).Str("dev_eui", o.Device.DevEUI.String()).Msg("join-accept failed")
			return
		}
		s.log.Info().Str("dev_eui", o.Device.DevEUI.String()).Str("devaddr", devAddr.String()).Msg("device joined")
		s.publishDown(up.GatewayID, phy)
	case engine.Uplink:
		s.log.Info().Str("devaddr", o.Frame.DevAddr.String()).Bool("confirmed", o.Frame.Confirmed).Msg("uplink accepted")
		if o.Frame.Confirmed {
			phy, err := engine.EncodeUnicast(ctx, s.store, warn, o.Frame.DevAddr, false, false, true, false, nil, nil, nil)
			if err != nil {
				s.log.Error().Err(err).Msg("ack downlink encode failed")
				return
			}
			s.publishDown(up.GatewayID, phy)
		}
	case engine.Retransmit:
		s.log.Debug().Str("devaddr", o.Frame.DevAddr.String()).Msg("retransmission ignored")
	}
}

func (s *Subscriber) publishDown(gatewayID string, phy []byte) {
	data, err := json.Marshal(DownlinkMessage{PHY: phy})
	if err != nil {
		s.log.Error().Err(err).Msg("marshal downlink envelope")
		return
	}
	subject := fmt.Sprintf("gateway.%s.down", gatewayID)
	if err := s.nc.Publish(subject, data); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("publish downlink")
	}
}
