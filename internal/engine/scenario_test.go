package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/framengine/internal/models"
	"github.com/lorawan-server/framengine/pkg/lorawan"
)

func testKey(b byte) lorawan.AES128Key {
	var k lorawan.AES128Key
	for i := range k {
		k[i] = b
	}
	return k
}

// setupJoinable seeds a store with one network, one profile, and one
// unjoined device, returning identifiers the caller needs to build wire
// frames.
func setupJoinable(t *testing.T) (store *memStore, appKey lorawan.AES128Key, devEUI, appEUI lorawan.EUI64) {
	t.Helper()
	store = newMemStore()

	network := &models.Network{Name: "test-net", NetID: lorawan.NetID{0, 0, 1}, Region: "EU868"}
	require.NoError(t, store.PutNetwork(context.Background(), network))

	profile := &models.Profile{Network: network.Name, CanJoin: true, FCntCheck: lorawan.FCntCheckStrict16, RX1Delay: 1}
	require.NoError(t, store.PutProfile(context.Background(), profile))

	appKey = testKey(0x2b)
	devEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	appEUI = lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	device := &models.Device{DevEUI: devEUI, AppEUI: &appEUI, AppKey: appKey, ProfileID: profile.ID}
	require.NoError(t, store.PutDevice(context.Background(), device))

	return store, appKey, devEUI, appEUI
}

func buildJoinRequestPHY(t *testing.T, appKey lorawan.AES128Key, appEUI, devEUI lorawan.EUI64, nonce lorawan.DevNonce) []byte {
	t.Helper()
	jr := lorawan.JoinRequest{AppEUI: appEUI, DevEUI: devEUI, DevNonce: nonce}
	macPayload := jr.Marshal()
	mhdr := lorawan.NewMHDR(lorawan.MTypeJoinRequest)
	mic, err := lorawan.JoinRequestMIC(appKey, append([]byte{byte(mhdr)}, macPayload...))
	require.NoError(t, err)
	return append(append([]byte{byte(mhdr)}, macPayload...), mic[:]...)
}

func buildDataUpPHY(t *testing.T, nwkSKey, appSKey lorawan.AES128Key, devAddr lorawan.DevAddr, fcnt16 uint16, confirmed bool, fport uint8, data []byte) []byte {
	t.Helper()
	cipher, err := lorawan.CipherPayload(appSKey, true, devAddr, uint32(fcnt16), data)
	require.NoError(t, err)
	frame := lorawan.DataFrame{
		FHDR:       lorawan.FHDR{DevAddr: devAddr, FCnt: fcnt16},
		FPort:      &fport,
		FRMPayload: cipher,
	}
	macPayload := frame.Marshal()
	mtype := lorawan.MTypeUnconfirmedDataUp
	if confirmed {
		mtype = lorawan.MTypeConfirmedDataUp
	}
	mhdr := lorawan.NewMHDR(mtype)
	mic, err := lorawan.DataMIC(nwkSKey, true, devAddr, uint32(fcnt16), append([]byte{byte(mhdr)}, macPayload...))
	require.NoError(t, err)
	return append(append([]byte{byte(mhdr)}, macPayload...), mic[:]...)
}

func doJoin(t *testing.T, store *memStore, cfg Config, appKey lorawan.AES128Key, appEUI, devEUI lorawan.EUI64, nonce lorawan.DevNonce) (lorawan.DevAddr, *models.Node) {
	t.Helper()
	ctx := context.Background()
	phy := buildJoinRequestPHY(t, appKey, appEUI, devEUI, nonce)
	outcome, err := Ingest(ctx, store, cfg, nil, phy)
	require.NoError(t, err)
	joined, ok := outcome.(Joined)
	require.True(t, ok, "expected Joined, got %T", outcome)

	_, devAddr, err := HandleAccept(ctx, store, nil, joined, []string{"gw1"})
	require.NoError(t, err)

	node, err := store.GetNode(ctx, devAddr, 0)
	require.NoError(t, err)
	return devAddr, node
}

// Scenario 1: join followed by a first uplink.
func TestScenarioJoinThenFirstUplink(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	devAddr, node := doJoin(t, store, cfg, appKey, appEUI, devEUI, lorawan.DevNonce{1, 0})
	require.Nil(t, node.FCntUp)

	phy := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 0, false, 10, []byte("hello"))
	outcome, err := Ingest(context.Background(), store, cfg, nil, phy)
	require.NoError(t, err)
	up, ok := outcome.(Uplink)
	require.True(t, ok, "expected Uplink, got %T", outcome)
	require.Equal(t, []byte("hello"), up.Frame.Data)
	require.Equal(t, devAddr, up.Frame.DevAddr)
}

// Scenario 2: a retransmitted uplink (duplicate FCnt) is recognized and
// does not advance state.
func TestScenarioRetransmission(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	devAddr, node := doJoin(t, store, cfg, appKey, appEUI, devEUI, lorawan.DevNonce{2, 0})

	phy := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 0, false, 10, []byte("first"))
	_, err := Ingest(context.Background(), store, cfg, nil, phy)
	require.NoError(t, err)

	dup := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 0, false, 10, []byte("first"))
	outcome, err := Ingest(context.Background(), store, cfg, nil, dup)
	require.NoError(t, err)
	_, ok := outcome.(Retransmit)
	require.True(t, ok, "expected Retransmit, got %T", outcome)
}

// Scenario 3: an uplink that skips one FCnt (FCnt=2 after FCnt=0, a
// single missed frame) is accepted and advances fcntup to 2.
func TestScenarioOutOfOrderByOne(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	devAddr, node := doJoin(t, store, cfg, appKey, appEUI, devEUI, lorawan.DevNonce{3, 0})

	phy0 := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 0, false, 10, []byte("a"))
	_, err := Ingest(context.Background(), store, cfg, nil, phy0)
	require.NoError(t, err)

	phy2 := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 2, false, 10, []byte("c"))
	outcome, err := Ingest(context.Background(), store, cfg, nil, phy2)
	require.NoError(t, err)
	up, ok := outcome.(Uplink)
	require.True(t, ok)
	require.EqualValues(t, 2, *up.Node.FCntUp)
}

// Scenario 4: a gap larger than MaxFCntGap is rejected.
func TestScenarioGapTooLarge(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	devAddr, node := doJoin(t, store, cfg, appKey, appEUI, devEUI, lorawan.DevNonce{4, 0})

	phy0 := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 0, false, 10, []byte("a"))
	_, err := Ingest(context.Background(), store, cfg, nil, phy0)
	require.NoError(t, err)

	far := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 60000, false, 10, []byte("b"))
	_, err = Ingest(context.Background(), store, cfg, nil, far)
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindFCntGapTooLarge))
}

// Scenario 5: an FCnt reset (device reboot) is detected and accepted
// under fcnt_check=reset-allowed with an appropriate max_lost_after_reset.
func TestScenarioResetDetection(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	devAddr, node := doJoin(t, store, cfg, appKey, appEUI, devEUI, lorawan.DevNonce{5, 0})

	profile, err := store.GetProfile(context.Background(), node.ProfileID)
	require.NoError(t, err)
	profile.FCntCheck = lorawan.FCntCheckResetAllows
	require.NoError(t, store.PutProfile(context.Background(), profile))

	phy100 := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 100, false, 10, []byte("a"))
	_, err = Ingest(context.Background(), store, cfg, nil, phy100)
	require.NoError(t, err)

	reset := buildDataUpPHY(t, node.NwkSKey, node.AppSKey, devAddr, 0, false, 10, []byte("rebooted"))
	outcome, err := Ingest(context.Background(), store, cfg, nil, reset)
	require.NoError(t, err)
	up, ok := outcome.(Uplink)
	require.True(t, ok, "expected Uplink after reset, got %T", outcome)
	require.EqualValues(t, 0, *up.Node.FCntUp)
	require.NotNil(t, up.Node.LastReset)
}

// Scenario 6: a devaddr matching an ignored_nodes entry is dropped before
// any MIC check or state lookup.
func TestScenarioIgnoredNode(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	devAddr, node := doJoin(t, store, cfg, appKey, appEUI, devEUI, lorawan.DevNonce{6, 0})

	require.NoError(t, store.PutIgnoredNode(context.Background(), &models.IgnoredNode{DevAddr: devAddr}))

	garbagePHY := buildDataUpPHY(t, lorawan.AES128Key{}, lorawan.AES128Key{}, devAddr, 0, false, 10, []byte("x"))
	outcome, err := Ingest(context.Background(), store, cfg, nil, garbagePHY)
	require.NoError(t, err)
	_, ok := outcome.(Ignored)
	require.True(t, ok, "expected Ignored, got %T", outcome)
	_ = node
}

func TestJoinRequestReplayedDevNonceRejected(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	nonce := lorawan.DevNonce{7, 0}
	_, _ = doJoin(t, store, cfg, appKey, appEUI, devEUI, nonce)

	phy := buildJoinRequestPHY(t, appKey, appEUI, devEUI, nonce)
	_, err := Ingest(context.Background(), store, cfg, nil, phy)
	require.ErrorIs(t, err, ErrDevNonceReplayed)
}

func TestJoinRequestBadMICRejected(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	phy := buildJoinRequestPHY(t, appKey, appEUI, devEUI, lorawan.DevNonce{8, 0})
	phy[len(phy)-1] ^= 0xFF // tamper the MIC
	_, err := Ingest(context.Background(), store, cfg, nil, phy)
	require.Error(t, err)
	require.True(t, IsKind(err, ErrKindBadMIC))
}

func TestEncodeUnicastRoundTrip(t *testing.T) {
	store, appKey, devEUI, appEUI := setupJoinable(t)
	cfg := Config{MaxLostAfterReset: 16384}
	devAddr, node := doJoin(t, store, cfg, appKey, appEUI, devEUI, lorawan.DevNonce{9, 0})
	_ = node

	fport := uint8(20)
	phy, err := EncodeUnicast(context.Background(), store, nil, devAddr, false, false, false, false, nil, &fport, []byte("downlink data"))
	require.NoError(t, err)
	require.NotEmpty(t, phy)

	raw, err := lorawan.ParsePHYPayload(phy)
	require.NoError(t, err)
	require.Equal(t, lorawan.MTypeUnconfirmedDataDown, raw.MHDR.MType())
	frame, err := lorawan.UnmarshalDataFrame(raw.MACPayload)
	require.NoError(t, err)
	require.Equal(t, devAddr, frame.FHDR.DevAddr)
	require.NotNil(t, frame.FPort)
	require.Equal(t, fport, *frame.FPort)
	plain, err := lorawan.CipherPayload(node.AppSKey, false, devAddr, uint32(frame.FHDR.FCnt), frame.FRMPayload)
	require.NoError(t, err)
	require.Equal(t, []byte("downlink data"), plain)
	mic, err := lorawan.DataMIC(node.NwkSKey, false, devAddr, uint32(frame.FHDR.FCnt), raw.MsgForMIC())
	require.NoError(t, err)
	require.Equal(t, raw.MIC, mic)

	updated, err := store.GetNode(context.Background(), devAddr, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, updated.FCntDown)
}
