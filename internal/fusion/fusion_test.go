package fusion_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srgg/blesense/internal/advdata"
	"github.com/srgg/blesense/internal/analyzer"
	"github.com/srgg/blesense/internal/beacon"
	"github.com/srgg/blesense/internal/fusion"
	"github.com/srgg/blesense/internal/macaddr"
	"github.com/srgg/blesense/internal/source"
)

func newEngine() *fusion.Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return fusion.New(analyzer.DefaultConfig(), logger)
}

var mac1 = macaddr.MustNormalize("AA:BB:CC:DD:EE:01")

func TestObserve_FirstSighting_CreatesTrack(t *testing.T) {
	e := newEngine()
	snap := e.Observe(fusion.Observation{
		SourceID: source.CrossPlatformBLE,
		MAC:      mac1,
		RSSI:     -60,
		NowMs:    1000,
	})

	assert.Equal(t, mac1, snap.MAC)
	assert.Equal(t, int64(1000), snap.FirstSeenMs)
	assert.Equal(t, uint64(1), snap.DetectionCount)
	assert.Equal(t, 1, snap.Confidence)
}

// S5 from spec.md §8: a device seen by two distinct sources has confidence 2.
func TestObserve_S5_MultiSourceConfidence(t *testing.T) {
	e := newEngine()
	e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -60, NowMs: 1000})
	snap := e.Observe(fusion.Observation{SourceID: source.RawHCI, MAC: mac1, RSSI: -62, NowMs: 1100})

	assert.Equal(t, 2, snap.Confidence)
	assert.Equal(t, uint64(2), snap.DetectionCount)
}

func TestObserve_SameSourceTwice_ConfidenceStaysOne(t *testing.T) {
	e := newEngine()
	e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -60, NowMs: 1000})
	snap := e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -62, NowMs: 1100})

	assert.Equal(t, 1, snap.Confidence)
	assert.Equal(t, uint64(2), snap.DetectionCount)
}

func TestObserve_DisplayNameUpdatesOnNonEmpty(t *testing.T) {
	e := newEngine()
	p1 := advdata.Parse([]byte{0x05, 0x09, 'H', 'e', 'l', 'o'})
	e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -60, NowMs: 1000, Parsed: p1})

	snap, ok := e.Get(mac1)
	require.True(t, ok)
	assert.Equal(t, "Helo", snap.DisplayName)

	p2 := advdata.Parse([]byte{0x02, 0x01, 0x06}) // no name this time
	snap = e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -61, NowMs: 1100, Parsed: p2})
	assert.Equal(t, "Helo", snap.DisplayName) // preserved
}

func TestObserve_ManufacturerIDSetOnceFromMinimumKey(t *testing.T) {
	e := newEngine()
	raw := []byte{}
	raw = append(raw, 0x04, 0xFF, 0x4C, 0x00, 0x01) // 0x004C
	p := advdata.Parse(raw)

	snap := e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -60, NowMs: 1000, Parsed: p})
	require.NotNil(t, snap.ManufacturerID)
	assert.Equal(t, uint16(0x004C), *snap.ManufacturerID)
	assert.Equal(t, "Apple, Inc.", snap.ManufacturerName)

	raw2 := []byte{}
	raw2 = append(raw2, 0x04, 0xFF, 0x06, 0x00, 0x01) // 0x0006, smaller, but should not override
	p2 := advdata.Parse(raw2)
	snap = e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -60, NowMs: 1100, Parsed: p2})
	assert.Equal(t, uint16(0x004C), *snap.ManufacturerID)
}

func TestObserve_RSSIHistoryBoundedRing(t *testing.T) {
	e := newEngine()
	for i := 0; i < 150; i++ {
		e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: int8(-60 - i%10), NowMs: int64(i) * 100})
	}
	snap, ok := e.Get(mac1)
	require.True(t, ok)
	assert.Len(t, snap.RSSIHistory, 100)
}

func TestObserve_OverlaysAccumulate(t *testing.T) {
	e := newEngine()
	ov := []beacon.Overlay{{Kind: beacon.KindIBeacon, IBeacon: &beacon.IBeaconData{}}}
	snap := e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -60, NowMs: 1000, Overlays: ov})
	require.Len(t, snap.Overlays, 1)
	assert.Equal(t, beacon.KindIBeacon, snap.Overlays[0].Kind)
}

func TestByTrend_FiltersAcrossDevices(t *testing.T) {
	e := newEngine()
	mac2 := macaddr.MustNormalize("AA:BB:CC:DD:EE:02")

	seq := []float64{-80, -78, -76, -74, -72, -70, -68}
	for i, rssi := range seq {
		e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: int8(rssi), NowMs: int64(i) * 1000})
	}
	for i := 0; i < 7; i++ {
		e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac2, RSSI: -70, NowMs: int64(i) * 1000})
	}

	approaching := e.ByTrend(analyzer.TrendApproaching)
	require.Len(t, approaching, 1)
	assert.Equal(t, mac1, approaching[0].MAC)
}

func TestObserve_DeviceType_ClassifiesByRadioSources(t *testing.T) {
	e := newEngine()

	bleOnly := e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -60, NowMs: 1000})
	assert.Equal(t, fusion.DeviceTypeBLEOnly, bleOnly.DeviceType)

	mac2 := macaddr.MustNormalize("AA:BB:CC:DD:EE:03")
	brEdrOnly := e.Observe(fusion.Observation{SourceID: source.RawHCI, MAC: mac2, RSSI: -60, NowMs: 1000})
	assert.Equal(t, fusion.DeviceTypeBrEdrOnly, brEdrOnly.DeviceType)

	mac3 := macaddr.MustNormalize("AA:BB:CC:DD:EE:04")
	e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac3, RSSI: -60, NowMs: 1000})
	dualBle := e.Observe(fusion.Observation{SourceID: source.RealtimeHCI, MAC: mac3, RSSI: -60, NowMs: 1100})
	assert.Equal(t, fusion.DeviceTypeDualModeBrEdr, dualBle.DeviceType)
	dualSwitchedBack := e.Observe(fusion.Observation{SourceID: source.HostAPI, MAC: mac3, RSSI: -60, NowMs: 1200})
	assert.Equal(t, fusion.DeviceTypeDualModeBLE, dualSwitchedBack.DeviceType)
}

func TestLen(t *testing.T) {
	e := newEngine()
	e.Observe(fusion.Observation{SourceID: source.CrossPlatformBLE, MAC: mac1, RSSI: -60, NowMs: 1000})
	assert.Equal(t, 1, e.Len())
}
