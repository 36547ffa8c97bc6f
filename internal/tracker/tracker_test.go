package tracker_test

import (
	"testing"

	"github.com/srgg/blesense/internal/macaddr"
	"github.com/srgg/blesense/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mac1 = macaddr.MustNormalize("AA:BB:CC:DD:EE:01")

// S3 from spec.md §8: RSSI below threshold is filtered.
func TestObserve_S3_RSSIThreshold(t *testing.T) {
	tr := tracker.New(tracker.DefaultConfig())

	_, outcome := tr.Observe(mac1, 0, -80, 1000)
	assert.Equal(t, tracker.OutcomeFilteredRSSI, outcome)

	_, outcome = tr.Observe(mac1, 0, -75, 2000)
	assert.Equal(t, tracker.OutcomeAccepted, outcome)

	stats := tr.Stats()
	assert.Equal(t, uint64(2), stats.TotalReceived)
	assert.Equal(t, uint64(1), stats.TotalFiltered)
	assert.Equal(t, uint64(1), stats.TotalAccepted)
}

// S2 from spec.md §8: a weaker reading within the dedup window is rejected.
func TestObserve_S2_TemporalDedup(t *testing.T) {
	tr := tracker.New(tracker.DefaultConfig())

	_, outcome := tr.Observe(mac1, 0, -60, 1000)
	require.Equal(t, tracker.OutcomeAccepted, outcome)

	_, outcome = tr.Observe(mac1, 0, -65, 1050) // weaker, within 100ms
	assert.Equal(t, tracker.OutcomeDuplicate, outcome)

	_, outcome = tr.Observe(mac1, 0, -55, 1080) // stronger, within window: accepted
	assert.Equal(t, tracker.OutcomeAccepted, outcome)

	_, outcome = tr.Observe(mac1, 0, -70, 1300) // weaker, outside window: accepted
	assert.Equal(t, tracker.OutcomeAccepted, outcome)

	stats := tr.Stats()
	assert.Equal(t, uint64(4), stats.TotalReceived)
	assert.Equal(t, uint64(3), stats.TotalAccepted)
	assert.Equal(t, uint64(1), stats.TotalDuplicates)
}

func TestObserve_PacketIDsMonotonic(t *testing.T) {
	tr := tracker.New(tracker.DefaultConfig())

	e1, _ := tr.Observe(mac1, 0, -60, 1000)
	e2, _ := tr.Observe(mac1, 0, -60, 2000)
	assert.Less(t, e1.PacketID, e2.PacketID)
}

func TestObserve_LatencyFromPrevious(t *testing.T) {
	tr := tracker.New(tracker.DefaultConfig())

	e1, _ := tr.Observe(mac1, 0, -60, 1000)
	assert.Nil(t, e1.LatencyFromPrevMs)

	e2, _ := tr.Observe(mac1, 0, -60, 2500)
	require.NotNil(t, e2.LatencyFromPrevMs)
	assert.Equal(t, int64(1500), *e2.LatencyFromPrevMs)
}

func TestGlobalLog_OrderedByTsThenSourceThenPacketID(t *testing.T) {
	tr := tracker.New(tracker.DefaultConfig())
	mac2 := macaddr.MustNormalize("AA:BB:CC:DD:EE:02")

	tr.Observe(mac1, 1, -60, 2000)
	tr.Observe(mac2, 2, -60, 1000)
	tr.Observe(mac1, 0, -60, 1000)

	log := tr.GlobalLog()
	require.Len(t, log, 3)
	assert.Equal(t, int64(1000), log[0].TsMs)
	assert.Equal(t, 0, log[0].SourceID)
	assert.Equal(t, int64(1000), log[1].TsMs)
	assert.Equal(t, 2, log[1].SourceID) // tie on ts_ms broken by source_id
	assert.Equal(t, int64(2000), log[2].TsMs)
}

func TestAcceptanceRate(t *testing.T) {
	tr := tracker.New(tracker.DefaultConfig())
	tr.Observe(mac1, 0, -60, 1000)
	tr.Observe(mac1, 0, -90, 2000)

	stats := tr.Stats()
	assert.InDelta(t, 0.5, stats.AcceptanceRate(), 1e-9)
}

func TestAcceptanceRate_NoObservations(t *testing.T) {
	tr := tracker.New(tracker.DefaultConfig())
	assert.Equal(t, 0.0, tr.Stats().AcceptanceRate())
}
