package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srgg/blesense/internal/source"
	"github.com/srgg/blesense/pkg/config"
	"github.com/srgg/blesense/scanner"
)

// fakeDriver emits a fixed list of frames, then blocks until ctx is done.
type fakeDriver struct {
	id     source.ID
	frames []source.RawFrame
}

func (f *fakeDriver) ID() source.ID { return f.id }

func (f *fakeDriver) Run(ctx context.Context, out chan<- source.RawFrame) error {
	for _, frame := range f.frames {
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func iBeaconBytes() []byte {
	return []byte{
		0x1A, 0xFF, 0x4C, 0x00, 0x02, 0x15,
		0xE2, 0xC5, 0x6D, 0xB5, 0xDF, 0xFB, 0x48, 0xD2, 0xB0, 0x60, 0xD0, 0xF5, 0xA7, 0x10, 0x96, 0xE0,
		0x00, 0x01, 0x00, 0x02, 0xC5,
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Scan.PerSourceTimeoutMs = 200
	cfg.Scan.OverallTimeoutMs = 300
	return cfg
}

func TestOrchestrator_Run_FusesFramesFromMultipleSources(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	d1 := &fakeDriver{id: source.CrossPlatformBLE, frames: []source.RawFrame{
		{SourceID: source.CrossPlatformBLE, MAC: "AA:BB:CC:DD:EE:01", RSSI: -60, TimestampMs: 1000, RawBytes: iBeaconBytes()},
	}}
	d2 := &fakeDriver{id: source.RawHCI, frames: []source.RawFrame{
		{SourceID: source.RawHCI, MAC: "AA:BB:CC:DD:EE:01", RSSI: -58, TimestampMs: 1200, RawBytes: iBeaconBytes()},
	}}

	orch := scanner.New(testConfig(), []source.Driver{d1, d2}, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	summary, err := orch.Run(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Devices, 1)

	dev := summary.Devices[0]
	assert.Equal(t, 2, dev.Confidence)
	assert.Equal(t, uint64(2), dev.DetectionCount)
	require.Len(t, dev.Overlays, 1)
}

func TestOrchestrator_Run_NoDrivers_CompletesQuickly(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := testConfig()
	cfg.Scan.OverallTimeoutMs = 50
	orch := scanner.New(cfg, nil, nil, logger)

	ctx := context.Background()
	summary, err := orch.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary.Devices)
}
