// Package scanner drives the scan lifecycle: it spawns one task per
// available source, fuses their frames through the packet tracker and
// fusion engine, persists both raw frames and fused device state, and
// produces a summary once the scan deadline elapses.
//
// Real source transports (an HCI socket, a host Bluetooth API, a vendor
// bridge) are external collaborators outside this module's scope; this
// package only drives whatever source.Driver implementations it is given.
package scanner

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srgg/blesense/internal/advdata"
	"github.com/srgg/blesense/internal/beacon"
	"github.com/srgg/blesense/internal/fusion"
	"github.com/srgg/blesense/internal/macaddr"
	"github.com/srgg/blesense/internal/source"
	"github.com/srgg/blesense/internal/store"
	"github.com/srgg/blesense/internal/tracker"
	"github.com/srgg/blesense/pkg/config"
)

// fusionChannelCapacity is the bound on the shared MPSC channel feeding the
// fusion engine. Per spec.md §5, backpressure blocks sources cooperatively
// rather than dropping frames.
const fusionChannelCapacity = 4096

// graceDeadline is how long a cancelled source task is given to drain its
// in-flight parse before the orchestrator stops waiting on it.
const graceDeadline = time.Second

// Orchestrator owns one scan run: the fusion catalogue, the packet tracker,
// the persistence handle, and the set of source drivers to pull frames from.
type Orchestrator struct {
	cfg     *config.Config
	drivers []source.Driver
	engine  *fusion.Engine
	tracker *tracker.Tracker
	store   *store.Store
	logger  *logrus.Logger
}

// New builds an Orchestrator. store may be nil, in which case persistence
// is skipped (useful for tests exercising fusion/tracker behavior alone).
func New(cfg *config.Config, drivers []source.Driver, st *store.Store, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{
		cfg:     cfg,
		drivers: drivers,
		engine:  fusion.New(cfg.Analyzer, logger),
		tracker: tracker.New(cfg.Tracker),
		store:   st,
		logger:  logger,
	}
}

// Summary is the fused result of one scan run.
type Summary struct {
	Devices      []fusion.Snapshot
	TrackerStats tracker.Stats
	DurationMs   int64
}

// Run spawns one task per driver with a shared overall deadline, fuses
// their output, and returns once every source has stopped (or the grace
// period elapses) and the persistence queue has drained.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	overall := time.Duration(o.cfg.Scan.OverallTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()
	ctx = withStartTime(ctx, time.Now())

	frames := make(chan source.RawFrame, fusionChannelCapacity)

	var wg sync.WaitGroup
	for _, d := range o.drivers {
		wg.Add(1)
		go o.runSource(ctx, d, frames, &wg)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var fusionWG sync.WaitGroup
	fusionWG.Add(1)
	go func() {
		defer fusionWG.Done()
		o.consume(ctx, frames)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(graceDeadline):
			o.logger.Warn("scanner: grace period elapsed with source tasks still running")
		}
	}

	close(frames)
	fusionWG.Wait()

	return Summary{
		Devices:      o.engine.All(),
		TrackerStats: o.tracker.Stats(),
		DurationMs:   time.Since(startTime(ctx)).Milliseconds(),
	}, nil
}

func (o *Orchestrator) runSource(ctx context.Context, d source.Driver, out chan<- source.RawFrame, wg *sync.WaitGroup) {
	defer wg.Done()

	perSource := time.Duration(o.cfg.Scan.PerSourceTimeoutMs) * time.Millisecond
	sctx, cancel := context.WithTimeout(ctx, perSource)
	defer cancel()

	if err := d.Run(sctx, out); err != nil && sctx.Err() == nil {
		o.logger.WithError(err).WithField("source", d.ID()).Warn("scanner: source task returned an error")
	}
}

// consume is the fusion channel's single consumer: it runs the admission
// filter chain, recognizes vendor overlays, updates the fusion catalogue,
// and persists both the raw frame and the resulting device row.
func (o *Orchestrator) consume(ctx context.Context, frames <-chan source.RawFrame) {
	for frame := range frames {
		mac, err := macaddr.Normalize(frame.MAC)
		if err != nil {
			o.logger.WithError(err).WithField("mac", frame.MAC).Debug("scanner: dropping frame with invalid MAC")
			continue
		}

		entry, outcome := o.tracker.Observe(mac, int(frame.SourceID), frame.RSSI, frame.TimestampMs)
		if outcome != tracker.OutcomeAccepted {
			continue
		}
		frame.PacketID = entry.PacketID

		parsed := advdata.Parse(frame.RawBytes)
		overlays := beacon.Detect(parsed)

		snap := o.engine.Observe(fusion.Observation{
			SourceID: frame.SourceID,
			MAC:      mac,
			RSSI:     frame.RSSI,
			NowMs:    frame.TimestampMs,
			Parsed:   parsed,
			Overlays: overlays,
			HasFrame: true,
		})

		if o.store == nil {
			continue
		}

		if _, err := o.store.InsertFrame(ctx, store.Frame{
			DeviceMAC:      string(mac),
			RSSI:           frame.RSSI,
			AdvertisingHex: hex.EncodeToString(frame.RawBytes),
			PHY:            frame.PHY,
			Channel:        frame.Channel,
			FrameType:      packetTypeName(frame.PacketType),
			TimestampMs:    frame.TimestampMs,
		}); err != nil {
			o.logger.WithError(err).Debug("scanner: persist frame failed")
		}

		if err := o.store.UpsertDevice(ctx, store.DeviceUpsert{
			MAC:              string(mac),
			Name:             snap.DisplayName,
			RSSI:             snap.CurrentRSSI,
			FirstSeenMs:      snap.FirstSeenMs,
			LastSeenMs:       snap.LastSeenMs,
			ManufacturerID:   snap.ManufacturerID,
			ManufacturerName: snap.ManufacturerName,
			DeviceType:       snap.DeviceType.String(),
			DetectionCount:   snap.DetectionCount,
		}); err != nil {
			o.logger.WithError(err).Debug("scanner: persist device failed")
		}
	}
}

func packetTypeName(t source.PacketType) string {
	switch t {
	case source.AdvInd:
		return "ADV_IND"
	case source.ScanRsp:
		return "SCAN_RSP"
	case source.AdvNonconnInd:
		return "ADV_NONCONN_IND"
	case source.AdvDirectInd:
		return "ADV_DIRECT_IND"
	case source.AdvScanInd:
		return "ADV_SCAN_IND"
	default:
		return "UNKNOWN"
	}
}

type startTimeKey struct{}

func withStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey{}, t)
}

func startTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(startTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
