// Package fusion merges observations about the same physical device arriving
// from multiple concurrent scan sources into a single DeviceTrack, keyed by
// MAC address. It owns the source-confidence bitset, the bounded RSSI
// history, and invokes the signal analyzer on every observation it is given.
// Admission filtering by the packet tracker happens before Observe is called.
package fusion

import (
	"math/bits"
	"reflect"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srgg/blesense/internal/advdata"
	"github.com/srgg/blesense/internal/analyzer"
	"github.com/srgg/blesense/internal/beacon"
	"github.com/srgg/blesense/internal/macaddr"
	"github.com/srgg/blesense/internal/manufacturer"
	"github.com/srgg/blesense/internal/source"
	"github.com/srgg/blesense/internal/tracker"
)

const rssiHistoryCap = 100

// DeviceType classifies a track by which kind of source has observed it: LE
// advertising only, classic inquiry only, or both, tagged with whichever
// kind was seen most recently for devices that toggle between radios.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeBLEOnly
	DeviceTypeBrEdrOnly
	DeviceTypeDualModeBLE
	DeviceTypeDualModeBrEdr
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeBLEOnly:
		return "ble_only"
	case DeviceTypeBrEdrOnly:
		return "br_edr_only"
	case DeviceTypeDualModeBLE:
		return "dual_mode_ble"
	case DeviceTypeDualModeBrEdr:
		return "dual_mode_br_edr"
	default:
		return "unknown"
	}
}

// DeviceTrack is one physical device's fused state, shared mutable across
// every source that has ever observed it. All mutation happens under mu; a
// reader should call Snapshot rather than touching fields directly.
type DeviceTrack struct {
	mu sync.Mutex

	MAC              macaddr.Addr
	DisplayName      string
	ManufacturerID   *uint16
	ManufacturerName string

	CurrentRSSI int8
	rssiHistory []int8
	rssiHead    int

	FirstSeenMs    int64
	LastSeenMs     int64
	DetectionCount uint64
	PacketCount    uint64

	SourcesDetected uint8 // bitset, bit i = source.ID(i)
	sawBLE          bool
	sawBrEdr        bool
	lastWasBrEdr    bool

	Services16  map[uint16]struct{}
	Services32  map[uint32]struct{}
	Services128 map[string]struct{}
	Overlays    []beacon.Overlay

	Analyzer   *analyzer.State
	LastTrend  analyzer.Trend
	LastMotion analyzer.Motion
}

func newDeviceTrack(mac macaddr.Addr, nowMs int64, analyzerCfg analyzer.Config) *DeviceTrack {
	return &DeviceTrack{
		MAC:         mac,
		rssiHistory: make([]int8, 0, rssiHistoryCap),
		FirstSeenMs: nowMs,
		Services16:  make(map[uint16]struct{}),
		Services32:  make(map[uint32]struct{}),
		Services128: make(map[string]struct{}),
		Analyzer:    analyzer.New(analyzerCfg),
	}
}

func (d *DeviceTrack) pushRSSI(r int8) {
	if len(d.rssiHistory) < rssiHistoryCap {
		d.rssiHistory = append(d.rssiHistory, r)
		return
	}
	d.rssiHistory[d.rssiHead] = r
	d.rssiHead = (d.rssiHead + 1) % rssiHistoryCap
}

// Confidence returns popcount(SourcesDetected): how many distinct sources
// have ever observed this device.
func (d *DeviceTrack) Confidence() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bits.OnesCount8(d.SourcesDetected)
}

func (d *DeviceTrack) deviceType() DeviceType {
	switch {
	case d.sawBLE && d.sawBrEdr:
		if d.lastWasBrEdr {
			return DeviceTypeDualModeBrEdr
		}
		return DeviceTypeDualModeBLE
	case d.sawBLE:
		return DeviceTypeBLEOnly
	case d.sawBrEdr:
		return DeviceTypeBrEdrOnly
	default:
		return DeviceTypeUnknown
	}
}

// Snapshot is an immutable copy of a DeviceTrack's fields, safe to read
// without holding the catalogue's per-MAC lock.
type Snapshot struct {
	MAC              macaddr.Addr
	DisplayName      string
	ManufacturerID   *uint16
	ManufacturerName string
	CurrentRSSI      int8
	RSSIHistory      []int8
	FirstSeenMs      int64
	LastSeenMs       int64
	DetectionCount   uint64
	PacketCount      uint64
	Confidence       int
	SourcesDetected  uint8
	DeviceType       DeviceType
	Overlays         []beacon.Overlay
	Trend            analyzer.Trend
	Motion           analyzer.Motion
}

// Snapshot copies out a consistent view of the track.
func (d *DeviceTrack) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// snapshotLocked requires the caller already hold d.mu.
func (d *DeviceTrack) snapshotLocked() Snapshot {
	hist := make([]int8, len(d.rssiHistory))
	copy(hist, d.rssiHistory)
	overlays := make([]beacon.Overlay, len(d.Overlays))
	copy(overlays, d.Overlays)

	return Snapshot{
		MAC:              d.MAC,
		DisplayName:      d.DisplayName,
		ManufacturerID:   d.ManufacturerID,
		ManufacturerName: d.ManufacturerName,
		CurrentRSSI:      d.CurrentRSSI,
		RSSIHistory:      hist,
		FirstSeenMs:      d.FirstSeenMs,
		LastSeenMs:       d.LastSeenMs,
		DetectionCount:   d.DetectionCount,
		PacketCount:      d.PacketCount,
		Confidence:       bits.OnesCount8(d.SourcesDetected),
		SourcesDetected:  d.SourcesDetected,
		DeviceType:       d.deviceType(),
		Overlays:         overlays,
		Trend:            d.LastTrend,
		Motion:           d.LastMotion,
	}
}

// Observation is one inbound, already-decoded advertisement to fuse.
type Observation struct {
	SourceID source.ID
	MAC      macaddr.Addr
	RSSI     int8
	NowMs    int64
	Parsed   *advdata.ParsedAdvertisement
	Overlays []beacon.Overlay
	HasFrame bool // true when backed by a RawFrame, for PacketCount
}

// Engine is the single mutable catalogue of DeviceTrack keyed by MAC. It is
// safe for concurrent use: per-MAC mutation is serialized by each track's
// own lock, and the catalogue map itself is a lock-free concurrent hashmap.
type Engine struct {
	tracks      *hashmap.Map[macaddr.Addr, *DeviceTrack]
	analyzerCfg analyzer.Config
	logger      *logrus.Logger
}

// New returns an empty Engine.
func New(analyzerCfg analyzer.Config, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		tracks:      hashmap.New[macaddr.Addr, *DeviceTrack](),
		analyzerCfg: analyzerCfg,
		logger:      logger,
	}
}

// Observe folds obs into the catalogue, creating a new DeviceTrack on first
// sight of obs.MAC. It returns the resulting snapshot.
func (e *Engine) Observe(obs Observation) Snapshot {
	track, loaded := e.tracks.Get(obs.MAC)
	if !loaded {
		candidate := newDeviceTrack(obs.MAC, obs.NowMs, e.analyzerCfg)
		track, loaded = e.tracks.GetOrInsert(obs.MAC, candidate)
		if !loaded {
			e.logger.WithField("mac", obs.MAC).Debug("fusion: new device track")
		}
	}

	track.mu.Lock()
	defer track.mu.Unlock()

	bit := uint8(1) << uint(obs.SourceID)
	track.SourcesDetected |= bit
	if obs.SourceID.IsBrEdrCapable() {
		track.sawBrEdr = true
		track.lastWasBrEdr = true
	} else {
		track.sawBLE = true
		track.lastWasBrEdr = false
	}

	track.pushRSSI(obs.RSSI)
	track.CurrentRSSI = obs.RSSI
	track.LastSeenMs = obs.NowMs
	track.DetectionCount++
	if obs.HasFrame {
		track.PacketCount++
	}

	if obs.Parsed != nil {
		if obs.Parsed.LocalName != "" {
			track.DisplayName = obs.Parsed.LocalName
		}
		for id := range obs.Parsed.Services16 {
			track.Services16[id] = struct{}{}
		}
		for id := range obs.Parsed.Services32 {
			track.Services32[id] = struct{}{}
		}
		for id := range obs.Parsed.Services128 {
			track.Services128[id] = struct{}{}
		}
		if track.ManufacturerID == nil {
			for pair := obs.Parsed.ManufacturerData.Oldest(); pair != nil; pair = pair.Next() {
				id := pair.Key
				if track.ManufacturerID == nil || id < *track.ManufacturerID {
					v := id
					track.ManufacturerID = &v
				}
			}
			if track.ManufacturerID != nil {
				track.ManufacturerName = manufacturer.Name(*track.ManufacturerID)
			}
		}
	}

	for _, ov := range obs.Overlays {
		seen := false
		for _, have := range track.Overlays {
			if reflect.DeepEqual(have, ov) {
				seen = true
				break
			}
		}
		if !seen {
			track.Overlays = append(track.Overlays, ov)
		}
	}

	result := track.Analyzer.Observe(float64(obs.RSSI), obs.NowMs)
	track.LastTrend = result.Trend
	track.LastMotion = result.Motion

	return track.snapshotLocked()
}

// Get returns a snapshot of mac's track, if known.
func (e *Engine) Get(mac macaddr.Addr) (Snapshot, bool) {
	track, ok := e.tracks.Get(mac)
	if !ok {
		return Snapshot{}, false
	}
	return track.Snapshot(), true
}

// All returns a snapshot of every known track, in no particular order.
func (e *Engine) All() []Snapshot {
	out := make([]Snapshot, 0, e.tracks.Len())
	e.tracks.Range(func(_ macaddr.Addr, track *DeviceTrack) bool {
		out = append(out, track.Snapshot())
		return true
	})
	return out
}

// ByTrend filters All() to devices currently classified with the given
// trend. Supplements spec.md's analyzer contract with the reporting filter
// the original implementation exposed for its CLI summary.
func (e *Engine) ByTrend(t analyzer.Trend) []Snapshot {
	var out []Snapshot
	for _, s := range e.All() {
		if s.Trend == t {
			out = append(out, s)
		}
	}
	return out
}

// ByMotion filters All() to devices currently classified with the given
// motion state.
func (e *Engine) ByMotion(m analyzer.Motion) []Snapshot {
	var out []Snapshot
	for _, s := range e.All() {
		if s.Motion == m {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of tracked devices.
func (e *Engine) Len() int {
	return e.tracks.Len()
}

// NowMs returns the current wall-clock time in Unix milliseconds. The
// orchestrator does not call it: it stamps each Observation with the
// source-assigned frame timestamp, and tests construct Observation values
// with fixed times.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// Tracker is an alias for tracker.Tracker. Engine does not call it; the
// orchestrator runs each RawFrame through its own tracker before passing the
// admitted observation to Engine.Observe.
type Tracker = tracker.Tracker
