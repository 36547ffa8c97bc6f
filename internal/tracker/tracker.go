// Package tracker applies the per-device admission filter chain (RSSI
// threshold, temporal deduplication) and assigns monotonically increasing
// packet identifiers to every accepted observation, keeping both a per-device
// sequence and a totally ordered global log.
package tracker

import (
	"sort"
	"sync"

	"github.com/srgg/blesense/internal/macaddr"
)

// Config holds the filter-chain tunables; see SPEC_FULL.md §6.
type Config struct {
	RSSIThreshold int8  `yaml:"rssi_threshold" default:"-75"`
	DedupWindowMs int64 `yaml:"dedup_window_ms" default:"100"`
}

// DefaultConfig returns the spec-mandated default tunables.
func DefaultConfig() Config {
	return Config{RSSIThreshold: -75, DedupWindowMs: 100}
}

// Entry is a single accepted observation in the global ordered log.
type Entry struct {
	MAC               macaddr.Addr
	PacketID          uint64
	SourceID          int
	TsMs              int64
	SequencePosition  uint64
	LatencyFromPrevMs *int64
}

type deviceState struct {
	lastAcceptedTsMs int64
	lastAcceptedRSSI int8
	hasAccepted      bool
	nextSeq          uint64
}

// Stats mirrors the acceptance counters the spec requires to be exposed.
type Stats struct {
	TotalReceived   uint64
	TotalAccepted   uint64
	TotalFiltered   uint64
	TotalDuplicates uint64
}

// AcceptanceRate returns accepted/received, or 0 when nothing was received.
func (s Stats) AcceptanceRate() float64 {
	if s.TotalReceived == 0 {
		return 0
	}
	return float64(s.TotalAccepted) / float64(s.TotalReceived)
}

// Tracker is safe for concurrent use by multiple source goroutines.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	devices map[macaddr.Addr]*deviceState
	nextID  uint64
	log     []Entry
	stats   Stats
}

// New returns a Tracker configured with cfg. A zero-value Config is replaced
// with DefaultConfig.
func New(cfg Config) *Tracker {
	if cfg.DedupWindowMs == 0 && cfg.RSSIThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Tracker{
		cfg:     cfg,
		devices: make(map[macaddr.Addr]*deviceState),
	}
}

// Outcome describes what the filter chain decided about an observation.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeFilteredRSSI
	OutcomeDuplicate
)

// Observe runs mac's observation at (rssi, tsMs) through the filter chain.
// On acceptance it returns the assigned Entry and OutcomeAccepted; otherwise
// the Entry is the zero value and the Outcome says why it was rejected.
func (t *Tracker) Observe(mac macaddr.Addr, sourceID int, rssi int8, tsMs int64) (Entry, Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalReceived++

	if rssi < t.cfg.RSSIThreshold {
		t.stats.TotalFiltered++
		return Entry{}, OutcomeFilteredRSSI
	}

	ds, ok := t.devices[mac]
	if !ok {
		ds = &deviceState{}
		t.devices[mac] = ds
	}

	if ds.hasAccepted &&
		tsMs-ds.lastAcceptedTsMs <= t.cfg.DedupWindowMs &&
		rssi < ds.lastAcceptedRSSI {
		t.stats.TotalDuplicates++
		return Entry{}, OutcomeDuplicate
	}

	var latency *int64
	if ds.hasAccepted {
		l := tsMs - ds.lastAcceptedTsMs
		latency = &l
	}

	t.nextID++
	ds.nextSeq++
	entry := Entry{
		MAC:               mac,
		PacketID:          t.nextID,
		SourceID:          sourceID,
		TsMs:              tsMs,
		SequencePosition:  ds.nextSeq,
		LatencyFromPrevMs: latency,
	}

	ds.lastAcceptedTsMs = tsMs
	ds.lastAcceptedRSSI = rssi
	ds.hasAccepted = true

	t.log = append(t.log, entry)
	t.stats.TotalAccepted++

	return entry, OutcomeAccepted
}

// Stats returns a snapshot of the acceptance counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// GlobalLog returns the accepted entries in the total order defined by
// (ts_ms, source_id, packet_id).
func (t *Tracker) GlobalLog() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.log))
	copy(out, t.log)
	sort.Slice(out, func(i, j int) bool {
		if out[i].TsMs != out[j].TsMs {
			return out[i].TsMs < out[j].TsMs
		}
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].PacketID < out[j].PacketID
	})
	return out
}
