// Package analyzer classifies a device's motion from its RSSI history: an
// exponential moving average smooths the raw signal, a least-squares slope
// over a sliding window estimates whether the device is getting closer or
// farther away, and the sample variance distinguishes genuine movement from
// RSSI jitter.
//
// The analyzer is a pure function of the sample sequence fed to it; it never
// reads the wall clock. Callers supply a monotonic millisecond timestamp with
// every sample.
package analyzer

// Trend classifies the direction of a device's RSSI slope.
type Trend int

const (
	TrendUnknown Trend = iota
	TrendApproaching
	TrendLeaving
	TrendStable
)

func (t Trend) String() string {
	switch t {
	case TrendApproaching:
		return "Approaching"
	case TrendLeaving:
		return "Leaving"
	case TrendStable:
		return "Stable"
	default:
		return "Unknown"
	}
}

// Motion classifies whether a device appears to be moving.
type Motion int

const (
	MotionUnknown Motion = iota
	MotionStill
	MotionMoving
)

func (m Motion) String() string {
	switch m {
	case MotionStill:
		return "Still"
	case MotionMoving:
		return "Moving"
	default:
		return "Unknown"
	}
}

// Config holds the tunables for a State; see SPEC_FULL.md §6 for defaults.
type Config struct {
	WindowSize      int     `yaml:"window_size" default:"20"`
	Alpha           float64 `yaml:"ema_alpha" default:"0.3"`
	SlopeEpsilon    float64 `yaml:"slope_epsilon" default:"0.15"`
	VarianceEpsilon float64 `yaml:"variance_epsilon" default:"2.0"`
	MinSamples      int     `yaml:"min_samples" default:"6"`
}

// DefaultConfig returns the spec-mandated default tunables.
func DefaultConfig() Config {
	return Config{
		WindowSize:      20,
		Alpha:           0.3,
		SlopeEpsilon:    0.15,
		VarianceEpsilon: 2.0,
		MinSamples:      6,
	}
}

type sample struct {
	tRel   float64
	smooth float64
}

// State is one device's analyzer window. It is not safe for concurrent use;
// callers that share a State across goroutines must hold an external lock
// (the fusion engine's per-MAC exclusion).
type State struct {
	cfg Config

	samples    []sample
	head       int // next write index into samples, once full
	count      int // number of valid entries, capped at cfg.WindowSize
	haveEMA    bool
	lastEMA    float64
	firstTMs   int64
	haveFirstT bool
}

// New returns a State configured with cfg. A zero-value Config is replaced
// with DefaultConfig.
func New(cfg Config) *State {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &State{
		cfg:     cfg,
		samples: make([]sample, cfg.WindowSize),
	}
}

// Result is the analyzer's classification of the current window, returned
// after every Observe call.
type Result struct {
	Trend    Trend
	Motion   Motion
	Slope    float64
	Variance float64
	Smoothed float64
}

// Observe folds a new raw RSSI reading at host time tMs (a monotonic
// millisecond clock supplied by the caller) into the window and returns the
// updated classification.
func (s *State) Observe(rssi float64, tMs int64) Result {
	if !s.haveEMA {
		s.lastEMA = rssi
		s.haveEMA = true
	} else {
		s.lastEMA = s.cfg.Alpha*rssi + (1-s.cfg.Alpha)*s.lastEMA
	}

	if !s.haveFirstT {
		s.firstTMs = tMs
		s.haveFirstT = true
	}
	tRel := float64(tMs-s.firstTMs) / 1000.0

	s.push(sample{tRel: tRel, smooth: s.lastEMA})

	if s.count < s.cfg.MinSamples {
		return Result{Trend: TrendUnknown, Motion: MotionUnknown, Smoothed: s.lastEMA}
	}

	slope := s.slope()
	variance := s.variance()

	var trend Trend
	switch {
	case slope > s.cfg.SlopeEpsilon:
		trend = TrendApproaching
	case slope < -s.cfg.SlopeEpsilon:
		trend = TrendLeaving
	default:
		trend = TrendStable
	}

	motion := MotionMoving
	if variance < s.cfg.VarianceEpsilon && absf(slope) < s.cfg.SlopeEpsilon {
		motion = MotionStill
	}

	return Result{Trend: trend, Motion: motion, Slope: slope, Variance: variance, Smoothed: s.lastEMA}
}

func (s *State) push(v sample) {
	if s.count < len(s.samples) {
		s.samples[s.count] = v
		s.count++
		return
	}
	s.samples[s.head] = v
	s.head = (s.head + 1) % len(s.samples)
}

// ordered returns the current window's samples in chronological order.
func (s *State) ordered() []sample {
	if s.count < len(s.samples) {
		return s.samples[:s.count]
	}
	out := make([]sample, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.samples[(s.head+i)%len(s.samples)]
	}
	return out
}

func (s *State) slope() float64 {
	pts := s.ordered()
	n := float64(len(pts))

	var sumT, sumR, sumTR, sumTT float64
	for _, p := range pts {
		sumT += p.tRel
		sumR += p.smooth
		sumTR += p.tRel * p.smooth
		sumTT += p.tRel * p.tRel
	}

	denom := n*sumTT - sumT*sumT
	if absf(denom) < 1e-9 {
		return 0
	}
	return (n*sumTR - sumT*sumR) / denom
}

func (s *State) variance() float64 {
	pts := s.ordered()
	n := float64(len(pts))

	var sum float64
	for _, p := range pts {
		sum += p.smooth
	}
	mean := sum / n

	var sq float64
	for _, p := range pts {
		d := p.smooth - mean
		sq += d * d
	}
	return sq / n
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
