// Package anomaly scores reveal attempts against the user's own history.
// Scores are informational and never change an authorization decision.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"

	"revealgate.dev/internal/ledger"
)

// MaxSignal caps the contribution of any single signal.
const MaxSignal = 20

// Signal names, also used as keys of Result.Signals.
const (
	SignalHour      = "hour"
	SignalIP        = "ip"
	SignalDevice    = "device"
	SignalFrequency = "frequency"
	SignalFailures  = "failures"
)

// Weights is the maximum points per signal, each clamped to [0, MaxSignal].
type Weights struct {
	Hour      int
	IP        int
	Device    int
	Frequency int
	Failures  int
}

// Config tunes the heuristics.
type Config struct {
	Threshold     int
	Weights       Weights
	HourTolerance float64 // hours of deviation that score nothing
	HourFull      float64 // hours of deviation that score the full weight
	IPLookback    time.Duration
	BurstWindow   time.Duration
	MinBurst      int
	FailureSample int
}

// DefaultConfig mirrors the shipped configuration defaults.
var DefaultConfig = Config{
	Threshold:     75,
	Weights:       Weights{Hour: 20, IP: 20, Device: 20, Frequency: 20, Failures: 20},
	HourTolerance: 2,
	HourFull:      6,
	IPLookback:    30 * 24 * time.Hour,
	BurstWindow:   5 * time.Minute,
	MinBurst:      5,
	FailureSample: 20,
}

// Context describes the attempt being scored.
type Context struct {
	At          time.Time
	IP          string
	Fingerprint string
	Success     bool
}

// Result is the score with its explanation.
type Result struct {
	Score      int            `json:"score"`
	Suspicious bool           `json:"suspicious"`
	Reasons    []string       `json:"reasons,omitempty"`
	Signals    map[string]int `json:"signals"`
}

// Scorer computes anomaly scores. It is safe for concurrent use.
type Scorer struct {
	cfg Config
}

// NewScorer clamps cfg into its valid ranges.
func NewScorer(cfg Config) *Scorer {
	cfg.Weights.Hour = clampInt(cfg.Weights.Hour, 0, MaxSignal)
	cfg.Weights.IP = clampInt(cfg.Weights.IP, 0, MaxSignal)
	cfg.Weights.Device = clampInt(cfg.Weights.Device, 0, MaxSignal)
	cfg.Weights.Frequency = clampInt(cfg.Weights.Frequency, 0, MaxSignal)
	cfg.Weights.Failures = clampInt(cfg.Weights.Failures, 0, MaxSignal)
	cfg.Threshold = clampInt(cfg.Threshold, 0, 100)
	if cfg.HourFull < cfg.HourTolerance {
		cfg.HourFull = cfg.HourTolerance
	}
	if cfg.IPLookback <= 0 {
		cfg.IPLookback = DefaultConfig.IPLookback
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultConfig.BurstWindow
	}
	if cfg.MinBurst <= 0 {
		cfg.MinBurst = DefaultConfig.MinBurst
	}
	if cfg.FailureSample <= 0 {
		cfg.FailureSample = DefaultConfig.FailureSample
	}
	return &Scorer{cfg: cfg}
}

// Threshold is the score at which a session is marked suspicious.
func (s *Scorer) Threshold() int { return s.cfg.Threshold }

// Score rates c against history, which may be in any order and may be empty.
func (s *Scorer) Score(c Context, history []ledger.RevealSession) Result {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	c.At = c.At.UTC()

	hist := make([]ledger.RevealSession, 0, len(history))
	for _, h := range history {
		if !h.Timestamp.After(c.At) {
			hist = append(hist, h)
		}
	}
	sort.Slice(hist, func(i, j int) bool { return hist[i].Timestamp.After(hist[j].Timestamp) })

	res := Result{Signals: make(map[string]int, 5)}
	add := func(name string, points int, reason string) {
		res.Signals[name] = points
		if points > 0 {
			res.Score += points
			res.Reasons = append(res.Reasons, reason)
		}
	}

	hp, hr := s.hourSignal(c, hist)
	add(SignalHour, hp, hr)
	ip, ir := s.ipSignal(c, hist)
	add(SignalIP, ip, ir)
	dp, dr := s.deviceSignal(c, hist)
	add(SignalDevice, dp, dr)
	fp, fr := s.frequencySignal(c, hist)
	add(SignalFrequency, fp, fr)
	xp, xr := s.failureSignal(c, hist)
	add(SignalFailures, xp, xr)

	res.Score = clampInt(res.Score, 0, 100)
	res.Suspicious = res.Score >= s.cfg.Threshold
	return res
}

func (s *Scorer) hourSignal(c Context, hist []ledger.RevealSession) (int, string) {
	w := s.cfg.Weights.Hour
	at := hourOf(c.At)
	if len(hist) == 0 {
		if at < 6 || at >= 22 {
			return w, fmt.Sprintf("first access at %02d:%02d is outside 06:00-22:00", c.At.Hour(), c.At.Minute())
		}
		return 0, ""
	}

	hours := make([]float64, len(hist))
	for i, h := range hist {
		hours[i] = hourOf(h.Timestamp.UTC())
	}
	median := medianOf(hours)
	dev := math.Abs(at - median)
	if dev > 12 {
		dev = 24 - dev
	}

	var frac float64
	switch {
	case dev <= s.cfg.HourTolerance:
		frac = 0
	case s.cfg.HourFull <= s.cfg.HourTolerance:
		frac = 1
	default:
		frac = (dev - s.cfg.HourTolerance) / (s.cfg.HourFull - s.cfg.HourTolerance)
	}
	points := scale(w, frac)
	return points, fmt.Sprintf("access hour deviates %.1fh from usual %.1fh", dev, median)
}

func (s *Scorer) ipSignal(c Context, hist []ledger.RevealSession) (int, string) {
	if len(hist) == 0 || c.IP == "" {
		return 0, ""
	}
	since := c.At.Add(-s.cfg.IPLookback)
	for _, h := range hist {
		if h.Timestamp.Before(since) {
			break
		}
		if h.IP == c.IP {
			return 0, ""
		}
	}
	return s.cfg.Weights.IP, fmt.Sprintf("new IP address %s", c.IP)
}

func (s *Scorer) deviceSignal(c Context, hist []ledger.RevealSession) (int, string) {
	if len(hist) == 0 || c.Fingerprint == "" {
		return 0, ""
	}
	for _, h := range hist {
		if h.Fingerprint == c.Fingerprint {
			return 0, ""
		}
	}
	return s.cfg.Weights.Device, "unrecognised device"
}

func (s *Scorer) frequencySignal(c Context, hist []ledger.RevealSession) (int, string) {
	burstStart := c.At.Add(-s.cfg.BurstWindow)
	lookStart := c.At.Add(-s.cfg.IPLookback)
	recent, older := 1, 0
	for _, h := range hist {
		switch {
		case h.Timestamp.After(burstStart):
			recent++
		case !h.Timestamp.Before(lookStart):
			older++
		}
	}

	buckets := float64(s.cfg.IPLookback-s.cfg.BurstWindow) / float64(s.cfg.BurstWindow)
	baseline := 0.0
	if buckets > 0 {
		baseline = float64(older) / buckets
	}
	threshold := math.Max(float64(s.cfg.MinBurst), 3*baseline)
	ratio := float64(recent) / threshold
	if ratio <= 1 {
		return 0, ""
	}
	return scale(s.cfg.Weights.Frequency, ratio-1),
		fmt.Sprintf("%d reveals in %s exceeds baseline of %.0f", recent, s.cfg.BurstWindow, threshold)
}

func (s *Scorer) failureSignal(c Context, hist []ledger.RevealSession) (int, string) {
	sample := hist
	if len(sample) > s.cfg.FailureSample {
		sample = sample[:s.cfg.FailureSample]
	}
	failed := 0
	for _, h := range sample {
		if !h.Success {
			failed++
		}
	}
	if !c.Success {
		failed++
	}
	total := len(sample) + 1
	rate := float64(failed) / float64(total)
	points := scale(s.cfg.Weights.Failures, rate)
	if points == 0 {
		return 0, ""
	}
	return points, fmt.Sprintf("%d of last %d attempts failed", failed, total)
}

func hourOf(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

func medianOf(v []float64) float64 {
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func scale(weight int, frac float64) int {
	if frac <= 0 || math.IsNaN(frac) {
		return 0
	}
	if frac > 1 {
		frac = 1
	}
	return int(math.Round(float64(weight) * frac))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
