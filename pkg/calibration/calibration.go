// Package calibration computes a personal "neutral" mouth width from a burst
// of width samples.
//
// A Session is owned by a single writer (the pipeline) and is not safe for
// concurrent use.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Mode selects how samples are fed into a burst.
type Mode string

const (
	// ModeTimed pulls a fresh observation on a fixed cadence.
	ModeTimed Mode = "timed"
	// ModePerObservation offers every landmark observation while active.
	ModePerObservation Mode = "per-observation"
)

const (
	// DefaultCapacity is the number of samples in a burst.
	DefaultCapacity = 50
	// DefaultDuration is the nominal length of a timed burst.
	DefaultDuration = 3 * time.Second
)

// ErrInsufficientSamples is returned when a burst is forced to complete
// without any samples.
var ErrInsufficientSamples = errors.New("insufficient samples")

// ErrNotActive is returned when completing a session that was never started
// or has already completed.
var ErrNotActive = errors.New("calibration not active")

// Config holds calibration settings.
type Config struct {
	Mode     Mode
	Capacity int
	Period   time.Duration // ModeTimed only
}

// DefaultConfig returns a timed burst of 50 samples over 3 seconds.
func DefaultConfig() Config {
	return Config{
		Mode:     ModeTimed,
		Capacity: DefaultCapacity,
		Period:   PeriodFor(DefaultDuration, DefaultCapacity),
	}
}

// PeriodFor returns the sampling period that spreads capacity samples over total.
func PeriodFor(total time.Duration, capacity int) time.Duration {
	if capacity <= 0 {
		return 0
	}
	return total / time.Duration(capacity)
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeTimed:
		if c.Period <= 0 {
			return fmt.Errorf("timed calibration requires a positive period, got %v", c.Period)
		}
	case ModePerObservation:
	default:
		return fmt.Errorf("invalid calibration mode: %q (must be %s or %s)", c.Mode, ModeTimed, ModePerObservation)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("calibration capacity must be positive, got %d", c.Capacity)
	}
	return nil
}

// Sample is one width measurement tagged with its position in the burst.
type Sample struct {
	Seq   uint64
	Width float64
}

// Baseline is the result of a completed burst.
type Baseline struct {
	Width   float64 `json:"width"`
	Samples int     `json:"samples"`
	StdDev  float64 `json:"stddev"`
}

// Session accumulates width samples until capacity is reached.
type Session struct {
	capacity int
	samples  []Sample
	active   bool
	seq      uint64
}

// NewSession creates an inactive session with the given capacity.
func NewSession(capacity int) *Session {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Session{
		capacity: capacity,
		samples:  make([]Sample, 0, capacity),
	}
}

// Start clears any collected samples and arms the session.
// Calling Start on an active session restarts the burst.
func (s *Session) Start() {
	s.samples = s.samples[:0]
	s.seq = 0
	s.active = true
}

// Cancel disarms the session and discards its samples.
func (s *Session) Cancel() {
	s.samples = s.samples[:0]
	s.active = false
}

// Active reports whether the session is collecting samples.
func (s *Session) Active() bool {
	return s.active
}

// Capacity returns the number of samples that completes a burst.
func (s *Session) Capacity() int {
	return s.capacity
}

// Len returns the number of samples collected so far.
func (s *Session) Len() int {
	return len(s.samples)
}

// Samples returns a copy of the collected samples.
func (s *Session) Samples() []Sample {
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Offer adds a width sample. It returns the baseline exactly once, on the
// sample that reaches capacity. Offers on an inactive session and NaN or
// infinite widths are ignored.
func (s *Session) Offer(width float64) (Baseline, bool) {
	if !s.active || math.IsNaN(width) || math.IsInf(width, 0) {
		return Baseline{}, false
	}

	s.seq++
	s.samples = append(s.samples, Sample{Seq: s.seq, Width: width})

	if len(s.samples) < s.capacity {
		return Baseline{}, false
	}

	baseline := s.baseline()
	s.active = false
	return baseline, true
}

// Complete forces the burst to finish with the samples collected so far.
// With no samples it fails with ErrInsufficientSamples and the session
// stays active.
func (s *Session) Complete() (Baseline, error) {
	if !s.active {
		return Baseline{}, ErrNotActive
	}
	if len(s.samples) == 0 {
		return Baseline{}, ErrInsufficientSamples
	}

	baseline := s.baseline()
	s.active = false
	return baseline, nil
}

func (s *Session) baseline() Baseline {
	widths := make([]float64, len(s.samples))
	for i, sample := range s.samples {
		widths[i] = sample.Width
	}

	b := Baseline{
		Width:   stat.Mean(widths, nil),
		Samples: len(widths),
	}
	if len(widths) > 1 {
		b.StdDev = stat.StdDev(widths, nil)
	}
	return b
}
