// Package tracking decides, frame by frame, whether to run full face
// detection or cheap incremental tracking, and keeps the set of faces under
// tracking gated by tracker confidence.
//
// A Machine is owned by a single writer. Frames must be stepped in arrival
// order.
package tracking

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// DefaultConfidenceThreshold is the tracker confidence a candidate must
// exceed to keep being tracked.
const DefaultConfidenceThreshold = 0.3

// State is the machine state between frames.
type State int

const (
	// StateIdle means no faces are tracked; the next frame runs detection.
	StateIdle State = iota
	// StateHasCandidates means at least one face is tracked.
	StateHasCandidates
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHasCandidates:
		return "has_candidates"
	default:
		return "unknown"
	}
}

// Candidate is a face under incremental tracking.
type Candidate struct {
	ID          string
	Observation vision.Observation
	Confidence  float64
	// Terminal means tracking will not continue past this frame.
	Terminal bool
}

// Config holds state machine settings.
type Config struct {
	ConfidenceThreshold float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: DefaultConfidenceThreshold}
}

// Step is the outcome of processing one frame.
type Step struct {
	// State after the frame.
	State State
	// Detected is true when the frame used the full detection path.
	Detected bool
	// Observations holds one entry per candidate processed this frame,
	// with fresh landmarks for this frame.
	Observations []vision.Observation
	// Terminated counts candidates marked terminal on this frame.
	Terminated int
	// Dropped counts terminal candidates flushed and removed on this frame.
	Dropped int
	// Lost is true when tracking emptied the active set.
	Lost bool
}

// Machine is the detect-or-track state machine.
type Machine struct {
	cfg        Config
	detector   vision.FaceDetector
	tracker    vision.ObjectTracker
	landmarker vision.LandmarkDetector
	active     []*Candidate
	log        *logrus.Entry
}

// NewMachine creates an idle machine over the given capabilities.
func NewMachine(cfg Config, caps vision.Capabilities) *Machine {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return &Machine{
		cfg:        cfg,
		detector:   caps.Detector,
		tracker:    caps.Tracker,
		landmarker: caps.Landmarker,
		log:        logging.Component("tracking"),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	if len(m.active) == 0 {
		return StateIdle
	}
	return StateHasCandidates
}

// Candidates returns a snapshot of the active set.
func (m *Machine) Candidates() []Candidate {
	out := make([]Candidate, len(m.active))
	for i, c := range m.active {
		out[i] = *c
	}
	return out
}

// Reset drops every candidate and returns to idle.
func (m *Machine) Reset() {
	m.release(m.active)
	m.active = nil
}

// Step processes one frame.
//
// A capability failure is returned as a *vision.CapabilityError. A failed
// detection or tracking call leaves the active set untouched. A failed
// landmark pass happens after the state transition has been committed, so
// the next frame continues from the updated set.
func (m *Machine) Step(ctx context.Context, frame vision.Frame) (Step, error) {
	var (
		current []*Candidate
		step    Step
		err     error
	)

	if len(m.active) == 0 {
		current, err = m.detect(ctx, frame)
		if err != nil {
			return Step{State: m.State()}, err
		}
		step.Detected = true
		m.active = current
		if len(current) > 0 {
			m.log.WithFields(logrus.Fields{
				"seq":        frame.Seq,
				"candidates": len(current),
			}).Info("Faces detected, tracking started")
		}
	} else {
		current, step, err = m.track(ctx, frame)
		if err != nil {
			return Step{State: m.State()}, err
		}
	}

	step.State = m.State()

	observations, err := m.landmarks(ctx, frame, current)
	if err != nil {
		return step, err
	}
	step.Observations = observations
	return step, nil
}

func (m *Machine) detect(ctx context.Context, frame vision.Frame) ([]*Candidate, error) {
	faces, err := m.detector.DetectFaces(ctx, frame)
	if err != nil {
		return nil, vision.NewCapabilityError(vision.StageDetect, err)
	}

	candidates := make([]*Candidate, 0, len(faces))
	for _, face := range faces {
		candidates = append(candidates, &Candidate{
			ID:          uuid.NewString(),
			Observation: face,
			Confidence:  face.Confidence,
		})
	}
	return candidates, nil
}

func (m *Machine) track(ctx context.Context, frame vision.Frame) ([]*Candidate, Step, error) {
	var step Step

	targets := make([]vision.TrackTarget, 0, len(m.active))
	for _, c := range m.active {
		if c.Terminal {
			continue
		}
		targets = append(targets, vision.TrackTarget{ID: c.ID, Bounds: c.Observation.Bounds})
	}

	updates := make(map[string]vision.TrackUpdate, len(targets))
	if len(targets) > 0 {
		results, err := m.tracker.TrackObjects(ctx, targets, frame)
		if err != nil {
			return nil, step, vision.NewCapabilityError(vision.StageTrack, err)
		}
		for _, u := range results {
			updates[u.ID] = u
		}
	}

	current := make([]*Candidate, 0, len(m.active))
	next := make([]*Candidate, 0, len(m.active))
	var dropped []*Candidate

	for _, c := range m.active {
		if c.Terminal {
			// Flushed once more this frame, then gone.
			current = append(current, c)
			dropped = append(dropped, c)
			continue
		}

		// No update means the tracker lost it.
		u := updates[c.ID]
		c.Confidence = u.Confidence
		if u.Confidence > m.cfg.ConfidenceThreshold {
			c.Observation.Bounds = u.Bounds
			c.Observation.Confidence = u.Confidence
		} else {
			c.Terminal = true
			step.Terminated++
			m.log.WithFields(logrus.Fields{
				"seq":        frame.Seq,
				"candidate":  c.ID,
				"confidence": u.Confidence,
			}).Debug("Track confidence below threshold, marking terminal")
		}
		current = append(current, c)
		next = append(next, c)
	}

	m.active = next
	m.release(dropped)
	step.Dropped = len(dropped)

	if len(next) == 0 {
		step.Lost = true
		m.log.WithField("seq", frame.Seq).Info("Track lost, returning to detection")
	}
	return current, step, nil
}

func (m *Machine) landmarks(ctx context.Context, frame vision.Frame, candidates []*Candidate) ([]vision.Observation, error) {
	observations := make([]vision.Observation, 0, len(candidates))
	for _, c := range candidates {
		lm, err := m.landmarker.DetectLandmarks(ctx, frame, c.Observation.Bounds)
		if err != nil {
			return nil, vision.NewCapabilityError(vision.StageLandmarks, err)
		}
		obs := c.Observation
		obs.Landmarks = lm
		observations = append(observations, obs)
	}
	return observations, nil
}

func (m *Machine) release(candidates []*Candidate) {
	releaser, ok := m.tracker.(vision.Releaser)
	if !ok || len(candidates) == 0 {
		return
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	releaser.Release(ids...)
}
