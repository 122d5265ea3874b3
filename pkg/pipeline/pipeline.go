// Package pipeline composes tracking, calibration and classification into a
// per-frame orchestrator.
//
// Frames are processed strictly one at a time in sequence order. The
// orchestrator is the only writer of the tracking and calibration state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/smilecal/pkg/calibration"
	"github.com/MrCodeEU/smilecal/pkg/expression"
	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/storage"
	"github.com/MrCodeEU/smilecal/pkg/tracking"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// DefaultBaseline is the baseline used before calibration when
// Config.EmitBeforeCalibration is set.
const DefaultBaseline = 0.2

// DefaultBaselineKey names the persisted baseline when none is configured.
const DefaultBaselineKey = "default"

const defaultEventBuffer = 64

// ErrOutOfOrder is returned for a frame whose sequence number is not greater
// than the last processed frame.
var ErrOutOfOrder = errors.New("frame out of order")

// ErrNoFrameSource is returned when timed calibration is started without a
// frame source to sample from.
var ErrNoFrameSource = errors.New("timed calibration requires a frame source")

// ErrNotCalibrated is returned by LoadBaseline when no baseline is stored.
var ErrNotCalibrated = errors.New("not calibrated")

// ErrClosed is returned when calibration is started after Close.
var ErrClosed = errors.New("orchestrator closed")

// Config holds orchestrator settings.
type Config struct {
	Tracking    tracking.Config
	Calibration calibration.Config
	Threshold   float64

	// EmitBeforeCalibration classifies against DefaultBaselineWidth until a
	// calibration completes. Otherwise those frames are skipped.
	EmitBeforeCalibration bool
	DefaultBaselineWidth  float64

	BaselineKey string
	EventBuffer int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Tracking:             tracking.DefaultConfig(),
		Calibration:          calibration.DefaultConfig(),
		Threshold:            expression.DefaultThreshold,
		DefaultBaselineWidth: DefaultBaseline,
		BaselineKey:          DefaultBaselineKey,
		EventBuffer:          defaultEventBuffer,
	}
}

// SkipReason explains why a frame produced no classification.
type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipNoFace       SkipReason = "no_face"
	SkipNoLandmarks  SkipReason = "no_landmarks"
	SkipCalibrating  SkipReason = "calibrating"
	SkipUncalibrated SkipReason = "uncalibrated"
)

// FrameResult is the outcome of processing one frame.
type FrameResult struct {
	Seq      uint64
	State    tracking.State
	Detected bool
	Lost     bool

	// Width is the mouth width used for this frame, when HasWidth is set.
	Width    float64
	HasWidth bool

	// Calibration is set on the frame that completed a burst.
	Calibration *calibration.Baseline
	// Classification is set when the frame was classified.
	Classification *expression.Result
	Skip           SkipReason
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCalibrationHandler registers the OnCalibrationComplete callback.
func WithCalibrationHandler(fn func(calibration.Baseline)) Option {
	return func(o *Orchestrator) { o.onCalibration = fn }
}

// WithClassificationHandler registers the OnClassification callback.
func WithClassificationHandler(fn func(expression.Result)) Option {
	return func(o *Orchestrator) { o.onClassification = fn }
}

// WithFrameSource sets the source pulled by timed calibration.
func WithFrameSource(src vision.FrameSource) Option {
	return func(o *Orchestrator) { o.source = src }
}

// WithStore enables baseline persistence.
func WithStore(store storage.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the per-frame pipeline.
type Orchestrator struct {
	mu sync.Mutex

	cfg        Config
	caps       vision.Capabilities
	machine    *tracking.Machine
	session    *calibration.Session
	classifier expression.Classifier
	source     vision.FrameSource
	store      storage.Store
	now        func() time.Time

	sessionID  string
	generation uint64
	sampler    *calibration.Sampler
	baseline   *calibration.Baseline

	lastSeq uint64
	seen    bool

	events chan Event
	closed bool

	onCalibration    func(calibration.Baseline)
	onClassification func(expression.Result)

	log *logrus.Entry
}

// New creates an orchestrator over the given capabilities.
func New(cfg Config, caps vision.Capabilities, opts ...Option) (*Orchestrator, error) {
	if caps.Detector == nil || caps.Tracker == nil || caps.Landmarker == nil {
		return nil, errors.New("detector, tracker and landmarker are all required")
	}
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration config: %w", err)
	}
	if cfg.BaselineKey == "" {
		cfg.BaselineKey = DefaultBaselineKey
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.DefaultBaselineWidth <= 0 {
		cfg.DefaultBaselineWidth = DefaultBaseline
	}

	o := &Orchestrator{
		cfg:        cfg,
		caps:       caps,
		machine:    tracking.NewMachine(cfg.Tracking, caps),
		session:    calibration.NewSession(cfg.Calibration.Capacity),
		classifier: expression.NewClassifier(cfg.Threshold),
		now:        time.Now,
		events:     make(chan Event, cfg.EventBuffer),
		log:        logging.Component("pipeline"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Events returns the event channel. It is closed by Close.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// Baseline returns the active baseline, if any.
func (o *Orchestrator) Baseline() (calibration.Baseline, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.baseline == nil {
		return calibration.Baseline{}, false
	}
	return *o.baseline, true
}

// State returns the tracking state.
func (o *Orchestrator) State() tracking.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.State()
}

// Process runs one frame through the pipeline.
//
// A *vision.CapabilityError drops the frame's result; the next frame
// proceeds from a consistent state. Callbacks run after the frame's state
// changes have been committed.
func (o *Orchestrator) Process(ctx context.Context, frame vision.Frame) (FrameResult, error) {
	o.mu.Lock()
	result, pending, err := o.process(ctx, frame)
	o.mu.Unlock()

	o.notify(pending)
	return result, err
}

func (o *Orchestrator) process(ctx context.Context, frame vision.Frame) (FrameResult, []notification, error) {
	result := FrameResult{Seq: frame.Seq}
	log := logging.Frame("pipeline", frame.Seq)

	if o.seen && frame.Seq <= o.lastSeq {
		return result, nil, fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, frame.Seq, o.lastSeq)
	}
	o.seen = true
	o.lastSeq = frame.Seq

	step, err := o.machine.Step(ctx, frame)
	result.State = step.State
	result.Detected = step.Detected
	result.Lost = step.Lost
	if err != nil {
		log.WithError(err).Warn("Frame dropped")
		return result, nil, err
	}

	if step.Lost {
		o.emit(Event{Type: EventTrackLost, Seq: frame.Seq})
	}

	if len(step.Observations) == 0 {
		result.Skip = SkipNoFace
		return result, nil, nil
	}

	width, ok := firstWidth(step.Observations)
	if !ok {
		result.Skip = SkipNoLandmarks
		return result, nil, nil
	}
	result.Width = width
	result.HasWidth = true

	var pending []notification

	if o.session.Active() {
		result.Skip = SkipCalibrating
		if o.cfg.Calibration.Mode == calibration.ModePerObservation {
			if b, done := o.session.Offer(width); done {
				pending = append(pending, o.complete(b))
				result.Calibration = &b
			}
		}
		return result, pending, nil
	}

	baseline := o.cfg.DefaultBaselineWidth
	switch {
	case o.baseline != nil:
		baseline = o.baseline.Width
	case !o.cfg.EmitBeforeCalibration:
		result.Skip = SkipUncalibrated
		return result, nil, nil
	}

	classification := o.classifier.Evaluate(width, baseline)
	result.Classification = &classification

	log.WithFields(logrus.Fields{
		"width":    width,
		"baseline": baseline,
		"smiling":  classification.IsSmiling,
	}).Debug("Frame classified")

	o.emit(Event{Type: EventClassification, Seq: frame.Seq, Result: &classification})
	if o.onClassification != nil {
		fn := o.onClassification
		pending = append(pending, func() { fn(classification) })
	}
	return result, pending, nil
}

// firstWidth returns the mouth width of the first observation that has one.
// Non-finite widths are treated as missing.
func firstWidth(observations []vision.Observation) (float64, bool) {
	for _, obs := range observations {
		if w, ok := obs.MouthWidth(); ok && !math.IsNaN(w) && !math.IsInf(w, 0) {
			return w, true
		}
	}
	return 0, false
}

// Run processes frames from the channel until it is closed or ctx is done.
// Capability failures and out-of-order frames are logged and skipped.
func (o *Orchestrator) Run(ctx context.Context, frames <-chan vision.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if _, err := o.Process(ctx, frame); err != nil {
				if errors.Is(err, ErrOutOfOrder) || vision.IsCapabilityFailure(err) {
					continue
				}
				return err
			}
		}
	}
}

// Reset drops all tracked faces.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.machine.Reset()
}

// Close stops any running calibration sampler and waits for it to exit,
// abandons a burst in progress, releases tracked faces and closes the event
// channel. The store is owned by the caller.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	sampler := o.sampler
	o.stopSampler()
	o.generation++
	o.session.Cancel()
	o.machine.Reset()
	o.closed = true
	close(o.events)
	o.mu.Unlock()

	// A tick may be queued on o.mu; it sees closed and returns.
	if sampler != nil {
		<-sampler.Done()
	}
	return nil
}
