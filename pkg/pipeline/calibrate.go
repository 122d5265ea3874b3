package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/smilecal/pkg/calibration"
	"github.com/MrCodeEU/smilecal/pkg/storage"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// StartCalibration arms a new burst, discarding any samples from a burst in
// progress. In timed mode it also starts the sampler, which pulls frames
// from the frame source until the burst completes or is cancelled.
func (o *Orchestrator) StartCalibration(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", ErrClosed
	}
	timed := o.cfg.Calibration.Mode == calibration.ModeTimed
	if timed && o.source == nil {
		return "", ErrNoFrameSource
	}

	o.stopSampler()
	o.generation++
	o.session.Start()
	o.sessionID = uuid.NewString()

	o.log.WithFields(logrus.Fields{
		"session":  o.sessionID,
		"mode":     o.cfg.Calibration.Mode,
		"capacity": o.session.Capacity(),
	}).Info("Calibration started")
	o.emit(Event{Type: EventCalibrationStarted, SessionID: o.sessionID})

	if timed {
		gen := o.generation
		o.sampler = calibration.StartSampler(ctx, o.cfg.Calibration.Period, func(ctx context.Context) {
			if err := o.sampleTick(ctx, gen); err != nil {
				o.log.WithError(err).Debug("Calibration tick failed")
			}
		})
	}
	return o.sessionID, nil
}

// Calibrating reports whether a burst is in progress.
func (o *Orchestrator) Calibrating() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Active()
}

// SampleTick pulls the current frame and offers its mouth width to the
// active timed burst. It is what the sampler calls on every period. A tick
// with no face or no mouth region contributes nothing.
func (o *Orchestrator) SampleTick(ctx context.Context) error {
	o.mu.Lock()
	gen := o.generation
	o.mu.Unlock()
	return o.sampleTick(ctx, gen)
}

func (o *Orchestrator) sampleTick(ctx context.Context, gen uint64) error {
	o.mu.Lock()
	pending, err := o.sample(ctx, gen)
	o.mu.Unlock()

	o.notify(pending)
	return err
}

func (o *Orchestrator) sample(ctx context.Context, gen uint64) ([]notification, error) {
	// A tick from a superseded burst must not feed the current one.
	if o.closed || gen != o.generation || !o.session.Active() || o.cfg.Calibration.Mode != calibration.ModeTimed {
		return nil, nil
	}
	if o.source == nil {
		return nil, ErrNoFrameSource
	}

	frame, err := o.source.CurrentFrame(ctx)
	if err != nil {
		return nil, vision.NewCapabilityError(vision.StageCapture, err)
	}

	width, err := o.measure(ctx, frame)
	if errors.Is(err, vision.ErrMissingObservation) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	b, done := o.session.Offer(width)
	if !done {
		return nil, nil
	}
	return []notification{o.complete(b)}, nil
}

// measure runs detection and landmarks on a frame outside the tracking
// state machine and returns the first mouth width found.
func (o *Orchestrator) measure(ctx context.Context, frame vision.Frame) (float64, error) {
	faces, err := o.caps.Detector.DetectFaces(ctx, frame)
	if err != nil {
		return 0, vision.NewCapabilityError(vision.StageDetect, err)
	}

	for _, face := range faces {
		lm, err := o.caps.Landmarker.DetectLandmarks(ctx, frame, face.Bounds)
		if err != nil {
			return 0, vision.NewCapabilityError(vision.StageLandmarks, err)
		}
		face.Landmarks = lm
		if w, ok := firstWidth([]vision.Observation{face}); ok {
			return w, nil
		}
	}
	return 0, vision.ErrMissingObservation
}

// FinishCalibration completes the burst with the samples collected so far.
// With no samples it returns calibration.ErrInsufficientSamples and the
// burst stays armed.
func (o *Orchestrator) FinishCalibration() (calibration.Baseline, error) {
	o.mu.Lock()
	b, err := o.session.Complete()
	if err != nil {
		if errors.Is(err, calibration.ErrInsufficientSamples) {
			o.emit(Event{Type: EventCalibrationFailed, SessionID: o.sessionID, Error: err.Error()})
			o.log.WithField("session", o.sessionID).Warn("Calibration could not complete: no samples")
		}
		o.mu.Unlock()
		return calibration.Baseline{}, err
	}
	n := o.complete(b)
	o.mu.Unlock()

	n()
	return b, nil
}

// CancelCalibration abandons the burst in progress. It is a no-op when no
// burst is active.
func (o *Orchestrator) CancelCalibration() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopSampler()
	if !o.session.Active() {
		return
	}
	o.session.Cancel()
	o.emit(Event{Type: EventCalibrationFailed, SessionID: o.sessionID, Error: "cancelled"})
	o.log.WithField("session", o.sessionID).Info("Calibration cancelled")
}

// complete installs a finished baseline and persists it. Caller holds o.mu.
func (o *Orchestrator) complete(b calibration.Baseline) notification {
	o.stopSampler()
	o.baseline = &b

	o.log.WithFields(logrus.Fields{
		"session":  o.sessionID,
		"baseline": b.Width,
		"samples":  b.Samples,
		"stddev":   b.StdDev,
	}).Info("Calibration complete")

	if o.store != nil {
		record := storage.Baseline{
			Key:          o.cfg.BaselineKey,
			Width:        b.Width,
			Samples:      b.Samples,
			StdDev:       b.StdDev,
			Mode:         string(o.cfg.Calibration.Mode),
			SessionID:    o.sessionID,
			CalibratedAt: o.now(),
			Metadata: map[string]string{
				"capacity":  strconv.Itoa(o.session.Capacity()),
				"threshold": strconv.FormatFloat(o.cfg.Threshold, 'f', -1, 64),
			},
		}
		if o.cfg.Calibration.Mode == calibration.ModeTimed {
			record.Metadata["period"] = o.cfg.Calibration.Period.String()
		}
		if err := o.store.SaveBaseline(record); err != nil {
			o.log.WithError(err).Error("Failed to persist baseline")
		}
	}

	o.emit(Event{Type: EventCalibrationComplete, SessionID: o.sessionID, Baseline: &b})

	fn := o.onCalibration
	return func() {
		if fn != nil {
			fn(b)
		}
	}
}

// stopSampler stops the timed sampler if one is running. Caller holds o.mu.
func (o *Orchestrator) stopSampler() {
	if o.sampler != nil {
		o.sampler.Stop()
		o.sampler = nil
	}
}

// LoadBaseline restores the persisted baseline from the store.
func (o *Orchestrator) LoadBaseline() (calibration.Baseline, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.store == nil {
		return calibration.Baseline{}, ErrNotCalibrated
	}

	record, err := o.store.LoadBaseline(o.cfg.BaselineKey)
	if errors.Is(err, storage.ErrBaselineNotFound) {
		return calibration.Baseline{}, ErrNotCalibrated
	}
	if err != nil {
		return calibration.Baseline{}, fmt.Errorf("failed to load baseline: %w", err)
	}

	b := calibration.Baseline{Width: record.Width, Samples: record.Samples, StdDev: record.StdDev}
	o.baseline = &b
	o.log.WithFields(logrus.Fields{
		"key":      record.Key,
		"baseline": b.Width,
	}).Info("Loaded baseline")
	return b, nil
}

// SetBaseline installs a baseline without calibrating. It is not persisted.
func (o *Orchestrator) SetBaseline(width float64) error {
	if width <= 0 {
		return fmt.Errorf("baseline must be positive, got %v", width)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.baseline = &calibration.Baseline{Width: width}
	return nil
}
