package pipeline

import (
	"context"
	"sync"

	"github.com/MrCodeEU/smilecal/pkg/calibration"
	"github.com/MrCodeEU/smilecal/pkg/expression"
	"github.com/MrCodeEU/smilecal/pkg/geometry"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// MockDetector implements vision.FaceDetector for testing
type MockDetector struct {
	DetectFacesFunc func(ctx context.Context, frame vision.Frame) ([]vision.Observation, error)
}

func (m *MockDetector) DetectFaces(ctx context.Context, frame vision.Frame) ([]vision.Observation, error) {
	if m.DetectFacesFunc != nil {
		return m.DetectFacesFunc(ctx, frame)
	}
	return []vision.Observation{{
		Bounds:     geometry.Rect{X: 0.3, Y: 0.3, W: 0.4, H: 0.4},
		Confidence: 0.9,
	}}, nil
}

// MockTracker implements vision.ObjectTracker for testing. By default every
// target keeps full confidence.
type MockTracker struct {
	TrackObjectsFunc func(ctx context.Context, targets []vision.TrackTarget, frame vision.Frame) ([]vision.TrackUpdate, error)
}

func (m *MockTracker) TrackObjects(ctx context.Context, targets []vision.TrackTarget, frame vision.Frame) ([]vision.TrackUpdate, error) {
	if m.TrackObjectsFunc != nil {
		return m.TrackObjectsFunc(ctx, targets, frame)
	}
	updates := make([]vision.TrackUpdate, len(targets))
	for i, target := range targets {
		updates[i] = vision.TrackUpdate{ID: target.ID, Confidence: 1, Bounds: target.Bounds}
	}
	return updates, nil
}

// MockLandmarker implements vision.LandmarkDetector for testing. Width
// controls the outer lip span it reports.
type MockLandmarker struct {
	DetectLandmarksFunc func(ctx context.Context, frame vision.Frame, seed geometry.Rect) (vision.Landmarks, error)
	Width               float64
}

func (m *MockLandmarker) DetectLandmarks(ctx context.Context, frame vision.Frame, seed geometry.Rect) (vision.Landmarks, error) {
	if m.DetectLandmarksFunc != nil {
		return m.DetectLandmarksFunc(ctx, frame, seed)
	}
	return lips(m.Width), nil
}

// MockSource implements vision.FrameSource for testing
type MockSource struct {
	mu  sync.Mutex
	seq uint64
	Err error
}

func (m *MockSource) CurrentFrame(ctx context.Context) (vision.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return vision.Frame{}, m.Err
	}
	m.seq++
	return vision.Frame{Seq: m.seq}, nil
}

// recorder collects callback invocations.
type recorder struct {
	mu              sync.Mutex
	baselines       []calibration.Baseline
	classifications []expression.Result
}

func (r *recorder) onCalibration(b calibration.Baseline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baselines = append(r.baselines, b)
}

func (r *recorder) onClassification(res expression.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifications = append(r.classifications, res)
}

func (r *recorder) calibrations() []calibration.Baseline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]calibration.Baseline(nil), r.baselines...)
}

func lips(width float64) vision.Landmarks {
	return vision.Landmarks{
		vision.RegionOuterLips: {{X: 0, Y: 0}, {X: width / 2, Y: 0.05}, {X: width, Y: 0}},
	}
}

func frame(seq uint64) vision.Frame {
	return vision.Frame{Seq: seq}
}
