package tracking

import (
	"context"

	"github.com/MrCodeEU/smilecal/pkg/geometry"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// MockDetector implements vision.FaceDetector for testing
type MockDetector struct {
	DetectFacesFunc func(ctx context.Context, frame vision.Frame) ([]vision.Observation, error)
	Calls           int
}

func (m *MockDetector) DetectFaces(ctx context.Context, frame vision.Frame) ([]vision.Observation, error) {
	m.Calls++
	if m.DetectFacesFunc != nil {
		return m.DetectFacesFunc(ctx, frame)
	}
	return nil, nil
}

// MockTracker implements vision.ObjectTracker and vision.Releaser for testing
type MockTracker struct {
	TrackObjectsFunc func(ctx context.Context, targets []vision.TrackTarget, frame vision.Frame) ([]vision.TrackUpdate, error)
	Calls            int
	Targets          [][]vision.TrackTarget
	Released         []string
}

func (m *MockTracker) TrackObjects(ctx context.Context, targets []vision.TrackTarget, frame vision.Frame) ([]vision.TrackUpdate, error) {
	m.Calls++
	m.Targets = append(m.Targets, targets)
	if m.TrackObjectsFunc != nil {
		return m.TrackObjectsFunc(ctx, targets, frame)
	}
	return nil, nil
}

func (m *MockTracker) Release(ids ...string) {
	m.Released = append(m.Released, ids...)
}

// MockLandmarker implements vision.LandmarkDetector for testing
type MockLandmarker struct {
	DetectLandmarksFunc func(ctx context.Context, frame vision.Frame, seed geometry.Rect) (vision.Landmarks, error)
	Seeds               []geometry.Rect
}

func (m *MockLandmarker) DetectLandmarks(ctx context.Context, frame vision.Frame, seed geometry.Rect) (vision.Landmarks, error) {
	m.Seeds = append(m.Seeds, seed)
	if m.DetectLandmarksFunc != nil {
		return m.DetectLandmarksFunc(ctx, frame, seed)
	}
	return vision.Landmarks{
		vision.RegionOuterLips: {{X: 0, Y: 0}, {X: 1, Y: 0}},
	}, nil
}

// confidences returns a tracker func that answers every target with the given confidence
func confidences(conf float64) func(ctx context.Context, targets []vision.TrackTarget, frame vision.Frame) ([]vision.TrackUpdate, error) {
	return func(ctx context.Context, targets []vision.TrackTarget, frame vision.Frame) ([]vision.TrackUpdate, error) {
		updates := make([]vision.TrackUpdate, len(targets))
		for i, target := range targets {
			moved := target.Bounds
			moved.X += 0.01
			updates[i] = vision.TrackUpdate{ID: target.ID, Confidence: conf, Bounds: moved}
		}
		return updates, nil
	}
}

func faces(n int) func(ctx context.Context, frame vision.Frame) ([]vision.Observation, error) {
	return func(ctx context.Context, frame vision.Frame) ([]vision.Observation, error) {
		out := make([]vision.Observation, n)
		for i := range out {
			out[i] = vision.Observation{
				Bounds:     geometry.Rect{X: 0.1 + 0.4*float64(i), Y: 0.2, W: 0.3, H: 0.3},
				Confidence: 0.9,
			}
		}
		return out, nil
	}
}
