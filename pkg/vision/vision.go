// Package vision defines the per-frame data model of the smile pipeline and
// the capabilities it consumes from a face detection backend.
//
// Backends live in sub-packages (pigo, yunet, dlib). The pipeline itself only
// depends on the interfaces declared here.
package vision

import (
	"context"
	"image"
	"time"

	"github.com/MrCodeEU/smilecal/pkg/geometry"
)

// Region names a landmark region.
type Region string

const (
	RegionOuterLips  Region = "outerLips"
	RegionInnerLips  Region = "innerLips"
	RegionLeftEye    Region = "leftEye"
	RegionRightEye   Region = "rightEye"
	RegionLeftPupil  Region = "leftPupil"
	RegionRightPupil Region = "rightPupil"
	RegionNose       Region = "nose"
)

// Frame is a single video frame.
type Frame struct {
	Seq       uint64
	Image     image.Image
	Timestamp time.Time
}

// Landmarks maps a region to its ordered points. Points are normalized to the
// face bounding box the landmarks were extracted for.
//
// For RegionOuterLips the first point is the left mouth corner and the last
// point the right mouth corner.
type Landmarks map[Region][]geometry.Point

// Get returns the points for a region. A region that is absent or empty for
// this frame reports false.
func (l Landmarks) Get(region Region) ([]geometry.Point, bool) {
	if l == nil {
		return nil, false
	}
	points, ok := l[region]
	if !ok || len(points) == 0 {
		return nil, false
	}
	return points, true
}

// Observation is a detected face in one frame.
type Observation struct {
	Bounds     geometry.Rect
	Landmarks  Landmarks
	Confidence float64
}

// MouthWidth returns the distance between the first and last outer lip points.
func (o Observation) MouthWidth() (float64, bool) {
	points, ok := o.Landmarks.Get(RegionOuterLips)
	if !ok {
		return 0, false
	}
	return geometry.Span(points)
}

// TrackTarget is a face handed to an ObjectTracker.
type TrackTarget struct {
	ID     string
	Bounds geometry.Rect
}

// TrackUpdate is the tracker's answer for one target.
type TrackUpdate struct {
	ID         string
	Confidence float64
	Bounds     geometry.Rect
}

// FaceDetector runs full-frame face detection. This is the expensive path.
type FaceDetector interface {
	DetectFaces(ctx context.Context, frame Frame) ([]Observation, error)
}

// ObjectTracker incrementally follows previously detected faces.
// Targets missing from the returned updates are treated as lost.
type ObjectTracker interface {
	TrackObjects(ctx context.Context, targets []TrackTarget, frame Frame) ([]TrackUpdate, error)
}

// LandmarkDetector extracts landmark regions for the face inside seed.
type LandmarkDetector interface {
	DetectLandmarks(ctx context.Context, frame Frame, seed geometry.Rect) (Landmarks, error)
}

// FrameSource supplies the most recent frame on demand.
type FrameSource interface {
	CurrentFrame(ctx context.Context) (Frame, error)
}

// Releaser is implemented by trackers that hold per-target state.
type Releaser interface {
	Release(ids ...string)
}

// Capabilities bundles the backends used by the pipeline.
type Capabilities struct {
	Detector   FaceDetector
	Tracker    ObjectTracker
	Landmarker LandmarkDetector
}
