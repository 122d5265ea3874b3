// Package yunet is an OpenCV capability backend. Faces and their five
// landmark points come from the YuNet detector; tracking uses one MIL
// tracker per face.
package yunet

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/MrCodeEU/smilecal/pkg/acceleration"
	"github.com/MrCodeEU/smilecal/pkg/geometry"
	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// ModelFile is the default YuNet model file name.
const ModelFile = "face_detection_yunet_2023mar.onnx"

// Columns of a YuNet result row.
const (
	colBox        = 0  // x, y, w, h
	colRightEye   = 4  // subject's right eye, image left
	colLeftEye    = 6  // subject's left eye, image right
	colNose       = 8  //
	colMouthRight = 10 //
	colMouthLeft  = 12 //
	colScore      = 14 //
	rowWidth      = 15
)

// Config holds YuNet settings.
type Config struct {
	ModelPath      string
	ScoreThreshold float64
	NMSThreshold   float64
	TopK           int
	// TrackedConfidence is reported for a target the MIL tracker still
	// follows. MIL itself reports only found or lost.
	TrackedConfidence float64
	// Acceleration selects the DNN backend and target. Empty means CPU.
	Acceleration acceleration.Backend
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold:    0.6,
		NMSThreshold:      0.3,
		TopK:              5000,
		TrackedConfidence: 0.9,
		Acceleration:      acceleration.BackendCPU,
	}
}

// dnnDevice maps an acceleration backend to the OpenCV DNN backend and
// target pair. AMD GPUs are reached through OpenCL.
func dnnDevice(b acceleration.Backend) (gocv.NetBackendType, gocv.NetTargetType) {
	switch b {
	case acceleration.BackendCUDA:
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case acceleration.BackendOpenVINO:
		return gocv.NetBackendOpenVINO, gocv.NetTargetCPU
	case acceleration.BackendROCm:
		return gocv.NetBackendOpenCV, gocv.NetTargetFP32
	default:
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}
}

// Backend implements vision.FaceDetector, vision.ObjectTracker,
// vision.LandmarkDetector and vision.Releaser.
type Backend struct {
	cfg      Config
	mu       sync.Mutex // Protects inference and trackers
	detector gocv.FaceDetectorYN
	trackers map[string]gocv.Tracker
	closed   bool
	log      *logrus.Entry
}

// New creates a backend from the YuNet model at cfg.ModelPath.
func New(cfg Config) (*Backend, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	backend, target := dnnDevice(cfg.Acceleration)

	// Input size is updated per frame.
	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(320, 320),
		float32(cfg.ScoreThreshold),
		float32(cfg.NMSThreshold),
		cfg.TopK,
		int(backend),
		int(target),
	)

	return &Backend{
		cfg:      cfg,
		detector: detector,
		trackers: make(map[string]gocv.Tracker),
		log:      logging.Component("yunet"),
	}, nil
}

func toMat(frame vision.Frame) (gocv.Mat, error) {
	if frame.Image == nil {
		return gocv.NewMat(), errors.New("frame has no image")
	}
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("convert frame: %w", err)
	}
	if mat.Empty() {
		return mat, errors.New("empty image")
	}
	return mat, nil
}

// detect runs YuNet on mat. Caller holds b.mu.
func (b *Backend) detect(mat gocv.Mat) []vision.Observation {
	b.detector.SetInputSize(image.Pt(mat.Cols(), mat.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()

	b.detector.Detect(mat, &faces)

	w, h := float64(mat.Cols()), float64(mat.Rows())
	out := make([]vision.Observation, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		row := make([]float32, rowWidth)
		for c := range row {
			row[c] = faces.GetFloatAt(r, c)
		}
		out = append(out, parseRow(row, w, h))
	}
	return out
}

// parseRow converts one YuNet result row into an Observation. Bounds are
// normalized to the image; landmarks are normalized to the bounds.
func parseRow(row []float32, imgW, imgH float64) vision.Observation {
	bounds := geometry.Rect{
		X: float64(row[colBox]) / imgW,
		Y: float64(row[colBox+1]) / imgH,
		W: float64(row[colBox+2]) / imgW,
		H: float64(row[colBox+3]) / imgH,
	}

	pt := func(col int) geometry.Point {
		return bounds.Relative(geometry.Point{
			X: float64(row[col]) / imgW,
			Y: float64(row[col+1]) / imgH,
		})
	}

	corners := []geometry.Point{pt(colMouthRight), pt(colMouthLeft)}
	sort.Slice(corners, func(i, j int) bool { return corners[i].X < corners[j].X })

	return vision.Observation{
		Bounds:     bounds,
		Confidence: float64(row[colScore]),
		Landmarks: vision.Landmarks{
			vision.RegionLeftPupil:  {pt(colRightEye)},
			vision.RegionRightPupil: {pt(colLeftEye)},
			vision.RegionNose:       {pt(colNose)},
			vision.RegionOuterLips:  corners,
		},
	}
}

// DetectFaces runs YuNet over the full frame. Observations carry landmarks.
func (b *Backend) DetectFaces(ctx context.Context, frame vision.Frame) ([]vision.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := toMat(frame)
	defer mat.Close()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, vision.ErrBackendClosed
	}

	faces := b.detect(mat)
	if len(faces) > 0 {
		b.log.WithField("faces", len(faces)).Debug("YuNet found faces")
	}
	return faces, nil
}

// DetectLandmarks runs YuNet and returns the landmarks of the face that
// best overlaps seed, normalized to seed. No overlapping face yields empty
// landmarks.
func (b *Backend) DetectLandmarks(ctx context.Context, frame vision.Frame, seed geometry.Rect) (vision.Landmarks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := toMat(frame)
	defer mat.Close()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, vision.ErrBackendClosed
	}

	best, ok := bestMatch(b.detect(mat), seed)
	if !ok {
		return vision.Landmarks{}, nil
	}
	return reseed(best, seed), nil
}

// bestMatch picks the observation overlapping seed the most.
func bestMatch(faces []vision.Observation, seed geometry.Rect) (vision.Observation, bool) {
	var (
		best    vision.Observation
		bestIoU float64
	)
	for _, f := range faces {
		if iou := f.Bounds.IoU(seed); iou > bestIoU {
			best, bestIoU = f, iou
		}
	}
	return best, bestIoU > 0
}

// reseed re-expresses landmarks relative to another box.
func reseed(obs vision.Observation, seed geometry.Rect) vision.Landmarks {
	out := make(vision.Landmarks, len(obs.Landmarks))
	for region, points := range obs.Landmarks {
		moved := make([]geometry.Point, len(points))
		for i, p := range points {
			moved[i] = seed.Relative(obs.Bounds.Absolute(p))
		}
		out[region] = moved
	}
	return out
}

// TrackObjects updates a MIL tracker per target, creating one from the
// target's last box when it is new. Lost targets are left out of the
// result and their trackers closed.
func (b *Backend) TrackObjects(ctx context.Context, targets []vision.TrackTarget, frame vision.Frame) ([]vision.TrackUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := toMat(frame)
	defer mat.Close()
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, vision.ErrBackendClosed
	}

	full := image.Rect(0, 0, mat.Cols(), mat.Rows())
	w, h := float64(mat.Cols()), float64(mat.Rows())

	updates := make([]vision.TrackUpdate, 0, len(targets))
	for _, target := range targets {
		tracker, ok := b.trackers[target.ID]
		if !ok {
			tracker = gocv.NewTrackerMIL()
			if !tracker.Init(mat, toPixels(target.Bounds, w, h).Intersect(full)) {
				tracker.Close()
				continue
			}
			b.trackers[target.ID] = tracker
		}

		rect, found := tracker.Update(mat)
		if !found || rect.Empty() {
			b.closeTracker(target.ID)
			continue
		}

		updates = append(updates, vision.TrackUpdate{
			ID:         target.ID,
			Confidence: b.cfg.TrackedConfidence,
			Bounds:     fromPixels(rect, w, h),
		})
	}
	return updates, nil
}

// Release closes the trackers of candidates that are no longer followed.
func (b *Backend) Release(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.closeTracker(id)
	}
}

func (b *Backend) closeTracker(id string) {
	if t, ok := b.trackers[id]; ok {
		t.Close()
		delete(b.trackers, id)
	}
}

// Close releases the detector and every tracker.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	for id := range b.trackers {
		b.closeTracker(id)
	}
	b.detector.Close()
	b.closed = true
	return nil
}

func toPixels(r geometry.Rect, w, h float64) image.Rectangle {
	return image.Rect(int(r.X*w), int(r.Y*h), int((r.X+r.W)*w), int((r.Y+r.H)*h))
}

func fromPixels(r image.Rectangle, w, h float64) geometry.Rect {
	return geometry.Rect{
		X: float64(r.Min.X) / w,
		Y: float64(r.Min.Y) / h,
		W: float64(r.Dx()) / w,
		H: float64(r.Dy()) / h,
	}
}
