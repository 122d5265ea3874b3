// Package dlib provides face detection using dlib via go-face.
//
// dlib's 5-point shape predictor locates the eyes and the nose but not the
// mouth, so this backend is a FaceDetector only. Pair it with a landmarker
// from the pigo or yunet packages.
package dlib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sort"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/MrCodeEU/smilecal/pkg/geometry"
	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// Model files expected in the model directory.
const (
	ShapePredictorModel = "shape_predictor_5_face_landmarks.dat"
	RecognitionModel    = "dlib_face_recognition_resnet_model_v1.dat"
	DetectorModel       = "mmod_human_face_detector.dat"
)

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("dlib models not loaded")

// engine is the subset of *face.Recognizer the detector uses.
type engine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// Detector implements vision.FaceDetector with go-face.
type Detector struct {
	mu     sync.RWMutex
	engine engine
	// jpeg quality for the frame handed to dlib
	quality int
}

// NewDetector creates a detector with no models loaded.
func NewDetector() *Detector {
	return &Detector{quality: 90}
}

// LoadModels loads the dlib models from modelPath.
func (d *Detector) LoadModels(modelPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil {
		return nil
	}

	logging.Infof("Loading dlib models from: %s", modelPath)

	rec, err := face.NewRecognizer(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	d.engine = rec
	logging.Info("dlib models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (d *Detector) IsLoaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine != nil
}

// Close releases the detector resources.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil {
		d.engine.Close()
		d.engine = nil
	}
	return nil
}

// DetectFaces detects all faces in a frame. Zero faces is not an error.
func (d *Detector) DetectFaces(ctx context.Context, frame vision.Frame) ([]vision.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.engine == nil {
		return nil, ErrModelNotLoaded
	}
	if frame.Image == nil {
		return nil, errors.New("frame has no image")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: d.quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	faces, err := d.engine.Recognize(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	bounds := frame.Image.Bounds()
	result := make([]vision.Observation, 0, len(faces))
	for _, f := range faces {
		result = append(result, toObservation(f, bounds))
	}

	logging.Debugf("Detected %d face(s) in frame %d", len(result), frame.Seq)
	return result, nil
}

// toObservation converts a go-face result to an Observation with bounds
// normalized to the image and landmarks normalized to the bounds.
// go-face reports no score; detections are taken at full confidence.
func toObservation(f face.Face, img image.Rectangle) vision.Observation {
	w := float64(img.Dx())
	h := float64(img.Dy())

	rect := f.Rectangle
	bounds := geometry.Rect{
		X: float64(rect.Min.X-img.Min.X) / w,
		Y: float64(rect.Min.Y-img.Min.Y) / h,
		W: float64(rect.Dx()) / w,
		H: float64(rect.Dy()) / h,
	}

	obs := vision.Observation{
		Bounds:     bounds,
		Confidence: 1.0,
	}
	if lm := shapeLandmarks(f.Shapes, img, bounds); len(lm) > 0 {
		obs.Landmarks = lm
	}
	return obs
}

// shapeLandmarks maps the 5-point shape (two points per eye, one under the
// nose) to eye and nose regions. Eyes are named by image side.
func shapeLandmarks(shapes []image.Point, img image.Rectangle, bounds geometry.Rect) vision.Landmarks {
	if len(shapes) != 5 {
		return nil
	}

	rel := func(p image.Point) geometry.Point {
		abs := geometry.Point{
			X: float64(p.X-img.Min.X) / float64(img.Dx()),
			Y: float64(p.Y-img.Min.Y) / float64(img.Dy()),
		}
		return bounds.Relative(abs)
	}

	eyeA := []geometry.Point{rel(shapes[0]), rel(shapes[1])}
	eyeB := []geometry.Point{rel(shapes[2]), rel(shapes[3])}
	for _, eye := range [][]geometry.Point{eyeA, eyeB} {
		sort.Slice(eye, func(i, j int) bool { return eye[i].X < eye[j].X })
	}
	if eyeA[0].X > eyeB[0].X {
		eyeA, eyeB = eyeB, eyeA
	}

	return vision.Landmarks{
		vision.RegionLeftEye:  eyeA,
		vision.RegionRightEye: eyeB,
		vision.RegionNose:     {rel(shapes[4])},
	}
}
