// Package pigo is a pure Go capability backend built on the pigo cascade
// classifiers. It detects faces, tracks them by re-detecting inside a
// window around their last position, and locates the mouth corners with
// the facial landmark point cascades.
package pigo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/smilecal/pkg/geometry"
	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// Cascade file layout inside the cascade directory.
const (
	FaceCascade   = "facefinder"
	PuplocCascade = "puploc"
	LandmarkDir   = "lps"
)

// perturbFact is the perturbation factor used for pupil and landmark localization.
const perturbFact = 63

// mouthCorner is the landmark cascade that locates a mouth corner. Run
// flipped it returns the opposite corner.
const mouthCorner = "lp84"

// lipCascades locate points on the lips between the corners.
var lipCascades = []string{"lp93", "lp82", "lp81"}

// LandmarkCascades returns the landmark cascade files DetectLandmarks reads
// from LandmarkDir.
func LandmarkCascades() []string {
	return append([]string{mouthCorner}, lipCascades...)
}

// Config holds pigo detection settings.
type Config struct {
	CascadeDir  string
	MinSize     int
	MaxSize     int
	ShiftFactor float64
	ScaleFactor float64
	// IoUThreshold merges overlapping detections.
	IoUThreshold float64
	// MinQuality drops detections scored below it.
	MinQuality float32
	// QualityScale maps a detection score q to a confidence q/(q+QualityScale).
	QualityScale float64
	// SearchMargin grows a tracked face's box by this fraction on each side
	// to form the re-detection window.
	SearchMargin float64
}

// DefaultConfig returns sensible defaults for webcam-sized frames.
func DefaultConfig() Config {
	return Config{
		MinSize:      60,
		MaxSize:      1000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.1,
		MinQuality:   5.0,
		QualityScale: 5.0,
		SearchMargin: 0.5,
	}
}

// Backend implements vision.FaceDetector, vision.ObjectTracker and
// vision.LandmarkDetector.
type Backend struct {
	cfg       Config
	mu        sync.Mutex
	face      *pigo.Pigo
	puploc    *pigo.PuplocCascade
	landmarks map[string][]*pigo.FlpCascade
	log       *logrus.Entry
}

// Load reads and unpacks the cascades from cfg.CascadeDir.
func Load(cfg Config) (*Backend, error) {
	faceData, err := os.ReadFile(filepath.Join(cfg.CascadeDir, FaceCascade))
	if err != nil {
		return nil, fmt.Errorf("error reading the facefinder cascade file: %w", err)
	}
	face, err := pigo.NewPigo().Unpack(faceData)
	if err != nil {
		return nil, fmt.Errorf("error unpacking the facefinder cascade file: %w", err)
	}

	plc := pigo.NewPuplocCascade()
	puplocData, err := os.ReadFile(filepath.Join(cfg.CascadeDir, PuplocCascade))
	if err != nil {
		return nil, fmt.Errorf("error reading the puploc cascade file: %w", err)
	}
	puploc, err := plc.UnpackCascade(puplocData)
	if err != nil {
		return nil, fmt.Errorf("error unpacking the puploc cascade file: %w", err)
	}

	flpcs, err := plc.ReadCascadeDir(filepath.Join(cfg.CascadeDir, LandmarkDir))
	if err != nil {
		return nil, fmt.Errorf("error reading the facial landmark cascades: %w", err)
	}
	if len(flpcs[mouthCorner]) == 0 {
		return nil, fmt.Errorf("missing %s cascade in %s", mouthCorner, LandmarkDir)
	}

	return &Backend{
		cfg:       cfg,
		face:      face,
		puploc:    puploc,
		landmarks: flpcs,
		log:       logging.Component("pigo"),
	}, nil
}

// grayFrame is a frame converted for the cascades.
type grayFrame struct {
	params pigo.ImageParams
	width  int
	height int
}

func toGray(img image.Image) grayFrame {
	b := img.Bounds()
	cols, rows := b.Dx(), b.Dy()
	return grayFrame{
		params: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(img),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
		width:  cols,
		height: rows,
	}
}

// detect runs the face cascade and clusters the results.
func (b *Backend) detect(g grayFrame, minSize, maxSize int) []pigo.Detection {
	params := pigo.CascadeParams{
		MinSize:     minSize,
		MaxSize:     maxSize,
		ShiftFactor: b.cfg.ShiftFactor,
		ScaleFactor: b.cfg.ScaleFactor,
		ImageParams: g.params,
	}

	dets := b.face.RunCascade(params, 0.0)
	dets = b.face.ClusterDetections(dets, b.cfg.IoUThreshold)

	out := dets[:0]
	for _, d := range dets {
		if d.Q >= b.cfg.MinQuality {
			out = append(out, d)
		}
	}
	return out
}

// DetectFaces runs full-frame detection.
func (b *Backend) DetectFaces(ctx context.Context, frame vision.Frame) ([]vision.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Image == nil {
		return nil, errors.New("frame has no image")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	g := toGray(frame.Image)
	dets := b.detect(g, b.cfg.MinSize, b.cfg.MaxSize)

	faces := make([]vision.Observation, 0, len(dets))
	for _, d := range dets {
		faces = append(faces, vision.Observation{
			Bounds:     detectionRect(d, g.width, g.height),
			Confidence: quality(d.Q, b.cfg.QualityScale),
		})
	}
	return faces, nil
}

// TrackObjects re-detects each target inside a window around its previous
// box. The confidence is the detection quality weighted by how well the new
// box overlaps the previous one. A target with no detection in its window
// is left out of the result.
func (b *Backend) TrackObjects(ctx context.Context, targets []vision.TrackTarget, frame vision.Frame) ([]vision.TrackUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Image == nil {
		return nil, errors.New("frame has no image")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	full := frame.Image.Bounds()
	fw, fh := float64(full.Dx()), float64(full.Dy())

	updates := make([]vision.TrackUpdate, 0, len(targets))
	for _, target := range targets {
		window := target.Bounds.Expand(b.cfg.SearchMargin).Clamp()
		crop := pixelRect(window, full)
		if crop.Dx() < b.cfg.MinSize || crop.Dy() < b.cfg.MinSize {
			continue
		}

		g := toGray(imaging.Crop(frame.Image, crop))

		// Only look for faces near the size we last saw.
		size := int(target.Bounds.W * fw)
		minSize := max(b.cfg.MinSize, size*2/3)
		maxSize := min(b.cfg.MaxSize, size*3/2+1)

		dets := b.detect(g, minSize, maxSize)
		if len(dets) == 0 {
			continue
		}

		var (
			best     geometry.Rect
			bestConf float64
		)
		for _, d := range dets {
			r := detectionRect(d, g.width, g.height)
			// Back to full-frame coordinates.
			r = geometry.Rect{
				X: (float64(crop.Min.X-full.Min.X) + r.X*float64(g.width)) / fw,
				Y: (float64(crop.Min.Y-full.Min.Y) + r.Y*float64(g.height)) / fh,
				W: r.W * float64(g.width) / fw,
				H: r.H * float64(g.height) / fh,
			}
			conf := quality(d.Q, b.cfg.QualityScale) * overlapWeight(target.Bounds.IoU(r))
			if conf > bestConf {
				best, bestConf = r, conf
			}
		}

		updates = append(updates, vision.TrackUpdate{
			ID:         target.ID,
			Confidence: bestConf,
			Bounds:     best,
		})
	}
	return updates, nil
}

// DetectLandmarks locates the pupils inside seed and, from them, the mouth
// corners. Points are normalized to seed. Regions that cannot be located
// are absent from the result.
func (b *Backend) DetectLandmarks(ctx context.Context, frame vision.Frame, seed geometry.Rect) (vision.Landmarks, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Image == nil {
		return nil, errors.New("frame has no image")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	g := toGray(frame.Image)
	row, col, scale := faceCenter(seed, g.width, g.height)
	if scale <= 0 {
		return vision.Landmarks{}, nil
	}

	toSeed := func(p *pigo.Puploc) geometry.Point {
		return seed.Relative(geometry.Point{
			X: float64(p.Col) / float64(g.width),
			Y: float64(p.Row) / float64(g.height),
		})
	}

	lm := vision.Landmarks{}

	left := b.puploc.RunDetector(pupilSeed(row, col, scale, -1), g.params, 0.0, false)
	right := b.puploc.RunDetector(pupilSeed(row, col, scale, 1), g.params, 0.0, false)
	if !found(left) || !found(right) {
		return lm, nil
	}
	lm[vision.RegionLeftPupil] = []geometry.Point{toSeed(left)}
	lm[vision.RegionRightPupil] = []geometry.Point{toSeed(right)}

	var corners []geometry.Point
	for _, flipV := range []bool{false, true} {
		for _, flpc := range b.landmarks[mouthCorner] {
			if flpc.PuplocCascade == nil {
				continue
			}
			if p := flpc.GetLandmarkPoint(left, right, g.params, perturbFact, flipV); found(p) {
				corners = append(corners, toSeed(p))
			}
		}
	}
	if len(corners) < 2 {
		b.log.Debug("Mouth corners not found")
		return lm, nil
	}

	var inner []geometry.Point
	for _, name := range lipCascades {
		for _, flpc := range b.landmarks[name] {
			if flpc.PuplocCascade == nil {
				continue
			}
			if p := flpc.GetLandmarkPoint(left, right, g.params, perturbFact, false); found(p) {
				inner = append(inner, toSeed(p))
			}
		}
	}

	lm[vision.RegionOuterLips] = outerLips(corners[0], corners[len(corners)-1], inner)
	return lm, nil
}

// outerLips orders the lip points so the left corner comes first and the
// right corner last.
func outerLips(a, b geometry.Point, inner []geometry.Point) []geometry.Point {
	if a.X > b.X {
		a, b = b, a
	}
	sort.Slice(inner, func(i, j int) bool { return inner[i].X < inner[j].X })

	points := make([]geometry.Point, 0, len(inner)+2)
	points = append(points, a)
	for _, p := range inner {
		if p.X > a.X && p.X < b.X {
			points = append(points, p)
		}
	}
	return append(points, b)
}

// pupilSeed places the pupil search relative to the face center; side is
// -1 for the image-left eye and 1 for the image-right eye.
func pupilSeed(row, col, scale, side int) pigo.Puploc {
	return pigo.Puploc{
		Row:      row - int(0.085*float32(scale)),
		Col:      col + side*int(0.185*float32(scale)),
		Scale:    float32(scale) * 0.4,
		Perturbs: perturbFact,
	}
}

func found(p *pigo.Puploc) bool {
	return p != nil && p.Row > 0 && p.Col > 0
}

// faceCenter converts a normalized box to the row, column and size pigo
// uses for a face.
func faceCenter(r geometry.Rect, width, height int) (row, col, scale int) {
	c := r.Center()
	row = int(math.Round(c.Y * float64(height)))
	col = int(math.Round(c.X * float64(width)))
	scale = int(math.Round(math.Max(r.W*float64(width), r.H*float64(height))))
	return row, col, scale
}

// detectionRect converts a pigo detection (center and size in pixels) to a
// normalized box.
func detectionRect(d pigo.Detection, width, height int) geometry.Rect {
	half := float64(d.Scale) / 2
	return geometry.Rect{
		X: (float64(d.Col) - half) / float64(width),
		Y: (float64(d.Row) - half) / float64(height),
		W: float64(d.Scale) / float64(width),
		H: float64(d.Scale) / float64(height),
	}
}

// pixelRect converts a normalized box to pixels inside bounds.
func pixelRect(r geometry.Rect, bounds image.Rectangle) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	px := image.Rect(
		bounds.Min.X+int(math.Floor(r.X*w)),
		bounds.Min.Y+int(math.Floor(r.Y*h)),
		bounds.Min.X+int(math.Ceil((r.X+r.W)*w)),
		bounds.Min.Y+int(math.Ceil((r.Y+r.H)*h)),
	)
	return px.Intersect(bounds)
}

// quality maps an unbounded cascade score into [0,1).
func quality(q float32, scale float64) float64 {
	if q <= 0 {
		return 0
	}
	if scale <= 0 {
		scale = 1
	}
	return float64(q) / (float64(q) + scale)
}

// overlapWeight scales confidence by how far a face moved between frames.
// Any overlap of at least half counts in full.
func overlapWeight(iou float64) float64 {
	return math.Min(1, 2*iou)
}
