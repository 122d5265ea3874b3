package pigo

import (
	"context"
	"image"
	"math"
	"testing"

	pigo "github.com/esimov/pigo/core"

	"github.com/MrCodeEU/smilecal/pkg/geometry"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MinSize <= 0 || cfg.MaxSize <= cfg.MinSize {
		t.Errorf("bad size range: %d..%d", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.IoUThreshold != 0.1 {
		t.Errorf("IoUThreshold = %v, want 0.1", cfg.IoUThreshold)
	}
}

func TestLoad_MissingCascades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CascadeDir = t.TempDir()
	if _, err := Load(cfg); err == nil {
		t.Error("expected error for empty cascade directory")
	}
}

func TestDetectionRect(t *testing.T) {
	r := detectionRect(pigo.Detection{Row: 50, Col: 100, Scale: 40, Q: 10}, 200, 100)
	want := geometry.Rect{X: 0.4, Y: 0.3, W: 0.2, H: 0.4}
	if !near(r.X, want.X) || !near(r.Y, want.Y) || !near(r.W, want.W) || !near(r.H, want.H) {
		t.Errorf("detectionRect = %+v, want %+v", r, want)
	}
}

func TestFaceCenter(t *testing.T) {
	row, col, scale := faceCenter(geometry.Rect{X: 0.4, Y: 0.3, W: 0.2, H: 0.4}, 200, 100)
	if row != 50 || col != 100 || scale != 40 {
		t.Errorf("faceCenter = (%d, %d, %d), want (50, 100, 40)", row, col, scale)
	}
}

func TestPixelRect(t *testing.T) {
	bounds := image.Rect(0, 0, 200, 100)

	got := pixelRect(geometry.Rect{X: 0.25, Y: 0.5, W: 0.5, H: 0.25}, bounds)
	if want := image.Rect(50, 50, 150, 75); got != want {
		t.Errorf("pixelRect = %v, want %v", got, want)
	}

	// Out-of-frame parts are cut off.
	got = pixelRect(geometry.Rect{X: 0.9, Y: 0.9, W: 0.5, H: 0.5}, bounds)
	if want := image.Rect(180, 90, 200, 100); got != want {
		t.Errorf("pixelRect = %v, want %v", got, want)
	}
}

func TestQuality(t *testing.T) {
	tests := []struct {
		q     float32
		scale float64
		want  float64
	}{
		{0, 5, 0},
		{-3, 5, 0},
		{5, 5, 0.5},
		{15, 5, 0.75},
		{1, 0, 0.5},
	}

	for _, tt := range tests {
		if got := quality(tt.q, tt.scale); !near(got, tt.want) {
			t.Errorf("quality(%v, %v) = %v, want %v", tt.q, tt.scale, got, tt.want)
		}
	}
}

func TestOverlapWeight(t *testing.T) {
	if got := overlapWeight(0); got != 0 {
		t.Errorf("overlapWeight(0) = %v", got)
	}
	if got := overlapWeight(0.25); got != 0.5 {
		t.Errorf("overlapWeight(0.25) = %v", got)
	}
	if got := overlapWeight(0.9); got != 1 {
		t.Errorf("overlapWeight(0.9) = %v", got)
	}
}

func TestPupilSeed(t *testing.T) {
	left := pupilSeed(100, 100, 100, -1)
	right := pupilSeed(100, 100, 100, 1)

	if left.Row != 92 || right.Row != 92 {
		t.Errorf("pupil rows = %d, %d; want 92", left.Row, right.Row)
	}
	if left.Col != 82 || right.Col != 118 {
		t.Errorf("pupil cols = %d, %d; want 82, 118", left.Col, right.Col)
	}
	if left.Perturbs != perturbFact {
		t.Errorf("Perturbs = %d, want %d", left.Perturbs, perturbFact)
	}
}

func TestOuterLips(t *testing.T) {
	right := geometry.Point{X: 0.7, Y: 0.75}
	left := geometry.Point{X: 0.3, Y: 0.76}
	inner := []geometry.Point{{X: 0.55, Y: 0.8}, {X: 0.45, Y: 0.7}, {X: 0.9, Y: 0.7}}

	got := outerLips(right, left, inner)
	if len(got) != 4 {
		t.Fatalf("outerLips returned %d points, want 4", len(got))
	}
	if got[0] != left || got[len(got)-1] != right {
		t.Errorf("corners = %v, %v; want left first and right last", got[0], got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i].X < got[i-1].X {
			t.Errorf("points not ordered by X: %v", got)
		}
	}

	w, ok := vision.Observation{Landmarks: vision.Landmarks{vision.RegionOuterLips: got}}.MouthWidth()
	if !ok || !near(w, geometry.Width(left, right)) {
		t.Errorf("MouthWidth = %v, %v", w, ok)
	}
}

func TestBackend_NilImage(t *testing.T) {
	b := &Backend{cfg: DefaultConfig()}
	ctx := context.Background()

	if _, err := b.DetectFaces(ctx, vision.Frame{}); err == nil {
		t.Error("DetectFaces: expected error for frame without image")
	}
	if _, err := b.TrackObjects(ctx, nil, vision.Frame{}); err == nil {
		t.Error("TrackObjects: expected error for frame without image")
	}
	if _, err := b.DetectLandmarks(ctx, vision.Frame{}, geometry.Rect{W: 1, H: 1}); err == nil {
		t.Error("DetectLandmarks: expected error for frame without image")
	}
}
