package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrCodeEU/smilecal/pkg/vision"
)

func fakeExecCommand(command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

func failingExecCommand(command string, args ...string) *exec.Cmd {
	cmd := fakeExecCommand(command, args...)
	cmd.Env = append(cmd.Env, "TEST_FAIL_V4L2=1")
	return cmd
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	// os.Args: [test_binary, -test.run=TestHelperProcess, --, command, args...]
	if len(os.Args) < 4 {
		os.Exit(1)
	}

	args := os.Args[3:]
	switch args[0] {
	case "v4l2-ctl":
		if os.Getenv("TEST_FAIL_V4L2") == "1" {
			os.Exit(1)
		}
		for _, arg := range args {
			if arg == "--list-devices" {
				fmt.Println("Integrated Camera (usb-0000:00:14.0-1):")
				fmt.Println("\t/dev/video0")
				fmt.Println("\t/dev/video1")
				fmt.Println("")
				fmt.Println("USB Webcam (usb-0000:00:14.0-2):")
				fmt.Println("\t/dev/video2")
				fmt.Println("\t/dev/media0")
				os.Exit(0)
			}
		}
	}
	os.Exit(1)
}

func TestListCameras(t *testing.T) {
	execCommand = fakeExecCommand
	defer func() { execCommand = exec.Command }()

	devices, err := ListCameras()
	if err != nil {
		t.Fatalf("ListCameras failed: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("Expected 3 devices, got %d: %v", len(devices), devices)
	}
	if devices[0].Path != "/dev/video0" || devices[0].Name != "Integrated Camera" {
		t.Errorf("unexpected first device: %+v", devices[0])
	}
	if devices[2].Path != "/dev/video2" || devices[2].Name != "USB Webcam" {
		t.Errorf("unexpected last device: %+v", devices[2])
	}
}

func TestListCameras_Failure(t *testing.T) {
	execCommand = failingExecCommand
	defer func() { execCommand = exec.Command }()

	if _, err := ListCameras(); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("expected ErrCameraNotFound, got %v", err)
	}
}

func writeImages(t *testing.T, dir string, n, w, h int) {
	t.Helper()
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		img.Set(1, 1, color.RGBA{R: uint8(i * 40), A: 255})
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%03d.png", i)))
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		_ = f.Close()
	}
}

func TestOpenDir(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 3, 8, 6)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0644); err != nil {
		t.Fatal(err)
	}

	src, err := OpenDir(dir, 0, 0, false)
	if err != nil {
		t.Fatalf("OpenDir failed: %v", err)
	}
	defer src.Close()

	if src.Len() != 3 {
		t.Errorf("Len() = %d, want 3", src.Len())
	}

	ctx := context.Background()
	for want := uint64(1); want <= 3; want++ {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", want, err)
		}
		if frame.Seq != want {
			t.Errorf("Seq = %d, want %d", frame.Seq, want)
		}
		if frame.Image.Bounds().Dx() != 8 {
			t.Errorf("width = %d, want 8", frame.Image.Bounds().Dx())
		}
	}

	if _, err := src.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after last frame, got %v", err)
	}
}

func TestOpenDir_Empty(t *testing.T) {
	if _, err := OpenDir(t.TempDir(), 0, 0, false); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("expected ErrCameraNotFound, got %v", err)
	}
	if _, err := OpenDir(filepath.Join(t.TempDir(), "missing"), 0, 0, false); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestDirSource_ResizeAndLoop(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 2, 40, 20)

	src, err := OpenDir(dir, 20, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	var last uint64
	for i := 0; i < 5; i++ {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if frame.Seq <= last {
			t.Errorf("Seq %d not after %d", frame.Seq, last)
		}
		last = frame.Seq

		b := frame.Image.Bounds()
		if b.Dx() != 20 || b.Dy() != 10 {
			t.Errorf("frame size = %dx%d, want 20x10", b.Dx(), b.Dy())
		}
	}
}

func TestDirSource_Pacing(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, 1, 4, 4)

	src, err := OpenDir(dir, 0, 10, true)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := src.ReadFrame(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := src.ReadFrame(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled while pacing, got %v", err)
	}
}

func TestLatest(t *testing.T) {
	var l Latest
	ctx := context.Background()

	if _, err := l.CurrentFrame(ctx); !errors.Is(err, ErrNoFrame) {
		t.Errorf("expected ErrNoFrame before any frame, got %v", err)
	}

	l.Store(vision.Frame{Seq: 1})
	l.Store(vision.Frame{Seq: 2})

	frame, err := l.CurrentFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Seq != 2 {
		t.Errorf("Seq = %d, want 2", frame.Seq)
	}
}

// fakeSource yields n frames then fails with io.EOF.
type fakeSource struct {
	n   int
	seq uint64
}

func (f *fakeSource) ReadFrame(ctx context.Context) (vision.Frame, error) {
	if int(f.seq) >= f.n {
		return vision.Frame{}, io.EOF
	}
	f.seq++
	return vision.Frame{Seq: f.seq, Timestamp: time.Now()}, nil
}

func (f *fakeSource) Close() error { return nil }

func TestPump(t *testing.T) {
	var latest Latest
	out := make(chan vision.Frame, 10)

	err := Pump(context.Background(), &fakeSource{n: 5}, &latest, out)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Pump error = %v, want io.EOF", err)
	}
	close(out)

	var seqs []uint64
	for f := range out {
		seqs = append(seqs, f.Seq)
	}
	if len(seqs) != 5 {
		t.Fatalf("got %d frames, want 5", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Errorf("frame %d has Seq %d", i, s)
		}
	}

	frame, err := latest.CurrentFrame(context.Background())
	if err != nil || frame.Seq != 5 {
		t.Errorf("latest = %d, %v; want 5", frame.Seq, err)
	}
}

func TestPump_DropsWhenBusy(t *testing.T) {
	out := make(chan vision.Frame, 1)

	err := Pump(context.Background(), &fakeSource{n: 4}, nil, out)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Pump error = %v, want io.EOF", err)
	}

	// Only the first frame fit; the rest were dropped rather than blocking.
	if f := <-out; f.Seq != 1 {
		t.Errorf("Seq = %d, want 1", f.Seq)
	}
	if len(out) != 0 {
		t.Errorf("unexpected extra frames: %d", len(out))
	}
}

func TestParseDeviceList_Empty(t *testing.T) {
	if got := parseDeviceList(nil); len(got) != 0 {
		t.Errorf("expected no devices, got %v", got)
	}
}
