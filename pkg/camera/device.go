package camera

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// DeviceSource captures frames from a camera through OpenCV.
type DeviceSource struct {
	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	width   int
	seq     uint64
	info    DeviceInfo
}

// OpenDevice opens a camera by index ("0") or path ("/dev/video2").
// Frames wider than width are downscaled; 0 keeps the native size.
func OpenDevice(device string, width, height, fps int) (*DeviceSource, error) {
	var id interface{} = device
	if idx, err := strconv.Atoi(device); err == nil {
		id = idx
	}

	capture, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCameraNotFound, device, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, fmt.Errorf("%w: %s", ErrCameraNotFound, device)
	}

	if width > 0 && height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	if fps > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(fps))
	}

	logging.Infof("Opened camera %s (%.0fx%.0f @ %.0f fps)", device,
		capture.Get(gocv.VideoCaptureFrameWidth),
		capture.Get(gocv.VideoCaptureFrameHeight),
		capture.Get(gocv.VideoCaptureFPS))

	return &DeviceSource{
		capture: capture,
		mat:     gocv.NewMat(),
		width:   width,
		info:    DeviceInfo{Path: device, Name: capture.CodecString()},
	}, nil
}

// Info returns the device information.
func (d *DeviceSource) Info() DeviceInfo {
	return d.info
}

// ReadFrame blocks until the camera delivers the next frame.
func (d *DeviceSource) ReadFrame(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return vision.Frame{}, ErrCameraNotOpen
	}
	if ok := d.capture.Read(&d.mat); !ok || d.mat.Empty() {
		return vision.Frame{}, ErrNoFrame
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return vision.Frame{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	if d.width > 0 && img.Bounds().Dx() > d.width {
		img = imaging.Resize(img, d.width, 0, imaging.Linear)
	}

	d.seq++
	return vision.Frame{Seq: d.seq, Image: img, Timestamp: time.Now()}, nil
}

// Close releases the camera.
func (d *DeviceSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capture == nil {
		return nil
	}
	_ = d.mat.Close()
	err := d.capture.Close()
	d.capture = nil
	return err
}
