// Package camera provides frame sources for the pipeline: a V4L2/OpenCV
// device and a directory of still images.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"

	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/vision"
)

// Source produces frames in order. Sequence numbers increase strictly.
type Source interface {
	ReadFrame(ctx context.Context) (vision.Frame, error)
	Close() error
}

// DeviceInfo contains information about a camera device.
type DeviceInfo struct {
	Path string
	Name string
}

// ErrCameraNotFound is returned when the camera device is not found.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraNotOpen is returned when trying to capture from a closed camera.
var ErrCameraNotOpen = errors.New("camera not open")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")

var execCommand = exec.Command

// ListCameras lists video devices reported by v4l2-ctl.
func ListCameras() ([]DeviceInfo, error) {
	out, err := execCommand("v4l2-ctl", "--list-devices").Output()
	if err != nil {
		return nil, ErrCameraNotFound
	}
	return parseDeviceList(out), nil
}

// parseDeviceList parses v4l2-ctl --list-devices output: a card name line
// followed by indented device paths.
func parseDeviceList(out []byte) []DeviceInfo {
	var (
		devices []DeviceInfo
		name    string
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(line, "\t") && !strings.HasPrefix(line, " ") {
			name = strings.TrimSuffix(trimmed, ":")
			if i := strings.Index(name, " ("); i > 0 {
				name = name[:i]
			}
			continue
		}
		if strings.HasPrefix(trimmed, "/dev/video") {
			devices = append(devices, DeviceInfo{Path: trimmed, Name: name})
		}
	}
	return devices
}

// Latest holds the most recent frame and serves it to pull-based
// consumers such as the timed calibration sampler.
type Latest struct {
	mu    sync.RWMutex
	frame vision.Frame
	ok    bool
}

// Store replaces the held frame.
func (l *Latest) Store(frame vision.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frame = frame
	l.ok = true
}

// CurrentFrame implements vision.FrameSource.
func (l *Latest) CurrentFrame(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.ok {
		return vision.Frame{}, ErrNoFrame
	}
	return l.frame, nil
}

// Pump reads frames from src until ctx is done or the source fails. Every
// frame is stored in latest. When out is not nil, frames are also sent
// there; a frame is dropped when the consumer is still busy, so the
// consumer always sees frames in order but not necessarily every frame.
// The source is not closed.
func Pump(ctx context.Context, src Source, latest *Latest, out chan<- vision.Frame) error {
	log := logging.Component("camera")
	var dropped uint64

	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if dropped > 0 {
				log.WithField("dropped", dropped).Debug("Frames dropped while consumer was busy")
			}
			return err
		}

		if latest != nil {
			latest.Store(frame)
		}
		if out == nil {
			continue
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		default:
			dropped++
		}
	}
}
