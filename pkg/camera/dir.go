package camera

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/MrCodeEU/smilecal/pkg/vision"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
}

// DirSource replays the images of a directory in name order.
type DirSource struct {
	files    []string
	next     int
	seq      uint64
	width    int
	loop     bool
	interval time.Duration
	last     time.Time
}

// OpenDir lists the images in dir. Frames wider than width are downscaled;
// 0 keeps the native size. A positive fps paces delivery; loop restarts
// from the first image after the last.
func OpenDir(dir string, width, fps int, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrCameraNotFound, dir)
	}
	sort.Strings(files)

	var interval time.Duration
	if fps > 0 {
		interval = time.Second / time.Duration(fps)
	}

	return &DirSource{files: files, width: width, loop: loop, interval: interval}, nil
}

// Len returns the number of images.
func (d *DirSource) Len() int {
	return len(d.files)
}

// ReadFrame decodes the next image, applying its EXIF orientation. It
// returns io.EOF after the last image unless looping.
func (d *DirSource) ReadFrame(ctx context.Context) (vision.Frame, error) {
	if d.next >= len(d.files) {
		if !d.loop {
			return vision.Frame{}, io.EOF
		}
		d.next = 0
	}

	if d.interval > 0 && !d.last.IsZero() {
		wait := time.Until(d.last.Add(d.interval))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return vision.Frame{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}

	path := d.files[d.next]
	d.next++

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return vision.Frame{}, fmt.Errorf("%w: %s: %v", ErrNoFrame, path, err)
	}
	if d.width > 0 && img.Bounds().Dx() > d.width {
		img = imaging.Resize(img, d.width, 0, imaging.Lanczos)
	}

	d.seq++
	d.last = time.Now()
	return vision.Frame{Seq: d.seq, Image: img, Timestamp: d.last}, nil
}

// Close is a no-op.
func (d *DirSource) Close() error {
	return nil
}
