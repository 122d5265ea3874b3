package main

import (
	"context"
	"fmt"

	"github.com/MrCodeEU/smilecal/pkg/acceleration"
	"github.com/MrCodeEU/smilecal/pkg/camera"
	"github.com/MrCodeEU/smilecal/pkg/config"
	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/pipeline"
	"github.com/MrCodeEU/smilecal/pkg/storage"
	"github.com/MrCodeEU/smilecal/pkg/vision"
	"github.com/MrCodeEU/smilecal/pkg/vision/dlib"
	"github.com/MrCodeEU/smilecal/pkg/vision/pigo"
	"github.com/MrCodeEU/smilecal/pkg/vision/yunet"
)

// backends lazily opens each vision backend at most once so that roles
// sharing a backend share its state.
type backends struct {
	cfg     *config.Config
	pigo    *pigo.Backend
	yunet   *yunet.Backend
	dlib    *dlib.Detector
	closers []func() error
}

func (b *backends) pigoBackend() (*pigo.Backend, error) {
	if b.pigo != nil {
		return b.pigo, nil
	}
	pc := pigo.DefaultConfig()
	pc.CascadeDir = b.cfg.PigoCascadeDir()
	pc.MinSize = b.cfg.Vision.MinFaceSize
	pc.MaxSize = b.cfg.Vision.MaxFaceSize
	be, err := pigo.Load(pc)
	if err != nil {
		return nil, fmt.Errorf("failed to load pigo cascades (run 'smilecal download-models'): %w", err)
	}
	b.pigo = be
	return be, nil
}

func (b *backends) yunetBackend() (*yunet.Backend, error) {
	if b.yunet != nil {
		return b.yunet, nil
	}
	preferred, err := acceleration.ParseBackend(b.cfg.Vision.Acceleration)
	if err != nil {
		return nil, err
	}
	mgr := acceleration.NewManager()
	if err := mgr.Initialize(acceleration.Config{PreferredBackend: preferred, FallbackToCPU: true}); err != nil {
		return nil, err
	}

	yc := yunet.DefaultConfig()
	yc.ModelPath = b.cfg.YuNetModelPath()
	yc.ScoreThreshold = b.cfg.Vision.ScoreThreshold
	yc.Acceleration = mgr.GetActiveBackend()
	be, err := yunet.New(yc)
	if err != nil {
		return nil, fmt.Errorf("failed to load YuNet model (run 'smilecal download-models'): %w", err)
	}
	b.yunet = be
	b.closers = append(b.closers, be.Close)
	return be, nil
}

func (b *backends) dlibDetector() (*dlib.Detector, error) {
	if b.dlib != nil {
		return b.dlib, nil
	}
	d := dlib.NewDetector()
	if err := d.LoadModels(b.cfg.DlibModelDir()); err != nil {
		return nil, fmt.Errorf("failed to load dlib models (run 'smilecal download-models'): %w", err)
	}
	b.dlib = d
	b.closers = append(b.closers, d.Close)
	return d, nil
}

func (b *backends) detector(name string) (vision.FaceDetector, error) {
	switch name {
	case config.BackendPigo:
		return b.pigoBackend()
	case config.BackendYuNet:
		return b.yunetBackend()
	case config.BackendDlib:
		return b.dlibDetector()
	}
	return nil, fmt.Errorf("unknown detector: %s", name)
}

func (b *backends) tracker(name string) (vision.ObjectTracker, error) {
	switch name {
	case config.BackendPigo:
		return b.pigoBackend()
	case config.BackendYuNet:
		return b.yunetBackend()
	}
	return nil, fmt.Errorf("unknown tracker: %s", name)
}

func (b *backends) landmarker(name string) (vision.LandmarkDetector, error) {
	switch name {
	case config.BackendPigo:
		return b.pigoBackend()
	case config.BackendYuNet:
		return b.yunetBackend()
	}
	return nil, fmt.Errorf("unknown landmarker: %s", name)
}

// capabilities builds the three vision capabilities named in the config.
func (b *backends) capabilities() (vision.Capabilities, error) {
	var caps vision.Capabilities
	var err error
	if caps.Detector, err = b.detector(b.cfg.Vision.Detector); err != nil {
		return caps, err
	}
	if caps.Tracker, err = b.tracker(b.cfg.Vision.Tracker); err != nil {
		return caps, err
	}
	if caps.Landmarker, err = b.landmarker(b.cfg.Vision.Landmarker); err != nil {
		return caps, err
	}
	return caps, nil
}

func (b *backends) Close() {
	for _, c := range b.closers {
		if err := c(); err != nil {
			logging.WithError(err).Warn("Failed to close vision backend")
		}
	}
	b.closers = nil
}

// openSource opens the configured frame source.
func openSource(c *config.Config) (camera.Source, error) {
	if c.Camera.Source == "dir" {
		src, err := camera.OpenDir(c.Camera.Dir, c.Camera.Width, c.Camera.FPS, c.Camera.Loop)
		if err != nil {
			return nil, err
		}
		logging.Infof("Reading %d frames from %s", src.Len(), c.Camera.Dir)
		return src, nil
	}

	src, err := camera.OpenDevice(c.Camera.Device, c.Camera.Width, c.Camera.Height, c.Camera.FPS)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func openStore(c *config.Config) (storage.Store, error) {
	if err := c.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return storage.Open(c.Storage.Backend, c.Storage.DataDir, c.Storage.EncryptionEnabled)
}

// session is everything a streaming command needs: capabilities, a frame
// source pumped into latest and frames, a store and the orchestrator.
type session struct {
	backends *backends
	source   camera.Source
	store    storage.Store
	latest   *camera.Latest
	frames   chan vision.Frame
	orch     *pipeline.Orchestrator
	pumpDone chan error
}

// openSession wires a new orchestrator to the configured backends. The
// key, when set, overrides the configured baseline key.
func openSession(c *config.Config, key string, opts ...pipeline.Option) (*session, error) {
	s := &session{
		backends: &backends{cfg: c},
		latest:   &camera.Latest{},
		frames:   make(chan vision.Frame, 1),
		pumpDone: make(chan error, 1),
	}

	caps, err := s.backends.capabilities()
	if err != nil {
		s.backends.Close()
		return nil, err
	}

	if s.store, err = openStore(c); err != nil {
		s.backends.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	pc := c.Pipeline()
	if key != "" {
		if err := storage.ValidateKey(key); err != nil {
			s.Close()
			return nil, err
		}
		pc.BaselineKey = key
	}

	opts = append([]pipeline.Option{
		pipeline.WithFrameSource(s.latest),
		pipeline.WithStore(s.store),
	}, opts...)
	if s.orch, err = pipeline.New(pc, caps, opts...); err != nil {
		s.Close()
		return nil, err
	}

	src, err := openSource(c)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open frame source: %w", err)
	}
	s.source = src
	return s, nil
}

// start pumps frames from the source until ctx is done. frames is closed
// when the pump stops.
func (s *session) start(ctx context.Context) {
	go func() {
		err := camera.Pump(ctx, s.source, s.latest, s.frames)
		close(s.frames)
		s.pumpDone <- err
	}()
}

func (s *session) Close() {
	if s.orch != nil {
		_ = s.orch.Close()
	}
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close frame source")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logging.WithError(err).Warn("Failed to close storage")
		}
	}
	s.backends.Close()
}
