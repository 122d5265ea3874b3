package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrCodeEU/smilecal/pkg/calibration"
	"github.com/MrCodeEU/smilecal/pkg/camera"
	"github.com/MrCodeEU/smilecal/pkg/expression"
	"github.com/MrCodeEU/smilecal/pkg/hub"
	"github.com/MrCodeEU/smilecal/pkg/logging"
	"github.com/MrCodeEU/smilecal/pkg/pipeline"
	"github.com/MrCodeEU/smilecal/pkg/storage"
)

// keyArg returns the baseline key from the first positional argument or
// the configured default.
func keyArg(args []string) (string, error) {
	key := cfg.Storage.BaselineKey
	if len(args) > 0 {
		key = args[0]
	}
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdCalibrate(args []string) error {
	fs := flag.NewFlagSet("calibrate", flag.ContinueOnError)
	key := fs.String("key", cfg.Storage.BaselineKey, "Baseline key to store the result under")
	if err := fs.Parse(args); err != nil {
		return err
	}

	done := make(chan calibration.Baseline, 1)
	s, err := openSession(cfg, *key, pipeline.WithCalibrationHandler(func(b calibration.Baseline) {
		select {
		case done <- b:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	s.start(ctx)
	go drainEvents(s.orch.Events(), nil)
	runErr := make(chan error, 1)
	go func() { runErr <- s.orch.Run(ctx, s.frames) }()

	fmt.Println("Please face the camera with a relaxed, neutral expression.")

	sessionID, err := s.orch.StartCalibration(ctx)
	if err != nil {
		return fmt.Errorf("failed to start calibration: %w", err)
	}
	logging.Infof("Calibration %s started for key %s", sessionID, *key)

	timeout := time.NewTimer(cfg.Calibration.Timeout)
	defer timeout.Stop()

	var baseline calibration.Baseline
	select {
	case baseline = <-done:
	case <-timeout.C:
		// Settle for the samples collected so far.
		b, err := s.orch.FinishCalibration()
		if err != nil {
			s.orch.CancelCalibration()
			if errors.Is(err, calibration.ErrInsufficientSamples) {
				return fmt.Errorf("no face seen within %v, calibration failed", cfg.Calibration.Timeout)
			}
			return err
		}
		baseline = b
	case err := <-runErr:
		if err == nil {
			err = errors.New("frame source ended before calibration completed")
		}
		return err
	case <-ctx.Done():
		s.orch.CancelCalibration()
		return ctx.Err()
	}

	fmt.Printf("Calibration complete for '%s'\n", *key)
	fmt.Printf("  Baseline width:  %.4f\n", baseline.Width)
	fmt.Printf("  Samples:         %d\n", baseline.Samples)
	fmt.Printf("  Std deviation:   %.4f\n", baseline.StdDev)
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	key := fs.String("key", cfg.Storage.BaselineKey, "Baseline key to classify against")
	recalibrate := fs.Bool("calibrate", false, "Run a calibration burst before classifying")
	listen := fs.String("listen", cfg.Publish.Listen, "Address to publish events on over websocket")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var smiling, seen bool
	s, err := openSession(cfg, *key,
		pipeline.WithCalibrationHandler(func(b calibration.Baseline) {
			fmt.Printf("Calibrated: baseline width %.4f from %d samples\n", b.Width, b.Samples)
		}),
		pipeline.WithClassificationHandler(func(r expression.Result) {
			if seen && r.IsSmiling == smiling {
				return
			}
			seen, smiling = true, r.IsSmiling
			state := "neutral"
			if smiling {
				state = "smiling"
			}
			fmt.Printf("%s (width %.4f, baseline %.4f)\n", state, r.Width, r.Baseline)
		}),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var h *hub.Hub
	if *listen != "" {
		h = hub.New("events")
		go h.Run(ctx)
		srv := serveHub(ctx, h, *listen, cfg.Publish.Path)
		defer func() { _ = srv.Close() }()
		fmt.Printf("Publishing events on ws://%s%s\n", *listen, cfg.Publish.Path)
	}
	go drainEvents(s.orch.Events(), h)

	if *recalibrate {
		if _, err := s.orch.StartCalibration(ctx); err != nil {
			return fmt.Errorf("failed to start calibration: %w", err)
		}
		fmt.Println("Calibrating, please keep a neutral expression...")
	} else if _, err := s.orch.LoadBaseline(); err != nil {
		if !errors.Is(err, pipeline.ErrNotCalibrated) {
			return err
		}
		if !cfg.Classification.EmitBeforeCalibration {
			fmt.Printf("No baseline stored for '%s'. Run 'smilecal calibrate' or use -calibrate.\n", *key)
		}
	}

	s.start(ctx)
	err = s.orch.Run(ctx, s.frames)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}

	// The frame channel closed, so the pump has stopped.
	if pumpErr := <-s.pumpDone; pumpErr != nil && !errors.Is(pumpErr, context.Canceled) && !isEndOfStream(pumpErr) {
		return fmt.Errorf("frame source failed: %w", pumpErr)
	}
	return nil
}

// isEndOfStream reports whether err marks the end of a finite frame source.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF)
}

// serveHub starts an HTTP server exposing h at path. It shuts down with ctx.
func serveHub(ctx context.Context, h *hub.Hub, addr, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WithError(err).Error("Event server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}

// drainEvents consumes orchestrator events until the channel is closed,
// forwarding them to h when it is not nil.
func drainEvents(events <-chan pipeline.Event, h *hub.Hub) {
	log := logging.Component("events")
	for ev := range events {
		log.WithField("type", ev.Type).Debug("Pipeline event")
		if h == nil {
			continue
		}
		if err := h.BroadcastJSON(ev); err != nil {
			log.WithError(err).Warn("Failed to publish event")
		}
	}
}

func cmdBaseline(args []string) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	b, err := store.LoadBaseline(key)
	if errors.Is(err, storage.ErrBaselineNotFound) {
		return fmt.Errorf("no baseline stored for '%s'. Use 'smilecal calibrate' first", key)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Baseline '%s':\n", b.Key)
	fmt.Printf("  Width:           %.4f\n", b.Width)
	fmt.Printf("  Samples:         %d\n", b.Samples)
	fmt.Printf("  Std deviation:   %.4f\n", b.StdDev)
	fmt.Printf("  Mode:            %s\n", b.Mode)
	fmt.Printf("  Session:         %s\n", b.SessionID)
	fmt.Printf("  Calibrated at:   %s\n", b.CalibratedAt.Format(time.RFC3339))
	fmt.Printf("  Smile threshold: %.4f\n", b.Width*cfg.Classification.Threshold)
	return nil
}

func cmdReset(args []string) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	logging.Infof("Removing baseline: %s", key)
	if err := store.DeleteBaseline(key); err != nil {
		if errors.Is(err, storage.ErrBaselineNotFound) {
			return fmt.Errorf("no baseline stored for '%s'", key)
		}
		return fmt.Errorf("failed to remove baseline: %w", err)
	}

	fmt.Printf("Baseline '%s' has been removed.\n", key)
	return nil
}

func cmdList(args []string) error {
	logging.Debugf("Listing stored baselines")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	baselines, err := store.ListBaselines()
	if err != nil {
		return fmt.Errorf("failed to list baselines: %w", err)
	}

	if len(baselines) == 0 {
		fmt.Println("No baselines stored.")
		return nil
	}

	fmt.Println("Stored baselines:")
	for _, b := range baselines {
		fmt.Printf("  - %-16s width %.4f (%d samples, %s)\n",
			b.Key, b.Width, b.Samples, b.CalibratedAt.Format(time.RFC3339))
	}
	fmt.Printf("\nTotal: %d baseline(s)\n", len(baselines))
	return nil
}

func cmdCameras(args []string) error {
	devices, err := camera.ListCameras()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No cameras found.")
		return nil
	}

	fmt.Println("Cameras:")
	for _, d := range devices {
		fmt.Printf("  %-14s %s\n", d.Path, d.Name)
	}
	return nil
}

func cmdConfig(args []string) error {
	logging.Debugf("Showing configuration")

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("[Camera]")
	fmt.Printf("  Source:          %s\n", cfg.Camera.Source)
	if cfg.Camera.Source == "dir" {
		fmt.Printf("  Dir:             %s (loop %t)\n", cfg.Camera.Dir, cfg.Camera.Loop)
	} else {
		fmt.Printf("  Device:          %s\n", cfg.Camera.Device)
	}
	fmt.Printf("  Resolution:      %dx%d @ %d FPS\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Println()
	fmt.Println("[Vision]")
	fmt.Printf("  Detector:        %s\n", cfg.Vision.Detector)
	fmt.Printf("  Tracker:         %s\n", cfg.Vision.Tracker)
	fmt.Printf("  Landmarker:      %s\n", cfg.Vision.Landmarker)
	fmt.Printf("  Model Path:      %s\n", cfg.Vision.ModelPath)
	fmt.Printf("  Track Conf.:     %.2f\n", cfg.Vision.TrackConfidence)
	fmt.Printf("  Acceleration:    %s\n", cfg.Vision.Acceleration)
	fmt.Println()
	fmt.Println("[Calibration]")
	cc := cfg.CalibrationConfig()
	fmt.Printf("  Mode:            %s\n", cc.Mode)
	fmt.Printf("  Capacity:        %d\n", cc.Capacity)
	if cc.Mode == calibration.ModeTimed {
		fmt.Printf("  Period:          %v\n", cc.Period)
	}
	fmt.Printf("  Timeout:         %v\n", cfg.Calibration.Timeout)
	fmt.Println()
	fmt.Println("[Classification]")
	fmt.Printf("  Threshold:       x%.2f\n", cfg.Classification.Threshold)
	fmt.Printf("  Before calib.:   %t (default baseline %.2f)\n",
		cfg.Classification.EmitBeforeCalibration, cfg.Classification.DefaultBaseline)
	fmt.Println()
	fmt.Println("[Storage]")
	fmt.Printf("  Backend:         %s\n", cfg.Storage.Backend)
	fmt.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
	fmt.Printf("  Baseline Key:    %s\n", cfg.Storage.BaselineKey)
	fmt.Println()
	fmt.Println("[Publish]")
	if cfg.Publish.Listen == "" {
		fmt.Println("  Disabled")
	} else {
		fmt.Printf("  Listen:          %s%s\n", cfg.Publish.Listen, cfg.Publish.Path)
	}
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		fmt.Printf("\nWarning: configuration is invalid: %v\n", err)
	}
	return nil
}
