// Package config provides configuration management for SmileCal.
// It loads configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrCodeEU/smilecal/pkg/acceleration"
	"github.com/MrCodeEU/smilecal/pkg/calibration"
	"github.com/MrCodeEU/smilecal/pkg/expression"
	"github.com/MrCodeEU/smilecal/pkg/pipeline"
	"github.com/MrCodeEU/smilecal/pkg/storage"
	"github.com/MrCodeEU/smilecal/pkg/tracking"
)

// Vision backend names.
const (
	BackendPigo  = "pigo"
	BackendYuNet = "yunet"
	BackendDlib  = "dlib"
)

// Config holds all SmileCal configuration.
type Config struct {
	Camera         CameraConfig         `yaml:"camera"`
	Vision         VisionConfig         `yaml:"vision"`
	Calibration    CalibrationConfig    `yaml:"calibration"`
	Classification ClassificationConfig `yaml:"classification"`
	Storage        StorageConfig        `yaml:"storage"`
	Publish        PublishConfig        `yaml:"publish"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// CameraConfig holds frame source settings.
type CameraConfig struct {
	Source string `yaml:"source"` // "device" or "dir"
	Device string `yaml:"device"`
	Dir    string `yaml:"dir"`
	Loop   bool   `yaml:"loop"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// VisionConfig selects the capability backends.
type VisionConfig struct {
	Detector        string  `yaml:"detector"`
	Tracker         string  `yaml:"tracker"`
	Landmarker      string  `yaml:"landmarker"`
	ModelPath       string  `yaml:"model_path"`
	MinFaceSize     int     `yaml:"min_face_size"`
	MaxFaceSize     int     `yaml:"max_face_size"`
	ScoreThreshold  float64 `yaml:"score_threshold"`
	TrackConfidence float64 `yaml:"track_confidence"`
	// Acceleration selects the YuNet inference device: auto, cpu, rocm,
	// cuda or openvino.
	Acceleration string `yaml:"acceleration"`
}

// CalibrationConfig holds calibration burst settings.
type CalibrationConfig struct {
	Mode     string        `yaml:"mode"`
	Capacity int           `yaml:"capacity"`
	Duration time.Duration `yaml:"duration"`
	// Period overrides Duration/Capacity when set.
	Period time.Duration `yaml:"period"`
	// Timeout bounds how long the calibrate command waits for a full burst.
	Timeout time.Duration `yaml:"timeout"`
}

// ClassificationConfig holds smile classification settings.
type ClassificationConfig struct {
	Threshold             float64 `yaml:"threshold"`
	EmitBeforeCalibration bool    `yaml:"emit_before_calibration"`
	DefaultBaseline       float64 `yaml:"default_baseline"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Backend           string `yaml:"backend"`
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	BaselineKey       string `yaml:"baseline_key"`
}

// PublishConfig holds websocket publication settings. An empty Listen
// disables publication.
type PublishConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Camera: CameraConfig{
			Source: "device",
			Device: "0",
			Width:  640,
			Height: 480,
			FPS:    30,
		},
		Vision: VisionConfig{
			Detector:        BackendPigo,
			Tracker:         BackendPigo,
			Landmarker:      BackendPigo,
			ModelPath:       filepath.Join(homeDir, ".local/share/smilecal/models"),
			MinFaceSize:     60,
			MaxFaceSize:     1000,
			ScoreThreshold:  0.6,
			TrackConfidence: tracking.DefaultConfidenceThreshold,
			Acceleration:    string(acceleration.BackendAuto),
		},
		Calibration: CalibrationConfig{
			Mode:     string(calibration.ModeTimed),
			Capacity: calibration.DefaultCapacity,
			Duration: calibration.DefaultDuration,
			Timeout:  15 * time.Second,
		},
		Classification: ClassificationConfig{
			Threshold:       expression.DefaultThreshold,
			DefaultBaseline: pipeline.DefaultBaseline,
		},
		Storage: StorageConfig{
			Backend:           storage.BackendFile,
			DataDir:           filepath.Join(homeDir, ".local/share/smilecal"),
			EncryptionEnabled: true,
			BaselineKey:       pipeline.DefaultBaselineKey,
		},
		Publish: PublishConfig{
			Path: "/ws",
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(homeDir, ".local/share/smilecal/smilecal.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	// Try system config first
	if _, err := os.Stat("/etc/smilecal/smilecal.yaml"); err == nil {
		return Load("/etc/smilecal/smilecal.yaml")
	}

	// Try user config
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/smilecal/smilecal.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	// Return defaults
	return DefaultConfig(), nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Validate camera settings
	switch c.Camera.Source {
	case "device":
		if c.Camera.Device == "" {
			return fmt.Errorf("camera device must be set for source device")
		}
	case "dir":
		if c.Camera.Dir == "" {
			return fmt.Errorf("camera dir must be set for source dir")
		}
	default:
		return fmt.Errorf("invalid camera source: %s (must be device or dir)", c.Camera.Source)
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS < 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}

	// Validate vision settings
	full := map[string]bool{BackendPigo: true, BackendYuNet: true}
	detectors := map[string]bool{BackendPigo: true, BackendYuNet: true, BackendDlib: true}
	if !detectors[c.Vision.Detector] {
		return fmt.Errorf("invalid detector: %s (must be pigo, yunet, or dlib)", c.Vision.Detector)
	}
	if !full[c.Vision.Tracker] {
		return fmt.Errorf("invalid tracker: %s (must be pigo or yunet)", c.Vision.Tracker)
	}
	if !full[c.Vision.Landmarker] {
		return fmt.Errorf("invalid landmarker: %s (must be pigo or yunet)", c.Vision.Landmarker)
	}
	if c.Vision.MinFaceSize <= 0 || c.Vision.MaxFaceSize < c.Vision.MinFaceSize {
		return fmt.Errorf("invalid face size range: %d..%d", c.Vision.MinFaceSize, c.Vision.MaxFaceSize)
	}
	if c.Vision.TrackConfidence <= 0 || c.Vision.TrackConfidence >= 1 {
		return fmt.Errorf("track_confidence must be between 0 and 1, got %f", c.Vision.TrackConfidence)
	}
	if c.Vision.ScoreThreshold < 0 || c.Vision.ScoreThreshold > 1 {
		return fmt.Errorf("score_threshold must be between 0 and 1, got %f", c.Vision.ScoreThreshold)
	}
	if _, err := acceleration.ParseBackend(c.Vision.Acceleration); err != nil {
		return fmt.Errorf("invalid acceleration: %w", err)
	}

	// Validate calibration settings
	if err := c.CalibrationConfig().Validate(); err != nil {
		return err
	}

	// Validate classification settings
	if c.Classification.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %f", c.Classification.Threshold)
	}
	if c.Classification.EmitBeforeCalibration && c.Classification.DefaultBaseline <= 0 {
		return fmt.Errorf("default_baseline must be positive, got %f", c.Classification.DefaultBaseline)
	}

	// Validate storage settings
	switch c.Storage.Backend {
	case storage.BackendFile, storage.BackendSQLite:
	default:
		return fmt.Errorf("invalid storage backend: %s (must be file or sqlite)", c.Storage.Backend)
	}
	if err := storage.ValidateKey(c.Storage.BaselineKey); err != nil {
		return fmt.Errorf("invalid baseline_key: %w", err)
	}

	// Validate publish settings
	if c.Publish.Listen != "" && !strings.HasPrefix(c.Publish.Path, "/") {
		return fmt.Errorf("publish path must start with /, got %q", c.Publish.Path)
	}

	// Validate logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// CalibrationConfig returns the calibration burst settings. The timed
// sampling period is Period when set, otherwise Duration/Capacity.
func (c *Config) CalibrationConfig() calibration.Config {
	period := c.Calibration.Period
	if period <= 0 {
		period = calibration.PeriodFor(c.Calibration.Duration, c.Calibration.Capacity)
	}
	return calibration.Config{
		Mode:     calibration.Mode(c.Calibration.Mode),
		Capacity: c.Calibration.Capacity,
		Period:   period,
	}
}

// Pipeline returns the orchestrator settings.
func (c *Config) Pipeline() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Tracking = tracking.Config{ConfidenceThreshold: c.Vision.TrackConfidence}
	cfg.Calibration = c.CalibrationConfig()
	cfg.Threshold = c.Classification.Threshold
	cfg.EmitBeforeCalibration = c.Classification.EmitBeforeCalibration
	cfg.DefaultBaselineWidth = c.Classification.DefaultBaseline
	cfg.BaselineKey = c.Storage.BaselineKey
	return cfg
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.Dir = ExpandPath(c.Camera.Dir)
	c.Vision.ModelPath = ExpandPath(c.Vision.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates necessary directories for storage and logging.
func (c *Config) EnsureDirectories() error {
	// Create storage directory
	if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	// Create models directory
	if err := os.MkdirAll(c.Vision.ModelPath, 0755); err != nil {
		return fmt.Errorf("failed to create models directory: %w", err)
	}

	// Create log directory
	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

// PigoCascadeDir returns the directory holding the pigo cascades.
func (c *Config) PigoCascadeDir() string {
	return filepath.Join(c.Vision.ModelPath, "pigo")
}

// YuNetModelPath returns the YuNet ONNX model path.
func (c *Config) YuNetModelPath() string {
	return filepath.Join(c.Vision.ModelPath, "face_detection_yunet_2023mar.onnx")
}

// DlibModelDir returns the directory holding the dlib models.
func (c *Config) DlibModelDir() string {
	return filepath.Join(c.Vision.ModelPath, "dlib")
}
