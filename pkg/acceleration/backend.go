// Package acceleration selects the device neural network face detection
// runs on. It detects AMD ROCm, NVIDIA CUDA and Intel OpenVINO installs and
// falls back to the CPU.
package acceleration

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/MrCodeEU/smilecal/pkg/logging"
)

// Backend represents an acceleration backend type.
type Backend string

const (
	// BackendCPU is the default CPU-only backend (always available).
	BackendCPU Backend = "cpu"

	// BackendROCm runs inference through OpenCL on AMD GPUs.
	BackendROCm Backend = "rocm"

	// BackendCUDA is the NVIDIA CUDA backend.
	BackendCUDA Backend = "cuda"

	// BackendOpenVINO is the Intel OpenVINO backend for Intel GPUs/NPUs.
	BackendOpenVINO Backend = "openvino"

	// BackendAuto automatically selects the best available backend.
	BackendAuto Backend = "auto"
)

// ErrUnknownBackend is returned by ParseBackend for an unrecognized name.
var ErrUnknownBackend = errors.New("unknown acceleration backend")

// ParseBackend converts a configured name to a Backend. An empty name
// selects BackendAuto.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case "":
		return BackendAuto, nil
	case BackendCPU, BackendROCm, BackendCUDA, BackendOpenVINO, BackendAuto:
		return b, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownBackend, name)
}

// BackendInfo contains information about an acceleration backend.
type BackendInfo struct {
	Backend     Backend
	Name        string
	Available   bool
	Version     string
	DeviceName  string
	DeviceCount int
}

// Config holds acceleration configuration.
type Config struct {
	PreferredBackend Backend
	FallbackToCPU    bool
}

// DefaultConfig returns default acceleration configuration.
func DefaultConfig() Config {
	return Config{
		PreferredBackend: BackendAuto,
		FallbackToCPU:    true,
	}
}

// probe detects one backend, returning nil when it is not installed.
type probe func() *BackendInfo

// Manager detects backends and holds the selected one.
type Manager struct {
	config            Config
	activeBackend     Backend
	availableBackends map[Backend]*BackendInfo
	probes            []probe
	mu                sync.RWMutex
	initialized       bool
}

// NewManager creates a manager that probes the local system.
func NewManager() *Manager {
	return &Manager{
		config:            DefaultConfig(),
		activeBackend:     BackendCPU,
		availableBackends: make(map[Backend]*BackendInfo),
		probes:            []probe{detectROCm, detectCUDA, detectOpenVINO},
	}
}

// Initialize detects the available backends and selects one.
func (m *Manager) Initialize(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = cfg
	m.detectBackends()

	backend := m.selectBackend(cfg.PreferredBackend)
	if backend == "" {
		return fmt.Errorf("%w: %s", ErrBackendNotAvailable, cfg.PreferredBackend)
	}
	m.activeBackend = backend
	m.initialized = true

	if info := m.availableBackends[backend]; info != nil {
		logging.Infof("Acceleration initialized: %s (%s)", info.Name, info.DeviceName)
	}
	return nil
}

// detectBackends runs every probe. CPU is always available.
func (m *Manager) detectBackends() {
	m.availableBackends = map[Backend]*BackendInfo{
		BackendCPU: {
			Backend:     BackendCPU,
			Name:        "CPU (OpenCV DNN)",
			Available:   true,
			DeviceName:  getCPUName(),
			DeviceCount: runtime.NumCPU(),
		},
	}
	for _, p := range m.probes {
		if info := p(); info != nil {
			m.availableBackends[info.Backend] = info
		}
	}
}

// selectBackend returns the backend to use, or "" when preferred is
// unavailable and falling back is disabled.
func (m *Manager) selectBackend(preferred Backend) Backend {
	if preferred != BackendAuto && preferred != "" {
		if info, ok := m.availableBackends[preferred]; ok && info.Available {
			return preferred
		}
		if !m.config.FallbackToCPU {
			return ""
		}
		logging.Warnf("Requested backend %s not available, falling back to CPU", preferred)
		return BackendCPU
	}

	// Auto-select: CUDA > OpenVINO > ROCm > CPU
	for _, backend := range []Backend{BackendCUDA, BackendOpenVINO, BackendROCm} {
		if info, ok := m.availableBackends[backend]; ok && info.Available {
			return backend
		}
	}
	return BackendCPU
}

// GetActiveBackend returns the currently active backend.
func (m *Manager) GetActiveBackend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeBackend
}

// GetBackendInfo returns information about a specific backend.
func (m *Manager) GetBackendInfo(backend Backend) *BackendInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availableBackends[backend]
}

// GetAllBackends returns information about all detected backends.
func (m *Manager) GetAllBackends() map[Backend]*BackendInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[Backend]*BackendInfo, len(m.availableBackends))
	for k, v := range m.availableBackends {
		result[k] = v
	}
	return result
}

// IsAccelerated returns true if inference runs off the CPU.
func (m *Manager) IsAccelerated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeBackend != BackendCPU
}

var execCommand = exec.Command

// detectROCm detects AMD ROCm availability.
func detectROCm() *BackendInfo {
	rocmPath := os.Getenv("ROCM_PATH")
	if rocmPath == "" {
		rocmPath = "/opt/rocm"
	}
	if _, err := os.Stat(rocmPath); os.IsNotExist(err) {
		return nil
	}

	output, err := execCommand("rocm-smi", "--showproductname").Output()
	if err != nil {
		// Try alternative detection
		if output, err = execCommand("rocminfo").Output(); err != nil {
			output = nil
		}
	}

	info := parseROCm(output)
	if info.DeviceCount == 0 {
		info.DeviceCount = countVendorDevices("0x1002")
	}
	if info.DeviceCount == 0 {
		return nil
	}

	info.Available = true
	info.Version = readVersion(filepath.Join(rocmPath, ".info", "version"), filepath.Join(rocmPath, "version"))
	if info.DeviceName == "" {
		info.DeviceName = fmt.Sprintf("AMD GPU (%d device(s))", info.DeviceCount)
	}
	return info
}

// parseROCm reads device lines from rocm-smi or rocminfo output.
func parseROCm(output []byte) *BackendInfo {
	info := &BackendInfo{Backend: BackendROCm, Name: "AMD ROCm"}
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "GPU") || strings.Contains(line, "gfx") {
			if info.DeviceName == "" {
				info.DeviceName = strings.TrimSpace(line)
			}
			info.DeviceCount++
		}
	}
	return info
}

// detectCUDA detects NVIDIA CUDA availability.
func detectCUDA() *BackendInfo {
	output, err := execCommand("nvidia-smi", "--query-gpu=name,driver_version", "--format=csv,noheader").Output()
	if err != nil {
		return nil
	}
	return parseNvidiaSMI(output)
}

// parseNvidiaSMI reads "name, driver" CSV lines, one per GPU.
func parseNvidiaSMI(output []byte) *BackendInfo {
	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return nil
	}

	lines := strings.Split(trimmed, "\n")
	info := &BackendInfo{
		Backend:     BackendCUDA,
		Name:        "NVIDIA CUDA",
		Available:   true,
		DeviceCount: len(lines),
	}
	parts := strings.Split(lines[0], ",")
	info.DeviceName = strings.TrimSpace(parts[0])
	if len(parts) >= 2 {
		info.Version = strings.TrimSpace(parts[1])
	}
	return info
}

// detectOpenVINO detects Intel OpenVINO availability.
func detectOpenVINO() *BackendInfo {
	openvinoPath := os.Getenv("INTEL_OPENVINO_DIR")
	if openvinoPath == "" {
		for _, p := range []string{"/opt/intel/openvino", "/opt/intel/openvino_2025", "/opt/intel/openvino_2024"} {
			if _, err := os.Stat(p); err == nil {
				openvinoPath = p
				break
			}
		}
	}
	if openvinoPath == "" {
		return nil
	}

	return &BackendInfo{
		Backend:     BackendOpenVINO,
		Name:        "Intel OpenVINO",
		Available:   true,
		Version:     readVersion(filepath.Join(openvinoPath, "version.txt")),
		DeviceName:  detectIntelDevice(),
		DeviceCount: 1,
	}
}

// detectIntelDevice detects Intel GPU or NPU.
func detectIntelDevice() string {
	if countVendorDevices("0x8086") > 0 {
		return "Intel GPU"
	}
	if _, err := os.Stat("/dev/accel/accel0"); err == nil {
		return "Intel NPU"
	}
	return "Intel (CPU inference)"
}

// countVendorDevices counts DRM devices with the given PCI vendor ID.
func countVendorDevices(vendorID string) int {
	devices, _ := filepath.Glob("/sys/class/drm/card*/device/vendor")
	n := 0
	for _, dev := range devices {
		vendor, err := os.ReadFile(dev)
		if err == nil && strings.TrimSpace(string(vendor)) == vendorID {
			n++
		}
	}
	return n
}

// readVersion returns the trimmed contents of the first readable file.
func readVersion(paths ...string) string {
	for _, p := range paths {
		if data, err := os.ReadFile(p); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "unknown"
}

// getCPUName returns the CPU name.
func getCPUName() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "Unknown CPU"
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return "Unknown CPU"
}

// ErrBackendNotAvailable is returned when a requested backend is not
// available and falling back to the CPU is disabled.
var ErrBackendNotAvailable = errors.New("acceleration backend not available")
