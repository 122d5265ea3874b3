package acceleration

import (
	"errors"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PreferredBackend != BackendAuto {
		t.Errorf("expected PreferredBackend Auto, got %s", cfg.PreferredBackend)
	}
	if !cfg.FallbackToCPU {
		t.Error("expected FallbackToCPU to be true")
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		input   string
		want    Backend
		wantErr bool
	}{
		{"", BackendAuto, false},
		{"auto", BackendAuto, false},
		{"CUDA", BackendCUDA, false},
		{" rocm ", BackendROCm, false},
		{"openvino", BackendOpenVINO, false},
		{"cpu", BackendCPU, false},
		{"tpu", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseBackend(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownBackend) {
					t.Errorf("expected ErrUnknownBackend, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseBackend(%q) = %s, %v; want %s", tt.input, got, err, tt.want)
			}
		})
	}
}

func TestManager_Initialize(t *testing.T) {
	manager := NewManager()
	manager.probes = nil

	if err := manager.Initialize(DefaultConfig()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !manager.initialized {
		t.Error("manager should be initialized")
	}

	// CPU should always be available
	cpuInfo := manager.GetBackendInfo(BackendCPU)
	if cpuInfo == nil {
		t.Fatal("CPU backend info should not be nil")
	}
	if !cpuInfo.Available {
		t.Error("CPU backend should be available")
	}
	if manager.GetActiveBackend() != BackendCPU {
		t.Errorf("expected CPU, got %s", manager.GetActiveBackend())
	}
}

func TestManager_InitializeWithProbe(t *testing.T) {
	manager := NewManager()
	manager.probes = []probe{func() *BackendInfo {
		return &BackendInfo{Backend: BackendCUDA, Name: "NVIDIA CUDA", Available: true, DeviceName: "RTX"}
	}}

	if err := manager.Initialize(DefaultConfig()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if manager.GetActiveBackend() != BackendCUDA {
		t.Errorf("expected CUDA, got %s", manager.GetActiveBackend())
	}
	if !manager.IsAccelerated() {
		t.Error("CUDA should count as accelerated")
	}
	if len(manager.GetAllBackends()) != 2 {
		t.Errorf("expected CPU and CUDA, got %v", manager.GetAllBackends())
	}
}

func TestManager_InitializeNoFallback(t *testing.T) {
	manager := NewManager()
	manager.probes = nil

	err := manager.Initialize(Config{PreferredBackend: BackendOpenVINO})
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("expected ErrBackendNotAvailable, got %v", err)
	}
	if manager.GetActiveBackend() != BackendCPU {
		t.Error("active backend should stay CPU after a failed initialize")
	}
}

func TestManager_IsAccelerated(t *testing.T) {
	tests := []struct {
		name     string
		backend  Backend
		expected bool
	}{
		{"CPU", BackendCPU, false},
		{"ROCm", BackendROCm, true},
		{"CUDA", BackendCUDA, true},
		{"OpenVINO", BackendOpenVINO, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &Manager{
				activeBackend: tt.backend,
			}
			if manager.IsAccelerated() != tt.expected {
				t.Errorf("IsAccelerated for %s: expected %v", tt.name, tt.expected)
			}
		})
	}
}

func TestManager_selectBackend(t *testing.T) {
	tests := []struct {
		name      string
		preferred Backend
		available map[Backend]*BackendInfo
		fallback  bool
		expected  Backend
	}{
		{
			name:      "auto with only CPU",
			preferred: BackendAuto,
			available: map[Backend]*BackendInfo{
				BackendCPU: {Backend: BackendCPU, Available: true},
			},
			fallback: true,
			expected: BackendCPU,
		},
		{
			name:      "auto prefers ROCm over CPU",
			preferred: BackendAuto,
			available: map[Backend]*BackendInfo{
				BackendCPU:  {Backend: BackendCPU, Available: true},
				BackendROCm: {Backend: BackendROCm, Available: true},
			},
			fallback: true,
			expected: BackendROCm,
		},
		{
			name:      "auto prefers CUDA over ROCm",
			preferred: BackendAuto,
			available: map[Backend]*BackendInfo{
				BackendCPU:  {Backend: BackendCPU, Available: true},
				BackendROCm: {Backend: BackendROCm, Available: true},
				BackendCUDA: {Backend: BackendCUDA, Available: true},
			},
			fallback: true,
			expected: BackendCUDA,
		},
		{
			name:      "specific backend available",
			preferred: BackendCUDA,
			available: map[Backend]*BackendInfo{
				BackendCPU:  {Backend: BackendCPU, Available: true},
				BackendCUDA: {Backend: BackendCUDA, Available: true},
			},
			fallback: true,
			expected: BackendCUDA,
		},
		{
			name:      "specific backend not available with fallback",
			preferred: BackendCUDA,
			available: map[Backend]*BackendInfo{
				BackendCPU: {Backend: BackendCPU, Available: true},
			},
			fallback: true,
			expected: BackendCPU,
		},
		{
			name:      "specific backend not available without fallback",
			preferred: BackendCUDA,
			available: map[Backend]*BackendInfo{
				BackendCPU: {Backend: BackendCPU, Available: true},
			},
			fallback: false,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := &Manager{
				availableBackends: tt.available,
				config: Config{
					FallbackToCPU: tt.fallback,
				},
			}
			result := manager.selectBackend(tt.preferred)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestParseNvidiaSMI(t *testing.T) {
	info := parseNvidiaSMI([]byte("NVIDIA GeForce RTX 4070, 550.54.14\nNVIDIA GeForce RTX 3060, 550.54.14\n"))
	if info == nil {
		t.Fatal("expected CUDA info")
	}
	if info.DeviceName != "NVIDIA GeForce RTX 4070" || info.Version != "550.54.14" || info.DeviceCount != 2 {
		t.Errorf("unexpected info: %+v", info)
	}

	if parseNvidiaSMI([]byte("  \n")) != nil {
		t.Error("empty output should report no devices")
	}
}

func TestParseROCm(t *testing.T) {
	output := []byte("======= ROCm System Management Interface =======\n" +
		"GPU[0]\t\t: Card series: AMD Radeon RX 7900 XTX\n" +
		"GPU[1]\t\t: Card series: AMD Radeon RX 6600\n")

	info := parseROCm(output)
	if info.DeviceCount != 2 {
		t.Errorf("expected 2 devices, got %d", info.DeviceCount)
	}
	if info.DeviceName == "" {
		t.Error("expected a device name")
	}

	if parseROCm(nil).DeviceCount != 0 {
		t.Error("no output should find no devices")
	}
}

func TestGetCPUName(t *testing.T) {
	name := getCPUName()
	// Should return something, even if "Unknown CPU"
	if name == "" {
		t.Error("getCPUName returned empty string")
	}
}

func TestReadVersion_Missing(t *testing.T) {
	if got := readVersion("/nonexistent/version"); got != "unknown" {
		t.Errorf("expected unknown, got %s", got)
	}
}

// Benchmark tests
func BenchmarkManager_GetActiveBackend(b *testing.B) {
	manager := &Manager{
		activeBackend: BackendCPU,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		manager.GetActiveBackend()
	}
}
