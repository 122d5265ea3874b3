package vision

import (
	"errors"
	"fmt"
	"testing"
)

func TestLandmarks_Get(t *testing.T) {
	lm := Landmarks{
		RegionOuterLips: {{X: 0, Y: 0}, {X: 1, Y: 0}},
		RegionLeftEye:   {},
	}

	if _, ok := lm.Get(RegionOuterLips); !ok {
		t.Error("expected outer lips to be present")
	}
	if _, ok := lm.Get(RegionLeftEye); ok {
		t.Error("empty region should be reported as absent")
	}
	if _, ok := lm.Get(RegionNose); ok {
		t.Error("missing region should be reported as absent")
	}

	var empty Landmarks
	if _, ok := empty.Get(RegionOuterLips); ok {
		t.Error("nil landmarks should have no regions")
	}
}

func TestObservation_MouthWidth(t *testing.T) {
	tests := []struct {
		name     string
		obs      Observation
		expected float64
		ok       bool
	}{
		{
			name: "no landmarks",
			obs:  Observation{},
			ok:   false,
		},
		{
			name: "single lip point",
			obs: Observation{Landmarks: Landmarks{
				RegionOuterLips: {{X: 0.3, Y: 0.7}},
			}},
			ok: false,
		},
		{
			name: "corners",
			obs: Observation{Landmarks: Landmarks{
				RegionOuterLips: {{X: 0, Y: 0}, {X: 0.5, Y: 0.2}, {X: 1, Y: 0}},
			}},
			expected: 1,
			ok:       true,
		},
		{
			name: "only inner lips",
			obs: Observation{Landmarks: Landmarks{
				RegionInnerLips: {{X: 0, Y: 0}, {X: 1, Y: 0}},
			}},
			ok: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.obs.MouthWidth()
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("width = %f, want %f", got, tt.expected)
			}
		})
	}
}

func TestCapabilityError(t *testing.T) {
	if NewCapabilityError(StageDetect, nil) != nil {
		t.Error("nil error should not be wrapped")
	}

	cause := errors.New("malformed input")
	err := fmt.Errorf("frame 7: %w", NewCapabilityError(StageTrack, cause))

	if !IsCapabilityFailure(err) {
		t.Error("expected wrapped capability failure to be detected")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}
	if IsCapabilityFailure(ErrMissingObservation) {
		t.Error("missing observation is not a capability failure")
	}

	var capErr *CapabilityError
	if !errors.As(err, &capErr) || capErr.Stage != StageTrack {
		t.Errorf("unexpected stage in %v", err)
	}
}
