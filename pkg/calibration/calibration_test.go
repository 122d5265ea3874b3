package calibration

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Mode != ModeTimed {
		t.Errorf("expected mode timed, got %s", cfg.Mode)
	}
	if cfg.Capacity != 50 {
		t.Errorf("expected capacity 50, got %d", cfg.Capacity)
	}
	if cfg.Period != 60*time.Millisecond {
		t.Errorf("expected period 60ms, got %v", cfg.Period)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"timed", Config{Mode: ModeTimed, Capacity: 10, Period: time.Millisecond}, false},
		{"per-observation without period", Config{Mode: ModePerObservation, Capacity: 10}, false},
		{"timed without period", Config{Mode: ModeTimed, Capacity: 10}, true},
		{"zero capacity", Config{Mode: ModePerObservation, Capacity: 0}, true},
		{"unknown mode", Config{Mode: "burst", Capacity: 10, Period: time.Millisecond}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSession_MeanAtCapacity(t *testing.T) {
	s := NewSession(4)
	s.Start()

	values := []float64{1.0, 2.0, 3.0, 6.0}
	for i, v := range values[:3] {
		if _, done := s.Offer(v); done {
			t.Fatalf("baseline emitted early at sample %d", i+1)
		}
	}

	b, done := s.Offer(values[3])
	if !done {
		t.Fatal("expected baseline at capacity")
	}
	if math.Abs(b.Width-3.0) > 1e-12 {
		t.Errorf("baseline = %f, want 3.0", b.Width)
	}
	if b.Samples != 4 {
		t.Errorf("samples = %d, want 4", b.Samples)
	}
	if b.StdDev <= 0 {
		t.Errorf("expected positive spread, got %f", b.StdDev)
	}
	if s.Active() {
		t.Error("session should be inactive after completion")
	}
}

func TestSession_FewerThanCapacity(t *testing.T) {
	s := NewSession(50)
	s.Start()

	for i := 0; i < 49; i++ {
		if _, done := s.Offer(1.0); done {
			t.Fatalf("baseline emitted with %d samples", i+1)
		}
	}
	if s.Len() != 49 {
		t.Errorf("expected 49 samples, got %d", s.Len())
	}
}

func TestSession_OfferAfterCompletion(t *testing.T) {
	s := NewSession(2)
	s.Start()
	s.Offer(1)
	if _, done := s.Offer(1); !done {
		t.Fatal("expected completion")
	}

	for i := 0; i < 5; i++ {
		if _, done := s.Offer(2); done {
			t.Fatal("offer after completion must be a no-op")
		}
	}
	if s.Len() != 2 {
		t.Errorf("samples changed after completion: %d", s.Len())
	}
}

func TestSession_OfferBeforeStart(t *testing.T) {
	s := NewSession(1)
	if _, done := s.Offer(1); done {
		t.Error("inactive session must not emit a baseline")
	}
	if s.Len() != 0 {
		t.Error("inactive session must not record samples")
	}
}

func TestSession_IgnoresNonFiniteWidths(t *testing.T) {
	s := NewSession(2)
	s.Start()

	for _, w := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, done := s.Offer(w); done {
			t.Fatalf("Offer(%v) completed the burst", w)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("non-finite widths recorded: %d samples", s.Len())
	}

	s.Offer(1)
	b, done := s.Offer(3)
	if !done {
		t.Fatal("expected completion")
	}
	if b.Width != 2 || math.IsNaN(b.StdDev) {
		t.Errorf("baseline = %+v, want width 2", b)
	}
}

func TestSession_RestartClearsSamples(t *testing.T) {
	s := NewSession(3)
	s.Start()
	s.Offer(10)
	s.Offer(10)

	s.Start()
	if s.Len() != 0 {
		t.Fatalf("restart should clear samples, got %d", s.Len())
	}
	s.Start()
	if s.Len() != 0 {
		t.Fatalf("second restart should clear samples, got %d", s.Len())
	}

	s.Offer(1)
	s.Offer(2)
	b, done := s.Offer(3)
	if !done {
		t.Fatal("expected completion after restart")
	}
	if b.Width != 2 {
		t.Errorf("samples leaked across restart: baseline %f, want 2", b.Width)
	}

	samples := s.Samples()
	if samples[0].Seq != 1 || samples[2].Seq != 3 {
		t.Errorf("sequence should restart at 1, got %+v", samples)
	}
}

func TestSession_Complete(t *testing.T) {
	t.Run("no samples", func(t *testing.T) {
		s := NewSession(10)
		s.Start()

		_, err := s.Complete()
		if !errors.Is(err, ErrInsufficientSamples) {
			t.Fatalf("expected ErrInsufficientSamples, got %v", err)
		}
		if !s.Active() {
			t.Error("failed completion should leave calibration incomplete")
		}
	})

	t.Run("partial burst", func(t *testing.T) {
		s := NewSession(10)
		s.Start()
		s.Offer(0.4)

		b, err := s.Complete()
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if b.Width != 0.4 || b.Samples != 1 || b.StdDev != 0 {
			t.Errorf("unexpected baseline %+v", b)
		}
		if s.Active() {
			t.Error("session should be inactive after forced completion")
		}
	})

	t.Run("not active", func(t *testing.T) {
		s := NewSession(10)
		if _, err := s.Complete(); !errors.Is(err, ErrNotActive) {
			t.Errorf("expected ErrNotActive, got %v", err)
		}
	})
}

func TestSession_Cancel(t *testing.T) {
	s := NewSession(2)
	s.Start()
	s.Offer(1)
	s.Cancel()

	if s.Active() || s.Len() != 0 {
		t.Error("cancel should disarm and clear the session")
	}
	if _, done := s.Offer(1); done {
		t.Error("offer after cancel must be a no-op")
	}
}

func TestSampler_TicksUntilStopped(t *testing.T) {
	var ticks int32
	s := StartSampler(context.Background(), 2*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&ticks, 1)
	})

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&ticks) < 3 {
		select {
		case <-deadline:
			t.Fatal("sampler did not tick")
		case <-time.After(time.Millisecond):
		}
	}

	s.Stop()
	s.Stop() // double stop is a no-op

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not exit after Stop")
	}
}

func TestSampler_StopFromTick(t *testing.T) {
	var s *Sampler
	started := make(chan struct{})
	var ticks int32

	s = StartSampler(context.Background(), time.Millisecond, func(ctx context.Context) {
		<-started
		if atomic.AddInt32(&ticks, 1) == 1 {
			s.Stop()
		}
	})
	close(started)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not exit after Stop from tick")
	}
	if n := atomic.LoadInt32(&ticks); n != 1 {
		t.Errorf("expected exactly 1 tick, got %d", n)
	}
}

func TestSampler_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := StartSampler(ctx, time.Hour, func(ctx context.Context) {})
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not exit on context cancel")
	}
	s.Stop()
}
