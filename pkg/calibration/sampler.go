package calibration

import (
	"context"
	"sync"
	"time"
)

// Sampler invokes a tick function on a fixed cadence until stopped.
// It drives ModeTimed bursts.
type Sampler struct {
	period time.Duration
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// StartSampler starts calling tick every period until ctx is done or Stop
// is called. Ticks run sequentially on the sampler's goroutine.
func StartSampler(ctx context.Context, period time.Duration, tick func(ctx context.Context)) *Sampler {
	ctx, cancel := context.WithCancel(ctx)
	s := &Sampler{
		period: period,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				tick(ctx)
			}
		}
	}()

	return s
}

// Period returns the sampling period.
func (s *Sampler) Period() time.Duration {
	return s.period
}

// Stop cancels the sampler. It is safe to call more than once and from
// within the tick function; it does not wait for the goroutine to exit.
func (s *Sampler) Stop() {
	s.once.Do(s.cancel)
}

// Done is closed once the sampler goroutine has exited.
func (s *Sampler) Done() <-chan struct{} {
	return s.done
}
