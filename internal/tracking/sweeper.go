package tracking

import (
	"context"
	"time"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
)

// Sweeper evicts tags that have stopped reporting.
type Sweeper struct {
	Store    *Store
	Pub      Publisher
	Clock    timeutil.Clock
	Interval time.Duration
	Timeout  time.Duration
}

// Default sweep parameters.
const (
	DefaultSweepInterval = 2 * time.Second
	DefaultTagTimeout    = 10 * time.Second
)

// Sweep removes stale tags and publishes one snapshot if any were removed.
func (s *Sweeper) Sweep() []string {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTagTimeout
	}
	removed := s.Store.EvictStale(timeout)
	if len(removed) == 0 {
		return nil
	}
	for _, id := range removed {
		monitoring.Logf("[-] Tracker %s timed out after %v", id, timeout)
	}
	if s.Pub != nil {
		s.Pub.Publish(s.Store.Snapshot())
	}
	return removed
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.Sweep()
		}
	}
}
