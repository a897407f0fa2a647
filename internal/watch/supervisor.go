package watch

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// SoftStaleThreshold is how long the feed may be silent before the
	// supervisor forces a restart. With heartbeats every 5 s flowing
	// through the watched lastUpdate collection, a healthy feed is never
	// this quiet.
	SoftStaleThreshold = 15 * time.Second

	// HardStaleThreshold is the point of no return: if the feed is still
	// silent this long, the process terminates so an orchestrator can
	// replace it.
	HardStaleThreshold = 150 * time.Second

	supervisorInterval = time.Second
)

// Supervisor watches the coordinator's activity clock and escalates when the
// change feed goes silent: a warning at 60% of the soft threshold, a forced
// feed restart at the soft threshold, and a fatal exit at the hard threshold.
// It only arms itself while at least one subscription is active.
type Supervisor struct {
	coord *Coordinator

	soft time.Duration
	hard time.Duration

	// now and fatal are injection points for tests.
	now   func() time.Time
	fatal func(msg string)

	lastRestart time.Time
}

// NewSupervisor returns a supervisor over the given coordinator.
func NewSupervisor(c *Coordinator) *Supervisor {
	return &Supervisor{
		coord: c,
		soft:  SoftStaleThreshold,
		hard:  HardStaleThreshold,
		now:   time.Now,
		fatal: func(msg string) {
			log.Error(msg)
			os.Exit(1)
		},
	}
}

// Run checks staleness once a second until the context is canceled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

// check runs one staleness evaluation.
func (s *Supervisor) check() {
	if !s.coord.hasSubscribers() {
		return
	}
	last := s.coord.LastActivity()
	if last.IsZero() {
		// Feed has not opened yet; opening is the watch loop's job.
		return
	}
	stale := s.now().Sub(last)
	switch {
	case stale >= s.hard:
		s.fatal("change feed silent beyond hard threshold, terminating")
	case stale >= s.soft:
		// One forced restart per stale episode; the restart itself
		// refreshes the activity clock when the feed reopens.
		if s.lastRestart.After(last) {
			return
		}
		s.lastRestart = s.now()
		metricSupervisorRestarts.Inc()
		log.Warn("change feed stale, forcing restart", "stale", stale)
		s.coord.ForceRestart()
	case stale >= s.soft*6/10:
		log.Warn("change feed approaching staleness threshold", "stale", stale)
	}
}
