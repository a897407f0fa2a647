package watch

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/signal-meter/signalmeter/internal/store"
)

const (
	// HeartbeatInterval is the liveness write cadence.
	HeartbeatInterval = 5 * time.Second

	// HeartbeatID is the id of the liveness document in the lastUpdate
	// collection.
	HeartbeatID = "dbWatcher"
)

// heartbeatLock is how long a claim excludes concurrent heartbeat runs. Half
// the cadence, so a crashed holder never delays the next writer by more than
// one interval.
const heartbeatLock = HeartbeatInterval / 2

// Heartbeat periodically upserts a liveness timestamp into the lastUpdate
// collection. External monitoring compares it against wall time to detect a
// coordinator whose feed has gone completely silent; because lastUpdate is a
// watched collection, each write also produces a change event that keeps the
// supervisor's activity clock moving on an otherwise idle system.
type Heartbeat struct {
	store    store.Store
	interval time.Duration
}

// NewHeartbeat returns a heartbeat writer for the given store.
func NewHeartbeat(s store.Store) *Heartbeat {
	return &Heartbeat{store: s, interval: HeartbeatInterval}
}

// Run writes heartbeats until the context is canceled. Intervals are lightly
// randomized around the cadence so concurrent coordinators do not align.
func (h *Heartbeat) Run(ctx context.Context) error {
	return memoryless.Run(ctx, func() {
		claimed, err := h.store.ClaimHeartbeat(ctx, HeartbeatID, time.Now(), heartbeatLock)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("heartbeat write failed", "error", err)
			}
			return
		}
		if !claimed {
			log.Debug("heartbeat lock held elsewhere, skipping")
			return
		}
		metricHeartbeats.Inc()
	}, memoryless.Config{
		Expected: h.interval,
		Min:      h.interval - h.interval/4,
		Max:      h.interval + h.interval/4,
	})
}
