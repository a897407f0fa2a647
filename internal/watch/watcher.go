// Package watch implements the change-feed fan-out engine: a single resilient
// subscription to the store's change stream, a registry of in-memory
// subscriptions, a liveness heartbeat, and a staleness supervisor.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/signal-meter/signalmeter/internal/store"
)

// RestartDelay is how long the coordinator waits before reopening the change
// feed after an error or close.
const RestartDelay = 100 * time.Millisecond

// Subscription registers interest in changes to one collection. OnChange
// receives the full post-change document and, on updates, the modified field
// names. OnDelete receives only the deleted document's id. A nil Filter
// matches every document.
//
// Handlers run on the dispatch goroutine: they may do storage I/O but must
// not block indefinitely. A panic inside a handler is logged and isolated to
// that subscription.
type Subscription struct {
	Collection string
	OnChange   func(doc store.Document, changed []string)
	OnDelete   func(id string)
	Filter     func(doc store.Document) bool
}

type handle uint64

// Coordinator owns the process's single logical change feed. It starts
// watching lazily when the first subscription arrives, restarts the feed
// after transient failures resuming from the last seen position, and stops
// once the feed closes with no subscribers left.
type Coordinator struct {
	store store.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[handle]*Subscription
	next     handle
	pos      store.Position
	feed     store.Feed
	watching bool
	shutdown bool

	restartDelay time.Duration

	activityMu   sync.Mutex
	lastActivity time.Time
}

// New returns a Coordinator reading from the given store.
func New(s store.Store) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        s,
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[handle]*Subscription),
		restartDelay: RestartDelay,
	}
}

// Subscribe adds a subscription and returns a function that removes it. The
// watch loop is started if it is not already running. Safe to call from
// handler callbacks.
func (c *Coordinator) Subscribe(sub Subscription) func() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		log.Warn("subscription rejected: coordinator is shut down",
			"collection", sub.Collection)
		return func() {}
	}
	c.next++
	h := c.next
	c.subs[h] = &sub
	metricSubscriptions.Inc()
	if !c.watching {
		c.watching = true
		go c.run()
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, h)
			c.mu.Unlock()
			metricSubscriptions.Dec()
		})
	}
}

// Shutdown stops the coordinator: no further restarts are scheduled and the
// active feed, if any, is closed. In-flight handler callbacks finish.
// Idempotent.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	feed := c.feed
	c.mu.Unlock()

	log.Info("change feed coordinator shutting down")
	c.cancel()
	if feed != nil {
		feed.Close()
	}
}

// ForceRestart closes the active feed so the watch loop reopens it from the
// last recorded position. Used by the staleness supervisor.
func (c *Coordinator) ForceRestart() {
	c.mu.Lock()
	feed := c.feed
	c.mu.Unlock()
	if feed != nil {
		feed.Close()
	}
}

func (c *Coordinator) hasSubscribers() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs) > 0
}

func (c *Coordinator) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// LastActivity is the time of the last feed open or delivered event. Zero
// before the feed first opens.
func (c *Coordinator) LastActivity() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

// run is the watch loop. One instance at a time; guarded by c.watching.
func (c *Coordinator) run() {
	log.Info("starting change feed watcher")
	for {
		c.mu.Lock()
		if c.shutdown || len(c.subs) == 0 {
			c.watching = false
			c.mu.Unlock()
			log.Info("change feed watcher stopped")
			return
		}
		pos := c.pos
		c.mu.Unlock()

		feed, err := c.store.Watch(c.ctx, pos)
		if err != nil {
			if errors.Is(err, store.ErrBadPosition) && pos != nil {
				// The store aged out our token; lose the gap and
				// watch from now rather than staying down.
				log.Warn("resume position rejected, watching from now",
					"position", pos.String(), "error", err)
				c.mu.Lock()
				c.pos = nil
				c.mu.Unlock()
				continue
			}
			log.Warn("cannot open change feed, retrying", "error", err)
			metricFeedRestarts.Inc()
			time.Sleep(c.restartDelay)
			continue
		}

		c.mu.Lock()
		c.feed = feed
		c.mu.Unlock()
		c.touch()

		for ev := range feed.Events() {
			c.mu.Lock()
			c.pos = ev.Position
			c.mu.Unlock()
			c.touch()
			c.dispatch(ev)
		}

		if err := feed.Err(); err != nil {
			log.Warn("change feed failed", "error", err)
		}

		c.mu.Lock()
		c.feed = nil
		if c.shutdown || len(c.subs) == 0 {
			c.watching = false
			c.mu.Unlock()
			log.Info("change feed watcher stopped")
			return
		}
		c.mu.Unlock()

		log.Warn("change feed closed with live subscriptions, restarting",
			"delay", c.restartDelay)
		metricFeedRestarts.Inc()
		time.Sleep(c.restartDelay)
	}
}

// dispatch fans one event out to every matching subscription, sequentially,
// isolating handler faults per subscription.
func (c *Coordinator) dispatch(ev store.ChangeEvent) {
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.Collection == ev.Collection {
			targets = append(targets, sub)
		}
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	metricEvents.WithLabelValues(ev.Collection, string(ev.Op)).Inc()

	doc := ev.Doc
	if ev.Op != store.OpDelete && doc == nil {
		// The feed omitted the document; look it up once for all
		// subscribers. It may be gone already if it was deleted behind
		// the event, in which case nobody is notified.
		fetched, err := c.store.Get(c.ctx, ev.Collection, ev.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Warn("cannot fetch document for change event",
					"collection", ev.Collection, "id", ev.ID, "error", err)
			}
			return
		}
		doc = fetched
	}

	for _, sub := range targets {
		if ev.Op == store.OpDelete {
			if sub.OnDelete != nil {
				c.invoke(sub, func() { sub.OnDelete(ev.ID) })
			}
			continue
		}
		if sub.Filter != nil && !sub.Filter(doc) {
			continue
		}
		if sub.OnChange != nil {
			c.invoke(sub, func() { sub.OnChange(doc, ev.Changed) })
		}
	}
}

// invoke runs a handler callback, containing panics so one bad subscriber
// cannot take down delivery to the rest or the watch loop itself.
func (c *Coordinator) invoke(sub *Subscription, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metricHandlerPanics.Inc()
			log.Error("subscription handler panicked",
				"collection", sub.Collection, "panic", r)
		}
	}()
	fn()
}
