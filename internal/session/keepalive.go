package session

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/signal-meter/signalmeter/pkg/wire"
)

const (
	// PingInterval is the idle time before the server sends a ping.
	PingInterval = 10 * time.Second

	// PongTimeout is how long a sent ping waits for its pong.
	PongTimeout = 30 * time.Second
)

// keepalive drives the application-level ping/pong exchange for one
// connection. Every PingInterval of send-side idleness it sends a ping and
// arms a PongTimeout timer; the peer's pong cancels the timeout and re-arms
// the next ping.
//
// A pong timeout is advisory only: it is logged as a stall but does not
// force a disconnect. Session pre-emption and read errors already tear down
// dead node connections, and an unresponsive dashboard is allowed to linger.
type keepalive struct {
	send  func(wire.Message) error
	label string

	mu        sync.Mutex
	pingTimer *time.Timer
	pongTimer *time.Timer
	onPong    func()
	stopped   bool
}

// newKeepalive returns an unstarted keepalive writing through send. onPong,
// if non-nil, runs on every received pong (after the timers are handled).
func newKeepalive(label string, send func(wire.Message) error, onPong func()) *keepalive {
	return &keepalive{send: send, label: label, onPong: onPong}
}

// start arms the first ping timer.
func (k *keepalive) start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	k.pingTimer = time.AfterFunc(PingInterval, k.doPing)
}

func (k *keepalive) doPing() {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	k.pongTimer = time.AfterFunc(PongTimeout, func() {
		log.Warn("ping timeout: no pong received", "conn", k.label,
			"timeout", PongTimeout)
	})
	k.mu.Unlock()

	if err := k.send(wire.NewPing()); err != nil {
		log.Debug("cannot send ping", "conn", k.label, "error", err)
	}
}

// handlePong cancels the pong timeout and re-arms the ping timer.
func (k *keepalive) handlePong() {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	if k.pongTimer != nil {
		k.pongTimer.Stop()
		k.pongTimer = nil
	}
	k.pingTimer = time.AfterFunc(PingInterval, k.doPing)
	k.mu.Unlock()

	if k.onPong != nil {
		k.onPong()
	}
}

// handlePing answers the peer's ping immediately.
func (k *keepalive) handlePing() {
	if err := k.send(wire.NewPong()); err != nil {
		log.Debug("cannot send pong", "conn", k.label, "error", err)
	}
}

// stop cancels both timers. Called synchronously when the connection closes.
func (k *keepalive) stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	if k.pingTimer != nil {
		k.pingTimer.Stop()
		k.pingTimer = nil
	}
	if k.pongTimer != nil {
		k.pongTimer.Stop()
		k.pongTimer = nil
	}
}
