// Package nodeclient implements the sensor-node side of the coordinator
// protocol: it holds the uplink websocket, tracks announced test runs, and
// schedules spectrum scans so that sample windows are flowing when a run's
// window opens.
package nodeclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/memoryless"
	"github.com/signal-meter/signalmeter/internal/rfpower"
	"github.com/signal-meter/signalmeter/pkg/model"
	"github.com/signal-meter/signalmeter/pkg/wire"
)

const (
	// DefaultWebSocketHandshakeTimeout is the default timeout used by the
	// client for the WebSocket handshake.
	DefaultWebSocketHandshakeTimeout = 5 * time.Second

	// DefaultScheme is the default WebSocket scheme for a new Client.
	DefaultScheme = "ws"

	// scanLeadTime is how far before a run's start the scanner is brought
	// up, so the hardware has settled when the window opens.
	scanLeadTime = 10 * time.Second

	// scheduleInterval is the expected gap between scheduler passes. The
	// actual gap is memoryless around this value.
	scheduleInterval = time.Second

	// forgetRunAfter is how long a finished run is kept in the local table
	// before being pruned.
	forgetRunAfter = time.Minute
)

// Scanner produces a stream of spectrum sample windows centered on a
// frequency. Cancelling the context ends the stream and closes the channel.
type Scanner interface {
	Start(ctx context.Context, centerHz int64) (<-chan rfpower.Event, error)
}

// Client is one node's uplink to the coordinator.
type Client struct {
	// NodeID is the node's name, used as the natural key server-side.
	NodeID string
	// Server is the coordinator's host:port.
	Server string
	// Scheme is "ws" or "wss".
	Scheme string
	// Scanner supplies sample windows. Required.
	Scanner Scanner

	dialer *websocket.Dialer

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu         sync.Mutex
	runs       map[string]model.TestRun
	scanFreq   string
	scanCancel context.CancelFunc
}

// New returns a Client for the given node name. It panics if nodeID is empty
// or scanner is nil.
func New(nodeID string, scanner Scanner) *Client {
	if nodeID == "" || scanner == nil {
		panic("node id and scanner must be set")
	}
	return &Client{
		NodeID:  nodeID,
		Scheme:  DefaultScheme,
		Scanner: scanner,
		dialer: &websocket.Dialer{
			HandshakeTimeout: DefaultWebSocketHandshakeTimeout,
		},
		runs: map[string]model.TestRun{},
	}
}

// Run connects to the coordinator and services the uplink until the
// connection closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	u := url.URL{
		Scheme: c.Scheme,
		Host:   c.Server,
		Path:   "/connectNode/" + c.NodeID,
	}
	ws, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", u.String(), err)
	}
	c.ws = ws
	defer ws.Close()
	defer c.stopScan()

	log.Info("connected", "node", c.NodeID, "server", c.Server)

	// Unblock the read loop when the context ends.
	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	go func() {
		err := memoryless.Run(ctx, func() { c.schedule(ctx) }, memoryless.Config{
			Expected: scheduleInterval,
			Min:      scheduleInterval / 2,
			Max:      scheduleInterval * 3 / 2,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", "error", err)
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg, err := wire.Parse(data)
		if err != nil {
			log.Debug("ignoring unparseable message", "error", err)
			continue
		}
		switch m := msg.(type) {
		case *wire.Ping:
			c.send(wire.NewPong())
		case *wire.Pong:
			// Answer to one of our pings; nothing to do.
		case *wire.TestRunUpdate:
			c.updateRun(m.Doc)
		case *wire.Error:
			log.Warn("server error", "message", m.Message)
		}
	}
}

func (c *Client) send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// updateRun records an announced test run and prunes long-finished ones.
func (c *Client) updateRun(doc wire.TestRunDoc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[doc.ID] = model.TestRun{
		ID:           doc.ID,
		ExperimentID: doc.ExperimentID,
		Frequency:    doc.Frequency,
		State:        doc.State,
		StartTime:    doc.StartTime,
		EndTime:      doc.EndTime,
	}
	cutoff := time.Now().Add(-forgetRunAfter)
	for id, tr := range c.runs {
		if tr.EndTime.Before(cutoff) {
			delete(c.runs, id)
		}
	}
	log.Debug("test run announced", "id", doc.ID, "frequency", doc.Frequency,
		"start", doc.StartTime, "end", doc.EndTime)
}

// schedule points the scanner at the soonest upcoming or active run, or
// stops it when there is nothing to measure.
func (c *Client) schedule(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	var pending []model.TestRun
	for _, tr := range c.runs {
		if tr.EndTime.After(now) {
			pending = append(pending, tr)
		}
	}
	c.mu.Unlock()

	if len(pending) == 0 {
		c.stopScan()
		return
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].StartTime.Before(pending[j].StartTime)
	})
	next := pending[0]
	if next.StartTime.Sub(now) > scanLeadTime {
		c.stopScan()
		return
	}
	if err := c.ensureScan(ctx, next.Frequency); err != nil {
		log.Error("cannot start scanner", "frequency", next.Frequency, "error", err)
	}
}

// ensureScan makes the scanner run at the given frequency, restarting it if
// it is idle or tuned elsewhere.
func (c *Client) ensureScan(ctx context.Context, frequency string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanFreq == frequency {
		return nil
	}
	hz, err := strconv.ParseInt(frequency, 10, 64)
	if err != nil {
		return fmt.Errorf("unusable frequency %q: %w", frequency, err)
	}
	if c.scanCancel != nil {
		c.scanCancel()
		c.scanCancel = nil
		c.scanFreq = ""
	}
	scanCtx, cancel := context.WithCancel(ctx)
	events, err := c.Scanner.Start(scanCtx, hz)
	if err != nil {
		cancel()
		return err
	}
	c.scanFreq = frequency
	c.scanCancel = cancel
	log.Info("scanning", "frequency", frequency)
	go c.pump(events, frequency)
	return nil
}

func (c *Client) stopScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanCancel != nil {
		log.Info("scan stopped", "frequency", c.scanFreq)
		c.scanCancel()
		c.scanCancel = nil
		c.scanFreq = ""
	}
}

// pump uploads one data message per scanner window. The reported power is
// the center reading above the window's own noise floor, clamped at zero.
func (c *Client) pump(events <-chan rfpower.Event, frequency string) {
	for ev := range events {
		if len(ev.Samples) < 5 {
			log.Debug("window too narrow, skipping", "samples", len(ev.Samples))
			continue
		}
		center := rfpower.WindowPower(ev.Samples)
		noise := rfpower.WindowNoiseFloor(ev.Samples)
		power := rfpower.RoundTo(math.Max(center-noise, 0), 3)
		err := c.send(wire.NewData(wire.DataPayload{
			Frequency:  frequency,
			Timestamp:  ev.Timestamp,
			Power:      power,
			RawSamples: ev.Samples,
		}))
		if err != nil {
			log.Warn("cannot upload sample", "error", err)
			return
		}
	}
}
