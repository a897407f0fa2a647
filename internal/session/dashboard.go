package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/signal-meter/signalmeter/internal/rfpower"
	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/internal/watch"
	"github.com/signal-meter/signalmeter/pkg/model"
	"github.com/signal-meter/signalmeter/pkg/wire"
)

// recentNodeWindow selects which nodes are included in the initial dashboard
// snapshot besides those referenced by already-sent samples.
const recentNodeWindow = 60 * time.Second

// CloseInvalidExperiment is the close code sent when the requested
// experiment does not exist.
const CloseInvalidExperiment = 1001

// DashboardSession is one browser downlink for a single experiment. After an
// initial snapshot it pushes live updates for node statuses, the
// experiment's test runs, and their aggregated sample data.
type DashboardSession struct {
	store store.Store
	coord *watch.Coordinator
	conn  *conn
	expID string

	mu        sync.Mutex
	knownRuns map[string]bool
}

// NewDashboard returns a session for an accepted dashboard websocket.
func NewDashboard(s store.Store, coord *watch.Coordinator, ws *websocket.Conn, expID string) *DashboardSession {
	return &DashboardSession{
		store:     s,
		coord:     coord,
		conn:      newConn(ws),
		expID:     expID,
		knownRuns: make(map[string]bool),
	}
}

// Run services the connection until it closes.
func (s *DashboardSession) Run(ctx context.Context) error {
	metricConnections.WithLabelValues("dashboard").Inc()
	defer metricConnections.WithLabelValues("dashboard").Dec()

	exp, err := s.store.GetExperiment(ctx, s.expID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.conn.send(wire.NewError("Invalid experiment ID"))
			s.conn.close(CloseInvalidExperiment, "Invalid experiment ID")
			return nil
		}
		s.conn.send(wire.NewError("cannot load experiment"))
		s.conn.close(websocket.CloseInternalServerErr, "cannot load experiment")
		return err
	}

	log.Info("dashboard connected", "experiment", s.expID)

	if err := s.sendSnapshot(ctx, exp); err != nil {
		log.Warn("cannot send dashboard snapshot", "experiment", s.expID, "error", err)
		s.conn.close(websocket.CloseInternalServerErr, "snapshot failed")
		return err
	}

	unsubNodes := s.coord.Subscribe(watch.Subscription{
		Collection: model.CollectionNodeStatus,
		OnChange: func(doc store.Document, changed []string) {
			ns, ok := doc.(*model.NodeStatus)
			if !ok {
				return
			}
			if err := s.conn.send(wire.NewNodeStatus(ns)); err != nil {
				log.Debug("cannot push node status", "experiment", s.expID, "error", err)
			}
		},
	})
	defer unsubNodes()

	unsubRuns := s.coord.Subscribe(watch.Subscription{
		Collection: model.CollectionTestRun,
		Filter: func(doc store.Document) bool {
			tr, ok := doc.(*model.TestRun)
			return ok && tr.ExperimentID == s.expID
		},
		OnChange: func(doc store.Document, changed []string) {
			tr := doc.(*model.TestRun)
			s.mu.Lock()
			s.knownRuns[tr.ID] = true
			s.mu.Unlock()
			if err := s.conn.send(wire.NewTestRunUpdate(tr)); err != nil {
				log.Debug("cannot push test run update", "experiment", s.expID, "error", err)
			}
		},
		// Deletes carry no document, so they cannot be filtered by
		// experiment; forget the run if we knew it and pass the notice
		// on either way.
		OnDelete: func(id string) {
			s.mu.Lock()
			delete(s.knownRuns, id)
			s.mu.Unlock()
			if err := s.conn.send(wire.NewItemDeleted(model.CollectionTestRun, id)); err != nil {
				log.Debug("cannot push deletion notice", "experiment", s.expID, "error", err)
			}
		},
	})
	defer unsubRuns()

	unsubData := s.coord.Subscribe(watch.Subscription{
		Collection: model.CollectionTestRunData,
		Filter: func(doc store.Document) bool {
			d, ok := doc.(*model.TestRunData)
			if !ok {
				return false
			}
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.knownRuns[d.TestRunID]
		},
		OnChange: func(doc store.Document, changed []string) {
			d := doc.(*model.TestRunData)
			if err := s.conn.send(aggregate(d)); err != nil {
				log.Debug("cannot push sample", "experiment", s.expID, "error", err)
			}
		},
	})
	defer unsubData()

	ka := newKeepalive("dashboard:"+s.expID, s.conn.send, nil)
	ka.start()
	defer ka.stop()

	for {
		_, data, err := s.conn.ws.ReadMessage()
		if err != nil {
			break
		}
		msg, err := wire.Parse(data)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				log.Debug("ignoring unknown message", "experiment", s.expID, "error", err)
			} else {
				log.Warn("bad message from dashboard", "experiment", s.expID, "error", err)
			}
			continue
		}
		switch msg.(type) {
		case *wire.Ping:
			ka.handlePing()
		case *wire.Pong:
			ka.handlePong()
		case *wire.Data:
			// Raw samples only flow node→server.
		}
	}

	log.Info("dashboard disconnected", "experiment", s.expID)
	s.conn.close(websocket.CloseNormalClosure, "")
	return nil
}

// sendSnapshot pushes the experiment, its test runs, their aggregated
// samples, and the relevant node statuses, in that order.
func (s *DashboardSession) sendSnapshot(ctx context.Context, exp *model.Experiment) error {
	if err := s.conn.send(wire.NewExperimentUpdate(exp)); err != nil {
		return err
	}

	runs, err := s.store.ListTestRuns(ctx, s.expID)
	if err != nil {
		return err
	}
	runIDs := make([]string, 0, len(runs))
	s.mu.Lock()
	for i := range runs {
		s.knownRuns[runs[i].ID] = true
		runIDs = append(runIDs, runs[i].ID)
	}
	s.mu.Unlock()
	for i := range runs {
		if err := s.conn.send(wire.NewTestRunUpdate(&runs[i])); err != nil {
			return err
		}
	}

	data, err := s.store.ListTestRunData(ctx, runIDs)
	if err != nil {
		return err
	}
	nodeIDs := make([]string, 0, len(data))
	for i := range data {
		if err := s.conn.send(aggregate(&data[i])); err != nil {
			return err
		}
		nodeIDs = append(nodeIDs, data[i].NodeID)
	}

	// Nodes seen recently, plus any node the samples above reference.
	nodes, err := s.store.ListNodes(ctx, time.Now().Add(-recentNodeWindow), nodeIDs)
	if err != nil {
		return err
	}
	for i := range nodes {
		if err := s.conn.send(wire.NewNodeStatus(&nodes[i])); err != nil {
			return err
		}
	}
	return nil
}

// aggregate reduces a stored sample record to the derived scalars pushed to
// dashboards. The raw vector never leaves the server.
func aggregate(d *model.TestRunData) *wire.TestRunData {
	power := rfpower.RoundTo(d.Power, 3)
	var noiseFloor float64
	if len(d.RawSamples) >= 5 {
		power = rfpower.WindowPower(d.RawSamples)
		noiseFloor = rfpower.WindowNoiseFloor(d.RawSamples)
	} else if len(d.RawSamples) > 0 {
		noiseFloor = rfpower.RoundTo(rfpower.NoiseFloor(d.RawSamples), 3)
	}
	return wire.NewTestRunData(wire.TestRunDataDoc{
		TestRunID:  d.TestRunID,
		NodeID:     d.NodeID,
		Timestamp:  d.Timestamp,
		Frequency:  d.Frequency,
		Power:      power,
		NoiseFloor: noiseFloor,
	})
}
