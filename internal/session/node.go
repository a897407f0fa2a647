package session

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/signal-meter/signalmeter/internal/persistence"
	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/internal/watch"
	"github.com/signal-meter/signalmeter/pkg/model"
	"github.com/signal-meter/signalmeter/pkg/wire"
)

// runCacheTTL bounds how long a frequency→TestRun lookup is reused before
// going back to the store. Cached runs are re-validated against the sample
// timestamp, so a stale entry can never claim a closed window.
const runCacheTTL = 2 * time.Second

// NodeSession is one sensor node uplink connection. Connecting takes
// ownership of the node name: a fresh session token is written into the
// node's NodeStatus document, and any previous session observing the new
// token closes itself.
type NodeSession struct {
	store    store.Store
	coord    *watch.Coordinator
	conn     *conn
	nodeID   string
	remote   string
	dataDir  string
	token    string
	status   *model.NodeStatus
	runCache *ttlcache.Cache[string, *model.TestRun]

	archive model.NodeSessionArchive
}

// NewNode returns a session for an accepted node websocket. nodeID is the
// node's natural-key name from the connect path. dataDir, if non-empty, is
// where the session archive is written on close.
func NewNode(s store.Store, coord *watch.Coordinator, ws *websocket.Conn,
	nodeID, remoteAddr, dataDir string) *NodeSession {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *model.TestRun](runCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *model.TestRun](),
	)
	return &NodeSession{
		store:    s,
		coord:    coord,
		conn:     newConn(ws),
		nodeID:   nodeID,
		remote:   remoteAddr,
		dataDir:  dataDir,
		runCache: cache,
	}
}

// Run services the connection until it closes. It adopts the node name,
// registers the pre-emption and test-run subscriptions, then reads inbound
// messages.
func (s *NodeSession) Run(ctx context.Context) error {
	metricConnections.WithLabelValues("node").Inc()
	defer metricConnections.WithLabelValues("node").Dec()

	go s.runCache.Start()
	defer s.runCache.Stop()

	// Take command of this node. Issuing the token through an atomic
	// upsert is the pre-emption point: any other live session for this
	// name is stale from here on.
	s.token = uuid.NewString()
	status, err := s.store.AdoptNode(ctx, s.nodeID, s.token, s.remote, time.Now())
	if err != nil {
		log.Error("cannot adopt node", "node", s.nodeID, "error", err)
		s.conn.send(wire.NewError("cannot register node"))
		s.conn.close(websocket.CloseInternalServerErr, "cannot register node")
		return err
	}
	s.status = status
	s.archive = model.NodeSessionArchive{
		NodeName:       s.nodeID,
		InstanceString: s.token,
		Client:         s.remote,
		StartTime:      time.Now(),
	}
	defer s.writeArchive()

	log.Info("node connected", "node", s.nodeID, "addr", s.remote)

	// Watch our own NodeStatus for a newer session token. The close is
	// the whole signal: a superseded uplink gets no error message.
	unsubStatus := s.coord.Subscribe(watch.Subscription{
		Collection: model.CollectionNodeStatus,
		Filter: func(doc store.Document) bool {
			ns, ok := doc.(*model.NodeStatus)
			return ok && ns.Name == s.nodeID
		},
		OnChange: func(doc store.Document, changed []string) {
			ns := doc.(*model.NodeStatus)
			if ns.InstanceString != s.token {
				log.Info("node session pre-empted", "node", s.nodeID)
				metricPreemptions.Inc()
				s.archive.Preempted = true
				s.conn.close(websocket.CloseNormalClosure, "")
			}
		},
	})
	defer unsubStatus()

	// Nodes hear about every test run so they can schedule scans locally.
	unsubRuns := s.coord.Subscribe(watch.Subscription{
		Collection: model.CollectionTestRun,
		OnChange: func(doc store.Document, changed []string) {
			tr, ok := doc.(*model.TestRun)
			if !ok {
				return
			}
			if err := s.conn.send(wire.NewTestRunUpdate(tr)); err != nil {
				log.Debug("cannot push test run update", "node", s.nodeID, "error", err)
			}
		},
	})
	defer unsubRuns()

	ka := newKeepalive("node:"+s.nodeID, s.conn.send, func() {
		// A pong is proof of life; record it.
		if err := s.store.TouchNode(ctx, s.nodeID, s.token, time.Now()); err != nil {
			log.Warn("cannot refresh node lastSeen", "node", s.nodeID, "error", err)
		}
	})
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
				log.Debug("ignoring unknown message", "node", s.nodeID, "error", err)
			} else {
				log.Warn("bad message from node", "node", s.nodeID, "error", err)
			}
			continue
		}
		switch m := msg.(type) {
		case *wire.Ping:
			ka.handlePing()
		case *wire.Pong:
			ka.handlePong()
		case *wire.Data:
			s.handleData(ctx, m.Data)
		}
	}

	s.archive.EndTime = time.Now()
	log.Info("node disconnected", "node", s.nodeID,
		"received", s.archive.SamplesReceived,
		"dropped", s.archive.SamplesDropped)
	s.conn.close(websocket.CloseNormalClosure, "")
	return nil
}

// handleData matches one inbound sample window to the unique active test run
// at its frequency and persists it. Samples with no matching run are dropped
// with a warning and not retried.
func (s *NodeSession) handleData(ctx context.Context, d wire.DataPayload) {
	s.archive.SamplesReceived++

	tr, err := s.findActiveRun(ctx, d.Frequency, d.Timestamp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("no test run matches sample, dropping", "node", s.nodeID,
				"frequency", d.Frequency, "timestamp", d.Timestamp)
			metricSamplesDropped.Inc()
			s.archive.SamplesDropped++
			return
		}
		log.Error("test run lookup failed", "node", s.nodeID, "error", err)
		return
	}

	err = s.store.InsertTestRunData(ctx, &model.TestRunData{
		ID:         model.NewID(),
		TestRunID:  tr.ID,
		NodeID:     s.status.ID,
		Frequency:  d.Frequency,
		Timestamp:  d.Timestamp,
		Power:      d.Power,
		RawSamples: d.RawSamples,
	})
	if err != nil {
		log.Error("cannot persist sample", "node", s.nodeID, "error", err)
		return
	}
	metricSamplesStored.Inc()
	s.archive.SamplesMatched++

	// Refresh the node's RF snapshot, last-write-wins by sample timestamp
	// rather than arrival order.
	if s.status.RFStatus == nil || d.Timestamp.After(s.status.RFStatus.UpdatedAt) {
		rf := model.RFStatus{
			UpdatedAt: d.Timestamp,
			Level:     d.Power,
			Frequency: d.Frequency,
		}
		s.status.RFStatus = &rf
		if err := s.store.UpdateNodeRF(ctx, s.status.ID, rf); err != nil {
			log.Warn("cannot update node RF status", "node", s.nodeID, "error", err)
		}
	}
}

// findActiveRun resolves the test run for (frequency, ts), consulting a
// short-lived cache before the store.
func (s *NodeSession) findActiveRun(ctx context.Context, frequency string, ts time.Time) (*model.TestRun, error) {
	if item := s.runCache.Get(frequency); item != nil {
		if tr := item.Value(); tr != nil && tr.ActiveAt(ts) {
			return tr, nil
		}
	}
	tr, err := s.store.FindActiveTestRun(ctx, frequency, ts)
	if err != nil {
		return nil, err
	}
	s.runCache.Set(frequency, tr, ttlcache.DefaultTTL)
	return tr, nil
}

func (s *NodeSession) writeArchive() {
	if s.dataDir == "" {
		return
	}
	_, err := persistence.WriteDataFile(s.dataDir, "nodesession", "uplink", s.token, s.archive)
	if err != nil {
		log.Error("cannot write node session archive", "node", s.nodeID, "error", err)
	}
}
