package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signal-meter/signalmeter/internal/session"
	"github.com/signal-meter/signalmeter/internal/store"
	"github.com/signal-meter/signalmeter/internal/store/memstore"
	"github.com/signal-meter/signalmeter/internal/watch"
	"github.com/signal-meter/signalmeter/pkg/model"
	"github.com/signal-meter/signalmeter/pkg/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newCoordinator(t *testing.T, s store.Store) *watch.Coordinator {
	t.Helper()
	c := watch.New(s)
	t.Cleanup(c.Shutdown)
	return c
}

// dialNode serves one NodeSession and returns the client side of its socket.
func dialNode(t *testing.T, s store.Store, c *watch.Coordinator, nodeID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}
		go session.NewNode(s, c, ws, nodeID, req.RemoteAddr, "").Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("cannot dial node socket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// dialDashboard serves one DashboardSession and returns the client socket.
func dialDashboard(t *testing.T, s store.Store, c *watch.Coordinator, expID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}
		go session.NewDashboard(s, c, ws, expID).Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("cannot dial dashboard socket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	msg, err := wire.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return msg
}

func sendMessage(t *testing.T, ws *websocket.Conn, m wire.Message) {
	t.Helper()
	data, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func adoptedNode(s store.Store, name string) *model.NodeStatus {
	nodes, err := s.(*memstore.Store).ListNodes(context.Background(), time.Time{}, nil)
	if err != nil {
		return nil
	}
	for i := range nodes {
		if nodes[i].Name == name {
			return &nodes[i]
		}
	}
	return nil
}

func TestNodeSession_StoresMatchedSamples(t *testing.T) {
	s := memstore.New()
	c := newCoordinator(t, s)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	end := time.Now().Add(time.Minute)
	if err := s.InsertTestRun(ctx, &model.TestRun{
		ID:           "tr1",
		ExperimentID: "exp1",
		Frequency:    "145000000",
		State:        model.TestRunRunning,
		StartTime:    start,
		EndTime:      end,
	}); err != nil {
		t.Fatalf("InsertTestRun: %v", err)
	}

	ws := dialNode(t, s, c, "node-a")
	waitFor(t, "node adoption", func() bool { return adoptedNode(s, "node-a") != nil })
	node := adoptedNode(s, "node-a")

	ts := time.Now()
	sendMessage(t, ws, wire.NewData(wire.DataPayload{
		Frequency:  "145000000",
		Timestamp:  ts,
		Power:      12.345,
		RawSamples: []float64{-80, -80, -30, -80, -80},
	}))

	waitFor(t, "sample row", func() bool {
		rows, _ := s.ListTestRunData(ctx, []string{"tr1"})
		return len(rows) == 1
	})
	rows, _ := s.ListTestRunData(ctx, []string{"tr1"})
	row := rows[0]
	if row.NodeID != node.ID || row.Frequency != "145000000" || row.Power != 12.345 {
		t.Fatalf("unexpected sample row: %+v", row)
	}

	// The node's RF snapshot follows the stored sample.
	waitFor(t, "rf status", func() bool {
		n := adoptedNode(s, "node-a")
		return n != nil && n.RFStatus != nil && n.RFStatus.Level == 12.345
	})

	// A sample at a frequency with no active run is dropped, not stored.
	sendMessage(t, ws, wire.NewData(wire.DataPayload{
		Frequency: "999000000",
		Timestamp: time.Now(),
		Power:     1,
	}))
	time.Sleep(100 * time.Millisecond)
	rows, _ = s.ListTestRunData(ctx, []string{"tr1"})
	if len(rows) != 1 {
		t.Fatalf("unmatched sample was stored: %d rows", len(rows))
	}
}

func TestNodeSession_OutOfWindowSampleDropped(t *testing.T) {
	s := memstore.New()
	c := newCoordinator(t, s)
	ctx := context.Background()

	// Run ended in the past; its end instant itself is already outside.
	end := time.Now().Add(-time.Second)
	s.InsertTestRun(ctx, &model.TestRun{
		ID:           "tr1",
		ExperimentID: "exp1",
		Frequency:    "145000000",
		StartTime:    end.Add(-10 * time.Second),
		EndTime:      end,
	})

	ws := dialNode(t, s, c, "node-a")
	waitFor(t, "node adoption", func() bool { return adoptedNode(s, "node-a") != nil })

	sendMessage(t, ws, wire.NewData(wire.DataPayload{
		Frequency: "145000000",
		Timestamp: end,
		Power:     1,
	}))
	time.Sleep(100 * time.Millisecond)
	rows, _ := s.ListTestRunData(ctx, []string{"tr1"})
	if len(rows) != 0 {
		t.Fatalf("out-of-window sample was stored: %d rows", len(rows))
	}
}

func TestNodeSession_PreemptedByNewerSession(t *testing.T) {
	s := memstore.New()
	c := newCoordinator(t, s)

	ws1 := dialNode(t, s, c, "node-a")
	waitFor(t, "first adoption", func() bool { return adoptedNode(s, "node-a") != nil })
	token1 := adoptedNode(s, "node-a").InstanceString
	// Let the first session install its pre-emption watch.
	time.Sleep(50 * time.Millisecond)

	// Second connect for the same name re-issues the token and must close
	// the first session.
	ws2 := dialNode(t, s, c, "node-a")
	waitFor(t, "second adoption", func() bool {
		n := adoptedNode(s, "node-a")
		return n != nil && n.InstanceString != token1
	})

	ws1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws1.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("first session: expected normal close, got %v", err)
			}
			break
		}
		// Drain pushes (test run updates, pings) until the close arrives.
	}

	// The second session is unaffected; it still answers pings.
	sendMessage(t, ws2, wire.NewPing())
	for {
		msg := readMessage(t, ws2)
		if _, ok := msg.(*wire.Pong); ok {
			break
		}
	}
}

func TestNodeSession_AnswersPing(t *testing.T) {
	s := memstore.New()
	c := newCoordinator(t, s)
	ws := dialNode(t, s, c, "node-a")

	sendMessage(t, ws, wire.NewPing())
	for {
		msg := readMessage(t, ws)
		if _, ok := msg.(*wire.Pong); ok {
			return
		}
	}
}

func TestDashboard_InvalidExperiment(t *testing.T) {
	s := memstore.New()
	c := newCoordinator(t, s)
	ws := dialDashboard(t, s, c, "no-such-experiment")

	msg := readMessage(t, ws)
	errMsg, ok := msg.(*wire.Error)
	if !ok {
		t.Fatalf("expected error message first, got %T", msg)
	}
	if errMsg.Message != "Invalid experiment ID" {
		t.Fatalf("unexpected error text: %q", errMsg.Message)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if err == nil {
		t.Fatal("expected close after error message")
	}
	if !websocket.IsCloseError(err, session.CloseInvalidExperiment) {
		t.Fatalf("expected close code %d, got %v", session.CloseInvalidExperiment, err)
	}
}

func TestDashboard_SnapshotThenLiveUpdates(t *testing.T) {
	s := memstore.New()
	c := newCoordinator(t, s)
	ctx := context.Background()

	now := time.Now()
	s.InsertExperiment(ctx, &model.Experiment{ID: "exp1", Name: "survey", Created: now})
	s.InsertTestRun(ctx, &model.TestRun{
		ID:           "tr1",
		ExperimentID: "exp1",
		Frequency:    "145000000",
		State:        model.TestRunRunning,
		StartTime:    now.Add(-time.Minute),
		EndTime:      now.Add(time.Minute),
	})
	node, err := s.AdoptNode(ctx, "node-a", "token", "10.0.0.1", now)
	if err != nil {
		t.Fatalf("AdoptNode: %v", err)
	}
	s.InsertTestRunData(ctx, &model.TestRunData{
		ID:         "d1",
		TestRunID:  "tr1",
		NodeID:     node.ID,
		Frequency:  "145000000",
		Timestamp:  now,
		Power:      1,
		RawSamples: []float64{-80, -80, -30, -80, -80},
	})

	ws := dialDashboard(t, s, c, "exp1")

	// Snapshot order: experiment, runs, aggregated data, nodes.
	if msg := readMessage(t, ws); msg.(*wire.ExperimentUpdate).Doc.ID != "exp1" {
		t.Fatalf("unexpected experiment snapshot: %+v", msg)
	}
	if msg := readMessage(t, ws); msg.(*wire.TestRunUpdate).Doc.ID != "tr1" {
		t.Fatalf("unexpected test run snapshot: %+v", msg)
	}
	data := readMessage(t, ws).(*wire.TestRunData)
	if data.Doc.TestRunID != "tr1" {
		t.Fatalf("unexpected data snapshot: %+v", data.Doc)
	}
	// Center -30 against a -80 floor: the raw vector stays server-side and
	// only the derived scalars go out.
	if data.Doc.Power != -55 || data.Doc.NoiseFloor != -80 {
		t.Fatalf("wrong aggregation: power=%v noiseFloor=%v", data.Doc.Power, data.Doc.NoiseFloor)
	}
	if msg := readMessage(t, ws); msg.(*wire.NodeStatus).NodeName != "node-a" {
		t.Fatalf("unexpected node snapshot: %+v", msg)
	}

	// Give the session a moment to register its live subscriptions; they
	// are installed right after the snapshot is written.
	time.Sleep(50 * time.Millisecond)

	// Live: a new run for this experiment is pushed.
	s.InsertTestRun(ctx, &model.TestRun{
		ID:           "tr2",
		ExperimentID: "exp1",
		Frequency:    "146000000",
		StartTime:    now.Add(time.Hour),
		EndTime:      now.Add(2 * time.Hour),
	})
	if msg := readMessage(t, ws); msg.(*wire.TestRunUpdate).Doc.ID != "tr2" {
		t.Fatalf("expected live tr2 update, got %+v", msg)
	}

	// A run for another experiment is filtered out; the next delivery is
	// the sample that follows it.
	s.InsertTestRun(ctx, &model.TestRun{
		ID:           "other",
		ExperimentID: "exp2",
		Frequency:    "147000000",
		StartTime:    now,
		EndTime:      now.Add(time.Minute),
	})
	s.InsertTestRunData(ctx, &model.TestRunData{
		ID:        "d2",
		TestRunID: "tr1",
		NodeID:    node.ID,
		Frequency: "145000000",
		Timestamp: now.Add(time.Second),
		Power:     2,
	})
	if msg := readMessage(t, ws); msg.(*wire.TestRunData).Doc.Timestamp.IsZero() {
		t.Fatalf("expected live sample, got %+v", msg)
	}

	// Deleting a run notifies the dashboard even though deletes carry no
	// document to filter on.
	s.DeleteTestRun(ctx, "tr1")
	del := readMessage(t, ws).(*wire.ItemDeleted)
	if del.ItemType != model.CollectionTestRun || del.ItemID != "tr1" {
		t.Fatalf("unexpected deletion notice: %+v", del)
	}
}

func TestDashboard_DataFromUnknownRunFiltered(t *testing.T) {
	s := memstore.New()
	c := newCoordinator(t, s)
	ctx := context.Background()

	s.InsertExperiment(ctx, &model.Experiment{ID: "exp1", Name: "empty"})
	ws := dialDashboard(t, s, c, "exp1")
	readMessage(t, ws) // experiment snapshot

	// Sample for a run this dashboard never heard about.
	s.InsertTestRunData(ctx, &model.TestRunData{
		ID:        "d1",
		TestRunID: "foreign",
		Timestamp: time.Now(),
	})

	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := ws.ReadMessage()
	var netErr interface{ Timeout() bool }
	if err == nil {
		t.Fatal("foreign sample was delivered")
	}
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}
