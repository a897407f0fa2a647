package nodeclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/signal-meter/signalmeter/internal/rfpower"
	"github.com/signal-meter/signalmeter/pkg/model"
	"github.com/signal-meter/signalmeter/pkg/nodeclient"
	"github.com/signal-meter/signalmeter/pkg/wire"
)

// fakeScanner hands out a test-controlled event stream and records the
// frequencies it was started at.
type fakeScanner struct {
	events  chan rfpower.Event
	started chan int64
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{
		events:  make(chan rfpower.Event, 4),
		started: make(chan int64, 4),
	}
}

func (f *fakeScanner) Start(ctx context.Context, centerHz int64) (<-chan rfpower.Event, error) {
	f.started <- centerHz
	return f.events, nil
}

// coordStub upgrades one connection and exposes both ends to the test.
func coordStub(t *testing.T) (host string, conns chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conns = make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if !strings.HasPrefix(req.URL.Path, "/connectNode/") {
			http.NotFound(rw, req)
			return
		}
		ws, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://"), conns
}

func send(t *testing.T, ws *websocket.Conn, m wire.Message) {
	t.Helper()
	data, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func read(t *testing.T, ws *websocket.Conn, timeout time.Duration) wire.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(timeout))
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

func TestClient_AnswersPing(t *testing.T) {
	host, conns := coordStub(t)
	scanner := newFakeScanner()

	cl := nodeclient.New("node-a", scanner)
	cl.Server = host

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.Run(ctx)

	server := <-conns
	defer server.Close()

	send(t, server, wire.NewPing())
	msg := read(t, server, 2*time.Second)
	if _, ok := msg.(*wire.Pong); !ok {
		t.Fatalf("expected pong, got %T", msg)
	}
}

func TestClient_ScansAnnouncedRunAndUploads(t *testing.T) {
	host, conns := coordStub(t)
	scanner := newFakeScanner()

	cl := nodeclient.New("node-a", scanner)
	cl.Server = host

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.Run(ctx)

	server := <-conns
	defer server.Close()

	// Announce a run that is already active.
	now := time.Now()
	send(t, server, wire.NewTestRunUpdate(&model.TestRun{
		ID:           "tr1",
		ExperimentID: "exp1",
		Frequency:    "145000000",
		State:        model.TestRunRunning,
		StartTime:    now.Add(-time.Second),
		EndTime:      now.Add(time.Minute),
	}))

	// The scheduler must bring the scanner up at the run's frequency.
	select {
	case hz := <-scanner.started:
		if hz != 145000000 {
			t.Fatalf("scanner started at %d, want 145000000", hz)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scanner never started")
	}

	ts := time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC)
	scanner.events <- rfpower.Event{
		Timestamp: ts,
		Samples:   []float64{-80, -80, -30, -80, -80},
	}

	msg := read(t, server, 5*time.Second)
	data, ok := msg.(*wire.Data)
	if !ok {
		t.Fatalf("expected data message, got %T", msg)
	}
	if data.Data.Frequency != "145000000" {
		t.Fatalf("wrong frequency: %s", data.Data.Frequency)
	}
	if !data.Data.Timestamp.Equal(ts) {
		t.Fatalf("wrong timestamp: %v", data.Data.Timestamp)
	}
	// Center -55 over a -80 floor: 25 dB above noise.
	if data.Data.Power != 25 {
		t.Fatalf("wrong power: %v", data.Data.Power)
	}
	if len(data.Data.RawSamples) != 5 {
		t.Fatalf("raw samples not forwarded: %d", len(data.Data.RawSamples))
	}
}

func TestClient_NarrowWindowsSkipped(t *testing.T) {
	host, conns := coordStub(t)
	scanner := newFakeScanner()

	cl := nodeclient.New("node-a", scanner)
	cl.Server = host

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cl.Run(ctx)

	server := <-conns
	defer server.Close()

	now := time.Now()
	send(t, server, wire.NewTestRunUpdate(&model.TestRun{
		ID:        "tr1",
		Frequency: "145000000",
		StartTime: now.Add(-time.Second),
		EndTime:   now.Add(time.Minute),
	}))
	select {
	case <-scanner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scanner never started")
	}

	// Too few bins for the center/neighbor math: nothing is uploaded.
	scanner.events <- rfpower.Event{Timestamp: now, Samples: []float64{-80, -30, -80}}
	scanner.events <- rfpower.Event{Timestamp: now.Add(time.Second), Samples: []float64{-80, -80, -30, -80, -80}}

	msg := read(t, server, 5*time.Second)
	data, ok := msg.(*wire.Data)
	if !ok {
		t.Fatalf("expected data message, got %T", msg)
	}
	if len(data.Data.RawSamples) != 5 {
		t.Fatalf("narrow window was uploaded: %d samples", len(data.Data.RawSamples))
	}
}
